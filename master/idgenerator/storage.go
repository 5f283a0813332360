package idgenerator

import (
	"context"
	"encoding/binary"

	"github.com/tierfs/tierfs/common/kvstore"
)

var cf = kvstore.CF("id")

// CFs lists the column families this module persists into; the store must
// be opened with them.
func CFs() []kvstore.CF {
	return []kvstore.CF{cf}
}

type storage struct {
	kvStore kvstore.Store
}

func (s *storage) Load(ctx context.Context) (map[string]uint64, error) {
	lr := s.kvStore.List(ctx, cf, nil, nil, nil)
	defer lr.Close()

	ret := make(map[string]uint64)
	for {
		kg, vg, err := lr.ReadNext()
		if err != nil {
			return nil, err
		}
		if kg == nil || vg == nil {
			break
		}

		ret[string(kg.Key())] = decodeValue(vg.Value())
		kg.Close()
		vg.Close()
	}

	return ret, nil
}

func (s *storage) Put(ctx context.Context, name string, commit uint64) error {
	return s.kvStore.SetRaw(ctx, cf, []byte(name), encodeValue(commit), nil)
}

func (s *storage) Get(ctx context.Context, name string) (uint64, error) {
	v, err := s.kvStore.Get(ctx, cf, []byte(name), nil)
	if err != nil {
		return 0, err
	}

	current := decodeValue(v.Value())
	v.Close()
	return current, nil
}

func encodeValue(commit uint64) []byte {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, commit)
	return v
}

func decodeValue(raw []byte) uint64 {
	return binary.BigEndian.Uint64(raw)
}
