package namespace

import (
	"context"
	"encoding/binary"
	"encoding/json"

	"github.com/tierfs/tierfs/common/kvstore"
	"github.com/tierfs/tierfs/proto"
)

var cf = kvstore.CF("namespace")

func CFs() []kvstore.CF {
	return []kvstore.CF{cf}
}

var (
	inodePrefix = []byte{'i'}
	retryPrefix = []byte{'r'}
)

// storage mirrors the in-memory tree and retry cache into the state store.
// Writes happen only inside apply, so the on-disk image always matches a
// journal prefix.
type storage struct {
	kvStore kvstore.Store
}

func encodeInodeKey(id proto.InodeID) []byte {
	key := make([]byte, 9)
	key[0] = inodePrefix[0]
	binary.BigEndian.PutUint64(key[1:], id)
	return key
}

func encodeRetryKey(clientID, requestID string) []byte {
	key := make([]byte, 0, 1+len(clientID)+1+len(requestID))
	key = append(key, retryPrefix...)
	key = append(key, clientID...)
	key = append(key, 0)
	key = append(key, requestID...)
	return key
}

func (s *storage) PutInode(ctx context.Context, info *proto.InodeInfo) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return s.kvStore.SetRaw(ctx, cf, encodeInodeKey(info.ID), raw, nil)
}

func (s *storage) DeleteInode(ctx context.Context, id proto.InodeID) error {
	return s.kvStore.Delete(ctx, cf, encodeInodeKey(id), nil)
}

// DeleteInodes removes a batch of inodes atomically; recursive deletes go
// through here so a crash never leaves half a subtree behind.
func (s *storage) DeleteInodes(ctx context.Context, ids []proto.InodeID) error {
	batch := s.kvStore.NewWriteBatch()
	defer batch.Close()
	for _, id := range ids {
		batch.Delete(cf, encodeInodeKey(id))
	}
	return s.kvStore.Write(ctx, batch, nil)
}

func (s *storage) LoadInodes(ctx context.Context, f func(info *proto.InodeInfo) error) error {
	lr := s.kvStore.List(ctx, cf, inodePrefix, nil, nil)
	defer lr.Close()

	for {
		kg, vg, err := lr.ReadNext()
		if err != nil {
			return err
		}
		if kg == nil || vg == nil {
			return nil
		}

		info := &proto.InodeInfo{}
		if err = json.Unmarshal(vg.Value(), info); err != nil {
			kg.Close()
			vg.Close()
			return err
		}
		kg.Close()
		vg.Close()
		if err = f(info); err != nil {
			return err
		}
	}
}

func (s *storage) PutRetryRecord(ctx context.Context, clientID, requestID string, rec *retryRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.kvStore.SetRaw(ctx, cf, encodeRetryKey(clientID, requestID), raw, nil)
}

func (s *storage) DeleteRetryRecord(ctx context.Context, clientID, requestID string) error {
	return s.kvStore.Delete(ctx, cf, encodeRetryKey(clientID, requestID), nil)
}

func (s *storage) LoadRetryRecords(ctx context.Context, f func(clientID, requestID string, rec *retryRecord) error) error {
	lr := s.kvStore.List(ctx, cf, retryPrefix, nil, nil)
	defer lr.Close()

	for {
		kg, vg, err := lr.ReadNext()
		if err != nil {
			return err
		}
		if kg == nil || vg == nil {
			return nil
		}

		rec := &retryRecord{}
		if err = json.Unmarshal(vg.Value(), rec); err != nil {
			kg.Close()
			vg.Close()
			return err
		}
		clientID, requestID := decodeRetryKey(kg.Key())
		kg.Close()
		vg.Close()
		if err = f(clientID, requestID, rec); err != nil {
			return err
		}
	}
}

func decodeRetryKey(key []byte) (clientID, requestID string) {
	body := key[1:]
	for i := range body {
		if body[i] == 0 {
			return string(body[:i]), string(body[i+1:])
		}
	}
	return string(body), ""
}
