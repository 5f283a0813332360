package job

import (
	"context"
	"encoding/binary"
	"encoding/json"

	"github.com/tierfs/tierfs/common/kvstore"
	"github.com/tierfs/tierfs/proto"
)

var cf = kvstore.CF("job")

func CFs() []kvstore.CF {
	return []kvstore.CF{cf}
}

var jobPrefix = []byte{'j'}

type storage struct {
	kvStore kvstore.Store
}

func encodeJobKey(id proto.JobID) []byte {
	key := make([]byte, 9)
	key[0] = jobPrefix[0]
	binary.BigEndian.PutUint64(key[1:], id)
	return key
}

func (s *storage) PutJob(ctx context.Context, info *JobInfo) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return s.kvStore.SetRaw(ctx, cf, encodeJobKey(info.ID), raw, nil)
}

func (s *storage) LoadJobs(ctx context.Context, f func(info *JobInfo) error) error {
	lr := s.kvStore.List(ctx, cf, jobPrefix, nil, nil)
	defer lr.Close()

	for {
		kg, vg, err := lr.ReadNext()
		if err != nil {
			return err
		}
		if kg == nil || vg == nil {
			return nil
		}

		info := &JobInfo{}
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
