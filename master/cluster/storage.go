package cluster

import (
	"context"
	"encoding/binary"
	"encoding/json"

	"github.com/tierfs/tierfs/common/kvstore"
	"github.com/tierfs/tierfs/proto"
)

var cf = kvstore.CF("cluster")

func CFs() []kvstore.CF {
	return []kvstore.CF{cf}
}

var workerPrefix = []byte{'w'}

type storage struct {
	kvStore kvstore.Store
}

func encodeWorkerKey(id proto.WorkerID) []byte {
	key := make([]byte, 5)
	key[0] = workerPrefix[0]
	binary.BigEndian.PutUint32(key[1:], uint32(id))
	return key
}

func (s *storage) PutWorker(ctx context.Context, info *proto.Worker) error {
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return s.kvStore.SetRaw(ctx, cf, encodeWorkerKey(info.ID), raw, nil)
}

func (s *storage) DeleteWorker(ctx context.Context, id proto.WorkerID) error {
	return s.kvStore.Delete(ctx, cf, encodeWorkerKey(id), nil)
}

func (s *storage) LoadWorkers(ctx context.Context, f func(info *proto.Worker) error) error {
	lr := s.kvStore.List(ctx, cf, workerPrefix, nil, nil)
	defer lr.Close()

	for {
		kg, vg, err := lr.ReadNext()
		if err != nil {
			return err
		}
		if kg == nil || vg == nil {
			return nil
		}

		info := &proto.Worker{}
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
