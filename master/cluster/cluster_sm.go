package cluster

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/tierfs/tierfs/common/kvstore"
	"github.com/tierfs/tierfs/errors"
	"github.com/tierfs/tierfs/proto"
	"github.com/tierfs/tierfs/raft"
)

func (c *clusterMgr) GetModule() string {
	return module
}

func (c *clusterMgr) GetCF() []kvstore.CF {
	return []kvstore.CF{cf}
}

func (c *clusterMgr) Apply(ctx context.Context, pds []raft.ProposalData) (rets []interface{}, err error) {
	rets = make([]interface{}, 0, len(pds))
	for i := range pds {
		pd := &pds[i]
		var ret interface{}
		switch pd.Op {
		case RaftOpRegisterWorker:
			ret, err = c.applyRegister(ctx, pd.Data)
		case RaftOpDecommissionWorker:
			ret, err = c.applyDecommission(ctx, pd.Data)
		default:
			return nil, errors.ErrUnknownOperationType
		}
		if err != nil {
			return nil, err
		}
		rets = append(rets, ret)
	}
	return
}

func (c *clusterMgr) LoadData(ctx context.Context) error {
	workers := make(map[proto.WorkerID]*worker)
	byAddr := make(map[string]proto.WorkerID)

	err := c.storage.LoadWorkers(ctx, func(info *proto.Worker) error {
		w := &worker{info: *info}
		// liveness is not replicated; everyone starts Lost until a
		// heartbeat proves otherwise
		if w.info.State == proto.WorkerState_Healthy {
			w.info.State = proto.WorkerState_Lost
		}
		workers[info.ID] = w
		byAddr[info.Addr] = info.ID
		return nil
	})
	if err != nil {
		return err
	}

	c.lock.Lock()
	c.workers = workers
	c.byAddr = byAddr
	c.lock.Unlock()
	return nil
}

func (c *clusterMgr) LeaderChange(peerID uint64) error {
	if peerID == c.cfg.NodeID {
		atomic.StoreInt32(&c.isLeader, 1)
	} else {
		atomic.StoreInt32(&c.isLeader, 0)
	}
	return nil
}

func (c *clusterMgr) Flush(ctx context.Context) error {
	return c.storage.kvStore.FlushCF(ctx, cf)
}

func (c *clusterMgr) applyRegister(ctx context.Context, data []byte) (interface{}, error) {
	args := &registerArgs{}
	if err := json.Unmarshal(data, args); err != nil {
		return nil, err
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	w := c.workers[args.WorkerID]
	if w == nil {
		w = &worker{info: proto.Worker{
			ID:        args.WorkerID,
			Addr:      args.Addr,
			ClusterID: args.ClusterID,
		}}
		c.workers[args.WorkerID] = w
	}

	w.lock.Lock()
	delete(c.byAddr, w.info.Addr)
	w.info.Addr = args.Addr
	w.info.ClusterID = args.ClusterID
	w.info.State = proto.WorkerState_Healthy
	w.info.LastHeartbeat = time.Now()
	w.info.Tiers = make(map[proto.Tier]proto.TierStat, len(args.Tiers))
	for t, s := range args.Tiers {
		w.info.Tiers[t] = s
	}
	info := w.info
	w.lock.Unlock()

	c.byAddr[args.Addr] = args.WorkerID

	if err := c.storage.PutWorker(ctx, &info); err != nil {
		return nil, err
	}
	return nil, nil
}

// applyDecommission flips the worker into the draining state. The record
// itself is retained: block locations keep naming the worker until repair
// re-homes every replica, and the small descriptor keeps placement history
// auditable after the drain.
func (c *clusterMgr) applyDecommission(ctx context.Context, data []byte) (interface{}, error) {
	args := &decommissionArgs{}
	if err := json.Unmarshal(data, args); err != nil {
		return nil, err
	}

	c.lock.RLock()
	w := c.workers[args.WorkerID]
	c.lock.RUnlock()
	if w == nil {
		return errors.ErrWorkerNotExist, nil
	}

	w.lock.Lock()
	w.info.State = proto.WorkerState_Decommissioning
	info := w.info
	w.lock.Unlock()

	if err := c.storage.PutWorker(ctx, &info); err != nil {
		return nil, err
	}
	return nil, nil
}
