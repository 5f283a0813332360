// Copyright 2024 The TierFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package cluster

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/tierfs/tierfs/common/logger"
	"github.com/tierfs/tierfs/errors"
	"github.com/tierfs/tierfs/master/idgenerator"
	"github.com/tierfs/tierfs/master/store"
	"github.com/tierfs/tierfs/metrics"
	"github.com/tierfs/tierfs/proto"
	"github.com/tierfs/tierfs/raft"
)

const (
	defaultHeartbeatTimeoutS = 30
	defaultSweepIntervalS    = 10
	maxCommandsPerHeartbeat  = 16
)

type Config struct {
	NodeID            uint64 `json:"node_id"`
	ClusterID         uint32 `json:"cluster_id"`
	HeartbeatTimeoutS int    `json:"heartbeat_timeout_s"`
	SweepIntervalS    int    `json:"sweep_interval_s"`
	AllocPolicy       string `json:"alloc_policy"`
}

// CommandSource contributes pending commands to heartbeat replies. The
// replication and job modules register themselves here.
type CommandSource interface {
	PendingCommands(workerID proto.WorkerID, max int) []proto.WorkerCommand
}

// WorkerObserver learns about liveness transitions; replication uses it to
// schedule re-replication off dead workers.
type WorkerObserver interface {
	OnWorkerLost(workerID proto.WorkerID)
	OnWorkerDecommissioned(workerID proto.WorkerID)
}

type Cluster interface {
	Register(ctx context.Context, args *proto.RegisterWorkerArgs) (*proto.RegisterWorkerReply, error)
	Heartbeat(ctx context.Context, args *proto.HeartbeatArgs) (*proto.HeartbeatReply, error)
	Decommission(ctx context.Context, workerID proto.WorkerID) error
	GetWorker(id proto.WorkerID) (*proto.Worker, error)
	ListWorkers() []*proto.Worker
	AllocBlockWorkers(ctx context.Context, replication int, tier proto.Tier, clientHost string) ([]proto.Worker, error)

	AddCommandSource(s CommandSource)
	SetWorkerObserver(o WorkerObserver)
	GetSM() raft.Applier
	SetRaftGroup(raftGroup raft.Group)
	Start()
	Close()
}

type worker struct {
	lock sync.RWMutex
	info proto.Worker
}

func (w *worker) snapshot() *proto.Worker {
	w.lock.RLock()
	defer w.lock.RUnlock()
	cp := w.info
	cp.Tiers = make(map[proto.Tier]proto.TierStat, len(w.info.Tiers))
	for t, s := range w.info.Tiers {
		cp.Tiers[t] = s
	}
	return &cp
}

type clusterMgr struct {
	cfg *Config

	lock    sync.RWMutex
	workers map[proto.WorkerID]*worker
	byAddr  map[string]proto.WorkerID

	storage   *storage
	raftGroup raft.Group
	idGen     idgenerator.IDGenerator
	allocator allocator

	sources  []CommandSource
	observer WorkerObserver

	isLeader int32
	done     chan struct{}
	lg       *zap.SugaredLogger
}

func NewCluster(store *store.Store, idGen idgenerator.IDGenerator, cfg *Config) (Cluster, error) {
	if cfg.HeartbeatTimeoutS <= 0 {
		cfg.HeartbeatTimeoutS = defaultHeartbeatTimeoutS
	}
	if cfg.SweepIntervalS <= 0 {
		cfg.SweepIntervalS = defaultSweepIntervalS
	}

	c := &clusterMgr{
		cfg:     cfg,
		workers: make(map[proto.WorkerID]*worker),
		byAddr:  make(map[string]proto.WorkerID),
		storage: &storage{kvStore: store.KVStore()},
		idGen:   idGen,
		done:    make(chan struct{}),
		lg:      logger.New("cluster"),
	}
	c.allocator = newAllocator(cfg.AllocPolicy)
	if err := c.LoadData(context.Background()); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *clusterMgr) GetSM() raft.Applier               { return c }
func (c *clusterMgr) SetRaftGroup(raftGroup raft.Group) { c.raftGroup = raftGroup }
func (c *clusterMgr) AddCommandSource(s CommandSource)  { c.sources = append(c.sources, s) }
func (c *clusterMgr) SetWorkerObserver(o WorkerObserver) {
	c.observer = o
}

func (c *clusterMgr) Start() {
	go c.sweepLoop()
}

func (c *clusterMgr) Close() {
	close(c.done)
}

func (c *clusterMgr) Register(ctx context.Context, args *proto.RegisterWorkerArgs) (*proto.RegisterWorkerReply, error) {
	if args.ClusterID != c.cfg.ClusterID {
		return nil, errors.ErrInvalidClusterID
	}
	if args.Addr == "" {
		return nil, errors.New("worker addr is required")
	}

	// a restarted worker re-registers under its old identity
	c.lock.RLock()
	id, exists := c.byAddr[args.Addr]
	c.lock.RUnlock()

	if !exists {
		newID, _, err := c.idGen.Alloc(ctx, idgenerator.ScopeWorker, 1)
		if err != nil {
			return nil, err
		}
		id = proto.WorkerID(newID)
	}

	pArgs := &registerArgs{
		Ts:        time.Now().UnixMilli(),
		WorkerID:  id,
		Addr:      args.Addr,
		ClusterID: args.ClusterID,
		Tiers:     args.Tiers,
	}
	data, err := json.Marshal(pArgs)
	if err != nil {
		return nil, err
	}
	resp, err := c.raftGroup.Propose(ctx, &raft.ProposalData{
		Module: module,
		Op:     RaftOpRegisterWorker,
		Data:   data,
	})
	if err != nil {
		return nil, err
	}
	if aerr, ok := resp.Data.(error); ok && aerr != nil {
		return nil, aerr
	}
	return &proto.RegisterWorkerReply{WorkerID: id}, nil
}

func (c *clusterMgr) Heartbeat(ctx context.Context, args *proto.HeartbeatArgs) (*proto.HeartbeatReply, error) {
	if args.ClusterID != c.cfg.ClusterID {
		return nil, errors.ErrInvalidClusterID
	}

	c.lock.RLock()
	w := c.workers[args.WorkerID]
	c.lock.RUnlock()
	if w == nil {
		return nil, errors.ErrWorkerNotExist
	}

	w.lock.Lock()
	wasLost := w.info.State == proto.WorkerState_Lost
	if args.Status == proto.HeartbeatStatus_End {
		w.info.State = proto.WorkerState_Lost
	} else if w.info.State != proto.WorkerState_Decommissioning {
		w.info.State = proto.WorkerState_Healthy
	}
	w.info.LastHeartbeat = time.Now()
	for t, s := range args.Storage.Tiers {
		w.info.Tiers[t] = s
	}
	state := w.info.State
	w.lock.Unlock()

	if wasLost && state == proto.WorkerState_Healthy {
		c.lg.Infof("worker %d back from lost", args.WorkerID)
	}
	if args.Status == proto.HeartbeatStatus_End {
		if c.observer != nil {
			c.observer.OnWorkerLost(args.WorkerID)
		}
		return &proto.HeartbeatReply{}, nil
	}

	reply := &proto.HeartbeatReply{}
	remain := maxCommandsPerHeartbeat
	for _, src := range c.sources {
		if remain <= 0 {
			break
		}
		cmds := src.PendingCommands(args.WorkerID, remain)
		reply.Commands = append(reply.Commands, cmds...)
		remain -= len(cmds)
	}
	return reply, nil
}

func (c *clusterMgr) Decommission(ctx context.Context, workerID proto.WorkerID) error {
	c.lock.RLock()
	w := c.workers[workerID]
	c.lock.RUnlock()
	if w == nil {
		return errors.ErrWorkerNotExist
	}

	data, err := json.Marshal(&decommissionArgs{Ts: time.Now().UnixMilli(), WorkerID: workerID})
	if err != nil {
		return err
	}
	resp, err := c.raftGroup.Propose(ctx, &raft.ProposalData{
		Module: module,
		Op:     RaftOpDecommissionWorker,
		Data:   data,
	})
	if err != nil {
		return err
	}
	if aerr, ok := resp.Data.(error); ok && aerr != nil {
		return aerr
	}
	if c.observer != nil {
		c.observer.OnWorkerDecommissioned(workerID)
	}
	return nil
}

func (c *clusterMgr) GetWorker(id proto.WorkerID) (*proto.Worker, error) {
	c.lock.RLock()
	w := c.workers[id]
	c.lock.RUnlock()
	if w == nil {
		return nil, errors.ErrWorkerNotExist
	}
	return w.snapshot(), nil
}

func (c *clusterMgr) ListWorkers() []*proto.Worker {
	c.lock.RLock()
	defer c.lock.RUnlock()

	ret := make([]*proto.Worker, 0, len(c.workers))
	for _, w := range c.workers {
		ret = append(ret, w.snapshot())
	}
	return ret
}

// AllocBlockWorkers picks the replica set for a new block. Fewer workers
// than requested is not an error as long as at least one qualifies; the
// replication manager tops the block up later.
func (c *clusterMgr) AllocBlockWorkers(ctx context.Context, replication int, tier proto.Tier, clientHost string) ([]proto.Worker, error) {
	candidates := c.healthyWorkers(tier)
	if len(candidates) == 0 {
		if len(c.ListWorkers()) == 0 {
			return nil, errors.ErrWorkerUnavailable
		}
		return nil, errors.ErrInsufficientCapacity
	}
	return c.allocator.pick(candidates, replication, tier, clientHost), nil
}

func (c *clusterMgr) healthyWorkers(tier proto.Tier) []proto.Worker {
	c.lock.RLock()
	defer c.lock.RUnlock()

	ret := make([]proto.Worker, 0, len(c.workers))
	for _, w := range c.workers {
		w.lock.RLock()
		ok := w.info.State == proto.WorkerState_Healthy && w.info.Tiers[tier].Free() > 0
		info := w.info
		w.lock.RUnlock()
		if ok {
			ret = append(ret, info)
		}
	}
	return ret
}

func (c *clusterMgr) amLeader() bool {
	return atomic.LoadInt32(&c.isLeader) == 1
}

// sweepLoop demotes workers that stopped heartbeating. Liveness is leader
// soft state; followers keep whatever they saw last and catch up after
// promotion once heartbeats start flowing to them.
func (c *clusterMgr) sweepLoop() {
	ticker := time.NewTicker(time.Duration(c.cfg.SweepIntervalS) * time.Second)
	defer ticker.Stop()

	timeout := time.Duration(c.cfg.HeartbeatTimeoutS) * time.Second
	for {
		select {
		case <-ticker.C:
		case <-c.done:
			return
		}
		if !c.amLeader() {
			continue
		}

		var alive, lost float64
		now := time.Now()
		c.lock.RLock()
		workers := make([]*worker, 0, len(c.workers))
		for _, w := range c.workers {
			workers = append(workers, w)
		}
		c.lock.RUnlock()

		for _, w := range workers {
			w.lock.Lock()
			if w.info.State == proto.WorkerState_Healthy && now.Sub(w.info.LastHeartbeat) > timeout {
				w.info.State = proto.WorkerState_Lost
				w.lock.Unlock()
				c.lg.Warnf("worker %d lost, last heartbeat %s ago", w.info.ID, now.Sub(w.info.LastHeartbeat))
				if c.observer != nil {
					c.observer.OnWorkerLost(w.info.ID)
				}
				lost++
				continue
			}
			if w.info.State == proto.WorkerState_Lost {
				lost++
			} else {
				alive++
			}
			w.lock.Unlock()
		}

		metrics.WorkersAlive.Set(alive)
		metrics.WorkersLost.Set(lost)
	}
}
