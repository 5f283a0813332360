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

package replication

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tierfs/tierfs/common/logger"
	"github.com/tierfs/tierfs/metrics"
	"github.com/tierfs/tierfs/proto"
	"github.com/tierfs/tierfs/raft"
)

const (
	defaultScanIntervalS    = 30
	defaultMaxAttempts      = 4
	defaultRedispatchAfterS = 120
	defaultRatePerSecond    = 64
)

type Config struct {
	ScanIntervalS    int     `json:"scan_interval_s"`
	MaxAttempts      int     `json:"max_attempts"`
	RedispatchAfterS int     `json:"redispatch_after_s"`
	RatePerSecond    float64 `json:"rate_per_second"`
}

// NamespaceView is the slice of the namespace the manager reads; placement
// truth stays in the namespace, this module only derives repair work.
type NamespaceView interface {
	GetBlock(blockID proto.BlockID) (*proto.BlockMeta, proto.InodeID, bool)
	IterateBlocks(f func(fileID proto.InodeID, block *proto.BlockMeta) bool)
}

type WorkerView interface {
	GetWorker(id proto.WorkerID) (*proto.Worker, error)
	ListWorkers() []*proto.Worker
}

// Manager keeps every completed block at its target replica count. It scans
// the namespace for deficits and surpluses, turns them into idempotent
// per-(block, target) tasks and rides them out on heartbeat replies.
// Repairing missing copies always outranks trimming extras.
type Manager struct {
	cfg *Config

	ns      NamespaceView
	workers WorkerView

	queue   *taskQueue
	limiter *rate.Limiter

	holdingsLock sync.RWMutex
	holdings     map[proto.WorkerID]map[proto.BlockID]struct{}
	reported     map[proto.WorkerID]bool

	isLeader int32
	scanNow  chan struct{}
	done     chan struct{}
	lg       *zap.SugaredLogger
}

func NewManager(ns NamespaceView, workers WorkerView, cfg *Config) *Manager {
	if cfg.ScanIntervalS <= 0 {
		cfg.ScanIntervalS = defaultScanIntervalS
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RedispatchAfterS <= 0 {
		cfg.RedispatchAfterS = defaultRedispatchAfterS
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = defaultRatePerSecond
	}

	return &Manager{
		cfg:      cfg,
		ns:       ns,
		workers:  workers,
		queue:    newTaskQueue(),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), int(cfg.RatePerSecond)),
		holdings: make(map[proto.WorkerID]map[proto.BlockID]struct{}),
		reported: make(map[proto.WorkerID]bool),
		scanNow:  make(chan struct{}, 1),
		done:     make(chan struct{}),
		lg:       logger.New("replication"),
	}
}

func (m *Manager) Start() {
	go m.scanLoop()
}

func (m *Manager) Close() {
	close(m.done)
}

// OnRoleChange implements raft.RoleObserver.
func (m *Manager) OnRoleChange(role raft.Role, leader uint64) {
	if role == raft.RoleLeader {
		atomic.StoreInt32(&m.isLeader, 1)
		m.kickScan()
	} else {
		atomic.StoreInt32(&m.isLeader, 0)
	}
}

func (m *Manager) amLeader() bool {
	return atomic.LoadInt32(&m.isLeader) == 1
}

func (m *Manager) kickScan() {
	select {
	case m.scanNow <- struct{}{}:
	default:
	}
}

// PendingCommands implements cluster.CommandSource; commands ride on the
// worker's heartbeat reply, throttled by the global dispatch limiter.
func (m *Manager) PendingCommands(workerID proto.WorkerID, max int) []proto.WorkerCommand {
	if !m.amLeader() {
		return nil
	}

	tasks, exhausted := m.queue.Take(workerID, max,
		time.Duration(m.cfg.RedispatchAfterS)*time.Second, m.cfg.MaxAttempts)
	for _, t := range exhausted {
		m.lg.Errorf("giving up %s of block %d on worker %d after %d attempts",
			t.key.kind, t.key.blockID, t.key.target, t.attempts-1)
		metrics.ReplicationTaskTotal.WithLabelValues(t.key.kind.String(), "exhausted").Inc()
	}

	cmds := make([]proto.WorkerCommand, 0, len(tasks))
	for _, t := range tasks {
		if !m.limiter.Allow() {
			break
		}
		switch t.key.kind {
		case taskReplicate:
			cmds = append(cmds, proto.WorkerCommand{
				Type:    proto.CommandType_Replicate,
				BlockID: t.key.blockID,
				Source:  t.source,
				Target:  t.key.target,
			})
		case taskDeleteReplica:
			cmds = append(cmds, proto.WorkerCommand{
				Type:    proto.CommandType_DeleteReplica,
				BlockID: t.key.blockID,
				Target:  t.key.target,
			})
		}
		metrics.ReplicationTaskTotal.WithLabelValues(t.key.kind.String(), "dispatched").Inc()
	}
	return cmds
}

// OnBlockFinalized implements namespace.BlockObserver: a finished copy
// settles its replicate task; remaining deficit is re-enqueued right away.
func (m *Manager) OnBlockFinalized(fileID proto.InodeID, block *proto.BlockMeta) {
	for _, loc := range block.Locations {
		m.queue.Remove(taskKey{kind: taskReplicate, blockID: block.ID, target: loc.WorkerID})
	}
	if !m.amLeader() {
		return
	}
	if m.liveCopies(block) < block.Replication {
		m.scheduleRepair(block)
	}
}

// OnBlocksRemoved implements namespace.BlockObserver: deleted files leave
// replicas behind on workers, which get delete commands.
func (m *Manager) OnBlocksRemoved(blocks []proto.BlockMeta) {
	for i := range blocks {
		b := &blocks[i]
		m.queue.RemoveBlock(b.ID)
		if !m.amLeader() {
			continue
		}
		for _, loc := range b.Locations {
			if m.queue.Add(taskKey{kind: taskDeleteReplica, blockID: b.ID, target: loc.WorkerID}, 0) {
				metrics.ReplicationTaskTotal.WithLabelValues(taskDeleteReplica.String(), "queued").Inc()
			}
		}
	}
}

// OnWorkerLost implements cluster.WorkerObserver.
func (m *Manager) OnWorkerLost(workerID proto.WorkerID) {
	m.holdingsLock.Lock()
	m.reported[workerID] = false
	m.holdingsLock.Unlock()
	m.kickScan()
}

func (m *Manager) OnWorkerDecommissioned(workerID proto.WorkerID) {
	m.kickScan()
}

// HandleBlockReport reconciles a worker's actual holdings with the
// namespace. Orphan replicas have delete commands queued; everything else
// feeds the copy counting that the next scan uses.
func (m *Manager) HandleBlockReport(args *proto.BlockReportArgs) error {
	m.holdingsLock.Lock()
	held := m.holdings[args.WorkerID]
	if held == nil || args.Mode == proto.ReportMode_Full {
		held = make(map[proto.BlockID]struct{}, len(args.Blocks))
		m.holdings[args.WorkerID] = held
	}
	for _, id := range args.Blocks {
		held[id] = struct{}{}
	}
	for _, id := range args.Removed {
		delete(held, id)
		m.queue.Remove(taskKey{kind: taskDeleteReplica, blockID: id, target: args.WorkerID})
	}
	if args.Mode == proto.ReportMode_Full {
		m.reported[args.WorkerID] = true
	}
	m.holdingsLock.Unlock()

	if !m.amLeader() {
		return nil
	}
	for _, id := range args.Blocks {
		if _, _, ok := m.ns.GetBlock(id); !ok {
			if m.queue.Add(taskKey{kind: taskDeleteReplica, blockID: id, target: args.WorkerID}, 0) {
				metrics.ReplicationTaskTotal.WithLabelValues(taskDeleteReplica.String(), "queued").Inc()
			}
		}
	}
	m.kickScan()
	return nil
}

func (m *Manager) scanLoop() {
	ticker := time.NewTicker(time.Duration(m.cfg.ScanIntervalS) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-m.scanNow:
		case <-m.done:
			return
		}
		if !m.amLeader() {
			continue
		}
		m.scan()
	}
}

// scan walks every completed block once. Deficits are queued immediately;
// surplus trimming waits until no repair work is outstanding.
func (m *Manager) scan() {
	under := 0
	surplus := []*proto.BlockMeta{}

	m.ns.IterateBlocks(func(fileID proto.InodeID, block *proto.BlockMeta) bool {
		if block.Status != proto.BlockStatus_Committed {
			return true
		}
		live := m.liveCopies(block)
		switch {
		case live < block.Replication:
			under++
			m.scheduleRepair(block)
		case live > block.Replication:
			b := *block
			surplus = append(surplus, &b)
		}
		return true
	})

	metrics.UnderReplicatedBlocks.Set(float64(under))

	if under == 0 && m.queue.PendingKind(taskReplicate) == 0 {
		for _, block := range surplus {
			m.scheduleTrim(block)
		}
	}
}

// liveCopies counts finalized replicas on healthy workers, discounting any
// the worker's own report says it no longer has.
func (m *Manager) liveCopies(block *proto.BlockMeta) int {
	m.holdingsLock.RLock()
	defer m.holdingsLock.RUnlock()

	live := 0
	for _, loc := range block.Locations {
		if loc.State != proto.ReplicaState_Finalized {
			continue
		}
		w, err := m.workers.GetWorker(loc.WorkerID)
		if err != nil || w.State != proto.WorkerState_Healthy {
			continue
		}
		if m.reported[loc.WorkerID] {
			if _, ok := m.holdings[loc.WorkerID][block.ID]; !ok {
				continue
			}
		}
		live++
	}
	return live
}

func (m *Manager) scheduleRepair(block *proto.BlockMeta) {
	source, ok := m.pickSource(block)
	if !ok {
		return
	}

	holders := make(map[proto.WorkerID]struct{}, len(block.Locations))
	for _, loc := range block.Locations {
		holders[loc.WorkerID] = struct{}{}
	}

	need := block.Replication - m.liveCopies(block)
	for _, w := range m.eligibleTargets(holders) {
		if need <= 0 {
			break
		}
		if m.queue.Add(taskKey{kind: taskReplicate, blockID: block.ID, target: w.ID}, source) {
			metrics.ReplicationTaskTotal.WithLabelValues(taskReplicate.String(), "queued").Inc()
			need--
		}
	}
}

// scheduleTrim removes one extra copy from the fullest holder.
func (m *Manager) scheduleTrim(block *proto.BlockMeta) {
	type holder struct {
		id   proto.WorkerID
		free uint64
	}
	holders := []holder{}
	for _, id := range block.FinalizedLocations() {
		w, err := m.workers.GetWorker(id)
		if err != nil || w.State != proto.WorkerState_Healthy {
			continue
		}
		var free uint64
		for _, stat := range w.Tiers {
			free += stat.Free()
		}
		holders = append(holders, holder{id: id, free: free})
	}
	if len(holders) <= block.Replication {
		return
	}
	sort.Slice(holders, func(i, j int) bool {
		if holders[i].free != holders[j].free {
			return holders[i].free < holders[j].free
		}
		return holders[i].id < holders[j].id
	})
	if m.queue.Add(taskKey{kind: taskDeleteReplica, blockID: block.ID, target: holders[0].id}, 0) {
		metrics.ReplicationTaskTotal.WithLabelValues(taskDeleteReplica.String(), "queued").Inc()
	}
}

func (m *Manager) pickSource(block *proto.BlockMeta) (proto.WorkerID, bool) {
	for _, id := range block.FinalizedLocations() {
		w, err := m.workers.GetWorker(id)
		if err != nil || w.State == proto.WorkerState_Lost {
			continue
		}
		m.holdingsLock.RLock()
		missing := m.reported[id] && !m.holds(id, block.ID)
		m.holdingsLock.RUnlock()
		if missing {
			continue
		}
		return id, true
	}
	return 0, false
}

func (m *Manager) holds(workerID proto.WorkerID, blockID proto.BlockID) bool {
	_, ok := m.holdings[workerID][blockID]
	return ok
}

// eligibleTargets returns healthy non-holders, emptiest first, ids breaking
// ties.
func (m *Manager) eligibleTargets(holders map[proto.WorkerID]struct{}) []*proto.Worker {
	candidates := []*proto.Worker{}
	for _, w := range m.workers.ListWorkers() {
		if w.State != proto.WorkerState_Healthy {
			continue
		}
		if _, ok := holders[w.ID]; ok {
			continue
		}
		candidates = append(candidates, w)
	}
	free := func(w *proto.Worker) uint64 {
		var f uint64
		for _, stat := range w.Tiers {
			f += stat.Free()
		}
		return f
	}
	sort.Slice(candidates, func(i, j int) bool {
		fi, fj := free(candidates[i]), free(candidates[j])
		if fi != fj {
			return fi > fj
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates
}
