package replication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tierfs/tierfs/errors"
	"github.com/tierfs/tierfs/proto"
	"github.com/tierfs/tierfs/raft"
)

type fakeNamespace struct {
	blocks map[proto.BlockID]*proto.BlockMeta
}

func (f *fakeNamespace) GetBlock(blockID proto.BlockID) (*proto.BlockMeta, proto.InodeID, bool) {
	b, ok := f.blocks[blockID]
	return b, 1, ok
}

func (f *fakeNamespace) IterateBlocks(fn func(fileID proto.InodeID, block *proto.BlockMeta) bool) {
	for _, b := range f.blocks {
		if !fn(1, b) {
			return
		}
	}
}

type fakeWorkers struct {
	workers map[proto.WorkerID]*proto.Worker
}

func (f *fakeWorkers) GetWorker(id proto.WorkerID) (*proto.Worker, error) {
	w, ok := f.workers[id]
	if !ok {
		return nil, errors.ErrWorkerNotExist
	}
	return w, nil
}

func (f *fakeWorkers) ListWorkers() []*proto.Worker {
	ret := make([]*proto.Worker, 0, len(f.workers))
	for _, w := range f.workers {
		ret = append(ret, w)
	}
	return ret
}

func healthyWorker(id proto.WorkerID, free uint64) *proto.Worker {
	return &proto.Worker{
		ID:    id,
		Addr:  "w:9000",
		State: proto.WorkerState_Healthy,
		Tiers: map[proto.Tier]proto.TierStat{
			proto.Tier_Memory: {CapacityBytes: free},
		},
	}
}

func committedBlock(id proto.BlockID, replication int, holders ...proto.WorkerID) *proto.BlockMeta {
	b := &proto.BlockMeta{ID: id, Status: proto.BlockStatus_Committed, Replication: replication}
	for _, w := range holders {
		b.Locations = append(b.Locations, proto.BlockLocation{WorkerID: w, State: proto.ReplicaState_Finalized})
	}
	return b
}

func newTestManager(ns *fakeNamespace, ws *fakeWorkers) *Manager {
	m := NewManager(ns, ws, &Config{})
	m.OnRoleChange(raft.RoleLeader, 1)
	return m
}

func TestTaskQueueDedupe(t *testing.T) {
	q := newTaskQueue()
	key := taskKey{kind: taskReplicate, blockID: 10, target: 2}

	require.True(t, q.Add(key, 1))
	require.False(t, q.Add(key, 1))
	require.Equal(t, 1, q.Len())

	// same block, different target is separate work
	require.True(t, q.Add(taskKey{kind: taskReplicate, blockID: 10, target: 3}, 1))
	require.Equal(t, 2, q.Len())

	q.RemoveBlock(10)
	require.Equal(t, 0, q.Len())
}

func TestTaskQueueTake(t *testing.T) {
	q := newTaskQueue()
	key := taskKey{kind: taskReplicate, blockID: 10, target: 2}
	q.Add(key, 1)

	taken, exhausted := q.Take(2, 5, time.Minute, 3)
	require.Len(t, taken, 1)
	require.Empty(t, exhausted)
	require.Equal(t, key, taken[0].key)
	require.Equal(t, proto.WorkerID(1), taken[0].source)

	// dispatched tasks don't come back before the redispatch window
	taken, _ = q.Take(2, 5, time.Minute, 3)
	require.Empty(t, taken)
	require.Equal(t, 1, q.Len())

	// with a negative window the task redispatches until attempts run out
	// and is then handed back as exhausted
	taken, _ = q.Take(2, 5, -time.Second, 3)
	require.Len(t, taken, 1)
	taken, _ = q.Take(2, 5, -time.Second, 3)
	require.Len(t, taken, 1)
	taken, exhausted = q.Take(2, 5, -time.Second, 3)
	require.Empty(t, taken)
	require.Len(t, exhausted, 1)
	require.Equal(t, key, exhausted[0].key)
	require.Equal(t, 0, q.Len())
}

func TestScanSchedulesRepair(t *testing.T) {
	ns := &fakeNamespace{blocks: map[proto.BlockID]*proto.BlockMeta{
		10: committedBlock(10, 3, 1),
	}}
	ws := &fakeWorkers{workers: map[proto.WorkerID]*proto.Worker{
		1: healthyWorker(1, 100),
		2: healthyWorker(2, 100),
		3: healthyWorker(3, 50),
	}}
	m := newTestManager(ns, ws)

	m.scan()
	require.Equal(t, 2, m.queue.PendingKind(taskReplicate))

	// targets are the healthy non-holders, and the source is the holder
	cmds := m.PendingCommands(2, 8)
	require.Len(t, cmds, 1)
	require.Equal(t, proto.CommandType_Replicate, cmds[0].Type)
	require.Equal(t, proto.BlockID(10), cmds[0].BlockID)
	require.Equal(t, proto.WorkerID(1), cmds[0].Source)
	require.Equal(t, proto.WorkerID(2), cmds[0].Target)

	// rescans while tasks are in flight add nothing
	m.scan()
	require.Equal(t, 2, m.queue.PendingKind(taskReplicate))
}

func TestScanSkipsProvisionalBlocks(t *testing.T) {
	block := committedBlock(10, 3, 1)
	block.Status = proto.BlockStatus_Writing
	ns := &fakeNamespace{blocks: map[proto.BlockID]*proto.BlockMeta{10: block}}
	ws := &fakeWorkers{workers: map[proto.WorkerID]*proto.Worker{
		1: healthyWorker(1, 100), 2: healthyWorker(2, 100),
	}}
	m := newTestManager(ns, ws)

	m.scan()
	require.Equal(t, 0, m.queue.Len())
}

func TestScanTrimsOnlyWhenNoRepair(t *testing.T) {
	ns := &fakeNamespace{blocks: map[proto.BlockID]*proto.BlockMeta{
		10: committedBlock(10, 1, 1, 2),
		11: committedBlock(11, 2, 1),
	}}
	ws := &fakeWorkers{workers: map[proto.WorkerID]*proto.Worker{
		1: healthyWorker(1, 100),
		2: healthyWorker(2, 200),
	}}
	m := newTestManager(ns, ws)

	// block 11 is under target, so the surplus on block 10 waits
	m.scan()
	require.Equal(t, 1, m.queue.PendingKind(taskReplicate))
	require.Equal(t, 0, m.queue.PendingKind(taskDeleteReplica))

	// once the deficit heals the next scan trims the fullest holder
	ns.blocks[11] = committedBlock(11, 2, 1, 2)
	m.queue.Remove(taskKey{kind: taskReplicate, blockID: 11, target: 2})
	m.scan()
	require.Equal(t, 1, m.queue.PendingKind(taskDeleteReplica))
	cmds := m.PendingCommands(1, 8)
	require.Len(t, cmds, 1)
	require.Equal(t, proto.CommandType_DeleteReplica, cmds[0].Type)
	require.Equal(t, proto.BlockID(10), cmds[0].BlockID)
}

func TestLostWorkerDiscounted(t *testing.T) {
	ns := &fakeNamespace{blocks: map[proto.BlockID]*proto.BlockMeta{
		10: committedBlock(10, 2, 1, 2),
	}}
	ws := &fakeWorkers{workers: map[proto.WorkerID]*proto.Worker{
		1: healthyWorker(1, 100),
		2: healthyWorker(2, 100),
		3: healthyWorker(3, 100),
	}}
	m := newTestManager(ns, ws)

	m.scan()
	require.Equal(t, 0, m.queue.Len())

	ws.workers[2].State = proto.WorkerState_Lost
	m.OnWorkerLost(2)
	m.scan()
	require.Equal(t, 1, m.queue.PendingKind(taskReplicate))

	cmds := m.PendingCommands(3, 8)
	require.Len(t, cmds, 1)
	require.Equal(t, proto.WorkerID(1), cmds[0].Source)
	require.Equal(t, proto.WorkerID(3), cmds[0].Target)
}

func TestBlockReportOrphans(t *testing.T) {
	ns := &fakeNamespace{blocks: map[proto.BlockID]*proto.BlockMeta{
		10: committedBlock(10, 1, 1),
	}}
	ws := &fakeWorkers{workers: map[proto.WorkerID]*proto.Worker{
		1: healthyWorker(1, 100),
	}}
	m := newTestManager(ns, ws)

	// block 99 is unknown to the namespace: the worker is told to drop it
	require.NoError(t, m.HandleBlockReport(&proto.BlockReportArgs{
		WorkerID: 1,
		Mode:     proto.ReportMode_Full,
		Blocks:   []proto.BlockID{10, 99},
	}))
	require.Equal(t, 1, m.queue.PendingKind(taskDeleteReplica))

	cmds := m.PendingCommands(1, 8)
	require.Len(t, cmds, 1)
	require.Equal(t, proto.CommandType_DeleteReplica, cmds[0].Type)
	require.Equal(t, proto.BlockID(99), cmds[0].BlockID)

	// the worker later reports the orphan gone
	require.NoError(t, m.HandleBlockReport(&proto.BlockReportArgs{
		WorkerID: 1,
		Mode:     proto.ReportMode_Incremental,
		Removed:  []proto.BlockID{99},
	}))
	require.Equal(t, 0, m.queue.Len())
}

func TestBlockReportMissingCopy(t *testing.T) {
	ns := &fakeNamespace{blocks: map[proto.BlockID]*proto.BlockMeta{
		10: committedBlock(10, 2, 1, 2),
	}}
	ws := &fakeWorkers{workers: map[proto.WorkerID]*proto.Worker{
		1: healthyWorker(1, 100),
		2: healthyWorker(2, 100),
		3: healthyWorker(3, 100),
	}}
	m := newTestManager(ns, ws)

	// worker 2 is healthy but its report shows it never got block 10
	require.NoError(t, m.HandleBlockReport(&proto.BlockReportArgs{
		WorkerID: 2, Mode: proto.ReportMode_Full, Blocks: nil,
	}))
	m.scan()
	require.Equal(t, 1, m.queue.PendingKind(taskReplicate))
}

func TestOnBlocksRemoved(t *testing.T) {
	ns := &fakeNamespace{blocks: map[proto.BlockID]*proto.BlockMeta{}}
	ws := &fakeWorkers{workers: map[proto.WorkerID]*proto.Worker{
		1: healthyWorker(1, 100), 2: healthyWorker(2, 100),
	}}
	m := newTestManager(ns, ws)

	m.OnBlocksRemoved([]proto.BlockMeta{*committedBlock(10, 2, 1, 2)})
	require.Equal(t, 2, m.queue.PendingKind(taskDeleteReplica))
}

func TestFollowerDispatchesNothing(t *testing.T) {
	ns := &fakeNamespace{blocks: map[proto.BlockID]*proto.BlockMeta{
		10: committedBlock(10, 3, 1),
	}}
	ws := &fakeWorkers{workers: map[proto.WorkerID]*proto.Worker{
		1: healthyWorker(1, 100), 2: healthyWorker(2, 100),
	}}
	m := newTestManager(ns, ws)
	m.scan()
	require.NotZero(t, m.queue.Len())

	m.OnRoleChange(raft.RoleFollower, 2)
	require.Empty(t, m.PendingCommands(2, 8))
}
