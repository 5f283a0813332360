package raft

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	"github.com/tierfs/tierfs/common/logger"
	"github.com/tierfs/tierfs/errors"
	"github.com/tierfs/tierfs/metrics"
)

const (
	defaultTickIntervalMs   = 200
	defaultElectionTick     = 10
	defaultHeartbeatTick    = 1
	defaultMaxSizePerMsg    = 1 << 20
	defaultMaxInflightMsgs  = 128
	defaultProposeTimeoutMs = 10000

	defaultTruncateInterval = uint64(50000)
)

type proposalResult struct {
	reply interface{}
	err   error
}

type readWaiter struct {
	index uint64
	ch    chan proposalResult
}

// Node is a single-group raft replica. It owns the wal storage, the peer
// transport and the applier registry, and drives the etcd raft state machine
// from one goroutine.
type Node struct {
	cfg *Config

	rawNodeMu struct {
		sync.Mutex
		rawNode *raft.RawNode
	}

	storage     *storage
	snapshotter *snapshotter
	transport   *transport
	resolver    *memberResolver

	sms       map[string]Applier
	observers []RoleObserver

	notifies     sync.Map // notifyID -> chan proposalResult
	nextNotifyID uint64

	readMu      sync.Mutex
	readWaiters []readWaiter

	leader uint64 // atomic
	role   int32  // atomic Role

	lastTruncIdx uint64

	signalCh chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	log *zap.SugaredLogger
}

func NewNode(cfg *Config) (*Node, error) {
	if cfg.NodeID == 0 {
		return nil, errors.New("raft node id can't be zero")
	}
	if cfg.TickIntervalMs <= 0 {
		cfg.TickIntervalMs = defaultTickIntervalMs
	}
	if cfg.ElectionTick <= 0 {
		cfg.ElectionTick = defaultElectionTick
	}
	if cfg.HeartbeatTick <= 0 {
		cfg.HeartbeatTick = defaultHeartbeatTick
	}
	if cfg.MaxSizePerMsg == 0 {
		cfg.MaxSizePerMsg = defaultMaxSizePerMsg
	}
	if cfg.MaxInflightMsgs <= 0 {
		cfg.MaxInflightMsgs = defaultMaxInflightMsgs
	}
	if cfg.ProposeTimeoutMs <= 0 {
		cfg.ProposeTimeoutMs = defaultProposeTimeoutMs
	}

	n := &Node{
		cfg:      cfg,
		sms:      make(map[string]Applier),
		signalCh: make(chan struct{}, 1),
		done:     make(chan struct{}),
		log:      logger.New("raft"),
	}

	n.snapshotter = newSnapshotter(cfg.StateStore, cfg.StateCFs)
	stg, err := openStorage(cfg.WalStore, n.snapshotter)
	if err != nil {
		return nil, err
	}
	n.storage = stg
	n.lastTruncIdx = stg.AppliedIndex()

	members, err := stg.LoadMembers()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		members = cfg.Members
		if err := stg.PersistMembers(members); err != nil {
			return nil, err
		}
	}
	n.resolver = newMemberResolver()
	for _, m := range members {
		n.resolver.Put(m.NodeID, m.Host)
	}
	n.transport = newTransport(cfg.ListenAddr, n.resolver, n)

	rc := &raft.Config{
		ID:              cfg.NodeID,
		ElectionTick:    cfg.ElectionTick,
		HeartbeatTick:   cfg.HeartbeatTick,
		Storage:         stg,
		Applied:         stg.AppliedIndex(),
		MaxSizePerMsg:   cfg.MaxSizePerMsg,
		MaxInflightMsgs: cfg.MaxInflightMsgs,
		CheckQuorum:     true,
		PreVote:         true,
	}
	rawNode, err := raft.NewRawNode(rc)
	if err != nil {
		return nil, err
	}

	hs, cs, _ := stg.InitialState()
	if raft.IsEmptyHardState(hs) && len(cs.Voters) == 0 {
		peers := make([]raft.Peer, 0, len(members))
		for _, m := range members {
			peers = append(peers, raft.Peer{ID: m.NodeID})
		}
		if err := rawNode.Bootstrap(peers); err != nil {
			return nil, err
		}
	}
	n.rawNodeMu.rawNode = rawNode

	return n, nil
}

func (n *Node) RegisterApplier(a Applier) {
	n.sms[a.GetModule()] = a
}

func (n *Node) AddRoleObserver(o RoleObserver) {
	n.observers = append(n.observers, o)
}

func (n *Node) Role() Role {
	return Role(atomic.LoadInt32(&n.role))
}

func (n *Node) Leader() uint64 {
	return atomic.LoadUint64(&n.leader)
}

func (n *Node) IsLeader() bool {
	return n.Leader() == n.cfg.NodeID
}

// Start brings up the transport and the raft loop. It returns immediately;
// callers gate serving on WaitForSync or role observations.
func (n *Node) Start() {
	go func() {
		if err := n.transport.Serve(); err != nil {
			n.log.Errorf("raft transport exited: %v", err)
		}
	}()
	go n.run()
	go n.truncJob()
}

func (n *Node) Close() {
	n.stopOnce.Do(func() {
		close(n.done)
		n.transport.Stop()
	})
}

// Propose submits one journal entry and blocks until it was committed by a
// quorum and applied locally; the applier's result is returned. Timeout and
// cancellation surface as retryable errors and never imply the entry was
// dropped: it either commits everywhere or nowhere.
func (n *Node) Propose(ctx context.Context, pd *ProposalData) (ProposalResponse, error) {
	if !n.IsLeader() {
		metrics.ProposalTotal.WithLabelValues(pd.Module, "not_leader").Inc()
		return ProposalResponse{}, errors.ErrNotLeader
	}

	pd.OriginNode = n.cfg.NodeID
	pd.NotifyID = atomic.AddUint64(&n.nextNotifyID, 1)

	raw, err := pd.Marshal()
	if err != nil {
		return ProposalResponse{}, err
	}

	ch := make(chan proposalResult, 1)
	n.notifies.Store(pd.NotifyID, ch)
	defer n.notifies.Delete(pd.NotifyID)

	start := time.Now()
	err = n.withRawNode(func(rn *raft.RawNode) error {
		return rn.Propose(raw)
	})
	if err != nil {
		metrics.ProposalTotal.WithLabelValues(pd.Module, "reject").Inc()
		return ProposalResponse{}, err
	}
	n.signal()

	timeout := time.Duration(n.cfg.ProposeTimeoutMs) * time.Millisecond
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ret := <-ch:
		if ret.err != nil {
			metrics.ProposalTotal.WithLabelValues(pd.Module, "error").Inc()
			return ProposalResponse{}, ret.err
		}
		metrics.ProposalTotal.WithLabelValues(pd.Module, "ok").Inc()
		metrics.ProposeDuration.Observe(time.Since(start).Seconds())
		return ProposalResponse{Data: ret.reply}, nil
	case <-ctx.Done():
		metrics.ProposalTotal.WithLabelValues(pd.Module, "canceled").Inc()
		return ProposalResponse{}, errors.ErrQuorumUnavailable
	case <-timer.C:
		metrics.ProposalTotal.WithLabelValues(pd.Module, "timeout").Inc()
		return ProposalResponse{}, errors.ErrQuorumUnavailable
	case <-n.done:
		return ProposalResponse{}, errors.ErrQuorumUnavailable
	}
}

// ReadIndex blocks until this replica has applied everything committed at
// the time of the call. Promoted followers run this barrier before serving.
func (n *Node) ReadIndex(ctx context.Context) error {
	id := atomic.AddUint64(&n.nextNotifyID, 1)
	rctx := make([]byte, 8)
	binary.BigEndian.PutUint64(rctx, id)

	ch := make(chan proposalResult, 1)
	n.notifies.Store(id, ch)
	defer n.notifies.Delete(id)

	err := n.withRawNode(func(rn *raft.RawNode) error {
		rn.ReadIndex(rctx)
		return nil
	})
	if err != nil {
		return err
	}
	n.signal()

	select {
	case ret := <-ch:
		return ret.err
	case <-ctx.Done():
		return errors.ErrQuorumUnavailable
	case <-n.done:
		return errors.ErrQuorumUnavailable
	}
}

func (n *Node) Campaign(ctx context.Context) error {
	err := n.withRawNode(func(rn *raft.RawNode) error {
		return rn.Campaign()
	})
	n.signal()
	return err
}

func (n *Node) Truncate(ctx context.Context, index uint64) error {
	return n.storage.Truncate(ctx, index)
}

func (n *Node) Stat() *Stat {
	var st raft.Status
	n.withRawNode(func(rn *raft.RawNode) error {
		st = rn.Status()
		return nil
	})
	peers := make([]uint64, 0)
	for _, m := range n.resolver.Members() {
		peers = append(peers, m.NodeID)
	}
	return &Stat{
		NodeID:    n.cfg.NodeID,
		Term:      st.Term,
		Commit:    st.Commit,
		Applied:   n.storage.AppliedIndex(),
		Leader:    n.Leader(),
		RaftState: st.RaftState.String(),
		Peers:     peers,
	}
}

// HandleMessage feeds one peer message into the raft state machine.
func (n *Node) HandleMessage(ctx context.Context, msg raftpb.Message) error {
	if msg.To != n.cfg.NodeID {
		return errors.New("message addressed to another node")
	}
	err := n.withRawNode(func(rn *raft.RawNode) error {
		return rn.Step(msg)
	})
	n.signal()
	return err
}

// HandleSnapshot restores the replicated state from an out-of-band snapshot
// stream. Stale snapshots are fenced by applied index: the stream is
// rejected before any local data is wiped.
func (n *Node) HandleSnapshot(ctx context.Context, header SnapshotHeader, reader *BatchReader) error {
	if header.Index <= n.storage.AppliedIndex() {
		return errors.New("stale snapshot rejected")
	}
	n.log.Infof("restoring snapshot %s at index %d", header.ID, header.Index)

	if err := restoreSnapshot(n.cfg.StateStore, n.cfg.StateCFs(), reader); err != nil {
		return err
	}
	for _, sm := range n.sms {
		if err := sm.LoadData(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) withRawNode(f func(rn *raft.RawNode) error) error {
	n.rawNodeMu.Lock()
	defer n.rawNodeMu.Unlock()
	return f(n.rawNodeMu.rawNode)
}

func (n *Node) signal() {
	select {
	case n.signalCh <- struct{}{}:
	default:
	}
}

func (n *Node) run() {
	ticker := time.NewTicker(time.Duration(n.cfg.TickIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			n.withRawNode(func(rn *raft.RawNode) error {
				rn.Tick()
				return nil
			})
		case <-n.signalCh:
		case <-n.done:
			return
		}

		if err := n.processReady(); err != nil {
			// a replica that cannot persist or apply committed state must
			// stop and resynchronize rather than serve a diverged view
			n.log.Errorf("raft loop fatal: %v", err)
			n.Close()
			return
		}
	}
}

func (n *Node) processReady() error {
	for {
		n.rawNodeMu.Lock()
		if !n.rawNodeMu.rawNode.HasReady() {
			n.rawNodeMu.Unlock()
			return nil
		}
		rd := n.rawNodeMu.rawNode.Ready()
		n.rawNodeMu.Unlock()

		if rd.SoftState != nil {
			n.handleRoleChange(rd.SoftState)
		}

		if err := n.storage.SaveReady(rd.HardState, rd.Entries); err != nil {
			return err
		}

		if !raft.IsEmptySnap(rd.Snapshot) {
			// state arrived earlier on the snapshot stream; here the raft
			// core acknowledges it and the wal resets below it
			if err := n.storage.RestoreSnapshot(rd.Snapshot.Metadata); err != nil {
				return err
			}
		}

		n.sendMessages(rd.Messages)

		if err := n.applyCommittedEntries(rd.CommittedEntries); err != nil {
			return err
		}

		n.resolveReadStates(rd.ReadStates)

		n.rawNodeMu.Lock()
		n.rawNodeMu.rawNode.Advance(rd)
		n.rawNodeMu.Unlock()
	}
}

func (n *Node) handleRoleChange(ss *raft.SoftState) {
	atomic.StoreUint64(&n.leader, ss.Lead)

	var role Role
	switch ss.RaftState {
	case raft.StateLeader:
		role = RoleLeader
	case raft.StateCandidate, raft.StatePreCandidate:
		role = RoleCandidate
	default:
		role = RoleFollower
	}
	old := Role(atomic.SwapInt32(&n.role, int32(role)))
	if old != role {
		n.log.Infof("role change: %s -> %s, leader %d", old, role, ss.Lead)
	}

	for _, sm := range n.sms {
		if err := sm.LeaderChange(ss.Lead); err != nil {
			n.log.Errorf("applier leader change failed: %v", err)
		}
	}
	for _, o := range n.observers {
		o.OnRoleChange(role, ss.Lead)
	}
}

func (n *Node) sendMessages(msgs []raftpb.Message) {
	for i := range msgs {
		msg := msgs[i]
		if msg.Type == raftpb.MsgSnap {
			go n.sendSnapshot(msg)
			continue
		}
		go func() {
			if err := n.transport.Send(context.Background(), msg); err != nil {
				n.withRawNode(func(rn *raft.RawNode) error {
					rn.ReportUnreachable(msg.To)
					return nil
				})
				n.signal()
			}
		}()
	}
}

func (n *Node) sendSnapshot(msg raftpb.Message) {
	ctx := context.Background()
	id := string(msg.Snapshot.Data)
	snap := n.snapshotter.Get(id)
	if snap == nil {
		n.log.Errorf("outgoing snapshot %s not found", id)
		n.reportSnapshot(msg.To, raft.SnapshotFailure)
		return
	}
	defer n.snapshotter.Delete(id)

	if err := n.transport.SendSnapshot(ctx, msg.To, snap); err != nil {
		n.log.Errorf("send snapshot %s to %d failed: %v", id, msg.To, err)
		n.reportSnapshot(msg.To, raft.SnapshotFailure)
		return
	}
	// the MsgSnap itself follows the stream so the peer's raft core
	// adopts the restored index
	if err := n.transport.Send(ctx, msg); err != nil {
		n.reportSnapshot(msg.To, raft.SnapshotFailure)
		return
	}
	n.reportSnapshot(msg.To, raft.SnapshotFinish)
}

func (n *Node) reportSnapshot(to uint64, status raft.SnapshotStatus) {
	n.withRawNode(func(rn *raft.RawNode) error {
		rn.ReportSnapshot(to, status)
		return nil
	})
	n.signal()
}

func (n *Node) applyCommittedEntries(entries []raftpb.Entry) error {
	ctx := context.Background()
	for i := range entries {
		entry := entries[i]
		switch entry.Type {
		case raftpb.EntryNormal:
			if len(entry.Data) == 0 {
				continue
			}
			pd := ProposalData{}
			if err := pd.Unmarshal(entry.Data); err != nil {
				return errors.ErrCorrupted
			}
			sm, ok := n.sms[pd.Module]
			if !ok {
				return errors.ErrCorrupted
			}
			rets, err := sm.Apply(ctx, []ProposalData{pd})
			if err != nil {
				return err
			}
			metrics.ApplyTotal.WithLabelValues(pd.Module).Inc()
			if pd.OriginNode == n.cfg.NodeID {
				var reply interface{}
				if len(rets) > 0 {
					reply = rets[0]
				}
				n.doNotify(pd.NotifyID, proposalResult{reply: reply})
			}
		case raftpb.EntryConfChange:
			if err := n.applyConfChange(entry); err != nil {
				return err
			}
		}
		n.storage.SetAppliedIndex(entry.Index)
	}
	if len(entries) > 0 {
		n.wakeReadWaiters()
	}
	return nil
}

func (n *Node) applyConfChange(entry raftpb.Entry) error {
	var cc raftpb.ConfChange
	if err := cc.Unmarshal(entry.Data); err != nil {
		return errors.ErrCorrupted
	}

	var cs *raftpb.ConfState
	n.withRawNode(func(rn *raft.RawNode) error {
		cs = rn.ApplyConfChange(cc)
		return nil
	})
	if err := n.storage.SetConfState(*cs); err != nil {
		return err
	}

	member := Member{}
	if len(cc.Context) > 0 {
		if err := json.Unmarshal(cc.Context, &member); err != nil {
			return errors.ErrCorrupted
		}
		switch member.Type {
		case MemberChangeType_AddMember:
			n.resolver.Put(member.NodeID, member.Host)
		case MemberChangeType_RemoveMember:
			n.resolver.Remove(member.NodeID)
		}
		if err := n.storage.PersistMembers(n.resolver.Members()); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) resolveReadStates(readStates []raft.ReadState) {
	if len(readStates) == 0 {
		return
	}
	applied := n.storage.AppliedIndex()
	for _, rs := range readStates {
		id := binary.BigEndian.Uint64(rs.RequestCtx)
		if rs.Index <= applied {
			n.doNotify(id, proposalResult{})
			continue
		}
		ch, ok := n.notifies.Load(id)
		if !ok {
			continue
		}
		n.readMu.Lock()
		n.readWaiters = append(n.readWaiters, readWaiter{index: rs.Index, ch: ch.(chan proposalResult)})
		n.readMu.Unlock()
	}
}

func (n *Node) wakeReadWaiters() {
	applied := n.storage.AppliedIndex()
	n.readMu.Lock()
	remaining := n.readWaiters[:0]
	for _, w := range n.readWaiters {
		if w.index <= applied {
			select {
			case w.ch <- proposalResult{}:
			default:
			}
			continue
		}
		remaining = append(remaining, w)
	}
	n.readWaiters = remaining
	n.readMu.Unlock()
}

func (n *Node) doNotify(notifyID uint64, ret proposalResult) {
	ch, ok := n.notifies.Load(notifyID)
	if !ok {
		return
	}
	select {
	case ch.(chan proposalResult) <- ret:
	default:
	}
}

// truncJob compacts the wal behind the applied index on a slow cadence.
func (n *Node) truncJob() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-n.done:
			return
		}

		applied := n.storage.AppliedIndex()
		if applied == n.lastTruncIdx || applied <= defaultTruncateInterval {
			continue
		}
		if err := n.storage.PersistAppliedIndex(); err != nil {
			n.log.Errorf("persist applied index failed: %v", err)
			continue
		}
		if err := n.storage.Truncate(context.Background(), applied-defaultTruncateInterval); err != nil {
			n.log.Errorf("truncate wal failed at %d: %v", applied, err)
			continue
		}
		n.lastTruncIdx = applied
	}
}
