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

package master

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tierfs/tierfs/common/kvstore"
	"github.com/tierfs/tierfs/common/logger"
	"github.com/tierfs/tierfs/errors"
	"github.com/tierfs/tierfs/master/cluster"
	"github.com/tierfs/tierfs/master/idgenerator"
	"github.com/tierfs/tierfs/master/job"
	"github.com/tierfs/tierfs/master/namespace"
	"github.com/tierfs/tierfs/master/replication"
	"github.com/tierfs/tierfs/master/store"
	"github.com/tierfs/tierfs/proto"
	"github.com/tierfs/tierfs/raft"
)

type Config struct {
	NodeID    uint64 `json:"node_id"`
	ClusterID uint32 `json:"cluster_id"`

	StoreConfig       store.Config       `json:"store_config"`
	RaftConfig        raft.Config        `json:"raft_config"`
	NamespaceConfig   namespace.Config   `json:"namespace_config"`
	ClusterConfig     cluster.Config     `json:"cluster_config"`
	ReplicationConfig replication.Config `json:"replication_config"`
}

// Master assembles the metadata engine: one raft group replicating four
// module state machines, plus the soft-state replication manager on top.
type Master struct {
	cfg *Config

	store    *store.Store
	raftNode *raft.Node

	idGen     idgenerator.IDGenerator
	namespace namespace.Namespace
	cluster   cluster.Cluster
	repl      *replication.Manager
	jobs      job.Mgr
	sms       []raft.Applier

	isLeader int32
	lg       *zap.SugaredLogger
}

func NewMaster(ctx context.Context, cfg *Config) (*Master, error) {
	cfg.NamespaceConfig.NodeID = cfg.NodeID
	cfg.ClusterConfig.NodeID = cfg.NodeID
	cfg.ClusterConfig.ClusterID = cfg.ClusterID
	cfg.RaftConfig.NodeID = cfg.NodeID

	m := &Master{cfg: cfg, lg: logger.New("master")}

	stateCFs := []kvstore.CF{}
	stateCFs = append(stateCFs, idgenerator.CFs()...)
	stateCFs = append(stateCFs, namespace.CFs()...)
	stateCFs = append(stateCFs, cluster.CFs()...)
	stateCFs = append(stateCFs, job.CFs()...)
	cfg.StoreConfig.KVOption.ColumnFamily = stateCFs
	cfg.StoreConfig.RaftOption.ColumnFamily = []kvstore.CF{raft.WalCF}

	st, err := store.NewStore(ctx, &cfg.StoreConfig)
	if err != nil {
		return nil, err
	}
	m.store = st

	m.idGen, err = idgenerator.NewIDGenerator(st)
	if err != nil {
		return nil, err
	}
	m.namespace, err = namespace.NewNamespace(st, m.idGen, &cfg.NamespaceConfig)
	if err != nil {
		return nil, err
	}
	m.cluster, err = cluster.NewCluster(st, m.idGen, &cfg.ClusterConfig)
	if err != nil {
		return nil, err
	}
	m.jobs, err = job.NewJobMgr(st, m.idGen, &job.Config{NodeID: cfg.NodeID})
	if err != nil {
		return nil, err
	}
	m.repl = replication.NewManager(m.namespace, m.cluster, &cfg.ReplicationConfig)

	m.sms = []raft.Applier{
		m.idGen.GetSM(),
		m.namespace.GetSM(),
		m.cluster.GetSM(),
		m.jobs.GetSM(),
	}
	cfg.RaftConfig.WalStore = st.RaftStore()
	cfg.RaftConfig.StateStore = st.KVStore()
	cfg.RaftConfig.StateCFs = func() []kvstore.CF { return stateCFs }

	m.raftNode, err = raft.NewNode(&cfg.RaftConfig)
	if err != nil {
		return nil, err
	}
	for _, sm := range m.sms {
		m.raftNode.RegisterApplier(sm)
	}
	m.raftNode.AddRoleObserver(m.repl)
	m.raftNode.AddRoleObserver(m)

	m.namespace.SetRaftGroup(m.raftNode)
	m.namespace.SetAllocator(m.cluster)
	m.namespace.SetBlockObserver(m.repl)
	m.cluster.SetRaftGroup(m.raftNode)
	m.cluster.SetWorkerObserver(m.repl)
	m.cluster.AddCommandSource(m.repl)
	m.cluster.AddCommandSource(m.jobs)
	m.jobs.SetRaftGroup(m.raftNode)
	m.idGen.SetRaftGroup(m.raftNode)

	return m, nil
}

func (m *Master) Start() {
	m.raftNode.Start()
	// a single-member group has no peer to wait out an election timeout for
	if len(m.cfg.RaftConfig.Members) == 1 {
		if err := m.raftNode.Campaign(context.Background()); err != nil {
			m.lg.Warnf("initial campaign: %v", err)
		}
	}
	m.namespace.Start()
	m.cluster.Start()
	m.repl.Start()
	m.lg.Infof("master node %d started", m.cfg.NodeID)
}

func (m *Master) Close() {
	m.repl.Close()
	m.cluster.Close()
	m.namespace.Close()
	m.raftNode.Close()

	eg := errgroup.Group{}
	for _, sm := range m.sms {
		sm := sm
		eg.Go(func() error { return sm.Flush(context.Background()) })
	}
	if err := eg.Wait(); err != nil {
		m.lg.Errorf("flush state on close: %v", err)
	}
	m.store.Close()
}

// OnRoleChange implements raft.RoleObserver.
func (m *Master) OnRoleChange(role raft.Role, leader uint64) {
	if role == raft.RoleLeader {
		atomic.StoreInt32(&m.isLeader, 1)
	} else {
		atomic.StoreInt32(&m.isLeader, 0)
	}
}

func (m *Master) IsLeader() bool {
	return atomic.LoadInt32(&m.isLeader) == 1
}

func (m *Master) RaftStat() *raft.Stat {
	return m.raftNode.Stat()
}

// checkLeader gates every client-facing operation: mutations must run on
// the leader, and reads run a read barrier so a fresh leader never serves
// a stale namespace.
func (m *Master) checkLeader() error {
	if !m.IsLeader() {
		return errors.ErrNotLeader
	}
	return nil
}

func (m *Master) readBarrier(ctx context.Context) error {
	if err := m.checkLeader(); err != nil {
		return err
	}
	return m.raftNode.ReadIndex(ctx)
}

func (m *Master) CreateFile(ctx context.Context, args *proto.CreateFileArgs) (*proto.CreateFileReply, error) {
	if err := m.checkLeader(); err != nil {
		return nil, err
	}
	return m.namespace.CreateFile(ctx, args)
}

func (m *Master) Mkdir(ctx context.Context, args *proto.MkdirArgs) (*proto.MkdirReply, error) {
	if err := m.checkLeader(); err != nil {
		return nil, err
	}
	return m.namespace.Mkdir(ctx, args)
}

func (m *Master) AddBlock(ctx context.Context, args *proto.AddBlockArgs) (*proto.AddBlockReply, error) {
	if err := m.checkLeader(); err != nil {
		return nil, err
	}
	return m.namespace.AddBlock(ctx, args)
}

func (m *Master) CommitBlock(ctx context.Context, args *proto.CommitBlockArgs) error {
	if err := m.checkLeader(); err != nil {
		return err
	}
	return m.namespace.CommitBlock(ctx, args)
}

func (m *Master) CompleteFile(ctx context.Context, args *proto.CompleteFileArgs) error {
	if err := m.checkLeader(); err != nil {
		return err
	}
	return m.namespace.CompleteFile(ctx, args)
}

func (m *Master) Delete(ctx context.Context, args *proto.DeleteArgs) error {
	if err := m.checkLeader(); err != nil {
		return err
	}
	return m.namespace.Delete(ctx, args)
}

func (m *Master) Rename(ctx context.Context, args *proto.RenameArgs) error {
	if err := m.checkLeader(); err != nil {
		return err
	}
	return m.namespace.Rename(ctx, args)
}

func (m *Master) SetTTL(ctx context.Context, args *proto.SetTTLArgs) error {
	if err := m.checkLeader(); err != nil {
		return err
	}
	return m.namespace.SetTTL(ctx, args)
}

func (m *Master) Stat(ctx context.Context, path string) (*proto.InodeInfo, error) {
	if err := m.readBarrier(ctx); err != nil {
		return nil, err
	}
	return m.namespace.Stat(ctx, path)
}

func (m *Master) List(ctx context.Context, path string) ([]*proto.InodeInfo, error) {
	if err := m.readBarrier(ctx); err != nil {
		return nil, err
	}
	return m.namespace.List(ctx, path)
}

func (m *Master) RenewLease(ctx context.Context, clientID string) (int, error) {
	if err := m.checkLeader(); err != nil {
		return 0, err
	}
	return m.namespace.RenewLease(ctx, clientID), nil
}

func (m *Master) RegisterWorker(ctx context.Context, args *proto.RegisterWorkerArgs) (*proto.RegisterWorkerReply, error) {
	if err := m.checkLeader(); err != nil {
		return nil, err
	}
	return m.cluster.Register(ctx, args)
}

func (m *Master) Heartbeat(ctx context.Context, args *proto.HeartbeatArgs) (*proto.HeartbeatReply, error) {
	if err := m.checkLeader(); err != nil {
		return nil, err
	}
	return m.cluster.Heartbeat(ctx, args)
}

func (m *Master) BlockReport(ctx context.Context, args *proto.BlockReportArgs) error {
	if err := m.checkLeader(); err != nil {
		return err
	}
	if _, err := m.cluster.GetWorker(args.WorkerID); err != nil {
		return err
	}
	return m.repl.HandleBlockReport(args)
}

func (m *Master) DecommissionWorker(ctx context.Context, workerID proto.WorkerID) error {
	if err := m.checkLeader(); err != nil {
		return err
	}
	return m.cluster.Decommission(ctx, workerID)
}

func (m *Master) ListWorkers() []*proto.Worker {
	return m.cluster.ListWorkers()
}

func (m *Master) SubmitLoadJob(ctx context.Context, args *proto.SubmitLoadJobArgs) (*proto.SubmitLoadJobReply, error) {
	if err := m.checkLeader(); err != nil {
		return nil, err
	}
	return m.jobs.SubmitLoadJob(ctx, args)
}

func (m *Master) ListJobs() []*job.JobInfo {
	return m.jobs.ListJobs()
}
