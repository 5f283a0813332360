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

package job

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tierfs/tierfs/errors"
	"github.com/tierfs/tierfs/master/idgenerator"
	"github.com/tierfs/tierfs/master/store"
	"github.com/tierfs/tierfs/proto"
	"github.com/tierfs/tierfs/raft"
)

const module = "job"

const (
	RaftOpCreateJob uint32 = iota + 1
)

type JobState uint8

const (
	JobState_Pending JobState = iota + 1
	JobState_Dispatched
)

func (s JobState) String() string {
	if s == JobState_Pending {
		return "pending"
	}
	return "dispatched"
}

// JobInfo describes one load of an under-filesystem path into the cache
// namespace. The record is replicated; dispatch progress is leader soft
// state and a promoted leader simply re-dispatches.
type JobInfo struct {
	ID      proto.JobID `json:"id"`
	UfsPath string      `json:"ufs_path"`
	CvPath  string      `json:"cv_path"`
	Ctime   int64       `json:"ctime"`
}

type Config struct {
	NodeID uint64 `json:"node_id"`
}

type Mgr interface {
	SubmitLoadJob(ctx context.Context, args *proto.SubmitLoadJobArgs) (*proto.SubmitLoadJobReply, error)
	ListJobs() []*JobInfo

	PendingCommands(workerID proto.WorkerID, max int) []proto.WorkerCommand
	GetSM() raft.Applier
	SetRaftGroup(raftGroup raft.Group)
}

type jobMgr struct {
	cfg *Config

	lock       sync.RWMutex
	jobs       map[proto.JobID]*JobInfo
	dispatched map[proto.JobID]proto.WorkerID // leader soft state

	storage   *storage
	raftGroup raft.Group
	idGen     idgenerator.IDGenerator

	isLeader int32
}

func NewJobMgr(store *store.Store, idGen idgenerator.IDGenerator, cfg *Config) (Mgr, error) {
	m := &jobMgr{
		cfg:        cfg,
		jobs:       make(map[proto.JobID]*JobInfo),
		dispatched: make(map[proto.JobID]proto.WorkerID),
		storage:    &storage{kvStore: store.KVStore()},
		idGen:      idGen,
	}
	if err := m.LoadData(context.Background()); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *jobMgr) GetSM() raft.Applier               { return m }
func (m *jobMgr) SetRaftGroup(raftGroup raft.Group) { m.raftGroup = raftGroup }

func (m *jobMgr) SubmitLoadJob(ctx context.Context, args *proto.SubmitLoadJobArgs) (*proto.SubmitLoadJobReply, error) {
	if args.UfsPath == "" || args.CvPath == "" {
		return nil, errors.New("ufs path and cv path are required")
	}

	id, _, err := m.idGen.Alloc(ctx, idgenerator.ScopeJob, 1)
	if err != nil {
		return nil, err
	}

	info := &JobInfo{
		ID:      id,
		UfsPath: args.UfsPath,
		CvPath:  args.CvPath,
		Ctime:   time.Now().UnixMilli(),
	}
	data, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	_, err = m.raftGroup.Propose(ctx, &raft.ProposalData{
		Module: module,
		Op:     RaftOpCreateJob,
		Data:   data,
	})
	if err != nil {
		return nil, err
	}
	return &proto.SubmitLoadJobReply{JobID: id}, nil
}

func (m *jobMgr) ListJobs() []*JobInfo {
	m.lock.RLock()
	defer m.lock.RUnlock()

	ret := make([]*JobInfo, 0, len(m.jobs))
	for _, info := range m.jobs {
		cp := *info
		ret = append(ret, &cp)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].ID < ret[j].ID })
	return ret
}

// PendingCommands implements cluster.CommandSource: undispatched jobs are
// handed to whichever worker heartbeats first.
func (m *jobMgr) PendingCommands(workerID proto.WorkerID, max int) []proto.WorkerCommand {
	if atomic.LoadInt32(&m.isLeader) != 1 {
		return nil
	}

	m.lock.Lock()
	defer m.lock.Unlock()

	cmds := make([]proto.WorkerCommand, 0)
	for id, info := range m.jobs {
		if len(cmds) >= max {
			break
		}
		if _, ok := m.dispatched[id]; ok {
			continue
		}
		m.dispatched[id] = workerID
		cmds = append(cmds, proto.WorkerCommand{
			Type:    proto.CommandType_Load,
			JobID:   id,
			UfsPath: info.UfsPath,
			DstPath: info.CvPath,
			Target:  workerID,
		})
	}
	return cmds
}
