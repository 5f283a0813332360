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

package idgenerator

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/tierfs/tierfs/errors"
	"github.com/tierfs/tierfs/master/store"
	"github.com/tierfs/tierfs/raft"
)

// id scopes allocated through the journal; every replica tracks the same
// high-water mark per scope so ids never repeat across failover
const (
	ScopeInode  = "inode"
	ScopeBlock  = "block"
	ScopeWorker = "worker"
	ScopeJob    = "job"
)

var (
	MaxCount = 1000000

	ErrInvalidCount = errors.New("request count is invalid")
)

type IDGenerator interface {
	Alloc(ctx context.Context, name string, count int) (base, new uint64, err error)
	GetSM() raft.Applier
	SetRaftGroup(raftGroup raft.Group)
}

type idGenerator struct {
	scopeItems map[string]uint64
	raftGroup  raft.Group

	storage *storage
	lock    sync.RWMutex
}

func NewIDGenerator(store *store.Store) (IDGenerator, error) {
	storage := &storage{kvStore: store.KVStore()}
	s := &idGenerator{storage: storage}
	if err := s.LoadData(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *idGenerator) GetSM() raft.Applier {
	return s
}

func (s *idGenerator) SetRaftGroup(raftGroup raft.Group) {
	s.raftGroup = raftGroup
}

func (s *idGenerator) Alloc(ctx context.Context, name string, count int) (base, new uint64, err error) {
	if count <= 0 {
		return 0, 0, ErrInvalidCount
	}
	if count > MaxCount {
		count = MaxCount
	}

	args := &allocArgs{Name: name, Count: count}
	data, err := json.Marshal(args)
	if err != nil {
		return
	}

	ret, err := s.raftGroup.Propose(ctx, &raft.ProposalData{
		Module: module,
		Op:     RaftOpAlloc,
		Data:   data,
	})
	if err != nil {
		return
	}

	new = ret.Data.(uint64)
	base = new - uint64(count) + 1
	return
}

type allocArgs struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}
