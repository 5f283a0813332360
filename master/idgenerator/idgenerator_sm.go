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

	"github.com/tierfs/tierfs/common/kvstore"
	"github.com/tierfs/tierfs/errors"
	"github.com/tierfs/tierfs/proto"
	"github.com/tierfs/tierfs/raft"
)

const (
	RaftOpAlloc = iota + 1
)

const module = "idGenerator"

func (s *idGenerator) GetModule() string {
	return module
}

func (s *idGenerator) GetCF() []kvstore.CF {
	return []kvstore.CF{cf}
}

func (s *idGenerator) LoadData(ctx context.Context) error {
	scopeItems, err := s.storage.Load(ctx)
	if err != nil {
		return err
	}
	s.lock.Lock()
	s.scopeItems = scopeItems
	s.lock.Unlock()
	return nil
}

func (s *idGenerator) Apply(ctx context.Context, pds []raft.ProposalData) (rets []interface{}, err error) {
	rets = make([]interface{}, 0, len(pds))
	for _, pd := range pds {
		var ret interface{}
		switch pd.Op {
		case RaftOpAlloc:
			ret, err = s.applyCommit(ctx, pd.Data)
		default:
			return rets, errors.ErrUnknownOperationType
		}
		if err != nil {
			return nil, err
		}
		rets = append(rets, ret)
	}
	return
}

// scopeBase is the floor a scope's high-water mark starts above. The inode
// scope must never hand out the root inode's id, which is reserved at boot.
func scopeBase(name string) uint64 {
	if name == ScopeInode {
		return proto.RootInodeID
	}
	return 0
}

func (s *idGenerator) applyCommit(ctx context.Context, data []byte) (uint64, error) {
	args := &allocArgs{}
	if err := json.Unmarshal(data, args); err != nil {
		return 0, err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	current, err := s.storage.Get(ctx, args.Name)
	if err != nil && err != kvstore.ErrNotFound {
		return 0, err
	}
	if base := scopeBase(args.Name); current < base {
		current = base
	}

	newCurrent := current + uint64(args.Count)
	if err = s.storage.Put(ctx, args.Name, newCurrent); err != nil {
		return 0, err
	}

	s.scopeItems[args.Name] = newCurrent
	return newCurrent, nil
}

func (s *idGenerator) LeaderChange(peerID uint64) error {
	return nil
}

func (s *idGenerator) Flush(ctx context.Context) error {
	return nil
}
