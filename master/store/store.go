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

package store

import (
	"context"

	"github.com/tierfs/tierfs/common/kvstore"
)

type Config struct {
	Path       string         `json:"path"`
	KVOption   kvstore.Option `json:"kv_option"`
	RaftOption kvstore.Option `json:"raft_option"`
}

// Store pairs the two rocksdb instances a master node runs on: the state
// store holding replicated module data and the raft store holding the wal.
// The state store runs without its own wal since the raft log already makes
// every write durable before apply.
type Store struct {
	kvStore   kvstore.Store
	raftStore kvstore.Store

	cfg *Config
}

func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	kvStorePath := cfg.Path + "/kv"
	cfg.KVOption.DisableWal = true
	cfg.KVOption.CreateIfMissing = true
	kvStore, err := kvstore.NewKVStore(ctx, kvStorePath, kvstore.RocksdbLsmKVType, &cfg.KVOption)
	if err != nil {
		return nil, err
	}

	raftStorePath := cfg.Path + "/raft"
	cfg.RaftOption.CreateIfMissing = true
	raftStore, err := kvstore.NewKVStore(ctx, raftStorePath, kvstore.RocksdbLsmKVType, &cfg.RaftOption)
	if err != nil {
		kvStore.Close()
		return nil, err
	}

	return &Store{
		kvStore:   kvStore,
		raftStore: raftStore,
		cfg:       cfg,
	}, nil
}

func (s *Store) KVStore() kvstore.Store {
	return s.kvStore
}

func (s *Store) RaftStore() kvstore.Store {
	return s.raftStore
}

func (s *Store) Close() {
	s.kvStore.Close()
	s.raftStore.Close()
}
