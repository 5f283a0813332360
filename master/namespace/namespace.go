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

package namespace

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tierfs/tierfs/common/logger"
	"github.com/tierfs/tierfs/errors"
	"github.com/tierfs/tierfs/master/idgenerator"
	"github.com/tierfs/tierfs/master/store"
	"github.com/tierfs/tierfs/proto"
	"github.com/tierfs/tierfs/raft"
)

const (
	defaultLeaseHardLimitMs      = int64(60000)
	defaultRetryCacheRetentionMs = int64(600000)
	defaultTTLCheckIntervalS     = 30
	defaultTTLBucketIntervalS    = 60
	defaultTTLMaxRetryAttempts   = 5
	defaultTTLMaxRetryDurationS  = 600
	defaultReplication           = 3
)

type Config struct {
	NodeID                uint64 `json:"node_id"`
	LeaseHardLimitMs      int64  `json:"lease_hard_limit_ms"`
	RetryCacheRetentionMs int64  `json:"retry_cache_retention_ms"`
	TTLCheckIntervalS     int    `json:"ttl_check_interval_s"`
	TTLBucketIntervalS    int    `json:"ttl_bucket_interval_s"`
	TTLMaxRetryAttempts   int    `json:"ttl_max_retry_attempts"`
	TTLMaxRetryDurationS  int    `json:"ttl_max_retry_duration_s"`
	DefaultReplication    int    `json:"default_replication"`
}

// Allocator picks workers for a new block. The cluster module implements it;
// placement runs on the leader before the proposal so every replica records
// the same locations.
type Allocator interface {
	AllocBlockWorkers(ctx context.Context, replication int, tier proto.Tier, clientHost string) ([]proto.Worker, error)
}

// BlockObserver is told about replica set changes as they apply. The
// replication module hangs its repair bookkeeping off these.
type BlockObserver interface {
	OnBlockFinalized(fileID proto.InodeID, block *proto.BlockMeta)
	OnBlocksRemoved(blocks []proto.BlockMeta)
}

type Namespace interface {
	CreateFile(ctx context.Context, args *proto.CreateFileArgs) (*proto.CreateFileReply, error)
	Mkdir(ctx context.Context, args *proto.MkdirArgs) (*proto.MkdirReply, error)
	AddBlock(ctx context.Context, args *proto.AddBlockArgs) (*proto.AddBlockReply, error)
	CommitBlock(ctx context.Context, args *proto.CommitBlockArgs) error
	CompleteFile(ctx context.Context, args *proto.CompleteFileArgs) error
	Delete(ctx context.Context, args *proto.DeleteArgs) error
	Rename(ctx context.Context, args *proto.RenameArgs) error
	SetTTL(ctx context.Context, args *proto.SetTTLArgs) error
	Stat(ctx context.Context, path string) (*proto.InodeInfo, error)
	List(ctx context.Context, path string) ([]*proto.InodeInfo, error)
	RenewLease(ctx context.Context, clientID string) int

	GetBlock(blockID proto.BlockID) (*proto.BlockMeta, proto.InodeID, bool)
	IterateBlocks(f func(fileID proto.InodeID, block *proto.BlockMeta) bool)

	GetSM() raft.Applier
	SetRaftGroup(raftGroup raft.Group)
	SetAllocator(a Allocator)
	SetBlockObserver(o BlockObserver)
	Start()
	Close()
}

type namespaceMgr struct {
	cfg *Config

	tree       *tree
	blockIndex map[proto.BlockID]proto.InodeID // guarded by tree.lock
	leases     *leaseTable
	retry      *retryCache
	ttl        *ttlIndex

	storage   *storage
	raftGroup raft.Group
	idGen     idgenerator.IDGenerator
	allocator Allocator
	observer  BlockObserver

	isLeader int32

	// files with an unresolved add-block/complete proposal; a second write
	// call for the same file fails fast instead of racing in the journal
	inflightLock sync.Mutex
	inflight     map[proto.InodeID]struct{}

	applyLock sync.Mutex

	done chan struct{}
	lg   *zap.SugaredLogger
}

func NewNamespace(store *store.Store, idGen idgenerator.IDGenerator, cfg *Config) (Namespace, error) {
	if cfg.LeaseHardLimitMs <= 0 {
		cfg.LeaseHardLimitMs = defaultLeaseHardLimitMs
	}
	if cfg.RetryCacheRetentionMs <= 0 {
		cfg.RetryCacheRetentionMs = defaultRetryCacheRetentionMs
	}
	if cfg.TTLCheckIntervalS <= 0 {
		cfg.TTLCheckIntervalS = defaultTTLCheckIntervalS
	}
	if cfg.TTLBucketIntervalS <= 0 {
		cfg.TTLBucketIntervalS = defaultTTLBucketIntervalS
	}
	if cfg.TTLMaxRetryAttempts <= 0 {
		cfg.TTLMaxRetryAttempts = defaultTTLMaxRetryAttempts
	}
	if cfg.TTLMaxRetryDurationS <= 0 {
		cfg.TTLMaxRetryDurationS = defaultTTLMaxRetryDurationS
	}
	if cfg.DefaultReplication <= 0 {
		cfg.DefaultReplication = defaultReplication
	}

	n := &namespaceMgr{
		cfg:        cfg,
		tree:       newTree(),
		blockIndex: make(map[proto.BlockID]proto.InodeID),
		leases:     newLeaseTable(cfg.LeaseHardLimitMs),
		retry:      newRetryCache(cfg.RetryCacheRetentionMs),
		ttl:        newTTLIndex(int64(cfg.TTLBucketIntervalS) * 1000),
		inflight:   make(map[proto.InodeID]struct{}),
		storage:    &storage{kvStore: store.KVStore()},
		idGen:      idGen,
		done:       make(chan struct{}),
		lg:         logger.New("namespace"),
	}
	if err := n.LoadData(context.Background()); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *namespaceMgr) GetSM() raft.Applier               { return n }
func (n *namespaceMgr) SetRaftGroup(raftGroup raft.Group) { n.raftGroup = raftGroup }
func (n *namespaceMgr) SetAllocator(a Allocator)          { n.allocator = a }
func (n *namespaceMgr) SetBlockObserver(o BlockObserver)  { n.observer = o }

func (n *namespaceMgr) Start() {
	go n.ttlLoop()
	go n.leaseLoop()
}

func (n *namespaceMgr) Close() {
	close(n.done)
}

func (n *namespaceMgr) CreateFile(ctx context.Context, args *proto.CreateFileArgs) (*proto.CreateFileReply, error) {
	if rec := n.retry.Get(args.ClientID, args.RequestID); rec != nil && rec.Op == RaftOpCreateInode {
		return &proto.CreateFileReply{InodeID: rec.InodeID, LeaseToken: rec.LeaseToken}, nil
	}

	parts, err := splitPath(args.Path)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, errors.ErrAlreadyExists
	}

	missing, err := n.checkCreatePath(parts, args.Recursive)
	if err != nil {
		return nil, err
	}

	base, _, err := n.idGen.Alloc(ctx, idgenerator.ScopeInode, missing+1)
	if err != nil {
		return nil, err
	}
	ids := make([]proto.InodeID, 0, missing+1)
	for i := 0; i <= missing; i++ {
		ids = append(ids, base+uint64(i))
	}

	replication := args.Replication
	if replication <= 0 {
		replication = n.cfg.DefaultReplication
	}

	pArgs := &createArgs{
		Ts:          time.Now().UnixMilli(),
		ClientID:    args.ClientID,
		RequestID:   args.RequestID,
		Parts:       parts,
		Type:        proto.InodeType_File,
		Perms:       args.Perms,
		Owner:       args.Owner,
		Recursive:   args.Recursive,
		Replication: replication,
		TTLMillis:   args.TTLMillis,
		InodeIDs:    ids,
		LeaseToken:  uuid.NewString(),
	}
	ret, err := n.propose(ctx, RaftOpCreateInode, pArgs)
	if err != nil {
		return nil, err
	}
	return &proto.CreateFileReply{InodeID: ret.inodeID, LeaseToken: ret.leaseToken}, nil
}

func (n *namespaceMgr) Mkdir(ctx context.Context, args *proto.MkdirArgs) (*proto.MkdirReply, error) {
	if rec := n.retry.Get("", args.RequestID); rec != nil && rec.Op == RaftOpCreateInode {
		return &proto.MkdirReply{InodeID: rec.InodeID}, nil
	}

	parts, err := splitPath(args.Path)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, errors.ErrAlreadyExists
	}

	missing, err := n.checkCreatePath(parts, args.Recursive)
	if err != nil {
		return nil, err
	}

	base, _, err := n.idGen.Alloc(ctx, idgenerator.ScopeInode, missing+1)
	if err != nil {
		return nil, err
	}
	ids := make([]proto.InodeID, 0, missing+1)
	for i := 0; i <= missing; i++ {
		ids = append(ids, base+uint64(i))
	}

	pArgs := &createArgs{
		Ts:        time.Now().UnixMilli(),
		RequestID: args.RequestID,
		Parts:     parts,
		Type:      proto.InodeType_Directory,
		Perms:     args.Perms,
		Owner:     args.Owner,
		Recursive: args.Recursive,
		InodeIDs:  ids,
	}
	ret, err := n.propose(ctx, RaftOpCreateInode, pArgs)
	if err != nil {
		return nil, err
	}
	return &proto.MkdirReply{InodeID: ret.inodeID}, nil
}

// checkCreatePath validates the parent chain and returns how many
// intermediate directories are missing.
func (n *namespaceMgr) checkCreatePath(parts []string, recursive bool) (missing int, err error) {
	n.tree.lock.RLock()
	defer n.tree.lock.RUnlock()

	cur := n.tree.get(proto.RootInodeID)
	for i, name := range parts {
		if cur.info.Type != proto.InodeType_Directory {
			return 0, errors.ErrNotADirectory
		}
		id, ok := cur.children[name]
		if !ok {
			remain := len(parts) - i - 1
			if remain > 0 && !recursive {
				return 0, errors.ErrNotFound
			}
			return remain, nil
		}
		if i == len(parts)-1 {
			return 0, errors.ErrAlreadyExists
		}
		cur = n.tree.get(id)
	}
	return 0, nil
}

func (n *namespaceMgr) AddBlock(ctx context.Context, args *proto.AddBlockArgs) (*proto.AddBlockReply, error) {
	if rec := n.retry.Get("", args.RequestID); rec != nil && rec.Op == RaftOpAddBlock {
		return &proto.AddBlockReply{BlockID: rec.BlockID, Workers: n.lookupWorkers(rec.Workers)}, nil
	}

	if err := n.beginFileOp(args.FileID); err != nil {
		return nil, err
	}
	defer n.endFileOp(args.FileID)

	replication, tier, err := n.checkAddBlock(args)
	if err != nil {
		return nil, err
	}

	workers, err := n.allocator.AllocBlockWorkers(ctx, replication, tier, args.ClientHost)
	if err != nil {
		return nil, err
	}

	blockID, _, err := n.idGen.Alloc(ctx, idgenerator.ScopeBlock, 1)
	if err != nil {
		return nil, err
	}

	workerIDs := make([]proto.WorkerID, 0, len(workers))
	for i := range workers {
		workerIDs = append(workerIDs, workers[i].ID)
	}
	pArgs := &addBlockArgs{
		Ts:         time.Now().UnixMilli(),
		RequestID:  args.RequestID,
		FileID:     args.FileID,
		LeaseToken: args.LeaseToken,
		BlockID:    blockID,
		Tier:       tier,
		Workers:    workerIDs,
	}
	ret, err := n.propose(ctx, RaftOpAddBlock, pArgs)
	if err != nil {
		return nil, err
	}
	return &proto.AddBlockReply{BlockID: ret.blockID, Workers: workers}, nil
}

func (n *namespaceMgr) checkAddBlock(args *proto.AddBlockArgs) (replication int, tier proto.Tier, err error) {
	if err = n.leases.Check(args.FileID, args.LeaseToken); err != nil {
		return
	}

	n.tree.lock.RLock()
	defer n.tree.lock.RUnlock()

	node := n.tree.get(args.FileID)
	if node == nil {
		return 0, 0, errors.ErrNotFound
	}
	if node.info.Type != proto.InodeType_File {
		return 0, 0, errors.ErrNotAFile
	}
	if cnt := len(node.info.Blocks); cnt > 0 {
		last := &node.info.Blocks[cnt-1]
		if last.Status != proto.BlockStatus_Committed {
			return 0, 0, errors.ErrNotLastBlock
		}
	}
	// the factor was fixed at create time and journaled with the inode
	replication = node.info.Replication
	if replication <= 0 {
		replication = n.cfg.DefaultReplication
	}

	tier = args.Tier
	if tier == 0 {
		tier = proto.Tier_Memory
	}
	return replication, tier, nil
}

func (n *namespaceMgr) CommitBlock(ctx context.Context, args *proto.CommitBlockArgs) error {
	pArgs := &commitBlockArgs{
		Ts:       time.Now().UnixMilli(),
		WorkerID: args.WorkerID,
		BlockID:  args.BlockID,
		Length:   args.Length,
		Checksum: args.Checksum,
	}
	_, err := n.propose(ctx, RaftOpCommitBlock, pArgs)
	return err
}

func (n *namespaceMgr) CompleteFile(ctx context.Context, args *proto.CompleteFileArgs) error {
	if rec := n.retry.Get("", args.RequestID); rec != nil && rec.Op == RaftOpCompleteFile {
		return nil
	}
	if err := n.beginFileOp(args.FileID); err != nil {
		return err
	}
	defer n.endFileOp(args.FileID)

	if err := n.leases.Check(args.FileID, args.LeaseToken); err != nil {
		return err
	}

	pArgs := &completeArgs{
		Ts:         time.Now().UnixMilli(),
		RequestID:  args.RequestID,
		FileID:     args.FileID,
		LeaseToken: args.LeaseToken,
		Length:     args.Length,
	}
	_, err := n.propose(ctx, RaftOpCompleteFile, pArgs)
	return err
}

func (n *namespaceMgr) Delete(ctx context.Context, args *proto.DeleteArgs) error {
	parts, err := splitPath(args.Path)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return errors.New("can't delete the root directory")
	}

	pArgs := &deleteArgs{
		Ts:        time.Now().UnixMilli(),
		RequestID: args.RequestID,
		Parts:     parts,
		Recursive: args.Recursive,
		Source:    deleteSourceClient,
	}
	_, err = n.propose(ctx, RaftOpDeleteInode, pArgs)
	return err
}

func (n *namespaceMgr) Rename(ctx context.Context, args *proto.RenameArgs) error {
	srcParts, err := splitPath(args.Src)
	if err != nil {
		return err
	}
	dstParts, err := splitPath(args.Dst)
	if err != nil {
		return err
	}
	if len(srcParts) == 0 || len(dstParts) == 0 {
		return errors.New("can't rename the root directory")
	}

	pArgs := &renameArgs{
		Ts:        time.Now().UnixMilli(),
		RequestID: args.RequestID,
		SrcParts:  srcParts,
		DstParts:  dstParts,
		Overwrite: args.Overwrite,
	}
	_, err = n.propose(ctx, RaftOpRenameInode, pArgs)
	return err
}

func (n *namespaceMgr) SetTTL(ctx context.Context, args *proto.SetTTLArgs) error {
	parts, err := splitPath(args.Path)
	if err != nil {
		return err
	}

	pArgs := &setTTLArgs{
		Ts:        time.Now().UnixMilli(),
		RequestID: args.RequestID,
		Parts:     parts,
		TTLMillis: args.TTLMillis,
	}
	_, err = n.propose(ctx, RaftOpSetTTL, pArgs)
	return err
}

func (n *namespaceMgr) Stat(ctx context.Context, path string) (*proto.InodeInfo, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	n.tree.lock.RLock()
	defer n.tree.lock.RUnlock()

	node, err := n.tree.resolve(parts)
	if err != nil {
		return nil, err
	}
	return copyInodeInfo(node.info), nil
}

func (n *namespaceMgr) List(ctx context.Context, path string) ([]*proto.InodeInfo, error) {
	parts, err := splitPath(path)
	if err != nil {
		return nil, err
	}

	n.tree.lock.RLock()
	defer n.tree.lock.RUnlock()

	node, err := n.tree.resolve(parts)
	if err != nil {
		return nil, err
	}
	if node.info.Type != proto.InodeType_Directory {
		return nil, errors.ErrNotADirectory
	}

	ret := make([]*proto.InodeInfo, 0, len(node.children))
	for _, name := range n.tree.listNames(node) {
		ret = append(ret, copyInodeInfo(n.tree.get(node.children[name]).info))
	}
	return ret, nil
}

// RenewLease refreshes all leases held by a client; returns how many.
func (n *namespaceMgr) RenewLease(ctx context.Context, clientID string) int {
	return n.leases.Renew(clientID)
}

func (n *namespaceMgr) GetBlock(blockID proto.BlockID) (*proto.BlockMeta, proto.InodeID, bool) {
	n.tree.lock.RLock()
	defer n.tree.lock.RUnlock()

	fileID, ok := n.blockIndex[blockID]
	if !ok {
		return nil, 0, false
	}
	node := n.tree.get(fileID)
	if node == nil {
		return nil, 0, false
	}
	for i := range node.info.Blocks {
		if node.info.Blocks[i].ID == blockID {
			b := node.info.Blocks[i]
			return &b, fileID, true
		}
	}
	return nil, 0, false
}

// IterateBlocks visits every block under the read lock; f returning false
// stops the walk. Copies are handed out so callers can't alias tree state.
func (n *namespaceMgr) IterateBlocks(f func(fileID proto.InodeID, block *proto.BlockMeta) bool) {
	n.tree.lock.RLock()
	defer n.tree.lock.RUnlock()

	for _, node := range n.tree.inodes {
		if node.info.Type != proto.InodeType_File {
			continue
		}
		for i := range node.info.Blocks {
			b := node.info.Blocks[i]
			if !f(node.info.ID, &b) {
				return
			}
		}
	}
}

func (n *namespaceMgr) propose(ctx context.Context, op uint32, args interface{}) (*applyRet, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}

	resp, err := n.raftGroup.Propose(ctx, &raft.ProposalData{
		Module:  module,
		Op:      op,
		Data:    data,
		Context: reqidFromContext(ctx),
	})
	if err != nil {
		return nil, err
	}

	ret := resp.Data.(*applyRet)
	if ret.err != nil {
		return nil, ret.err
	}
	return ret, nil
}

func (n *namespaceMgr) lookupWorkers(ids []uint32) []proto.Worker {
	// best effort: the retried reply only needs addresses that are still
	// current, which the allocator's registry resolves at serve time
	workers := make([]proto.Worker, 0, len(ids))
	for _, id := range ids {
		workers = append(workers, proto.Worker{ID: proto.WorkerID(id)})
	}
	return workers
}

func (n *namespaceMgr) beginFileOp(id proto.InodeID) error {
	n.inflightLock.Lock()
	defer n.inflightLock.Unlock()
	if _, ok := n.inflight[id]; ok {
		return errors.ErrOperationInProgress
	}
	n.inflight[id] = struct{}{}
	return nil
}

func (n *namespaceMgr) endFileOp(id proto.InodeID) {
	n.inflightLock.Lock()
	delete(n.inflight, id)
	n.inflightLock.Unlock()
}

func (n *namespaceMgr) amLeader() bool {
	return atomic.LoadInt32(&n.isLeader) == 1
}

func copyInodeInfo(info *proto.InodeInfo) *proto.InodeInfo {
	cp := *info
	if len(info.Blocks) > 0 {
		cp.Blocks = make([]proto.BlockMeta, len(info.Blocks))
		copy(cp.Blocks, info.Blocks)
		for i := range cp.Blocks {
			locs := make([]proto.BlockLocation, len(info.Blocks[i].Locations))
			copy(locs, info.Blocks[i].Locations)
			cp.Blocks[i].Locations = locs
		}
	}
	return &cp
}

func reqidFromContext(ctx context.Context) []byte {
	if v := ctx.Value(proto.ReqIdKey); v != nil {
		if s, ok := v.(string); ok {
			return []byte(s)
		}
	}
	return nil
}
