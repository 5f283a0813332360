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
	"sync/atomic"

	"github.com/tierfs/tierfs/common/kvstore"
	"github.com/tierfs/tierfs/errors"
	"github.com/tierfs/tierfs/metrics"
	"github.com/tierfs/tierfs/proto"
	"github.com/tierfs/tierfs/raft"
)

// applyRet is the in-process outcome of one applied entry, handed back to
// the proposing call. Business rejections travel in err; only storage
// faults make Apply itself fail and halt the replica.
type applyRet struct {
	err        error
	inodeID    proto.InodeID
	blockID    proto.BlockID
	workers    []uint32
	leaseToken string
}

func (n *namespaceMgr) GetModule() string {
	return module
}

func (n *namespaceMgr) GetCF() []kvstore.CF {
	return []kvstore.CF{cf}
}

func (n *namespaceMgr) Apply(ctx context.Context, pds []raft.ProposalData) (rets []interface{}, err error) {
	n.applyLock.Lock()
	defer n.applyLock.Unlock()

	rets = make([]interface{}, 0, len(pds))
	for i := range pds {
		pd := &pds[i]
		var ret *applyRet
		switch pd.Op {
		case RaftOpCreateInode:
			ret, err = n.applyCreate(ctx, pd.Data)
		case RaftOpAddBlock:
			ret, err = n.applyAddBlock(ctx, pd.Data)
		case RaftOpCommitBlock:
			ret, err = n.applyCommitBlock(ctx, pd.Data)
		case RaftOpCompleteFile:
			ret, err = n.applyComplete(ctx, pd.Data)
		case RaftOpDeleteInode:
			ret, err = n.applyDelete(ctx, pd.Data)
		case RaftOpRenameInode:
			ret, err = n.applyRename(ctx, pd.Data)
		case RaftOpSetTTL:
			ret, err = n.applySetTTL(ctx, pd.Data)
		case RaftOpRecoverLease:
			ret, err = n.applyRecoverLease(ctx, pd.Data)
		default:
			return nil, errors.ErrUnknownOperationType
		}
		if err != nil {
			return nil, err
		}
		rets = append(rets, ret)
	}
	return
}

func (n *namespaceMgr) LoadData(ctx context.Context) error {
	tree := newTree()
	blockIndex := make(map[proto.BlockID]proto.InodeID)
	leases := newLeaseTable(n.cfg.LeaseHardLimitMs)
	ttl := newTTLIndex(int64(n.cfg.TTLBucketIntervalS) * 1000)

	pending := make(map[proto.InodeID]*proto.InodeInfo)
	err := n.storage.LoadInodes(ctx, func(info *proto.InodeInfo) error {
		if info.ID == proto.RootInodeID {
			return nil
		}
		pending[info.ID] = info
		return nil
	})
	if err != nil {
		return err
	}

	// materialize every node before linking; a rename can leave a child
	// with a lower id than its parent, so no single order is safe
	for id, info := range pending {
		tree.inodes[id] = newInode(info)
	}
	for id, info := range pending {
		parent := tree.get(info.ParentID)
		if parent == nil || parent.info.Type != proto.InodeType_Directory {
			return errors.ErrCorrupted
		}
		parent.children[info.Name] = id

		for i := range info.Blocks {
			blockIndex[info.Blocks[i].ID] = id
		}
		if info.Open() {
			leases.Grant(id, info.LeaseClient, info.LeaseToken)
		} else if exp, ok := ttlExpiry(info); ok {
			ttl.Set(id, exp)
		}
	}

	retry := newRetryCache(n.cfg.RetryCacheRetentionMs)
	err = n.storage.LoadRetryRecords(ctx, func(clientID, requestID string, rec *retryRecord) error {
		retry.Put(clientID, requestID, rec)
		return nil
	})
	if err != nil {
		return err
	}

	n.tree.lock.Lock()
	n.tree.inodes = tree.inodes
	n.blockIndex = blockIndex
	n.tree.lock.Unlock()
	n.leases = leases
	n.retry = retry
	n.ttl = ttl
	return nil
}

func (n *namespaceMgr) LeaderChange(peerID uint64) error {
	if peerID == n.cfg.NodeID {
		atomic.StoreInt32(&n.isLeader, 1)
		n.leases.ResetClocks()
	} else {
		atomic.StoreInt32(&n.isLeader, 0)
	}
	return nil
}

func (n *namespaceMgr) Flush(ctx context.Context) error {
	return n.storage.kvStore.FlushCF(ctx, cf)
}

func (n *namespaceMgr) applyCreate(ctx context.Context, data []byte) (*applyRet, error) {
	args := &createArgs{}
	if err := json.Unmarshal(data, args); err != nil {
		return nil, err
	}

	if rec := n.retry.Get(args.ClientID, args.RequestID); rec != nil && rec.Op == RaftOpCreateInode {
		return &applyRet{inodeID: rec.InodeID, leaseToken: rec.LeaseToken}, nil
	}

	n.tree.lock.Lock()
	defer n.tree.lock.Unlock()

	// walk down, creating missing directories from the pre-allocated ids
	cur := n.tree.get(proto.RootInodeID)
	nextID := 0
	for i, name := range args.Parts {
		if cur.info.Type != proto.InodeType_Directory {
			return &applyRet{err: errors.ErrNotADirectory}, nil
		}
		last := i == len(args.Parts)-1

		if id, ok := cur.children[name]; ok {
			if last {
				return &applyRet{err: errors.ErrAlreadyExists}, nil
			}
			cur = n.tree.get(id)
			continue
		}

		if !last && !args.Recursive {
			return &applyRet{err: errors.ErrNotFound}, nil
		}
		if nextID >= len(args.InodeIDs) {
			// a concurrent create consumed part of the path; ids ran out,
			// the client retries with a fresh allocation
			return &applyRet{err: errors.ErrOperationInProgress}, nil
		}
		if args.InodeIDs[nextID] <= proto.RootInodeID {
			// the root id is reserved; an allocation below it can only come
			// from a corrupt journal entry
			return &applyRet{err: errors.ErrCorrupted}, nil
		}

		info := &proto.InodeInfo{
			ID:       args.InodeIDs[nextID],
			ParentID: cur.info.ID,
			Name:     name,
			Type:     proto.InodeType_Directory,
			Perms:    args.Perms,
			Owner:    args.Owner,
			Ctime:    args.Ts,
			Mtime:    args.Ts,
		}
		if last && args.Type == proto.InodeType_File {
			info.Type = proto.InodeType_File
			info.Replication = args.Replication
			info.TTL = args.TTLMillis
			info.LeaseClient = args.ClientID
			info.LeaseToken = args.LeaseToken
		}
		nextID++

		if err := n.storage.PutInode(ctx, info); err != nil {
			return nil, err
		}
		node := newInode(info)
		n.tree.link(cur, node)
		cur = node
	}

	if args.Type == proto.InodeType_File {
		n.leases.Grant(cur.info.ID, args.ClientID, args.LeaseToken)
	}

	ret := &applyRet{inodeID: cur.info.ID, leaseToken: args.LeaseToken}
	if err := n.recordRetry(ctx, args.ClientID, args.RequestID, &retryRecord{
		Op: RaftOpCreateInode, InodeID: ret.inodeID, LeaseToken: ret.leaseToken, Time: args.Ts,
	}); err != nil {
		return nil, err
	}
	return ret, nil
}

func (n *namespaceMgr) applyAddBlock(ctx context.Context, data []byte) (*applyRet, error) {
	args := &addBlockArgs{}
	if err := json.Unmarshal(data, args); err != nil {
		return nil, err
	}

	if rec := n.retry.Get("", args.RequestID); rec != nil && rec.Op == RaftOpAddBlock {
		return &applyRet{blockID: rec.BlockID, workers: rec.Workers}, nil
	}

	n.tree.lock.Lock()
	defer n.tree.lock.Unlock()

	node := n.tree.get(args.FileID)
	if node == nil {
		return &applyRet{err: errors.ErrNotFound}, nil
	}
	if node.info.LeaseToken != args.LeaseToken {
		return &applyRet{err: errors.ErrLeaseConflict}, nil
	}
	if cnt := len(node.info.Blocks); cnt > 0 && node.info.Blocks[cnt-1].Status != proto.BlockStatus_Committed {
		return &applyRet{err: errors.ErrNotLastBlock}, nil
	}

	locations := make([]proto.BlockLocation, 0, len(args.Workers))
	for _, w := range args.Workers {
		locations = append(locations, proto.BlockLocation{WorkerID: w, State: proto.ReplicaState_Provisional})
	}
	node.info.Blocks = append(node.info.Blocks, proto.BlockMeta{
		ID:          args.BlockID,
		Status:      proto.BlockStatus_Writing,
		Replication: len(args.Workers),
		Locations:   locations,
	})
	node.info.Mtime = args.Ts

	if err := n.storage.PutInode(ctx, node.info); err != nil {
		return nil, err
	}
	n.blockIndex[args.BlockID] = args.FileID

	workers := make([]uint32, 0, len(args.Workers))
	for _, w := range args.Workers {
		workers = append(workers, uint32(w))
	}
	ret := &applyRet{blockID: args.BlockID, workers: workers}
	if err := n.recordRetry(ctx, "", args.RequestID, &retryRecord{
		Op: RaftOpAddBlock, BlockID: args.BlockID, Workers: workers, Time: args.Ts,
	}); err != nil {
		return nil, err
	}
	return ret, nil
}

func (n *namespaceMgr) applyCommitBlock(ctx context.Context, data []byte) (*applyRet, error) {
	args := &commitBlockArgs{}
	if err := json.Unmarshal(data, args); err != nil {
		return nil, err
	}

	n.tree.lock.Lock()
	defer n.tree.lock.Unlock()

	fileID, ok := n.blockIndex[args.BlockID]
	if !ok {
		return &applyRet{err: errors.ErrNotFound}, nil
	}
	node := n.tree.get(fileID)
	block := findBlock(node.info, args.BlockID)
	if block == nil {
		return &applyRet{err: errors.ErrNotFound}, nil
	}

	if block.Status == proto.BlockStatus_Committed {
		if block.Length != args.Length {
			return &applyRet{err: errors.ErrLengthMismatch}, nil
		}
	} else {
		block.Status = proto.BlockStatus_Committed
		block.Length = args.Length
		block.Checksum = args.Checksum
	}

	found := false
	for i := range block.Locations {
		if block.Locations[i].WorkerID == args.WorkerID {
			block.Locations[i].State = proto.ReplicaState_Finalized
			found = true
			break
		}
	}
	if !found {
		// replication landed a copy on a worker outside the original set
		block.Locations = append(block.Locations, proto.BlockLocation{
			WorkerID: args.WorkerID, State: proto.ReplicaState_Finalized,
		})
	}

	if err := n.storage.PutInode(ctx, node.info); err != nil {
		return nil, err
	}
	if n.observer != nil {
		b := *block
		n.observer.OnBlockFinalized(fileID, &b)
	}
	return &applyRet{blockID: args.BlockID}, nil
}

func (n *namespaceMgr) applyComplete(ctx context.Context, data []byte) (*applyRet, error) {
	args := &completeArgs{}
	if err := json.Unmarshal(data, args); err != nil {
		return nil, err
	}

	if rec := n.retry.Get("", args.RequestID); rec != nil && rec.Op == RaftOpCompleteFile {
		return &applyRet{inodeID: rec.InodeID}, nil
	}

	n.tree.lock.Lock()
	defer n.tree.lock.Unlock()

	node := n.tree.get(args.FileID)
	if node == nil {
		return &applyRet{err: errors.ErrNotFound}, nil
	}
	if node.info.LeaseToken != args.LeaseToken {
		return &applyRet{err: errors.ErrLeaseConflict}, nil
	}

	var total uint64
	for i := range node.info.Blocks {
		b := &node.info.Blocks[i]
		if b.Status != proto.BlockStatus_Committed {
			return &applyRet{err: errors.ErrNotLastBlock}, nil
		}
		total += b.Length
	}
	if total != args.Length {
		return &applyRet{err: errors.ErrLengthMismatch}, nil
	}

	node.info.Length = total
	node.info.Mtime = args.Ts
	node.info.LeaseClient = ""
	node.info.LeaseToken = ""

	if err := n.storage.PutInode(ctx, node.info); err != nil {
		return nil, err
	}
	n.leases.Release(args.FileID)
	if exp, ok := ttlExpiry(node.info); ok {
		n.ttl.Set(node.info.ID, exp)
	}

	ret := &applyRet{inodeID: args.FileID}
	if err := n.recordRetry(ctx, "", args.RequestID, &retryRecord{
		Op: RaftOpCompleteFile, InodeID: args.FileID, Time: args.Ts,
	}); err != nil {
		return nil, err
	}
	return ret, nil
}

func (n *namespaceMgr) applyDelete(ctx context.Context, data []byte) (*applyRet, error) {
	args := &deleteArgs{}
	if err := json.Unmarshal(data, args); err != nil {
		return nil, err
	}

	n.tree.lock.Lock()
	defer n.tree.lock.Unlock()

	parent, name, err := n.tree.resolveParent(args.Parts)
	if err != nil {
		return &applyRet{err: err}, nil
	}
	id, ok := parent.children[name]
	if !ok {
		return &applyRet{err: errors.ErrNotFound}, nil
	}
	node := n.tree.get(id)

	if node.info.Type == proto.InodeType_Directory && len(node.children) > 0 && !args.Recursive {
		return &applyRet{err: errors.ErrDirectoryNotEmpty}, nil
	}
	if node.info.Open() && args.Source == deleteSourceClient {
		return &applyRet{err: errors.ErrOperationInProgress}, nil
	}

	victims := n.tree.collect(node)
	ids := make([]proto.InodeID, 0, len(victims))
	removedBlocks := []proto.BlockMeta{}
	for _, v := range victims {
		ids = append(ids, v.info.ID)
		for i := range v.info.Blocks {
			removedBlocks = append(removedBlocks, v.info.Blocks[i])
			delete(n.blockIndex, v.info.Blocks[i].ID)
		}
		n.leases.Release(v.info.ID)
		n.ttl.Remove(v.info.ID)
		delete(n.tree.inodes, v.info.ID)
	}
	delete(parent.children, name)

	if err := n.storage.DeleteInodes(ctx, ids); err != nil {
		return nil, err
	}
	if n.observer != nil && len(removedBlocks) > 0 {
		n.observer.OnBlocksRemoved(removedBlocks)
	}
	if args.Source == deleteSourceTTL {
		metrics.TTLExpiredTotal.Inc()
	}
	return &applyRet{inodeID: id}, nil
}

func (n *namespaceMgr) applyRename(ctx context.Context, data []byte) (*applyRet, error) {
	args := &renameArgs{}
	if err := json.Unmarshal(data, args); err != nil {
		return nil, err
	}

	n.tree.lock.Lock()
	defer n.tree.lock.Unlock()

	srcParent, srcName, err := n.tree.resolveParent(args.SrcParts)
	if err != nil {
		return &applyRet{err: err}, nil
	}
	srcID, ok := srcParent.children[srcName]
	if !ok {
		return &applyRet{err: errors.ErrNotFound}, nil
	}
	src := n.tree.get(srcID)
	if src.info.Open() {
		return &applyRet{err: errors.ErrOperationInProgress}, nil
	}

	dstParent, dstName, err := n.tree.resolveParent(args.DstParts)
	if err != nil {
		return &applyRet{err: err}, nil
	}
	if src.info.Type == proto.InodeType_Directory && n.tree.isAncestor(src, dstParent) {
		return &applyRet{err: errors.New("can't move a directory into its own subtree")}, nil
	}

	var replaced *inode
	if dstID, ok := dstParent.children[dstName]; ok {
		dst := n.tree.get(dstID)
		if !args.Overwrite || dst.info.Type == proto.InodeType_Directory {
			return &applyRet{err: errors.ErrDestinationExists}, nil
		}
		if dst.info.Open() {
			return &applyRet{err: errors.ErrOperationInProgress}, nil
		}
		replaced = dst
	}

	removedBlocks := []proto.BlockMeta{}
	if replaced != nil {
		for i := range replaced.info.Blocks {
			removedBlocks = append(removedBlocks, replaced.info.Blocks[i])
			delete(n.blockIndex, replaced.info.Blocks[i].ID)
		}
		n.ttl.Remove(replaced.info.ID)
		n.tree.unlink(dstParent, replaced)
		if err := n.storage.DeleteInode(ctx, replaced.info.ID); err != nil {
			return nil, err
		}
	}

	delete(srcParent.children, srcName)
	src.info.ParentID = dstParent.info.ID
	src.info.Name = dstName
	src.info.Mtime = args.Ts
	dstParent.children[dstName] = src.info.ID

	if err := n.storage.PutInode(ctx, src.info); err != nil {
		return nil, err
	}
	if n.observer != nil && len(removedBlocks) > 0 {
		n.observer.OnBlocksRemoved(removedBlocks)
	}
	return &applyRet{inodeID: src.info.ID}, nil
}

func (n *namespaceMgr) applySetTTL(ctx context.Context, data []byte) (*applyRet, error) {
	args := &setTTLArgs{}
	if err := json.Unmarshal(data, args); err != nil {
		return nil, err
	}

	n.tree.lock.Lock()
	defer n.tree.lock.Unlock()

	node, err := n.tree.resolve(args.Parts)
	if err != nil {
		return &applyRet{err: err}, nil
	}
	if node.info.Type != proto.InodeType_File {
		return &applyRet{err: errors.ErrNotAFile}, nil
	}

	node.info.TTL = args.TTLMillis
	if err := n.storage.PutInode(ctx, node.info); err != nil {
		return nil, err
	}

	if node.info.Open() {
		// expiry is measured from completion; nothing to index yet
		return &applyRet{inodeID: node.info.ID}, nil
	}
	if exp, ok := ttlExpiry(node.info); ok {
		n.ttl.Set(node.info.ID, exp)
	} else {
		n.ttl.Remove(node.info.ID)
	}
	return &applyRet{inodeID: node.info.ID}, nil
}

// applyRecoverLease force-closes a file whose writer went silent: trailing
// provisional blocks are dropped, length settles to the committed bytes.
func (n *namespaceMgr) applyRecoverLease(ctx context.Context, data []byte) (*applyRet, error) {
	args := &recoverLeaseArgs{}
	if err := json.Unmarshal(data, args); err != nil {
		return nil, err
	}

	n.tree.lock.Lock()
	defer n.tree.lock.Unlock()

	node := n.tree.get(args.FileID)
	if node == nil || !node.info.Open() {
		return &applyRet{}, nil
	}

	removedBlocks := []proto.BlockMeta{}
	kept := node.info.Blocks[:0]
	var total uint64
	for i := range node.info.Blocks {
		b := node.info.Blocks[i]
		if b.Status != proto.BlockStatus_Committed {
			removedBlocks = append(removedBlocks, b)
			delete(n.blockIndex, b.ID)
			continue
		}
		total += b.Length
		kept = append(kept, b)
	}
	node.info.Blocks = kept
	node.info.Length = total
	node.info.Mtime = args.Ts
	node.info.LeaseClient = ""
	node.info.LeaseToken = ""

	if err := n.storage.PutInode(ctx, node.info); err != nil {
		return nil, err
	}
	n.leases.Release(args.FileID)
	if exp, ok := ttlExpiry(node.info); ok {
		n.ttl.Set(node.info.ID, exp)
	}
	if n.observer != nil && len(removedBlocks) > 0 {
		n.observer.OnBlocksRemoved(removedBlocks)
	}
	return &applyRet{inodeID: args.FileID}, nil
}

// recordRetry journals the successful outcome and expires old records with
// the same timestamp so every replica trims the cache identically.
func (n *namespaceMgr) recordRetry(ctx context.Context, clientID, requestID string, rec *retryRecord) error {
	if requestID == "" {
		return nil
	}
	if err := n.storage.PutRetryRecord(ctx, clientID, requestID, rec); err != nil {
		return err
	}
	n.retry.Put(clientID, requestID, rec)

	for _, key := range n.retry.Expire(rec.Time) {
		if err := n.storage.DeleteRetryRecord(ctx, key[0], key[1]); err != nil {
			return err
		}
	}
	return nil
}

func findBlock(info *proto.InodeInfo, id proto.BlockID) *proto.BlockMeta {
	for i := range info.Blocks {
		if info.Blocks[i].ID == id {
			return &info.Blocks[i]
		}
	}
	return nil
}

func ttlExpiry(info *proto.InodeInfo) (int64, bool) {
	if info.TTL <= 0 || info.Type != proto.InodeType_File {
		return 0, false
	}
	return info.Mtime + info.TTL, true
}
