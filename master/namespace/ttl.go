package namespace

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/tierfs/tierfs/errors"
	"github.com/tierfs/tierfs/proto"
	"github.com/tierfs/tierfs/raft"
)

// ttlIndex groups expiring inodes into time buckets so the checker scans
// only buckets whose deadline has passed, not every tracked inode. It is
// mutated only from apply, so all replicas agree on its content; only the
// leader acts on it.
type ttlIndex struct {
	bucketMs int64

	lock    sync.Mutex
	buckets map[int64]map[proto.InodeID]struct{}
	expires map[proto.InodeID]int64
}

func newTTLIndex(bucketMs int64) *ttlIndex {
	return &ttlIndex{
		bucketMs: bucketMs,
		buckets:  make(map[int64]map[proto.InodeID]struct{}),
		expires:  make(map[proto.InodeID]int64),
	}
}

// bucketOf rounds an expiry up to its bucket deadline so an inode never
// expires before its ttl elapsed.
func (t *ttlIndex) bucketOf(expireAt int64) int64 {
	return (expireAt + t.bucketMs - 1) / t.bucketMs * t.bucketMs
}

func (t *ttlIndex) Set(id proto.InodeID, expireAt int64) {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.removeLocked(id)
	deadline := t.bucketOf(expireAt)
	b := t.buckets[deadline]
	if b == nil {
		b = make(map[proto.InodeID]struct{})
		t.buckets[deadline] = b
	}
	b[id] = struct{}{}
	t.expires[id] = deadline
}

func (t *ttlIndex) Remove(id proto.InodeID) {
	t.lock.Lock()
	t.removeLocked(id)
	t.lock.Unlock()
}

func (t *ttlIndex) removeLocked(id proto.InodeID) {
	deadline, ok := t.expires[id]
	if !ok {
		return
	}
	delete(t.expires, id)
	b := t.buckets[deadline]
	delete(b, id)
	if len(b) == 0 {
		delete(t.buckets, deadline)
	}
}

func (t *ttlIndex) Tracked(id proto.InodeID) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	_, ok := t.expires[id]
	return ok
}

func (t *ttlIndex) ExpiredBefore(now int64) []proto.InodeID {
	t.lock.Lock()
	defer t.lock.Unlock()

	var ids []proto.InodeID
	for deadline, b := range t.buckets {
		if deadline > now {
			continue
		}
		for id := range b {
			ids = append(ids, id)
		}
	}
	return ids
}

// expiryEntry is the leader-local retry state of one inode in PendingExpiry.
// The replicated index keeps the inode until the journaled delete applies,
// so a leader change simply restarts the retry sequence on the new leader.
type expiryEntry struct {
	firstTry  time.Time
	nextTry   time.Time
	attempts  int
	exhausted bool
}

// ttlLoop runs on every node but only the leader proposes deletions; the
// journal then removes the file on all replicas. A due inode moves to
// PendingExpiry and is retried with exponential backoff; once attempts or
// total retry time run out it is logged and left for manual intervention.
func (n *namespaceMgr) ttlLoop() {
	ticker := time.NewTicker(time.Duration(n.cfg.TTLCheckIntervalS) * time.Second)
	defer ticker.Stop()

	pending := make(map[proto.InodeID]*expiryEntry)
	for {
		select {
		case <-ticker.C:
		case <-n.done:
			return
		}
		if !n.amLeader() {
			for id := range pending {
				delete(pending, id)
			}
			continue
		}
		n.processExpiry(pending, time.Now())
	}
}

// processExpiry is one checker tick: newly due inodes enter pending, due
// entries propose a deletion, failures back off or exhaust.
func (n *namespaceMgr) processExpiry(pending map[proto.InodeID]*expiryEntry, now time.Time) {
	backoffBase := time.Duration(n.cfg.TTLCheckIntervalS) * time.Second
	maxDuration := time.Duration(n.cfg.TTLMaxRetryDurationS) * time.Second

	for _, id := range n.ttl.ExpiredBefore(now.UnixMilli()) {
		if _, ok := pending[id]; !ok {
			pending[id] = &expiryEntry{firstTry: now, nextTry: now}
		}
	}

	for id, e := range pending {
		if !n.ttl.Tracked(id) {
			// the delete applied, or the ttl was reset
			delete(pending, id)
			continue
		}
		if e.exhausted || now.Before(e.nextTry) {
			continue
		}
		if err := n.expireFile(context.Background(), id); err != nil {
			e.attempts++
			if e.attempts >= n.cfg.TTLMaxRetryAttempts || now.Sub(e.firstTry) > maxDuration {
				e.exhausted = true
				n.lg.Errorf("giving up expiring inode %d after %d attempts: %v", id, e.attempts, err)
				continue
			}
			backoff := backoffBase << (e.attempts - 1)
			if backoff > maxDuration {
				backoff = maxDuration
			}
			e.nextTry = now.Add(backoff)
			n.lg.Warnf("expire inode %d failed (attempt %d): %v", id, e.attempts, err)
		}
	}
}

func (n *namespaceMgr) expireFile(ctx context.Context, id proto.InodeID) error {
	path, ok := n.pathOf(id)
	if !ok {
		n.ttl.Remove(id)
		return nil
	}
	pArgs := &deleteArgs{
		Ts:     time.Now().UnixMilli(),
		Parts:  path,
		Source: deleteSourceTTL,
	}
	_, err := n.propose(ctx, RaftOpDeleteInode, pArgs)
	if err != nil && errors.Is(err, errors.ErrNotFound) {
		return nil
	}
	return err
}

// leaseLoop reclaims files whose writers stopped renewing.
func (n *namespaceMgr) leaseLoop() {
	interval := time.Duration(n.cfg.LeaseHardLimitMs/2) * time.Millisecond
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-n.done:
			return
		}
		if !n.amLeader() {
			continue
		}

		for _, id := range n.leases.Expired() {
			data, err := json.Marshal(&recoverLeaseArgs{Ts: time.Now().UnixMilli(), FileID: id})
			if err != nil {
				continue
			}
			_, err = n.raftGroup.Propose(context.Background(), &raft.ProposalData{
				Module: module,
				Op:     RaftOpRecoverLease,
				Data:   data,
			})
			if err != nil {
				n.lg.Warnf("lease recovery for inode %d failed: %v", id, err)
			}
		}
	}
}

// pathOf rebuilds the path components of an inode by walking parent links.
func (n *namespaceMgr) pathOf(id proto.InodeID) ([]string, bool) {
	n.tree.lock.RLock()
	defer n.tree.lock.RUnlock()

	parts := []string{}
	cur := n.tree.get(id)
	for cur != nil && cur.info.ID != proto.RootInodeID {
		parts = append(parts, cur.info.Name)
		cur = n.tree.get(cur.info.ParentID)
	}
	if cur == nil {
		return nil, false
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	if len(parts) == 0 {
		return nil, false
	}
	return parts, true
}
