package namespace

import (
	"sync"
	"time"

	"github.com/tierfs/tierfs/errors"
	"github.com/tierfs/tierfs/proto"
)

// lease identity (holder and token) is replicated through the journal with
// the create that granted it; renewal clocks are leader-local soft state.
// A newly promoted leader restarts every clock, giving writers a full grace
// window to re-renew before their leases can expire.
type lease struct {
	clientID string
	token    string
	renewed  int64
}

type leaseTable struct {
	lock        sync.Mutex
	leases      map[proto.InodeID]*lease
	hardLimitMs int64
}

func newLeaseTable(hardLimitMs int64) *leaseTable {
	return &leaseTable{
		leases:      make(map[proto.InodeID]*lease),
		hardLimitMs: hardLimitMs,
	}
}

func (t *leaseTable) Grant(id proto.InodeID, clientID, token string) {
	t.lock.Lock()
	t.leases[id] = &lease{clientID: clientID, token: token, renewed: time.Now().UnixMilli()}
	t.lock.Unlock()
}

func (t *leaseTable) Release(id proto.InodeID) {
	t.lock.Lock()
	delete(t.leases, id)
	t.lock.Unlock()
}

// Check validates that the caller still holds the write lease on a file.
func (t *leaseTable) Check(id proto.InodeID, token string) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	l, ok := t.leases[id]
	if !ok {
		return errors.ErrLeaseExpired
	}
	if l.token != token {
		return errors.ErrLeaseConflict
	}
	if time.Now().UnixMilli()-l.renewed > t.hardLimitMs {
		return errors.ErrLeaseExpired
	}
	return nil
}

// Renew refreshes the renewal clock for every lease a client holds.
func (t *leaseTable) Renew(clientID string) int {
	now := time.Now().UnixMilli()
	t.lock.Lock()
	defer t.lock.Unlock()

	n := 0
	for _, l := range t.leases {
		if l.clientID == clientID {
			l.renewed = now
			n++
		}
	}
	return n
}

func (t *leaseTable) Held(id proto.InodeID) bool {
	t.lock.Lock()
	defer t.lock.Unlock()
	_, ok := t.leases[id]
	return ok
}

// Expired returns files whose writers stopped renewing past the hard limit.
func (t *leaseTable) Expired() []proto.InodeID {
	now := time.Now().UnixMilli()
	t.lock.Lock()
	defer t.lock.Unlock()

	var ids []proto.InodeID
	for id, l := range t.leases {
		if now-l.renewed > t.hardLimitMs {
			ids = append(ids, id)
		}
	}
	return ids
}

// ResetClocks marks every lease as freshly renewed. Called on leader
// promotion, since the previous leader's renewal times did not replicate.
func (t *leaseTable) ResetClocks() {
	now := time.Now().UnixMilli()
	t.lock.Lock()
	for _, l := range t.leases {
		l.renewed = now
	}
	t.lock.Unlock()
}
