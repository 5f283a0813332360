package namespace

import (
	"container/list"
	"sync"

	"github.com/tierfs/tierfs/metrics"
	"github.com/tierfs/tierfs/proto"
)

// retryRecord is the journaled outcome of one mutating client request.
// A retried request with the same (client, request) identity resolves to
// this record instead of re-running the mutation.
type retryRecord struct {
	Op         uint32        `json:"op"`
	InodeID    proto.InodeID `json:"inode_id,omitempty"`
	BlockID    proto.BlockID `json:"block_id,omitempty"`
	LeaseToken string        `json:"lease_token,omitempty"`
	Workers    []uint32      `json:"workers,omitempty"`
	Err        string        `json:"err,omitempty"`
	Time       int64         `json:"time"`
}

type retryEntry struct {
	key string
	rec *retryRecord
}

// retryCache holds recent request outcomes, expired deterministically by
// the timestamps carried in journal entries rather than by local clocks.
type retryCache struct {
	lock      sync.Mutex
	entries   map[string]*list.Element
	order     *list.List // oldest at front
	retention int64      // ms
}

func newRetryCache(retentionMs int64) *retryCache {
	return &retryCache{
		entries:   make(map[string]*list.Element),
		order:     list.New(),
		retention: retentionMs,
	}
}

func retryKey(clientID, requestID string) string {
	return clientID + "\x00" + requestID
}

func (c *retryCache) Get(clientID, requestID string) *retryRecord {
	if requestID == "" {
		return nil
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	elem, ok := c.entries[retryKey(clientID, requestID)]
	if !ok {
		return nil
	}
	metrics.RetryCacheHitTotal.Inc()
	return elem.Value.(retryEntry).rec
}

func (c *retryCache) Put(clientID, requestID string, rec *retryRecord) {
	if requestID == "" {
		return
	}
	key := retryKey(clientID, requestID)
	c.lock.Lock()
	defer c.lock.Unlock()
	if elem, ok := c.entries[key]; ok {
		c.order.Remove(elem)
	}
	c.entries[key] = c.order.PushBack(retryEntry{key: key, rec: rec})
}

// Expire drops entries older than the retention window relative to now,
// which callers take from the entry being applied. Returns the evicted
// keys so the on-disk records can be removed in the same apply.
func (c *retryCache) Expire(now int64) [][2]string {
	c.lock.Lock()
	defer c.lock.Unlock()

	evicted := [][2]string{}
	for {
		front := c.order.Front()
		if front == nil {
			break
		}
		entry := front.Value.(retryEntry)
		if entry.rec.Time+c.retention > now {
			break
		}
		c.order.Remove(front)
		delete(c.entries, entry.key)
		clientID, requestID := splitRetryKey(entry.key)
		evicted = append(evicted, [2]string{clientID, requestID})
	}
	return evicted
}

func splitRetryKey(key string) (string, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == 0 {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
