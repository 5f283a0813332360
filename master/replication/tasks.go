package replication

import (
	"sync"
	"time"

	"github.com/tierfs/tierfs/proto"
)

type taskKind uint8

const (
	taskReplicate taskKind = iota + 1
	taskDeleteReplica
)

func (k taskKind) String() string {
	if k == taskReplicate {
		return "replicate"
	}
	return "delete_replica"
}

type taskKey struct {
	kind    taskKind
	blockID proto.BlockID
	target  proto.WorkerID
}

type task struct {
	key        taskKey
	source     proto.WorkerID
	attempts   int
	dispatched time.Time
}

// taskQueue deduplicates repair work by (kind, block, target): re-observing
// the same deficit while a task is queued or in flight is a no-op.
type taskQueue struct {
	lock     sync.Mutex
	tasks    map[taskKey]*task
	byWorker map[proto.WorkerID][]taskKey
}

func newTaskQueue() *taskQueue {
	return &taskQueue{
		tasks:    make(map[taskKey]*task),
		byWorker: make(map[proto.WorkerID][]taskKey),
	}
}

func (q *taskQueue) Add(key taskKey, source proto.WorkerID) bool {
	q.lock.Lock()
	defer q.lock.Unlock()

	if _, ok := q.tasks[key]; ok {
		return false
	}
	q.tasks[key] = &task{key: key, source: source}
	q.byWorker[key.target] = append(q.byWorker[key.target], key)
	return true
}

// Take hands out up to max tasks addressed to one worker, marking them
// dispatched. A task re-becomes eligible after the redispatch interval,
// doubled on every further attempt, so a dropped heartbeat reply doesn't
// stall it forever and a struggling worker isn't hammered. Tasks past
// maxAttempts are dropped and returned so the caller can account for them.
func (q *taskQueue) Take(workerID proto.WorkerID, max int, redispatchAfter time.Duration, maxAttempts int) (taken, exhausted []*task) {
	q.lock.Lock()
	defer q.lock.Unlock()

	now := time.Now()
	keys := q.byWorker[workerID]
	taken = make([]*task, 0, max)
	kept := keys[:0]
	for _, key := range keys {
		t, ok := q.tasks[key]
		if !ok {
			continue
		}
		wait := redispatchAfter
		if t.attempts > 1 {
			shift := t.attempts - 1
			if shift > 6 {
				shift = 6
			}
			wait = redispatchAfter << shift
		}
		if len(taken) < max && (t.dispatched.IsZero() || now.Sub(t.dispatched) > wait) {
			t.attempts++
			if t.attempts > maxAttempts {
				delete(q.tasks, key)
				exhausted = append(exhausted, t)
				continue
			}
			t.dispatched = now
			taken = append(taken, t)
		}
		kept = append(kept, key)
	}
	q.byWorker[workerID] = kept
	return taken, exhausted
}

func (q *taskQueue) Remove(key taskKey) {
	q.lock.Lock()
	delete(q.tasks, key)
	q.lock.Unlock()
}

// RemoveBlock drops every task for a block, whatever the target.
func (q *taskQueue) RemoveBlock(blockID proto.BlockID) {
	q.lock.Lock()
	for key := range q.tasks {
		if key.blockID == blockID {
			delete(q.tasks, key)
		}
	}
	q.lock.Unlock()
}

func (q *taskQueue) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.tasks)
}

func (q *taskQueue) PendingKind(kind taskKind) int {
	q.lock.Lock()
	defer q.lock.Unlock()
	n := 0
	for key := range q.tasks {
		if key.kind == kind {
			n++
		}
	}
	return n
}
