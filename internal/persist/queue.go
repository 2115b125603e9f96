package persist

import (
	"context"
	"sync"

	"github.com/cchalm/stockchat/internal/chat"
)

// SnapshotPersister saves a single snapshot
type SnapshotPersister interface {
	PersistSnapshot(ctx context.Context, snap chat.Snapshot) bool
}

// Queue serializes writes per conversation. Each conversation has a FIFO lane with at most one write in flight, so a
// snapshot can never be overwritten by an earlier one. When several snapshots are waiting in a lane only the newest
// is written, and every waiter receives that write's result
type Queue struct {
	persister SnapshotPersister

	mu    sync.Mutex
	lanes map[string]*lane
	wg    sync.WaitGroup
}

type lane struct {
	jobs []job
}

type job struct {
	ctx    context.Context
	snap   chat.Snapshot
	result chan bool
}

// NewQueue creates a queue that writes through persister
func NewQueue(persister SnapshotPersister) *Queue {
	return &Queue{
		persister: persister,
		lanes:     map[string]*lane{},
	}
}

// Enqueue snapshots conv and schedules it to be written. The returned channel receives the result once; callers may
// ignore it
func (q *Queue) Enqueue(ctx context.Context, conv *chat.Conversation) <-chan bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	// Snapshot under the queue lock so lane order matches snapshot order
	j := job{ctx: ctx, snap: conv.Snapshot(), result: make(chan bool, 1)}

	l, running := q.lanes[j.snap.ConversationID]
	if !running {
		l = &lane{}
		q.lanes[j.snap.ConversationID] = l
	}
	l.jobs = append(l.jobs, j)
	if !running {
		q.wg.Add(1)
		go q.drain(j.snap.ConversationID, l)
	}
	return j.result
}

func (q *Queue) drain(id string, l *lane) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(l.jobs) == 0 {
			delete(q.lanes, id)
			q.mu.Unlock()
			return
		}
		batch := l.jobs
		l.jobs = nil
		q.mu.Unlock()

		newest := batch[len(batch)-1]
		saved := q.persister.PersistSnapshot(newest.ctx, newest.snap)
		for _, j := range batch {
			j.result <- saved
		}
	}
}

// Wait blocks until all queued writes have finished
func (q *Queue) Wait() {
	q.wg.Wait()
}
