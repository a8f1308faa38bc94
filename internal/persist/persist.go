// Package persist defers conversation writes off the streaming path.
//
// Chat turns are enqueued after the final frame is sent so the client
// never waits on the database. Jobs for one conversation always land on
// the same worker partition, which keeps turn writes for a conversation
// serialized without any locking.
package persist

import (
	"context"
	"sync"
	"time"

	"github.com/emberai/huoyuan/internal/conversation"
	"github.com/emberai/huoyuan/internal/logging"
	"github.com/emberai/huoyuan/internal/metrics"
)

const maxAttempts = 5

// Job is one turn waiting to be written.
type Job struct {
	Turn    conversation.Turn
	attempt int
}

// Appender is the slice of conversation.Service the workers need.
type Appender interface {
	AppendTurn(ctx context.Context, turn conversation.Turn) (int64, error)
}

// Queue is a partitioned bounded queue of pending turn writes.
type Queue struct {
	appender   Appender
	partitions []chan Job
	wg         sync.WaitGroup
	retryDelay time.Duration

	mu     sync.Mutex
	closed bool
}

// NewQueue starts workers partitions with totalCap capacity split between
// them and launches one worker goroutine per partition.
func NewQueue(appender Appender, workers, totalCap int) *Queue {
	return newQueue(appender, workers, totalCap, 500*time.Millisecond)
}

func newQueue(appender Appender, workers, totalCap int, retryDelay time.Duration) *Queue {
	if workers <= 0 {
		workers = 3
	}
	if totalCap < workers {
		totalCap = workers
	}
	q := &Queue{
		appender:   appender,
		partitions: make([]chan Job, workers),
		retryDelay: retryDelay,
	}
	for i := range q.partitions {
		q.partitions[i] = make(chan Job, totalCap/workers)
	}
	for i := range q.partitions {
		q.wg.Add(1)
		go q.worker(i)
	}
	return q
}

// Enqueue offers a job without blocking. False means the partition is
// full (or the queue is closed) and the caller should write inline.
func (q *Queue) Enqueue(job Job) bool {
	// The mutex covers the send so Close never closes a partition
	// between the closed check and the send.
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}

	select {
	case q.partition(job.Turn) <- job:
		metrics.PersistQueueDepth.Inc()
		return true
	default:
		metrics.PersistJobsTotal.WithLabelValues("rejected").Inc()
		return false
	}
}

// Close stops accepting jobs and blocks until every queued job is
// processed. Called during graceful shutdown.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for _, ch := range q.partitions {
		close(ch)
	}
	q.mu.Unlock()

	q.wg.Wait()
}

// partition routes by conversation when known so same-conversation
// writes stay ordered; a new conversation routes by user.
func (q *Queue) partition(turn conversation.Turn) chan Job {
	key := turn.ConversationID
	if key == 0 {
		key = turn.UserID
	}
	return q.partitions[key%int64(len(q.partitions))]
}

func (q *Queue) worker(idx int) {
	defer q.wg.Done()

	// Workers use a background context: a turn already streamed to the
	// client must be written even after that client disconnects.
	ctx := context.Background()
	for job := range q.partitions[idx] {
		metrics.PersistQueueDepth.Dec()
		q.process(ctx, job)
	}
}

func (q *Queue) process(ctx context.Context, job Job) {
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	_, err := q.appender.AppendTurn(writeCtx, job.Turn)
	cancel()
	if err == nil {
		metrics.PersistJobsTotal.WithLabelValues("ok").Inc()
		return
	}

	job.attempt++
	if job.attempt >= maxAttempts {
		metrics.PersistJobsTotal.WithLabelValues("dropped").Inc()
		logging.L(ctx).Error("dropping turn after repeated write failures",
			"user_id", job.Turn.UserID,
			"conversation_id", job.Turn.ConversationID,
			"attempts", job.attempt,
			"error", err)
		return
	}

	metrics.PersistJobsTotal.WithLabelValues("retried").Inc()
	logging.L(ctx).Warn("turn write failed, requeueing",
		"attempt", job.attempt, "error", err)
	time.Sleep(q.retryDelay)

	// Requeue on the same partition to preserve per-conversation order.
	// A full partition at this point means sustained pressure; the job
	// is retried inline instead of dropped.
	if !q.Enqueue(job) {
		q.process(ctx, job)
	}
}
