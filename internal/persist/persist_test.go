package persist

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/emberai/huoyuan/internal/conversation"
)

// recordingAppender captures turns and optionally fails the first n calls
// per conversation key.
type recordingAppender struct {
	mu       sync.Mutex
	turns    []conversation.Turn
	failures int
	block    chan struct{} // non-nil: AppendTurn waits until closed
}

func (r *recordingAppender) AppendTurn(_ context.Context, turn conversation.Turn) (int64, error) {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return 0, errors.New("write failed")
	}
	r.turns = append(r.turns, turn)
	return turn.ConversationID, nil
}

func (r *recordingAppender) recorded() []conversation.Turn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]conversation.Turn, len(r.turns))
	copy(out, r.turns)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestEnqueueProcessesJob(t *testing.T) {
	app := &recordingAppender{}
	q := NewQueue(app, 3, 30)
	defer q.Close()

	ok := q.Enqueue(Job{Turn: conversation.Turn{UserID: 1, ConversationID: 5, UserContent: "hi"}})
	if !ok {
		t.Fatal("enqueue rejected with empty queue")
	}

	waitFor(t, func() bool { return len(app.recorded()) == 1 })
	if got := app.recorded()[0].ConversationID; got != 5 {
		t.Errorf("conversation id = %d, want 5", got)
	}
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	app := &recordingAppender{block: make(chan struct{})}
	// One worker, capacity one: the first job occupies the worker, the
	// second fills the buffer, the third must be rejected.
	q := NewQueue(app, 1, 1)

	_ = q.Enqueue(Job{Turn: conversation.Turn{UserID: 1}})
	waitFor(t, func() bool { return q.Enqueue(Job{Turn: conversation.Turn{UserID: 1}}) })

	if q.Enqueue(Job{Turn: conversation.Turn{UserID: 1}}) {
		t.Error("enqueue accepted past capacity")
	}

	close(app.block)
	q.Close()
}

func TestSameConversationSamePartition(t *testing.T) {
	app := &recordingAppender{}
	q := NewQueue(app, 3, 300)

	// Turns for one conversation must come out in enqueue order even
	// with several workers running.
	const turns = 50
	for i := 0; i < turns; i++ {
		if !q.Enqueue(Job{Turn: conversation.Turn{
			UserID: 1, ConversationID: 7, UserTokens: i,
		}}) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}
	q.Close()

	got := app.recorded()
	if len(got) != turns {
		t.Fatalf("processed = %d, want %d", len(got), turns)
	}
	for i, turn := range got {
		if turn.UserTokens != i {
			t.Fatalf("order broken at %d: got turn %d", i, turn.UserTokens)
		}
	}
}

func TestRetryThenSuccess(t *testing.T) {
	app := &recordingAppender{failures: 2}
	q := newQueue(app, 1, 10, time.Millisecond)
	defer q.Close()

	_ = q.Enqueue(Job{Turn: conversation.Turn{UserID: 1, ConversationID: 3}})

	waitFor(t, func() bool { return len(app.recorded()) == 1 })
}

func TestDropAfterMaxAttempts(t *testing.T) {
	app := &recordingAppender{failures: maxAttempts + 1}
	q := newQueue(app, 1, 10, time.Millisecond)

	_ = q.Enqueue(Job{Turn: conversation.Turn{UserID: 1}})
	q.Close()

	if len(app.recorded()) != 0 {
		t.Errorf("job succeeded despite %d scripted failures", maxAttempts+1)
	}
	app.mu.Lock()
	remaining := app.failures
	app.mu.Unlock()
	// maxAttempts calls consumed, then dropped.
	if consumed := maxAttempts + 1 - remaining; consumed != maxAttempts {
		t.Errorf("append called %d times, want %d", consumed, maxAttempts)
	}
}

func TestCloseDrains(t *testing.T) {
	app := &recordingAppender{}
	q := NewQueue(app, 2, 100)

	const jobs = 40
	for i := 0; i < jobs; i++ {
		if !q.Enqueue(Job{Turn: conversation.Turn{UserID: int64(i), ConversationID: int64(i)}}) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}
	q.Close()

	if len(app.recorded()) != jobs {
		t.Errorf("drained = %d, want %d", len(app.recorded()), jobs)
	}

	// After close, new work is refused.
	if q.Enqueue(Job{Turn: conversation.Turn{UserID: 1}}) {
		t.Error("enqueue accepted after close")
	}
}
