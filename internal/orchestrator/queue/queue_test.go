package queue

import (
	"context"
	"testing"
	"time"
)

func item(id string, priority int, seq uint64, created time.Time) *Item {
	return &Item{TaskID: id, Priority: priority, Seq: seq, CreatedAt: created}
}

func popNow(t *testing.T, q *Queue) *Item {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	it, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("unexpected pop error: %v", err)
	}
	return it
}

func TestQueue_PriorityOrder(t *testing.T) {
	q := New(0)
	now := time.Now()

	mustEnqueue(t, q, item("low", 1, 0, now), nil)
	mustEnqueue(t, q, item("high", 5, 1, now.Add(time.Millisecond)), nil)
	mustEnqueue(t, q, item("mid", 3, 2, now.Add(2*time.Millisecond)), nil)

	for _, want := range []string{"high", "mid", "low"} {
		if got := popNow(t, q).TaskID; got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}
}

func TestQueue_PriorityTiesBreakByCreation(t *testing.T) {
	q := New(0)
	now := time.Now()

	mustEnqueue(t, q, item("second", 5, 2, now.Add(time.Millisecond)), nil)
	mustEnqueue(t, q, item("first", 5, 1, now), nil)
	// Identical timestamps fall back to admission order.
	mustEnqueue(t, q, item("third", 5, 3, now.Add(time.Millisecond)), nil)

	for _, want := range []string{"first", "second", "third"} {
		if got := popNow(t, q).TaskID; got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}
}

func TestQueue_DuplicateRejected(t *testing.T) {
	q := New(0)
	mustEnqueue(t, q, item("t1", 1, 0, time.Now()), nil)
	if err := q.Enqueue(item("t1", 1, 1, time.Now()), nil); err != ErrTaskExists {
		t.Fatalf("expected ErrTaskExists, got %v", err)
	}

	mustEnqueue(t, q, item("w1", 1, 2, time.Now()), []string{"t1"})
	if err := q.Enqueue(item("w1", 1, 3, time.Now()), nil); err != ErrTaskExists {
		t.Fatalf("expected ErrTaskExists for waiting duplicate, got %v", err)
	}
}

func TestQueue_FullRejected(t *testing.T) {
	q := New(2)
	mustEnqueue(t, q, item("t1", 1, 0, time.Now()), nil)
	mustEnqueue(t, q, item("t2", 1, 1, time.Now()), []string{"t1"})
	if err := q.Enqueue(item("t3", 1, 2, time.Now()), nil); err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestQueue_WaitingPromotedOnLastDependency(t *testing.T) {
	q := New(0)
	now := time.Now()

	mustEnqueue(t, q, item("t3", 1, 0, now), []string{"t1", "t2"})
	if q.WaitingLen() != 1 || q.Len() != 0 {
		t.Fatalf("expected 1 waiting / 0 ready, got %d / %d", q.WaitingLen(), q.Len())
	}

	if promoted := q.Complete("t1"); len(promoted) != 0 {
		t.Fatalf("expected no promotion after first dep, got %v", promoted)
	}
	promoted := q.Complete("t2")
	if len(promoted) != 1 || promoted[0] != "t3" {
		t.Fatalf("expected t3 promoted, got %v", promoted)
	}
	if got := popNow(t, q).TaskID; got != "t3" {
		t.Fatalf("expected t3, got %s", got)
	}
}

func TestQueue_PopBlocksUntilEnqueue(t *testing.T) {
	q := New(0)

	got := make(chan string, 1)
	go func() {
		it, err := q.Pop(context.Background())
		if err != nil {
			return
		}
		got <- it.TaskID
	}()

	time.Sleep(20 * time.Millisecond)
	mustEnqueue(t, q, item("t1", 1, 0, time.Now()), nil)

	select {
	case id := <-got:
		if id != "t1" {
			t.Fatalf("expected t1, got %s", id)
		}
	case <-time.After(time.Second):
		t.Fatal("pop did not wake")
	}
}

func TestQueue_PopHonorsContext(t *testing.T) {
	q := New(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := q.Pop(ctx); err != context.DeadlineExceeded {
		t.Fatalf("expected deadline error, got %v", err)
	}
}

func TestQueue_RemoveFromHeapAndWaiting(t *testing.T) {
	q := New(0)
	now := time.Now()

	mustEnqueue(t, q, item("ready", 1, 0, now), nil)
	mustEnqueue(t, q, item("blocked", 1, 1, now), []string{"dep"})

	if !q.Remove("ready") {
		t.Fatal("expected removal from heap")
	}
	if !q.Remove("blocked") {
		t.Fatal("expected removal from waiting set")
	}
	if q.Remove("blocked") {
		t.Fatal("expected second removal to report false")
	}
	if len(q.WaitingOn("dep")) != 0 {
		t.Fatal("expected dependency index cleaned up")
	}
}

func TestQueue_CloseWakesPop(t *testing.T) {
	q := New(0)

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Pop(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	q.Close()

	select {
	case err := <-errCh:
		if err != ErrClosed {
			t.Fatalf("expected ErrClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("pop did not observe close")
	}
}

func mustEnqueue(t *testing.T, q *Queue, it *Item, deps []string) {
	t.Helper()
	if err := q.Enqueue(it, deps); err != nil {
		t.Fatalf("unexpected enqueue error for %s: %v", it.TaskID, err)
	}
}
