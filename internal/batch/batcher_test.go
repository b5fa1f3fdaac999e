package batch

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sevir/escolta/pkg/models"
)

// fakeClock hands out timers that only fire when the test says so.
type fakeClock struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

type fakeTimer struct {
	mu      sync.Mutex
	f       func()
	stopped bool
	fired   bool
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// fireLatest fires the most recently armed live timer.
func (c *fakeClock) fireLatest() {
	c.mu.Lock()
	var latest *fakeTimer
	for _, t := range c.timers {
		t.mu.Lock()
		live := !t.stopped && !t.fired
		t.mu.Unlock()
		if live {
			latest = t
		}
	}
	c.mu.Unlock()

	if latest == nil {
		return
	}
	latest.mu.Lock()
	latest.fired = true
	f := latest.f
	latest.mu.Unlock()
	f()
}

func (c *fakeClock) liveTimers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		t.mu.Lock()
		if !t.stopped && !t.fired {
			n++
		}
		t.mu.Unlock()
	}
	return n
}

type capture struct {
	mu      sync.Mutex
	batches map[string][][]models.Message
	stored  []models.Message
}

func newCapture() *capture {
	return &capture{batches: make(map[string][][]models.Message)}
}

func (c *capture) flush(taskID string, msgs []models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches[taskID] = append(c.batches[taskID], msgs)
}

func (c *capture) persist(msg models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stored = append(c.stored, msg)
}

func msg(taskID, content string) models.Message {
	return models.Message{TaskID: taskID, Kind: models.MessageKindText, Content: content, CreatedAt: time.Now()}
}

func TestBatchOrderingAndCompleteness(t *testing.T) {
	clock := &fakeClock{}
	cap := newCapture()
	b := New(DefaultDelay, clock, cap.flush, cap.persist)
	defer b.Close()

	for i := 1; i <= 5; i++ {
		b.Enqueue("t1", msg("t1", fmt.Sprintf("m%d", i)))
	}

	clock.fireLatest()

	if got := len(cap.batches["t1"]); got != 1 {
		t.Fatalf("expected exactly one batch, got %d", got)
	}
	batch := cap.batches["t1"][0]
	if len(batch) != 5 {
		t.Fatalf("expected 5 messages in batch, got %d", len(batch))
	}
	for i, m := range batch {
		want := fmt.Sprintf("m%d", i+1)
		if m.Content != want {
			t.Errorf("batch[%d] = %q, want %q", i, m.Content, want)
		}
	}
	if len(cap.stored) != 5 {
		t.Fatalf("expected 5 persisted messages, got %d", len(cap.stored))
	}

	// A second fire must not deliver anything twice.
	clock.fireLatest()
	if got := len(cap.batches["t1"]); got != 1 {
		t.Fatalf("message forwarded twice: %d batches", got)
	}
}

func TestEnqueueRestartsTimer(t *testing.T) {
	clock := &fakeClock{}
	cap := newCapture()
	b := New(DefaultDelay, clock, cap.flush, nil)
	defer b.Close()

	b.Enqueue("t1", msg("t1", "a"))
	b.Enqueue("t1", msg("t1", "b"))

	if got := clock.liveTimers(); got != 1 {
		t.Fatalf("expected 1 live timer after re-enqueue, got %d", got)
	}
}

func TestIndependentTaskTimers(t *testing.T) {
	clock := &fakeClock{}
	cap := newCapture()
	b := New(DefaultDelay, clock, cap.flush, nil)
	defer b.Close()

	b.Enqueue("t1", msg("t1", "one"))
	b.Enqueue("t2", msg("t2", "two"))

	// Firing t2's timer must leave t1 buffered.
	clock.fireLatest()

	if len(cap.batches["t2"]) != 1 {
		t.Fatal("expected t2 to flush")
	}
	if len(cap.batches["t1"]) != 0 {
		t.Fatal("t1 flushed by t2's timer")
	}
	if got := b.PendingCount("t1"); got != 1 {
		t.Fatalf("PendingCount(t1) = %d, want 1", got)
	}
}

func TestFlushNow(t *testing.T) {
	clock := &fakeClock{}
	cap := newCapture()
	b := New(DefaultDelay, clock, cap.flush, nil)
	defer b.Close()

	b.Enqueue("t1", msg("t1", "urgent"))
	b.FlushNow("t1")

	if len(cap.batches["t1"]) != 1 {
		t.Fatal("FlushNow did not flush")
	}
	if got := clock.liveTimers(); got != 0 {
		t.Fatalf("expected timer cancelled, %d still live", got)
	}

	// Idempotent on an empty buffer.
	b.FlushNow("t1")
	b.FlushNow("never-seen")
	if len(cap.batches["t1"]) != 1 {
		t.Fatal("FlushNow on empty buffer emitted a batch")
	}
}

func TestDisposeDropsWithoutFlushing(t *testing.T) {
	clock := &fakeClock{}
	cap := newCapture()
	b := New(DefaultDelay, clock, cap.flush, cap.persist)
	defer b.Close()

	b.Enqueue("t1", msg("t1", "doomed"))
	b.Dispose("t1")

	clock.fireLatest()

	if len(cap.batches["t1"]) != 0 {
		t.Fatal("disposed buffer was flushed")
	}
	if len(cap.stored) != 0 {
		t.Fatal("disposed messages were persisted")
	}
}
