// Package batch coalesces bursts of agent output messages so a task's
// consumers see one batch event instead of one transport call per
// message. Each task has its own buffer and debounce timer.
package batch

import (
	"log"
	"sync"
	"time"

	"github.com/sevir/escolta/pkg/models"
)

// DefaultDelay is the debounce window applied when none is configured.
const DefaultDelay = 50 * time.Millisecond

// FlushFn receives one flushed batch in arrival order.
type FlushFn func(taskID string, messages []models.Message)

// PersistFn stores a single message; called once per message at flush
// time. May be nil.
type PersistFn func(msg models.Message)

type buffer struct {
	messages []models.Message
	timer    Timer
}

// Batcher buffers messages per task and flushes them after a quiet
// period or on demand. Safe for concurrent use.
type Batcher struct {
	mu      sync.Mutex
	delay   time.Duration
	clock   Clock
	flush   FlushFn
	persist PersistFn
	buffers map[string]*buffer
	closed  bool
}

// New creates a Batcher. A zero delay falls back to DefaultDelay; a nil
// clock falls back to the real one.
func New(delay time.Duration, clock Clock, flush FlushFn, persist PersistFn) *Batcher {
	if delay <= 0 {
		delay = DefaultDelay
	}
	if clock == nil {
		clock = RealClock()
	}
	return &Batcher{
		delay:   delay,
		clock:   clock,
		flush:   flush,
		persist: persist,
		buffers: make(map[string]*buffer),
	}
}

// Enqueue appends a message to the task's buffer and restarts its
// debounce timer. Timers of unrelated tasks are untouched.
func (b *Batcher) Enqueue(taskID string, msg models.Message) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	buf, ok := b.buffers[taskID]
	if !ok {
		buf = &buffer{}
		b.buffers[taskID] = buf
	}
	buf.messages = append(buf.messages, msg)

	if buf.timer != nil {
		buf.timer.Stop()
	}
	buf.timer = b.clock.AfterFunc(b.delay, func() {
		b.flushTask(taskID)
	})
	b.mu.Unlock()
}

// FlushNow cancels the pending timer and flushes the task's buffer
// immediately. A no-op on an empty or unknown buffer. Called before any
// mediation or terminal event so consumers never see those ahead of the
// messages that preceded them.
func (b *Batcher) FlushNow(taskID string) {
	b.flushTask(taskID)
}

// flushTask swaps the buffer out under the lock and emits outside it,
// so a flush callback may re-enter the batcher.
func (b *Batcher) flushTask(taskID string) {
	b.mu.Lock()
	buf, ok := b.buffers[taskID]
	if !ok || len(buf.messages) == 0 {
		b.mu.Unlock()
		return
	}
	messages := buf.messages
	buf.messages = nil
	if buf.timer != nil {
		buf.timer.Stop()
		buf.timer = nil
	}
	delete(b.buffers, taskID)
	b.mu.Unlock()

	if b.persist != nil {
		for _, msg := range messages {
			b.persist(msg)
		}
	}
	if b.flush != nil {
		b.flush(taskID, messages)
	}
}

// Dispose drops the task's buffer and timer without flushing. Used only
// when a task is torn down abnormally and its messages must not be
// forwarded.
func (b *Batcher) Dispose(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	buf, ok := b.buffers[taskID]
	if !ok {
		return
	}
	if buf.timer != nil {
		buf.timer.Stop()
	}
	if n := len(buf.messages); n > 0 {
		log.Printf("batch_event=disposed task_id=%s dropped=%d", taskID, n)
	}
	delete(b.buffers, taskID)
}

// PendingCount returns the number of buffered messages for a task.
func (b *Batcher) PendingCount(taskID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if buf, ok := b.buffers[taskID]; ok {
		return len(buf.messages)
	}
	return 0
}

// Close disposes every buffer without flushing.
func (b *Batcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id, buf := range b.buffers {
		if buf.timer != nil {
			buf.timer.Stop()
		}
		delete(b.buffers, id)
	}
}
