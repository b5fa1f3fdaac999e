// Package scheduler owns the single-active-task invariant: it runs at
// most one task at a time, queues the rest strictly FIFO, and drives
// the agent runner, routing its events through the message batcher.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sevir/escolta/internal/agent"
	"github.com/sevir/escolta/internal/batch"
	"github.com/sevir/escolta/internal/store"
	"github.com/sevir/escolta/pkg/models"
)

// entry is a task plus its registered event sink, either holding the
// execution slot or waiting for it.
type entry struct {
	task            *models.Task
	sink            models.EventSink
	cancelRequested bool
}

// Scheduler coordinates task execution. All public methods are safe for
// concurrent use; check-then-mutate sequences run under one lock.
type Scheduler struct {
	runner  agent.Runner
	batcher *batch.Batcher
	store   store.Store

	mu       sync.Mutex
	active   *entry
	queue    []*entry
	sessions map[string]string // task id -> agent session id
	disposed bool
}

// New creates a Scheduler owning its own message batcher. debounce and
// clock configure the batcher; zero values pick the defaults.
func New(runner agent.Runner, st store.Store, debounce time.Duration, clock batch.Clock) *Scheduler {
	s := &Scheduler{
		runner:   runner,
		store:    st,
		sessions: make(map[string]string),
	}
	s.batcher = batch.New(debounce, clock, s.batchFlushed, s.persistMessage)
	return s
}

// batchFlushed forwards one flushed batch to the owning task's sink.
// Flushes always happen while the task still holds the slot; anything
// later means the buffer raced retirement and is dropped.
func (s *Scheduler) batchFlushed(taskID string, messages []models.Message) {
	s.mu.Lock()
	e := s.active
	s.mu.Unlock()

	if e == nil || e.task.ID != taskID {
		log.Printf("task_event=late_batch task_id=%s dropped=%d", taskID, len(messages))
		return
	}
	e.sink(models.Event{
		Type:     models.EventMessageBatch,
		TaskID:   taskID,
		Messages: messages,
		Time:     time.Now(),
	})
}

func (s *Scheduler) persistMessage(msg models.Message) {
	if err := s.store.AppendMessage(msg); err != nil {
		log.Printf("task_event=persist_failed task_id=%s err=%v", msg.TaskID, err)
	}
}

// Start creates a task and either runs it immediately or appends it to
// the FIFO queue. It never blocks: the returned task's status tells the
// caller which happened. The sink receives the task's ordered event
// stream; for a queued task the status-change to running fires at
// promotion time, not now.
func (s *Scheduler) Start(req models.StartRequest, sink models.EventSink) (*models.Task, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	if sink == nil {
		sink = func(models.Event) {}
	}

	task := &models.Task{
		ID:              generateID(),
		Prompt:          req.Prompt,
		WorkDir:         req.WorkDir,
		Model:           req.Model,
		ResumeSessionID: req.ResumeSessionID,
		Status:          models.TaskStatusQueued,
		CreatedAt:       time.Now(),
	}
	e := &entry{task: task, sink: sink}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil, fmt.Errorf("scheduler is disposed")
	}

	if s.active != nil {
		s.queue = append(s.queue, e)
		s.mu.Unlock()
		s.store.Save(task)
		log.Printf("task_event=queued task_id=%s position=%d", task.ID, s.QueueLength())
		return task, nil
	}

	s.activateLocked(e)
	s.mu.Unlock()

	s.launch(e)
	return task, nil
}

// activateLocked gives e the execution slot. Caller holds s.mu.
func (s *Scheduler) activateLocked(e *entry) {
	if s.active != nil {
		// Two active tasks means the scheduler itself is broken.
		panic(fmt.Sprintf("scheduler invariant violated: task %s active while activating %s",
			s.active.task.ID, e.task.ID))
	}
	now := time.Now()
	e.task.Status = models.TaskStatusRunning
	e.task.StartedAt = &now
	s.active = e
}

// launch persists the newly running task, announces it, and starts the
// runner. Called without the lock so sinks may re-enter the scheduler.
func (s *Scheduler) launch(e *entry) {
	task := e.task
	s.store.Save(task)
	log.Printf("task_event=running task_id=%s resume_session=%q", task.ID, task.ResumeSessionID)
	e.sink(models.Event{
		Type:   models.EventStatusChange,
		TaskID: task.ID,
		Status: models.TaskStatusRunning,
		Time:   time.Now(),
	})

	spec := agent.RunSpec{
		TaskID:          task.ID,
		Prompt:          task.Prompt,
		WorkDir:         task.WorkDir,
		Model:           task.Model,
		ResumeSessionID: task.ResumeSessionID,
	}
	err := s.runner.Start(context.Background(), spec, func(ev models.Event) {
		s.routeEvent(task.ID, ev)
	})
	if err != nil {
		s.routeEvent(task.ID, models.Event{
			Type:   models.EventError,
			TaskID: task.ID,
			Error:  err.Error(),
			Time:   time.Now(),
		})
	}
}

// routeEvent dispatches one runner event for the given task. Messages
// go through the batcher; terminal events retire the execution slot.
func (s *Scheduler) routeEvent(taskID string, ev models.Event) {
	s.mu.Lock()
	if s.active == nil || s.active.task.ID != taskID {
		s.mu.Unlock()
		// The task already retired its slot; late runner chatter is a
		// tolerated race, not an error.
		log.Printf("task_event=stale_event task_id=%s type=%s", taskID, ev.Type)
		return
	}
	e := s.active
	s.mu.Unlock()

	if ev.Result != nil && ev.Result.SessionID != "" {
		s.recordSession(taskID, ev.Result.SessionID)
	}

	switch ev.Type {
	case models.EventMessageBatch:
		for _, msg := range ev.Messages {
			s.batcher.Enqueue(taskID, msg)
		}
	case models.EventComplete:
		s.retire(e, ev)
	case models.EventError:
		s.retire(e, ev)
	default:
		// Progress, todo and auth events pass through untouched.
		e.sink(ev)
	}
}

// retire finalizes the active task and synchronously promotes the FIFO
// head, so no completion can ever skip a queued task.
func (s *Scheduler) retire(e *entry, terminal models.Event) {
	task := e.task

	// Consumers must see every buffered message before the terminal
	// event.
	s.batcher.FlushNow(task.ID)

	now := time.Now()

	// The task pointer is shared with API responses; mutate it under
	// the lock.
	s.mu.Lock()
	task.CompletedAt = &now

	switch {
	case e.cancelRequested:
		task.Status = models.TaskStatusCancelled
		terminal = models.Event{
			Type:   models.EventComplete,
			TaskID: task.ID,
			Result: &models.Result{Kind: models.ResultFailure, Text: "task cancelled"},
			Time:   now,
		}
	case terminal.Type == models.EventError:
		task.Status = models.TaskStatusFailed
		task.Error = terminal.Error
	case terminal.Result != nil && terminal.Result.Kind == models.ResultInterrupted:
		task.Status = models.TaskStatusInterrupted
		task.Result = terminal.Result
	case terminal.Result != nil && terminal.Result.Kind == models.ResultFailure:
		task.Status = models.TaskStatusFailed
		task.Result = terminal.Result
		task.Error = terminal.Result.Text
	default:
		task.Status = models.TaskStatusCompleted
		task.Result = terminal.Result
	}

	if task.Result != nil && task.Result.SessionID != "" {
		task.SessionID = task.Result.SessionID
	}
	s.mu.Unlock()

	s.store.Save(task)
	log.Printf("task_event=finished task_id=%s status=%s", task.ID, task.Status)

	e.sink(terminal)
	e.sink(models.Event{
		Type:   models.EventStatusChange,
		TaskID: task.ID,
		Status: task.Status,
		Time:   now,
	})

	s.mu.Lock()
	if s.active != e {
		s.mu.Unlock()
		return
	}
	s.active = nil
	var next *entry
	if len(s.queue) > 0 && !s.disposed {
		next = s.queue[0]
		s.queue = s.queue[1:]
		s.activateLocked(next)
	}
	s.mu.Unlock()

	if next != nil {
		log.Printf("task_event=promoted task_id=%s after=%s", next.task.ID, task.ID)
		s.launch(next)
	}
}

// HasActiveTask reports whether taskID currently holds the slot.
func (s *Scheduler) HasActiveTask(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active != nil && s.active.task.ID == taskID
}

// IsTaskQueued reports whether taskID is waiting in the FIFO queue.
func (s *Scheduler) IsTaskQueued(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.queue {
		if e.task.ID == taskID {
			return true
		}
	}
	return false
}

// ActiveTaskID returns the id of the task holding the slot, or "".
func (s *Scheduler) ActiveTaskID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ""
	}
	return s.active.task.ID
}

// QueueLength returns the number of queued tasks.
func (s *Scheduler) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// CancelQueuedTask removes a task from the queue so it never runs.
// Idempotent: cancelling an absent id is a no-op.
func (s *Scheduler) CancelQueuedTask(taskID string) {
	s.mu.Lock()
	var removed *entry
	for i, e := range s.queue {
		if e.task.ID == taskID {
			removed = e
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	if removed == nil {
		return
	}

	now := time.Now()
	s.mu.Lock()
	removed.task.Status = models.TaskStatusCancelled
	removed.task.CompletedAt = &now
	s.mu.Unlock()
	s.store.Save(removed.task)
	log.Printf("task_event=cancelled_queued task_id=%s", taskID)
	removed.sink(models.Event{
		Type:   models.EventStatusChange,
		TaskID: taskID,
		Status: models.TaskStatusCancelled,
		Time:   now,
	})
}

// CancelTask requests termination of the active task. The status stays
// running until the runner's own completion event retires the slot; the
// scheduler never flips it speculatively.
func (s *Scheduler) CancelTask(taskID string) {
	s.mu.Lock()
	if s.active == nil || s.active.task.ID != taskID {
		s.mu.Unlock()
		// Maybe it is still queued; maybe it already finished.
		log.Printf("task_event=cancel_ignored task_id=%s", taskID)
		s.CancelQueuedTask(taskID)
		return
	}
	s.active.cancelRequested = true
	s.mu.Unlock()

	log.Printf("task_event=cancel_requested task_id=%s", taskID)
	s.runner.Terminate(taskID)
}

// InterruptTask asks the active task's run to stop gracefully. The
// interrupted status arrives through the runner's normal completion
// channel.
func (s *Scheduler) InterruptTask(taskID string) {
	s.mu.Lock()
	ok := s.active != nil && s.active.task.ID == taskID
	s.mu.Unlock()

	if !ok {
		log.Printf("task_event=interrupt_ignored task_id=%s", taskID)
		return
	}
	log.Printf("task_event=interrupt_requested task_id=%s", taskID)
	s.runner.Interrupt(taskID)
}

// SendResponse forwards a mediation answer into the active run's input
// channel. Errors if taskID does not hold the slot.
func (s *Scheduler) SendResponse(taskID, text string) error {
	s.mu.Lock()
	ok := s.active != nil && s.active.task.ID == taskID
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("task %s is not active", taskID)
	}
	return s.runner.Send(taskID, text)
}

// NotifyMediation surfaces an agent-initiated mediation request on the
// active task's event stream, flushing buffered messages first so the
// prompt never appears ahead of the output that led to it.
func (s *Scheduler) NotifyMediation(ev models.Event) {
	s.mu.Lock()
	e := s.active
	s.mu.Unlock()

	if e == nil {
		log.Printf("task_event=mediation_without_active_task type=%s", ev.Type)
		return
	}

	s.batcher.FlushNow(e.task.ID)
	ev.TaskID = e.task.ID
	ev.Time = time.Now()
	e.sink(ev)
}

// GetSessionID returns the agent session id bound to a task, if known.
func (s *Scheduler) GetSessionID(taskID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[taskID]
}

func (s *Scheduler) recordSession(taskID, sessionID string) {
	s.mu.Lock()
	s.sessions[taskID] = sessionID
	s.mu.Unlock()
}

// Dispose cancels the active task and every queued one, releasing
// runner resources. Called once at host shutdown.
func (s *Scheduler) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	queued := s.queue
	s.queue = nil
	var activeID string
	if s.active != nil {
		s.active.cancelRequested = true
		activeID = s.active.task.ID
	}
	s.mu.Unlock()

	now := time.Now()
	s.mu.Lock()
	for _, e := range queued {
		e.task.Status = models.TaskStatusCancelled
		e.task.CompletedAt = &now
	}
	s.mu.Unlock()
	for _, e := range queued {
		s.store.Save(e.task)
		s.batcher.Dispose(e.task.ID)
	}

	if activeID != "" {
		s.runner.Terminate(activeID)
	}
	s.runner.Shutdown()
	s.batcher.Close()
	log.Printf("task_event=disposed active=%q queued=%d", activeID, len(queued))
}

func generateID() string {
	return fmt.Sprintf("task-%s", uuid.New().String()[:8])
}
