package models

import "time"

// EventType tags an entry on a task's ordered event stream.
type EventType string

const (
	EventMessageBatch      EventType = "message_batch"
	EventProgress          EventType = "progress"
	EventPermissionRequest EventType = "permission_request"
	EventQuestionRequest   EventType = "question_request"
	EventComplete          EventType = "complete"
	EventError             EventType = "error"
	EventStatusChange      EventType = "status_change"
	EventTodoUpdate        EventType = "todo_update"
	EventAuthError         EventType = "auth_error"
)

// TodoItem is one entry of the agent's working plan.
type TodoItem struct {
	Content string `json:"content"`
	Done    bool   `json:"done"`
}

// Event is the tagged union delivered over a task's event stream. Type
// decides which payload field is set; everything a consumer observes
// about a task arrives through this one ordered stream.
type Event struct {
	Type       EventType          `json:"type"`
	TaskID     string             `json:"task_id"`
	Messages   []Message          `json:"messages,omitempty"`
	Stage      string             `json:"stage,omitempty"`
	Permission *PermissionRequest `json:"permission,omitempty"`
	Question   *QuestionRequest   `json:"question,omitempty"`
	Result     *Result            `json:"result,omitempty"`
	Status     TaskStatus         `json:"status,omitempty"`
	Error      string             `json:"error,omitempty"`
	Todos      []TodoItem         `json:"todos,omitempty"`
	Time       time.Time          `json:"time"`
}

// EventSink receives one task's events in order. Implementations must
// not block for long; the scheduler calls sinks on its own goroutines.
type EventSink func(Event)
