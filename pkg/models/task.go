// Package models defines the core domain types for the escolta host.
package models

import (
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusQueued      TaskStatus = "queued"
	TaskStatusRunning     TaskStatus = "running"
	TaskStatusCompleted   TaskStatus = "completed"
	TaskStatusFailed      TaskStatus = "failed"
	TaskStatusCancelled   TaskStatus = "cancelled"
	TaskStatusInterrupted TaskStatus = "interrupted"
)

// MessageKind classifies an agent output message.
type MessageKind string

const (
	MessageKindText       MessageKind = "text"
	MessageKindThinking   MessageKind = "thinking"
	MessageKindToolCall   MessageKind = "tool_call"
	MessageKindToolResult MessageKind = "tool_result"
	MessageKindSystem     MessageKind = "system"
)

// Message is a single agent output message belonging to a task.
type Message struct {
	ID        string      `json:"id"`
	TaskID    string      `json:"task_id"`
	Kind      MessageKind `json:"kind"`
	Content   string      `json:"content"`
	ToolName  string      `json:"tool_name,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// ResultKind discriminates how a task run ended.
type ResultKind string

const (
	ResultSuccess     ResultKind = "success"
	ResultInterrupted ResultKind = "interrupted"
	ResultFailure     ResultKind = "failure"
)

// Result is the terminal payload reported by the agent runner.
type Result struct {
	Kind       ResultKind `json:"kind"`
	SessionID  string     `json:"session_id,omitempty"`
	Text       string     `json:"text,omitempty"`
	DurationMS int64      `json:"duration_ms,omitempty"`
}

// Task represents one user-initiated unit of agent work.
type Task struct {
	ID              string     `json:"id"`
	Prompt          string     `json:"prompt"`
	WorkDir         string     `json:"work_dir,omitempty"`
	Model           string     `json:"model,omitempty"`
	SessionID       string     `json:"session_id,omitempty"`
	ResumeSessionID string     `json:"resume_session_id,omitempty"`
	Status          TaskStatus `json:"status"`
	Messages        []Message  `json:"messages,omitempty"`
	Result          *Result    `json:"result,omitempty"`
	Error           string     `json:"error,omitempty"`
	LogFile         string     `json:"log_file,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// IsTerminal returns true if the task is in a terminal state. An
// interrupted task still occupies no slot; resuming it creates a new
// task that carries the prior session id.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskStatusCompleted ||
		t.Status == TaskStatusFailed ||
		t.Status == TaskStatusCancelled ||
		t.Status == TaskStatusInterrupted
}

// IsRunning returns true if the task is currently running.
func (t *Task) IsRunning() bool {
	return t.Status == TaskStatusRunning
}

// IsQueued returns true if the task is waiting for the execution slot.
func (t *Task) IsQueued() bool {
	return t.Status == TaskStatusQueued
}

// TaskSummary provides a condensed view of a task for listing.
type TaskSummary struct {
	ID          string     `json:"id"`
	Prompt      string     `json:"prompt"`
	Status      TaskStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Duration    string     `json:"duration,omitempty"`
}

// ToSummary converts a Task to a TaskSummary.
func (t *Task) ToSummary() TaskSummary {
	summary := TaskSummary{
		ID:          t.ID,
		Prompt:      truncateString(t.Prompt, 100),
		Status:      t.Status,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
	}
	if t.CompletedAt != nil && t.StartedAt != nil {
		summary.Duration = t.CompletedAt.Sub(*t.StartedAt).String()
	}
	return summary
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// StartRequest represents a request to start a new task.
type StartRequest struct {
	Prompt          string `json:"prompt"`
	WorkDir         string `json:"work_dir,omitempty"`
	Model           string `json:"model,omitempty"`
	ResumeSessionID string `json:"resume_session_id,omitempty"`
}
