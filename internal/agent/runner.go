// Package agent handles spawning and managing CLI agent processes.
package agent

import (
	"context"

	"github.com/sevir/escolta/pkg/models"
)

// RunSpec describes one agent run.
type RunSpec struct {
	TaskID          string
	Prompt          string
	WorkDir         string
	Model           string
	ResumeSessionID string
}

// Runner executes tasks against an external agent process. Start is
// asynchronous: it returns once the run is launched and delivers
// everything else through the sink. Terminate kills the run; Interrupt
// asks it to stop gracefully. Both are fire-and-forget; the run's end
// is always observed through a complete or error event on the sink.
type Runner interface {
	Start(ctx context.Context, spec RunSpec, sink models.EventSink) error
	Terminate(taskID string)
	Interrupt(taskID string)
	Send(taskID string, text string) error
	Shutdown()
}
