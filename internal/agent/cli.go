package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/sevir/escolta/pkg/models"
)

const defaultCommand = "claude"

// CLIRunner runs tasks by spawning an agent CLI in headless stream-json
// mode, one process per task. The process's stdout is parsed line by
// line into events; stdin stays open so mediation answers can be
// forwarded into the run.
type CLIRunner struct {
	command   string
	logDir    string
	mu        sync.RWMutex
	processes map[string]*process
}

type process struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	logFile *os.File
	cancel  context.CancelFunc
	sink    models.EventSink
	taskID  string
	drained chan struct{}
	done    chan struct{}

	mu          sync.Mutex
	interrupted bool
	result      *models.Result
	sessionID   string
}

// NewCLIRunner creates a runner spawning the given command. An empty
// command falls back to the claude CLI.
func NewCLIRunner(command, logDir string) *CLIRunner {
	if command == "" {
		command = defaultCommand
	}
	if logDir == "" {
		home, _ := os.UserHomeDir()
		logDir = filepath.Join(home, ".escolta", "logs")
	}
	if abs, err := filepath.Abs(logDir); err == nil {
		logDir = abs
	}
	os.MkdirAll(logDir, 0755)

	return &CLIRunner{
		command:   command,
		logDir:    logDir,
		processes: make(map[string]*process),
	}
}

// Start launches the agent process for a task and returns once it is
// running. Everything after that arrives on the sink.
func (r *CLIRunner) Start(ctx context.Context, spec RunSpec, sink models.EventSink) error {
	args := r.buildArgs(spec)

	procCtx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(procCtx, r.command, args...)
	cmd.Dir = spec.WorkDir
	cmd.Env = append(os.Environ(), "NO_COLOR=1")

	logPath := filepath.Join(r.logDir, fmt.Sprintf("%s.log", spec.TaskID))
	logFile, err := os.Create(logPath)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to create log file: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		logFile.Close()
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		logFile.Close()
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		logFile.Close()
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		cancel()
		logFile.Close()
		return fmt.Errorf("failed to start %s: %w", r.command, err)
	}

	log.Printf(
		"agent_event=started task_id=%s pid=%d command=%s log_file=%q work_dir=%q model=%q",
		spec.TaskID, cmd.Process.Pid, r.command, logPath, spec.WorkDir, spec.Model,
	)

	proc := &process{
		cmd:     cmd,
		stdin:   stdin,
		logFile: logFile,
		cancel:  cancel,
		sink:    sink,
		taskID:  spec.TaskID,
		drained: make(chan struct{}),
		done:    make(chan struct{}),
	}

	r.mu.Lock()
	r.processes[spec.TaskID] = proc
	r.mu.Unlock()

	go r.captureOutput(proc, stdout, stderr)
	go r.waitForCompletion(proc)

	return nil
}

func (r *CLIRunner) buildArgs(spec RunSpec) []string {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if spec.Model != "" {
		args = append(args, "--model", spec.Model)
	}
	if spec.ResumeSessionID != "" {
		args = append(args, "--resume", spec.ResumeSessionID)
	}
	args = append(args, spec.Prompt)
	return args
}

func (r *CLIRunner) captureOutput(proc *process, stdout, stderr io.ReadCloser) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)

		for scanner.Scan() {
			line := scanner.Bytes()
			fmt.Fprintf(proc.logFile, "%s\n", line)

			events, sessionID, err := parseStreamLine(proc.taskID, line)
			if err != nil {
				log.Printf("agent_event=malformed_line task_id=%s err=%v", proc.taskID, err)
				continue
			}
			if sessionID != "" {
				proc.mu.Lock()
				proc.sessionID = sessionID
				proc.mu.Unlock()
			}
			for _, ev := range events {
				if ev.Type == models.EventComplete {
					// Held until the process actually exits; the
					// run's end is reported exactly once, from Wait.
					proc.mu.Lock()
					proc.result = ev.Result
					proc.mu.Unlock()
					continue
				}
				proc.sink(ev)
			}
		}
	}()

	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)

		for scanner.Scan() {
			fmt.Fprintf(proc.logFile, "[stderr] %s\n", scanner.Text())
		}
	}()

	wg.Wait()
	close(proc.drained)
}

func (r *CLIRunner) waitForCompletion(proc *process) {
	defer close(proc.done)
	defer proc.logFile.Close()

	// Wait closes the pipes, so it must not run until both scanners hit
	// EOF. Draining first also keeps the terminal event behind the last
	// output line instead of racing it.
	<-proc.drained
	err := proc.cmd.Wait()

	proc.mu.Lock()
	interrupted := proc.interrupted
	result := proc.result
	sessionID := proc.sessionID
	proc.mu.Unlock()

	r.mu.Lock()
	delete(r.processes, proc.taskID)
	r.mu.Unlock()

	now := time.Now()

	switch {
	case interrupted:
		proc.sink(models.Event{
			Type:   models.EventComplete,
			TaskID: proc.taskID,
			Result: &models.Result{Kind: models.ResultInterrupted, SessionID: sessionID},
			Time:   now,
		})
	case result != nil:
		proc.sink(models.Event{
			Type:   models.EventComplete,
			TaskID: proc.taskID,
			Result: result,
			Time:   now,
		})
	case err != nil:
		proc.sink(models.Event{
			Type:   models.EventError,
			TaskID: proc.taskID,
			Error:  err.Error(),
			Time:   now,
		})
	default:
		proc.sink(models.Event{
			Type:   models.EventError,
			TaskID: proc.taskID,
			Error:  "agent exited without reporting a result",
			Time:   now,
		})
	}

	log.Printf("agent_event=exited task_id=%s interrupted=%v err=%v", proc.taskID, interrupted, err)
}

// Terminate kills the task's process. The resulting completion or error
// event still flows through the sink.
func (r *CLIRunner) Terminate(taskID string) {
	r.mu.RLock()
	proc, ok := r.processes[taskID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	proc.cancel()
}

// Interrupt asks the task's process to stop gracefully via SIGINT. The
// run ends through its normal completion path with an interrupted
// result.
func (r *CLIRunner) Interrupt(taskID string) {
	r.mu.RLock()
	proc, ok := r.processes[taskID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	proc.mu.Lock()
	proc.interrupted = true
	proc.mu.Unlock()

	if proc.cmd.Process != nil {
		if err := proc.cmd.Process.Signal(os.Interrupt); err != nil {
			log.Printf("agent_event=interrupt_failed task_id=%s err=%v", taskID, err)
		}
	}
}

// Send writes a user text message into the run's stdin stream.
func (r *CLIRunner) Send(taskID string, text string) error {
	r.mu.RLock()
	proc, ok := r.processes[taskID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no running process for task %s", taskID)
	}

	payload := map[string]interface{}{
		"type": "user",
		"message": map[string]interface{}{
			"role": "user",
			"content": []map[string]string{
				{"type": "text", "text": text},
			},
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if _, err := proc.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to agent stdin: %w", err)
	}
	return nil
}

// Wait blocks until the task's process exits or the context is done.
func (r *CLIRunner) Wait(ctx context.Context, taskID string) error {
	r.mu.RLock()
	proc, ok := r.processes[taskID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	select {
	case <-proc.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunningCount returns the number of live processes.
func (r *CLIRunner) RunningCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.processes)
}

// Shutdown kills every live process.
func (r *CLIRunner) Shutdown() {
	r.mu.Lock()
	procs := make([]*process, 0, len(r.processes))
	for _, proc := range r.processes {
		procs = append(procs, proc)
	}
	r.mu.Unlock()

	for _, proc := range procs {
		proc.cancel()
	}
}
