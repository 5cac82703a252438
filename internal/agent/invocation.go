package agent

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bhandras/relay/internal/config"
	"github.com/bhandras/relay/pkg/logger"
)

// ErrAgentNotFound indicates the agent binary could not be resolved.
var ErrAgentNotFound = errors.New("agent binary not found in PATH")

const (
	// cancelGracePeriod is how long Cancel waits after SIGINT before SIGKILL.
	cancelGracePeriod = 2 * time.Second

	// maxScannerBuffer bounds a single output line (tool results can be large).
	maxScannerBuffer = 10 * 1024 * 1024
)

// Spec describes one invocation of the agent for a single user message.
type Spec struct {
	SessionID string
	Operator  string
	// Context is the free-form context attribute map (ticket, client, ...).
	Context map[string]string
	// Preamble is the assembled instruction preamble passed as an argument.
	Preamble string
	// Message is the user's message for this turn.
	Message string
}

// Invocation runs one request/response cycle of the agent child process.
//
// The process handle is guarded by a mutex: the run loop and a cancellation
// arriving on another goroutine both touch it.
type Invocation struct {
	cfg  config.AgentConfig
	spec Spec

	mu        sync.Mutex
	cmd       *exec.Cmd
	cancelled bool
	timedOut  bool

	lastOutput atomic.Int64
}

// NewInvocation prepares an invocation; the process is spawned by Run.
func NewInvocation(cfg config.AgentConfig, spec Spec) *Invocation {
	return &Invocation{cfg: cfg, spec: spec}
}

// Run spawns the agent process and streams decoded Updates through emit until
// the turn ends. It returns the accumulated assistant text.
//
// Per-turn failures (idle timeout, non-zero exit) are delivered as terminal
// Error updates, not Go errors; only spawn failures are returned directly.
func (inv *Invocation) Run(emit func(Update)) (string, error) {
	binPath, err := exec.LookPath(inv.cfg.Binary)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrAgentNotFound, inv.cfg.Binary)
	}

	args := []string{
		"--model", inv.cfg.Model,
		"--dangerously-skip-permissions",
		"--verbose",
		"--print",
		"--output-format", "stream-json",
		"--include-partial-messages",
		"--append-system-prompt", inv.spec.Preamble,
		inv.spec.Message,
	}

	cmd := exec.Command(binPath, args...)
	cmd.Env = append(os.Environ(), inv.buildEnv()...)

	// Merge stderr into stdout so tool output and diagnostics flow through the
	// same line stream the decoder reads.
	outReader, outWriter, err := os.Pipe()
	if err != nil {
		return "", fmt.Errorf("failed to create output pipe: %w", err)
	}
	cmd.Stdout = outWriter
	cmd.Stderr = outWriter

	inv.mu.Lock()
	if inv.cancelled {
		inv.mu.Unlock()
		outReader.Close()
		outWriter.Close()
		return "", errors.New("invocation cancelled before start")
	}
	if err := cmd.Start(); err != nil {
		inv.mu.Unlock()
		outReader.Close()
		outWriter.Close()
		return "", fmt.Errorf("failed to start agent: %w", err)
	}
	inv.cmd = cmd
	inv.mu.Unlock()

	// The child holds the write end; close ours so EOF propagates on exit.
	outWriter.Close()

	logger.Debugf("invocation: agent started (pid=%d, session=%s)",
		cmd.Process.Pid, inv.spec.SessionID)

	inv.lastOutput.Store(time.Now().UnixNano())
	watchdogDone := make(chan struct{})
	go inv.watchIdle(watchdogDone)

	var (
		response strings.Builder
		decoder  = NewDecoder()
		terminal bool
	)

	scanner := bufio.NewScanner(outReader)
	scanner.Buffer(make([]byte, 1024*1024), maxScannerBuffer)

	for scanner.Scan() {
		inv.lastOutput.Store(time.Now().UnixNano())

		updates, done := decoder.Decode(scanner.Text())
		for _, u := range updates {
			if u.Kind == UpdateTextDelta {
				response.WriteString(u.Text)
			}
			emit(u)
		}
		if done {
			terminal = true
			break
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Debugf("invocation: scanner error: %v", err)
	}

	outReader.Close()

	// Reap the child with the watchdog still armed: an agent that emitted its
	// terminal record but never exits stops producing output, so the idle kill
	// fires and unblocks Wait within the idle budget.
	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()
	waitErr := <-waitCh
	close(watchdogDone)

	inv.mu.Lock()
	cancelled := inv.cancelled
	timedOut := inv.timedOut
	inv.mu.Unlock()

	switch {
	case timedOut && !terminal:
		emit(ErrorUpdate(fmt.Sprintf("no output for %s - terminated hung agent process", inv.cfg.IdleTimeout)))
	case cancelled && !terminal:
		emit(LiveStatus("stopped by user"))
	case waitErr != nil && !terminal:
		code := -1
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			code = exitErr.ExitCode()
		}
		emit(ErrorUpdate(fmt.Sprintf("agent exited with code %d", code)))
	}

	return strings.TrimSpace(response.String()), nil
}

// buildEnv returns the environment contract for the child process: operator
// identity, serialized context, session id and tool discovery settings.
func (inv *Invocation) buildEnv() []string {
	contextJSON, err := json.Marshal(inv.spec.Context)
	if err != nil {
		contextJSON = []byte("{}")
	}
	return []string{
		"RELAY_OPERATOR=" + inv.spec.Operator,
		"RELAY_CONTEXT=" + string(contextJSON),
		"RELAY_SESSION_ID=" + inv.spec.SessionID,
		"RELAY_TOOLS_DIR=" + inv.cfg.ToolsDir,
		"RELAY_URL=" + inv.cfg.BaseURL,
	}
}

// watchIdle force-kills the process when no output arrives within the idle
// budget. The kill unblocks the scan loop via EOF on the merged pipe, and it
// also bounds the post-terminal Wait on a child that lingers after its last
// record.
func (inv *Invocation) watchIdle(done <-chan struct{}) {
	timeout := inv.cfg.IdleTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			last := time.Unix(0, inv.lastOutput.Load())
			if time.Since(last) <= timeout {
				continue
			}
			inv.mu.Lock()
			inv.timedOut = true
			if inv.cmd != nil && inv.cmd.Process != nil {
				logger.Warnf("invocation: no output for %s, killing agent (session=%s)",
					timeout, inv.spec.SessionID)
				_ = inv.cmd.Process.Kill()
			}
			inv.mu.Unlock()
			return
		}
	}
}

// Cancel requests termination: SIGINT first so the agent can shut down
// cleanly, then SIGKILL after a short grace period.
func (inv *Invocation) Cancel() {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if inv.cancelled {
		return
	}
	inv.cancelled = true

	if inv.cmd == nil || inv.cmd.Process == nil {
		return
	}

	proc := inv.cmd.Process
	_ = proc.Signal(os.Interrupt)
	go func() {
		time.Sleep(cancelGracePeriod)
		_ = proc.Kill()
	}()
}
