package pty

import (
	"context"
	"os/exec"
	"time"

	"github.com/creack/pty"

	"github.com/vtcode-ai/vtcode/internal/observability"
	"github.com/vtcode-ai/vtcode/internal/sandbox"
	"github.com/vtcode-ai/vtcode/internal/vterror"
	"github.com/vtcode-ai/vtcode/internal/workspace"
)

const threadJoinGrace = 500 * time.Millisecond

// CommandRequest describes a one-shot PTY execution.
type CommandRequest struct {
	Program string
	Args    []string
	Dir     string
	Env     []string

	// Timeout bounds the run; zero uses the runner default.
	Timeout time.Duration

	Rows uint16
	Cols uint16
}

// CommandResult is the captured outcome.
type CommandResult struct {
	Output   string
	ExitCode int
	Duration time.Duration

	// TimedOut reports a kill on deadline; Output holds everything
	// captured up to that instant.
	TimedOut bool
}

// Runner executes one-shot PTY commands under workspace constraints.
type Runner struct {
	workspaceRoot  string
	defaultTimeout time.Duration
	locks          *workspace.CommandLocks
	logger         *observability.Logger
}

// NewRunner creates a runner rooted at workspaceRoot.
func NewRunner(workspaceRoot string, defaultTimeout time.Duration, locks *workspace.CommandLocks, logger *observability.Logger) *Runner {
	if defaultTimeout <= 0 {
		defaultTimeout = 2 * time.Minute
	}
	if locks == nil {
		locks = workspace.NewCommandLocks()
	}
	if logger == nil {
		logger = observability.Discard()
	}
	return &Runner{
		workspaceRoot:  workspaceRoot,
		defaultTimeout: defaultTimeout,
		locks:          locks,
		logger:         logger,
	}
}

// Run executes the command on a fresh PTY. On timeout the process is
// killed, reader threads are joined within a grace period or detached,
// and the result carries a Timeout error kind.
func (r *Runner) Run(ctx context.Context, req CommandRequest) (*CommandResult, error) {
	dir, err := sandbox.CanonicalizeDir(r.workspaceRoot, req.Dir)
	if err != nil {
		return nil, err
	}

	if workspace.IsLongRunningCommand(req.Program, req.Args) {
		release := r.locks.Acquire(r.workspaceRoot)
		defer release()
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	start := time.Now()
	cmd := exec.Command(req.Program, req.Args...)
	cmd.Dir = dir
	cmd.Env = req.Env

	winsize := &pty.Winsize{Rows: req.Rows, Cols: req.Cols}
	if winsize.Rows == 0 {
		winsize.Rows = 24
	}
	if winsize.Cols == 0 {
		winsize.Cols = 80
	}

	master, err := pty.StartWithSize(cmd, winsize)
	if err != nil {
		return nil, vterror.Wrap(vterror.KindTool, "pty start", err)
	}

	scrollback := NewScrollback(0, 0)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		buf := make([]byte, 8192)
		for {
			n, readErr := master.Read(buf)
			if n > 0 {
				scrollback.Push(buf[:n], false)
			}
			if readErr != nil {
				scrollback.Push(nil, true)
				return
			}
		}
	}()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	result := &CommandResult{}
	var runErr error

	select {
	case err := <-waitCh:
		result.ExitCode = exitCodeOf(cmd, err)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitCh
		result.ExitCode = -1
		runErr = vterror.Wrap(vterror.KindCancelled, "pty command cancelled", ctx.Err())
	case <-time.After(timeout):
		_ = cmd.Process.Kill()
		<-waitCh
		result.ExitCode = -1
		result.TimedOut = true
		runErr = vterror.Newf(vterror.KindTimeout, "command exceeded %s", timeout)
	}

	master.Close()
	select {
	case <-readerDone:
	case <-time.After(threadJoinGrace):
		r.logger.Warn(ctx, "pty reader did not exit within grace period, detaching",
			"program", req.Program)
	}

	result.Output = scrollback.Text()
	result.Duration = time.Since(start)
	return result, runErr
}

func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}
