// Package sandbox transforms command specs into executable form under
// a sandbox policy, with single-shot escalation on denial.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/vtcode-ai/vtcode/internal/observability"
	"github.com/vtcode-ai/vtcode/internal/vterror"
)

// Mode selects the sandboxing posture.
type Mode string

const (
	// ModeDisabled never sandboxes.
	ModeDisabled Mode = "disabled"

	// ModeAuto sandboxes when a platform sandbox is available.
	ModeAuto Mode = "auto"

	// ModeStrict refuses to run unsandboxed.
	ModeStrict Mode = "strict"
)

// Policy is the sandbox policy applied to one execution.
type Policy struct {
	Mode            Mode
	AllowNetwork    bool
	AllowEnvInherit bool
	WritablePaths   []string
	ReadablePaths   []string

	// LinuxSandboxBinary is the host helper invoked on Linux.
	LinuxSandboxBinary string
}

// CommandSpec describes the process to run.
type CommandSpec struct {
	Program string
	Args    []string
	Dir     string
	Env     []string
	Stdin   []byte
}

// ExecResult is the captured outcome of one execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int

	// Sandboxed reports whether the attempt ran under a sandbox.
	Sandboxed bool
}

// ErrSandboxDenied marks a failure attributable to sandbox policy, the
// only error kind eligible for escalation.
var ErrSandboxDenied = errors.New("sandbox denied the operation")

// ErrSandboxUnavailable reports strict mode without a platform sandbox.
var ErrSandboxUnavailable = errors.New("no platform sandbox available")

// Runtime executes commands under policy.
type Runtime struct {
	logger *observability.Logger

	// probe overrides platform detection in tests.
	probe func() bool
}

// NewRuntime creates a sandbox runtime.
func NewRuntime(logger *observability.Logger) *Runtime {
	if logger == nil {
		logger = observability.Discard()
	}
	return &Runtime{logger: logger}
}

// Available reports whether a platform sandbox exists on this host.
func (r *Runtime) Available(policy Policy) bool {
	if r.probe != nil {
		return r.probe()
	}
	switch runtime.GOOS {
	case "darwin":
		_, err := exec.LookPath("sandbox-exec")
		return err == nil
	case "linux":
		if policy.LinuxSandboxBinary == "" {
			return false
		}
		_, err := exec.LookPath(policy.LinuxSandboxBinary)
		return err == nil
	default:
		return false
	}
}

// Execute runs the command under the policy's first-attempt posture.
// ModeStrict fails with ErrSandboxUnavailable when no sandbox exists;
// ModeAuto falls back to direct execution.
func (r *Runtime) Execute(ctx context.Context, spec CommandSpec, policy Policy) (*ExecResult, error) {
	sandboxed := false
	switch policy.Mode {
	case ModeDisabled:
	case ModeStrict:
		if !r.Available(policy) {
			return nil, vterror.Wrap(vterror.KindPolicy, "strict sandbox mode", ErrSandboxUnavailable)
		}
		sandboxed = true
	default: // ModeAuto
		sandboxed = r.Available(policy)
	}
	return r.run(ctx, spec, policy, sandboxed)
}

// ExecuteWithEscalation runs under policy and, when escalate is set
// and the first attempt fails with a sandbox denial, retries exactly
// once with the sandbox disabled. No other error kind escalates.
func (r *Runtime) ExecuteWithEscalation(ctx context.Context, spec CommandSpec, policy Policy, escalate bool) (*ExecResult, error) {
	result, err := r.Execute(ctx, spec, policy)
	if err == nil || !escalate || !errors.Is(err, ErrSandboxDenied) {
		return result, err
	}

	r.logger.Warn(ctx, "sandbox denied command, retrying unsandboxed",
		"program", spec.Program)
	retryPolicy := policy
	retryPolicy.Mode = ModeDisabled
	return r.Execute(ctx, spec, retryPolicy)
}

func (r *Runtime) run(ctx context.Context, spec CommandSpec, policy Policy, sandboxed bool) (*ExecResult, error) {
	program := spec.Program
	args := spec.Args

	if sandboxed {
		var err error
		program, args, err = r.wrap(spec, policy)
		if err != nil {
			return nil, err
		}
	}

	cmd := exec.CommandContext(ctx, program, args...)
	cmd.Dir = spec.Dir
	if policy.AllowEnvInherit {
		cmd.Env = append(os.Environ(), spec.Env...)
	} else {
		cmd.Env = append(minimalEnv(), spec.Env...)
	}
	if len(spec.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(spec.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &ExecResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Sandboxed: sandboxed,
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
		if sandboxed && isDenialOutput(result.Stderr) {
			return result, fmt.Errorf("%w: %s", ErrSandboxDenied, firstLine(result.Stderr))
		}
	case ctx.Err() != nil:
		return result, vterror.Wrap(vterror.KindTimeout, "command deadline exceeded", ctx.Err())
	default:
		return result, vterror.Wrap(vterror.KindTool, "command failed to start", err)
	}

	return result, nil
}

// wrap produces the sandboxed invocation for the current platform.
func (r *Runtime) wrap(spec CommandSpec, policy Policy) (string, []string, error) {
	switch runtime.GOOS {
	case "darwin":
		profile := seatbeltProfile(policy)
		args := append([]string{"-p", profile, spec.Program}, spec.Args...)
		return "sandbox-exec", args, nil
	case "linux":
		policyFile, err := writeLinuxPolicy(policy)
		if err != nil {
			return "", nil, vterror.Wrap(vterror.KindInternal, "sandbox policy file", err)
		}
		args := append([]string{"--policy", policyFile, "--", spec.Program}, spec.Args...)
		return policy.LinuxSandboxBinary, args, nil
	default:
		return spec.Program, spec.Args, nil
	}
}

func seatbeltProfile(policy Policy) string {
	var b strings.Builder
	b.WriteString("(version 1)\n(deny default)\n(allow process-exec)\n(allow process-fork)\n(allow file-read*)\n")
	if policy.AllowNetwork {
		b.WriteString("(allow network*)\n")
	}
	for _, p := range policy.WritablePaths {
		fmt.Fprintf(&b, "(allow file-write* (subpath %q))\n", p)
	}
	return b.String()
}

func writeLinuxPolicy(policy Policy) (string, error) {
	f, err := os.CreateTemp("", "vtcode-sandbox-*.policy")
	if err != nil {
		return "", err
	}
	defer f.Close()

	var b strings.Builder
	fmt.Fprintf(&b, "network=%v\n", policy.AllowNetwork)
	for _, p := range policy.WritablePaths {
		fmt.Fprintf(&b, "write=%s\n", p)
	}
	for _, p := range policy.ReadablePaths {
		fmt.Fprintf(&b, "read=%s\n", p)
	}
	if _, err := f.WriteString(b.String()); err != nil {
		return "", err
	}
	return f.Name(), nil
}

func minimalEnv() []string {
	keep := []string{"PATH", "HOME", "LANG", "TERM", "TMPDIR", "VIRTUAL_ENV"}
	out := make([]string, 0, len(keep))
	for _, k := range keep {
		if v, ok := os.LookupEnv(k); ok {
			out = append(out, k+"="+v)
		}
	}
	return out
}

var denialMarkers = []string{
	"operation not permitted",
	"sandbox: deny",
	"seatbelt",
	"permission denied by sandbox",
}

func isDenialOutput(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, marker := range denialMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}

// CanonicalizeDir resolves and validates the working directory against
// the workspace root; traversal is rejected unless the resolved path
// remains inside.
func CanonicalizeDir(root, dir string) (string, error) {
	if dir == "" {
		return root, nil
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(root, dir)
	}
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		// Allow not-yet-created directories that stay inside the root.
		resolved = filepath.Clean(dir)
	}
	cleanRoot := filepath.Clean(root)
	if resolved != cleanRoot && !strings.HasPrefix(resolved, cleanRoot+string(filepath.Separator)) {
		return "", vterror.New(vterror.KindValidation, "working directory escapes the workspace").WithStage("cwd")
	}
	return resolved, nil
}
