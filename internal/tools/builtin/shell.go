package builtin

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vtcode-ai/vtcode/internal/sandbox"
	"github.com/vtcode-ai/vtcode/internal/vterror"
	"github.com/vtcode-ai/vtcode/internal/workspace"
	"github.com/vtcode-ai/vtcode/pkg/models"
)

// ShellTool runs a one-shot shell command under the sandbox policy.
type ShellTool struct {
	Root    string
	Runtime *sandbox.Runtime
	Policy  sandbox.Policy
	Locks   *workspace.CommandLocks
}

type shellArgs struct {
	// Command is the shell command line to execute.
	Command string `json:"command"`

	// Dir is the workspace-relative working directory.
	Dir string `json:"dir,omitempty"`

	// TimeoutSeconds bounds this call; the pipeline's per-tool timeout
	// still applies, so a longer value does not extend it.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// Definition implements tools.Tool.
func (t *ShellTool) Definition() models.ToolDefinition {
	return models.ToolDefinition{
		Name:              "shell",
		Description:       "Run a shell command in the workspace under the configured sandbox policy and return stdout, stderr, and the exit code.",
		Parameters:        schemaFor(&shellArgs{}),
		Classification:    models.ClassMutating,
		SandboxPref:       models.SandboxAuto,
		EscalateOnFailure: true,
	}
}

// Execute implements tools.Tool.
func (t *ShellTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in shellArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return "", vterror.Wrap(vterror.KindValidation, "shell arguments", err)
	}
	if in.Command == "" {
		return "", vterror.New(vterror.KindValidation, "command is required")
	}

	dir, err := sandbox.CanonicalizeDir(t.Root, in.Dir)
	if err != nil {
		return "", err
	}

	if t.Locks != nil && workspace.IsLongRunningCommand("sh", []string{in.Command}) {
		release := t.Locks.Acquire(t.Root)
		defer release()
	}

	execCtx := ctx
	if in.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, time.Duration(in.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	spec := sandbox.CommandSpec{
		Program: "sh",
		Args:    []string{"-c", in.Command},
		Dir:     dir,
	}
	result, err := t.Runtime.ExecuteWithEscalation(execCtx, spec, t.Policy, t.Definition().EscalateOnFailure)
	if err != nil {
		return "", err
	}

	payload, marshalErr := json.Marshal(map[string]any{
		"stdout":    result.Stdout,
		"stderr":    result.Stderr,
		"exit_code": result.ExitCode,
		"sandboxed": result.Sandboxed,
	})
	if marshalErr != nil {
		return "", vterror.Wrap(vterror.KindInternal, "encode shell result", marshalErr)
	}
	return string(payload), nil
}
