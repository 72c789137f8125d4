package builtin

import (
	"context"
	"encoding/json"
	"time"

	"github.com/vtcode-ai/vtcode/internal/pty"
	"github.com/vtcode-ai/vtcode/internal/vterror"
	"github.com/vtcode-ai/vtcode/pkg/models"
)

// RunPtyCmdTool executes a one-shot command on a pseudo-terminal and
// returns the captured output once the command ends; it does not
// stream partial output to the pipeline sink.
type RunPtyCmdTool struct {
	Runner *pty.Runner
}

type runPtyArgs struct {
	// Command is the program to run.
	Command string `json:"command"`

	// Args are the program arguments.
	Args []string `json:"args,omitempty"`

	// Dir is the workspace-relative working directory.
	Dir string `json:"dir,omitempty"`

	// TimeoutSeconds bounds the run.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// Definition implements tools.Tool.
func (t *RunPtyCmdTool) Definition() models.ToolDefinition {
	return models.ToolDefinition{
		Name:           "run_pty_cmd",
		Description:    "Run a command on a pseudo-terminal, capturing interleaved terminal output; suited to interactive or progress-drawing programs.",
		Parameters:     schemaFor(&runPtyArgs{}),
		Classification: models.ClassMutating,
		SandboxPref:    models.SandboxForbid,
	}
}

// Execute implements tools.Tool.
func (t *RunPtyCmdTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in runPtyArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return "", vterror.Wrap(vterror.KindValidation, "run_pty_cmd arguments", err)
	}
	if in.Command == "" {
		return "", vterror.New(vterror.KindValidation, "command is required")
	}

	req := pty.CommandRequest{
		Program: in.Command,
		Args:    in.Args,
		Dir:     in.Dir,
	}
	if in.TimeoutSeconds > 0 {
		req.Timeout = time.Duration(in.TimeoutSeconds) * time.Second
	}

	result, err := t.Runner.Run(ctx, req)
	if err != nil && result == nil {
		return "", err
	}

	payload, marshalErr := json.Marshal(map[string]any{
		"output":    result.Output,
		"exit_code": result.ExitCode,
		"timed_out": result.TimedOut,
	})
	if marshalErr != nil {
		return "", vterror.Wrap(vterror.KindInternal, "encode pty result", marshalErr)
	}
	if err != nil {
		// Timeout output is still useful to the model; keep the error
		// kind while carrying the captured text.
		return string(payload), err
	}
	return string(payload), nil
}

// CreatePtySessionTool starts a persistent PTY session.
type CreatePtySessionTool struct {
	Manager *pty.Manager
}

type createSessionArgs struct {
	// Program defaults to sh.
	Program string `json:"program,omitempty"`

	Args []string `json:"args,omitempty"`
	Dir  string   `json:"dir,omitempty"`
	Rows uint16   `json:"rows,omitempty"`
	Cols uint16   `json:"cols,omitempty"`
}

// Definition implements tools.Tool.
func (t *CreatePtySessionTool) Definition() models.ToolDefinition {
	return models.ToolDefinition{
		Name:           "create_pty_session",
		Description:    "Start a persistent pseudo-terminal session and return its id for later input and output queries.",
		Parameters:     schemaFor(&createSessionArgs{}),
		Classification: models.ClassMutating,
		SandboxPref:    models.SandboxForbid,
	}
}

// Execute implements tools.Tool.
func (t *CreatePtySessionTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in createSessionArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return "", vterror.Wrap(vterror.KindValidation, "create_pty_session arguments", err)
		}
	}
	program := in.Program
	if program == "" {
		program = "sh"
	}
	session, err := t.Manager.Create(ctx, program, in.Args, in.Dir, in.Rows, in.Cols)
	if err != nil {
		return "", err
	}
	payload, _ := json.Marshal(map[string]any{"session_id": session.ID})
	return string(payload), nil
}

// SendPtyInputTool writes input to a live session.
type SendPtyInputTool struct {
	Manager *pty.Manager
}

type sendInputArgs struct {
	SessionID string `json:"session_id"`

	// Input is written verbatim; include a trailing newline to submit
	// a command.
	Input string `json:"input"`
}

// Definition implements tools.Tool.
func (t *SendPtyInputTool) Definition() models.ToolDefinition {
	return models.ToolDefinition{
		Name:           "send_pty_input",
		Description:    "Send raw input to a pseudo-terminal session.",
		Parameters:     schemaFor(&sendInputArgs{}),
		Classification: models.ClassMutating,
		SandboxPref:    models.SandboxForbid,
	}
}

// Execute implements tools.Tool.
func (t *SendPtyInputTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in sendInputArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return "", vterror.Wrap(vterror.KindValidation, "send_pty_input arguments", err)
	}
	session, ok := t.Manager.Get(in.SessionID)
	if !ok {
		return "", vterror.Newf(vterror.KindValidation, "unknown pty session %s", in.SessionID)
	}
	if err := session.SendInput([]byte(in.Input)); err != nil {
		return "", vterror.Wrap(vterror.KindTool, "send input", err)
	}
	payload, _ := json.Marshal(map[string]any{"session_id": in.SessionID, "bytes": len(in.Input)})
	return string(payload), nil
}

// ReadPtyOutputTool queries a session's scrollback or screen state.
type ReadPtyOutputTool struct {
	Manager *pty.Manager
}

type readOutputArgs struct {
	SessionID string `json:"session_id"`

	// Lines limits the returned scrollback tail (0 = all retained).
	Lines int `json:"lines,omitempty"`

	// Screen returns the rendered visible grid instead of scrollback.
	Screen bool `json:"screen,omitempty"`
}

// Definition implements tools.Tool.
func (t *ReadPtyOutputTool) Definition() models.ToolDefinition {
	return models.ToolDefinition{
		Name:           "read_pty_output",
		Description:    "Read a pseudo-terminal session's scrollback tail or rendered screen state.",
		Parameters:     schemaFor(&readOutputArgs{}),
		Classification: models.ClassReadOnly,
		SandboxPref:    models.SandboxForbid,
	}
}

// Execute implements tools.Tool.
func (t *ReadPtyOutputTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in readOutputArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return "", vterror.Wrap(vterror.KindValidation, "read_pty_output arguments", err)
	}
	session, ok := t.Manager.Get(in.SessionID)
	if !ok {
		return "", vterror.Newf(vterror.KindValidation, "unknown pty session %s", in.SessionID)
	}

	out := map[string]any{"session_id": in.SessionID}
	if in.Screen {
		row, col := session.Cursor()
		out["screen"] = session.ScreenRows()
		out["cursor_row"] = row
		out["cursor_col"] = col
	} else {
		out["lines"] = session.Scrollback(in.Lines)
	}
	payload, err := json.Marshal(out)
	if err != nil {
		return "", vterror.Wrap(vterror.KindInternal, "encode output", err)
	}
	return string(payload), nil
}

// ClosePtySessionTool closes a live session.
type ClosePtySessionTool struct {
	Manager *pty.Manager
}

type closeSessionArgs struct {
	SessionID string `json:"session_id"`
}

// Definition implements tools.Tool.
func (t *ClosePtySessionTool) Definition() models.ToolDefinition {
	return models.ToolDefinition{
		Name:           "close_pty_session",
		Description:    "Close a pseudo-terminal session, attempting a clean exit before killing the process.",
		Parameters:     schemaFor(&closeSessionArgs{}),
		Classification: models.ClassMutating,
		SandboxPref:    models.SandboxForbid,
	}
}

// Execute implements tools.Tool.
func (t *ClosePtySessionTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in closeSessionArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return "", vterror.Wrap(vterror.KindValidation, "close_pty_session arguments", err)
	}
	if err := t.Manager.Close(ctx, in.SessionID); err != nil {
		return "", err
	}
	payload, _ := json.Marshal(map[string]any{"session_id": in.SessionID, "closed": true})
	return string(payload), nil
}
