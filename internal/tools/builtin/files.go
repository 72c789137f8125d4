package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/vtcode-ai/vtcode/internal/dotfile"
	"github.com/vtcode-ai/vtcode/internal/vterror"
	"github.com/vtcode-ai/vtcode/internal/workspace"
	"github.com/vtcode-ai/vtcode/pkg/models"
)

// DotfileGate adapts the guardian for the write path. A nil gate
// allows everything.
type DotfileGate interface {
	RequestAccess(ctx context.Context, ac dotfile.AccessContext) dotfile.Decision
	ConfirmModification(ctx context.Context, ac dotfile.AccessContext, abs string) error
	RejectModification(ctx context.Context, ac dotfile.AccessContext)
}

// DotfileConfirmer answers guardian confirmation requests; the CLI
// installs a prompt, tests install policy answers.
type DotfileConfirmer func(ctx context.Context, req dotfile.ConfirmationRequest) bool

// ListFilesTool lists directory entries under the workspace.
type ListFilesTool struct {
	Root string
}

type listFilesArgs struct {
	// Path is the workspace-relative directory; empty lists the root.
	Path string `json:"path,omitempty"`

	// Extension filters entries by suffix (".rs", ".go").
	Extension string `json:"extension,omitempty"`
}

// Definition implements tools.Tool.
func (t *ListFilesTool) Definition() models.ToolDefinition {
	return models.ToolDefinition{
		Name:           "list_files",
		Description:    "List files and directories at a workspace-relative path, optionally filtered by extension.",
		Parameters:     schemaFor(&listFilesArgs{}),
		Classification: models.ClassReadOnly,
		SandboxPref:    models.SandboxAuto,
	}
}

// Execute implements tools.Tool.
func (t *ListFilesTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in listFilesArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return "", vterror.Wrap(vterror.KindValidation, "list_files arguments", err)
		}
	}

	dir := t.Root
	if in.Path != "" {
		resolved, err := workspace.Resolve(t.Root, in.Path)
		if err != nil {
			return "", vterror.Wrap(vterror.KindValidation, "list_files path", err)
		}
		dir = resolved
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", vterror.Wrap(vterror.KindTool, "read directory", err)
	}

	type entry struct {
		Path  string `json:"path"`
		IsDir bool   `json:"is_dir"`
		Size  int64  `json:"size,omitempty"`
	}
	out := make([]entry, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if in.Extension != "" && !e.IsDir() && !strings.HasSuffix(name, in.Extension) {
			continue
		}
		rel, err := workspace.Rel(t.Root, filepath.Join(dir, name))
		if err != nil {
			continue
		}
		item := entry{Path: rel, IsDir: e.IsDir()}
		if info, err := e.Info(); err == nil && !e.IsDir() {
			item.Size = info.Size()
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })

	payload, err := json.Marshal(out)
	if err != nil {
		return "", vterror.Wrap(vterror.KindInternal, "encode listing", err)
	}
	return string(payload), nil
}

// ReadFileTool reads a workspace file.
type ReadFileTool struct {
	Root string

	// MaxBytes caps the returned content (default 256 KiB).
	MaxBytes int
}

type readFileArgs struct {
	// Path is the workspace-relative file path.
	Path string `json:"path"`
}

// Definition implements tools.Tool.
func (t *ReadFileTool) Definition() models.ToolDefinition {
	return models.ToolDefinition{
		Name:           "read_file",
		Description:    "Read the contents of a workspace-relative file.",
		Parameters:     schemaFor(&readFileArgs{}),
		Classification: models.ClassReadOnly,
		SandboxPref:    models.SandboxAuto,
	}
}

// Execute implements tools.Tool.
func (t *ReadFileTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in readFileArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return "", vterror.Wrap(vterror.KindValidation, "read_file arguments", err)
	}
	abs, err := workspace.Resolve(t.Root, in.Path)
	if err != nil {
		return "", vterror.Wrap(vterror.KindValidation, "read_file path", err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return "", vterror.Wrap(vterror.KindTool, "read file", err)
	}
	maxBytes := t.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 256 << 10
	}
	truncated := false
	if len(data) > maxBytes {
		data = data[:maxBytes]
		truncated = true
	}
	payload, err := json.Marshal(map[string]any{
		"path":      in.Path,
		"content":   string(data),
		"truncated": truncated,
	})
	if err != nil {
		return "", vterror.Wrap(vterror.KindInternal, "encode file", err)
	}
	return string(payload), nil
}

// WriteFileTool writes or overwrites a workspace file, mediated by the
// dotfile guardian.
type WriteFileTool struct {
	Root      string
	Guardian  DotfileGate
	Confirmer DotfileConfirmer
}

type writeFileArgs struct {
	// Path is the workspace-relative file path.
	Path string `json:"path"`

	// Content is the full new file content.
	Content string `json:"content"`
}

// Definition implements tools.Tool.
func (t *WriteFileTool) Definition() models.ToolDefinition {
	return models.ToolDefinition{
		Name:           "write_file",
		Description:    "Create or overwrite a workspace-relative file with the given content.",
		Parameters:     schemaFor(&writeFileArgs{}),
		Classification: models.ClassMutating,
		SandboxPref:    models.SandboxAuto,
	}
}

// Execute implements tools.Tool.
func (t *WriteFileTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in writeFileArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return "", vterror.Wrap(vterror.KindValidation, "write_file arguments", err)
	}
	rel, err := workspace.SanitizeRelative(in.Path)
	if err != nil {
		return "", vterror.Wrap(vterror.KindValidation, "write_file path", err)
	}
	abs := filepath.Join(t.Root, filepath.FromSlash(rel))

	if err := t.guardWrite(ctx, rel, abs, fmt.Sprintf("write %d bytes", len(in.Content))); err != nil {
		return "", err
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", vterror.Wrap(vterror.KindTool, "create parent directory", err)
	}
	if err := os.WriteFile(abs, []byte(in.Content), 0o644); err != nil {
		return "", vterror.Wrap(vterror.KindTool, "write file", err)
	}

	payload, _ := json.Marshal(map[string]any{"path": rel, "bytes": len(in.Content)})
	return string(payload), nil
}

func (t *WriteFileTool) guardWrite(ctx context.Context, rel, abs, proposed string) error {
	if t.Guardian == nil {
		return nil
	}
	ac := dotfile.AccessContext{
		FilePath:        rel,
		AccessType:      dotfile.AccessWrite,
		Initiator:       "write_file",
		ProposedChanges: proposed,
	}
	decision := t.Guardian.RequestAccess(ctx, ac)
	switch decision.Kind {
	case dotfile.DecisionAllowed:
		return nil
	case dotfile.DecisionRequiresConfirmation, dotfile.DecisionRequiresSecondaryAuth:
		if t.Confirmer != nil && t.Confirmer(ctx, *decision.Confirmation) {
			return t.Guardian.ConfirmModification(ctx, ac, abs)
		}
		t.Guardian.RejectModification(ctx, ac)
		return vterror.New(vterror.KindPermission, "dotfile modification declined").WithStage("dotfile")
	default:
		return vterror.New(vterror.KindPolicy, decision.Violation.Reason).WithStage("dotfile")
	}
}

// EditFileTool replaces an exact substring once in a workspace file.
type EditFileTool struct {
	Root      string
	Guardian  DotfileGate
	Confirmer DotfileConfirmer
}

type editFileArgs struct {
	// Path is the workspace-relative file path.
	Path string `json:"path"`

	// OldText must occur exactly once in the file.
	OldText string `json:"old_text"`

	// NewText replaces OldText.
	NewText string `json:"new_text"`
}

// Definition implements tools.Tool.
func (t *EditFileTool) Definition() models.ToolDefinition {
	return models.ToolDefinition{
		Name:           "edit_file",
		Description:    "Replace an exact text fragment in a workspace-relative file; the fragment must occur exactly once.",
		Parameters:     schemaFor(&editFileArgs{}),
		Classification: models.ClassMutating,
		SandboxPref:    models.SandboxAuto,
	}
}

// Execute implements tools.Tool.
func (t *EditFileTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in editFileArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return "", vterror.Wrap(vterror.KindValidation, "edit_file arguments", err)
	}
	rel, err := workspace.SanitizeRelative(in.Path)
	if err != nil {
		return "", vterror.Wrap(vterror.KindValidation, "edit_file path", err)
	}
	abs := filepath.Join(t.Root, filepath.FromSlash(rel))

	data, err := os.ReadFile(abs)
	if err != nil {
		return "", vterror.Wrap(vterror.KindTool, "read file", err)
	}
	content := string(data)
	count := strings.Count(content, in.OldText)
	if count == 0 {
		return "", vterror.New(vterror.KindValidation, "old_text not found in file")
	}
	if count > 1 {
		return "", vterror.Newf(vterror.KindValidation, "old_text occurs %d times; provide a unique fragment", count)
	}

	writer := &WriteFileTool{Root: t.Root, Guardian: t.Guardian, Confirmer: t.Confirmer}
	if err := writer.guardWrite(ctx, rel, abs, "edit fragment"); err != nil {
		return "", err
	}

	updated := strings.Replace(content, in.OldText, in.NewText, 1)
	if err := os.WriteFile(abs, []byte(updated), 0o644); err != nil {
		return "", vterror.Wrap(vterror.KindTool, "write file", err)
	}

	payload, _ := json.Marshal(map[string]any{"path": rel, "replaced": true})
	return string(payload), nil
}
