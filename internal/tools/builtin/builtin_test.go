package builtin

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/vtcode-ai/vtcode/internal/config"
	"github.com/vtcode-ai/vtcode/internal/dotfile"
	"github.com/vtcode-ai/vtcode/internal/sandbox"
)

func seedWorkspace(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"src/main.rs":      "fn main() {\n    println!(\"hi\");\n}\n",
		"src/lib.rs":       "pub struct Config;\n",
		"src/core/turn.rs": "fn main_loop() {}\n",
		"README.md":        "# demo\n",
	}
	for path, content := range files {
		abs := filepath.Join(root, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestListFiles(t *testing.T) {
	root := seedWorkspace(t)
	tool := &ListFilesTool{Root: root}

	out, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"src","extension":".rs"}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	var entries []struct {
		Path  string `json:"path"`
		IsDir bool   `json:"is_dir"`
	}
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("output not JSON: %q", out)
	}
	paths := make([]string, 0, len(entries))
	for _, e := range entries {
		paths = append(paths, e.Path)
	}
	want := []string{"src/core", "src/lib.rs", "src/main.rs"}
	if len(paths) != len(want) {
		t.Fatalf("paths = %v", paths)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("paths[%d] = %q, want %q", i, paths[i], want[i])
		}
	}
}

func TestListFilesRejectsTraversal(t *testing.T) {
	tool := &ListFilesTool{Root: seedWorkspace(t)}
	if _, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"../../etc"}`)); err == nil {
		t.Error("traversal accepted")
	}
}

func TestReadFile(t *testing.T) {
	tool := &ReadFileTool{Root: seedWorkspace(t)}
	out, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"src/main.rs"}`))
	if err != nil {
		t.Fatal(err)
	}
	var res struct {
		Content   string `json:"content"`
		Truncated bool   `json:"truncated"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(res.Content, "fn main") || res.Truncated {
		t.Errorf("res = %+v", res)
	}
}

func TestWriteFileCreatesAndGuardsDotfiles(t *testing.T) {
	root := seedWorkspace(t)
	guardian, err := dotfile.NewGuardian(config.DotfileConfig{
		Enabled:                     true,
		RequireExplicitConfirmation: true,
		MaxBackupsPerFile:           3,
	}, t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}

	confirmations := 0
	tool := &WriteFileTool{
		Root:     root,
		Guardian: guardian,
		Confirmer: func(ctx context.Context, req dotfile.ConfirmationRequest) bool {
			confirmations++
			return true
		},
	}

	// Plain file: no confirmation.
	if _, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"notes.txt","content":"x"}`)); err != nil {
		t.Fatal(err)
	}
	if confirmations != 0 {
		t.Errorf("plain write prompted %d times", confirmations)
	}

	// Dotfile: confirmation, backup, then write.
	gitignore := filepath.Join(root, ".gitignore")
	if err := os.WriteFile(gitignore, []byte("old\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := tool.Execute(context.Background(), json.RawMessage(`{"path":".gitignore","content":"node_modules\n"}`)); err != nil {
		t.Fatal(err)
	}
	if confirmations != 1 {
		t.Errorf("dotfile write prompted %d times, want 1", confirmations)
	}
	if guardian.Backups().Latest(gitignore) == "" {
		t.Error("no backup before dotfile write")
	}
	data, _ := os.ReadFile(gitignore)
	if string(data) != "node_modules\n" {
		t.Errorf("content = %q", data)
	}
}

func TestWriteFileDeclinedDotfile(t *testing.T) {
	root := seedWorkspace(t)
	guardian, err := dotfile.NewGuardian(config.DotfileConfig{
		Enabled:                     true,
		RequireExplicitConfirmation: true,
	}, t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	tool := &WriteFileTool{
		Root:      root,
		Guardian:  guardian,
		Confirmer: func(context.Context, dotfile.ConfirmationRequest) bool { return false },
	}
	if _, err := tool.Execute(context.Background(), json.RawMessage(`{"path":".env","content":"SECRET=1"}`)); err == nil {
		t.Fatal("declined dotfile write succeeded")
	}
	if _, statErr := os.Stat(filepath.Join(root, ".env")); !os.IsNotExist(statErr) {
		t.Error("declined write still created the file")
	}
}

func TestEditFileUniqueFragment(t *testing.T) {
	root := seedWorkspace(t)
	tool := &EditFileTool{Root: root}

	args := `{"path":"src/lib.rs","old_text":"pub struct Config;","new_text":"pub struct Config { pub verbose: bool }"}`
	if _, err := tool.Execute(context.Background(), json.RawMessage(args)); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(filepath.Join(root, "src/lib.rs"))
	if !strings.Contains(string(data), "verbose") {
		t.Errorf("edit not applied: %q", data)
	}

	// Missing fragment.
	if _, err := tool.Execute(context.Background(), json.RawMessage(`{"path":"src/lib.rs","old_text":"nope","new_text":"x"}`)); err == nil {
		t.Error("missing fragment accepted")
	}
}

func TestGrepFile(t *testing.T) {
	root := seedWorkspace(t)
	tool := &GrepFileTool{Root: root}

	out, err := tool.Execute(context.Background(), json.RawMessage(`{"pattern":"fn main","path":"src"}`))
	if err != nil {
		t.Fatal(err)
	}
	var matches []grepMatch
	if err := json.Unmarshal([]byte(out), &matches); err != nil {
		t.Fatal(err)
	}
	if len(matches) != 2 {
		t.Fatalf("matches = %+v", matches)
	}
	for _, m := range matches {
		if !strings.HasPrefix(m.Path, "src/") || m.Line == 0 {
			t.Errorf("match = %+v", m)
		}
	}
}

func TestGrepInvalidPattern(t *testing.T) {
	tool := &GrepFileTool{Root: seedWorkspace(t)}
	if _, err := tool.Execute(context.Background(), json.RawMessage(`{"pattern":"("}`)); err == nil {
		t.Error("invalid pattern accepted")
	}
}

func TestShellTool(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix shell required")
	}
	root := seedWorkspace(t)
	tool := &ShellTool{
		Root:    root,
		Runtime: sandbox.NewRuntime(nil),
		Policy:  sandbox.Policy{Mode: sandbox.ModeDisabled, AllowEnvInherit: true},
	}

	out, err := tool.Execute(context.Background(), json.RawMessage(`{"command":"ls src | head -3"}`))
	if err != nil {
		t.Fatal(err)
	}
	var res struct {
		Stdout   string `json:"stdout"`
		ExitCode int    `json:"exit_code"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 0 || !strings.Contains(res.Stdout, "main.rs") {
		t.Errorf("res = %+v", res)
	}
}

func TestSchemaForGeneratesObjectSchema(t *testing.T) {
	schema := schemaFor(&grepArgs{})
	var doc map[string]any
	if err := json.Unmarshal(schema, &doc); err != nil {
		t.Fatalf("schema not JSON: %v", err)
	}
	if doc["type"] != "object" {
		t.Errorf("schema type = %v", doc["type"])
	}
	props, ok := doc["properties"].(map[string]any)
	if !ok {
		t.Fatalf("schema missing properties: %v", doc)
	}
	if _, ok := props["pattern"]; !ok {
		t.Error("pattern property missing")
	}
}
