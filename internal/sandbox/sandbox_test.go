package sandbox

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"

	"github.com/vtcode-ai/vtcode/internal/vterror"
)

func TestExecuteDisabled(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix shell required")
	}
	r := NewRuntime(nil)
	result, err := r.Execute(context.Background(), CommandSpec{
		Program: "sh", Args: []string{"-c", "echo hello; echo oops >&2; exit 3"},
		Dir: t.TempDir(),
	}, Policy{Mode: ModeDisabled, AllowEnvInherit: true})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if strings.TrimSpace(result.Stdout) != "hello" {
		t.Errorf("stdout = %q", result.Stdout)
	}
	if strings.TrimSpace(result.Stderr) != "oops" {
		t.Errorf("stderr = %q", result.Stderr)
	}
	if result.ExitCode != 3 {
		t.Errorf("exit code = %d", result.ExitCode)
	}
	if result.Sandboxed {
		t.Error("disabled mode reported sandboxed")
	}
}

func TestStrictWithoutSandboxFails(t *testing.T) {
	r := NewRuntime(nil)
	r.probe = func() bool { return false }

	_, err := r.Execute(context.Background(), CommandSpec{Program: "true"}, Policy{Mode: ModeStrict})
	if err == nil {
		t.Fatal("strict mode ran without a sandbox")
	}
	if vterror.KindOf(err) != vterror.KindPolicy {
		t.Errorf("kind = %v", vterror.KindOf(err))
	}
	if !errors.Is(err, ErrSandboxUnavailable) {
		t.Errorf("cause = %v", err)
	}
}

func TestAutoFallsBackWhenUnavailable(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix shell required")
	}
	r := NewRuntime(nil)
	r.probe = func() bool { return false }

	result, err := r.Execute(context.Background(), CommandSpec{
		Program: "sh", Args: []string{"-c", "exit 0"}, Dir: t.TempDir(),
	}, Policy{Mode: ModeAuto, AllowEnvInherit: true})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Sandboxed {
		t.Error("auto mode reported sandboxed without a platform sandbox")
	}
}

func TestEscalationOnlyOnSandboxDenied(t *testing.T) {
	r := NewRuntime(nil)
	r.probe = func() bool { return false }

	// A plain failure must not trigger a second attempt; the result of
	// the first attempt is returned as-is.
	if runtime.GOOS == "windows" {
		t.Skip("posix shell required")
	}
	result, err := r.ExecuteWithEscalation(context.Background(), CommandSpec{
		Program: "sh", Args: []string{"-c", "exit 7"}, Dir: t.TempDir(),
	}, Policy{Mode: ModeAuto, AllowEnvInherit: true}, true)
	if err != nil {
		t.Fatalf("ExecuteWithEscalation: %v", err)
	}
	if result.ExitCode != 7 {
		t.Errorf("exit code = %d", result.ExitCode)
	}
}

func TestIsDenialOutput(t *testing.T) {
	tests := []struct {
		stderr string
		want   bool
	}{
		{"sh: /etc/hosts: Operation not permitted", true},
		{"Sandbox: deny file-write /tmp/x", true},
		{"regular build failure", false},
	}
	for _, tt := range tests {
		if got := isDenialOutput(tt.stderr); got != tt.want {
			t.Errorf("isDenialOutput(%q) = %v", tt.stderr, got)
		}
	}
}

func TestCanonicalizeDir(t *testing.T) {
	root := t.TempDir()

	got, err := CanonicalizeDir(root, "")
	if err != nil || got != root {
		t.Errorf("empty dir = %q, %v", got, err)
	}

	if _, err := CanonicalizeDir(root, "../outside"); err == nil {
		t.Error("traversal outside the workspace accepted")
	}

	if _, err := CanonicalizeDir(root, "sub/../inner"); err != nil {
		t.Errorf("inside traversal rejected: %v", err)
	}
}
