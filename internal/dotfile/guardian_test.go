package dotfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/vtcode-ai/vtcode/internal/config"
)

func testGuardianConfig() config.DotfileConfig {
	return config.DotfileConfig{
		Enabled:                       true,
		RequireExplicitConfirmation:   true,
		PreventCascadingModifications: true,
		BlockDuringAutomation:         true,
		MaxBackupsPerFile:             3,
	}
}

func newTestGuardian(t *testing.T, cfg config.DotfileConfig) *Guardian {
	t.Helper()
	g, err := NewGuardian(cfg, t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func TestProtectionDetection(t *testing.T) {
	g := newTestGuardian(t, testGuardianConfig())
	tests := []struct {
		path string
		want bool
	}{
		{".gitignore", true},
		{".env.local", true},
		{".ssh/id_rsa", true},
		{"nested/.bashrc", true},
		{"src/main.go", false},
		{"README.md", false},
	}
	for _, tt := range tests {
		if got := g.IsProtected(tt.path); got != tt.want {
			t.Errorf("IsProtected(%q) = %v", tt.path, got)
		}
	}
}

func TestUnprotectedAllowed(t *testing.T) {
	g := newTestGuardian(t, testGuardianConfig())
	d := g.RequestAccess(context.Background(), AccessContext{FilePath: "src/main.go", AccessType: AccessWrite})
	if !d.Allowed() {
		t.Errorf("decision = %+v", d)
	}
}

func TestDisabledProtectionAllowsEverything(t *testing.T) {
	cfg := testGuardianConfig()
	cfg.Enabled = false
	g := newTestGuardian(t, cfg)
	d := g.RequestAccess(context.Background(), AccessContext{FilePath: ".bashrc", AccessType: AccessWrite})
	if !d.Allowed() {
		t.Errorf("decision = %+v", d)
	}
}

func TestRequiresConfirmation(t *testing.T) {
	g := newTestGuardian(t, testGuardianConfig())
	d := g.RequestAccess(context.Background(), AccessContext{
		FilePath:   ".gitignore",
		AccessType: AccessWrite,
		Initiator:  "write_file",
	})
	if d.Kind != DecisionRequiresConfirmation {
		t.Fatalf("kind = %v", d.Kind)
	}
	if d.Confirmation == nil || d.Confirmation.FilePath != ".gitignore" {
		t.Errorf("confirmation = %+v", d.Confirmation)
	}
	if d.Confirmation.ProtectionReason == "" {
		t.Error("protection reason empty")
	}
}

func TestBlocksDuringAutomation(t *testing.T) {
	g := newTestGuardian(t, testGuardianConfig())
	d := g.RequestAccess(context.Background(), AccessContext{
		FilePath:    ".env",
		AccessType:  AccessWrite,
		IsAutomated: true,
	})
	if d.Kind != DecisionBlocked || d.Violation == nil {
		t.Errorf("decision = %+v", d)
	}
}

func TestBlocksCascading(t *testing.T) {
	g := newTestGuardian(t, testGuardianConfig())
	d := g.RequestAccess(context.Background(), AccessContext{
		FilePath:    ".bashrc",
		AccessType:  AccessWrite,
		IsCascading: true,
		TriggeredBy: ".profile",
	})
	if d.Kind != DecisionBlocked {
		t.Errorf("decision = %+v", d)
	}
}

func TestWhitelistSecondaryAuth(t *testing.T) {
	cfg := testGuardianConfig()
	cfg.Whitelist = []string{".gitignore"}
	cfg.RequireSecondaryAuthWhitelist = true
	g := newTestGuardian(t, cfg)

	d := g.RequestAccess(context.Background(), AccessContext{FilePath: ".gitignore", AccessType: AccessWrite})
	if d.Kind != DecisionRequiresSecondaryAuth {
		t.Errorf("kind = %v", d.Kind)
	}
}

func TestConfirmBacksUpAndTracksModified(t *testing.T) {
	ws := t.TempDir()
	target := filepath.Join(ws, ".gitignore")
	if err := os.WriteFile(target, []byte("node_modules\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	g := newTestGuardian(t, testGuardianConfig())
	ctx := context.Background()
	ac := AccessContext{FilePath: ".gitignore", AccessType: AccessWrite, Initiator: "write_file"}

	if d := g.RequestAccess(ctx, ac); d.Kind != DecisionRequiresConfirmation {
		t.Fatalf("decision = %+v", d)
	}
	if err := g.ConfirmModification(ctx, ac, target); err != nil {
		t.Fatal(err)
	}

	if g.Backups().Latest(target) == "" {
		t.Error("no backup recorded before modification")
	}
	mods := g.ModifiedFiles()
	if len(mods) != 1 || mods[0] != ".gitignore" {
		t.Errorf("modified = %v", mods)
	}

	history, err := g.Audit().History(".gitignore")
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range history {
		if e.Outcome == OutcomeAllowedWithConfirmation {
			found = true
		}
	}
	if !found {
		t.Errorf("no confirmation outcome in audit history: %+v", history)
	}
}

func TestRejectClearsPending(t *testing.T) {
	g := newTestGuardian(t, testGuardianConfig())
	ctx := context.Background()
	ac := AccessContext{FilePath: ".npmrc", AccessType: AccessWrite}

	g.RequestAccess(ctx, ac)
	if !g.WouldCascade(".other") {
		t.Error("pending modification not visible")
	}
	g.RejectModification(ctx, ac)
	if g.WouldCascade(".other") {
		t.Error("pending modification survived rejection")
	}
}

func TestAuditChainIntegrity(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "audit.jsonl")
	log, err := OpenAuditLog(logPath)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := log.Append(ctx, AuditEntry{Path: ".env", Access: AccessWrite, Outcome: OutcomeDenied}); err != nil {
			t.Fatal(err)
		}
	}

	ok, err := log.VerifyIntegrity()
	if err != nil || !ok {
		t.Fatalf("VerifyIntegrity = %v, %v", ok, err)
	}

	// Tamper with the first record.
	data, _ := os.ReadFile(logPath)
	tampered := []byte(string(data[:40]) + "X" + string(data[41:]))
	if err := os.WriteFile(logPath, tampered, 0o600); err != nil {
		t.Fatal(err)
	}
	log2, err := OpenAuditLog(logPath)
	if err != nil {
		t.Fatal(err)
	}
	ok, err = log2.VerifyIntegrity()
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("tampered chain verified clean")
	}
}

func TestAuditChainSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "audit.jsonl")
	ctx := context.Background()

	log, err := OpenAuditLog(logPath)
	if err != nil {
		t.Fatal(err)
	}
	log.Append(ctx, AuditEntry{Path: ".env", Access: AccessRead, Outcome: OutcomeBlocked})

	reopened, err := OpenAuditLog(logPath)
	if err != nil {
		t.Fatal(err)
	}
	reopened.Append(ctx, AuditEntry{Path: ".env", Access: AccessWrite, Outcome: OutcomeDenied})

	ok, err := reopened.VerifyIntegrity()
	if err != nil || !ok {
		t.Errorf("chain broke across reopen: %v, %v", ok, err)
	}
}

func TestBackupRotation(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, ".bashrc")
	store := NewBackupStore(filepath.Join(dir, "backups"), 2)

	for i := 0; i < 4; i++ {
		if err := os.WriteFile(source, []byte{byte('a' + i)}, 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := store.Backup(source); err != nil {
			t.Fatal(err)
		}
	}

	if got := len(store.list(source)); got != 2 {
		t.Errorf("retained backups = %d, want 2", got)
	}

	// Latest backup holds the most recent pre-write content.
	if err := store.Restore(source); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(source)
	if string(data) != "d" {
		t.Errorf("restored content = %q, want %q", data, "d")
	}
}
