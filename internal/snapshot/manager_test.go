package snapshot

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vtcode-ai/vtcode/pkg/models"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	ws := t.TempDir()
	m := NewManager(Config{Workspace: ws, Enabled: true, MaxSnapshots: 50, MaxAgeDays: 30}, nil)
	return m, ws
}

func conv(texts ...string) []models.Message {
	out := make([]models.Message, len(texts))
	for i, s := range texts {
		out[i] = models.Message{Role: models.RoleUser, Content: s}
	}
	return out
}

func TestCreateAndList(t *testing.T) {
	m, ws := newTestManager(t)
	ctx := context.Background()

	path := filepath.Join(ws, "main.go")
	if err := os.WriteFile(path, []byte("package main\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	meta, err := m.Create(ctx, 1, "first checkpoint", conv("hi"), []string{"main.go"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if meta.ID != "turn_1" || meta.FileCount != 1 || meta.MessageCount != 1 {
		t.Errorf("metadata = %+v", meta)
	}

	if _, err := m.Create(ctx, 2, "second", conv("hi", "again"), nil); err != nil {
		t.Fatal(err)
	}

	list, err := m.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].TurnNumber != 2 || list[1].TurnNumber != 1 {
		t.Errorf("list order wrong: %+v", list)
	}
	if list[1].Description != "first checkpoint" {
		t.Errorf("description = %q", list[1].Description)
	}
}

func TestNextTurnNumber(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	if got := m.NextTurnNumber(); got != 1 {
		t.Errorf("NextTurnNumber on empty dir = %d", got)
	}
	if _, err := m.Create(ctx, 3, "x", nil, nil); err != nil {
		t.Fatal(err)
	}
	if got := m.NextTurnNumber(); got != 4 {
		t.Errorf("NextTurnNumber = %d, want 4", got)
	}
}

func TestRestoreFileContentsByteExact(t *testing.T) {
	m, ws := newTestManager(t)
	ctx := context.Background()

	textPath := filepath.Join(ws, "notes.txt")
	binaryPath := filepath.Join(ws, "blob.bin")
	textBytes := []byte("hello checkpoint\n")
	binaryBytes := []byte{0x00, 0xff, 0x13, 0x37, 0x00}

	if err := os.WriteFile(textPath, textBytes, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(binaryPath, binaryBytes, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Create(ctx, 1, "pre-edit", nil, []string{"notes.txt", "blob.bin"}); err != nil {
		t.Fatal(err)
	}

	// Mutate both files, then restore.
	if err := os.WriteFile(textPath, []byte("clobbered"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(binaryPath, []byte("clobbered"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := m.RestoreSnapshot(ctx, 1, ScopeCode); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	gotText, _ := os.ReadFile(textPath)
	gotBinary, _ := os.ReadFile(binaryPath)
	if !bytes.Equal(gotText, textBytes) {
		t.Errorf("text restore not byte-exact: %q", gotText)
	}
	if !bytes.Equal(gotBinary, binaryBytes) {
		t.Errorf("binary restore not byte-exact: %v", gotBinary)
	}
}

func TestRestoreRemovesDeletedFiles(t *testing.T) {
	m, ws := newTestManager(t)
	ctx := context.Background()

	// File did not exist at checkpoint time.
	if _, err := m.Create(ctx, 1, "x", nil, []string{"created-later.txt"}); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(ws, "created-later.txt")
	if err := os.WriteFile(path, []byte("new"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := m.RestoreSnapshot(ctx, 1, ScopeBoth); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("deleted-marker file still present after restore")
	}
}

func TestRestoreConversationScope(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	conversation := conv("one", "two")
	if _, err := m.Create(ctx, 1, "x", conversation, nil); err != nil {
		t.Fatal(err)
	}

	restore, err := m.RestoreSnapshot(ctx, 1, ScopeConversation)
	if err != nil {
		t.Fatal(err)
	}
	if len(restore.Conversation) != 2 || restore.Conversation[0].Content != "one" {
		t.Errorf("conversation = %+v", restore.Conversation)
	}
	if len(restore.Files) != 0 {
		t.Errorf("conversation scope restored files: %+v", restore.Files)
	}
}

func TestAbsolutePathsRewrittenAndOutsideDropped(t *testing.T) {
	m, ws := newTestManager(t)
	ctx := context.Background()

	inside := filepath.Join(ws, "src", "a.go")
	if err := os.MkdirAll(filepath.Dir(inside), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(inside, []byte("package src\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	outside := filepath.Join(t.TempDir(), "secret.txt")

	meta, err := m.Create(ctx, 1, "x", nil, []string{inside, outside})
	if err != nil {
		t.Fatal(err)
	}
	if meta.FileCount != 1 {
		t.Errorf("FileCount = %d, want outside path dropped", meta.FileCount)
	}

	snap, err := m.Load(1)
	if err != nil || snap == nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.Files[0].Path != "src/a.go" {
		t.Errorf("stored path = %q, want workspace-relative", snap.Files[0].Path)
	}
}

func TestRetentionTruncatesOldest(t *testing.T) {
	ws := t.TempDir()
	m := NewManager(Config{Workspace: ws, Enabled: true, MaxSnapshots: 3, MaxAgeDays: 30}, nil)
	ctx := context.Background()

	for turn := 1; turn <= 5; turn++ {
		if _, err := m.Create(ctx, turn, "x", nil, nil); err != nil {
			t.Fatal(err)
		}
	}

	list, err := m.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("retained = %d, want 3", len(list))
	}
	if list[len(list)-1].TurnNumber != 3 {
		t.Errorf("oldest retained = %d, want 3", list[len(list)-1].TurnNumber)
	}
}

func TestDescriptionTruncation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	long := strings.Repeat("y", 400) + "\nsecond line"
	meta, err := m.Create(ctx, 1, long, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	runes := []rune(meta.Description)
	if len(runes) != 160 {
		t.Errorf("description glyphs = %d, want 160", len(runes))
	}
	if runes[len(runes)-1] != '…' {
		t.Error("truncated description missing ellipsis")
	}
	if strings.Contains(meta.Description, "second") {
		t.Error("description kept content past the first line")
	}
}

func TestLoadMissingReturnsNil(t *testing.T) {
	m, _ := newTestManager(t)
	snap, err := m.Load(99)
	if err != nil || snap != nil {
		t.Errorf("Load(99) = %v, %v", snap, err)
	}
}
