// Package snapshot persists per-turn checkpoints of the conversation
// and the files touched during the turn, with retention and restore.
package snapshot

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/vtcode-ai/vtcode/internal/observability"
	"github.com/vtcode-ai/vtcode/internal/workspace"
	"github.com/vtcode-ai/vtcode/pkg/models"
)

const (
	maxDescriptionGlyphs = 160

	// DefaultMaxSnapshots bounds retained checkpoints per workspace.
	DefaultMaxSnapshots = 50

	// DefaultMaxAgeDays expires checkpoints by age.
	DefaultMaxAgeDays = 30

	snapshotDirName = ".vtcode/checkpoints"
)

// FileEncoding marks how file bytes are stored.
type FileEncoding string

const (
	EncodingUtf8   FileEncoding = "utf8"
	EncodingBase64 FileEncoding = "base64"
)

// FileSnapshot records one file's state at checkpoint time.
type FileSnapshot struct {
	Path     string       `json:"path"`
	Deleted  bool         `json:"deleted,omitempty"`
	Encoding FileEncoding `json:"encoding,omitempty"`
	Data     string       `json:"data,omitempty"`
}

// Metadata summarizes a stored snapshot.
type Metadata struct {
	ID           string `json:"id"`
	TurnNumber   int    `json:"turn_number"`
	CreatedAt    int64  `json:"created_at"`
	Description  string `json:"description"`
	MessageCount int    `json:"message_count"`
	FileCount    int    `json:"file_count"`
}

// Snapshot is the full stored checkpoint.
type Snapshot struct {
	Metadata
	Version      int              `json:"version"`
	Conversation []models.Message `json:"conversation"`
	Files        []FileSnapshot   `json:"files"`
}

// RestoreScope selects what a restore re-materializes.
type RestoreScope string

const (
	ScopeConversation RestoreScope = "conversation"
	ScopeCode         RestoreScope = "code"
	ScopeBoth         RestoreScope = "both"
)

// ParseRestoreScope maps a CLI value to a scope.
func ParseRestoreScope(value string) (RestoreScope, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "conversation":
		return ScopeConversation, true
	case "code":
		return ScopeCode, true
	case "both":
		return ScopeBoth, true
	default:
		return "", false
	}
}

// Restore is the result of re-materializing a snapshot.
type Restore struct {
	TurnNumber   int
	Conversation []models.Message
	Files        []FileSnapshot
}

// Config bounds the manager.
type Config struct {
	Workspace    string
	Enabled      bool
	MaxSnapshots int
	MaxAgeDays   int
}

// Manager stores checkpoints at <workspace>/.vtcode/checkpoints/
// turn_<N>.json. Turn-number allocation is atomic against concurrent
// checkpointing.
type Manager struct {
	cfg    Config
	logger *observability.Logger

	mu sync.Mutex
}

// NewManager creates a manager; the storage directory is created on
// first write.
func NewManager(cfg Config, logger *observability.Logger) *Manager {
	if cfg.MaxSnapshots <= 0 {
		cfg.MaxSnapshots = DefaultMaxSnapshots
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = DefaultMaxAgeDays
	}
	if logger == nil {
		logger = observability.Discard()
	}
	return &Manager{cfg: cfg, logger: logger}
}

// Enabled reports whether checkpointing is active.
func (m *Manager) Enabled() bool { return m.cfg.Enabled }

func (m *Manager) storageDir() string {
	return filepath.Join(m.cfg.Workspace, filepath.FromSlash(snapshotDirName))
}

func (m *Manager) snapshotPath(turn int) string {
	return filepath.Join(m.storageDir(), fmt.Sprintf("turn_%d.json", turn))
}

// NextTurnNumber returns 1 + the highest turn on disk, or 1.
func (m *Manager) NextTurnNumber() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextTurnLocked()
}

func (m *Manager) nextTurnLocked() int {
	maxTurn := 0
	for _, entry := range m.readSnapshotFiles() {
		if entry.turn > maxTurn {
			maxTurn = entry.turn
		}
	}
	return maxTurn + 1
}

type snapshotFile struct {
	turn int
	path string
}

func (m *Manager) readSnapshotFiles() []snapshotFile {
	entries, err := os.ReadDir(m.storageDir())
	if err != nil {
		return nil
	}
	out := make([]snapshotFile, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "turn_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		turnStr := strings.TrimSuffix(strings.TrimPrefix(name, "turn_"), ".json")
		turn, err := strconv.Atoi(turnStr)
		if err != nil || turn <= 0 {
			continue
		}
		out = append(out, snapshotFile{turn: turn, path: filepath.Join(m.storageDir(), name)})
	}
	return out
}

// Create captures a checkpoint for the given turn. Modified files that
// exist are stored Utf8 or Base64; missing ones are marked deleted.
// Absolute paths are rewritten workspace-relative; paths outside the
// workspace are silently dropped.
func (m *Manager) Create(ctx context.Context, turn int, description string, conversation []models.Message, modifiedFiles []string) (*Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.MkdirAll(m.storageDir(), 0o755); err != nil {
		return nil, err
	}

	files := make([]FileSnapshot, 0, len(modifiedFiles))
	for _, path := range modifiedFiles {
		rel, err := workspace.Rel(m.cfg.Workspace, path)
		if err != nil {
			continue
		}
		abs := filepath.Join(m.cfg.Workspace, filepath.FromSlash(rel))
		data, err := os.ReadFile(abs)
		if err != nil {
			if os.IsNotExist(err) {
				files = append(files, FileSnapshot{Path: rel, Deleted: true})
			} else {
				m.logger.Warn(ctx, "snapshot file read failed", "path", rel, "error", err)
			}
			continue
		}
		encoding, encoded := encodeFile(data)
		files = append(files, FileSnapshot{Path: rel, Encoding: encoding, Data: encoded})
	}

	snap := Snapshot{
		Metadata: Metadata{
			ID:           fmt.Sprintf("turn_%d", turn),
			TurnNumber:   turn,
			CreatedAt:    time.Now().Unix(),
			Description:  truncateDescription(description),
			MessageCount: len(conversation),
			FileCount:    len(files),
		},
		Version:      1,
		Conversation: conversation,
		Files:        files,
	}

	payload, err := json.MarshalIndent(&snap, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(m.snapshotPath(turn), payload, 0o644); err != nil {
		return nil, err
	}

	m.cleanupLocked(ctx)
	meta := snap.Metadata
	return &meta, nil
}

// List returns metadata newest first, after applying retention.
func (m *Manager) List(ctx context.Context) ([]Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cleanupLocked(ctx)

	var out []Metadata
	for _, entry := range m.readSnapshotFiles() {
		snap, err := m.loadPath(entry.path)
		if err != nil {
			m.logger.Warn(ctx, "snapshot unreadable", "path", entry.path, "error", err)
			continue
		}
		out = append(out, snap.Metadata)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TurnNumber > out[j].TurnNumber })
	return out, nil
}

// Load reads one snapshot; nil when it does not exist.
func (m *Manager) Load(turn int) (*Snapshot, error) {
	snap, err := m.loadPath(m.snapshotPath(turn))
	if os.IsNotExist(err) {
		return nil, nil
	}
	return snap, err
}

func (m *Manager) loadPath(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// RestoreSnapshot re-materializes files and/or returns the stored
// conversation. Stored paths are re-sanitized; deleted markers remove
// the file.
func (m *Manager) RestoreSnapshot(ctx context.Context, turn int, scope RestoreScope) (*Restore, error) {
	snap, err := m.Load(turn)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return nil, fmt.Errorf("snapshot turn_%d not found", turn)
	}

	out := &Restore{TurnNumber: turn}

	if scope == ScopeCode || scope == ScopeBoth {
		for _, f := range snap.Files {
			rel, err := workspace.SanitizeRelative(f.Path)
			if err != nil {
				m.logger.Warn(ctx, "snapshot path rejected on restore", "path", f.Path, "error", err)
				continue
			}
			abs := filepath.Join(m.cfg.Workspace, filepath.FromSlash(rel))
			if f.Deleted {
				if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
					m.logger.Warn(ctx, "snapshot restore remove failed", "path", rel, "error", err)
				}
				out.Files = append(out.Files, f)
				continue
			}
			data, err := decodeFile(f.Encoding, f.Data)
			if err != nil {
				return nil, fmt.Errorf("decode %s: %w", rel, err)
			}
			if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
				return nil, err
			}
			if err := os.WriteFile(abs, data, 0o644); err != nil {
				return nil, err
			}
			out.Files = append(out.Files, f)
		}
	}

	if scope == ScopeConversation || scope == ScopeBoth {
		out.Conversation = snap.Conversation
	}

	return out, nil
}

// cleanupLocked applies retention: age expiry first, then count
// truncation oldest-first. IO failures are warnings, never errors.
func (m *Manager) cleanupLocked(ctx context.Context) {
	entries := m.readSnapshotFiles()
	sort.Slice(entries, func(i, j int) bool { return entries[i].turn < entries[j].turn })

	cutoff := time.Now().AddDate(0, 0, -m.cfg.MaxAgeDays).Unix()
	kept := entries[:0]
	for _, entry := range entries {
		snap, err := m.loadPath(entry.path)
		if err != nil {
			kept = append(kept, entry)
			continue
		}
		if snap.CreatedAt < cutoff {
			if err := os.Remove(entry.path); err != nil {
				m.logger.Warn(ctx, "snapshot age cleanup failed", "path", entry.path, "error", err)
			}
			continue
		}
		kept = append(kept, entry)
	}

	if excess := len(kept) - m.cfg.MaxSnapshots; excess > 0 {
		for _, entry := range kept[:excess] {
			if err := os.Remove(entry.path); err != nil {
				m.logger.Warn(ctx, "snapshot count cleanup failed", "path", entry.path, "error", err)
			}
		}
	}
}

func encodeFile(data []byte) (FileEncoding, string) {
	if utf8.Valid(data) {
		return EncodingUtf8, string(data)
	}
	return EncodingBase64, base64.StdEncoding.EncodeToString(data)
}

func decodeFile(encoding FileEncoding, data string) ([]byte, error) {
	switch encoding {
	case EncodingBase64:
		return base64.StdEncoding.DecodeString(data)
	default:
		return []byte(data), nil
	}
}

// truncateDescription keeps the first line, capped at 160 glyphs with
// an ellipsis.
func truncateDescription(description string) string {
	firstLine := description
	if idx := strings.IndexByte(firstLine, '\n'); idx >= 0 {
		firstLine = firstLine[:idx]
	}
	firstLine = strings.TrimSpace(firstLine)

	runes := []rune(firstLine)
	if len(runes) <= maxDescriptionGlyphs {
		return firstLine
	}
	return string(runes[:maxDescriptionGlyphs-1]) + "…"
}
