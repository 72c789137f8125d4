package pty

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"

	"github.com/vtcode-ai/vtcode/internal/observability"
	"github.com/vtcode-ai/vtcode/internal/sandbox"
	"github.com/vtcode-ai/vtcode/internal/vterror"
)

// SessionConfig bounds session scrollback and close behavior.
type SessionConfig struct {
	ScrollbackLines int
	ScrollbackBytes int
	CloseGrace      time.Duration
}

// Session is one live PTY with a shell or program attached. Output is
// read on a dedicated thread into the scrollback and screen state.
type Session struct {
	ID      string
	Program string

	mu     sync.Mutex
	master *os.File
	cmd    *exec.Cmd
	rows   uint16
	cols   uint16
	closed bool

	scrollback *Scrollback
	screen     *Screen
	readerDone chan struct{}
	grace      time.Duration
	logger     *observability.Logger
}

// Manager owns the PTY session table. Handles are shared; readers run
// on detached goroutines and communicate through the scrollback.
type Manager struct {
	workspaceRoot string
	cfg           SessionConfig
	logger        *observability.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	nextID   int
}

// NewManager creates a session manager.
func NewManager(workspaceRoot string, cfg SessionConfig, logger *observability.Logger) *Manager {
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = 3 * time.Second
	}
	if logger == nil {
		logger = observability.Discard()
	}
	return &Manager{
		workspaceRoot: workspaceRoot,
		cfg:           cfg,
		logger:        logger,
		sessions:      make(map[string]*Session),
	}
}

// Create starts a session running program in dir.
func (m *Manager) Create(ctx context.Context, program string, args []string, dir string, rows, cols uint16) (*Session, error) {
	resolved, err := sandbox.CanonicalizeDir(m.workspaceRoot, dir)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		rows = 24
	}
	if cols == 0 {
		cols = 80
	}

	cmd := exec.Command(program, args...)
	cmd.Dir = resolved
	master, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, vterror.Wrap(vterror.KindTool, "pty session start", err)
	}

	m.mu.Lock()
	m.nextID++
	id := fmt.Sprintf("pty-%d", m.nextID)
	session := &Session{
		ID:         id,
		Program:    program,
		master:     master,
		cmd:        cmd,
		rows:       rows,
		cols:       cols,
		scrollback: NewScrollback(m.cfg.ScrollbackLines, m.cfg.ScrollbackBytes),
		screen:     NewScreen(int(rows), int(cols)),
		readerDone: make(chan struct{}),
		grace:      m.cfg.CloseGrace,
		logger:     m.logger,
	}
	m.sessions[id] = session
	m.mu.Unlock()

	go session.readLoop()

	m.logger.Info(ctx, "pty session started", "session", id, "program", program)
	return session, nil
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// List returns the live session ids.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		out = append(out, id)
	}
	return out
}

// Close shuts a session down and removes it from the table.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	session, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return vterror.Newf(vterror.KindValidation, "unknown pty session %s", id)
	}
	return session.Close(ctx)
}

// CloseAll tears down every session, for engine shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	for _, id := range m.List() {
		if err := m.Close(ctx, id); err != nil {
			m.logger.Warn(ctx, "pty session close failed", "session", id, "error", err)
		}
	}
}

func (s *Session) readLoop() {
	defer close(s.readerDone)
	buf := make([]byte, 8192)
	for {
		n, err := s.master.Read(buf)
		if n > 0 {
			s.scrollback.Push(buf[:n], false)
			s.screen.Write(buf[:n])
		}
		if err != nil {
			s.scrollback.Push(nil, true)
			return
		}
	}
}

// SendInput writes raw bytes to the session's input channel.
func (s *Session) SendInput(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vterror.New(vterror.KindValidation, "pty session is closed")
	}
	_, err := s.master.Write(data)
	return err
}

// Resize adjusts the master PTY and updates session metadata
// atomically with respect to other session operations.
func (s *Session) Resize(rows, cols uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vterror.New(vterror.KindValidation, "pty session is closed")
	}
	if err := pty.Setsize(s.master, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return err
	}
	s.rows, s.cols = rows, cols
	s.screen.Resize(int(rows), int(cols))
	return nil
}

// Size returns the current dimensions.
func (s *Session) Size() (rows, cols uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows, s.cols
}

// Scrollback returns up to n trailing output lines.
func (s *Session) Scrollback(n int) []string {
	return s.scrollback.Lines(n)
}

// ScreenRows returns the rendered visible screen.
func (s *Session) ScreenRows() []string {
	return s.screen.Rows()
}

// Cursor returns the screen cursor position.
func (s *Session) Cursor() (row, col int) {
	return s.screen.Cursor()
}

// Close attempts a clean shutdown: "exit\n", bounded wait, then kill
// and reap; the reader thread is joined within the grace period or
// detached with a warning.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	master := s.master
	cmd := s.cmd
	s.mu.Unlock()

	_, _ = master.Write([]byte("exit\n"))

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	select {
	case <-waitCh:
	case <-time.After(s.grace):
		_ = cmd.Process.Kill()
		<-waitCh
	}

	master.Close()
	select {
	case <-s.readerDone:
	case <-time.After(threadJoinGrace):
		s.logger.Warn(ctx, "pty session reader did not exit within grace period, detaching",
			"session", s.ID)
	}
	return nil
}
