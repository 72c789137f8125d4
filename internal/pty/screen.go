package pty

import (
	"strings"
	"sync"
)

// Screen maintains a VT100-style visible grid for session screen-state
// queries: cursor position and rendered rows. The parser covers the
// control set interactive CLIs emit on a PTY (CR, LF, BS, CUP, CUU/CUD/
// CUF/CUB, ED, EL, SGR ignored); unknown sequences are skipped.
type Screen struct {
	mu   sync.Mutex
	rows int
	cols int
	grid [][]rune
	curR int
	curC int

	// escape-sequence parser state
	esc    bool
	csi    bool
	params []byte
}

// NewScreen creates a rows x cols grid.
func NewScreen(rows, cols int) *Screen {
	if rows <= 0 {
		rows = 24
	}
	if cols <= 0 {
		cols = 80
	}
	s := &Screen{rows: rows, cols: cols}
	s.reset()
	return s
}

func (s *Screen) reset() {
	s.grid = make([][]rune, s.rows)
	for i := range s.grid {
		s.grid[i] = blankRow(s.cols)
	}
	s.curR, s.curC = 0, 0
}

func blankRow(cols int) []rune {
	row := make([]rune, cols)
	for i := range row {
		row[i] = ' '
	}
	return row
}

// Resize changes the grid dimensions, clearing content.
func (s *Screen) Resize(rows, cols int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rows > 0 {
		s.rows = rows
	}
	if cols > 0 {
		s.cols = cols
	}
	s.reset()
}

// Write feeds PTY output through the parser.
func (s *Screen) Write(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range string(data) {
		if s.esc {
			s.feedEscape(r)
			continue
		}
		switch r {
		case 0x1b:
			s.esc = true
			s.csi = false
			s.params = s.params[:0]
		case '\n':
			s.lineFeed()
		case '\r':
			s.curC = 0
		case '\b':
			if s.curC > 0 {
				s.curC--
			}
		case '\t':
			s.curC = (s.curC/8 + 1) * 8
			if s.curC >= s.cols {
				s.curC = s.cols - 1
			}
		default:
			if r < 0x20 {
				continue
			}
			s.put(r)
		}
	}
}

func (s *Screen) feedEscape(r rune) {
	if !s.csi {
		if r == '[' {
			s.csi = true
			return
		}
		// Non-CSI escapes are single-char; drop them.
		s.esc = false
		return
	}
	if (r >= '0' && r <= '9') || r == ';' || r == '?' {
		s.params = append(s.params, byte(r))
		return
	}
	s.applyCSI(r)
	s.esc = false
	s.csi = false
}

func (s *Screen) applyCSI(final rune) {
	nums := parseParams(string(s.params))
	n := 1
	if len(nums) > 0 && nums[0] > 0 {
		n = nums[0]
	}
	switch final {
	case 'H', 'f': // cursor position (1-based row;col)
		row, col := 1, 1
		if len(nums) > 0 && nums[0] > 0 {
			row = nums[0]
		}
		if len(nums) > 1 && nums[1] > 0 {
			col = nums[1]
		}
		s.curR = clamp(row-1, 0, s.rows-1)
		s.curC = clamp(col-1, 0, s.cols-1)
	case 'A':
		s.curR = clamp(s.curR-n, 0, s.rows-1)
	case 'B':
		s.curR = clamp(s.curR+n, 0, s.rows-1)
	case 'C':
		s.curC = clamp(s.curC+n, 0, s.cols-1)
	case 'D':
		s.curC = clamp(s.curC-n, 0, s.cols-1)
	case 'J': // erase display
		mode := 0
		if len(nums) > 0 {
			mode = nums[0]
		}
		s.eraseDisplay(mode)
	case 'K': // erase line
		mode := 0
		if len(nums) > 0 {
			mode = nums[0]
		}
		s.eraseLine(mode)
	case 'm': // SGR attributes are not tracked
	}
}

func (s *Screen) eraseDisplay(mode int) {
	switch mode {
	case 2:
		for i := range s.grid {
			s.grid[i] = blankRow(s.cols)
		}
	case 1:
		for r := 0; r < s.curR; r++ {
			s.grid[r] = blankRow(s.cols)
		}
		for c := 0; c <= s.curC && c < s.cols; c++ {
			s.grid[s.curR][c] = ' '
		}
	default:
		for r := s.curR + 1; r < s.rows; r++ {
			s.grid[r] = blankRow(s.cols)
		}
		for c := s.curC; c < s.cols; c++ {
			s.grid[s.curR][c] = ' '
		}
	}
}

func (s *Screen) eraseLine(mode int) {
	switch mode {
	case 2:
		s.grid[s.curR] = blankRow(s.cols)
	case 1:
		for c := 0; c <= s.curC && c < s.cols; c++ {
			s.grid[s.curR][c] = ' '
		}
	default:
		for c := s.curC; c < s.cols; c++ {
			s.grid[s.curR][c] = ' '
		}
	}
}

func (s *Screen) put(r rune) {
	if s.curC >= s.cols {
		s.lineFeed()
		s.curC = 0
	}
	s.grid[s.curR][s.curC] = r
	s.curC++
}

func (s *Screen) lineFeed() {
	if s.curR == s.rows-1 {
		copy(s.grid, s.grid[1:])
		s.grid[s.rows-1] = blankRow(s.cols)
	} else {
		s.curR++
	}
}

// Cursor returns the current 0-based cursor position.
func (s *Screen) Cursor() (row, col int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.curR, s.curC
}

// Rows renders the visible grid, right-trimmed.
func (s *Screen) Rows() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, s.rows)
	for i, row := range s.grid {
		out[i] = strings.TrimRight(string(row), " ")
	}
	return out
}

func parseParams(s string) []int {
	if s == "" {
		return nil
	}
	s = strings.TrimPrefix(s, "?")
	parts := strings.Split(s, ";")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n := 0
		for _, c := range p {
			if c < '0' || c > '9' {
				n = 0
				break
			}
			n = n*10 + int(c-'0')
		}
		out = append(out, n)
	}
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
