package builtin

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/vtcode-ai/vtcode/internal/vterror"
	"github.com/vtcode-ai/vtcode/internal/workspace"
	"github.com/vtcode-ai/vtcode/pkg/models"
)

// GrepFileTool searches file contents by regular expression. The scan
// runs on the calling goroutine; the pipeline's timeout bounds it.
type GrepFileTool struct {
	Root string

	// MaxMatches caps results (default 200).
	MaxMatches int
}

type grepArgs struct {
	// Pattern is the Go regular expression to search for.
	Pattern string `json:"pattern"`

	// Path is a workspace-relative file or directory (default root).
	Path string `json:"path,omitempty"`

	// CaseInsensitive makes the match case-insensitive.
	CaseInsensitive bool `json:"case_insensitive,omitempty"`
}

type grepMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

// Definition implements tools.Tool.
func (t *GrepFileTool) Definition() models.ToolDefinition {
	return models.ToolDefinition{
		Name:           "grep_file",
		Description:    "Search file contents under a workspace-relative path with a regular expression; returns path, line number, and line text per match.",
		Parameters:     schemaFor(&grepArgs{}),
		Classification: models.ClassReadOnly,
		SandboxPref:    models.SandboxAuto,
	}
}

var grepSkippedDirs = map[string]struct{}{
	".git":         {},
	".vtcode":      {},
	"node_modules": {},
	"target":       {},
	"vendor":       {},
}

// Execute implements tools.Tool.
func (t *GrepFileTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	var in grepArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return "", vterror.Wrap(vterror.KindValidation, "grep_file arguments", err)
	}
	if in.Pattern == "" {
		return "", vterror.New(vterror.KindValidation, "pattern is required")
	}

	pattern := in.Pattern
	if in.CaseInsensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", vterror.Wrap(vterror.KindValidation, "invalid pattern", err)
	}

	start := t.Root
	if in.Path != "" {
		resolved, err := workspace.Resolve(t.Root, in.Path)
		if err != nil {
			return "", vterror.Wrap(vterror.KindValidation, "grep_file path", err)
		}
		start = resolved
	}

	maxMatches := t.MaxMatches
	if maxMatches <= 0 {
		maxMatches = 200
	}

	matches := make([]grepMatch, 0, 32)
	walkErr := filepath.WalkDir(start, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if _, skip := grepSkippedDirs[d.Name()]; skip {
				return filepath.SkipDir
			}
			return nil
		}
		if len(matches) >= maxMatches {
			return filepath.SkipAll
		}
		rel, err := workspace.Rel(t.Root, path)
		if err != nil {
			return nil
		}
		fileMatches, scanErr := scanFile(path, rel, re, maxMatches-len(matches))
		if scanErr != nil {
			return nil
		}
		matches = append(matches, fileMatches...)
		return nil
	})
	if walkErr != nil && ctx.Err() != nil {
		return "", vterror.Wrap(vterror.KindCancelled, "grep cancelled", walkErr)
	}

	payload, err := json.Marshal(matches)
	if err != nil {
		return "", vterror.Wrap(vterror.KindInternal, "encode matches", err)
	}
	return string(payload), nil
}

func scanFile(path, rel string, re *regexp.Regexp, limit int) ([]grepMatch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []grepMatch
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if strings.ContainsRune(line, 0) {
			// Binary file; stop scanning it.
			return out, nil
		}
		if re.MatchString(line) {
			out = append(out, grepMatch{Path: rel, Line: lineNo, Text: line})
			if len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, scanner.Err()
}
