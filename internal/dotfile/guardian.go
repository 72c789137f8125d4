// Package dotfile decides access to protected configuration files,
// backs them up before confirmed modifications, and records every
// decision in an integrity-chained audit log.
package dotfile

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/vtcode-ai/vtcode/internal/config"
	"github.com/vtcode-ai/vtcode/internal/observability"
)

// AccessType describes the intended operation.
type AccessType string

const (
	AccessRead   AccessType = "read"
	AccessWrite  AccessType = "write"
	AccessDelete AccessType = "delete"
)

// DecisionKind discriminates the guardian's verdict.
type DecisionKind string

const (
	DecisionAllowed               DecisionKind = "allowed"
	DecisionRequiresConfirmation  DecisionKind = "requires_confirmation"
	DecisionRequiresSecondaryAuth DecisionKind = "requires_secondary_auth"
	DecisionBlocked               DecisionKind = "blocked"
	DecisionDenied                DecisionKind = "denied"
)

// ConfirmationRequest carries everything a prompt needs to show.
type ConfirmationRequest struct {
	FilePath         string
	AccessType       AccessType
	ProposedChanges  string
	Initiator        string
	ProtectionReason string
	IsWhitelisted    bool
	Warning          string
}

// Violation explains a block or denial.
type Violation struct {
	FilePath   string
	AccessType AccessType
	Reason     string
	Suggestion string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("dotfile protection: %s (%s): %s", v.FilePath, v.AccessType, v.Reason)
}

// Decision is the guardian verdict; exactly one payload matches Kind.
type Decision struct {
	Kind         DecisionKind
	Confirmation *ConfirmationRequest
	Violation    *Violation
}

// Allowed reports whether the access may proceed without interaction.
func (d Decision) Allowed() bool { return d.Kind == DecisionAllowed }

// Blocked reports whether the access is refused outright.
func (d Decision) Blocked() bool {
	return d.Kind == DecisionBlocked || d.Kind == DecisionDenied
}

// AccessContext describes one access attempt.
type AccessContext struct {
	FilePath        string
	AccessType      AccessType
	Initiator       string
	ProposedChanges string

	// IsAutomated marks accesses made without a user in the loop.
	IsAutomated bool

	// IsCascading marks accesses triggered by another dotfile change.
	IsCascading bool
	TriggeredBy string
}

// builtinSensitive are always-protected name patterns, matched against
// the basename and the leading path segments.
var builtinSensitive = []string{
	".git*",
	".env*",
	".ssh/*",
	".gnupg/*",
	".aws/*",
	".bashrc",
	".zshrc",
	".profile",
	".bash_profile",
	".netrc",
	".npmrc",
}

// Guardian decides access for protected paths. Safe for concurrent use.
type Guardian struct {
	cfg     config.DotfileConfig
	logger  *observability.Logger
	audit   *AuditLog
	backups *BackupStore

	mu       sync.Mutex
	pending  map[string]struct{}
	modified map[string]struct{}
}

// NewGuardian creates a guardian. Audit and backup paths default under
// stateDir when the config leaves them empty.
func NewGuardian(cfg config.DotfileConfig, stateDir string, logger *observability.Logger) (*Guardian, error) {
	if logger == nil {
		logger = observability.Discard()
	}
	auditPath := cfg.AuditLogPath
	if auditPath == "" {
		auditPath = filepath.Join(stateDir, "dotfile-audit.jsonl")
	}
	backupDir := cfg.BackupDir
	if backupDir == "" {
		backupDir = filepath.Join(stateDir, "dotfile-backups")
	}

	audit, err := OpenAuditLog(auditPath)
	if err != nil {
		return nil, err
	}
	return &Guardian{
		cfg:      cfg,
		logger:   logger,
		audit:    audit,
		backups:  NewBackupStore(backupDir, cfg.MaxBackupsPerFile),
		pending:  make(map[string]struct{}),
		modified: make(map[string]struct{}),
	}, nil
}

// IsProtected reports whether a path matches the protected set: any
// dot-leading segment, a built-in sensitive name, or a configured glob.
func (g *Guardian) IsProtected(p string) bool {
	slashed := filepath.ToSlash(p)
	base := path.Base(slashed)

	if strings.HasPrefix(base, ".") {
		return true
	}
	for _, segment := range strings.Split(slashed, "/") {
		if strings.HasPrefix(segment, ".") && segment != "." && segment != ".." {
			return true
		}
	}
	for _, pattern := range g.cfg.ProtectedGlobs {
		if matched, _ := path.Match(pattern, slashed); matched {
			return true
		}
		if matched, _ := path.Match(pattern, base); matched {
			return true
		}
	}
	return false
}

func (g *Guardian) isWhitelisted(p string) bool {
	slashed := filepath.ToSlash(p)
	base := path.Base(slashed)
	for _, pattern := range g.cfg.Whitelist {
		if matched, _ := path.Match(pattern, slashed); matched {
			return true
		}
		if matched, _ := path.Match(pattern, base); matched {
			return true
		}
	}
	return false
}

// RequestAccess evaluates one access attempt. Decisions follow this
// order: disabled/unprotected allow, cascade block, automation block,
// whitelist secondary-auth, explicit confirmation.
func (g *Guardian) RequestAccess(ctx context.Context, ac AccessContext) Decision {
	if !g.cfg.Enabled {
		g.audit.Append(ctx, AuditEntry{Path: ac.FilePath, Access: ac.AccessType, Outcome: OutcomeAllowedUnprotected, Initiator: ac.Initiator})
		return Decision{Kind: DecisionAllowed}
	}
	if !g.IsProtected(ac.FilePath) {
		return Decision{Kind: DecisionAllowed}
	}

	if g.cfg.PreventCascadingModifications && ac.IsCascading {
		violation := &Violation{
			FilePath:   ac.FilePath,
			AccessType: ac.AccessType,
			Reason:     fmt.Sprintf("cascading modification blocked; triggered by %q", ac.TriggeredBy),
			Suggestion: "modify each dotfile independently with explicit confirmation",
		}
		g.audit.Append(ctx, AuditEntry{Path: ac.FilePath, Access: ac.AccessType, Outcome: OutcomeBlocked, Initiator: ac.Initiator, Detail: violation.Reason})
		return Decision{Kind: DecisionBlocked, Violation: violation}
	}

	if g.cfg.BlockDuringAutomation && ac.IsAutomated {
		violation := &Violation{
			FilePath:   ac.FilePath,
			AccessType: ac.AccessType,
			Reason:     fmt.Sprintf("dotfile modification blocked during automated operation (%s)", ac.Initiator),
			Suggestion: "modify dotfiles manually or use explicit commands",
		}
		g.audit.Append(ctx, AuditEntry{Path: ac.FilePath, Access: ac.AccessType, Outcome: OutcomeBlocked, Initiator: ac.Initiator, Detail: violation.Reason})
		return Decision{Kind: DecisionBlocked, Violation: violation}
	}

	req := &ConfirmationRequest{
		FilePath:         ac.FilePath,
		AccessType:       ac.AccessType,
		ProposedChanges:  ac.ProposedChanges,
		Initiator:        ac.Initiator,
		ProtectionReason: g.protectionReason(ac.FilePath),
		IsWhitelisted:    g.isWhitelisted(ac.FilePath),
	}
	if req.ProposedChanges == "" {
		req.ProposedChanges = "no details provided"
	}
	req.Warning = fmt.Sprintf("%s is a protected configuration file; %s", ac.FilePath, req.ProtectionReason)

	g.mu.Lock()
	g.pending[ac.FilePath] = struct{}{}
	g.mu.Unlock()

	if req.IsWhitelisted && g.cfg.RequireSecondaryAuthWhitelist {
		return Decision{Kind: DecisionRequiresSecondaryAuth, Confirmation: req}
	}
	if g.cfg.RequireExplicitConfirmation {
		return Decision{Kind: DecisionRequiresConfirmation, Confirmation: req}
	}

	g.audit.Append(ctx, AuditEntry{Path: ac.FilePath, Access: ac.AccessType, Outcome: OutcomeAllowedUnprotected, Initiator: ac.Initiator})
	return Decision{Kind: DecisionAllowed}
}

// ConfirmModification records user approval: the current content is
// backed up, the access audited, and the path added to the session
// modified set. workspaceAbs is the absolute on-disk path to back up.
func (g *Guardian) ConfirmModification(ctx context.Context, ac AccessContext, workspaceAbs string) error {
	if _, err := g.backups.Backup(workspaceAbs); err != nil {
		g.logger.Warn(ctx, "dotfile backup failed", "path", ac.FilePath, "error", err)
	}
	g.audit.Append(ctx, AuditEntry{Path: ac.FilePath, Access: ac.AccessType, Outcome: OutcomeAllowedWithConfirmation, Initiator: ac.Initiator})

	g.mu.Lock()
	delete(g.pending, ac.FilePath)
	g.modified[ac.FilePath] = struct{}{}
	g.mu.Unlock()
	return nil
}

// RejectModification records user refusal and clears the pending mark.
func (g *Guardian) RejectModification(ctx context.Context, ac AccessContext) {
	g.audit.Append(ctx, AuditEntry{Path: ac.FilePath, Access: ac.AccessType, Outcome: OutcomeDenied, Initiator: ac.Initiator})
	g.mu.Lock()
	delete(g.pending, ac.FilePath)
	g.mu.Unlock()
}

// WouldCascade reports whether another dotfile change is pending, so a
// follow-on dotfile access counts as cascading.
func (g *Guardian) WouldCascade(p string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for pending := range g.pending {
		if pending != p {
			return true
		}
	}
	return false
}

// ModifiedFiles returns the session-modified protected paths.
func (g *Guardian) ModifiedFiles() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.modified))
	for p := range g.modified {
		out = append(out, p)
	}
	return out
}

// ResetSession clears pending and modified tracking.
func (g *Guardian) ResetSession() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = make(map[string]struct{})
	g.modified = make(map[string]struct{})
}

// Audit exposes the audit log for history queries and verification.
func (g *Guardian) Audit() *AuditLog { return g.audit }

// Backups exposes the backup store for restore operations.
func (g *Guardian) Backups() *BackupStore { return g.backups }

func (g *Guardian) protectionReason(p string) string {
	base := path.Base(filepath.ToSlash(p))
	for _, pattern := range builtinSensitive {
		head := strings.TrimSuffix(pattern, "/*")
		if matched, _ := path.Match(pattern, base); matched || strings.Contains(filepath.ToSlash(p), head+"/") {
			switch {
			case strings.HasPrefix(pattern, ".git"):
				return "version-control metadata controls repository integrity"
			case strings.HasPrefix(pattern, ".env"):
				return "environment files commonly hold credentials"
			case strings.HasPrefix(pattern, ".ssh"):
				return "SSH keys grant remote access"
			case strings.HasPrefix(pattern, ".gnupg"):
				return "GnuPG keyrings hold private keys"
			case strings.HasPrefix(pattern, ".aws"):
				return "cloud credentials grant account access"
			case strings.HasPrefix(pattern, ".netrc"):
				return "netrc files hold plaintext passwords"
			default:
				return "shell startup files execute on every login"
			}
		}
	}
	return "dotfiles configure tools and may change system behavior"
}
