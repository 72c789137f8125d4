// Package main provides the CLI entry point for the vtcode agent turn
// engine.
//
// # Basic Usage
//
// Start the interactive loop:
//
//	vtcode run
//
// Run a single turn:
//
//	vtcode ask "explain the build failure"
//
// Restore a checkpoint:
//
//	vtcode revert --turn 3 --scope both
//
// # Environment Variables
//
//   - WORKSPACE_DIR: default workspace when --workspace is omitted
//   - ANTHROPIC_API_KEY (and friends): provider keys, named in config
//   - HARMONY_INFERENCE_SERVER_URL: Harmony-format model endpoint
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/vtcode-ai/vtcode/internal/engine"
	"github.com/vtcode-ai/vtcode/internal/vterror"
)

// Exit codes.
const (
	exitOK       = 0
	exitCancel   = 2
	exitPolicy   = 3
	exitProvider = 4
	exitInternal = 5
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "vtcode:", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps the failure taxonomy onto documented exit codes.
func exitCodeFor(err error) int {
	var outcomeErr *turnOutcomeError
	if errors.As(err, &outcomeErr) {
		switch outcomeErr.outcome {
		case engine.TurnCancelled, engine.TurnExited:
			return exitCancel
		}
	}
	switch vterror.KindOf(err) {
	case vterror.KindCancelled:
		return exitCancel
	case vterror.KindPolicy, vterror.KindPermission, vterror.KindValidation:
		return exitPolicy
	case vterror.KindProvider, vterror.KindAuthentication, vterror.KindNetwork, vterror.KindRateLimit:
		return exitProvider
	default:
		return exitInternal
	}
}

// turnOutcomeError carries a non-completed outcome to the exit-code
// mapping.
type turnOutcomeError struct {
	outcome engine.TurnOutcome
}

func (e *turnOutcomeError) Error() string {
	return "turn ended: " + string(e.outcome)
}
