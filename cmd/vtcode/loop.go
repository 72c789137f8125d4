package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/vtcode-ai/vtcode/internal/engine"
)

// runInteractive drives the prompt/turn loop until exit.
func runInteractive(parent context.Context, flags *rootFlags) error {
	sess, err := buildSession(parent, flags, false)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(parent, sess.signals)
	defer stop()
	defer sess.close(ctx)

	reader := bufio.NewReader(os.Stdin)
	fmt.Printf("vtcode · %s · %s\n", sess.cfg.Agent.Provider, sess.cfg.Agent.Model)
	fmt.Println("type a request, or /exit to leave")

	for {
		if sess.signals.Exited() {
			return nil
		}
		fmt.Print("\n> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		input := strings.TrimSpace(line)
		switch input {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		}

		outcome, err := sess.engine.RunTurn(ctx, input)
		switch {
		case err != nil:
			fmt.Fprintln(os.Stderr, renderTurnError(err))
		case outcome == engine.TurnExited:
			return nil
		case outcome == engine.TurnCancelled:
			fmt.Println("turn cancelled")
		}
	}
}

// runOneShot executes exactly one turn and maps its outcome to an
// exit code via the returned error.
func runOneShot(parent context.Context, flags *rootFlags, prompt string, analysis bool) error {
	sess, err := buildSession(parent, flags, analysis)
	if err != nil {
		return err
	}
	ctx, stop := signalContext(parent, sess.signals)
	defer stop()
	defer sess.close(ctx)

	outcome, err := sess.engine.RunTurn(ctx, prompt)
	if err != nil {
		return err
	}
	if outcome != engine.TurnCompleted {
		return &turnOutcomeError{outcome: outcome}
	}
	return nil
}

// renderTurnError formats a titled, one-line error block for printing.
func renderTurnError(err error) string {
	return fmt.Sprintf("turn failed\n  %v", err)
}
