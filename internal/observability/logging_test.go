package observability

import (
	"bytes"
	"context"
	"strings"
	"testing"
)

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "text", Output: &buf})

	logger.Info(context.Background(), "configured provider",
		"key", "sk-ant-REDACTED")

	out := buf.String()
	if strings.Contains(out, "abcdefghijklmnop") {
		t.Errorf("secret leaked into log output: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("expected redaction marker, got: %s", out)
	}
}

func TestLoggerContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "text", Output: &buf})

	ctx := WithTurn(WithRequestID(context.Background(), "req-9"), 4)
	logger.Info(ctx, "provider call complete")

	out := buf.String()
	if !strings.Contains(out, "request_id=req-9") || !strings.Contains(out, "turn=4") {
		t.Errorf("missing context fields: %s", out)
	}
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})

	logger.Debug(context.Background(), "noise")
	logger.Info(context.Background(), "noise")
	if buf.Len() != 0 {
		t.Errorf("records below warn were emitted: %s", buf.String())
	}

	logger.Warn(context.Background(), "kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Error("warn record missing")
	}
}

func TestDiscardLoggerIsSafe(t *testing.T) {
	Discard().Error(context.Background(), "dropped", "err", "x")
}

func TestMetricsRegistersOnPrivateRegistry(t *testing.T) {
	m1 := NewMetrics()
	m2 := NewMetrics()
	m1.TurnCounter.WithLabelValues("completed").Inc()
	m2.TurnCounter.WithLabelValues("completed").Inc()

	families, err := m1.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Error("no metric families gathered")
	}
}
