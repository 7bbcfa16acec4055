package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/mihaimyh/paywall/pkg/paywall"
)

func decode(t *testing.T, line string) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(line), &out); err != nil {
		t.Fatalf("log line is not JSON: %v: %s", err, line)
	}
	return out
}

func TestZerologLogger_Levels(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output))

	logger.Debug("debug message", paywall.Field{Key: "key", Value: "value"})
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	lines := strings.Split(strings.TrimSpace(output.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("Expected 4 log lines, got %d", len(lines))
	}
	for i, want := range []string{"debug", "info", "warn", "error"} {
		if got := decode(t, lines[i])["level"]; got != want {
			t.Errorf("line %d: level = %v, want %s", i, got, want)
		}
	}
}

func TestZerologLogger_LogLevelFiltering(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output).Level(zerolog.WarnLevel))

	// Debug and Info should be filtered out
	logger.Debug("debug message")
	logger.Info("info message")

	if output.Len() != 0 {
		t.Error("Expected debug and info to be filtered out")
	}

	logger.Warn("warn message")
	if output.Len() == 0 {
		t.Error("Expected warn to be logged")
	}
}

func TestZerologLogger_TypedFields(t *testing.T) {
	output := bytes.Buffer{}
	logger := NewLogger(zerolog.New(&output))

	logger.Info("payment succeeded",
		paywall.Field{Key: "transaction_id", Value: "tx_1"},
		paywall.Field{Key: "attempts", Value: 3},
		paywall.Field{Key: "synthesized", Value: true},
		paywall.Field{Key: "error", Value: errors.New("boom")},
		paywall.Field{Key: "at", Value: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
		paywall.Field{Key: "meta", Value: map[string]string{"a": "b"}},
	)

	got := decode(t, output.String())
	if got["message"] != "payment succeeded" {
		t.Errorf("message = %v", got["message"])
	}
	if got["transaction_id"] != "tx_1" {
		t.Errorf("transaction_id = %v", got["transaction_id"])
	}
	if got["attempts"] != float64(3) {
		t.Errorf("attempts = %v", got["attempts"])
	}
	if got["synthesized"] != true {
		t.Errorf("synthesized = %v", got["synthesized"])
	}
	if got["error"] != "boom" {
		t.Errorf("error = %v", got["error"])
	}
	if got["at"] != "2026-01-02T03:04:05Z" {
		t.Errorf("at = %v", got["at"])
	}
	if meta, ok := got["meta"].(map[string]interface{}); !ok || meta["a"] != "b" {
		t.Errorf("meta = %v", got["meta"])
	}
}

func TestNew_Level(t *testing.T) {
	output := bytes.Buffer{}
	logger := New(&output, "WARN")

	logger.Info("hidden")
	if output.Len() != 0 {
		t.Error("Expected info to be filtered at warn level")
	}

	logger.Error("shown")
	got := decode(t, output.String())
	if got["component"] != "paywall" {
		t.Errorf("component = %v", got["component"])
	}
	if _, ok := got["time"]; !ok {
		t.Error("Expected a timestamp")
	}

	fallback := New(&output, "nonsense")
	if fallback.Zerolog().GetLevel() != zerolog.InfoLevel {
		t.Errorf("Expected info fallback, got %s", fallback.Zerolog().GetLevel())
	}
}
