package debug

import (
	"bytes"
	"encoding/json"
	"testing"

	"golang.org/x/exp/slog"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, slog.LevelInfo)
	log.Debug("hidden")
	log.Info("mounted", slog.Int("width", 4))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected one json record, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "mounted" || rec["width"] != float64(4) {
		t.Fatalf("unexpected record %v", rec)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"loud":  slog.LevelInfo,
	}
	for s, want := range tests {
		if got := ParseLevel(s); got != want {
			t.Errorf("%q: expected %v, got %v", s, want, got)
		}
	}
}
