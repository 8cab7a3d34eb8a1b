package debug

import (
	"io"
	"os"

	"golang.org/x/exp/slog"
	"golang.org/x/term"
)

// NewLogger returns a logger writing records of at least level to w. A
// terminal gets human readable text, anything else one JSON object per line.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// ParseLevel converts a level name as accepted by slog.Level.UnmarshalText,
// falling back to info.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}
