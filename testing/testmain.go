// Package testing provides utilities for tests running the card engine
// against the simulator.
package testing

import (
	"flag"
	"os"
	"strings"
	"testing"

	"golang.org/x/exp/slog"

	"github.com/d-kato/mbed-gr-libs-sub001/debug"
)

var logLevel = flag.String("sdlog", "", "log engine records at this level to the test log")

// TestMain should be used as TestMain for tests using Logger.
func TestMain(m *testing.M) {
	flag.Parse()
	os.Exit(m.Run())
}

// Logger returns a logger writing to the log of t if the -sdlog flag was
// given, nil otherwise.
func Logger(t testing.TB) *slog.Logger {
	if *logLevel == "" {
		return nil
	}
	opts := &slog.HandlerOptions{Level: debug.ParseLevel(*logLevel)}
	return slog.New(slog.NewTextHandler(tlog{t}, opts))
}

type tlog struct{ t testing.TB }

func (w tlog) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}
