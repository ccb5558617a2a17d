package testutil

import (
	"io"
	"log"
	"strings"
	"testing"
)

type testWriter struct {
	t *testing.T
}

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

// TestLogger returns a logger that reports through t, so output shows up
// next to the test that produced it. Goroutines that outlive the test log
// to io.Discard.
func TestLogger(t *testing.T) *log.Logger {
	logger := log.New(testWriter{t: t}, "[test] ", log.Lmicroseconds)
	t.Cleanup(func() {
		logger.SetOutput(io.Discard)
	})
	return logger
}
