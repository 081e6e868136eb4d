// Package testlog adapts github.com/hashicorp/go-hclog output to a
// testing.T so package tests get the same structured logger the rest
// of trackstream uses, with output only surfacing under -v or on
// failure.
package testlog

import (
	"testing"

	"github.com/hashicorp/go-hclog"
)

// HCLogger returns a Logger named after t that writes through t.Log.
func HCLogger(t testing.TB) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   t.Name(),
		Level:  hclog.Trace,
		Output: testWriter{t},
	})
}

type testWriter struct{ t testing.TB }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Logf("%s", p)
	return len(p), nil
}
