// util/util_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestFmtBytes(t *testing.T) {
	for n, s := range map[int64]string{
		0:                      "0 B",
		1024:                   "1024 B",
		1536:                   "1.50 kiB",
		3 * 1024 * 1024 / 2:    "1.50 MiB",
		5 * 1024 * 1024 * 1024: "5.00 GiB",
		2 << 40:                "2.00 TiB",
	} {
		if got := FmtBytes(n); got != s {
			t.Errorf("%d: got %q, expected %q", n, got, s)
		}
	}
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	log := NewLoggerTo(&buf, false, false)
	log.Verbose("hidden verbose")
	log.Debug("hidden debug")
	log.Print("shown %d", 1)
	log.Warning("careful")
	log.Error("broken")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("suppressed output printed: %q", out)
	}
	for _, s := range []string{"shown 1\n", "careful\n", "broken\n"} {
		if !strings.Contains(out, s) {
			t.Errorf("%q missing from %q", s, out)
		}
	}
	// Lines are prefixed with the caller.
	if !strings.HasPrefix(out, "util/util_test.go:") {
		t.Errorf("unexpected prefix: %q", out)
	}
	if log.Errors() != 1 {
		t.Errorf("%d errors counted", log.Errors())
	}

	buf.Reset()
	log = NewLoggerTo(&buf, true, true)
	log.Verbose("v")
	log.Debug("d")
	if strings.Count(buf.String(), "\n") != 2 {
		t.Errorf("verbose and debug output missing: %q", buf.String())
	}
}

func TestNilLogger(t *testing.T) {
	var log *Logger
	if log.Errors() != 0 {
		t.Errorf("nil logger has errors")
	}
	// Must not panic.
	log.CheckError(nil)
}

func TestReportingReader(t *testing.T) {
	var buf bytes.Buffer
	r := &ReportingReader{
		R:     io.NopCloser(strings.NewReader(strings.Repeat("x", 25))),
		Msg:                    "reading",
		Log:   NewLoggerTo(&buf, true, false),
		Every: 10,
	}
	b, err := io.ReadAll(r)
	if err != nil || len(b) != 25 {
		t.Fatalf("read %d, %v", len(b), err)
	}
	if r.BytesRead() != 25 {
		t.Errorf("BytesRead %d", r.BytesRead())
	}
	if err := r.Close(); err != nil {
		t.Error(err)
	}
	if !strings.Contains(buf.String(), "Finished. reading 25 B") {
		t.Errorf("no final report in %q", buf.String())
	}
}
