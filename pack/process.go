// pack/process.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package pack

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"

	"github.com/juju/errors"
	u "github.com/mmp/bkchain/util"
)

// Only the tail of a subprocess's output is worth keeping around; tar -v
// on a large tree can produce megabytes.
const (
	maxStdout = 1024
	maxStderr = 8096
)

// ProcessError is returned when a subprocess exits with nonzero status.
type ProcessError struct {
	Cmd      string
	ExitCode int
	Stderr   string
}

func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("%s: exit status %d", e.Cmd, e.ExitCode)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

// tailBuffer is an io.Writer that remembers only the last max bytes
// written to it.
type tailBuffer struct {
	max int
	buf bytes.Buffer
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if len(p) > t.max {
		p = p[len(p)-t.max:]
	}
	if extra := t.buf.Len() + len(p) - t.max; extra > 0 {
		t.buf.Next(extra)
	}
	t.buf.Write(p)
	return n, nil
}

func (t *tailBuffer) String() string {
	return t.buf.String()
}

// RunProcess runs the given command to completion and returns the tail of
// its standard output. A nonzero exit status is reported as a
// *ProcessError carrying the tail of the standard error output.
func RunProcess(log *u.Logger, name string, args ...string) (string, error) {
	cmdline := name + " " + strings.Join(args, " ")
	log.Debug("$ %s", cmdline)

	cmd := exec.Command(name, args...)
	stdout := &tailBuffer{max: maxStdout}
	stderr := &tailBuffer{max: maxStderr}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	if exitErr, ok := err.(*exec.ExitError); ok {
		return stdout.String(), &ProcessError{
			Cmd:      cmdline,
			ExitCode: exitErr.ExitCode(),
			Stderr:   stderr.String(),
		}
	} else if err != nil {
		return "", errors.Annotatef(err, "%s", name)
	}
	return stdout.String(), nil
}
