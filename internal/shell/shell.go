// Package shell runs short setup commands through a POSIX shell and captures
// their combined output as text.
package shell

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/loykin/botctl/internal/env"
)

// Output is the captured result of one command.
// Text holds stdout and stderr interleaved in arrival order. Err is nil when
// the command exited zero; an *exec.ExitError for a non-zero exit; any other
// error means the shell itself could not be launched.
type Output struct {
	Text string
	Err  error
}

// Trimmed returns Text without surrounding whitespace.
func (o Output) Trimmed() string { return strings.TrimSpace(o.Text) }

// OK reports a zero exit.
func (o Output) OK() bool { return o.Err == nil }

// Executor is a blocking "run command, get text back" primitive.
type Executor interface {
	Run(dir, script string) Output
}

// Shell executes scripts with /bin/sh -c using an environment composed by Env.
type Shell struct {
	Env    *env.Env
	Logger *slog.Logger
}

// New returns a Shell whose PATH is prefixed with env.DefaultPathPrefix.
func New(logger *slog.Logger) *Shell {
	e := env.New()
	e.PathPrefix = env.DefaultPathPrefix
	if logger == nil {
		logger = slog.Default()
	}
	return &Shell{Env: e, Logger: logger}
}

func (s *Shell) Run(dir, script string) Output {
	cmd := getShellCommand(script)
	cmd.Dir = dir
	if s.Env != nil {
		cmd.Env = s.Env.Merge(nil)
	}
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("shell run", "dir", dir, "script", script)
	err := cmd.Run()
	out := Output{Text: buf.String(), Err: err}
	if err != nil {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			logger.Debug("shell exited non-zero", "script", script, "code", ee.ExitCode())
		} else {
			// The shell never ran; surface that as a diagnostic rather than a fault.
			out.Text = fmt.Sprintf("shell failed: %v\n%s", err, out.Text)
			logger.Warn("shell failed to launch", "script", script, "error", err)
		}
	}
	return out
}
