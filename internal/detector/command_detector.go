package detector

import (
	"errors"
	"os/exec"
	"strings"

	"github.com/loykin/botctl/internal/shell"
)

// CommandDetector runs a command that should succeed if the worker is running.
type CommandDetector struct {
	Command string
	Exec    shell.Executor // nil uses a default shell
}

func (d CommandDetector) Alive() (bool, error) {
	if strings.TrimSpace(d.Command) == "" {
		return false, errors.New("empty detector command")
	}
	ex := d.Exec
	if ex == nil {
		ex = shell.New(nil)
	}
	out := ex.Run("", d.Command)
	if out.OK() {
		return true, nil
	}
	var ee *exec.ExitError
	if errors.As(out.Err, &ee) {
		// non-zero exit code means not alive
		return false, nil
	}
	return false, out.Err
}

func (d CommandDetector) Describe() string { return "cmd:" + d.Command }
