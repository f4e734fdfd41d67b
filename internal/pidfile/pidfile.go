// Package pidfile persists the identifier of the managed worker process.
package pidfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Store reads and writes a PID file holding a single decimal integer.
type Store struct {
	Path string
}

func New(path string) *Store { return &Store{Path: path} }

// Write replaces the file contents with pid. The value is written to a
// temporary sibling and renamed into place so readers never see a partial
// number.
func (s *Store) Write(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	dir := filepath.Dir(s.Path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create pid dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.Path)+".*")
	if err != nil {
		return fmt.Errorf("create temp pid file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(strconv.Itoa(pid)); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write pid file %s: %w", s.Path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close pid file %s: %w", s.Path, err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("chmod pid file %s: %w", s.Path, err)
	}
	if err := os.Rename(tmpName, s.Path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename pid file %s: %w", s.Path, err)
	}
	return nil
}

// Read returns the recorded pid. Absent, empty, unparsable and non-positive
// contents all mean "no known record".
func (s *Store) Read() (int, bool) {
	b, err := os.ReadFile(s.Path)
	if err != nil {
		return 0, false
	}
	return Parse(b)
}

// Parse extracts a pid from PID file contents. Only the first line counts.
func Parse(b []byte) (int, bool) {
	first, _, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// Clear removes the file; a missing file is not an error.
func (s *Store) Clear() error {
	if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pid file %s: %w", s.Path, err)
	}
	return nil
}
