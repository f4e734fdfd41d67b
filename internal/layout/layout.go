// Package layout derives the paths inside a worker's runtime directory.
package layout

import (
	"os"
	"path/filepath"
)

// Default file names inside the runtime directory.
const (
	DefaultEntryScript = "bot.py"
	DefaultManifest    = "requirements.txt"
	DefaultSecretsFile = ".env"
	DefaultInterpreter = ".venv/bin/python"
	DefaultPIDFile     = "bot.pid"
	DefaultLogFile     = "bot.log"
	DefaultAppName     = "BotControl"

	// LockFile is held by a controller for as long as it manages the directory.
	LockFile = ".botctl.lock"
	// ManifestMarker records the digest of the last installed manifest,
	// relative to the interpreter environment root.
	ManifestMarker = ".botctl-manifest"
)

// Layout names every path the supervisor touches. Relative fields are
// resolved against Dir; absolute ones are used as given.
type Layout struct {
	Dir         string
	EntryScript string
	Manifest    string
	SecretsFile string
	Interpreter string
	PIDFile     string
	LogFile     string
}

// DefaultDir returns <user config dir>/<app>/runtime, which on macOS is
// ~/Library/Application Support/<app>/runtime.
func DefaultDir(app string) (string, error) {
	if app == "" {
		app = DefaultAppName
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, app, "runtime"), nil
}

// WithDefaults fills empty names with the defaults above.
func (l Layout) WithDefaults() Layout {
	if l.EntryScript == "" {
		l.EntryScript = DefaultEntryScript
	}
	if l.Manifest == "" {
		l.Manifest = DefaultManifest
	}
	if l.SecretsFile == "" {
		l.SecretsFile = DefaultSecretsFile
	}
	if l.Interpreter == "" {
		l.Interpreter = DefaultInterpreter
	}
	if l.PIDFile == "" {
		l.PIDFile = DefaultPIDFile
	}
	if l.LogFile == "" {
		l.LogFile = DefaultLogFile
	}
	return l
}

func (l Layout) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(l.Dir, p)
}

func (l Layout) EntryScriptPath() string { return l.resolve(l.EntryScript) }
func (l Layout) ManifestPath() string    { return l.resolve(l.Manifest) }
func (l Layout) SecretsPath() string     { return l.resolve(l.SecretsFile) }
func (l Layout) InterpreterPath() string { return l.resolve(l.Interpreter) }
func (l Layout) PIDPath() string         { return l.resolve(l.PIDFile) }
func (l Layout) LogPath() string         { return l.resolve(l.LogFile) }
func (l Layout) LockPath() string        { return filepath.Join(l.Dir, LockFile) }

// EnvRoot is the interpreter environment directory: two levels above the
// interpreter binary (".venv" for ".venv/bin/python").
func (l Layout) EnvRoot() string {
	return filepath.Dir(filepath.Dir(l.InterpreterPath()))
}

// MarkerPath is where the installed manifest digest is kept.
func (l Layout) MarkerPath() string {
	return filepath.Join(l.EnvRoot(), ManifestMarker)
}

// IsExecutable reports whether p is a regular file with an execute bit set.
func IsExecutable(p string) bool {
	fi, err := os.Stat(p)
	if err != nil || !fi.Mode().IsRegular() {
		return false
	}
	return fi.Mode().Perm()&0o111 != 0
}
