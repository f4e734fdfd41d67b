// Package provision prepares a worker's runtime directory: template files,
// user configuration and an isolated interpreter environment. Provision is
// idempotent and is meant to run on every application launch.
package provision

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/botctl/internal/layout"
	"github.com/loykin/botctl/internal/shell"
)

// TemplateBundleName is the directory holding the worker's template files
// inside a macOS application bundle's Resources.
const TemplateBundleName = "BotRuntime"

// pendingMarker marks an environment whose dependencies were never
// installed successfully.
const pendingMarker = "pending"

// DefaultFiles is the template file set shipped with the bot.
var DefaultFiles = []string{
	"bot.py",
	"requirements.txt",
	".env",
	".env.example",
	"config.py",
	"codex_client.py",
	"telegram_io.py",
	"skills.py",
}

const (
	DefaultCreateEnv   = "uv venv .venv"
	DefaultInstallDeps = "uv pip install -r requirements.txt"
)

type Options struct {
	Layout      layout.Layout
	TemplateDir string   // empty resolves next to the executable
	Files       []string // relative names inside the template bundle
	CreateEnv   string   // shell command creating the interpreter environment
	InstallDeps string   // shell command installing the manifest
	Exec        shell.Executor
	Logger      *slog.Logger
}

// Ready describes a successful provisioning run.
type Ready struct {
	TemplateDir   string        `json:"template_dir"`
	Copied        []string      `json:"copied"`
	Preserved     []string      `json:"preserved,omitempty"`
	EnvCreated    bool          `json:"env_created"`
	DepsInstalled bool          `json:"deps_installed"`
	Output        string        `json:"output,omitempty"`
	Took          time.Duration `json:"took"`
}

type Provisioner struct {
	opts Options
}

func New(opts Options) *Provisioner {
	opts.Layout = opts.Layout.WithDefaults()
	if opts.Exec == nil {
		opts.Exec = shell.New(opts.Logger)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Files == nil {
		opts.Files = DefaultFiles
	}
	return &Provisioner{opts: opts}
}

// Provision creates or repairs the runtime directory. It writes files only
// and never starts the worker.
func (p *Provisioner) Provision() (Ready, error) {
	began := time.Now()
	l := p.opts.Layout
	log := p.opts.Logger.With("runtime_dir", l.Dir)

	if err := os.MkdirAll(l.Dir, 0o750); err != nil {
		return Ready{}, &Error{Kind: ErrDirectoryCreate, Name: l.Dir, Err: err}
	}

	tmplDir, err := ResolveTemplateDir(p.opts.TemplateDir)
	if err != nil {
		return Ready{}, err
	}
	ready := Ready{TemplateDir: tmplDir}

	secrets := filepath.Clean(l.SecretsFile)
	for _, name := range p.opts.Files {
		src := filepath.Join(tmplDir, name)
		dst := filepath.Join(l.Dir, name)
		if _, err := os.Stat(src); err != nil {
			return Ready{}, &Error{Kind: ErrMissingResource, Name: name, Err: err}
		}
		if filepath.Clean(name) == secrets && exists(dst) {
			// user configuration is never overwritten
			ready.Preserved = append(ready.Preserved, name)
			continue
		}
		if err := copyFile(src, dst); err != nil {
			return Ready{}, &Error{Kind: ErrCopyFailed, Name: name, Err: err}
		}
		ready.Copied = append(ready.Copied, name)
	}
	log.Debug("template files synced", "copied", len(ready.Copied), "preserved", ready.Preserved)

	var outputs []string
	interp := l.InterpreterPath()
	needInstall := false
	if !layout.IsExecutable(interp) {
		if p.opts.CreateEnv != "" {
			log.Info("creating interpreter environment", "command", p.opts.CreateEnv)
			out := p.opts.Exec.Run(l.Dir, p.opts.CreateEnv)
			outputs = append(outputs, out.Trimmed())
			if !out.OK() {
				log.Warn("environment create failed", "error", out.Err)
			}
			ready.EnvCreated = layout.IsExecutable(interp)
			if ready.EnvCreated {
				if err := writeMarker(l.MarkerPath(), pendingMarker); err != nil {
					log.Warn("could not mark environment pending", "error", err)
				}
			}
		}
		needInstall = true
	} else if digest := fileDigest(l.ManifestPath()); digest != "" {
		switch readMarker(l.MarkerPath()) {
		case digest:
		case "":
			// an environment set up elsewhere is only verified, not reinstalled
			log.Info("adopting existing environment", "interpreter", interp)
			if err := writeMarker(l.MarkerPath(), digest); err != nil {
				log.Warn("could not record manifest digest", "error", err)
			}
		default:
			log.Info("dependency manifest changed", "manifest", l.Manifest)
			needInstall = true
		}
	}

	if !layout.IsExecutable(interp) {
		return Ready{}, &Error{Kind: ErrEnvironmentNotReady, Name: interp, Diagnostic: joinOutput(outputs)}
	}

	if needInstall && p.opts.InstallDeps != "" && exists(l.ManifestPath()) {
		log.Info("installing dependencies", "command", p.opts.InstallDeps)
		out := p.opts.Exec.Run(l.Dir, p.opts.InstallDeps)
		outputs = append(outputs, out.Trimmed())
		if !out.OK() {
			return Ready{}, &Error{Kind: ErrEnvironmentNotReady, Name: l.Manifest, Diagnostic: joinOutput(outputs), Err: out.Err}
		}
		if err := writeMarker(l.MarkerPath(), fileDigest(l.ManifestPath())); err != nil {
			log.Warn("could not record manifest digest", "error", err)
		}
		ready.DepsInstalled = true
	}

	ready.Output = joinOutput(outputs)
	ready.Took = time.Since(began)
	log.Info("runtime ready", "env_created", ready.EnvCreated, "deps_installed", ready.DepsInstalled, "took", ready.Took)
	return ready, nil
}

// ResolveTemplateDir returns explicit when set, else the first existing
// template location next to the running executable: the app bundle's
// Contents/Resources/BotRuntime, then <exe dir>/runtime-template.
func ResolveTemplateDir(explicit string) (string, error) {
	if explicit != "" {
		if isDir(explicit) {
			return explicit, nil
		}
		return "", &Error{Kind: ErrTemplateMissing, Name: explicit}
	}
	exe, err := os.Executable()
	if err != nil {
		return "", &Error{Kind: ErrTemplateMissing, Err: err}
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	exeDir := filepath.Dir(exe)
	candidates := []string{
		filepath.Join(exeDir, "..", "Resources", TemplateBundleName),
		filepath.Join(exeDir, "runtime-template"),
	}
	for _, c := range candidates {
		if isDir(c) {
			return filepath.Clean(c), nil
		}
	}
	return "", &Error{Kind: ErrTemplateMissing, Name: strings.Join(candidates, ", ")}
}

// copyFile replaces dst with the contents and permissions of src.
func copyFile(src, dst string) error {
	in, err := os.Open(filepath.Clean(src))
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	fi, err := in.Stat()
	if err != nil {
		return err
	}
	if !fi.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", src)
	}
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, in); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, fi.Mode().Perm()); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

func fileDigest(p string) string {
	f, err := os.Open(filepath.Clean(p))
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}

func readMarker(p string) string {
	b, err := os.ReadFile(filepath.Clean(p))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

func writeMarker(p, digest string) error {
	if digest == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return err
	}
	return os.WriteFile(p, []byte(digest+"\n"), 0o600)
}

func joinOutput(parts []string) string {
	nonEmpty := parts[:0:0]
	for _, s := range parts {
		if s != "" {
			nonEmpty = append(nonEmpty, s)
		}
	}
	return strings.Join(nonEmpty, "\n")
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func isDir(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}
