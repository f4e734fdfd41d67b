// Package config loads botctl settings from TOML with viper. Every key has
// a default and can be overridden from the environment as BOTCTL_<SECTION>_<KEY>.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/botctl/internal/detector"
	"github.com/loykin/botctl/internal/env"
	"github.com/loykin/botctl/internal/history"
	"github.com/loykin/botctl/internal/history/factory"
	"github.com/loykin/botctl/internal/layout"
	"github.com/loykin/botctl/internal/logger"
	"github.com/loykin/botctl/internal/metrics"
	"github.com/loykin/botctl/internal/provision"
	"github.com/loykin/botctl/internal/shell"
	"github.com/loykin/botctl/internal/supervisor"
)

// EnvPrefix is prepended to environment overrides.
const EnvPrefix = "BOTCTL"

type Config struct {
	Runtime   RuntimeConfig    `mapstructure:"runtime"`
	Provision ProvisionConfig  `mapstructure:"provision"`
	Env       EnvConfig        `mapstructure:"env"`
	Hooks     supervisor.Hooks `mapstructure:"hooks"`
	Detectors []DetectorEntry  `mapstructure:"detectors"`
	History   HistoryConfig    `mapstructure:"history"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	Server    ServerConfig     `mapstructure:"server"`
	Log       logger.Config    `mapstructure:"log"`
}

type RuntimeConfig struct {
	App            string        `mapstructure:"app"`
	Dir            string        `mapstructure:"dir"`
	Entry          string        `mapstructure:"entry"`
	Manifest       string        `mapstructure:"manifest"`
	Secrets        string        `mapstructure:"secrets"`
	Interpreter    string        `mapstructure:"interpreter"`
	PIDFile        string        `mapstructure:"pidfile"`
	LogFile        string        `mapstructure:"log"`
	Args           []string      `mapstructure:"args"`
	GracePeriod    time.Duration `mapstructure:"grace_period"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout"`
	StopOnShutdown bool          `mapstructure:"stop_on_shutdown"`
}

type ProvisionConfig struct {
	TemplateDir string   `mapstructure:"template_dir"`
	Files       []string `mapstructure:"files"`
	CreateEnv   string   `mapstructure:"create_env"`
	InstallDeps string   `mapstructure:"install_deps"`
}

// EnvConfig shapes the worker's environment. Precedence, lowest first: the
// OS environment (when UseOSEnv), then Files in order, then Vars.
type EnvConfig struct {
	UseOSEnv   bool     `mapstructure:"use_os_env"`
	PathPrefix []string `mapstructure:"path_prefix"`
	Files      []string `mapstructure:"files"`
	Vars       []string `mapstructure:"vars"`
}

type DetectorEntry struct {
	Type    string `mapstructure:"type"`
	Path    string `mapstructure:"path"`
	PID     int    `mapstructure:"pid"`
	Command string `mapstructure:"command"`
}

type HistoryConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	DSN     []string      `mapstructure:"dsn"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type MetricsConfig struct {
	Listen  string                `mapstructure:"listen"`
	Sampler metrics.SamplerConfig `mapstructure:"sampler"`
}

type ServerConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

func setDefaults(v *viper.Viper) {
	dir, _ := layout.DefaultDir(layout.DefaultAppName)
	v.SetDefault("runtime.app", layout.DefaultAppName)
	v.SetDefault("runtime.dir", dir)
	v.SetDefault("runtime.entry", layout.DefaultEntryScript)
	v.SetDefault("runtime.manifest", layout.DefaultManifest)
	v.SetDefault("runtime.secrets", layout.DefaultSecretsFile)
	v.SetDefault("runtime.interpreter", layout.DefaultInterpreter)
	v.SetDefault("runtime.pidfile", layout.DefaultPIDFile)
	v.SetDefault("runtime.log", layout.DefaultLogFile)
	v.SetDefault("runtime.args", []string{})
	v.SetDefault("runtime.grace_period", supervisor.DefaultGracePeriod)
	v.SetDefault("runtime.stop_timeout", supervisor.DefaultStopTimeout)
	v.SetDefault("runtime.stop_on_shutdown", false)

	v.SetDefault("provision.template_dir", "")
	v.SetDefault("provision.files", provision.DefaultFiles)
	v.SetDefault("provision.create_env", provision.DefaultCreateEnv)
	v.SetDefault("provision.install_deps", provision.DefaultInstallDeps)

	v.SetDefault("env.use_os_env", true)
	v.SetDefault("env.path_prefix", env.DefaultPathPrefix)

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.timeout", 5*time.Second)

	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.sampler.enabled", false)
	v.SetDefault("metrics.sampler.interval", 5*time.Second)
	v.SetDefault("metrics.sampler.max_history", 120)

	v.SetDefault("server.listen", "127.0.0.1:8787")
	v.SetDefault("server.base_path", "/api")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", true)
	v.SetDefault("log.time", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Default returns the configuration used when no file is given, with
// environment overrides applied. A malformed override is logged and ignored.
func Default() *Config {
	c, err := decode(newViper())
	if err == nil {
		return c
	}
	slog.Warn("ignoring environment overrides", "error", err)
	v := viper.New()
	setDefaults(v)
	c, _ = decode(v)
	return c
}

// Load reads the TOML file at path on top of the defaults. An empty path
// behaves like Default but reports environment decoding errors.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(expandHome(path))
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	c.Runtime.Dir = expandHome(c.Runtime.Dir)
	c.Provision.TemplateDir = expandHome(c.Provision.TemplateDir)
	c.Log.File = expandHome(c.Log.File)
	for i, f := range c.Env.Files {
		c.Env.Files[i] = expandHome(f)
	}
	return &c, nil
}

// Validate rejects settings the supervisor cannot act on.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Runtime.Dir) == "" {
		errs = append(errs, errors.New("runtime.dir is required"))
	}
	if strings.TrimSpace(c.Runtime.Entry) == "" {
		errs = append(errs, errors.New("runtime.entry is required"))
	}
	if c.Runtime.GracePeriod <= 0 {
		errs = append(errs, fmt.Errorf("runtime.grace_period must be positive, got %s", c.Runtime.GracePeriod))
	}
	if c.Runtime.StopTimeout <= 0 {
		errs = append(errs, fmt.Errorf("runtime.stop_timeout must be positive, got %s", c.Runtime.StopTimeout))
	}

	if len(c.Provision.Files) == 0 {
		errs = append(errs, errors.New("provision.files must list at least one file"))
	}
	files := make(map[string]bool, len(c.Provision.Files))
	for _, f := range c.Provision.Files {
		if err := checkRelative(f); err != nil {
			errs = append(errs, fmt.Errorf("provision.files: %w", err))
			continue
		}
		files[filepath.Clean(f)] = true
	}
	if s := c.Runtime.Secrets; s != "" && !filepath.IsAbs(s) && len(c.Provision.Files) > 0 && !files[filepath.Clean(s)] {
		errs = append(errs, fmt.Errorf("runtime.secrets %q is not in provision.files", s))
	}

	if err := c.Hooks.Validate(); err != nil {
		errs = append(errs, err)
	}
	for i, d := range c.Detectors {
		if _, err := d.build(nil); err != nil {
			errs = append(errs, fmt.Errorf("detectors[%d]: %w", i, err))
		}
	}
	if c.History.Enabled && len(c.History.DSN) == 0 {
		errs = append(errs, errors.New("history.enabled requires at least one history.dsn"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

func checkRelative(name string) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("empty file name")
	}
	if filepath.IsAbs(name) {
		return fmt.Errorf("%q must be relative", name)
	}
	for _, part := range strings.Split(filepath.ToSlash(name), "/") {
		if part == ".." {
			return fmt.Errorf("%q escapes the runtime directory", name)
		}
	}
	return nil
}

// Layout returns the runtime layout described by c.
func (c *Config) Layout() layout.Layout {
	return layout.Layout{
		Dir:         c.Runtime.Dir,
		EntryScript: c.Runtime.Entry,
		Manifest:    c.Runtime.Manifest,
		SecretsFile: c.Runtime.Secrets,
		Interpreter: c.Runtime.Interpreter,
		PIDFile:     c.Runtime.PIDFile,
		LogFile:     c.Runtime.LogFile,
	}.WithDefaults()
}

// WorkerEnv composes the worker environment.
func (c *Config) WorkerEnv() (*env.Env, error) {
	e := env.New()
	e.PathPrefix = c.Env.PathPrefix
	if c.Env.UseOSEnv {
		e.FromOS()
	} else {
		e.Isolate()
	}
	for _, p := range c.Env.Files {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("loading env file %s: %w", p, err)
		}
		e.SetPairs(pairs)
	}
	e.SetPairs(c.Env.Vars)
	return e, nil
}

// Shell returns the executor for setup commands and hooks. It shares the
// worker's PATH prefix but not its variables.
func (c *Config) Shell(log *slog.Logger) *shell.Shell {
	s := shell.New(log)
	s.Env.PathPrefix = c.Env.PathPrefix
	return s
}

// BuildDetectors turns detector entries into detectors.
func (c *Config) BuildDetectors(exec shell.Executor) ([]detector.Detector, error) {
	out := make([]detector.Detector, 0, len(c.Detectors))
	for i, d := range c.Detectors {
		det, err := d.build(exec)
		if err != nil {
			return nil, fmt.Errorf("detectors[%d]: %w", i, err)
		}
		out = append(out, det)
	}
	return out, nil
}

func (d DetectorEntry) build(exec shell.Executor) (detector.Detector, error) {
	switch d.Type {
	case "pidfile":
		if d.Path == "" {
			return nil, errors.New("detector pidfile requires path")
		}
		return detector.PIDFileDetector{PIDFile: expandHome(d.Path)}, nil
	case "pid":
		if d.PID <= 0 {
			return nil, errors.New("detector pid requires positive pid")
		}
		return detector.PIDDetector{PID: d.PID}, nil
	case "command":
		if d.Command == "" {
			return nil, errors.New("detector command requires command")
		}
		return detector.CommandDetector{Command: d.Command, Exec: exec}, nil
	}
	return nil, fmt.Errorf("unknown detector type %q", d.Type)
}

// SupervisorOptions wires a supervisor from c.
func (c *Config) SupervisorOptions(log *slog.Logger, exec shell.Executor) (supervisor.Options, error) {
	e, err := c.WorkerEnv()
	if err != nil {
		return supervisor.Options{}, err
	}
	dets, err := c.BuildDetectors(exec)
	if err != nil {
		return supervisor.Options{}, err
	}
	return supervisor.Options{
		Layout:      c.Layout(),
		Args:        c.Runtime.Args,
		Env:         e,
		GracePeriod: c.Runtime.GracePeriod,
		StopTimeout: c.Runtime.StopTimeout,
		Hooks:       c.Hooks,
		Detectors:   dets,
		Exec:        exec,
		Logger:      log,
	}, nil
}

// ProvisionOptions wires a provisioner from c.
func (c *Config) ProvisionOptions(log *slog.Logger, exec shell.Executor) provision.Options {
	return provision.Options{
		Layout:      c.Layout(),
		TemplateDir: c.Provision.TemplateDir,
		Files:       c.Provision.Files,
		CreateEnv:   c.Provision.CreateEnv,
		InstallDeps: c.Provision.InstallDeps,
		Exec:        exec,
		Logger:      log,
	}
}

// Sinks opens every configured history sink. Nothing is opened when
// history is disabled.
func (c *Config) Sinks() ([]history.Sink, error) {
	if !c.History.Enabled {
		return nil, nil
	}
	sinks := make([]history.Sink, 0, len(c.History.DSN))
	for _, dsn := range c.History.DSN {
		s, err := factory.NewSinkFromDSN(expandHome(dsn))
		if err != nil {
			for _, opened := range sinks {
				closeSink(opened)
			}
			return nil, fmt.Errorf("history sink %s: %w", redact(dsn), err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

func closeSink(s history.Sink) {
	if c, ok := s.(interface{ Close() error }); ok {
		_ = c.Close()
	}
}

// redact hides credentials in a DSN for error messages.
func redact(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	scheme := strings.Index(dsn, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return dsn
	}
	return dsn[:scheme+3] + "***" + dsn[at:]
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	return out, nil
}

// loadEnvFile parses KEY=VALUE lines; an optional "export " prefix and
// surrounding quotes are stripped. Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		if i := strings.IndexByte(line, '='); i > 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
				v = v[1 : len(v)-1]
			}
			m[k] = v
		}
	}
	return m, nil
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
