// Package botctl supervises a single detached bot worker that runs inside its
// own runtime directory. It is a thin facade over the internal packages for
// applications embedding the supervisor.
package botctl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	cfg "github.com/loykin/botctl/internal/config"
	"github.com/loykin/botctl/internal/controller"
	"github.com/loykin/botctl/internal/history"
	"github.com/loykin/botctl/internal/metrics"
	"github.com/loykin/botctl/internal/provision"
	iapi "github.com/loykin/botctl/internal/server"
	"github.com/loykin/botctl/internal/supervisor"
)

// Re-export core types for external consumers.

type Config = cfg.Config

type Report = controller.Report

type Snapshot = controller.Snapshot

type Op = controller.Op

type HistorySink = history.Sink

const (
	OpProvision = controller.OpProvision
	OpStart     = controller.OpStart
	OpStop      = controller.OpStop
	OpRefresh   = controller.OpRefresh
)

var (
	ErrBusy           = controller.ErrBusy
	ErrLocked         = controller.ErrLocked
	ErrNotProvisioned = controller.ErrNotProvisioned
)

// DefaultConfig returns the built-in configuration with environment overrides.
func DefaultConfig() *Config { return cfg.Default() }

// LoadConfig reads and validates the TOML file at path.
func LoadConfig(path string) (*Config, error) {
	c, err := cfg.Load(path)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

// Bot owns one worker: its supervisor, provisioner, controller, history
// sinks and resource sampler.
type Bot struct {
	cfg     *Config
	log     *slog.Logger
	sup     *supervisor.Supervisor
	ctl     *controller.Controller
	sinks   []history.Sink
	sampler *metrics.WorkerSampler
	cancel  context.CancelFunc
}

// New wires a Bot from c. Nothing touches the runtime directory until Open.
func New(c *Config, log *slog.Logger) (*Bot, error) {
	if c == nil {
		c = cfg.Default()
	}
	if log == nil {
		log = slog.Default()
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	sh := c.Shell(log)
	so, err := c.SupervisorOptions(log, sh)
	if err != nil {
		return nil, err
	}
	sup := supervisor.New(so)
	prov := provision.New(c.ProvisionOptions(log, sh))
	sinks, err := c.Sinks()
	if err != nil {
		return nil, err
	}
	sampler := metrics.NewWorkerSampler(c.Metrics.Sampler)
	ctl := controller.New(controller.Options{
		Supervisor:     sup,
		Provisioner:    prov,
		Sinks:          sinks,
		Sampler:        sampler,
		StopOnShutdown: c.Runtime.StopOnShutdown,
		HistoryTimeout: c.History.Timeout,
		Logger:         log,
	})
	return &Bot{cfg: c, log: log, sup: sup, ctl: ctl, sinks: sinks, sampler: sampler}, nil
}

// Open claims the runtime directory and starts background sampling.
// It fails with ErrLocked when another controller manages the directory.
func (b *Bot) Open(ctx context.Context) error {
	if err := b.ctl.Acquire(); err != nil {
		return err
	}
	ctx, b.cancel = context.WithCancel(ctx)
	b.sampler.Start(ctx, b.ctl.WorkerPID)
	return nil
}

// Close stops sampling, shuts the controller down and closes history sinks.
// The worker keeps running unless runtime.stop_on_shutdown is set.
func (b *Bot) Close() error {
	if b.cancel != nil {
		b.cancel()
	}
	b.sampler.Stop()
	b.ctl.Shutdown()
	var errs []error
	for _, s := range b.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (b *Bot) Provision() Report  { return b.ctl.Provision() }
func (b *Bot) Start() Report      { return b.ctl.Start() }
func (b *Bot) Stop() Report       { return b.ctl.Stop() }
func (b *Bot) Refresh() Report    { return b.ctl.Refresh() }
func (b *Bot) Snapshot() Snapshot { return b.ctl.Snapshot() }
func (b *Bot) Do(op Op) Report    { return b.ctl.Do(op) }
func (b *Bot) Config() *Config    { return b.cfg }
func (b *Bot) LogPath() string    { return b.sup.LogPath() }

// Controller exposes the underlying controller.
func (b *Bot) Controller() *controller.Controller { return b.ctl }

// ProvisionAndStart provisions and then starts the worker, stopping at the
// first failed step.
func (b *Bot) ProvisionAndStart() Report {
	if rep := b.ctl.Provision(); rep.Failed() || rep.Outcome == controller.OutcomeBusy {
		return rep
	}
	return b.ctl.Start()
}

// Subscribe delivers snapshots with latest-value semantics until cancel.
func (b *Bot) Subscribe() (<-chan Snapshot, func()) { return b.ctl.Subscribe() }

// TailLog returns up to n trailing lines of the worker log.
func (b *Bot) TailLog(n int) ([]string, error) { return supervisor.TailLines(b.sup.LogPath(), n) }

// Handler returns the HTTP API mounted at basePath.
func (b *Bot) Handler(basePath string) http.Handler {
	return iapi.NewRouter(b.ctl, basePath, b.log).Handler()
}

// NewHTTPServer starts an HTTP server exposing the API for this bot.
func (b *Bot) NewHTTPServer(addr, basePath string) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, b.ctl, b.log)
}

// RegisterMetrics registers the controller metrics and, when enabled, the
// worker resource gauges.
func (b *Bot) RegisterMetrics(r prometheus.Registerer) error {
	if err := metrics.Register(r); err != nil {
		return err
	}
	return b.sampler.RegisterMetrics(r)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// NewMetricsServer returns an unstarted server exposing /metrics from the
// default registry.
func NewMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
