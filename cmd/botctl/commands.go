package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/loykin/botctl"
	"github.com/loykin/botctl/internal/logger"
	"github.com/loykin/botctl/internal/supervisor"
	"github.com/loykin/botctl/pkg/client"
)

type command struct {
	global *GlobalFlags
}

// outcomeError is returned after a failed report was printed so the
// process exits non-zero.
type outcomeError struct {
	op      string
	outcome string
}

func (e *outcomeError) Error() string { return e.op + ": " + e.outcome }

func (c *command) remote() *client.Client {
	if c.global.APIUrl == "" {
		return nil
	}
	return client.New(client.Config{BaseURL: c.global.APIUrl, Timeout: c.global.APITimeout})
}

func (c *command) loadConfig() (*botctl.Config, error) {
	if c.global.ConfigPath == "" {
		cfg := botctl.DefaultConfig()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}
	cfg, err := botctl.LoadConfig(c.global.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	return cfg, nil
}

// local builds a bot for one CLI invocation. claim takes the runtime lock,
// which only mutating commands need. A one-shot bot never stops the worker
// on exit and records no history for read-only commands.
func (c *command) local(ctx context.Context, claim bool) (*botctl.Bot, func(), error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	cfg.Runtime.StopOnShutdown = false
	if !claim {
		cfg.History.Enabled = false
	}
	log, closer, err := logger.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	bot, err := botctl.New(cfg, log)
	if err != nil {
		_ = closer.Close()
		return nil, nil, err
	}
	if claim {
		if err := bot.Open(ctx); err != nil {
			_ = closer.Close()
			if errors.Is(err, botctl.ErrLocked) {
				return nil, nil, fmt.Errorf("%w; a daemon may be running, retry with --api-url", err)
			}
			return nil, nil, err
		}
	}
	return bot, func() {
		if err := bot.Close(); err != nil {
			log.Warn("closing history sinks", "error", err)
		}
		_ = closer.Close()
	}, nil
}

func (c *command) Provision(cmd *cobra.Command) error {
	if api := c.remote(); api != nil {
		rep, err := api.Provision(cmd.Context())
		return printRemote(cmd.OutOrStdout(), "provision", rep, err)
	}
	bot, done, err := c.local(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer done()
	return printReport(cmd.OutOrStdout(), bot.Provision())
}

func (c *command) Start(cmd *cobra.Command) error {
	if api := c.remote(); api != nil {
		rep, err := api.Provision(cmd.Context())
		if err != nil || rep.Failed() {
			return printRemote(cmd.OutOrStdout(), "provision", rep, err)
		}
		rep, err = api.Start(cmd.Context())
		return printRemote(cmd.OutOrStdout(), "start", rep, err)
	}
	bot, done, err := c.local(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer done()
	return printReport(cmd.OutOrStdout(), bot.ProvisionAndStart())
}

func (c *command) Stop(cmd *cobra.Command) error {
	if api := c.remote(); api != nil {
		rep, err := api.Stop(cmd.Context())
		return printRemote(cmd.OutOrStdout(), "stop", rep, err)
	}
	bot, done, err := c.local(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer done()
	return printReport(cmd.OutOrStdout(), bot.Stop())
}

func (c *command) Status(cmd *cobra.Command, f StatusFlags) error {
	if f.Interval <= 0 {
		f.Interval = 2 * time.Second
	}
	if api := c.remote(); api != nil {
		return c.remoteStatus(cmd, api, f)
	}
	bot, done, err := c.local(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer done()

	bot.Refresh()
	if !f.Watch {
		printJSON(cmd.OutOrStdout(), bot.Snapshot())
		return nil
	}
	ch, cancel := bot.Subscribe()
	defer cancel()
	ticker := time.NewTicker(f.Interval)
	defer ticker.Stop()
	var last string
	for {
		select {
		case <-cmd.Context().Done():
			return nil
		case <-ticker.C:
			bot.Refresh()
		case snap, ok := <-ch:
			if !ok {
				return nil
			}
			key := fmt.Sprintf("%s/%d/%s/%s", snap.State, snap.PID, snap.LastOp, snap.LastOutcome)
			if key != last {
				last = key
				printJSON(cmd.OutOrStdout(), snap)
			}
		}
	}
}

func (c *command) remoteStatus(cmd *cobra.Command, api *client.Client, f StatusFlags) error {
	var last string
	for {
		snap, err := api.Status(cmd.Context())
		if err != nil {
			if cmd.Context().Err() != nil {
				return nil
			}
			return err
		}
		key := fmt.Sprintf("%s/%d/%s/%s", snap.State, snap.PID, snap.LastOp, snap.LastOutcome)
		if key != last {
			last = key
			printJSON(cmd.OutOrStdout(), snap)
		}
		if !f.Watch {
			return nil
		}
		select {
		case <-cmd.Context().Done():
			return nil
		case <-time.After(f.Interval):
		}
	}
}

func (c *command) Logs(cmd *cobra.Command, f LogsFlags) error {
	var (
		path  string
		lines []string
	)
	if api := c.remote(); api != nil {
		tail, err := api.Log(cmd.Context(), f.Tail)
		if err != nil {
			return err
		}
		path, lines = tail.Path, tail.Lines
	} else {
		cfg, err := c.loadConfig()
		if err != nil {
			return err
		}
		path = cfg.Layout().LogPath()
		if lines, err = supervisor.TailLines(path, f.Tail); err != nil {
			return err
		}
	}
	if f.Open {
		return openInViewer(path)
	}
	out := cmd.OutOrStdout()
	for _, l := range lines {
		_, _ = fmt.Fprintln(out, l)
	}
	return nil
}

func (c *command) Serve(cmd *cobra.Command, f ServeFlags) error {
	cfg, err := c.loadConfig()
	if err != nil {
		return err
	}
	if f.Listen != "" {
		cfg.Server.Listen = f.Listen
	}
	if f.BasePath != "" {
		cfg.Server.BasePath = f.BasePath
	}
	if f.MetricsListen != "" {
		cfg.Metrics.Listen = f.MetricsListen
	}
	log, closer, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	ctx := cmd.Context()
	bot, err := botctl.New(cfg, log)
	if err != nil {
		return err
	}
	if err := bot.Open(ctx); err != nil {
		return err
	}
	defer func() {
		if err := bot.Close(); err != nil {
			log.Warn("closing history sinks", "error", err)
		}
	}()

	var metricsSrv *http.Server
	if cfg.Metrics.Listen != "" {
		if err := bot.RegisterMetrics(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("registering metrics: %w", err)
		}
		metricsSrv = botctl.NewMetricsServer(cfg.Metrics.Listen)
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server stopped", "addr", cfg.Metrics.Listen, "error", err)
			}
		}()
		log.Info("metrics listening", "addr", cfg.Metrics.Listen)
	}

	// a failed provision leaves the API up so the next request can retry
	if rep := bot.Provision(); rep.Failed() {
		log.Error("provision failed", "detail", rep.Detail)
	} else if f.AutoStart {
		bot.Start()
	}

	srv, err := bot.NewHTTPServer(cfg.Server.Listen, cfg.Server.BasePath)
	if err != nil {
		return err
	}
	log.Info("api listening", "addr", cfg.Server.Listen, "base_path", cfg.Server.BasePath)

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("api shutdown", "error", err)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}

func printReport(w io.Writer, rep botctl.Report) error {
	out := struct {
		botctl.Report
		Error string `json:"error,omitempty"`
	}{Report: rep}
	if rep.Err != nil {
		out.Error = rep.Err.Error()
	}
	printJSON(w, out)
	if rep.Failed() {
		return &outcomeError{op: string(rep.Op), outcome: rep.Outcome}
	}
	return nil
}

func printRemote(w io.Writer, op string, rep client.Report, err error) error {
	if err != nil && !errors.Is(err, client.ErrBusy) {
		return err
	}
	printJSON(w, rep)
	if err != nil {
		return err
	}
	if rep.Failed() {
		return &outcomeError{op: op, outcome: rep.Outcome}
	}
	return nil
}

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

func openInViewer(path string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", path)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", "", path)
	default:
		cmd = exec.Command("xdg-open", path)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	slog.Debug("opened log viewer", "path", path)
	return cmd.Process.Release()
}
