package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/botctl/internal/controller"
	"github.com/loykin/botctl/internal/supervisor"
)

const (
	defaultTail = 50
	maxTail     = 1000
)

// Controller is the subset of *controller.Controller the router drives.
type Controller interface {
	Do(op controller.Op) controller.Report
	Snapshot() controller.Snapshot
}

// Router provides embeddable HTTP handlers for the worker.
// Endpoints:
//
//	POST {basePath}/provision
//	POST {basePath}/start
//	POST {basePath}/stop
//	GET  {basePath}/status
//	GET  {basePath}/log?tail=N
//
// Lifecycle endpoints answer 409 while another operation is in flight.
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	ctl      Controller
	basePath string
	log      *slog.Logger
}

// NewRouter constructs a new Router with configurable basePath.
// Example basePath: "/api" results in /api/start, /api/stop, /api/status.
func NewRouter(ctl Controller, basePath string, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{ctl: ctl, basePath: sanitizeBase(basePath), log: log.With("component", "http")}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery(), r.logRequests)
	group := g.Group(r.basePath)
	group.POST("/provision", r.lifecycle(controller.OpProvision))
	group.POST("/start", r.lifecycle(controller.OpStart))
	group.POST("/stop", r.lifecycle(controller.OpStop))
	group.GET("/status", r.handleStatus)
	group.GET("/log", r.handleLog)
	return g
}

// NewServer starts a standalone HTTP server on addr using this router.
func NewServer(addr, basePath string, ctl Controller, log *slog.Logger) (*http.Server, error) {
	r := NewRouter(ctl, basePath, log)
	server := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// start waits out the grace period and stop may escalate to kill
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.log.Error("http server stopped", "addr", addr, "error", err)
		}
	}()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

// ReportResponse is the body of lifecycle endpoints.
type ReportResponse struct {
	controller.Report
	Error string `json:"error,omitempty"`
}

// LogResponse is the body of the log endpoint.
type LogResponse struct {
	Path  string   `json:"path"`
	Lines []string `json:"lines"`
}

func (r *Router) lifecycle(op controller.Op) gin.HandlerFunc {
	return func(c *gin.Context) {
		rep := r.ctl.Do(op)
		resp := ReportResponse{Report: rep}
		if rep.Err != nil {
			resp.Error = rep.Err.Error()
		}
		code := http.StatusOK
		if rep.Outcome == controller.OutcomeBusy {
			code = http.StatusConflict
		}
		writeJSON(c, code, resp)
	}
}

func (r *Router) handleStatus(c *gin.Context) {
	// a busy controller still has a current snapshot to show
	r.ctl.Do(controller.OpRefresh)
	writeJSON(c, http.StatusOK, r.ctl.Snapshot())
}

func (r *Router) handleLog(c *gin.Context) {
	n, err := parseTail(c.Query("tail"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	path := r.ctl.Snapshot().LogPath
	lines, err := supervisor.TailLines(path, n)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if lines == nil {
		lines = []string{}
	}
	writeJSON(c, http.StatusOK, LogResponse{Path: path, Lines: lines})
}

func (r *Router) logRequests(c *gin.Context) {
	began := time.Now()
	c.Next()
	r.log.Debug("request", "method", c.Request.Method, "path", c.Request.URL.Path,
		"status", c.Writer.Status(), "took", time.Since(began))
}

func parseTail(s string) (int, error) {
	if s == "" {
		return defaultTail, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, errInvalidTail
	}
	if n > maxTail {
		n = maxTail
	}
	return n, nil
}
