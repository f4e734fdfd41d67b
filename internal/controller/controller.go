// Package controller is the front-end facing layer over the supervisor. It
// serializes lifecycle operations, guards the runtime directory against a
// second controller, publishes state snapshots to observers and records
// metrics and history for every operation.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/loykin/botctl/internal/history"
	"github.com/loykin/botctl/internal/layout"
	"github.com/loykin/botctl/internal/metrics"
	"github.com/loykin/botctl/internal/provision"
	"github.com/loykin/botctl/internal/supervisor"
)

var (
	// ErrBusy is reported when an operation is requested while another is
	// in flight.
	ErrBusy = errors.New("another operation is in progress")
	// ErrLocked is returned by Acquire when a different controller holds
	// the runtime directory.
	ErrLocked = errors.New("runtime directory is managed by another controller")
	// ErrNotProvisioned refuses Start before a successful Provision.
	ErrNotProvisioned = errors.New("runtime not provisioned")
	// ErrShutdown refuses operations after Shutdown.
	ErrShutdown = errors.New("controller is shut down")
)

// historyBuffer bounds the events queued per sink before record blocks.
const historyBuffer = 64

// Op names a controller operation.
type Op string

const (
	OpProvision Op = "provision"
	OpStart     Op = "start"
	OpStop      Op = "stop"
	OpRefresh   Op = "refresh"
)

// Outcomes beyond the supervisor's protocol strings.
const (
	OutcomeReady = "ready"
	OutcomeBusy  = "busy"
)

// State extends the supervisor's running/stopped with an in-flight marker.
type State string

const (
	StateRunning       State = "running"
	StateStopped       State = "stopped"
	StateTransitioning State = "transitioning"
)

// Report is the result of one controller operation.
type Report struct {
	Op      Op                `json:"op"`
	Outcome string            `json:"outcome"`
	PID     int               `json:"pid,omitempty"`
	Detail  string            `json:"detail,omitempty"`
	Ready   *provision.Ready  `json:"ready,omitempty"`
	Status  supervisor.Status `json:"status"`
	Took    time.Duration     `json:"took"`
	Err     error             `json:"-"`
}

// Failed reports whether the operation did not achieve its goal.
func (r Report) Failed() bool {
	return r.Err != nil || r.Outcome == string(supervisor.OutcomeFailed)
}

// Snapshot is what observers see.
type Snapshot struct {
	State       State            `json:"state"`
	PID         int              `json:"pid,omitempty"`
	DetectedBy  string           `json:"detected_by,omitempty"`
	StartedAt   time.Time        `json:"started_at,omitempty"`
	Ready       *provision.Ready `json:"ready,omitempty"`
	LastOp      Op               `json:"last_op,omitempty"`
	LastOutcome string           `json:"last_outcome,omitempty"`
	Detail      string           `json:"detail,omitempty"`
	LogPath     string           `json:"log_path"`
	Usage       *metrics.Sample  `json:"usage,omitempty"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Provisioner prepares the runtime directory.
type Provisioner interface {
	Provision() (provision.Ready, error)
}

// Supervisor manages the worker process.
type Supervisor interface {
	Start() supervisor.Result
	Stop() supervisor.Result
	Status() supervisor.Status
	LogPath() string
	Layout() layout.Layout
}

type Options struct {
	Supervisor  Supervisor
	Provisioner Provisioner
	Sinks       []history.Sink
	Sampler     *metrics.WorkerSampler
	// StopOnShutdown stops the worker when Shutdown is called.
	StopOnShutdown bool
	HistoryTimeout time.Duration
	Logger         *slog.Logger
}

type Controller struct {
	opts Options
	log  *slog.Logger
	lock *flock.Flock

	inflight sync.Mutex
	shut     bool // guarded by inflight

	mu          sync.Mutex
	snap        Snapshot
	settled     State // last non-transitioning state
	provisioned bool
	subs        map[int]chan Snapshot
	nextSub     int

	qmu    sync.Mutex
	queues []*sinkQueue
	closed bool
}

// sinkQueue delivers events to one sink in the order they were recorded.
type sinkQueue struct {
	sink history.Sink
	ch   chan queued
	done chan struct{}
}

// queued is either an event or, when flushed is set, a flush marker.
type queued struct {
	event   history.Event
	flushed chan struct{}
}

func New(opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.HistoryTimeout <= 0 {
		opts.HistoryTimeout = 5 * time.Second
	}
	c := &Controller{
		opts: opts,
		log:  opts.Logger.With("component", "controller"),
		subs: make(map[int]chan Snapshot),
	}
	c.snap = Snapshot{State: StateStopped, LogPath: opts.Supervisor.LogPath(), UpdatedAt: time.Now()}
	c.settled = StateStopped
	for _, sink := range opts.Sinks {
		q := &sinkQueue{sink: sink, ch: make(chan queued, historyBuffer), done: make(chan struct{})}
		c.queues = append(c.queues, q)
		go c.drain(q)
	}
	return c
}

// Acquire takes the runtime directory lock. It must be held for as long as
// the controller manages the worker.
func (c *Controller) Acquire() error {
	l := c.opts.Supervisor.Layout()
	if err := os.MkdirAll(l.Dir, 0o750); err != nil {
		return fmt.Errorf("creating runtime directory: %w", err)
	}
	lk := flock.New(l.LockPath())
	locked, err := lk.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w (lock held: %s)", ErrLocked, l.LockPath())
	}
	c.mu.Lock()
	c.lock = lk
	c.mu.Unlock()
	c.log.Debug("runtime lock acquired", "path", l.LockPath())
	return nil
}

// Release drops the runtime directory lock. The worker keeps running.
func (c *Controller) Release() {
	c.mu.Lock()
	lk := c.lock
	c.lock = nil
	c.mu.Unlock()
	if lk != nil {
		if err := lk.Unlock(); err != nil {
			c.log.Warn("release runtime lock", "error", err)
		}
	}
}

// Do runs op synchronously.
func (c *Controller) Do(op Op) Report {
	switch op {
	case OpProvision:
		return c.Provision()
	case OpStart:
		return c.Start()
	case OpStop:
		return c.Stop()
	case OpRefresh:
		return c.Refresh()
	}
	return Report{Op: op, Outcome: string(supervisor.OutcomeFailed), Err: fmt.Errorf("unknown operation %q", op)}
}

// Dispatch runs op on a goroutine and delivers its report.
func (c *Controller) Dispatch(op Op) <-chan Report {
	ch := make(chan Report, 1)
	go func() {
		ch <- c.Do(op)
		close(ch)
	}()
	return ch
}

func (c *Controller) Provision() Report {
	return c.run(OpProvision, func() Report {
		ready, err := c.opts.Provisioner.Provision()
		if err != nil {
			// a broken environment blocks start until the next success
			c.mu.Lock()
			c.provisioned = false
			c.mu.Unlock()
			return Report{Outcome: string(supervisor.OutcomeFailed), Detail: err.Error(), Err: err}
		}
		c.mu.Lock()
		c.provisioned = true
		c.snap.Ready = &ready
		c.mu.Unlock()
		return Report{Outcome: OutcomeReady, Ready: &ready}
	})
}

func (c *Controller) Start() Report {
	return c.run(OpStart, func() Report {
		c.mu.Lock()
		ok := c.provisioned
		c.mu.Unlock()
		if !ok {
			return Report{Outcome: string(supervisor.OutcomeFailed), Detail: ErrNotProvisioned.Error(), Err: ErrNotProvisioned}
		}
		res := c.opts.Supervisor.Start()
		return Report{Outcome: string(res.Outcome), PID: res.PID, Detail: res.Detail}
	})
}

func (c *Controller) Stop() Report {
	return c.run(OpStop, c.stop)
}

func (c *Controller) stop() Report {
	res := c.opts.Supervisor.Stop()
	return Report{Outcome: string(res.Outcome), PID: res.PID, Detail: res.Detail}
}

// Refresh re-probes liveness without changing anything.
func (c *Controller) Refresh() Report {
	return c.run(OpRefresh, func() Report { return Report{} })
}

// Snapshot returns the latest published state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// Subscribe returns a channel receiving snapshots with latest-value
// semantics: a slow reader sees the newest state, not every intermediate
// one. The current snapshot is delivered immediately. Call cancel to
// unsubscribe.
func (c *Controller) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 1)
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.snap
	c.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			if _, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(ch)
			}
			c.mu.Unlock()
		})
	}
}

// Shutdown waits for any in-flight operation, optionally stops the worker,
// flushes history and releases the lock. Subscribers are closed and later
// operations fail with ErrShutdown.
func (c *Controller) Shutdown() {
	c.inflight.Lock()
	if c.shut {
		c.inflight.Unlock()
		return
	}
	if c.opts.StopOnShutdown {
		rep := c.stop()
		c.finish(OpStop, rep, time.Now())
	}
	c.shut = true
	c.inflight.Unlock()

	c.qmu.Lock()
	c.closed = true
	for _, q := range c.queues {
		close(q.ch)
	}
	c.qmu.Unlock()
	for _, q := range c.queues {
		<-q.done
	}
	c.Release()

	c.mu.Lock()
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
	c.mu.Unlock()
}

// WorkerPID returns the pid of the running worker, or zero.
func (c *Controller) WorkerPID() int {
	s := c.Snapshot()
	if s.State != StateRunning {
		return 0
	}
	return s.PID
}

func (c *Controller) run(op Op, fn func() Report) Report {
	if !c.inflight.TryLock() {
		metrics.IncBusy()
		c.log.Info("operation rejected, controller busy", "op", op)
		return Report{Op: op, Outcome: OutcomeBusy, Detail: ErrBusy.Error(), Err: ErrBusy, Status: c.currentStatus()}
	}
	defer c.inflight.Unlock()
	if c.shut {
		return Report{Op: op, Outcome: string(supervisor.OutcomeFailed), Detail: ErrShutdown.Error(), Err: ErrShutdown, Status: c.currentStatus()}
	}

	began := time.Now()
	if op != OpRefresh {
		c.update(func(s *Snapshot) {
			s.State = StateTransitioning
			s.LastOp = op
		})
	}
	rep := fn()
	return c.finish(op, rep, began)
}

func (c *Controller) finish(op Op, rep Report, began time.Time) Report {
	rep.Op = op
	rep.Status = c.opts.Supervisor.Status()
	rep.Took = time.Since(began)
	if op == OpRefresh {
		rep.Outcome = string(rep.Status.State)
		rep.PID = rep.Status.PID
	}

	next := StateStopped
	if rep.Status.State == supervisor.StateRunning {
		next = StateRunning
	}
	var prev State
	c.update(func(s *Snapshot) {
		prev = c.settled
		c.settled = next
		s.State = next
		s.PID = rep.Status.PID
		s.DetectedBy = rep.Status.DetectedBy
		s.StartedAt = rep.Status.StartedAt
		s.Usage = c.usage(rep.Status.PID)
		if op != OpRefresh {
			s.LastOp = op
			s.LastOutcome = rep.Outcome
			s.Detail = rep.Detail
		}
	})

	metrics.SetWorkerUp(next == StateRunning)
	metrics.RecordStateTransition(string(prev), string(next))
	if op != OpRefresh {
		metrics.ObserveOperation(string(op), rep.Outcome, rep.Took)
		c.log.Info("operation finished", "op", op, "outcome", rep.Outcome, "pid", rep.PID, "took", rep.Took)
		c.record(op, rep)
	}
	return rep
}

func (c *Controller) usage(pid int) *metrics.Sample {
	if c.opts.Sampler == nil || pid <= 0 {
		return nil
	}
	if s, ok := c.opts.Sampler.Latest(); ok && int(s.PID) == pid {
		return &s
	}
	return nil
}

func (c *Controller) currentStatus() supervisor.Status {
	s := c.Snapshot()
	st := supervisor.StateStopped
	if s.State == StateRunning {
		st = supervisor.StateRunning
	}
	return supervisor.Status{State: st, PID: s.PID, DetectedBy: s.DetectedBy, StartedAt: s.StartedAt}
}

// update mutates the snapshot and publishes it.
func (c *Controller) update(fn func(*Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.snap)
	c.snap.UpdatedAt = time.Now()
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- c.snap:
		default:
		}
	}
}

// record queues the operation for every history sink. Each sink receives
// events in order on its own goroutine; failures are logged and counted,
// never surfaced.
func (c *Controller) record(op Op, rep Report) {
	if len(c.queues) == 0 || op == OpRefresh {
		return
	}
	e := history.Event{
		Type:       history.EventType(op),
		OccurredAt: time.Now(),
		Worker:     c.opts.Supervisor.Layout().EntryScriptPath(),
		PID:        rep.PID,
		Outcome:    rep.Outcome,
		Detail:     rep.Detail,
	}
	c.qmu.Lock()
	defer c.qmu.Unlock()
	if c.closed {
		return
	}
	for _, q := range c.queues {
		q.ch <- queued{event: e}
	}
}

func (c *Controller) drain(q *sinkQueue) {
	defer close(q.done)
	for item := range q.ch {
		if item.flushed != nil {
			close(item.flushed)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.HistoryTimeout)
		if err := q.sink.Send(ctx, item.event); err != nil {
			metrics.IncHistoryError()
			c.log.Warn("history sink failed", "sink", fmt.Sprintf("%T", q.sink), "event", item.event.Type, "error", err)
		}
		cancel()
	}
}

// Flush waits until every event recorded so far has been handed to its sink.
func (c *Controller) Flush() {
	c.qmu.Lock()
	if c.closed {
		c.qmu.Unlock()
		return
	}
	marks := make([]chan struct{}, 0, len(c.queues))
	for _, q := range c.queues {
		m := make(chan struct{})
		q.ch <- queued{flushed: m}
		marks = append(marks, m)
	}
	c.qmu.Unlock()
	for _, m := range marks {
		<-m
	}
}
