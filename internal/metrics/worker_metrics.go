package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// Sample is one resource reading of the worker process.
type Sample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Timestamp  time.Time `json:"timestamp"`
}

type SamplerConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	MaxHistory int           `mapstructure:"max_history"`
}

// WorkerSampler periodically reads CPU and memory of the current worker pid
// and exports them as gauges. It keeps a bounded history of samples.
type WorkerSampler struct {
	enabled    bool
	interval   time.Duration
	maxHistory int

	mu      sync.RWMutex
	history []Sample
	proc    *process.Process // reused so CPUPercent has a previous reading
	label   string           // pid label of the exported series

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryMB   *prometheus.GaugeVec
	numThreads *prometheus.GaugeVec
	numFDs     *prometheus.GaugeVec
}

func NewWorkerSampler(cfg SamplerConfig) *WorkerSampler {
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 120
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "botctl",
			Subsystem: "worker",
			Name:      name,
			Help:      help,
		}, []string{"pid"})
	}
	return &WorkerSampler{
		enabled:    cfg.Enabled,
		interval:   cfg.Interval,
		maxHistory: cfg.MaxHistory,
		stopCh:     make(chan struct{}),
		cpuPercent: gauge("cpu_percent", "CPU usage percentage of the worker."),
		memoryMB:   gauge("memory_mb", "Resident memory of the worker in MB."),
		numThreads: gauge("num_threads", "Threads of the worker."),
		numFDs:     gauge("num_fds", "Open file descriptors of the worker (Unix only)."),
	}
}

func (s *WorkerSampler) Enabled() bool { return s.enabled }

// RegisterMetrics registers the worker gauges with r.
func (s *WorkerSampler) RegisterMetrics(r prometheus.Registerer) error {
	if !s.enabled {
		return nil
	}
	cs := []prometheus.Collector{s.cpuPercent, s.memoryMB, s.numThreads}
	if runtime.GOOS != "windows" {
		cs = append(cs, s.numFDs)
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples pidFn every interval until ctx is done or Stop is called.
// A pid of zero means no worker; gauges are cleared.
func (s *WorkerSampler) Start(ctx context.Context, pidFn func() int) {
	if !s.enabled {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.Collect(pidFn())
			}
		}
	}()
}

func (s *WorkerSampler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// Collect takes one sample of pid.
func (s *WorkerSampler) Collect(pid int) {
	if pid <= 0 {
		s.reset()
		return
	}
	sample, err := s.read(int32(pid))
	if err != nil {
		slog.Debug("worker sample failed", "pid", pid, "error", err)
		s.reset()
		return
	}
	label := fmt.Sprint(pid)
	s.mu.Lock()
	prev := s.label
	s.label = label
	s.mu.Unlock()
	if prev != "" && prev != label {
		s.drop(prev)
	}
	s.cpuPercent.WithLabelValues(label).Set(sample.CPUPercent)
	s.memoryMB.WithLabelValues(label).Set(sample.MemoryMB)
	s.numThreads.WithLabelValues(label).Set(float64(sample.NumThreads))
	if runtime.GOOS != "windows" && sample.NumFDs > 0 {
		s.numFDs.WithLabelValues(label).Set(float64(sample.NumFDs))
	}

	s.mu.Lock()
	s.history = append(s.history, sample)
	if over := len(s.history) - s.maxHistory; over > 0 {
		s.history = append(s.history[:0], s.history[over:]...)
	}
	s.mu.Unlock()
}

func (s *WorkerSampler) read(pid int32) (Sample, error) {
	s.mu.Lock()
	if s.proc == nil || s.proc.Pid != pid {
		p, err := process.NewProcess(pid)
		if err != nil {
			s.mu.Unlock()
			return Sample{}, fmt.Errorf("failed to create process handle: %w", err)
		}
		s.proc = p
	}
	proc := s.proc
	s.mu.Unlock()

	cpu, err := proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	mem, err := proc.MemoryInfo()
	if err != nil {
		return Sample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	threads, _ := proc.NumThreads()
	out := Sample{
		PID:        pid,
		CPUPercent: cpu,
		MemoryMB:   float64(mem.RSS) / 1024 / 1024,
		MemoryRSS:  mem.RSS,
		NumThreads: threads,
		Timestamp:  time.Now(),
	}
	if runtime.GOOS != "windows" {
		if fds, err := proc.NumFDs(); err == nil {
			out.NumFDs = fds
		}
	}
	return out, nil
}

// drop deletes the series of a worker that is no longer sampled.
func (s *WorkerSampler) drop(label string) {
	for _, g := range []*prometheus.GaugeVec{s.cpuPercent, s.memoryMB, s.numThreads, s.numFDs} {
		g.DeleteLabelValues(label)
	}
}

func (s *WorkerSampler) reset() {
	s.cpuPercent.Reset()
	s.memoryMB.Reset()
	s.numThreads.Reset()
	s.numFDs.Reset()
	s.mu.Lock()
	s.proc = nil
	s.label = ""
	s.mu.Unlock()
}

// Latest returns the newest sample, if any.
func (s *WorkerSampler) Latest() (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.history) == 0 {
		return Sample{}, false
	}
	return s.history[len(s.history)-1], true
}

// History returns a copy of the retained samples, oldest first.
func (s *WorkerSampler) History() []Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Sample(nil), s.history...)
}
