package client

import "time"

// Report is the result of a lifecycle operation as returned by the daemon.
type Report struct {
	Op      string        `json:"op"`
	Outcome string        `json:"outcome"`
	PID     int           `json:"pid,omitempty"`
	Detail  string        `json:"detail,omitempty"`
	Ready   *Ready        `json:"ready,omitempty"`
	Status  WorkerStatus  `json:"status"`
	Took    time.Duration `json:"took"`
	Error   string        `json:"error,omitempty"`
}

// Failed reports whether the operation did not achieve its goal.
func (r Report) Failed() bool {
	return r.Error != "" || r.Outcome == "failed"
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

// WorkerStatus is the supervisor's view of the worker.
type WorkerStatus struct {
	State      string    `json:"state"`
	PID        int       `json:"pid,omitempty"`
	DetectedBy string    `json:"detected_by,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
}

// Usage is the latest resource sample of the worker.
type Usage struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryMB   float64   `json:"memory_mb"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// Snapshot is the controller state served by the status endpoint.
type Snapshot struct {
	State       string    `json:"state"`
	PID         int       `json:"pid,omitempty"`
	DetectedBy  string    `json:"detected_by,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	Ready       *Ready    `json:"ready,omitempty"`
	LastOp      string    `json:"last_op,omitempty"`
	LastOutcome string    `json:"last_outcome,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	LogPath     string    `json:"log_path"`
	Usage       *Usage    `json:"usage,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// LogTail holds the trailing lines of the worker log.
type LogTail struct {
	Path  string   `json:"path"`
	Lines []string `json:"lines"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
