package supervisor

import (
	"fmt"
	"strings"
)

// Hooks are shell commands run around start and stop, in the runtime
// directory, through the same executor as provisioning.
type Hooks struct {
	PreStart  []Hook `json:"pre_start" mapstructure:"pre_start"`
	PostStart []Hook `json:"post_start" mapstructure:"post_start"`
	PreStop   []Hook `json:"pre_stop" mapstructure:"pre_stop"`
	PostStop  []Hook `json:"post_stop" mapstructure:"post_stop"`
}

type Hook struct {
	Name        string      `json:"name" mapstructure:"name"`
	Command     string      `json:"command" mapstructure:"command"`
	FailureMode FailureMode `json:"failure_mode" mapstructure:"failure_mode"`
}

// FailureMode defines how a failing hook affects the operation.
type FailureMode string

const (
	FailureModeIgnore FailureMode = "ignore" // log and continue
	FailureModeFail   FailureMode = "fail"   // abort; only meaningful for pre_start
)

type Phase string

const (
	PhasePreStart  Phase = "pre_start"
	PhasePostStart Phase = "post_start"
	PhasePreStop   Phase = "pre_stop"
	PhasePostStop  Phase = "post_stop"
)

func (p Phase) String() string { return string(p) }

// Validate checks names, commands and failure modes across all phases.
func (h *Hooks) Validate() error {
	seen := make(map[string]Phase)
	for _, phase := range []Phase{PhasePreStart, PhasePostStart, PhasePreStop, PhasePostStop} {
		for i, hook := range h.ForPhase(phase) {
			if err := hook.Validate(); err != nil {
				return fmt.Errorf("%s hook %d: %w", phase, i, err)
			}
			if prev, ok := seen[hook.Name]; ok {
				return fmt.Errorf("duplicate hook name %q in %s and %s", hook.Name, prev, phase)
			}
			seen[hook.Name] = phase
		}
	}
	return nil
}

func (h *Hook) Validate() error {
	name := strings.TrimSpace(h.Name)
	if name == "" {
		return fmt.Errorf("hook name is required")
	}
	if strings.ContainsAny(name, " \t\n\r/\\") {
		return fmt.Errorf("hook %q: name contains whitespace or path separators", name)
	}
	if strings.TrimSpace(h.Command) == "" {
		return fmt.Errorf("hook %q requires command", name)
	}
	switch h.FailureMode {
	case "", FailureModeIgnore, FailureModeFail:
	default:
		return fmt.Errorf("hook %q: invalid failure_mode %q, must be ignore or fail", name, h.FailureMode)
	}
	return nil
}

func (h *Hooks) ForPhase(p Phase) []Hook {
	if h == nil {
		return nil
	}
	switch p {
	case PhasePreStart:
		return h.PreStart
	case PhasePostStart:
		return h.PostStart
	case PhasePreStop:
		return h.PreStop
	case PhasePostStop:
		return h.PostStop
	}
	return nil
}

// HookError reports the first failing hook whose mode is fail.
type HookError struct {
	Phase  Phase
	Name   string
	Output string
	Err    error
}

func (e *HookError) Error() string {
	msg := fmt.Sprintf("%s hook %q failed: %v", e.Phase, e.Name, e.Err)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *HookError) Unwrap() error { return e.Err }

// runHooks executes the phase's hooks in order. Failures of ignore-mode
// hooks are logged; the first fail-mode failure stops the phase.
func (s *Supervisor) runHooks(p Phase) error {
	for _, hook := range s.opts.Hooks.ForPhase(p) {
		out := s.opts.Exec.Run(s.layout.Dir, hook.Command)
		if out.OK() {
			s.log.Debug("hook ok", "phase", p, "hook", hook.Name)
			continue
		}
		s.log.Warn("hook failed", "phase", p, "hook", hook.Name, "error", out.Err, "output", out.Trimmed())
		if hook.FailureMode == FailureModeFail {
			return &HookError{Phase: p, Name: hook.Name, Output: out.Trimmed(), Err: out.Err}
		}
	}
	return nil
}
