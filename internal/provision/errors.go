package provision

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is(err, provision.ErrCopyFailed).
var (
	ErrDirectoryCreate     = errors.New("runtime directory create failed")
	ErrTemplateMissing     = errors.New("template bundle missing")
	ErrMissingResource     = errors.New("missing resource")
	ErrCopyFailed          = errors.New("copy failed")
	ErrEnvironmentNotReady = errors.New("environment not ready")
)

// Error is returned by Provision. Name is the offending file when the kind
// concerns one; Diagnostic carries captured command output.
type Error struct {
	Kind       error
	Name       string
	Diagnostic string
	Err        error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Name != "" {
		msg += " " + e.Name
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Diagnostic != "" {
		msg += ": " + e.Diagnostic
	}
	return msg
}

func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }
