package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a stage failure so callers can branch without string matching.
type Kind string

const (
	KindDataLoad   Kind = "DataLoadError"
	KindConfig     Kind = "ConfigError"
	KindArtifact   Kind = "ArtifactError"
	KindDeployment Kind = "DeploymentError"
	KindExport     Kind = "ExportError"
)

// Error is a typed stage error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with kind and the operation that failed.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf creates a typed error with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first typed error in the chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
