package ingest

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies ingestion failures.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindDuplicate   Kind = "duplicate"
	KindParse       Kind = "parse"
	KindEnrichment  Kind = "enrichment"
	KindPersistence Kind = "persistence"
	KindTimeout     Kind = "timeout"
)

// Bundle validation failures wrap one of these.
var (
	ErrMissingRequiredFile = errors.New("missing required file")
	ErrUnreadablePath      = errors.New("unreadable path")
	ErrUnsupportedFileType = errors.New("unsupported file type")
)

type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// wrap tags err with kind, promoting deadline overruns to KindTimeout.
func wrap(kind Kind, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Op: op, Err: err}
}
