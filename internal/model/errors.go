package model

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies engine failures for callers.
type Kind uint8

const (
	KindSourceCorrupted Kind = iota + 1
	KindConcurrentOperation
	KindChainIntegrity
	KindArchiveIO
	KindInvalidRestoreTarget
	KindDatabaseValidation
	KindNotFound
	KindUnknownStore
)

var kindNames = map[Kind]string{
	KindSourceCorrupted:      "source_corrupted",
	KindConcurrentOperation:  "concurrent_operation_in_progress",
	KindChainIntegrity:       "chain_integrity_violation",
	KindArchiveIO:            "archive_io_failure",
	KindInvalidRestoreTarget: "invalid_restore_target",
	KindDatabaseValidation:   "database_validation_failure",
	KindNotFound:             "not_found",
	KindUnknownStore:         "unknown_store",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Error is the typed failure returned across the engine boundary.
type Error struct {
	Kind    Kind
	Op      string
	JobID   string
	ChainID string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.JobID != "" {
		b.WriteString(" job=")
		b.WriteString(e.JobID)
	}
	if e.ChainID != "" {
		b.WriteString(" chain=")
		b.WriteString(e.ChainID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so the sentinels below work
// with errors.Is regardless of job or chain context.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Fatal marks invariant breaches that must not be retried.
func (e *Error) Fatal() bool { return e.Kind == KindChainIntegrity }

// Retryable marks failures the caller may retry with a fresh job.
func (e *Error) Retryable() bool { return e.Kind == KindArchiveIO }

var (
	ErrSourceCorrupted      = &Error{Kind: KindSourceCorrupted}
	ErrConcurrentOperation  = &Error{Kind: KindConcurrentOperation}
	ErrChainIntegrity       = &Error{Kind: KindChainIntegrity}
	ErrArchiveIO            = &Error{Kind: KindArchiveIO}
	ErrInvalidRestoreTarget = &Error{Kind: KindInvalidRestoreTarget}
	ErrDatabaseValidation   = &Error{Kind: KindDatabaseValidation}
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrUnknownStore         = &Error{Kind: KindUnknownStore}
)

// Errorf builds an *Error of kind k for op with a formatted cause.
func Errorf(k Kind, op string, format string, args ...any) *Error {
	return &Error{Kind: k, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap returns err as an *Error of kind k unless it already is one.
func Wrap(k Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Kind: k, Op: op, Err: err}
}

// WithJob returns a copy carrying job and chain context.
func (e *Error) WithJob(jobID, chainID string) *Error {
	cp := *e
	cp.JobID = jobID
	cp.ChainID = chainID
	return &cp
}

// KindOf returns the kind of err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
