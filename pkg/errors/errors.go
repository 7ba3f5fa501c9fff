package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrTransientIO       = errors.New("transient io failure")
	ErrPoisonInput       = errors.New("poison input")
	ErrLedger            = errors.New("ledger failure")
	ErrHandlerFailure    = errors.New("handler failure")
	ErrPermanent         = errors.New("permanent failure")
	ErrInvalidTransition = errors.New("invalid ledger transition")
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrTimeout           = errors.New("operation timed out")
)

// Kind is the error taxonomy used for logging, metrics and retry decisions.
type Kind string

const (
	KindTransientIO      Kind = "transient_io"
	KindPoisonInput      Kind = "poison_input"
	KindLedgerCorruption Kind = "ledger_corruption"
	KindHandlerFailure   Kind = "handler_failure"
	KindPermanent        Kind = "permanent"
	KindUnknown          Kind = "unknown"
)

type AppError struct {
	Err      error
	FilingID string
	Message  string
}

func (e *AppError) Error() string {
	if e.FilingID == "" {
		return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
	}
	return fmt.Sprintf("%s: filing %s: %s", e.Err.Error(), e.FilingID, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, filingID string, message string) *AppError {
	return &AppError{
		Err:      sentinel,
		FilingID: filingID,
		Message:  message,
	}
}

func Newf(sentinel error, filingID string, format string, args ...any) *AppError {
	return &AppError{
		Err:      sentinel,
		FilingID: filingID,
		Message:  fmt.Sprintf(format, args...),
	}
}

// Transient wraps err as ErrTransientIO while keeping the original chain.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransientIO) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrTransientIO, err)
}

// Ledger wraps err as ErrLedger.
func Ledger(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrLedger) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrLedger, err)
}

// KindOf classifies err. Context deadlines count as transient io.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrLedger), errors.Is(err, ErrInvalidTransition):
		return KindLedgerCorruption
	case errors.Is(err, ErrPoisonInput):
		return KindPoisonInput
	case errors.Is(err, ErrPermanent), errors.Is(err, ErrInvalidInput):
		return KindPermanent
	case errors.Is(err, ErrHandlerFailure):
		return KindHandlerFailure
	case errors.Is(err, ErrTransientIO),
		errors.Is(err, ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return KindTransientIO
	default:
		return KindUnknown
	}
}

// IsRetryable reports whether err may succeed on a later attempt.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransientIO, KindHandlerFailure, KindUnknown:
		return true
	default:
		return false
	}
}

func HTTPStatusCode(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrLedger), errors.Is(err, ErrTransientIO), errors.Is(err, ErrTimeout):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
