package trackerr

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// Kind classifies failures so callers can choose a retry policy without
// looking at transport details.
type Kind string

const (
	KindNotFound           Kind = "NOT_FOUND"
	KindRateLimited        Kind = "RATE_LIMITED"
	KindTransient          Kind = "TRANSIENT"
	KindInvalidInput       Kind = "INVALID_INPUT"
	KindClassificationMiss Kind = "CLASSIFICATION_MISS"
	KindInternal           Kind = "INTERNAL"
)

type Error struct {
	Kind    Kind
	Message string
	// Cooldown is the provider hint attached to RATE_LIMITED errors.
	Cooldown time.Duration
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func InvalidInput(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidInput, Message: fmt.Sprintf(format, args...)}
}

func RateLimited(cooldown time.Duration, msg string) *Error {
	return &Error{Kind: KindRateLimited, Message: msg, Cooldown: cooldown}
}

func Transient(err error, msg string) *Error {
	return &Error{Kind: KindTransient, Message: msg, Err: err}
}

func ClassificationMiss(raw string) *Error {
	return &Error{Kind: KindClassificationMiss, Message: fmt.Sprintf("unrecognized carrier status %q", raw)}
}

func Internal(err error, msg string) *Error {
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

// KindOf returns the kind of the first *Error in the chain, or INTERNAL.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindTransient:
		return true
	default:
		return false
	}
}

func CooldownOf(err error) time.Duration {
	var te *Error
	if errors.As(err, &te) {
		return te.Cooldown
	}
	return 0
}

// FromTransport maps a failed HTTP round trip. Timeouts, refused and reset
// connections are transient; a cancelled caller context is reported as is.
func FromTransport(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return errors.Wrap(err, msg)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient(err, msg+": timeout")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient(err, msg+": timeout")
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return Transient(err, msg+": connection failed")
	}
	return Transient(err, msg)
}

// HTTPStatus maps a kind to the status code used by the HTTP surface.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case "":
		return http.StatusOK
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
