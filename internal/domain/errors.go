package domain

import (
	"context"
	"errors"
	"net"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyExists     = errors.New("already exists")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrNetwork           = errors.New("network failure")
	ErrClient            = errors.New("client request rejected")
	ErrShapeMismatch     = errors.New("unexpected payload shape")
	ErrValidation        = errors.New("validation failed")
	ErrEnrichment        = errors.New("wallet enrichment failed")
	ErrSessionSuperseded = errors.New("trade session superseded")
	ErrTradeCancelled    = errors.New("trade cancelled")
	ErrClosed            = errors.New("closed")
)

// IsRetryable reports whether err is a transient network-class failure that
// may succeed on retry. Client rejections (4xx other than 429), shape
// mismatches and cancellations are terminal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) {
		return false
	}
	if errors.Is(err, ErrNetwork) || errors.Is(err, ErrRateLimited) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
