package domain

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrForbidden        = errors.New("forbidden")
	ErrConflict         = errors.New("concurrent modification")
	ErrSessionClosed    = errors.New("session is closed")
	ErrInvalidInput     = errors.New("invalid input")
	ErrFunctionNotFound = errors.New("server function not found")
)

// IsTransient reports whether err is a connectivity failure worth retrying.
// Authorization and integrity errors are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrForbidden) || errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrNotFound) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
