package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	apperrors "github.com/erni-foto/pipeline/pkg/errors"
)

// ErrorKind classifies a failed attempt
type ErrorKind string

const (
	// ErrorKindTransient marks failures worth retrying: connectivity loss,
	// timeouts, overloaded or rate-limiting collaborators.
	ErrorKindTransient ErrorKind = "transient"
	// ErrorKindFatal marks failures that retrying cannot fix: invalid input,
	// rejected credentials, business rule violations.
	ErrorKindFatal ErrorKind = "fatal"
)

// Classifier maps an error to its kind
type Classifier func(error) ErrorKind

// Classify is the default classifier
func Classify(err error) ErrorKind {
	if err == nil {
		return ErrorKindFatal
	}

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		switch appErr.Type {
		case apperrors.ErrorTypeTimeout,
			apperrors.ErrorTypeExternal,
			apperrors.ErrorTypeRateLimit:
			return ErrorKindTransient
		default:
			// Validation, authentication, authorization, not_found, conflict,
			// run_timeout and internal errors are not retried.
			return ErrorKindFatal
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorKindTransient
	}
	if errors.Is(err, context.Canceled) {
		return ErrorKindFatal
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorKindTransient
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return ErrorKindTransient
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return ErrorKindTransient
	}

	if isConnectivityMessage(err.Error()) {
		return ErrorKindTransient
	}

	return ErrorKindFatal
}

// isConnectivityMessage catches wrapped transport errors that lost their
// original type on the way up.
func isConnectivityMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"no such host",
		"i/o timeout",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
