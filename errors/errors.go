// Package errors provides classified errors for the streamnet transfer plane.
// Setup problems (duplicate channels, duplicate sockets, mismatched channel
// sets) are fatal or invalid and never retried. Transport conditions such as
// a full peer buffer are transient and absorbed by the event loop.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/c360/streamnet/pkg/retry"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

var (
	// Setup errors
	ErrDuplicateChannel  = errors.New("duplicate channel id")
	ErrDuplicateSocket   = errors.New("duplicate socket metadata")
	ErrMismatchedChannel = errors.New("mismatched channel for node")
	ErrDuplicateNode     = errors.New("duplicate node id")
	ErrAlreadyStarted    = errors.New("already started")
	ErrNotStarted        = errors.New("not started")

	// Lookup and decoding errors
	ErrUnknownChannel    = errors.New("unknown channel")
	ErrUnknownSocket     = errors.New("unknown socket")
	ErrInvalidFrame      = errors.New("invalid frame")
	ErrFrameTooLarge     = errors.New("frame exceeds transport limit")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrUnsupportedScheme = errors.New("unsupported address scheme")

	// Transport conditions
	ErrWouldBlock   = errors.New("operation would block")
	ErrNotConnected = errors.New("socket not connected")
	ErrQueueFull    = errors.New("queue full")
	ErrQueueClosed  = errors.New("queue closed")
	ErrSocketClosed = errors.New("socket closed")

	// Liveness
	ErrDeliveryTimeout = errors.New("expected data not delivered in time")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient reports whether err is a temporary transport condition.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if errors.Is(err, ErrWouldBlock) ||
		errors.Is(err, ErrNotConnected) ||
		errors.Is(err, ErrQueueFull) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ENOENT) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"connection refused", "reset by peer", "broken pipe", "timeout"} {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsFatal reports whether err is a setup error that must stop the process.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	return errors.Is(err, ErrDuplicateChannel) ||
		errors.Is(err, ErrDuplicateSocket) ||
		errors.Is(err, ErrMismatchedChannel) ||
		errors.Is(err, ErrDuplicateNode) ||
		errors.Is(err, ErrDeliveryTimeout)
}

// IsInvalid checks if an error is due to invalid input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrInvalidFrame) ||
		errors.Is(err, ErrFrameTooLarge) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrUnknownChannel) ||
		errors.Is(err, ErrUnknownSocket) ||
		errors.Is(err, ErrUnsupportedScheme)
}

// Classify returns the error class for an error. Unknown errors are
// treated as transient so callers keep retrying on the next poll.
func Classify(err error) ErrorClass {
	switch {
	case err == nil:
		return ErrorTransient
	case IsFatal(err):
		return ErrorFatal
	case IsInvalid(err):
		return ErrorInvalid
	default:
		return ErrorTransient
	}
}

func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}

// RetryConfig is the user-facing dial/bind retry policy. It is embedded in
// the network configuration and converted for pkg/retry at use sites.
type RetryConfig struct {
	MaxRetries    int           `json:"max_retries" yaml:"max_retries"`
	InitialDelay  time.Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay      time.Duration `json:"max_delay" yaml:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor" yaml:"backoff_factor"`
}

// DefaultRetryConfig returns the dial policy used for socket connects.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    10,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
	}
}

// ShouldRetry determines if an error should be retried based on config
func (rc RetryConfig) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= rc.MaxRetries {
		return false
	}
	return IsTransient(err)
}

// ToRetryConfig converts to the retry package's Config. MaxRetries counts
// additional attempts, so the total is one more.
func (rc RetryConfig) ToRetryConfig() retry.Config {
	return retry.Config{
		MaxAttempts:  rc.MaxRetries + 1,
		InitialDelay: rc.InitialDelay,
		MaxDelay:     rc.MaxDelay,
		Multiplier:   rc.BackoffFactor,
		AddJitter:    true,
	}
}
