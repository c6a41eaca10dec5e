package ovapi

import (
	"context"
	"errors"
	"fmt"
	"net"

	"tidbyt.dev/ovapi/downloader"
	"tidbyt.dev/ovapi/parse"
)

var (
	ErrConnection      = errors.New("connection failed")
	ErrTimeout         = errors.New("request timed out")
	ErrData            = errors.New("invalid data")
	ErrStopNotFound    = fmt.Errorf("stop not found: %w", ErrData)
	ErrRateLimited     = errors.New("rate limited")
	ErrDataUnavailable = errors.New("static data unavailable")
)

// Messages suitable for showing to end users.
const (
	MessageStopNotFound = "stop not found"
	MessageUnavailable  = "temporarily unavailable"
	MessageNoServices   = "no services scheduled now"
)

// Maps an error from this package to a short user facing message.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrStopNotFound) {
		return MessageStopNotFound
	}
	return MessageUnavailable
}

// Wraps a realtime transport error in one of ErrData, ErrTimeout or
// ErrConnection.
func classifyTransportError(err error) error {
	var statusErr *downloader.StatusError
	if errors.As(err, &statusErr) || errors.Is(err, downloader.ErrTooLarge) {
		return fmt.Errorf("%w: %w", ErrData, err)
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %w", ErrConnection, err)
}

func classifyParseError(err error) error {
	if errors.Is(err, parse.ErrStopNotFound) {
		return fmt.Errorf("%w: %w", ErrStopNotFound, err)
	}
	return fmt.Errorf("%w: %w", ErrData, err)
}
