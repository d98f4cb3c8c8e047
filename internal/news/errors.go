package news

import (
	"github.com/cockroachdb/errors"
)

// Error kinds. Stage errors are marked with one of these so callers can
// classify with errors.Is without depending on concrete types.
var (
	// ErrFetch: network failure, timeout or non-success status.
	ErrFetch = errors.New("fetch failed")
	// ErrParse: content could not be decoded or parsed at all.
	ErrParse = errors.New("parse failed")
	// ErrDelivery: a destination rejected the notification.
	ErrDelivery = errors.New("delivery failed")
	// ErrConfig: a required credential or identifier is missing.
	ErrConfig = errors.New("configuration invalid")
)

func FetchError(cause error, format string, args ...any) error {
	return mark(cause, ErrFetch, format, args...)
}

func ParseError(cause error, format string, args ...any) error {
	return mark(cause, ErrParse, format, args...)
}

func DeliveryError(cause error, format string, args ...any) error {
	return mark(cause, ErrDelivery, format, args...)
}

func ConfigError(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrConfig)
}

func mark(cause, kind error, format string, args ...any) error {
	if cause == nil {
		return errors.Mark(errors.Newf(format, args...), kind)
	}
	return errors.Mark(errors.Wrapf(cause, format, args...), kind)
}

// Kind returns a short label for the error class ("fetch", "parse", ...),
// or "unknown" when err carries no mark.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrFetch):
		return "fetch"
	case errors.Is(err, ErrParse):
		return "parse"
	case errors.Is(err, ErrDelivery):
		return "delivery"
	case errors.Is(err, ErrConfig):
		return "config"
	default:
		return "unknown"
	}
}
