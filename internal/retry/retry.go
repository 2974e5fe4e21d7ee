package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy describes the exponential backoff applied to transient failures.
type Policy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultPolicy matches the documented operational defaults.
var DefaultPolicy = Policy{
	MaxRetries:      3,
	InitialInterval: time.Second,
	MaxInterval:     10 * time.Second,
	Multiplier:      2,
}

// StatusCoder is implemented by errors carrying an HTTP status, so the
// classifier can treat 5xx as transient without importing the producer.
type StatusCoder interface {
	StatusCode() int
}

// Transient reports whether err is worth retrying: connection resets,
// refusals, timeouts, unexpected EOF, or a server-side HTTP status.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode() >= 500
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// Do runs op under the policy, backing off between transient failures.
// Non-transient errors abort immediately; context cancellation always wins.
func (p Policy) Do(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0

	wrapped := func() error {
		err := op()
		if err != nil && !Transient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(wrapped, backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx))
}
