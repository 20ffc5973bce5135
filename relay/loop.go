// Package relay moves websocket messages into and out of shm rings.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/metrics"
	"github.com/sony/gobreaker"
)

// ConnectFunc runs one connection until it fails.
type ConnectFunc func(ctx context.Context) error

type Options struct {
	// ReadLimit caps a single websocket message.
	ReadLimit int64
	// Reconnect is the wait between connection attempts.
	Reconnect time.Duration

	// MaxFailures consecutive failures open the breaker for CoolDown.
	MaxFailures uint32
	CoolDown    time.Duration
	Logger      *slog.Logger
	Registry    metrics.Registry
}

func (o Options) withDefaults() Options {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 1 << 20
	}
	if o.Reconnect <= 0 {
		o.Reconnect = 3 * time.Second
	}
	if o.MaxFailures == 0 {
		o.MaxFailures = 5
	}
	if o.CoolDown <= 0 {
		o.CoolDown = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Registry == nil {
		o.Registry = metrics.NewRegistry()
	}
	return o
}

func newBreaker(name string, o Options) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: o.CoolDown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= o.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			o.Logger.Warn(name+": breaker state changed", "from", from.String(), "to", to.String())
		},
	})
}

// runLoop reconnects until ctx ends. Connection attempts go through cb, so a
// failing upstream is left alone for the breaker's cool-down.
func runLoop(ctx context.Context, name string, cb *gobreaker.CircuitBreaker, wait time.Duration, log *slog.Logger, connect ConnectFunc) error {
	for {
		_, err := cb.Execute(func() (any, error) {
			if err := connect(ctx); err != nil {
				return nil, err
			}
			return nil, errors.New("connection closed")
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !errors.Is(err, gobreaker.ErrOpenState) {
			log.Warn(name+": disconnected, reconnecting", "error", err, "wait", wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
