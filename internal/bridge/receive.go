package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/crazyflie_bridge/internal/link"
	"github.com/relabs-tech/crazyflie_bridge/internal/telemetry"
)

const (
	DefaultReceiveTimeout = time.Second
	DefaultRetryDelay     = 250 * time.Millisecond
)

// Subscriber is the telemetry half of a vehicle link.
type Subscriber interface {
	Subscribe(ctx context.Context, cfg link.LogConfig) (link.Subscription, error)
}

// ReceiveStats counts the outcomes of receive cycles.
type ReceiveStats struct {
	Received  uint64 `json:"received"`
	Malformed uint64 `json:"malformed"`
	Timeouts  uint64 `json:"timeouts"`
	Errors    uint64 `json:"errors"`
}

// ReceiveLoop keeps one telemetry channel fresh by cycling single-shot
// subscriptions: open, take one entry, decode, publish, close.
type ReceiveLoop struct {
	link    Subscriber
	channel *telemetry.Channel
	timeout time.Duration
	retry   time.Duration
	now     func() time.Time

	received  atomic.Uint64
	malformed atomic.Uint64
	timeouts  atomic.Uint64
	errs      atomic.Uint64

	lastErr string
}

// NewReceiveLoop creates a loop feeding ch from l.
func NewReceiveLoop(l Subscriber, ch *telemetry.Channel, timeout, retry time.Duration) *ReceiveLoop {
	if timeout <= 0 {
		timeout = DefaultReceiveTimeout
	}
	if retry <= 0 {
		retry = DefaultRetryDelay
	}
	return &ReceiveLoop{link: l, channel: ch, timeout: timeout, retry: retry, now: time.Now}
}

// Run cycles until ctx is cancelled. Every failure is logged and retried
// with the same group definition.
func (r *ReceiveLoop) Run(ctx context.Context) error {
	name := r.channel.Group().Name
	for ctx.Err() == nil {
		err := r.cycle(ctx)
		if err == nil {
			r.lastErr = ""
			continue
		}
		if ctx.Err() != nil {
			break
		}

		malformed := errors.Is(err, telemetry.ErrMalformedSample)
		switch {
		case malformed:
			r.malformed.Add(1)
		case errors.Is(err, link.ErrSubscriptionTimeout):
			r.timeouts.Add(1)
		default:
			r.errs.Add(1)
		}
		// repeated identical failures are logged once
		if msg := err.Error(); msg != r.lastErr {
			if malformed {
				log.Printf("receive %s: WARNING: keeping previous sample: %v", name, err)
			} else {
				log.Printf("receive %s: %v (retrying every %s)", name, err, r.retry)
			}
			r.lastErr = msg
		}
		if malformed {
			continue
		}

		select {
		case <-ctx.Done():
		case <-time.After(r.retry):
		}
	}
	return nil
}

func (r *ReceiveLoop) cycle(ctx context.Context) error {
	g := r.channel.Group()
	sub, err := r.link.Subscribe(ctx, link.LogConfig{Name: g.Name, Period: g.Period, Variables: g.Variables})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Close()

	waitCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	entry, err := sub.Next(waitCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w after %s", link.ErrSubscriptionTimeout, r.timeout)
		}
		return fmt.Errorf("next entry: %w", err)
	}

	sample, err := telemetry.Decode(g, entry.Values, entry.Tick, r.now())
	if err != nil {
		return err
	}
	r.channel.Publish(sample)
	r.received.Add(1)
	return nil
}

// Stats returns a snapshot of the loop's counters.
func (r *ReceiveLoop) Stats() ReceiveStats {
	return ReceiveStats{
		Received:  r.received.Load(),
		Malformed: r.malformed.Load(),
		Timeouts:  r.timeouts.Load(),
		Errors:    r.errs.Load(),
	}
}
