package bridge

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/crazyflie_bridge/internal/link"
	"github.com/relabs-tech/crazyflie_bridge/internal/setpoint"
	"github.com/relabs-tech/crazyflie_bridge/internal/telemetry"
)

// Session is the vehicle link as the bridge sees it. *link.Session implements it.
type Session interface {
	SetpointSender
	Subscriber
	Ready() <-chan struct{}
	OnConnect(fn func())
}

var _ Session = (*link.Session)(nil)

// Option configures a Bridge.
type Option func(*Bridge)

// WithTransmitRate sets the setpoint rate in Hz.
func WithTransmitRate(hz int) Option {
	return func(b *Bridge) {
		if hz > 0 {
			b.transmitPeriod = time.Second / time.Duration(hz)
		}
	}
}

// WithReceiveTimeout bounds how long a receive cycle waits for one entry.
func WithReceiveTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.receiveTimeout = d }
}

// WithRetryDelay sets the pause between failed receive cycles.
func WithRetryDelay(d time.Duration) Option {
	return func(b *Bridge) { b.retryDelay = d }
}

// Stats is a snapshot of every loop's counters.
type Stats struct {
	Sent   uint64                  `json:"sent"`
	Failed uint64                  `json:"failed"`
	Groups map[string]ReceiveStats `json:"groups"`
}

// Bridge exchanges the live setpoint and telemetry between external
// adapters and the vehicle link. It owns the setpoint register and one
// telemetry channel per group, and starts its loops once, on the first
// connect of the session.
type Bridge struct {
	session  Session
	register *setpoint.Register
	channels []*telemetry.Channel
	byName   map[string]*telemetry.Channel

	transmitPeriod time.Duration
	receiveTimeout time.Duration
	retryDelay     time.Duration

	transmit  *TransmitLoop
	receivers []*ReceiveLoop

	startOnce sync.Once
	starts    atomic.Int32
	wg        sync.WaitGroup
}

// New builds a bridge streaming groups over session. The register is reset
// to neutral on every successful open of the session.
func New(session Session, groups []telemetry.Group, opts ...Option) (*Bridge, error) {
	b := &Bridge{
		session:        session,
		register:       setpoint.NewRegister(),
		byName:         make(map[string]*telemetry.Channel, len(groups)),
		transmitPeriod: time.Second / DefaultTransmitRate,
		receiveTimeout: DefaultReceiveTimeout,
		retryDelay:     DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(b)
	}

	for _, g := range groups {
		if err := g.Validate(); err != nil {
			return nil, err
		}
		if _, dup := b.byName[g.Name]; dup {
			return nil, fmt.Errorf("duplicate group %q", g.Name)
		}
		ch := telemetry.NewChannel(g)
		b.channels = append(b.channels, ch)
		b.byName[g.Name] = ch
		b.receivers = append(b.receivers, NewReceiveLoop(session, ch, b.receiveTimeout, b.retryDelay))
	}
	b.transmit = NewTransmitLoop(session, b.register, b.transmitPeriod)

	// Reset before the new connection can carry a send, so a command
	// written for the previous connection is never replayed.
	session.OnConnect(b.register.Reset)
	return b, nil
}

// Register is where command adapters write the desired setpoint.
func (b *Bridge) Register() *setpoint.Register { return b.register }

// Channels returns the telemetry channels in group order.
func (b *Bridge) Channels() []*telemetry.Channel { return b.channels }

// Channel looks up a telemetry channel by group name.
func (b *Bridge) Channel(name string) (*telemetry.Channel, bool) {
	ch, ok := b.byName[name]
	return ch, ok
}

// Starts reports how many times the loops were started (0 or 1).
func (b *Bridge) Starts() int { return int(b.starts.Load()) }

// Run waits for the session's first connect, starts the transmit loop and
// one receive loop per group, and returns after ctx is cancelled and every
// loop has exited. Later reconnects reuse the running loops.
func (b *Bridge) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-b.session.Ready():
	}

	b.startOnce.Do(func() {
		b.starts.Add(1)
		log.Printf("bridge: link ready, starting transmit loop at %s and %d receive loops", b.transmitPeriod, len(b.receivers))

		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			_ = b.transmit.Run(ctx)
		}()
		for _, r := range b.receivers {
			b.wg.Add(1)
			go func(r *ReceiveLoop) {
				defer b.wg.Done()
				_ = r.Run(ctx)
			}(r)
		}
	})

	b.wg.Wait()
	return nil
}

// Stats returns the counters of every loop.
func (b *Bridge) Stats() Stats {
	s := Stats{
		Sent:   b.transmit.Sent(),
		Failed: b.transmit.Failed(),
		Groups: make(map[string]ReceiveStats, len(b.receivers)),
	}
	for i, r := range b.receivers {
		s.Groups[b.channels[i].Group().Name] = r.Stats()
	}
	return s
}
