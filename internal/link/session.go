package link

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/relabs-tech/crazyflie_bridge/internal/setpoint"
)

// State is the lifecycle state of a Session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Transition describes one state change.
type Transition struct {
	From State
	To   State
	URI  string
	At   time.Time
	// Lost is set when a Connected session dropped without Close being called.
	Lost bool
	Err  error

	seq uint64
}

// Session owns the single active connection to a vehicle and its lifecycle:
//
//	Disconnected -> Connecting -> Connected | Failed
//	any -> Disconnected (Close, or connection lost)
//
// Ready is closed on the first Connected transition and never reopened, so
// whatever waits on it runs exactly once per Session.
type Session struct {
	driver Driver

	mu    sync.Mutex
	state State
	uri   string
	conn  Conn
	gen   uint64
	seq   uint64

	connGen uint64 // gen of conn
	sentGen uint64 // gen of the last conn SendLatest delivered on

	connectHooks []func()

	notifyMu     sync.Mutex
	observers    []func(Transition)
	lastNotified uint64

	ready     chan struct{}
	readyOnce sync.Once
}

// NewSession creates a disconnected session that opens links through driver.
func NewSession(driver Driver) *Session {
	return &Session{
		driver: driver,
		ready:  make(chan struct{}),
	}
}

// OnTransition registers fn to be called after every state change.
// Observers run synchronously, in registration order. A transition that
// was overtaken by a later one is not delivered.
func (s *Session) OnTransition(fn func(Transition)) {
	s.notifyMu.Lock()
	s.observers = append(s.observers, fn)
	s.notifyMu.Unlock()
}

// OnConnect registers fn to run on every successful open, before the new
// connection is visible to SendSetpoint, SendLatest or Subscribe. fn runs
// with the session locked and must not call back into it.
func (s *Session) OnConnect(fn func()) {
	s.mu.Lock()
	s.connectHooks = append(s.connectHooks, fn)
	s.mu.Unlock()
}

// Ready is closed once, on the first successful connect.
func (s *Session) Ready() <-chan struct{} {
	return s.ready
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// URI returns the address of the current or last connection attempt.
func (s *Session) URI() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uri
}

// Open connects to uri. It is only valid from Disconnected; a Failed session
// must be closed first.
func (s *Session) Open(ctx context.Context, uri string) error {
	s.mu.Lock()
	if s.state != Disconnected {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("open %s: session is %s", uri, st)
	}
	s.gen++
	gen := s.gen
	s.uri = uri
	t := s.setLocked(Connecting, nil, false)
	s.mu.Unlock()
	s.notify(t)

	conn, err := s.driver.Open(ctx, uri)

	s.mu.Lock()
	if gen != s.gen || s.state != Connecting {
		// closed while the handshake was in flight
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return fmt.Errorf("open %s: %w", uri, ErrClosed)
	}
	if err != nil {
		if !errors.Is(err, ErrConnection) {
			err = fmt.Errorf("%w: %w", ErrConnection, err)
		}
		t = s.setLocked(Failed, err, false)
		s.mu.Unlock()
		s.notify(t)
		return fmt.Errorf("open %s: %w", uri, err)
	}
	for _, fn := range s.connectHooks {
		fn()
	}
	s.conn = conn
	s.connGen = gen
	t = s.setLocked(Connected, nil, false)
	s.mu.Unlock()

	s.notify(t)
	s.readyOnce.Do(func() { close(s.ready) })
	go s.watch(gen, conn)
	return nil
}

// Close drops the connection, if any, and returns to Disconnected.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == Disconnected {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	conn := s.conn
	s.conn = nil
	t := s.setLocked(Disconnected, nil, false)
	s.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	s.notify(t)
	return err
}

// SendSetpoint forwards sp to the live connection.
func (s *Session) SendSetpoint(ctx context.Context, sp setpoint.Setpoint) error {
	conn := s.current()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.SendSetpoint(ctx, sp)
}

// SendLatest resolves the live connection and only then asks next for the
// value to send. first is true until a send on that connection succeeds.
func (s *Session) SendLatest(ctx context.Context, next func(first bool) setpoint.Setpoint) error {
	s.mu.Lock()
	if s.state != Connected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	conn, gen := s.conn, s.connGen
	first := gen != s.sentGen
	s.mu.Unlock()

	if err := conn.SendSetpoint(ctx, next(first)); err != nil {
		return err
	}
	if first {
		s.mu.Lock()
		if s.connGen == gen {
			s.sentGen = gen
		}
		s.mu.Unlock()
	}
	return nil
}

// Subscribe opens a log subscription on the live connection.
func (s *Session) Subscribe(ctx context.Context, cfg LogConfig) (Subscription, error) {
	conn := s.current()
	if conn == nil {
		return nil, ErrNotConnected
	}
	return conn.Subscribe(ctx, cfg)
}

func (s *Session) current() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected {
		return nil
	}
	return s.conn
}

// watch moves a connection that dies underneath us to Disconnected.
func (s *Session) watch(gen uint64, conn Conn) {
	<-conn.Done()

	s.mu.Lock()
	if gen != s.gen || s.state != Connected {
		s.mu.Unlock()
		return
	}
	s.gen++
	s.conn = nil
	t := s.setLocked(Disconnected, conn.Err(), true)
	s.mu.Unlock()

	_ = conn.Close()
	s.notify(t)
}

func (s *Session) setLocked(to State, err error, lost bool) Transition {
	s.seq++
	t := Transition{From: s.state, To: to, URI: s.uri, At: time.Now(), Lost: lost, Err: err, seq: s.seq}
	s.state = to
	return t
}

func (s *Session) notify(t Transition) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if t.seq <= s.lastNotified {
		return
	}
	s.lastNotified = t.seq
	for _, fn := range s.observers {
		fn(t)
	}
}
