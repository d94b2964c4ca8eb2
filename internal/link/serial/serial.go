// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package serial links to a vehicle through a USB-UART radio bridge that
// speaks newline-delimited JSON frames. Addresses look like serial:///dev/ttyUSB0.
package serial

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	goserial "github.com/jacobsa/go-serial/serial"

	"github.com/relabs-tech/crazyflie_bridge/internal/link"
	"github.com/relabs-tech/crazyflie_bridge/internal/setpoint"
)

const Scheme = "serial"

// DefaultPatterns are the device globs Scan looks at.
var DefaultPatterns = []string{"/dev/ttyUSB*", "/dev/ttyACM*"}

// Frame types on the wire.
const (
	frameSetpoint = "setpoint"
	frameLogStart = "log_start"
	frameLogStop  = "log_stop"
	frameLog      = "log"
	frameError    = "error"
)

// frame is one line on the wire; zero-valued fields are omitted.
type frame struct {
	Type string `json:"type"`

	// setpoint
	Roll    float64 `json:"roll,omitempty"`
	Pitch   float64 `json:"pitch,omitempty"`
	YawRate float64 `json:"yaw_rate,omitempty"`
	Thrust  uint16  `json:"thrust,omitempty"`

	// log_start / log_stop / log
	ID       uint32             `json:"id,omitempty"`
	Name     string             `json:"name,omitempty"`
	PeriodMS int64              `json:"period_ms,omitempty"`
	Vars     []string           `json:"vars,omitempty"`
	Tick     uint32             `json:"tick,omitempty"`
	Values   map[string]float64 `json:"values,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// OpenFunc opens a serial port; it is swapped out in tests.
type OpenFunc func(goserial.OpenOptions) (io.ReadWriteCloser, error)

// Driver opens serial:// links.
type Driver struct {
	BaudRate uint
	Patterns []string
	open     OpenFunc
}

// NewDriver returns a driver that opens ports at baud.
func NewDriver(baud uint) *Driver {
	return &Driver{BaudRate: baud, Patterns: DefaultPatterns, open: goserial.Open}
}

func (d *Driver) Scheme() string { return Scheme }

// Scan lists serial devices matching the driver's patterns.
func (d *Driver) Scan(ctx context.Context) ([]string, error) {
	var uris []string
	for _, p := range d.Patterns {
		matches, err := filepath.Glob(p)
		if err != nil {
			return nil, fmt.Errorf("bad serial pattern %q: %w", p, err)
		}
		for _, m := range matches {
			uris = append(uris, Scheme+"://"+m)
		}
	}
	sort.Strings(uris)
	return uris, nil
}

// Open opens the port named by uri and starts reading frames from it.
func (d *Driver) Open(ctx context.Context, uri string) (link.Conn, error) {
	u, err := link.ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if u.Scheme != Scheme {
		return nil, fmt.Errorf("%w: serial driver cannot open %q", link.ErrConnection, uri)
	}
	port := "/" + strings.Join(u.Path, "/")
	if u.Host != "" {
		port = u.Host + port
	}

	opts := goserial.OpenOptions{
		PortName:        port,
		BaudRate:        d.BaudRate,
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
		ParityMode:      goserial.PARITY_NONE,
	}
	rwc, err := d.open(opts)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", link.ErrConnection, port, err)
	}
	log.Printf("serial: port %s opened at %d baud", port, d.BaudRate)
	return newConn(rwc), nil
}

// Conn is a JSON-lines link over one serial port.
type Conn struct {
	rwc io.ReadWriteCloser

	wmu sync.Mutex
	enc *json.Encoder

	mu     sync.Mutex
	subs   map[uint32]*subscription
	nextID uint32

	done      chan struct{}
	err       error
	closeOnce sync.Once
}

func newConn(rwc io.ReadWriteCloser) *Conn {
	c := &Conn{
		rwc:  rwc,
		enc:  json.NewEncoder(rwc),
		subs: make(map[uint32]*subscription),
		done: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) write(f frame) error {
	select {
	case <-c.done:
		return link.ErrClosed
	default:
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.enc.Encode(f); err != nil {
		c.fail(fmt.Errorf("serial write: %w", err))
		return err
	}
	return nil
}

func (c *Conn) SendSetpoint(ctx context.Context, sp setpoint.Setpoint) error {
	return c.write(frame{
		Type:    frameSetpoint,
		Roll:    sp.Roll,
		Pitch:   sp.Pitch,
		YawRate: sp.YawRate,
		Thrust:  sp.Thrust,
	})
}

func (c *Conn) Subscribe(ctx context.Context, cfg link.LogConfig) (link.Subscription, error) {
	c.mu.Lock()
	c.nextID++
	s := &subscription{conn: c, id: c.nextID, name: cfg.Name, entries: make(chan link.LogEntry, 1)}
	c.subs[s.id] = s
	c.mu.Unlock()

	err := c.write(frame{
		Type:     frameLogStart,
		ID:       s.id,
		Name:     cfg.Name,
		PeriodMS: cfg.Period.Milliseconds(),
		Vars:     cfg.Variables,
	})
	if err != nil {
		c.remove(s.id)
		return nil, err
	}
	return s, nil
}

func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.err = link.ErrClosed
		close(c.done)
		err = c.rwc.Close()
	})
	return err
}

func (c *Conn) fail(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		_ = c.rwc.Close()
	})
}

func (c *Conn) remove(id uint32) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

func (c *Conn) readLoop() {
	scanner := bufio.NewScanner(c.rwc)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			log.Printf("serial: dropping bad frame: %v", err)
			continue
		}
		switch f.Type {
		case frameLog:
			c.mu.Lock()
			s := c.subs[f.ID]
			c.mu.Unlock()
			if s == nil {
				continue
			}
			s.deliver(link.LogEntry{Tick: f.Tick, Name: s.name, Values: f.Values})
		case frameError:
			log.Printf("serial: vehicle reported error: %s", f.Message)
		default:
			log.Printf("serial: ignoring frame type %q", f.Type)
		}
	}
	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.fail(fmt.Errorf("serial read: %w", err))
}

type subscription struct {
	conn    *Conn
	id      uint32
	name    string
	entries chan link.LogEntry
	once    sync.Once
}

// deliver keeps only the newest undelivered entry.
func (s *subscription) deliver(e link.LogEntry) {
	for {
		select {
		case s.entries <- e:
			return
		default:
		}
		select {
		case <-s.entries:
		default:
		}
	}
}

func (s *subscription) Next(ctx context.Context) (link.LogEntry, error) {
	select {
	case e := <-s.entries:
		return e, nil
	case <-ctx.Done():
		return link.LogEntry{}, ctx.Err()
	case <-s.conn.done:
		return link.LogEntry{}, link.ErrClosed
	}
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.conn.remove(s.id)
		err = s.conn.write(frame{Type: frameLogStop, ID: s.id})
		if errors.Is(err, link.ErrClosed) {
			err = nil
		}
	})
	return err
}
