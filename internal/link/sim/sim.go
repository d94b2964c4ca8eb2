// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

// Package sim is an in-process vehicle for running the bridge without
// hardware. Its log variables echo the last setpoint it received, so a
// round trip through the bridge is visible in telemetry.
package sim

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/relabs-tech/crazyflie_bridge/internal/link"
	"github.com/relabs-tech/crazyflie_bridge/internal/setpoint"
)

const Scheme = "sim"

// Driver simulates a set of named vehicles reachable as sim://<name>.
type Driver struct {
	mu       sync.Mutex
	vehicles map[string]*Vehicle
}

// NewDriver creates a driver with one vehicle per name.
func NewDriver(names ...string) *Driver {
	d := &Driver{vehicles: make(map[string]*Vehicle, len(names))}
	for _, n := range names {
		d.vehicles[n] = newVehicle(n)
	}
	return d
}

// Vehicle returns the simulated vehicle called name, or nil.
func (d *Driver) Vehicle(name string) *Vehicle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vehicles[name]
}

func (d *Driver) Scheme() string { return Scheme }

func (d *Driver) Scan(ctx context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	uris := make([]string, 0, len(d.vehicles))
	for name, v := range d.vehicles {
		if v.Reachable() {
			uris = append(uris, Scheme+"://"+name)
		}
	}
	return uris, nil
}

func (d *Driver) Open(ctx context.Context, uri string) (link.Conn, error) {
	u, err := link.ParseURI(uri)
	if err != nil {
		return nil, err
	}
	if u.Scheme != Scheme {
		return nil, fmt.Errorf("%w: sim driver cannot open %q", link.ErrConnection, uri)
	}
	v := d.Vehicle(u.Host)
	if v == nil || !v.Reachable() {
		return nil, fmt.Errorf("%w: no simulated vehicle at %q", link.ErrConnection, uri)
	}
	return v.connect(), nil
}

// Vehicle is one simulated quadrotor.
type Vehicle struct {
	name  string
	start time.Time

	mu        sync.Mutex
	reachable bool
	missing   map[string]bool
	stalled   bool
	conn      *conn

	first    *setpoint.Setpoint
	last     setpoint.Setpoint
	sent     int
	connects int
}

func newVehicle(name string) *Vehicle {
	return &Vehicle{
		name:      name,
		start:     time.Now(),
		reachable: true,
		missing:   make(map[string]bool),
	}
}

// SetReachable controls whether scans and opens find the vehicle.
func (v *Vehicle) SetReachable(ok bool) {
	v.mu.Lock()
	v.reachable = ok
	v.mu.Unlock()
}

// Reachable reports whether the vehicle answers scans.
func (v *Vehicle) Reachable() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.reachable
}

// OmitVariable makes every log entry leave out name, the way a firmware
// that does not know the variable would.
func (v *Vehicle) OmitVariable(name string) {
	v.mu.Lock()
	v.missing[name] = true
	v.mu.Unlock()
}

// Stall stops the vehicle from delivering log entries until called with false.
func (v *Vehicle) Stall(stalled bool) {
	v.mu.Lock()
	v.stalled = stalled
	v.mu.Unlock()
}

// Drop cuts the current connection as if the vehicle flew out of range.
func (v *Vehicle) Drop() {
	v.mu.Lock()
	c := v.conn
	v.mu.Unlock()
	if c != nil {
		c.fail(fmt.Errorf("simulated vehicle %s out of range", v.name))
	}
}

// FirstSetpoint returns the first command received over any connection.
func (v *Vehicle) FirstSetpoint() (setpoint.Setpoint, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.first == nil {
		return setpoint.Setpoint{}, false
	}
	return *v.first, true
}

// LastSetpoint returns the most recent command and how many were received.
func (v *Vehicle) LastSetpoint() (setpoint.Setpoint, int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.last, v.sent
}

// Connects counts successful opens.
func (v *Vehicle) Connects() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.connects
}

func (v *Vehicle) connect() *conn {
	c := &conn{vehicle: v, done: make(chan struct{})}
	v.mu.Lock()
	v.conn = c
	v.connects++
	v.mu.Unlock()
	return c
}

func (v *Vehicle) record(sp setpoint.Setpoint) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.first == nil {
		first := sp
		v.first = &first
	}
	v.last = sp
	v.sent++
}

// read produces the current value of every requested variable.
func (v *Vehicle) read(vars []string) (map[string]float64, uint32, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.stalled {
		return nil, 0, false
	}
	elapsed := time.Since(v.start)
	t := elapsed.Seconds()
	sp := v.last

	values := make(map[string]float64, len(vars))
	for _, name := range vars {
		if v.missing[name] {
			continue
		}
		switch name {
		case "stabilizer.roll":
			values[name] = sp.Roll
		case "stabilizer.pitch":
			values[name] = sp.Pitch
		case "stabilizer.yaw":
			values[name] = math.Mod(sp.YawRate*t, 360)
		case "gyro.z":
			values[name] = sp.YawRate
		case "stateEstimate.vz":
			values[name] = (float64(sp.Thrust) - setpoint.TwistThrustBase) / setpoint.TwistThrustGain
		default:
			values[name] = 0
		}
	}
	return values, uint32(elapsed.Milliseconds()), true
}

type conn struct {
	vehicle *Vehicle

	mu     sync.Mutex
	done   chan struct{}
	err    error
	closed bool
}

func (c *conn) SendSetpoint(ctx context.Context, sp setpoint.Setpoint) error {
	select {
	case <-c.done:
		return link.ErrClosed
	default:
	}
	c.vehicle.record(sp)
	return nil
}

func (c *conn) Subscribe(ctx context.Context, cfg link.LogConfig) (link.Subscription, error) {
	select {
	case <-c.done:
		return nil, link.ErrClosed
	default:
	}
	if cfg.Period <= 0 {
		return nil, fmt.Errorf("log config %s: period must be positive", cfg.Name)
	}
	return &subscription{conn: c, cfg: cfg, ticker: time.NewTicker(cfg.Period)}, nil
}

func (c *conn) Done() <-chan struct{} { return c.done }

func (c *conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *conn) Close() error {
	c.fail(link.ErrClosed)
	return nil
}

func (c *conn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.err = err
	close(c.done)
}

type subscription struct {
	conn   *conn
	cfg    link.LogConfig
	ticker *time.Ticker
}

func (s *subscription) Next(ctx context.Context) (link.LogEntry, error) {
	for {
		select {
		case <-ctx.Done():
			return link.LogEntry{}, ctx.Err()
		case <-s.conn.done:
			return link.LogEntry{}, link.ErrClosed
		case <-s.ticker.C:
		}
		values, tick, ok := s.conn.vehicle.read(s.cfg.Variables)
		if !ok {
			continue
		}
		return link.LogEntry{Tick: tick, Name: s.cfg.Name, Values: values}, nil
	}
}

func (s *subscription) Close() error {
	s.ticker.Stop()
	return nil
}
