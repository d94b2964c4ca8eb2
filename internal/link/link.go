// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package link

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/relabs-tech/crazyflie_bridge/internal/setpoint"
)

var (
	// ErrConnection reports a link that could not be established.
	ErrConnection = errors.New("connection failed")
	// ErrNotConnected is returned by a Session that has no live connection.
	ErrNotConnected = errors.New("link not connected")
	// ErrSubscriptionTimeout reports a log subscription that delivered nothing in time.
	ErrSubscriptionTimeout = errors.New("subscription timeout")
	// ErrClosed is returned by operations on a closed connection or subscription.
	ErrClosed = errors.New("link closed")
)

// LogConfig names a set of onboard variables sampled together every Period.
type LogConfig struct {
	Name      string
	Period    time.Duration
	Variables []string
}

// LogEntry is one decoded log packet.
type LogEntry struct {
	Tick   uint32 // vehicle clock, milliseconds
	Name   string
	Values map[string]float64
}

// Subscription delivers log entries for one LogConfig.
type Subscription interface {
	Next(ctx context.Context) (LogEntry, error)
	Close() error
}

// Conn is an open link to one vehicle. Implementations serialize
// concurrent use internally.
type Conn interface {
	SendSetpoint(ctx context.Context, sp setpoint.Setpoint) error
	Subscribe(ctx context.Context, cfg LogConfig) (Subscription, error)
	// Done is closed when the connection is lost or closed.
	Done() <-chan struct{}
	// Err reports why Done was closed.
	Err() error
	Close() error
}

// Driver opens connections for one URI scheme.
type Driver interface {
	Scheme() string
	Scan(ctx context.Context) ([]string, error)
	Open(ctx context.Context, uri string) (Conn, error)
}

// Registry dispatches to drivers by URI scheme.
type Registry struct {
	drivers map[string]Driver
}

// NewRegistry builds a registry from drivers.
func NewRegistry(drivers ...Driver) *Registry {
	r := &Registry{drivers: make(map[string]Driver, len(drivers))}
	for _, d := range drivers {
		r.drivers[d.Scheme()] = d
	}
	return r
}

// Scheme implements Driver; a registry has no scheme of its own.
func (r *Registry) Scheme() string { return "" }

// Scan returns the addresses found by every registered driver.
// A failing driver is skipped unless all of them fail.
func (r *Registry) Scan(ctx context.Context) ([]string, error) {
	schemes := make([]string, 0, len(r.drivers))
	for s := range r.drivers {
		schemes = append(schemes, s)
	}
	sort.Strings(schemes)

	var found []string
	var errs []error
	for _, s := range schemes {
		uris, err := r.drivers[s].Scan(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s, err))
			continue
		}
		found = append(found, uris...)
	}
	if len(found) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return found, nil
}

// Open resolves the driver for uri and opens it.
func (r *Registry) Open(ctx context.Context, uri string) (Conn, error) {
	u, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	d, ok := r.drivers[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("%w: no driver for scheme %q", ErrConnection, u.Scheme)
	}
	return d.Open(ctx, uri)
}

// URI is a parsed link address, e.g. radio://0/80/2M/E7E7E7E7E7,
// serial:///dev/ttyUSB0 or sim://cf1.
type URI struct {
	Scheme string
	Host   string
	Path   []string
}

// ParseURI splits a link address into scheme, host and path segments.
func ParseURI(s string) (URI, error) {
	u, err := url.Parse(s)
	if err != nil {
		return URI{}, fmt.Errorf("invalid link URI %q: %w", s, err)
	}
	if u.Scheme == "" {
		return URI{}, fmt.Errorf("invalid link URI %q: missing scheme", s)
	}
	var path []string
	if p := strings.Trim(u.Path, "/"); p != "" {
		path = strings.Split(p, "/")
	}
	if u.Host == "" && len(path) == 0 {
		return URI{}, fmt.Errorf("invalid link URI %q: missing address", s)
	}
	return URI{Scheme: u.Scheme, Host: u.Host, Path: path}, nil
}

// String renders the URI back to its canonical form.
func (u URI) String() string {
	s := u.Scheme + "://" + u.Host
	if len(u.Path) > 0 {
		s += "/" + strings.Join(u.Path, "/")
	}
	return s
}

// Matches reports whether a scanned address refers to the target. A scan may
// omit trailing segments, such as the radio address, that the target carries.
func Matches(scanned, target string) bool {
	if scanned == target {
		return true
	}
	a, err := ParseURI(scanned)
	if err != nil {
		return false
	}
	b, err := ParseURI(target)
	if err != nil {
		return false
	}
	if a.Scheme != b.Scheme || a.Host != b.Host || len(a.Path) > len(b.Path) {
		return false
	}
	for i := range a.Path {
		if a.Path[i] != b.Path[i] {
			return false
		}
	}
	return true
}
