// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package bridge

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/relabs-tech/crazyflie_bridge/internal/link"
	"github.com/relabs-tech/crazyflie_bridge/internal/setpoint"
)

// DefaultTransmitRate is the setpoint rate the vehicle expects.
const DefaultTransmitRate = 200 // Hz

// SetpointSender is the control half of a vehicle link. SendLatest calls
// next after resolving the connection it will send on; first reports that
// nothing has been delivered on that connection yet.
type SetpointSender interface {
	SendLatest(ctx context.Context, next func(first bool) setpoint.Setpoint) error
}

// TransmitLoop sends the register's current value to the vehicle at a fixed rate.
type TransmitLoop struct {
	link   SetpointSender
	reg    *setpoint.Register
	period time.Duration

	sent   atomic.Uint64
	failed atomic.Uint64
}

// NewTransmitLoop creates a loop sending reg over l every period.
func NewTransmitLoop(l SetpointSender, reg *setpoint.Register, period time.Duration) *TransmitLoop {
	if period <= 0 {
		period = time.Second / DefaultTransmitRate
	}
	return &TransmitLoop{link: l, reg: reg, period: period}
}

// Run sends a neutral command, then the register's value once per period,
// until ctx is cancelled. It never waits for a fresh command. The first
// frame on every new connection is neutral.
func (t *TransmitLoop) Run(ctx context.Context) error {
	t.send(ctx, func(bool) setpoint.Setpoint { return setpoint.Neutral })

	ticker := time.NewTicker(t.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		t.send(ctx, t.next)
	}
}

func (t *TransmitLoop) next(first bool) setpoint.Setpoint {
	if first {
		return setpoint.Neutral
	}
	return t.reg.Get()
}

func (t *TransmitLoop) send(ctx context.Context, next func(bool) setpoint.Setpoint) {
	err := t.link.SendLatest(ctx, next)
	switch {
	case err == nil:
		t.sent.Add(1)
	case errors.Is(err, link.ErrNotConnected), errors.Is(err, link.ErrClosed):
		// link layer is between sessions; nothing to do
	default:
		if n := t.failed.Add(1); n == 1 || n%1000 == 0 {
			log.Printf("transmit: send setpoint (failure #%d): %v", n, err)
		}
	}
}

// Sent counts setpoints the link accepted.
func (t *TransmitLoop) Sent() uint64 { return t.sent.Load() }

// Failed counts sends that returned an unexpected error.
func (t *TransmitLoop) Failed() uint64 { return t.failed.Load() }
