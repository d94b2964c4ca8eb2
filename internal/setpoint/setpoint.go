// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package setpoint

import (
	"math"
	"sync"
)

// MaxThrust is the largest thrust value the vehicle accepts.
const MaxThrust = math.MaxUint16

// Setpoint is the attitude/thrust command currently in effect.
type Setpoint struct {
	Roll    float64 `json:"roll"`     // degrees
	Pitch   float64 `json:"pitch"`    // degrees
	YawRate float64 `json:"yaw_rate"` // degrees/s
	Thrust  uint16  `json:"thrust"`   // 0-65535
}

// Neutral is the zero command sent before anything else and on every (re)connect.
var Neutral = Setpoint{}

// ClampThrust converts any numeric thrust to the vehicle's 0-65535 range.
// Fractions are truncated, NaN maps to 0.
func ClampThrust(v float64) uint16 {
	switch {
	case math.IsNaN(v), v <= 0:
		return 0
	case v >= MaxThrust:
		return MaxThrust
	}
	return uint16(v)
}

// Register is a latest-wins store for the current Setpoint.
// The zero value holds Neutral and is ready to use.
type Register struct {
	mu sync.RWMutex
	sp Setpoint
}

// NewRegister returns a register holding Neutral.
func NewRegister() *Register {
	return &Register{}
}

// Set overwrites the current value.
func (r *Register) Set(sp Setpoint) {
	r.mu.Lock()
	r.sp = sp
	r.mu.Unlock()
}

// Get returns a copy of the current value.
func (r *Register) Get() Setpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sp
}

// Reset puts the register back to Neutral.
func (r *Register) Reset() {
	r.Set(Neutral)
}
