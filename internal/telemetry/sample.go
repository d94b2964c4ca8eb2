package telemetry

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// ErrMalformedSample reports a decoded payload whose field set does not
// match the group's declared variables.
var ErrMalformedSample = errors.New("malformed sample")

// Sample is the latest completed sample set of one group.
type Sample struct {
	Group     string             `json:"group"`
	Timestamp time.Time          `json:"timestamp"`
	Tick      uint32             `json:"tick"` // vehicle clock, milliseconds
	Values    map[string]float64 `json:"values"`
}

// Decode builds a Sample for g from decoded values. The field set must match
// the declared variables exactly; otherwise ErrMalformedSample is returned
// and nothing is built.
func Decode(g Group, values map[string]float64, tick uint32, at time.Time) (Sample, error) {
	var missing, extra []string
	for _, v := range g.Variables {
		if _, ok := values[v]; !ok {
			missing = append(missing, v)
		}
	}
	if len(values) != len(g.Variables)-len(missing) {
		for name := range values {
			if !slices.Contains(g.Variables, name) {
				extra = append(extra, name)
			}
		}
		sort.Strings(extra)
	}
	if len(missing) > 0 || len(extra) > 0 {
		return Sample{}, fmt.Errorf("group %s: %w (missing [%s], unexpected [%s])",
			g.Name, ErrMalformedSample, strings.Join(missing, " "), strings.Join(extra, " "))
	}

	return Sample{
		Group:     g.Name,
		Timestamp: at,
		Tick:      tick,
		Values:    maps.Clone(values),
	}, nil
}

// Channel holds the latest sample of one group. Writers publish whole
// samples by pointer swap, so readers never see a partial update.
type Channel struct {
	group  Group
	latest atomic.Pointer[Sample]
	seq    atomic.Uint64
}

// NewChannel creates an empty channel for g.
func NewChannel(g Group) *Channel {
	return &Channel{group: g}
}

// Group returns the group definition this channel carries.
func (c *Channel) Group() Group {
	return c.group
}

// Publish replaces the latest sample. The sample must not be modified afterwards.
func (c *Channel) Publish(s Sample) {
	c.latest.Store(&s)
	c.seq.Add(1)
}

// Latest returns a copy of the most recent sample and whether one exists.
func (c *Channel) Latest() (Sample, bool) {
	p := c.latest.Load()
	if p == nil {
		return Sample{}, false
	}
	s := *p
	s.Values = maps.Clone(p.Values)
	return s, true
}

// Seq counts publishes; it lets pollers detect a fresh sample cheaply.
func (c *Channel) Seq() uint64 {
	return c.seq.Load()
}
