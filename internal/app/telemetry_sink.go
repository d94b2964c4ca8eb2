package app

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/relabs-tech/crazyflie_bridge/internal/bridge"
	"github.com/relabs-tech/crazyflie_bridge/internal/telemetry"
)

type sampleRecorder interface {
	RecordBatch(ctx context.Context, samples []telemetry.Sample) error
}

// telemetrySink forwards fresh samples from the bridge's channels to the
// topic bus and, when configured, to the flight recorder. A channel whose
// sequence number has not moved since the last flush is skipped.
type telemetrySink struct {
	prefix   string
	channels []*telemetry.Channel
	publish  publishFunc
	recorder sampleRecorder // nil disables recording

	seen      map[string]uint64
	published uint64
	recorded  uint64
}

func newTelemetrySink(prefix string, channels []*telemetry.Channel, publish publishFunc, recorder sampleRecorder) *telemetrySink {
	return &telemetrySink{
		prefix:   prefix,
		channels: channels,
		publish:  publish,
		recorder: recorder,
		seen:     make(map[string]uint64, len(channels)),
	}
}

func telemetryTopic(prefix, group string) string {
	return prefix + "/" + group
}

// flush publishes every channel that has a new sample and returns how many
// it published.
func (s *telemetrySink) flush(ctx context.Context) int {
	var fresh []telemetry.Sample
	for _, ch := range s.channels {
		name := ch.Group().Name
		seq := ch.Seq()
		if seq == s.seen[name] {
			continue
		}
		sample, ok := ch.Latest()
		if !ok {
			continue
		}
		s.seen[name] = seq

		if err := publishJSON(s.publish, telemetryTopic(s.prefix, name), sample); err != nil {
			log.Printf("bridge: telemetry publish %s: %v", name, err)
			continue
		}
		s.published++
		fresh = append(fresh, sample)
	}

	if s.recorder != nil && len(fresh) > 0 {
		if err := s.recorder.RecordBatch(ctx, fresh); err != nil {
			log.Printf("bridge: recorder: %v", err)
		} else {
			s.recorded += uint64(len(fresh))
		}
	}
	return len(fresh)
}

func (s *telemetrySink) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flush(ctx)
		}
	}
}

// statsReporter turns consecutive bridge.Stats snapshots into rates.
type statsReporter struct {
	prev   bridge.Stats
	prevAt time.Time
}

// line formats one stats log line: setpoints sent and per-group receive
// rates since the previous call.
func (r *statsReporter) line(now time.Time, st bridge.Stats) string {
	elapsed := now.Sub(r.prevAt).Seconds()
	if r.prevAt.IsZero() || elapsed <= 0 {
		elapsed = 0
	}

	rate := func(cur, prev uint64) string {
		if elapsed == 0 {
			return "-"
		}
		return humanize.SIWithDigits(float64(cur-prev)/elapsed, 1, "Hz")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "setpoints sent=%s (%s) failed=%s",
		humanize.Comma(int64(st.Sent)), rate(st.Sent, r.prev.Sent), humanize.Comma(int64(st.Failed)))

	names := make([]string, 0, len(st.Groups))
	for name := range st.Groups {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		g := st.Groups[name]
		p := r.prev.Groups[name]
		fmt.Fprintf(&b, " | %s %s", name, rate(g.Received, p.Received))
		if g.Malformed > 0 || g.Timeouts > 0 || g.Errors > 0 {
			fmt.Fprintf(&b, " malformed=%s timeouts=%s errors=%s",
				humanize.Comma(int64(g.Malformed)), humanize.Comma(int64(g.Timeouts)), humanize.Comma(int64(g.Errors)))
		}
	}

	r.prev = st
	r.prevAt = now
	return b.String()
}
