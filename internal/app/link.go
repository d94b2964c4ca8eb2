package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/relabs-tech/crazyflie_bridge/internal/link"
)

// LinkStatus is published on the status topic on every link state change.
type LinkStatus struct {
	State string    `json:"state"` // connecting, connected, failed, lost, disconnected
	URI   string    `json:"uri"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

func statusFromTransition(t link.Transition) LinkStatus {
	st := LinkStatus{State: t.To.String(), URI: t.URI, At: t.At}
	if t.To == link.Disconnected && t.Lost {
		st.State = "lost"
	}
	if t.Err != nil {
		st.Error = t.Err.Error()
	}
	return st
}

func logTransition(st LinkStatus) {
	switch st.State {
	case "connecting":
		log.Printf("bridge: connecting to %s", st.URI)
	case "connected":
		log.Printf("bridge: connected to %s", st.URI)
	case "failed":
		log.Printf("bridge: connection to %s failed: %s", st.URI, st.Error)
	case "lost":
		log.Printf("bridge: connection to %s lost: %s", st.URI, st.Error)
	default:
		log.Printf("bridge: disconnected from %s", st.URI)
	}
}

// waitForVehicle scans every interval until target is among the scanned
// links, then returns target. It only fails when ctx is done.
func waitForVehicle(ctx context.Context, scanner link.Driver, target string, interval time.Duration) (string, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		found, err := scanner.Scan(ctx)
		if err != nil {
			log.Printf("bridge: scan attempt %d failed: %v", attempt, err)
		}
		for _, uri := range found {
			if link.Matches(uri, target) {
				if attempt > 1 {
					log.Printf("bridge: found %s after %d attempts", target, attempt)
				}
				return target, nil
			}
		}
		if err == nil {
			log.Printf("bridge: attempt %d, %s not found (available: %v)", attempt, target, found)
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("scanning for %s: %w", target, ctx.Err())
		case <-ticker.C:
		}
	}
}

// superviseLink keeps the session connected to target: scan, open, wait for
// the connection to go away, repeat. It returns when ctx is done.
func superviseLink(ctx context.Context, session *link.Session, scanner link.Driver, target string, interval time.Duration) {
	down := make(chan struct{}, 1)
	session.OnTransition(func(t link.Transition) {
		if t.To == link.Disconnected {
			select {
			case down <- struct{}{}:
			default:
			}
		}
	})

	for {
		uri, err := waitForVehicle(ctx, scanner, target, interval)
		if err != nil {
			return
		}

		select {
		case <-down:
		default:
		}

		if err := session.Open(ctx, uri); err != nil {
			// Failed must be closed before the next Open.
			_ = session.Close()
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-down:
		}
	}
}
