// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/relabs-tech/crazyflie_bridge/internal/bridge"
	"github.com/relabs-tech/crazyflie_bridge/internal/config"
	"github.com/relabs-tech/crazyflie_bridge/internal/link"
	"github.com/relabs-tech/crazyflie_bridge/internal/link/serial"
	"github.com/relabs-tech/crazyflie_bridge/internal/link/sim"
	"github.com/relabs-tech/crazyflie_bridge/internal/storage"
	"github.com/relabs-tech/crazyflie_bridge/internal/telemetry"
)

// newRegistry returns the link drivers the bridge can open. The simulator
// only carries a vehicle when the configured link points at it.
func newRegistry(cfg *config.Config, target link.URI) *link.Registry {
	simDriver := sim.NewDriver()
	if target.Scheme == sim.Scheme {
		simDriver = sim.NewDriver(target.Host)
	}
	return link.NewRegistry(simDriver, serial.NewDriver(uint(cfg.SerialBaudRate)))
}

func loadGroups(cfg *config.Config) ([]telemetry.Group, error) {
	if cfg.TelemetryGroupsFile == "" {
		return telemetry.DefaultGroups(), nil
	}
	groups, err := telemetry.LoadGroups(cfg.TelemetryGroupsFile)
	if err != nil {
		return nil, err
	}
	log.Printf("bridge: loaded %d telemetry groups from %s", len(groups), cfg.TelemetryGroupsFile)
	return groups, nil
}

// RunBridge connects the topic bus to the configured vehicle until SIGINT or
// SIGTERM.
func RunBridge() error {
	cfg := config.Get()
	if cfg == nil {
		return fmt.Errorf("config not initialized")
	}

	target, err := link.ParseURI(cfg.LinkURI)
	if err != nil {
		return fmt.Errorf("LINK_URI: %w", err)
	}
	groups, err := loadGroups(cfg)
	if err != nil {
		return err
	}

	registry := newRegistry(cfg, target)
	session := link.NewSession(registry)
	b, err := bridge.New(session, groups,
		bridge.WithTransmitRate(cfg.TransmitRateHz),
		bridge.WithReceiveTimeout(config.Millis(cfg.ReceiveTimeout)),
		bridge.WithRetryDelay(config.Millis(cfg.ReceiveRetry)),
	)
	if err != nil {
		return err
	}

	// --- connect to MQTT ---
	client, err := connectMQTT("bridge", cfg.MQTTBroker, cfg.MQTTClientIDBridge)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	publish := mqttPublisher(client, false)
	publishRetained := mqttPublisher(client, true)

	session.OnTransition(func(t link.Transition) {
		st := statusFromTransition(t)
		logTransition(st)
		if err := publishJSON(publishRetained, cfg.TopicStatus, st); err != nil {
			log.Printf("bridge: status publish: %v", err)
		}
	})
	_ = publishJSON(publishRetained, cfg.TopicStatus, LinkStatus{State: link.Disconnected.String(), URI: target.String(), At: time.Now()})

	// --- command adapters ---
	if cfg.HasAdapter(config.AdapterAttitude) {
		if err := subscribe(client, "bridge", cfg.TopicAttitude, attitudeHandler(b.Register())); err != nil {
			return err
		}
	}
	if cfg.HasAdapter(config.AdapterTwist) {
		if err := subscribe(client, "bridge", cfg.TopicTwist, twistHandler(b.Register())); err != nil {
			return err
		}
	}

	// --- optional flight recorder ---
	var recorder sampleRecorder
	var rec *storage.Recorder
	if cfg.RecorderDB != "" {
		rec = storage.NewRecorder(cfg.RecorderDB)
		recorder = rec
		log.Printf("bridge: recording telemetry to %s", cfg.RecorderDB)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink := newTelemetrySink(cfg.TopicTelemetryPrefix, b.Channels(), publish, recorder)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		superviseLink(ctx, session, registry, cfg.LinkURI, config.Millis(cfg.ScanInterval))
	}()
	go func() {
		defer wg.Done()
		sink.run(ctx, config.Millis(cfg.TelemetryPublish))
	}()
	go func() {
		defer wg.Done()
		runStats(ctx, b, publish, cfg.TopicStats, config.Millis(cfg.StatsInterval))
	}()

	log.Printf("bridge: waiting for %s (adapters: %v, %d Hz)", cfg.LinkURI, cfg.CommandAdapters, cfg.TransmitRateHz)
	if err := b.Run(ctx); err != nil {
		log.Printf("bridge: %v", err)
	}

	log.Println("bridge: shutting down")
	wg.Wait()
	if err := session.Close(); err != nil {
		log.Printf("bridge: closing link: %v", err)
	}

	if rec != nil {
		// ctx is already cancelled here.
		if n, err := rec.Count(context.Background(), ""); err == nil {
			log.Printf("bridge: recorder holds %s samples", humanize.Comma(n))
		}
		if err := rec.Close(); err != nil {
			log.Printf("bridge: closing recorder: %v", err)
		}
	}
	return nil
}

func runStats(ctx context.Context, b *bridge.Bridge, publish publishFunc, topic string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	reporter := &statsReporter{prevAt: time.Now()}
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			st := b.Stats()
			log.Printf("bridge: %s", reporter.line(now, st))
			if err := publishJSON(publish, topic, st); err != nil {
				log.Printf("bridge: stats publish: %v", err)
			}
		}
	}
}
