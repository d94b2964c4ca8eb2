package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relabs-tech/crazyflie_bridge/internal/config"
	"github.com/relabs-tech/crazyflie_bridge/internal/setpoint"
)

// publishConstant sends cmd on topic every period until ctx is done and
// returns how many messages went out.
func publishConstant(ctx context.Context, publish publishFunc, topic string, cmd setpoint.AttitudeCommand, period time.Duration) uint64 {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var sent uint64
	var lastErr string
	for {
		select {
		case <-ctx.Done():
			return sent
		case <-ticker.C:
		}
		if err := publishJSON(publish, topic, cmd); err != nil {
			if err.Error() != lastErr {
				log.Printf("publisher: %v", err)
				lastErr = err.Error()
			}
			continue
		}
		lastErr = ""
		sent++
	}
}

// RunSetpointPublisher publishes a constant attitude command, a bench test
// for the bridge's attitude adapter.
func RunSetpointPublisher() error {
	cfg := config.Get()
	if cfg == nil {
		return fmt.Errorf("config not initialized")
	}

	client, err := connectMQTT("publisher", cfg.MQTTBroker, cfg.MQTTClientIDPublisher)
	if err != nil {
		return err
	}
	defer client.Disconnect(250)

	cmd := setpoint.AttitudeCommand{Thrust: float64(cfg.PublisherThrust)}
	period := time.Second / time.Duration(cfg.PublisherRateHz)
	log.Printf("publisher: sending %+v to %s at %d Hz", cmd, cfg.TopicAttitude, cfg.PublisherRateHz)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sent := publishConstant(ctx, mqttPublisher(client, false), cfg.TopicAttitude, cmd, period)
	log.Printf("publisher: shutting down after %d messages", sent)
	return nil
}
