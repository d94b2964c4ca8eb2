package app

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/relabs-tech/crazyflie_bridge/internal/bridge"
	"github.com/relabs-tech/crazyflie_bridge/internal/config"
	"github.com/relabs-tech/crazyflie_bridge/internal/telemetry"
)

// formatSample renders a sample as one console line, variables sorted.
func formatSample(s telemetry.Sample) string {
	names := make([]string, 0, len(s.Values))
	for name := range s.Values {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "[%-16s] tick=%-8d", s.Group, s.Tick)
	for _, name := range names {
		fmt.Fprintf(&b, " %s=%8.3f", name, s.Values[name])
	}
	return b.String()
}

func formatStatus(st LinkStatus) string {
	line := fmt.Sprintf("[LINK] %s %s", strings.ToUpper(st.State), st.URI)
	if st.Error != "" {
		line += ": " + st.Error
	}
	return line
}

func RunConsoleMQTT() error {
	cfg := config.Get()
	if cfg == nil {
		return fmt.Errorf("config not initialized")
	}

	client, err := connectMQTT("console", cfg.MQTTBroker, cfg.MQTTClientIDConsole)
	if err != nil {
		return err
	}

	// Subscribe to link status
	err = subscribe(client, "console", cfg.TopicStatus, func(_ mqtt.Client, msg mqtt.Message) {
		var st LinkStatus
		if err := json.Unmarshal(msg.Payload(), &st); err != nil {
			log.Printf("console: status unmarshal error: %v", err)
			return
		}
		fmt.Println(formatStatus(st))
	})
	if err != nil {
		return err
	}

	// Subscribe to every telemetry group
	err = subscribe(client, "console", telemetryTopic(cfg.TopicTelemetryPrefix, "#"), func(_ mqtt.Client, msg mqtt.Message) {
		var s telemetry.Sample
		if err := json.Unmarshal(msg.Payload(), &s); err != nil {
			log.Printf("console: telemetry unmarshal error on %s: %v", msg.Topic(), err)
			return
		}
		fmt.Println(formatSample(s))
	})
	if err != nil {
		return err
	}

	// Subscribe to loop counters
	err = subscribe(client, "console", cfg.TopicStats, func(_ mqtt.Client, msg mqtt.Message) {
		var st bridge.Stats
		if err := json.Unmarshal(msg.Payload(), &st); err != nil {
			log.Printf("console: stats unmarshal error: %v", err)
			return
		}
		fmt.Printf("[STAT] sent=%d failed=%d groups=%d\n", st.Sent, st.Failed, len(st.Groups))
	})
	if err != nil {
		return err
	}

	// Wait for Ctrl+C
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Println("console: shutting down")
	client.Disconnect(250)
	return nil
}
