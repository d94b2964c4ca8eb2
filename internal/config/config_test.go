package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bridge_config.txt")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMinimalUsesDefaults(t *testing.T) {
	path := writeConfig(t, `
# broker and vehicle are all that is required
MQTT_BROKER=tcp://localhost:1883
LINK_URI = sim://cf1
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MQTTBroker != "tcp://localhost:1883" || cfg.LinkURI != "sim://cf1" {
		t.Fatalf("required values = %q, %q", cfg.MQTTBroker, cfg.LinkURI)
	}
	if cfg.TransmitRateHz != 200 || cfg.ScanInterval != 5000 {
		t.Errorf("defaults not applied: rate=%d scan=%d", cfg.TransmitRateHz, cfg.ScanInterval)
	}
	if !cfg.HasAdapter(AdapterAttitude) || cfg.HasAdapter(AdapterTwist) {
		t.Errorf("adapters = %v, want attitude only", cfg.CommandAdapters)
	}
	if cfg.TopicStatus != "crazyflie_comms/status" {
		t.Errorf("TopicStatus = %q", cfg.TopicStatus)
	}
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `MQTT_BROKER=tcp://broker:1883
LINK_URI=serial:///dev/ttyUSB0
COMMAND_ADAPTERS=Twist, attitude
TOPIC_TELEMETRY_PREFIX=cf/telemetry/
TRANSMIT_RATE_HZ=100
RECEIVE_TIMEOUT_MS=500
RECORDER_DB=/tmp/flight.db
PUBLISHER_THRUST=0
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !cfg.HasAdapter(AdapterTwist) || !cfg.HasAdapter(AdapterAttitude) {
		t.Errorf("adapters = %v", cfg.CommandAdapters)
	}
	if cfg.TopicTelemetryPrefix != "cf/telemetry" {
		t.Errorf("prefix = %q", cfg.TopicTelemetryPrefix)
	}
	if cfg.TransmitRateHz != 100 || Millis(cfg.ReceiveTimeout) != 500*time.Millisecond {
		t.Errorf("rate=%d timeout=%d", cfg.TransmitRateHz, cfg.ReceiveTimeout)
	}
	if cfg.RecorderDB != "/tmp/flight.db" || cfg.PublisherThrust != 0 {
		t.Errorf("recorder=%q thrust=%d", cfg.RecorderDB, cfg.PublisherThrust)
	}
}

func TestLoadErrors(t *testing.T) {
	base := "MQTT_BROKER=tcp://localhost:1883\nLINK_URI=sim://cf1\n"
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing broker", "LINK_URI=sim://cf1\n", "MQTT_BROKER is required"},
		{"missing link", "MQTT_BROKER=tcp://x:1883\n", "LINK_URI is required"},
		{"no equals", base + "JUNK\n", "invalid config line 3"},
		{"unknown key", base + "NOPE=1\n", "unknown config key"},
		{"bad int", base + "TRANSMIT_RATE_HZ=fast\n", "invalid TRANSMIT_RATE_HZ"},
		{"zero rate", base + "TRANSMIT_RATE_HZ=0\n", "must be positive"},
		{"rate too high", base + "TRANSMIT_RATE_HZ=5000\n", "at most 1000"},
		{"bad adapter", base + "COMMAND_ADAPTERS=joystick\n", "unknown adapter"},
		{"empty adapters", base + "COMMAND_ADAPTERS= , \n", "at least one adapter"},
		{"thrust range", base + "PUBLISHER_THRUST=70000\n", "0-65535"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load() error = %v, want it to contain %q", err, tt.want)
			}
		})
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.txt")); err == nil {
		t.Fatal("Load() of a missing file returned nil error")
	}
}
