package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Command adapter names accepted by COMMAND_ADAPTERS.
const (
	AdapterAttitude = "attitude"
	AdapterTwist    = "twist"
)

// Config holds all application configuration values.
type Config struct {
	// MQTT
	MQTTBroker            string
	MQTTClientIDBridge    string
	MQTTClientIDPublisher string
	MQTTClientIDConsole   string
	MQTTClientIDWeb       string

	// Topics
	TopicAttitude        string // inbound attitude setpoints, radians
	TopicTwist           string // inbound motion commands
	TopicStatus          string // link status
	TopicTelemetryPrefix string // telemetry is published on <prefix>/<group>
	TopicStats           string // loop counters

	// Command adapters: "attitude", "twist" or both, comma separated
	CommandAdapters []string

	// Vehicle link
	LinkURI        string
	SerialBaudRate int
	ScanInterval   int // milliseconds

	// Loops
	TransmitRateHz   int
	ReceiveTimeout   int // milliseconds
	ReceiveRetry     int // milliseconds
	TelemetryPublish int // milliseconds
	StatsInterval    int // milliseconds

	// Optional files
	TelemetryGroupsFile string // YAML group definitions; built-in groups when empty
	RecorderDB          string // SQLite flight log; disabled when empty

	// Web Server
	WebServerPort int

	// Setpoint publisher
	PublisherRateHz int
	PublisherThrust int
}

// Package-level unexported variables for singleton pattern:
//   - globalConfig: unexported so other packages cannot modify it without locking.
//   - configOnce: ensures InitGlobal() only runs once, even if called multiple times.
//   - configMu: RWMutex; write lock for initialization, read lock for Get().
var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// Default returns a Config with every optional value filled in.
func Default() *Config {
	return &Config{
		MQTTClientIDBridge:    "crazyflie-bridge",
		MQTTClientIDPublisher: "crazyflie-setpoint-publisher",
		MQTTClientIDConsole:   "crazyflie-console",
		MQTTClientIDWeb:       "crazyflie-web",

		TopicAttitude:        "crazyflie/controller/ypr",
		TopicTwist:           "crazyflie/cmd_vel",
		TopicStatus:          "crazyflie_comms/status",
		TopicTelemetryPrefix: "crazyflie/telemetry",
		TopicStats:           "crazyflie_comms/stats",

		CommandAdapters: []string{AdapterAttitude},

		SerialBaudRate: 115200,
		ScanInterval:   5000,

		TransmitRateHz:   200,
		ReceiveTimeout:   1000,
		ReceiveRetry:     250,
		TelemetryPublish: 20,
		StatsInterval:    10000,

		WebServerPort: 8080,

		PublisherRateHz: 200,
		PublisherThrust: 1000,
	}
}

// Load reads the configuration file and returns a Config struct.
func Load(configPath string) (*Config, error) {
	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	cfg := Default()
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse KEY=VALUE
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid config line %d: %q", lineNum, line)
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		if err := cfg.setValue(key, value); err != nil {
			return nil, fmt.Errorf("config line %d: %w", lineNum, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func positiveInt(key, value string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %d", key, v)
	}
	return v, nil
}

// setValue sets a config value based on the key.
func (c *Config) setValue(key, value string) error {
	var err error
	switch key {
	// MQTT
	case "MQTT_BROKER":
		c.MQTTBroker = value
	case "MQTT_CLIENT_ID_BRIDGE":
		c.MQTTClientIDBridge = value
	case "MQTT_CLIENT_ID_PUBLISHER":
		c.MQTTClientIDPublisher = value
	case "MQTT_CLIENT_ID_CONSOLE":
		c.MQTTClientIDConsole = value
	case "MQTT_CLIENT_ID_WEB":
		c.MQTTClientIDWeb = value

	// Topics
	case "TOPIC_ATTITUDE":
		c.TopicAttitude = value
	case "TOPIC_TWIST":
		c.TopicTwist = value
	case "TOPIC_STATUS":
		c.TopicStatus = value
	case "TOPIC_TELEMETRY_PREFIX":
		c.TopicTelemetryPrefix = strings.TrimSuffix(value, "/")
	case "TOPIC_STATS":
		c.TopicStats = value

	case "COMMAND_ADAPTERS":
		var adapters []string
		for _, a := range strings.Split(value, ",") {
			a = strings.ToLower(strings.TrimSpace(a))
			if a == "" {
				continue
			}
			if a != AdapterAttitude && a != AdapterTwist {
				return fmt.Errorf("COMMAND_ADAPTERS: unknown adapter %q (want %q or %q)", a, AdapterAttitude, AdapterTwist)
			}
			adapters = append(adapters, a)
		}
		c.CommandAdapters = adapters

	// Vehicle link
	case "LINK_URI":
		c.LinkURI = value
	case "SERIAL_BAUD_RATE":
		c.SerialBaudRate, err = positiveInt(key, value)
	case "SCAN_INTERVAL_MS":
		c.ScanInterval, err = positiveInt(key, value)

	// Loops
	case "TRANSMIT_RATE_HZ":
		c.TransmitRateHz, err = positiveInt(key, value)
		if err == nil && c.TransmitRateHz > 1000 {
			return fmt.Errorf("TRANSMIT_RATE_HZ must be at most 1000, got %d", c.TransmitRateHz)
		}
	case "RECEIVE_TIMEOUT_MS":
		c.ReceiveTimeout, err = positiveInt(key, value)
	case "RECEIVE_RETRY_MS":
		c.ReceiveRetry, err = positiveInt(key, value)
	case "TELEMETRY_PUBLISH_INTERVAL_MS":
		c.TelemetryPublish, err = positiveInt(key, value)
	case "STATS_INTERVAL_MS":
		c.StatsInterval, err = positiveInt(key, value)

	// Optional files
	case "TELEMETRY_GROUPS_FILE":
		c.TelemetryGroupsFile = value
	case "RECORDER_DB":
		c.RecorderDB = value

	// Web Server
	case "WEB_SERVER_PORT":
		c.WebServerPort, err = positiveInt(key, value)

	// Setpoint publisher
	case "PUBLISHER_RATE_HZ":
		c.PublisherRateHz, err = positiveInt(key, value)
	case "PUBLISHER_THRUST":
		thrust, convErr := strconv.Atoi(value)
		if convErr != nil {
			return fmt.Errorf("invalid PUBLISHER_THRUST %q: %w", value, convErr)
		}
		if thrust < 0 || thrust > 65535 {
			return fmt.Errorf("PUBLISHER_THRUST must be 0-65535, got %d", thrust)
		}
		c.PublisherThrust = thrust

	default:
		return fmt.Errorf("unknown config key: %q", key)
	}

	return err
}

// validate checks that all required fields are set.
func (c *Config) validate() error {
	if c.MQTTBroker == "" {
		return fmt.Errorf("MQTT_BROKER is required")
	}
	if c.LinkURI == "" {
		return fmt.Errorf("LINK_URI is required")
	}
	if len(c.CommandAdapters) == 0 {
		return fmt.Errorf("COMMAND_ADAPTERS must name at least one adapter")
	}
	return nil
}

// HasAdapter reports whether the named command adapter is enabled.
func (c *Config) HasAdapter(name string) bool {
	for _, a := range c.CommandAdapters {
		if a == name {
			return true
		}
	}
	return false
}

// Millis converts a millisecond setting to a Duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// InitGlobal initializes the global configuration from file.
// Uses sync.Once to ensure this only runs once, even if called multiple times.
func InitGlobal(configPath string) error {
	var err error
	configOnce.Do(func() {
		configMu.Lock()
		defer configMu.Unlock()
		globalConfig, err = Load(configPath)
	})
	return err
}

// Get returns the global configuration instance.
// InitGlobal must be called first, or this will return nil.
func Get() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}
