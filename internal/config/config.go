// Package config loads the daemon configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults tuned for the stock flow sensor. Changing them changes pour detection.
const (
	DefaultGPIOChip          = "gpiochip0"
	DefaultDebounce          = 5 * time.Millisecond
	DefaultPollInterval      = 500 * time.Millisecond
	DefaultActivityThreshold = 10
	DefaultStopThreshold     = 3
	DefaultMinPourLiters     = 0.06
	DefaultKFactor           = 5100.0
	DefaultLowVolumeLiters   = 2.0
	DefaultInventoryPath     = "/var/lib/flowmeter/inventory.json"
	DefaultHistoryPath       = "/var/lib/flowmeter/history.db"
	DefaultBroker            = "tcp://127.0.0.1:1883"
	DefaultClientID          = "flowmeter"
	DefaultTopicPrefix       = "beverage/flowmeter"
	DefaultHTTPAddr          = ":80"
	DefaultHeartbeat         = 15 * time.Minute
)

// Tap describes one physical dispensing channel.
type Tap struct {
	Name string `yaml:"name"`
	Pin  int    `yaml:"pin"`
}

// MQTT holds broker settings.
type MQTT struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// Config is the full daemon configuration.
type Config struct {
	GPIOChip          string        `yaml:"gpio_chip"`
	Taps              []Tap         `yaml:"taps"`
	Debounce          time.Duration `yaml:"debounce"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	ActivityThreshold uint64        `yaml:"activity_threshold"`
	StopThreshold     uint64        `yaml:"stop_threshold"`
	MinPourLiters     float64       `yaml:"min_pour_liters"`
	DefaultKFactor    float64       `yaml:"default_k_factor"`
	LowVolumeLiters   float64       `yaml:"low_volume_liters"`
	InventoryPath     string        `yaml:"inventory_path"`
	HistoryPath       string        `yaml:"history_path"`
	MQTT              MQTT          `yaml:"mqtt"`
	HTTPAddr          string        `yaml:"http_addr"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	Simulate          bool          `yaml:"simulate"`
	LogLevel          string        `yaml:"log_level"`
}

// Default returns a configuration with every default applied and two taps
// on BCM pins 17 and 27.
func Default() *Config {
	cfg := &Config{
		Taps: []Tap{{Name: "tap-1", Pin: 17}, {Name: "tap-2", Pin: 27}},
	}
	cfg.applyDefaults()
	return cfg
}

// Load reads path, applies defaults and validates. A missing file yields Default().
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(raw)
}

// Parse decodes YAML bytes, applies defaults and validates.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.GPIOChip == "" {
		c.GPIOChip = DefaultGPIOChip
	}
	if c.Debounce == 0 {
		c.Debounce = DefaultDebounce
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ActivityThreshold == 0 {
		c.ActivityThreshold = DefaultActivityThreshold
	}
	if c.StopThreshold == 0 {
		c.StopThreshold = DefaultStopThreshold
	}
	if c.MinPourLiters == 0 {
		c.MinPourLiters = DefaultMinPourLiters
	}
	if c.DefaultKFactor == 0 {
		c.DefaultKFactor = DefaultKFactor
	}
	if c.LowVolumeLiters == 0 {
		c.LowVolumeLiters = DefaultLowVolumeLiters
	}
	if c.InventoryPath == "" {
		c.InventoryPath = DefaultInventoryPath
	}
	if c.HistoryPath == "" {
		c.HistoryPath = DefaultHistoryPath
	}
	if c.MQTT.Broker == "" {
		c.MQTT.Broker = DefaultBroker
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = DefaultClientID
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = DefaultTopicPrefix
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = DefaultHTTPAddr
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	for i := range c.Taps {
		if c.Taps[i].Name == "" {
			c.Taps[i].Name = fmt.Sprintf("tap-%d", i+1)
		}
	}
}

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	if len(c.Taps) == 0 {
		return errors.New("config: at least one tap is required")
	}
	seen := make(map[int]string, len(c.Taps))
	for _, t := range c.Taps {
		if t.Pin < 0 {
			return fmt.Errorf("config: tap %q has negative pin %d", t.Name, t.Pin)
		}
		if other, ok := seen[t.Pin]; ok {
			return fmt.Errorf("config: taps %q and %q share pin %d", other, t.Name, t.Pin)
		}
		seen[t.Pin] = t.Name
	}
	if c.PollInterval < 0 || c.Debounce < 0 || c.Heartbeat < 0 {
		return errors.New("config: durations must not be negative")
	}
	if c.StopThreshold >= c.ActivityThreshold {
		return fmt.Errorf("config: stop_threshold %d must be below activity_threshold %d", c.StopThreshold, c.ActivityThreshold)
	}
	if c.MinPourLiters < 0 {
		return errors.New("config: min_pour_liters must not be negative")
	}
	if c.DefaultKFactor <= 0 {
		return errors.New("config: default_k_factor must be positive")
	}
	return nil
}

// Pins returns the tap pins in tap order.
func (c *Config) Pins() []int {
	pins := make([]int, len(c.Taps))
	for i, t := range c.Taps {
		pins[i] = t.Pin
	}
	return pins
}
