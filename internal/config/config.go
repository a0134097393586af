// Package config loads the controller configuration from YAML.
//
// Values are resolved as defaults, then the config file, then environment
// overrides. Per-light problems do not fail the load: LightConfigs reports
// them as ConfigurationError values so the remaining lights keep working.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/light-brightness/internal/logic"
	"github.com/sweeney/light-brightness/internal/schedule"
)

// Config is the full controller configuration.
type Config struct {
	Defaults  LightDefaults   `yaml:"defaults"`
	Lights    []Light         `yaml:"lights"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	Database  DatabaseConfig  `yaml:"database"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	HTTP      HTTPConfig      `yaml:"http"`
	Logging   LoggingConfig   `yaml:"logging"`
	Recompute RecomputeConfig `yaml:"recompute"`
	GPIO      GPIOConfig      `yaml:"gpio"`
}

// LightDefaults fills in settings a light omits.
type LightDefaults struct {
	OnThreshold   time.Duration     `yaml:"on_threshold"`
	OffThreshold  time.Duration     `yaml:"off_threshold"`
	MinBrightness int               `yaml:"min_brightness"`
	MaxBrightness int               `yaml:"max_brightness"`
	Schedule      schedule.Schedule `yaml:"schedule"`
}

// Light is one managed light as written in the file. Nil fields take the
// value from Defaults.
type Light struct {
	ID            string            `yaml:"id"`
	Name          string            `yaml:"name"`
	OnThreshold   *time.Duration    `yaml:"on_threshold"`
	OffThreshold  *time.Duration    `yaml:"off_threshold"`
	MinBrightness *int              `yaml:"min_brightness"`
	MaxBrightness *int              `yaml:"max_brightness"`
	Schedule      schedule.Schedule `yaml:"schedule"`
	// GPIOLine is an optional sense line reporting the light's on/off state.
	GPIOLine  *int `yaml:"gpio_line"`
	ActiveLow bool `yaml:"active_low"`
}

// MQTTConfig configures the broker connection and topic layout.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	BufferSize  int    `yaml:"buffer_size"`
}

// DatabaseConfig locates the setpoint database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// InfluxDBConfig configures the optional history writer.
type InfluxDBConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Token   string `yaml:"token"`
	Org     string `yaml:"org"`
	Bucket  string `yaml:"bucket"`
}

// HTTPConfig configures the status server. An empty Addr disables it.
type HTTPConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RecomputeConfig drives the periodic brightness recompute.
type RecomputeConfig struct {
	Interval           time.Duration `yaml:"interval"`
	StartDelay         time.Duration `yaml:"start_delay"`
	FollowUpDelay      time.Duration `yaml:"follow_up_delay"`
	FollowUpTransition time.Duration `yaml:"follow_up_transition"`
	Heartbeat          time.Duration `yaml:"heartbeat"`
}

// GPIOConfig configures the optional sense lines.
type GPIOConfig struct {
	Chip         string        `yaml:"chip"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Glitch       time.Duration `yaml:"glitch"`
}

// ConfigurationError reports an invalid light. The light is skipped.
type ConfigurationError struct {
	Light string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("light %q: %v", e.Light, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// Load reads path and returns the resolved configuration.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse resolves a configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Defaults: LightDefaults{
			OnThreshold:   2 * time.Second,
			OffThreshold:  5 * time.Second,
			MinBrightness: 10,
			MaxBrightness: 100,
			Schedule: schedule.Schedule{
				{Start: schedule.MustParseTimeOfDay("06:00"), End: schedule.MustParseTimeOfDay("08:00"), Level: schedule.Max},
				{Start: schedule.MustParseTimeOfDay("08:00"), End: schedule.MustParseTimeOfDay("22:00"), Level: schedule.Literal(50)},
				{Start: schedule.MustParseTimeOfDay("22:00"), End: schedule.MustParseTimeOfDay("06:00"), Level: schedule.Min},
			},
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "light-brightness",
			TopicPrefix: "lights",
			QoS:         1,
			BufferSize:  1000,
		},
		Database: DatabaseConfig{
			Path: "./data/light-brightness.db",
		},
		InfluxDB: InfluxDBConfig{
			URL:    "http://localhost:8086",
			Bucket: "lights",
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Recompute: RecomputeConfig{
			Interval:           300 * time.Second,
			StartDelay:         time.Second,
			FollowUpDelay:      logic.DefaultFollowUpDelay,
			FollowUpTransition: logic.DefaultFollowUpTransition,
			Heartbeat:          15 * time.Minute,
		},
		GPIO: GPIOConfig{
			Chip:         "gpiochip0",
			PollInterval: 50 * time.Millisecond,
			Glitch:       250 * time.Millisecond,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LIGHTS_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("LIGHTS_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v, ok := os.LookupEnv("LIGHTS_HTTP_ADDR"); ok {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("LIGHTS_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}
	if v := os.Getenv("LIGHTS_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks settings that affect the whole process. Per-light
// problems are reported by LightConfigs instead.
func (c *Config) Validate() error {
	var errs []string

	if len(c.Lights) == 0 {
		errs = append(errs, "at least one light is required")
	}
	if c.MQTT.Broker == "" {
		errs = append(errs, "mqtt.broker is required")
	}
	if c.MQTT.TopicPrefix == "" || strings.ContainsAny(c.MQTT.TopicPrefix, "#+") {
		errs = append(errs, "mqtt.topic_prefix must be non-empty and contain no wildcards")
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1 or 2")
	}
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when enabled")
	}
	if c.Recompute.Interval <= 0 {
		errs = append(errs, "recompute.interval must be positive")
	}
	if c.Recompute.FollowUpDelay < 0 || c.Recompute.FollowUpTransition < 0 {
		errs = append(errs, "recompute follow-up settings must not be negative")
	}
	if c.GPIO.PollInterval <= 0 {
		errs = append(errs, "gpio.poll_interval must be positive")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// LightConfigs resolves every light against Defaults. Invalid lights are
// left out and reported as *ConfigurationError.
func (c *Config) LightConfigs() ([]logic.LightConfig, []error) {
	var (
		out  []logic.LightConfig
		errs []error
		seen = make(map[string]bool)
	)
	for i, l := range c.Lights {
		lc, err := c.resolve(l)
		if err == nil && seen[lc.ID] {
			err = errors.New("duplicate id")
		}
		if err != nil {
			name := l.ID
			if name == "" {
				name = fmt.Sprintf("#%d", i)
			}
			errs = append(errs, &ConfigurationError{Light: name, Err: err})
			continue
		}
		seen[lc.ID] = true
		out = append(out, lc)
	}
	return out, errs
}

func (c *Config) resolve(l Light) (logic.LightConfig, error) {
	lc := logic.LightConfig{
		ID:            l.ID,
		Name:          l.Name,
		OnThreshold:   c.Defaults.OnThreshold,
		OffThreshold:  c.Defaults.OffThreshold,
		MinBrightness: c.Defaults.MinBrightness,
		MaxBrightness: c.Defaults.MaxBrightness,
		Schedule:      c.Defaults.Schedule,
	}
	if l.OnThreshold != nil {
		lc.OnThreshold = *l.OnThreshold
	}
	if l.OffThreshold != nil {
		lc.OffThreshold = *l.OffThreshold
	}
	if l.MinBrightness != nil {
		lc.MinBrightness = *l.MinBrightness
	}
	if l.MaxBrightness != nil {
		lc.MaxBrightness = *l.MaxBrightness
	}
	if len(l.Schedule) > 0 {
		lc.Schedule = l.Schedule
	}

	switch {
	case lc.ID == "":
		return lc, errors.New("id is required")
	case strings.ContainsAny(lc.ID, "/#+ "):
		return lc, errors.New("id must not contain '/', '#', '+' or spaces")
	case lc.OnThreshold < 0 || lc.OffThreshold < 0:
		return lc, errors.New("thresholds must not be negative")
	case lc.MinBrightness < 0 || lc.MaxBrightness > 100:
		return lc, errors.New("brightness limits must be within 0-100")
	case lc.MinBrightness > lc.MaxBrightness:
		return lc, fmt.Errorf("min_brightness %d exceeds max_brightness %d", lc.MinBrightness, lc.MaxBrightness)
	case len(lc.Schedule) == 0:
		return lc, errors.New("schedule is empty")
	}
	return lc, nil
}

// GPIOLines returns the configured sense line offset per light id.
func (c *Config) GPIOLines() map[string]GPIOLine {
	lines := make(map[string]GPIOLine)
	for _, l := range c.Lights {
		if l.GPIOLine != nil && l.ID != "" {
			lines[l.ID] = GPIOLine{Offset: *l.GPIOLine, ActiveLow: l.ActiveLow}
		}
	}
	return lines
}

// GPIOLine is one sense line.
type GPIOLine struct {
	Offset    int
	ActiveLow bool
}
