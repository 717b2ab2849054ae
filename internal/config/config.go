package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// DefaultPath is the config file consulted when --config is not given.
// A missing file at this path is not an error.
const DefaultPath = "/etc/systemd-mqtt/config.yaml"

// defaultPath is swapped out by tests.
var defaultPath = DefaultPath

var (
	// ErrPasswordWithoutUsername is returned when a broker password is
	// configured without a username. Detected before any connection attempt.
	ErrPasswordWithoutUsername = errors.New("MQTT password is set but username is empty")

	// ErrTwoPasswordSources is returned when both an inline password and a
	// password file are configured.
	ErrTwoPasswordSources = errors.New("MQTT password and password file are mutually exclusive")
)

type Config struct {
	MQTT     MQTT     `yaml:"mqtt"`
	Shutdown Shutdown `yaml:"shutdown"`
	Units    []string `yaml:"units" env:"SYSTEMD_MQTT_UNITS" envSeparator:","`
	Log      Log      `yaml:"log"`
}

type MQTT struct {
	Host string `yaml:"host" env:"SYSTEMD_MQTT_HOST"`
	Port int    `yaml:"port" env:"SYSTEMD_MQTT_PORT"`

	// BrokerURL, when set, is passed to the MQTT client verbatim
	// (e.g. wss://broker.example/mqtt) instead of being derived from
	// Host and Port.
	BrokerURL string `yaml:"broker_url" env:"SYSTEMD_MQTT_BROKER_URL"`

	Username     string `yaml:"username" env:"SYSTEMD_MQTT_USERNAME"`
	Password     string `yaml:"password" env:"SYSTEMD_MQTT_PASSWORD"`
	PasswordFile string `yaml:"password_file" env:"SYSTEMD_MQTT_PASSWORD_FILE"`

	TopicPrefix string `yaml:"topic_prefix" env:"SYSTEMD_MQTT_TOPIC_PREFIX"`
	ClientID    string `yaml:"client_id" env:"SYSTEMD_MQTT_CLIENT_ID"`

	TLS TLS `yaml:"tls"`
}

type TLS struct {
	Enabled *bool  `yaml:"enabled" env:"SYSTEMD_MQTT_TLS"`
	CAFile  string `yaml:"ca_file" env:"SYSTEMD_MQTT_TLS_CA_FILE"`
	// Insecure disables certificate hostname verification.
	Insecure bool `yaml:"insecure" env:"SYSTEMD_MQTT_TLS_INSECURE"`
}

type Shutdown struct {
	// Delay between receiving a poweroff/reboot command and the scheduled
	// shutdown time.
	Delay time.Duration `yaml:"delay" env:"SYSTEMD_MQTT_SHUTDOWN_DELAY"`
}

// UnmarshalYAML accepts time.ParseDuration syntax for the delay, which
// yaml.v3 does not support natively.
func (s *Shutdown) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Delay string `yaml:"delay"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.Delay == "" {
		return nil
	}
	d, err := time.ParseDuration(raw.Delay)
	if err != nil {
		return fmt.Errorf("parse shutdown delay: %w", err)
	}
	s.Delay = d
	return nil
}

type Log struct {
	Level  string `yaml:"level" env:"SYSTEMD_MQTT_LOG_LEVEL"`
	Format string `yaml:"format" env:"SYSTEMD_MQTT_LOG_FORMAT"`
}

// Overrides carries CLI flag values. Empty strings and zero ints mean
// "not set"; booleans are one-directional and only apply when true.
type Overrides struct {
	ConfigFile string

	Host         string
	Port         int
	BrokerURL    string
	Username     string
	Password     string
	PasswordFile string
	TopicPrefix  string
	ClientID     string

	DisableTLS  bool
	TLSInsecure bool
	TLSCAFile   string

	ShutdownDelay    time.Duration
	ShutdownDelaySet bool

	Units []string

	LogLevel  string
	LogFormat string
}

// Load resolves configuration from flags > env > config file.
func Load(o Overrides) (*Config, error) {
	cfg := &Config{}

	// 1. Load config file as base
	path := o.ConfigFile
	explicit := path != ""
	if path == "" {
		path = defaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	case explicit:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// 2. Environment variables override config file
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	// 3. CLI flags override everything
	o.apply(cfg)

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.resolvePassword(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (o Overrides) apply(cfg *Config) {
	if o.Host != "" {
		cfg.MQTT.Host = o.Host
	}
	if o.Port != 0 {
		cfg.MQTT.Port = o.Port
	}
	if o.BrokerURL != "" {
		cfg.MQTT.BrokerURL = o.BrokerURL
	}
	if o.Username != "" {
		cfg.MQTT.Username = o.Username
	}
	if o.Password != "" {
		cfg.MQTT.Password = o.Password
	}
	if o.PasswordFile != "" {
		cfg.MQTT.PasswordFile = o.PasswordFile
	}
	if o.TopicPrefix != "" {
		cfg.MQTT.TopicPrefix = o.TopicPrefix
	}
	if o.ClientID != "" {
		cfg.MQTT.ClientID = o.ClientID
	}
	if o.DisableTLS {
		off := false
		cfg.MQTT.TLS.Enabled = &off
	}
	if o.TLSInsecure {
		cfg.MQTT.TLS.Insecure = true
	}
	if o.TLSCAFile != "" {
		cfg.MQTT.TLS.CAFile = o.TLSCAFile
	}
	if o.ShutdownDelaySet {
		cfg.Shutdown.Delay = o.ShutdownDelay
	}
	if len(o.Units) > 0 {
		cfg.Units = o.Units
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		cfg.Log.Format = o.LogFormat
	}
}

func (c *Config) applyDefaults() error {
	if c.MQTT.TLS.Enabled == nil {
		on := true
		c.MQTT.TLS.Enabled = &on
	}
	if c.MQTT.Port == 0 {
		if *c.MQTT.TLS.Enabled {
			c.MQTT.Port = 8883
		} else {
			c.MQTT.Port = 1883
		}
	}
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("determine hostname: %w", err)
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "systemctl/" + hostname
	}
	c.MQTT.TopicPrefix = strings.TrimRight(c.MQTT.TopicPrefix, "/")
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "systemd-mqtt-" + hostname
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "auto"
	}
	return nil
}

func (c *Config) resolvePassword() error {
	if c.MQTT.PasswordFile == "" {
		return nil
	}
	if c.MQTT.Password != "" {
		return ErrTwoPasswordSources
	}
	data, err := os.ReadFile(c.MQTT.PasswordFile)
	if err != nil {
		return fmt.Errorf("read password file: %w", err)
	}
	c.MQTT.Password = strings.TrimRight(string(data), "\r\n")
	return nil
}

// Validate checks the resolved configuration. The bridge runtime re-runs
// it before any network connection is attempted.
func (c *Config) Validate() error {
	if c.MQTT.Host == "" && c.MQTT.BrokerURL == "" {
		return errors.New("MQTT broker host is required (--host, SYSTEMD_MQTT_HOST, or config file)")
	}
	if c.MQTT.Password != "" && c.MQTT.Username == "" {
		return ErrPasswordWithoutUsername
	}
	if c.Shutdown.Delay < 0 {
		return errors.New("shutdown delay must not be negative")
	}
	if c.MQTT.TopicPrefix == "" {
		return errors.New("topic prefix must not be empty")
	}
	if strings.ContainsAny(c.MQTT.TopicPrefix, "#+") {
		return fmt.Errorf("topic prefix %q must not contain MQTT wildcards", c.MQTT.TopicPrefix)
	}
	for _, unit := range c.Units {
		if unit == "" {
			return errors.New("unit names must not be empty")
		}
		if strings.ContainsAny(unit, "/#+") {
			return fmt.Errorf("unit name %q must not contain '/' or MQTT wildcards", unit)
		}
	}
	return nil
}

// TLSEnabled reports whether the broker connection uses TLS.
func (c *Config) TLSEnabled() bool {
	return c.MQTT.TLS.Enabled == nil || *c.MQTT.TLS.Enabled
}

// Broker returns the URL handed to the MQTT client.
func (c *Config) Broker() string {
	if c.MQTT.BrokerURL != "" {
		return c.MQTT.BrokerURL
	}
	scheme := "tcp"
	if c.TLSEnabled() {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.MQTT.Host, c.MQTT.Port)
}
