package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// DefaultFile is the config file the server reads when no path is given.
const DefaultFile = "globalConfig.json"

// Defaults.
const (
	DefaultPort                  = 12345
	DefaultSendHelloInterval     = 10 * 1000 // ms
	DefaultResponseTimeout       = 3 * 1000  // ms
	DefaultMaxFindDeviceTimes    = 100
	DefaultProactiveDetectOnline = true
)

// Config holds the relay server configuration. Intervals are expressed in
// milliseconds to match what boards expect in the config file.
type Config struct {
	// Port the HTTP/WebSocket listener binds to
	Port int `json:"port"`

	// SendHelloInterval is the idle time before the server probes a
	// connection for liveness (ms)
	SendHelloInterval int `json:"sendHelloInterval"`

	// WaitForClientResponseTimeout is how long a probed connection has to
	// answer before it is evicted (ms)
	WaitForClientResponseTimeout int `json:"waitForClientResponseTimeout"`

	// ProactiveDetectClientOnline enables the liveness probe loop
	ProactiveDetectClientOnline bool `json:"proactiveDetectClientOnline"`

	// MaxFindDeviceTimes is the per-IP ceiling of discovery requests within
	// the decay window before the IP is blacklisted
	MaxFindDeviceTimes int `json:"maxFindDeviceTimes"`

	// Token is the shared secret boards must prove knowledge of when
	// EnableTokenAuthorize is set
	Token string `json:"token"`

	// EnableTokenAuthorize turns on the post-registration token challenge
	EnableTokenAuthorize bool `json:"enableTokenAuthorize"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:                         DefaultPort,
		SendHelloInterval:            DefaultSendHelloInterval,
		WaitForClientResponseTimeout: DefaultResponseTimeout,
		ProactiveDetectClientOnline:  DefaultProactiveDetectOnline,
		MaxFindDeviceTimes:           DefaultMaxFindDeviceTimes,
	}
}

// Load reads the JSON config at path. A missing or unparsable file is
// replaced with the defaults, which are also returned; boards in the field
// depend on the server healing its own config rather than refusing to start.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			if werr := cfg.Save(path); werr != nil {
				return nil, fmt.Errorf("failed to write default config: %w", werr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		// Invalid data is covered with the defaults
		cfg2 := Default()
		if werr := cfg2.Save(path); werr != nil {
			return nil, fmt.Errorf("failed to overwrite invalid config: %w", werr)
		}
		return cfg2, nil
	}

	cfg.normalize()
	return &cfg, nil
}

// normalize replaces out-of-range or zero values with the defaults.
func (c *Config) normalize() {
	if c.Port < 0 || c.Port > 65535 {
		c.Port = DefaultPort
	}
	if c.SendHelloInterval <= 0 {
		c.SendHelloInterval = DefaultSendHelloInterval
	}
	if c.WaitForClientResponseTimeout <= 0 {
		c.WaitForClientResponseTimeout = DefaultResponseTimeout
	}
	if c.MaxFindDeviceTimes <= 0 {
		c.MaxFindDeviceTimes = DefaultMaxFindDeviceTimes
	}
}

// Save writes the config as JSON. Performs an atomic write to prevent
// corruption on crash.
func (c *Config) Save(path string) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write to temporary file first (atomic write)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temporary config file: %w", err)
	}

	// Atomic rename (this is atomic on all platforms)
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config file: %w", err)
	}

	return nil
}

// HelloInterval returns the liveness probe interval as a duration.
func (c *Config) HelloInterval() time.Duration {
	return time.Duration(c.SendHelloInterval) * time.Millisecond
}

// ResponseTimeout returns the probe response deadline as a duration.
func (c *Config) ResponseTimeout() time.Duration {
	return time.Duration(c.WaitForClientResponseTimeout) * time.Millisecond
}
