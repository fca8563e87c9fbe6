package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("config: invalid")

// Config holds all application configuration.
type Config struct {
	SimpliSafe SimpliSafeConfig `yaml:"simplisafe"`
	HTTP       HTTPConfig       `yaml:"http"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Log        LogConfig        `yaml:"log"`
}

// SimpliSafeConfig holds the cloud account and client settings.
type SimpliSafeConfig struct {
	APIBase         string `yaml:"api_base"`
	SocketBase      string `yaml:"socket_base"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	AccountNumber   string `yaml:"account_number"`
	ProtocolVersion int    `yaml:"protocol_version"`
	SensorRefresh   int    `yaml:"sensor_refresh"` // seconds
	IdentityPath    string `yaml:"identity_path"`
	ResetIdentity   bool   `yaml:"reset_identity"`
	Debug           bool   `yaml:"debug"`
}

// SensorRefreshInterval returns the poll interval as a duration.
func (c SimpliSafeConfig) SensorRefreshInterval() time.Duration {
	return time.Duration(c.SensorRefresh) * time.Second
}

// MQTTConfig holds MQTT broker configuration.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	DeviceID    string `yaml:"device_id"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	CORSAll bool   `yaml:"cors_allow_all"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() Config {
	return Config{
		SimpliSafe: SimpliSafeConfig{
			APIBase:         "https://api.simplisafe.com/v1",
			SocketBase:      "https://api.simplisafe.com",
			ProtocolVersion: 3,
			SensorRefresh:   15,
			IdentityPath:    "/data/ss3d-identity.json",
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Addr:    ":8080",
		},
		MQTT: MQTTConfig{
			TopicPrefix: "simplisafe",
			DeviceID:    "simplisafe_ss3",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file at path, then overlays environment variables
// and validates the result. If path is empty, only defaults + env vars are used.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
			// file not found is ok, use defaults
		} else {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the settings the client cannot start without.
func (c Config) Validate() error {
	var errs []error
	if c.SimpliSafe.ProtocolVersion != 2 && c.SimpliSafe.ProtocolVersion != 3 {
		errs = append(errs, fmt.Errorf("%w: simplisafe.protocol_version must be 2 or 3, got %d", ErrInvalidConfig, c.SimpliSafe.ProtocolVersion))
	}
	if c.SimpliSafe.SensorRefresh <= 0 {
		errs = append(errs, fmt.Errorf("%w: simplisafe.sensor_refresh must be positive", ErrInvalidConfig))
	}
	if c.SimpliSafe.Username == "" || c.SimpliSafe.Password == "" {
		errs = append(errs, fmt.Errorf("%w: simplisafe.username and simplisafe.password are required", ErrInvalidConfig))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, fmt.Errorf("%w: mqtt.broker is required when mqtt is enabled", ErrInvalidConfig))
	}
	return errors.Join(errs...)
}

// applyEnv overlays environment variables on top of the config.
// Env vars take precedence over YAML values.
func applyEnv(cfg *Config) error {
	if v := os.Getenv("SS3_API_BASE"); v != "" {
		cfg.SimpliSafe.APIBase = v
	}
	if v := os.Getenv("SS3_SOCKET_BASE"); v != "" {
		cfg.SimpliSafe.SocketBase = v
	}
	if v := os.Getenv("SS3_USERNAME"); v != "" {
		cfg.SimpliSafe.Username = v
	}
	if v := os.Getenv("SS3_PASSWORD"); v != "" {
		cfg.SimpliSafe.Password = v
	}
	if v := os.Getenv("SS3_ACCOUNT_NUMBER"); v != "" {
		cfg.SimpliSafe.AccountNumber = v
	}
	if v := os.Getenv("SS3_PROTOCOL_VERSION"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: SS3_PROTOCOL_VERSION: %w", ErrInvalidConfig, err)
		}
		cfg.SimpliSafe.ProtocolVersion = n
	}
	if v := os.Getenv("SS3_SENSOR_REFRESH"); v != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: SS3_SENSOR_REFRESH: %w", ErrInvalidConfig, err)
		}
		cfg.SimpliSafe.SensorRefresh = n
	}
	if v := os.Getenv("SS3_IDENTITY_PATH"); v != "" {
		cfg.SimpliSafe.IdentityPath = v
	}
	if v := os.Getenv("SS3_RESET_IDENTITY"); v != "" {
		cfg.SimpliSafe.ResetIdentity = parseBool(v)
	}
	if v := os.Getenv("SS3_DEBUG"); v != "" {
		cfg.SimpliSafe.Debug = parseBool(v)
	}
	if v := os.Getenv("SS3_HTTP_ENABLED"); v != "" {
		cfg.HTTP.Enabled = parseBool(v)
	}
	if v := os.Getenv("SS3_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("SS3_CORS_ALLOW_ALL"); v != "" {
		cfg.HTTP.CORSAll = parseBool(v)
	}
	if v := os.Getenv("SS3_MQTT_ENABLED"); v != "" {
		cfg.MQTT.Enabled = parseBool(v)
	}
	if v := os.Getenv("SS3_MQTT_BROKER"); v != "" {
		cfg.MQTT.Broker = v
	}
	if v := os.Getenv("SS3_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("SS3_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("SS3_MQTT_TOPIC_PREFIX"); v != "" {
		cfg.MQTT.TopicPrefix = v
	}
	if v := os.Getenv("SS3_MQTT_DEVICE_ID"); v != "" {
		cfg.MQTT.DeviceID = v
	}
	if v := os.Getenv("SS3_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("SS3_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	return nil
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	b, _ := strconv.ParseBool(s)
	return b
}
