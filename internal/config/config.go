package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "PHCSYNC"

type Config struct {
	Mode      string      `mapstructure:"mode"`
	Port      int         `mapstructure:"port"`
	Secret    string      `mapstructure:"secret"`
	LogLevel  string      `mapstructure:"log_level"`
	LogFormat string      `mapstructure:"log_format"`
	Relay     RelayConfig `mapstructure:"relay"`
	Redis     RedisConfig `mapstructure:"redis"`
}

type RelayConfig struct {
	QueueSize      int           `mapstructure:"queue_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	ReadLimit      int64         `mapstructure:"read_limit"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	UpdateRate     int           `mapstructure:"update_rate"`
	UpdateInterval time.Duration `mapstructure:"update_interval"`
	// Backpressure is "kick" or "drop".
	Backpressure string `mapstructure:"backpressure"`
}

// RedisConfig enables the cross-instance bus when URL is set.
type RedisConfig struct {
	URL     string `mapstructure:"url"`
	Channel string `mapstructure:"channel"`
}

// ClientConfig drives the syncwatch dashboard client.
type ClientConfig struct {
	ServerURL    string        `mapstructure:"server_url"`
	APIURL       string        `mapstructure:"api_url"`
	Role         string        `mapstructure:"role"`
	PatientID    string        `mapstructure:"patient_id"`
	ReconnectMin time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax time.Duration `mapstructure:"reconnect_max"`
	APITimeout   time.Duration `mapstructure:"api_timeout"`
	LogLevel     string        `mapstructure:"log_level"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func configFile(prefix string) string {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return fmt.Sprintf("config/%s.%s.yaml", prefix, env)
}

func readFile(v *viper.Viper, fileName string) {
	v.SetConfigFile(fileName)
	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
		return
	}
	log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
}

func Load() (*Config, error) {
	v := newViper()

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "phcsync-dev-secret")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("relay.queue_size", 256)
	v.SetDefault("relay.send_buffer", 32)
	v.SetDefault("relay.read_limit", 65536)
	v.SetDefault("relay.ping_period", "54s")
	v.SetDefault("relay.pong_wait", "60s")
	v.SetDefault("relay.stale_after", "5m")
	v.SetDefault("relay.sweep_interval", "30s")
	v.SetDefault("relay.update_rate", 20)
	v.SetDefault("relay.update_interval", "1s")
	v.SetDefault("relay.backpressure", "kick")
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.channel", "phcsync:relay")

	readFile(v, configFile("config"))

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Relay.PingPeriod >= cfg.Relay.PongWait {
		return nil, fmt.Errorf("relay.ping_period (%s) must be shorter than relay.pong_wait (%s)", cfg.Relay.PingPeriod, cfg.Relay.PongWait)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Bool("redis", cfg.Redis.URL != "").Msg("config ready")
	return &cfg, nil
}

// ClientFlags registers the syncwatch flags on fs.
func ClientFlags(fs *pflag.FlagSet) {
	fs.String("server_url", "ws://localhost:8080/api/ws", "relay websocket URL")
	fs.String("api_url", "http://localhost:5000", "patient CRUD API base URL")
	fs.String("role", "staff", "dashboard role: staff or patient")
	fs.String("patient_id", "", "patient to watch in the patient role")
	fs.Duration("reconnect_min", 500*time.Millisecond, "initial reconnect delay")
	fs.Duration("reconnect_max", 30*time.Second, "maximum reconnect delay")
	fs.Duration("api_timeout", 10*time.Second, "CRUD API request timeout")
	fs.String("log_level", "info", "log level")
}

// LoadClient merges flags, PHCSYNC_* env and config/client.<env>.yaml.
// Explicitly set flags win over everything else.
func LoadClient(fs *pflag.FlagSet) (*ClientConfig, error) {
	v := newViper()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	readFile(v, configFile("client"))

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse client config: %w", err)
	}
	switch cfg.Role {
	case "staff", "patient":
	default:
		return nil, fmt.Errorf("unknown role %q", cfg.Role)
	}
	if cfg.Role == "patient" && cfg.PatientID == "" {
		return nil, fmt.Errorf("patient role requires patient_id")
	}
	return &cfg, nil
}
