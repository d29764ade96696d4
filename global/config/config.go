package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Mikecreed256/whatsapp-linking-service/logger"
)

// AppConfig carries everything the relay needs at runtime. Defaults are
// production values from the original deployment; any field can be overridden
// via WLS_* environment variables or an optional config.yaml.
type AppConfig struct {
	NodeID int64  `mapstructure:"node_id"`
	Port   int    `mapstructure:"port"`
	WSPath string `mapstructure:"ws_path"`

	PingInterval      time.Duration `mapstructure:"ping_interval"`
	WriteWait         time.Duration `mapstructure:"write_wait"`
	SendQueueSize     int           `mapstructure:"send_queue_size"`
	SweepEvery        time.Duration `mapstructure:"sweep_every"`
	InactivityTimeout time.Duration `mapstructure:"inactivity_timeout"`
	SessionGrace      time.Duration `mapstructure:"session_grace"`
	DisconnectTimeout time.Duration `mapstructure:"disconnect_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	FetchLimit        int           `mapstructure:"fetch_limit"`

	Provider ProviderConfig `mapstructure:"provider"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

type ProviderConfig struct {
	// Mode selects the provider client factory. "dev" wires the scripted
	// in-process client; anything else must be registered by the embedder.
	Mode       string        `mapstructure:"mode"`
	RetryMax   int           `mapstructure:"retry_max"`
	RetryBase  time.Duration `mapstructure:"retry_base"`
	FetchLimit int           `mapstructure:"fetch_limit"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	CredTTL  time.Duration `mapstructure:"cred_ttl"`
}

var Global AppConfig

// Load populates Global from defaults, an optional config.yaml in the working
// directory, and WLS_* environment variables (in increasing precedence).
func Load() (*AppConfig, error) {
	v := viper.New()

	v.SetDefault("node_id", 1)
	v.SetDefault("port", 8080)
	v.SetDefault("ws_path", "/ws")
	v.SetDefault("ping_interval", 25*time.Second)
	v.SetDefault("write_wait", 10*time.Second)
	v.SetDefault("send_queue_size", 256)
	v.SetDefault("sweep_every", 15*time.Minute)
	v.SetDefault("inactivity_timeout", time.Hour)
	v.SetDefault("session_grace", time.Hour)
	v.SetDefault("disconnect_timeout", 30*time.Second)
	v.SetDefault("request_timeout", 60*time.Second)
	v.SetDefault("fetch_limit", 50)
	v.SetDefault("provider.mode", "dev")
	v.SetDefault("provider.retry_max", 5)
	v.SetDefault("provider.retry_base", 2*time.Second)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "127.0.0.1:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cred_ttl", 30*24*time.Hour)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		logger.Debugf("no config.yaml found, using defaults + env")
	}

	v.SetEnvPrefix("WLS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	Global = cfg
	return &Global, nil
}
