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

type Config struct {
	Mode      string          `mapstructure:"mode"`
	Port      int             `mapstructure:"port"`
	Secret    string          `mapstructure:"secret"`
	AppID     string          `mapstructure:"app_id"`
	Token     TokenConfig     `mapstructure:"token"`
	Store     StoreConfig     `mapstructure:"store"`
	Session   SessionConfig   `mapstructure:"session"`
	Transport TransportConfig `mapstructure:"transport"`
	Devices   DevicesConfig   `mapstructure:"devices"`
}

type TokenConfig struct {
	Secret    string        `mapstructure:"secret"`
	Issuer    string        `mapstructure:"issuer"`
	TTL       time.Duration `mapstructure:"ttl"`
	RateLimit float64       `mapstructure:"rate_limit"`
	RateBurst int           `mapstructure:"rate_burst"`

	// URL is where clients reach the token service.
	URL string `mapstructure:"url"`
}

type StoreConfig struct {
	Driver        string        `mapstructure:"driver"` // redis | memory
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	KeyTTL        time.Duration `mapstructure:"key_ttl"`
}

type SessionConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	PresenceTTL       time.Duration `mapstructure:"presence_ttl"`
	ReactionWindow    time.Duration `mapstructure:"reaction_window"`
	UIDAttempts       int           `mapstructure:"uid_attempts"`
	LeaveTimeout      time.Duration `mapstructure:"leave_timeout"`
	ChatRate          float64       `mapstructure:"chat_rate"`
	ChatBurst         int           `mapstructure:"chat_burst"`
	EventBuffer       int           `mapstructure:"event_buffer"`
}

type TransportConfig struct {
	SignalURL    string        `mapstructure:"signal_url"`
	ICEServers   []string      `mapstructure:"ice_servers"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type DevicesConfig struct {
	Camera     string `mapstructure:"camera"`
	Microphone string `mapstructure:"microphone"`
	Screen     string `mapstructure:"screen"`
	RecordDir  string `mapstructure:"record_dir"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "change-me")
	v.SetDefault("app_id", "meet")

	v.SetDefault("token.secret", "change-me-token")
	v.SetDefault("token.issuer", "meet-token-service")
	v.SetDefault("token.ttl", "1h")
	v.SetDefault("token.rate_limit", 1.0)
	v.SetDefault("token.rate_burst", 5)
	v.SetDefault("token.url", "http://localhost:8080/api/token")

	v.SetDefault("store.driver", "redis")
	v.SetDefault("store.redis_addr", "localhost:6379")
	v.SetDefault("store.redis_db", 0)
	v.SetDefault("store.poll_interval", "2s")
	v.SetDefault("store.key_ttl", "10m")

	v.SetDefault("session.heartbeat_interval", "5s")
	v.SetDefault("session.presence_ttl", "20s")
	v.SetDefault("session.reaction_window", "5s")
	v.SetDefault("session.uid_attempts", 5)
	v.SetDefault("session.leave_timeout", "3s")
	v.SetDefault("session.chat_rate", 2.0)
	v.SetDefault("session.chat_burst", 5)
	v.SetDefault("session.event_buffer", 64)

	v.SetDefault("transport.signal_url", "ws://localhost:8080/api/ws/signal")
	v.SetDefault("transport.read_limit", 1<<20)
	v.SetDefault("transport.ping_period", "30s")
	v.SetDefault("transport.write_timeout", "5s")
}

// Load reads config/config.<CONFIG_ENV>.yaml on top of the defaults. Flags,
// when given, override both.
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("MEET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("failed to bind flags: %w", err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("store", cfg.Store.Driver).Msg("config ready")
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Session.HeartbeatInterval <= 0 {
		return fmt.Errorf("session.heartbeat_interval must be positive")
	}
	if c.Session.PresenceTTL <= c.Session.HeartbeatInterval {
		return fmt.Errorf("session.presence_ttl (%s) must exceed heartbeat_interval (%s)",
			c.Session.PresenceTTL, c.Session.HeartbeatInterval)
	}
	if c.Session.UIDAttempts < 1 {
		c.Session.UIDAttempts = 1
	}
	switch c.Store.Driver {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	return nil
}
