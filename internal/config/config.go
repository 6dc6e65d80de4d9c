package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	Secret     string        `mapstructure:"secret"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	PongWait   time.Duration `mapstructure:"pong_wait"`
	WriteWait  time.Duration `mapstructure:"write_wait"`
	SendBuffer int           `mapstructure:"send_buffer"`

	Negotiation NegotiationConfig `mapstructure:"negotiation"`
	Rooms       RoomsConfig       `mapstructure:"rooms"`
	Rate        RateConfig        `mapstructure:"rate"`
	ICE         ICEConfig         `mapstructure:"ice"`
	Log         LogConfig         `mapstructure:"log"`
	Admin       AdminConfig       `mapstructure:"admin"`
}

type NegotiationConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxFailures   int           `mapstructure:"max_failures"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	ValidateSDP   bool          `mapstructure:"validate_sdp"`
}

type RoomsConfig struct {
	MaxParticipants int  `mapstructure:"max_participants"`
	LoopBuffer      int  `mapstructure:"loop_buffer"`
	DisconnectSlow  bool `mapstructure:"disconnect_slow"`
}

type RateConfig struct {
	MessagesPerSecond float64 `mapstructure:"messages_per_second"`
	Burst             int     `mapstructure:"burst"`
	// IdleTTL is how long a bucket outlives the last socket of its token.
	IdleTTL time.Duration `mapstructure:"idle_ttl"`
}

type ICEConfig struct {
	Servers []string `mapstructure:"servers"`
}

// AdminConfig guards operator endpoints with basic auth. They are not
// served while Password is empty.
type AdminConfig struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("secret", "meshroom-dev-secret")
	v.SetDefault("read_limit", 65536)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")
	v.SetDefault("write_wait", "10s")
	v.SetDefault("send_buffer", 64)

	v.SetDefault("negotiation.timeout", "10s")
	v.SetDefault("negotiation.max_failures", 3)
	v.SetDefault("negotiation.sweep_interval", "1s")
	v.SetDefault("negotiation.validate_sdp", true)

	v.SetDefault("rooms.max_participants", 0)
	v.SetDefault("rooms.loop_buffer", 128)
	v.SetDefault("rooms.disconnect_slow", false)

	v.SetDefault("rate.messages_per_second", 50)
	v.SetDefault("rate.burst", 100)
	v.SetDefault("rate.idle_ttl", "1m")
	v.SetDefault("admin.user", "admin")

	v.SetDefault("ice.servers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// newViper returns a viper with defaults and MESHROOM_* environment
// overrides, e.g. MESHROOM_NEGOTIATION_TIMEOUT.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MESHROOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func Load() (*Config, error) {
	v := newViper()

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("loaded config: %s\n", fileName)
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.PongWait <= c.PingPeriod {
		return fmt.Errorf("pong_wait (%s) must exceed ping_period (%s)", c.PongWait, c.PingPeriod)
	}
	if c.Negotiation.Timeout <= 0 {
		return fmt.Errorf("negotiation.timeout must be positive")
	}
	if c.Negotiation.MaxFailures <= 0 {
		return fmt.Errorf("negotiation.max_failures must be positive")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("send_buffer must be positive")
	}
	if c.Admin.Password != "" && c.Admin.User == "" {
		return fmt.Errorf("admin.user is required with admin.password")
	}
	return nil
}
