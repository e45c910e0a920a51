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

const EnvPrefix = "DUET"

type VideoConfig struct {
	Width        int     `mapstructure:"width"`
	Height       int     `mapstructure:"height"`
	MaxFrameRate float64 `mapstructure:"max_frame_rate"`
	AspectRatio  float64 `mapstructure:"aspect_ratio"`
	FacingMode   string  `mapstructure:"facing_mode"`
	ResizeMode   string  `mapstructure:"resize_mode"`
	Bitrate      int     `mapstructure:"bitrate"`
}

type AgentConfig struct {
	RelayURL           string        `mapstructure:"relay_url"`
	ICEServers         []string      `mapstructure:"ice_servers"`
	BundlePolicy       string        `mapstructure:"bundle_policy"`
	RTCPMuxPolicy      string        `mapstructure:"rtcp_mux_policy"`
	VideoFile          string        `mapstructure:"video_file"`
	AudioFile          string        `mapstructure:"audio_file"`
	RecordDir          string        `mapstructure:"record_dir"`
	Video              VideoConfig   `mapstructure:"video"`
	BandwidthKbps      uint64        `mapstructure:"bandwidth_kbps"`
	StartTimeout       time.Duration `mapstructure:"start_timeout"`
	StartAttempts      int           `mapstructure:"start_attempts"`
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
}

type Config struct {
	Mode             string        `mapstructure:"mode"`
	Port             int           `mapstructure:"port"`
	StaticPath       string        `mapstructure:"static_path"`
	ReadLimit        int64         `mapstructure:"read_limit"`
	PingPeriod       time.Duration `mapstructure:"ping_period"`
	Secret           string        `mapstructure:"secret"`
	SendQueue        int           `mapstructure:"send_queue"`
	ChatRateLimit    int           `mapstructure:"chat_rate_limit"`
	ChatRateInterval time.Duration `mapstructure:"chat_rate_interval"`
	LogLevel         string        `mapstructure:"log_level"`
	Agent            AgentConfig   `mapstructure:"agent"`
}

type Option func(*viper.Viper) error

// WithFlag lets a command line flag override key when it was set.
func WithFlag(key string, f *pflag.Flag) Option {
	return func(v *viper.Viper) error {
		if f == nil {
			return nil
		}
		return v.BindPFlag(key, f)
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "duet-dev-secret")
	v.SetDefault("send_queue", 32)
	v.SetDefault("chat_rate_limit", 5)
	v.SetDefault("chat_rate_interval", "1s")
	v.SetDefault("log_level", "info")

	v.SetDefault("agent.relay_url", "ws://localhost:8080/api/ws")
	v.SetDefault("agent.ice_servers", []string{
		"stun:stun.l.google.com:19302",
		"stun:stun1.l.google.com:19302",
	})
	v.SetDefault("agent.bundle_policy", "max-bundle")
	v.SetDefault("agent.rtcp_mux_policy", "require")
	v.SetDefault("agent.video_file", "")
	v.SetDefault("agent.audio_file", "")
	v.SetDefault("agent.record_dir", "")
	v.SetDefault("agent.video.width", 240)
	v.SetDefault("agent.video.height", 240)
	v.SetDefault("agent.video.max_frame_rate", 10)
	v.SetDefault("agent.video.aspect_ratio", 1.0)
	v.SetDefault("agent.video.facing_mode", "user")
	v.SetDefault("agent.video.resize_mode", "crop-and-scale")
	v.SetDefault("agent.video.bitrate", 10000)
	v.SetDefault("agent.bandwidth_kbps", 100)
	v.SetDefault("agent.start_timeout", "5s")
	v.SetDefault("agent.start_attempts", 3)
	v.SetDefault("agent.negotiation_timeout", "30s")
	v.SetDefault("agent.dial_timeout", "10s")
}

func Load(opts ...Option) (*Config, error) {
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

	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, opt := range opts {
		if err := opt(v); err != nil {
			return nil, fmt.Errorf("bind flag: %w", err)
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
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Debug().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("static", cfg.StaticPath).Msg("config")
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	if c.PingPeriod <= 0 {
		return fmt.Errorf("config: ping_period must be positive")
	}
	if c.Agent.StartAttempts < 1 {
		return fmt.Errorf("config: agent.start_attempts must be at least 1")
	}
	if c.Agent.NegotiationTimeout < 0 {
		return fmt.Errorf("config: agent.negotiation_timeout must not be negative")
	}
	return nil
}
