package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	Secret     string        `mapstructure:"secret"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	PongWait   time.Duration `mapstructure:"pong_wait"`

	Workers WorkersConfig `mapstructure:"workers"`
	RTC     RTCConfig     `mapstructure:"rtc"`
	Audit   AuditConfig   `mapstructure:"audit"`
	Signal  SignalConfig  `mapstructure:"signal"`
}

type WorkersConfig struct {
	// Count of zero starts one worker per CPU.
	Count      int `mapstructure:"count"`
	Max        int `mapstructure:"max"`
	MaxRouters int `mapstructure:"max_routers"`
}

type RTCConfig struct {
	MinPort     uint16 `mapstructure:"min_port"`
	MaxPort     uint16 `mapstructure:"max_port"`
	ListenIP    string `mapstructure:"listen_ip"`
	AnnouncedIP string `mapstructure:"announced_ip"`
	// EnableTCP adds passive ICE-TCP candidates next to UDP ones.
	EnableTCP bool `mapstructure:"enable_tcp"`
	// LogLevel is the zerolog level of pion's internal logs.
	LogLevel string `mapstructure:"log_level"`
}

type AuditConfig struct {
	// DSN is a go-sql-driver/mysql DSN; empty disables the database store.
	DSN       string `mapstructure:"dsn"`
	ErrorLog  string `mapstructure:"error_log"`
	QueueSize int    `mapstructure:"queue_size"`
	Workers   int    `mapstructure:"workers"`
	Migrate   bool   `mapstructure:"migrate"`
}

type SignalConfig struct {
	SendQueue    int           `mapstructure:"send_queue"`
	JoinLimit    int           `mapstructure:"join_limit"`
	JoinInterval time.Duration `mapstructure:"join_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("pong_wait", "60s")

	v.SetDefault("workers.count", 0)
	v.SetDefault("workers.max", 4)
	v.SetDefault("workers.max_routers", 25)

	v.SetDefault("rtc.min_port", 40000)
	v.SetDefault("rtc.max_port", 40100)
	v.SetDefault("rtc.listen_ip", "0.0.0.0")
	v.SetDefault("rtc.announced_ip", "")
	v.SetDefault("rtc.enable_tcp", true)
	v.SetDefault("rtc.log_level", "warn")

	v.SetDefault("audit.dsn", "")
	v.SetDefault("audit.error_log", "error_logs.txt")
	v.SetDefault("audit.queue_size", 1024)
	v.SetDefault("audit.workers", 2)
	v.SetDefault("audit.migrate", false)

	v.SetDefault("signal.send_queue", 64)
	v.SetDefault("signal.join_limit", 10)
	v.SetDefault("signal.join_interval", "1m")
}

// Load reads config/config.<CONFIG_ENV>.yaml (dev by default) on top of the
// defaults. Every key can be overridden from the environment with the SFU_
// prefix, e.g. SFU_RTC_ANNOUNCED_IP.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFile(fmt.Sprintf("config/config.%s.yaml", env))
}

func LoadFile(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("SFU")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Err(err).Msg("config file not loaded, using defaults")
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
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Uint16("rtc_min_port", cfg.RTC.MinPort).Uint16("rtc_max_port", cfg.RTC.MaxPort).Msg("config ready")
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.RTC.MinPort > c.RTC.MaxPort {
		return fmt.Errorf("rtc.min_port %d is above rtc.max_port %d", c.RTC.MinPort, c.RTC.MaxPort)
	}
	if c.Workers.MaxRouters <= 0 {
		return fmt.Errorf("workers.max_routers must be positive, got %d", c.Workers.MaxRouters)
	}
	return nil
}
