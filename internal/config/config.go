package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port      int
		JWTSecret string `mapstructure:"jwt_secret"`
	}
	Database struct {
		Path string // file path, or a postgres:// URL
	}
	Redis struct {
		Addr     string
		Password string
		DB       int
		LockTTL  time.Duration `mapstructure:"lock_ttl"`
	}
	MQTT struct {
		Broker      string
		ClientID    string `mapstructure:"client_id"`
		Username    string
		Password    string
		TopicPrefix string `mapstructure:"topic_prefix"`
	}
	Engine struct {
		CycleInterval       time.Duration `mapstructure:"cycle_interval"`
		MaxConcurrentUnits  int           `mapstructure:"max_concurrent_units"`
		ExcursionResetDwell time.Duration `mapstructure:"excursion_reset_dwell"`
		MaskRetentionDays   int           `mapstructure:"mask_retention_days"`
	}
	Notify struct {
		Workers      int
		QueueSize    int             `mapstructure:"queue_size"`
		RetryBackoff []time.Duration `mapstructure:"retry_backoff"`
		Slack        struct {
			Token      string
			Channel    string
			WebhookURL string `mapstructure:"webhook_url"`
		}
		Email struct {
			SMTPHost string `mapstructure:"smtp_host"`
			SMTPPort int    `mapstructure:"smtp_port"`
			From     string
			Password string
		}
		SMS struct {
			URL    string
			APIKey string `mapstructure:"api_key"`
			From   string
		}
		Push struct {
			URL    string
			APIKey string `mapstructure:"api_key"`
		}
		Webhook struct {
			URL    string
			Secret string
		}
	}
	Auth struct {
		TokenTTL time.Duration `mapstructure:"token_ttl"`
	}
	Logging struct {
		Level  string
		Format string
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.path", "data/coldeye.db")
	v.SetDefault("redis.lock_ttl", 2*time.Minute)
	v.SetDefault("mqtt.client_id", "coldeye-engine")
	v.SetDefault("mqtt.topic_prefix", "coldeye")
	v.SetDefault("engine.cycle_interval", time.Minute)
	v.SetDefault("engine.max_concurrent_units", 16)
	v.SetDefault("engine.excursion_reset_dwell", time.Duration(0))
	v.SetDefault("engine.mask_retention_days", 30)
	v.SetDefault("notify.workers", 8)
	v.SetDefault("notify.queue_size", 1024)
	v.SetDefault("notify.retry_backoff", []string{"1m", "5m", "30m"})
	v.SetDefault("notify.email.smtp_port", 587)
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// LoadConfig reads config.yaml from path (or ./ and /etc/coldeye when path is
// empty). COLDEYE_* environment variables override file values; a missing
// file leaves the defaults in place.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("COLDEYE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/coldeye")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Engine.CycleInterval <= 0 {
		return errors.New("engine.cycle_interval must be positive")
	}
	if c.Engine.MaxConcurrentUnits <= 0 {
		return errors.New("engine.max_concurrent_units must be positive")
	}
	if c.Notify.Workers <= 0 || c.Notify.QueueSize <= 0 {
		return errors.New("notify.workers and notify.queue_size must be positive")
	}
	for _, d := range c.Notify.RetryBackoff {
		if d <= 0 {
			return errors.New("notify.retry_backoff entries must be positive")
		}
	}
	return nil
}
