// Package config loads server settings from file, environment and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Server  Server  `mapstructure:"server"  validate:"required"`
	Metrics Metrics `mapstructure:"metrics"`
	Storage Storage `mapstructure:"storage" validate:"required"`
	Auth    Auth    `mapstructure:"auth"    validate:"required"`
	Log     Log     `mapstructure:"log"     validate:"required"`
	Events  Events  `mapstructure:"events"`
}

type Server struct {
	Addr       string `mapstructure:"addr"       validate:"required,hostname_port"`
	TLSCert    string `mapstructure:"tls_cert"   validate:"required_if=Insecure false"`
	TLSKey     string `mapstructure:"tls_key"    validate:"required_if=Insecure false"`
	Insecure   bool   `mapstructure:"insecure"`
	Reflection bool   `mapstructure:"reflection"`
}

// Metrics.Addr empty disables the /metrics listener.
type Metrics struct {
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
}

type Storage struct {
	Driver  string `mapstructure:"driver"  validate:"required,oneof=memory postgres"`
	DSN     string `mapstructure:"dsn"     validate:"required_if=Driver postgres"`
	Migrate bool   `mapstructure:"migrate"`
}

type Auth struct {
	JWTKey     string        `mapstructure:"jwt_key"     validate:"required,min=16"`
	AccessTTL  time.Duration `mapstructure:"access_ttl"  validate:"required,gt=0"`
	MaxFails   int           `mapstructure:"max_fails"   validate:"min=1,max=100"`
	FailWindow time.Duration `mapstructure:"fail_window" validate:"required,gt=0"`
	BlockFor   time.Duration `mapstructure:"block_for"   validate:"required,gt=0"`
}

type Log struct {
	Level      string `mapstructure:"level"       validate:"required,oneof=debug info warn error"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"min=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"min=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"min=0"`
}

type Events struct {
	Buffer       int      `mapstructure:"buffer"        validate:"min=1"`
	KafkaBrokers []string `mapstructure:"kafka_brokers" validate:"omitempty,dive,hostname_port"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
}

// Load reads and validates the configuration.
func Load(cfgFile string) (Config, error) {
	cfg, err := Read(cfgFile)
	if err != nil {
		return Config{}, err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Read loads cfgFile (or ./config.yaml, $HOME/.provenance, /etc/provenance when
// empty) and overlays PROV_* environment variables without validating, so
// callers can apply overrides first.
func Read(cfgFile string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PROV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.provenance")
		v.AddConfigPath("/etc/provenance")
	}

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return Config{}, fmt.Errorf("config read error: %w", err)
		}
	}

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal error: %w", err)
	}
	return cfg, nil
}

// Validate checks cfg against its struct tags.
func Validate(cfg Config) error {
	if err := validator.New().Struct(&cfg); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	if len(cfg.Events.KafkaBrokers) > 0 && cfg.Events.KafkaTopic == "" {
		return errors.New("validation failed: events.kafka_topic is required with kafka_brokers")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// every key needs a default so AutomaticEnv can reach it during Unmarshal
	v.SetDefault("server.addr", ":8443")
	v.SetDefault("server.tls_cert", "")
	v.SetDefault("server.tls_key", "")
	v.SetDefault("server.insecure", false)
	v.SetDefault("server.reflection", false)
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.migrate", true)
	v.SetDefault("auth.jwt_key", "")
	v.SetDefault("auth.access_ttl", 15*time.Minute)
	v.SetDefault("auth.max_fails", 5)
	v.SetDefault("auth.fail_window", 15*time.Minute)
	v.SetDefault("auth.block_for", 15*time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("events.buffer", 256)
	v.SetDefault("events.kafka_brokers", []string{})
	v.SetDefault("events.kafka_topic", "")
}
