package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the configuration for the approval engine daemon.
type Config struct {
	Service struct {
		Name        string `mapstructure:"name"`
		Environment string `mapstructure:"environment"`
		Version     string `mapstructure:"version"`
	} `mapstructure:"service"`
	Server struct {
		HTTPPort        int           `mapstructure:"http_port"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
		MaxConns int    `mapstructure:"max_conns"`
	} `mapstructure:"db"`
	NATS struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"nats"`
	Sweep struct {
		EscalationInterval time.Duration `mapstructure:"escalation_interval"`
		ExpirationInterval time.Duration `mapstructure:"expiration_interval"`
	} `mapstructure:"sweep"`
}

// DSN builds the Postgres connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DB.User, c.DB.Password, c.DB.Host, c.DB.Port, c.DB.Name, c.DB.SSLMode)
}

// LoadConfig loads the configuration from a file and the environment.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvPrefix("APPROVAL")
	viper.AutomaticEnv()

	viper.SetDefault("service.name", "be-approval-engine")
	viper.SetDefault("service.environment", "development")
	viper.SetDefault("service.version", "dev")
	viper.SetDefault("server.http_port", 8086)
	viper.SetDefault("server.shutdown_timeout", 15*time.Second)
	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", 5432)
	viper.SetDefault("db.sslmode", "disable")
	viper.SetDefault("db.max_conns", 10)
	viper.SetDefault("nats.url", "")
	viper.SetDefault("sweep.escalation_interval", time.Minute)
	viper.SetDefault("sweep.expiration_interval", time.Minute)

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults and env cover it.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}
	return &config, nil
}
