// Package config loads server configuration from the environment, with
// optional .env and config-file support for local development.
package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the server configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Stats    StatsConfig    `mapstructure:"stats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds listener settings
type ServerConfig struct {
	Port    int    `mapstructure:"port"`
	APIPort int    `mapstructure:"api_port"`
	BaseURL string `mapstructure:"base_url"`
}

// DatabaseConfig holds database settings
type DatabaseConfig struct {
	URL  string `mapstructure:"url"`
	Path string `mapstructure:"path"`
}

// AuthConfig holds authentication settings
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

// StatsConfig holds telemetry settings
type StatsConfig struct {
	FlushInterval  string `mapstructure:"flush_interval"`
	DecayInterval  string `mapstructure:"decay_interval"`
	RequestTimeout string `mapstructure:"request_timeout"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
	File   string `mapstructure:"file"`
}

// Load reads configuration from an optional YAML file plus the
// environment. A .env file next to the binary is loaded first so local
// setups need no exported variables. Environment keys follow the flat
// names PORT, API_PORT, BASE_URL, DATABASE_URL, DATABASE_PATH and
// JWT_SECRET.
func Load(configPath string) (*Config, error) {
	// Missing .env is the normal case in production.
	_ = godotenv.Load()

	viper.Reset()
	setDefaults()

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	bindEnvAliases()

	if configPath != "" {
		viper.SetConfigFile(configPath)
		viper.SetConfigType("yaml")
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Auth.JWTSecret = strings.TrimSpace(cfg.Auth.JWTSecret)
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = fmt.Sprintf("http://localhost:%d", cfg.Server.Port)
	}
	cfg.Server.BaseURL = strings.TrimRight(cfg.Server.BaseURL, "/")

	return &cfg, nil
}

func setDefaults() {
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.api_port", 8081)
	viper.SetDefault("server.base_url", "")

	viper.SetDefault("database.url", "")
	viper.SetDefault("database.path", "burrow.db")

	viper.SetDefault("stats.flush_interval", "2m")
	viper.SetDefault("stats.decay_interval", "10m")
	viper.SetDefault("stats.request_timeout", "10s")

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
}

// bindEnvAliases maps the flat environment names onto the nested keys.
func bindEnvAliases() {
	aliases := map[string]string{
		"server.port":     "PORT",
		"server.api_port": "API_PORT",
		"server.base_url": "BASE_URL",
		"database.url":    "DATABASE_URL",
		"database.path":   "DATABASE_PATH",
		"auth.jwt_secret": "JWT_SECRET",
		"logging.level":   "LOG_LEVEL",
		"logging.format":  "LOG_FORMAT",
	}
	for key, env := range aliases {
		_ = viper.BindEnv(key, env)
	}
}
