package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the config filename looked up when no path is given.
const DefaultConfigFile = "config.yaml"

// AppConfig holds command-line level application options.
type AppConfig struct {
	ConfigPath string
}

// JWTConfig holds admin token signing options.
type JWTConfig struct {
	Secret string
	Expiry time.Duration
}

// fileConfig mirrors the YAML config file layout.
type fileConfig struct {
	Database struct {
		DSN string `yaml:"dsn"`
	} `yaml:"database"`
	Server struct {
		Listen string `yaml:"listen"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret        string `yaml:"jwt-secret"`
		JWTExpiryMinutes int    `yaml:"jwt-expiry-minutes"`
	} `yaml:"auth"`
	Log struct {
		File  string `yaml:"file"`
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// ResolveConfigPath returns an absolute config path, defaulting to
// config.yaml in the working directory.
func ResolveConfigPath(configPath string) string {
	configPath = strings.TrimSpace(configPath)
	if configPath == "" {
		configPath = DefaultConfigFile
	}
	abs, errAbs := filepath.Abs(configPath)
	if errAbs != nil {
		return configPath
	}
	return abs
}

// ConfigExists reports whether the config file is present.
func ConfigExists(configPath string) bool {
	info, errStat := os.Stat(ResolveConfigPath(configPath))
	return errStat == nil && !info.IsDir()
}

// loadFile reads and parses the YAML config file.
func loadFile(configPath string) (*fileConfig, error) {
	raw, errRead := os.ReadFile(ResolveConfigPath(configPath))
	if errRead != nil {
		return nil, fmt.Errorf("config: read %s: %w", configPath, errRead)
	}
	var cfg fileConfig
	if errUnmarshal := yaml.Unmarshal(raw, &cfg); errUnmarshal != nil {
		return nil, fmt.Errorf("config: parse %s: %w", configPath, errUnmarshal)
	}
	return &cfg, nil
}

// LoadDatabaseDSN returns the database DSN from the config file.
func LoadDatabaseDSN(configPath string) (string, error) {
	cfg, errLoad := loadFile(configPath)
	if errLoad != nil {
		return "", errLoad
	}
	dsn := strings.TrimSpace(cfg.Database.DSN)
	if dsn == "" {
		return "", errors.New("config: database.dsn is required")
	}
	return dsn, nil
}

// LoadJWTConfig returns the admin token signing options, with a 12 hour
// expiry when unset.
func LoadJWTConfig(configPath string) (JWTConfig, error) {
	cfg, errLoad := loadFile(configPath)
	if errLoad != nil {
		return JWTConfig{}, errLoad
	}
	secret := strings.TrimSpace(cfg.Auth.JWTSecret)
	if secret == "" {
		return JWTConfig{}, errors.New("config: auth.jwt-secret is required")
	}
	expiry := time.Duration(cfg.Auth.JWTExpiryMinutes) * time.Minute
	if expiry <= 0 {
		expiry = 12 * time.Hour
	}
	return JWTConfig{Secret: secret, Expiry: expiry}, nil
}

// LoadListenAddr returns the HTTP listen address, defaulting to :8385.
func LoadListenAddr(configPath string) (string, error) {
	cfg, errLoad := loadFile(configPath)
	if errLoad != nil {
		return "", errLoad
	}
	listen := strings.TrimSpace(cfg.Server.Listen)
	if listen == "" {
		listen = ":8385"
	}
	return listen, nil
}

// LoadLogConfig returns the log file path and level; both may be empty.
func LoadLogConfig(configPath string) (file string, level string) {
	cfg, errLoad := loadFile(configPath)
	if errLoad != nil {
		return "", ""
	}
	return strings.TrimSpace(cfg.Log.File), strings.TrimSpace(cfg.Log.Level)
}
