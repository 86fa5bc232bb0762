// Package config loads process configuration from the workspace.
//
// Configuration is read from .labcontrol.yaml in the workspace root
// with LABCONTROL_* environment variable overrides. The retention
// limit and backup period are deliberately NOT configurable here; they
// are compile-time constants and changing them requires a rebuild.
package config

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds the resolved process configuration.
type Config struct {
	// WorkspaceRoot anchors the stores and the backup directory.
	WorkspaceRoot string `mapstructure:"-"`

	// MainStorePath is the main store backing file.
	MainStorePath string `mapstructure:"main_store_path"`

	// CargoStorePath is the cargo store backing file.
	CargoStorePath string `mapstructure:"cargo_store_path"`

	// DashboardPort is the WebSocket push server port.
	DashboardPort int `mapstructure:"dashboard_port"`

	// LogFile, when set, routes daemon logs through a rotating file
	// sink instead of stderr.
	LogFile string `mapstructure:"log_file"`
}

// Load reads .labcontrol.yaml from the workspace root, applying
// defaults and LABCONTROL_* environment overrides. A missing config
// file is not an error; defaults apply.
func Load(workspaceRoot string) (*Config, error) {
	v := viper.New()
	v.SetConfigName(".labcontrol")
	v.SetConfigType("yaml")
	v.AddConfigPath(workspaceRoot)

	v.SetDefault("main_store_path", filepath.Join(workspaceRoot, ".labcontrol", "main.db"))
	v.SetDefault("cargo_store_path", filepath.Join(workspaceRoot, ".labcontrol", "cargo.db"))
	v.SetDefault("dashboard_port", 8571)
	v.SetDefault("log_file", "")

	v.SetEnvPrefix("LABCONTROL")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.WorkspaceRoot = workspaceRoot

	return &cfg, nil
}

// NewLogger builds a logger with the given bracketed prefix. When the
// config names a log file, output rotates through it (10 MB per file,
// 5 kept); otherwise it goes to stderr.
func (c *Config) NewLogger(prefix string) *log.Logger {
	var sink io.Writer = os.Stderr
	if c.LogFile != "" {
		sink = &lumberjack.Logger{
			Filename:   c.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 5,
		}
	}
	return log.New(sink, prefix, log.LstdFlags)
}
