// Package config loads shelly's configuration from environment variables
// and an optional config file, using spf13/viper the way kandev's
// internal/common/config loads its own multi-section configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every configurable knob of the engine. All fields have
// sensible zero-config defaults; see Load.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Output   OutputConfig   `mapstructure:"output"`
	Runtime  RuntimeConfig  `mapstructure:"runtime"`
	Handler  HandlerConfig  `mapstructure:"handler"`
}

// LoggingConfig controls the internal/logging setup.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ExecutorConfig controls orchestrator-level defaults.
type ExecutorConfig struct {
	// DefaultTimeoutMS is used when a request omits timeout_ms.
	DefaultTimeoutMS int `mapstructure:"defaultTimeoutMs"`
	// SummaryMaxChars is the fallback truncation length (spec.md §4.6 step 7).
	SummaryMaxChars int `mapstructure:"summaryMaxChars"`
}

// OutputConfig controls the Output Sink.
type OutputConfig struct {
	DirName    string        `mapstructure:"dirName"`
	MaxAge     time.Duration `mapstructure:"maxAge"`
	ScanOnBoot bool          `mapstructure:"scanOnBoot"`
}

// RuntimeConfig controls the Script Runtime's evaluator.
type RuntimeConfig struct {
	// RequestQueueSize is kept for configuration-shape parity only: the
	// Script Runtime's request channel is always unbuffered and nothing reads
	// this value (see DESIGN.md).
	RequestQueueSize int `mapstructure:"requestQueueSize"`
}

// HandlerConfig controls the Handler Locator.
type HandlerConfig struct {
	// ExtraSearchPaths are consulted after the user/cwd overlays and before
	// built-ins, for deployments that keep a shared handler directory.
	ExtraSearchPaths []string `mapstructure:"extraSearchPaths"`
}

// Load reads configuration from environment variables prefixed SHELLY_ and,
// if present, a shelly.yaml/shelly.json in the current directory, layered
// over built-in defaults.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SHELLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("shelly")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.outputPath", "stderr")

	v.SetDefault("executor.defaultTimeoutMs", 10000)
	v.SetDefault("executor.summaryMaxChars", 10000)

	v.SetDefault("output.dirName", "shelly")
	v.SetDefault("output.maxAge", 24*time.Hour)
	v.SetDefault("output.scanOnBoot", true)

	v.SetDefault("runtime.requestQueueSize", 0)

	v.SetDefault("handler.extraSearchPaths", []string{})
}
