// Package config provides configuration management for VoiceTurn
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Language   LanguageConfig   `mapstructure:"language"`
	Generation GenerationConfig `mapstructure:"generation"`
	Turn       TurnConfig       `mapstructure:"turn"`
	Sampler    SamplerConfig    `mapstructure:"sampler"`
	Voices     VoicesConfig     `mapstructure:"voices"`
	Bridge     BridgeConfig     `mapstructure:"bridge"`
	Log        LogConfig        `mapstructure:"log"`
}

// LanguageConfig selects the startup language
type LanguageConfig struct {
	Default string `mapstructure:"default"` // BCP-47 tag, e.g. "en-US"
}

// GenerationConfig configures the reply generator
type GenerationConfig struct {
	URL           string        `mapstructure:"url"`
	APIKey        string        `mapstructure:"api_key"`
	Model         string        `mapstructure:"model"`
	Timeout       time.Duration `mapstructure:"timeout"`
	SystemPrompt  string        `mapstructure:"system_prompt"`
	FallbackReply string        `mapstructure:"fallback_reply"`
}

// TurnConfig tunes the turn controller
type TurnConfig struct {
	MinTranscriptChars      int           `mapstructure:"min_transcript_chars"`
	HistoryLimit            int           `mapstructure:"history_limit"`
	RecognitionRestartDelay time.Duration `mapstructure:"recognition_restart_delay"`
	SamplerStartDelay       time.Duration `mapstructure:"sampler_start_delay"`
	MaxStartRetries         int           `mapstructure:"max_start_retries"`
}

// SamplerConfig tunes the audio intensity sampler
type SamplerConfig struct {
	Interval  time.Duration `mapstructure:"interval"`   // sample cadence
	BinStride int           `mapstructure:"bin_stride"` // analyze every Nth bin
	FrameSkip bool          `mapstructure:"frame_skip"` // process every other tick
}

// VoicesConfig bounds the voice catalog refresh retries
type VoicesConfig struct {
	RefreshMaxAttempts int           `mapstructure:"refresh_max_attempts"`
	RefreshInterval    time.Duration `mapstructure:"refresh_interval"`
}

// BridgeConfig configures the browser capability bridge
type BridgeConfig struct {
	Addr string `mapstructure:"addr"`
	Path string `mapstructure:"path"`
}

// LogConfig configures logging output
type LogConfig struct {
	Dir        string `mapstructure:"dir"`
	Level      string `mapstructure:"level"`
	MaxHistory int    `mapstructure:"max_history"`
	Console    bool   `mapstructure:"console"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Language: LanguageConfig{
			Default: "en-US",
		},
		Generation: GenerationConfig{
			URL:           "http://localhost:8080/v1/chat/completions",
			Model:         "default",
			Timeout:       15 * time.Second,
			SystemPrompt:  "You are a friendly avatar assistant. Keep answers short and conversational.",
			FallbackReply: "Sorry, I didn't catch that. Could you say it again?",
		},
		Turn: TurnConfig{
			MinTranscriptChars:      2,
			HistoryLimit:            10,
			RecognitionRestartDelay: 50 * time.Millisecond,
			SamplerStartDelay:       100 * time.Millisecond,
			MaxStartRetries:         5,
		},
		Sampler: SamplerConfig{
			Interval:  50 * time.Millisecond,
			BinStride: 8,
			FrameSkip: true,
		},
		Voices: VoicesConfig{
			RefreshMaxAttempts: 5,
			RefreshInterval:    250 * time.Millisecond,
		},
		Bridge: BridgeConfig{
			Addr: "localhost:8970",
			Path: "/bridge",
		},
		Log: LogConfig{
			Level:      "info",
			MaxHistory: 500,
			Console:    true,
		},
	}
}

// Load reads configuration from file and environment
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configDir, err := Dir()
	if err != nil {
		return cfg, err
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return cfg, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configDir)
	v.AddConfigPath(".")

	// Environment variable overrides
	v.SetEnvPrefix("VOICETURN")
	v.AutomaticEnv()

	// Read config file if it exists
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return cfg, err
		}
		// Config file not found, use defaults and create one
		if err := Save(cfg); err != nil {
			return cfg, err
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Save writes the configuration to file
func Save(cfg *Config) error {
	configDir, err := Dir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	// Decode through mapstructure so the written keys match the
	// mapstructure tags viper reads back.
	var settings map[string]any
	if err := mapstructure.Decode(cfg, &settings); err != nil {
		return err
	}

	v := viper.New()
	if err := v.MergeConfigMap(settings); err != nil {
		return err
	}
	return v.WriteConfigAs(filepath.Join(configDir, "config.yaml"))
}

// Dir returns the configuration directory path
func Dir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".voiceturn"), nil
}
