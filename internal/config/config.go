package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type contextKey string

const configKey contextKey = "config"

// Config holds all application configuration
type Config struct {
	// Core settings
	StorageDir  string `yaml:"storage_dir"`
	OutputDir   string `yaml:"output_dir"`
	DatabaseURL string `yaml:"database_url"`

	Log      LogConfig      `yaml:"log"`
	Saliency SaliencyConfig `yaml:"saliency"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Reframe  ReframeConfig  `yaml:"reframe"`
	Detect   DetectConfig   `yaml:"detect"`
	Jobs     JobsConfig     `yaml:"jobs"`
	Server   ServerConfig   `yaml:"server"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type SaliencyConfig struct {
	Strategy      string  `yaml:"strategy"` // robust, hybrid, segmentation
	Backend       string  `yaml:"backend"`  // native, opencv
	DarkThreshold float64 `yaml:"dark_threshold"`
}

type AnalysisConfig struct {
	SampleRate  int    `yaml:"sample_rate"`
	Workers     int    `yaml:"workers"`
	ROICount    int    `yaml:"roi_count"`
	AspectRatio string `yaml:"aspect_ratio"`
	MaxFrames   int    `yaml:"max_frames"`
	SaveMaps    bool   `yaml:"save_maps"`
}

type ReframeConfig struct {
	SmoothingFactor float64       `yaml:"smoothing_factor"`
	MaxMovement     float64       `yaml:"max_movement"`
	Reencode        bool          `yaml:"reencode"`
	ReencodeTimeout time.Duration `yaml:"reencode_timeout"`
}

type DetectConfig struct {
	Face    ProviderConfig `yaml:"face"`
	Objects ProviderConfig `yaml:"objects"`
}

// ProviderConfig selects a face or object provider backend.
type ProviderConfig struct {
	Backend    string        `yaml:"backend"` // none, yunet, process
	ModelPath  string        `yaml:"model_path"`
	Confidence float64       `yaml:"confidence"`
	Command    []string      `yaml:"command"`
	Timeout    time.Duration `yaml:"timeout"`
}

type JobsConfig struct {
	Retention       time.Duration `yaml:"retention"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
	EventsEndpoint  string        `yaml:"events_endpoint"` // ZeroMQ PUB bind address, empty disables
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Load reads configuration from file or returns defaults, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path == "" {
		path = findConfigFile()
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		StorageDir: "./storage",
		OutputDir:  "./output",
		Log: LogConfig{
			Level: "info",
		},
		Saliency: SaliencyConfig{
			Strategy:      "robust",
			Backend:       "native",
			DarkThreshold: 30,
		},
		Analysis: AnalysisConfig{
			SampleRate:  5,
			Workers:     2,
			ROICount:    3,
			AspectRatio: "9:16",
			SaveMaps:    true,
		},
		Reframe: ReframeConfig{
			SmoothingFactor: 0.3,
			MaxMovement:     15,
			Reencode:        true,
			ReencodeTimeout: 10 * time.Minute,
		},
		Detect: DetectConfig{
			Face: ProviderConfig{
				Backend:    "none",
				Confidence: 0.5,
				Timeout:    30 * time.Second,
			},
			Objects: ProviderConfig{
				Backend: "none",
				Timeout: 30 * time.Second,
			},
		},
		Jobs: JobsConfig{
			Retention:       24 * time.Hour,
			JanitorInterval: 10 * time.Minute,
		},
		Server: ServerConfig{
			Addr: ":8090",
		},
	}
}

// applyEnv lets the environment override file settings.
func (c *Config) applyEnv() {
	if v := os.Getenv("REFRAMER_DB"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("REFRAMER_STORAGE_DIR"); v != "" {
		c.StorageDir = v
	}
	if v := os.Getenv("REFRAMER_OUTPUT_DIR"); v != "" {
		c.OutputDir = v
	}
	if v := os.Getenv("REFRAMER_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func findConfigFile() string {
	candidates := []string{
		"./reframer.yaml",
		"./config.yaml",
		"./config.yml",
		filepath.Join(os.Getenv("HOME"), ".reframer", "config.yaml"),
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// WithConfig stores config in context
func WithConfig(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configKey, cfg)
}

// FromContext retrieves config from context
func FromContext(ctx context.Context) *Config {
	if cfg, ok := ctx.Value(configKey).(*Config); ok {
		return cfg
	}
	return defaultConfig()
}
