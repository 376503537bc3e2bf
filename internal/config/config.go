// Package config reads the YAML configuration of the wave server.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	// Listen is the address of the HTTP and websocket listener.
	Listen        string `yaml:"listen"`
	Domain        string `yaml:"domain"`
	DataPath      string `yaml:"dataPath"`
	MinimumFreeGB int    `yaml:"minimumFreeGB"`
	LogLevel      string `yaml:"logLevel"`

	Cache   CacheConfig   `yaml:"cache"`
	Workers WorkersConfig `yaml:"workers"`

	LoadTimeout      time.Duration `yaml:"loadTimeout"`
	CloseGrace       time.Duration `yaml:"closeGrace"`
	MaxTransformSpan int64         `yaml:"maxTransformSpan"`
}

type CacheConfig struct {
	MaxWaves          int           `yaml:"maxWaves"`
	MaxWavelets       int           `yaml:"maxWavelets"`
	ExpireAfterAccess time.Duration `yaml:"expireAfterAccess"`
	SweepInterval     time.Duration `yaml:"sweepInterval"`
}

type WorkersConfig struct {
	Load         int `yaml:"load"`
	Indexing     int `yaml:"indexing"`
	Persist      int `yaml:"persist"`
	Continuation int `yaml:"continuation"`
}

// Default returns the configuration used for every field a file leaves
// unset.
func Default() Config {
	return Config{
		Listen:        "localhost:4242",
		Domain:        "localhost",
		DataPath:      "./data",
		MinimumFreeGB: 1,
		LogLevel:      "info",
		Cache: CacheConfig{
			MaxWaves:          10000,
			MaxWavelets:       1000,
			ExpireAfterAccess: 30 * time.Minute,
			SweepInterval:     time.Minute,
		},
		Workers: WorkersConfig{
			Load:         4,
			Indexing:     2,
			Persist:      4,
			Continuation: 2,
		},
		LoadTimeout:      30 * time.Second,
		CloseGrace:       10 * time.Second,
		MaxTransformSpan: 1000,
	}
}

// Load reads path and fills in defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	var config Config
	if err := yaml.UnmarshalStrict(data, &config); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	config.applyDefaults()
	return config, nil
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.Domain == "" {
		c.Domain = d.Domain
	}
	if c.DataPath == "" {
		c.DataPath = d.DataPath
	}
	if c.MinimumFreeGB == 0 {
		c.MinimumFreeGB = d.MinimumFreeGB
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.Cache.MaxWaves == 0 {
		c.Cache.MaxWaves = d.Cache.MaxWaves
	}
	if c.Cache.MaxWavelets == 0 {
		c.Cache.MaxWavelets = d.Cache.MaxWavelets
	}
	if c.Cache.ExpireAfterAccess == 0 {
		c.Cache.ExpireAfterAccess = d.Cache.ExpireAfterAccess
	}
	if c.Cache.SweepInterval == 0 {
		c.Cache.SweepInterval = d.Cache.SweepInterval
	}
	if c.Workers.Load == 0 {
		c.Workers.Load = d.Workers.Load
	}
	if c.Workers.Indexing == 0 {
		c.Workers.Indexing = d.Workers.Indexing
	}
	if c.Workers.Persist == 0 {
		c.Workers.Persist = d.Workers.Persist
	}
	if c.Workers.Continuation == 0 {
		c.Workers.Continuation = d.Workers.Continuation
	}
	if c.LoadTimeout == 0 {
		c.LoadTimeout = d.LoadTimeout
	}
	if c.CloseGrace == 0 {
		c.CloseGrace = d.CloseGrace
	}
	if c.MaxTransformSpan == 0 {
		c.MaxTransformSpan = d.MaxTransformSpan
	}
}
