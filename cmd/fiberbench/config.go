package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeycumines/logiface"
)

// config is the file format accepted via --config. Flags that are set
// explicitly take precedence.
type config struct {
	Parallelism int            `toml:"parallelism"`
	LogLevel    string         `toml:"log_level"`
	PingPong    pingPongConfig `toml:"pingpong"`
	FanIn       fanInConfig    `toml:"fanin"`
	Batch       batchConfig    `toml:"batch"`
}

type pingPongConfig struct {
	Pairs  int `toml:"pairs"`
	Rounds int `toml:"rounds"`
	// Sync hands each message directly to the parked receiver
	Sync bool `toml:"sync"`
}

type fanInConfig struct {
	Producers int    `toml:"producers"`
	Messages  int    `toml:"messages"`
	Capacity  int    `toml:"capacity"`
	Policy    string `toml:"policy"`
}

type batchConfig struct {
	Jobs           int           `toml:"jobs"`
	Submitters     int           `toml:"submitters"`
	MaxSize        int           `toml:"max_size"`
	FlushInterval  time.Duration `toml:"flush_interval"`
	MaxConcurrency int           `toml:"max_concurrency"`
}

func defaultConfig() config {
	return config{
		LogLevel: logiface.LevelInformational.String(),
		PingPong: pingPongConfig{
			Pairs:  64,
			Rounds: 1000,
		},
		FanIn: fanInConfig{
			Producers: 16,
			Messages:  10000,
			Capacity:  -1,
			Policy:    "block",
		},
		Batch: batchConfig{
			Jobs:           10000,
			Submitters:     8,
			MaxSize:        64,
			FlushInterval:  time.Millisecond,
			MaxConcurrency: 4,
		},
	}
}

// loadConfig decodes path over the defaults, rejecting unknown keys.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return config{}, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, len(undecoded))
		for i, key := range undecoded {
			keys[i] = key.String()
		}
		return config{}, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	if _, err := parseLevel(cfg.LogLevel); err != nil {
		return config{}, fmt.Errorf("%s: %w", path, err)
	}
	if _, err := parsePolicy(cfg.FanIn.Policy); err != nil {
		return config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// parseLevel accepts the syslog style names used by logiface.
func parseLevel(s string) (logiface.Level, error) {
	for level := logiface.LevelDisabled; level <= logiface.LevelTrace; level++ {
		if strings.EqualFold(s, level.String()) {
			return level, nil
		}
	}
	return logiface.LevelDisabled, fmt.Errorf("invalid log level: %q", s)
}
