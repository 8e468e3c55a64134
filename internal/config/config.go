// Package config layers run configuration: YAML file values become flag
// defaults, environment variables override the file, and flags override
// both.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// File mirrors the optional YAML config. Every field has a flag and an env
// var; the file just pins site defaults.
type File struct {
	BatchSize      int    `yaml:"batch_size"`
	MaxConcurrency int    `yaml:"max_concurrency"`
	CheckpointDir  string `yaml:"checkpoint_dir"`
	CacheDir       string `yaml:"cache_dir"`
	CacheTTLSecs   int    `yaml:"cache_ttl_seconds"`
	CachePGDSN     string `yaml:"cache_pg_dsn"`
	MetricsAddr    string `yaml:"metrics_addr"`
	UserAgent      string `yaml:"user_agent"`
	HTTPAdapter    string `yaml:"http_adapter"`
	UIAdapter      string `yaml:"ui_adapter"`
	BrowserCommand string `yaml:"browser_command"`

	Backoff struct {
		MaxRetries  int     `yaml:"max_retries"`
		BaseDelayMs int     `yaml:"base_delay_ms"`
		MaxDelayMs  int     `yaml:"max_delay_ms"`
		Jitter      float64 `yaml:"jitter"`
	} `yaml:"backoff"`

	Log struct {
		JSON  bool   `yaml:"json"`
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Load reads a YAML config file. An empty path returns zero defaults.
func Load(path string) (File, error) {
	var f File
	if path == "" {
		return f, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("config file: %w", err)
	}
	if err := yaml.Unmarshal(b, &f); err != nil {
		return f, fmt.Errorf("config parse: %w", err)
	}
	return f, nil
}

// PathFromArgs pre-scans args for -config/--config so the file can seed flag
// defaults before flag.Parse runs. Falls back to the CONFIG_FILE env var.
func PathFromArgs(args []string) string {
	for i, a := range args {
		switch {
		case a == "-config" || a == "--config":
			if i+1 < len(args) {
				return args[i+1]
			}
		case strings.HasPrefix(a, "-config="):
			return strings.TrimPrefix(a, "-config=")
		case strings.HasPrefix(a, "--config="):
			return strings.TrimPrefix(a, "--config=")
		}
	}
	return strings.TrimSpace(os.Getenv("CONFIG_FILE"))
}

func EnvString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func EnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func EnvFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func EnvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

// OrString returns a if non-empty, else b.
func OrString(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return a
	}
	return b
}

// OrInt returns a if positive, else b.
func OrInt(a, b int) int {
	if a > 0 {
		return a
	}
	return b
}

// OrFloat returns a if positive, else b.
func OrFloat(a, b float64) float64 {
	if a > 0 {
		return a
	}
	return b
}
