package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dontdude/codexec/internal/platform/pubsub"
	"github.com/dontdude/codexec/internal/process"
	"github.com/dontdude/codexec/internal/toolchain"
)

const (
	runnerLocal  = "local"
	runnerDocker = "docker"
)

// Config is the immutable server configuration.
type Config struct {
	Addr      string              `yaml:"addr"`
	WorkDir   string              `yaml:"workdir"`
	LogJSON   bool                `yaml:"logJSON"`
	Runner    string              `yaml:"runner"`
	KillGrace time.Duration       `yaml:"killGrace"`
	Docker    DockerConfig        `yaml:"docker"`
	Redis     RedisConfig         `yaml:"redis"`
	RateLimit RateLimitConfig     `yaml:"rateLimit"`
	Toolchain toolchain.Toolchain `yaml:"toolchain"`
}

type DockerConfig struct {
	Image string `yaml:"image"`
	Pull  bool   `yaml:"pull"`
}

// RedisConfig enables output broadcasting when Addr is set.
type RedisConfig struct {
	Addr   string `yaml:"addr"`
	Prefix string `yaml:"prefix"`
}

// RateLimitConfig limits runCode per client IP. Rate <= 0 disables it.
type RateLimitConfig struct {
	Rate  float64 `yaml:"rate"`
	Burst float64 `yaml:"burst"`
}

func defaultConfig() Config {
	return Config{
		Addr:      ":5000",
		WorkDir:   filepath.Join(os.TempDir(), "codexec"),
		Runner:    runnerLocal,
		KillGrace: process.DefaultKillGrace,
		Redis:     RedisConfig{Prefix: pubsub.DefaultPrefix},
		// 0.5 tokens/sec (1 request every 2s), burst of 5
		RateLimit: RateLimitConfig{Rate: 0.5, Burst: 5},
		Toolchain: toolchain.Default(),
	}
}

// loadConfig layers defaults, the YAML file at path and the environment.
// A missing file is not an error.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	cfg.Addr = envOrDefault("CODEXEC_ADDR", cfg.Addr)
	cfg.WorkDir = envOrDefault("CODEXEC_WORKDIR", cfg.WorkDir)
	cfg.Runner = envOrDefault("CODEXEC_RUNNER", cfg.Runner)
	cfg.Docker.Image = envOrDefault("CODEXEC_DOCKER_IMAGE", cfg.Docker.Image)
	cfg.Redis.Addr = envOrDefault("REDIS_ADDR", cfg.Redis.Addr)
	cfg.LogJSON = parseBool(os.Getenv("CODEXEC_LOG_JSON"), cfg.LogJSON)
	cfg.RateLimit.Rate = parseFloat(os.Getenv("CODEXEC_RATE"), cfg.RateLimit.Rate)
	cfg.RateLimit.Burst = parseFloat(os.Getenv("CODEXEC_BURST"), cfg.RateLimit.Burst)

	return cfg, nil
}

func (c Config) validate() error {
	switch c.Runner {
	case runnerLocal:
	case runnerDocker:
		if strings.TrimSpace(c.Docker.Image) == "" {
			return errors.New("docker.image is required when runner is docker")
		}
	default:
		return fmt.Errorf("unknown runner %q (want %s or %s)", c.Runner, runnerLocal, runnerDocker)
	}
	if strings.TrimSpace(c.WorkDir) == "" {
		return errors.New("workdir is required")
	}
	if c.KillGrace < 0 {
		return errors.New("killGrace must not be negative")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func parseBool(raw string, fallback bool) bool {
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}

func parseFloat(raw string, fallback float64) float64 {
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}
