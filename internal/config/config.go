// Package config reads process settings from the environment, after loading
// a .env file if one is present.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/DoyleJ11/typerace-backend/internal/engine"
	"github.com/joho/godotenv"
)

type Config struct {
	Port           int
	Rules          engine.Rules
	PassagesFile   string
	DatabaseURL    string
	NATSURL        string
	NATSSubject    string
	AllowedOrigins []string
	LogLevel       string
	LogFormat      string
}

// Load reads .env (optional) and then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv reads settings from the environment only.
func FromEnv() (Config, error) {
	var errs []error
	intVar := func(key string, fallback int) int {
		n, err := getEnvAsInt(key, fallback)
		if err != nil {
			errs = append(errs, err)
		}
		return n
	}

	rules := engine.DefaultRules()
	cfg := Config{
		Port:           intVar("PORT", 8080),
		PassagesFile:   getEnv("PASSAGES_FILE", ""),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		NATSURL:        getEnv("NATS_URL", ""),
		NATSSubject:    getEnv("NATS_SUBJECT", "typerace.results"),
		AllowedOrigins: splitList(getEnv("ALLOWED_ORIGINS", "*")),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "json"),
	}
	rules.Countdown = seconds(intVar("COUNTDOWN_SECONDS", int(rules.Countdown/time.Second)))
	rules.Grace = seconds(intVar("GRACE_SECONDS", int(rules.Grace/time.Second)))
	rules.MaxRace = seconds(intVar("MAX_RACE_SECONDS", int(rules.MaxRace/time.Second)))
	cfg.Rules = rules

	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("PORT out of range: %d", c.Port)
	case c.Rules.Countdown < 0:
		return errors.New("COUNTDOWN_SECONDS must not be negative")
	case c.Rules.Grace < 0:
		return errors.New("GRACE_SECONDS must not be negative")
	case c.Rules.MaxRace <= 0:
		return errors.New("MAX_RACE_SECONDS must be positive")
	case c.LogFormat != "json" && c.LogFormat != "console":
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.LogFormat)
	}
	return nil
}

func (c Config) Addr() string { return fmt.Sprintf(":%d", c.Port) }

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
