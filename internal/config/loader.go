// Package config loads service configuration from config.yml, .env files and
// the environment, in that order of precedence (environment wins).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads .env (if present), then CONFIG_FILE or config.yml (if present)
// over the defaults, applies environment overrides and validates the result.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("config: .env: %v", err)
	}
	cfg := Default()
	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		path = "config.yml"
	}
	if err := cfg.mergeFile(path, os.Getenv("CONFIG_FILE") != ""); err != nil {
		return Config{}, err
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string, required bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays the environment variable names shared with the other
// deployments (PORT, DATABASE_URL, REDIS_URL, AUTH_MODE, ...).
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}

	if v, ok := lookup("PORT"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("PORT: %w", err))
		} else {
			c.Server.Port = n
		}
	}
	if v, ok := lookup("ALLOW_ORIGINS"); ok && v != "" {
		c.Server.AllowOrigins = splitCSV(v)
	}
	if v, ok := lookup("RATE_RPS"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("RATE_RPS: %w", err))
		} else {
			c.Server.RateRPS = f
		}
	}
	num("RATE_BURST", &c.Server.RateBurst)

	str("DATABASE_URL", &c.Store.DatabaseURL)
	str("MONGO_URL", &c.Store.MongoURL)
	str("STORE_DRIVER", &c.Store.Driver)
	if _, ok := lookup("STORE_DRIVER"); !ok {
		// a bare DATABASE_URL selects postgres, as the service always has
		if c.Store.Driver == "memory" && c.Store.DatabaseURL != "" {
			c.Store.Driver = "postgres"
		}
	}
	if v, ok := lookup("DB_MIGRATE"); ok && v != "" {
		c.Store.Migrate = v != "false"
	}

	if v, ok := lookup("REDIS_URL"); ok && strings.TrimSpace(v) != "" {
		c.Cache.RedisURL = strings.TrimSpace(v)
		c.Broker.RedisURL = strings.TrimSpace(v)
		c.Broker.Driver = "redis"
	}

	str("AUTH_MODE", &c.Auth.Mode)
	c.Auth.Mode = strings.ToLower(c.Auth.Mode)
	str("AUTH_HMAC_SECRET", &c.Auth.HMACSecret)
	str("AUTH_JWKS_URL", &c.Auth.JWKSURL)

	num("TRACKING_WORKERS", &c.Tracking.Workers)
	str("TRACKING_TIMEZONE", &c.Tracking.Timezone)
	return errors.Join(errs...)
}

// Validate checks the configuration with struct tags.
func (c Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
