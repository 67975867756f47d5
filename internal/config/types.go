package config

import (
	"time"
	_ "time/tzdata"

	"ridertrack/internal/geo"
)

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port         int      `yaml:"port" validate:"gt=0,lt=65536"`
	AllowOrigins []string `yaml:"allow_origins"`
	RateRPS      float64  `yaml:"rate_rps" validate:"gte=0"` // per-rider ingestion rate; 0 disables
	RateBurst    int      `yaml:"rate_burst" validate:"gte=0"`
}

// StoreConfig selects and configures the durable store
type StoreConfig struct {
	Driver        string `yaml:"driver" validate:"oneof=memory postgres mongo"`
	DatabaseURL   string `yaml:"database_url" validate:"required_if=Driver postgres"`
	MongoURL      string `yaml:"mongo_url" validate:"required_if=Driver mongo"`
	MongoDatabase string `yaml:"mongo_database"`
	Migrate       bool   `yaml:"migrate"`
	MigrationsDir string `yaml:"migrations_dir"`
}

// CacheConfig configures the live location cache
type CacheConfig struct {
	RedisURL     string        `yaml:"redis_url"` // empty: in-process cache
	FastTTL      time.Duration `yaml:"fast_ttl" validate:"gt=0"`
	LastKnownTTL time.Duration `yaml:"last_known_ttl" validate:"gt=0"`
}

// BrokerConfig configures live fan-out
type BrokerConfig struct {
	Driver   string `yaml:"driver" validate:"oneof=memory redis"`
	RedisURL string `yaml:"redis_url" validate:"required_if=Driver redis"`
}

// TrackingConfig tunes ingestion, aggregation and queries
type TrackingConfig struct {
	Workers         int           `yaml:"workers" validate:"gt=0"`
	QueueSize       int           `yaml:"queue_size" validate:"gt=0"`
	TaskTimeout     time.Duration `yaml:"task_timeout" validate:"gt=0"`
	Timezone        string        `yaml:"timezone" validate:"timezone"`
	RecentWindow    time.Duration `yaml:"recent_window" validate:"gt=0"`
	HeatmapWindow   time.Duration `yaml:"heatmap_default_window" validate:"gt=0"`
	HeatmapMaxCells int           `yaml:"heatmap_max_cells" validate:"gt=0"`
	MaxBatch        int           `yaml:"max_batch" validate:"gt=0"`
}

// AuthConfig configures bearer token verification
type AuthConfig struct {
	Mode       string `yaml:"mode" validate:"oneof=dev hmac jwks"`
	HMACSecret string `yaml:"hmac_secret" validate:"required_if=Mode hmac"`
	JWKSURL    string `yaml:"jwks_url" validate:"required_if=Mode jwks"`
	Issuer     string `yaml:"issuer"`
	Audience   string `yaml:"audience"`
}

// Config is the root configuration structure
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Cache    CacheConfig    `yaml:"cache"`
	Broker   BrokerConfig   `yaml:"broker"`
	Tracking TrackingConfig `yaml:"tracking"`
	Auth     AuthConfig     `yaml:"auth"`
	Areas    []geo.Area     `yaml:"areas" validate:"dive"`
}

// Location resolves the tracking timezone; Validate has already checked it.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Tracking.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Default returns the configuration used when no file or env overrides are present.
func Default() Config {
	return Config{
		Server: ServerConfig{Port: 8080, AllowOrigins: []string{"*"}, RateRPS: 5, RateBurst: 20},
		Store:  StoreConfig{Driver: "memory", MongoDatabase: "ridertrack", Migrate: true, MigrationsDir: "db/migrations"},
		Cache:  CacheConfig{FastTTL: 5 * time.Minute, LastKnownTTL: 24 * time.Hour},
		Broker: BrokerConfig{Driver: "memory"},
		Tracking: TrackingConfig{
			Workers:         4,
			QueueSize:       1024,
			TaskTimeout:     30 * time.Second,
			Timezone:        "UTC",
			RecentWindow:    5 * time.Minute,
			HeatmapWindow:   7 * 24 * time.Hour,
			HeatmapMaxCells: 10000,
			MaxBatch:        1000,
		},
		Auth: AuthConfig{Mode: "dev"},
	}
}
