// Package api implements HTTP handlers and helpers for the rider tracking service.
package api

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ridertrack/internal/auth"
	"ridertrack/internal/broker"
	"ridertrack/internal/cache"
	"ridertrack/internal/config"
	"ridertrack/internal/geo"
	"ridertrack/internal/jobs"
	"ridertrack/internal/store"
	"ridertrack/internal/tracking"
)

type Server struct {
	Tracker *tracking.Service
	Auth    *auth.Verifier
	Broker  broker.EventBroker
	Config  config.Config
	Jobs    *jobs.Pool

	// dev is set when sessions live in the in-memory store
	dev       *store.Memory
	limits    *riderLimits
	keepAlive time.Duration
	closers   []func() error
}

// NewServer wires the store, cache, broker and worker pool selected by cfg.
// The pool is created but not started; call Start.
func NewServer(cfg config.Config) (*Server, error) {
	st, dev, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	closers := []func() error{closeStore}

	var c cache.Cache
	if cfg.Cache.RedisURL != "" {
		rc, err := cache.NewRedis(cfg.Cache.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("cache: %w", err)
		}
		c = rc
		closers = append(closers, rc.Close)
	} else {
		c = cache.NewMemory()
	}

	var b broker.EventBroker
	if cfg.Broker.Driver == "redis" {
		rb, err := broker.NewRedisBroker(cfg.Broker.RedisURL)
		if err != nil {
			log.Printf("broker: redis unavailable, using in-process broker: %v", err)
			b = broker.NewBroker()
		} else {
			b = rb
			closers = append(closers, rb.Close)
		}
	} else {
		b = broker.NewBroker()
	}

	pool := jobs.NewPool(cfg.Tracking.Workers, cfg.Tracking.QueueSize, cfg.Tracking.TaskTimeout)
	deps := tracking.Deps{Store: st, Cache: c, Notify: b, Jobs: pool}
	if len(cfg.Areas) > 0 {
		deps.Areas = geo.NewAreaIndex(cfg.Areas)
	}
	svc := tracking.NewService(deps, tracking.Options{
		Location:        cfg.Location(),
		FastTTL:         cfg.Cache.FastTTL,
		LastKnownTTL:    cfg.Cache.LastKnownTTL,
		RecentWindow:    cfg.Tracking.RecentWindow,
		HeatmapWindow:   cfg.Tracking.HeatmapWindow,
		HeatmapMaxCells: cfg.Tracking.HeatmapMaxCells,
	})

	s := newServer(cfg, svc, b)
	s.Jobs = pool
	s.dev = dev
	s.closers = closers
	return s, nil
}

func newServer(cfg config.Config, svc *tracking.Service, b broker.EventBroker) *Server {
	v := auth.NewVerifier(cfg.Auth.Mode, cfg.Auth.HMACSecret, cfg.Auth.JWKSURL)
	v.Issuer, v.Audience = cfg.Auth.Issuer, cfg.Auth.Audience
	return &Server{
		Tracker:   svc,
		Auth:      v,
		Broker:    b,
		Config:    cfg,
		limits:    newRiderLimits(cfg.Server.RateRPS, cfg.Server.RateBurst),
		keepAlive: liveKeepAlive,
	}
}

func openStore(cfg config.StoreConfig) (store.Store, *store.Memory, func() error, error) {
	switch cfg.Driver {
	case "postgres":
		pg, err := store.NewPostgres(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("postgres: %w", err)
		}
		if cfg.Migrate {
			if err := pg.MigrateDir(cfg.MigrationsDir); err != nil {
				_ = pg.Close()
				return nil, nil, nil, fmt.Errorf("migrate: %w", err)
			}
		}
		return pg, nil, pg.Close, nil
	case "mongo":
		m, err := store.NewMongo(cfg.MongoURL, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("mongo: %w", err)
		}
		closeFn := func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return m.Close(ctx)
		}
		return m, nil, closeFn, nil
	default:
		mem := store.NewMemory()
		return mem, mem, func() error { return nil }, nil
	}
}

// Start launches the background workers.
func (s *Server) Start() {
	if s.Jobs != nil {
		s.Jobs.Start()
	}
}

// Close drains the workers, then releases store, cache and broker connections.
func (s *Server) Close() {
	if s.Jobs != nil {
		s.Jobs.Stop()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			log.Printf("close: %v", err)
		}
	}
}

// riderLimits hands out one token bucket per rider.
type riderLimits struct {
	rps   rate.Limit
	burst int
	mu    sync.Mutex
	byID  map[string]*rate.Limiter
}

func newRiderLimits(rps float64, burst int) *riderLimits {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &riderLimits{rps: rate.Limit(rps), burst: burst, byID: map[string]*rate.Limiter{}}
}

// allow consumes n tokens from the rider's bucket. A nil receiver allows everything.
func (l *riderLimits) allow(riderID string, n int) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	lim, ok := l.byID[riderID]
	if !ok {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.byID[riderID] = lim
	}
	l.mu.Unlock()
	if n > l.burst {
		n = l.burst
	}
	return lim.AllowN(time.Now(), n)
}
