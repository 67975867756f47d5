package api

import (
	"net/http"
	"time"

	"ridertrack/internal/buildinfo"
)

// DebugJSON reports build info and the effective configuration, secrets redacted.
func (s *Server) DebugJSON(w http.ResponseWriter, r *http.Request) {
	pr, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	if !pr.IsAdmin() {
		writeProblem(w, http.StatusForbidden, "Forbidden", "admin required", r.URL.Path)
		return
	}
	cfg := s.Config
	info := map[string]any{
		"build": buildinfo.Info(),
		"time":  time.Now().UTC().Format(time.RFC3339),
		"config": map[string]any{
			"port":              cfg.Server.Port,
			"allow_origins":     cfg.Server.AllowOrigins,
			"rate_rps":          cfg.Server.RateRPS,
			"rate_burst":        cfg.Server.RateBurst,
			"store_driver":      cfg.Store.Driver,
			"has_database_url":  cfg.Store.DatabaseURL != "",
			"has_mongo_url":     cfg.Store.MongoURL != "",
			"cache":             cacheKind(cfg.Cache.RedisURL),
			"fast_ttl":          cfg.Cache.FastTTL.String(),
			"last_known_ttl":    cfg.Cache.LastKnownTTL.String(),
			"broker_driver":     cfg.Broker.Driver,
			"auth_mode":         cfg.Auth.Mode,
			"workers":           cfg.Tracking.Workers,
			"queue_size":        cfg.Tracking.QueueSize,
			"timezone":          cfg.Tracking.Timezone,
			"max_batch":         cfg.Tracking.MaxBatch,
			"heatmap_max_cells": cfg.Tracking.HeatmapMaxCells,
			"areas":             len(cfg.Areas),
		},
	}
	writeJSON(w, http.StatusOK, info)
}

func cacheKind(redisURL string) string {
	if redisURL != "" {
		return "redis"
	}
	return "memory"
}
