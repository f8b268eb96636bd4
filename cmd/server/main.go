package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"time"

	"github.com/logsentry/backend/internal/api"
	"github.com/logsentry/backend/internal/config"
	"github.com/logsentry/backend/internal/detect"
	"github.com/logsentry/backend/internal/enrich"
	"github.com/logsentry/backend/internal/infra"
	"github.com/logsentry/backend/internal/metrics"
	"github.com/logsentry/backend/internal/state"
	"github.com/logsentry/backend/internal/storage"
	"github.com/logsentry/backend/internal/stream"
	"github.com/logsentry/backend/internal/ws"
)

func main() {
	configPath := flag.String("config", "config.yml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Config load failed", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting log intrusion detection service",
		"port", cfg.Server.Port, "rules_dir", cfg.Detection.RulesDir)

	// Redis backs both the sliding-window state and the live streams.
	rdb, err := infra.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		slog.Error("Redis unavailable", "error", err)
		os.Exit(1)
	}
	defer rdb.Close()

	bus := stream.NewRedisBus(rdb, "")
	bus.SetCap(stream.EventStream, cfg.Streams.EventCap)
	bus.SetCap(stream.AlertStream, cfg.Streams.AlertCap)
	startCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	for _, name := range []string{stream.EventStream, stream.AlertStream} {
		if err := bus.EnsureExists(startCtx, name); err != nil {
			slog.Warn("Stream init failed, will retry lazily", "stream", name, "error", err)
		}
	}
	cancel()

	// The durable store is a collaborator: its absence degrades history
	// queries and raw_id assignment, never ingest or detection.
	var pg *storage.Postgres
	if cfg.Postgres.DSN != "" {
		pg, err = storage.Open(cfg.Postgres.DSN)
		if err != nil {
			slog.Warn("Durable store unavailable, running without history", "error", err)
		} else {
			defer pg.Close()
			schemaCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := pg.EnsureSchema(schemaCtx); err != nil {
				slog.Warn("Schema init failed", "error", err)
			}
			cancel()
		}
	}

	m := metrics.New()
	builder := detect.NewAlertBuilder(cfg.Server.PublicHost)
	checker := enrich.NewURLChecker(
		publicHosts(cfg), 10*time.Minute, 2048, 3*time.Second)

	var engine *detect.Engine
	var reload func() error
	if cfg.Detection.Enabled {
		engine = detect.NewEngine(state.NewRedisStore(rdb, ""), builder)
		if err := engine.Reload(cfg.Detection.RulesDir); err != nil {
			slog.Warn("Rule catalog load failed, engine starts empty", "error", err)
		}
		slog.Info("Rule engine ready", "rules", engine.RuleCount())
		dir := cfg.Detection.RulesDir
		reload = func() error { return engine.Reload(dir) }
	} else {
		slog.Info("Rule engine disabled by config")
	}

	fanout := ws.NewFanout(bus, time.Duration(cfg.Streams.TailBlockMS)*time.Millisecond, m)
	ingest := api.NewIngestor(pg, bus, engine, checker, m)

	diag := func(ctx context.Context) map[string]any {
		out := map[string]any{"ok": true}
		if err := rdb.Ping(ctx).Err(); err != nil {
			return map[string]any{"ok": false, "error": err.Error()}
		}
		lengths := map[string]any{}
		for _, name := range []string{stream.EventStream, stream.AlertStream} {
			if n, err := bus.Len(ctx, name); err == nil {
				lengths[name] = n
			} else {
				lengths[name] = err.Error()
			}
		}
		out["streams"] = lengths
		return out
	}

	server := api.NewServer(ingest, pg, bus, fanout, checker, m, reload, diag)
	if err := server.Start(cfg.Server.Port); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

// publicHosts is the probe allowlist: only the configured public display
// host is ever probed by the URL enricher.
func publicHosts(cfg *config.Config) []string {
	if cfg.Server.PublicHost == "" {
		return nil
	}
	return []string{cfg.Server.PublicHost}
}
