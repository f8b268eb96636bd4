// Package storage is the durable relational store for raw log lines and
// historical alerts. The detection core never depends on it being up:
// ingest falls back to synthetic raw ids and history queries simply fail.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq" // Postgres driver
)

// RawLog is one ingested line as persisted.
type RawLog struct {
	ID        int64     `json:"id"`
	Source    string    `json:"source"`
	Host      string    `json:"host"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// AlertRecord is the persisted form of an emitted alert. Payload carries
// the full JSON alert including the evidence window.
type AlertRecord struct {
	ID        int64     `json:"id"`
	RuleID    string    `json:"rule_id"`
	RuleName  string    `json:"rule_name"`
	Severity  string    `json:"severity"`
	SrcIP     string    `json:"src_ip"`
	Host      string    `json:"host"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// LogFilter narrows RecentLogs queries. Zero values mean "no filter".
type LogFilter struct {
	BeforeID int64
	Source   string
	Host     string
	Level    string
	Query    string // substring match on message
	Limit    int
}

// Postgres implements the durable store on lib/pq.
type Postgres struct {
	db *sql.DB
}

// Open connects to Postgres and verifies connectivity.
func Open(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	slog.Info("[Storage] Postgres connected")
	return &Postgres{db: db}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error { return p.db.Close() }

// EnsureSchema creates the tables when they do not exist yet.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS raw_logs (
	id         BIGSERIAL PRIMARY KEY,
	source     TEXT NOT NULL,
	host       TEXT NOT NULL,
	level      TEXT NOT NULL DEFAULT '',
	message    TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS raw_logs_created_at_idx ON raw_logs (created_at);
CREATE TABLE IF NOT EXISTS alerts (
	id         BIGSERIAL PRIMARY KEY,
	rule_id    TEXT NOT NULL,
	rule_name  TEXT NOT NULL DEFAULT '',
	severity   TEXT NOT NULL DEFAULT '',
	src_ip     TEXT NOT NULL DEFAULT '',
	host       TEXT NOT NULL DEFAULT '',
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS alerts_created_at_idx ON alerts (created_at);`
	if _, err := p.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// InsertRawLog persists a raw line and returns its id, which becomes the
// event's raw_id.
func (p *Postgres) InsertRawLog(ctx context.Context, source, host, level, message string) (int64, error) {
	var id int64
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO raw_logs (source, host, level, message) VALUES ($1, $2, $3, $4) RETURNING id`,
		source, host, level, message).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert raw log: %w", err)
	}
	return id, nil
}

// InsertAlert persists an emitted alert.
func (p *Postgres) InsertAlert(ctx context.Context, ruleID, ruleName, severity, srcIP, host, payload string) (int64, error) {
	var id int64
	err := p.db.QueryRowContext(ctx,
		`INSERT INTO alerts (rule_id, rule_name, severity, src_ip, host, payload)
		 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		ruleID, ruleName, severity, srcIP, host, payload).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert alert: %w", err)
	}
	return id, nil
}

// RecentLogs returns raw lines matching the filter, oldest first, with
// BeforeID acting as the pagination cursor.
func (p *Postgres) RecentLogs(ctx context.Context, f LogFilter) ([]RawLog, error) {
	limit := f.Limit
	if limit <= 0 || limit > 2000 {
		limit = 200
	}

	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.BeforeID > 0 {
		add("id < $%d", f.BeforeID)
	}
	if f.Source != "" {
		add("source = $%d", f.Source)
	}
	if f.Host != "" {
		add("host = $%d", f.Host)
	}
	if f.Level != "" {
		add("level ILIKE $%d", "%"+strings.ToUpper(f.Level)+"%")
	}
	if f.Query != "" {
		add("message ILIKE $%d", "%"+f.Query+"%")
	}

	q := "SELECT id, source, host, level, message, created_at FROM raw_logs"
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query raw logs: %w", err)
	}
	defer rows.Close()

	var out []RawLog
	for rows.Next() {
		var r RawLog
		if err := rows.Scan(&r.ID, &r.Source, &r.Host, &r.Level, &r.Message, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan raw log: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Oldest first for display.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// RecentAlerts returns the newest alerts, newest first.
func (p *Postgres) RecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, rule_id, rule_name, severity, src_ip, host, payload, created_at
		 FROM alerts ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	var out []AlertRecord
	for rows.Next() {
		var a AlertRecord
		if err := rows.Scan(&a.ID, &a.RuleID, &a.RuleName, &a.Severity, &a.SrcIP, &a.Host, &a.Payload, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
