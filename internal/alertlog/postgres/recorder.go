// Package postgres records flagged alert evaluations in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/crawlwatch/internal/alert"
	"github.com/JakeFAU/crawlwatch/internal/jobstats"
)

// DefaultTable is used when Config.Table is empty.
const DefaultTable = "alert_decisions"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for decision rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type execCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Close()
}

// Recorder writes alert decisions into Postgres.
type Recorder struct {
	pool  execCloser
	table string
	ids   jobstats.IDGenerator
}

// NewRecorder connects a pool using cfg.
func NewRecorder(ctx context.Context, cfg Config, ids jobstats.IDGenerator) (*Recorder, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewRecorderWithPool(pool, table, ids)
}

// NewRecorderWithPool constructs a recorder from an existing pool (primarily for testing).
func NewRecorderWithPool(pool execCloser, table string, ids jobstats.IDGenerator) (*Recorder, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &Recorder{pool: pool, table: table, ids: ids}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = DefaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (r *Recorder) Close() {
	if r == nil || r.pool == nil {
		return
	}
	r.pool.Close()
}

// Record inserts one decision row.
func (r *Recorder) Record(ctx context.Context, d alert.Decision) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("decision recorder is not configured")
	}
	id, err := r.ids.NewID()
	if err != nil {
		return fmt.Errorf("generate decision id: %w", err)
	}
	counts, err := json.Marshal(countsRow{Previous: d.Previous, Current: d.Current, Delta: d.Delta})
	if err != nil {
		return fmt.Errorf("marshal counts: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	node,
	project,
	spider,
	job,
	flag,
	action,
	counts,
	delivered,
	evaluated_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)`, r.table)

	args := []any{
		id,
		d.Key.Node,
		d.Key.Project,
		d.Key.Spider,
		d.Key.Job,
		d.Flag,
		string(d.Action),
		counts,
		d.Delivered,
		d.EvaluatedAt,
	}
	if _, err := r.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

type countsRow struct {
	Previous jobstats.Counts `json:"previous"`
	Current  jobstats.Counts `json:"current"`
	Delta    jobstats.Counts `json:"delta"`
}
