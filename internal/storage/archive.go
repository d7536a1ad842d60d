package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"market-strength-bot/internal/config"
)

var (
	// ErrNotConfigured indicates the archive pool was not initialised.
	ErrNotConfigured = errors.New("storage: archive not configured")
)

const (
	createScoresSQL = `CREATE TABLE IF NOT EXISTS strength_scores (
        id           BIGSERIAL PRIMARY KEY,
        recorded_at  TIMESTAMPTZ NOT NULL,
        btc_strength DOUBLE PRECISION NOT NULL,
        usdt_strength DOUBLE PRECISION NOT NULL,
        long_strength DOUBLE PRECISION NOT NULL,
        created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
    );`

	createPricesSQL = `CREATE TABLE IF NOT EXISTS price_log (
        id          BIGSERIAL PRIMARY KEY,
        recorded_at TIMESTAMPTZ NOT NULL,
        list_name   TEXT NOT NULL,
        coin        TEXT NOT NULL,
        price       NUMERIC,
        created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
    );`

	insertScoreSQL = `INSERT INTO strength_scores (
        recorded_at, btc_strength, usdt_strength, long_strength
    ) VALUES ($1,$2,$3,$4);`

	insertPriceSQL = `INSERT INTO price_log (
        recorded_at, list_name, coin, price
    ) VALUES ($1,$2,$3,$4);`

	listScoresBetweenSQL = `SELECT recorded_at, btc_strength, usdt_strength, long_strength
    FROM strength_scores
    WHERE recorded_at >= $1
      AND recorded_at < $2
    ORDER BY recorded_at;`
)

// ArchiveStore mirrors score and price rows into PostgreSQL so flat-file
// compaction does not lose raw history.
type ArchiveStore interface {
	ArchiveScore(ctx context.Context, rec ScoreRecord) error
	ArchivePrices(ctx context.Context, entries ...PriceLogEntry) error
}

// Archive is the pgx-backed ArchiveStore.
type Archive struct {
	pool *pgxpool.Pool
}

// NewArchive wires a pgx pool into an Archive.
func NewArchive(pool *pgxpool.Pool) *Archive {
	return &Archive{pool: pool}
}

// OpenArchive connects to PostgreSQL, checks the connection and creates the
// archive tables. appName is reported as application_name.
func OpenArchive(ctx context.Context, cfg config.DatabaseConfig, appName string) (*Archive, error) {
	if cfg.DSN == "" {
		return nil, ErrNotConfigured
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	if appName != "" {
		poolConfig.ConnConfig.RuntimeParams["application_name"] = appName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping archive database: %w", err)
	}

	archive := NewArchive(pool)
	if err := archive.EnsureSchema(ctx); err != nil {
		archive.Close()
		return nil, err
	}
	return archive, nil
}

// Close releases the underlying pool resources.
func (a *Archive) Close() {
	if a == nil || a.pool == nil {
		return
	}
	a.pool.Close()
}

func (a *Archive) getPool() (*pgxpool.Pool, error) {
	if a == nil || a.pool == nil {
		return nil, ErrNotConfigured
	}
	return a.pool, nil
}

// EnsureSchema creates the archive tables when missing.
func (a *Archive) EnsureSchema(ctx context.Context) error {
	pool, err := a.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range []string{createScoresSQL, createPricesSQL} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure archive schema: %w", err)
		}
	}
	return nil
}

// ArchiveScore inserts one score record.
func (a *Archive) ArchiveScore(ctx context.Context, rec ScoreRecord) error {
	pool, err := a.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, insertScoreSQL, rec.Timestamp, rec.BTC, rec.USDT, rec.Long); err != nil {
		return fmt.Errorf("archive score: %w", err)
	}
	return nil
}

// ArchivePrices inserts price entries in one batch.
func (a *Archive) ArchivePrices(ctx context.Context, entries ...PriceLogEntry) error {
	pool, err := a.getPool()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, e := range entries {
		var price any
		if e.Price != nil {
			price = e.Price.String()
		}
		batch.Queue(insertPriceSQL, e.Timestamp, e.List, e.Coin, price)
	}

	results := pool.SendBatch(ctx, batch)
	defer results.Close()
	for range entries {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("archive prices: %w", err)
		}
	}
	return nil
}

// ListScoresBetween reads archived scores for export.
func (a *Archive) ListScoresBetween(ctx context.Context, from, to time.Time) ([]ScoreRecord, error) {
	pool, err := a.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listScoresBetweenSQL, from, to)
	if err != nil {
		return nil, fmt.Errorf("list archived scores: %w", err)
	}
	defer rows.Close()

	out := make([]ScoreRecord, 0)
	for rows.Next() {
		var rec ScoreRecord
		if err := rows.Scan(&rec.Timestamp, &rec.BTC, &rec.USDT, &rec.Long); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

var _ ArchiveStore = (*Archive)(nil)
