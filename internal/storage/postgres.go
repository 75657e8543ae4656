package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"crawlkit/internal/config"
	"crawlkit/pkg/types"
)

const itemsSchema = `
CREATE TABLE IF NOT EXISTS crawl_items (
    id          BIGSERIAL PRIMARY KEY,
    url         TEXT NOT NULL,
    status      INTEGER,
    title       TEXT,
    depth       INTEGER,
    payload     JSONB NOT NULL,
    scraped_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS crawl_items_url_idx ON crawl_items (url);
`

// SQLSink persists items into a relational database.
type SQLSink struct {
	db *sql.DB
}

// NewSQLSink opens the configured database and optionally ensures the
// items schema exists.
func NewSQLSink(cfg config.SQLConfig) (*SQLSink, error) {
	if cfg.Driver == "" || cfg.DSN == "" {
		return nil, errors.New("sql config missing driver or dsn")
	}
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sql connection: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if !cfg.ConnMaxLifetime.IsZero() {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime.Duration)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sql connection: %w", err)
	}
	if cfg.AutoMigrate {
		if _, err := db.ExecContext(ctx, itemsSchema); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate items schema: %w", err)
		}
	}
	return &SQLSink{db: db}, nil
}

// Process inserts one item row with its full payload as JSON.
func (s *SQLSink) Process(ctx context.Context, item types.Item) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode item payload: %w", err)
	}

	url, _ := item["url"].(string)
	status, _ := item["status"].(int)
	title, _ := item["title"].(string)
	depth, _ := item["depth"].(int)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO crawl_items (url, status, title, depth, payload) VALUES ($1, $2, $3, $4, $5)`,
		url, status, title, depth, payload,
	)
	if err != nil {
		return fmt.Errorf("insert item: %w", err)
	}
	return nil
}

// Close releases the database pool.
func (s *SQLSink) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
