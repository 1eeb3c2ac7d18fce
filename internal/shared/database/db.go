package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/mrmushfiq/ai-proxy/internal/shared/models"
)

type DB struct {
	conn *sql.DB
}

// New creates a new database connection
func New(databaseURL string) (*DB, error) {
	conn, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	return &DB{conn: conn}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS gateway_logs (
	id             BIGSERIAL PRIMARY KEY,
	request_id     TEXT        NOT NULL,
	client_network TEXT        NOT NULL,
	user_id        TEXT,
	fingerprint    TEXT        NOT NULL DEFAULT '',
	provider       TEXT        NOT NULL DEFAULT '',
	model          TEXT        NOT NULL DEFAULT '',
	cache_hit      BOOLEAN     NOT NULL DEFAULT FALSE,
	attempts       INTEGER     NOT NULL DEFAULT 0,
	latency_ms     INTEGER     NOT NULL,
	total_tokens   INTEGER     NOT NULL DEFAULT 0,
	status_code    INTEGER     NOT NULL,
	error_kind     TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS gateway_logs_created_at_idx ON gateway_logs (created_at);
`

// EnsureSchema creates the request log table if it does not exist.
func (db *DB) EnsureSchema(ctx context.Context) error {
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// LogRequest logs a gateway request
func (db *DB) LogRequest(ctx context.Context, log *models.GatewayLog) error {
	query := `
		INSERT INTO gateway_logs (
			request_id, client_network, user_id, fingerprint, provider, model,
			cache_hit, attempts, latency_ms, total_tokens, status_code, error_kind
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at
	`

	err := db.conn.QueryRowContext(ctx,
		query,
		log.RequestID,
		log.ClientNetwork,
		log.UserID,
		log.Fingerprint,
		log.Provider,
		log.Model,
		log.CacheHit,
		log.Attempts,
		log.LatencyMs,
		log.TotalTokens,
		log.StatusCode,
		log.ErrorKind,
	).Scan(&log.ID, &log.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert request log: %w", err)
	}
	return nil
}

// RecentLogs returns the newest request log entries, newest first.
func (db *DB) RecentLogs(ctx context.Context, limit int) ([]models.GatewayLog, error) {
	query := `
		SELECT id, request_id, client_network, user_id, fingerprint, provider, model,
		       cache_hit, attempts, latency_ms, total_tokens, status_code, error_kind, created_at
		FROM gateway_logs
		ORDER BY id DESC
		LIMIT $1
	`

	rows, err := db.conn.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}
	defer rows.Close()

	var logs []models.GatewayLog
	for rows.Next() {
		var l models.GatewayLog
		if err := rows.Scan(
			&l.ID,
			&l.RequestID,
			&l.ClientNetwork,
			&l.UserID,
			&l.Fingerprint,
			&l.Provider,
			&l.Model,
			&l.CacheHit,
			&l.Attempts,
			&l.LatencyMs,
			&l.TotalTokens,
			&l.StatusCode,
			&l.ErrorKind,
			&l.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("database error: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
