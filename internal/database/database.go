package database

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/itstheanurag/runbox/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const DatabasePingTimeout = 10

const schema = `
CREATE TABLE IF NOT EXISTS executions (
	id          BIGSERIAL PRIMARY KEY,
	job_id      TEXT        NOT NULL,
	tenant      TEXT        NOT NULL,
	language    TEXT        NOT NULL,
	kind        TEXT        NOT NULL,
	status      TEXT        NOT NULL,
	test_cases  INTEGER     NOT NULL DEFAULT 0,
	passed      INTEGER     NOT NULL DEFAULT 0,
	duration_ms BIGINT      NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS executions_tenant_created_idx ON executions (tenant, created_at DESC);
`

// ExecutionRecord is one audit row. It never carries source code or output.
type ExecutionRecord struct {
	JobID      string
	Tenant     string
	Language   string
	Kind       string
	Status     string
	TestCases  int
	Passed     int
	DurationMs int64
	CreatedAt  time.Time
}

type Database struct {
	Pool *pgxpool.Pool
	log  *zerolog.Logger
}

func New(conf *config.Config, log *zerolog.Logger) (*Database, error) {
	host := net.JoinHostPort(conf.Db.Host, strconv.Itoa(conf.Db.Port))
	encodedPassword := url.QueryEscape(conf.Db.Password)

	dsn := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=%s",
		conf.Db.User,
		encodedPassword,
		host,
		conf.Db.Name,
		conf.Db.SSLMode,
	)

	pgxPoolConfig, err := pgxpool.ParseConfig(dsn)

	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	pgxPoolConfig.ConnConfig.RuntimeParams["application_name"] = "runbox"

	pgxPoolConfig.ConnConfig.DialFunc = func(ctx context.Context, network, addr string) (net.Conn, error) {
		dialer := &net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}
		return dialer.DialContext(ctx, network, addr)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), pgxPoolConfig)

	if err != nil {
		return nil, fmt.Errorf("failed to create database pool: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), DatabasePingTimeout*time.Second)
	defer cancel()

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	log.Info().Msg("database connection established")

	return &Database{Pool: pool, log: log}, nil
}

// RecordExecution inserts one audit row.
func (db *Database) RecordExecution(ctx context.Context, rec ExecutionRecord) error {
	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := db.Pool.Exec(ctx,
		`INSERT INTO executions (job_id, tenant, language, kind, status, test_cases, passed, duration_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		rec.JobID, rec.Tenant, rec.Language, rec.Kind, rec.Status,
		rec.TestCases, rec.Passed, rec.DurationMs, createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return nil
}

func (db *Database) Close() error {
	db.log.Info().Msg("Closing database connection pool")
	db.Pool.Close()
	return nil
}
