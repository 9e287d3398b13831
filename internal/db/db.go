package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoTenant means the tenant query returned no usable id.
var ErrNoTenant = errors.New("no tenant found")

// Querier is the subset of a pgx pool used here. Interface for testing.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Connect opens a pool against url and pings it.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	poolCfg.MaxConns = 1

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// LatestTenantID runs query, which must select one text column, and returns
// the value when it parses as a UUID.
func LatestTenantID(ctx context.Context, q Querier, query string) (string, error) {
	var id string
	err := q.QueryRow(ctx, query).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNoTenant
	}
	if err != nil {
		return "", fmt.Errorf("query tenant: %w", err)
	}
	parsed, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return "", fmt.Errorf("%w: %q is not a UUID", ErrNoTenant, id)
	}
	return parsed.String(), nil
}

// DiscoverTenant connects to url, runs the tenant query once and closes the
// pool.
func DiscoverTenant(ctx context.Context, url, query string) (string, error) {
	pool, err := Connect(ctx, url)
	if err != nil {
		return "", err
	}
	defer pool.Close()
	return LatestTenantID(ctx, pool, query)
}
