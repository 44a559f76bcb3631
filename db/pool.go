package db

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier is the subset of *pgxpool.Pool this package depends on,
// narrowed so tests can substitute a fake without a live database.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PoolOptions configures connection establishment.
type PoolOptions struct {
	Host, Port, User, Password, Database string
	MinConns, MaxConns                   int32
	ConnectTimeout                       time.Duration
	IdleTimeout, AcquireTimeout          time.Duration
	TLS                                  bool
}

// DefaultPoolOptions applies 10s connect-timeout default.
func DefaultPoolOptions() PoolOptions {
	return PoolOptions{ConnectTimeout: 10 * time.Second}
}

func (o PoolOptions) connString() string {
	sslmode := "disable"
	if o.TLS {
		sslmode = "require"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", o.User, o.Password, o.Host, o.Port, o.Database, sslmode)
}

// ReadPreference controls routing for non-transactional, non-write
// statements.
type ReadPreference string

const (
	ReadPreferReplica ReadPreference = "replica"
	ReadPreferPrimary ReadPreference = "primary"
)

// Pool is the C8 component: a dialect-aware wrapper around a primary
// pgxpool.Pool and optional round-robin read replicas.
type Pool struct {
	dialect  Dialect
	primary  Querier
	replicas []Querier
	rrIndex  atomic.Uint64

	readPreference ReadPreference
	inTx           atomic.Bool
}

// Connect opens the primary pool via pgxpool.
func Connect(ctx context.Context, dialect Dialect, opts PoolOptions) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(opts.connString())
	if err != nil {
		return nil, fmt.Errorf("db: parse config: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}

	connectCtx := ctx
	if opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, opts.ConnectTimeout)
		defer cancel()
	}

	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("db: connect: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db: ping: %w", err)
	}

	return NewPool(dialect, PgxPool{pool}, nil, ReadPreferReplica), nil
}

// PgxPool adapts *pgxpool.Pool to both Querier and Beginner: Exec,
// Query, QueryRow, and Close are promoted directly from the embedded
// pool, and Begin is narrowed to return a TxQuerier rather than the
// concrete pgx.Tx so callers depend only on this package's interfaces.
type PgxPool struct {
	*pgxpool.Pool
}

// Begin starts a transaction on the underlying pool.
func (p PgxPool) Begin(ctx context.Context) (TxQuerier, error) {
	tx, err := p.Pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// NewPool wraps an already-constructed primary (and optional replica)
// Querier set; used directly in tests with a fake Querier.
func NewPool(dialect Dialect, primary Querier, replicas []Querier, readPreference ReadPreference) *Pool {
	if readPreference == "" {
		readPreference = ReadPreferReplica
	}
	return &Pool{dialect: dialect, primary: primary, replicas: replicas, readPreference: readPreference}
}

// Dialect returns the pool's SQL dialect.
func (p *Pool) Dialect() Dialect { return p.dialect }

// Close closes the primary and every replica.
func (p *Pool) Close() {
	p.primary.Close()
	for _, r := range p.replicas {
		r.Close()
	}
}

// selectPool routes sql: writes and any statement
// while a transaction is active go to the primary; reads round-robin
// across replicas unless readPreference is primary or none are
// configured.
func (p *Pool) selectPool(sql string) Querier {
	if p.inTx.Load() || p.dialect.IsWriteStatement(sql) || len(p.replicas) == 0 || p.readPreference == ReadPreferPrimary {
		return p.primary
	}
	idx := p.rrIndex.Add(1) - 1
	return p.replicas[idx%uint64(len(p.replicas))]
}

// Exec routes and runs sql, rewriting placeholders to the dialect's
// native style first.
func (p *Pool) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	sql = p.dialect.NormalizePlaceholders(sql)
	return p.selectPool(sql).Exec(ctx, sql, args...)
}

// Query routes and runs sql, returning pgx.Rows.
func (p *Pool) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	sql = p.dialect.NormalizePlaceholders(sql)
	return p.selectPool(sql).Query(ctx, sql, args...)
}

// QueryRow routes and runs sql, returning a single pgx.Row.
func (p *Pool) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	sql = p.dialect.NormalizePlaceholders(sql)
	return p.selectPool(sql).QueryRow(ctx, sql, args...)
}

// RowHandler processes one streamed row's values.
type RowHandler func(values []any) error

// Stream runs sql and invokes handler once per row, releasing the
// underlying connection back to the pool on completion, cancellation,
// or error.
func (p *Pool) Stream(ctx context.Context, sql string, args []any, handler RowHandler) error {
	sql = p.dialect.NormalizePlaceholders(sql)
	rows, err := p.selectPool(sql).Query(ctx, sql, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return err
		}
		if err := handler(values); err != nil {
			return err
		}
	}
	return rows.Err()
}
