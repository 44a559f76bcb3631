package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

// TxQuerier is the slice of pgx.Tx this package depends on; pgx.Tx
// satisfies it structurally, and tests can substitute a fake.
type TxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Beginner is implemented by a primary Querier capable of starting a
// transaction (PgxPool satisfies this; a bare *pgxpool.Pool does not,
// since its Begin returns pgx.Tx).
type Beginner interface {
	Begin(ctx context.Context) (TxQuerier, error)
}

// TxContext tracks one transaction's identity and nesting depth.
type TxContext struct {
	ID         string
	Depth      int
	Savepoints []string

	tx TxQuerier
}

// Exec runs sql against the transaction's live connection.
func (tx *TxContext) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return tx.tx.Exec(ctx, sql, args...)
}

// ErrTransactionAlreadyActive surfaces immediately
// (TransactionStateError): only one top-level transaction per adapter
// instance at a time.
var ErrTransactionAlreadyActive = errors.New("db: a transaction is already active on this pool")

// ErrNoActiveTransaction surfaces when a savepoint is requested outside
// Run's callback.
var ErrNoActiveTransaction = errors.New("db: no active transaction")

// TransactionManager is the C10 component.
type TransactionManager struct {
	pool *Pool
}

// NewTransactionManager creates a manager over pool.
func NewTransactionManager(pool *Pool) *TransactionManager {
	return &TransactionManager{pool: pool}
}

// Callback is the unit of work run inside (or, for a non-transactional
// dialect, without) a transaction.
type Callback func(ctx context.Context, tx *TxContext) error

// Run opens a transaction if the pool's dialect is transactional
// (otherwise it runs fn with a nil *TxContext), commits on success,
// and rolls back on error.
func (tm *TransactionManager) Run(ctx context.Context, fn Callback) error {
	if !tm.pool.dialect.Capabilities().Transactional {
		return fn(ctx, nil)
	}

	beginner, ok := tm.pool.primary.(Beginner)
	if !ok {
		return fn(ctx, nil)
	}

	if !tm.pool.inTx.CompareAndSwap(false, true) {
		return ErrTransactionAlreadyActive
	}
	defer tm.pool.inTx.Store(false)

	tx, err := beginner.Begin(ctx)
	if err != nil {
		return fmt.Errorf("db: begin transaction: %w", err)
	}

	txCtx := &TxContext{ID: uuid.NewString(), tx: tx}

	if err := fn(ctx, txCtx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// WithSavepoint issues SAVEPOINT sp_N, runs fn, then RELEASEs on
// success or ROLLBACK TOs on error, tracking nesting depth on txCtx.
func (tm *TransactionManager) WithSavepoint(ctx context.Context, txCtx *TxContext, fn func(ctx context.Context) error) error {
	if txCtx == nil || txCtx.tx == nil {
		return ErrNoActiveTransaction
	}

	txCtx.Depth++
	name := fmt.Sprintf("sp_%d", txCtx.Depth)
	txCtx.Savepoints = append(txCtx.Savepoints, name)

	if _, err := txCtx.tx.Exec(ctx, "SAVEPOINT "+name); err != nil {
		txCtx.Depth--
		return fmt.Errorf("db: savepoint %s: %w", name, err)
	}

	err := fn(ctx)

	defer func() {
		txCtx.Depth--
		txCtx.Savepoints = txCtx.Savepoints[:len(txCtx.Savepoints)-1]
	}()

	if err != nil {
		if _, rbErr := txCtx.tx.Exec(ctx, "ROLLBACK TO "+name); rbErr != nil {
			return fmt.Errorf("db: rollback to %s: %w (original error: %v)", name, rbErr, err)
		}
		return err
	}

	if _, err := txCtx.tx.Exec(ctx, "RELEASE "+name); err != nil {
		return fmt.Errorf("db: release %s: %w", name, err)
	}
	return nil
}
