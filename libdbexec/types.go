// Package libdbexec wraps database/sql with a transaction-aware executor
// abstraction and driver-specific error translation, so stores can match on
// sentinel errors instead of driver error strings.
package libdbexec

import (
	"context"
	"database/sql"
	"errors"
)

// Sentinel errors shared by all drivers.
var (
	ErrNotFound             = errors.New("libdbexec: not found")
	ErrTxFailed             = errors.New("libdbexec: transaction failed")
	ErrQueryCanceled        = errors.New("libdbexec: query canceled")
	ErrUniqueViolation      = errors.New("libdbexec: unique constraint violation")
	ErrForeignKeyViolation  = errors.New("libdbexec: foreign key constraint violation")
	ErrNotNullViolation     = errors.New("libdbexec: not null constraint violation")
	ErrCheckViolation       = errors.New("libdbexec: check constraint violation")
	ErrConstraintViolation  = errors.New("libdbexec: constraint violation")
	ErrDeadlockDetected     = errors.New("libdbexec: deadlock detected")
	ErrSerializationFailure = errors.New("libdbexec: serialization failure")
	ErrLockNotAvailable     = errors.New("libdbexec: lock not available")
	ErrDataTruncation       = errors.New("libdbexec: data truncation")
	ErrNumericOutOfRange    = errors.New("libdbexec: numeric value out of range")
	ErrInvalidInputSyntax   = errors.New("libdbexec: invalid input syntax")
	ErrUndefinedColumn      = errors.New("libdbexec: undefined column")
	ErrUndefinedTable       = errors.New("libdbexec: undefined table")
	ErrMaxRowsReached       = errors.New("libdbexec: max rows reached")
)

// QueryRower mirrors *sql.Row so Scan errors can be translated.
type QueryRower interface {
	Scan(dest ...any) error
}

// Exec is the executor handed to stores. It is satisfied both by a bare
// connection pool and by an open transaction.
type Exec interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) QueryRower
}

// CommitTx commits an open transaction. The context is checked before the
// commit is attempted.
type CommitTx func(ctx context.Context) error

// ReleaseTx rolls back if the transaction was not committed. Safe to defer
// unconditionally; sql.ErrTxDone is swallowed.
type ReleaseTx func() error

// DBManager owns a database connection and hands out executors.
type DBManager interface {
	WithoutTransaction() Exec
	WithTransaction(ctx context.Context, onRollback ...func()) (Exec, CommitTx, ReleaseTx, error)
	Close() error
}

// txAwareDB implements Exec over either a *sql.DB or a *sql.Tx, translating
// errors through the driver-specific translator.
type txAwareDB struct {
	db           *sql.DB
	tx           *sql.Tx
	errTranslate func(error) error
}

func (s *txAwareDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	var err error
	switch {
	case s.tx != nil:
		res, err = s.tx.ExecContext(ctx, query, args...)
	case s.db != nil:
		res, err = s.db.ExecContext(ctx, query, args...)
	default:
		return nil, errors.New("libdbexec: Exec called on uninitialized executor")
	}
	return res, s.errTranslate(err)
}

func (s *txAwareDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	var rows *sql.Rows
	var err error
	switch {
	case s.tx != nil:
		rows, err = s.tx.QueryContext(ctx, query, args...)
	case s.db != nil:
		rows, err = s.db.QueryContext(ctx, query, args...)
	default:
		return nil, errors.New("libdbexec: Query called on uninitialized executor")
	}
	if err != nil {
		return nil, s.errTranslate(err)
	}
	return rows, nil
}

func (s *txAwareDB) QueryRowContext(ctx context.Context, query string, args ...any) QueryRower {
	var r *sql.Row
	switch {
	case s.tx != nil:
		r = s.tx.QueryRowContext(ctx, query, args...)
	case s.db != nil:
		r = s.db.QueryRowContext(ctx, query, args...)
	default:
		return &row{err: errors.New("libdbexec: QueryRow called on uninitialized executor")}
	}
	return &row{inner: r, errTranslate: s.errTranslate}
}

type row struct {
	inner        *sql.Row
	err          error
	errTranslate func(error) error
}

func (r *row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return r.errTranslate(r.inner.Scan(dest...))
}
