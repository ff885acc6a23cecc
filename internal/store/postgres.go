package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/lib/pq"

	"github.com/sidegig/backend/internal/domain"
)

// queryable is satisfied by both *sql.DB and *sql.Tx so every repository
// method runs identically inside and outside a transaction.
type queryable interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Postgres implements TxStore on lib/pq.
type Postgres struct {
	db *sql.DB
	q  queryable
}

// OpenPostgres connects and verifies the pool.
func OpenPostgres(ctx context.Context, url string, maxOpen, maxIdle int) (*Postgres, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &Postgres{db: db, q: db}, nil
}

// NewPostgres wraps an existing pool; used by tests against a local database.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, q: db}
}

func (p *Postgres) Close() error { return p.db.Close() }

// WithTx runs fn inside a read-committed transaction. Any non-nil return
// rolls back; the commit error surfaces to the caller.
func (p *Postgres) WithTx(ctx context.Context, fn func(Store) error) error {
	return p.withTx(ctx, &sql.TxOptions{}, fn)
}

// WithSerializableTx is used where admission decisions read aggregates they
// do not lock row-by-row (the supply gate).
func (p *Postgres) WithSerializableTx(ctx context.Context, fn func(Store) error) error {
	return p.withTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable}, fn)
}

func (p *Postgres) withTx(ctx context.Context, opts *sql.TxOptions, fn func(Store) error) error {
	tx, err := p.db.BeginTx(ctx, opts)
	if err != nil {
		return mapPgError(err)
	}
	bound := &Postgres{db: p.db, q: tx}
	if err := fn(bound); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapPgError(err)
	}
	return nil
}

// mapPgError converts driver errors into typed domain errors. Trigger-raised
// invariants carry an HX prefix in the message; unique violations map by
// constraint name.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return domain.E(domain.CodeNotFound, "row not found")
	}
	pqErr, ok := err.(*pq.Error)
	if !ok {
		return domain.E(domain.CodeInternal, err.Error())
	}

	// plpgsql RAISE EXCEPTION 'HXnnn: ...'
	if code, rest, found := strings.Cut(pqErr.Message, ": "); found && domain.IsInvariant(code) {
		return domain.E(code, rest)
	}

	switch pqErr.Code {
	case "23505": // unique_violation
		switch pqErr.Constraint {
		case "outbox_idem_key":
			return domain.E(domain.CodeHXOutboxKeyDuplicate, "outbox idempotency key already used")
		case "xp_ledger_escrow_once", "xp_ledger_user_escrow_once":
			return domain.E(domain.CodeHXXPDuplicate, "xp already awarded for this escrow")
		case "user_expertise_active_once":
			return domain.E(domain.CodeConflict, "active expertise row already exists")
		default:
			return domain.Ef(domain.CodeConflict, "unique violation on %s", pqErr.Constraint)
		}
	case "40001": // serialization_failure
		return domain.E(domain.CodeConflict, "serializable transaction aborted, retry")
	case "23514": // check_violation
		return domain.Ef(domain.CodeInvalidState, "check constraint %s violated", pqErr.Constraint)
	}
	return domain.E(domain.CodeInternal, pqErr.Message)
}

// notFound normalizes sql.ErrNoRows scans.
func notFound(err error, what string) error {
	if err == sql.ErrNoRows {
		return domain.Ef(domain.CodeNotFound, "%s not found", what)
	}
	return mapPgError(err)
}
