package store

import (
	"context"

	"github.com/sidegig/backend/internal/domain"
)

const escrowCols = `id, task_id, amount_cents, currency, state, refund_cents, release_cents,
	payment_intent_id, charge_id, transfer_id, refund_id, version, funded_at, closed_at,
	created_at, updated_at`

func scanEscrow(r rowScanner) (*domain.Escrow, error) {
	var e domain.Escrow
	err := r.Scan(&e.ID, &e.TaskID, &e.AmountCents, &e.Currency, &e.State, &e.RefundCents,
		&e.ReleaseCents, &e.PaymentIntentID, &e.ChargeID, &e.TransferID, &e.RefundID,
		&e.Version, &e.FundedAt, &e.ClosedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (p *Postgres) CreateEscrow(ctx context.Context, e *domain.Escrow) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO escrows (id, task_id, amount_cents, currency, state, payment_intent_id,
			version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, now(), now())`,
		e.ID, e.TaskID, e.AmountCents, e.Currency, e.State, e.PaymentIntentID)
	if err != nil {
		return mapPgError(err)
	}
	e.Version = 1
	return nil
}

func (p *Postgres) GetEscrow(ctx context.Context, id string) (*domain.Escrow, error) {
	e, err := scanEscrow(p.q.QueryRowContext(ctx, `SELECT `+escrowCols+` FROM escrows WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "escrow")
	}
	return e, nil
}

func (p *Postgres) GetEscrowForUpdate(ctx context.Context, id string) (*domain.Escrow, error) {
	e, err := scanEscrow(p.q.QueryRowContext(ctx, `SELECT `+escrowCols+` FROM escrows WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "escrow")
	}
	return e, nil
}

func (p *Postgres) GetEscrowByTask(ctx context.Context, taskID string) (*domain.Escrow, error) {
	e, err := scanEscrow(p.q.QueryRowContext(ctx, `SELECT `+escrowCols+` FROM escrows WHERE task_id = $1`, taskID))
	if err != nil {
		return nil, notFound(err, "escrow")
	}
	return e, nil
}

func (p *Postgres) GetEscrowByPaymentIntent(ctx context.Context, paymentIntentID string) (*domain.Escrow, error) {
	e, err := scanEscrow(p.q.QueryRowContext(ctx,
		`SELECT `+escrowCols+` FROM escrows WHERE payment_intent_id = $1`, paymentIntentID))
	if err != nil {
		return nil, notFound(err, "escrow")
	}
	return e, nil
}

func (p *Postgres) GetEscrowByTransfer(ctx context.Context, transferID string) (*domain.Escrow, error) {
	e, err := scanEscrow(p.q.QueryRowContext(ctx,
		`SELECT `+escrowCols+` FROM escrows WHERE transfer_id = $1`, transferID))
	if err != nil {
		return nil, notFound(err, "escrow")
	}
	return e, nil
}

// UpdateEscrow is version-conditional; the amount column is deliberately
// absent from the SET list and additionally guarded by a trigger.
func (p *Postgres) UpdateEscrow(ctx context.Context, e *domain.Escrow) error {
	res, err := p.q.ExecContext(ctx, `
		UPDATE escrows SET state = $2, refund_cents = $3, release_cents = $4,
			payment_intent_id = $5, charge_id = $6, transfer_id = $7, refund_id = $8,
			funded_at = $9, closed_at = $10, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $11`,
		e.ID, e.State, e.RefundCents, e.ReleaseCents, e.PaymentIntentID, e.ChargeID,
		e.TransferID, e.RefundID, e.FundedAt, e.ClosedAt, e.Version)
	if err != nil {
		return mapPgError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapPgError(err)
	}
	if n == 0 {
		return domain.Ef(domain.CodeConflict, "escrow %s version %d is stale", e.ID, e.Version)
	}
	e.Version++
	return nil
}
