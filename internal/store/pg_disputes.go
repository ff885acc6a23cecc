package store

import (
	"context"
	"time"

	"github.com/sidegig/backend/internal/domain"
)

const disputeCols = `id, task_id, escrow_id, initiator_id, poster_id, worker_id, state, reason,
	outcome, refund_cents, release_cents, resolved_by, evidence_deadline, version,
	resolved_at, created_at, updated_at`

func scanDispute(r rowScanner) (*domain.Dispute, error) {
	var d domain.Dispute
	err := r.Scan(&d.ID, &d.TaskID, &d.EscrowID, &d.InitiatorID, &d.PosterID, &d.WorkerID,
		&d.State, &d.Reason, &d.Outcome, &d.RefundCents, &d.ReleaseCents, &d.ResolvedBy,
		&d.EvidenceDeadline, &d.Version, &d.ResolvedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (p *Postgres) CreateDispute(ctx context.Context, d *domain.Dispute) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO disputes (id, task_id, escrow_id, initiator_id, poster_id, worker_id,
			state, reason, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 1, now(), now())`,
		d.ID, d.TaskID, d.EscrowID, d.InitiatorID, d.PosterID, d.WorkerID, d.State, d.Reason)
	if err != nil {
		return mapPgError(err)
	}
	d.Version = 1
	return nil
}

func (p *Postgres) GetDispute(ctx context.Context, id string) (*domain.Dispute, error) {
	d, err := scanDispute(p.q.QueryRowContext(ctx, `SELECT `+disputeCols+` FROM disputes WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "dispute")
	}
	return d, nil
}

func (p *Postgres) GetDisputeForUpdate(ctx context.Context, id string) (*domain.Dispute, error) {
	d, err := scanDispute(p.q.QueryRowContext(ctx, `SELECT `+disputeCols+` FROM disputes WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "dispute")
	}
	return d, nil
}

func (p *Postgres) UpdateDispute(ctx context.Context, d *domain.Dispute) error {
	res, err := p.q.ExecContext(ctx, `
		UPDATE disputes SET state = $2, outcome = $3, refund_cents = $4, release_cents = $5,
			resolved_by = $6, evidence_deadline = $7, resolved_at = $8,
			version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $9`,
		d.ID, d.State, d.Outcome, d.RefundCents, d.ReleaseCents, d.ResolvedBy,
		d.EvidenceDeadline, d.ResolvedAt, d.Version)
	if err != nil {
		return mapPgError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapPgError(err)
	}
	if n == 0 {
		return domain.Ef(domain.CodeConflict, "dispute %s version %d is stale", d.ID, d.Version)
	}
	d.Version++
	return nil
}

func (p *Postgres) ListEvidenceRequestedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Dispute, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT `+disputeCols+` FROM disputes
		WHERE state = 'EVIDENCE_REQUESTED' AND evidence_deadline < $1
		ORDER BY evidence_deadline LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var out []domain.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, mapPgError(err)
		}
		out = append(out, *d)
	}
	return out, mapPgError(rows.Err())
}
