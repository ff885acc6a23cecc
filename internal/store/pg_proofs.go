package store

import (
	"context"
	"time"

	"github.com/sidegig/backend/internal/domain"
)

const proofCols = `id, task_id, submitter_id, state, reviewer_id, rejection_reason,
	manual_review, has_biometric, has_gps, submitted_at, reviewed_at, created_at`

func scanProof(r rowScanner) (*domain.Proof, error) {
	var p domain.Proof
	err := r.Scan(&p.ID, &p.TaskID, &p.SubmitterID, &p.State, &p.ReviewerID, &p.RejectionReason,
		&p.ManualReview, &p.HasBiometric, &p.HasGPS, &p.SubmittedAt, &p.ReviewedAt, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Postgres) CreateProof(ctx context.Context, pr *domain.Proof) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO proofs (id, task_id, submitter_id, state, manual_review, has_biometric,
			has_gps, submitted_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())`,
		pr.ID, pr.TaskID, pr.SubmitterID, pr.State, pr.ManualReview, pr.HasBiometric,
		pr.HasGPS, pr.SubmittedAt)
	return mapPgError(err)
}

func (p *Postgres) GetProof(ctx context.Context, id string) (*domain.Proof, error) {
	pr, err := scanProof(p.q.QueryRowContext(ctx, `SELECT `+proofCols+` FROM proofs WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "proof")
	}
	return pr, nil
}

func (p *Postgres) GetProofForUpdate(ctx context.Context, id string) (*domain.Proof, error) {
	pr, err := scanProof(p.q.QueryRowContext(ctx, `SELECT `+proofCols+` FROM proofs WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "proof")
	}
	return pr, nil
}

// GetProofByTask returns the most recent proof for the task; rework after a
// rejection submits a fresh row.
func (p *Postgres) GetProofByTask(ctx context.Context, taskID string) (*domain.Proof, error) {
	pr, err := scanProof(p.q.QueryRowContext(ctx, `
		SELECT `+proofCols+` FROM proofs WHERE task_id = $1
		ORDER BY created_at DESC LIMIT 1`, taskID))
	if err != nil {
		return nil, notFound(err, "proof")
	}
	return pr, nil
}

func (p *Postgres) UpdateProof(ctx context.Context, pr *domain.Proof) error {
	_, err := p.q.ExecContext(ctx, `
		UPDATE proofs SET state = $2, reviewer_id = $3, rejection_reason = $4,
			manual_review = $5, reviewed_at = $6
		WHERE id = $1`,
		pr.ID, pr.State, pr.ReviewerID, pr.RejectionReason, pr.ManualReview, pr.ReviewedAt)
	return mapPgError(err)
}

func (p *Postgres) AddProofPhotos(ctx context.Context, photos []domain.ProofPhoto) error {
	for _, ph := range photos {
		_, err := p.q.ExecContext(ctx, `
			INSERT INTO proof_photos (id, proof_id, storage_key, checksum, captured_at, seq)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			ph.ID, ph.ProofID, ph.StorageKey, ph.Checksum, ph.CapturedAt, ph.Seq)
		if err != nil {
			return mapPgError(err)
		}
	}
	return nil
}

func (p *Postgres) ListProofPhotos(ctx context.Context, proofID string) ([]domain.ProofPhoto, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT id, proof_id, storage_key, checksum, captured_at, seq
		FROM proof_photos WHERE proof_id = $1 ORDER BY seq`, proofID)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var out []domain.ProofPhoto
	for rows.Next() {
		var ph domain.ProofPhoto
		if err := rows.Scan(&ph.ID, &ph.ProofID, &ph.StorageKey, &ph.Checksum, &ph.CapturedAt, &ph.Seq); err != nil {
			return nil, mapPgError(err)
		}
		out = append(out, ph)
	}
	return out, mapPgError(rows.Err())
}

func (p *Postgres) ListSubmittedProofsBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Proof, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT `+proofCols+` FROM proofs
		WHERE state = 'SUBMITTED' AND submitted_at < $1
		ORDER BY submitted_at LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var out []domain.Proof
	for rows.Next() {
		pr, err := scanProof(rows)
		if err != nil {
			return nil, mapPgError(err)
		}
		out = append(out, *pr)
	}
	return out, mapPgError(rows.Err())
}
