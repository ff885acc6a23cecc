package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sidegig/backend/internal/domain"
)

func (p *Postgres) InsertXPEntry(ctx context.Context, e *domain.XPEntry) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO xp_ledger (id, user_id, task_id, escrow_id, base_xp, streak_multiplier,
			decay_factor, effective_xp, xp_before, xp_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())`,
		e.ID, e.UserID, e.TaskID, e.EscrowID, e.BaseXP, e.StreakMultiplier,
		e.DecayFactor, e.EffectiveXP, e.XPBefore, e.XPAfter)
	return mapPgError(err)
}

func (p *Postgres) ListXPEntries(ctx context.Context, userID string) ([]domain.XPEntry, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT id, user_id, task_id, escrow_id, base_xp, streak_multiplier, decay_factor,
			effective_xp, xp_before, xp_after, created_at
		FROM xp_ledger WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var out []domain.XPEntry
	for rows.Next() {
		var e domain.XPEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.TaskID, &e.EscrowID, &e.BaseXP,
			&e.StreakMultiplier, &e.DecayFactor, &e.EffectiveXP, &e.XPBefore, &e.XPAfter,
			&e.CreatedAt); err != nil {
			return nil, mapPgError(err)
		}
		out = append(out, e)
	}
	return out, mapPgError(rows.Err())
}

func (p *Postgres) CountXPEntriesToday(ctx context.Context, userID string, dayStart time.Time) (int, error) {
	var n int
	err := p.q.QueryRowContext(ctx, `
		SELECT count(*) FROM xp_ledger WHERE user_id = $1 AND created_at >= $2`,
		userID, dayStart).Scan(&n)
	return n, mapPgError(err)
}

func (p *Postgres) InsertTrustEntry(ctx context.Context, e *domain.TrustEntry) (bool, error) {
	res, err := p.q.ExecContext(ctx, `
		INSERT INTO trust_ledger (id, user_id, old_tier, new_tier, reason_code,
			source_event_id, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (idempotency_key) DO NOTHING`,
		e.ID, e.UserID, e.OldTier, e.NewTier, e.ReasonCode, e.SourceEventID, e.IdempotencyKey)
	if err != nil {
		return false, mapPgError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mapPgError(err)
	}
	return n > 0, nil
}

func (p *Postgres) ListTrustEntries(ctx context.Context, userID string) ([]domain.TrustEntry, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT id, user_id, old_tier, new_tier, reason_code, source_event_id, idempotency_key, created_at
		FROM trust_ledger WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var out []domain.TrustEntry
	for rows.Next() {
		var e domain.TrustEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.OldTier, &e.NewTier, &e.ReasonCode,
			&e.SourceEventID, &e.IdempotencyKey, &e.CreatedAt); err != nil {
			return nil, mapPgError(err)
		}
		out = append(out, e)
	}
	return out, mapPgError(rows.Err())
}

func (p *Postgres) CountCompletedTasks(ctx context.Context, workerID string) (int, error) {
	var n int
	err := p.q.QueryRowContext(ctx, `
		SELECT count(*) FROM tasks WHERE worker_id = $1 AND state = 'COMPLETED'`, workerID).Scan(&n)
	return n, mapPgError(err)
}

func (p *Postgres) InsertRevenueEntry(ctx context.Context, e *domain.RevenueEntry) error {
	var meta []byte
	if e.Metadata != nil {
		var err error
		meta, err = json.Marshal(e.Metadata)
		if err != nil {
			return domain.E(domain.CodeInternal, err.Error())
		}
	}
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO revenue_ledger (id, event_type, currency, gross_cents, platform_fee_cents,
			net_cents, fee_basis_points, processor_fee_cents, escrow_id, external_charge_id,
			external_event_id, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())`,
		e.ID, e.EventType, e.Currency, e.GrossCents, e.PlatformFeeCents, e.NetCents,
		e.FeeBasisPoints, e.ProcessorFeeCents, e.EscrowID, e.ExternalChargeID,
		e.ExternalEventID, nullableJSON(meta))
	return mapPgError(err)
}

func (p *Postgres) ListRevenueEntries(ctx context.Context, eventType domain.RevenueEventType) ([]domain.RevenueEntry, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT id, event_type, currency, gross_cents, platform_fee_cents, net_cents,
			fee_basis_points, processor_fee_cents, escrow_id, external_charge_id,
			external_event_id, metadata, created_at
		FROM revenue_ledger WHERE event_type = $1 ORDER BY created_at`, eventType)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var out []domain.RevenueEntry
	for rows.Next() {
		var e domain.RevenueEntry
		var meta []byte
		if err := rows.Scan(&e.ID, &e.EventType, &e.Currency, &e.GrossCents, &e.PlatformFeeCents,
			&e.NetCents, &e.FeeBasisPoints, &e.ProcessorFeeCents, &e.EscrowID,
			&e.ExternalChargeID, &e.ExternalEventID, &meta, &e.CreatedAt); err != nil {
			return nil, mapPgError(err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &e.Metadata); err != nil {
				return nil, domain.E(domain.CodeInternal, err.Error())
			}
		}
		out = append(out, e)
	}
	return out, mapPgError(rows.Err())
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
