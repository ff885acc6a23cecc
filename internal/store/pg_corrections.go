package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sidegig/backend/internal/domain"
)

const correctionCols = `id, type, target_entity, target_id, adjustment, prior_value, reason_code,
	scope, city_id, zone_id, category, expires_at, applied_at, reversed, reversed_at,
	verdict, verdict_at, created_at`

func scanCorrection(r rowScanner) (*domain.Correction, error) {
	var c domain.Correction
	var adj, prior []byte
	err := r.Scan(&c.ID, &c.Type, &c.TargetEntity, &c.TargetID, &adj, &prior, &c.ReasonCode,
		&c.Scope, &c.CityID, &c.ZoneID, &c.Category, &c.ExpiresAt, &c.AppliedAt,
		&c.Reversed, &c.ReversedAt, &c.Verdict, &c.VerdictAt, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(adj) > 0 {
		if err := json.Unmarshal(adj, &c.Adjustment); err != nil {
			return nil, err
		}
	}
	if len(prior) > 0 {
		if err := json.Unmarshal(prior, &c.PriorValue); err != nil {
			return nil, err
		}
	}
	return &c, nil
}

func (p *Postgres) InsertCorrection(ctx context.Context, c *domain.Correction) error {
	adj, err := json.Marshal(c.Adjustment)
	if err != nil {
		return domain.E(domain.CodeInternal, err.Error())
	}
	var prior []byte
	if c.PriorValue != nil {
		if prior, err = json.Marshal(c.PriorValue); err != nil {
			return domain.E(domain.CodeInternal, err.Error())
		}
	}
	_, err = p.q.ExecContext(ctx, `
		INSERT INTO corrections (id, type, target_entity, target_id, adjustment, prior_value,
			reason_code, scope, city_id, zone_id, category, expires_at, applied_at,
			reversed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, FALSE, now())`,
		c.ID, c.Type, c.TargetEntity, c.TargetID, adj, nullableJSON(prior), c.ReasonCode,
		c.Scope, c.CityID, c.ZoneID, c.Category, c.ExpiresAt, c.AppliedAt)
	return mapPgError(err)
}

func (p *Postgres) GetCorrection(ctx context.Context, id string) (*domain.Correction, error) {
	c, err := scanCorrection(p.q.QueryRowContext(ctx,
		`SELECT `+correctionCols+` FROM corrections WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "correction")
	}
	return c, nil
}

// UpdateCorrection only touches the bookkeeping columns; the trigger rejects
// anything else.
func (p *Postgres) UpdateCorrection(ctx context.Context, c *domain.Correction) error {
	_, err := p.q.ExecContext(ctx, `
		UPDATE corrections SET reversed = $2, reversed_at = $3, verdict = $4, verdict_at = $5
		WHERE id = $1`, c.ID, c.Reversed, c.ReversedAt, c.Verdict, c.VerdictAt)
	return mapPgError(err)
}

func (p *Postgres) ListCorrectionsExpiring(ctx context.Context, now time.Time, limit int) ([]domain.Correction, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT `+correctionCols+` FROM corrections
		WHERE NOT reversed AND expires_at < $1
		ORDER BY expires_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, mapPgError(err)
	}
	return collectCorrections(rows)
}

func (p *Postgres) ListCorrectionsApplied(ctx context.Context, typ domain.CorrectionType, from, to time.Time) ([]domain.Correction, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT `+correctionCols+` FROM corrections
		WHERE type = $1 AND applied_at >= $2 AND applied_at < $3
		ORDER BY applied_at`, typ, from, to)
	if err != nil {
		return nil, mapPgError(err)
	}
	return collectCorrections(rows)
}

func (p *Postgres) ListCorrectionsAwaitingVerdict(ctx context.Context, appliedBefore time.Time, limit int) ([]domain.Correction, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT `+correctionCols+` FROM corrections
		WHERE verdict IS NULL AND applied_at < $1
		ORDER BY applied_at LIMIT $2`, appliedBefore, limit)
	if err != nil {
		return nil, mapPgError(err)
	}
	return collectCorrections(rows)
}

func (p *Postgres) ListRecentVerdicts(ctx context.Context, since time.Time) ([]domain.CausalVerdict, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT verdict FROM corrections
		WHERE verdict IS NOT NULL AND verdict_at >= $1 ORDER BY verdict_at`, since)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var out []domain.CausalVerdict
	for rows.Next() {
		var v domain.CausalVerdict
		if err := rows.Scan(&v); err != nil {
			return nil, mapPgError(err)
		}
		out = append(out, v)
	}
	return out, mapPgError(rows.Err())
}

func (p *Postgres) GetBudgetUsage(ctx context.Context, scope domain.CorrectionScope, scopeID string, windowStart time.Time) (int, error) {
	var used int
	err := p.q.QueryRowContext(ctx, `
		SELECT COALESCE(used, 0) FROM correction_budgets
		WHERE scope = $1 AND scope_id = $2 AND window_start = $3`,
		scope, scopeID, windowStart).Scan(&used)
	if err != nil {
		if domain.IsCode(notFound(err, "budget"), domain.CodeNotFound) {
			return 0, nil
		}
		return 0, mapPgError(err)
	}
	return used, nil
}

// ConsumeBudget atomically upserts the hourly counter row and returns the
// post-increment usage.
func (p *Postgres) ConsumeBudget(ctx context.Context, scope domain.CorrectionScope, scopeID string, windowStart time.Time) (int, error) {
	var used int
	err := p.q.QueryRowContext(ctx, `
		INSERT INTO correction_budgets (scope, scope_id, window_start, used)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (scope, scope_id, window_start) DO UPDATE SET used = correction_budgets.used + 1
		RETURNING used`, scope, scopeID, windowStart).Scan(&used)
	if err != nil {
		return 0, mapPgError(err)
	}
	return used, nil
}

func (p *Postgres) GetZoneMetrics(ctx context.Context, zoneID, category string, windowStart, windowEnd time.Time) (*domain.ZoneMetrics, error) {
	var m domain.ZoneMetrics
	err := p.q.QueryRowContext(ctx, `
		SELECT zone_id, category, window_start, window_end, fill_rate, completion, dispute_rate, sample_size
		FROM zone_metrics
		WHERE zone_id = $1 AND category = $2 AND window_start = $3 AND window_end = $4`,
		zoneID, category, windowStart, windowEnd).
		Scan(&m.ZoneID, &m.Category, &m.WindowStart, &m.WindowEnd, &m.FillRate, &m.Completion,
			&m.DisputeRate, &m.SampleSize)
	if err != nil {
		return nil, notFound(err, "zone metrics")
	}
	return &m, nil
}

func (p *Postgres) ListZoneMetricsWindow(ctx context.Context, category string, windowStart, windowEnd time.Time) ([]domain.ZoneMetrics, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT zone_id, category, window_start, window_end, fill_rate, completion, dispute_rate, sample_size
		FROM zone_metrics
		WHERE category = $1 AND window_start = $2 AND window_end = $3`,
		category, windowStart, windowEnd)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var out []domain.ZoneMetrics
	for rows.Next() {
		var m domain.ZoneMetrics
		if err := rows.Scan(&m.ZoneID, &m.Category, &m.WindowStart, &m.WindowEnd, &m.FillRate,
			&m.Completion, &m.DisputeRate, &m.SampleSize); err != nil {
			return nil, mapPgError(err)
		}
		out = append(out, m)
	}
	return out, mapPgError(rows.Err())
}

func (p *Postgres) InsertZoneMetrics(ctx context.Context, m *domain.ZoneMetrics) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO zone_metrics (zone_id, category, window_start, window_end, fill_rate,
			completion, dispute_rate, sample_size)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (zone_id, category, window_start) DO UPDATE SET
			window_end = EXCLUDED.window_end, fill_rate = EXCLUDED.fill_rate,
			completion = EXCLUDED.completion, dispute_rate = EXCLUDED.dispute_rate,
			sample_size = EXCLUDED.sample_size`,
		m.ZoneID, m.Category, m.WindowStart, m.WindowEnd, m.FillRate, m.Completion,
		m.DisputeRate, m.SampleSize)
	return mapPgError(err)
}

const safeModeFlag = "correction_safe_mode"

func (p *Postgres) GetSafeMode(ctx context.Context) (bool, error) {
	var on bool
	err := p.q.QueryRowContext(ctx,
		`SELECT enabled FROM system_flags WHERE name = $1`, safeModeFlag).Scan(&on)
	if err != nil {
		if domain.IsCode(notFound(err, "flag"), domain.CodeNotFound) {
			return false, nil
		}
		return false, mapPgError(err)
	}
	return on, nil
}

func (p *Postgres) SetSafeMode(ctx context.Context, on bool, reason string) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO system_flags (name, enabled, reason, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (name) DO UPDATE SET enabled = $2, reason = $3, updated_at = now()`,
		safeModeFlag, on, reason)
	return mapPgError(err)
}

func collectCorrections(rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
}) ([]domain.Correction, error) {
	defer rows.Close()
	var out []domain.Correction
	for rows.Next() {
		c, err := scanCorrection(rows)
		if err != nil {
			return nil, mapPgError(err)
		}
		out = append(out, *c)
	}
	return out, mapPgError(rows.Err())
}
