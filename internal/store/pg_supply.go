package store

import (
	"context"
	"time"

	"github.com/sidegig/backend/internal/domain"
)

const userExpertiseCols = `id, user_id, expertise_id, zone_id, slot, slot_weight, effective_weight,
	active, locked_until, last_task_accepted_at, created_at, removed_at`

func scanUserExpertise(r rowScanner) (*domain.UserExpertise, error) {
	var ue domain.UserExpertise
	err := r.Scan(&ue.ID, &ue.UserID, &ue.ExpertiseID, &ue.ZoneID, &ue.Slot, &ue.SlotWeight,
		&ue.EffectiveWeight, &ue.Active, &ue.LockedUntil, &ue.LastTaskAcceptedAt,
		&ue.CreatedAt, &ue.RemovedAt)
	if err != nil {
		return nil, err
	}
	return &ue, nil
}

const capacityCols = `id, expertise_id, zone_id, max_weight_capacity, min_task_to_supply_ratio,
	current_weight, active_hustlers, open_tasks_7d, completed_tasks_7d, liquidity_ratio,
	open_ratio, auto_expand_pct, auto_expand_expires_at, updated_at`

func scanCapacity(r rowScanner) (*domain.ZoneCapacity, error) {
	var c domain.ZoneCapacity
	err := r.Scan(&c.ID, &c.ExpertiseID, &c.ZoneID, &c.MaxWeightCapacity, &c.MinTaskToSupplyRatio,
		&c.CurrentWeight, &c.ActiveHustlers, &c.OpenTasks7d, &c.CompletedTasks7d,
		&c.LiquidityRatio, &c.OpenRatio, &c.AutoExpandPct, &c.AutoExpandExpiresAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

const waitlistCols = `id, expertise_id, zone_id, user_id, slot, position, status, reason,
	invite_expires_at, created_at, updated_at`

func scanWaitlist(r rowScanner) (*domain.WaitlistEntry, error) {
	var w domain.WaitlistEntry
	err := r.Scan(&w.ID, &w.ExpertiseID, &w.ZoneID, &w.UserID, &w.Slot, &w.Position,
		&w.Status, &w.Reason, &w.InviteExpiresAt, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (p *Postgres) GetExpertise(ctx context.Context, id string) (*domain.Expertise, error) {
	var e domain.Expertise
	err := p.q.QueryRowContext(ctx, `
		SELECT id, name, category, active FROM expertises WHERE id = $1`, id).
		Scan(&e.ID, &e.Name, &e.Category, &e.Active)
	if err != nil {
		return nil, notFound(err, "expertise")
	}
	return &e, nil
}

func (p *Postgres) ListUserExpertises(ctx context.Context, userID string, activeOnly bool) ([]domain.UserExpertise, error) {
	q := `SELECT ` + userExpertiseCols + ` FROM user_expertise WHERE user_id = $1`
	if activeOnly {
		q += ` AND active`
	}
	q += ` ORDER BY created_at`
	rows, err := p.q.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, mapPgError(err)
	}
	return collectUserExpertises(rows)
}

func (p *Postgres) GetActiveUserExpertise(ctx context.Context, userID, expertiseID string) (*domain.UserExpertise, error) {
	ue, err := scanUserExpertise(p.q.QueryRowContext(ctx, `
		SELECT `+userExpertiseCols+` FROM user_expertise
		WHERE user_id = $1 AND expertise_id = $2 AND active`, userID, expertiseID))
	if err != nil {
		return nil, notFound(err, "user expertise")
	}
	return ue, nil
}

func (p *Postgres) GetLatestInactiveUserExpertise(ctx context.Context, userID, expertiseID string) (*domain.UserExpertise, error) {
	ue, err := scanUserExpertise(p.q.QueryRowContext(ctx, `
		SELECT `+userExpertiseCols+` FROM user_expertise
		WHERE user_id = $1 AND expertise_id = $2 AND NOT active
		ORDER BY COALESCE(removed_at, created_at) DESC LIMIT 1`, userID, expertiseID))
	if err != nil {
		return nil, notFound(err, "user expertise")
	}
	return ue, nil
}

func (p *Postgres) InsertUserExpertise(ctx context.Context, ue *domain.UserExpertise) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO user_expertise (id, user_id, expertise_id, zone_id, slot, slot_weight,
			effective_weight, active, locked_until, last_task_accepted_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())`,
		ue.ID, ue.UserID, ue.ExpertiseID, ue.ZoneID, ue.Slot, ue.SlotWeight,
		ue.EffectiveWeight, ue.Active, ue.LockedUntil, ue.LastTaskAcceptedAt)
	return mapPgError(err)
}

func (p *Postgres) UpdateUserExpertise(ctx context.Context, ue *domain.UserExpertise) error {
	_, err := p.q.ExecContext(ctx, `
		UPDATE user_expertise SET slot = $2, slot_weight = $3, effective_weight = $4,
			active = $5, locked_until = $6, last_task_accepted_at = $7, removed_at = $8
		WHERE id = $1`,
		ue.ID, ue.Slot, ue.SlotWeight, ue.EffectiveWeight, ue.Active, ue.LockedUntil,
		ue.LastTaskAcceptedAt, ue.RemovedAt)
	return mapPgError(err)
}

// DeleteUserExpertise removes a stale inactive row past its cooldown so the
// user can re-enter the category.
func (p *Postgres) DeleteUserExpertise(ctx context.Context, id string) error {
	_, err := p.q.ExecContext(ctx, `DELETE FROM user_expertise WHERE id = $1 AND NOT active`, id)
	return mapPgError(err)
}

func (p *Postgres) ListActiveExpertiseRows(ctx context.Context, expertiseID, zoneID string) ([]domain.UserExpertise, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT `+userExpertiseCols+` FROM user_expertise
		WHERE expertise_id = $1 AND zone_id = $2 AND active ORDER BY created_at`,
		expertiseID, zoneID)
	if err != nil {
		return nil, mapPgError(err)
	}
	return collectUserExpertises(rows)
}

func (p *Postgres) ListActiveExpertiseRowsAll(ctx context.Context) ([]domain.UserExpertise, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT `+userExpertiseCols+` FROM user_expertise WHERE active ORDER BY created_at`)
	if err != nil {
		return nil, mapPgError(err)
	}
	return collectUserExpertises(rows)
}

func (p *Postgres) GetCapacity(ctx context.Context, expertiseID, zoneID string) (*domain.ZoneCapacity, error) {
	c, err := scanCapacity(p.q.QueryRowContext(ctx, `
		SELECT `+capacityCols+` FROM zone_capacity WHERE expertise_id = $1 AND zone_id = $2`,
		expertiseID, zoneID))
	if err != nil {
		return nil, notFound(err, "zone capacity")
	}
	return c, nil
}

// GetCapacityForUpdate serializes admission on the capacity row; this is the
// narrow hotspot of the whole engine.
func (p *Postgres) GetCapacityForUpdate(ctx context.Context, expertiseID, zoneID string) (*domain.ZoneCapacity, error) {
	c, err := scanCapacity(p.q.QueryRowContext(ctx, `
		SELECT `+capacityCols+` FROM zone_capacity
		WHERE expertise_id = $1 AND zone_id = $2 FOR UPDATE`, expertiseID, zoneID))
	if err != nil {
		return nil, notFound(err, "zone capacity")
	}
	return c, nil
}

func (p *Postgres) UpdateCapacity(ctx context.Context, c *domain.ZoneCapacity) error {
	_, err := p.q.ExecContext(ctx, `
		UPDATE zone_capacity SET max_weight_capacity = $2, min_task_to_supply_ratio = $3,
			current_weight = $4, active_hustlers = $5, open_tasks_7d = $6,
			completed_tasks_7d = $7, liquidity_ratio = $8, open_ratio = $9,
			auto_expand_pct = $10, auto_expand_expires_at = $11, updated_at = now()
		WHERE id = $1`,
		c.ID, c.MaxWeightCapacity, c.MinTaskToSupplyRatio, c.CurrentWeight, c.ActiveHustlers,
		c.OpenTasks7d, c.CompletedTasks7d, c.LiquidityRatio, c.OpenRatio,
		c.AutoExpandPct, c.AutoExpandExpiresAt)
	return mapPgError(err)
}

func (p *Postgres) ListCapacities(ctx context.Context) ([]domain.ZoneCapacity, error) {
	rows, err := p.q.QueryContext(ctx, `SELECT `+capacityCols+` FROM zone_capacity ORDER BY expertise_id, zone_id`)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var out []domain.ZoneCapacity
	for rows.Next() {
		c, err := scanCapacity(rows)
		if err != nil {
			return nil, mapPgError(err)
		}
		out = append(out, *c)
	}
	return out, mapPgError(rows.Err())
}

func (p *Postgres) InsertWaitlistEntry(ctx context.Context, w *domain.WaitlistEntry) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO expertise_waitlist (id, expertise_id, zone_id, user_id, slot, position,
			status, reason, invite_expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())`,
		w.ID, w.ExpertiseID, w.ZoneID, w.UserID, w.Slot, w.Position, w.Status, w.Reason,
		w.InviteExpiresAt)
	return mapPgError(err)
}

func (p *Postgres) GetWaitlistEntry(ctx context.Context, id string) (*domain.WaitlistEntry, error) {
	w, err := scanWaitlist(p.q.QueryRowContext(ctx,
		`SELECT `+waitlistCols+` FROM expertise_waitlist WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "waitlist entry")
	}
	return w, nil
}

func (p *Postgres) ListWaitlist(ctx context.Context, expertiseID, zoneID string, status domain.WaitlistStatus) ([]domain.WaitlistEntry, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT `+waitlistCols+` FROM expertise_waitlist
		WHERE expertise_id = $1 AND zone_id = $2 AND status = $3
		ORDER BY position`, expertiseID, zoneID, status)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var out []domain.WaitlistEntry
	for rows.Next() {
		w, err := scanWaitlist(rows)
		if err != nil {
			return nil, mapPgError(err)
		}
		out = append(out, *w)
	}
	return out, mapPgError(rows.Err())
}

func (p *Postgres) UpdateWaitlistEntry(ctx context.Context, w *domain.WaitlistEntry) error {
	_, err := p.q.ExecContext(ctx, `
		UPDATE expertise_waitlist SET status = $2, reason = $3, invite_expires_at = $4,
			updated_at = now()
		WHERE id = $1`, w.ID, w.Status, w.Reason, w.InviteExpiresAt)
	return mapPgError(err)
}

func (p *Postgres) NextWaitlistPosition(ctx context.Context, expertiseID, zoneID string) (int, error) {
	var pos int
	err := p.q.QueryRowContext(ctx, `
		SELECT COALESCE(max(position), 0) + 1 FROM expertise_waitlist
		WHERE expertise_id = $1 AND zone_id = $2`, expertiseID, zoneID).Scan(&pos)
	return pos, mapPgError(err)
}

func (p *Postgres) ExpireWaitlistInvites(ctx context.Context, now time.Time) (int, error) {
	res, err := p.q.ExecContext(ctx, `
		UPDATE expertise_waitlist SET status = 'expired', updated_at = now()
		WHERE status = 'invited' AND invite_expires_at < $1`, now)
	if err != nil {
		return 0, mapPgError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, mapPgError(err)
	}
	return int(n), nil
}

func (p *Postgres) InsertSupplyChange(ctx context.Context, ch *domain.SupplyChange) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO supply_change_log (id, expertise_id, zone_id, user_id, action, outcome, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())`,
		ch.ID, ch.ExpertiseID, ch.ZoneID, ch.UserID, ch.Action, ch.Outcome, ch.Reason)
	return mapPgError(err)
}

func collectUserExpertises(rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
}) ([]domain.UserExpertise, error) {
	defer rows.Close()
	var out []domain.UserExpertise
	for rows.Next() {
		ue, err := scanUserExpertise(rows)
		if err != nil {
			return nil, mapPgError(err)
		}
		out = append(out, *ue)
	}
	return out, mapPgError(rows.Err())
}
