package store

import (
	"context"

	"github.com/lib/pq"

	"github.com/sidegig/backend/internal/domain"
)

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const userCols = `id, display_name, email, default_mode, trust_tier, xp_total, current_streak,
	id_verified, face_verified, plan, plan_expires_at, status, stripe_account_id,
	live_task_id, live_session_token_hash, live_session_expires_at, created_at, updated_at`

func scanUser(r rowScanner) (*domain.User, error) {
	var u domain.User
	err := r.Scan(&u.ID, &u.DisplayName, &u.Email, &u.DefaultMode, &u.TrustTier, &u.XPTotal,
		&u.CurrentStreak, &u.IDVerified, &u.FaceVerified, &u.Plan, &u.PlanExpiresAt, &u.Status,
		&u.StripeAccountID, &u.LiveTaskID, &u.LiveSessionTokenHash, &u.LiveSessionExpiresAt,
		&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (p *Postgres) CreateUser(ctx context.Context, u *domain.User) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, default_mode, trust_tier, xp_total,
			current_streak, id_verified, face_verified, plan, plan_expires_at, status,
			stripe_account_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, now(), now())`,
		u.ID, u.DisplayName, u.Email, u.DefaultMode, u.TrustTier, u.XPTotal,
		u.CurrentStreak, u.IDVerified, u.FaceVerified, u.Plan, u.PlanExpiresAt, u.Status,
		u.StripeAccountID)
	return mapPgError(err)
}

func (p *Postgres) GetUser(ctx context.Context, id string) (*domain.User, error) {
	u, err := scanUser(p.q.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "user")
	}
	return u, nil
}

func (p *Postgres) GetUserForUpdate(ctx context.Context, id string) (*domain.User, error) {
	u, err := scanUser(p.q.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "user")
	}
	return u, nil
}

func (p *Postgres) UpdateUser(ctx context.Context, u *domain.User) error {
	_, err := p.q.ExecContext(ctx, `
		UPDATE users SET display_name = $2, email = $3, default_mode = $4, trust_tier = $5,
			xp_total = $6, current_streak = $7, id_verified = $8, face_verified = $9,
			plan = $10, plan_expires_at = $11, status = $12, stripe_account_id = $13,
			live_task_id = $14, live_session_token_hash = $15, live_session_expires_at = $16,
			updated_at = now()
		WHERE id = $1`,
		u.ID, u.DisplayName, u.Email, u.DefaultMode, u.TrustTier, u.XPTotal, u.CurrentStreak,
		u.IDVerified, u.FaceVerified, u.Plan, u.PlanExpiresAt, u.Status, u.StripeAccountID,
		u.LiveTaskID, u.LiveSessionTokenHash, u.LiveSessionExpiresAt)
	return mapPgError(err)
}

func (p *Postgres) ListUserIDsByRole(ctx context.Context, roles []domain.Role) ([]string, error) {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	rows, err := p.q.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM user_roles WHERE role = ANY($1)`, pq.Array(names))
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapPgError(err)
		}
		ids = append(ids, id)
	}
	return ids, mapPgError(rows.Err())
}

func (p *Postgres) GrantRole(ctx context.Context, userID string, role domain.Role) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO user_roles (user_id, role) VALUES ($1, $2)
		ON CONFLICT (user_id, role) DO NOTHING`, userID, role)
	return mapPgError(err)
}

func (p *Postgres) HasRole(ctx context.Context, userID string, roles ...domain.Role) (bool, error) {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	var exists bool
	err := p.q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM user_roles WHERE user_id = $1 AND role = ANY($2)
		)`, userID, pq.Array(names)).Scan(&exists)
	if err != nil {
		return false, mapPgError(err)
	}
	return exists, nil
}
