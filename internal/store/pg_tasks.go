package store

import (
	"context"
	"time"

	"github.com/sidegig/backend/internal/domain"
)

const taskCols = `id, poster_id, worker_id, title, price_cents, currency, category, city_id, zone_id,
	mode, instant, risk_level, state, progress, version, deadline, matching_at, accepted_at,
	completed_at, created_at, updated_at`

func scanTask(r rowScanner) (*domain.Task, error) {
	var t domain.Task
	err := r.Scan(&t.ID, &t.PosterID, &t.WorkerID, &t.Title, &t.PriceCents, &t.Currency,
		&t.Category, &t.CityID, &t.ZoneID, &t.Mode, &t.Instant, &t.RiskLevel, &t.State,
		&t.Progress, &t.Version, &t.Deadline, &t.MatchingAt, &t.AcceptedAt, &t.CompletedAt,
		&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (p *Postgres) CreateTask(ctx context.Context, t *domain.Task) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO tasks (id, poster_id, worker_id, title, price_cents, currency, category,
			city_id, zone_id, mode, instant, risk_level, state, progress, version, deadline,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, 1, $15, now(), now())`,
		t.ID, t.PosterID, t.WorkerID, t.Title, t.PriceCents, t.Currency, t.Category,
		t.CityID, t.ZoneID, t.Mode, t.Instant, t.RiskLevel, t.State, t.Progress, t.Deadline)
	if err != nil {
		return mapPgError(err)
	}
	t.Version = 1
	return nil
}

func (p *Postgres) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	t, err := scanTask(p.q.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "task")
	}
	return t, nil
}

func (p *Postgres) GetTaskForUpdate(ctx context.Context, id string) (*domain.Task, error) {
	t, err := scanTask(p.q.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "task")
	}
	return t, nil
}

// UpdateTask applies a conditional write on the version the caller read.
// Zero rows affected means a concurrent writer won; the caller sees CONFLICT.
func (p *Postgres) UpdateTask(ctx context.Context, t *domain.Task) error {
	res, err := p.q.ExecContext(ctx, `
		UPDATE tasks SET worker_id = $2, state = $3, progress = $4, deadline = $5,
			matching_at = $6, accepted_at = $7, completed_at = $8,
			version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $9`,
		t.ID, t.WorkerID, t.State, t.Progress, t.Deadline,
		t.MatchingAt, t.AcceptedAt, t.CompletedAt, t.Version)
	if err != nil {
		return mapPgError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return mapPgError(err)
	}
	if n == 0 {
		return domain.Ef(domain.CodeConflict, "task %s version %d is stale", t.ID, t.Version)
	}
	t.Version++
	return nil
}

func (p *Postgres) ListTasksForUser(ctx context.Context, userID string) ([]domain.Task, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT `+taskCols+` FROM tasks
		WHERE poster_id = $1 OR worker_id = $1
		ORDER BY created_at`, userID)
	if err != nil {
		return nil, mapPgError(err)
	}
	return collectTasks(rows)
}

func (p *Postgres) ListOpenTasksPastDeadline(ctx context.Context, now time.Time, limit int) ([]domain.Task, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT `+taskCols+` FROM tasks
		WHERE state = 'OPEN' AND deadline IS NOT NULL AND deadline < $1
		ORDER BY deadline LIMIT $2`, now, limit)
	if err != nil {
		return nil, mapPgError(err)
	}
	return collectTasks(rows)
}

func (p *Postgres) ListMatchingTasksBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Task, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT `+taskCols+` FROM tasks
		WHERE state = 'MATCHING' AND matching_at < $1
		ORDER BY matching_at LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, mapPgError(err)
	}
	return collectTasks(rows)
}

func (p *Postgres) CountZoneTasks(ctx context.Context, zoneID, category string, since time.Time) (int, int, error) {
	var open, completed int
	err := p.q.QueryRowContext(ctx, `
		SELECT
			count(*) FILTER (WHERE state IN ('OPEN', 'MATCHING') AND created_at >= $3),
			count(*) FILTER (WHERE state = 'COMPLETED' AND completed_at >= $3)
		FROM tasks WHERE zone_id = $1 AND category = $2`,
		zoneID, category, since).Scan(&open, &completed)
	if err != nil {
		return 0, 0, mapPgError(err)
	}
	return open, completed, nil
}

func (p *Postgres) ZoneTaskStats(ctx context.Context, zoneID, category string, from, to time.Time) (*domain.ZoneTaskStats, error) {
	var st domain.ZoneTaskStats
	err := p.q.QueryRowContext(ctx, `
		SELECT
			count(*) FILTER (WHERE created_at >= $3 AND created_at < $4),
			count(*) FILTER (WHERE accepted_at >= $3 AND accepted_at < $4),
			count(*) FILTER (WHERE completed_at >= $3 AND completed_at < $4)
		FROM tasks WHERE zone_id = $1 AND category = $2`,
		zoneID, category, from, to).Scan(&st.Posted, &st.Accepted, &st.Completed)
	if err != nil {
		return nil, mapPgError(err)
	}
	err = p.q.QueryRowContext(ctx, `
		SELECT count(*) FROM disputes d
		JOIN tasks t ON t.id = d.task_id
		WHERE t.zone_id = $1 AND t.category = $2 AND d.created_at >= $3 AND d.created_at < $4`,
		zoneID, category, from, to).Scan(&st.Disputed)
	if err != nil {
		return nil, mapPgError(err)
	}
	return &st, nil
}

func (p *Postgres) ListAcceptDelays(ctx context.Context, zoneID, category string, since time.Time) ([]time.Duration, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT created_at, accepted_at FROM tasks
		WHERE zone_id = $1 AND category = $2 AND accepted_at IS NOT NULL AND accepted_at >= $3`,
		zoneID, category, since)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var delays []time.Duration
	for rows.Next() {
		var created, accepted time.Time
		if err := rows.Scan(&created, &accepted); err != nil {
			return nil, mapPgError(err)
		}
		delays = append(delays, accepted.Sub(created))
	}
	return delays, mapPgError(rows.Err())
}

func collectTasks(rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Close() error
	Err() error
}) ([]domain.Task, error) {
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, mapPgError(err)
		}
		out = append(out, *t)
	}
	return out, mapPgError(rows.Err())
}
