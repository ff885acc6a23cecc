package store

import (
	"context"
	"encoding/json"

	"github.com/lib/pq"

	"github.com/sidegig/backend/internal/domain"
)

func (p *Postgres) InsertNotification(ctx context.Context, n *domain.Notification) error {
	channels := make([]string, len(n.Channels))
	for i, c := range n.Channels {
		channels[i] = string(c)
	}
	var data []byte
	if len(n.Data) > 0 {
		var err error
		if data, err = json.Marshal(n.Data); err != nil {
			return domain.E(domain.CodeInternal, err.Error())
		}
	}
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, task_id, category, priority, title, body,
			channels, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())`,
		n.ID, n.UserID, n.TaskID, n.Category, n.Priority, n.Title, n.Body, pq.Array(channels), data)
	return mapPgError(err)
}

func (p *Postgres) ListNotifications(ctx context.Context, userID string, limit int) ([]domain.Notification, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT id, user_id, task_id, category, priority, title, body, channels, data, read_at, created_at
		FROM notifications WHERE user_id = $1
		ORDER BY created_at DESC LIMIT $2`, userID, limit)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		var n domain.Notification
		var channels []string
		var data []byte
		if err := rows.Scan(&n.ID, &n.UserID, &n.TaskID, &n.Category, &n.Priority, &n.Title,
			&n.Body, pq.Array(&channels), &data, &n.ReadAt, &n.CreatedAt); err != nil {
			return nil, mapPgError(err)
		}
		n.Channels = make([]domain.Channel, len(channels))
		for i, c := range channels {
			n.Channels[i] = domain.Channel(c)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &n.Data); err != nil {
				return nil, domain.E(domain.CodeInternal, err.Error())
			}
		}
		out = append(out, n)
	}
	return out, mapPgError(rows.Err())
}

func (p *Postgres) InsertEmailOutbox(ctx context.Context, e *domain.EmailOutboxRow) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO email_outbox (id, user_id, to_address, subject, body, status, attempts,
			created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, now(), now())`,
		e.ID, e.UserID, e.ToAddress, e.Subject, e.Body, e.Status)
	return mapPgError(err)
}

func (p *Postgres) ListEmailOutbox(ctx context.Context, userID string) ([]domain.EmailOutboxRow, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT id, user_id, to_address, subject, body, status, provider_id, attempts,
			next_retry_at, created_at, updated_at
		FROM email_outbox WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var out []domain.EmailOutboxRow
	for rows.Next() {
		var e domain.EmailOutboxRow
		if err := rows.Scan(&e.ID, &e.UserID, &e.ToAddress, &e.Subject, &e.Body, &e.Status,
			&e.ProviderID, &e.Attempts, &e.NextRetryAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, mapPgError(err)
		}
		out = append(out, e)
	}
	return out, mapPgError(rows.Err())
}
