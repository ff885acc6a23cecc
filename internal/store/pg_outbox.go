package store

import (
	"context"
	"time"

	"github.com/lib/pq"

	"github.com/sidegig/backend/internal/domain"
)

const outboxCols = `id, event_type, aggregate_type, aggregate_id, event_version, idempotency_key,
	payload, queue, status, attempts, last_error, next_retry_at, created_at, enqueued_at, processed_at`

func scanOutbox(r rowScanner) (*domain.OutboxEvent, error) {
	var ev domain.OutboxEvent
	var payload []byte
	err := r.Scan(&ev.ID, &ev.EventType, &ev.AggregateType, &ev.AggregateID, &ev.EventVersion,
		&ev.IdempotencyKey, &payload, &ev.Queue, &ev.Status, &ev.Attempts, &ev.LastError,
		&ev.NextRetryAt, &ev.CreatedAt, &ev.EnqueuedAt, &ev.ProcessedAt)
	if err != nil {
		return nil, err
	}
	ev.Payload = payload
	return &ev, nil
}

func (p *Postgres) InsertOutboxEvent(ctx context.Context, ev *domain.OutboxEvent) error {
	_, err := p.q.ExecContext(ctx, `
		INSERT INTO outbox (id, event_type, aggregate_type, aggregate_id, event_version,
			idempotency_key, payload, queue, status, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', 0, now())`,
		ev.ID, ev.EventType, ev.AggregateType, ev.AggregateID, ev.EventVersion,
		ev.IdempotencyKey, []byte(ev.Payload), ev.Queue)
	return mapPgError(err)
}

func (p *Postgres) SelectPendingOutbox(ctx context.Context, limit int) ([]domain.OutboxEvent, error) {
	// SKIP LOCKED lets a second dispatcher instance coexist without double
	// delivery inside one poll cycle; cross-cycle redelivery is still
	// possible and workers tolerate it.
	rows, err := p.q.QueryContext(ctx, `
		SELECT `+outboxCols+` FROM outbox
		WHERE status = 'pending'
		  AND (next_retry_at IS NULL OR next_retry_at <= now())
		ORDER BY created_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var out []domain.OutboxEvent
	for rows.Next() {
		ev, err := scanOutbox(rows)
		if err != nil {
			return nil, mapPgError(err)
		}
		out = append(out, *ev)
	}
	return out, mapPgError(rows.Err())
}

func (p *Postgres) MarkOutboxEnqueued(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.q.ExecContext(ctx, `
		UPDATE outbox SET status = 'enqueued', enqueued_at = now() WHERE id = ANY($1)`,
		pq.Array(ids))
	return mapPgError(err)
}

func (p *Postgres) MarkOutboxProcessed(ctx context.Context, id string) error {
	_, err := p.q.ExecContext(ctx, `
		UPDATE outbox SET status = 'processed', processed_at = now() WHERE id = $1`, id)
	return mapPgError(err)
}

func (p *Postgres) RecordOutboxFailure(ctx context.Context, id string, lastErr string, terminal bool) error {
	if terminal {
		_, err := p.q.ExecContext(ctx, `
			UPDATE outbox SET status = 'failed', attempts = attempts + 1, last_error = $2,
				next_retry_at = NULL
			WHERE id = $1`, id, lastErr)
		return mapPgError(err)
	}
	// Re-pend behind an exponential horizon: 30s * 2^attempts, attempts taken
	// before this failure is counted.
	_, err := p.q.ExecContext(ctx, `
		UPDATE outbox SET status = 'pending', attempts = attempts + 1, last_error = $2,
			enqueued_at = NULL,
			next_retry_at = now() + interval '30 seconds' * power(2, least(attempts, 10))
		WHERE id = $1`, id, lastErr)
	return mapPgError(err)
}

func (p *Postgres) RequeueStaleEnqueued(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := p.q.ExecContext(ctx, `
		UPDATE outbox SET status = 'pending', enqueued_at = NULL
		WHERE status = 'enqueued' AND enqueued_at < $1`, olderThan)
	if err != nil {
		return 0, mapPgError(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *Postgres) RequeueOutboxByKey(ctx context.Context, idempotencyKey string) (bool, error) {
	res, err := p.q.ExecContext(ctx, `
		UPDATE outbox SET status = 'pending', attempts = 0, last_error = NULL,
			next_retry_at = NULL, enqueued_at = NULL, processed_at = NULL
		WHERE idempotency_key = $1`, idempotencyKey)
	if err != nil {
		return false, mapPgError(err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (p *Postgres) GetOutboxEvent(ctx context.Context, id string) (*domain.OutboxEvent, error) {
	ev, err := scanOutbox(p.q.QueryRowContext(ctx, `SELECT `+outboxCols+` FROM outbox WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "outbox event")
	}
	return ev, nil
}

func (p *Postgres) ListOutboxByAggregate(ctx context.Context, aggregateID string) ([]domain.OutboxEvent, error) {
	rows, err := p.q.QueryContext(ctx, `
		SELECT `+outboxCols+` FROM outbox WHERE aggregate_id = $1 ORDER BY created_at`, aggregateID)
	if err != nil {
		return nil, mapPgError(err)
	}
	defer rows.Close()

	var out []domain.OutboxEvent
	for rows.Next() {
		ev, err := scanOutbox(rows)
		if err != nil {
			return nil, mapPgError(err)
		}
		out = append(out, *ev)
	}
	return out, mapPgError(rows.Err())
}
