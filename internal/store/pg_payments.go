package store

import (
	"context"

	"github.com/sidegig/backend/internal/domain"
)

// InsertStripeEvent claims the provider event id. ON CONFLICT DO NOTHING
// makes replays report stored=false without an error; this is the at-most-once
// ingest write.
func (p *Postgres) InsertStripeEvent(ctx context.Context, ev *domain.StripeEvent) (bool, error) {
	res, err := p.q.ExecContext(ctx, `
		INSERT INTO stripe_events (id, type, external_created, payload, received_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO NOTHING`,
		ev.ID, ev.Type, ev.ExternalCreated, []byte(ev.Payload))
	if err != nil {
		return false, mapPgError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mapPgError(err)
	}
	return n > 0, nil
}

func (p *Postgres) GetStripeEvent(ctx context.Context, id string) (*domain.StripeEvent, error) {
	var ev domain.StripeEvent
	var payload []byte
	err := p.q.QueryRowContext(ctx, `
		SELECT id, type, external_created, payload, received_at FROM stripe_events WHERE id = $1`,
		id).Scan(&ev.ID, &ev.Type, &ev.ExternalCreated, &payload, &ev.ReceivedAt)
	if err != nil {
		return nil, notFound(err, "stripe event")
	}
	ev.Payload = payload
	return &ev, nil
}

// InsertEffectRecord guards each effect worker: applied=false means the
// (event, effect) pair already ran and the worker must skip its side effect.
func (p *Postgres) InsertEffectRecord(ctx context.Context, providerEventID, effectKind string) (bool, error) {
	res, err := p.q.ExecContext(ctx, `
		INSERT INTO stripe_effects (provider_event_id, effect_kind, applied_at)
		VALUES ($1, $2, now())
		ON CONFLICT (provider_event_id, effect_kind) DO NOTHING`,
		providerEventID, effectKind)
	if err != nil {
		return false, mapPgError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mapPgError(err)
	}
	return n > 0, nil
}
