package notify

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/sidegig/backend/internal/domain"
	"github.com/sidegig/backend/internal/store"
)

// Quiet hours suppress push between 22:00 and 08:00 UTC; in-app and email
// rows still land, only the interrupting channel waits. Security alerts
// bypass the window entirely.
const (
	quietStartHour = 22
	quietEndHour   = 8
)

// PushForwarder hands a committed notification to the push delivery queue.
// Device tokens and the actual push protocol live outside the core.
type PushForwarder interface {
	Forward(ctx context.Context, n *domain.Notification) error
}

// Service expands send requests into per-user notification rows and channel
// deliveries.
type Service struct {
	store   store.TxStore
	push    PushForwarder
	cohort  CohortCache
	metrics *Metrics
	logger  *log.Logger
}

func NewService(s store.TxStore, push PushForwarder, cohort CohortCache) *Service {
	return &Service{
		store:   s,
		push:    push,
		cohort:  cohort,
		metrics: NewMetrics(),
		logger:  log.New(os.Stdout, "[NOTIFY] ", log.LstdFlags),
	}
}

// Deliver writes one notification row plus its channel artifacts. When the
// request names a task, the recipient must be a participant on it; cohort
// sends carry no task and skip that check. The notification row and any email
// outbox row commit atomically; push forwarding is best-effort afterwards.
func (s *Service) Deliver(ctx context.Context, r Request) (*domain.Notification, error) {
	if r.UserID == "" || r.Title == "" {
		return nil, domain.E(domain.CodeValidation, "notification needs user and title")
	}
	if r.Priority == "" {
		r.Priority = domain.PriorityMedium
	}

	u, err := s.store.GetUser(ctx, r.UserID)
	if err != nil {
		return nil, err
	}
	if r.TaskID != nil {
		t, err := s.store.GetTask(ctx, *r.TaskID)
		if err != nil {
			return nil, err
		}
		if !participant(t, r.UserID) {
			return nil, domain.Ef(domain.CodeForbidden, "user %s is not on task %s", r.UserID, t.ID)
		}
	}

	now := time.Now().UTC()
	channels, suppressed := channelsAt(now, r.Category)
	if suppressed {
		s.metrics.QuietSuppressed.Inc()
	}

	n := &domain.Notification{
		ID:        uuid.NewString(),
		UserID:    r.UserID,
		TaskID:    r.TaskID,
		Category:  r.Category,
		Priority:  r.Priority,
		Title:     r.Title,
		Body:      r.Body,
		Channels:  channels,
		Data:      r.Data,
		CreatedAt: now,
	}
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.InsertNotification(ctx, n); err != nil {
			return err
		}
		if contains(channels, domain.ChannelEmail) && u.Email != "" {
			return tx.InsertEmailOutbox(ctx, &domain.EmailOutboxRow{
				ID:        uuid.NewString(),
				UserID:    u.ID,
				ToAddress: u.Email,
				Subject:   r.Title,
				Body:      r.Body,
				Status:    domain.EmailPending,
				CreatedAt: now,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordSend(n)

	if contains(channels, domain.ChannelPush) && s.push != nil {
		if perr := s.push.Forward(ctx, n); perr != nil {
			s.logger.Printf("⚠️ push forward failed for %s: %v", n.ID, perr)
			s.metrics.PushFailures.Inc()
		}
	}
	return n, nil
}

// HandleSend is the notification.send consumer. Participant violations and
// unknown users are producer bugs: they fail terminally and park the row.
func (s *Service) HandleSend(ctx context.Context, ev domain.OutboxEvent) error {
	var r Request
	if err := json.Unmarshal(ev.Payload, &r); err != nil || r.UserID == "" {
		return domain.E(domain.CodeValidation, "malformed notification.send payload")
	}
	_, err := s.Deliver(ctx, r)
	return err
}

func participant(t *domain.Task, userID string) bool {
	if t.PosterID == userID {
		return true
	}
	return t.WorkerID != nil && *t.WorkerID == userID
}

func inQuietHours(t time.Time) bool {
	h := t.UTC().Hour()
	return h >= quietStartHour || h < quietEndHour
}

// channelsAt resolves the category's channels at a point in time, dropping
// push inside quiet hours unless the category bypasses them.
func channelsAt(now time.Time, c domain.NotificationCategory) (chs []domain.Channel, suppressed bool) {
	chs = domain.ChannelsFor(c)
	if inQuietHours(now) && !c.BypassesQuietHours() && contains(chs, domain.ChannelPush) {
		return without(chs, domain.ChannelPush), true
	}
	return chs, false
}

func contains(cs []domain.Channel, c domain.Channel) bool {
	for _, x := range cs {
		if x == c {
			return true
		}
	}
	return false
}

func without(cs []domain.Channel, drop domain.Channel) []domain.Channel {
	out := make([]domain.Channel, 0, len(cs))
	for _, x := range cs {
		if x != drop {
			out = append(out, x)
		}
	}
	return out
}
