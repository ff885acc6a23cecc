package notify

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sidegig/backend/internal/domain"
	"github.com/sidegig/backend/internal/outbox"
	"github.com/sidegig/backend/internal/store"
)

const cohortTTL = 5 * time.Minute

// CohortCache keeps role-cohort member lists warm between broadcasts so a
// burst of admin messages does not hammer the role table. infra.Redis
// satisfies it; a nil cache means every broadcast reads the table.
type CohortCache interface {
	GetCohort(ctx context.Context, key string) ([]string, bool)
	SetCohort(ctx context.Context, key string, ids []string, ttl time.Duration)
}

// BroadcastIn describes one admin broadcast. Roles defaults to the full
// admin cohort.
type BroadcastIn struct {
	Category domain.NotificationCategory `json:"category"`
	Priority domain.NotificationPriority `json:"priority"`
	Title    string                      `json:"title"`
	Body     string                      `json:"body"`
	Roles    []domain.Role               `json:"roles,omitempty"`
}

// Broadcast appends one notification.admin_broadcast event; the fan-out to
// individual users happens on the user_notifications queue.
func (s *Service) Broadcast(ctx context.Context, in BroadcastIn) (string, error) {
	if in.Title == "" {
		return "", domain.E(domain.CodeValidation, "broadcast needs a title")
	}
	if in.Priority == "" {
		in.Priority = domain.PriorityHigh
	}
	if len(in.Roles) == 0 {
		in.Roles = []domain.Role{domain.RoleAdmin, domain.RoleFounder, domain.RoleModerator}
	}

	id := uuid.NewString()
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		return outbox.Append(ctx, tx, outbox.Event{
			EventType:     domain.EventAdminBroadcast,
			AggregateType: "broadcast",
			AggregateID:   id,
			Version:       1,
			Queue:         domain.QueueUserNotifications,
			Payload:       in,
		})
	})
	if err != nil {
		return "", err
	}
	s.logger.Printf("📨 broadcast %s queued for roles %v", id, in.Roles)
	return id, nil
}

// HandleBroadcast fans one broadcast out to every cohort member. Per-user
// failures are isolated: one bad recipient never blocks the rest, and the
// event itself only retries when the cohort cannot be resolved at all.
func (s *Service) HandleBroadcast(ctx context.Context, ev domain.OutboxEvent) error {
	var in BroadcastIn
	if err := json.Unmarshal(ev.Payload, &in); err != nil || in.Title == "" {
		return domain.E(domain.CodeValidation, "malformed admin_broadcast payload")
	}
	if len(in.Roles) == 0 {
		in.Roles = []domain.Role{domain.RoleAdmin, domain.RoleFounder, domain.RoleModerator}
	}

	ids, err := s.cohortMembers(ctx, in.Roles)
	if err != nil {
		return err
	}

	delivered := 0
	for _, userID := range ids {
		_, derr := s.Deliver(ctx, Request{
			UserID:   userID,
			Category: in.Category,
			Priority: in.Priority,
			Title:    in.Title,
			Body:     in.Body,
		})
		if derr != nil {
			s.logger.Printf("⚠️ broadcast %s skipped user %s: %v", ev.AggregateID, userID, derr)
			s.metrics.BroadcastFailures.Inc()
			continue
		}
		delivered++
	}
	s.metrics.BroadcastUsers.Add(float64(delivered))
	s.logger.Printf("✅ broadcast %s delivered to %d/%d users", ev.AggregateID, delivered, len(ids))
	return nil
}

func (s *Service) cohortMembers(ctx context.Context, roles []domain.Role) ([]string, error) {
	key := cohortKey(roles)
	if s.cohort != nil {
		if ids, ok := s.cohort.GetCohort(ctx, key); ok {
			s.metrics.CohortHits.Inc()
			return ids, nil
		}
	}
	ids, err := s.store.ListUserIDsByRole(ctx, roles)
	if err != nil {
		return nil, err
	}
	if s.cohort != nil {
		s.cohort.SetCohort(ctx, key, ids, cohortTTL)
	}
	return ids, nil
}

func cohortKey(roles []domain.Role) string {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = string(r)
	}
	sort.Strings(names)
	return "notify:cohort:" + strings.Join(names, ",")
}
