// Package live gates the LIVE-mode progress stream. Workers on a LIVE task
// get a one-shot session token whose secret half is bcrypt-hashed onto their
// user row; the websocket hub only admits connections that present it. The
// token itself is returned exactly once and never stored.
package live

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/sidegig/backend/internal/domain"
	"github.com/sidegig/backend/internal/store"
)

// Token format: sg_live_<key_id>.<secret>. The key id is public and shows up
// in logs; only the secret is hashed.
const (
	tokenPrefix = "sg_live_"

	// sessionTTL bounds how long a stream stays authenticated. LIVE tasks run
	// hours at most; a stale hash on the user row expires on its own.
	sessionTTL = 4 * time.Hour
)

type Service struct {
	store   store.TxStore
	metrics *Metrics
	logger  *log.Logger
}

func NewService(s store.TxStore) *Service {
	return &Service{
		store:   s,
		metrics: NewMetrics(),
		logger:  log.New(os.Stdout, "[LIVE] ", log.LstdFlags),
	}
}

// IssueSession mints a session token for the assigned worker of a LIVE task.
// The returned token is shown to the caller once; only its bcrypt hash is
// persisted. Re-issuing replaces any previous session for the worker.
func (s *Service) IssueSession(ctx context.Context, taskID, workerID string) (string, error) {
	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return "", err
	}
	if t.Mode != domain.TaskModeLive {
		return "", domain.E(domain.CodeInvalidState, "task is not a LIVE task")
	}
	if t.State.Terminal() {
		return "", domain.Ef(domain.CodeTaskTerminal, "task is %s", t.State)
	}
	if t.State != domain.TaskAccepted {
		return "", domain.Ef(domain.CodeInvalidState, "live streaming runs while the task is ACCEPTED, not %s", t.State)
	}
	if t.WorkerID == nil || *t.WorkerID != workerID {
		return "", domain.E(domain.CodeForbidden, "live sessions are issued to the assigned worker")
	}

	keyID, secret, err := newTokenParts()
	if err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	expiresAt := time.Now().UTC().Add(sessionTTL)
	err = s.store.WithTx(ctx, func(tx store.Store) error {
		u, err := tx.GetUserForUpdate(ctx, workerID)
		if err != nil {
			return err
		}
		h := string(hash)
		u.LiveTaskID = &t.ID
		u.LiveSessionTokenHash = &h
		u.LiveSessionExpiresAt = &expiresAt
		return tx.UpdateUser(ctx, u)
	})
	if err != nil {
		return "", err
	}

	s.metrics.SessionsIssued.Inc()
	s.logger.Printf("✅ live session issued key=%s task=%s worker=%s expires=%s",
		keyID, taskID, workerID, expiresAt.Format(time.RFC3339))
	return fmt.Sprintf("%s%s.%s", tokenPrefix, keyID, secret), nil
}

// Authenticate checks a presented token against the assigned worker's stored
// session. Every rejection comes back UNAUTHORIZED; callers should not
// distinguish them for clients.
func (s *Service) Authenticate(ctx context.Context, taskID, token string) (*domain.User, error) {
	secret, ok := parseToken(token)
	if !ok {
		return nil, s.deny("malformed live session token")
	}

	t, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if domain.IsCode(err, domain.CodeNotFound) {
			return nil, s.deny("unknown task")
		}
		return nil, err
	}
	if t.WorkerID == nil {
		return nil, s.deny("task has no assigned worker")
	}

	u, err := s.store.GetUser(ctx, *t.WorkerID)
	if err != nil {
		return nil, err
	}
	if u.LiveSessionTokenHash == nil || u.LiveTaskID == nil || *u.LiveTaskID != taskID {
		return nil, s.deny("no live session for this task")
	}
	if u.LiveSessionExpiresAt == nil || time.Now().UTC().After(*u.LiveSessionExpiresAt) {
		return nil, s.deny("live session expired")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(*u.LiveSessionTokenHash), []byte(secret)); err != nil {
		return nil, s.deny("live session secret mismatch")
	}
	return u, nil
}

func (s *Service) deny(reason string) error {
	s.metrics.AuthFailures.Inc()
	s.logger.Printf("⚠️ live auth rejected: %s", reason)
	return domain.E(domain.CodeUnauthorized, "invalid live session token")
}

// newTokenParts returns a 16-char public key id and a 48-char secret.
func newTokenParts() (keyID, secret string, err error) {
	idBytes := make([]byte, 8)
	if _, err := rand.Read(idBytes); err != nil {
		return "", "", err
	}
	secretBytes := make([]byte, 24)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", "", err
	}
	return hex.EncodeToString(idBytes), hex.EncodeToString(secretBytes), nil
}

func parseToken(token string) (secret string, ok bool) {
	if !strings.HasPrefix(token, tokenPrefix) {
		return "", false
	}
	parts := strings.Split(strings.TrimPrefix(token, tokenPrefix), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
