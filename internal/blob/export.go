package blob

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/sidegig/backend/internal/domain"
	"github.com/sidegig/backend/internal/notify"
	"github.com/sidegig/backend/internal/outbox"
	"github.com/sidegig/backend/internal/store"
)

// Notifier tells the user their artifact is ready. *notify.Service satisfies
// it; nil skips the notice.
type Notifier interface {
	Deliver(ctx context.Context, r notify.Request) (*domain.Notification, error)
}

// Exporter owns the GDPR export flow: an admin request becomes an outbox row
// on the exports queue, and the worker assembles everything the platform
// holds about the user into one JSON object.
type Exporter struct {
	store    store.TxStore
	storage  Storage
	bucket   string
	notifier Notifier
	metrics  *Metrics
	logger   *log.Logger
}

func NewExporter(s store.TxStore, storage Storage, bucket string, notifier Notifier) *Exporter {
	return &Exporter{
		store:    s,
		storage:  storage,
		bucket:   bucket,
		notifier: notifier,
		metrics:  NewMetrics(),
		logger:   log.New(os.Stdout, "[EXPORT] ", log.LstdFlags),
	}
}

// RegisterHandlers binds the exports-queue worker.
func RegisterHandlers(r *outbox.Registry, e *Exporter) {
	r.Register(domain.EventExportRequested, e.HandleExportRequested)
}

// ExportRequestedPayload rides export.requested.
type ExportRequestedPayload struct {
	ExportID    string `json:"export_id"`
	UserID      string `json:"user_id"`
	RequestedBy string `json:"requested_by"`
}

// Artifact is the export file shape. The user struct serializes without the
// live-session hash; everything else is included verbatim.
type Artifact struct {
	ExportID      string                 `json:"export_id"`
	UserID        string                 `json:"user_id"`
	GeneratedAt   time.Time              `json:"generated_at"`
	User          *domain.User           `json:"user"`
	Tasks         []domain.Task          `json:"tasks"`
	XPEntries     []domain.XPEntry       `json:"xp_entries"`
	TrustEntries  []domain.TrustEntry    `json:"trust_entries"`
	Expertises    []domain.UserExpertise `json:"expertises"`
	Notifications []domain.Notification  `json:"notifications"`
}

// Request enqueues an export for userID. Assembly happens on the exports
// queue; the returned id names the eventual object.
func (e *Exporter) Request(ctx context.Context, userID, requestedBy string) (string, error) {
	if userID == "" {
		return "", domain.E(domain.CodeValidation, "user id is required")
	}
	if _, err := e.store.GetUser(ctx, userID); err != nil {
		return "", err
	}

	exportID := uuid.NewString()
	err := e.store.WithTx(ctx, func(tx store.Store) error {
		return outbox.Append(ctx, tx, outbox.Event{
			EventType:     domain.EventExportRequested,
			AggregateType: "export",
			AggregateID:   exportID,
			Version:       1,
			Queue:         domain.QueueExports,
			Payload: ExportRequestedPayload{
				ExportID:    exportID,
				UserID:      userID,
				RequestedBy: requestedBy,
			},
		})
	})
	if err != nil {
		return "", err
	}

	e.metrics.Requested.Inc()
	e.logger.Printf("📦 export requested: export=%s user=%s by=%s", exportID, userID, requestedBy)
	return exportID, nil
}

// HandleExportRequested assembles and stores the artifact. The object key is
// derived from the export id, so a redelivery overwrites the same object and
// is harmless.
func (e *Exporter) HandleExportRequested(ctx context.Context, ev domain.OutboxEvent) error {
	var p ExportRequestedPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return domain.E(domain.CodeValidation, "malformed export payload: "+err.Error())
	}
	if p.ExportID == "" || p.UserID == "" {
		return domain.E(domain.CodeValidation, "export payload missing ids")
	}

	artifact, err := e.assemble(ctx, p)
	if err != nil {
		return err
	}
	raw, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return domain.E(domain.CodeInternal, "marshal export artifact: "+err.Error())
	}

	key := ObjectKey(p.UserID, p.ExportID)
	if err := e.storage.Put(ctx, e.bucket, key, raw, "application/json"); err != nil {
		return err
	}

	e.metrics.Completed.Inc()
	e.metrics.Bytes.Add(float64(len(raw)))
	e.logger.Printf("✅ export stored: %s/%s (%d bytes)", e.bucket, key, len(raw))

	if e.notifier != nil {
		_, err := e.notifier.Deliver(ctx, notify.Request{
			UserID:   p.UserID,
			Category: domain.CategorySecurityAlert,
			Priority: domain.PriorityHigh,
			Title:    "Your data export is ready",
			Body:     "A copy of your account data was generated. Contact support to retrieve it.",
			Data:     map[string]string{"export_id": p.ExportID, "object_key": key},
		})
		if err != nil {
			// The artifact is durable; the notice is best effort.
			e.logger.Printf("⚠️ export notice failed: user=%s: %v", p.UserID, err)
		}
	}
	return nil
}

func (e *Exporter) assemble(ctx context.Context, p ExportRequestedPayload) (*Artifact, error) {
	u, err := e.store.GetUser(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	tasks, err := e.store.ListTasksForUser(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	xp, err := e.store.ListXPEntries(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	trust, err := e.store.ListTrustEntries(ctx, p.UserID)
	if err != nil {
		return nil, err
	}
	expertises, err := e.store.ListUserExpertises(ctx, p.UserID, false)
	if err != nil {
		return nil, err
	}
	notifications, err := e.store.ListNotifications(ctx, p.UserID, 1000)
	if err != nil {
		return nil, err
	}
	return &Artifact{
		ExportID:      p.ExportID,
		UserID:        p.UserID,
		GeneratedAt:   time.Now().UTC(),
		User:          u,
		Tasks:         tasks,
		XPEntries:     xp,
		TrustEntries:  trust,
		Expertises:    expertises,
		Notifications: notifications,
	}, nil
}

// ObjectKey names an export artifact inside the export bucket.
func ObjectKey(userID, exportID string) string {
	return "exports/" + userID + "/" + exportID + ".json"
}
