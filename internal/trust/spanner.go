package trust

import (
	"context"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/spanner"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"

	"github.com/sidegig/backend/internal/domain"
)

// SpannerArchive mirrors the trust ledger into Cloud Spanner. The relational
// store stays authoritative; the archive serves long-horizon audit queries
// that would otherwise scan the hot ledger table.
type SpannerArchive struct {
	client *spanner.Client
	logger *log.Logger
}

// NewSpannerArchive opens a client against
// projects/{project}/instances/{instance}/databases/{db}.
func NewSpannerArchive(ctx context.Context, project, instance, db string) (*SpannerArchive, error) {
	dbPath := fmt.Sprintf("projects/%s/instances/%s/databases/%s", project, instance, db)
	client, err := spanner.NewClient(ctx, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create Spanner client: %w", err)
	}
	return &SpannerArchive{
		client: client,
		logger: log.New(log.Writer(), "[TrustArchive] ", log.LstdFlags),
	}, nil
}

// ArchiveEntry inserts one ledger row. Replayed mirrors of the same entry are
// fine: AlreadyExists collapses to success.
func (sa *SpannerArchive) ArchiveEntry(ctx context.Context, e *domain.TrustEntry) error {
	_, err := sa.client.Apply(ctx, []*spanner.Mutation{
		spanner.Insert("TrustLedger",
			[]string{"EntryID", "UserID", "OldTier", "NewTier", "ReasonCode", "SourceEventID", "IdempotencyKey", "CreatedAt"},
			[]interface{}{e.ID, e.UserID, int64(e.OldTier), int64(e.NewTier), e.ReasonCode, e.SourceEventID, e.IdempotencyKey, e.CreatedAt},
		),
	})
	if spanner.ErrCode(err) == codes.AlreadyExists {
		return nil
	}
	return err
}

// TierHistory reads a user's archived tier moves, newest first. Audit reads
// tolerate staleness, so the read runs at up to 15 seconds behind.
func (sa *SpannerArchive) TierHistory(ctx context.Context, userID string, limit int64) ([]domain.TrustEntry, error) {
	roTx := sa.client.ReadOnlyTransaction().WithTimestampBound(spanner.MaxStaleness(15 * time.Second))
	defer roTx.Close()

	stmt := spanner.Statement{
		SQL: `SELECT EntryID, UserID, OldTier, NewTier, ReasonCode, SourceEventID, IdempotencyKey, CreatedAt
		      FROM TrustLedger WHERE UserID = @user ORDER BY CreatedAt DESC LIMIT @limit`,
		Params: map[string]interface{}{"user": userID, "limit": limit},
	}

	var out []domain.TrustEntry
	iter := roTx.Query(ctx, stmt)
	defer iter.Stop()
	for {
		row, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		var (
			e                domain.TrustEntry
			oldTier, newTier int64
		)
		if err := row.Columns(&e.ID, &e.UserID, &oldTier, &newTier, &e.ReasonCode, &e.SourceEventID, &e.IdempotencyKey, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.OldTier = int(oldTier)
		e.NewTier = int(newTier)
		out = append(out, e)
	}
	return out, nil
}

// Close releases the underlying client.
func (sa *SpannerArchive) Close() {
	sa.client.Close()
}
