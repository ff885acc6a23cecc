package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"

	"github.com/joho/godotenv"

	"github.com/sidegig/backend/internal/config"
	"github.com/sidegig/backend/internal/correction"
	"github.com/sidegig/backend/internal/domain"
	"github.com/sidegig/backend/internal/payments"
	"github.com/sidegig/backend/internal/store"
	"github.com/sidegig/backend/internal/supply"
)

// Exit codes: 0 success, 1 generic error, 2 invariant violation.
const (
	exitOK        = 0
	exitError     = 1
	exitInvariant = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitError)
	}

	godotenv.Load()
	cfg := config.FromEnv()
	if cfg.Database.URL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(exitError)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		os.Exit(exitError)
	}
	defer db.Close()
	st := store.NewPostgres(db)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	switch os.Args[1] {
	case "recalculate-capacity":
		exit(cmdRecalculateCapacity(ctx, st))
	case "expire-corrections":
		exit(cmdExpireCorrections(ctx, st))
	case "expire-invites":
		exit(cmdExpireInvites(ctx, st))
	case "ingest-replay":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: sidegig-admin ingest-replay <event_id>")
			os.Exit(exitError)
		}
		exit(cmdIngestReplay(ctx, st, cfg, os.Args[2]))
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(exitError)
	}
}

func exit(err error) {
	if err == nil {
		os.Exit(exitOK)
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	if domain.IsInvariant(domain.CodeOf(err)) {
		os.Exit(exitInvariant)
	}
	os.Exit(exitError)
}

func cmdRecalculateCapacity(ctx context.Context, st store.TxStore) error {
	svc := supply.NewService(st)
	if err := svc.RecomputeAll(ctx); err != nil {
		return err
	}
	expired, err := svc.ExpireInvites(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("capacity recomputed, %d stale invites expired\n", expired)
	return nil
}

func cmdExpireCorrections(ctx context.Context, st store.TxStore) error {
	svc := correction.NewService(st)
	n, err := svc.ExpireDue(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%d corrections expired and reversed\n", n)
	return nil
}

func cmdExpireInvites(ctx context.Context, st store.TxStore) error {
	svc := supply.NewService(st)
	n, err := svc.ExpireInvites(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%d waitlist invites expired\n", n)
	return nil
}

// cmdIngestReplay re-enqueues an already stored provider event. The webhook
// path never re-runs; the stored payload drives the effect workers again,
// which are idempotent per (event, effect).
func cmdIngestReplay(ctx context.Context, st store.TxStore, cfg *config.Config, eventID string) error {
	ing := payments.NewIngestor(st, cfg.Stripe.WebhookSecret)
	if err := ing.Replay(ctx, eventID); err != nil {
		return err
	}
	fmt.Printf("event %s re-dispatched\n", eventID)
	return nil
}

func printUsage() {
	fmt.Println(`sidegig-admin — one-shot operator commands

Usage: sidegig-admin <command> [args]

Commands:
  recalculate-capacity   Recompute every (expertise, zone) capacity row and
                         drain eligible waitlists
  expire-corrections     Reverse corrections past their expiry
  expire-invites         Bulk-expire waitlist invites past their 48h window
  ingest-replay <id>     Re-dispatch a stored payment-processor event

Environment:
  DATABASE_URL           Postgres connection string (required)
  STRIPE_WEBHOOK_SECRET  Needed only for ingest-replay

Exit codes: 0 success, 1 error, 2 invariant violation`)
}
