// Package idempotency records carrier-provider webhook message IDs
// already acted on, so an at-least-once retry of a carrier callback
// (SMS reply, outbound call status) never double-processes an
// acceptance or a call-log append.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type rowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the Postgres-backed processed-event ledger.
type Store struct {
	pool rowQuerier
}

// New builds a Store over a live pgx pool.
func New(pool *pgxpool.Pool) *Store {
	if pool == nil {
		panic("idempotency: pgx pool required")
	}
	return &Store{pool: pool}
}

func newStoreWithExec(exec rowQuerier) *Store {
	if exec == nil {
		panic("idempotency: exec required")
	}
	return &Store{pool: exec}
}

// AlreadyProcessed reports whether provider's messageID has already
// been recorded.
func (s *Store) AlreadyProcessed(ctx context.Context, provider, messageID string) (bool, error) {
	eventUUID, _, _, err := normalize(provider, messageID)
	if err != nil {
		return false, err
	}
	var exists int
	err = s.pool.QueryRow(ctx, `SELECT 1 FROM processed_webhook_events WHERE event_id = $1`, eventUUID).Scan(&exists)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("idempotency: check processed: %w", err)
	}
	return true, nil
}

// MarkProcessed records provider's messageID, returning false if it was
// already present (a concurrent or retried delivery lost the race).
func (s *Store) MarkProcessed(ctx context.Context, provider, messageID string) (bool, error) {
	eventUUID, normalizedProvider, normalizedMessageID, err := normalize(provider, messageID)
	if err != nil {
		return false, err
	}
	query := `
		INSERT INTO processed_webhook_events (event_id, provider, external_message_id)
		VALUES ($1, NULLIF($2, ''), NULLIF($3, ''))
		ON CONFLICT DO NOTHING
	`
	ct, err := s.pool.Exec(ctx, query, eventUUID, normalizedProvider, normalizedMessageID)
	if err != nil {
		return false, fmt.Errorf("idempotency: mark processed: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

var namespace = uuid.MustParse("7d6e9d3a-0a1c-4e2f-9b1d-5e2f6a7c9d4e")

func normalize(provider, messageID string) (uuid.UUID, string, string, error) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		return uuid.Nil, "", "", fmt.Errorf("idempotency: message id required")
	}
	provider = strings.TrimSpace(provider)
	key := provider + ":" + messageID
	return uuid.NewSHA1(namespace, []byte(key)), provider, messageID, nil
}
