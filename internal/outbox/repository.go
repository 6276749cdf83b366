package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const errRepoNotConfigured = "outbox repository not configured"

const itemColumns = `id, idempotency_key, entity_type, entity_id, channel, recipient,
	payload, status, attempts, max_attempts, next_retry_at, external_id, last_error,
	created_at, updated_at, sent_at`

// Repository is the Postgres-backed outbox store.
type Repository struct {
	pool               *pgxpool.Pool
	defaultMaxAttempts int
}

// New creates a new outbox repository. defaultMaxAttempts is the attempt
// ceiling applied to items enqueued without an explicit one.
func New(pool *pgxpool.Pool, defaultMaxAttempts int) *Repository {
	if defaultMaxAttempts < 1 {
		defaultMaxAttempts = 3
	}
	return &Repository{pool: pool, defaultMaxAttempts: defaultMaxAttempts}
}

// Enqueue inserts a new queue item. When the idempotency key already exists
// the existing row is returned unchanged and created is false: producers must
// treat a duplicate as "already queued," not an error.
func (r *Repository) Enqueue(ctx context.Context, p EnqueueParams) (Item, bool, error) {
	if r == nil || r.pool == nil {
		return Item{}, false, errors.New(errRepoNotConfigured)
	}
	if err := p.Validate(); err != nil {
		return Item{}, false, err
	}

	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = r.defaultMaxAttempts
	}

	payloadBytes, err := json.Marshal(p.Payload)
	if err != nil {
		return Item{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	row := r.pool.QueryRow(ctx,
		`INSERT INTO notification_outbox
		 (idempotency_key, entity_type, entity_id, channel, recipient, payload, status, max_attempts, next_retry_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 'queued', $7, now())
		 ON CONFLICT (idempotency_key) DO NOTHING
		 RETURNING `+itemColumns,
		p.IdempotencyKey, p.EntityType, p.EntityID, string(p.Channel), p.Recipient, payloadBytes, maxAttempts,
	)

	item, err := scanItem(row)
	if err == nil {
		return item, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Item{}, false, err
	}

	// Conflict on idempotency_key: hand back the row that won.
	existing, err := r.findByIdempotencyKey(ctx, p.IdempotencyKey)
	if err != nil {
		return Item{}, false, err
	}
	return existing, false, nil
}

// ClaimDue atomically claims up to limit due items and flips them to
// processing. The conditional update is the mutual-exclusion mechanism
// between overlapping dispatcher runs; FOR UPDATE SKIP LOCKED keeps two
// claimers from ever selecting the same row.
func (r *Repository) ClaimDue(ctx context.Context, limit int) ([]Item, error) {
	if r == nil || r.pool == nil {
		return nil, errors.New(errRepoNotConfigured)
	}
	if limit < 1 {
		limit = 25
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `WITH cte AS (
		SELECT id
		FROM notification_outbox
		WHERE status IN ('queued', 'retry')
		  AND next_retry_at <= now()
		  AND attempts < max_attempts
		ORDER BY created_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	)
	UPDATE notification_outbox o
	SET status = 'processing', updated_at = now()
	FROM cte
	WHERE o.id = cte.id
	RETURNING `+qualifyColumns("o"), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, item)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return results, nil
}

// MarkSent records a successful provider call.
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID, externalID string) error {
	if r == nil || r.pool == nil {
		return errors.New(errRepoNotConfigured)
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE notification_outbox
		 SET status = 'sent', attempts = attempts + 1, external_id = $2,
		     sent_at = now(), last_error = NULL, updated_at = now()
		 WHERE id = $1 AND status = 'processing'`,
		id, externalID,
	)
	return err
}

// MarkRetry schedules another attempt after a retryable provider failure.
func (r *Repository) MarkRetry(ctx context.Context, id uuid.UUID, lastError string, nextRetryAt time.Time) error {
	if r == nil || r.pool == nil {
		return errors.New(errRepoNotConfigured)
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE notification_outbox
		 SET status = 'retry', attempts = attempts + 1, last_error = $2,
		     next_retry_at = $3, updated_at = now()
		 WHERE id = $1 AND status = 'processing'`,
		id, lastError, nextRetryAt,
	)
	return err
}

// MarkExhausted terminally fails the item. It is never claimed again.
func (r *Repository) MarkExhausted(ctx context.Context, id uuid.UUID, lastError string) error {
	if r == nil || r.pool == nil {
		return errors.New(errRepoNotConfigured)
	}
	_, err := r.pool.Exec(ctx,
		`UPDATE notification_outbox
		 SET status = 'exhausted', attempts = attempts + 1, last_error = $2, updated_at = now()
		 WHERE id = $1 AND status = 'processing'`,
		id, lastError,
	)
	return err
}

// FindByExternalID looks up an item by its provider-assigned message ID.
func (r *Repository) FindByExternalID(ctx context.Context, externalID string) (Item, error) {
	if r == nil || r.pool == nil {
		return Item{}, errors.New(errRepoNotConfigured)
	}
	row := r.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM notification_outbox WHERE external_id = $1`,
		externalID,
	)
	return scanItem(row)
}

// UpdateDeliveryStatus patches an item's status from a provider status
// callback, keyed by provider message ID. Returns the number of rows
// touched so the reconciler can log-and-drop unknown message IDs.
func (r *Repository) UpdateDeliveryStatus(ctx context.Context, externalID string, status Status, errText *string) (int64, error) {
	if r == nil || r.pool == nil {
		return 0, errors.New(errRepoNotConfigured)
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE notification_outbox
		 SET status = $2, last_error = COALESCE($3, last_error), updated_at = now()
		 WHERE external_id = $1`,
		externalID, string(status), errText,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RequeueOrphans returns processing rows abandoned by a crashed dispatcher
// run to the retry state. olderThan bounds how long a claim may stay
// unresolved before it is considered orphaned.
func (r *Repository) RequeueOrphans(ctx context.Context, olderThan time.Duration) (int64, error) {
	if r == nil || r.pool == nil {
		return 0, errors.New(errRepoNotConfigured)
	}
	cutoff := time.Now().Add(-olderThan)
	tag, err := r.pool.Exec(ctx,
		`UPDATE notification_outbox
		 SET status = 'retry', next_retry_at = now(),
		     last_error = 'requeued: dispatcher did not resolve claim', updated_at = now()
		 WHERE status = 'processing' AND updated_at < $1`,
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *Repository) findByIdempotencyKey(ctx context.Context, key string) (Item, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM notification_outbox WHERE idempotency_key = $1`,
		key,
	)
	return scanItem(row)
}

func qualifyColumns(alias string) string {
	return alias + `.id, ` + alias + `.idempotency_key, ` + alias + `.entity_type, ` +
		alias + `.entity_id, ` + alias + `.channel, ` + alias + `.recipient, ` +
		alias + `.payload, ` + alias + `.status, ` + alias + `.attempts, ` +
		alias + `.max_attempts, ` + alias + `.next_retry_at, ` + alias + `.external_id, ` +
		alias + `.last_error, ` + alias + `.created_at, ` + alias + `.updated_at, ` +
		alias + `.sent_at`
}

func scanItem(row pgx.Row) (Item, error) {
	var item Item
	var channel, status string
	var payloadBytes []byte
	err := row.Scan(
		&item.ID, &item.IdempotencyKey, &item.EntityType, &item.EntityID,
		&channel, &item.Recipient, &payloadBytes, &status, &item.Attempts,
		&item.MaxAttempts, &item.NextRetryAt, &item.ExternalID, &item.LastError,
		&item.CreatedAt, &item.UpdatedAt, &item.SentAt,
	)
	if err != nil {
		return Item{}, err
	}
	item.Channel = Channel(channel)
	item.Status = Status(status)
	if err := json.Unmarshal(payloadBytes, &item.Payload); err != nil {
		return Item{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	return item, nil
}
