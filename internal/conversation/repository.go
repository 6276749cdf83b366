package conversation

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"glanswerk_backend/platform/phone"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const errRepoNotConfigured = "conversation repository not configured"

// Direction marks who sent a message.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Conversation is one WhatsApp thread, keyed by normalized phone number.
type Conversation struct {
	ID             uuid.UUID
	Phone          string
	Preview        string
	LastInboundAt  *time.Time
	LastActivityAt time.Time
	CreatedAt      time.Time
}

// Message is one message within a conversation.
type Message struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	Direction      Direction
	Body           string
	ExternalID     *string
	Status         string
	CreatedAt      time.Time
}

// Repository is the Postgres-backed conversation store.
type Repository struct {
	pool *pgxpool.Pool
}

// New creates a new conversation repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// FindOrCreateByPhone returns the conversation for a phone number, creating
// it if needed. The phone number is normalized to E.164 before lookup so
// provider formatting differences collapse onto one thread.
func (r *Repository) FindOrCreateByPhone(ctx context.Context, phoneNumber string) (Conversation, error) {
	if r == nil || r.pool == nil {
		return Conversation{}, errors.New(errRepoNotConfigured)
	}

	normalized := phone.NormalizeE164(phoneNumber)

	row := r.pool.QueryRow(ctx,
		`INSERT INTO wa_conversations (phone)
		 VALUES ($1)
		 ON CONFLICT (phone) DO UPDATE SET phone = EXCLUDED.phone
		 RETURNING id, phone, preview, last_inbound_at, last_activity_at, created_at`,
		normalized,
	)

	var conv Conversation
	err := row.Scan(&conv.ID, &conv.Phone, &conv.Preview, &conv.LastInboundAt, &conv.LastActivityAt, &conv.CreatedAt)
	if err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

// AppendInbound records a customer message: it finds-or-creates the
// conversation, appends the message and resets the free-text window by
// bumping last_inbound_at.
func (r *Repository) AppendInbound(ctx context.Context, phoneNumber, body, externalID string) (Conversation, error) {
	if r == nil || r.pool == nil {
		return Conversation{}, errors.New(errRepoNotConfigured)
	}

	conv, err := r.FindOrCreateByPhone(ctx, phoneNumber)
	if err != nil {
		return Conversation{}, err
	}

	_, err = r.pool.Exec(ctx,
		`INSERT INTO wa_messages (conversation_id, direction, body, external_id, status)
		 VALUES ($1, 'inbound', $2, NULLIF($3, ''), 'received')
		 ON CONFLICT (external_id) WHERE external_id IS NOT NULL DO NOTHING`,
		conv.ID, body, externalID,
	)
	if err != nil {
		return Conversation{}, err
	}

	_, err = r.pool.Exec(ctx,
		`UPDATE wa_conversations
		 SET preview = $2, last_inbound_at = now(), last_activity_at = now()
		 WHERE id = $1`,
		conv.ID, previewOf(body),
	)
	if err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

// AppendOutbound records a message sent from this system into the thread.
func (r *Repository) AppendOutbound(ctx context.Context, conversationID uuid.UUID, body, externalID string) error {
	if r == nil || r.pool == nil {
		return errors.New(errRepoNotConfigured)
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO wa_messages (conversation_id, direction, body, external_id, status)
		 VALUES ($1, 'outbound', $2, NULLIF($3, ''), 'sent')
		 ON CONFLICT (external_id) WHERE external_id IS NOT NULL DO NOTHING`,
		conversationID, body, externalID,
	)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx,
		`UPDATE wa_conversations
		 SET preview = $2, last_activity_at = now()
		 WHERE id = $1`,
		conversationID, previewOf(body),
	)
	return err
}

// UpdateMessageStatus patches a message's delivery status by provider
// message ID. Returns rows touched so callers can log-and-drop unknown IDs.
func (r *Repository) UpdateMessageStatus(ctx context.Context, externalID, status string) (int64, error) {
	if r == nil || r.pool == nil {
		return 0, errors.New(errRepoNotConfigured)
	}
	tag, err := r.pool.Exec(ctx,
		`UPDATE wa_messages SET status = $2 WHERE external_id = $1`,
		externalID, status,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// GetByID returns one conversation.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (Conversation, error) {
	if r == nil || r.pool == nil {
		return Conversation{}, errors.New(errRepoNotConfigured)
	}
	row := r.pool.QueryRow(ctx,
		`SELECT id, phone, preview, last_inbound_at, last_activity_at, created_at
		 FROM wa_conversations WHERE id = $1`,
		id,
	)
	var conv Conversation
	err := row.Scan(&conv.ID, &conv.Phone, &conv.Preview, &conv.LastInboundAt, &conv.LastActivityAt, &conv.CreatedAt)
	if err != nil {
		return Conversation{}, err
	}
	return conv, nil
}

// LastInboundAt returns when the customer last wrote in on this number, or
// nil when they never did.
func (r *Repository) LastInboundAt(ctx context.Context, phoneNumber string) (*time.Time, error) {
	if r == nil || r.pool == nil {
		return nil, errors.New(errRepoNotConfigured)
	}
	normalized := phone.NormalizeE164(phoneNumber)

	var last *time.Time
	err := r.pool.QueryRow(ctx,
		`SELECT last_inbound_at FROM wa_conversations WHERE phone = $1`,
		normalized,
	).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		// No conversation row means no inbound message was ever seen.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return last, nil
}

// previewOf truncates on a rune boundary so the stored preview stays
// valid UTF-8.
func previewOf(body string) string {
	const maxPreview = 120
	if len(body) <= maxPreview {
		return body
	}
	cut := maxPreview
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return body[:cut]
}
