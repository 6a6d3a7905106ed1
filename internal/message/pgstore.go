package message

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaydesk/relaydesk/internal/channel"
	"github.com/relaydesk/relaydesk/internal/conversation"
	"github.com/relaydesk/relaydesk/internal/cursor"
	"github.com/relaydesk/relaydesk/internal/db"
)

const messageColumns = `id, conversation_id, role, body, attachment_url, attachment_type,
	attachment_size, sender_agent_id, sender_name, platform_message_id,
	delivery_failed, delivery_error, created_at, seq`

// PGStore implements Store on Postgres. Append runs the insert and the
// conversation update in one transaction so unread counts cannot drift
// from the messages that produced them.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a Postgres-backed message store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Append(ctx context.Context, input AppendInput) (Message, conversation.Conversation, error) {
	if !input.Role.Valid() {
		return Message{}, conversation.Conversation{}, fmt.Errorf("invalid role %q", input.Role)
	}
	convUUID, err := db.ParseUUID(input.ConversationID)
	if err != nil {
		return Message{}, conversation.Conversation{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Message{}, conversation.Conversation{}, err
	}
	defer tx.Rollback(ctx)

	var attachmentURL, attachmentType pgtype.Text
	var attachmentSize pgtype.Int8
	if input.Attachment != nil {
		attachmentURL = db.ToPgText(input.Attachment.URL)
		attachmentType = db.ToPgText(input.Attachment.ContentType)
		if input.Attachment.Size > 0 {
			attachmentSize = pgtype.Int8{Int64: input.Attachment.Size, Valid: true}
		}
	}
	var agentUUID pgtype.UUID
	if input.SenderAgentID != "" {
		agentUUID, err = db.ParseUUID(input.SenderAgentID)
		if err != nil {
			return Message{}, conversation.Conversation{}, err
		}
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO messages (
			conversation_id, role, body, attachment_url, attachment_type, attachment_size,
			sender_agent_id, sender_name, platform_message_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+messageColumns,
		convUUID, string(input.Role), input.Text,
		attachmentURL, attachmentType, attachmentSize,
		agentUUID, db.ToPgText(input.SenderName), db.ToPgText(input.PlatformMessageID))
	msg, err := scanMessage(row)
	if err != nil {
		return Message{}, conversation.Conversation{}, fmt.Errorf("insert message: %w", err)
	}

	// Same increment NextUnread implements: customer messages add one,
	// agent and bot messages reset.
	convRow := tx.QueryRow(ctx, `
		UPDATE conversations
		SET unread_count    = CASE WHEN $2 = 'user' THEN unread_count + 1 ELSE 0 END,
		    last_message_at = $3,
		    updated_at      = now()
		WHERE id = $1
		RETURNING id, company_id, connection_id, channel, customer_id, status,
			auto_reply_enabled, unread_count, last_message_at,
			customer_name, customer_email, customer_phone, customer_address, customer_attributes,
			created_at, updated_at`,
		convUUID, string(input.Role), db.ToPgTime(msg.CreatedAt))
	conv, err := conversation.ScanRow(convRow)
	if errors.Is(err, pgx.ErrNoRows) {
		return Message{}, conversation.Conversation{}, conversation.ErrNotFound
	}
	if err != nil {
		return Message{}, conversation.Conversation{}, fmt.Errorf("update conversation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Message{}, conversation.Conversation{}, err
	}
	return msg, conv, nil
}

func (s *PGStore) ListBefore(ctx context.Context, conversationID, cur string, limit int) (Page, error) {
	convUUID, err := db.ParseUUID(conversationID)
	if err != nil {
		return Page{}, err
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	args := []any{convUUID}
	where := "conversation_id = $1"
	if cur != "" {
		ts, key, err := cursor.Decode(cur)
		if err != nil {
			return Page{}, err
		}
		var seq int64
		if _, err := fmt.Sscanf(key, "%d", &seq); err != nil {
			return Page{}, fmt.Errorf("%w: bad key", cursor.ErrInvalid)
		}
		args = append(args, db.ToPgTime(ts), seq)
		where += " AND (created_at, seq) < ($2, $3)"
	}
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s
		FROM messages
		WHERE %s
		ORDER BY created_at DESC, seq DESC
		LIMIT $%d`, messageColumns, where, len(args)), args...)
	if err != nil {
		return Page{}, err
	}
	defer rows.Close()

	items := []Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return Page{}, err
		}
		items = append(items, msg)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}

	page := Page{Messages: items}
	if len(items) > limit {
		page.Messages = items[:limit]
		last := page.Messages[limit-1]
		page.NextCursor = cursor.Encode(last.CreatedAt, fmt.Sprintf("%d", last.Seq))
	}
	return page, nil
}

// ListRecent returns the newest messages in chronological order, for the
// auto-responder's context window.
func (s *PGStore) ListRecent(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	page, err := s.ListBefore(ctx, conversationID, "", limit)
	if err != nil {
		return nil, err
	}
	out := page.Messages
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *PGStore) MarkDeliveryFailed(ctx context.Context, id, reason string) error {
	msgUUID, err := db.ParseUUID(id)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages
		SET delivery_failed = true, delivery_error = $2
		WHERE id = $1`, msgUUID, db.ToPgText(reason))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PGStore) SetPlatformMessageID(ctx context.Context, id, platformMessageID string) error {
	msgUUID, err := db.ParseUUID(id)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages
		SET platform_message_id = $2
		WHERE id = $1`, msgUUID, db.ToPgText(platformMessageID))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		msg            Message
		id             pgtype.UUID
		convID         pgtype.UUID
		role           string
		attachmentURL  pgtype.Text
		attachmentType pgtype.Text
		attachmentSize pgtype.Int8
		agentID        pgtype.UUID
		senderName     pgtype.Text
		platformID     pgtype.Text
		deliveryError  pgtype.Text
		createdAt      pgtype.Timestamptz
	)
	err := row.Scan(&id, &convID, &role, &msg.Text,
		&attachmentURL, &attachmentType, &attachmentSize,
		&agentID, &senderName, &platformID,
		&msg.DeliveryFailed, &deliveryError, &createdAt, &msg.Seq)
	if err != nil {
		return Message{}, err
	}
	msg.ID = db.UUIDToString(id)
	msg.ConversationID = db.UUIDToString(convID)
	msg.Role = Role(role)
	if attachmentURL.Valid {
		msg.Attachment = &channel.Attachment{
			URL:         attachmentURL.String,
			ContentType: db.TextToString(attachmentType),
		}
		if attachmentSize.Valid {
			msg.Attachment.Size = attachmentSize.Int64
		}
	}
	msg.SenderAgentID = db.UUIDToString(agentID)
	msg.SenderName = db.TextToString(senderName)
	msg.PlatformMessageID = db.TextToString(platformID)
	msg.DeliveryError = db.TextToString(deliveryError)
	msg.CreatedAt = db.TimeFromPg(createdAt)
	return msg, nil
}
