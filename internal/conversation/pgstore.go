package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaydesk/relaydesk/internal/channel"
	"github.com/relaydesk/relaydesk/internal/cursor"
	"github.com/relaydesk/relaydesk/internal/db"
)

const activeIndexName = "ux_conversations_active"

const conversationColumns = `id, company_id, connection_id, channel, customer_id, status,
	auto_reply_enabled, unread_count, last_message_at,
	customer_name, customer_email, customer_phone, customer_address, customer_attributes,
	created_at, updated_at`

// PGStore implements Store on Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a Postgres-backed conversation store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) FindActive(ctx context.Context, identity Identity) (Conversation, error) {
	connUUID, err := db.ParseUUID(identity.ConnectionID)
	if err != nil {
		return Conversation{}, err
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE channel = $1 AND connection_id = $2 AND customer_id = $3
		  AND status IN ('open', 'snoozed')
		ORDER BY last_message_at DESC
		LIMIT 1`,
		string(identity.Channel), connUUID, identity.CustomerID)
	conv, err := ScanRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	return conv, err
}

func (s *PGStore) Create(ctx context.Context, params CreateParams) (Conversation, error) {
	companyUUID, err := db.ParseUUID(params.CompanyID)
	if err != nil {
		return Conversation{}, err
	}
	connUUID, err := db.ParseUUID(params.Identity.ConnectionID)
	if err != nil {
		return Conversation{}, err
	}
	attrs, err := json.Marshal(nonNilAttrs(params.Profile.Attributes))
	if err != nil {
		return Conversation{}, err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO conversations (
			company_id, connection_id, channel, customer_id, status, auto_reply_enabled,
			customer_name, customer_email, customer_phone, customer_address, customer_attributes
		)
		VALUES ($1, $2, $3, $4, 'open', $5, $6, $7, $8, $9, $10)
		RETURNING `+conversationColumns,
		companyUUID, connUUID, string(params.Identity.Channel), params.Identity.CustomerID,
		params.AutoReplyEnabled,
		db.ToPgText(params.Profile.Name), db.ToPgText(params.Profile.Email),
		db.ToPgText(params.Profile.Phone), db.ToPgText(params.Profile.Address), attrs)
	conv, err := ScanRow(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == activeIndexName {
			return Conversation{}, ErrActiveExists
		}
		return Conversation{}, err
	}
	return conv, nil
}

func (s *PGStore) Get(ctx context.Context, id string) (Conversation, error) {
	convUUID, err := db.ParseUUID(id)
	if err != nil {
		return Conversation{}, err
	}
	row := s.pool.QueryRow(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, convUUID)
	conv, err := ScanRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	return conv, err
}

func (s *PGStore) SetStatus(ctx context.Context, id string, status Status) (Conversation, error) {
	if !status.Valid() {
		return Conversation{}, fmt.Errorf("invalid status %q", status)
	}
	convUUID, err := db.ParseUUID(id)
	if err != nil {
		return Conversation{}, err
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE conversations
		SET status = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+conversationColumns, convUUID, string(status))
	conv, err := ScanRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	// Reopening collides with the active-slot index when the customer
	// already started a newer thread.
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == activeIndexName {
		return Conversation{}, ErrActiveExists
	}
	return conv, err
}

func (s *PGStore) SetAutoReply(ctx context.Context, id string, enabled bool) (Conversation, error) {
	convUUID, err := db.ParseUUID(id)
	if err != nil {
		return Conversation{}, err
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE conversations
		SET auto_reply_enabled = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+conversationColumns, convUUID, enabled)
	conv, err := ScanRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	return conv, err
}

func (s *PGStore) MarkRead(ctx context.Context, id string) (Conversation, error) {
	convUUID, err := db.ParseUUID(id)
	if err != nil {
		return Conversation{}, err
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE conversations
		SET unread_count = 0, updated_at = now()
		WHERE id = $1
		RETURNING `+conversationColumns, convUUID)
	conv, err := ScanRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	return conv, err
}

// UpdateProfile overwrites customer fields with non-empty event values
// and merges attributes, keeping anything the event did not mention.
func (s *PGStore) UpdateProfile(ctx context.Context, id string, profile channel.CustomerProfile) error {
	convUUID, err := db.ParseUUID(id)
	if err != nil {
		return err
	}
	attrs, err := json.Marshal(nonNilAttrs(profile.Attributes))
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversations
		SET customer_name       = COALESCE(NULLIF($2, ''), customer_name),
		    customer_email      = COALESCE(NULLIF($3, ''), customer_email),
		    customer_phone      = COALESCE(NULLIF($4, ''), customer_phone),
		    customer_address    = COALESCE(NULLIF($5, ''), customer_address),
		    customer_attributes = customer_attributes || $6::jsonb,
		    updated_at          = now()
		WHERE id = $1`,
		convUUID, profile.Name, profile.Email, profile.Phone, profile.Address, attrs)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const defaultPageSize = 50

func (s *PGStore) List(ctx context.Context, query ListQuery) (Page, error) {
	companyUUID, err := db.ParseUUID(query.CompanyID)
	if err != nil {
		return Page{}, err
	}
	limit := query.Limit
	if limit <= 0 || limit > 200 {
		limit = defaultPageSize
	}

	where := []string{"company_id = $1"}
	args := []any{companyUUID}
	if query.Status != "" {
		if !query.Status.Valid() {
			return Page{}, fmt.Errorf("invalid status %q", query.Status)
		}
		args = append(args, string(query.Status))
		where = append(where, "status = $"+strconv.Itoa(len(args)))
	}
	if query.Channel != "" {
		args = append(args, string(query.Channel))
		where = append(where, "channel = $"+strconv.Itoa(len(args)))
	}
	if query.Cursor != "" {
		ts, id, err := cursor.Decode(query.Cursor)
		if err != nil {
			return Page{}, err
		}
		cursorUUID, err := db.ParseUUID(id)
		if err != nil {
			return Page{}, fmt.Errorf("%w: bad key", cursor.ErrInvalid)
		}
		args = append(args, db.ToPgTime(ts), cursorUUID)
		n := len(args)
		where = append(where, fmt.Sprintf("(last_message_at, id) < ($%d, $%d)", n-1, n))
	}
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY last_message_at DESC, id DESC
		LIMIT $`+strconv.Itoa(len(args)), args...)
	if err != nil {
		return Page{}, err
	}
	defer rows.Close()

	items := []Conversation{}
	for rows.Next() {
		conv, err := ScanRow(rows)
		if err != nil {
			return Page{}, err
		}
		items = append(items, conv)
	}
	if err := rows.Err(); err != nil {
		return Page{}, err
	}

	page := Page{Conversations: items}
	if len(items) > limit {
		page.Conversations = items[:limit]
		last := page.Conversations[limit-1]
		page.NextCursor = cursor.Encode(last.LastMessageAt, last.ID)
	}
	return page, nil
}

// ScanRow scans one conversation row in conversationColumns order. The
// message store reuses it when an append returns the updated conversation.
func ScanRow(row pgx.Row) (Conversation, error) {
	var (
		conv       Conversation
		id         pgtype.UUID
		companyID  pgtype.UUID
		connID     pgtype.UUID
		chType     string
		status     string
		lastMsgAt  pgtype.Timestamptz
		name       pgtype.Text
		email      pgtype.Text
		phone      pgtype.Text
		address    pgtype.Text
		attrsBytes []byte
		createdAt  pgtype.Timestamptz
		updatedAt  pgtype.Timestamptz
	)
	err := row.Scan(&id, &companyID, &connID, &chType, &conv.CustomerID, &status,
		&conv.AutoReplyEnabled, &conv.UnreadCount, &lastMsgAt,
		&name, &email, &phone, &address, &attrsBytes,
		&createdAt, &updatedAt)
	if err != nil {
		return Conversation{}, err
	}
	attrs := map[string]string{}
	if len(attrsBytes) > 0 {
		if err := json.Unmarshal(attrsBytes, &attrs); err != nil {
			return Conversation{}, fmt.Errorf("decode customer attributes: %w", err)
		}
	}
	conv.ID = db.UUIDToString(id)
	conv.CompanyID = db.UUIDToString(companyID)
	conv.ConnectionID = db.UUIDToString(connID)
	conv.Channel = channel.ChannelType(chType)
	conv.Status = Status(status)
	conv.LastMessageAt = db.TimeFromPg(lastMsgAt)
	conv.Customer = channel.CustomerProfile{
		Name:       db.TextToString(name),
		Email:      db.TextToString(email),
		Phone:      db.TextToString(phone),
		Address:    db.TextToString(address),
		Attributes: attrs,
	}
	conv.CreatedAt = db.TimeFromPg(createdAt)
	conv.UpdatedAt = db.TimeFromPg(updatedAt)
	return conv, nil
}

func nonNilAttrs(attrs map[string]string) map[string]string {
	if attrs == nil {
		return map[string]string{}
	}
	return attrs
}
