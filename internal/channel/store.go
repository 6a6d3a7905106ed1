package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaydesk/relaydesk/internal/db"
	"github.com/relaydesk/relaydesk/internal/secrets"
)

// ErrConnectionNotFound indicates no connection config exists for the id.
var ErrConnectionNotFound = errors.New("connection not found")

// ConfigLister lists enabled connection configs for a channel type. The
// connection manager uses it for periodic refresh.
type ConfigLister interface {
	ListEnabledByType(ctx context.Context, channelType ChannelType) ([]ConnectionConfig, error)
}

// ConfigGetter resolves a single connection config with credentials.
type ConfigGetter interface {
	Get(ctx context.Context, id string) (ConnectionConfig, error)
}

// ConfigStore is the full persistence surface for connection configs.
// Components should depend on the narrower interfaces where they can.
type ConfigStore interface {
	ConfigLister
	ConfigGetter
	Create(ctx context.Context, req CreateConnectionRequest) (ConnectionConfig, error)
	Update(ctx context.Context, id string, req UpdateConnectionRequest) (ConnectionConfig, error)
	ListByCompany(ctx context.Context, companyID string) ([]ConnectionConfig, error)
	Delete(ctx context.Context, id string) error
}

// CreateConnectionRequest creates a new channel connection for a company.
type CreateConnectionRequest struct {
	CompanyID        string            `json:"company_id" validate:"required,uuid"`
	Channel          ChannelType       `json:"channel" validate:"required"`
	Name             string            `json:"name" validate:"required"`
	Credentials      map[string]string `json:"credentials"`
	AutoReplyDefault bool              `json:"auto_reply_default"`
}

// UpdateConnectionRequest updates mutable fields of a connection. Nil
// pointers leave the field unchanged; Credentials replaces the whole map
// when non-nil.
type UpdateConnectionRequest struct {
	Name             *string           `json:"name,omitempty"`
	Credentials      map[string]string `json:"credentials,omitempty"`
	AutoReplyDefault *bool             `json:"auto_reply_default,omitempty"`
	Enabled          *bool             `json:"enabled,omitempty"`
}

// Store persists connection configs in Postgres with credentials sealed
// by the secrets box.
type Store struct {
	pool     *pgxpool.Pool
	box      *secrets.Box
	registry *Registry
}

// NewStore creates a Store backed by the given pool, secrets box, and
// adapter registry.
func NewStore(pool *pgxpool.Pool, box *secrets.Box, registry *Registry) *Store {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Store{pool: pool, box: box, registry: registry}
}

const connectionColumns = `id, company_id, channel, name, credentials, auto_reply_default, enabled, created_at, updated_at`

// Create validates, normalizes, and persists a new connection config.
func (s *Store) Create(ctx context.Context, req CreateConnectionRequest) (ConnectionConfig, error) {
	ct := ChannelType(strings.ToLower(strings.TrimSpace(string(req.Channel))))
	if !ct.Valid() {
		return ConnectionConfig{}, fmt.Errorf("unknown channel type: %q", req.Channel)
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return ConnectionConfig{}, fmt.Errorf("connection name is required")
	}
	creds, err := s.registry.NormalizeCredentials(ct, req.Credentials)
	if err != nil {
		return ConnectionConfig{}, err
	}
	sealed, err := s.box.SealMap(creds)
	if err != nil {
		return ConnectionConfig{}, fmt.Errorf("seal credentials: %w", err)
	}
	companyUUID, err := db.ParseUUID(req.CompanyID)
	if err != nil {
		return ConnectionConfig{}, err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO connections (company_id, channel, name, credentials, auto_reply_default)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+connectionColumns,
		companyUUID, string(ct), name, sealed, req.AutoReplyDefault)
	return s.scanConnection(row)
}

// Update applies the request to an existing connection.
func (s *Store) Update(ctx context.Context, id string, req UpdateConnectionRequest) (ConnectionConfig, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return ConnectionConfig{}, err
	}
	name := current.Name
	if req.Name != nil {
		name = strings.TrimSpace(*req.Name)
		if name == "" {
			return ConnectionConfig{}, fmt.Errorf("connection name is required")
		}
	}
	creds := current.Credentials
	if req.Credentials != nil {
		creds, err = s.registry.NormalizeCredentials(current.Channel, req.Credentials)
		if err != nil {
			return ConnectionConfig{}, err
		}
	}
	autoReply := current.AutoReplyDefault
	if req.AutoReplyDefault != nil {
		autoReply = *req.AutoReplyDefault
	}
	enabled := current.Enabled
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	sealed, err := s.box.SealMap(creds)
	if err != nil {
		return ConnectionConfig{}, fmt.Errorf("seal credentials: %w", err)
	}
	connUUID, err := db.ParseUUID(id)
	if err != nil {
		return ConnectionConfig{}, err
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE connections
		SET name = $2, credentials = $3, auto_reply_default = $4, enabled = $5, updated_at = now()
		WHERE id = $1
		RETURNING `+connectionColumns,
		connUUID, name, sealed, autoReply, enabled)
	cfg, err := s.scanConnection(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ConnectionConfig{}, ErrConnectionNotFound
	}
	return cfg, err
}

// Get returns the connection config with decrypted credentials.
func (s *Store) Get(ctx context.Context, id string) (ConnectionConfig, error) {
	connUUID, err := db.ParseUUID(id)
	if err != nil {
		return ConnectionConfig{}, err
	}
	row := s.pool.QueryRow(ctx, `SELECT `+connectionColumns+` FROM connections WHERE id = $1`, connUUID)
	cfg, err := s.scanConnection(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ConnectionConfig{}, ErrConnectionNotFound
	}
	return cfg, err
}

// ListByCompany lists all connections owned by the company.
func (s *Store) ListByCompany(ctx context.Context, companyID string) ([]ConnectionConfig, error) {
	companyUUID, err := db.ParseUUID(companyID)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+connectionColumns+`
		FROM connections
		WHERE company_id = $1
		ORDER BY created_at ASC`, companyUUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectConnections(rows)
}

// ListEnabledByType lists enabled connections across all companies for the
// given channel type.
func (s *Store) ListEnabledByType(ctx context.Context, channelType ChannelType) ([]ConnectionConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+connectionColumns+`
		FROM connections
		WHERE channel = $1 AND enabled
		ORDER BY created_at ASC`, string(channelType))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.collectConnections(rows)
}

// Delete removes a connection config. Conversations under it cascade.
func (s *Store) Delete(ctx context.Context, id string) error {
	connUUID, err := db.ParseUUID(id)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM connections WHERE id = $1`, connUUID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConnectionNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanConnection(row rowScanner) (ConnectionConfig, error) {
	var (
		cfg       ConnectionConfig
		id        pgtype.UUID
		companyID pgtype.UUID
		sealed    []byte
		createdAt pgtype.Timestamptz
		updatedAt pgtype.Timestamptz
	)
	var channelType string
	if err := row.Scan(&id, &companyID, &channelType, &cfg.Name, &sealed, &cfg.AutoReplyDefault, &cfg.Enabled, &createdAt, &updatedAt); err != nil {
		return ConnectionConfig{}, err
	}
	creds, err := s.box.OpenMap(sealed)
	if err != nil {
		return ConnectionConfig{}, fmt.Errorf("open credentials: %w", err)
	}
	cfg.ID = db.UUIDToString(id)
	cfg.CompanyID = db.UUIDToString(companyID)
	cfg.Channel = ChannelType(channelType)
	cfg.Credentials = creds
	cfg.CreatedAt = db.TimeFromPg(createdAt)
	cfg.UpdatedAt = db.TimeFromPg(updatedAt)
	return cfg, nil
}

func (s *Store) collectConnections(rows pgx.Rows) ([]ConnectionConfig, error) {
	items := []ConnectionConfig{}
	for rows.Next() {
		cfg, err := s.scanConnection(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, cfg)
	}
	return items, rows.Err()
}
