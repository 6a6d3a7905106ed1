package company

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaydesk/relaydesk/internal/db"
)

const agentColumns = `id, company_id, email, name, password_hash, role, is_active, created_at`

// PGStore implements Store on Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a Postgres-backed company store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) CreateCompany(ctx context.Context, name string) (Company, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO companies (name) VALUES ($1)
		RETURNING id, name, created_at`, name)
	return scanCompany(row)
}

func (s *PGStore) GetCompany(ctx context.Context, id string) (Company, error) {
	uid, err := db.ParseUUID(id)
	if err != nil {
		return Company{}, ErrCompanyNotFound
	}
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, created_at FROM companies WHERE id = $1`, uid)
	company, err := scanCompany(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Company{}, ErrCompanyNotFound
	}
	return company, err
}

func (s *PGStore) CountCompanies(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM companies`).Scan(&count)
	return count, err
}

func (s *PGStore) CreateAgent(ctx context.Context, agent Agent) (Agent, error) {
	companyUUID, err := db.ParseUUID(agent.CompanyID)
	if err != nil {
		return Agent{}, err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO agents (company_id, email, name, password_hash, role, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+agentColumns,
		companyUUID, strings.ToLower(agent.Email), agent.Name, agent.PasswordHash, agent.Role, agent.Active)
	created, err := scanAgent(row)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return Agent{}, ErrEmailTaken
	}
	return created, err
}

func (s *PGStore) GetAgent(ctx context.Context, id string) (Agent, error) {
	uid, err := db.ParseUUID(id)
	if err != nil {
		return Agent{}, ErrAgentNotFound
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE id = $1`, uid)
	agent, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Agent{}, ErrAgentNotFound
	}
	return agent, err
}

func (s *PGStore) GetAgentByEmail(ctx context.Context, email string) (Agent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+agentColumns+` FROM agents WHERE email = $1`, strings.ToLower(email))
	agent, err := scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Agent{}, ErrAgentNotFound
	}
	return agent, err
}

func (s *PGStore) ListAgents(ctx context.Context, companyID string) ([]Agent, error) {
	uid, err := db.ParseUUID(companyID)
	if err != nil {
		return nil, ErrCompanyNotFound
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE company_id = $1
		ORDER BY created_at ASC`, uid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

func scanCompany(row pgx.Row) (Company, error) {
	var (
		id        pgtype.UUID
		name      string
		createdAt pgtype.Timestamptz
	)
	if err := row.Scan(&id, &name, &createdAt); err != nil {
		return Company{}, err
	}
	return Company{
		ID:        db.UUIDToString(id),
		Name:      name,
		CreatedAt: db.TimeFromPg(createdAt),
	}, nil
}

func scanAgent(row pgx.Row) (Agent, error) {
	var (
		id        pgtype.UUID
		companyID pgtype.UUID
		agent     Agent
		createdAt pgtype.Timestamptz
	)
	err := row.Scan(&id, &companyID, &agent.Email, &agent.Name,
		&agent.PasswordHash, &agent.Role, &agent.Active, &createdAt)
	if err != nil {
		return Agent{}, err
	}
	agent.ID = db.UUIDToString(id)
	agent.CompanyID = db.UUIDToString(companyID)
	agent.CreatedAt = db.TimeFromPg(createdAt)
	return agent, nil
}
