// Package company holds the tenants and their agent accounts.
package company

import (
	"context"
	"errors"
	"time"
)

// Agent roles.
const (
	RoleAdmin = "admin"
	RoleAgent = "agent"
)

var (
	ErrCompanyNotFound = errors.New("company not found")
	ErrAgentNotFound   = errors.New("agent not found")
	ErrEmailTaken      = errors.New("email already registered")
	// ErrInvalidCredentials covers both unknown email and wrong password
	// so login responses do not reveal which one it was.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Company is one tenant of the system.
type Company struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Agent is a human operator account within a company.
type Agent struct {
	ID           string    `json:"id"`
	CompanyID    string    `json:"company_id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	Active       bool      `json:"active"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// CreateAgentParams creates an agent account. Password is the plain
// text credential; the store never sees it unhashed.
type CreateAgentParams struct {
	CompanyID string
	Email     string
	Name      string
	Role      string
	Password  string
}

// Store is the persistence surface for companies and agents.
type Store interface {
	CreateCompany(ctx context.Context, name string) (Company, error)
	GetCompany(ctx context.Context, id string) (Company, error)
	CountCompanies(ctx context.Context) (int, error)

	CreateAgent(ctx context.Context, agent Agent) (Agent, error)
	GetAgent(ctx context.Context, id string) (Agent, error)
	GetAgentByEmail(ctx context.Context, email string) (Agent, error)
	ListAgents(ctx context.Context, companyID string) ([]Agent, error)
}
