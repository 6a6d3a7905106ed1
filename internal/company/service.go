package company

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/relaydesk/relaydesk/internal/config"
)

const placeholderPassword = "change-your-password-here"

// Service wraps the store with credential handling.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates a Service.
func NewService(store Store, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, logger: log.With(slog.String("component", "company"))}
}

// Store exposes the underlying store for read paths.
func (s *Service) Store() Store { return s.store }

// Authenticate verifies an agent login. The same error comes back for
// unknown email, wrong password, and deactivated accounts.
func (s *Service) Authenticate(ctx context.Context, email, password string) (Agent, error) {
	agent, err := s.store.GetAgentByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			return Agent{}, ErrInvalidCredentials
		}
		return Agent{}, err
	}
	if !agent.Active {
		return Agent{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(agent.PasswordHash), []byte(password)); err != nil {
		return Agent{}, ErrInvalidCredentials
	}
	return agent, nil
}

// CreateAgent hashes the password and stores the account.
func (s *Service) CreateAgent(ctx context.Context, params CreateAgentParams) (Agent, error) {
	email := strings.TrimSpace(params.Email)
	if email == "" || params.Password == "" {
		return Agent{}, fmt.Errorf("email and password are required")
	}
	role := params.Role
	if role == "" {
		role = RoleAgent
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(params.Password), bcrypt.DefaultCost)
	if err != nil {
		return Agent{}, err
	}
	return s.store.CreateAgent(ctx, Agent{
		CompanyID:    params.CompanyID,
		Email:        email,
		Name:         params.Name,
		Role:         role,
		Active:       true,
		PasswordHash: string(hashed),
	})
}

// EnsureAdmin bootstraps the first company and its admin account when
// the database is empty. Subsequent starts are a no-op.
func (s *Service) EnsureAdmin(ctx context.Context, cfg config.AdminConfig) error {
	count, err := s.store.CountCompanies(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	email := strings.TrimSpace(cfg.Email)
	password := strings.TrimSpace(cfg.Password)
	if email == "" || password == "" {
		return fmt.Errorf("admin email/password required in config.toml")
	}
	if password == placeholderPassword {
		s.logger.Warn("admin password uses default placeholder; please update config.toml")
	}

	companyName := strings.TrimSpace(cfg.Company)
	if companyName == "" {
		companyName = "Default Company"
	}
	company, err := s.store.CreateCompany(ctx, companyName)
	if err != nil {
		return fmt.Errorf("create company: %w", err)
	}

	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "Admin"
	}
	agent, err := s.CreateAgent(ctx, CreateAgentParams{
		CompanyID: company.ID,
		Email:     email,
		Name:      name,
		Role:      RoleAdmin,
		Password:  password,
	})
	if err != nil {
		return fmt.Errorf("create admin agent: %w", err)
	}
	s.logger.Info("admin agent created",
		slog.String("email", agent.Email),
		slog.String("company_id", company.ID))
	return nil
}
