package company

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests.
type MemoryStore struct {
	mu        sync.Mutex
	companies map[string]Company
	agents    map[string]Agent

	// Now is the clock, swappable in tests.
	Now func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		companies: make(map[string]Company),
		agents:    make(map[string]Agent),
		Now:       time.Now,
	}
}

func (s *MemoryStore) CreateCompany(ctx context.Context, name string) (Company, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	company := Company{ID: uuid.NewString(), Name: name, CreatedAt: s.Now().UTC()}
	s.companies[company.ID] = company
	return company, nil
}

func (s *MemoryStore) GetCompany(ctx context.Context, id string) (Company, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	company, ok := s.companies[id]
	if !ok {
		return Company{}, ErrCompanyNotFound
	}
	return company, nil
}

func (s *MemoryStore) CountCompanies(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.companies), nil
}

func (s *MemoryStore) CreateAgent(ctx context.Context, agent Agent) (Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent.Email = strings.ToLower(agent.Email)
	for _, existing := range s.agents {
		if existing.Email == agent.Email {
			return Agent{}, ErrEmailTaken
		}
	}
	agent.ID = uuid.NewString()
	agent.CreatedAt = s.Now().UTC()
	s.agents[agent.ID] = agent
	return agent, nil
}

func (s *MemoryStore) GetAgent(ctx context.Context, id string) (Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[id]
	if !ok {
		return Agent{}, ErrAgentNotFound
	}
	return agent, nil
}

func (s *MemoryStore) GetAgentByEmail(ctx context.Context, email string) (Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	email = strings.ToLower(email)
	for _, agent := range s.agents {
		if agent.Email == email {
			return agent, nil
		}
	}
	return Agent{}, ErrAgentNotFound
}

func (s *MemoryStore) ListAgents(ctx context.Context, companyID string) ([]Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var agents []Agent
	for _, agent := range s.agents {
		if agent.CompanyID == companyID {
			agents = append(agents, agent)
		}
	}
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].CreatedAt.Before(agents[j].CreatedAt)
	})
	return agents, nil
}
