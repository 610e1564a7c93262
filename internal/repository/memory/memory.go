package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/goalkeeper/deployd/internal/domain"
	"github.com/goalkeeper/deployd/internal/repository"
)

// Store is an in-memory DeploymentRepository used for development and tests.
// All operations take the single mutex, so the conditional insert and the
// compare-and-transition are atomic the same way the SQL implementation is.
type Store struct {
	mu      sync.RWMutex
	records map[string]domain.DeploymentRecord
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{records: make(map[string]domain.DeploymentRecord)}
}

var _ repository.DeploymentRepository = (*Store)(nil)

// CreateDeployment inserts unless an in-flight record exists for the pair.
func (s *Store) CreateDeployment(ctx context.Context, record *domain.DeploymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.records {
		if existing.UserID == record.UserID && existing.PortfolioID == record.PortfolioID && !domain.TerminalStatus(existing.Status) {
			return repository.ErrActiveDeploymentExists
		}
	}
	s.records[record.ID] = *record
	return nil
}

// GetDeployment returns a copy of the stored record.
func (s *Store) GetDeployment(ctx context.Context, id string) (*domain.DeploymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &record, nil
}

// ListDeploymentsByUser returns the user's records, most recent first.
func (s *Store) ListDeploymentsByUser(ctx context.Context, userID string) ([]domain.DeploymentRecord, error) {
	return s.list(func(r domain.DeploymentRecord) bool { return r.UserID == userID }), nil
}

// ListDeploymentsByPortfolio returns the portfolio's records, most recent first.
func (s *Store) ListDeploymentsByPortfolio(ctx context.Context, portfolioID string) ([]domain.DeploymentRecord, error) {
	return s.list(func(r domain.DeploymentRecord) bool { return r.PortfolioID == portfolioID }), nil
}

func (s *Store) list(match func(domain.DeploymentRecord) bool) []domain.DeploymentRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]domain.DeploymentRecord, 0)
	for _, record := range s.records {
		if match(record) {
			records = append(records, record)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records
}

// TransitionDeployment applies a compare-and-transition update.
func (s *Store) TransitionDeployment(ctx context.Context, transition domain.DeploymentTransition) (*domain.DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[transition.DeploymentID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if !statusIn(record.Status, transition.From) {
		return nil, repository.ErrStaleTransition
	}
	record.Status = transition.To
	if transition.URL != "" {
		record.URL = transition.URL
	}
	if transition.ErrorMessage != "" {
		record.ErrorMessage = transition.ErrorMessage
	}
	if transition.PlatformDeploymentID != "" {
		record.PlatformDeploymentID = transition.PlatformDeploymentID
	}
	if transition.PlatformProjectID != "" {
		record.PlatformProjectID = transition.PlatformProjectID
	}
	if transition.CompletedAt != nil {
		record.CompletedAt = transition.CompletedAt
	}
	record.UpdatedAt = time.Now().UTC()
	s.records[record.ID] = record
	return &record, nil
}

// SetCustomDomain attaches a domain to a succeeded deployment.
func (s *Store) SetCustomDomain(ctx context.Context, id, customDomain string) (*domain.DeploymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if record.Status != domain.StatusSucceeded {
		return nil, repository.ErrStaleTransition
	}
	record.CustomDomain = customDomain
	record.UpdatedAt = time.Now().UTC()
	s.records[id] = record
	return &record, nil
}

// DeleteDeployment removes a record.
func (s *Store) DeleteDeployment(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return repository.ErrNotFound
	}
	delete(s.records, id)
	return nil
}

func statusIn(status string, set []string) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}
