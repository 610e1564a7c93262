package repository

import (
	"context"

	"github.com/goalkeeper/deployd/internal/domain"
)

// DeploymentRepository stores deployment records. Implementations must make
// CreateDeployment atomic with respect to the one-in-flight-per-pair guard
// and TransitionDeployment a compare-and-transition, never a blind overwrite.
type DeploymentRepository interface {
	// CreateDeployment inserts the record unless a pending or in-progress
	// record already exists for the same (user, portfolio) pair, in which
	// case it returns ErrActiveDeploymentExists.
	CreateDeployment(ctx context.Context, record *domain.DeploymentRecord) error
	GetDeployment(ctx context.Context, id string) (*domain.DeploymentRecord, error)
	ListDeploymentsByUser(ctx context.Context, userID string) ([]domain.DeploymentRecord, error)
	ListDeploymentsByPortfolio(ctx context.Context, portfolioID string) ([]domain.DeploymentRecord, error)
	// TransitionDeployment applies the update only while the record's status
	// is one of transition.From, returning the updated record. It returns
	// ErrStaleTransition when the record exists outside that set and
	// ErrNotFound when it does not exist.
	TransitionDeployment(ctx context.Context, transition domain.DeploymentTransition) (*domain.DeploymentRecord, error)
	// SetCustomDomain attaches a domain to a succeeded deployment. A record
	// in any other state yields ErrStaleTransition.
	SetCustomDomain(ctx context.Context, id, customDomain string) (*domain.DeploymentRecord, error)
	DeleteDeployment(ctx context.Context, id string) error
}
