package postgres

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/goalkeeper/deployd/internal/domain"
	"github.com/goalkeeper/deployd/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var _ repository.DeploymentRepository = (*Repository)(nil)

const deploymentColumns = `id, user_id, portfolio_id, template_name, project_name, status, url,
	custom_domain, error_message, platform_deployment_id, platform_project_id,
	created_at, updated_at, completed_at`

// CreateDeployment inserts a deployment record. The deployments_one_active
// partial unique index rejects a second in-flight record per pair.
func (r *Repository) CreateDeployment(ctx context.Context, record *domain.DeploymentRecord) error {
	const query = `INSERT INTO deployments (id, user_id, portfolio_id, template_name, project_name, status, url,
			custom_domain, error_message, platform_deployment_id, platform_project_id, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := r.pool.Exec(ctx, query,
		record.ID,
		record.UserID,
		record.PortfolioID,
		record.TemplateName,
		record.ProjectName,
		record.Status,
		record.URL,
		record.CustomDomain,
		record.ErrorMessage,
		record.PlatformDeploymentID,
		record.PlatformProjectID,
		record.CreatedAt,
		record.UpdatedAt,
		record.CompletedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && isActiveConflict(pgErr) {
			return repository.ErrActiveDeploymentExists
		}
		return err
	}
	return nil
}

// isActiveConflict matches unique violations raised by the one-active
// partial index specifically; violations of any other constraint (the
// primary key included) surface as plain errors.
func isActiveConflict(pgErr *pgconn.PgError) bool {
	return pgErr.Code == "23505" && pgErr.ConstraintName == "deployments_one_active"
}

// GetDeployment fetches a deployment by identifier.
func (r *Repository) GetDeployment(ctx context.Context, id string) (*domain.DeploymentRecord, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE id = $1`
	record, err := scanDeployment(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return record, nil
}

// ListDeploymentsByUser returns a user's deployments, most recent first.
func (r *Repository) ListDeploymentsByUser(ctx context.Context, userID string) ([]domain.DeploymentRecord, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE user_id = $1 ORDER BY created_at DESC`
	return r.listDeployments(ctx, query, userID)
}

// ListDeploymentsByPortfolio returns a portfolio's deployments, most recent first.
func (r *Repository) ListDeploymentsByPortfolio(ctx context.Context, portfolioID string) ([]domain.DeploymentRecord, error) {
	query := `SELECT ` + deploymentColumns + ` FROM deployments WHERE portfolio_id = $1 ORDER BY created_at DESC`
	return r.listDeployments(ctx, query, portfolioID)
}

func (r *Repository) listDeployments(ctx context.Context, query string, arg any) ([]domain.DeploymentRecord, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]domain.DeploymentRecord, 0)
	for rows.Next() {
		record, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, rows.Err()
}

// TransitionDeployment applies a compare-and-transition update.
func (r *Repository) TransitionDeployment(ctx context.Context, transition domain.DeploymentTransition) (*domain.DeploymentRecord, error) {
	query := `UPDATE deployments
		SET status = $2,
			url = COALESCE($3, url),
			error_message = COALESCE($4, error_message),
			platform_deployment_id = COALESCE($5, platform_deployment_id),
			platform_project_id = COALESCE($6, platform_project_id),
			completed_at = COALESCE($7, completed_at),
			updated_at = NOW()
		WHERE id = $1 AND status = ANY($8)
		RETURNING ` + deploymentColumns
	row := r.pool.QueryRow(ctx, query,
		transition.DeploymentID,
		transition.To,
		emptyToNil(transition.URL),
		emptyToNil(transition.ErrorMessage),
		emptyToNil(transition.PlatformDeploymentID),
		emptyToNil(transition.PlatformProjectID),
		transition.CompletedAt,
		transition.From,
	)
	record, err := scanDeployment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.transitionFailure(ctx, transition.DeploymentID)
		}
		return nil, err
	}
	return record, nil
}

// SetCustomDomain attaches a custom domain to a succeeded deployment.
func (r *Repository) SetCustomDomain(ctx context.Context, id, customDomain string) (*domain.DeploymentRecord, error) {
	query := `UPDATE deployments
		SET custom_domain = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
		RETURNING ` + deploymentColumns
	row := r.pool.QueryRow(ctx, query, id, customDomain, domain.StatusSucceeded)
	record, err := scanDeployment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.transitionFailure(ctx, id)
		}
		return nil, err
	}
	return record, nil
}

// DeleteDeployment removes a deployment record.
func (r *Repository) DeleteDeployment(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM deployments WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// transitionFailure distinguishes a missing record from a failed compare.
func (r *Repository) transitionFailure(ctx context.Context, id string) error {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM deployments WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return err
	}
	if exists {
		return repository.ErrStaleTransition
	}
	return repository.ErrNotFound
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row rowScanner) (*domain.DeploymentRecord, error) {
	var d domain.DeploymentRecord
	if err := row.Scan(
		&d.ID,
		&d.UserID,
		&d.PortfolioID,
		&d.TemplateName,
		&d.ProjectName,
		&d.Status,
		&d.URL,
		&d.CustomDomain,
		&d.ErrorMessage,
		&d.PlatformDeploymentID,
		&d.PlatformProjectID,
		&d.CreatedAt,
		&d.UpdatedAt,
		&d.CompletedAt,
	); err != nil {
		return nil, err
	}
	return &d, nil
}

func emptyToNil(value string) any {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return value
}
