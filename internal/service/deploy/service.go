package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goalkeeper/deployd/internal/domain"
	"github.com/goalkeeper/deployd/internal/platform/vercel"
	"github.com/goalkeeper/deployd/internal/repository"
	"github.com/goalkeeper/deployd/internal/service/templates"
	"github.com/goalkeeper/deployd/internal/ws"
)

// ErrInvalidRequest indicates malformed deploy input: missing or
// non-UUID identifiers, or a structurally invalid domain name.
var ErrInvalidRequest = errors.New("deploy: invalid request")

// ErrDeploymentInProgress indicates a pending or in-progress deployment
// already exists for the same user and portfolio.
var ErrDeploymentInProgress = errors.New("deploy: deployment already in progress")

// ErrInvalidState indicates the operation requires a deployment status
// the record is not in.
var ErrInvalidState = errors.New("deploy: invalid deployment state")

// ErrDomainRejected indicates the hosting platform refused the custom
// domain attachment.
var ErrDomainRejected = errors.New("deploy: domain rejected by platform")

const maxProjectNameLen = 100

// Platform is the subset of the hosting client the orchestrator drives.
type Platform interface {
	CreateDeployment(ctx context.Context, req vercel.CreateRequest) (*vercel.Deployment, error)
	AwaitCompletion(ctx context.Context, deploymentID string) (*vercel.Deployment, error)
	SetDomain(ctx context.Context, projectID, domain string) error
	DeleteDeployment(ctx context.Context, deploymentID string) error
}

// Catalog lists and extracts portfolio templates.
type Catalog interface {
	List(ctx context.Context) []string
	Validate(ctx context.Context, name string) bool
	Extract(ctx context.Context, name string, opts domain.ExtractOptions) (*domain.TemplateManifest, error)
}

// Assembler resolves a user's portfolio and fills template content slots.
type Assembler interface {
	Resolve(ctx context.Context, userID, portfolioID string) (*domain.Portfolio, error)
	Assemble(ctx context.Context, portfolio *domain.Portfolio, manifest *domain.TemplateManifest) (domain.ContentPayload, error)
}

// Service orchestrates portfolio deployments against the hosting platform.
// Each accepted request gets a background worker that walks the record
// through the status machine via compare-and-transition updates; a stale
// compare means another actor (cancel, delete) won and the worker stands
// down, tearing down any platform-side resources it created.
type Service struct {
	repo           repository.DeploymentRepository
	catalog        Catalog
	assembler      Assembler
	platform       Platform
	hub            *ws.Hub
	logger         *slog.Logger
	timeout        time.Duration
	reservedSuffix string

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures optional Service behavior.
type Option func(*Service)

// WithReservedDomainSuffix rejects custom domains under the hosting
// platform's own suffix. Those hostnames are platform assigned and can
// never be attached as custom domains.
func WithReservedDomainSuffix(suffix string) Option {
	return func(s *Service) {
		s.reservedSuffix = strings.ToLower(strings.TrimSpace(suffix))
	}
}

// New returns a deployment orchestrator. timeout bounds each background
// worker end to end, platform polling included.
func New(repo repository.DeploymentRepository, catalog Catalog, assembler Assembler, platform Platform, hub *ws.Hub, logger *slog.Logger, timeout time.Duration, opts ...Option) *Service {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	s := &Service{
		repo:      repo,
		catalog:   catalog,
		assembler: assembler,
		platform:  platform,
		hub:       hub,
		logger:    logger,
		timeout:   timeout,
		cancels:   make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request is a deploy submission. PortfolioID is optional; when empty the
// user's first published portfolio is used.
type Request struct {
	UserID       string                `json:"userId"`
	PortfolioID  string                `json:"portfolioId"`
	TemplateName string                `json:"templateName"`
	Options      domain.ExtractOptions `json:"options"`
}

// Deploy validates the request, assembles content up front, records a
// pending deployment, and hands it to a background worker. The returned
// record is always pending; callers follow progress via GetStatus or the
// status stream.
func (s *Service) Deploy(ctx context.Context, req Request) (*domain.DeploymentRecord, error) {
	if _, err := uuid.Parse(strings.TrimSpace(req.UserID)); err != nil {
		return nil, fmt.Errorf("%w: userId must be a UUID", ErrInvalidRequest)
	}
	if p := strings.TrimSpace(req.PortfolioID); p != "" {
		if _, err := uuid.Parse(p); err != nil {
			return nil, fmt.Errorf("%w: portfolioId must be a UUID", ErrInvalidRequest)
		}
	}
	templateName := strings.TrimSpace(req.TemplateName)
	if !s.catalog.Validate(ctx, templateName) {
		return nil, fmt.Errorf("%w: %s", templates.ErrUnknownTemplate, templateName)
	}

	manifest, err := s.catalog.Extract(ctx, templateName, req.Options)
	if err != nil {
		return nil, err
	}
	portfolio, err := s.assembler.Resolve(ctx, req.UserID, req.PortfolioID)
	if err != nil {
		return nil, err
	}
	payload, err := s.assembler.Assemble(ctx, portfolio, manifest)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	record := &domain.DeploymentRecord{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		PortfolioID:  portfolio.ID,
		TemplateName: templateName,
		ProjectName:  projectName(templateName, req.UserID, now),
		Status:       domain.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.CreateDeployment(ctx, record); err != nil {
		if errors.Is(err, repository.ErrActiveDeploymentExists) {
			return nil, ErrDeploymentInProgress
		}
		return nil, err
	}
	s.logger.Info("deployment accepted", "deployment_id", record.ID, "user_id", record.UserID, "template", templateName)
	s.publish(record)

	s.wg.Add(1)
	go s.run(*record, manifest, payload)
	return record, nil
}

// run drives one deployment to a terminal state. It owns its own context
// so the submitting HTTP request can return immediately.
func (s *Service) run(record domain.DeploymentRecord, manifest *domain.TemplateManifest, payload domain.ContentPayload) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	s.registerCancel(record.ID, cancel)
	defer func() {
		s.dropCancel(record.ID)
		cancel()
	}()

	platformDeployment, err := s.platform.CreateDeployment(ctx, buildCreateRequest(record, manifest, payload))
	if err != nil {
		s.finish(record.ID, []string{domain.StatusPending}, domain.StatusFailed, "", err.Error())
		return
	}

	updated, err := s.repo.TransitionDeployment(ctx, domain.DeploymentTransition{
		DeploymentID:         record.ID,
		From:                 []string{domain.StatusPending},
		To:                   domain.StatusInProgress,
		PlatformDeploymentID: platformDeployment.ID,
		PlatformProjectID:    record.ProjectName,
	})
	if err != nil {
		// Cancelled or deleted while the platform call was in flight.
		s.logger.Info("deployment superseded before start", "deployment_id", record.ID, "error", err)
		s.teardown(platformDeployment.ID)
		return
	}
	s.publish(updated)

	final, err := s.platform.AwaitCompletion(ctx, platformDeployment.ID)
	switch {
	case err != nil:
		message := err.Error()
		if errors.Is(err, context.DeadlineExceeded) {
			message = fmt.Sprintf("deployment did not complete within %s", s.timeout)
		}
		if s.finish(record.ID, []string{domain.StatusInProgress}, domain.StatusFailed, "", message) == nil {
			s.teardown(platformDeployment.ID)
		}
	case final.State == vercel.StateReady:
		// A ready deployment with no hostname is unusable; succeeded
		// records always carry a url, so this lands as a failure.
		if final.URL == "" {
			s.finish(record.ID, []string{domain.StatusInProgress}, domain.StatusFailed, "", "platform reported ready without a deployment url")
			return
		}
		s.finish(record.ID, []string{domain.StatusInProgress}, domain.StatusSucceeded, publicURL(final.URL), "")
	case final.State == vercel.StateCanceled:
		s.finish(record.ID, []string{domain.StatusPending, domain.StatusInProgress}, domain.StatusCancelled, "", "")
	default:
		s.finish(record.ID, []string{domain.StatusInProgress}, domain.StatusFailed, "", "platform build failed")
	}
}

// finish applies a terminal compare-and-transition and broadcasts the
// result. It returns the updated record, or nil when the compare lost to a
// concurrent cancel or delete.
func (s *Service) finish(deploymentID string, from []string, to, url, errorMessage string) *domain.DeploymentRecord {
	now := time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	updated, err := s.repo.TransitionDeployment(ctx, domain.DeploymentTransition{
		DeploymentID: deploymentID,
		From:         from,
		To:           to,
		URL:          url,
		ErrorMessage: errorMessage,
		CompletedAt:  &now,
	})
	if err != nil {
		s.logger.Info("terminal transition lost", "deployment_id", deploymentID, "to", to, "error", err)
		return nil
	}
	s.logger.Info("deployment finished", "deployment_id", deploymentID, "status", to, "url", url)
	s.publish(updated)
	return updated
}

// GetStatus returns the stored record for a deployment.
func (s *Service) GetStatus(ctx context.Context, id string) (*domain.DeploymentRecord, error) {
	return s.repo.GetDeployment(ctx, id)
}

// ListByUser returns a user's deployments, most recent first.
func (s *Service) ListByUser(ctx context.Context, userID string) ([]domain.DeploymentRecord, error) {
	return s.repo.ListDeploymentsByUser(ctx, userID)
}

// ListByPortfolio returns a portfolio's deployments, most recent first.
func (s *Service) ListByPortfolio(ctx context.Context, portfolioID string) ([]domain.DeploymentRecord, error) {
	return s.repo.ListDeploymentsByPortfolio(ctx, portfolioID)
}

// Cancel moves a pending or in-progress deployment to cancelled and stops
// its worker. It reports false without error when the deployment is
// already terminal; cancellation never blocks on platform teardown.
func (s *Service) Cancel(ctx context.Context, id string) (bool, error) {
	record, err := s.repo.GetDeployment(ctx, id)
	if err != nil {
		return false, err
	}
	if domain.TerminalStatus(record.Status) {
		return false, nil
	}
	now := time.Now().UTC()
	updated, err := s.repo.TransitionDeployment(ctx, domain.DeploymentTransition{
		DeploymentID: id,
		From:         []string{domain.StatusPending, domain.StatusInProgress},
		To:           domain.StatusCancelled,
		CompletedAt:  &now,
	})
	if err != nil {
		if errors.Is(err, repository.ErrStaleTransition) {
			// Worker reached a terminal state first.
			return false, nil
		}
		return false, err
	}
	s.stopWorker(id)
	if updated.PlatformDeploymentID != "" {
		platformID := updated.PlatformDeploymentID
		go s.teardown(platformID)
	}
	s.logger.Info("deployment cancelled", "deployment_id", id)
	s.publish(updated)
	return true, nil
}

// Delete removes a deployment record, cancelling it first when still
// active and tearing down platform resources best effort.
func (s *Service) Delete(ctx context.Context, id string) error {
	record, err := s.repo.GetDeployment(ctx, id)
	if err != nil {
		return err
	}
	if !domain.TerminalStatus(record.Status) {
		if _, err := s.Cancel(ctx, id); err != nil && !errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("cancel before delete failed", "deployment_id", id, "error", err)
		}
	} else if record.PlatformDeploymentID != "" {
		platformID := record.PlatformDeploymentID
		go s.teardown(platformID)
	}
	if err := s.repo.DeleteDeployment(ctx, id); err != nil {
		return err
	}
	s.logger.Info("deployment deleted", "deployment_id", id)
	return nil
}

// UpdateDomain attaches a custom domain to a succeeded deployment.
func (s *Service) UpdateDomain(ctx context.Context, id, customDomain string) (*domain.DeploymentRecord, error) {
	customDomain = strings.ToLower(strings.TrimSpace(customDomain))
	if !validDomain(customDomain) {
		return nil, fmt.Errorf("%w: malformed domain %q", ErrInvalidRequest, customDomain)
	}
	if s.reservedSuffix != "" && strings.HasSuffix(customDomain, s.reservedSuffix) {
		return nil, fmt.Errorf("%w: %s hostnames are platform assigned", ErrInvalidRequest, s.reservedSuffix)
	}
	record, err := s.repo.GetDeployment(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.Status != domain.StatusSucceeded {
		return nil, fmt.Errorf("%w: deployment is %s", ErrInvalidState, record.Status)
	}
	if err := s.platform.SetDomain(ctx, record.PlatformProjectID, customDomain); err != nil {
		var apiErr *vercel.APIError
		if errors.As(err, &apiErr) && !apiErr.Transient() {
			return nil, fmt.Errorf("%w: %s", ErrDomainRejected, apiErr.Message)
		}
		return nil, err
	}
	updated, err := s.repo.SetCustomDomain(ctx, id, customDomain)
	if err != nil {
		if errors.Is(err, repository.ErrStaleTransition) {
			return nil, fmt.Errorf("%w: deployment left succeeded state", ErrInvalidState)
		}
		return nil, err
	}
	s.logger.Info("custom domain attached", "deployment_id", id, "domain", customDomain)
	return updated, nil
}

// Shutdown stops all running workers and waits for them to unwind.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) registerCancel(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancels[id] = cancel
	s.mu.Unlock()
}

func (s *Service) dropCancel(id string) {
	s.mu.Lock()
	delete(s.cancels, id)
	s.mu.Unlock()
}

func (s *Service) stopWorker(id string) {
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// teardown removes a platform deployment best effort. Failures are logged
// and swallowed; the stored record is already authoritative.
func (s *Service) teardown(platformDeploymentID string) {
	if platformDeploymentID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.platform.DeleteDeployment(ctx, platformDeploymentID); err != nil {
		s.logger.Warn("platform teardown failed", "platform_deployment_id", platformDeploymentID, "error", err)
	}
}

func (s *Service) publish(record *domain.DeploymentRecord) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(ws.StatusEvent{
		DeploymentID: record.ID,
		Status:       record.Status,
		URL:          record.URL,
		ErrorMessage: record.ErrorMessage,
		OccurredAt:   record.UpdatedAt,
	})
}

// buildCreateRequest packages template assets, project scaffolding for
// anything the bundle does not carry itself, and the assembled content
// payload as a content.json file alongside them.
func buildCreateRequest(record domain.DeploymentRecord, manifest *domain.TemplateManifest, payload domain.ContentPayload) vercel.CreateRequest {
	files := make([]vercel.FilePayload, 0, len(manifest.Files)+3)
	bundled := make(map[string]struct{}, len(manifest.Files))
	for _, f := range manifest.Files {
		bundled[f.Path] = struct{}{}
		files = append(files, vercel.FilePayload{File: f.Path, Data: f.Data, Encoding: "utf-8"})
	}
	files = append(files, scaffoldFiles(bundled)...)
	if data, err := json.MarshalIndent(payload, "", "  "); err == nil {
		files = append(files, vercel.FilePayload{File: "data/content.json", Data: string(data), Encoding: "utf-8"})
	}
	return vercel.CreateRequest{
		Name:  record.ProjectName,
		Files: files,
		ProjectSettings: vercel.ProjectSettings{
			Framework:       "nextjs",
			BuildCommand:    "npm run build",
			InstallCommand:  "npm install",
			OutputDirectory: ".next",
		},
		Target: "production",
	}
}

// projectName derives the platform project name. Platform names are capped
// at 100 characters, so the template slug is truncated if necessary.
func projectName(template, userID string, at time.Time) string {
	user := strings.ReplaceAll(userID, "-", "")
	if len(user) > 8 {
		user = user[:8]
	}
	name := fmt.Sprintf("portfolio-%s-%s-%d", template, user, at.Unix())
	if len(name) > maxProjectNameLen {
		name = name[:maxProjectNameLen]
	}
	return name
}

func publicURL(host string) string {
	if host == "" {
		return ""
	}
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return host
	}
	return "https://" + host
}

func validDomain(domainName string) bool {
	if domainName == "" || len(domainName) > 253 {
		return false
	}
	for _, label := range strings.Split(domainName, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return false
		}
		for _, r := range label {
			if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
				return false
			}
		}
	}
	return strings.Contains(domainName, ".")
}
