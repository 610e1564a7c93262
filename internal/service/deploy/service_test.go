package deploy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/goalkeeper/deployd/internal/domain"
	"github.com/goalkeeper/deployd/internal/platform/vercel"
	"github.com/goalkeeper/deployd/internal/repository"
	"github.com/goalkeeper/deployd/internal/repository/memory"
	"github.com/goalkeeper/deployd/internal/service/content"
	"github.com/goalkeeper/deployd/internal/service/templates"
)

const (
	testUser      = "3f2b8d7e-1a2b-4c3d-8e9f-001122334455"
	testPortfolio = "9a8b7c6d-5e4f-4a3b-9c8d-ffeeddccbbaa"
)

type fakeCatalog struct {
	known      map[string]bool
	files      []domain.TemplateFile
	extractErr error
}

func (f *fakeCatalog) List(ctx context.Context) []string {
	names := make([]string, 0, len(f.known))
	for name := range f.known {
		names = append(names, name)
	}
	return names
}

func (f *fakeCatalog) Validate(ctx context.Context, name string) bool {
	return f.known[name]
}

func (f *fakeCatalog) Extract(ctx context.Context, name string, opts domain.ExtractOptions) (*domain.TemplateManifest, error) {
	if f.extractErr != nil {
		return nil, f.extractErr
	}
	files := f.files
	if files == nil {
		files = []domain.TemplateFile{
			{Path: "index.html", Data: "<html></html>"},
			{Path: "styles/main.css", Data: "body{}"},
		}
	}
	return &domain.TemplateManifest{
		TemplateName: name,
		Slots: []domain.ContentSlot{
			{Name: "name", Type: domain.SlotText, Required: true},
			{Name: "bio", Type: domain.SlotText, Required: false},
		},
		Files:       files,
		ExtractedAt: time.Now().UTC(),
	}, nil
}

type fakeAssembler struct {
	assembleErr error
}

func (f *fakeAssembler) Resolve(ctx context.Context, userID, portfolioID string) (*domain.Portfolio, error) {
	id := portfolioID
	if id == "" {
		id = testPortfolio
	}
	return &domain.Portfolio{ID: id, UserID: userID, Title: "Jordan Example", Published: true}, nil
}

func (f *fakeAssembler) Assemble(ctx context.Context, portfolio *domain.Portfolio, manifest *domain.TemplateManifest) (domain.ContentPayload, error) {
	if f.assembleErr != nil {
		return nil, f.assembleErr
	}
	return domain.ContentPayload{"name": portfolio.Title}, nil
}

type fakePlatform struct {
	mu           sync.Mutex
	createErr    error
	awaitState   string
	awaitNoURL   bool
	awaitErr     error
	release      chan struct{}
	setDomainErr error
	created      []vercel.CreateRequest
	deleted      []string
}

func (f *fakePlatform) CreateDeployment(ctx context.Context, req vercel.CreateRequest) (*vercel.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, req)
	return &vercel.Deployment{ID: "dpl_" + req.Name, URL: req.Name + ".vercel.app", State: vercel.StateQueued}, nil
}

func (f *fakePlatform) AwaitCompletion(ctx context.Context, deploymentID string) (*vercel.Deployment, error) {
	f.mu.Lock()
	release := f.release
	state := f.awaitState
	noURL := f.awaitNoURL
	err := f.awaitErr
	f.mu.Unlock()
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if state == "" {
		state = vercel.StateReady
	}
	url := "portfolio-final.vercel.app"
	if noURL {
		url = ""
	}
	return &vercel.Deployment{ID: deploymentID, URL: url, State: state}, nil
}

func (f *fakePlatform) SetDomain(ctx context.Context, projectID, domain string) error {
	return f.setDomainErr
}

func (f *fakePlatform) DeleteDeployment(ctx context.Context, deploymentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, deploymentID)
	return nil
}

func (f *fakePlatform) deletions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func newTestService(platform *fakePlatform) (*Service, *memory.Store) {
	store := memory.NewStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	catalog := &fakeCatalog{known: map[string]bool{"modern": true, "creative": true}}
	svc := New(store, catalog, &fakeAssembler{}, platform, nil, logger, 2*time.Second)
	return svc, store
}

func waitForStatus(t *testing.T, svc *Service, id, want string) *domain.DeploymentRecord {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		record, err := svc.GetStatus(context.Background(), id)
		if err != nil {
			t.Fatalf("get status: %v", err)
		}
		if record.Status == want {
			return record
		}
		time.Sleep(5 * time.Millisecond)
	}
	record, _ := svc.GetStatus(context.Background(), id)
	t.Fatalf("deployment never reached %q, last seen %+v", want, record)
	return nil
}

func TestDeploySucceeds(t *testing.T) {
	platform := &fakePlatform{}
	svc, _ := newTestService(platform)

	record, err := svc.Deploy(context.Background(), Request{UserID: testUser, TemplateName: "modern"})
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	if record.Status != domain.StatusPending {
		t.Fatalf("expected pending ack, got %q", record.Status)
	}

	final := waitForStatus(t, svc, record.ID, domain.StatusSucceeded)
	if final.URL != "https://portfolio-final.vercel.app" {
		t.Fatalf("unexpected url %q", final.URL)
	}
	if final.CompletedAt == nil {
		t.Fatal("completedAt not set on terminal record")
	}
	if len(platform.created) != 1 {
		t.Fatalf("expected 1 platform create, got %d", len(platform.created))
	}
	req := platform.created[0]
	if req.Target != "production" || len(req.Files) != 5 {
		t.Fatalf("unexpected create request %+v", req)
	}
	paths := make(map[string]bool, len(req.Files))
	for _, f := range req.Files {
		paths[f.File] = true
	}
	if !paths["package.json"] || !paths["next.config.js"] {
		t.Fatalf("project scaffolding missing from payload, got %v", paths)
	}
	if req.Files[len(req.Files)-1].File != "data/content.json" {
		t.Fatal("assembled content file missing from payload")
	}
}

func TestDeployBundleOverridesScaffold(t *testing.T) {
	platform := &fakePlatform{}
	store := memory.NewStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	catalog := &fakeCatalog{
		known: map[string]bool{"modern": true},
		files: []domain.TemplateFile{
			{Path: "index.html", Data: "<html></html>"},
			{Path: "package.json", Data: `{"name":"custom"}`},
		},
	}
	svc := New(store, catalog, &fakeAssembler{}, platform, nil, logger, 2*time.Second)

	record, err := svc.Deploy(context.Background(), Request{UserID: testUser, TemplateName: "modern"})
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	waitForStatus(t, svc, record.ID, domain.StatusSucceeded)

	req := platform.created[0]
	var packages, configs int
	for _, f := range req.Files {
		switch f.File {
		case "package.json":
			packages++
			if f.Data != `{"name":"custom"}` {
				t.Fatalf("bundle package.json overwritten: %q", f.Data)
			}
		case "next.config.js":
			configs++
		}
	}
	if packages != 1 || configs != 1 {
		t.Fatalf("expected bundle package.json plus scaffolded next.config.js, got %d/%d", packages, configs)
	}
}

func TestDeployRejectsSecondInFlight(t *testing.T) {
	platform := &fakePlatform{release: make(chan struct{})}
	svc, _ := newTestService(platform)

	first, err := svc.Deploy(context.Background(), Request{UserID: testUser, TemplateName: "modern"})
	if err != nil {
		t.Fatalf("first deploy failed: %v", err)
	}
	waitForStatus(t, svc, first.ID, domain.StatusInProgress)

	if _, err := svc.Deploy(context.Background(), Request{UserID: testUser, TemplateName: "creative"}); !errors.Is(err, ErrDeploymentInProgress) {
		t.Fatalf("expected ErrDeploymentInProgress, got %v", err)
	}

	close(platform.release)
	waitForStatus(t, svc, first.ID, domain.StatusSucceeded)

	if _, err := svc.Deploy(context.Background(), Request{UserID: testUser, TemplateName: "creative"}); err != nil {
		t.Fatalf("deploy after terminal should be accepted: %v", err)
	}
}

func TestDeployValidation(t *testing.T) {
	svc, store := newTestService(&fakePlatform{})

	if _, err := svc.Deploy(context.Background(), Request{UserID: "not-a-uuid", TemplateName: "modern"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if _, err := svc.Deploy(context.Background(), Request{UserID: testUser, PortfolioID: "nope", TemplateName: "modern"}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for portfolio id, got %v", err)
	}
	if _, err := svc.Deploy(context.Background(), Request{UserID: testUser, TemplateName: "brutalist"}); !errors.Is(err, templates.ErrUnknownTemplate) {
		t.Fatalf("expected ErrUnknownTemplate, got %v", err)
	}

	records, _ := store.ListDeploymentsByUser(context.Background(), testUser)
	if len(records) != 0 {
		t.Fatalf("rejected requests must not create records, found %d", len(records))
	}
}

func TestDeployIncompleteContentCreatesNoRecord(t *testing.T) {
	store := memory.NewStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	catalog := &fakeCatalog{known: map[string]bool{"modern": true}}
	assembler := &fakeAssembler{assembleErr: &content.IncompleteContentError{Slot: "name"}}
	svc := New(store, catalog, assembler, &fakePlatform{}, nil, logger, time.Second)

	_, err := svc.Deploy(context.Background(), Request{UserID: testUser, TemplateName: "modern"})
	var incomplete *content.IncompleteContentError
	if !errors.As(err, &incomplete) || incomplete.Slot != "name" {
		t.Fatalf("expected incomplete content for slot name, got %v", err)
	}
	records, _ := store.ListDeploymentsByUser(context.Background(), testUser)
	if len(records) != 0 {
		t.Fatalf("incomplete content must fail before record creation, found %d", len(records))
	}
}

func TestDeployPlatformCreateFailure(t *testing.T) {
	platform := &fakePlatform{createErr: &vercel.APIError{Status: http.StatusServiceUnavailable, Message: "platform down"}}
	svc, _ := newTestService(platform)

	record, err := svc.Deploy(context.Background(), Request{UserID: testUser, TemplateName: "modern"})
	if err != nil {
		t.Fatalf("deploy failed synchronously: %v", err)
	}
	final := waitForStatus(t, svc, record.ID, domain.StatusFailed)
	if final.ErrorMessage == "" {
		t.Fatal("failed record must carry the platform error")
	}
}

func TestDeployReadyWithoutURLFails(t *testing.T) {
	platform := &fakePlatform{awaitNoURL: true}
	svc, _ := newTestService(platform)

	record, err := svc.Deploy(context.Background(), Request{UserID: testUser, TemplateName: "modern"})
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	final := waitForStatus(t, svc, record.ID, domain.StatusFailed)
	if final.URL != "" {
		t.Fatalf("failed record must not carry a url, got %q", final.URL)
	}
	if final.ErrorMessage == "" {
		t.Fatal("failed record must explain the missing url")
	}
}

func TestDeployPlatformBuildError(t *testing.T) {
	platform := &fakePlatform{awaitState: vercel.StateError}
	svc, _ := newTestService(platform)

	record, err := svc.Deploy(context.Background(), Request{UserID: testUser, TemplateName: "modern"})
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	final := waitForStatus(t, svc, record.ID, domain.StatusFailed)
	if final.URL != "" {
		t.Fatalf("failed deployment must not expose a url, got %q", final.URL)
	}
}

func TestCancelInProgress(t *testing.T) {
	platform := &fakePlatform{release: make(chan struct{})}
	svc, _ := newTestService(platform)

	record, err := svc.Deploy(context.Background(), Request{UserID: testUser, TemplateName: "modern"})
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	waitForStatus(t, svc, record.ID, domain.StatusInProgress)

	cancelled, err := svc.Cancel(context.Background(), record.ID)
	if err != nil || !cancelled {
		t.Fatalf("expected cancel to succeed, got %v %v", cancelled, err)
	}
	final := waitForStatus(t, svc, record.ID, domain.StatusCancelled)
	if final.CompletedAt == nil {
		t.Fatal("cancelled record must be terminal")
	}

	again, err := svc.Cancel(context.Background(), record.ID)
	if err != nil || again {
		t.Fatalf("second cancel must be a no-op, got %v %v", again, err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(platform.deletions()) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if len(platform.deletions()) == 0 {
		t.Fatal("cancel must tear down the platform deployment")
	}
}

func TestCancelUnknownDeployment(t *testing.T) {
	svc, _ := newTestService(&fakePlatform{})
	if _, err := svc.Cancel(context.Background(), "missing"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCancelLosesToWorkerFinish(t *testing.T) {
	platform := &fakePlatform{}
	svc, _ := newTestService(platform)

	record, err := svc.Deploy(context.Background(), Request{UserID: testUser, TemplateName: "modern"})
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	waitForStatus(t, svc, record.ID, domain.StatusSucceeded)

	cancelled, err := svc.Cancel(context.Background(), record.ID)
	if err != nil || cancelled {
		t.Fatalf("cancel of a succeeded deployment must report false, got %v %v", cancelled, err)
	}
	final, _ := svc.GetStatus(context.Background(), record.ID)
	if final.Status != domain.StatusSucceeded {
		t.Fatalf("terminal status must not change, got %q", final.Status)
	}
}

func TestDeleteActiveDeployment(t *testing.T) {
	platform := &fakePlatform{release: make(chan struct{})}
	svc, store := newTestService(platform)

	record, err := svc.Deploy(context.Background(), Request{UserID: testUser, TemplateName: "modern"})
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	waitForStatus(t, svc, record.ID, domain.StatusInProgress)

	if err := svc.Delete(context.Background(), record.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := store.GetDeployment(context.Background(), record.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("record must be gone, got %v", err)
	}
	if err := svc.Delete(context.Background(), record.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("second delete must report ErrNotFound, got %v", err)
	}
}

func TestUpdateDomain(t *testing.T) {
	platform := &fakePlatform{}
	svc, _ := newTestService(platform)

	record, err := svc.Deploy(context.Background(), Request{UserID: testUser, TemplateName: "modern"})
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	waitForStatus(t, svc, record.ID, domain.StatusSucceeded)

	updated, err := svc.UpdateDomain(context.Background(), record.ID, "Jordan.Example.COM")
	if err != nil {
		t.Fatalf("update domain failed: %v", err)
	}
	if updated.CustomDomain != "jordan.example.com" {
		t.Fatalf("domain must be normalized, got %q", updated.CustomDomain)
	}
}

func TestUpdateDomainInvalidState(t *testing.T) {
	platform := &fakePlatform{release: make(chan struct{})}
	svc, _ := newTestService(platform)
	defer close(platform.release)

	record, err := svc.Deploy(context.Background(), Request{UserID: testUser, TemplateName: "modern"})
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	waitForStatus(t, svc, record.ID, domain.StatusInProgress)

	if _, err := svc.UpdateDomain(context.Background(), record.ID, "jordan.example.com"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState, got %v", err)
	}
}

func TestUpdateDomainRejectedByPlatform(t *testing.T) {
	platform := &fakePlatform{}
	svc, _ := newTestService(platform)

	record, err := svc.Deploy(context.Background(), Request{UserID: testUser, TemplateName: "modern"})
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	waitForStatus(t, svc, record.ID, domain.StatusSucceeded)

	platform.setDomainErr = &vercel.APIError{Status: http.StatusConflict, Message: "domain is already in use"}
	if _, err := svc.UpdateDomain(context.Background(), record.ID, "taken.example.com"); !errors.Is(err, ErrDomainRejected) {
		t.Fatalf("expected ErrDomainRejected, got %v", err)
	}

	if _, err := svc.UpdateDomain(context.Background(), record.ID, "not a domain"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestUpdateDomainReservedSuffix(t *testing.T) {
	platform := &fakePlatform{}
	store := memory.NewStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	catalog := &fakeCatalog{known: map[string]bool{"modern": true}}
	svc := New(store, catalog, &fakeAssembler{}, platform, nil, logger, 2*time.Second, WithReservedDomainSuffix(".vercel.app"))

	record, err := svc.Deploy(context.Background(), Request{UserID: testUser, TemplateName: "modern"})
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	waitForStatus(t, svc, record.ID, domain.StatusSucceeded)

	if _, err := svc.UpdateDomain(context.Background(), record.ID, "mine.vercel.app"); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for reserved suffix, got %v", err)
	}
	if _, err := svc.UpdateDomain(context.Background(), record.ID, "jordan.example.com"); err != nil {
		t.Fatalf("regular domain must still attach: %v", err)
	}
}

func TestShutdownStopsWorkers(t *testing.T) {
	platform := &fakePlatform{release: make(chan struct{})}
	svc, _ := newTestService(platform)

	record, err := svc.Deploy(context.Background(), Request{UserID: testUser, TemplateName: "modern"})
	if err != nil {
		t.Fatalf("deploy failed: %v", err)
	}
	waitForStatus(t, svc, record.ID, domain.StatusInProgress)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := svc.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown did not drain workers: %v", err)
	}
}
