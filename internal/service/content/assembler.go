package content

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/goalkeeper/deployd/internal/domain"
)

// Source is the read-only view of the portfolio CRUD service this assembler
// consumes. Implementations live outside this core.
type Source interface {
	GetPortfolio(ctx context.Context, portfolioID string) (*domain.Portfolio, error)
	ListPortfoliosByUser(ctx context.Context, userID string) ([]domain.Portfolio, error)
}

// IncompleteContentError names a required slot the portfolio could not fill.
type IncompleteContentError struct {
	Slot string
}

func (e *IncompleteContentError) Error() string {
	return fmt.Sprintf("content: no data for required slot %q", e.Slot)
}

// Assembler maps portfolio data into a template's content slots.
type Assembler struct {
	source Source
	logger *slog.Logger
}

// NewAssembler returns an Assembler backed by the given source.
func NewAssembler(source Source, logger *slog.Logger) *Assembler {
	return &Assembler{source: source, logger: logger}
}

// Resolve locates the portfolio to deploy. An explicit portfolioID wins;
// otherwise the user's first published portfolio is used.
func (a *Assembler) Resolve(ctx context.Context, userID, portfolioID string) (*domain.Portfolio, error) {
	if portfolioID != "" {
		return a.source.GetPortfolio(ctx, portfolioID)
	}
	portfolios, err := a.source.ListPortfoliosByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, p := range portfolios {
		if p.Published {
			portfolio := p
			return &portfolio, nil
		}
	}
	return nil, &IncompleteContentError{Slot: "portfolio"}
}

// Assemble fills the manifest's slots from the portfolio. A required slot
// with no matching data fails with IncompleteContentError before any remote
// deployment attempt; optional slots fall back to placeholder content so
// templates can render every section unconditionally.
func (a *Assembler) Assemble(ctx context.Context, portfolio *domain.Portfolio, manifest *domain.TemplateManifest) (domain.ContentPayload, error) {
	payload := make(domain.ContentPayload, len(manifest.Slots))
	for _, slot := range manifest.Slots {
		value, ok := slotValue(portfolio, slot)
		if !ok {
			if slot.Required {
				return nil, &IncompleteContentError{Slot: slot.Name}
			}
			a.logger.Debug("optional slot filled with placeholder", "slot", slot.Name, "portfolio_id", portfolio.ID)
			payload[slot.Name] = placeholderValue(portfolio, slot)
			continue
		}
		payload[slot.Name] = value
	}
	return payload, nil
}

// placeholderValue supplies neutral content for an optional slot the
// portfolio has no data for. Collection slots become empty lists.
func placeholderValue(p *domain.Portfolio, slot domain.ContentSlot) any {
	if slot.Type == domain.SlotList {
		return []any{}
	}
	switch slot.Name {
	case "bio":
		return "Welcome to my portfolio"
	case "location":
		return "Remote"
	case "avatar":
		return "https://api.dicebear.com/7.x/avataaars/svg?seed=" + p.UserID
	default:
		return ""
	}
}

// slotValue resolves one named slot against the portfolio. The second return
// is false when the portfolio holds no usable data for the slot.
func slotValue(p *domain.Portfolio, slot domain.ContentSlot) (any, bool) {
	switch slot.Name {
	case "name", "title":
		return nonEmpty(p.Title)
	case "bio":
		return nonEmpty(p.Bio)
	case "location":
		return nonEmpty(p.Location)
	case "avatar":
		return nonEmpty(p.AvatarURL)
	case "projects":
		return projectEntries(p.Projects)
	case "experience":
		return experienceEntries(p.Experience)
	case "skills":
		return skillEntries(p.Skills)
	case "blog_posts", "blogPosts":
		return blogEntries(p.BlogPosts)
	default:
		return nil, false
	}
}

func nonEmpty(s string) (any, bool) {
	if s == "" {
		return nil, false
	}
	return s, true
}

func projectEntries(projects []domain.Project) (any, bool) {
	if len(projects) == 0 {
		return nil, false
	}
	entries := make([]map[string]any, 0, len(projects))
	for _, p := range projects {
		entries = append(entries, map[string]any{
			"title":        p.Title,
			"description":  p.Description,
			"technologies": p.Technologies,
			"link":         p.DemoURL,
		})
	}
	return entries, true
}

func experienceEntries(experience []domain.Experience) (any, bool) {
	if len(experience) == 0 {
		return nil, false
	}
	entries := make([]map[string]any, 0, len(experience))
	for _, e := range experience {
		entries = append(entries, map[string]any{
			"position":    e.JobTitle,
			"company":     e.CompanyName,
			"description": e.Description,
			"startDate":   e.StartDate,
			"endDate":     e.EndDate,
		})
	}
	return entries, true
}

func skillEntries(skills []domain.Skill) (any, bool) {
	if len(skills) == 0 {
		return nil, false
	}
	entries := make([]map[string]any, 0, len(skills))
	for _, s := range skills {
		level := s.ProficiencyLevel
		if level == "" {
			level = "Beginner"
		}
		entries = append(entries, map[string]any{
			"name":  s.Name,
			"level": level,
		})
	}
	return entries, true
}

func blogEntries(posts []domain.BlogPost) (any, bool) {
	if len(posts) == 0 {
		return nil, false
	}
	entries := make([]map[string]any, 0, len(posts))
	for _, b := range posts {
		entries = append(entries, map[string]any{
			"title":       b.Title,
			"summary":     b.Excerpt,
			"publishedAt": b.PublishedAt,
		})
	}
	return entries, true
}
