package portfolio

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goalkeeper/deployd/internal/domain"
	"github.com/goalkeeper/deployd/internal/repository"
)

// Client provides read-only access to the external portfolio CRUD service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the portfolio service base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		return nil, fmt.Errorf("portfolio service base url required")
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid portfolio service url: %w", err)
	}
	c := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// GetPortfolio fetches one portfolio with its nested collections.
func (c *Client) GetPortfolio(ctx context.Context, portfolioID string) (*domain.Portfolio, error) {
	var portfolio domain.Portfolio
	if err := c.get(ctx, "/api/portfolios/"+url.PathEscape(portfolioID), &portfolio); err != nil {
		return nil, err
	}
	return &portfolio, nil
}

// ListPortfoliosByUser fetches a user's portfolios.
func (c *Client) ListPortfoliosByUser(ctx context.Context, userID string) ([]domain.Portfolio, error) {
	var portfolios []domain.Portfolio
	if err := c.get(ctx, "/api/portfolios/user/"+url.PathEscape(userID), &portfolios); err != nil {
		return nil, err
	}
	return portfolios, nil
}

func (c *Client) get(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build portfolio request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("portfolio service request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return repository.ErrNotFound
	case resp.StatusCode >= 400:
		return fmt.Errorf("portfolio service returned %s for %s", resp.Status, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode portfolio response: %w", err)
	}
	return nil
}
