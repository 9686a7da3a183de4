package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"issuebot/internal/config"
)

// ErrEmptyResponse is returned when the service answers with null or an
// empty object.
var ErrEmptyResponse = errors.New("empty llm response")

// maxLoggedQuery bounds how much of a query is written to the log.
const maxLoggedQuery = 2000

// Result is the decoded answer from the search service.
type Result struct {
	Raw map[string]any
}

// Summary returns the answer text and whether the service supplied one.
func (r *Result) Summary() (string, bool) {
	if r == nil {
		return "", false
	}
	s, ok := r.Raw["summary"].(string)
	return s, ok
}

// Client calls the LLM search service.
type Client struct {
	url        string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient returns a client posting to cfg.SearchAPIURL.
func NewClient(cfg config.Config) *Client {
	return &Client{
		url:        cfg.SearchAPIURL,
		httpClient: &http.Client{Timeout: cfg.LLMTimeout},
		logger:     slog.Default().With("component", "llm"),
	}
}

// Answer posts {"query": query} and decodes the JSON reply.
func (c *Client) Answer(ctx context.Context, query string) (*Result, error) {
	logged := query
	if len(logged) > maxLoggedQuery {
		logged = logged[:maxLoggedQuery]
	}
	c.logger.Info("calling llm api", "query", logged)

	body, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build llm request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call llm api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("llm api returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode llm response: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrEmptyResponse
	}
	c.logger.Info("llm api answered", "duration", time.Since(start))
	return &Result{Raw: raw}, nil
}

// CraftIssueQuery builds the query sent for an issue.
func CraftIssueQuery(title, body string) string {
	return fmt.Sprintf("This is the title and content of an incoming question.\n\nTitle: \n%s\n\nContent:\n%s\n\n", title, body)
}
