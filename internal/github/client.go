package github

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v60/github"
	"golang.org/x/oauth2"

	"issuebot/internal/config"
)

const maxPerPage = 100

// Issue is a repository issue as returned by the list endpoint. Raw keeps the
// full API object so it can be embedded in a task payload unchanged.
type Issue struct {
	ID     int64
	Number int
	Raw    map[string]any
}

// Client posts comments and lists issues through the GitHub REST API.
type Client struct {
	gh     *github.Client
	logger *slog.Logger
}

// NewClient builds a client authenticated with cfg.GitHubToken. Without a
// token requests go out anonymously and are heavily rate limited.
func NewClient(ctx context.Context, cfg config.Config) (*Client, error) {
	logger := slog.Default().With("component", "github")

	var httpClient *http.Client
	if cfg.GitHubToken != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.GitHubToken})
		httpClient = oauth2.NewClient(ctx, ts)
	} else {
		logger.Warn("GitHub token is not set; API calls may be rate limited")
		httpClient = &http.Client{}
	}
	httpClient.Timeout = cfg.GitHubTimeout

	gh := github.NewClient(httpClient)
	if cfg.GitHubAPIURL != "" {
		base := cfg.GitHubAPIURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("parse GITHUB_API_URL: %w", err)
		}
		gh.BaseURL = u
	}
	return &Client{gh: gh, logger: logger}, nil
}

// PostComment adds body as a comment on repo#number.
func (c *Client) PostComment(ctx context.Context, repo string, number int, body string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	c.logger.Info("posting comment", "repo", repo, "issue", number)
	if _, _, err := c.gh.Issues.CreateComment(ctx, owner, name, number, &github.IssueComment{
		Body: github.String(body),
	}); err != nil {
		return fmt.Errorf("post comment to %s#%d: %w", repo, number, err)
	}
	c.logger.Info("comment posted", "repo", repo, "issue", number)
	return nil
}

// ListIssuesSince returns open issues of repo whose id is greater than
// sinceID, newest first, at most limit of them. Pull requests are skipped.
// Paging stops at a short page, at limit, or at the first issue that is not
// newer than sinceID.
func (c *Client) ListIssuesSince(ctx context.Context, repo string, sinceID int64, limit int) ([]Issue, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	perPage := min(maxPerPage, limit)
	opts := &github.IssueListByRepoOptions{
		State:       "open",
		Sort:        "created",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: perPage, Page: 1},
	}

	c.logger.Info("fetching issues", "repo", repo, "since_id", sinceID)
	var out []Issue
	for len(out) < limit {
		page, _, err := c.gh.Issues.ListByRepo(ctx, owner, name, opts)
		if err != nil {
			return nil, fmt.Errorf("list issues of %s: %w", repo, err)
		}

		reachedSeen := false
		for _, is := range page {
			if is.GetID() <= sinceID {
				reachedSeen = true
				break
			}
			if is.IsPullRequest() {
				continue
			}
			raw, err := toMap(is)
			if err != nil {
				return nil, err
			}
			out = append(out, Issue{ID: is.GetID(), Number: is.GetNumber(), Raw: raw})
			if len(out) >= limit {
				break
			}
		}
		if reachedSeen || len(page) < perPage {
			break
		}
		opts.Page++
	}

	c.logger.Info("fetched issues", "repo", repo, "count", len(out))
	return out, nil
}

func splitRepo(repo string) (string, string, error) {
	owner, name, ok := strings.Cut(repo, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return "", "", fmt.Errorf("invalid repository %q: want owner/name", repo)
	}
	return owner, name, nil
}

func toMap(is *github.Issue) (map[string]any, error) {
	data, err := json.Marshal(is)
	if err != nil {
		return nil, fmt.Errorf("encode issue %d: %w", is.GetNumber(), err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode issue %d: %w", is.GetNumber(), err)
	}
	return m, nil
}
