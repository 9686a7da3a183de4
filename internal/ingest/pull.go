package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"sync"
	"time"

	"issuebot/internal/config"
	"issuebot/internal/dedup"
	"issuebot/internal/github"
	"issuebot/internal/models"
	"issuebot/internal/telemetry"
)

// Ingestion sources recorded in pulled payloads.
const (
	SourcePull       = "pull"
	SourceManualPull = "manual_pull"
)

// ErrNoRepositories is returned when pulling is requested without any
// configured repository.
var ErrNoRepositories = errors.New("no repositories configured: set PULLING_REPO_LIST")

// IssueLister fetches open issues newer than a cursor.
type IssueLister interface {
	ListIssuesSince(ctx context.Context, repo string, sinceID int64, limit int) ([]github.Issue, error)
}

// Snapshotter materializes the set of already known issues.
type Snapshotter interface {
	Snapshot(ctx context.Context) (*dedup.Set, error)
}

// CycleResult summarizes one pass over the configured repositories.
type CycleResult struct {
	Repos   int
	Pulled  int
	Skipped int
	Failed  []string
}

// ManualResult is returned to the operator after a manual pull.
type ManualResult struct {
	Status          string   `json:"status"`
	ReposProcessed  int      `json:"repos_processed"`
	Repos           []string `json:"repos"`
	IssuesPulled    int      `json:"issues_pulled"`
	IssuesSkipped   int      `json:"issues_skipped"`
	FailedRepos     []string `json:"failed_repos,omitempty"`
	DurationSeconds float64  `json:"duration_seconds"`
}

// PullStatus reports the poller configuration and cursors.
type PullStatus struct {
	PullingEnabled      bool             `json:"pulling_enabled"`
	Running             bool             `json:"running"`
	PullingRepos        []string         `json:"pulling_repos"`
	IntervalSeconds     float64          `json:"interval_seconds"`
	LastProcessedIssues map[string]int64 `json:"last_processed_issues"`
}

// Puller polls repositories for new issues and enqueues them.
type Puller struct {
	lister      IssueLister
	store       Enqueuer
	index       Snapshotter
	repos       []string
	interval    time.Duration
	backoff     time.Duration
	limit       int
	manualLimit int
	now         func() time.Time
	logger      *slog.Logger

	mu      sync.Mutex
	cursors map[string]int64
	running bool
	wg      sync.WaitGroup
}

func NewPuller(cfg config.Config, lister IssueLister, store Enqueuer, index Snapshotter) *Puller {
	return &Puller{
		lister:      lister,
		store:       store,
		index:       index,
		repos:       cfg.PullingRepos,
		interval:    cfg.PullingInterval,
		backoff:     cfg.PullErrorBackoff,
		limit:       cfg.PullLimit,
		manualLimit: cfg.ManualPullLimit,
		now:         time.Now,
		logger:      slog.Default().With("component", "puller"),
		cursors:     make(map[string]int64),
	}
}

// RunCycle pulls every repository once, advancing cursors. A repository that
// cannot be fetched is logged and skipped. An enqueue failure aborts the
// cycle and leaves that repository's cursor where it was.
func (p *Puller) RunCycle(ctx context.Context) (CycleResult, error) {
	res := CycleResult{Repos: len(p.repos)}
	known, err := p.index.Snapshot(ctx)
	if err != nil {
		return res, fmt.Errorf("dedup snapshot: %w", err)
	}

	for _, repo := range p.repos {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		issues, err := p.lister.ListIssuesSince(ctx, repo, p.cursor(repo), p.limit)
		if err != nil {
			telemetry.PullErrors.Inc()
			p.logger.Error("failed to fetch issues", "repo", repo, "err", err)
			res.Failed = append(res.Failed, repo)
			continue
		}
		if len(issues) == 0 {
			p.logger.Info("no new issues", "repo", repo)
			continue
		}

		pulled, skipped, err := p.enqueueIssues(ctx, repo, issues, known, SourcePull)
		res.Pulled += pulled
		res.Skipped += skipped
		if err != nil {
			return res, err
		}
		newest := maxIssueID(issues)
		p.setCursor(repo, newest)
		p.logger.Info("pulled issues", "repo", repo, "queued", pulled, "skipped", skipped, "last_id", newest)
	}
	return res, nil
}

// Run pulls on the configured interval until ctx is done. A failed cycle is
// retried after the error backoff instead.
func (p *Puller) Run(ctx context.Context) error {
	if len(p.repos) == 0 {
		return ErrNoRepositories
	}
	p.logger.Info("issue pulling started", "repos", p.repos, "interval", p.interval)
	for {
		start := p.now()
		res, err := p.RunCycle(ctx)
		wait := p.interval
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("pull cycle failed", "err", err, "retry_in", p.backoff)
			wait = p.backoff
		} else {
			p.logger.Info("pull cycle finished", "pulled", res.Pulled, "skipped", res.Skipped, "duration", time.Since(start))
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Start runs the pull loop in the background. It returns false when the loop
// is already running.
func (p *Puller) Start(ctx context.Context) (bool, error) {
	if len(p.repos) == 0 {
		return false, ErrNoRepositories
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return false, nil
	}
	p.running = true
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		err := p.Run(ctx)
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
		if err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error("pull loop stopped", "err", err)
		}
	}()
	return true, nil
}

// Wait blocks until a loop started with Start has returned.
func (p *Puller) Wait() {
	p.wg.Wait()
}

// ManualPull makes one synchronous pass over all repositories with the manual
// limit. Cursors are neither used nor advanced. A repository that cannot be
// fetched is logged, listed in FailedRepos and skipped.
func (p *Puller) ManualPull(ctx context.Context) (ManualResult, error) {
	if len(p.repos) == 0 {
		return ManualResult{}, ErrNoRepositories
	}
	start := p.now()
	res := ManualResult{Status: "success", ReposProcessed: len(p.repos), Repos: p.repos}

	known, err := p.index.Snapshot(ctx)
	if err != nil {
		return res, fmt.Errorf("dedup snapshot: %w", err)
	}
	for _, repo := range p.repos {
		p.logger.Info("manually pulling issues", "repo", repo)
		issues, err := p.lister.ListIssuesSince(ctx, repo, 0, p.manualLimit)
		if err != nil {
			telemetry.PullErrors.Inc()
			p.logger.Error("failed to fetch issues", "repo", repo, "err", err)
			res.FailedRepos = append(res.FailedRepos, repo)
			continue
		}
		pulled, skipped, err := p.enqueueIssues(ctx, repo, issues, known, SourceManualPull)
		res.IssuesPulled += pulled
		res.IssuesSkipped += skipped
		if err != nil {
			return res, err
		}
		p.logger.Info("manual pull finished", "repo", repo, "queued", pulled, "skipped", skipped)
	}
	res.DurationSeconds = math.Round(time.Since(start).Seconds()*100) / 100
	return res, nil
}

// Status returns the configured repositories and the current cursors.
func (p *Puller) Status() PullStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PullStatus{
		PullingEnabled:      len(p.repos) > 0,
		Running:             p.running,
		PullingRepos:        append([]string{}, p.repos...),
		IntervalSeconds:     p.interval.Seconds(),
		LastProcessedIssues: maps.Clone(p.cursors),
	}
}

// enqueueIssues writes the issues not yet in known, oldest first, adding each
// new key to known.
func (p *Puller) enqueueIssues(ctx context.Context, repo string, issues []github.Issue, known *dedup.Set, source string) (int, int, error) {
	var pulled, skipped int
	for i := len(issues) - 1; i >= 0; i-- {
		is := issues[i]
		key := models.DedupKey{Repository: repo, IssueNumber: is.Number}
		if known.Contains(key) {
			skipped++
			telemetry.PullSkipped.Inc()
			p.logger.Debug("issue already processed", "repo", repo, "issue", is.Number)
			continue
		}
		taskID, err := p.store.Enqueue(ctx, p.payload(repo, is, source))
		if err != nil {
			return pulled, skipped, fmt.Errorf("enqueue %s: %w", key, err)
		}
		known.Add(key)
		pulled++
		telemetry.TasksEnqueued.WithLabelValues(source).Inc()
		p.logger.Info("issue queued", "repo", repo, "issue", is.Number, "task_id", taskID)
	}
	return pulled, skipped, nil
}

func (p *Puller) payload(repo string, is github.Issue, source string) models.Payload {
	return models.Payload{
		"action":     "opened",
		"issue":      is.Raw,
		"repository": map[string]any{"full_name": repo},
		"pulled_at":  p.now().UTC().Format(time.RFC3339Nano),
		"source":     source,
	}
}

func (p *Puller) cursor(repo string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cursors[repo]
}

func (p *Puller) setCursor(repo string, id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id > p.cursors[repo] {
		p.cursors[repo] = id
	}
}

func maxIssueID(issues []github.Issue) int64 {
	var newest int64
	for _, is := range issues {
		newest = max(newest, is.ID)
	}
	return newest
}
