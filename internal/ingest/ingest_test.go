package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"issuebot/internal/config"
	"issuebot/internal/dedup"
	"issuebot/internal/github"
	"issuebot/internal/models"
	"issuebot/internal/queue"
)

func testConfig(root string) config.Config {
	return config.Config{
		PendingDir:       filepath.Join(root, "waiting-list"),
		CompletedDir:     filepath.Join(root, "completed"),
		FailedDir:        filepath.Join(root, "failed"),
		PullingRepos:     []string{"org/repo"},
		PullingInterval:  time.Hour,
		PullErrorBackoff: time.Hour,
		PullLimit:        100,
		ManualPullLimit:  50,
	}
}

func newTestQueue(t *testing.T, cfg config.Config) *queue.FileQueue {
	t.Helper()
	q, err := queue.NewFileQueue(cfg)
	require.NoError(t, err)
	return q
}

func openedPayload(repo string, number int) models.Payload {
	return models.Payload{
		"action": "opened",
		"issue": map[string]any{
			"number": float64(number),
			"title":  "Crash",
			"body":   "It crashes",
			"user":   map[string]any{"login": "alice"},
		},
		"repository": map[string]any{"full_name": repo},
	}
}

// fakeLister serves a fixed newest-first issue list per repository and
// applies the since filter like the GitHub client does.
type fakeLister struct {
	mu     sync.Mutex
	issues map[string][]github.Issue
	errs   map[string]error
	calls  []listCall
}

type listCall struct {
	repo  string
	since int64
	limit int
}

func (f *fakeLister) ListIssuesSince(_ context.Context, repo string, sinceID int64, limit int) ([]github.Issue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, listCall{repo, sinceID, limit})
	if err := f.errs[repo]; err != nil {
		return nil, err
	}
	var out []github.Issue
	for _, is := range f.issues[repo] {
		if is.ID <= sinceID || len(out) >= limit {
			break
		}
		out = append(out, is)
	}
	return out, nil
}

func issue(id int64, number int) github.Issue {
	return github.Issue{ID: id, Number: number, Raw: map[string]any{
		"id":     float64(id),
		"number": float64(number),
		"title":  "pulled",
		"body":   "body",
		"user":   map[string]any{"login": "bob"},
	}}
}

type failingEnqueuer struct{}

func (failingEnqueuer) Enqueue(context.Context, models.Payload) (string, error) {
	return "", errors.New("disk full")
}

func TestReceiveQueuesOpenedEvent(t *testing.T) {
	cfg := testConfig(t.TempDir())
	q := newTestQueue(t, cfg)
	r := NewReceiver(q)

	resp, err := r.Receive(context.Background(), openedPayload("org/repo", 7))
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, resp.Status)
	assert.NotEmpty(t, resp.TaskID)

	detail, err := q.Get(context.Background(), resp.TaskID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, detail.Status)
}

func TestReceiveIgnoresOtherActions(t *testing.T) {
	cfg := testConfig(t.TempDir())
	q := newTestQueue(t, cfg)
	r := NewReceiver(q)

	p := openedPayload("org/repo", 7)
	p["action"] = "closed"
	resp, err := r.Receive(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, Response{Status: StatusIgnored, Reason: "Action closed is not handled"}, resp)
	assert.Equal(t, 0, q.Status(context.Background()).PendingTasks)
}

func TestReceiveIgnoresMalformedOpenedEvent(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(models.Payload)
		field  string
	}{
		{"missing number", func(p models.Payload) { delete(p.Issue(), "number") }, "issue.number"},
		{"missing title", func(p models.Payload) { delete(p.Issue(), "title") }, "issue.title"},
		{"missing repository", func(p models.Payload) { delete(p, "repository") }, "repository.full_name"},
		{"bad repository", func(p models.Payload) { p["repository"] = map[string]any{"full_name": "noslash"} }, "repository.full_name"},
		{"string number", func(p models.Payload) { p.Issue()["number"] = "7" }, "invalid issue payload"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t.TempDir())
			q := newTestQueue(t, cfg)
			p := openedPayload("org/repo", 7)
			tt.mutate(p)

			resp, err := NewReceiver(q).Receive(context.Background(), p)
			require.NoError(t, err)
			assert.Equal(t, StatusIgnored, resp.Status)
			assert.Contains(t, resp.Reason, tt.field)
			assert.Equal(t, 0, q.Status(context.Background()).PendingTasks)
		})
	}
}

func TestReceivePropagatesStoreError(t *testing.T) {
	_, err := NewReceiver(failingEnqueuer{}).Receive(context.Background(), openedPayload("org/repo", 7))
	assert.Error(t, err)
}

func TestReceiveDoesNotDeduplicate(t *testing.T) {
	cfg := testConfig(t.TempDir())
	q := newTestQueue(t, cfg)
	r := NewReceiver(q)

	a, err := r.Receive(context.Background(), openedPayload("org/repo", 7))
	require.NoError(t, err)
	b, err := r.Receive(context.Background(), openedPayload("org/repo", 7))
	require.NoError(t, err)
	assert.NotEqual(t, a.TaskID, b.TaskID)
	assert.Equal(t, 2, q.Status(context.Background()).PendingTasks)
}

func TestRunCycleEnqueuesOldestFirstAndAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())
	q := newTestQueue(t, cfg)
	lister := &fakeLister{issues: map[string][]github.Issue{
		"org/repo": {issue(30, 3), issue(20, 2), issue(10, 1)},
	}}
	p := NewPuller(cfg, lister, q, dedup.New(q))

	res, err := p.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Pulled)
	assert.Equal(t, 0, res.Skipped)
	assert.Equal(t, int64(30), p.Status().LastProcessedIssues["org/repo"])

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	for i, want := range []int{1, 2, 3} {
		n, _ := pending[i].Payload.IssueNumber()
		assert.Equal(t, want, n)
		assert.Equal(t, SourcePull, pending[i].Payload["source"])
		assert.Equal(t, "org/repo", pending[i].Payload.Repository())
		assert.Equal(t, "bob", pending[i].Payload.Requester())
		assert.NotEmpty(t, pending[i].Payload["pulled_at"])
	}

	res, err = p.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Pulled)
	assert.Equal(t, listCall{"org/repo", 30, 100}, lister.calls[len(lister.calls)-1])
}

func TestRunCycleSkipsAlreadyProcessedIssue(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())
	q := newTestQueue(t, cfg)

	// org/repo#42 is already answered.
	id, err := q.Enqueue(ctx, openedPayload("org/repo", 42))
	require.NoError(t, err)
	require.True(t, q.Complete(ctx, id, models.CompletedTask{
		TaskID: id, Repository: "org/repo", IssueNumber: 42, Status: models.CompletedStatusSuccess,
	}))

	lister := &fakeLister{issues: map[string][]github.Issue{
		"org/repo": {issue(500, 43), issue(420, 42)},
	}}
	p := NewPuller(cfg, lister, q, dedup.New(q))

	res, err := p.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pulled)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, int64(500), p.Status().LastProcessedIssues["org/repo"], "cursor advances past skipped issues")

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	n, _ := pending[0].Payload.IssueNumber()
	assert.Equal(t, 43, n)
}

func TestRunCycleSkipsPushedIssue(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())
	q := newTestQueue(t, cfg)
	_, err := NewReceiver(q).Receive(ctx, openedPayload("org/repo", 5))
	require.NoError(t, err)

	lister := &fakeLister{issues: map[string][]github.Issue{"org/repo": {issue(50, 5)}}}
	res, err := NewPuller(cfg, lister, q, dedup.New(q)).RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Pulled)
	assert.Equal(t, 1, res.Skipped)
}

func TestRunCycleContinuesPastFailingRepository(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.PullingRepos = []string{"org/broken", "org/repo"}
	q := newTestQueue(t, cfg)
	lister := &fakeLister{
		issues: map[string][]github.Issue{"org/repo": {issue(1, 1)}},
		errs:   map[string]error{"org/broken": errors.New("502")},
	}
	p := NewPuller(cfg, lister, q, dedup.New(q))

	res, err := p.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pulled)
	assert.Equal(t, []string{"org/broken"}, res.Failed)
	_, ok := p.Status().LastProcessedIssues["org/broken"]
	assert.False(t, ok)
}

func TestRunCycleEnqueueFailureKeepsCursor(t *testing.T) {
	cfg := testConfig(t.TempDir())
	lister := &fakeLister{issues: map[string][]github.Issue{"org/repo": {issue(9, 9)}}}
	p := NewPuller(cfg, lister, failingEnqueuer{}, snapshotFunc(func(context.Context) (*dedup.Set, error) {
		return dedup.NewSet(), nil
	}))

	_, err := p.RunCycle(context.Background())
	assert.Error(t, err)
	assert.Zero(t, p.Status().LastProcessedIssues["org/repo"])
}

type snapshotFunc func(context.Context) (*dedup.Set, error)

func (f snapshotFunc) Snapshot(ctx context.Context) (*dedup.Set, error) { return f(ctx) }

func TestManualPullIgnoresCursor(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())
	q := newTestQueue(t, cfg)
	lister := &fakeLister{issues: map[string][]github.Issue{"org/repo": {issue(20, 2), issue(10, 1)}}}
	p := NewPuller(cfg, lister, q, dedup.New(q))
	p.setCursor("org/repo", 15)

	res, err := p.ManualPull(ctx)
	require.NoError(t, err)
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, 1, res.ReposProcessed)
	assert.Equal(t, []string{"org/repo"}, res.Repos)
	assert.Equal(t, 2, res.IssuesPulled)
	assert.Equal(t, listCall{"org/repo", 0, 50}, lister.calls[0])
	assert.Equal(t, int64(15), p.Status().LastProcessedIssues["org/repo"])

	pending, err := q.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, SourceManualPull, pending[0].Payload["source"])

	res, err = p.ManualPull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.IssuesPulled)
	assert.Equal(t, 2, res.IssuesSkipped)
}

func TestNoRepositories(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.PullingRepos = nil
	q := newTestQueue(t, cfg)
	p := NewPuller(cfg, &fakeLister{}, q, dedup.New(q))

	_, err := p.ManualPull(context.Background())
	assert.ErrorIs(t, err, ErrNoRepositories)
	started, err := p.Start(context.Background())
	assert.False(t, started)
	assert.ErrorIs(t, err, ErrNoRepositories)
	assert.False(t, p.Status().PullingEnabled)
}

func TestStartIsIdempotent(t *testing.T) {
	cfg := testConfig(t.TempDir())
	q := newTestQueue(t, cfg)
	lister := &fakeLister{issues: map[string][]github.Issue{"org/repo": {issue(1, 1)}}}
	p := NewPuller(cfg, lister, q, dedup.New(q))

	ctx, cancel := context.WithCancel(context.Background())
	started, err := p.Start(ctx)
	require.NoError(t, err)
	assert.True(t, started)
	started, err = p.Start(ctx)
	require.NoError(t, err)
	assert.False(t, started)

	require.Eventually(t, func() bool {
		return q.Status(context.Background()).PendingTasks == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	p.Wait()
	assert.False(t, p.Status().Running)
}

func TestManualPullContinuesPastFailingRepository(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t.TempDir())
	cfg.PullingRepos = []string{"org/down", "org/repo"}
	q := newTestQueue(t, cfg)
	lister := &fakeLister{
		issues: map[string][]github.Issue{"org/repo": {issue(20, 2), issue(10, 1)}},
		errs:   map[string]error{"org/down": errors.New("502 bad gateway")},
	}
	p := NewPuller(cfg, lister, q, dedup.New(q))

	res, err := p.ManualPull(ctx)
	require.NoError(t, err)
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, 2, res.ReposProcessed)
	assert.Equal(t, 2, res.IssuesPulled)
	assert.Equal(t, []string{"org/down"}, res.FailedRepos)
	assert.Equal(t, []listCall{{"org/down", 0, 50}, {"org/repo", 0, 50}}, lister.calls)
	assert.Equal(t, 2, q.Status(ctx).PendingTasks)
}
