package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"issuebot/internal/config"
	"issuebot/internal/llm"
	"issuebot/internal/models"
	"issuebot/internal/telemetry"
)

// Failure reasons recorded in the failed store.
const (
	ReasonLLM     = "Failed to get response from LLM API"
	ReasonGitHub  = "Failed to post comment to GitHub"
	ReasonPayload = "Task payload has no repository or issue number"

	// Apology is posted when the search service answers without a summary.
	Apology = "Sorry, I couldn't process your issue at this time."
)

// Store is the part of the queue store the processor drives.
type Store interface {
	Dequeue(ctx context.Context) (*models.Task, error)
	Complete(ctx context.Context, taskID string, record models.CompletedTask) bool
	Fail(ctx context.Context, taskID, reason string, original models.Payload) bool
	Status(ctx context.Context) models.StoreStatus
}

// Answerer produces an answer for a query.
type Answerer interface {
	Answer(ctx context.Context, query string) (*llm.Result, error)
}

// Commenter posts a comment on an issue.
type Commenter interface {
	PostComment(ctx context.Context, repo string, number int, body string) error
}

// Processor drives the worker execution loop. It is the only consumer of
// the pending store.
type Processor struct {
	store         Store
	answerer      Answerer
	commenter     Commenter
	interval      time.Duration
	llmTimeout    time.Duration
	githubTimeout time.Duration
	wake          <-chan struct{}
	now           func() time.Time
	logger        *slog.Logger
}

func NewProcessor(cfg config.Config, st Store, answerer Answerer, commenter Commenter) *Processor {
	return &Processor{
		store:         st,
		answerer:      answerer,
		commenter:     commenter,
		interval:      cfg.QueueWorkingInterval,
		llmTimeout:    cfg.LLMTimeout,
		githubTimeout: cfg.GitHubTimeout,
		now:           time.Now,
		logger:        slog.Default().With("component", "processor"),
	}
}

// WakeOn makes an idle Run loop poll as soon as ch fires instead of waiting
// out the full interval.
func (p *Processor) WakeOn(ch <-chan struct{}) {
	p.wake = ch
}

// Run starts the main worker loop until context cancellation. Cancellation
// is observed between tasks; a task already started runs to completion.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("task processor started", "interval", p.interval)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("task processor stopped")
			return ctx.Err()
		default:
		}

		telemetry.QueueDepthGauge.Set(float64(p.store.Status(ctx).PendingTasks))

		p.logger.Debug("checking for pending tasks")
		processed, err := p.ProcessNext(ctx)
		if err != nil {
			p.logger.Error("task processor error", "err", err)
		}
		if processed {
			continue
		}
		p.idle(ctx)
	}
}

// idle waits for the poll interval, a wake-up, or cancellation.
func (p *Processor) idle(ctx context.Context) {
	timer := time.NewTimer(p.interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case _, ok := <-p.wake:
		if !ok {
			p.wake = nil
		}
	}
}

// ProcessNext handles the oldest pending task. It reports true when a task
// was answered and recorded as completed, false when the queue was empty or
// the task failed.
func (p *Processor) ProcessNext(ctx context.Context) (bool, error) {
	task, err := p.store.Dequeue(ctx)
	if err != nil {
		return false, fmt.Errorf("dequeue: %w", err)
	}
	if task == nil {
		return false, nil
	}
	// The task is finished even if the loop is asked to stop meanwhile.
	return p.process(context.WithoutCancel(ctx), task), nil
}

func (p *Processor) process(ctx context.Context, task *models.Task) (ok bool) {
	logger := p.logger.With("task_id", task.TaskID)
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
			p.failAs(ctx, task, fmt.Sprintf("panic: %v", r), "panic")
			ok = false
		}
	}()

	payload := task.Payload
	repo := payload.Repository()
	number, hasNumber := payload.IssueNumber()
	if repo == "" || !hasNumber {
		p.fail(ctx, task, ReasonPayload)
		return false
	}
	title, body := payload.IssueTitle(), payload.IssueBody()
	logger = logger.With("repo", repo, "issue", number)

	answer, err := p.answer(ctx, llm.CraftIssueQuery(title, body))
	if err != nil {
		logger.Error("llm call failed", "err", err)
		p.fail(ctx, task, ReasonLLM)
		return false
	}
	comment, found := answer.Summary()
	if !found {
		logger.Warn("llm response has no summary")
		comment = Apology
	}
	logger.Info("llm answered", "length", len(comment))

	if err := p.post(ctx, repo, number, comment); err != nil {
		logger.Error("posting comment failed", "err", err)
		p.fail(ctx, task, ReasonGitHub)
		return false
	}

	now := p.now().UTC()
	record := models.CompletedTask{
		TaskID:      task.TaskID,
		Repository:  repo,
		IssueNumber: number,
		Requester:   payload.Requester(),
		RequestedAt: now,
		IssueTitle:  title,
		IssueBody:   body,
		LLMResponse: comment,
		CompletedAt: now,
		Status:      models.CompletedStatusSuccess,
	}
	if !p.store.Complete(ctx, task.TaskID, record) {
		logger.Error("could not record completed task")
		return false
	}
	telemetry.TasksCompleted.Inc()
	logger.Info("task completed")
	return true
}

func (p *Processor) answer(ctx context.Context, query string) (*llm.Result, error) {
	ctx, cancel := withTimeout(ctx, p.llmTimeout)
	defer cancel()
	res, err := p.answerer.Answer(ctx, query)
	if err == nil && (res == nil || len(res.Raw) == 0) {
		err = llm.ErrEmptyResponse
	}
	return res, err
}

func (p *Processor) post(ctx context.Context, repo string, number int, body string) error {
	ctx, cancel := withTimeout(ctx, p.githubTimeout)
	defer cancel()
	return p.commenter.PostComment(ctx, repo, number, body)
}

func (p *Processor) fail(ctx context.Context, task *models.Task, reason string) {
	p.failAs(ctx, task, reason, reason)
}

func (p *Processor) failAs(ctx context.Context, task *models.Task, reason, label string) {
	if p.store.Fail(ctx, task.TaskID, reason, task.Payload) {
		telemetry.TasksFailed.WithLabelValues(label).Inc()
	}
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
