package models

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Status values for a task's location in the queue store.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"

	// CompletedStatusSuccess is the only status written to ledger records.
	CompletedStatusSuccess = "success"
)

// Task is a pending unit of work loaded from the queue store.
type Task struct {
	TaskID    string    `json:"task_id"`
	Payload   Payload   `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// CompletedTask is a ledger entry for a task whose comment was posted.
type CompletedTask struct {
	TaskID      string    `json:"task_id"`
	Repository  string    `json:"repository"`
	IssueNumber int       `json:"issue_number,omitempty"`
	Requester   string    `json:"requester"`
	RequestedAt time.Time `json:"requested_at"`
	IssueTitle  string    `json:"issue_title"`
	IssueBody   string    `json:"issue_body"`
	LLMResponse string    `json:"llm_response"`
	CompletedAt time.Time `json:"completed_at"`
	Status      string    `json:"status"`
}

// Key returns the dedup identity of the completed task. Older ledger entries
// carry no issue_number, so the number is recovered from the task id.
func (c CompletedTask) Key() (DedupKey, bool) {
	if c.Repository == "" {
		return DedupKey{}, false
	}
	if c.IssueNumber > 0 {
		return DedupKey{Repository: c.Repository, IssueNumber: c.IssueNumber}, true
	}
	n, ok := IssueNumberFromTaskID(c.TaskID)
	if !ok {
		return DedupKey{}, false
	}
	return DedupKey{Repository: c.Repository, IssueNumber: n}, true
}

// FailedTask is the record written to the failed store. OriginalPayload is
// what a retry re-enqueues.
type FailedTask struct {
	TaskID          string    `json:"task_id"`
	Error           string    `json:"error"`
	Timestamp       time.Time `json:"timestamp"`
	OriginalPayload Payload   `json:"original_payload,omitempty"`
}

// TaskDetail is the result of looking a task up across all stores.
type TaskDetail struct {
	Status string `json:"status"`
	Data   any    `json:"data"`
}

// StoreStatus aggregates record counts across the three stores.
type StoreStatus struct {
	PendingTasks   int `json:"pending_tasks"`
	CompletedTasks int `json:"completed_tasks"`
	FailedTasks    int `json:"failed_tasks"`
}

// DedupKey identifies the real-world issue behind a task.
type DedupKey struct {
	Repository  string
	IssueNumber int
}

func (k DedupKey) String() string {
	return k.Repository + "#" + strconv.Itoa(k.IssueNumber)
}

// IssueNumberFromTaskID parses the trailing "_<number>.json" segment of a
// task id.
func IssueNumberFromTaskID(taskID string) (int, bool) {
	base := strings.TrimSuffix(taskID, ".json")
	i := strings.LastIndex(base, "_")
	if i < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(base[i+1:])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// Payload is the opaque event body stored for a task. It is shaped like a
// GitHub "issues" webhook delivery.
type Payload map[string]any

// Action returns the event action, e.g. "opened".
func (p Payload) Action() string {
	s, _ := p["action"].(string)
	return s
}

// Issue returns the issue object, or nil.
func (p Payload) Issue() map[string]any {
	m, _ := p["issue"].(map[string]any)
	return m
}

// IssueNumber returns issue.number.
func (p Payload) IssueNumber() (int, bool) {
	return asInt(p.Issue()["number"])
}

func (p Payload) IssueTitle() string {
	s, _ := p.Issue()["title"].(string)
	return s
}

func (p Payload) IssueBody() string {
	s, _ := p.Issue()["body"].(string)
	return s
}

// Requester returns issue.user.login, or "Anonymous".
func (p Payload) Requester() string {
	user, _ := p.Issue()["user"].(map[string]any)
	if login, _ := user["login"].(string); login != "" {
		return login
	}
	return "Anonymous"
}

// Repository returns repository.full_name.
func (p Payload) Repository() string {
	repo, _ := p["repository"].(map[string]any)
	s, _ := repo["full_name"].(string)
	return s
}

// Key returns the dedup identity of the payload.
func (p Payload) Key() (DedupKey, bool) {
	repo := p.Repository()
	n, ok := p.IssueNumber()
	if repo == "" || !ok {
		return DedupKey{}, false
	}
	return DedupKey{Repository: repo, IssueNumber: n}, true
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		return int(i), err == nil
	default:
		return 0, false
	}
}
