package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"issuebot/internal/config"
	"issuebot/internal/models"
)

// ErrTaskNotFound is returned when a task id is absent from every store.
var ErrTaskNotFound = errors.New("task not found")

var errDecode = errors.New("decode")

const (
	ledgerName     = "completed_tasks.json"
	tempSuffix     = ".temp"
	maxIDAttempts  = 64
	recordFileMode = 0o644
)

// FileQueue keeps task state in three disjoint places on disk: one file per
// pending task, a single JSON array ledger of completed tasks, and one file
// per failed task. A task id lives in exactly one of them.
//
// All mutations go through mu so a retry can never race the processor over
// the same record.
type FileQueue struct {
	pendingDir   string
	completedDir string
	failedDir    string
	ledgerPath   string

	mu     sync.RWMutex
	clock  *idClock
	now    func() time.Time
	logger *slog.Logger
}

// NewFileQueue creates the store directories and primes the id clock from
// existing records so new ids sort after everything already on disk.
func NewFileQueue(cfg config.Config) (*FileQueue, error) {
	q := &FileQueue{
		pendingDir:   cfg.PendingDir,
		completedDir: cfg.CompletedDir,
		failedDir:    cfg.FailedDir,
		ledgerPath:   filepath.Join(cfg.CompletedDir, ledgerName),
		now:          time.Now,
		logger:       slog.Default().With("component", "queue"),
	}
	q.clock = &idClock{now: func() time.Time { return q.now() }}

	for _, dir := range []string{q.pendingDir, q.completedDir, q.failedDir} {
		if dir == "" {
			return nil, fmt.Errorf("queue directory not configured")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create queue dir %s: %w", dir, err)
		}
	}

	if err := q.primeClock(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *FileQueue) primeClock() error {
	for _, dir := range []string{q.pendingDir, q.failedDir} {
		names, err := listRecords(dir)
		if err != nil {
			return err
		}
		for _, name := range names {
			if ms, ok := idMillis(name); ok {
				q.clock.observe(ms)
			}
		}
	}
	ledger, err := q.readLedger()
	if err != nil {
		// An unreadable ledger is dealt with on the next Complete.
		q.logger.Warn("could not read completed ledger", "err", err)
		return nil
	}
	for _, rec := range ledger {
		if ms, ok := idMillis(rec.TaskID); ok {
			q.clock.observe(ms)
		}
	}
	return nil
}

// PendingDir is the directory holding one file per pending task.
func (q *FileQueue) PendingDir() string { return q.pendingDir }

// Enqueue persists payload as a new pending task and returns its id.
// Existing records are never overwritten.
func (q *FileQueue) Enqueue(ctx context.Context, payload models.Payload) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	taskID, err := q.writeNewPendingLocked(payload, data)
	if err != nil {
		q.logger.Error("failed to enqueue task", "err", err)
		return "", err
	}
	q.logger.Info("task enqueued", "task_id", taskID)
	return taskID, nil
}

func (q *FileQueue) writeNewPendingLocked(payload models.Payload, data []byte) (string, error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		taskID := newTaskID(q.clock.next(), payload)
		if exists(filepath.Join(q.failedDir, taskID)) {
			continue
		}
		err := writeExclusive(filepath.Join(q.pendingDir, taskID), data)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("write pending task: %w", err)
		}
		return taskID, nil
	}
	return "", fmt.Errorf("no free task id after %d attempts", maxIDAttempts)
}

// Dequeue returns the oldest pending task without removing it, or nil when
// nothing is pending. The record stays pending until Complete or Fail, so a
// crash mid-task leaves it to be picked up again.
//
// A pending file that cannot be decoded is moved to the failed store without
// a payload so it stops blocking the head of the queue. A pending file whose
// id is already in the ledger is left over from a Complete that could not
// remove it; it is removed now instead of being handed out again.
func (q *FileQueue) Dequeue(ctx context.Context) (*models.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	names, err := listRecords(q.pendingDir)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}
	done, err := q.completedIDsLocked()
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		if _, ok := done[name]; ok {
			if err := os.Remove(filepath.Join(q.pendingDir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
				q.logger.Error("completed task still pending", "task_id", name, "err", err)
			} else {
				q.logger.Warn("dropped pending record of completed task", "task_id", name)
			}
			continue
		}
		payload, err := readPayload(filepath.Join(q.pendingDir, name))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			q.logger.Error("failed to read pending task", "task_id", name, "err", err)
			q.failLocked(name, fmt.Sprintf("unreadable pending record: %v", err), nil)
			continue
		}
		return &models.Task{
			TaskID:    name,
			Payload:   payload,
			CreatedAt: createdAt(name),
		}, nil
	}
	return nil, nil
}

// Complete appends record to the ledger and then drops the pending file.
// The ledger is replaced with a rename so readers never see a partial file.
// When the ledger cannot be written the task stays pending.
func (q *FileQueue) Complete(ctx context.Context, taskID string, record models.CompletedTask) bool {
	if !validTaskID(taskID) {
		q.logger.Error("refusing to complete invalid task id", "task_id", taskID)
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	ledger, err := q.readLedger()
	if errors.Is(err, errDecode) {
		aside, mvErr := q.setLedgerAside()
		if mvErr != nil {
			q.logger.Error("failed to move unreadable ledger aside", "task_id", taskID, "err", mvErr)
			return false
		}
		q.logger.Warn("completed ledger unreadable, starting a new one", "err", err, "preserved_as", aside)
		ledger = nil
	} else if err != nil {
		q.logger.Error("failed to complete task", "task_id", taskID, "err", err)
		return false
	}

	record.TaskID = taskID
	if record.Status == "" {
		record.Status = models.CompletedStatusSuccess
	}
	ledger = append(ledger, record)
	if err := q.writeLedger(ledger); err != nil {
		q.logger.Error("failed to complete task", "task_id", taskID, "err", err)
		return false
	}

	if err := os.Remove(filepath.Join(q.pendingDir, taskID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		q.logger.Error("task recorded in ledger but pending record remains", "task_id", taskID, "err", err)
		return false
	}
	q.logger.Info("task completed", "task_id", taskID)
	return true
}

// Fail writes a failure record carrying the original payload and removes the
// pending file. Both steps are best effort.
func (q *FileQueue) Fail(ctx context.Context, taskID, reason string, original models.Payload) bool {
	if !validTaskID(taskID) {
		q.logger.Error("refusing to fail invalid task id", "task_id", taskID)
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failLocked(taskID, reason, original)
}

func (q *FileQueue) failLocked(taskID, reason string, original models.Payload) bool {
	rec := models.FailedTask{
		TaskID:          taskID,
		Error:           reason,
		Timestamp:       q.now(),
		OriginalPayload: original,
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		q.logger.Error("failed to mark task as failed", "task_id", taskID, "err", err)
		return false
	}
	if err := os.WriteFile(filepath.Join(q.failedDir, taskID), data, recordFileMode); err != nil {
		q.logger.Error("failed to mark task as failed", "task_id", taskID, "err", err)
		return false
	}
	if err := os.Remove(filepath.Join(q.pendingDir, taskID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		q.logger.Error("failure recorded but pending record remains", "task_id", taskID, "err", err)
		return false
	}
	q.logger.Error("task failed", "task_id", taskID, "reason", reason)
	return true
}

// RetryAllFailed moves every failed task that still has its original payload
// back to pending, reusing the original id when it is free. It returns how
// many tasks were requeued. Individual failures are logged and skipped.
func (q *FileQueue) RetryAllFailed(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	names, err := listRecords(q.failedDir)
	if err != nil {
		q.logger.Error("failed to list failed tasks", "err", err)
		return 0
	}

	retried := 0
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		if q.retryOneLocked(name) {
			retried++
		}
	}
	if retried > 0 {
		q.logger.Info("failed tasks requeued", "count", retried)
	}
	return retried
}

func (q *FileQueue) retryOneLocked(name string) bool {
	failedPath := filepath.Join(q.failedDir, name)
	var rec models.FailedTask
	if err := readJSON(failedPath, &rec); err != nil {
		q.logger.Error("error retrying failed task", "file", name, "err", err)
		return false
	}
	if rec.OriginalPayload == nil {
		return false
	}

	data, err := json.MarshalIndent(rec.OriginalPayload, "", "  ")
	if err != nil {
		q.logger.Error("error retrying failed task", "file", name, "err", err)
		return false
	}

	taskID := rec.TaskID
	if !validTaskID(taskID) {
		taskID = name
	}
	pendingPath := filepath.Join(q.pendingDir, taskID)
	err = writeExclusive(pendingPath, data)
	if errors.Is(err, fs.ErrExist) {
		taskID, err = q.writeNewPendingLocked(rec.OriginalPayload, data)
		pendingPath = filepath.Join(q.pendingDir, taskID)
	}
	if err != nil {
		q.logger.Error("error retrying failed task", "file", name, "err", err)
		return false
	}

	if err := os.Remove(failedPath); err != nil {
		// Undo so the id does not sit in two stores at once.
		_ = os.Remove(pendingPath)
		q.logger.Error("error retrying failed task", "file", name, "err", err)
		return false
	}
	q.logger.Info("failed task requeued", "task_id", taskID)
	return true
}

// Status returns record counts for each store.
func (q *FileQueue) Status(ctx context.Context) models.StoreStatus {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var st models.StoreStatus
	if names, err := listRecords(q.pendingDir); err == nil {
		st.PendingTasks = len(names)
	}
	if names, err := listRecords(q.failedDir); err == nil {
		st.FailedTasks = len(names)
	}
	var entries []json.RawMessage
	if err := readJSON(q.ledgerPath, &entries); err == nil {
		st.CompletedTasks = len(entries)
	}
	return st
}

// ListPending returns pending tasks in dequeue order.
func (q *FileQueue) ListPending(ctx context.Context) ([]models.Task, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	names, err := listRecords(q.pendingDir)
	if err != nil {
		return nil, err
	}
	tasks := make([]models.Task, 0, len(names))
	for _, name := range names {
		payload, err := readPayload(filepath.Join(q.pendingDir, name))
		if err != nil {
			q.logger.Error("failed to read pending task", "task_id", name, "err", err)
			continue
		}
		tasks = append(tasks, models.Task{TaskID: name, Payload: payload, CreatedAt: createdAt(name)})
	}
	return tasks, nil
}

// ListCompleted returns the ledger in append order.
func (q *FileQueue) ListCompleted(ctx context.Context) ([]models.CompletedTask, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.readLedger()
}

// ListFailed returns every failure record, oldest first.
func (q *FileQueue) ListFailed(ctx context.Context) ([]models.FailedTask, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	names, err := listRecords(q.failedDir)
	if err != nil {
		return nil, err
	}
	out := make([]models.FailedTask, 0, len(names))
	for _, name := range names {
		var rec models.FailedTask
		if err := readJSON(filepath.Join(q.failedDir, name), &rec); err != nil {
			q.logger.Error("failed to read failed task", "file", name, "err", err)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Get looks a task up in pending, failed and completed, in that order.
func (q *FileQueue) Get(ctx context.Context, taskID string) (models.TaskDetail, error) {
	if !validTaskID(taskID) {
		return models.TaskDetail{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	payload, err := readPayload(filepath.Join(q.pendingDir, taskID))
	if err == nil {
		return models.TaskDetail{Status: models.StatusPending, Data: payload}, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return models.TaskDetail{}, err
	}

	var failed models.FailedTask
	err = readJSON(filepath.Join(q.failedDir, taskID), &failed)
	if err == nil {
		return models.TaskDetail{Status: models.StatusFailed, Data: failed}, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return models.TaskDetail{}, err
	}

	ledger, err := q.readLedger()
	if err != nil {
		return models.TaskDetail{}, err
	}
	for _, rec := range ledger {
		if rec.TaskID == taskID {
			return models.TaskDetail{Status: models.StatusCompleted, Data: rec}, nil
		}
	}
	return models.TaskDetail{}, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
}

// PendingIdentities returns the dedup keys of pending tasks.
func (q *FileQueue) PendingIdentities(ctx context.Context) ([]models.DedupKey, error) {
	tasks, err := q.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]models.DedupKey, 0, len(tasks))
	for _, t := range tasks {
		if k, ok := t.Payload.Key(); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// CompletedIdentities returns the dedup keys recorded in the ledger.
func (q *FileQueue) CompletedIdentities(ctx context.Context) ([]models.DedupKey, error) {
	ledger, err := q.ListCompleted(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]models.DedupKey, 0, len(ledger))
	for _, rec := range ledger {
		if k, ok := rec.Key(); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// FailedIdentities returns the dedup keys of failed tasks that still carry
// their payload.
func (q *FileQueue) FailedIdentities(ctx context.Context) ([]models.DedupKey, error) {
	failed, err := q.ListFailed(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]models.DedupKey, 0, len(failed))
	for _, rec := range failed {
		if k, ok := rec.OriginalPayload.Key(); ok {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// IsAlreadyProcessed reports whether (repo, issue) appears in any store.
func (q *FileQueue) IsAlreadyProcessed(ctx context.Context, repo string, issue int) (bool, error) {
	want := models.DedupKey{Repository: repo, IssueNumber: issue}
	for _, list := range []func(context.Context) ([]models.DedupKey, error){
		q.PendingIdentities, q.CompletedIdentities, q.FailedIdentities,
	} {
		keys, err := list(ctx)
		if err != nil {
			return false, err
		}
		for _, k := range keys {
			if k == want {
				return true, nil
			}
		}
	}
	return false, nil
}

func (q *FileQueue) readLedger() ([]models.CompletedTask, error) {
	var ledger []models.CompletedTask
	err := readJSON(q.ledgerPath, &ledger)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read completed ledger: %w", err)
	}
	return ledger, nil
}

// completedIDsLocked returns the ids in the ledger. An undecodable ledger
// yields an empty set; Complete deals with it.
func (q *FileQueue) completedIDsLocked() (map[string]struct{}, error) {
	ledger, err := q.readLedger()
	if errors.Is(err, errDecode) {
		q.logger.Warn("completed ledger unreadable", "err", err)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ids := make(map[string]struct{}, len(ledger))
	for _, rec := range ledger {
		ids[rec.TaskID] = struct{}{}
	}
	return ids, nil
}

// writeLedger writes the full ledger to a temp file and renames it into
// place.
func (q *FileQueue) writeLedger(ledger []models.CompletedTask) error {
	data, err := json.MarshalIndent(ledger, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal ledger: %w", err)
	}
	tmp := q.ledgerPath + tempSuffix
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, recordFileMode)
	if err != nil {
		return fmt.Errorf("create temp ledger: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp ledger: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp ledger: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp ledger: %w", err)
	}
	if err := os.Rename(tmp, q.ledgerPath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace ledger: %w", err)
	}
	return nil
}

func (q *FileQueue) setLedgerAside() (string, error) {
	aside := fmt.Sprintf("%s.corrupt-%d", q.ledgerPath, q.now().UnixMilli())
	if err := os.Rename(q.ledgerPath, aside); err != nil {
		return "", err
	}
	return aside, nil
}

// listRecords returns the task files in dir in lexicographic order. Temp
// files and dotfiles are ignored.
func listRecords(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w %s: %v", errDecode, filepath.Base(path), err)
	}
	return nil
}

func readPayload(path string) (models.Payload, error) {
	var p models.Payload
	if err := readJSON(path, &p); err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w %s: empty payload", errDecode, filepath.Base(path))
	}
	return p, nil
}

func writeExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, recordFileMode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func createdAt(taskID string) time.Time {
	if ms, ok := idMillis(taskID); ok {
		return time.UnixMilli(ms)
	}
	return time.Time{}
}
