package queue

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"issuebot/internal/models"
)

var unsafeIDChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// idClock hands out strictly increasing millisecond stamps. Two enqueues in
// the same millisecond get consecutive values instead of colliding.
type idClock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

func (c *idClock) next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ms := c.now().UnixMilli()
	if ms <= c.last {
		ms = c.last + 1
	}
	c.last = ms
	return ms
}

// observe moves the clock past an existing id's stamp.
func (c *idClock) observe(ms int64) {
	c.mu.Lock()
	if ms > c.last {
		c.last = ms
	}
	c.mu.Unlock()
}

// newTaskID builds "<ms>_<owner-repo>_<issue>.json". The zero-padded stamp
// keeps lexicographic order equal to creation order.
func newTaskID(ms int64, p models.Payload) string {
	repo := p.Repository()
	if repo == "" {
		repo = "unknown"
	}
	repo = unsafeIDChars.ReplaceAllString(strings.ReplaceAll(repo, "/", "-"), "-")
	repo = strings.Trim(repo, ".")

	issue := "unknown"
	if n, ok := p.IssueNumber(); ok {
		issue = strconv.Itoa(n)
	}
	return fmt.Sprintf("%013d_%s_%s.json", ms, repo, issue)
}

// idMillis extracts the creation stamp from a task id.
func idMillis(taskID string) (int64, bool) {
	head, _, ok := strings.Cut(taskID, "_")
	if !ok {
		return 0, false
	}
	ms, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return 0, false
	}
	return ms, true
}

// validTaskID rejects ids that could escape the store directories.
func validTaskID(taskID string) bool {
	if taskID == "" || taskID == "." || taskID == ".." {
		return false
	}
	return !strings.ContainsAny(taskID, `/\`) && !strings.HasPrefix(taskID, ".")
}
