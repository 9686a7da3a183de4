// Package dedup recognizes issues that were already ingested, whichever path
// they arrived on.
package dedup

import (
	"context"
	"fmt"

	"issuebot/internal/models"
)

// Source exposes the identities held by each queue store.
type Source interface {
	PendingIdentities(ctx context.Context) ([]models.DedupKey, error)
	CompletedIdentities(ctx context.Context) ([]models.DedupKey, error)
	FailedIdentities(ctx context.Context) ([]models.DedupKey, error)
}

// Index answers "has this (repository, issue) been seen?" by scanning the
// pending, completed and failed stores. Nothing is cached between calls.
type Index struct {
	source Source
}

func New(source Source) *Index {
	return &Index{source: source}
}

// AlreadyProcessed reports whether repo#issue is present in any store.
func (i *Index) AlreadyProcessed(ctx context.Context, repo string, issue int) (bool, error) {
	set, err := i.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	return set.Contains(models.DedupKey{Repository: repo, IssueNumber: issue}), nil
}

// Snapshot scans every store once and returns the identities as a set.
// Callers that check many issues in a row take one snapshot and Add what
// they enqueue instead of rescanning per issue.
func (i *Index) Snapshot(ctx context.Context) (*Set, error) {
	set := NewSet()
	for name, list := range map[string]func(context.Context) ([]models.DedupKey, error){
		"pending":   i.source.PendingIdentities,
		"completed": i.source.CompletedIdentities,
		"failed":    i.source.FailedIdentities,
	} {
		keys, err := list(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan %s identities: %w", name, err)
		}
		for _, k := range keys {
			set.Add(k)
		}
	}
	return set, nil
}

// Set is a point-in-time view of known identities.
type Set struct {
	keys map[models.DedupKey]struct{}
}

func NewSet(keys ...models.DedupKey) *Set {
	s := &Set{keys: make(map[models.DedupKey]struct{}, len(keys))}
	for _, k := range keys {
		s.Add(k)
	}
	return s
}

func (s *Set) Contains(k models.DedupKey) bool {
	_, ok := s.keys[k]
	return ok
}

func (s *Set) Add(k models.DedupKey) {
	s.keys[k] = struct{}{}
}

func (s *Set) Len() int {
	return len(s.keys)
}
