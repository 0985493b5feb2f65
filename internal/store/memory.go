package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/tryon"
)

// MemStore is an in-memory Store used by tests and by dev mode when no
// DATABASE_URL is configured. It honors the same claim semantics as the
// Postgres store: the mutex makes each state transition atomic, so exactly
// one concurrent Claim succeeds.
type MemStore struct {
	mu      sync.Mutex
	items   map[string]*tryon.QueueItem
	counter int64
	results []ResultRecord
}

func NewMemStore() *MemStore {
	return &MemStore{items: make(map[string]*tryon.QueueItem)}
}

func (s *MemStore) NextPosition(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counter++
	return s.counter, nil
}

func (s *MemStore) Insert(ctx context.Context, item *tryon.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *item
	s.items[item.ID] = &cp
	return nil
}

func (s *MemStore) Get(ctx context.Context, id string) (*tryon.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *item
	return &cp, nil
}

func (s *MemStore) OldestPending(ctx context.Context) (*tryon.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var head *tryon.QueueItem
	for _, item := range s.items {
		if item.Status != tryon.StatusPending {
			continue
		}
		if head == nil || item.QueuePosition < head.QueuePosition {
			head = item
		}
	}
	if head == nil {
		return nil, nil
	}
	cp := *head
	return &cp, nil
}

func (s *MemStore) CountProcessing(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, item := range s.items {
		if item.Status == tryon.StatusProcessing {
			n++
		}
	}
	return n, nil
}

func (s *MemStore) Claim(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok || item.Status != tryon.StatusPending {
		return false, nil
	}
	now := time.Now()
	item.Status = tryon.StatusProcessing
	item.ClaimedAt = &now
	item.UpdatedAt = now
	return true, nil
}

func (s *MemStore) MarkCompleted(ctx context.Context, id string, result *tryon.ResultData) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	item.Status = tryon.StatusCompleted
	item.ResultData = result
	item.ErrorMessage = nil
	item.ClaimedAt = nil
	item.CompletedAt = &now
	item.UpdatedAt = now
	return nil
}

func (s *MemStore) MarkFailed(ctx context.Context, id string, partial *tryon.ResultData, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	item.Status = tryon.StatusFailed
	if partial != nil && len(partial.Results) > 0 {
		item.ResultData = partial
	}
	item.ErrorMessage = &errMsg
	item.ClaimedAt = nil
	item.CompletedAt = &now
	item.UpdatedAt = now
	return nil
}

func (s *MemStore) ScheduleRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	item.Status = tryon.StatusPending
	item.RetryCount = retryCount
	item.NextRetryAt = &nextRetryAt
	item.ErrorMessage = &errMsg
	item.ClaimedAt = nil
	item.UpdatedAt = time.Now()
	return nil
}

func (s *MemStore) ResetStale(ctx context.Context, olderThan time.Duration, errMsg string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	n := 0
	for _, item := range s.items {
		if item.Status == tryon.StatusProcessing &&
			item.ClaimedAt != nil && item.ClaimedAt.Before(cutoff) {
			item.Status = tryon.StatusPending
			item.ClaimedAt = nil
			msg := errMsg
			item.ErrorMessage = &msg
			item.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (s *MemStore) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return ErrNotFound
	}
	if item.Status != tryon.StatusPending {
		return ErrNotPending
	}
	delete(s.items, id)
	return nil
}

func (s *MemStore) CountAhead(ctx context.Context, pos int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, item := range s.items {
		if item.Terminal() {
			continue
		}
		if item.QueuePosition < pos {
			n++
		}
	}
	return n, nil
}

func (s *MemStore) ListByUser(ctx context.Context, userID string, limit int) ([]*tryon.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []*tryon.QueueItem
	for _, item := range s.items {
		if item.UserID != nil && *item.UserID == userID {
			cp := *item
			items = append(items, &cp)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st Stats
	for _, item := range s.items {
		switch item.Status {
		case tryon.StatusPending:
			st.Pending++
		case tryon.StatusProcessing:
			st.Processing++
		}
	}
	return st, nil
}

func (s *MemStore) RecalculatePositions(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var active []*tryon.QueueItem
	for _, item := range s.items {
		if !item.Terminal() {
			active = append(active, item)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		return active[i].QueuePosition < active[j].QueuePosition
	})
	for i, item := range active {
		item.QueuePosition = int64(i + 1)
	}
	s.counter = int64(len(active))
	return nil
}

// Append and Recent make MemStore double as a ResultsStore in dev mode.

func (s *MemStore) Append(ctx context.Context, rec ResultRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	s.results = append(s.results, rec)
	return nil
}

func (s *MemStore) Recent(ctx context.Context, limit int) ([]ResultRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := make([]ResultRecord, len(s.results))
	copy(recs, s.results)
	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.After(recs[j].CreatedAt) })
	if len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}
