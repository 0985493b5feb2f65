package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/tryon"
)

func newItem(t *testing.T, s Store, userID string) *tryon.QueueItem {
	t.Helper()
	ctx := context.Background()
	pos, err := s.NextPosition(ctx)
	if err != nil {
		t.Fatalf("NextPosition: %v", err)
	}
	now := time.Now()
	item := &tryon.QueueItem{
		ID:     "item-" + userID + "-" + now.Format("150405.000000000"),
		Status: tryon.StatusPending,
		RequestData: tryon.RequestData{
			PersonImage:   "person",
			GarmentImages: []string{"garment"},
			Categories:    []tryon.Category{tryon.CategoryUpperBody},
			Mode:          tryon.ModeStandard,
		},
		QueuePosition: pos,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if userID != "" {
		item.UserID = &userID
	}
	if err := s.Insert(ctx, item); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return item
}

func TestClaimSingleFlight(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	item := newItem(t, s, "u1")

	const racers = 16
	var wg sync.WaitGroup
	wins := make(chan bool, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Claim(ctx, item.ID)
			if err != nil {
				t.Errorf("Claim: %v", err)
				return
			}
			if ok {
				wins <- true
			}
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for range wins {
		won++
	}
	if won != 1 {
		t.Fatalf("claim winners = %d, want exactly 1", won)
	}
}

func TestOldestPendingIsFIFO(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	a := newItem(t, s, "a")
	time.Sleep(time.Millisecond)
	b := newItem(t, s, "b")

	head, err := s.OldestPending(ctx)
	if err != nil {
		t.Fatalf("OldestPending: %v", err)
	}
	if head.ID != a.ID {
		t.Fatalf("head = %s, want %s", head.ID, a.ID)
	}
	if _, err := s.Claim(ctx, a.ID); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := s.MarkCompleted(ctx, a.ID, &tryon.ResultData{}); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	head, err = s.OldestPending(ctx)
	if err != nil {
		t.Fatalf("OldestPending: %v", err)
	}
	if head.ID != b.ID {
		t.Fatalf("head = %s, want %s", head.ID, b.ID)
	}
}

func TestCancelGuard(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	if err := s.Cancel(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Cancel(missing) = %v, want ErrNotFound", err)
	}

	item := newItem(t, s, "u1")
	if _, err := s.Claim(ctx, item.ID); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := s.Cancel(ctx, item.ID); !errors.Is(err, ErrNotPending) {
		t.Fatalf("Cancel(processing) = %v, want ErrNotPending", err)
	}
	got, err := s.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != tryon.StatusProcessing {
		t.Fatalf("status after rejected cancel = %s, want processing", got.Status)
	}

	pending := newItem(t, s, "u2")
	if err := s.Cancel(ctx, pending.ID); err != nil {
		t.Fatalf("Cancel(pending) = %v", err)
	}
	if _, err := s.Get(ctx, pending.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after cancel = %v, want ErrNotFound", err)
	}
}

func TestResetStale(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	item := newItem(t, s, "u1")
	if _, err := s.Claim(ctx, item.ID); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	// Recent claims are not touched.
	n, err := s.ResetStale(ctx, time.Minute, "stale")
	if err != nil {
		t.Fatalf("ResetStale: %v", err)
	}
	if n != 0 {
		t.Fatalf("reset %d recent items, want 0", n)
	}

	// Backdate the claim past the threshold.
	s.mu.Lock()
	old := time.Now().Add(-10 * time.Minute)
	s.items[item.ID].ClaimedAt = &old
	s.mu.Unlock()

	n, err = s.ResetStale(ctx, 5*time.Minute, "Processing timed out")
	if err != nil {
		t.Fatalf("ResetStale: %v", err)
	}
	if n != 1 {
		t.Fatalf("reset %d items, want 1", n)
	}
	got, err := s.Get(ctx, item.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != tryon.StatusPending {
		t.Fatalf("status = %s, want pending", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != "Processing timed out" {
		t.Fatalf("errorMessage = %v, want annotation", got.ErrorMessage)
	}

	// Reclaimable again.
	ok, err := s.Claim(ctx, item.ID)
	if err != nil || !ok {
		t.Fatalf("re-Claim = %v, %v; want true, nil", ok, err)
	}
}

func TestRecalculatePositionsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	a := newItem(t, s, "a")
	b := newItem(t, s, "b")
	c := newItem(t, s, "c")

	// Remove the head so positions have a gap.
	if err := s.Cancel(ctx, a.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := s.RecalculatePositions(ctx); err != nil {
		t.Fatalf("RecalculatePositions: %v", err)
	}

	first := positions(t, s, b.ID, c.ID)
	if first[0] != 1 || first[1] != 2 {
		t.Fatalf("positions after compaction = %v, want [1 2]", first)
	}

	if err := s.RecalculatePositions(ctx); err != nil {
		t.Fatalf("RecalculatePositions: %v", err)
	}
	second := positions(t, s, b.ID, c.ID)
	if second[0] != first[0] || second[1] != first[1] {
		t.Fatalf("second compaction drifted: %v -> %v", first, second)
	}

	// New items slot in behind the compacted tail.
	d := newItem(t, s, "d")
	if d.QueuePosition != 3 {
		t.Fatalf("new position = %d, want 3", d.QueuePosition)
	}
	ahead, err := s.CountAhead(ctx, d.QueuePosition)
	if err != nil {
		t.Fatalf("CountAhead: %v", err)
	}
	if ahead != 2 {
		t.Fatalf("itemsAhead = %d, want 2", ahead)
	}
}

func positions(t *testing.T, s Store, ids ...string) []int64 {
	t.Helper()
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		item, err := s.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		out = append(out, item.QueuePosition)
	}
	return out
}
