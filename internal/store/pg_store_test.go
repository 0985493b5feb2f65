//go:build integration
// +build integration

package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/log"
	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/tryon"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func setupTestDB(ctx context.Context, t *testing.T) *PGStore {
	t.Helper()

	dbURL := os.Getenv("TEST_DB_URL")
	if dbURL == "" {
		pgContainer, err := postgres.RunContainer(ctx,
			testcontainers.WithImage("postgres:15"),
			postgres.WithDatabase("tryonqueue"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("securepassword"),
			postgres.WithSQLDriver("postgres"),
		)
		if err != nil {
			t.Fatalf("failed to start postgres container: %v", err)
		}
		t.Cleanup(func() { pgContainer.Terminate(ctx) })

		dbURL, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			t.Fatalf("failed to get connection string: %v", err)
		}
	}

	s, err := NewPGStore(dbURL, log.NewNop())
	if err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`TRUNCATE TABLE tryon_queue, tryon_results, credit_transactions;
		 UPDATE queue_counters SET value = 0`); err != nil {
		t.Fatalf("truncate failed: %v", err)
	}
	return s
}

func insertPGItem(ctx context.Context, t *testing.T, s *PGStore, userID string) *tryon.QueueItem {
	t.Helper()
	pos, err := s.NextPosition(ctx)
	if err != nil {
		t.Fatalf("NextPosition: %v", err)
	}
	now := time.Now()
	item := &tryon.QueueItem{
		ID:     uuid.NewString(),
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

func TestPGStoreIntegration(t *testing.T) {
	ctx := context.Background()
	s := setupTestDB(ctx, t)

	t.Run("positions are monotonic under concurrency", func(t *testing.T) {
		const n = 20
		var wg sync.WaitGroup
		got := make(chan int64, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				pos, err := s.NextPosition(ctx)
				if err != nil {
					t.Errorf("NextPosition: %v", err)
					return
				}
				got <- pos
			}()
		}
		wg.Wait()
		close(got)

		seen := make(map[int64]bool)
		for pos := range got {
			if seen[pos] {
				t.Fatalf("duplicate position %d", pos)
			}
			seen[pos] = true
		}
		if len(seen) != n {
			t.Fatalf("got %d distinct positions, want %d", len(seen), n)
		}
	})

	t.Run("claim is single-flight", func(t *testing.T) {
		item := insertPGItem(ctx, t, s, "claimer")
		const racers = 8
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
			t.Fatalf("claim winners = %d, want 1", won)
		}
		if err := s.MarkCompleted(ctx, item.ID, &tryon.ResultData{}); err != nil {
			t.Fatalf("MarkCompleted: %v", err)
		}
	})

	t.Run("retry round trip", func(t *testing.T) {
		item := insertPGItem(ctx, t, s, "retrier")
		if ok, _ := s.Claim(ctx, item.ID); !ok {
			t.Fatal("claim failed")
		}
		wake := time.Now().Add(20 * time.Second)
		if err := s.ScheduleRetry(ctx, item.ID, 1, wake, "Rate limited. Retry 1/5 scheduled"); err != nil {
			t.Fatalf("ScheduleRetry: %v", err)
		}
		got, err := s.Get(ctx, item.ID)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got.Status != tryon.StatusPending || got.RetryCount != 1 {
			t.Fatalf("status=%s retryCount=%d, want pending/1", got.Status, got.RetryCount)
		}
		if got.NextRetryAt == nil || got.NextRetryAt.Sub(wake).Abs() > time.Second {
			t.Fatalf("nextRetryAt = %v, want ~%v", got.NextRetryAt, wake)
		}
		if err := s.Cancel(ctx, item.ID); err != nil {
			t.Fatalf("Cancel pending retry item: %v", err)
		}
	})

	t.Run("stale reset", func(t *testing.T) {
		item := insertPGItem(ctx, t, s, "staler")
		if ok, _ := s.Claim(ctx, item.ID); !ok {
			t.Fatal("claim failed")
		}
		if _, err := s.db.ExecContext(ctx,
			`UPDATE tryon_queue SET claimed_at = NOW() - interval '10 minutes' WHERE id = $1`,
			item.ID); err != nil {
			t.Fatalf("backdate claim: %v", err)
		}
		n, err := s.ResetStale(ctx, 5*time.Minute, "Processing timed out")
		if err != nil {
			t.Fatalf("ResetStale: %v", err)
		}
		if n != 1 {
			t.Fatalf("reset %d items, want 1", n)
		}
		got, _ := s.Get(ctx, item.ID)
		if got.Status != tryon.StatusPending {
			t.Fatalf("status = %s, want pending", got.Status)
		}
		if err := s.Cancel(ctx, item.ID); err != nil {
			t.Fatalf("cleanup cancel: %v", err)
		}
	})

	t.Run("cancel guard", func(t *testing.T) {
		if err := s.Cancel(ctx, uuid.NewString()); !errors.Is(err, ErrNotFound) {
			t.Fatalf("Cancel(unknown) = %v, want ErrNotFound", err)
		}
		item := insertPGItem(ctx, t, s, "canceler")
		if ok, _ := s.Claim(ctx, item.ID); !ok {
			t.Fatal("claim failed")
		}
		if err := s.Cancel(ctx, item.ID); !errors.Is(err, ErrNotPending) {
			t.Fatalf("Cancel(processing) = %v, want ErrNotPending", err)
		}
		if err := s.MarkFailed(ctx, item.ID, nil, "test cleanup"); err != nil {
			t.Fatalf("MarkFailed: %v", err)
		}
	})

	t.Run("recalculate positions is idempotent", func(t *testing.T) {
		var ids []string
		for i := 0; i < 3; i++ {
			ids = append(ids, insertPGItem(ctx, t, s, fmt.Sprintf("pos-%d", i)).ID)
		}
		if err := s.Cancel(ctx, ids[0]); err != nil {
			t.Fatalf("Cancel: %v", err)
		}

		if err := s.RecalculatePositions(ctx); err != nil {
			t.Fatalf("RecalculatePositions: %v", err)
		}
		first := pgPositions(ctx, t, s, ids[1], ids[2])
		if first[1] <= first[0] {
			t.Fatalf("order not preserved: %v", first)
		}

		if err := s.RecalculatePositions(ctx); err != nil {
			t.Fatalf("RecalculatePositions: %v", err)
		}
		second := pgPositions(ctx, t, s, ids[1], ids[2])
		if first[0] != second[0] || first[1] != second[1] {
			t.Fatalf("compaction drifted: %v -> %v", first, second)
		}
	})

	t.Run("results audit table round trip", func(t *testing.T) {
		rs := NewPGResultsStore(s.DB(), log.NewNop())
		queueID := uuid.NewString()
		if err := rs.Append(ctx, ResultRecord{
			QueueID:      queueID,
			ImageURL:     "https://cdn.example.com/tryon-results/x.png",
			GarmentCount: 2,
		}); err != nil {
			t.Fatalf("Append: %v", err)
		}
		recs, err := rs.Recent(ctx, 10)
		if err != nil {
			t.Fatalf("Recent: %v", err)
		}
		if len(recs) == 0 || recs[0].QueueID != queueID {
			t.Fatalf("Recent = %+v, want latest record for %s", recs, queueID)
		}
	})
}

func pgPositions(ctx context.Context, t *testing.T, s *PGStore, ids ...string) []int64 {
	t.Helper()
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		item, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		out = append(out, item.QueuePosition)
	}
	return out
}
