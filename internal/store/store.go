package store

import (
	"context"
	"errors"
	"time"

	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/tryon"
)

var (
	// ErrNotFound means the queue item id is unknown.
	ErrNotFound = errors.New("queue item not found")
	// ErrNotPending is returned by Cancel when the item exists but has
	// already been claimed or finished.
	ErrNotPending = errors.New("can only cancel pending items")
)

// Stats are the global queue counts exposed by the status endpoint.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
}

// Store persists queue items. The conditional-update Claim is the
// system-wide mutual exclusion primitive: implementations must guarantee
// that for a given item exactly one concurrent Claim call returns true.
type Store interface {
	// NextPosition hands out a strictly increasing FIFO position. Safe
	// under concurrent callers across instances.
	NextPosition(ctx context.Context) (int64, error)

	Insert(ctx context.Context, item *tryon.QueueItem) error
	Get(ctx context.Context, id string) (*tryon.QueueItem, error)

	// OldestPending returns the pending item with the smallest queue
	// position, or nil when the queue is empty. Eligibility (nextRetryAt)
	// is the caller's concern: strict FIFO means an ineligible head blocks
	// everything behind it.
	OldestPending(ctx context.Context) (*tryon.QueueItem, error)

	CountProcessing(ctx context.Context) (int, error)

	// Claim transitions id from pending to processing, conditioned on it
	// still being pending. Returns false when another caller won the race.
	Claim(ctx context.Context, id string) (bool, error)

	MarkCompleted(ctx context.Context, id string, result *tryon.ResultData) error
	MarkFailed(ctx context.Context, id string, partial *tryon.ResultData, errMsg string) error

	// ScheduleRetry returns a processing item to pending with an updated
	// retry count and wake-up time.
	ScheduleRetry(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, errMsg string) error

	// ResetStale forcibly returns items stuck in processing longer than
	// olderThan to pending, annotating the error message. Returns the
	// number of items reset.
	ResetStale(ctx context.Context, olderThan time.Duration, errMsg string) (int, error)

	// Cancel deletes a pending item. ErrNotFound for unknown ids,
	// ErrNotPending when the item is processing or terminal.
	Cancel(ctx context.Context, id string) error

	// CountAhead counts non-terminal items positioned before pos.
	CountAhead(ctx context.Context, pos int64) (int, error)

	ListByUser(ctx context.Context, userID string, limit int) ([]*tryon.QueueItem, error)
	Stats(ctx context.Context) (Stats, error)

	// RecalculatePositions compacts queue positions of non-terminal items
	// to 1..n, preserving relative order. Idempotent.
	RecalculatePositions(ctx context.Context) error
}
