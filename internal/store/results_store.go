package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/log"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ResultRecord is one append-only audit row per completed job, backing the
// admin gallery.
type ResultRecord struct {
	ID           string    `json:"id"`
	QueueID      string    `json:"queueId"`
	UserID       *string   `json:"userId,omitempty"`
	StoreID      *string   `json:"storeId,omitempty"`
	ProductID    *string   `json:"productId,omitempty"`
	ImageURL     string    `json:"imageUrl"`
	GarmentCount int       `json:"garmentCount"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ResultsStore writes and reads the tryon_results audit table.
type ResultsStore interface {
	Append(ctx context.Context, rec ResultRecord) error
	Recent(ctx context.Context, limit int) ([]ResultRecord, error)
}

type PGResultsStore struct {
	db     *sql.DB
	logger *log.Logger
}

func NewPGResultsStore(db *sql.DB, logger *log.Logger) *PGResultsStore {
	return &PGResultsStore{db: db, logger: logger}
}

func (s *PGResultsStore) Append(ctx context.Context, rec ResultRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO tryon_results
            (id, queue_id, user_id, store_id, product_id, image_url, garment_count, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
    `, rec.ID, rec.QueueID, rec.UserID, rec.StoreID, rec.ProductID,
		rec.ImageURL, rec.GarmentCount, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("append result record: %w", err)
	}
	s.logger.Info("Recorded try-on result",
		zap.String("queue_id", rec.QueueID), zap.Int("garments", rec.GarmentCount))
	return nil
}

func (s *PGResultsStore) Recent(ctx context.Context, limit int) ([]ResultRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, queue_id, user_id, store_id, product_id, image_url, garment_count, created_at
        FROM tryon_results
        ORDER BY created_at DESC
        LIMIT $1
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("recent results: %w", err)
	}
	defer rows.Close()

	var recs []ResultRecord
	for rows.Next() {
		var (
			rec       ResultRecord
			userID    sql.NullString
			storeID   sql.NullString
			productID sql.NullString
		)
		err := rows.Scan(&rec.ID, &rec.QueueID, &userID, &storeID, &productID,
			&rec.ImageURL, &rec.GarmentCount, &rec.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan result record: %w", err)
		}
		rec.UserID = nullString(userID)
		rec.StoreID = nullString(storeID)
		rec.ProductID = nullString(productID)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
