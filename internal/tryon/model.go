package tryon

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Category tells the provider how to composite a garment onto the person.
type Category string

const (
	CategoryUpperBody Category = "upper_body"
	CategoryLowerBody Category = "lower_body"
	CategoryDresses   Category = "dresses"
	CategoryFootwear  Category = "footwear"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryUpperBody, CategoryLowerBody, CategoryDresses, CategoryFootwear:
		return true
	}
	return false
}

type Mode string

const (
	ModeStandard    Mode = "standard"
	ModeHighQuality Mode = "high_quality"
	// ModeAddItem composites a garment onto a person image that is already
	// wearing previously applied garments. Used for every garment after the
	// first in a multi-garment job.
	ModeAddItem Mode = "add_item"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeStandard, ModeHighQuality, ModeAddItem:
		return true
	}
	return false
}

// MaxGarments bounds the number of garments per job.
const MaxGarments = 3

// RequestData is the payload captured at enqueue time. Images are either
// base64 data or URLs; the provider adapter resolves them.
type RequestData struct {
	PersonImage   string     `json:"personImage"`
	GarmentImages []string   `json:"garmentImages"`
	Categories    []Category `json:"categories"`
	Mode          Mode       `json:"mode"`
}

// GarmentResult is one entry of ResultData, in garment order.
type GarmentResult struct {
	ResultImage      string   `json:"resultImage"`
	Category         Category `json:"category"`
	ProcessingTimeMs int64    `json:"processingTimeMs"`
	Confidence       float64  `json:"confidence"`
}

// ResultData accumulates per-garment outputs. On failure it may hold a
// partial prefix of the garment list.
type ResultData struct {
	Results               []GarmentResult `json:"results"`
	TotalProcessingTimeMs int64           `json:"totalProcessingTimeMs"`
	StoredImageURL        string          `json:"storedImageUrl,omitempty"`
}

// QueueItem is one try-on job.
type QueueItem struct {
	ID            string      `json:"id"`
	UserID        *string     `json:"userId,omitempty"`
	Status        Status      `json:"status"`
	RequestData   RequestData `json:"requestData"`
	ResultData    *ResultData `json:"resultData,omitempty"`
	ErrorMessage  *string     `json:"errorMessage,omitempty"`
	QueuePosition int64       `json:"queuePosition"`
	RetryCount    int         `json:"retryCount"`
	NextRetryAt   *time.Time  `json:"nextRetryAt,omitempty"`

	StoreID             *string `json:"storeId,omitempty"`
	ProductID           *string `json:"productId,omitempty"`
	CreditSource        *string `json:"creditSource,omitempty"`
	CreditTransactionID *string `json:"creditTransactionId,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ClaimedAt   *time.Time `json:"-"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Terminal reports whether the item can no longer change state.
func (i *QueueItem) Terminal() bool {
	return i.Status == StatusCompleted || i.Status == StatusFailed
}

// Validate enforces the enqueue invariants: a person image, 1..3 garment
// images with a parallel category list, and a known mode.
func (r *RequestData) Validate() error {
	if r.PersonImage == "" {
		return fmt.Errorf("personImage is required")
	}
	if len(r.GarmentImages) == 0 {
		return fmt.Errorf("at least one garment image is required")
	}
	if len(r.GarmentImages) > MaxGarments {
		return fmt.Errorf("at most %d garment images are allowed, got %d", MaxGarments, len(r.GarmentImages))
	}
	if len(r.Categories) != len(r.GarmentImages) {
		return fmt.Errorf("categories length %d does not match garment images length %d",
			len(r.Categories), len(r.GarmentImages))
	}
	for i, g := range r.GarmentImages {
		if g == "" {
			return fmt.Errorf("garment image %d is empty", i)
		}
	}
	for i, c := range r.Categories {
		if !c.Valid() {
			return fmt.Errorf("invalid category %q at index %d", c, i)
		}
	}
	if r.Mode == "" {
		r.Mode = ModeStandard
	}
	if !r.Mode.Valid() {
		return fmt.Errorf("invalid mode %q", r.Mode)
	}
	return nil
}
