// Package provider wraps the image-generation backend. Error class is
// decided here, at the adapter boundary: callers test for RateLimitError
// instead of matching on message text.
package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/tryon"

	"github.com/sony/gobreaker"
	"google.golang.org/api/googleapi"
)

// ApplyRequest composites one garment onto a person image. PersonImage and
// GarmentImage are base64 data, data URIs, or fetchable URLs.
type ApplyRequest struct {
	PersonImage  string
	GarmentImage string
	Category     tryon.Category
	Mode         tryon.Mode
}

// ApplyResult is the provider's composited output.
type ApplyResult struct {
	Image      []byte
	MIMEType   string
	Confidence float64
}

// ImageProvider is the external image-generation collaborator.
type ImageProvider interface {
	Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error)
}

// RateLimitError marks a transient throttling failure that should be
// retried with backoff rather than failing the job.
type RateLimitError struct {
	Err error
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("image provider rate limited: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// IsRateLimited reports whether err belongs to the rate-limit class.
func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// rateLimitMarkers are the throttling phrases upstream APIs put in error
// text when no structured status code reaches us.
var rateLimitMarkers = []string{
	"rate limit",
	"quota exceeded",
	"too many requests",
	"resource exhausted",
	"resource_exhausted",
	"429",
}

// Classify wraps throttling errors in RateLimitError and passes everything
// else through unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if IsRateLimited(err) {
		return err
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == 429 {
		return &RateLimitError{Err: err}
	}
	// An open breaker means recent consecutive failures; backing off is
	// the right reaction for the queue as well.
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &RateLimitError{Err: err}
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return &RateLimitError{Err: err}
		}
	}
	return err
}
