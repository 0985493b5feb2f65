// Package processor drains the try-on queue one job at a time. The claim
// step relies on the store's conditional update as the system-wide mutual
// exclusion primitive, so any number of callers (enqueue path, sweeper,
// worker trigger) may invoke ProcessNext concurrently and at most one will
// end up executing a job.
package processor

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"time"

	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/cache"
	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/config"
	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/log"
	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/metrics"
	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/objectstore"
	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/provider"
	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/store"
	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/tryon"
	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/watermark"

	"go.uber.org/zap"
)

const (
	msgBusy       = "Another item is already being processed"
	msgQueueEmpty = "Queue is empty"
	msgStaleReset = "Processing timed out and was returned to the queue"
	msgCompleted  = "Processing completed"
)

// Result is what every ProcessNext call returns for expected conditions.
// The processor only errors on storage faults; "nothing to do" and "retry
// scheduled" are results, not errors, so redundant invocations are safe.
type Result struct {
	Processed      bool         `json:"processed"`
	Success        bool         `json:"success"`
	Message        string       `json:"message"`
	QueueID        string       `json:"queueId,omitempty"`
	Status         tryon.Status `json:"status,omitempty"`
	RetryInSeconds int          `json:"retryInSeconds,omitempty"`
}

type Processor struct {
	store    store.Store
	provider provider.ImageProvider
	objects  objectstore.ObjectStore
	results  store.ResultsStore
	cache    *cache.StatusCache
	metrics  *metrics.QueueMetrics
	logger   *log.Logger

	maxRetries     int
	retryBaseDelay time.Duration
	garmentDelay   time.Duration
	staleAfter     time.Duration

	// now and sleep are swapped out in tests.
	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

func New(
	cfg *config.Config,
	s store.Store,
	p provider.ImageProvider,
	objects objectstore.ObjectStore,
	results store.ResultsStore,
	statusCache *cache.StatusCache,
	m *metrics.QueueMetrics,
	logger *log.Logger,
) *Processor {
	return &Processor{
		store:          s,
		provider:       p,
		objects:        objects,
		results:        results,
		cache:          statusCache,
		metrics:        m,
		logger:         logger,
		maxRetries:     cfg.MaxRetries,
		retryBaseDelay: cfg.RetryBaseDelay,
		garmentDelay:   cfg.GarmentDelay,
		staleAfter:     cfg.StaleAfter,
		now:            time.Now,
		sleep:          sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ProcessNext runs one claim-and-drain cycle: sweep stale locks, enforce
// single-flight, pick the FIFO head, claim it and execute. Strict FIFO
// means an ineligible head (retry wake-up still in the future) blocks the
// whole queue; nothing behind it is considered.
func (p *Processor) ProcessNext(ctx context.Context) (*Result, error) {
	if _, err := p.store.ResetStale(ctx, p.staleAfter, msgStaleReset); err != nil {
		return nil, fmt.Errorf("stale sweep: %w", err)
	}

	processing, err := p.store.CountProcessing(ctx)
	if err != nil {
		return nil, err
	}
	if processing > 0 {
		return &Result{Processed: false, Message: msgBusy}, nil
	}

	head, err := p.store.OldestPending(ctx)
	if err != nil {
		return nil, err
	}
	if head == nil {
		return &Result{Processed: false, Message: msgQueueEmpty}, nil
	}

	if head.NextRetryAt != nil {
		if wait := head.NextRetryAt.Sub(p.now()); wait > 0 {
			secs := int(math.Ceil(wait.Seconds()))
			return &Result{
				Processed:      false,
				QueueID:        head.ID,
				Status:         tryon.StatusPending,
				Message:        fmt.Sprintf("Next item is waiting for retry in %ds", secs),
				RetryInSeconds: secs,
			}, nil
		}
	}

	claimed, err := p.store.Claim(ctx, head.ID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		// Another caller won the race; their cycle will run the job.
		return &Result{Processed: false, Message: msgBusy}, nil
	}

	p.logger.Info("Claimed try-on job",
		zap.String("queue_id", head.ID),
		zap.Int("garments", len(head.RequestData.GarmentImages)),
		zap.Int("retry_count", head.RetryCount))
	return p.execute(ctx, head)
}

// execute runs the sequential garment pipeline: each garment's output
// image becomes the person image for the next call, which is what lets one
// job stack multiple garments onto one figure.
func (p *Processor) execute(ctx context.Context, item *tryon.QueueItem) (*Result, error) {
	req := item.RequestData
	person := req.PersonImage

	var (
		results   []tryon.GarmentResult
		totalMs   int64
		lastImage []byte
		lastMIME  string
	)

	for i, garment := range req.GarmentImages {
		if i > 0 {
			// Fixed spacing between provider calls keeps us under the
			// upstream rate limit.
			if err := p.sleep(ctx, p.garmentDelay); err != nil {
				// Shutdown mid-job: leave the row in processing, the
				// stale sweep reclaims it.
				return nil, err
			}
		}
		mode := req.Mode
		if i > 0 {
			mode = tryon.ModeAddItem
		}

		start := p.now()
		out, err := p.provider.Apply(ctx, provider.ApplyRequest{
			PersonImage:  person,
			GarmentImage: garment,
			Category:     req.Categories[i],
			Mode:         mode,
		})
		elapsed := p.now().Sub(start)
		if p.metrics != nil {
			p.metrics.ProviderDuration.Observe(elapsed.Seconds())
		}
		if err != nil {
			return p.handleFailure(ctx, item, results, totalMs, err)
		}

		mime := out.MIMEType
		if mime == "" {
			mime = "image/png"
		}
		dataURI := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(out.Image)
		results = append(results, tryon.GarmentResult{
			ResultImage:      dataURI,
			Category:         req.Categories[i],
			ProcessingTimeMs: elapsed.Milliseconds(),
			Confidence:       out.Confidence,
		})
		totalMs += elapsed.Milliseconds()
		person = dataURI
		lastImage = out.Image
		lastMIME = mime
	}

	storedURL, err := p.storeFinalImage(ctx, item, lastImage, lastMIME, len(results))
	if err != nil {
		return p.handleFailure(ctx, item, results, totalMs, err)
	}

	resultData := &tryon.ResultData{
		Results:               results,
		TotalProcessingTimeMs: totalMs,
		StoredImageURL:        storedURL,
	}
	if err := p.store.MarkCompleted(ctx, item.ID, resultData); err != nil {
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.CompletedTotal.Inc()
	}
	p.cacheTerminal(ctx, item.ID)
	p.recalculate(ctx)

	p.logger.Info("Try-on job completed",
		zap.String("queue_id", item.ID),
		zap.Int64("total_ms", totalMs),
		zap.Int("garments", len(results)))
	return &Result{
		Processed: true,
		Success:   true,
		QueueID:   item.ID,
		Status:    tryon.StatusCompleted,
		Message:   msgCompleted,
	}, nil
}

// storeFinalImage watermarks, uploads and audits the composed image. The
// watermark step is non-fatal; upload and audit are part of completion.
func (p *Processor) storeFinalImage(ctx context.Context, item *tryon.QueueItem, img []byte, mime string, garments int) (string, error) {
	data := img
	contentType := mime
	if marked, err := watermark.Apply(img); err != nil {
		p.logger.Warn("Watermark failed, storing unmarked image",
			zap.Error(err), zap.String("queue_id", item.ID))
	} else {
		data = marked
		contentType = "image/png"
	}

	key := fmt.Sprintf("tryon-results/%s-%d.png", item.ID, p.now().UnixNano())
	if _, err := p.objects.Upload(ctx, key, data, contentType); err != nil {
		return "", fmt.Errorf("upload result image: %w", err)
	}

	url, err := p.objects.PresignURL(ctx, key)
	if err != nil {
		p.logger.Warn("Presign failed, returning object key",
			zap.Error(err), zap.String("key", key))
		url = key
	}

	if err := p.results.Append(ctx, store.ResultRecord{
		QueueID:      item.ID,
		UserID:       item.UserID,
		StoreID:      item.StoreID,
		ProductID:    item.ProductID,
		ImageURL:     key,
		GarmentCount: garments,
	}); err != nil {
		// The image is stored and the job will complete; losing the audit
		// row only degrades the gallery.
		p.logger.Error("Failed to append result audit row",
			zap.Error(err), zap.String("queue_id", item.ID))
	}
	return url, nil
}

func (p *Processor) handleFailure(ctx context.Context, item *tryon.QueueItem, results []tryon.GarmentResult, totalMs int64, cause error) (*Result, error) {
	rateLimited := provider.IsRateLimited(cause)

	if rateLimited && item.RetryCount < p.maxRetries {
		delay := p.backoffDelay(item.RetryCount)
		wake := p.now().Add(delay)
		msg := fmt.Sprintf("Rate limited by image provider. Retry %d/%d scheduled in %s",
			item.RetryCount+1, p.maxRetries, delay)
		// Partial garment results are deliberately dropped here: a retry
		// restarts the whole sequence from the original person image.
		if err := p.store.ScheduleRetry(ctx, item.ID, item.RetryCount+1, wake, msg); err != nil {
			return nil, err
		}
		if p.metrics != nil {
			p.metrics.RetriesTotal.Inc()
		}
		p.logger.Warn("Scheduled rate-limit retry",
			zap.String("queue_id", item.ID),
			zap.Int("retry_count", item.RetryCount+1),
			zap.Duration("backoff", delay))
		return &Result{
			Processed:      true,
			Success:        false,
			QueueID:        item.ID,
			Status:         tryon.StatusPending,
			Message:        msg,
			RetryInSeconds: int(delay / time.Second),
		}, nil
	}

	msg := cause.Error()
	if rateLimited {
		msg = fmt.Sprintf("Max retries (%d) exceeded: %s", p.maxRetries, cause.Error())
	}
	partial := &tryon.ResultData{Results: results, TotalProcessingTimeMs: totalMs}
	if err := p.store.MarkFailed(ctx, item.ID, partial, msg); err != nil {
		return nil, err
	}
	if p.metrics != nil {
		p.metrics.FailedTotal.Inc()
	}
	p.cacheTerminal(ctx, item.ID)
	p.recalculate(ctx)

	p.logger.Error("Try-on job failed",
		zap.String("queue_id", item.ID),
		zap.Int("partial_results", len(results)),
		zap.String("reason", msg))
	return &Result{
		Processed: true,
		Success:   false,
		QueueID:   item.ID,
		Status:    tryon.StatusFailed,
		Message:   msg,
	}, nil
}

// backoffDelay doubles the base delay per retry already consumed:
// 10s, 20s, 40s, 80s, 160s with the defaults.
func (p *Processor) backoffDelay(retryCount int) time.Duration {
	return p.retryBaseDelay * time.Duration(1<<uint(retryCount))
}

func (p *Processor) cacheTerminal(ctx context.Context, id string) {
	if p.cache == nil {
		return
	}
	item, err := p.store.Get(ctx, id)
	if err != nil {
		p.logger.Warn("Could not load item for status cache", zap.Error(err), zap.String("queue_id", id))
		return
	}
	p.cache.Put(ctx, item)
}

func (p *Processor) recalculate(ctx context.Context) {
	if err := p.store.RecalculatePositions(ctx); err != nil {
		p.logger.Error("Position recompute failed", zap.Error(err))
	}
}
