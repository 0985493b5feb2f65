package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/cache"
	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/config"
	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/credit"
	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/log"
	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/metrics"
	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/objectstore"
	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/processor"
	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/store"
	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/tryon"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type enqueueRequest struct {
	PersonImage   string           `json:"personImage"`
	GarmentImages []string         `json:"garmentImages"`
	Categories    []tryon.Category `json:"categories"`
	Mode          tryon.Mode       `json:"mode"`
	UserID        *string          `json:"userId"`
	LineUserID    *string          `json:"lineUserId"`
	StoreID       *string          `json:"storeId"`
	ProductID     *string          `json:"productId"`
	CustomerID    *string          `json:"customerId"`
}

type enqueueResponse struct {
	Success           bool              `json:"success"`
	QueueID           string            `json:"queueId"`
	Position          int64             `json:"position"`
	ItemsAhead        int               `json:"itemsAhead"`
	EstimatedWaitTime int               `json:"estimatedWaitTime"`
	Message           string            `json:"message"`
	ProcessResult     *processor.Result `json:"processResult,omitempty"`
}

type statusResponse struct {
	Success           bool             `json:"success"`
	Item              *tryon.QueueItem `json:"item"`
	ItemsAhead        int              `json:"itemsAhead"`
	EstimatedWaitTime int              `json:"estimatedWaitTime"`
}

type apiError struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	ErrorCode string `json:"errorCode,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, code string) {
	writeJSON(w, status, apiError{Error: msg, ErrorCode: code})
}

func creditErrorText(code string) string {
	switch code {
	case credit.CodeInsufficientCredits:
		return "Insufficient credits"
	case credit.CodeNoBillingAccount:
		return "No billing account configured"
	default:
		return "Payment required"
	}
}

func SetupRouter(
	r *chi.Mux,
	cfg *config.Config,
	s store.Store,
	results store.ResultsStore,
	proc *processor.Processor,
	ledger credit.Ledger,
	statusCache *cache.StatusCache,
	objects objectstore.ObjectStore,
	m *metrics.QueueMetrics,
	ping func(ctx context.Context) error,
	logger *log.Logger,
) {
	r.Use(httprate.Limit(100, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP)))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			if err := ping(r.Context()); err != nil {
				logger.Error("Health check failed", zap.Error(err))
				http.Error(w, "Database unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.Write([]byte("OK"))
	})

	r.Post("/api/tryon", func(w http.ResponseWriter, r *http.Request) {
		var req enqueueRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Error("Failed to decode try-on request", zap.Error(err))
			writeError(w, http.StatusBadRequest, "Invalid request body", "")
			return
		}
		if req.UserID == nil {
			req.UserID = req.LineUserID
		}
		data := tryon.RequestData{
			PersonImage:   req.PersonImage,
			GarmentImages: req.GarmentImages,
			Categories:    req.Categories,
			Mode:          req.Mode,
		}
		if err := data.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), "")
			return
		}

		decision, err := ledger.CheckAndDeduct(r.Context(), credit.Request{
			StoreID:    req.StoreID,
			CustomerID: req.CustomerID,
			UserID:     req.UserID,
		})
		if err != nil {
			logger.Error("Credit check failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Credit check failed", "")
			return
		}
		if !decision.Allowed {
			writeError(w, http.StatusPaymentRequired,
				creditErrorText(decision.ErrorCode), decision.ErrorCode)
			return
		}

		pos, err := s.NextPosition(r.Context())
		if err != nil {
			logger.Error("Failed to allocate queue position", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Failed to enqueue", "")
			return
		}
		now := time.Now()
		item := &tryon.QueueItem{
			ID:            uuid.NewString(),
			UserID:        req.UserID,
			Status:        tryon.StatusPending,
			RequestData:   data,
			QueuePosition: pos,
			StoreID:       req.StoreID,
			ProductID:     req.ProductID,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if decision.Source != "" {
			item.CreditSource = &decision.Source
		}
		if decision.TransactionID != "" {
			item.CreditTransactionID = &decision.TransactionID
		}
		if err := s.Insert(r.Context(), item); err != nil {
			logger.Error("Failed to insert queue item", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Failed to enqueue", "")
			return
		}
		if m != nil {
			m.EnqueueTotal.Inc()
		}

		ahead, err := s.CountAhead(r.Context(), pos)
		if err != nil {
			logger.Error("Failed to count items ahead", zap.Error(err))
		}

		// Kick processing on the enqueue path so the queue drains without
		// requiring an external worker tick. The item just enqueued only
		// runs now if it is the eligible FIFO head.
		procRes, err := proc.ProcessNext(r.Context())
		if err != nil {
			logger.Error("Inline processing failed", zap.Error(err), zap.String("queue_id", item.ID))
		}

		writeJSON(w, http.StatusAccepted, enqueueResponse{
			Success:           true,
			QueueID:           item.ID,
			Position:          pos,
			ItemsAhead:        ahead,
			EstimatedWaitTime: (ahead + 1) * cfg.SecondsPerJob,
			Message:           "Try-on request queued",
			ProcessResult:     procRes,
		})
		logger.Info("Enqueued try-on request",
			zap.String("queue_id", item.ID), zap.Int64("position", pos), zap.Int("ahead", ahead))
	})

	r.Get("/api/tryon", func(w http.ResponseWriter, r *http.Request) {
		if id := r.URL.Query().Get("id"); id != "" {
			item := statusCache.Get(r.Context(), id)
			if item == nil {
				var err error
				item, err = s.Get(r.Context(), id)
				if errors.Is(err, store.ErrNotFound) {
					writeError(w, http.StatusNotFound, "Queue item not found", "")
					return
				}
				if err != nil {
					logger.Error("Failed to load queue item", zap.Error(err), zap.String("queue_id", id))
					writeError(w, http.StatusInternalServerError, "Failed to load queue item", "")
					return
				}
				statusCache.Put(r.Context(), item)
			}

			ahead, wait := 0, 0
			if !item.Terminal() {
				var err error
				ahead, err = s.CountAhead(r.Context(), item.QueuePosition)
				if err != nil {
					logger.Error("Failed to count items ahead", zap.Error(err))
				}
			}
			if item.Status == tryon.StatusPending {
				wait = (ahead + 1) * cfg.SecondsPerJob
			}
			writeJSON(w, http.StatusOK, statusResponse{
				Success:           true,
				Item:              item,
				ItemsAhead:        ahead,
				EstimatedWaitTime: wait,
			})
			return
		}

		if userID := r.URL.Query().Get("userId"); userID != "" {
			items, err := s.ListByUser(r.Context(), userID, 50)
			if err != nil {
				logger.Error("Failed to list user items", zap.Error(err), zap.String("user_id", userID))
				writeError(w, http.StatusInternalServerError, "Failed to list items", "")
				return
			}
			writeJSON(w, http.StatusOK, struct {
				Success bool               `json:"success"`
				Items   []*tryon.QueueItem `json:"items"`
				Count   int                `json:"count"`
			}{true, items, len(items)})
			return
		}

		st, err := s.Stats(r.Context())
		if err != nil {
			logger.Error("Failed to read queue stats", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Failed to read stats", "")
			return
		}
		writeJSON(w, http.StatusOK, struct {
			Success           bool        `json:"success"`
			Queue             store.Stats `json:"queue"`
			EstimatedWaitTime int         `json:"estimatedWaitTime"`
		}{true, st, (st.Pending + st.Processing) * cfg.SecondsPerJob})
	})

	r.Delete("/api/tryon", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		if id == "" {
			writeError(w, http.StatusBadRequest, "Missing id", "")
			return
		}
		err := s.Cancel(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Queue item not found", "")
			return
		}
		if errors.Is(err, store.ErrNotPending) {
			writeError(w, http.StatusBadRequest, err.Error(), "")
			return
		}
		if err != nil {
			logger.Error("Failed to cancel queue item", zap.Error(err), zap.String("queue_id", id))
			writeError(w, http.StatusInternalServerError, "Failed to cancel", "")
			return
		}
		statusCache.Drop(r.Context(), id)
		if m != nil {
			m.CanceledTotal.Inc()
		}
		if err := s.RecalculatePositions(r.Context()); err != nil {
			logger.Error("Position recompute failed after cancel", zap.Error(err))
		}
		logger.Info("Canceled queue item", zap.String("queue_id", id))
		writeJSON(w, http.StatusOK, struct {
			Success bool   `json:"success"`
			Message string `json:"message"`
		}{true, "Queue item canceled"})
	})

	// Worker tick: lets an external scheduler (cron, queue consumer) drive
	// the drain independently of user traffic.
	r.Post("/api/tryon/process", func(w http.ResponseWriter, r *http.Request) {
		if cfg.WorkerSecret != "" && r.Header.Get("X-Worker-Secret") != cfg.WorkerSecret {
			logger.Error("Worker secret mismatch")
			writeError(w, http.StatusUnauthorized, "Invalid worker secret", "")
			return
		}
		res, err := proc.ProcessNext(r.Context())
		if err != nil {
			logger.Error("Worker-triggered processing failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "Processing failed", "")
			return
		}
		writeJSON(w, http.StatusOK, res)
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(cfg.JWTSecret, logger))

		r.Get("/admin/results", func(w http.ResponseWriter, r *http.Request) {
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			if limit <= 0 || limit > 200 {
				limit = 50
			}
			recs, err := results.Recent(r.Context(), limit)
			if err != nil {
				logger.Error("Failed to list recent results", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "Failed to list results", "")
				return
			}
			type galleryEntry struct {
				store.ResultRecord
				URL string `json:"url"`
			}
			entries := make([]galleryEntry, 0, len(recs))
			for _, rec := range recs {
				url, err := objects.PresignURL(r.Context(), rec.ImageURL)
				if err != nil {
					logger.Warn("Presign failed for gallery entry",
						zap.Error(err), zap.String("key", rec.ImageURL))
					url = rec.ImageURL
				}
				entries = append(entries, galleryEntry{ResultRecord: rec, URL: url})
			}
			writeJSON(w, http.StatusOK, struct {
				Success bool           `json:"success"`
				Results []galleryEntry `json:"results"`
			}{true, entries})
		})
	})
}

func authMiddleware(jwtSecret string, logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr := r.Header.Get("Authorization")
			if tokenStr == "" {
				logger.Error("Missing authorization token")
				http.Error(w, "Missing token", http.StatusUnauthorized)
				return
			}
			if len(tokenStr) > 7 && tokenStr[:7] == "Bearer " {
				tokenStr = tokenStr[7:]
			}
			token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				logger.Error("Invalid JWT token", zap.Error(err))
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), "claims", token.Claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
