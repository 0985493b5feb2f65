package provider

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/log"
	"github.com/lunkerhunteruk-ctrl/vual-sub000/internal/tryon"

	"github.com/google/generative-ai-go/genai"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

// Gemini generates try-on composites through the Gemini image model. Calls
// run inside a circuit breaker so a failing upstream trips fast instead of
// burning the retry budget of every queued job.
type Gemini struct {
	apiKey string
	model  string
	cb     *gobreaker.CircuitBreaker
	http   *http.Client
	logger *log.Logger
}

func NewGemini(apiKey, model string, logger *log.Logger) *Gemini {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gemini",
		MaxRequests: 2,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 3
		},
	})
	return &Gemini{
		apiKey: apiKey,
		model:  model,
		cb:     cb,
		http:   &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

func (g *Gemini) Apply(ctx context.Context, req ApplyRequest) (*ApplyResult, error) {
	if g.apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is not set")
	}

	personData, err := g.resolveImage(ctx, req.PersonImage)
	if err != nil {
		return nil, fmt.Errorf("resolve person image: %w", err)
	}
	garmentData, err := g.resolveImage(ctx, req.GarmentImage)
	if err != nil {
		return nil, fmt.Errorf("resolve garment image: %w", err)
	}

	out, err := g.cb.Execute(func() (interface{}, error) {
		return g.generate(ctx, req, personData, garmentData)
	})
	if err != nil {
		return nil, Classify(err)
	}
	return out.(*ApplyResult), nil
}

func (g *Gemini) generate(ctx context.Context, req ApplyRequest, person, garment []byte) (*ApplyResult, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(g.apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	defer client.Close()

	model := client.GenerativeModel(g.model)
	start := time.Now()
	resp, err := model.GenerateContent(ctx,
		genai.Text(promptFor(req)),
		genai.ImageData("jpeg", person),
		genai.ImageData("jpeg", garment),
	)
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil ||
		len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("no content generated")
	}

	cand := resp.Candidates[0]
	for _, part := range cand.Content.Parts {
		if blob, ok := part.(genai.Blob); ok {
			g.logger.Info("Generated try-on composite",
				zap.String("category", string(req.Category)),
				zap.String("mode", string(req.Mode)),
				zap.Duration("duration", time.Since(start)))
			return &ApplyResult{
				Image:      blob.Data,
				MIMEType:   blob.MIMEType,
				Confidence: confidenceFor(cand),
			}, nil
		}
	}
	return nil, fmt.Errorf("response contained no image part")
}

func promptFor(req ApplyRequest) string {
	placement := map[tryon.Category]string{
		tryon.CategoryUpperBody: "the upper body",
		tryon.CategoryLowerBody: "the lower body",
		tryon.CategoryDresses:   "the full figure as a dress",
		tryon.CategoryFootwear:  "the feet",
	}[req.Category]

	var b strings.Builder
	fmt.Fprintf(&b, "Composite the garment from the second image onto %s of the person in the first image. ", placement)
	b.WriteString("Preserve the person's identity, pose, body shape and the background exactly. ")
	switch req.Mode {
	case tryon.ModeHighQuality:
		b.WriteString("Render at maximum fidelity with accurate fabric texture, drape and lighting.")
	case tryon.ModeAddItem:
		b.WriteString("The person is already wearing previously applied garments; add this item without altering them.")
	default:
		b.WriteString("Produce a natural full-body composition.")
	}
	return b.String()
}

// confidenceFor derives a coarse confidence score from the candidate
// metadata; the model itself reports none.
func confidenceFor(cand *genai.Candidate) float64 {
	if cand.FinishReason == genai.FinishReasonStop {
		return 0.95
	}
	return 0.7
}

func (g *Gemini) resolveImage(ctx context.Context, src string) ([]byte, error) {
	switch {
	case strings.HasPrefix(src, "http://"), strings.HasPrefix(src, "https://"):
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
		if err != nil {
			return nil, err
		}
		resp, err := g.http.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("fetch image: status %d", resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	case strings.HasPrefix(src, "data:"):
		idx := strings.Index(src, ",")
		if idx < 0 {
			return nil, fmt.Errorf("malformed data URI")
		}
		return base64.StdEncoding.DecodeString(src[idx+1:])
	default:
		return base64.StdEncoding.DecodeString(src)
	}
}
