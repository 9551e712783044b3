// Package extract turns free-text order messages into extraction records
// using the Anthropic Messages API.
package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/order-cli/internal/metrics"
	"github.com/sells-group/order-cli/internal/model"
	"github.com/sells-group/order-cli/internal/resilience"
	"github.com/sells-group/order-cli/pkg/anthropic"
)

// ErrMalformedResponse is returned when the model reply cannot be turned into
// a valid extraction record.
var ErrMalformedResponse = eris.New("extract: malformed model response")

// UnknownCustomer is used when a reply names neither a person nor an
// organization.
const UnknownCustomer = "Unknown Customer"

// Config controls the extractor.
type Config struct {
	Model         string
	MaxTokens     int64
	RatePerSecond float64
	Burst         int
	Retry         resilience.RetryConfig
}

// DefaultConfig returns the extractor defaults.
func DefaultConfig() Config {
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("anthropic", "extract")
	return Config{
		Model:         "claude-haiku-4-5-20251001",
		MaxTokens:     2000,
		RatePerSecond: 2,
		Burst:         2,
		Retry:         retry,
	}
}

// Extractor calls the model once per message, rate limited and retried on
// transient API failures.
type Extractor struct {
	client  anthropic.Client
	cfg     Config
	limiter *rate.Limiter
}

// New creates an Extractor. Zero config fields take their defaults.
func New(client anthropic.Client, cfg Config) *Extractor {
	def := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = def.RatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = max(int(cfg.RatePerSecond), 1)
	}
	if cfg.Retry.ShouldRetry == nil {
		cfg.Retry.ShouldRetry = retryable
	}
	return &Extractor{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
	}
}

// Extract produces an extraction record for one message. The returned record
// has already passed wire and semantic validation.
func (e *Extractor) Extract(ctx context.Context, text, promptContext string) (*model.Extraction, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, eris.Wrap(model.ErrInvalidExtraction, "extract: empty message")
	}

	start := time.Now()
	req := anthropic.MessageRequest{
		Model:     e.cfg.Model,
		MaxTokens: e.cfg.MaxTokens,
		System:    anthropic.CachedSystem(systemPrompt),
		Messages:  []anthropic.Message{{Role: anthropic.RoleUser, Content: userPrompt(text, promptContext)}},
	}

	resp, err := resilience.DoVal(ctx, e.cfg.Retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "extract: rate limit wait")
		}
		return e.client.CreateMessage(ctx, req)
	})
	if err != nil {
		metrics.ExtractionsTotal.WithLabelValues("api_error").Inc()
		return nil, eris.Wrap(err, "extract: call model")
	}

	metrics.ExtractionTokens.WithLabelValues("input").Add(float64(resp.Usage.InputTokens))
	metrics.ExtractionTokens.WithLabelValues("output").Add(float64(resp.Usage.OutputTokens))
	resp.Usage.LogCost(e.cfg.Model, "extract")

	ext, err := parseReply(resp.Text(), text)
	if err != nil {
		metrics.ExtractionsTotal.WithLabelValues("parse_error").Inc()
		zap.L().Warn("extract: unusable model reply",
			zap.String("stop_reason", resp.StopReason),
			zap.Error(err),
		)
		return nil, err
	}

	metrics.ExtractionsTotal.WithLabelValues("ok").Inc()
	zap.L().Debug("extract: message extracted",
		zap.Int("items", len(ext.Items)),
		zap.String("confidence", string(ext.OverallConfidence)),
		zap.String("language", string(ext.DetectedLanguage)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return ext, nil
}

// parseReply decodes the model reply, applies the customer and language
// fallbacks, and validates the result.
func parseReply(reply, message string) (*model.Extraction, error) {
	var doc map[string]any
	dec := json.NewDecoder(bytes.NewReader([]byte(cleanJSON(reply))))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, eris.Wrapf(ErrMalformedResponse, "decode: %s", err.Error())
	}

	if name, _ := doc["customer_name"].(string); strings.TrimSpace(name) == "" {
		org, _ := doc["customer_organization"].(string)
		if org = strings.TrimSpace(org); org != "" {
			doc["customer_name"] = org
		} else {
			doc["customer_name"] = UnknownCustomer
		}
	}
	switch doc["detected_language"] {
	case string(model.LanguageEnglish), string(model.LanguageSwahili), string(model.LanguageMixed):
	default:
		delete(doc, "detected_language")
	}
	doc["raw_message"] = message

	ext, err := model.ParseExtractionValue(doc, nil)
	if err != nil {
		return nil, eris.Wrapf(ErrMalformedResponse, "%s", err.Error())
	}
	return ext, nil
}

// cleanJSON extracts a JSON object from text that may carry markdown code
// fences or surrounding prose.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}

// retryable retries transient HTTP statuses from the API and transient
// network failures.
func retryable(err error) bool {
	if code := anthropic.StatusCode(err); code != 0 {
		return resilience.IsTransientStatus(code)
	}
	return resilience.IsTransient(err)
}
