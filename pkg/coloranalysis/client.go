// Package coloranalysis asks a vision model for print color corrections.
package coloranalysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"printframe/pkg/ai"
	"printframe/pkg/domain"
)

const systemPrompt = `You are a print color specialist. Inspect the photo and recommend corrections
that make it look good printed on matte photo paper inside a frame.
Respond with a single JSON object and nothing else. Every numeric field is on a -100..100
scale where 0 means "leave unchanged":
{"brightness": n, "contrast": n, "saturation": n, "vibrance": n, "warmth": n,
 "highlights": n, "shadows": n, "recommendation": "one short sentence"}`

const userPrompt = "Analyze this photo and return the JSON adjustment object."

const adjustmentSchema = `{
  "type": "object",
  "required": ["brightness", "contrast", "saturation", "vibrance", "warmth", "highlights", "shadows", "recommendation"],
  "properties": {
    "brightness": {"type": "number"},
    "contrast": {"type": "number"},
    "saturation": {"type": "number"},
    "vibrance": {"type": "number"},
    "warmth": {"type": "number"},
    "highlights": {"type": "number"},
    "shadows": {"type": "number"},
    "recommendation": {"type": "string"}
  }
}`

var compiledSchema = jsonschema.MustCompileString("color_adjustment.json", adjustmentSchema)

// ErrNoJSON is returned by Parse when the reply holds no JSON object.
var ErrNoJSON = errors.New("no json object in model reply")

// Client turns an image into a ColorAdjustment.
type Client struct {
	analyzer ai.ImageAnalyzer
	timeout  time.Duration
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout bounds a single provider call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLogger sets the logger used for degradation warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New builds a Client. A nil analyzer always yields the neutral adjustment.
func New(analyzer ai.ImageAnalyzer, opts ...Option) *Client {
	c := &Client{
		analyzer: analyzer,
		timeout:  60 * time.Second,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Analyze never fails: provider and parse errors are logged and the neutral
// adjustment is returned instead.
func (c *Client) Analyze(ctx context.Context, image []byte) domain.ColorAdjustment {
	if c == nil || c.analyzer == nil {
		return domain.NeutralAdjustment()
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reply, err := c.analyzer.AnalyzeImage(callCtx, systemPrompt, userPrompt, image)
	if err != nil {
		c.logger.Warn("coloranalysis.provider_failed", "err", err)
		return domain.NeutralAdjustment()
	}
	adj, err := Parse(reply)
	if err != nil {
		c.logger.Warn("coloranalysis.invalid_reply", "err", err, "reply_len", len(reply))
		return domain.NeutralAdjustment()
	}
	return adj
}

// Parse extracts, validates and clamps an adjustment from a raw model reply.
func Parse(reply string) (domain.ColorAdjustment, error) {
	raw := extractJSON(reply)
	if raw == "" {
		return domain.ColorAdjustment{}, ErrNoJSON
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return domain.ColorAdjustment{}, fmt.Errorf("decode reply: %w", err)
	}
	if err := compiledSchema.Validate(v); err != nil {
		return domain.ColorAdjustment{}, fmt.Errorf("json does not match schema: %w", err)
	}
	var adj domain.ColorAdjustment
	if err := json.Unmarshal([]byte(raw), &adj); err != nil {
		return domain.ColorAdjustment{}, fmt.Errorf("decode adjustment: %w", err)
	}
	return adj.Clamped(), nil
}

// extractJSON strips markdown fences and surrounding prose around the outermost object.
func extractJSON(reply string) string {
	s := strings.TrimSpace(reply)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
