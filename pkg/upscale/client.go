// Package upscale talks to an external super-resolution provider.
package upscale

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"printframe/pkg/ai"
)

var (
	ErrNotConfigured = errors.New("upscale provider not configured")
	ErrJobFailed     = errors.New("upscale job failed")
	ErrTimeout       = errors.New("upscale job did not finish in time")
	ErrUnrecognized  = errors.New("unrecognized upscale response")
)

const maxDownloadBytes = 64 << 20

// Kind tags the variant held by a Result.
type Kind int

const (
	KindBinary Kind = iota + 1
	KindURL
)

func (k Kind) String() string {
	switch k {
	case KindBinary:
		return "binary"
	case KindURL:
		return "url"
	}
	return "unknown"
}

// Result is either the enlarged image bytes or a URL to fetch them from.
type Result struct {
	Kind  Kind
	Bytes []byte
	URL   string
}

// Config configures the provider endpoint and the polling budget.
type Config struct {
	Endpoint string
	APIKey   string
	// StatusURLTemplate is used for job ids returned without a status URL; "{id}" is replaced.
	StatusURLTemplate string
	PollInterval      time.Duration
	MaxPolls          int
	SubmitAttempts    int
	SubmitBackoff     time.Duration
	HTTPTimeout       time.Duration
}

// Client submits images for upscaling and resolves the provider's answer.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// New builds a Client, filling zero config fields with defaults.
func New(cfg Config, logger *slog.Logger) *Client {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 40
	}
	if cfg.SubmitAttempts <= 0 {
		cfg.SubmitAttempts = 3
	}
	if cfg.SubmitBackoff <= 0 {
		cfg.SubmitBackoff = 500 * time.Millisecond
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		logger:     logger,
	}
}

// Enabled reports whether a provider endpoint is configured.
func (c *Client) Enabled() bool {
	return c != nil && c.cfg.Endpoint != ""
}

type submitRequest struct {
	Image string `json:"image"`
	Scale int    `json:"scale"`
}

// Upscale submits image and waits for the provider's result.
func (c *Client) Upscale(ctx context.Context, image []byte, scale int) (Result, error) {
	if !c.Enabled() {
		return Result{}, ErrNotConfigured
	}
	if scale <= 0 {
		scale = 2
	}
	payload, err := json.Marshal(submitRequest{
		Image: "data:" + ai.DetectMIME(image) + ";base64," + base64.StdEncoding.EncodeToString(image),
		Scale: scale,
	})
	if err != nil {
		return Result{}, err
	}

	var (
		contentType string
		body        []byte
	)
	backoff := retry.WithMaxRetries(uint64(c.cfg.SubmitAttempts-1), retry.NewExponential(c.cfg.SubmitBackoff))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		ct, b, err := c.send(ctx, http.MethodPost, c.cfg.Endpoint, payload)
		if err != nil {
			c.logger.Warn("upscale.submit_failed", "err", err)
			return err
		}
		contentType, body = ct, b
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("submit upscale: %w", err)
	}
	if strings.HasPrefix(contentType, "image/") {
		return Result{Kind: KindBinary, Bytes: body}, nil
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrUnrecognized, err)
	}
	return c.resolve(ctx, doc)
}

// resolve turns one provider document into a Result, polling when it only names a job.
func (c *Client) resolve(ctx context.Context, doc map[string]any) (Result, error) {
	if res, ok, err := outputOf(doc); ok || err != nil {
		return res, err
	}
	switch normalizeStatus(doc) {
	case statusFailed:
		return Result{}, fmt.Errorf("%w: %s", ErrJobFailed, errorMessage(doc))
	case statusSucceeded:
		return Result{}, fmt.Errorf("%w: job finished without output", ErrUnrecognized)
	}
	jobID := firstString(doc, "id", "job_id", "prediction_id", "task_id")
	if jobID == "" {
		return Result{}, ErrUnrecognized
	}
	statusURL := statusURLOf(doc)
	if statusURL == "" && c.cfg.StatusURLTemplate != "" {
		statusURL = strings.ReplaceAll(c.cfg.StatusURLTemplate, "{id}", jobID)
	}
	if statusURL == "" {
		return Result{}, fmt.Errorf("%w: job %s has no status url", ErrUnrecognized, jobID)
	}
	return c.poll(ctx, jobID, statusURL)
}

func (c *Client) poll(ctx context.Context, jobID, statusURL string) (Result, error) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for attempt := 1; attempt <= c.cfg.MaxPolls; attempt++ {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-ticker.C:
		}
		_, body, err := c.send(ctx, http.MethodGet, statusURL, nil)
		if err != nil {
			c.logger.Warn("upscale.poll_failed", "job_id", jobID, "attempt", attempt, "err", err)
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal(body, &doc); err != nil {
			c.logger.Warn("upscale.poll_decode_failed", "job_id", jobID, "attempt", attempt, "err", err)
			continue
		}
		status := normalizeStatus(doc)
		c.logger.Debug("upscale.poll", "job_id", jobID, "attempt", attempt, "status", status.String())
		switch status {
		case statusFailed:
			return Result{}, fmt.Errorf("%w: %s", ErrJobFailed, errorMessage(doc))
		case statusSucceeded:
			res, ok, err := outputOf(doc)
			if err != nil {
				return Result{}, err
			}
			if !ok {
				return Result{}, fmt.Errorf("%w: job %s finished without output", ErrUnrecognized, jobID)
			}
			return res, nil
		}
	}
	return Result{}, fmt.Errorf("%w: job %s after %d polls", ErrTimeout, jobID, c.cfg.MaxPolls)
}

// Fetch downloads a URL result. data: URLs are decoded in place.
func (c *Client) Fetch(ctx context.Context, url string) ([]byte, error) {
	if strings.HasPrefix(url, "data:") {
		return decodeBase64(url)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch upscaled image: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch upscaled image: %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
}

// Bytes returns the image bytes of res, fetching URL results.
func (c *Client) Bytes(ctx context.Context, res Result) ([]byte, error) {
	switch res.Kind {
	case KindBinary:
		return res.Bytes, nil
	case KindURL:
		return c.Fetch(ctx, res.URL)
	}
	return nil, ErrUnrecognized
}

// send performs one request. Network failures and 5xx answers are retryable.
func (c *Client) send(ctx context.Context, method, url string, payload []byte) (string, []byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return "", nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", nil, retry.RetryableError(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDownloadBytes))
	if err != nil {
		return "", nil, retry.RetryableError(err)
	}
	if resp.StatusCode >= 500 {
		return "", nil, retry.RetryableError(fmt.Errorf("upscale provider error: %s", resp.Status))
	}
	if resp.StatusCode >= 400 {
		return "", nil, fmt.Errorf("upscale provider error: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return resp.Header.Get("Content-Type"), body, nil
}
