// Package pipeline drives images through color analysis, upscaling and
// framing on top of the durable run queue.
package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"printframe/pkg/compositor"
	"printframe/pkg/domain"
	"printframe/pkg/events"
	"printframe/pkg/queue"
	"printframe/pkg/storage"
	"printframe/pkg/store"
	"printframe/pkg/upscale"
)

// Step names double as checkpoint fields in the job hash.
const (
	StepMarkProcessing = "mark-processing"
	StepAnalyzeColor   = "analyze-color"
	StepUpscale        = "upscale"
	StepCompose        = "compose-and-persist"
)

// UpscaleFactor is the fixed enlargement requested from the provider.
const UpscaleFactor = 2

const (
	checkpointDone    = "done"
	checkpointSkipped = "skipped"
	maxSourceBytes    = 64 << 20
)

// Checkpointer persists per-run step results. RedisJobQueue implements it.
type Checkpointer interface {
	LoadCheckpoint(ctx context.Context, jobID, step string) (string, bool, error)
	SaveCheckpoint(ctx context.Context, jobID, step, value string) error
}

// ColorAnalyzer recommends a color adjustment and never fails.
type ColorAnalyzer interface {
	Analyze(ctx context.Context, image []byte) domain.ColorAdjustment
}

// Upscaler enlarges an image through an external provider.
type Upscaler interface {
	Enabled() bool
	Upscale(ctx context.Context, image []byte, scale int) (upscale.Result, error)
	Bytes(ctx context.Context, res upscale.Result) ([]byte, error)
}

// Composer renders the framed print.
type Composer interface {
	Compose(src []byte, adj domain.ColorAdjustment, crop *domain.CropRegion) ([]byte, error)
}

// Emitter receives status events; failures stay inside the emitter.
type Emitter interface {
	Emit(ctx context.Context, evt events.ImageStatusEvent)
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Store       store.Store
	Objects     storage.ObjectStore
	Checkpoints Checkpointer
	Color       ColorAnalyzer
	// Upscaler is optional; nil or disabled skips the upscale step.
	Upscaler Upscaler
	// Composer defaults to the standard 8x10 layout.
	Composer   Composer
	Events     Emitter
	HTTPClient *http.Client
	// URLExpiry bounds presigned access URLs (default 7 days).
	URLExpiry time.Duration
	Logger    *slog.Logger
}

// Orchestrator runs the per-image pipeline.
type Orchestrator struct {
	store       store.Store
	objects     storage.ObjectStore
	checkpoints Checkpointer
	color       ColorAnalyzer
	upscaler    Upscaler
	composer    Composer
	events      Emitter
	httpClient  *http.Client
	urlExpiry   time.Duration
	logger      *slog.Logger
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, events.ImageStatusEvent) {}

// NewOrchestrator validates cfg and fills defaults.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, errors.New("record store required")
	}
	if cfg.Objects == nil {
		return nil, errors.New("object store required")
	}
	if cfg.Checkpoints == nil {
		return nil, errors.New("checkpointer required")
	}
	o := &Orchestrator{
		store:       cfg.Store,
		objects:     cfg.Objects,
		checkpoints: cfg.Checkpoints,
		color:       cfg.Color,
		upscaler:    cfg.Upscaler,
		composer:    cfg.Composer,
		events:      cfg.Events,
		httpClient:  cfg.HTTPClient,
		urlExpiry:   cfg.URLExpiry,
		logger:      cfg.Logger,
	}
	if o.composer == nil {
		o.composer = compositor.New(compositor.DefaultLayout())
	}
	if o.events == nil {
		o.events = noopEmitter{}
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if o.urlExpiry <= 0 {
		o.urlExpiry = 7 * 24 * time.Hour
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	return o, nil
}

// Run executes one pipeline run. Returned errors are retried by the queue
// unless wrapped with queue.Permanent.
func (o *Orchestrator) Run(ctx context.Context, job queue.Job) error {
	t := job.Trigger
	if strings.TrimSpace(t.ImageID) == "" {
		return queue.Permanent(errors.New("trigger has no image id"))
	}
	logger := o.logger.With("job_id", job.ID, "image_id", t.ImageID, "batch_id", t.BatchID, "attempt", job.Attempts)

	if err := o.markProcessing(ctx, job, logger); err != nil {
		return err
	}
	source, err := o.loadSource(ctx, t.SourceURI)
	if err != nil {
		return err
	}
	adj := o.analyzeColor(ctx, job, source, logger)
	upscaledKey := o.upscale(ctx, job, source, logger)
	return o.composeAndPersist(ctx, job, source, upscaledKey, adj, logger)
}

// Fail is the queue's final-failure hook: the image becomes failed and the reason is kept.
func (o *Orchestrator) Fail(ctx context.Context, job queue.Job, runErr error) {
	t := job.Trigger
	msg := "pipeline failed"
	if runErr != nil {
		msg = runErr.Error()
	}
	o.logger.Error("pipeline.failed", "job_id", job.ID, "image_id", t.ImageID, "batch_id", t.BatchID, "attempts", job.Attempts, "err", msg)
	if err := o.store.FailImage(ctx, t.ImageID, msg); err != nil {
		o.logger.Error("pipeline.fail_write_failed", "image_id", t.ImageID, "err", err)
		return
	}
	o.events.Emit(ctx, events.ImageStatusEvent{
		ImageID: t.ImageID,
		BatchID: t.BatchID,
		Status:  domain.StatusFailed,
		Error:   msg,
	})
}

func (o *Orchestrator) markProcessing(ctx context.Context, job queue.Job, logger *slog.Logger) error {
	t := job.Trigger
	if _, ok := o.loadCheckpoint(ctx, job.ID, StepMarkProcessing, logger); ok {
		return nil
	}
	logger.Info("pipeline.step.start", "step", StepMarkProcessing)
	img, ok, err := o.store.GetImage(ctx, t.ImageID)
	if err != nil {
		return fmt.Errorf("load image: %w", err)
	}
	if !ok {
		return queue.Permanent(fmt.Errorf("image %s: %w", t.ImageID, store.ErrNotFound))
	}
	if img.Status == domain.StatusCompleted {
		// re-run of a finished image: keep it completed and overwrite its result
		logger.Info("pipeline.rerun", "processed_url", img.ProcessedURL)
	} else {
		if err := o.store.MarkProcessing(ctx, t.ImageID); err != nil {
			if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
				return queue.Permanent(fmt.Errorf("mark processing: %w", err))
			}
			return fmt.Errorf("mark processing: %w", err)
		}
		o.events.Emit(ctx, events.ImageStatusEvent{ImageID: t.ImageID, BatchID: t.BatchID, Status: domain.StatusProcessing})
	}
	o.saveCheckpoint(ctx, job.ID, StepMarkProcessing, checkpointDone, logger)
	return nil
}

func (o *Orchestrator) analyzeColor(ctx context.Context, job queue.Job, source []byte, logger *slog.Logger) domain.ColorAdjustment {
	if raw, ok := o.loadCheckpoint(ctx, job.ID, StepAnalyzeColor, logger); ok {
		var adj domain.ColorAdjustment
		if err := json.Unmarshal([]byte(raw), &adj); err == nil {
			return adj.Clamped()
		}
		logger.Warn("pipeline.checkpoint_corrupt", "step", StepAnalyzeColor)
	}
	logger.Info("pipeline.step.start", "step", StepAnalyzeColor)
	adj := domain.NeutralAdjustment()
	if o.color != nil {
		adj = o.color.Analyze(ctx, source)
	}
	adj = adj.Clamped()
	if raw, err := json.Marshal(adj); err == nil {
		o.saveCheckpoint(ctx, job.ID, StepAnalyzeColor, string(raw), logger)
	}
	return adj
}

// upscale returns the object key of the enlarged image, or "" to continue with the original.
func (o *Orchestrator) upscale(ctx context.Context, job queue.Job, source []byte, logger *slog.Logger) string {
	if o.upscaler == nil || !o.upscaler.Enabled() {
		return ""
	}
	if v, ok := o.loadCheckpoint(ctx, job.ID, StepUpscale, logger); ok {
		if v == checkpointSkipped {
			return ""
		}
		return v
	}
	logger.Info("pipeline.step.start", "step", StepUpscale)
	t := job.Trigger
	key, err := o.upscaleAndStore(ctx, t, source)
	if err != nil {
		logger.Warn("pipeline.upscale_skipped", "err", err)
		o.saveCheckpoint(ctx, job.ID, StepUpscale, checkpointSkipped, logger)
		return ""
	}
	o.saveCheckpoint(ctx, job.ID, StepUpscale, key, logger)
	return key
}

func (o *Orchestrator) upscaleAndStore(ctx context.Context, t domain.PipelineTrigger, source []byte) (string, error) {
	res, err := o.upscaler.Upscale(ctx, source, UpscaleFactor)
	if err != nil {
		return "", err
	}
	data, err := o.upscaler.Bytes(ctx, res)
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", errors.New("empty upscale result")
	}
	key := storage.Key(t.OwnerID, t.BatchID, t.ImageID, storage.StageUpscaled)
	if err := storage.PutBytes(ctx, o.objects, key, data, "image/jpeg"); err != nil {
		return "", fmt.Errorf("store upscaled image: %w", err)
	}
	return key, nil
}

func (o *Orchestrator) composeAndPersist(ctx context.Context, job queue.Job, source []byte, upscaledKey string, adj domain.ColorAdjustment, logger *slog.Logger) error {
	t := job.Trigger
	logger.Info("pipeline.step.start", "step", StepCompose)

	framed, err := o.compose(ctx, source, upscaledKey, adj, t.Crop, logger)
	if err != nil {
		if errors.Is(err, compositor.ErrInvalidCrop) || errors.Is(err, compositor.ErrDecode) {
			return queue.Permanent(fmt.Errorf("compose: %w", err))
		}
		return fmt.Errorf("compose: %w", err)
	}
	key := storage.Key(t.OwnerID, t.BatchID, t.ImageID, storage.StageFramed)
	if err := storage.PutBytes(ctx, o.objects, key, framed, "image/jpeg"); err != nil {
		return fmt.Errorf("upload framed image: %w", err)
	}
	url, err := storage.AccessURL(ctx, o.objects, key, o.urlExpiry)
	if err != nil {
		return err
	}
	if err := o.store.CompleteImage(ctx, t.ImageID, url); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
			return queue.Permanent(fmt.Errorf("complete image: %w", err))
		}
		return fmt.Errorf("complete image: %w", err)
	}
	o.events.Emit(ctx, events.ImageStatusEvent{ImageID: t.ImageID, BatchID: t.BatchID, Status: domain.StatusCompleted, ProcessedURL: url})
	logger.Info("pipeline.completed", "key", key, "upscaled", upscaledKey != "")
	return nil
}

// compose prefers the upscaled image and falls back to the original when
// the upscaled object is gone or undecodable.
func (o *Orchestrator) compose(ctx context.Context, source []byte, upscaledKey string, adj domain.ColorAdjustment, crop *domain.CropRegion, logger *slog.Logger) ([]byte, error) {
	if upscaledKey == "" {
		return o.composer.Compose(source, adj, crop)
	}
	best, err := o.objects.Get(ctx, upscaledKey)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("load upscaled image: %w", err)
		}
		logger.Warn("pipeline.upscaled_missing", "key", upscaledKey)
		return o.composer.Compose(source, adj, crop)
	}
	// crop coordinates refer to the original, so they are scaled with the image
	framed, err := o.composer.Compose(best, adj, scaleCrop(crop, source, best))
	if errors.Is(err, compositor.ErrDecode) || errors.Is(err, compositor.ErrInvalidCrop) {
		logger.Warn("pipeline.upscaled_unusable", "key", upscaledKey, "err", err)
		return o.composer.Compose(source, adj, crop)
	}
	return framed, err
}

func scaleCrop(crop *domain.CropRegion, source, upscaled []byte) *domain.CropRegion {
	if crop == nil {
		return nil
	}
	src, _, err := image.DecodeConfig(bytes.NewReader(source))
	if err != nil || src.Width == 0 || src.Height == 0 {
		return crop
	}
	up, _, err := image.DecodeConfig(bytes.NewReader(upscaled))
	if err != nil {
		return crop
	}
	sx := float64(up.Width) / float64(src.Width)
	sy := float64(up.Height) / float64(src.Height)
	return &domain.CropRegion{
		X:      int(math.Floor(float64(crop.X) * sx)),
		Y:      int(math.Floor(float64(crop.Y) * sy)),
		Width:  int(math.Floor(float64(crop.Width) * sx)),
		Height: int(math.Floor(float64(crop.Height) * sy)),
	}
}

// loadSource reads the original from the object store, or over HTTP for absolute URLs.
func (o *Orchestrator) loadSource(ctx context.Context, uri string) ([]byte, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return nil, queue.Permanent(errors.New("trigger has no source uri"))
	}
	if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
		return o.download(ctx, uri)
	}
	data, err := o.objects.Get(ctx, uri)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, queue.Permanent(fmt.Errorf("load source %s: %w", uri, err))
		}
		return nil, fmt.Errorf("load source %s: %w", uri, err)
	}
	return data, nil
}

func (o *Orchestrator) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, queue.Permanent(fmt.Errorf("source request: %w", err))
	}
	resp, err := o.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download source: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("download source: %s", resp.Status)
	}
	if resp.StatusCode >= 400 {
		return nil, queue.Permanent(fmt.Errorf("download source: %s", resp.Status))
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxSourceBytes))
}

func (o *Orchestrator) loadCheckpoint(ctx context.Context, jobID, step string, logger *slog.Logger) (string, bool) {
	v, ok, err := o.checkpoints.LoadCheckpoint(ctx, jobID, step)
	if err != nil {
		logger.Warn("pipeline.checkpoint_load_failed", "step", step, "err", err)
		return "", false
	}
	return v, ok
}

func (o *Orchestrator) saveCheckpoint(ctx context.Context, jobID, step, value string, logger *slog.Logger) {
	if err := o.checkpoints.SaveCheckpoint(ctx, jobID, step, value); err != nil {
		logger.Warn("pipeline.checkpoint_save_failed", "step", step, "err", err)
	}
}
