package app

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	_ "golang.org/x/image/webp"

	"printframe/internal/util"
	"printframe/pkg/ai"
	"printframe/pkg/coloranalysis"
	"printframe/pkg/compositor"
	"printframe/pkg/delivery"
	"printframe/pkg/domain"
	"printframe/pkg/events"
	"printframe/pkg/pipeline"
	"printframe/pkg/queue"
	"printframe/pkg/storage"
	"printframe/pkg/store"
	"printframe/pkg/upscale"
)

// Download formats.
const (
	FormatZIP = "zip"
	FormatPDF = "pdf"
)

// Config holds runtime configuration.
type Config struct {
	DatabaseURL string
	// Store and Objects override DatabaseURL and the storage settings when set.
	Store   store.Store
	Objects storage.ObjectStore

	RedisAddr           string
	RedisPassword       string
	RedisDB             int
	QueueName           string
	QueueGroup          string
	QueueConcurrency    int
	QueueMaxAttempts    int
	QueueRetryDelay     time.Duration
	QueueMaxRetryDelay  time.Duration
	QueueClaimIdle      time.Duration
	QueueBlock          time.Duration
	DispatchConcurrency int

	StorageBackend string
	StoragePath    string
	Minio          storage.MinioConfig
	PublicBaseURL  string
	URLExpiry      time.Duration

	Vision               ai.ProviderConfig
	ColorAnalysisTimeout time.Duration
	Upscale              upscale.Config

	Events events.Config
	// Publisher overrides Events when set.
	Publisher events.Publisher

	Composer pipeline.Composer
	Logger   *slog.Logger
}

// App owns the pipeline: record store, object store, run queue and workers.
type App struct {
	store      store.Store
	ownsStore  bool
	objects    storage.ObjectStore
	queue      *queue.RedisJobQueue
	orch       *pipeline.Orchestrator
	dispatcher *pipeline.Dispatcher
	events     *events.BestEffort
	urlExpiry  time.Duration
	logger     *slog.Logger
	cancel     context.CancelFunc
}

// New constructs the pipeline service and starts its queue consumers.
func New(cfg Config) (*App, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dataStore := cfg.Store
	ownsStore := false
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		gs, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		dataStore = gs
		ownsStore = true
	}
	objects := cfg.Objects
	if objects == nil {
		var err error
		objects, err = newObjectStore(cfg)
		if err != nil {
			return nil, err
		}
	}
	analyzer, err := ai.NewImageAnalyzer(cfg.Vision)
	if err != nil {
		return nil, fmt.Errorf("init vision provider: %w", err)
	}
	colorOpts := []coloranalysis.Option{coloranalysis.WithLogger(logger)}
	if cfg.ColorAnalysisTimeout > 0 {
		colorOpts = append(colorOpts, coloranalysis.WithTimeout(cfg.ColorAnalysisTimeout))
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher, err = events.New(cfg.Events)
		if err != nil {
			return nil, fmt.Errorf("init events: %w", err)
		}
	}
	emitter := events.NewBestEffort(publisher, logger)

	q, err := queue.NewRedisJobQueue(queue.RedisQueueConfig{
		Addr:          cfg.RedisAddr,
		Password:      cfg.RedisPassword,
		DB:            cfg.RedisDB,
		Stream:        defaultString(cfg.QueueName, "printframe:pipeline"),
		Group:         defaultString(cfg.QueueGroup, "pipeline"),
		Consumer:      util.NewID(),
		MaxAttempts:   cfg.QueueMaxAttempts,
		Block:         cfg.QueueBlock,
		ClaimIdle:     cfg.QueueClaimIdle,
		RetryDelay:    cfg.QueueRetryDelay,
		MaxRetryDelay: cfg.QueueMaxRetryDelay,
		Logger:        logger,
	})
	if err != nil {
		_ = emitter.Close()
		return nil, fmt.Errorf("init queue: %w", err)
	}

	orch, err := pipeline.NewOrchestrator(pipeline.Config{
		Store:       dataStore,
		Objects:     objects,
		Checkpoints: q,
		Color:       coloranalysis.New(analyzer, colorOpts...),
		Upscaler:    upscale.New(cfg.Upscale, logger),
		Composer:    cfg.Composer,
		Events:      emitter,
		URLExpiry:   cfg.URLExpiry,
		Logger:      logger,
	})
	if err != nil {
		_ = q.Close()
		_ = emitter.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		store:      dataStore,
		ownsStore:  ownsStore,
		objects:    objects,
		queue:      q,
		orch:       orch,
		dispatcher: pipeline.NewDispatcher(dataStore, q, cfg.DispatchConcurrency, logger),
		urlExpiry:  cfg.URLExpiry,
		events:     emitter,
		logger:     logger,
		cancel:     cancel,
	}
	if app.urlExpiry <= 0 {
		app.urlExpiry = 7 * 24 * time.Hour
	}
	q.Start(ctx, cfg.QueueConcurrency, orch.Run, orch.Fail)
	return app, nil
}

func newObjectStore(cfg Config) (storage.ObjectStore, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.StorageBackend)) {
	case "", "minio":
		mc := cfg.Minio
		if mc.PublicBaseURL == "" {
			mc.PublicBaseURL = cfg.PublicBaseURL
		}
		objects, err := storage.NewMinioStore(mc)
		if err != nil {
			return nil, fmt.Errorf("init minio: %w", err)
		}
		return objects, nil
	case "file":
		objects, err := storage.NewFileStore(cfg.StoragePath, cfg.PublicBaseURL)
		if err != nil {
			return nil, fmt.Errorf("init file storage: %w", err)
		}
		return objects, nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.StorageBackend)
	}
}

// Close stops the consumers, waits for in-flight runs and releases connections.
func (a *App) Close() error {
	a.cancel()
	a.queue.Wait()
	errs := []error{a.events.Close(), a.queue.Close()}
	if a.ownsStore {
		if c, ok := a.store.(interface{ Close() error }); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// RedisClient exposes the queue's connection for the status rate limiter.
func (a *App) RedisClient() *redis.Client {
	return a.queue.Client()
}

// CreateBatch opens a new batch for ownerID.
func (a *App) CreateBatch(ctx context.Context, ownerID string) (domain.Batch, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return domain.Batch{}, fmt.Errorf("%w: ownerId required", ErrInvalidInput)
	}
	if strings.ContainsAny(ownerID, "/\\") {
		return domain.Batch{}, fmt.Errorf("%w: ownerId must not contain path separators", ErrInvalidInput)
	}
	b := domain.Batch{ID: util.NewID(), OwnerID: ownerID, CreatedAt: time.Now().UTC()}
	if err := a.store.SaveBatch(ctx, b); err != nil {
		return domain.Batch{}, fmt.Errorf("save batch: %w", err)
	}
	a.logger.Info("batch.created", "batch_id", b.ID, "owner_id", ownerID)
	return b, nil
}

// GetBatch returns a batch or ErrNotFound.
func (a *App) GetBatch(ctx context.Context, batchID string) (domain.Batch, error) {
	b, ok, err := a.store.GetBatch(ctx, batchID)
	if err != nil {
		return domain.Batch{}, err
	}
	if !ok {
		return domain.Batch{}, fmt.Errorf("%w: batch %s", ErrNotFound, batchID)
	}
	return b, nil
}

// RegisterImage adds an image whose source already lives at sourceURI: an
// object key or an http(s) URL.
func (a *App) RegisterImage(ctx context.Context, batchID, sourceURI string, crop *domain.CropRegion) (domain.Image, error) {
	sourceURI = strings.TrimSpace(sourceURI)
	if sourceURI == "" {
		return domain.Image{}, fmt.Errorf("%w: sourceUri required", ErrInvalidInput)
	}
	if err := validateCrop(crop); err != nil {
		return domain.Image{}, err
	}
	if _, err := a.GetBatch(ctx, batchID); err != nil {
		return domain.Image{}, err
	}
	img := domain.Image{ID: util.NewID(), BatchID: batchID, OriginalURL: sourceURI, Crop: crop}
	return a.saveImage(ctx, img)
}

// UploadImage stores the original bytes under the batch prefix and registers the image.
func (a *App) UploadImage(ctx context.Context, batchID string, data []byte, crop *domain.CropRegion) (domain.Image, error) {
	if len(data) == 0 {
		return domain.Image{}, fmt.Errorf("%w: empty image", ErrInvalidInput)
	}
	img, err := compositor.Decode(data)
	if err != nil {
		return domain.Image{}, fmt.Errorf("%w: unsupported image: %v", ErrInvalidInput, err)
	}
	if err := validateCrop(crop); err != nil {
		return domain.Image{}, err
	}
	bounds := img.Bounds()
	if err := compositor.CheckCrop(crop, bounds.Dx(), bounds.Dy()); err != nil {
		return domain.Image{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	b, err := a.GetBatch(ctx, batchID)
	if err != nil {
		return domain.Image{}, err
	}
	id := util.NewID()
	key := storage.Key(b.OwnerID, b.ID, id, storage.StageOriginal)
	if err := storage.PutBytes(ctx, a.objects, key, data, ai.DetectMIME(data)); err != nil {
		return domain.Image{}, fmt.Errorf("upload original: %w", err)
	}
	return a.saveImage(ctx, domain.Image{ID: id, BatchID: b.ID, OriginalURL: key, Crop: crop})
}

func (a *App) saveImage(ctx context.Context, img domain.Image) (domain.Image, error) {
	if err := a.store.SaveImage(ctx, img); err != nil {
		return domain.Image{}, fmt.Errorf("save image: %w", err)
	}
	saved, ok, err := a.store.GetImage(ctx, img.ID)
	if err != nil {
		return domain.Image{}, err
	}
	if !ok {
		return domain.Image{}, fmt.Errorf("%w: image %s", ErrNotFound, img.ID)
	}
	return saved, nil
}

// validateCrop rejects malformed rectangles. Uploads also check bounds against
// the decoded image; registered URLs are only checked by the compositor.
func validateCrop(crop *domain.CropRegion) error {
	if crop == nil {
		return nil
	}
	if crop.Width <= 0 || crop.Height <= 0 {
		return fmt.Errorf("%w: crop width and height must be positive", ErrInvalidInput)
	}
	if crop.X < 0 || crop.Y < 0 {
		return fmt.Errorf("%w: crop origin must not be negative", ErrInvalidInput)
	}
	return nil
}

// DispatchBatch triggers the pipeline for every pending or failed image.
func (a *App) DispatchBatch(ctx context.Context, batchID string) (domain.DispatchResult, error) {
	if _, err := a.GetBatch(ctx, batchID); err != nil {
		return domain.DispatchResult{}, err
	}
	return a.dispatcher.DispatchBatch(ctx, batchID), nil
}

// BatchStatus aggregates the batch's image statuses.
func (a *App) BatchStatus(ctx context.Context, batchID string) (domain.AggregateStatus, error) {
	if _, err := a.GetBatch(ctx, batchID); err != nil {
		return domain.AggregateStatus{}, err
	}
	return a.store.AggregateStatus(ctx, batchID)
}

// ListImages returns the images of a batch in creation order.
func (a *App) ListImages(ctx context.Context, batchID string) ([]domain.Image, error) {
	b, err := a.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	images, err := a.store.ListImagesByBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	for i := range images {
		images[i] = a.withAccessURL(ctx, b.OwnerID, images[i])
	}
	return images, nil
}

// GetImage returns one image or ErrNotFound.
func (a *App) GetImage(ctx context.Context, imageID string) (domain.Image, error) {
	img, ok, err := a.store.GetImage(ctx, imageID)
	if err != nil {
		return domain.Image{}, err
	}
	if !ok {
		return domain.Image{}, fmt.Errorf("%w: image %s", ErrNotFound, imageID)
	}
	if img.Status != domain.StatusCompleted {
		return img, nil
	}
	b, ok, err := a.store.GetBatch(ctx, img.BatchID)
	if err != nil {
		return domain.Image{}, err
	}
	if !ok {
		return img, nil
	}
	return a.withAccessURL(ctx, b.OwnerID, img), nil
}

// withAccessURL signs a fresh URL for the framed print of a completed image.
// The stored processed URL may be presigned and expire after urlExpiry.
func (a *App) withAccessURL(ctx context.Context, ownerID string, img domain.Image) domain.Image {
	if img.Status != domain.StatusCompleted {
		return img
	}
	key := storage.Key(ownerID, img.BatchID, img.ID, storage.StageFramed)
	url, err := storage.AccessURL(ctx, a.objects, key, a.urlExpiry)
	if err != nil {
		a.logger.Warn("image.access_url_failed", "image_id", img.ID, "key", key, "err", err)
		return img
	}
	img.ProcessedURL = url
	return img
}

// ResubmitImage moves a failed image back to pending and enqueues a new run.
func (a *App) ResubmitImage(ctx context.Context, imageID string) (domain.Image, error) {
	if _, err := a.dispatcher.Resubmit(ctx, imageID); err != nil {
		return domain.Image{}, translate(err)
	}
	return a.GetImage(ctx, imageID)
}

// DeleteImage removes an image and its stored artifacts.
func (a *App) DeleteImage(ctx context.Context, imageID string) error {
	img, err := a.GetImage(ctx, imageID)
	if err != nil {
		return err
	}
	b, ok, err := a.store.GetBatch(ctx, img.BatchID)
	if err != nil {
		return err
	}
	if ok {
		for _, stage := range []storage.Stage{storage.StageOriginal, storage.StageUpscaled, storage.StageFramed} {
			key := storage.Key(b.OwnerID, b.ID, img.ID, stage)
			if err := a.objects.Delete(ctx, key); err != nil {
				a.logger.Warn("image.object_delete_failed", "image_id", img.ID, "key", key, "err", err)
			}
		}
	}
	if err := a.store.DeleteImage(ctx, imageID); err != nil {
		return translate(err)
	}
	return nil
}

// DeleteBatch removes a batch, its images and every object under its prefix.
func (a *App) DeleteBatch(ctx context.Context, batchID string) error {
	b, err := a.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}
	if err := a.objects.DeletePrefix(ctx, storage.BatchPrefix(b.OwnerID, b.ID)); err != nil {
		return fmt.Errorf("delete objects: %w", err)
	}
	if err := a.store.DeleteBatch(ctx, batchID); err != nil {
		return translate(err)
	}
	a.logger.Info("batch.deleted", "batch_id", batchID)
	return nil
}

// Download renders the batch's completed prints as a ZIP archive or a PDF and
// returns the body with its content type.
func (a *App) Download(ctx context.Context, batchID, format string) ([]byte, string, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = FormatZIP
	}
	if format != FormatZIP && format != FormatPDF {
		return nil, "", fmt.Errorf("%w: unknown format %q", ErrInvalidInput, format)
	}
	b, err := a.GetBatch(ctx, batchID)
	if err != nil {
		return nil, "", err
	}
	items, err := delivery.Collect(ctx, a.store, a.objects, b)
	if errors.Is(err, delivery.ErrEmpty) {
		return nil, "", fmt.Errorf("%w: %v", ErrConflict, err)
	}
	if err != nil {
		return nil, "", err
	}
	var buf bytes.Buffer
	contentType := "application/zip"
	if format == FormatPDF {
		contentType = "application/pdf"
		err = delivery.WritePDF(&buf, items)
	} else {
		err = delivery.WriteZIP(&buf, items)
	}
	if err != nil {
		return nil, "", err
	}
	return buf.Bytes(), contentType, nil
}

func translate(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, domain.ErrInvalidTransition):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	default:
		return err
	}
}

func defaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
