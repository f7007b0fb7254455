package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"printframe/pkg/domain"
	"printframe/pkg/queue"
	"printframe/pkg/store"
)

// Enqueuer hands triggers to the run queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, trigger domain.PipelineTrigger) (queue.Job, error)
}

// Dispatcher triggers one pipeline run per eligible image.
type Dispatcher struct {
	store       store.Store
	queue       Enqueuer
	concurrency int
	logger      *slog.Logger
}

// NewDispatcher builds a Dispatcher; concurrency bounds parallel enqueues (default 8).
func NewDispatcher(st store.Store, q Enqueuer, concurrency int, logger *slog.Logger) *Dispatcher {
	if concurrency <= 0 {
		concurrency = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{store: st, queue: q, concurrency: concurrency, logger: logger}
}

// DispatchBatch enqueues every pending or failed image of a batch. Failed
// images are resubmitted first. It returns once every trigger is enqueued;
// per-image errors are collected and never stop the others.
func (d *Dispatcher) DispatchBatch(ctx context.Context, batchID string) domain.DispatchResult {
	res := domain.DispatchResult{Errors: []string{}}
	batch, ok, err := d.store.GetBatch(ctx, batchID)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("load batch %s: %v", batchID, err))
		return res
	}
	if !ok {
		res.Errors = append(res.Errors, fmt.Sprintf("batch %s not found", batchID))
		return res
	}
	images, err := d.store.ListEligibleImages(ctx, batchID)
	if err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("list images: %v", err))
		return res
	}

	var processed atomic.Int64
	perImage := make([]string, len(images))
	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for i, img := range images {
		i, img := i, img
		g.Go(func() error {
			if err := d.dispatchImage(ctx, batch, img); err != nil {
				perImage[i] = fmt.Sprintf("image %s: %v", img.ID, err)
				return nil
			}
			processed.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	for _, e := range perImage {
		if e != "" {
			res.Errors = append(res.Errors, e)
		}
	}
	res.ProcessedCount = int(processed.Load())
	res.Success = len(res.Errors) == 0
	d.logger.Info("dispatch.batch", "batch_id", batchID, "eligible", len(images), "processed", res.ProcessedCount, "errors", len(res.Errors))
	return res
}

// Resubmit moves one failed image back to pending and enqueues a fresh run.
func (d *Dispatcher) Resubmit(ctx context.Context, imageID string) (queue.Job, error) {
	img, ok, err := d.store.GetImage(ctx, imageID)
	if err != nil {
		return queue.Job{}, err
	}
	if !ok {
		return queue.Job{}, fmt.Errorf("image %s: %w", imageID, store.ErrNotFound)
	}
	if img.Status != domain.StatusFailed {
		return queue.Job{}, fmt.Errorf("%w: %s image cannot be resubmitted", domain.ErrInvalidTransition, img.Status)
	}
	batch, ok, err := d.store.GetBatch(ctx, img.BatchID)
	if err != nil {
		return queue.Job{}, err
	}
	if !ok {
		return queue.Job{}, fmt.Errorf("batch %s: %w", img.BatchID, store.ErrNotFound)
	}
	if err := d.store.ResubmitImage(ctx, imageID); err != nil {
		return queue.Job{}, err
	}
	return d.queue.Enqueue(ctx, triggerFor(batch, img))
}

func (d *Dispatcher) dispatchImage(ctx context.Context, batch domain.Batch, img domain.Image) error {
	if img.Status == domain.StatusFailed {
		if err := d.store.ResubmitImage(ctx, img.ID); err != nil {
			return fmt.Errorf("resubmit: %w", err)
		}
	}
	if _, err := d.queue.Enqueue(ctx, triggerFor(batch, img)); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

func triggerFor(batch domain.Batch, img domain.Image) domain.PipelineTrigger {
	return domain.PipelineTrigger{
		ImageID:   img.ID,
		BatchID:   batch.ID,
		OwnerID:   batch.OwnerID,
		SourceURI: img.OriginalURL,
		Crop:      img.Crop,
	}
}
