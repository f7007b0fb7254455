package store

import (
	"context"
	"errors"

	"printframe/pkg/domain"
)

// ErrNotFound is returned when a write targets a batch or image that does not exist.
var ErrNotFound = errors.New("record not found")

// Store persists batches and images. Status writes are guarded by the image
// lifecycle and fail with domain.ErrInvalidTransition when not allowed.
type Store interface {
	// batches
	SaveBatch(ctx context.Context, b domain.Batch) error
	GetBatch(ctx context.Context, id string) (domain.Batch, bool, error)
	DeleteBatch(ctx context.Context, id string) error

	// images
	SaveImage(ctx context.Context, img domain.Image) error
	GetImage(ctx context.Context, id string) (domain.Image, bool, error)
	ListImagesByBatch(ctx context.Context, batchID string) ([]domain.Image, error)
	ListEligibleImages(ctx context.Context, batchID string) ([]domain.Image, error)
	DeleteImage(ctx context.Context, id string) error

	// lifecycle
	MarkProcessing(ctx context.Context, id string) error
	CompleteImage(ctx context.Context, id, processedURL string) error
	FailImage(ctx context.Context, id, errMsg string) error
	ResubmitImage(ctx context.Context, id string) error

	// AggregateStatus counts images per status with a fresh query on every call.
	AggregateStatus(ctx context.Context, batchID string) (domain.AggregateStatus, error)
}
