package domain

import (
	"errors"
	"time"
)

// ImageStatus is the processing state of one image.
type ImageStatus string

const (
	StatusPending    ImageStatus = "pending"
	StatusProcessing ImageStatus = "processing"
	StatusCompleted  ImageStatus = "completed"
	StatusFailed     ImageStatus = "failed"
)

// ErrInvalidTransition is returned when a status change is not allowed by the image lifecycle.
var ErrInvalidTransition = errors.New("invalid image status transition")

// Valid reports whether s is one of the known statuses.
func (s ImageStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether no further pipeline work is expected for s.
func (s ImageStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether an image may move from one status to another.
// Re-asserting processing (retry attempt) and re-completing (idempotent re-run)
// are accepted; everything outside the lifecycle is rejected.
func CanTransition(from, to ImageStatus) bool {
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusProcessing || to == StatusCompleted || to == StatusFailed
	case StatusCompleted:
		return to == StatusCompleted
	case StatusFailed:
		return to == StatusPending
	}
	return false
}

// PredecessorsOf lists the statuses an image may be in right before entering to.
func PredecessorsOf(to ImageStatus) []ImageStatus {
	all := []ImageStatus{StatusPending, StatusProcessing, StatusCompleted, StatusFailed}
	out := make([]ImageStatus, 0, 2)
	for _, from := range all {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Batch groups images a user submitted together.
type Batch struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Image is one photograph traveling through the pipeline.
type Image struct {
	ID           string      `json:"id"`
	BatchID      string      `json:"batchId"`
	OriginalURL  string      `json:"originalUrl"`
	ProcessedURL string      `json:"processedUrl,omitempty"`
	Status       ImageStatus `json:"status"`
	ErrorMessage string      `json:"errorMessage,omitempty"`
	Crop         *CropRegion `json:"crop,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// CropRegion is a rectangle in source pixel coordinates.
type CropRegion struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// PipelineTrigger is the event that starts one pipeline run.
type PipelineTrigger struct {
	ImageID   string      `json:"imageId"`
	BatchID   string      `json:"batchId"`
	OwnerID   string      `json:"ownerId"`
	SourceURI string      `json:"sourceUri"`
	Crop      *CropRegion `json:"crop,omitempty"`
}

// DispatchResult reports how many images of a batch were handed to the pipeline.
type DispatchResult struct {
	Success        bool     `json:"success"`
	ProcessedCount int      `json:"processedCount"`
	Errors         []string `json:"errors"`
}
