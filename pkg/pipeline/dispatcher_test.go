package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"printframe/pkg/domain"
	"printframe/pkg/queue"
	"printframe/pkg/store"
)

type fakeEnqueuer struct {
	mu       sync.Mutex
	failFor  map[string]bool
	triggers []domain.PipelineTrigger
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, trigger domain.PipelineTrigger) (queue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[trigger.ImageID] {
		return queue.Job{}, errors.New("redis unavailable")
	}
	f.triggers = append(f.triggers, trigger)
	return queue.Job{ID: "job-" + trigger.ImageID, Trigger: trigger}, nil
}

func (f *fakeEnqueuer) trigger(imageID string) (domain.PipelineTrigger, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.triggers {
		if t.ImageID == imageID {
			return t, true
		}
	}
	return domain.PipelineTrigger{}, false
}

func TestDispatchBatchUnknownBatch(t *testing.T) {
	env := newTestEnv(t)
	res := NewDispatcher(env.store, &fakeEnqueuer{}, 2, nil).DispatchBatch(context.Background(), "nope")
	if res.Success || res.ProcessedCount != 0 || len(res.Errors) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestDispatchBatchCollectsPerImageErrors(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, "b1", "i1", "i2", "i3", "i4")
	crop := &domain.CropRegion{X: 1, Y: 2, Width: 30, Height: 20}
	img := env.image(t, "i2")
	img.Crop = crop
	if err := env.store.SaveImage(ctx, img); err != nil {
		t.Fatalf("save crop: %v", err)
	}
	// i2 failed earlier, i3 is already completed
	for _, step := range []func() error{
		func() error { return env.store.MarkProcessing(ctx, "i2") },
		func() error { return env.store.FailImage(ctx, "i2", "boom") },
		func() error { return env.store.MarkProcessing(ctx, "i3") },
		func() error { return env.store.CompleteImage(ctx, "i3", "http://files.test/x.jpg") },
	} {
		if err := step(); err != nil {
			t.Fatalf("prepare: %v", err)
		}
	}

	enq := &fakeEnqueuer{failFor: map[string]bool{"i4": true}}
	res := NewDispatcher(env.store, enq, 2, nil).DispatchBatch(ctx, "b1")
	if res.Success || res.ProcessedCount != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "i4") {
		t.Fatalf("expected a single error for i4, got %v", res.Errors)
	}
	if _, ok := enq.trigger("i3"); ok {
		t.Fatalf("completed image must not be dispatched")
	}
	trig, ok := enq.trigger("i2")
	if !ok {
		t.Fatalf("failed image should be dispatched")
	}
	if trig.OwnerID != testOwner || trig.SourceURI != img.OriginalURL || trig.Crop == nil || *trig.Crop != *crop {
		t.Fatalf("unexpected trigger %+v", trig)
	}
	if got := env.image(t, "i2"); got.Status != domain.StatusPending || got.ErrorMessage != "" {
		t.Fatalf("failed image should be resubmitted first, got %+v", got)
	}
}

func TestDispatchBatchEmptyBatchSucceeds(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "b1")
	res := NewDispatcher(env.store, &fakeEnqueuer{}, 2, nil).DispatchBatch(context.Background(), "b1")
	if !res.Success || res.ProcessedCount != 0 || res.Errors == nil {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestResubmitOnlyAcceptsFailedImages(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, "b1", "i1")
	enq := &fakeEnqueuer{}
	d := NewDispatcher(env.store, enq, 1, nil)

	if _, err := d.Resubmit(ctx, "i1"); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("pending image cannot be resubmitted, got %v", err)
	}
	if _, err := d.Resubmit(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_ = env.store.MarkProcessing(ctx, "i1")
	_ = env.store.FailImage(ctx, "i1", "boom")

	job, err := d.Resubmit(ctx, "i1")
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if job.Trigger.ImageID != "i1" || job.Trigger.BatchID != "b1" {
		t.Fatalf("unexpected job %+v", job)
	}
	if got := env.image(t, "i1"); got.Status != domain.StatusPending {
		t.Fatalf("expected pending after resubmit, got %s", got.Status)
	}
}
