package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"printframe/internal/util"
	"printframe/pkg/domain"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

const checkpointPrefix = "step:"

// Job is one pipeline run tracked in a Redis hash next to the stream entry.
type Job struct {
	ID           string                 `json:"id"`
	Trigger      domain.PipelineTrigger `json:"trigger"`
	Status       string                 `json:"status"`
	ErrorMessage string                 `json:"errorMessage,omitempty"`
	Attempts     int                    `json:"attempts"`
	CreatedAt    time.Time              `json:"createdAt"`
	UpdatedAt    time.Time              `json:"updatedAt"`
}

// Handler runs one attempt of a job.
type Handler func(ctx context.Context, job Job) error

// FailureHandler is called once when a job will not be retried again.
type FailureHandler func(ctx context.Context, job Job, err error)

type RedisJobQueue struct {
	client        *redis.Client
	stream        string
	group         string
	consumerBase  string
	jobTTL        time.Duration
	maxAttempts   int
	block         time.Duration
	claimIdle     time.Duration
	retryDelay    time.Duration
	maxRetryDelay time.Duration
	maxLen        int64
	readCount     int64
	claimCount    int64
	logger        *slog.Logger
	once          sync.Once
	wg            sync.WaitGroup
}

type RedisQueueConfig struct {
	Addr          string
	Password      string
	DB            int
	Stream        string
	Group         string
	Consumer      string
	JobTTL        time.Duration
	MaxAttempts   int
	Block         time.Duration
	ClaimIdle     time.Duration
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	MaxLen        int64
	ReadCount     int64
	ClaimCount    int64
	Logger        *slog.Logger
}

func NewRedisJobQueue(cfg RedisQueueConfig) (*RedisJobQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	return NewRedisJobQueueWithClient(redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password, DB: cfg.DB}), cfg)
}

// NewRedisJobQueueWithClient builds a queue on an existing client; cfg.Addr is ignored.
func NewRedisJobQueueWithClient(client *redis.Client, cfg RedisQueueConfig) (*RedisJobQueue, error) {
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		return nil, errors.New("queue stream required")
	}
	group := strings.TrimSpace(cfg.Group)
	if group == "" {
		group = "default"
	}
	consumer := strings.TrimSpace(cfg.Consumer)
	if consumer == "" {
		consumer = util.NewID()
	}
	jobTTL := cfg.JobTTL
	if jobTTL <= 0 {
		jobTTL = 24 * time.Hour
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	block := cfg.Block
	if block <= 0 {
		block = 5 * time.Second
	}
	// Running entries are refreshed by holdClaim, so claimIdle only bounds
	// how long a crashed consumer's entry waits before another consumer takes it.
	claimIdle := cfg.ClaimIdle
	if claimIdle <= 0 {
		claimIdle = 30 * time.Minute
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	maxRetryDelay := cfg.MaxRetryDelay
	if maxRetryDelay <= 0 {
		maxRetryDelay = time.Minute
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10000
	}
	readCount := cfg.ReadCount
	if readCount <= 0 {
		readCount = 10
	}
	claimCount := cfg.ClaimCount
	if claimCount <= 0 {
		claimCount = 10
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &RedisJobQueue{
		client:        client,
		stream:        stream,
		group:         group,
		consumerBase:  consumer,
		jobTTL:        jobTTL,
		maxAttempts:   maxAttempts,
		block:         block,
		claimIdle:     claimIdle,
		retryDelay:    retryDelay,
		maxRetryDelay: maxRetryDelay,
		maxLen:        maxLen,
		readCount:     readCount,
		claimCount:    claimCount,
		logger:        logger,
	}, nil
}

// Client exposes the underlying Redis client for components sharing the connection.
func (q *RedisJobQueue) Client() *redis.Client {
	return q.client
}

// Enqueue stores the job hash and appends the trigger to the stream.
func (q *RedisJobQueue) Enqueue(ctx context.Context, trigger domain.PipelineTrigger) (Job, error) {
	if strings.TrimSpace(trigger.ImageID) == "" {
		return Job{}, errors.New("imageId required")
	}
	payload, err := json.Marshal(trigger)
	if err != nil {
		return Job{}, fmt.Errorf("encode trigger: %w", err)
	}
	q.ensureGroup(ctx)
	now := time.Now().UTC()
	job := Job{
		ID:        util.NewID(),
		Trigger:   trigger,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return Job{}, err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id":  job.ID,
			"payload": string(payload),
		},
	}).Err(); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (q *RedisJobQueue) GetJob(ctx context.Context, jobID string) (Job, bool, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return Job{}, false, nil
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return Job{}, false, err
	}
	if len(data) == 0 {
		return Job{}, false, nil
	}
	return decodeJob(jobID, data), true, nil
}

// LoadCheckpoint returns the value saved for a step of a job.
func (q *RedisJobQueue) LoadCheckpoint(ctx context.Context, jobID, step string) (string, bool, error) {
	v, err := q.client.HGet(ctx, q.jobKey(jobID), checkpointPrefix+step).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// SaveCheckpoint records a step result so retried attempts can skip the step.
func (q *RedisJobQueue) SaveCheckpoint(ctx context.Context, jobID, step, value string) error {
	key := q.jobKey(jobID)
	if err := q.client.HSet(ctx, key, checkpointPrefix+step, value).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, key, q.jobTTL).Err()
	return nil
}

// Start launches concurrency consumers. They stop when ctx is canceled; Wait blocks until they return.
func (q *RedisJobQueue) Start(ctx context.Context, concurrency int, handler Handler, onFailed FailureHandler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := fmt.Sprintf("%s-%d", q.consumerBase, i)
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.consumeLoop(ctx, consumer, handler, onFailed)
		}()
	}
}

// Wait blocks until every consumer started by Start has returned.
func (q *RedisJobQueue) Wait() {
	q.wg.Wait()
}

func (q *RedisJobQueue) Close() error {
	return q.client.Close()
}

func (q *RedisJobQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		// Start at the beginning of the stream so triggers enqueued before the first consumer are kept.
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			q.logger.Warn("queue.group_create_failed", "stream", q.stream, "err", err)
		}
	})
}

func (q *RedisJobQueue) consumeLoop(ctx context.Context, consumer string, handler Handler, onFailed FailureHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if msgs, err := q.claimPending(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.logger.Info("queue.reclaimed", "consumer", consumer, "msg_id", msg.ID)
				q.handleMessage(ctx, consumer, msg, handler, onFailed)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    q.readCount,
			Block:    q.block,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				q.logger.Warn("queue.read_failed", "consumer", consumer, "err", err)
				sleepCtx(ctx, time.Second)
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handleMessage(ctx, consumer, msg, handler, onFailed)
			}
		}
	}
}

func (q *RedisJobQueue) claimPending(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	res, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    q.claimCount,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (q *RedisJobQueue) handleMessage(ctx context.Context, consumer string, msg redis.XMessage, handler Handler, onFailed FailureHandler) {
	jobID, _ := msg.Values["job_id"].(string)
	payload, _ := msg.Values["payload"].(string)
	var trigger domain.PipelineTrigger
	if jobID == "" || payload == "" || json.Unmarshal([]byte(payload), &trigger) != nil {
		q.logger.Warn("queue.malformed_message", "msg_id", msg.ID)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	job, err := q.markProcessing(ctx, jobID, trigger)
	if err != nil {
		// Leave the entry pending; it is reclaimed after claimIdle.
		q.logger.Warn("queue.mark_processing_failed", "job_id", jobID, "err", err)
		return
	}
	release := q.holdClaim(ctx, consumer, msg.ID)
	defer release()

	err = handler(ctx, job)
	if err == nil {
		_ = q.markDone(ctx, jobID)
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if ctx.Err() != nil {
		// Shutdown mid-run: keep the entry pending for another consumer.
		return
	}

	permanent := IsPermanent(err)
	if permanent || job.Attempts >= q.maxAttempts {
		q.logger.Error("queue.job_failed", "job_id", jobID, "image_id", trigger.ImageID,
			"attempts", job.Attempts, "permanent", permanent, "err", err)
		_ = q.markFailed(ctx, jobID, err.Error())
		if onFailed != nil {
			job.Status = StatusFailed
			job.ErrorMessage = err.Error()
			onFailed(ctx, job, err)
		}
		q.ackAndDel(ctx, msg.ID)
		return
	}

	delay := q.backoff(job.Attempts)
	q.logger.Warn("queue.job_retry", "job_id", jobID, "image_id", trigger.ImageID,
		"attempt", job.Attempts, "delay", delay.String(), "err", err)
	_ = q.markQueued(ctx, jobID, err.Error())
	if !sleepCtx(ctx, delay) {
		return
	}
	if err := q.requeueAndAck(ctx, msg.ID, jobID, payload); err != nil {
		q.logger.Warn("queue.requeue_failed", "job_id", jobID, "err", err)
	}
}

// holdClaim re-claims msgID for consumer every claimIdle/3 until release is
// called, keeping the entry out of other consumers' XAUTOCLAIM.
func (q *RedisJobQueue) holdClaim(ctx context.Context, consumer, msgID string) (release func()) {
	interval := q.claimIdle / 3
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := q.client.XClaimJustID(ctx, &redis.XClaimArgs{
					Stream:   q.stream,
					Group:    q.group,
					Consumer: consumer,
					Messages: []string{msgID},
				}).Err()
				if err != nil && ctx.Err() == nil {
					q.logger.Warn("queue.claim_refresh_failed", "msg_id", msgID, "err", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// backoff is retryDelay * 2^(attempt-1), capped at maxRetryDelay.
func (q *RedisJobQueue) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := q.retryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= q.maxRetryDelay {
			return q.maxRetryDelay
		}
	}
	if delay > q.maxRetryDelay {
		return q.maxRetryDelay
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (q *RedisJobQueue) ackAndDel(ctx context.Context, msgID string) {
	_, _ = q.client.XAck(ctx, q.stream, q.group, msgID).Result()
	_, _ = q.client.XDel(ctx, q.stream, msgID).Result()
}

func (q *RedisJobQueue) requeueAndAck(ctx context.Context, msgID, jobID, payload string) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{
			"job_id":  jobID,
			"payload": payload,
		},
	})
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisJobQueue) markProcessing(ctx context.Context, jobID string, trigger domain.PipelineTrigger) (Job, error) {
	job, found, err := q.GetJob(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if !found {
		job = Job{ID: jobID}
	}
	job.Trigger = trigger
	job.Attempts++
	job.Status = StatusProcessing
	job.UpdatedAt = time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = job.UpdatedAt
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return Job{}, err
	}
	return job, nil
}

func (q *RedisJobQueue) markQueued(ctx context.Context, jobID, errMsg string) error {
	return q.setStatus(ctx, jobID, StatusQueued, errMsg)
}

func (q *RedisJobQueue) markDone(ctx context.Context, jobID string) error {
	return q.setStatus(ctx, jobID, StatusDone, "")
}

func (q *RedisJobQueue) markFailed(ctx context.Context, jobID, errMsg string) error {
	return q.setStatus(ctx, jobID, StatusFailed, errMsg)
}

func (q *RedisJobQueue) setStatus(ctx context.Context, jobID, status, errMsg string) error {
	job, _, err := q.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	job.ID = jobID
	job.Status = status
	job.ErrorMessage = errMsg
	job.UpdatedAt = time.Now().UTC()
	return q.writeStatus(ctx, job)
}

// writeStatus only touches status fields, so step checkpoints in the same hash survive.
func (q *RedisJobQueue) writeStatus(ctx context.Context, job Job) error {
	key := q.jobKey(job.ID)
	trigger, err := json.Marshal(job.Trigger)
	if err != nil {
		return err
	}
	payload := map[string]any{
		"id":        job.ID,
		"imageId":   job.Trigger.ImageID,
		"trigger":   string(trigger),
		"status":    job.Status,
		"error":     job.ErrorMessage,
		"attempts":  strconv.Itoa(job.Attempts),
		"createdAt": job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": job.UpdatedAt.Format(time.RFC3339Nano),
	}
	if err := q.client.HSet(ctx, key, payload).Err(); err != nil {
		return err
	}
	_ = q.client.Expire(ctx, key, q.jobTTL).Err()
	return nil
}

func (q *RedisJobQueue) jobKey(jobID string) string {
	return fmt.Sprintf("job:%s:%s", q.stream, jobID)
}

func decodeJob(jobID string, data map[string]string) Job {
	job := Job{ID: jobID}
	if v := data["trigger"]; v != "" {
		_ = json.Unmarshal([]byte(v), &job.Trigger)
	}
	if v := data["status"]; v != "" {
		job.Status = v
	}
	if v := data["error"]; v != "" {
		job.ErrorMessage = v
	}
	if v := data["attempts"]; v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			job.Attempts = n
		}
	}
	if v := data["createdAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.CreatedAt = t
		}
	}
	if v := data["updatedAt"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			job.UpdatedAt = t
		}
	}
	return job
}
