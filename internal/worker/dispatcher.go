package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"vodforge/internal/models"
	"vodforge/internal/observability/metrics"
	"vodforge/internal/queue"
)

const defaultRetryDelay = 5 * time.Second

// Delivery is a claimed queue entry awaiting settlement.
type Delivery interface {
	Ack(ctx context.Context) error
	Requeue(ctx context.Context) error
	Reject(ctx context.Context) error
}

// Source hands out jobs one at a time.
type Source interface {
	Receive(ctx context.Context) (models.Job, Delivery, error)
}

// Processor runs one job to completion.
type Processor interface {
	Process(ctx context.Context, job models.Job) error
}

// NewQueueSource adapts a queue consumer to the Source interface.
func NewQueueSource(c *queue.Consumer) Source {
	return queueSource{consumer: c}
}

type queueSource struct {
	consumer *queue.Consumer
}

func (s queueSource) Receive(ctx context.Context) (models.Job, Delivery, error) {
	delivery, err := s.consumer.Receive(ctx)
	if err != nil {
		return models.Job{}, nil, err
	}
	return delivery.Job, delivery, nil
}

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Source     Source
	Processor  Processor
	Recorder   *metrics.Recorder
	Logger     *slog.Logger
	RetryDelay time.Duration
}

// Dispatcher pulls jobs off the queue and settles each delivery exactly
// once. One job runs at a time; the per-rendition concurrency lives inside
// the pipeline. The in-flight set guards against at-least-once redelivery of
// a job that is still being processed, not an in-process race: the serial
// receive loop cannot race itself, but the stream can hand the same video
// back after a reclaim or transport retry.
type Dispatcher struct {
	source     Source
	processor  Processor
	recorder   *metrics.Recorder
	logger     *slog.Logger
	retryDelay time.Duration

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.Default()
	}
	delay := cfg.RetryDelay
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	return &Dispatcher{
		source:     cfg.Source,
		processor:  cfg.Processor,
		recorder:   recorder,
		logger:     logger,
		retryDelay: delay,
	}
}

// Run consumes jobs until the context ends. Transport errors clear the
// in-flight set and back off for the retry delay before reconnecting.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		job, delivery, err := d.source.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.recorder.ObserveQueueEvent("reconnect")
			d.clearInFlight()
			d.logger.Warn("queue receive failed", "error", err, "retry_in", d.retryDelay)
			select {
			case <-time.After(d.retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		d.handle(ctx, job, delivery)
	}
}

func (d *Dispatcher) handle(ctx context.Context, job models.Job, delivery Delivery) {
	logger := d.logger.With("video_id", job.VideoID)

	if err := validateJob(job); err != nil {
		logger.Error("rejecting malformed job", "error", err)
		d.settle(ctx, logger, delivery.Reject, "reject")
		return
	}
	if !d.begin(job.VideoID) {
		logger.Warn("video already in flight, requeueing delivery")
		d.settle(ctx, logger, delivery.Requeue, "requeue")
		return
	}
	defer d.finish(job.VideoID)

	err := d.processor.Process(ctx, job)
	switch {
	case err == nil:
		d.settle(ctx, logger, delivery.Ack, "ack")
	case errors.Is(err, context.Canceled):
		// Shutdown mid-job: put the delivery back so another worker picks
		// it up instead of burying an unfinished job.
		d.settle(ctx, logger, delivery.Requeue, "requeue")
	default:
		d.settle(ctx, logger, delivery.Reject, "reject")
	}
}

// settle runs the chosen settlement on a detached context so a shutdown
// does not strand the delivery in the pending list.
func (d *Dispatcher) settle(ctx context.Context, logger *slog.Logger, op func(context.Context) error, name string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := op(ctx); err != nil {
		logger.Error("delivery settlement failed", "op", name, "error", err)
	}
}

func validateJob(job models.Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if _, err := uuid.Parse(job.VideoID); err != nil {
		return errors.New("videoId is not a valid uuid")
	}
	return nil
}

func (d *Dispatcher) begin(videoID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inFlight == nil {
		d.inFlight = make(map[string]struct{})
	}
	if _, exists := d.inFlight[videoID]; exists {
		return false
	}
	d.inFlight[videoID] = struct{}{}
	return true
}

func (d *Dispatcher) finish(videoID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, videoID)
}

func (d *Dispatcher) clearInFlight() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inFlight = nil
}
