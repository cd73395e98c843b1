package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"vodforge/internal/models"
)

type fakeDelivery struct {
	acked    bool
	requeued bool
	rejected bool
}

func (f *fakeDelivery) Ack(context.Context) error     { f.acked = true; return nil }
func (f *fakeDelivery) Requeue(context.Context) error { f.requeued = true; return nil }
func (f *fakeDelivery) Reject(context.Context) error  { f.rejected = true; return nil }

type sourceItem struct {
	job      models.Job
	delivery Delivery
	err      error
}

type fakeSource struct {
	items []sourceItem
	calls atomic.Int32
}

// Receive serves the scripted items, then blocks until the context ends.
func (f *fakeSource) Receive(ctx context.Context) (models.Job, Delivery, error) {
	n := int(f.calls.Add(1)) - 1
	if n < len(f.items) {
		item := f.items[n]
		return item.job, item.delivery, item.err
	}
	<-ctx.Done()
	return models.Job{}, nil, ctx.Err()
}

func (f *fakeSource) drained() bool {
	return int(f.calls.Load()) >= len(f.items)
}

type fakeProcessor struct {
	err  error
	jobs []models.Job
}

func (f *fakeProcessor) Process(_ context.Context, job models.Job) error {
	f.jobs = append(f.jobs, job)
	return f.err
}

const testVideoID = "0b7f4a3c-9a41-4e7e-8a8f-2d3f5c6a7b8c"

func validTestJob() models.Job {
	return models.Job{VideoID: testVideoID, StoragePath: "/data/uploads/in.mp4", UserID: "user-1"}
}

func runDispatcher(t *testing.T, source Source, processor Processor) {
	t.Helper()
	dispatcher := NewDispatcher(DispatcherConfig{
		Source:     source,
		Processor:  processor,
		Logger:     testLogger(),
		RetryDelay: 10 * time.Millisecond,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if src, ok := source.(*fakeSource); ok {
		// Cancel once every scripted item has been handed out, so the loop
		// unblocks from its final Receive.
		go func() {
			for !src.drained() {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Millisecond):
				}
			}
			cancel()
		}()
	}
	if err := dispatcher.Run(ctx); !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("run: %v", err)
	}
}

func TestDispatcherAcksProcessedJob(t *testing.T) {
	delivery := &fakeDelivery{}
	processor := &fakeProcessor{}
	source := &fakeSource{items: []sourceItem{{job: validTestJob(), delivery: delivery}}}

	runDispatcher(t, source, processor)

	if len(processor.jobs) != 1 {
		t.Fatalf("processed %d jobs, want 1", len(processor.jobs))
	}
	if !delivery.acked || delivery.requeued || delivery.rejected {
		t.Fatalf("settlement = %+v, want ack", delivery)
	}
}

func TestDispatcherRejectsFailedJob(t *testing.T) {
	delivery := &fakeDelivery{}
	processor := &fakeProcessor{err: errors.New("encode failed")}
	source := &fakeSource{items: []sourceItem{{job: validTestJob(), delivery: delivery}}}

	runDispatcher(t, source, processor)

	if !delivery.rejected || delivery.acked || delivery.requeued {
		t.Fatalf("settlement = %+v, want reject", delivery)
	}
}

func TestDispatcherRequeuesOnShutdownCancellation(t *testing.T) {
	delivery := &fakeDelivery{}
	processor := &fakeProcessor{err: context.Canceled}
	source := &fakeSource{items: []sourceItem{{job: validTestJob(), delivery: delivery}}}

	runDispatcher(t, source, processor)

	if !delivery.requeued || delivery.acked || delivery.rejected {
		t.Fatalf("settlement = %+v, want requeue", delivery)
	}
}

func TestDispatcherRejectsMalformedJobWithoutProcessing(t *testing.T) {
	cases := []struct {
		name string
		job  models.Job
	}{
		{"missing fields", models.Job{VideoID: testVideoID}},
		{"invalid uuid", models.Job{VideoID: "not-a-uuid", StoragePath: "/in.mp4", UserID: "user-1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			delivery := &fakeDelivery{}
			processor := &fakeProcessor{}
			source := &fakeSource{items: []sourceItem{{job: tc.job, delivery: delivery}}}

			runDispatcher(t, source, processor)

			if len(processor.jobs) != 0 {
				t.Fatal("malformed job must not reach the processor")
			}
			if !delivery.rejected {
				t.Fatalf("settlement = %+v, want reject", delivery)
			}
		})
	}
}

func TestDispatcherRequeuesDuplicateInFlight(t *testing.T) {
	delivery := &fakeDelivery{}
	processor := &fakeProcessor{}
	dispatcher := NewDispatcher(DispatcherConfig{
		Source:    &fakeSource{},
		Processor: processor,
		Logger:    testLogger(),
	})

	if !dispatcher.begin(testVideoID) {
		t.Fatal("begin should claim an idle video")
	}
	dispatcher.handle(t.Context(), validTestJob(), delivery)

	if len(processor.jobs) != 0 {
		t.Fatal("duplicate delivery must not reach the processor")
	}
	if !delivery.requeued || delivery.acked || delivery.rejected {
		t.Fatalf("settlement = %+v, want requeue", delivery)
	}
}

func TestDispatcherRetriesAfterTransportError(t *testing.T) {
	delivery := &fakeDelivery{}
	processor := &fakeProcessor{}
	source := &fakeSource{items: []sourceItem{
		{err: errors.New("connection refused")},
		{job: validTestJob(), delivery: delivery},
	}}

	runDispatcher(t, source, processor)

	if len(processor.jobs) != 1 {
		t.Fatalf("processed %d jobs, want 1 after reconnect", len(processor.jobs))
	}
	if !delivery.acked {
		t.Fatalf("settlement = %+v, want ack", delivery)
	}
}

func TestDispatcherClearsInFlightOnTransportError(t *testing.T) {
	dispatcher := NewDispatcher(DispatcherConfig{
		Source:     &fakeSource{items: []sourceItem{{err: errors.New("connection reset")}}},
		Processor:  &fakeProcessor{},
		Logger:     testLogger(),
		RetryDelay: time.Millisecond,
	})
	if !dispatcher.begin(testVideoID) {
		t.Fatal("begin should claim an idle video")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_ = dispatcher.Run(ctx)

	if !dispatcher.begin(testVideoID) {
		t.Fatal("in-flight set should be cleared after a transport error")
	}
}
