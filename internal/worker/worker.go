// Package worker runs the per-language executor process: it claims jobs
// from its queue, hands them to the executor, and writes results back to
// the broker.
package worker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"sentinel/internal/broker"
	"sentinel/internal/executor"
	"sentinel/internal/languages"
	"sentinel/internal/logging"
	"sentinel/internal/metrics"
	"sentinel/pkg/models"
)

// claimWait bounds each blocking claim so shutdown is observed promptly.
const claimWait = 5 * time.Second

// QueueName returns the queue a worker serves. A numeric EXECUTOR_ID opts
// into the legacy multi-instance topology ({language}-executor-{n});
// otherwise every instance of a language shares one queue.
func QueueName(language, executorID string) string {
	if executorID != "" {
		if _, err := strconv.Atoi(executorID); err == nil {
			return fmt.Sprintf("%s-executor-%s", language, executorID)
		}
	}
	return language + "-executor"
}

// Worker drains one queue with a fixed number of concurrent slots.
type Worker struct {
	queue       *broker.Queue
	exec        *executor.Executor
	desc        *languages.Descriptor
	concurrency int
	log         *zap.Logger
}

// New wires a worker for one language descriptor.
func New(queue *broker.Queue, exec *executor.Executor, desc *languages.Descriptor, concurrency int) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		queue:       queue,
		exec:        exec,
		desc:        desc,
		concurrency: concurrency,
		log: logging.L().With(
			zap.String("language", desc.Name),
			zap.String("queue", queue.Name()),
		),
	}
}

// Run claims and processes jobs until ctx is cancelled, then drains
// in-flight jobs before returning.
func (w *Worker) Run(ctx context.Context) {
	w.log.Info("worker started", zap.Int("concurrency", w.concurrency))

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.loop(ctx, slot)
		}(i)
	}
	wg.Wait()
	w.log.Info("worker drained, exiting")
}

func (w *Worker) loop(ctx context.Context, slot int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		claimed, err := w.queue.Claim(ctx, claimWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.Error("claim failed", zap.Int("slot", slot), zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if claimed == nil {
			continue
		}

		w.process(claimed)
	}
}

// process runs one claimed job to a terminal broker state. Executor
// failures are results, not errors; only broker-side problems and panics
// surface as Fail, which triggers the retry policy.
func (w *Worker) process(claimed *broker.ClaimedJob) {
	job := claimed.Job
	log := w.log.With(zap.String("job", job.ID), zap.Int("attempt", claimed.Attempts))

	// Results must reach the broker even when the dispatcher's request
	// context is long gone.
	ctx := context.Background()

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while processing job", zap.Any("panic", r))
			if err := w.queue.Fail(ctx, job.ID, fmt.Sprintf("internal error: %v", r)); err != nil {
				log.Error("failed to record job failure", zap.Error(err))
			}
		}
	}()

	log.Info("processing job")
	if err := w.queue.UpdateProgress(ctx, job.ID, 10); err != nil {
		log.Warn("progress update failed", zap.Error(err))
	}

	start := time.Now()
	result := w.exec.Run(ctx, w.desc, job.Code, job.Input, job.TestCases)

	m := metrics.Get()
	m.ExecutionsTotal.WithLabelValues(w.desc.Name, result.Status).Inc()
	m.ExecutionDuration.WithLabelValues(w.desc.Name).Observe(time.Since(start).Seconds())

	if err := w.queue.UpdateProgress(ctx, job.ID, 100); err != nil {
		log.Warn("progress update failed", zap.Error(err))
	}
	if err := w.queue.Complete(ctx, job.ID, result); err != nil {
		log.Error("failed to store result", zap.Error(err))
		if ferr := w.queue.Fail(ctx, job.ID, "failed to store result: "+err.Error()); ferr != nil {
			log.Error("failed to record job failure", zap.Error(ferr))
		}
		return
	}

	log.Info("job completed",
		zap.String("status", result.Status),
		zap.Int64("executionTimeMs", result.ExecutionTime),
		zap.Int("testCases", len(result.TestCases)))
}

// Snapshot exposes the worker's queue counters, labeled for /load.
func (w *Worker) Snapshot(ctx context.Context) (models.QueueSnapshot, error) {
	snap, err := w.queue.Counts(ctx)
	if err != nil {
		return snap, err
	}
	snap.Language = w.desc.Name
	return snap, nil
}
