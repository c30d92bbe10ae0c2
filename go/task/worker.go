package task

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/takeyourtrade1-star/brx-sync/go/ingest"
	"github.com/takeyourtrade1-star/brx-sync/go/store"
	"github.com/takeyourtrade1-star/brx-sync/go/webhook"
)

var tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "brx_task_runs_total",
	Help: "Task runs by kind and outcome.",
}, []string{"task", "outcome"})

// Ingestor runs inventory pulls.
type Ingestor interface {
	BulkSync(ctx context.Context, userID, operationID string, force bool) error
	DriftSync(ctx context.Context, userID string, blueprintID int64) (ingest.DriftResult, error)
}

// Reconciler runs the marketplace halves of the write paths.
type Reconciler interface {
	PushUpdate(ctx context.Context, userID string, itemID int64) error
	PushDelete(ctx context.Context, userID, externalStockID string) error
}

// Processor applies webhook events.
type Processor interface {
	Process(ctx context.Context, userID string, event webhook.Event) (webhook.Result, error)
}

// WorkerStore is the journal and settings surface the worker finalizes
// task outcomes through.
type WorkerStore interface {
	CompleteOperation(ctx context.Context, operationID string, status store.OperationStatus, metadata map[string]interface{}) error
	FailOperationFallback(ctx context.Context, operationID, reason string) error
	SetSyncStatusFallback(ctx context.Context, userID string, status store.SyncStatus, lastError *string) error
}

// Worker consumes the three queue lanes and runs task bodies.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// RetryDelay backs off exponentially, capped at five minutes, with up to a
// second of jitter to spread synchronized retries.
func RetryDelay(attempt int, _ error, _ *asynq.Task) time.Duration {
	var backoff = math.Min(300, math.Pow(2, float64(attempt)))
	return time.Duration((backoff + rand.Float64()) * float64(time.Second))
}

// NewWorker wires the queue server: lane weights 6/3/1, the shared retry
// policy, and a final-failure hook that settles the journal.
func NewWorker(redisOpt asynq.RedisClientOpt, concurrency int, ingestor Ingestor, reconciler Reconciler, processor Processor, st WorkerStore) *Worker {
	var w = &Worker{mux: asynq.NewServeMux()}
	w.server = asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			QueueHighPriority: 6,
			QueueBulkSync:     3,
			QueueDefault:      1,
		},
		RetryDelayFunc: RetryDelay,
		ErrorHandler:   asynq.ErrorHandlerFunc(w.onError(st)),
	})

	w.mux.HandleFunc(TypeBulkSync, w.handleBulkSync(ingestor))
	w.mux.HandleFunc(TypeSyncUpdate, w.handleSyncUpdate(reconciler, st))
	w.mux.HandleFunc(TypeSyncDelete, w.handleSyncDelete(reconciler, st))
	w.mux.HandleFunc(TypeWebhook, w.handleWebhook(processor, st))
	w.mux.HandleFunc(TypeDriftSync, w.handleDriftSync(ingestor, st))
	return w
}

// Run blocks serving tasks until Shutdown.
func (w *Worker) Run() error { return w.server.Run(w.mux) }

// Shutdown drains in-flight tasks and stops the server.
func (w *Worker) Shutdown() { w.server.Shutdown() }

// soft applies the soft deadline so a task body can finish cleanly before
// the queue's hard timeout kills the lease.
func soft(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, softDeadline)
}

func (w *Worker) handleBulkSync(ingestor Ingestor) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var p bulkSyncPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("decoding bulk sync payload: %v: %w", err, asynq.SkipRetry)
		}
		var operationID, _ = asynq.GetTaskID(ctx)
		ctx, cancel := soft(ctx)
		defer cancel()

		// The engine settles the journal row itself, success or failure.
		var err = ingestor.BulkSync(ctx, p.UserID, operationID, p.Force)
		observe(TypeBulkSync, err)
		return err
	}
}

func (w *Worker) handleSyncUpdate(reconciler Reconciler, st WorkerStore) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var p syncUpdatePayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("decoding sync update payload: %v: %w", err, asynq.SkipRetry)
		}
		ctx, cancel := soft(ctx)
		defer cancel()

		var err = reconciler.PushUpdate(ctx, p.UserID, p.ItemID)
		observe(TypeSyncUpdate, err)
		if err != nil {
			return err
		}
		return w.complete(ctx, st, map[string]interface{}{"item_id": p.ItemID})
	}
}

func (w *Worker) handleSyncDelete(reconciler Reconciler, st WorkerStore) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var p syncDeletePayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("decoding sync delete payload: %v: %w", err, asynq.SkipRetry)
		}
		ctx, cancel := soft(ctx)
		defer cancel()

		var err = reconciler.PushDelete(ctx, p.UserID, p.ExternalStockID)
		observe(TypeSyncDelete, err)
		if err != nil {
			return err
		}
		return w.complete(ctx, st, map[string]interface{}{"external_stock_id": p.ExternalStockID})
	}
}

func (w *Worker) handleWebhook(processor Processor, st WorkerStore) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var p webhookPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("decoding webhook payload: %v: %w", err, asynq.SkipRetry)
		}
		ctx, cancel := soft(ctx)
		defer cancel()

		var result, err = processor.Process(ctx, p.UserID, p.Event)
		observe(TypeWebhook, err)
		if err != nil {
			return err
		}
		var metadata = map[string]interface{}{
			"cause":     result.Cause,
			"processed": result.Processed,
		}
		if result.Duplicate {
			metadata["duplicate"] = true
		}
		if len(result.Errors) != 0 {
			metadata["errors"] = result.Errors
		}
		return w.complete(ctx, st, metadata)
	}
}

func (w *Worker) handleDriftSync(ingestor Ingestor, st WorkerStore) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		var p driftSyncPayload
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return fmt.Errorf("decoding drift sync payload: %v: %w", err, asynq.SkipRetry)
		}
		ctx, cancel := soft(ctx)
		defer cancel()

		var result, err = ingestor.DriftSync(ctx, p.UserID, p.BlueprintID)
		observe(TypeDriftSync, err)
		if err != nil {
			return err
		}
		return w.complete(ctx, st, map[string]interface{}{
			"processed": result.Processed,
			"created":   result.Created,
			"updated":   result.Updated,
			"skipped":   result.Skipped,
		})
	}
}

func (w *Worker) complete(ctx context.Context, st WorkerStore, metadata map[string]interface{}) error {
	var operationID, ok = asynq.GetTaskID(ctx)
	if !ok {
		return nil
	}
	return st.CompleteOperation(ctx, operationID, store.OpCompleted, metadata)
}

// onError settles the journal when a task exhausts its retry budget, and
// surfaces a failed bulk sync on the user's settings row.
func (w *Worker) onError(st WorkerStore) func(context.Context, *asynq.Task, error) {
	return func(ctx context.Context, t *asynq.Task, err error) {
		var operationID, _ = asynq.GetTaskID(ctx)
		var retried, _ = asynq.GetRetryCount(ctx)
		var maxRetry, _ = asynq.GetMaxRetry(ctx)
		var entry = log.WithFields(log.Fields{
			"task":      t.Type(),
			"operation": operationID,
			"attempt":   retried,
			"err":       err,
		})
		if retried < maxRetry {
			entry.Warn("task failed, will retry")
			return
		}
		entry.Error("task failed permanently")
		if operationID == "" {
			return
		}
		if ferr := st.FailOperationFallback(ctx, operationID, err.Error()); ferr != nil {
			entry.WithField("journalErr", ferr).Error("failed to journal task failure")
		}
		if t.Type() == TypeBulkSync {
			var p bulkSyncPayload
			if jerr := json.Unmarshal(t.Payload(), &p); jerr == nil {
				var msg = err.Error()
				if serr := st.SetSyncStatusFallback(ctx, p.UserID, store.StatusError, &msg); serr != nil {
					entry.WithField("settingsErr", serr).Error("failed to record sync error status")
				}
			}
		}
	}
}

func observe(task string, err error) {
	var outcome = "ok"
	if err != nil {
		outcome = "error"
	}
	tasksTotal.WithLabelValues(task, outcome).Inc()
}
