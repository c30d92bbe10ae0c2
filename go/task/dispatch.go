package task

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"

	"github.com/takeyourtrade1-star/brx-sync/go/store"
	"github.com/takeyourtrade1-star/brx-sync/go/webhook"
)

const (
	// hardTimeout bounds any single task run; softDeadline is observed by
	// task bodies through their context so they can stop cleanly first.
	hardTimeout  = 30 * time.Minute
	softDeadline = 25 * time.Minute

	// resultRetention keeps finished task state readable for status polls.
	resultRetention = time.Hour
)

// Retry budgets per task kind.
const (
	retriesBulkSync  = 10
	retriesReconcile = 5
	retriesWebhook   = 3
	retriesDrift     = 3
)

// Journal pre-registers operations so a status poll issued right after
// enqueue is already authorizable, and settles the row if the queue then
// refuses the task.
type Journal interface {
	CreateOperation(ctx context.Context, operationID, userID string, typ store.OperationType) error
	FailOperationFallback(ctx context.Context, operationID, reason string) error
}

// Enqueuer is the queue client surface, satisfied by *asynq.Client.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Dispatcher enqueues background tasks, writing the journal row before the
// queue accepts the task. The task id equals the operation id.
type Dispatcher struct {
	client  Enqueuer
	journal Journal
}

// NewDispatcher builds a Dispatcher over an asynq client.
func NewDispatcher(client Enqueuer, journal Journal) *Dispatcher {
	return &Dispatcher{client: client, journal: journal}
}

// EnqueueBulkSync schedules a full inventory ingest for the user.
func (d *Dispatcher) EnqueueBulkSync(ctx context.Context, userID string, force bool) (string, error) {
	return d.enqueue(ctx, userID, store.OpBulkSync,
		asynq.NewTask(TypeBulkSync, mustMarshal(bulkSyncPayload{UserID: userID, Force: force})),
		asynq.Queue(QueueBulkSync), asynq.MaxRetry(retriesBulkSync))
}

// EnqueueSyncUpdate schedules the marketplace half of an item update.
func (d *Dispatcher) EnqueueSyncUpdate(ctx context.Context, userID string, itemID int64) (string, error) {
	return d.enqueue(ctx, userID, store.OpSyncUpdate,
		asynq.NewTask(TypeSyncUpdate, mustMarshal(syncUpdatePayload{UserID: userID, ItemID: itemID})),
		asynq.Queue(QueueHighPriority), asynq.MaxRetry(retriesReconcile))
}

// EnqueueSyncDelete schedules the marketplace half of an item deletion.
func (d *Dispatcher) EnqueueSyncDelete(ctx context.Context, userID, externalStockID string) (string, error) {
	return d.enqueue(ctx, userID, store.OpSyncDelete,
		asynq.NewTask(TypeSyncDelete, mustMarshal(syncDeletePayload{UserID: userID, ExternalStockID: externalStockID})),
		asynq.Queue(QueueHighPriority), asynq.MaxRetry(retriesReconcile))
}

// EnqueueWebhook schedules processing of a validated webhook event.
func (d *Dispatcher) EnqueueWebhook(ctx context.Context, userID string, event webhook.Event) (string, error) {
	return d.enqueue(ctx, userID, store.OpWebhook,
		asynq.NewTask(TypeWebhook, mustMarshal(webhookPayload{UserID: userID, Event: event})),
		asynq.Queue(QueueHighPriority), asynq.MaxRetry(retriesWebhook))
}

// EnqueueDriftSync schedules a drift pass over one blueprint's listings.
func (d *Dispatcher) EnqueueDriftSync(ctx context.Context, userID string, blueprintID int64) (string, error) {
	return d.enqueue(ctx, userID, store.OpPeriodic,
		asynq.NewTask(TypeDriftSync, mustMarshal(driftSyncPayload{UserID: userID, BlueprintID: blueprintID})),
		asynq.Queue(QueueDefault), asynq.MaxRetry(retriesDrift))
}

func (d *Dispatcher) enqueue(ctx context.Context, userID string, typ store.OperationType, t *asynq.Task, opts ...asynq.Option) (string, error) {
	var operationID = uuid.NewString()
	if err := d.journal.CreateOperation(ctx, operationID, userID, typ); err != nil {
		return "", err
	}
	opts = append(opts,
		asynq.TaskID(operationID),
		asynq.Timeout(hardTimeout),
		asynq.Retention(resultRetention),
	)
	if _, err := d.client.EnqueueContext(ctx, t, opts...); err != nil {
		// Settle the pre-registered row, or it stays PENDING forever and
		// blocks the one-pending-sync guard for this user.
		if ferr := d.journal.FailOperationFallback(ctx, operationID, err.Error()); ferr != nil {
			log.WithFields(log.Fields{
				"operation": operationID,
				"err":       ferr,
			}).Error("failed to settle operation after enqueue failure")
		}
		return "", fmt.Errorf("enqueuing %s task: %w", t.Type(), err)
	}
	log.WithFields(log.Fields{
		"task":      t.Type(),
		"operation": operationID,
		"user":      userID,
	}).Debug("enqueued task")
	return operationID, nil
}
