// Package task adapts the durable job queue: task kinds, payloads, the
// pre-registering dispatcher, and the worker that runs task bodies.
package task

import (
	"encoding/json"

	"github.com/takeyourtrade1-star/brx-sync/go/webhook"
)

// Task kinds routed through the queue.
const (
	TypeBulkSync   = "sync:bulk"
	TypeSyncUpdate = "sync:update"
	TypeSyncDelete = "sync:delete"
	TypeWebhook    = "webhook:process"
	TypeDriftSync  = "sync:drift"
)

// Queue lanes. Weights are configured on the worker, 6/3/1.
const (
	QueueHighPriority = "high-priority"
	QueueBulkSync     = "bulk-sync"
	QueueDefault      = "default"
)

// bulkSyncPayload carries no field values beyond identity: the task body
// re-reads everything it needs from the store.
type bulkSyncPayload struct {
	UserID string `json:"user_id"`
	Force  bool   `json:"force"`
}

type syncUpdatePayload struct {
	UserID string `json:"user_id"`
	ItemID int64  `json:"item_id"`
}

type syncDeletePayload struct {
	UserID          string `json:"user_id"`
	ExternalStockID string `json:"external_stock_id"`
}

type webhookPayload struct {
	UserID string        `json:"user_id"`
	Event  webhook.Event `json:"event"`
}

type driftSyncPayload struct {
	UserID      string `json:"user_id"`
	BlueprintID int64  `json:"blueprint_id"`
}

func mustMarshal(v interface{}) []byte {
	var b, err = json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
