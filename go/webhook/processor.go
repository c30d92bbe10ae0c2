// Package webhook validates and applies marketplace order notifications.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/takeyourtrade1-star/brx-sync/go/errs"
)

// seenTTL matches the marketplace's redelivery window: a replayed event id
// inside this window is acknowledged and dropped.
const seenTTL = 24 * time.Hour

var eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "brx_webhook_events_total",
	Help: "Webhook events by cause and outcome.",
}, []string{"cause", "outcome"})

// Event is the ingress envelope of one marketplace notification.
type Event struct {
	ID    string          `json:"id"`
	Cause string          `json:"cause"`
	Mode  string          `json:"mode"`
	Data  json.RawMessage `json:"data"`
}

// Order is the payload of an order.* event.
type Order struct {
	ID            int64       `json:"id"`
	State         string      `json:"state"`
	PreviousState string      `json:"previous_state"`
	Items         []OrderItem `json:"order_items"`
}

// OrderItem references one sold listing.
type OrderItem struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

// Result reports what an event did to the local inventory.
type Result struct {
	Cause     string   `json:"cause"`
	Processed int      `json:"processed"`
	Ignored   bool     `json:"ignored"`
	Duplicate bool     `json:"duplicate"`
	Errors    []string `json:"errors,omitempty"`
}

// VerifySignature checks the base64 HMAC-SHA256 signature of a raw webhook
// body against the user's shared secret, in constant time. An account with
// no captured secret cannot authenticate anything: an empty secret always
// fails, since HMAC over the empty key is computable by anyone.
func VerifySignature(body []byte, signature, secret string) error {
	if secret == "" {
		return errs.New(errs.CodeWebhookValidation, "no shared secret registered")
	}
	var provided, err = base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return errs.New(errs.CodeWebhookValidation, "malformed signature encoding")
	}
	var mac = hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), provided) {
		return errs.New(errs.CodeWebhookValidation, "signature mismatch")
	}
	return nil
}

// KV is the de-duplication surface, satisfied by *redis.Client.
type KV interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// Store is the inventory surface the processor writes through.
type Store interface {
	AdjustQuantityByExternal(ctx context.Context, userID, externalStockID string, delta int) (bool, error)
}

// Processor applies order events to a user's local inventory.
type Processor struct {
	store Store
	kv    KV
}

// NewProcessor builds a Processor.
func NewProcessor(st Store, kv KV) *Processor {
	return &Processor{store: st, kv: kv}
}

// Process applies one event. An order.create in the paid state decrements
// sold quantities, clamped at zero; a cancellation or an order.destroy
// restores them. Items with no local counterpart are recorded in the
// result's Errors and do not block the rest of the order. Replayed event
// ids are dropped.
func (p *Processor) Process(ctx context.Context, userID string, event Event) (Result, error) {
	var result = Result{Cause: event.Cause}

	if event.ID != "" {
		var fresh, err = p.kv.SetNX(ctx, "webhook_seen:"+event.ID, 1, seenTTL).Result()
		if err != nil {
			// De-dup degrades open: processing a rare duplicate beats
			// dropping real events while the KV store is down.
			log.WithFields(log.Fields{"webhook": event.ID, "err": err}).
				Warn("webhook de-dup unavailable")
		} else if !fresh {
			eventsTotal.WithLabelValues(event.Cause, "duplicate").Inc()
			result.Duplicate = true
			return result, nil
		}
	}

	var direction int
	switch event.Cause {
	case "order.create":
		direction = -1
	case "order.update", "order.destroy":
		direction = 1
	default:
		eventsTotal.WithLabelValues(event.Cause, "ignored").Inc()
		result.Ignored = true
		return result, nil
	}

	var order Order
	if err := json.Unmarshal(event.Data, &order); err != nil {
		return result, errs.Wrap(err, errs.CodeValidation, "decoding order payload of webhook %s", event.ID)
	}
	if !applies(event.Cause, order) {
		eventsTotal.WithLabelValues(event.Cause, "ignored").Inc()
		result.Ignored = true
		return result, nil
	}

	for _, item := range order.Items {
		var external = strconv.FormatInt(item.ProductID, 10)
		var found, err = p.store.AdjustQuantityByExternal(ctx, userID, external, direction*item.Quantity)
		if err != nil {
			return result, err
		}
		if !found {
			result.Errors = append(result.Errors,
				fmt.Sprintf("no local item for product %d", item.ProductID))
			continue
		}
		result.Processed++
	}

	log.WithFields(log.Fields{
		"user":      userID,
		"webhook":   event.ID,
		"cause":     event.Cause,
		"order":     order.ID,
		"processed": result.Processed,
		"errors":    len(result.Errors),
	}).Info("processed webhook event")
	eventsTotal.WithLabelValues(event.Cause, "processed").Inc()
	return result, nil
}

// applies decides whether the order's state transition has an inventory
// effect for the given cause.
func applies(cause string, order Order) bool {
	switch cause {
	case "order.create":
		return order.State == "paid"
	case "order.update":
		if order.State == "canceled" || order.State == "request_for_cancel" {
			return true
		}
		return order.PreviousState == "paid" && order.State != "paid"
	case "order.destroy":
		return true
	}
	return false
}
