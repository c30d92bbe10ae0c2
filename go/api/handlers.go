package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"

	"github.com/takeyourtrade1-star/brx-sync/go/errs"
	"github.com/takeyourtrade1-star/brx-sync/go/reconcile"
	"github.com/takeyourtrade1-star/brx-sync/go/store"
	"github.com/takeyourtrade1-star/brx-sync/go/webhook"
)

// maxWebhookBody bounds the unauthenticated ingress payload.
const maxWebhookBody = 1 << 20

// handleConnect registers a marketplace token for the caller, fetching the
// application descriptor to capture the webhook shared secret.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var userID = UserID(r.Context())
	var body struct {
		Token string `json:"token"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Token == "" {
		writeError(w, errs.New(errs.CodeValidation, "token is required"))
		return
	}
	var info, err = s.fetchInfo(r.Context(), body.Token, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	sealed, err := s.envelope.Seal(body.Token)
	if err != nil {
		writeError(w, err)
		return
	}
	if err = s.store.UpsertToken(r.Context(), userID, sealed); err != nil {
		writeError(w, err)
		return
	}
	if err = s.store.SetWebhookSecret(r.Context(), userID, info.SharedSecret); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connected":   true,
		"application": info.Name,
	})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Disconnect(r.Context(), UserID(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"connected": false})
}

// handleStartSync enqueues a bulk sync unless one is already pending.
func (s *Server) handleStartSync(w http.ResponseWriter, r *http.Request) {
	var userID = UserID(r.Context())
	var force = r.URL.Query().Get("force") == "true"

	if !force {
		var pending, err = s.store.HasPendingOperation(r.Context(), userID, store.OpBulkSync)
		if err != nil {
			writeError(w, err)
			return
		}
		if pending {
			writeError(w, errs.New(errs.CodeSyncInProgress, "a bulk sync is already queued"))
			return
		}
	}
	var operationID, err = s.queue.EnqueueBulkSync(r.Context(), userID, force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"operation_id": operationID})
}

func (s *Server) handleDriftSync(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BlueprintID int64 `json:"blueprint_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.BlueprintID <= 0 {
		writeError(w, errs.New(errs.CodeValidation, "blueprint_id is required"))
		return
	}
	var operationID, err = s.queue.EnqueueDriftSync(r.Context(), UserID(r.Context()), body.BlueprintID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"operation_id": operationID})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	var settings, err = s.store.GetSettings(r.Context(), UserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sync_status":  settings.SyncStatus,
		"connected":    settings.TokenSealed != "",
		"last_sync_at": settings.LastSyncAt,
		"last_error":   settings.LastError,
	})
}

// handleProgress reports the latest bulk sync's journal metadata.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	var op, err = s.store.LatestOperation(r.Context(), UserID(r.Context()), store.OpBulkSync)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// handleTaskStatus authorizes the poll by comparing the operation's owner
// with the caller.
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	var op, err = s.store.GetOperation(r.Context(), chi.URLParam(r, "operationID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if op.UserID != UserID(r.Context()) {
		writeError(w, errs.New(errs.CodeForbidden, "operation belongs to another user"))
		return
	}
	writeJSON(w, http.StatusOK, op)
}

func (s *Server) handleWebhookURL(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"webhook_url": s.publicURL + "/webhooks/" + UserID(r.Context()),
	})
}

func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rate_limit":      s.inspector.LimiterStats(r.Context(), UserID(r.Context())),
		"circuit_breaker": s.inspector.BreakerStats(r.Context()),
	})
}

func (s *Server) handleListInventory(w http.ResponseWriter, r *http.Request) {
	var userID = UserID(r.Context())
	var limit = queryInt(r, "limit", 50, 500)
	var offset = queryInt(r, "offset", 0, 1<<30)

	var items, err = s.store.ListItems(r.Context(), userID, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	total, err := s.store.CountItems(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items":  items,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	var itemID, err = pathID(r, "itemID")
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Quantity    *int                   `json:"quantity"`
		PriceCents  *int64                 `json:"price_cents"`
		Description *string                `json:"description"`
		UserData    *string                `json:"user_data"`
		Graded      *bool                  `json:"graded"`
		Properties  map[string]interface{} `json:"properties"`
	}
	if err = decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	if body.Quantity != nil && *body.Quantity < 0 {
		writeError(w, errs.New(errs.CodeValidation, "quantity must not be negative"))
		return
	}
	item, operationID, err := s.reconcile.Update(r.Context(), UserID(r.Context()), itemID, reconcile.ItemPatch{
		Quantity:    body.Quantity,
		PriceCents:  body.PriceCents,
		Description: body.Description,
		UserData:    body.UserData,
		Graded:      body.Graded,
		Properties:  body.Properties,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	var resp = map[string]interface{}{"item": item}
	if operationID != "" {
		resp["operation_id"] = operationID
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	var itemID, err = pathID(r, "itemID")
	if err != nil {
		writeError(w, err)
		return
	}
	operationID, err := s.reconcile.Delete(r.Context(), UserID(r.Context()), itemID)
	if err != nil {
		writeError(w, err)
		return
	}
	if operationID == "" {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"operation_id": operationID})
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var itemID, err = pathID(r, "itemID")
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Quantity int `json:"quantity"`
	}
	if err = decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.reconcile.Purchase(r.Context(), UserID(r.Context()), itemID, body.Quantity)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleWebhookIngress acknowledges fast and unconditionally: signature
// failures are logged, never surfaced, and heavy work is enqueued.
func (s *Server) handleWebhookIngress(w http.ResponseWriter, r *http.Request) {
	var userID = chi.URLParam(r, "userID")
	var entry = log.WithField("user", userID)

	var body, err = io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		entry.WithField("err", err).Warn("failed to read webhook body")
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
		return
	}

	var settings *store.SyncSettings
	if settings, err = s.store.GetSettings(r.Context(), userID); err != nil {
		entry.WithField("err", err).Warn("webhook for unknown user")
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
		return
	}
	var secret string
	if settings.WebhookSecret != nil {
		secret = *settings.WebhookSecret
	}
	if err = webhook.VerifySignature(body, r.Header.Get("Signature"), secret); err != nil {
		entry.Warn("rejected webhook signature")
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
		return
	}

	var event webhook.Event
	if err = json.Unmarshal(body, &event); err != nil {
		entry.WithField("err", err).Warn("malformed webhook payload")
		writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
		return
	}
	if _, err = s.queue.EnqueueWebhook(r.Context(), userID, event); err != nil {
		entry.WithField("err", err).Error("failed to enqueue webhook event")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

func pathID(r *http.Request, name string) (int64, error) {
	var id, err = strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.New(errs.CodeValidation, "malformed %s", name)
	}
	return id, nil
}

func queryInt(r *http.Request, name string, def, max int) int {
	var raw = r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	var n, err = strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
