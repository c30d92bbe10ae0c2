package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/takeyourtrade1-star/brx-sync/go/breaker"
	"github.com/takeyourtrade1-star/brx-sync/go/crypto"
	"github.com/takeyourtrade1-star/brx-sync/go/errs"
	"github.com/takeyourtrade1-star/brx-sync/go/market"
	"github.com/takeyourtrade1-star/brx-sync/go/ratelimit"
	"github.com/takeyourtrade1-star/brx-sync/go/reconcile"
	"github.com/takeyourtrade1-star/brx-sync/go/store"
	"github.com/takeyourtrade1-star/brx-sync/go/webhook"
)

type fakeStore struct {
	settings   map[string]*store.SyncSettings
	operations map[string]*store.Operation
	items      []store.Item
	pending    bool

	tokens  map[string]string
	secrets map[string]string
}

func (s *fakeStore) GetSettings(_ context.Context, userID string) (*store.SyncSettings, error) {
	var settings, ok = s.settings[userID]
	if !ok {
		return nil, errs.New(errs.CodeSyncNotFound, "no sync settings for user")
	}
	return settings, nil
}

func (s *fakeStore) UpsertToken(_ context.Context, userID, sealedToken string) error {
	if s.tokens == nil {
		s.tokens = make(map[string]string)
	}
	s.tokens[userID] = sealedToken
	return nil
}

func (s *fakeStore) SetWebhookSecret(_ context.Context, userID, secret string) error {
	if s.secrets == nil {
		s.secrets = make(map[string]string)
	}
	s.secrets[userID] = secret
	return nil
}

func (s *fakeStore) Disconnect(_ context.Context, userID string) error {
	if settings, ok := s.settings[userID]; ok {
		settings.TokenSealed = ""
		settings.SyncStatus = store.StatusIdle
	}
	return nil
}

func (s *fakeStore) HasPendingOperation(context.Context, string, store.OperationType) (bool, error) {
	return s.pending, nil
}

func (s *fakeStore) GetOperation(_ context.Context, operationID string) (*store.Operation, error) {
	var op, ok = s.operations[operationID]
	if !ok {
		return nil, errs.New(errs.CodeSyncNotFound, "operation not found")
	}
	return op, nil
}

func (s *fakeStore) LatestOperation(_ context.Context, userID string, _ store.OperationType) (*store.Operation, error) {
	for _, op := range s.operations {
		if op.UserID == userID {
			return op, nil
		}
	}
	return nil, errs.New(errs.CodeSyncNotFound, "no operations for user")
}

func (s *fakeStore) ListItems(context.Context, string, int, int) ([]store.Item, error) {
	return s.items, nil
}

func (s *fakeStore) CountItems(context.Context, string) (int64, error) {
	return int64(len(s.items)), nil
}

type fakeQueue struct {
	bulkSyncs []bool
	webhooks  []webhook.Event
	drifts    []int64
}

func (q *fakeQueue) EnqueueBulkSync(_ context.Context, _ string, force bool) (string, error) {
	q.bulkSyncs = append(q.bulkSyncs, force)
	return "op-bulk-1", nil
}

func (q *fakeQueue) EnqueueWebhook(_ context.Context, _ string, event webhook.Event) (string, error) {
	q.webhooks = append(q.webhooks, event)
	return "op-webhook-1", nil
}

func (q *fakeQueue) EnqueueDriftSync(_ context.Context, _ string, blueprintID int64) (string, error) {
	q.drifts = append(q.drifts, blueprintID)
	return "op-drift-1", nil
}

type fakeReconciler struct {
	purchaseErr error
}

func (f *fakeReconciler) Update(_ context.Context, _ string, itemID int64, _ reconcile.ItemPatch) (*store.Item, string, error) {
	return &store.Item{ID: itemID}, "op-update-1", nil
}

func (f *fakeReconciler) Delete(context.Context, string, int64) (string, error) {
	return "op-delete-1", nil
}

func (f *fakeReconciler) Purchase(_ context.Context, _ string, itemID int64, quantity int) (*reconcile.PurchaseResult, error) {
	if f.purchaseErr != nil {
		return nil, f.purchaseErr
	}
	return &reconcile.PurchaseResult{ItemID: itemID, Quantity: quantity}, nil
}

type fakeInspector struct{}

func (fakeInspector) LimiterStats(context.Context, string) ratelimit.Stats { return ratelimit.Stats{} }
func (fakeInspector) BreakerStats(context.Context) breaker.Stats           { return breaker.Stats{} }

var testKey = base64.StdEncoding.EncodeToString(make([]byte, 32))

func testServer(t *testing.T, st *fakeStore) (*Server, *fakeQueue, *fakeReconciler) {
	t.Helper()
	var envelope, err = crypto.NewEnvelope(testKey)
	require.NoError(t, err)
	var queue = &fakeQueue{}
	var rec = &fakeReconciler{}
	var fetchInfo = func(context.Context, string, string) (market.Info, error) {
		return market.Info{ID: 1, Name: "brx-sync", SharedSecret: "secret-1"}, nil
	}
	return NewServer(st, queue, rec, fakeInspector{}, envelope, fetchInfo, "https://sync.example.com"), queue, rec
}

func bearer(t *testing.T, sub string) string {
	t.Helper()
	var token, err = jwt.NewWithClaims(jwt.SigningMethodHS256,
		jwt.MapClaims{"sub": sub}).SignedString([]byte("test-signing-key"))
	require.NoError(t, err)
	return "Bearer " + token
}

func doRequest(t *testing.T, h http.Handler, method, path, auth string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	var req = httptest.NewRequest(method, path, &buf)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	var rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStartSyncGuardsPendingOperation(t *testing.T) {
	var st = &fakeStore{pending: true}
	var server, queue, _ = testServer(t, st)
	var h = server.Routes()

	var rec = doRequest(t, h, http.MethodPost, "/api/v1/sync/start", bearer(t, "user-1"), nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Empty(t, queue.bulkSyncs)

	// force bypasses the guard.
	rec = doRequest(t, h, http.MethodPost, "/api/v1/sync/start?force=true", bearer(t, "user-1"), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, []bool{true}, queue.bulkSyncs)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "op-bulk-1", resp["operation_id"])
}

func TestTaskStatusChecksOwnership(t *testing.T) {
	var st = &fakeStore{operations: map[string]*store.Operation{
		"op-1": {OperationID: "op-1", UserID: "user-1", Type: store.OpBulkSync, Status: store.OpPending},
	}}
	var server, _, _ = testServer(t, st)
	var h = server.Routes()

	var rec = doRequest(t, h, http.MethodGet, "/api/v1/sync/tasks/op-1", bearer(t, "user-1"), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/v1/sync/tasks/op-1", bearer(t, "user-2"), nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, h, http.MethodGet, "/api/v1/sync/tasks/op-missing", bearer(t, "user-1"), nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRequestsWithoutBearerAreRejected(t *testing.T) {
	var server, _, _ = testServer(t, &fakeStore{})
	var rec = doRequest(t, server.Routes(), http.MethodGet, "/api/v1/sync/status", "", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestConnectSealsTokenAndStoresSecret(t *testing.T) {
	var st = &fakeStore{}
	var server, _, _ = testServer(t, st)

	var rec = doRequest(t, server.Routes(), http.MethodPost, "/api/v1/sync/connect",
		bearer(t, "user-1"), map[string]string{"token": "tok-123"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "secret-1", st.secrets["user-1"])

	// The stored token is sealed, not plaintext, and opens back.
	require.NotEqual(t, "tok-123", st.tokens["user-1"])
	var envelope, err = crypto.NewEnvelope(testKey)
	require.NoError(t, err)
	opened, err := envelope.Open(st.tokens["user-1"])
	require.NoError(t, err)
	require.Equal(t, "tok-123", opened)
}

func TestPurchaseSurfacesInsufficientQuantity(t *testing.T) {
	var server, _, rec = testServer(t, &fakeStore{})
	rec.purchaseErr = errs.New(errs.CodeInsufficientQuantity, "requested 3 but only 1 available")

	var resp = doRequest(t, server.Routes(), http.MethodPost, "/api/v1/inventory/42/purchase",
		bearer(t, "user-1"), map[string]int{"quantity": 3})
	require.Equal(t, http.StatusConflict, resp.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	require.Equal(t, errs.CodeInsufficientQuantity, body.Error.Code)
}

func TestWebhookIngressAlwaysAcknowledges(t *testing.T) {
	var secret = "secret-1"
	var st = &fakeStore{settings: map[string]*store.SyncSettings{
		"user-1": {UserID: "user-1", WebhookSecret: &secret, SyncStatus: store.StatusActive},
	}}
	var server, queue, _ = testServer(t, st)
	var h = server.Routes()

	var body, _ = json.Marshal(webhook.Event{ID: "wh-1", Cause: "order.create"})
	var mac = hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	var signature = base64.StdEncoding.EncodeToString(mac.Sum(nil))

	// Valid signature: acknowledged and enqueued.
	var req = httptest.NewRequest(http.MethodPost, "/webhooks/user-1", bytes.NewReader(body))
	req.Header.Set("Signature", signature)
	var rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, queue.webhooks, 1)

	// Bad signature: still 2xx, but nothing is enqueued.
	req = httptest.NewRequest(http.MethodPost, "/webhooks/user-1", bytes.NewReader(body))
	req.Header.Set("Signature", base64.StdEncoding.EncodeToString([]byte("forged")))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, queue.webhooks, 1)

	// Unknown user: still 2xx.
	req = httptest.NewRequest(http.MethodPost, "/webhooks/user-9", bytes.NewReader(body))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookIngressRejectsAccountWithoutSecret(t *testing.T) {
	var st = &fakeStore{settings: map[string]*store.SyncSettings{
		"user-1": {UserID: "user-1", SyncStatus: store.StatusActive},
	}}
	var server, queue, _ = testServer(t, st)
	var h = server.Routes()

	// Forge a signature over the empty key, the only one computable when
	// no shared secret was ever captured for the account.
	var body, _ = json.Marshal(webhook.Event{ID: "wh-1", Cause: "order.create"})
	var mac = hmac.New(sha256.New, nil)
	mac.Write(body)

	var req = httptest.NewRequest(http.MethodPost, "/webhooks/user-1", bytes.NewReader(body))
	req.Header.Set("Signature", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	var rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, queue.webhooks)
}

func TestUpdateItemValidatesQuantity(t *testing.T) {
	var server, _, _ = testServer(t, &fakeStore{})
	var neg = -1
	var rec = doRequest(t, server.Routes(), http.MethodPatch, "/api/v1/inventory/42",
		bearer(t, "user-1"), map[string]interface{}{"quantity": neg})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestListInventory(t *testing.T) {
	var st = &fakeStore{items: []store.Item{{ID: 1, UserID: "user-1"}, {ID: 2, UserID: "user-1"}}}
	var server, _, _ = testServer(t, st)

	var rec = doRequest(t, server.Routes(), http.MethodGet, "/api/v1/inventory/", bearer(t, "user-1"), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Items []store.Item `json:"items"`
		Total int          `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Items, 2)
	require.Equal(t, 2, resp.Total)
}
