// Package api is the thin HTTP surface: it authorizes callers, translates
// requests into store, reconcile, and queue calls, and renders taxonomy
// errors.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/takeyourtrade1-star/brx-sync/go/breaker"
	"github.com/takeyourtrade1-star/brx-sync/go/crypto"
	"github.com/takeyourtrade1-star/brx-sync/go/market"
	"github.com/takeyourtrade1-star/brx-sync/go/ratelimit"
	"github.com/takeyourtrade1-star/brx-sync/go/reconcile"
	"github.com/takeyourtrade1-star/brx-sync/go/store"
	"github.com/takeyourtrade1-star/brx-sync/go/webhook"
)

// Store is the persistence surface the handlers read and write.
type Store interface {
	GetSettings(ctx context.Context, userID string) (*store.SyncSettings, error)
	UpsertToken(ctx context.Context, userID, sealedToken string) error
	SetWebhookSecret(ctx context.Context, userID, secret string) error
	Disconnect(ctx context.Context, userID string) error
	HasPendingOperation(ctx context.Context, userID string, typ store.OperationType) (bool, error)
	GetOperation(ctx context.Context, operationID string) (*store.Operation, error)
	LatestOperation(ctx context.Context, userID string, typ store.OperationType) (*store.Operation, error)
	ListItems(ctx context.Context, userID string, limit, offset int) ([]store.Item, error)
	CountItems(ctx context.Context, userID string) (int64, error)
}

// Queue is the dispatcher surface the handlers enqueue through.
type Queue interface {
	EnqueueBulkSync(ctx context.Context, userID string, force bool) (string, error)
	EnqueueWebhook(ctx context.Context, userID string, event webhook.Event) (string, error)
	EnqueueDriftSync(ctx context.Context, userID string, blueprintID int64) (string, error)
}

// Reconciler is the write-path surface.
type Reconciler interface {
	Update(ctx context.Context, userID string, itemID int64, patch reconcile.ItemPatch) (*store.Item, string, error)
	Delete(ctx context.Context, userID string, itemID int64) (string, error)
	Purchase(ctx context.Context, userID string, itemID int64, quantity int) (*reconcile.PurchaseResult, error)
}

// Inspector exposes limiter and breaker observability.
type Inspector interface {
	LimiterStats(ctx context.Context, userID string) ratelimit.Stats
	BreakerStats(ctx context.Context) breaker.Stats
}

// InfoFetcher fetches the marketplace application descriptor while
// connecting an account. Satisfied by a market.Client factory adapter.
type InfoFetcher func(ctx context.Context, token, userID string) (market.Info, error)

// Server wires the HTTP routes over the service's components.
type Server struct {
	store     Store
	queue     Queue
	reconcile Reconciler
	inspector Inspector
	envelope  *crypto.Envelope
	fetchInfo InfoFetcher

	// publicURL is the externally reachable base for webhook callbacks.
	publicURL string
}

// NewServer builds a Server.
func NewServer(st Store, queue Queue, rec Reconciler, inspector Inspector, envelope *crypto.Envelope, fetchInfo InfoFetcher, publicURL string) *Server {
	return &Server{
		store:     st,
		queue:     queue,
		reconcile: rec,
		inspector: inspector,
		envelope:  envelope,
		fetchInfo: fetchInfo,
		publicURL: publicURL,
	}
}

// Routes builds the router. The webhook ingress and health endpoints skip
// authentication; everything else requires a bearer identity.
func (s *Server) Routes() http.Handler {
	var r = chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Post("/webhooks/{userID}", s.handleWebhookIngress)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Route("/sync", func(r chi.Router) {
			r.Post("/connect", s.handleConnect)
			r.Post("/disconnect", s.handleDisconnect)
			r.Post("/start", s.handleStartSync)
			r.Post("/drift", s.handleDriftSync)
			r.Get("/status", s.handleSyncStatus)
			r.Get("/progress", s.handleProgress)
			r.Get("/tasks/{operationID}", s.handleTaskStatus)
			r.Get("/webhook-url", s.handleWebhookURL)
			r.Get("/limits", s.handleLimits)
		})

		r.Route("/inventory", func(r chi.Router) {
			r.Get("/", s.handleListInventory)
			r.Patch("/{itemID}", s.handleUpdateItem)
			r.Delete("/{itemID}", s.handleDeleteItem)
			r.Post("/{itemID}/purchase", s.handlePurchase)
		})
	})
	return r
}
