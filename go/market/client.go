// Package market is the HTTP client of the marketplace V2 API. Every call
// is gated by the shared circuit breaker and the caller's adaptive rate
// limiter, and 429 responses are retried with jittered backoff before they
// become terminal failures.
package market

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/takeyourtrade1-star/brx-sync/go/breaker"
	"github.com/takeyourtrade1-star/brx-sync/go/errs"
)

const (
	defaultTimeout = 30 * time.Second
	// Inventory exports stream the full seller inventory and routinely
	// take two to three minutes upstream.
	exportTimeout = 180 * time.Second

	maxRetries        = 3
	defaultRetryAfter = 10 * time.Second
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "brx_marketplace_requests_total",
		Help: "Marketplace API requests by operation and outcome.",
	}, []string{"op", "status"})
	throttledTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brx_marketplace_429_total",
		Help: "429 responses received from the marketplace.",
	})
	requestSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "brx_marketplace_request_seconds",
		Help:    "Marketplace API request latency.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)

// Limiter is the slice of the adaptive rate limiter the client drives.
type Limiter interface {
	Acquire(ctx context.Context, user string, n int) (allowed bool, wait time.Duration, err error)
	OnLimitExceeded(ctx context.Context, user string)
	OnSuccess(ctx context.Context, user string)
}

// Breaker is the slice of the circuit breaker the client drives.
type Breaker interface {
	Allow(ctx context.Context) error
	RecordFailure(ctx context.Context, kind string)
	RecordSuccess(ctx context.Context)
}

// Client talks to the marketplace on behalf of one user, with that user's
// decrypted token. Clients are cheap; build one per task execution.
type Client struct {
	baseURL string
	token   string
	userID  string
	http    *http.Client
	limiter Limiter
	breaker Breaker

	sleep  func(ctx context.Context, d time.Duration) error // test hook
	jitter func() float64                                   // test hook
}

// NewClient builds a Client for one user and token.
func NewClient(baseURL, token, userID string, limiter Limiter, brk Breaker) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		userID:  userID,
		http:    &http.Client{},
		limiter: limiter,
		breaker: brk,
		sleep:   sleepCtx,
		jitter:  rand.Float64,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	var t = time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Info fetches the application descriptor, including the webhook shared
// secret.
func (c *Client) Info(ctx context.Context) (Info, error) {
	var out Info
	var err = c.request(ctx, "info", http.MethodGet, "/info", nil, nil, &out, defaultTimeout, false)
	return out, err
}

// ProductsExport fetches the full (or filtered) seller inventory.
func (c *Client) ProductsExport(ctx context.Context, f ExportFilters) ([]Product, error) {
	var query = url.Values{}
	if f.BlueprintID != 0 {
		query.Set("blueprint_id", strconv.FormatInt(f.BlueprintID, 10))
	}
	if f.ExpansionID != 0 {
		query.Set("expansion_id", strconv.FormatInt(f.ExpansionID, 10))
	}
	var out []Product
	var err = c.request(ctx, "products_export", http.MethodGet, "/products/export", query, nil, &out, exportTimeout, false)
	return out, err
}

// ExpansionsExport lists the expansions the seller has listings in.
func (c *Client) ExpansionsExport(ctx context.Context) ([]Expansion, error) {
	var out []Expansion
	var err = c.request(ctx, "expansions_export", http.MethodGet, "/expansions/export", nil, nil, &out, defaultTimeout, false)
	return out, err
}

// BulkCreate spawns an asynchronous job creating many listings.
func (c *Client) BulkCreate(ctx context.Context, products []map[string]interface{}) (JobRef, error) {
	var out JobRef
	var err = c.request(ctx, "bulk_create", http.MethodPost, "/products/bulk_create", nil,
		map[string]interface{}{"products": products}, &out, defaultTimeout, false)
	return out, err
}

// BulkUpdate spawns an asynchronous job updating many listings.
func (c *Client) BulkUpdate(ctx context.Context, products []map[string]interface{}) (JobRef, error) {
	var out JobRef
	var err = c.request(ctx, "bulk_update", http.MethodPost, "/products/bulk_update", nil,
		map[string]interface{}{"products": products}, &out, defaultTimeout, false)
	return out, err
}

// JobStatus polls an asynchronous job.
func (c *Client) JobStatus(ctx context.Context, jobUUID string) (JobStatus, error) {
	var out JobStatus
	var err = c.request(ctx, "job_status", http.MethodGet, "/jobs/"+jobUUID, nil, nil, &out, defaultTimeout, false)
	return out, err
}

// Delete removes a listing. A listing already deleted remotely (404) is a
// success with AlreadyDeleted set.
func (c *Client) Delete(ctx context.Context, productID int64) (DeleteResult, error) {
	var ignored map[string]interface{}
	var err = c.request(ctx, "delete", http.MethodDelete,
		"/products/"+strconv.FormatInt(productID, 10), nil, nil, &ignored, defaultTimeout, true)
	if err != nil {
		if errs.Is(err, errs.CodeNotFound) {
			log.WithFields(log.Fields{"user": c.userID, "product": productID}).
				Info("product already deleted on marketplace")
			return DeleteResult{ProductID: productID, AlreadyDeleted: true}, nil
		}
		return DeleteResult{}, err
	}
	return DeleteResult{ProductID: productID}, nil
}

// Increment adjusts a listing's quantity by delta. The marketplace deletes
// listings whose quantity falls to zero or below.
func (c *Client) Increment(ctx context.Context, productID int64, delta int) error {
	var ignored map[string]interface{}
	return c.request(ctx, "increment", http.MethodPost,
		"/products/"+strconv.FormatInt(productID, 10)+"/increment", nil,
		map[string]interface{}{"delta_quantity": delta}, &ignored, defaultTimeout, false)
}

// GetProduct finds one listing by scanning the inventory export; the
// upstream API has no single-product GET. Returns nil when absent.
func (c *Client) GetProduct(ctx context.Context, productID int64) (*Product, error) {
	var products, err = c.ProductsExport(ctx, ExportFilters{})
	if err != nil {
		return nil, err
	}
	for i := range products {
		if products[i].ID == productID {
			return &products[i], nil
		}
	}
	return nil, nil
}

// waitForBudget consumes one token, sleeping out a denial once before
// giving up with RATE_LIMIT_EXCEEDED.
func (c *Client) waitForBudget(ctx context.Context) error {
	var allowed, wait, err = c.limiter.Acquire(ctx, c.userID, 1)
	if err != nil {
		return fmt.Errorf("acquiring rate limit token: %w", err)
	}
	if allowed {
		return nil
	}
	log.WithFields(log.Fields{"user": c.userID, "wait": wait}).
		Warn("local rate limit exceeded, waiting")
	if err = c.sleep(ctx, wait); err != nil {
		return err
	}
	allowed, wait, err = c.limiter.Acquire(ctx, c.userID, 1)
	if err != nil {
		return fmt.Errorf("acquiring rate limit token: %w", err)
	}
	if !allowed {
		return errs.New(errs.CodeRateLimitExceeded,
			"rate limit still exceeded after waiting, retry in %s", wait).
			With("retry_after_seconds", wait.Seconds())
	}
	return nil
}

func (c *Client) request(
	ctx context.Context,
	op, method, path string,
	query url.Values,
	body, out interface{},
	timeout time.Duration,
	allow404 bool,
) error {
	if err := c.breaker.Allow(ctx); err != nil {
		requestsTotal.WithLabelValues(op, "breaker_open").Inc()
		return err
	}
	if err := c.waitForBudget(ctx); err != nil {
		return err
	}

	var encoded []byte
	if body != nil {
		var err error
		if encoded, err = json.Marshal(body); err != nil {
			return fmt.Errorf("encoding %s request: %w", op, err)
		}
	}

	for attempt := 1; ; attempt++ {
		var status, payload, err = c.do(ctx, method, path, query, encoded, timeout)
		if err != nil {
			c.breaker.RecordFailure(ctx, breaker.KindNetwork)
			requestsTotal.WithLabelValues(op, "network_error").Inc()
			return errs.Wrap(err, errs.CodeMarketplaceAPI, "calling marketplace %s", op)
		}

		if status == http.StatusTooManyRequests {
			throttledTotal.Inc()
			c.limiter.OnLimitExceeded(ctx, c.userID)

			if attempt >= maxRetries {
				// Only a throttle that survives the whole retry budget is a
				// service-level failure worth counting against the breaker.
				c.breaker.RecordFailure(ctx, breaker.KindRateLimit)
				requestsTotal.WithLabelValues(op, "429").Inc()
				return errs.New(errs.CodeRateLimitExceeded,
					"marketplace rate limit exceeded after %d retries", maxRetries)
			}
			var wait = c.retryDelay(payload.retryAfter, attempt)
			log.WithFields(log.Fields{
				"user":    c.userID,
				"op":      op,
				"attempt": attempt,
				"wait":    wait,
			}).Warn("marketplace returned 429, backing off")
			if serr := c.sleep(ctx, wait); serr != nil {
				return serr
			}
			if serr := c.waitForBudget(ctx); serr != nil {
				return serr
			}
			continue
		}

		if status == http.StatusNotFound && allow404 {
			requestsTotal.WithLabelValues(op, "404").Inc()
			return errs.New(errs.CodeNotFound, "marketplace %s returned 404", op)
		}
		if status < 200 || status > 299 {
			c.breaker.RecordFailure(ctx, breaker.KindGeneric)
			requestsTotal.WithLabelValues(op, strconv.Itoa(status)).Inc()
			return errs.New(errs.CodeMarketplaceAPI,
				"marketplace %s failed with status %d: %s", op, status, truncate(payload.body, 256))
		}

		c.limiter.OnSuccess(ctx, c.userID)
		c.breaker.RecordSuccess(ctx)
		requestsTotal.WithLabelValues(op, "ok").Inc()

		if out != nil && len(payload.body) != 0 {
			if err := json.Unmarshal(payload.body, out); err != nil {
				return errs.Wrap(err, errs.CodeMarketplaceAPI, "decoding %s response", op)
			}
		}
		return nil
	}
}

type response struct {
	body       []byte
	retryAfter time.Duration
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, timeout time.Duration) (int, response, error) {
	var reqCtx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	var u = c.baseURL + path
	if len(query) != 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	var req, err = http.NewRequestWithContext(reqCtx, method, u, reader)
	if err != nil {
		return 0, response{}, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	var started = time.Now()
	resp, err := c.http.Do(req)
	requestSeconds.Observe(time.Since(started).Seconds())
	if err != nil {
		return 0, response{}, err
	}
	defer resp.Body.Close()

	var payload response
	payload.body, err = io.ReadAll(resp.Body)
	if err != nil {
		return 0, response{}, err
	}
	payload.retryAfter = defaultRetryAfter
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, perr := strconv.ParseFloat(ra, 64); perr == nil {
			payload.retryAfter = time.Duration(secs * float64(time.Second))
		}
	}
	return resp.StatusCode, payload, nil
}

// retryDelay is Retry-After plus a linear per-attempt step plus jitter, so
// that parallel workers hitting the same throttle spread out.
func (c *Client) retryDelay(retryAfter time.Duration, attempt int) time.Duration {
	return retryAfter +
		time.Duration(attempt)*2*time.Second +
		time.Duration(c.jitter()*float64(time.Second))
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
