package main

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/takeyourtrade1-star/brx-sync/go/blueprint"
	"github.com/takeyourtrade1-star/brx-sync/go/breaker"
	"github.com/takeyourtrade1-star/brx-sync/go/crypto"
	"github.com/takeyourtrade1-star/brx-sync/go/ingest"
	"github.com/takeyourtrade1-star/brx-sync/go/market"
	"github.com/takeyourtrade1-star/brx-sync/go/ratelimit"
	"github.com/takeyourtrade1-star/brx-sync/go/reconcile"
	"github.com/takeyourtrade1-star/brx-sync/go/store"
	"github.com/takeyourtrade1-star/brx-sync/go/task"
	"github.com/takeyourtrade1-star/brx-sync/go/webhook"
)

// Config is the shared deployment configuration of the API and the worker.
type Config struct {
	Postgres struct {
		DSN string `long:"dsn" env:"DSN" default:"postgres://localhost:5432/brx_sync" description:"Postgres connection string"`
	} `group:"Postgres" namespace:"postgres" env-namespace:"POSTGRES"`

	Redis struct {
		Address  string `long:"address" env:"ADDRESS" default:"localhost:6379" description:"Redis address"`
		Password string `long:"password" env:"PASSWORD" default:"" description:"Redis password"`
		DB       int    `long:"db" env:"DB" default:"0" description:"Redis database"`
	} `group:"Redis" namespace:"redis" env-namespace:"REDIS"`

	Marketplace struct {
		BaseURL string `long:"base-url" env:"BASE_URL" default:"https://api.cardtrader.com/api/v2" description:"Marketplace API base URL"`
	} `group:"Marketplace" namespace:"marketplace" env-namespace:"MARKETPLACE"`

	Crypto struct {
		Key string `long:"key" env:"KEY" description:"Base64 32-byte key sealing marketplace tokens at rest"`
	} `group:"Crypto" namespace:"crypto" env-namespace:"CRYPTO"`

	RateLimit struct {
		Base   int           `long:"base" env:"BASE" default:"200" description:"Base requests per window"`
		Window time.Duration `long:"window" env:"WINDOW" default:"10s" description:"Token bucket window"`
	} `group:"Rate limit" namespace:"ratelimit" env-namespace:"RATELIMIT"`

	Blueprint struct {
		Denied []string `long:"denied-table" env:"DENIED_TABLES" env-delim:"," default:"op_prints" description:"Catalog tables excluded from sync"`
	} `group:"Blueprint" namespace:"blueprint" env-namespace:"BLUEPRINT"`

	Log struct {
		Level  string `long:"level" env:"LEVEL" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
		Format string `long:"format" env:"FORMAT" default:"text" choice:"json" choice:"text" choice:"color" description:"Logging output format"`
	} `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

// initLog applies the logging group before anything else can log.
func (cfg *Config) initLog() error {
	switch cfg.Log.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	case "color":
		log.SetFormatter(&log.TextFormatter{ForceColors: true})
	default:
		log.SetFormatter(&log.TextFormatter{})
	}
	var lvl, err = log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("parsing log level: %w", err)
	}
	log.SetLevel(lvl)
	return nil
}

// app is the assembled dependency graph both commands share.
type app struct {
	store    *store.Store
	kv       *redis.Client
	envelope *crypto.Envelope
	limiter  *ratelimit.Limiter
	breaker  *breaker.Breaker
	resolver *blueprint.Resolver

	queue      *asynq.Client
	dispatcher *task.Dispatcher
	engine     *ingest.Engine
	reconciler *reconcile.Reconciler
	processor  *webhook.Processor
}

func (cfg *Config) redisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
}

// build connects to the stores and assembles the component graph.
func (cfg *Config) build(ctx context.Context) (*app, error) {
	if err := cfg.initLog(); err != nil {
		return nil, err
	}

	var st, err = store.Open(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, err
	}
	if err = st.EnsureSchema(ctx); err != nil {
		return nil, err
	}

	var kv = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	envelope, err := crypto.NewEnvelope(cfg.Crypto.Key)
	if err != nil {
		return nil, err
	}

	var a = &app{
		store:    st,
		kv:       kv,
		envelope: envelope,
		limiter:  ratelimit.New(kv, cfg.RateLimit.Base, cfg.RateLimit.Window),
		breaker:  breaker.New(kv),
		resolver: blueprint.NewResolver(st, kv, cfg.Blueprint.Denied),
	}
	a.queue = asynq.NewClient(cfg.redisOpt())
	a.dispatcher = task.NewDispatcher(a.queue, st)
	a.engine = ingest.NewEngine(st, envelope, a.resolver, func(token, userID string) ingest.Market {
		return a.client(cfg, token, userID)
	})
	a.reconciler = reconcile.NewReconciler(st, envelope, func(token, userID string) reconcile.Market {
		return a.client(cfg, token, userID)
	}, a.dispatcher)
	a.processor = webhook.NewProcessor(st, kv)

	log.WithFields(log.Fields{
		"postgres": cfg.Postgres.DSN,
		"redis":    cfg.Redis.Address,
	}).Info("connected to stores")
	return a, nil
}

func (a *app) client(cfg *Config, token, userID string) *market.Client {
	return market.NewClient(cfg.Marketplace.BaseURL, token, userID, a.limiter, a.breaker)
}

func (a *app) close() {
	if err := a.queue.Close(); err != nil {
		log.WithField("err", err).Warn("failed to close queue client")
	}
	a.store.Close()
	if err := a.kv.Close(); err != nil {
		log.WithField("err", err).Warn("failed to close redis client")
	}
}
