package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/takeyourtrade1-star/brx-sync/go/api"
	"github.com/takeyourtrade1-star/brx-sync/go/breaker"
	"github.com/takeyourtrade1-star/brx-sync/go/market"
	"github.com/takeyourtrade1-star/brx-sync/go/ratelimit"
)

type cmdServe struct {
	Config

	API struct {
		Address   string `long:"address" env:"ADDRESS" default:":8080" description:"Listen address of the HTTP API"`
		PublicURL string `long:"public-url" env:"PUBLIC_URL" default:"http://localhost:8080" description:"Externally reachable base URL for webhook callbacks"`
	} `group:"API" namespace:"api" env-namespace:"API"`
}

type inspector struct {
	limiter *ratelimit.Limiter
	breaker *breaker.Breaker
}

func (i inspector) LimiterStats(ctx context.Context, userID string) ratelimit.Stats {
	return i.limiter.Stats(ctx, userID)
}

func (i inspector) BreakerStats(ctx context.Context) breaker.Stats {
	return i.breaker.Stats(ctx)
}

func (cmd *cmdServe) Execute(_ []string) error {
	var ctx, stop = signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	var a, err = cmd.Config.build(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	var fetchInfo = func(ctx context.Context, token, userID string) (market.Info, error) {
		return a.client(&cmd.Config, token, userID).Info(ctx)
	}
	var server = api.NewServer(a.store, a.dispatcher, a.reconciler,
		inspector{a.limiter, a.breaker}, a.envelope, fetchInfo, cmd.API.PublicURL)

	var httpServer = &http.Server{
		Addr:    cmd.API.Address,
		Handler: server.Routes(),
	}
	go func() {
		<-ctx.Done()
		log.Info("shutting down HTTP server")
		if err := httpServer.Shutdown(context.Background()); err != nil {
			log.WithField("err", err).Warn("HTTP shutdown failed")
		}
	}()

	log.WithField("address", cmd.API.Address).Info("serving sync API")
	if err = httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
