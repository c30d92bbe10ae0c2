package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/takeyourtrade1-star/brx-sync/go/task"
)

type cmdWorker struct {
	Config

	Worker struct {
		Concurrency int `long:"concurrency" env:"CONCURRENCY" default:"10" description:"Concurrent task executions"`
	} `group:"Worker" namespace:"worker" env-namespace:"WORKER"`
}

func (cmd *cmdWorker) Execute(_ []string) error {
	var ctx, stop = signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer stop()

	var a, err = cmd.Config.build(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	var worker = task.NewWorker(cmd.redisOpt(), cmd.Worker.Concurrency,
		a.engine, a.reconciler, a.processor, a.store)
	go func() {
		<-ctx.Done()
		log.Info("draining worker")
		worker.Shutdown()
	}()

	log.WithField("concurrency", cmd.Worker.Concurrency).Info("worker started")
	return worker.Run()
}
