package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/richardliu001/mpesa-ledger/internal/config"
	"github.com/richardliu001/mpesa-ledger/internal/limits"
	"github.com/richardliu001/mpesa-ledger/internal/logger"
	"github.com/richardliu001/mpesa-ledger/internal/notify"
	"github.com/richardliu001/mpesa-ledger/internal/repo"
	"github.com/richardliu001/mpesa-ledger/internal/scheduler"
	"github.com/richardliu001/mpesa-ledger/internal/service"
)

func main() {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "internal/config/config.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	policy, err := cfg.Limits.Policy()
	if err != nil {
		log.Fatalf("limits: %v", err)
	}

	gdb, err := repo.Open(cfg.Postgres.ConnString())
	if err != nil {
		log.Fatalf("%v", err)
	}

	var sender notify.Sender = notify.LogSender{Log: log}
	if cfg.SMS.APIKey != "" {
		sender = notify.NewAfricasTalking(cfg.SMS.BaseURL, cfg.SMS.Username, cfg.SMS.APIKey, cfg.SMS.SenderID, cfg.SMS.Timeout)
	}
	notifier := notify.NewAsync(sender, cfg.SMS.Timeout, log)

	repository := repo.NewRepository(gdb, nil, nil, log)
	// failing a pending row never moves the settled balance, so the sweep
	// needs neither the cache nor the gateway
	svc := service.NewFundService(repository, limits.NewEngine(policy, repository), nil, notifier, service.Config{
		PendingTimeout: cfg.Sweep.PendingTimeout,
		SweepBatch:     cfg.Sweep.BatchSize,
	}, log)

	sched, err := scheduler.NewScheduler(cfg.Sweep.Schedule, svc, cfg.Sweep.JobTimeout, log)
	if err != nil {
		log.Fatalf("%v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched.RunSweep(ctx)
	sched.Start()
	<-ctx.Done()
	sched.Stop()
	notifier.Wait()
}
