package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"

	"github.com/richardliu001/mpesa-ledger/internal/config"
	"github.com/richardliu001/mpesa-ledger/internal/gateway/mpesa"
	"github.com/richardliu001/mpesa-ledger/internal/limits"
	"github.com/richardliu001/mpesa-ledger/internal/logger"
	"github.com/richardliu001/mpesa-ledger/internal/notify"
	"github.com/richardliu001/mpesa-ledger/internal/repo"
	"github.com/richardliu001/mpesa-ledger/internal/service"
	httptransport "github.com/richardliu001/mpesa-ledger/internal/transport/http"
)

func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "internal/config/config.yaml"
}

func main() {
	// 1. load config
	cfg, err := config.Load(configPath())
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.New(cfg.Log.Level)
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	policy, err := cfg.Limits.Policy()
	if err != nil {
		log.Fatalf("limits: %v", err)
	}

	// 3. postgres
	gdb, err := repo.Open(cfg.Postgres.ConnString())
	if err != nil {
		log.Fatalf("%v", err)
	}
	if err := repo.AutoMigrate(gdb); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}
	defer rdb.Close()

	// 5. gateway & notifications
	gw := mpesa.NewClient(mpesa.Config{
		BaseURL:           cfg.MPesa.BaseURL,
		ConsumerKey:       cfg.MPesa.ConsumerKey,
		ConsumerSecret:    cfg.MPesa.ConsumerSecret,
		BusinessShortCode: cfg.MPesa.BusinessShortCode,
		Passkey:           cfg.MPesa.Passkey,
		CallbackURL:       cfg.MPesa.CallbackURL,
		Timeout:           cfg.MPesa.Timeout,
		RPS:               cfg.MPesa.RPS,
		Burst:             cfg.MPesa.Burst,
	}, log)

	var sender notify.Sender = notify.LogSender{Log: log}
	if cfg.SMS.APIKey != "" {
		sender = notify.NewAfricasTalking(cfg.SMS.BaseURL, cfg.SMS.Username, cfg.SMS.APIKey, cfg.SMS.SenderID, cfg.SMS.Timeout)
	} else {
		log.Warn("sms api key not set, notifications are only logged")
	}
	notifier := notify.NewAsync(sender, cfg.SMS.Timeout, log)

	// 6. repo & service; the outbox is relayed by cmd/poller
	repository := repo.NewRepository(gdb, rdb, nil, log)
	engine := limits.NewEngine(policy, repository)
	svc := service.NewFundService(repository, engine, gw, notifier, service.Config{
		PendingTimeout: cfg.Sweep.PendingTimeout,
		SweepBatch:     cfg.Sweep.BatchSize,
	}, log)

	// 7. gin router
	router := httptransport.NewRouter(svc, cfg.RateLimit, log)

	// 8. serve until signalled
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Infof("mpesa-ledger listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
	notifier.Wait()
}
