package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/segmentio/kafka-go"

	"github.com/richardliu001/mpesa-ledger/internal/config"
	"github.com/richardliu001/mpesa-ledger/internal/logger"
	"github.com/richardliu001/mpesa-ledger/internal/repo"
	"github.com/richardliu001/mpesa-ledger/internal/scheduler"
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

	gdb, err := repo.Open(cfg.Postgres.ConnString())
	if err != nil {
		log.Fatalf("%v", err)
	}

	kw := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Kafka.Brokers...),
		Topic:        cfg.Kafka.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	defer kw.Close()

	// the relay never reads balances, so no cache
	repository := repo.NewRepository(gdb, nil, kw, log)
	relay := scheduler.NewRelay(repository, cfg.Sweep.OutboxInterval, cfg.Sweep.BatchSize, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	relay.Run(ctx)
}
