package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/richardliu001/mpesa-ledger/internal/model"
)

// OutboxStore is the part of the ledger store the relay needs.
type OutboxStore interface {
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error
	MarkOutboxProcessed(ctx context.Context, id uint64) error
}

// Relay copies outbox rows to the event bus. Delivery is at least once: a
// crash between publish and mark resends the event.
type Relay struct {
	store    OutboxStore
	interval time.Duration
	batch    int
	log      *zap.SugaredLogger
}

func NewRelay(store OutboxStore, interval time.Duration, batch int, log *zap.SugaredLogger) *Relay {
	return &Relay{store: store, interval: interval, batch: batch, log: log}
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	r.log.Infow("outbox relay started", "interval", r.interval.String())
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopped")
			return
		case <-ticker.C:
			runWithRecovery(r.log, "outbox_relay", func() { r.RelayOnce(ctx) })
		}
	}
}

// RelayOnce publishes one batch in id order and returns how many events were
// sent. It stops at the first publish failure so later events of the same
// transaction are not sent ahead of earlier ones.
func (r *Relay) RelayOnce(ctx context.Context) int {
	events, err := r.store.PollOutbox(ctx, r.batch)
	if err != nil {
		r.log.Errorw("poll outbox", "error", err)
		return 0
	}
	sent := 0
	for _, evt := range events {
		if err := r.store.PublishEvent(ctx, evt); err != nil {
			r.log.Errorw("publish event", "outbox_id", evt.ID, "event_type", evt.EventType, "error", err)
			return sent
		}
		if err := r.store.MarkOutboxProcessed(ctx, evt.ID); err != nil {
			r.log.Errorw("mark processed", "outbox_id", evt.ID, "error", err)
			return sent
		}
		sent++
		r.log.Debugw("event sent", "outbox_id", evt.ID, "event_type", evt.EventType)
	}
	return sent
}
