package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/richardliu001/mpesa-ledger/internal/model"
)

var (
	// ErrInsufficientFunds is returned when a withdrawal reservation does not
	// fit the available balance.
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrDuplicateReference is returned when the external reference is already recorded.
	ErrDuplicateReference = errors.New("duplicate external reference")
	// ErrStaleTransition is returned when the transaction is no longer in the expected status.
	ErrStaleTransition = errors.New("stale transition")
	// ErrInvalidTransition is returned for edges outside the status machine.
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotFound          = errors.New("not found")
)

const balanceCacheTTL = 5 * time.Minute

// TransitionDetails carries the fields attached to a transaction when it
// reaches a terminal status.
type TransitionDetails struct {
	At             time.Time
	GatewayReceipt string
	FailureReason  string
}

// RepositoryInterface restricts Repo methods so services can be tested against fakes.
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB
	RecordTransaction(ctx context.Context, t *model.Transaction) (uuid.UUID, error)
	SumCompleted(ctx context.Context, userID string, kind model.Kind, since time.Time) (decimal.Decimal, error)
	SumPending(ctx context.Context, userID string, kind model.Kind) (decimal.Decimal, error)
	LastWithdrawalAt(ctx context.Context, userID string) (time.Time, bool, error)
	Transition(ctx context.Context, id uuid.UUID, from, to model.Status, details TransitionDetails) (*model.Transaction, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.Transaction, error)
	GetByReference(ctx context.Context, ref string) (*model.Transaction, error)
	ListByUser(ctx context.Context, userID string, kind model.Kind, limit int) ([]model.Transaction, error)
	ListExpiredPending(ctx context.Context, createdBefore time.Time, limit int) ([]model.Transaction, error)
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
	RecomputeBalance(ctx context.Context, userID string) (decimal.Decimal, error)
	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error
}

// Repository implements RepositoryInterface on gorm, with an optional Redis
// balance cache and a Kafka writer for the outbox relay.
type Repository struct {
	db     *gorm.DB
	rdb    *redis.Client
	writer *kafka.Writer
	log    *zap.SugaredLogger
	now    func() time.Time
}

// NewRepository constructs repo. rdb may be nil to disable the balance cache.
func NewRepository(db *gorm.DB, rdb *redis.Client, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{
		db:     db,
		rdb:    rdb,
		writer: w,
		log:    logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source used for created_at/updated_at.
func (r *Repository) WithClock(now func() time.Time) *Repository {
	r.now = now
	return r
}

// AutoMigrate creates or updates the ledger tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&model.Account{}, &model.Transaction{}, &model.OutboxEvent{})
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// RecordTransaction inserts t as pending and returns its id. Withdrawals are
// re-validated against the available balance while the account row is locked,
// so two concurrent reservations cannot both fit into the same funds.
func (r *Repository) RecordTransaction(ctx context.Context, t *model.Transaction) (uuid.UUID, error) {
	switch {
	case !t.Kind.Valid():
		return uuid.Nil, fmt.Errorf("RecordTransaction: invalid kind %q", t.Kind)
	case !t.Amount.IsPositive():
		return uuid.Nil, fmt.Errorf("RecordTransaction: amount must be positive, got %s", t.Amount)
	case t.UserID == "" || t.ExternalReference == "":
		return uuid.Nil, errors.New("RecordTransaction: user id and external reference are required")
	}

	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	now := r.now()
	t.Status = model.StatusPending
	t.CreatedAt, t.UpdatedAt = now, now
	t.CompletedAt, t.FailureReason, t.GatewayReceipt = nil, nil, nil

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := r.lockAccount(ctx, tx, t.UserID); err != nil {
			return err
		}

		var n int64
		if err := tx.Model(&model.Transaction{}).
			Where("external_reference = ?", t.ExternalReference).
			Count(&n).Error; err != nil {
			return err
		}
		if n > 0 {
			return ErrDuplicateReference
		}

		if t.Kind == model.KindWithdrawal {
			available, err := availableBalance(ctx, tx, t.UserID)
			if err != nil {
				return err
			}
			if available.LessThan(t.Amount) {
				return ErrInsufficientFunds
			}
		}

		if err := tx.Create(t).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateReference
			}
			return err
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("RecordTransaction: %w", err)
	}
	return t.ID, nil
}

// SumCompleted sums completed transactions of kind settled at or after since.
// A zero since means all time.
func (r *Repository) SumCompleted(ctx context.Context, userID string, kind model.Kind, since time.Time) (decimal.Decimal, error) {
	sum, err := sumCompleted(ctx, r.db, userID, kind, since)
	if err != nil {
		return decimal.Zero, fmt.Errorf("SumCompleted: %w", err)
	}
	return sum, nil
}

// SumPending sums currently pending transactions of kind.
func (r *Repository) SumPending(ctx context.Context, userID string, kind model.Kind) (decimal.Decimal, error) {
	sum, err := sumPending(ctx, r.db, userID, kind)
	if err != nil {
		return decimal.Zero, fmt.Errorf("SumPending: %w", err)
	}
	return sum, nil
}

// LastWithdrawalAt returns the creation time of the user's most recent pending
// or completed withdrawal.
func (r *Repository) LastWithdrawalAt(ctx context.Context, userID string) (time.Time, bool, error) {
	var t model.Transaction
	err := r.db.WithContext(ctx).
		Select("created_at").
		Where("user_id = ? AND kind = ? AND status IN ?", userID, model.KindWithdrawal,
			[]model.Status{model.StatusPending, model.StatusCompleted}).
		Order("created_at DESC").
		Take(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("LastWithdrawalAt: %w", err)
	}
	return t.CreatedAt, true, nil
}

// Transition moves transaction id from one status to another. The update is
// guarded by the current status, so of two concurrent callers exactly one
// succeeds and the other gets ErrStaleTransition.
func (r *Repository) Transition(ctx context.Context, id uuid.UUID, from, to model.Status, details TransitionDetails) (*model.Transaction, error) {
	if !model.CanTransition(from, to) {
		return nil, fmt.Errorf("Transition: %w: %s -> %s", ErrInvalidTransition, from, to)
	}
	at := details.At
	if at.IsZero() {
		at = r.now()
	}

	updates := map[string]interface{}{"status": to, "updated_at": at}
	switch to {
	case model.StatusCompleted:
		updates["completed_at"] = at
		if details.GatewayReceipt != "" {
			updates["gateway_receipt"] = details.GatewayReceipt
		}
	case model.StatusFailed:
		updates["failure_reason"] = details.FailureReason
	}

	var out model.Transaction
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&model.Transaction{}).
			Where("id = ? AND status = ?", id, from).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&model.Transaction{}).Where("id = ?", id).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				return ErrNotFound
			}
			return ErrStaleTransition
		}

		if err := tx.Where("id = ?", id).Take(&out).Error; err != nil {
			return err
		}

		eventType := model.EventTransactionFailed
		if to == model.StatusCompleted {
			eventType = model.EventTransactionCompleted
			if err := r.applyCompleted(ctx, tx, &out); err != nil {
				return err
			}
		}
		evt, err := transactionEvent(eventType, &out)
		if err != nil {
			return err
		}
		return r.CreateOutboxEvent(ctx, tx, evt)
	})
	if err != nil {
		return nil, fmt.Errorf("Transition: %w", err)
	}

	if to == model.StatusCompleted {
		r.invalidateBalance(ctx, out.UserID)
	}
	return &out, nil
}

// applyCompleted folds a completed transaction into the materialized balance.
func (r *Repository) applyCompleted(ctx context.Context, tx *gorm.DB, t *model.Transaction) error {
	acc, err := r.lockAccount(ctx, tx, t.UserID)
	if err != nil {
		return err
	}
	var newBal decimal.Decimal
	switch t.Kind {
	case model.KindDeposit:
		newBal = acc.Balance.Add(t.Amount)
	case model.KindWithdrawal:
		newBal = acc.Balance.Sub(t.Amount)
	default:
		return fmt.Errorf("applyCompleted: unknown kind %q", t.Kind)
	}
	return r.UpdateAccountBalance(ctx, tx, t.UserID, newBal, acc.Version)
}

// GetAccountForUpdate locks the account row.
func (r *Repository) GetAccountForUpdate(ctx context.Context, tx *gorm.DB, userID string) (*model.Account, error) {
	var a model.Account
	if err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).First(&a).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

// UpdateAccountBalance with optimistic lock.
func (r *Repository) UpdateAccountBalance(ctx context.Context, tx *gorm.DB, userID string, newBalance decimal.Decimal, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.Account{}).
		Where("user_id = ? AND version = ?", userID, oldVersion).
		Updates(map[string]interface{}{
			"balance":    newBalance,
			"version":    oldVersion + 1,
			"updated_at": r.now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errors.New("optimistic lock conflict")
	}
	return nil
}

// lockAccount creates the account row on first use and locks it.
func (r *Repository) lockAccount(ctx context.Context, tx *gorm.DB, userID string) (*model.Account, error) {
	if err := tx.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&model.Account{UserID: userID, Balance: decimal.Zero, UpdatedAt: r.now()}).Error; err != nil {
		return nil, err
	}
	return r.GetAccountForUpdate(ctx, tx, userID)
}

// GetByID loads one transaction.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*model.Transaction, error) {
	var t model.Transaction
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("GetByID: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetByID: %w", err)
	}
	return &t, nil
}

// GetByReference loads the transaction recorded for a gateway reference.
func (r *Repository) GetByReference(ctx context.Context, ref string) (*model.Transaction, error) {
	var t model.Transaction
	err := r.db.WithContext(ctx).Where("external_reference = ?", ref).Take(&t).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("GetByReference: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("GetByReference: %w", err)
	}
	return &t, nil
}

// ListByUser returns the user's most recent transactions, newest first. An
// empty kind lists both kinds.
func (r *Repository) ListByUser(ctx context.Context, userID string, kind model.Kind, limit int) ([]model.Transaction, error) {
	q := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	var txs []model.Transaction
	if err := q.Order("created_at DESC").Limit(limit).Find(&txs).Error; err != nil {
		return nil, fmt.Errorf("ListByUser: %w", err)
	}
	return txs, nil
}

// ListExpiredPending returns pending transactions created before createdBefore, oldest first.
func (r *Repository) ListExpiredPending(ctx context.Context, createdBefore time.Time, limit int) ([]model.Transaction, error) {
	var txs []model.Transaction
	err := r.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", model.StatusPending, createdBefore).
		Order("created_at").
		Limit(limit).
		Find(&txs).Error
	if err != nil {
		return nil, fmt.Errorf("ListExpiredPending: %w", err)
	}
	return txs, nil
}

// Balance returns the materialized balance, served from Redis when cached.
// Writers only ever delete the cached value, so a miss always refills it
// from the accounts row.
func (r *Repository) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	if bal, err := r.GetCachedBalance(ctx, userID); err == nil {
		return bal, nil
	}
	var a model.Account
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).Take(&a).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("Balance: %w", err)
	}
	if err := r.CacheBalance(ctx, userID, a.Balance); err != nil {
		r.log.Debugw("cache balance", "user_id", userID, "error", err)
	}
	return a.Balance, nil
}

// RecomputeBalance rebuilds the materialized balance from the ledger alone.
func (r *Repository) RecomputeBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	var bal decimal.Decimal
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		acc, err := r.lockAccount(ctx, tx, userID)
		if err != nil {
			return err
		}
		bal, err = completedBalance(ctx, tx, userID)
		if err != nil {
			return err
		}
		if bal.Equal(acc.Balance) {
			return nil
		}
		r.log.Warnw("materialized balance drifted from ledger",
			"user_id", userID, "cached", acc.Balance.String(), "ledger", bal.String())
		return r.UpdateAccountBalance(ctx, tx, userID, bal, acc.Version)
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("RecomputeBalance: %w", err)
	}
	r.invalidateBalance(ctx, userID)
	return bal, nil
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed = ?", false).Order("id").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := r.now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id = ?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka, keyed by aggregate so one transaction's events stay ordered.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(evt.AggregateID),
		Value: []byte(evt.Payload),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(evt.EventType)},
			{Key: "outbox_id", Value: []byte(fmt.Sprintf("%d", evt.ID))},
		},
		Time: r.now(),
	}
	if r.writer == nil {
		return errors.New("PublishEvent: no kafka writer configured")
	}
	return r.writer.WriteMessages(ctx, msg)
}

var errCacheDisabled = errors.New("balance cache disabled")

func balanceKey(userID string) string { return "balance:" + userID }

// CacheBalance writes Redis.
func (r *Repository) CacheBalance(ctx context.Context, userID string, bal decimal.Decimal) error {
	if r.rdb == nil {
		return nil
	}
	return r.rdb.Set(ctx, balanceKey(userID), bal.String(), balanceCacheTTL).Err()
}

// invalidateBalance drops the cached balance after a committed change. A
// failed delete leaves a stale value until balanceCacheTTL, hence the error log.
func (r *Repository) invalidateBalance(ctx context.Context, userID string) {
	if r.rdb == nil {
		return
	}
	if err := r.rdb.Del(ctx, balanceKey(userID)).Err(); err != nil {
		r.log.Errorw("invalidate cached balance", "user_id", userID, "error", err)
	}
}

// GetCachedBalance reads Redis.
func (r *Repository) GetCachedBalance(ctx context.Context, userID string) (decimal.Decimal, error) {
	if r.rdb == nil {
		return decimal.Zero, errCacheDisabled
	}
	str, err := r.rdb.Get(ctx, balanceKey(userID)).Result()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(str)
}

func sumCompleted(ctx context.Context, db *gorm.DB, userID string, kind model.Kind, since time.Time) (decimal.Decimal, error) {
	q := db.WithContext(ctx).Model(&model.Transaction{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("user_id = ? AND kind = ? AND status = ?", userID, kind, model.StatusCompleted)
	if !since.IsZero() {
		q = q.Where("COALESCE(completed_at, created_at) >= ?", since)
	}
	var sum decimal.Decimal
	if err := q.Row().Scan(&sum); err != nil {
		return decimal.Zero, err
	}
	return sum, nil
}

func sumPending(ctx context.Context, db *gorm.DB, userID string, kind model.Kind) (decimal.Decimal, error) {
	var sum decimal.Decimal
	err := db.WithContext(ctx).Model(&model.Transaction{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("user_id = ? AND kind = ? AND status = ?", userID, kind, model.StatusPending).
		Row().Scan(&sum)
	if err != nil {
		return decimal.Zero, err
	}
	return sum, nil
}

// completedBalance is Σ completed deposits − Σ completed withdrawals.
func completedBalance(ctx context.Context, db *gorm.DB, userID string) (decimal.Decimal, error) {
	deposits, err := sumCompleted(ctx, db, userID, model.KindDeposit, time.Time{})
	if err != nil {
		return decimal.Zero, err
	}
	withdrawals, err := sumCompleted(ctx, db, userID, model.KindWithdrawal, time.Time{})
	if err != nil {
		return decimal.Zero, err
	}
	return deposits.Sub(withdrawals), nil
}

func availableBalance(ctx context.Context, db *gorm.DB, userID string) (decimal.Decimal, error) {
	bal, err := completedBalance(ctx, db, userID)
	if err != nil {
		return decimal.Zero, err
	}
	pending, err := sumPending(ctx, db, userID, model.KindWithdrawal)
	if err != nil {
		return decimal.Zero, err
	}
	return bal.Sub(pending), nil
}

func transactionEvent(eventType string, t *model.Transaction) (*model.OutboxEvent, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"transaction_id":     t.ID,
		"user_id":            t.UserID,
		"kind":               t.Kind,
		"status":             t.Status,
		"amount":             t.Amount,
		"external_reference": t.ExternalReference,
		"gateway_receipt":    t.GatewayReceipt,
		"failure_reason":     t.FailureReason,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	return &model.OutboxEvent{
		Aggregate:   "Transaction",
		AggregateID: t.ID.String(),
		EventType:   eventType,
		Payload:     string(payload),
	}, nil
}

// UnmatchedCallbackEvent builds the outbox row recorded for a callback that
// matched no pending transaction, for manual reconciliation.
func UnmatchedCallbackEvent(ref string, payload interface{}) (*model.OutboxEvent, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal unmatched callback %s: %w", ref, err)
	}
	return &model.OutboxEvent{
		Aggregate:   "Callback",
		AggregateID: ref,
		EventType:   model.EventCallbackUnmatched,
		Payload:     string(body),
	}, nil
}
