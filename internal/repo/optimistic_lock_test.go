package repo_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/richardliu001/mpesa-ledger/internal/model"
)

func TestOptimisticLock_StaleVersion(t *testing.T) {
	r, _ := newTestRepo(t)
	ctx := context.Background()
	seedDeposit(t, r, "u1", 100)

	var acc *model.Account
	err := r.DB(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		acc, err = r.GetAccountForUpdate(ctx, tx, "u1")
		if err != nil {
			return err
		}
		return r.UpdateAccountBalance(ctx, tx, "u1", acc.Balance.Add(decimal.NewFromInt(10)), acc.Version)
	})
	require.NoError(t, err)

	// a writer still holding the old version must not overwrite the new balance
	err = r.DB(ctx).Transaction(func(tx *gorm.DB) error {
		return r.UpdateAccountBalance(ctx, tx, "u1", acc.Balance.Add(decimal.NewFromInt(10)), acc.Version)
	})
	assert.EqualError(t, err, "optimistic lock conflict")

	var final model.Account
	require.NoError(t, r.DB(ctx).Where("user_id = ?", "u1").Take(&final).Error)
	assert.True(t, final.Balance.Equal(decimal.NewFromInt(110)), final.Balance.String())
	assert.Equal(t, acc.Version+1, final.Version)
}
