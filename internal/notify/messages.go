package notify

import (
	"fmt"

	"github.com/shopspring/decimal"
)

func WithdrawalInitiated(amount decimal.Decimal) string {
	return fmt.Sprintf("Your withdrawal request for KES %s has been initiated. You will receive M-Pesa payment shortly.", amount.StringFixed(2))
}

func WithdrawalCompleted(amount decimal.Decimal) string {
	return fmt.Sprintf("Your withdrawal of KES %s has been completed. Thank you for using our service.", amount.StringFixed(2))
}

func WithdrawalFailed(reason string) string {
	return fmt.Sprintf("Your withdrawal request could not be processed. Reason: %s", reason)
}
