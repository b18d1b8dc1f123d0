package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// IntentKind is the operation an intent journals.
type IntentKind string

const (
	IntentExecution     IntentKind = "execution"
	IntentWithdrawal    IntentKind = "withdrawal"
	IntentFeeWithdrawal IntentKind = "fee_withdrawal"
	IntentRefund        IntentKind = "refund"
)

// IntentStatus is the settlement outcome of an intent.
type IntentStatus string

const (
	IntentPending IntentStatus = "pending"
	IntentDone    IntentStatus = "done"
	IntentFailed  IntentStatus = "failed"
)

// Intent records an external call whose effects were applied before the call was made,
// so a restart can tell whether to keep or roll back those effects.
type Intent struct {
	ID            string          `json:"id"`
	Kind          IntentKind      `json:"kind"`
	Status        IntentStatus    `json:"status"`
	PlanID        PlanID          `json:"plan_id,omitempty"`
	Holder        common.Address  `json:"holder"`
	Asset         common.Address  `json:"asset"`
	Amount        decimal.Decimal `json:"amount"`
	Fee           decimal.Decimal `json:"fee"`
	MinimumOutput decimal.Decimal `json:"minimum_output"`
	Output        decimal.Decimal `json:"output"`
	Destination   common.Address  `json:"destination"`
	Reference     string          `json:"reference,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
	Error         string          `json:"error,omitempty"`
}

// Clone returns a copy.
func (i *Intent) Clone() *Intent {
	if i == nil {
		return nil
	}
	c := *i
	return &c
}
