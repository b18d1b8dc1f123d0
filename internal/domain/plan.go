package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// PlanParams are the caller-supplied inputs of plan creation.
type PlanParams struct {
	Owner              common.Address
	Pair               Pair
	Amount             decimal.Decimal
	AmountPerExecution decimal.Decimal
	// Recipient receives proceeds directly. Zero means proceeds accrue to the owner's ledger entry.
	Recipient common.Address
	// ToleranceBps is the slippage tolerance the keeper applies when it derives a minimum output.
	ToleranceBps int64
}

// Validate checks the parameters against the configured minimum execution amount.
func (p PlanParams) Validate(minimum decimal.Decimal) error {
	if p.Owner == (common.Address{}) {
		return errors.Wrap(ErrUnauthorized, "owner must be set")
	}
	if err := p.Pair.Validate(); err != nil {
		return err
	}
	if err := ValidateAmount("amount", p.Amount); err != nil {
		return err
	}
	if err := ValidateAmount("amount per execution", p.AmountPerExecution); err != nil {
		return err
	}
	if p.Amount.LessThan(p.AmountPerExecution) {
		return errors.Wrapf(ErrInvalidAmount, "amount %s is below amount per execution %s",
			p.Amount.String(), p.AmountPerExecution.String())
	}
	if p.AmountPerExecution.LessThan(minimum) {
		return errors.Wrapf(ErrInvalidAmount, "amount per execution %s is below minimum %s",
			p.AmountPerExecution.String(), minimum.String())
	}
	if !ValidateBps(p.ToleranceBps) {
		return errors.Wrapf(ErrInvalidTolerance, "tolerance must be within [0, %d] bps, got %d", BpsDenominator, p.ToleranceBps)
	}
	return nil
}

// ID derives the plan id of these parameters.
func (p PlanParams) ID() PlanID {
	return DerivePlanID(p.Owner, p.Pair.Source, p.Pair.Target, p.AmountPerExecution)
}

// Plan is an owner's standing instruction to convert escrowed source asset in fixed chunks.
type Plan struct {
	ID                 PlanID          `json:"id"`
	Owner              common.Address  `json:"owner"`
	SourceAsset        common.Address  `json:"source_asset"`
	TargetAsset        common.Address  `json:"target_asset"`
	AmountPerExecution decimal.Decimal `json:"amount_per_execution"`
	Balance            decimal.Decimal `json:"balance"`
	Recipient          common.Address  `json:"recipient"`
	ToleranceBps       int64           `json:"tolerance_bps"`
	Status             PlanStatus      `json:"status"`
	LastExecutedAt     time.Time       `json:"last_executed_at"`
	CreatedAt          time.Time       `json:"created_at"`
	Executions         uint64          `json:"executions"`
	TotalFunded        decimal.Decimal `json:"total_funded"`
	TotalExecuted      decimal.Decimal `json:"total_executed"`
	// InFlight holds the intent id of an execution awaiting settlement.
	InFlight string `json:"in_flight,omitempty"`
}

// NewPlan builds an active plan. A completed predecessor in the same slot hands over
// its residual balance and last execution time so the cadence cannot be reset by recreating.
func NewPlan(p PlanParams, predecessor *Plan, now time.Time) *Plan {
	plan := &Plan{
		ID:                 p.ID(),
		Owner:              p.Owner,
		SourceAsset:        p.Pair.Source,
		TargetAsset:        p.Pair.Target,
		AmountPerExecution: p.AmountPerExecution,
		Balance:            p.Amount,
		Recipient:          p.Recipient,
		ToleranceBps:       p.ToleranceBps,
		Status:             PlanStatusActive,
		CreatedAt:          now,
		TotalFunded:        p.Amount,
		TotalExecuted:      decimal.Zero,
	}
	if predecessor != nil {
		plan.Balance = plan.Balance.Add(predecessor.Balance)
		plan.TotalFunded = plan.TotalFunded.Add(predecessor.Balance)
		plan.LastExecutedAt = predecessor.LastExecutedAt
	}
	return plan
}

// Pair returns the plan's asset pair.
func (p *Plan) Pair() Pair {
	return Pair{Source: p.SourceAsset, Target: p.TargetAsset}
}

// Clone returns a copy safe to hand out of the engine.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// Beneficiary returns the address receiving the target asset from settlement,
// falling back to custody when proceeds accrue to the owner's ledger.
func (p *Plan) Beneficiary(custody common.Address) common.Address {
	if p.Recipient != (common.Address{}) {
		return p.Recipient
	}
	return custody
}

// HasRecipient reports whether proceeds bypass the ledger.
func (p *Plan) HasRecipient() bool {
	return p.Recipient != (common.Address{})
}

// Fund adds amount to the balance. A completed plan becomes active again once it can afford a chunk.
func (p *Plan) Fund(amount decimal.Decimal) {
	p.Balance = p.Balance.Add(amount)
	p.TotalFunded = p.TotalFunded.Add(amount)
	if p.Status == PlanStatusCompleted && p.Balance.GreaterThanOrEqual(p.AmountPerExecution) {
		p.Status = PlanStatusActive
	}
}

// Pause moves an active plan to paused.
func (p *Plan) Pause() error {
	if p.Status != PlanStatusActive {
		return errors.Wrapf(ErrPlanNotActive, "plan %s is %s", p.ID.Hex(), p.Status)
	}
	p.Status = PlanStatusPaused
	return nil
}

// Resume moves a paused plan to active.
func (p *Plan) Resume() error {
	if p.Status != PlanStatusPaused {
		return errors.Wrapf(ErrPlanNotPaused, "plan %s is %s", p.ID.Hex(), p.Status)
	}
	p.Status = PlanStatusActive
	return nil
}

// CheckCancel verifies the plan can be cancelled now.
func (p *Plan) CheckCancel() error {
	if !p.Status.CanTransition(PlanStatusCancelled) {
		return errors.Wrapf(ErrPlanTerminal, "plan %s is %s", p.ID.Hex(), p.Status)
	}
	if p.InFlight != "" {
		return errors.Wrapf(ErrExecutionInProgress, "plan %s awaits settlement of %s", p.ID.Hex(), p.InFlight)
	}
	return nil
}

// CheckExecutable runs the execution guards in order. ErrInsufficientBalance
// tells the caller to persist the completed transition.
func (p *Plan) CheckExecutable(now time.Time, tolerance time.Duration) error {
	if p.Status != PlanStatusActive {
		return errors.Wrapf(ErrPlanNotExecutable, "plan %s is %s", p.ID.Hex(), p.Status)
	}
	if p.InFlight != "" {
		return errors.Wrapf(ErrExecutionInProgress, "plan %s awaits settlement of %s", p.ID.Hex(), p.InFlight)
	}
	if p.Balance.LessThan(p.AmountPerExecution) {
		return errors.Wrapf(ErrInsufficientBalance, "plan %s balance %s, need %s",
			p.ID.Hex(), p.Balance.String(), p.AmountPerExecution.String())
	}
	if next, ok := p.NextExecutionAt(tolerance); ok && now.Before(next) {
		return errors.Wrapf(ErrTooSoon, "plan %s next execution at %s", p.ID.Hex(), next.UTC().Format(time.RFC3339))
	}
	return nil
}

// NextExecutionAt returns the earliest time of the next execution, false when any time is allowed.
func (p *Plan) NextExecutionAt(tolerance time.Duration) (time.Time, bool) {
	if p.LastExecutedAt.IsZero() {
		return time.Time{}, false
	}
	return p.LastExecutedAt.Add(tolerance), true
}

// Complete marks an active plan that can no longer afford a chunk as completed.
func (p *Plan) Complete() bool {
	if p.Status == PlanStatusActive && p.Balance.LessThan(p.AmountPerExecution) {
		p.Status = PlanStatusCompleted
		return true
	}
	return false
}

// Reserve debits one chunk ahead of settlement and marks the plan in flight.
func (p *Plan) Reserve(intentID string) {
	p.Balance = p.Balance.Sub(p.AmountPerExecution)
	p.InFlight = intentID
}

// Release undoes Reserve after a failed settlement.
func (p *Plan) Release() {
	p.Balance = p.Balance.Add(p.AmountPerExecution)
	p.InFlight = ""
}

// Settle records a successful execution and reports whether the plan completed.
func (p *Plan) Settle(at time.Time) bool {
	p.InFlight = ""
	p.LastExecutedAt = at
	p.Executions++
	p.TotalExecuted = p.TotalExecuted.Add(p.AmountPerExecution)
	return p.Complete()
}

// Conserved checks funded minus executed equals the current balance, counting an in-flight reservation as spent.
func (p *Plan) Conserved() bool {
	spent := p.TotalExecuted
	if p.InFlight != "" {
		spent = spent.Add(p.AmountPerExecution)
	}
	return p.TotalFunded.Sub(spent).Equal(p.Balance)
}
