package engine

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/cryptodca/internal/domain"
	"github.com/vadiminshakov/cryptodca/internal/storage/state"
	"go.uber.org/zap"
)

// ExecutionReceipt describes one successful execution.
type ExecutionReceipt struct {
	IntentID    string            `json:"intent_id"`
	PlanID      domain.PlanID     `json:"plan_id"`
	Fee         decimal.Decimal   `json:"fee"`
	NetInput    decimal.Decimal   `json:"net_input"`
	Output      decimal.Decimal   `json:"output"`
	Beneficiary common.Address    `json:"beneficiary"`
	Reference   string            `json:"reference,omitempty"`
	ExecutedAt  time.Time         `json:"executed_at"`
	Status      domain.PlanStatus `json:"status"`
}

// ExecutePlan converts one chunk of plan id. The caller must hold the executor role.
//
// The chunk is debited and the plan marked in flight before the settler is called.
// Fee and proceeds are credited, and the cadence advanced, only after the settler returns
// at least minimumOutput; any other outcome restores the chunk.
func (e *Engine) ExecutePlan(ctx context.Context, caller common.Address, instruction []byte, id domain.PlanID, minimumOutput decimal.Decimal) (receipt *ExecutionReceipt, err error) {
	defer e.track("execute_plan", &err)()

	if minimumOutput.IsNegative() || !minimumOutput.IsInteger() {
		return nil, errors.Wrapf(domain.ErrInvalidAmount, "minimum output must be a non-negative whole number, got %s", minimumOutput.String())
	}

	req, intent, err := e.reserveExecution(caller, instruction, id, minimumOutput)
	if err != nil {
		return nil, err
	}

	res, settleErr := e.settler.Settle(WithIntentID(ctx, intent.ID), req)
	if settleErr == nil && res.Output.LessThan(minimumOutput) {
		settleErr = errors.Wrapf(domain.ErrSlippageExceeded, "output %s below minimum %s",
			res.Output.String(), minimumOutput.String())
		if c, ok := e.settler.(Compensator); ok {
			if cerr := c.Compensate(WithIntentID(ctx, intent.ID), req, res); cerr != nil {
				e.l.Error("failed to compensate under-delivering settlement",
					zap.String("intent_id", intent.ID),
					zap.String("plan_id", id.Hex()),
					zap.Error(cerr))
			}
		}
	} else if settleErr != nil && !errors.Is(settleErr, domain.ErrSlippageExceeded) {
		settleErr = errors.Wrapf(domain.ErrSettlementFailed, "plan %s: %v", id.Hex(), settleErr)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if settleErr != nil {
		e.rollbackExecutionLocked(intent, settleErr)
		return nil, settleErr
	}

	return e.settleExecutionLocked(intent, res)
}

// reserveExecution runs the guards and commits the debit together with a pending intent.
func (e *Engine) reserveExecution(caller common.Address, instruction []byte, id domain.PlanID, minimumOutput decimal.Decimal) (SettlementRequest, *domain.Intent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	reg, err := e.registryLocked()
	if err != nil {
		return SettlementRequest{}, nil, err
	}
	if err := reg.Require(domain.RoleExecutor, caller); err != nil {
		return SettlementRequest{}, nil, err
	}

	current, ok := e.st.Plans[id]
	if !ok {
		return SettlementRequest{}, nil, errors.Wrapf(domain.ErrPlanNotExecutable, "plan %s not found", id.Hex())
	}

	now := e.clock()
	if err := current.CheckExecutable(now, reg.ExecutionTolerance); err != nil {
		if errors.Is(err, domain.ErrInsufficientBalance) {
			e.completeLocked(caller, current)
		}
		return SettlementRequest{}, nil, err
	}

	fee, net := domain.SplitFee(current.AmountPerExecution, reg.FeeRateBps)
	plan := current.Clone()
	intent := &domain.Intent{
		ID:            e.newID(),
		Kind:          domain.IntentExecution,
		Status:        domain.IntentPending,
		PlanID:        id,
		Holder:        plan.Owner,
		Asset:         plan.SourceAsset,
		Amount:        plan.AmountPerExecution,
		Fee:           fee,
		MinimumOutput: minimumOutput,
		Destination:   plan.Beneficiary(e.custody),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	plan.Reserve(intent.ID)

	if err := e.commitLocked(state.Batch{Op: "execute_reserve", Plans: []*domain.Plan{plan}, Intents: []*domain.Intent{intent}}); err != nil {
		return SettlementRequest{}, nil, err
	}

	e.l.Debug("execution reserved",
		zap.String("intent_id", intent.ID),
		zap.String("plan_id", id.Hex()),
		zap.String("fee", fee.String()),
		zap.String("net_input", net.String()),
		zap.String("minimum_output", minimumOutput.String()))

	return SettlementRequest{
		ID:            intent.ID,
		InputAsset:    plan.SourceAsset,
		OutputAsset:   plan.TargetAsset,
		InputAmount:   net,
		MinimumOutput: minimumOutput,
		Instruction:   append([]byte(nil), instruction...),
		Beneficiary:   intent.Destination,
	}, intent.Clone(), nil
}

// completeLocked persists the completed transition of a plan that cannot afford a chunk.
func (e *Engine) completeLocked(caller common.Address, current *domain.Plan) {
	plan := current.Clone()
	if !plan.Complete() {
		return
	}
	if err := e.commitLocked(state.Batch{Op: "complete_plan", Plans: []*domain.Plan{plan}}); err != nil {
		e.l.Error("failed to record plan completion", zap.String("plan_id", plan.ID.Hex()), zap.Error(err))
		return
	}
	e.l.Info("plan completed", zap.String("plan_id", plan.ID.Hex()), zap.String("balance", plan.Balance.String()))
	e.emit(domain.Event{Type: domain.EventPlanCompleted, Actor: caller, PlanID: &plan.ID})
}

func (e *Engine) rollbackExecutionLocked(intent *domain.Intent, cause error) {
	failed := intent.Clone()
	failed.Status = domain.IntentFailed
	failed.Error = cause.Error()
	failed.UpdatedAt = e.clock()

	b := state.Batch{Op: "execute_rollback", Intents: []*domain.Intent{failed}}
	if current, ok := e.st.Plans[intent.PlanID]; ok && current.InFlight == intent.ID {
		plan := current.Clone()
		plan.Release()
		b.Plans = []*domain.Plan{plan}
	}
	if err := e.commitLocked(b); err != nil {
		e.l.Error("execution rollback not recorded, plan stays in flight until recovery",
			zap.String("intent_id", intent.ID),
			zap.String("plan_id", intent.PlanID.Hex()),
			zap.Error(err))
		return
	}

	e.l.Warn("execution rolled back",
		zap.String("intent_id", intent.ID),
		zap.String("plan_id", intent.PlanID.Hex()),
		zap.String("reason", domain.CodeOf(cause)),
		zap.Error(cause))
	e.emit(domain.Event{
		Type:   domain.EventExecutionFailed,
		Actor:  intent.Holder,
		PlanID: &failed.PlanID,
		Amount: intent.Amount,
		Error:  cause.Error(),
	})
}

func (e *Engine) settleExecutionLocked(intent *domain.Intent, res SettlementResult) (*ExecutionReceipt, error) {
	current, ok := e.st.Plans[intent.PlanID]
	if !ok || current.InFlight != intent.ID {
		return nil, errors.Errorf("plan %s no longer holds execution %s", intent.PlanID.Hex(), intent.ID)
	}

	now := e.clock()
	plan := current.Clone()
	completed := plan.Settle(now)

	done := intent.Clone()
	done.Status = domain.IntentDone
	done.Output = res.Output
	done.Reference = res.Reference
	done.UpdatedAt = now

	b := state.Batch{
		Op:      "execute_settle",
		Plans:   []*domain.Plan{plan},
		Intents: []*domain.Intent{done},
	}
	if intent.Fee.IsPositive() {
		b.Fees = []domain.LedgerEntry{{
			Holder: domain.FeeHolder,
			Asset:  plan.SourceAsset,
			Amount: e.st.Fees.Balance(domain.FeeHolder, plan.SourceAsset).Add(intent.Fee),
		}}
	}
	if !plan.HasRecipient() && res.Output.IsPositive() {
		b.Proceeds = []domain.LedgerEntry{{
			Holder: plan.Owner,
			Asset:  plan.TargetAsset,
			Amount: e.st.Proceeds.Balance(plan.Owner, plan.TargetAsset).Add(res.Output),
		}}
	}

	if err := e.commitLocked(b); err != nil {
		e.l.Error("settled execution not recorded, plan stays in flight until recovery",
			zap.String("intent_id", intent.ID),
			zap.String("plan_id", intent.PlanID.Hex()),
			zap.String("output", res.Output.String()),
			zap.Error(err))
		return nil, err
	}

	net := intent.Amount.Sub(intent.Fee)
	e.recorder.ObserveExecution(plan.SourceAsset, plan.TargetAsset, intent.Fee, res.Output)
	e.l.Info("plan executed",
		zap.String("intent_id", intent.ID),
		zap.String("plan_id", plan.ID.Hex()),
		zap.String("fee", intent.Fee.String()),
		zap.String("net_input", net.String()),
		zap.String("output", res.Output.String()),
		zap.String("balance", plan.Balance.String()),
		zap.Bool("completed", completed))
	e.emit(domain.Event{
		Type:   domain.EventPlanExecuted,
		Actor:  plan.Owner,
		PlanID: &plan.ID,
		Asset:  &plan.TargetAsset,
		Amount: intent.Amount,
		Fee:    intent.Fee,
		Output: res.Output,
		To:     &done.Destination,
	})
	if completed {
		e.emit(domain.Event{Type: domain.EventPlanCompleted, Actor: plan.Owner, PlanID: &plan.ID})
	}

	return &ExecutionReceipt{
		IntentID:    intent.ID,
		PlanID:      plan.ID,
		Fee:         intent.Fee,
		NetInput:    net,
		Output:      res.Output,
		Beneficiary: done.Destination,
		Reference:   res.Reference,
		ExecutedAt:  now,
		Status:      plan.Status,
	}, nil
}
