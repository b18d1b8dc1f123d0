package engine

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/cryptodca/internal/domain"
	"github.com/vadiminshakov/cryptodca/internal/storage/state"
	"go.uber.org/zap"
)

// SetFee sets the protocol fee rate in basis points.
func (e *Engine) SetFee(ctx context.Context, caller common.Address, bps int64) (err error) {
	defer e.track("set_fee", &err)()

	return e.mutateRegistry(caller, "fee_rate_bps", func(r *domain.Registry) error {
		return r.SetFee(bps)
	})
}

// SetExecuteTolerance sets the minimum spacing between executions of one plan.
func (e *Engine) SetExecuteTolerance(ctx context.Context, caller common.Address, tolerance time.Duration) (err error) {
	defer e.track("set_execute_tolerance", &err)()

	return e.mutateRegistry(caller, "execution_tolerance", func(r *domain.Registry) error {
		return r.SetExecutionTolerance(tolerance)
	})
}

// SetMinimumAmountPerExecution sets the smallest chunk accepted by CreatePlan.
func (e *Engine) SetMinimumAmountPerExecution(ctx context.Context, caller common.Address, amount decimal.Decimal) (err error) {
	defer e.track("set_minimum_amount", &err)()

	return e.mutateRegistry(caller, "minimum_amount_per_execution", func(r *domain.Registry) error {
		return r.SetMinimumAmountPerExecution(amount)
	})
}

// SetEligibleSourceAssets replaces the source asset allow-list. Existing plans are unaffected.
func (e *Engine) SetEligibleSourceAssets(ctx context.Context, caller common.Address, assets []common.Address) (err error) {
	defer e.track("set_eligible_assets", &err)()

	return e.mutateRegistry(caller, "eligible_source_assets", func(r *domain.Registry) error {
		return r.SetEligibleSourceAssets(assets)
	})
}

// GrantExecutor adds account to the executor set.
func (e *Engine) GrantExecutor(ctx context.Context, caller, account common.Address) (err error) {
	defer e.track("grant_executor", &err)()

	return e.mutateRegistry(caller, "executors", func(r *domain.Registry) error {
		return r.GrantExecutor(account)
	})
}

// RevokeExecutor removes account from the executor set.
func (e *Engine) RevokeExecutor(ctx context.Context, caller, account common.Address) (err error) {
	defer e.track("revoke_executor", &err)()

	return e.mutateRegistry(caller, "executors", func(r *domain.Registry) error {
		r.RevokeExecutor(account)
		return nil
	})
}

// TransferAdmin hands the admin roles to account.
func (e *Engine) TransferAdmin(ctx context.Context, caller, account common.Address) (err error) {
	defer e.track("transfer_admin", &err)()

	return e.mutateRegistry(caller, "admin", func(r *domain.Registry) error {
		return r.TransferAdmin(account)
	})
}

// mutateRegistry applies fn to a copy of the registry and commits it as the next revision.
func (e *Engine) mutateRegistry(caller common.Address, field string, fn func(*domain.Registry) error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	current, err := e.registryLocked()
	if err != nil {
		return err
	}
	if err := current.Require(domain.RoleAdmin, caller); err != nil {
		return err
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		return err
	}
	if err := e.commitLocked(state.Batch{Op: "config_" + field, Registry: next}); err != nil {
		return err
	}

	e.l.Info("registry updated",
		zap.String("field", field),
		zap.String("by", caller.Hex()),
		zap.Uint64("revision", next.Revision))
	e.emit(domain.Event{Type: domain.EventConfigChanged, Actor: caller, Field: field, Revision: next.Revision})

	return nil
}
