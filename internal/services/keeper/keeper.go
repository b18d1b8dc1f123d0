// Package keeper periodically executes plans whose tolerance window has elapsed.
package keeper

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/cryptodca/internal/domain"
	"github.com/vadiminshakov/cryptodca/internal/services/engine"
	"github.com/vadiminshakov/cryptodca/internal/services/router"
	"github.com/vadiminshakov/cryptodca/pkg/retrier"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultSchedule    = "@every 30s"
	defaultParallelism = 4
)

// Engine is the part of the engine the keeper drives.
type Engine interface {
	Plans(f engine.PlanFilter) []*domain.Plan
	GetFee() (int64, error)
	GetExecuteTolerance() (time.Duration, error)
	ExecutePlan(ctx context.Context, caller common.Address, instruction []byte, id domain.PlanID, minimumOutput decimal.Decimal) (*engine.ExecutionReceipt, error)
}

// Quoter prices the net input of an execution.
type Quoter interface {
	Quote(ctx context.Context, req router.QuoteRequest) (router.Quote, error)
}

// Summary counts the outcomes of one scan.
type Summary struct {
	Due       int
	Executed  int
	Completed int
	Failed    int
}

// Keeper scans active plans and submits executions as caller, which must hold the executor role.
type Keeper struct {
	engine      Engine
	quoter      Quoter
	caller      common.Address
	schedule    string
	parallelism int
	retrier     *retrier.Retrier
	clock       func() time.Time
	l           *zap.Logger
}

// Option configures a Keeper.
type Option func(*Keeper)

// WithSchedule sets the cron spec of scans. Seconds are the first field.
func WithSchedule(spec string) Option {
	return func(k *Keeper) {
		if spec != "" {
			k.schedule = spec
		}
	}
}

// WithParallelism bounds how many plans are executed at once.
func WithParallelism(n int) Option {
	return func(k *Keeper) {
		if n > 0 {
			k.parallelism = n
		}
	}
}

// WithRetrier replaces the retry policy of quote and execute calls.
func WithRetrier(r *retrier.Retrier) Option {
	return func(k *Keeper) {
		if r != nil {
			k.retrier = r
		}
	}
}

// WithClock overrides the time source of eligibility checks.
func WithClock(clock func() time.Time) Option {
	return func(k *Keeper) {
		if clock != nil {
			k.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(k *Keeper) {
		if l != nil {
			k.l = l
		}
	}
}

// New creates a keeper.
func New(eng Engine, quoter Quoter, caller common.Address, opts ...Option) *Keeper {
	k := &Keeper{
		engine:      eng,
		quoter:      quoter,
		caller:      caller,
		schedule:    DefaultSchedule,
		parallelism: defaultParallelism,
		clock:       time.Now,
		l:           zap.NewNop(),
	}
	for _, opt := range opts {
		opt(k)
	}
	if k.retrier == nil {
		k.retrier = retrier.New(
			retrier.WithRetryable(Retryable),
			retrier.WithOnRetry(func(attempt int, err error, wait time.Duration) {
				k.l.Warn("retrying execution", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
			}),
		)
	}
	return k
}

// Retryable reports whether a failed execution may succeed when repeated with a fresh quote.
// Validation and state errors are final until something else changes.
func Retryable(err error) bool {
	switch domain.KindOf(err) {
	case domain.KindValidation, domain.KindState, domain.KindInsufficientBalance:
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Run scans on the schedule until ctx is done. A scan still running when the next is due is skipped.
func (k *Keeper) Run(ctx context.Context) error {
	logger := cronLogger{s: k.l.Sugar()}
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := c.AddFunc(k.schedule, func() { k.Tick(ctx) }); err != nil {
		return errors.Wrapf(err, "schedule %q", k.schedule)
	}

	k.l.Info("keeper started", zap.String("schedule", k.schedule), zap.String("executor", k.caller.Hex()))
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	k.l.Info("keeper stopped")

	return nil
}

// Tick runs one scan.
func (k *Keeper) Tick(ctx context.Context) Summary {
	due := k.duePlans()
	if len(due) == 0 {
		return Summary{}
	}

	fee, err := k.engine.GetFee()
	if err != nil {
		k.l.Warn("keeper scan skipped", zap.Error(err))
		return Summary{}
	}

	var executed, completed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(k.parallelism)
	for _, plan := range due {
		g.Go(func() error {
			switch err := k.execute(gctx, plan, fee); {
			case err == nil:
				executed.Add(1)
			case errors.Is(err, domain.ErrInsufficientBalance):
				completed.Add(1)
			default:
				failed.Add(1)
				k.l.Warn("plan execution failed",
					zap.String("plan_id", plan.ID.Hex()),
					zap.String("reason", domain.CodeOf(err)),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	s := Summary{
		Due:       len(due),
		Executed:  int(executed.Load()),
		Completed: int(completed.Load()),
		Failed:    int(failed.Load()),
	}
	k.l.Info("keeper scan finished",
		zap.Int("due", s.Due),
		zap.Int("executed", s.Executed),
		zap.Int("completed", s.Completed),
		zap.Int("failed", s.Failed))

	return s
}

func (k *Keeper) duePlans() []*domain.Plan {
	tolerance, err := k.engine.GetExecuteTolerance()
	if err != nil {
		return nil
	}

	active := domain.PlanStatusActive
	now := k.clock()
	var due []*domain.Plan
	for _, p := range k.engine.Plans(engine.PlanFilter{Status: &active}) {
		if p.InFlight != "" {
			continue
		}
		if next, ok := p.NextExecutionAt(tolerance); ok && now.Before(next) {
			continue
		}
		due = append(due, p)
	}
	return due
}

// execute quotes and submits one plan. A plan short of a chunk is submitted without
// a quote so the engine records its completion.
func (k *Keeper) execute(ctx context.Context, plan *domain.Plan, feeBps int64) error {
	if plan.Balance.LessThan(plan.AmountPerExecution) {
		_, err := k.engine.ExecutePlan(ctx, k.caller, nil, plan.ID, decimal.Zero)
		return err
	}

	_, net := domain.SplitFee(plan.AmountPerExecution, feeBps)

	var minimum decimal.Decimal
	receipt, err := retrier.DoWithData(k.retrier, ctx, func(ctx context.Context) (*engine.ExecutionReceipt, error) {
		quote, err := k.quoter.Quote(ctx, router.QuoteRequest{Pair: plan.Pair(), Amount: net})
		if err != nil {
			return nil, errors.Wrapf(domain.ErrSettlementFailed, "quote: %v", err)
		}
		minimum = domain.ApplySlippage(quote.Expected, plan.ToleranceBps)

		return k.engine.ExecutePlan(ctx, k.caller, quote.Instruction, plan.ID, minimum)
	})
	if err != nil {
		return err
	}

	k.l.Info("plan executed by keeper",
		zap.String("plan_id", plan.ID.Hex()),
		zap.String("minimum", minimum.String()),
		zap.String("output", receipt.Output.String()),
		zap.String("fee", receipt.Fee.String()))
	return nil
}

// cronLogger routes cron's own messages to zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
