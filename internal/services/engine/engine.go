// Package engine implements plan accounting and execution authorization.
//
// Every state-mutating operation runs its state phase under one mutex and commits
// the resulting records as a single batch before they become visible. The mutex is
// never held across a collaborator call: operations that move value apply their
// effects first, release the lock, make the call, then settle or roll back.
package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/cryptodca/internal/domain"
	"github.com/vadiminshakov/cryptodca/internal/storage/state"
	"go.uber.org/zap"
)

// Engine is the plan escrow and execution authorizer.
type Engine struct {
	mu sync.Mutex

	st        *state.Snapshot
	store     Committer
	transfer  AssetTransfer
	settler   Settler
	custody   common.Address
	publisher Publisher
	recorder  Recorder
	clock     func() time.Time
	newID     func() string
	l         *zap.Logger

	// busy holds plan slots with a create or cancel awaiting its transfer.
	busy map[domain.PlanID]struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.l = l
		}
	}
}

// WithPublisher sets the event sink.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.publisher = p
		}
	}
}

// WithRecorder sets the metrics sink.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		if r != nil {
			e.recorder = r
		}
	}
}

// WithIDGenerator overrides intent id generation.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newID = fn
		}
	}
}

// New builds an engine over a replayed snapshot. custody is the account the
// transfer collaborator holds escrowed and unclaimed assets in.
func New(snap *state.Snapshot, store Committer, transfer AssetTransfer, settler Settler, custody common.Address, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, errors.New("state store is required")
	}
	if transfer == nil {
		return nil, errors.New("asset transfer is required")
	}
	if settler == nil {
		return nil, errors.New("settler is required")
	}
	if custody == (common.Address{}) {
		return nil, errors.New("custody address is required")
	}
	if snap == nil {
		snap = state.NewSnapshot()
	}

	e := &Engine{
		st:        snap.Clone(),
		store:     store,
		transfer:  transfer,
		settler:   settler,
		custody:   custody,
		publisher: nopPublisher{},
		recorder:  nopRecorder{},
		clock:     time.Now,
		newID:     func() string { return uuid.New().String() },
		l:         zap.NewNop(),
		busy:      make(map[domain.PlanID]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// Custody returns the account escrowed assets are held in.
func (e *Engine) Custody() common.Address {
	return e.custody
}

// commitLocked persists b and then applies it to the working state.
// Callers hold e.mu and must not have mutated e.st themselves.
func (e *Engine) commitLocked(b state.Batch) error {
	b.Time = e.clock()
	if err := e.store.Commit(b); err != nil {
		return errors.Wrapf(err, "commit %s", b.Op)
	}
	e.st.Apply(b)
	return nil
}

func (e *Engine) registryLocked() (*domain.Registry, error) {
	if e.st.Registry == nil || !e.st.Registry.Initialized {
		return nil, domain.ErrNotInitialized
	}
	return e.st.Registry, nil
}

// track reports the outcome of op when the returned func runs; errp is read at that point.
func (e *Engine) track(op string, errp *error) func() {
	start := time.Now()
	return func() {
		e.recorder.ObserveOperation(op, *errp, time.Since(start))
	}
}

func (e *Engine) emit(ev domain.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.clock()
	}
	e.publisher.Publish(ev)
}

// Initialize bootstraps the registry. It succeeds once.
func (e *Engine) Initialize(ctx context.Context, cfg domain.InitConfig) (err error) {
	defer e.track("initialize", &err)()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.st.Registry != nil && e.st.Registry.Initialized {
		return domain.ErrAlreadyInitialized
	}
	reg, err := domain.NewRegistry(cfg)
	if err != nil {
		return err
	}
	if err := e.commitLocked(state.Batch{Op: "initialize", Registry: reg}); err != nil {
		return err
	}

	e.l.Info("engine initialized",
		zap.String("admin", reg.Admin.Hex()),
		zap.Int("executors", len(reg.Executors)),
		zap.Int("eligible_assets", len(reg.EligibleSourceAssets)),
		zap.Int64("fee_bps", reg.FeeRateBps),
		zap.Duration("tolerance", reg.ExecutionTolerance))
	e.emit(domain.Event{Type: domain.EventInitialized, Actor: reg.Admin, Revision: reg.Revision})

	return nil
}

// Initialized reports whether the registry is set.
func (e *Engine) Initialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, err := e.registryLocked()
	return err == nil
}

// Version returns the engine version.
func (e *Engine) Version() string {
	return domain.Version
}

// GetPID derives a plan id without touching state.
func (e *Engine) GetPID(owner, source, target common.Address, amountPerExecution decimal.Decimal) domain.PlanID {
	return domain.DerivePlanID(owner, source, target, amountPerExecution)
}

// GetPlan returns a copy of the plan in slot id.
func (e *Engine) GetPlan(id domain.PlanID) (*domain.Plan, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.st.Plans[id]
	if !ok {
		return nil, errors.Wrapf(domain.ErrPlanNotFound, "plan %s", id.Hex())
	}
	return p.Clone(), nil
}

// PlanFilter narrows Plans. Zero values match everything.
type PlanFilter struct {
	Owner  common.Address
	Status *domain.PlanStatus
}

// Plans lists plans ordered by creation time.
func (e *Engine) Plans(f PlanFilter) []*domain.Plan {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*domain.Plan, 0, len(e.st.Plans))
	for _, p := range e.st.Plans {
		if f.Owner != (common.Address{}) && p.Owner != f.Owner {
			continue
		}
		if f.Status != nil && p.Status != *f.Status {
			continue
		}
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.Cmp(out[j].ID) < 0
	})
	return out
}

// Registry returns a copy of the registry, nil before initialization.
func (e *Engine) Registry() *domain.Registry {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.st.Registry.Clone()
}

// GetFee returns the fee rate in basis points.
func (e *Engine) GetFee() (int64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	reg, err := e.registryLocked()
	if err != nil {
		return 0, err
	}
	return reg.FeeRateBps, nil
}

// GetExecuteTolerance returns the minimum spacing between executions of a plan.
func (e *Engine) GetExecuteTolerance() (time.Duration, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	reg, err := e.registryLocked()
	if err != nil {
		return 0, err
	}
	return reg.ExecutionTolerance, nil
}

// IsSourceAssetEligible reports whether plans may escrow asset.
func (e *Engine) IsSourceAssetEligible(asset common.Address) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.st.Registry.IsSourceAssetEligible(asset)
}

// HasRole reports whether account holds role.
func (e *Engine) HasRole(role domain.Role, account common.Address) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.st.Registry.HasRole(role, account)
}

// ProceedsOf returns the unclaimed target asset accrued to holder.
func (e *Engine) ProceedsOf(holder, asset common.Address) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.st.Proceeds.Balance(holder, asset)
}

// ProceedsEntries lists the holder's non-zero proceeds entries.
func (e *Engine) ProceedsEntries(holder common.Address) []domain.LedgerEntry {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]domain.LedgerEntry, 0)
	for _, entry := range e.st.Proceeds.Entries() {
		if entry.Holder == holder {
			out = append(out, entry)
		}
	}
	return out
}

// FeesOf returns the accumulated protocol fee in asset.
func (e *Engine) FeesOf(asset common.Address) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.st.Fees.Balance(domain.FeeHolder, asset)
}

// PendingIntents lists intents that have not settled.
func (e *Engine) PendingIntents() []*domain.Intent {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*domain.Intent, 0, len(e.st.Intents))
	for _, in := range e.st.Intents {
		out = append(out, in.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Liabilities sums what custody owes in asset: plan balances plus unclaimed proceeds and fees.
// Chunks reserved by in-flight executions are already with the settler and are not counted.
func (e *Engine) Liabilities(asset common.Address) decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()

	total := e.st.Proceeds.Total(asset).Add(e.st.Fees.Total(asset))
	for _, p := range e.st.Plans {
		if p.SourceAsset != asset {
			continue
		}
		total = total.Add(p.Balance)
	}
	return total
}
