// Package bank is an in-process asset ledger with ERC-20 style balances and allowances.
// It backs local runs and tests where no chain is available.
package bank

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/cryptodca/internal/storage/bankstate"
	"go.uber.org/zap"
)

// Leg is one movement of a multi-leg transfer.
type Leg struct {
	Asset  common.Address
	From   common.Address
	To     common.Address
	Amount decimal.Decimal
}

// Bank holds balances per asset and account.
type Bank struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	balances   map[common.Address]map[common.Address]decimal.Decimal
	allowances map[common.Address]map[common.Address]map[common.Address]decimal.Decimal
	references map[string]bool
	receipts   map[string]bankstate.Receipt
	stateStore *bankstate.Store
}

// New creates a bank. A nil store keeps state in memory only.
func New(logger *zap.Logger, store *bankstate.Store) (*Bank, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bank{
		logger:     logger,
		balances:   make(map[common.Address]map[common.Address]decimal.Decimal),
		allowances: make(map[common.Address]map[common.Address]map[common.Address]decimal.Decimal),
		references: make(map[string]bool),
		receipts:   make(map[string]bankstate.Receipt),
		stateStore: store,
	}
	if err := b.restoreState(); err != nil {
		return nil, errors.Wrap(err, "restore bank state")
	}
	return b, nil
}

// BalanceOf returns account's balance of asset.
func (b *Bank) BalanceOf(asset, account common.Address) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.balanceLocked(asset, account)
}

// Allowance returns how much spender may move from owner.
func (b *Bank) Allowance(asset, owner, spender common.Address) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.allowanceLocked(asset, owner, spender)
}

// Fresh reports whether the bank has never held a balance, allowance or receipt.
func (b *Bank) Fresh() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.balances) == 0 && len(b.allowances) == 0 && len(b.references) == 0 && len(b.receipts) == 0
}

// Mint credits amount out of thin air. Used for seeding local runs.
func (b *Bank) Mint(asset, to common.Address, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("mint amount must be positive, got %s", amount.String())
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.setBalanceLocked(asset, to, b.balanceLocked(asset, to).Add(amount))
	b.persist()
	b.logger.Info("bank mint",
		zap.String("asset", asset.Hex()),
		zap.String("to", to.Hex()),
		zap.String("amount", amount.String()))
	return nil
}

// Approve sets spender's allowance over owner's asset.
func (b *Bank) Approve(asset, owner, spender common.Address, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("allowance must not be negative, got %s", amount.String())
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.allowances[asset] == nil {
		b.allowances[asset] = make(map[common.Address]map[common.Address]decimal.Decimal)
	}
	if b.allowances[asset][owner] == nil {
		b.allowances[asset][owner] = make(map[common.Address]decimal.Decimal)
	}
	b.allowances[asset][owner][spender] = amount
	b.persist()
	return nil
}

// Transfer moves amount of asset between accounts.
func (b *Bank) Transfer(ctx context.Context, asset, from, to common.Address, amount decimal.Decimal) error {
	return b.TransferBatch(ctx, "", Leg{Asset: asset, From: from, To: to, Amount: amount})
}

// TransferFrom moves amount on behalf of spender, consuming allowance.
func (b *Bank) TransferFrom(ctx context.Context, reference string, asset, spender, from, to common.Address, amount decimal.Decimal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !amount.IsPositive() {
		return fmt.Errorf("transfer amount must be positive, got %s", amount.String())
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	allowance := b.allowanceLocked(asset, from, spender)
	if allowance.LessThan(amount) {
		return fmt.Errorf("insufficient %s allowance: have %s need %s", asset.Hex(), allowance.String(), amount.String())
	}
	if err := b.applyLocked([]Leg{{Asset: asset, From: from, To: to, Amount: amount}}); err != nil {
		return err
	}
	b.allowances[asset][from][spender] = allowance.Sub(amount)
	b.recordLocked(reference)
	b.persist()
	return nil
}

// TransferBatch applies all legs atomically: either every leg moves or none does.
func (b *Bank) TransferBatch(ctx context.Context, reference string, legs ...Leg) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, leg := range legs {
		if !leg.Amount.IsPositive() {
			return fmt.Errorf("transfer amount must be positive, got %s", leg.Amount.String())
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.applyLocked(legs); err != nil {
		return err
	}
	b.recordLocked(reference)
	b.persist()
	return nil
}

// Transferred reports whether a transfer with reference completed.
func (b *Bank) Transferred(reference string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.references[reference]
}

// RecordReceipt stores a settlement outcome under id.
func (b *Bank) RecordReceipt(id string, output decimal.Decimal, reference string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receipts[id] = bankstate.Receipt{Output: output.String(), Reference: reference}
	b.persist()
}

// Receipt returns the settlement outcome stored under id.
func (b *Bank) Receipt(id string) (decimal.Decimal, string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.receipts[id]
	if !ok {
		return decimal.Zero, "", false
	}
	out, err := decimal.NewFromString(r.Output)
	if err != nil {
		return decimal.Zero, "", false
	}
	return out, r.Reference, true
}

// DropReceipt removes a receipt after its settlement was reversed.
func (b *Bank) DropReceipt(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.receipts, id)
	b.persist()
}

func (b *Bank) applyLocked(legs []Leg) error {
	// check against running balances so legs that reuse an account are validated together
	pending := make(map[[2]common.Address]decimal.Decimal)
	get := func(asset, account common.Address) decimal.Decimal {
		if v, ok := pending[[2]common.Address{asset, account}]; ok {
			return v
		}
		return b.balanceLocked(asset, account)
	}
	for _, leg := range legs {
		have := get(leg.Asset, leg.From)
		if have.LessThan(leg.Amount) {
			return fmt.Errorf("insufficient %s balance of %s: have %s need %s",
				leg.Asset.Hex(), leg.From.Hex(), have.String(), leg.Amount.String())
		}
		pending[[2]common.Address{leg.Asset, leg.From}] = have.Sub(leg.Amount)
		pending[[2]common.Address{leg.Asset, leg.To}] = get(leg.Asset, leg.To).Add(leg.Amount)
	}
	for key, v := range pending {
		b.setBalanceLocked(key[0], key[1], v)
	}
	return nil
}

func (b *Bank) recordLocked(reference string) {
	if reference != "" {
		b.references[reference] = true
	}
}

func (b *Bank) balanceLocked(asset, account common.Address) decimal.Decimal {
	if accounts, ok := b.balances[asset]; ok {
		if v, ok := accounts[account]; ok {
			return v
		}
	}
	return decimal.Zero
}

func (b *Bank) setBalanceLocked(asset, account common.Address, amount decimal.Decimal) {
	if b.balances[asset] == nil {
		b.balances[asset] = make(map[common.Address]decimal.Decimal)
	}
	if amount.IsZero() {
		delete(b.balances[asset], account)
		return
	}
	b.balances[asset][account] = amount
}

func (b *Bank) allowanceLocked(asset, owner, spender common.Address) decimal.Decimal {
	if owners, ok := b.allowances[asset]; ok {
		if spenders, ok := owners[owner]; ok {
			if v, ok := spenders[spender]; ok {
				return v
			}
		}
	}
	return decimal.Zero
}

func (b *Bank) persist() {
	if b.stateStore == nil {
		return
	}

	state := bankstate.State{
		Balances:   make(map[string]map[string]string, len(b.balances)),
		Allowances: make(map[string]map[string]map[string]string, len(b.allowances)),
		References: make(map[string]bool, len(b.references)),
		Receipts:   make(map[string]bankstate.Receipt, len(b.receipts)),
	}
	for asset, accounts := range b.balances {
		inner := make(map[string]string, len(accounts))
		for account, v := range accounts {
			inner[account.Hex()] = v.String()
		}
		state.Balances[asset.Hex()] = inner
	}
	for asset, owners := range b.allowances {
		byOwner := make(map[string]map[string]string, len(owners))
		for owner, spenders := range owners {
			bySpender := make(map[string]string, len(spenders))
			for spender, v := range spenders {
				bySpender[spender.Hex()] = v.String()
			}
			byOwner[owner.Hex()] = bySpender
		}
		state.Allowances[asset.Hex()] = byOwner
	}
	for ref := range b.references {
		state.References[ref] = true
	}
	for id, r := range b.receipts {
		state.Receipts[id] = r
	}

	if err := b.stateStore.Save(state); err != nil {
		b.logger.Warn("failed to persist bank state", zap.Error(err))
	}
}

func (b *Bank) restoreState() error {
	if b.stateStore == nil {
		return nil
	}

	state, err := b.stateStore.Load()
	if err != nil || state == nil {
		return err
	}

	for asset, accounts := range state.Balances {
		for account, raw := range accounts {
			v, err := decimal.NewFromString(raw)
			if err != nil {
				return errors.Wrapf(err, "decode balance of %s in %s", account, asset)
			}
			b.setBalanceLocked(common.HexToAddress(asset), common.HexToAddress(account), v)
		}
	}
	for asset, owners := range state.Allowances {
		a := common.HexToAddress(asset)
		b.allowances[a] = make(map[common.Address]map[common.Address]decimal.Decimal, len(owners))
		for owner, spenders := range owners {
			o := common.HexToAddress(owner)
			b.allowances[a][o] = make(map[common.Address]decimal.Decimal, len(spenders))
			for spender, raw := range spenders {
				v, err := decimal.NewFromString(raw)
				if err != nil {
					return errors.Wrapf(err, "decode allowance of %s over %s", spender, owner)
				}
				b.allowances[a][o][common.HexToAddress(spender)] = v
			}
		}
	}
	for ref, ok := range state.References {
		if ok {
			b.references[ref] = true
		}
	}
	for id, r := range state.Receipts {
		b.receipts[id] = r
	}

	b.logger.Info("bank state restored",
		zap.Int("assets", len(b.balances)),
		zap.Int("receipts", len(b.receipts)))
	return nil
}
