package bank

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/cryptodca/internal/services/engine"
)

// Account moves assets in and out of one custody account of the bank.
// Deposits require the depositor to have approved the account, as with ERC-20.
type Account struct {
	bank    *Bank
	address common.Address
}

// NewAccount binds a custody account.
func NewAccount(b *Bank, address common.Address) *Account {
	return &Account{bank: b, address: address}
}

// Address returns the custody address.
func (a *Account) Address() common.Address {
	return a.address
}

// Pull moves amount from the depositor into custody using the depositor's allowance.
func (a *Account) Pull(ctx context.Context, asset, from common.Address, amount decimal.Decimal) error {
	return a.bank.TransferFrom(ctx, reference(ctx), asset, a.address, from, a.address, amount)
}

// Push pays amount out of custody.
func (a *Account) Push(ctx context.Context, asset, to common.Address, amount decimal.Decimal) error {
	return a.bank.TransferBatch(ctx, reference(ctx), Leg{Asset: asset, From: a.address, To: to, Amount: amount})
}

// Transferred reports whether the transfer tagged with reference completed.
func (a *Account) Transferred(_ context.Context, reference string) (bool, error) {
	return a.bank.Transferred(reference), nil
}

func reference(ctx context.Context) string {
	id, _ := engine.IntentIDFrom(ctx)
	return id
}
