package domain

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// FeeHolder is the holder key of protocol fee entries.
var FeeHolder = common.Address{}

// LedgerEntry is one (holder, asset) amount, used for persistence and listings.
type LedgerEntry struct {
	Holder common.Address  `json:"holder"`
	Asset  common.Address  `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// Ledger maps holder to asset to amount. Zero entries are removed.
type Ledger map[common.Address]map[common.Address]decimal.Decimal

// Balance returns the entry for (holder, asset), zero when absent.
func (l Ledger) Balance(holder, asset common.Address) decimal.Decimal {
	if assets, ok := l[holder]; ok {
		if v, ok := assets[asset]; ok {
			return v
		}
	}
	return decimal.Zero
}

// Credit adds amount to the entry.
func (l Ledger) Credit(holder, asset common.Address, amount decimal.Decimal) {
	l.Set(holder, asset, l.Balance(holder, asset).Add(amount))
}

// Set overwrites the entry.
func (l Ledger) Set(holder, asset common.Address, amount decimal.Decimal) {
	if amount.IsZero() {
		if assets, ok := l[holder]; ok {
			delete(assets, asset)
			if len(assets) == 0 {
				delete(l, holder)
			}
		}
		return
	}
	assets, ok := l[holder]
	if !ok {
		assets = make(map[common.Address]decimal.Decimal)
		l[holder] = assets
	}
	assets[asset] = amount
}

// Entries lists non-zero entries ordered by holder then asset.
func (l Ledger) Entries() []LedgerEntry {
	out := make([]LedgerEntry, 0, len(l))
	for holder, assets := range l {
		for asset, amount := range assets {
			out = append(out, LedgerEntry{Holder: holder, Asset: asset, Amount: amount})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Holder.Cmp(out[j].Holder); c != 0 {
			return c < 0
		}
		return out[i].Asset.Cmp(out[j].Asset) < 0
	})
	return out
}

// Total sums every holder's entry for asset.
func (l Ledger) Total(asset common.Address) decimal.Decimal {
	total := decimal.Zero
	for _, assets := range l {
		if v, ok := assets[asset]; ok {
			total = total.Add(v)
		}
	}
	return total
}

// Clone returns a deep copy.
func (l Ledger) Clone() Ledger {
	c := make(Ledger, len(l))
	for holder, assets := range l {
		inner := make(map[common.Address]decimal.Decimal, len(assets))
		for asset, amount := range assets {
			inner[asset] = amount
		}
		c[holder] = inner
	}
	return c
}
