package state

import (
	"time"

	"github.com/vadiminshakov/cryptodca/internal/domain"
)

// Batch is the unit of atomic commit. It carries the post-operation value of every
// record the operation touched; replay is last-write-wins.
type Batch struct {
	Op       string               `json:"op"`
	Time     time.Time            `json:"ts"`
	Registry *domain.Registry     `json:"registry,omitempty"`
	Plans    []*domain.Plan       `json:"plans,omitempty"`
	Deleted  []domain.PlanID      `json:"deleted,omitempty"`
	Proceeds []domain.LedgerEntry `json:"proceeds,omitempty"`
	Fees     []domain.LedgerEntry `json:"fees,omitempty"`
	Intents  []*domain.Intent     `json:"intents,omitempty"`
}

// Empty reports whether the batch changes nothing.
func (b Batch) Empty() bool {
	return b.Registry == nil && len(b.Plans) == 0 && len(b.Deleted) == 0 &&
		len(b.Proceeds) == 0 && len(b.Fees) == 0 && len(b.Intents) == 0
}

// Snapshot is the full engine state. Settled intents are dropped; only pending ones survive.
type Snapshot struct {
	Registry *domain.Registry               `json:"registry,omitempty"`
	Plans    map[domain.PlanID]*domain.Plan `json:"plans"`
	Proceeds domain.Ledger                  `json:"proceeds"`
	Fees     domain.Ledger                  `json:"fees"`
	Intents  map[string]*domain.Intent      `json:"intents"`
}

// NewSnapshot returns an empty, uninitialized state.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Plans:    make(map[domain.PlanID]*domain.Plan),
		Proceeds: make(domain.Ledger),
		Fees:     make(domain.Ledger),
		Intents:  make(map[string]*domain.Intent),
	}
}

// Apply folds b into the snapshot.
func (s *Snapshot) Apply(b Batch) {
	if b.Registry != nil {
		s.Registry = b.Registry.Clone()
	}
	for _, p := range b.Plans {
		s.Plans[p.ID] = p.Clone()
	}
	for _, id := range b.Deleted {
		delete(s.Plans, id)
	}
	for _, e := range b.Proceeds {
		s.Proceeds.Set(e.Holder, e.Asset, e.Amount)
	}
	for _, e := range b.Fees {
		s.Fees.Set(e.Holder, e.Asset, e.Amount)
	}
	for _, in := range b.Intents {
		if in.Status == domain.IntentPending {
			s.Intents[in.ID] = in.Clone()
			continue
		}
		delete(s.Intents, in.ID)
	}
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	c := &Snapshot{
		Registry: s.Registry.Clone(),
		Plans:    make(map[domain.PlanID]*domain.Plan, len(s.Plans)),
		Proceeds: s.Proceeds.Clone(),
		Fees:     s.Fees.Clone(),
		Intents:  make(map[string]*domain.Intent, len(s.Intents)),
	}
	for id, p := range s.Plans {
		c.Plans[id] = p.Clone()
	}
	for id, in := range s.Intents {
		c.Intents[id] = in.Clone()
	}
	return c
}

func (s *Snapshot) normalize() {
	if s.Plans == nil {
		s.Plans = make(map[domain.PlanID]*domain.Plan)
	}
	if s.Proceeds == nil {
		s.Proceeds = make(domain.Ledger)
	}
	if s.Fees == nil {
		s.Fees = make(domain.Ledger)
	}
	if s.Intents == nil {
		s.Intents = make(map[string]*domain.Intent)
	}
}
