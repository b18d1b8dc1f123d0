// Package bankstate persists the in-process asset bank so restarts keep balances,
// allowances and settlement receipts.
package bankstate

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const (
	DefaultDir = "./wal/bank"
	stateFile  = "bank.json"
	dirPerm    = 0o755
	filePerm   = 0o644
	tempSuffix = ".tmp"
)

// Store writes the bank state as one JSON document.
type Store struct {
	path string
}

// NewStore creates a store under dir.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, errors.Wrap(err, "create bank state dir")
	}

	return &Store{path: filepath.Join(dir, stateFile)}, nil
}

// State is all persisted bank data. Amounts are decimal strings keyed by hex address.
type State struct {
	// Balances is asset -> account -> amount.
	Balances map[string]map[string]string `json:"balances"`
	// Allowances is asset -> owner -> spender -> amount.
	Allowances map[string]map[string]map[string]string `json:"allowances"`
	// References are idempotency keys of completed transfers.
	References map[string]bool `json:"references"`
	// Receipts are completed settlements by request id.
	Receipts map[string]Receipt `json:"receipts"`
}

// Receipt is a stored settlement outcome.
type Receipt struct {
	Output    string `json:"output"`
	Reference string `json:"reference"`
}

// Load reads bank state from disk. A missing file yields nil state.
func (s *Store) Load() (*State, error) {
	if s == nil || s.path == "" {
		return nil, nil
	}

	payload, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, errors.Wrap(err, "read bank state")
	}

	if len(payload) == 0 {
		return nil, nil
	}

	var state State
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, errors.Wrap(err, "decode bank state")
	}

	return &state, nil
}

// Save writes bank state atomically via a temp file.
func (s *Store) Save(state State) error {
	if s == nil || s.path == "" {
		return nil
	}

	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode bank state")
	}

	tmp := s.path + tempSuffix
	if err := os.WriteFile(tmp, payload, filePerm); err != nil {
		return errors.Wrap(err, "write bank state temp file")
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, "persist bank state")
	}

	return nil
}
