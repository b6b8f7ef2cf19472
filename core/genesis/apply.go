package genesis

import (
	"bytes"
	"errors"
	"fmt"

	"settlechain/core/state"
)

// ErrGenesisMismatch is returned when the database was initialised from a
// different genesis document.
var ErrGenesisMismatch = errors.New("genesis: database initialised from a different genesis")

// Apply writes the allocations and initial fee rate on first start and
// commits them. On later starts it only checks that the stored genesis hash
// matches spec. It reports whether anything was written.
func Apply(spec *Spec, mgr *state.Manager) (bool, error) {
	if spec == nil || mgr == nil {
		return false, fmt.Errorf("genesis: spec and state are required")
	}
	hash, err := spec.Hash()
	if err != nil {
		return false, fmt.Errorf("genesis: hash: %w", err)
	}
	applied, err := mgr.GenesisApplied()
	if err != nil {
		return false, err
	}
	if applied {
		stored, err := mgr.GenesisHash()
		if err != nil {
			return false, err
		}
		if !bytes.Equal(stored, hash) {
			return false, fmt.Errorf("%w: stored %x, spec %x", ErrGenesisMismatch, stored, hash)
		}
		return false, nil
	}
	for _, alloc := range spec.Allocations() {
		if err := mgr.SetBalance(alloc.Address, alloc.Amount); err != nil {
			mgr.Discard()
			return false, fmt.Errorf("genesis: alloc %x: %w", alloc.Address, err)
		}
	}
	if spec.FeeRateBps != nil {
		if err := mgr.EscrowSetFeeRate(*spec.FeeRateBps); err != nil {
			mgr.Discard()
			return false, err
		}
	}
	if err := mgr.MarkGenesis(hash); err != nil {
		mgr.Discard()
		return false, err
	}
	if err := mgr.Commit(); err != nil {
		return false, err
	}
	return true, nil
}
