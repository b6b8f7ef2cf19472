package state

import "fmt"

// Height returns the persisted chain height.
func (m *Manager) Height() (uint64, error) {
	var height uint64
	if _, err := m.KVGet(chainHeightKey, &height); err != nil {
		return 0, err
	}
	return height, nil
}

// SetHeight persists the chain height. Heights never decrease.
func (m *Manager) SetHeight(height uint64) error {
	current, err := m.Height()
	if err != nil {
		return err
	}
	if height < current {
		return fmt.Errorf("state: height cannot decrease (%d < %d)", height, current)
	}
	return m.KVPut(chainHeightKey, height)
}

// GenesisApplied reports whether genesis allocations were already written.
func (m *Manager) GenesisApplied() (bool, error) {
	return m.KVGet(chainGenesisKey, nil)
}

// MarkGenesis records the hash of the applied genesis document.
func (m *Manager) MarkGenesis(hash []byte) error {
	if len(hash) == 0 {
		return fmt.Errorf("state: empty genesis hash")
	}
	return m.KVPut(chainGenesisKey, hash)
}

// GenesisHash returns the recorded genesis hash, nil before genesis.
func (m *Manager) GenesisHash() ([]byte, error) {
	var hash []byte
	if _, err := m.KVGet(chainGenesisKey, &hash); err != nil {
		return nil, err
	}
	return hash, nil
}
