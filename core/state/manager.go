package state

import (
	"errors"
	"fmt"
	"sort"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"

	"settlechain/storage"
)

type pendingWrite struct {
	value   []byte
	deleted bool
}

// Manager reads and writes node state through a write journal layered over a
// storage.Database. Nothing reaches the database until Commit; Discard drops
// every write made since the last commit. Manager is not safe for concurrent
// use: the node serialises access.
type Manager struct {
	db    storage.Database
	dirty map[string]pendingWrite
}

// NewManager creates a state manager operating on db.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db, dirty: make(map[string]pendingWrite)}
}

func kvKey(key []byte) []byte {
	return ethcrypto.Keccak256(key)
}

func (m *Manager) get(hashed []byte) ([]byte, error) {
	if w, ok := m.dirty[string(hashed)]; ok {
		if w.deleted {
			return nil, nil
		}
		return w.value, nil
	}
	data, err := m.db.Get(hashed)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return data, err
}

func (m *Manager) put(hashed, value []byte) {
	m.dirty[string(hashed)] = pendingWrite{value: append([]byte(nil), value...)}
}

// KVPut stores value under key using RLP encoding. The key is hashed with
// keccak256 so callers can use readable, variable-length keys.
func (m *Manager) KVPut(key []byte, value interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	m.put(kvKey(key), encoded)
	return nil
}

// KVGet retrieves the value stored under key and decodes it into out. The
// boolean return value indicates whether the key existed in state.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.get(kvKey(key))
	if err != nil {
		return false, err
	}
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

// KVDelete removes key from state.
func (m *Manager) KVDelete(key []byte) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	m.dirty[string(kvKey(key))] = pendingWrite{deleted: true}
	return nil
}

// Pending returns the number of journaled writes.
func (m *Manager) Pending() int { return len(m.dirty) }

// Commit flushes journaled writes to the database in a single batch. Keys are
// written in sorted order so the batch content is deterministic.
func (m *Manager) Commit() error {
	if len(m.dirty) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m.dirty))
	for k := range m.dirty {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	batch := m.db.NewBatch()
	for _, k := range keys {
		w := m.dirty[k]
		if w.deleted {
			batch.Delete([]byte(k))
		} else {
			batch.Put([]byte(k), w.value)
		}
	}
	if err := batch.Write(); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	m.dirty = make(map[string]pendingWrite)
	return nil
}

// Discard drops every journaled write.
func (m *Manager) Discard() {
	m.dirty = make(map[string]pendingWrite)
}
