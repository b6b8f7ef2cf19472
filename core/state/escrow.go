package state

import (
	"encoding/binary"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"settlechain/native/escrow"
)

// storedEscrow is the RLP layout of an escrow record. The fee lives under its
// own key so it can be guarded independently of status updates.
type storedEscrow struct {
	ID            uint64
	Buyer         [20]byte
	Seller        [20]byte
	Amount        *big.Int
	TimeoutHeight uint64
	CreatedHeight uint64
	Description   string
	Status        uint8
}

func idKey(prefix []byte, id uint64) []byte {
	buf := make([]byte, len(prefix)+8)
	copy(buf, prefix)
	binary.BigEndian.PutUint64(buf[len(prefix):], id)
	return buf
}

// EscrowVaultAddress returns the custody account holding every open escrow's
// amount + fee. It is derived from a fixed seed so no key controls it.
func (m *Manager) EscrowVaultAddress() [20]byte {
	var addr [20]byte
	copy(addr[:], ethcrypto.Keccak256(escrowVaultSeed)[12:])
	return addr
}

// EscrowPut writes the record and, on first insert, its fee. A later write
// carrying a different fee is rejected: the fee is fixed at creation.
func (m *Manager) EscrowPut(e *escrow.Escrow) error {
	sanitized, err := escrow.SanitizeEscrow(e)
	if err != nil {
		return err
	}
	var existingFee big.Int
	ok, err := m.KVGet(idKey(escrowFeePrefix, sanitized.ID), &existingFee)
	if err != nil {
		return err
	}
	if ok && existingFee.Cmp(sanitized.Fee) != 0 {
		return fmt.Errorf("state: escrow %d fee is immutable (%s != %s)", sanitized.ID, &existingFee, sanitized.Fee)
	}
	record := storedEscrow{
		ID:            sanitized.ID,
		Buyer:         sanitized.Buyer,
		Seller:        sanitized.Seller,
		Amount:        sanitized.Amount,
		TimeoutHeight: sanitized.TimeoutHeight,
		CreatedHeight: sanitized.CreatedHeight,
		Description:   sanitized.Description,
		Status:        uint8(sanitized.Status),
	}
	if err := m.KVPut(idKey(escrowRecordPrefix, sanitized.ID), record); err != nil {
		return err
	}
	if !ok {
		return m.KVPut(idKey(escrowFeePrefix, sanitized.ID), sanitized.Fee)
	}
	return nil
}

// EscrowGet loads the record with id.
func (m *Manager) EscrowGet(id uint64) (*escrow.Escrow, bool, error) {
	var record storedEscrow
	ok, err := m.KVGet(idKey(escrowRecordPrefix, id), &record)
	if err != nil || !ok {
		return nil, false, err
	}
	fee, err := m.EscrowFee(id)
	if err != nil {
		return nil, false, err
	}
	amount := record.Amount
	if amount == nil {
		amount = big.NewInt(0)
	}
	return &escrow.Escrow{
		ID:            record.ID,
		Buyer:         record.Buyer,
		Seller:        record.Seller,
		Amount:        amount,
		Fee:           fee,
		TimeoutHeight: record.TimeoutHeight,
		CreatedHeight: record.CreatedHeight,
		Description:   record.Description,
		Status:        escrow.EscrowStatus(record.Status),
	}, true, nil
}

// EscrowFee returns the fee stored for id, zero when none was stored.
func (m *Manager) EscrowFee(id uint64) (*big.Int, error) {
	fee := new(big.Int)
	if _, err := m.KVGet(idKey(escrowFeePrefix, id), fee); err != nil {
		return nil, err
	}
	return fee, nil
}

// EscrowCounter returns the last issued escrow id.
func (m *Manager) EscrowCounter() (uint64, error) {
	var counter uint64
	if _, err := m.KVGet(escrowCounterKey, &counter); err != nil {
		return 0, err
	}
	return counter, nil
}

// EscrowSetCounter records the last issued id. The counter never moves
// backwards.
func (m *Manager) EscrowSetCounter(v uint64) error {
	current, err := m.EscrowCounter()
	if err != nil {
		return err
	}
	if v < current {
		return fmt.Errorf("state: escrow counter cannot decrease (%d < %d)", v, current)
	}
	return m.KVPut(escrowCounterKey, v)
}

// EscrowFeeRate returns the stored platform rate and whether one was set.
func (m *Manager) EscrowFeeRate() (uint32, bool, error) {
	var rate uint32
	ok, err := m.KVGet(escrowFeeRateKey, &rate)
	if err != nil {
		return 0, false, err
	}
	return rate, ok, nil
}

// EscrowSetFeeRate stores the platform rate.
func (m *Manager) EscrowSetFeeRate(rate uint32) error {
	return m.KVPut(escrowFeeRateKey, rate)
}
