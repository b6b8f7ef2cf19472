package state

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"settlechain/core/types"
)

// ErrInsufficientBalance is returned when a transfer exceeds the sender's
// balance.
var ErrInsufficientBalance = errors.New("state: insufficient balance")

type storedAccount struct {
	Nonce   uint64
	Balance *big.Int
}

func accountKey(addr [20]byte) []byte {
	buf := make([]byte, len(accountPrefix)+len(addr))
	copy(buf, accountPrefix)
	copy(buf[len(accountPrefix):], addr[:])
	return buf
}

// GetAccount returns the account at addr. Unknown addresses yield a zero
// account.
func (m *Manager) GetAccount(addr [20]byte) (*types.Account, error) {
	var stored storedAccount
	ok, err := m.KVGet(accountKey(addr), &stored)
	if err != nil {
		return nil, fmt.Errorf("state: load account: %w", err)
	}
	if !ok {
		return &types.Account{Balance: big.NewInt(0)}, nil
	}
	acc := &types.Account{Nonce: stored.Nonce, Balance: stored.Balance}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc, nil
}

// PutAccount stores acc at addr.
func (m *Manager) PutAccount(addr [20]byte, acc *types.Account) error {
	if acc == nil {
		return fmt.Errorf("state: nil account")
	}
	bal := acc.Balance
	if bal == nil {
		bal = big.NewInt(0)
	}
	if bal.Sign() < 0 {
		return fmt.Errorf("state: negative balance not allowed")
	}
	return m.KVPut(accountKey(addr), storedAccount{Nonce: acc.Nonce, Balance: bal})
}

// Balance returns the spendable balance of addr.
func (m *Manager) Balance(addr [20]byte) (*big.Int, error) {
	acc, err := m.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	return acc.Balance, nil
}

// SetBalance overwrites the balance of addr, keeping its nonce.
func (m *Manager) SetBalance(addr [20]byte, amount *big.Int) error {
	acc, err := m.GetAccount(addr)
	if err != nil {
		return err
	}
	if amount == nil {
		amount = big.NewInt(0)
	}
	acc.Balance = new(big.Int).Set(amount)
	return m.PutAccount(addr, acc)
}

// Transfer moves amount from one account to another. Balances are handled as
// 256-bit unsigned integers; the transfer fails without writing when the
// sender is short or the recipient would overflow.
func (m *Manager) Transfer(from, to [20]byte, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("state: negative transfer amount")
	}
	value, overflow := uint256.FromBig(amount)
	if overflow {
		return fmt.Errorf("state: transfer amount exceeds 256 bits")
	}
	if from == to {
		bal, err := m.Balance(from)
		if err != nil {
			return err
		}
		if bal.Cmp(amount) < 0 {
			return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, bal, amount)
		}
		return nil
	}
	sender, err := m.GetAccount(from)
	if err != nil {
		return err
	}
	recipient, err := m.GetAccount(to)
	if err != nil {
		return err
	}
	senderBal, overflow := uint256.FromBig(sender.Balance)
	if overflow {
		return fmt.Errorf("state: sender balance exceeds 256 bits")
	}
	if senderBal.Lt(value) {
		return fmt.Errorf("%w: have %s, need %s", ErrInsufficientBalance, sender.Balance, amount)
	}
	recipientBal, overflow := uint256.FromBig(recipient.Balance)
	if overflow {
		return fmt.Errorf("state: recipient balance exceeds 256 bits")
	}
	credited, overflow := new(uint256.Int).AddOverflow(recipientBal, value)
	if overflow {
		return fmt.Errorf("state: recipient balance overflow")
	}
	sender.Balance = new(uint256.Int).Sub(senderBal, value).ToBig()
	recipient.Balance = credited.ToBig()
	if err := m.PutAccount(from, sender); err != nil {
		return err
	}
	return m.PutAccount(to, recipient)
}

// IncrementNonce bumps the replay nonce of addr and returns the new value.
func (m *Manager) IncrementNonce(addr [20]byte) (uint64, error) {
	acc, err := m.GetAccount(addr)
	if err != nil {
		return 0, err
	}
	acc.Nonce++
	if err := m.PutAccount(addr, acc); err != nil {
		return 0, err
	}
	return acc.Nonce, nil
}
