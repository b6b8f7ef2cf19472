package types

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"
)

// CreateEscrowPayload opens an escrow with the signer as buyer.
type CreateEscrowPayload struct {
	Seller        [20]byte
	Amount        *big.Int
	TimeoutBlocks uint64
	Description   string
}

// EscrowIDPayload targets an existing escrow. It is shared by confirm,
// release, refund and dispute.
type EscrowIDPayload struct {
	ID uint64
}

// ResolveDisputePayload names the winner of an arbitration.
type ResolveDisputePayload struct {
	ID     uint64
	Winner [20]byte
}

// SetFeeRatePayload carries the new platform fee rate in basis points.
type SetFeeRatePayload struct {
	RateBps uint32
}

// NewTransaction encodes payload and returns an unsigned transaction.
func NewTransaction(chainID uint64, txType TxType, nonce uint64, payload interface{}) (*Transaction, error) {
	if !txType.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownTxType, byte(txType))
	}
	encoded, err := rlp.EncodeToBytes(payload)
	if err != nil {
		return nil, fmt.Errorf("types: encode %s payload: %w", txType, err)
	}
	return &Transaction{ChainID: chainID, Type: txType, Nonce: nonce, Payload: encoded}, nil
}

// DecodePayload decodes the transaction payload into the struct matching its
// type.
func (tx *Transaction) DecodePayload() (interface{}, error) {
	var out interface{}
	switch tx.Type {
	case TxTypeCreateEscrow:
		out = new(CreateEscrowPayload)
	case TxTypeConfirmDelivery, TxTypeReleaseEscrow, TxTypeRefundEscrow, TxTypeDisputeEscrow:
		out = new(EscrowIDPayload)
	case TxTypeResolveDispute:
		out = new(ResolveDisputePayload)
	case TxTypeSetFeeRate:
		out = new(SetFeeRatePayload)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownTxType, byte(tx.Type))
	}
	if err := rlp.DecodeBytes(tx.Payload, out); err != nil {
		return nil, fmt.Errorf("types: decode %s payload: %w", tx.Type, err)
	}
	return out, nil
}
