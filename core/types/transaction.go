package types

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

// TxType defines the purpose of a transaction.
type TxType byte

const (
	TxTypeCreateEscrow    TxType = 0x01 // Buyer locks amount + fee with a seller
	TxTypeConfirmDelivery TxType = 0x02 // Buyer acknowledges delivery
	TxTypeReleaseEscrow   TxType = 0x03 // Pays the seller and the platform fee
	TxTypeRefundEscrow    TxType = 0x04 // Seller returns amount + fee to the buyer
	TxTypeDisputeEscrow   TxType = 0x05 // Buyer or seller requests arbitration
	TxTypeResolveDispute  TxType = 0x06 // Owner settles a dispute
	TxTypeSetFeeRate      TxType = 0x07 // Owner updates the platform fee rate
)

var (
	ErrUnknownTxType = errors.New("types: unknown transaction type")
	ErrUnsigned      = errors.New("types: transaction is not signed")
)

func (t TxType) String() string {
	switch t {
	case TxTypeCreateEscrow:
		return "create_escrow"
	case TxTypeConfirmDelivery:
		return "confirm_delivery"
	case TxTypeReleaseEscrow:
		return "release_escrow"
	case TxTypeRefundEscrow:
		return "refund_escrow"
	case TxTypeDisputeEscrow:
		return "dispute_escrow"
	case TxTypeResolveDispute:
		return "resolve_dispute"
	case TxTypeSetFeeRate:
		return "set_fee_rate"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// Valid reports whether the node knows how to execute the type.
func (t TxType) Valid() bool {
	return t >= TxTypeCreateEscrow && t <= TxTypeSetFeeRate
}

// Transaction is a signed request to run one escrow operation. The sender is
// never carried on the wire; it is recovered from the signature.
type Transaction struct {
	ChainID uint64 `json:"chainId"`
	Type    TxType `json:"type"`
	Nonce   uint64 `json:"nonce"`
	Payload []byte `json:"payload"`

	R *big.Int `json:"r"`
	S *big.Int `json:"s"`
	V *big.Int `json:"v"`

	from []byte
}

type unsignedTx struct {
	ChainID uint64
	Type    TxType
	Nonce   uint64
	Payload []byte
}

// Hash returns keccak256 over the RLP encoding of the unsigned fields.
func (tx *Transaction) Hash() ([]byte, error) {
	b, err := rlp.EncodeToBytes(unsignedTx{tx.ChainID, tx.Type, tx.Nonce, tx.Payload})
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256(b), nil
}

// Sign attaches a recoverable secp256k1 signature over Hash.
func (tx *Transaction) Sign(privKey *ecdsa.PrivateKey) error {
	hash, err := tx.Hash()
	if err != nil {
		return err
	}
	sig, err := crypto.Sign(hash, privKey)
	if err != nil {
		return err
	}
	tx.R = new(big.Int).SetBytes(sig[:32])
	tx.S = new(big.Int).SetBytes(sig[32:64])
	tx.V = new(big.Int).SetBytes([]byte{sig[64] + 27})
	tx.from = nil
	return nil
}

// From recovers the signer address.
func (tx *Transaction) From() ([]byte, error) {
	if tx.from != nil {
		return tx.from, nil
	}
	if tx.R == nil || tx.S == nil || tx.V == nil {
		return nil, ErrUnsigned
	}
	if len(tx.R.Bytes()) > 32 || len(tx.S.Bytes()) > 32 || tx.V.Uint64() < 27 {
		return nil, fmt.Errorf("types: malformed signature")
	}
	hash, err := tx.Hash()
	if err != nil {
		return nil, err
	}
	sig := make([]byte, 65)
	copy(sig[32-len(tx.R.Bytes()):32], tx.R.Bytes())
	copy(sig[64-len(tx.S.Bytes()):64], tx.S.Bytes())
	sig[64] = byte(tx.V.Uint64() - 27)
	pubKey, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return nil, err
	}
	tx.from = crypto.PubkeyToAddress(*pubKey).Bytes()
	return tx.from, nil
}

// Sender returns the recovered signer in fixed-size form.
func (tx *Transaction) Sender() ([20]byte, error) {
	var out [20]byte
	from, err := tx.From()
	if err != nil {
		return out, err
	}
	copy(out[:], from)
	return out, nil
}
