package core

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"settlechain/core/types"
	"settlechain/crypto"
	"settlechain/native/escrow"
	telemetry "settlechain/observability/otel"
)

// Receipt summarises an applied transaction.
type Receipt struct {
	TxHash   string `json:"txHash"`
	Type     string `json:"type"`
	Sender   string `json:"sender"`
	Nonce    uint64 `json:"nonce"`
	Height   uint64 `json:"height"`
	EscrowID uint64 `json:"escrowId,omitempty"`
}

// ApplyTransaction authenticates tx and runs the escrow operation it carries.
// The signer is the caller of the operation. A rejected transaction leaves no
// trace in state, including its nonce.
func (n *Node) ApplyTransaction(ctx context.Context, tx *types.Transaction) (*Receipt, error) {
	_, span := telemetry.Tracer("settlechain/core").Start(ctx, "core.ApplyTransaction")
	defer span.End()

	receipt, err := n.applyTransaction(tx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, escrow.Kind(err))
		return nil, err
	}
	span.SetAttributes(
		attribute.String("tx.type", receipt.Type),
		attribute.String("tx.hash", receipt.TxHash),
		attribute.Int64("tx.escrow_id", int64(receipt.EscrowID)),
	)
	return receipt, nil
}

func (n *Node) applyTransaction(tx *types.Transaction) (*Receipt, error) {
	if tx == nil {
		return nil, fmt.Errorf("%w: nil transaction", ErrInvalidPayload)
	}
	if tx.ChainID != n.chainID {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrWrongChainID, tx.ChainID, n.chainID)
	}
	sender, err := tx.Sender()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	hash, err := tx.Hash()
	if err != nil {
		return nil, err
	}
	payload, err := tx.DecodePayload()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	receipt := &Receipt{
		TxHash: "0x" + hex.EncodeToString(hash),
		Type:   tx.Type.String(),
		Sender: crypto.FormatAddress(sender),
		Nonce:  tx.Nonce,
	}

	err = n.execute(tx.Type.String(), func(engine *escrow.Engine) error {
		acc, err := n.state.GetAccount(sender)
		if err != nil {
			return err
		}
		if acc.Nonce != tx.Nonce {
			return fmt.Errorf("%w: got %d, want %d", ErrNonceMismatch, tx.Nonce, acc.Nonce)
		}
		if err := dispatch(engine, sender, payload, receipt); err != nil {
			return err
		}
		_, err = n.state.IncrementNonce(sender)
		return err
	})
	if err != nil {
		return nil, err
	}
	receipt.Height = n.Height()
	n.logger.Info("transaction applied",
		"type", receipt.Type,
		"txHash", receipt.TxHash,
		"escrowId", receipt.EscrowID,
		"height", receipt.Height)
	return receipt, nil
}

func dispatch(engine *escrow.Engine, sender [20]byte, payload interface{}, receipt *Receipt) error {
	switch p := payload.(type) {
	case *types.CreateEscrowPayload:
		esc, err := engine.Create(sender, p.Seller, p.Amount, p.TimeoutBlocks, p.Description)
		if err != nil {
			return err
		}
		receipt.EscrowID = esc.ID
		return nil
	case *types.EscrowIDPayload:
		receipt.EscrowID = p.ID
		switch receipt.Type {
		case types.TxTypeConfirmDelivery.String():
			return engine.ConfirmDelivery(p.ID, sender)
		case types.TxTypeReleaseEscrow.String():
			return engine.Release(p.ID, sender)
		case types.TxTypeRefundEscrow.String():
			return engine.Refund(p.ID, sender)
		case types.TxTypeDisputeEscrow.String():
			return engine.Dispute(p.ID, sender)
		}
	case *types.ResolveDisputePayload:
		receipt.EscrowID = p.ID
		return engine.Resolve(p.ID, sender, p.Winner)
	case *types.SetFeeRatePayload:
		return engine.SetFeeRate(sender, p.RateBps)
	}
	return fmt.Errorf("%w: unsupported payload %T", ErrInvalidPayload, payload)
}

// IsRejection reports whether err is a validation failure of the submitted
// transaction rather than an internal fault.
func IsRejection(err error) bool {
	return errors.Is(err, ErrWrongChainID) ||
		errors.Is(err, ErrNonceMismatch) ||
		errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrInvalidPayload)
}
