package main

import (
	"flag"
	"math/big"
	"strings"

	"settlechain/core/types"
	"settlechain/crypto"
)

type receiptResult struct {
	TxHash   string `json:"txHash"`
	Type     string `json:"type"`
	Sender   string `json:"sender"`
	Nonce    uint64 `json:"nonce"`
	Height   uint64 `json:"height"`
	EscrowID uint64 `json:"escrowId,omitempty"`
}

// signer holds the flags every transaction command shares.
type signer struct {
	keystore *string
	passEnv  *string
	chainID  *uint64
	nonce    *int64
}

func addSignerFlags(fs *flag.FlagSet) signer {
	return signer{
		keystore: fs.String("keystore", "", "keystore file of the signing key"),
		passEnv:  fs.String("pass-env", keyPassEnv, "environment variable holding the passphrase"),
		chainID:  fs.Uint64("chain-id", 0, "chain id (default: ask the node)"),
		nonce:    fs.Int64("nonce", -1, "transaction nonce (default: ask the node)"),
	}
}

// submit signs payload with the keystore key and sends it.
func (c *cli) submit(s signer, txType types.TxType, payload interface{}) int {
	key, err := loadKey(*s.keystore, *s.passEnv)
	if err != nil {
		return c.fail("%v", err)
	}
	chainID := *s.chainID
	if chainID == 0 {
		if err := c.call("chain_getChainId", nil, &chainID); err != nil {
			return c.fail("resolve chain id: %v", err)
		}
	}
	var nonce uint64
	if *s.nonce >= 0 {
		nonce = uint64(*s.nonce)
	} else {
		addr := key.PubKey().Address().String()
		if err := c.call("chain_getNonce", map[string]string{"address": addr}, &nonce); err != nil {
			return c.fail("resolve nonce: %v", err)
		}
	}
	tx, err := types.NewTransaction(chainID, txType, nonce, payload)
	if err != nil {
		return c.fail("build transaction: %v", err)
	}
	if err := tx.Sign(key.PrivateKey); err != nil {
		return c.fail("sign transaction: %v", err)
	}
	var receipt receiptResult
	if err := c.call("escrow_sendTransaction", tx, &receipt); err != nil {
		return c.fail("%v", err)
	}
	return c.printJSON(receipt)
}

func runCreate(c *cli, args []string) int {
	fs := c.newFlagSet("create")
	s := addSignerFlags(fs)
	seller := fs.String("seller", "", "seller address")
	amount := fs.String("amount", "", "escrow amount in base units")
	timeout := fs.Uint64("timeout", 0, "blocks until the escrow may be force-released")
	description := fs.String("description", "", "free-form description")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	sellerAddr, err := crypto.ParseAddress(strings.TrimSpace(*seller))
	if err != nil {
		return c.fail("--seller: %v", err)
	}
	value, ok := new(big.Int).SetString(strings.TrimSpace(*amount), 10)
	if !ok || value.Sign() < 0 {
		return c.fail("--amount must be a non-negative base-10 integer")
	}
	payload := &types.CreateEscrowPayload{Seller: sellerAddr, Amount: value, TimeoutBlocks: *timeout, Description: *description}
	return c.submit(s, types.TxTypeCreateEscrow, payload)
}

func runEscrowIDTx(action string) func(c *cli, args []string) int {
	txTypes := map[string]types.TxType{
		"confirm": types.TxTypeConfirmDelivery,
		"release": types.TxTypeReleaseEscrow,
		"refund":  types.TxTypeRefundEscrow,
		"dispute": types.TxTypeDisputeEscrow,
	}
	return func(c *cli, args []string) int {
		fs := c.newFlagSet(action)
		s := addSignerFlags(fs)
		id := fs.Uint64("id", 0, "escrow identifier")
		if err := fs.Parse(args); err != nil {
			return 2
		}
		if *id == 0 {
			return c.fail("--id is required")
		}
		return c.submit(s, txTypes[action], &types.EscrowIDPayload{ID: *id})
	}
}

func runResolve(c *cli, args []string) int {
	fs := c.newFlagSet("resolve")
	s := addSignerFlags(fs)
	id := fs.Uint64("id", 0, "escrow identifier")
	winner := fs.String("winner", "", "buyer or seller address receiving the funds")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *id == 0 {
		return c.fail("--id is required")
	}
	winnerAddr, err := crypto.ParseAddress(strings.TrimSpace(*winner))
	if err != nil {
		return c.fail("--winner: %v", err)
	}
	return c.submit(s, types.TxTypeResolveDispute, &types.ResolveDisputePayload{ID: *id, Winner: winnerAddr})
}

func runSetFeeRate(c *cli, args []string) int {
	fs := c.newFlagSet("set-fee-rate")
	s := addSignerFlags(fs)
	bps := fs.Int64("bps", -1, "new fee rate in basis points")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *bps < 0 || *bps > int64(^uint32(0)) {
		return c.fail("--bps must be between 0 and %d", ^uint32(0))
	}
	return c.submit(s, types.TxTypeSetFeeRate, &types.SetFeeRatePayload{RateBps: uint32(*bps)})
}
