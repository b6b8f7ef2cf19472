package state

var (
	accountPrefix      = []byte("account/")
	escrowRecordPrefix = []byte("escrow/record/")
	escrowFeePrefix    = []byte("escrow/fee/")
	escrowCounterKey   = []byte("escrow/counter")
	escrowFeeRateKey   = []byte("escrow/fee-rate")
	escrowVaultSeed    = []byte("settlechain/escrow/vault")
	chainHeightKey     = []byte("chain/height")
	chainGenesisKey    = []byte("chain/genesis")
)
