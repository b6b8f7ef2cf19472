package genesis

import (
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/rlp"
	"gopkg.in/yaml.v3"

	"settlechain/crypto"
	"settlechain/native/escrow"
)

// Spec is the genesis document applied once to an empty database.
//
//	chain_id: 4201
//	owner: stl1...
//	fee_rate_bps: 250
//	alloc:
//	  stl1...: "1000000"
type Spec struct {
	ChainID    uint64            `yaml:"chain_id"`
	Owner      string            `yaml:"owner"`
	FeeRateBps *uint32           `yaml:"fee_rate_bps,omitempty"`
	Alloc      map[string]string `yaml:"alloc"`

	owner  [20]byte
	allocs []Allocation
}

// Allocation is one decoded starting balance.
type Allocation struct {
	Address [20]byte
	Amount  *big.Int
}

// Load reads and validates a YAML genesis file.
func Load(path string) (*Spec, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open genesis: %w", err)
	}
	defer file.Close()
	spec := new(Spec)
	dec := yaml.NewDecoder(file)
	dec.KnownFields(true)
	if err := dec.Decode(spec); err != nil {
		return nil, fmt.Errorf("decode genesis: %w", err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return spec, nil
}

// Validate decodes addresses and amounts and checks the document bounds.
func (s *Spec) Validate() error {
	if s == nil {
		return fmt.Errorf("genesis spec must not be nil")
	}
	if s.ChainID == 0 {
		return fmt.Errorf("genesis: chain_id must be non-zero")
	}
	if strings.TrimSpace(s.Owner) != "" {
		owner, err := crypto.ParseAddress(s.Owner)
		if err != nil {
			return fmt.Errorf("genesis: owner: %w", err)
		}
		s.owner = owner
	}
	if s.FeeRateBps != nil {
		if err := escrow.ValidateFeeRate(*s.FeeRateBps); err != nil {
			return fmt.Errorf("genesis: fee_rate_bps %d: %w", *s.FeeRateBps, err)
		}
	}
	allocs := make([]Allocation, 0, len(s.Alloc))
	for addrStr, amountStr := range s.Alloc {
		addr, err := crypto.ParseAddress(addrStr)
		if err != nil {
			return fmt.Errorf("genesis: alloc %q: %w", addrStr, err)
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(amountStr), 10)
		if !ok || amount.Sign() < 0 {
			return fmt.Errorf("genesis: alloc %q: invalid amount %q", addrStr, amountStr)
		}
		allocs = append(allocs, Allocation{Address: addr, Amount: amount})
	}
	sort.Slice(allocs, func(i, j int) bool {
		return string(allocs[i].Address[:]) < string(allocs[j].Address[:])
	})
	s.allocs = allocs
	return nil
}

// OwnerAddress returns the decoded owner, zero when none was configured.
func (s *Spec) OwnerAddress() [20]byte { return s.owner }

// Allocations returns the decoded balances sorted by address.
func (s *Spec) Allocations() []Allocation {
	out := make([]Allocation, len(s.allocs))
	copy(out, s.allocs)
	return out
}

// Hash returns keccak256 over the canonical RLP form of the validated spec.
func (s *Spec) Hash() ([]byte, error) {
	type canonicalAlloc struct {
		Address [20]byte
		Amount  *big.Int
	}
	canonical := struct {
		ChainID    uint64
		Owner      [20]byte
		HasFeeRate bool
		FeeRateBps uint32
		Alloc      []canonicalAlloc
	}{ChainID: s.ChainID, Owner: s.owner}
	if s.FeeRateBps != nil {
		canonical.HasFeeRate = true
		canonical.FeeRateBps = *s.FeeRateBps
	}
	for _, a := range s.allocs {
		canonical.Alloc = append(canonical.Alloc, canonicalAlloc{Address: a.Address, Amount: a.Amount})
	}
	encoded, err := rlp.EncodeToBytes(canonical)
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256(encoded), nil
}
