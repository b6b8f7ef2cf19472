package main

import (
	"fmt"
	"strings"

	"settlechain/core/events"
)

type escrowResult struct {
	ID            uint64 `json:"id"`
	Buyer         string `json:"buyer"`
	Seller        string `json:"seller"`
	Amount        string `json:"amount"`
	Fee           string `json:"fee"`
	Total         string `json:"total"`
	TimeoutHeight uint64 `json:"timeoutHeight"`
	CreatedHeight uint64 `json:"createdHeight"`
	Description   string `json:"description"`
	Status        string `json:"status"`
	StatusCode    uint8  `json:"statusCode"`
	Expired       bool   `json:"expired"`
}

type feeRateResult struct {
	RateBps    uint32 `json:"rateBps"`
	MaxRateBps uint32 `json:"maxRateBps"`
}

type feeQuoteResult struct {
	Amount  string `json:"amount"`
	Fee     string `json:"fee"`
	Total   string `json:"total"`
	RateBps uint32 `json:"rateBps"`
}

type balanceResult struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

func runGet(c *cli, args []string) int {
	fs := c.newFlagSet("get")
	id := fs.Uint64("id", 0, "escrow identifier")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *id == 0 {
		return c.fail("--id is required")
	}
	var esc escrowResult
	if err := c.call("escrow_get", map[string]uint64{"id": *id}, &esc); err != nil {
		return c.fail("%v", err)
	}
	return c.printJSON(esc)
}

func runCounter(c *cli, _ []string) int {
	var counter uint64
	if err := c.call("escrow_getCounter", nil, &counter); err != nil {
		return c.fail("%v", err)
	}
	fmt.Fprintln(c.stdout, counter)
	return 0
}

func runFeeRate(c *cli, _ []string) int {
	var rate feeRateResult
	if err := c.call("escrow_getFeeRate", nil, &rate); err != nil {
		return c.fail("%v", err)
	}
	return c.printJSON(rate)
}

func runCalcFee(c *cli, args []string) int {
	fs := c.newFlagSet("calc-fee")
	amount := fs.String("amount", "", "amount in base units")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*amount) == "" {
		return c.fail("--amount is required")
	}
	var quote feeQuoteResult
	if err := c.call("escrow_calculateFee", map[string]string{"amount": strings.TrimSpace(*amount)}, &quote); err != nil {
		return c.fail("%v", err)
	}
	return c.printJSON(quote)
}

func runExpired(c *cli, args []string) int {
	fs := c.newFlagSet("expired")
	id := fs.Uint64("id", 0, "escrow identifier")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *id == 0 {
		return c.fail("--id is required")
	}
	var expired bool
	if err := c.call("escrow_isExpired", map[string]uint64{"id": *id}, &expired); err != nil {
		return c.fail("%v", err)
	}
	fmt.Fprintln(c.stdout, expired)
	return 0
}

func runStatusString(c *cli, args []string) int {
	fs := c.newFlagSet("status-string")
	code := fs.Uint("code", 0, "status code")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *code > 255 {
		return c.fail("--code must fit in a byte")
	}
	var name string
	if err := c.call("escrow_statusString", map[string]uint{"status": *code}, &name); err != nil {
		return c.fail("%v", err)
	}
	fmt.Fprintln(c.stdout, name)
	return 0
}

func runHeight(c *cli, _ []string) int {
	var height uint64
	if err := c.call("chain_getHeight", nil, &height); err != nil {
		return c.fail("%v", err)
	}
	fmt.Fprintln(c.stdout, height)
	return 0
}

func runBalance(c *cli, args []string) int {
	fs := c.newFlagSet("balance")
	address := fs.String("address", "", "account address")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(*address) == "" {
		return c.fail("--address is required")
	}
	var bal balanceResult
	if err := c.call("chain_getBalance", map[string]string{"address": strings.TrimSpace(*address)}, &bal); err != nil {
		return c.fail("%v", err)
	}
	return c.printJSON(bal)
}

type eventFilter struct {
	Type     string `json:"type,omitempty"`
	EscrowID uint64 `json:"escrowId,omitempty"`
	After    uint64 `json:"after,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Forward  bool   `json:"forward,omitempty"`
}

func (c *cli) listEvents(filter eventFilter) ([]events.Record, error) {
	var recs []events.Record
	if err := c.call("escrow_listEvents", filter, &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func runEvents(c *cli, args []string) int {
	fs := c.newFlagSet("events")
	prefix := fs.String("type", "", "event type prefix, e.g. escrow.released")
	id := fs.Uint64("id", 0, "only events of this escrow")
	after := fs.Uint64("after", 0, "only events after this sequence")
	limit := fs.Int("limit", 0, "maximum number of events")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	recs, err := c.listEvents(eventFilter{Type: strings.TrimSpace(*prefix), EscrowID: *id, After: *after, Limit: *limit})
	if err != nil {
		return c.fail("%v", err)
	}
	if recs == nil {
		recs = []events.Record{}
	}
	return c.printJSON(recs)
}
