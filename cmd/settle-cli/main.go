package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

const (
	rpcURLEnv   = "SETTLE_RPC_URL"
	rpcTokenEnv = "SETTLE_RPC_TOKEN"
	defaultRPC  = "http://127.0.0.1:8547"
)

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
	ID      int           `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *rpcError) Error() string {
	if len(e.Data) > 0 && string(e.Data) != "null" {
		return fmt.Sprintf("RPC error (%d): %s: %s", e.Code, e.Message, strings.TrimSpace(string(e.Data)))
	}
	return fmt.Sprintf("RPC error (%d): %s", e.Code, e.Message)
}

// cli carries the endpoint and output streams shared by every command.
type cli struct {
	rpcURL string
	auth   string
	client *http.Client
	stdout io.Writer
	stderr io.Writer
}

type command struct {
	name    string
	summary string
	run     func(c *cli, args []string) int
}

var commands = []command{
	{"keygen", "keygen --out <file> [--light]       Create a keystore with a new key", runKeygen},
	{"address", "address --keystore <file>           Print the keystore address", runAddress},
	{"create", "create --seller A --amount N --timeout B [--description D]", runCreate},
	{"confirm", "confirm --id E                       Buyer confirms delivery", runEscrowIDTx("confirm")},
	{"release", "release --id E                       Release funds to the seller", runEscrowIDTx("release")},
	{"refund", "refund --id E                        Seller refunds the buyer", runEscrowIDTx("refund")},
	{"dispute", "dispute --id E                       Buyer or seller opens a dispute", runEscrowIDTx("dispute")},
	{"resolve", "resolve --id E --winner A            Owner settles a dispute", runResolve},
	{"set-fee-rate", "set-fee-rate --bps N                Owner updates the platform fee", runSetFeeRate},
	{"get", "get --id E                           Show an escrow", runGet},
	{"counter", "counter                              Show the escrow counter", runCounter},
	{"fee-rate", "fee-rate                             Show the platform fee rate", runFeeRate},
	{"calc-fee", "calc-fee --amount N                  Quote fee and total for an amount", runCalcFee},
	{"expired", "expired --id E                       Report whether an escrow timed out", runExpired},
	{"status-string", "status-string --code N              Name a status code", runStatusString},
	{"height", "height                               Show the current height", runHeight},
	{"balance", "balance --address A                  Show balance and nonce", runBalance},
	{"events", "events [--type P] [--id E] [--limit N]  List recent events", runEvents},
	{"export-events", "export-events --out F [--format csv|jsonl|parquet] [--type P] [--id E]", runExportEvents},
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(argv []string, stdout, stderr io.Writer) int {
	rpcDefault := strings.TrimSpace(os.Getenv(rpcURLEnv))
	if rpcDefault == "" {
		rpcDefault = defaultRPC
	}
	root := flag.NewFlagSet("settle-cli", flag.ContinueOnError)
	root.SetOutput(stderr)
	rpcURL := root.String("rpc", rpcDefault, "JSON-RPC endpoint")
	authToken := root.String("auth", strings.TrimSpace(os.Getenv(rpcTokenEnv)), "Bearer token for transaction submission")
	if err := root.Parse(argv); err != nil {
		return 2
	}
	args := root.Args()
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	c := &cli{
		rpcURL: strings.TrimSpace(*rpcURL),
		auth:   strings.TrimSpace(*authToken),
		client: &http.Client{Timeout: 10 * time.Second},
		stdout: stdout,
		stderr: stderr,
	}
	for _, cmd := range commands {
		if cmd.name == args[0] {
			return cmd.run(c, args[1:])
		}
	}
	fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
	fmt.Fprintln(stderr, usage())
	return 1
}

func (c *cli) newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

// call posts a single JSON-RPC request. Error responses are decoded whatever
// the HTTP status, since the node maps escrow failures onto 4xx codes.
func (c *cli) call(method string, params interface{}, out interface{}) error {
	reqBody := rpcRequest{JSONRPC: "2.0", Method: method, Params: []interface{}{}, ID: int(time.Now().UnixNano() & 0x7fffffff)}
	if params != nil {
		reqBody.Params = []interface{}{params}
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequest(http.MethodPost, c.rpcURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.auth != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.auth)
	}
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return fmt.Errorf("rpc status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rpc status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	return nil
}

func (c *cli) printJSON(v interface{}) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(c.stderr, "print response: %v\n", err)
		return 1
	}
	fmt.Fprintln(c.stdout, string(data))
	return 0
}

func (c *cli) fail(format string, args ...interface{}) int {
	fmt.Fprintf(c.stderr, format+"\n", args...)
	return 1
}

func usage() string {
	var b strings.Builder
	b.WriteString("settle-cli usage:\n  settle-cli [--rpc URL] [--auth TOKEN] <command> [options]\n\nCommands:\n")
	for _, cmd := range commands {
		b.WriteString("  ")
		b.WriteString(cmd.summary)
		b.WriteString("\n")
	}
	b.WriteString("\nTransaction commands also take --keystore <file> and --pass-env <VAR> (default " + keyPassEnv + ").\n")
	return b.String()
}
