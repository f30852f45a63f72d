package main

import (
	"fmt"
	"io"
	"os"
	"strings"
)

var rpcEndpoint = defaultRPCEndpoint() // overridden via RPC_URL or --rpc
var rpcAuthToken = os.Getenv("PODESCROW_RPC_TOKEN")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	args, err := applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}

	switch args[0] {
	case "create":
		return runCreate(args[1:], stdout, stderr)
	case "approve-refund":
		return runTransition("escrow_approveRefund", "approve-refund", args[1:], stdout, stderr)
	case "release":
		return runTransition("escrow_release", "release", args[1:], stdout, stderr)
	case "refund":
		return runTransition("escrow_refund", "refund", args[1:], stdout, stderr)
	case "get":
		return runGet(args[1:], stdout, stderr)
	case "list":
		return runList(args[1:], stdout, stderr)
	case "events":
		return runEvents(args[1:], stdout, stderr)
	case "audit":
		return runAudit(args[1:], stdout, stderr)
	case "custody":
		return runCustody(args[1:], stdout, stderr)
	case "balance":
		return runBalance(args[1:], stdout, stderr)
	case "allowance":
		return runAllowance(args[1:], stdout, stderr)
	case "approve":
		return runApprove(args[1:], stdout, stderr)
	case "transfer":
		return runTransfer(args[1:], stdout, stderr)
	case "keygen":
		return runKeygen(args[1:], stdout, stderr)
	case "token":
		return runIssueToken(args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("RPC_URL")); v != "" {
		return v
	}
	return "http://127.0.0.1:8545"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--rpc" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --rpc")
			}
			rpcEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--rpc=") {
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func usage() string {
	return strings.TrimSpace(`Usage:
  escrow-cli [--rpc URL] <command> [flags]

Payments:
  create          Lock value from the buyer into custody for a new order
  approve-refund  Seller consent allowing the buyer to refund
  release         Pay a pending order out to the seller
  refund          Return a pending, refund-approved order to the buyer
  get             Fetch one payment by order id
  list            Page through payments, optionally by status
  events          Page through the ledger event log
  audit           Print the custody solvency report
  custody         Print the custody account address

Tokens:
  balance         Show an account balance
  allowance       Show how much a spender may move for an owner
  approve         Set the caller's allowance for a spender
  transfer        Send tokens from the caller

Keys:
  keygen          Write a new encrypted keystore and print its address
  token           Mint an RPC bearer token for an address

Mutating commands authenticate with PODESCROW_RPC_TOKEN. Pass --caller when
the daemon runs with authentication disabled.`)
}
