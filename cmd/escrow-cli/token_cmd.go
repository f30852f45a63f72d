package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var amountPrinter = message.NewPrinter(language.English)

func runBalance(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("balance", stderr)
	var (
		address string
		human   bool
	)
	fs.StringVar(&address, "address", "", "account bech32 address")
	fs.BoolVar(&human, "human", false, "print a grouped amount instead of JSON")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if err := validateAddress("--address", address); err != nil {
		return printError(stderr, err.Error())
	}
	params := map[string]interface{}{"address": strings.TrimSpace(address)}
	if !human {
		return invoke(stdout, stderr, "token_balanceOf", params, false, "")
	}
	result, rpcErr, err := rpcCall("token_balanceOf", params, false, "")
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	var balance struct {
		Address string `json:"address"`
		Balance string `json:"balance"`
	}
	if err := json.Unmarshal(result, &balance); err != nil {
		return printError(stderr, fmt.Sprintf("decode balance: %v", err))
	}
	fmt.Fprintf(stdout, "%s: %s\n", balance.Address, formatAmount(balance.Balance))
	return 0
}

func runAllowance(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("allowance", stderr)
	var owner, spender string
	fs.StringVar(&owner, "owner", "", "token owner bech32 address")
	fs.StringVar(&spender, "spender", "", "spender bech32 address")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if err := validateAddress("--owner", owner); err != nil {
		return printError(stderr, err.Error())
	}
	if err := validateAddress("--spender", spender); err != nil {
		return printError(stderr, err.Error())
	}
	params := map[string]interface{}{
		"owner":   strings.TrimSpace(owner),
		"spender": strings.TrimSpace(spender),
	}
	return invoke(stdout, stderr, "token_allowance", params, false, "")
}

// runApprove sets the caller's allowance. Approving the custody account is
// what lets createPayment pull the buyer's value.
func runApprove(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("approve", stderr)
	var (
		spender   string
		amountStr string
		caller    string
		idemKey   string
	)
	fs.StringVar(&spender, "spender", "", "spender bech32 address (usually the custody account)")
	fs.StringVar(&amountStr, "amount", "", "allowance; 0 revokes")
	fs.StringVar(&caller, "caller", "", "acting address when the daemon runs without auth")
	fs.StringVar(&idemKey, "idempotency-key", "", "reuse a key to retry safely")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if err := validateAddress("--spender", spender); err != nil {
		return printError(stderr, err.Error())
	}
	amount := "0"
	if strings.TrimSpace(amountStr) != "0" {
		normalized, err := normalizeAmount("--amount", amountStr)
		if err != nil {
			return printError(stderr, err.Error())
		}
		amount = normalized
	}
	params := map[string]interface{}{"spender": strings.TrimSpace(spender), "amount": amount}
	withCaller(params, caller)
	return invoke(stdout, stderr, "token_approve", params, true, idemKey)
}

func runTransfer(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("transfer", stderr)
	var (
		to        string
		amountStr string
		caller    string
		idemKey   string
	)
	fs.StringVar(&to, "to", "", "recipient bech32 address")
	fs.StringVar(&amountStr, "amount", "", "amount to send")
	fs.StringVar(&caller, "caller", "", "acting address when the daemon runs without auth")
	fs.StringVar(&idemKey, "idempotency-key", "", "reuse a key to retry safely")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if err := validateAddress("--to", to); err != nil {
		return printError(stderr, err.Error())
	}
	amount, err := normalizeAmount("--amount", amountStr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	params := map[string]interface{}{"to": strings.TrimSpace(to), "amount": amount}
	withCaller(params, caller)
	return invoke(stdout, stderr, "token_transfer", params, true, idemKey)
}

// formatAmount groups digits for display. Values beyond int64 are printed
// verbatim.
func formatAmount(value string) string {
	parsed, ok := new(big.Int).SetString(strings.TrimSpace(value), 10)
	if !ok {
		return value
	}
	if !parsed.IsInt64() {
		return parsed.String()
	}
	return amountPrinter.Sprintf("%d", parsed.Int64())
}
