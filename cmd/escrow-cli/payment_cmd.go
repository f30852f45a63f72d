package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"podescrow/crypto"
	"podescrow/native/escrow"
)

func runCreate(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("create", stderr)
	var (
		orderID   string
		seller    string
		buyer     string
		amountStr string
		caller    string
		idemKey   string
	)
	fs.StringVar(&orderID, "order", "", "order id (decimal or 0x hex, up to 256 bits)")
	fs.StringVar(&seller, "seller", "", "seller bech32 address")
	fs.StringVar(&buyer, "buyer", "", "buyer bech32 address; defaults to --caller")
	fs.StringVar(&amountStr, "amount", "", "value to lock (supports 100e18 shorthand)")
	fs.StringVar(&caller, "caller", "", "acting address when the daemon runs without auth")
	fs.StringVar(&idemKey, "idempotency-key", "", "reuse a key to retry safely")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if _, err := escrow.ParseOrderID(orderID); err != nil {
		return printError(stderr, "--order: "+err.Error())
	}
	if err := validateAddress("--seller", seller); err != nil {
		return printError(stderr, err.Error())
	}
	if strings.TrimSpace(buyer) == "" {
		buyer = caller
	}
	if err := validateAddress("--buyer", buyer); err != nil {
		return printError(stderr, err.Error())
	}
	if strings.TrimSpace(caller) != "" {
		if err := validateAddress("--caller", caller); err != nil {
			return printError(stderr, err.Error())
		}
	}
	amount, err := normalizeAmount("--amount", amountStr)
	if err != nil {
		return printError(stderr, err.Error())
	}

	params := map[string]interface{}{
		"orderId": strings.TrimSpace(orderID),
		"seller":  strings.TrimSpace(seller),
		"buyer":   strings.TrimSpace(buyer),
		"value":   amount,
	}
	withCaller(params, caller)
	return invoke(stdout, stderr, "escrow_createPayment", params, true, idemKey)
}

// runTransition drives approve-refund, release and refund, which share the
// same shape: an order id and the acting principal.
func runTransition(method, name string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(name, stderr)
	var (
		orderID string
		caller  string
		idemKey string
	)
	fs.StringVar(&orderID, "order", "", "order id")
	fs.StringVar(&caller, "caller", "", "acting address when the daemon runs without auth")
	fs.StringVar(&idemKey, "idempotency-key", "", "reuse a key to retry safely")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if _, err := escrow.ParseOrderID(orderID); err != nil {
		return printError(stderr, "--order: "+err.Error())
	}
	if strings.TrimSpace(caller) != "" {
		if err := validateAddress("--caller", caller); err != nil {
			return printError(stderr, err.Error())
		}
	}
	params := map[string]interface{}{"orderId": strings.TrimSpace(orderID)}
	withCaller(params, caller)
	return invoke(stdout, stderr, method, params, true, idemKey)
}

func runGet(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("get", stderr)
	var orderID string
	fs.StringVar(&orderID, "order", "", "order id")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if _, err := escrow.ParseOrderID(orderID); err != nil {
		return printError(stderr, "--order: "+err.Error())
	}
	return invoke(stdout, stderr, "escrow_getPayment", map[string]interface{}{"orderId": strings.TrimSpace(orderID)}, false, "")
}

func runList(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("list", stderr)
	var (
		offset uint64
		limit  uint64
		status string
	)
	fs.Uint64Var(&offset, "offset", 0, "number of payments to skip")
	fs.Uint64Var(&limit, "limit", 50, "page size (max 500)")
	fs.StringVar(&status, "status", "", "pending, completed or refunded")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	params := map[string]interface{}{"offset": offset, "limit": limit}
	if strings.TrimSpace(status) != "" {
		parsed, err := escrow.ParsePaymentStatus(status)
		if err != nil {
			return printError(stderr, "--status must be pending, completed or refunded")
		}
		params["status"] = parsed.String()
	}
	return invoke(stdout, stderr, "escrow_listPayments", params, false, "")
}

func runEvents(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("events", stderr)
	var (
		after uint64
		limit uint64
	)
	fs.Uint64Var(&after, "after", 0, "return events with a sequence greater than this")
	fs.Uint64Var(&limit, "limit", 50, "page size (max 500)")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	return invoke(stdout, stderr, "escrow_events", map[string]interface{}{"after": after, "limit": limit}, false, "")
}

func runAudit(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("audit", stderr)
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	return invoke(stdout, stderr, "escrow_audit", nil, false, "")
}

func runCustody(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("custody", stderr)
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	return invoke(stdout, stderr, "escrow_custody", nil, false, "")
}

func withCaller(params map[string]interface{}, caller string) {
	if trimmed := strings.TrimSpace(caller); trimmed != "" {
		params["caller"] = trimmed
	}
}

func validateAddress(flagName, value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fmt.Errorf("%s is required", flagName)
	}
	if _, err := crypto.ParseAddress(trimmed); err != nil {
		return fmt.Errorf("%s: %v", flagName, err)
	}
	return nil
}

// normalizeAmount turns inputs such as "1_000", "2.5e3" or "100e18" into a
// plain positive integer string.
func normalizeAmount(flagName, value string) (string, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	if trimmed == "" {
		return "", fmt.Errorf("%s is required", flagName)
	}
	var exponent int
	base := trimmed
	if idx := strings.IndexAny(trimmed, "eE"); idx != -1 {
		base = trimmed[:idx]
		expValue, err := strconv.ParseInt(strings.TrimSpace(trimmed[idx+1:]), 10, 32)
		if err != nil || expValue < 0 {
			return "", fmt.Errorf("invalid scientific notation in %s", flagName)
		}
		exponent = int(expValue)
	}
	base = strings.TrimPrefix(base, "+")
	if strings.HasPrefix(base, "-") {
		return "", fmt.Errorf("%s must be positive", flagName)
	}
	parts := strings.Split(base, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("invalid %s format", flagName)
	}
	fractional := ""
	if len(parts) == 2 {
		fractional = parts[1]
	}
	digits := parts[0] + fractional
	if digits == "" || !isDigits(digits) {
		return "", fmt.Errorf("invalid %s format", flagName)
	}
	digits = strings.TrimLeft(digits, "0")
	fracLen := len(fractional)
	for fracLen > 0 && len(digits) > 0 && digits[len(digits)-1] == '0' {
		digits = digits[:len(digits)-1]
		fracLen--
	}
	if exponent < fracLen {
		return "", fmt.Errorf("%s must be an integer", flagName)
	}
	if digits == "" {
		return "", fmt.Errorf("%s must be positive", flagName)
	}
	return digits + strings.Repeat("0", exponent-fracLen), nil
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
