package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"podescrow/config"
	"podescrow/core"
	"podescrow/crypto"
	"podescrow/integrations/exports"
	"podescrow/native/escrow"
)

const exportPageSize = 500

func openOffline(configPath string, stderr io.Writer) (*core.Node, func(), bool) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to load config: %v\n", err)
		return nil, nil, false
	}
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	node, db, err := openNode(context.Background(), cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to open ledger: %v\n", err)
		return nil, nil, false
	}
	return node, db.Close, true
}

type auditOutput struct {
	StateRoot       string `json:"stateRoot"`
	Version         uint64 `json:"version"`
	Custody         string `json:"custody"`
	CustodyBalance  string `json:"custodyBalance"`
	Locked          string `json:"locked"`
	PendingPayments int    `json:"pendingPayments"`
	Solvent         bool   `json:"solvent"`
	EventCount      uint64 `json:"eventCount"`
	EventHead       string `json:"eventHead"`
	EventChainValid bool   `json:"eventChainValid"`
	EventChainError string `json:"eventChainError,omitempty"`
}

// runAudit prints the solvency report and exits non-zero when custody does
// not cover pending payments or the event chain is broken.
func runAudit(args []string, stdout, stderr io.Writer) int {
	fs, configPath := newFlagSet("escrowd audit", stderr)
	if err := fs.Parse(args); err != nil {
		return 1
	}
	node, closeDB, ok := openOffline(*configPath, stderr)
	if !ok {
		return 1
	}
	defer closeDB()

	report, err := node.Audit()
	if err != nil {
		fmt.Fprintf(stderr, "Audit failed: %v\n", err)
		return 1
	}
	out := auditOutput{
		StateRoot:       report.StateRoot.Hex(),
		Version:         report.Version,
		Custody:         crypto.FormatAddress(report.Custody),
		CustodyBalance:  report.CustodyBalance.String(),
		Locked:          report.Locked.String(),
		PendingPayments: report.PendingPayments,
		Solvent:         report.Solvent,
		EventCount:      report.EventCount,
		EventHead:       hex.EncodeToString(report.EventHead[:]),
		EventChainValid: report.EventChainValid,
		EventChainError: report.EventChainError,
	}
	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(out); err != nil {
		fmt.Fprintf(stderr, "Failed to encode report: %v\n", err)
		return 1
	}
	if !report.Solvent || !report.EventChainValid {
		return 2
	}
	return 0
}

func runExport(args []string, stdout, stderr io.Writer) int {
	fs, configPath := newFlagSet("escrowd export", stderr)
	format := fs.String("format", "csv", "Export format: csv or parquet")
	outPath := fs.String("out", "", "Output file (defaults to stdout for csv)")
	status := fs.String("status", "", "Only export payments with this status")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	kind := strings.ToLower(strings.TrimSpace(*format))
	if kind != "csv" && kind != "parquet" {
		fmt.Fprintln(stderr, "Error: --format must be csv or parquet")
		return 1
	}
	if kind == "parquet" && strings.TrimSpace(*outPath) == "" {
		fmt.Fprintln(stderr, "Error: --out is required for parquet exports")
		return 1
	}
	var filter *escrow.PaymentStatus
	if strings.TrimSpace(*status) != "" {
		parsed, err := escrow.ParsePaymentStatus(*status)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		filter = &parsed
	}

	node, closeDB, ok := openOffline(*configPath, stderr)
	if !ok {
		return 1
	}
	defer closeDB()

	payments, err := collectPayments(node, filter)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to list payments: %v\n", err)
		return 1
	}

	var (
		checksum string
		written  []byte
	)
	out := stdout
	if path := strings.TrimSpace(*outPath); path != "" {
		file, err := os.Create(path)
		if err != nil {
			fmt.Fprintf(stderr, "Failed to create %s: %v\n", path, err)
			return 1
		}
		defer file.Close()
		out = file
	}
	switch kind {
	case "csv":
		written, checksum, err = exports.PaymentsCSV(payments)
		if err == nil {
			_, err = out.Write(written)
		}
	case "parquet":
		checksum, err = exports.WritePaymentsParquet(out, payments)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Export failed: %v\n", err)
		return 1
	}
	if file, ok := out.(*os.File); ok && file != os.Stdout {
		if err := file.Sync(); err != nil {
			fmt.Fprintf(stderr, "Export failed: %v\n", err)
			return 1
		}
	}
	fmt.Fprintf(stderr, "exported %d payments (%s) sha256=%s\n", len(payments), kind, checksum)
	return 0
}

func collectPayments(node *core.Node, filter *escrow.PaymentStatus) ([]*escrow.Payment, error) {
	var all []*escrow.Payment
	for offset := uint64(0); ; offset += exportPageSize {
		page, total, err := node.PaymentList(offset, exportPageSize, filter)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < exportPageSize || uint64(len(all)) >= total {
			return all, nil
		}
	}
}
