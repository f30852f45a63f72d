package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/holiman/uint256"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"podescrow/crypto"
	"podescrow/native/escrow"
)

func samplePayment(id uint64, value int64, status escrow.PaymentStatus) *escrow.Payment {
	var seller, buyer [20]byte
	seller[19] = 0x51
	buyer[19] = 0xB1
	return &escrow.Payment{
		OrderID:        uint256.NewInt(id),
		Seller:         seller,
		Buyer:          buyer,
		Value:          big.NewInt(value),
		Status:         status,
		RefundApproved: status == escrow.PaymentRefunded,
		CreatedAt:      1_700_000_000,
		UpdatedAt:      1_700_000_060,
	}
}

func TestPaymentsCSV(t *testing.T) {
	payments := []*escrow.Payment{
		samplePayment(1, 10, escrow.PaymentPending),
		nil,
		samplePayment(2, 25, escrow.PaymentRefunded),
	}
	data, checksum, err := PaymentsCSV(payments)
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	sum := sha256.Sum256(data)
	if checksum != hex.EncodeToString(sum[:]) {
		t.Fatalf("checksum does not cover payload")
	}
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected header plus 2 rows, got %d", len(records))
	}
	row := records[2]
	if row[0] != "2" || row[3] != "25" || row[4] != "refunded" || row[5] != "true" {
		t.Fatalf("unexpected row %v", row)
	}
	if row[1] != crypto.FormatAddress(payments[2].Seller) {
		t.Fatalf("seller should be bech32, got %s", row[1])
	}
	if row[6] != "2023-11-14T22:13:20Z" {
		t.Fatalf("unexpected created_at %s", row[6])
	}
}

func TestWritePaymentsParquet(t *testing.T) {
	payments := []*escrow.Payment{
		samplePayment(7, 100, escrow.PaymentCompleted),
		samplePayment(8, 5, escrow.PaymentPending),
	}
	var buf bytes.Buffer
	checksum, err := WritePaymentsParquet(&buf, payments)
	if err != nil {
		t.Fatalf("parquet: %v", err)
	}
	sum := sha256.Sum256(buf.Bytes())
	if checksum != hex.EncodeToString(sum[:]) {
		t.Fatalf("checksum does not cover payload")
	}

	path := filepath.Join(t.TempDir(), "payments.parquet")
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(paymentRow), 1)
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	defer pr.ReadStop()
	if n := pr.GetNumRows(); n != 2 {
		t.Fatalf("expected 2 rows, got %d", n)
	}
	rows := make([]paymentRow, 2)
	if err := pr.Read(&rows); err != nil {
		t.Fatalf("read: %v", err)
	}
	if rows[0].OrderID != "7" || rows[0].Status != "completed" || rows[1].Value != "5" {
		t.Fatalf("unexpected rows %+v", rows)
	}
}
