package exports

import (
	"bytes"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"strconv"
	"time"

	"podescrow/crypto"
	"podescrow/native/escrow"
)

var csvHeader = []string{"order_id", "seller", "buyer", "value", "status", "refund_approved", "created_at", "updated_at"}

// PaymentsCSV builds a CSV export for the supplied payments and returns the
// serialised data alongside a SHA-256 checksum of the payload.
func PaymentsCSV(payments []*escrow.Payment) ([]byte, string, error) {
	buffer := &bytes.Buffer{}
	writer := csv.NewWriter(buffer)
	if err := writer.Write(csvHeader); err != nil {
		return nil, "", err
	}
	for _, payment := range payments {
		if payment == nil {
			continue
		}
		row := newPaymentRow(payment)
		record := []string{
			row.OrderID,
			row.Seller,
			row.Buyer,
			row.Value,
			row.Status,
			strconv.FormatBool(row.RefundApproved),
			row.CreatedAt,
			row.UpdatedAt,
		}
		if err := writer.Write(record); err != nil {
			return nil, "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, "", err
	}
	data := buffer.Bytes()
	checksum := sha256.Sum256(data)
	return data, hex.EncodeToString(checksum[:]), nil
}

// paymentRow is the flattened export shape shared by every format.
type paymentRow struct {
	OrderID        string `parquet:"name=order_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Seller         string `parquet:"name=seller, type=BYTE_ARRAY, convertedtype=UTF8"`
	Buyer          string `parquet:"name=buyer, type=BYTE_ARRAY, convertedtype=UTF8"`
	Value          string `parquet:"name=value, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status         string `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	RefundApproved bool   `parquet:"name=refund_approved, type=BOOLEAN"`
	CreatedAt      string `parquet:"name=created_at, type=BYTE_ARRAY, convertedtype=UTF8"`
	UpdatedAt      string `parquet:"name=updated_at, type=BYTE_ARRAY, convertedtype=UTF8"`
}

func newPaymentRow(p *escrow.Payment) *paymentRow {
	value := "0"
	if p.Value != nil {
		value = p.Value.String()
	}
	return &paymentRow{
		OrderID:        escrow.FormatOrderID(p.OrderID),
		Seller:         crypto.FormatAddress(p.Seller),
		Buyer:          crypto.FormatAddress(p.Buyer),
		Value:          value,
		Status:         p.Status.String(),
		RefundApproved: p.RefundApproved,
		CreatedAt:      formatUnix(p.CreatedAt),
		UpdatedAt:      formatUnix(p.UpdatedAt),
	}
}

func formatUnix(ts int64) string {
	if ts == 0 {
		return ""
	}
	return time.Unix(ts, 0).UTC().Format(time.RFC3339)
}
