package exports

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/xitongsys/parquet-go-source/writerfile"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"podescrow/native/escrow"
)

// WritePaymentsParquet streams the payments to w as a Snappy compressed
// Parquet file and returns the SHA-256 checksum of the bytes written.
func WritePaymentsParquet(w io.Writer, payments []*escrow.Payment) (string, error) {
	hasher := sha256.New()
	fw := writerfile.NewWriterFile(io.MultiWriter(w, hasher))
	pw, err := writer.NewParquetWriter(fw, new(paymentRow), 1)
	if err != nil {
		return "", fmt.Errorf("exports: parquet schema: %w", err)
	}
	pw.RowGroupSize = 16 * 1024 * 1024
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, payment := range payments {
		if payment == nil {
			continue
		}
		if err := pw.Write(newPaymentRow(payment)); err != nil {
			_ = pw.WriteStop()
			return "", fmt.Errorf("exports: parquet write: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return "", fmt.Errorf("exports: parquet finalize: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
