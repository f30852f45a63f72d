package escrow

import (
	"math/big"
	"testing"

	"github.com/holiman/uint256"
)

func TestParseOrderID(t *testing.T) {
	max := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "0", want: "0"},
		{in: " 42 ", want: "42"},
		{in: "0x2a", want: "42"},
		{in: max.String(), want: max.String()},
		{in: new(big.Int).Add(max, big.NewInt(1)).String(), wantErr: true},
		{in: "-1", wantErr: true},
		{in: "", wantErr: true},
		{in: "order-1", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseOrderID(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error, got %s", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: unexpected error: %v", tc.in, err)
		}
		if FormatOrderID(got) != tc.want {
			t.Fatalf("%q: expected %s, got %s", tc.in, tc.want, FormatOrderID(got))
		}
	}
}

func TestPaymentStatusText(t *testing.T) {
	for _, status := range []PaymentStatus{PaymentPending, PaymentCompleted, PaymentRefunded} {
		parsed, err := ParsePaymentStatus(status.String())
		if err != nil {
			t.Fatalf("parse %s: %v", status, err)
		}
		if parsed != status {
			t.Fatalf("expected %s, got %s", status, parsed)
		}
	}
	if _, err := ParsePaymentStatus("disputed"); err == nil {
		t.Fatalf("expected error for unknown status")
	}
	if PaymentStatus(9).Valid() {
		t.Fatalf("out of range status reported valid")
	}
	if PaymentPending.Terminal() || !PaymentRefunded.Terminal() {
		t.Fatalf("unexpected terminal classification")
	}
}

func TestPaymentCloneIsDeep(t *testing.T) {
	p := &Payment{OrderID: uint256.NewInt(5), Value: big.NewInt(10)}
	clone := p.Clone()
	clone.OrderID.SetUint64(6)
	clone.Value.SetInt64(11)
	if p.OrderID.Uint64() != 5 || p.Value.Int64() != 10 {
		t.Fatalf("clone shares memory with original")
	}
	if (*Payment)(nil).Clone() != nil {
		t.Fatalf("nil clone should be nil")
	}
}
