package core

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"podescrow/core/genesis"
	"podescrow/native/escrow"
	"podescrow/storage"
)

var (
	testSeller = newTestAddress(0x51)
	testBuyer  = newTestAddress(0xB1)
)

func newTestAddress(fill byte) [20]byte {
	var addr [20]byte
	copy(addr[:], bytes.Repeat([]byte{fill}, 20))
	return addr
}

func testConfig() Config {
	return Config{
		TransferTimeout: time.Second,
		Logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:             func() time.Time { return time.Unix(1_700_000_000, 0) },
	}
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	db := storage.NewMemDB()
	t.Cleanup(db.Close)
	node, err := NewNode(db, testConfig())
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node
}

func fundBuyer(t *testing.T, node *Node, amount int64) {
	t.Helper()
	ctx := context.Background()
	if err := node.ApplyGenesis(ctx, []genesis.Allocation{{Address: testBuyer, Amount: big.NewInt(amount)}}); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	if err := node.TokenApprove(ctx, testBuyer, node.Custody(), big.NewInt(amount)); err != nil {
		t.Fatalf("approve custody: %v", err)
	}
}

func createPayment(t *testing.T, node *Node, id uint64, value int64) {
	t.Helper()
	if _, err := node.PaymentCreate(context.Background(), testBuyer, uint256.NewInt(id), testSeller, testBuyer, big.NewInt(value)); err != nil {
		t.Fatalf("create payment %d: %v", id, err)
	}
}

func balanceOf(t *testing.T, node *Node, addr [20]byte) string {
	t.Helper()
	bal, err := node.TokenBalance(addr)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	return bal.String()
}

func paymentStatus(t *testing.T, node *Node, id uint64) escrow.PaymentStatus {
	t.Helper()
	p, err := node.PaymentGet(uint256.NewInt(id))
	if err != nil {
		t.Fatalf("get payment %d: %v", id, err)
	}
	return p.Status
}

func TestNodeCreateAndRelease(t *testing.T) {
	node := newTestNode(t)
	fundBuyer(t, node, 500)
	createPayment(t, node, 1, 200)

	if got := balanceOf(t, node, node.Custody()); got != "200" {
		t.Fatalf("unexpected custody balance %s", got)
	}
	if err := node.PaymentRelease(context.Background(), testBuyer, uint256.NewInt(1)); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got := balanceOf(t, node, testSeller); got != "200" {
		t.Fatalf("unexpected seller balance %s", got)
	}
	if got := balanceOf(t, node, testBuyer); got != "300" {
		t.Fatalf("unexpected buyer balance %s", got)
	}
	if status := paymentStatus(t, node, 1); status != escrow.PaymentCompleted {
		t.Fatalf("expected completed, got %s", status)
	}

	records, err := node.Events(0, 100)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	var escrowTypes []string
	for i, record := range records {
		if record.Sequence != uint64(i+1) {
			t.Fatalf("unexpected sequence %d at %d", record.Sequence, i)
		}
		switch record.Event.Type {
		case escrow.EventTypePaymentCreated, escrow.EventTypePaymentCompleted:
			escrowTypes = append(escrowTypes, record.Event.Type)
		}
	}
	if len(escrowTypes) != 2 || escrowTypes[0] != escrow.EventTypePaymentCreated || escrowTypes[1] != escrow.EventTypePaymentCompleted {
		t.Fatalf("unexpected escrow events %v", escrowTypes)
	}
}

func TestNodeRollsBackWhenTransferReportsFailure(t *testing.T) {
	node := newTestNode(t)
	fundBuyer(t, node, 100)
	createPayment(t, node, 1, 100)
	rootBefore := node.StateRoot()
	eventsBefore, _ := node.Events(0, 1000)

	// The ledger moves the funds but the call still reports failure, so the
	// outcome is unknown to the engine and the whole operation must vanish.
	node.SetCurrencyMiddleware(func(inner escrow.Currency) escrow.Currency {
		return escrow.CurrencyFuncs{
			TransferFromFn: inner.TransferFrom,
			TransferFn: func(ctx context.Context, recipient [20]byte, amount *big.Int) error {
				if err := inner.Transfer(ctx, recipient, amount); err != nil {
					return err
				}
				return errors.New("acknowledgement lost")
			},
		}
	})
	err := node.PaymentRelease(context.Background(), testBuyer, uint256.NewInt(1))
	if !errors.Is(err, escrow.ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}
	if got := balanceOf(t, node, testSeller); got != "0" {
		t.Fatalf("rolled back transfer still credited seller: %s", got)
	}
	if got := balanceOf(t, node, node.Custody()); got != "100" {
		t.Fatalf("custody balance changed: %s", got)
	}
	if status := paymentStatus(t, node, 1); status != escrow.PaymentPending {
		t.Fatalf("expected pending, got %s", status)
	}
	if node.StateRoot() != rootBefore {
		t.Fatalf("state root changed after failed operation")
	}
	eventsAfter, _ := node.Events(0, 1000)
	if len(eventsAfter) != len(eventsBefore) {
		t.Fatalf("failed operation appended events")
	}

	node.SetCurrencyMiddleware(nil)
	if err := node.PaymentRelease(context.Background(), testBuyer, uint256.NewInt(1)); err != nil {
		t.Fatalf("release after recovery: %v", err)
	}
	if got := balanceOf(t, node, testSeller); got != "100" {
		t.Fatalf("unexpected seller balance %s", got)
	}
}

func TestNodeTransferTimeoutCountsAsFailure(t *testing.T) {
	cfg := testConfig()
	cfg.TransferTimeout = 20 * time.Millisecond
	db := storage.NewMemDB()
	defer db.Close()
	node, err := NewNode(db, cfg)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	fundBuyer(t, node, 10)
	createPayment(t, node, 5, 10)

	node.SetCurrencyMiddleware(func(inner escrow.Currency) escrow.Currency {
		return escrow.CurrencyFuncs{
			TransferFromFn: inner.TransferFrom,
			TransferFn: func(ctx context.Context, recipient [20]byte, amount *big.Int) error {
				<-ctx.Done()
				return ctx.Err()
			},
		}
	})
	err = node.PaymentRelease(context.Background(), testBuyer, uint256.NewInt(5))
	if !errors.Is(err, escrow.ErrTransferFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timed out transfer failure, got %v", err)
	}
	if status := paymentStatus(t, node, 5); status != escrow.PaymentPending {
		t.Fatalf("expected pending after timeout, got %s", status)
	}
}

func TestNodeConcurrentReleasePaysOnce(t *testing.T) {
	node := newTestNode(t)
	fundBuyer(t, node, 1_000)
	createPayment(t, node, 9, 250)
	if err := node.PaymentApproveRefund(context.Background(), testSeller, uint256.NewInt(9)); err != nil {
		t.Fatalf("approve refund: %v", err)
	}

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		settled   int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%2 == 0 {
				err = node.PaymentRelease(context.Background(), testBuyer, uint256.NewInt(9))
			} else {
				err = node.PaymentRefund(context.Background(), testBuyer, uint256.NewInt(9))
			}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, escrow.ErrAlreadySettled):
				settled++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if successes != 1 || settled != workers-1 {
		t.Fatalf("expected one settlement, got successes=%d settled=%d", successes, settled)
	}
	paid := new(big.Int)
	for _, addr := range [][20]byte{testSeller, testBuyer} {
		bal, _ := node.TokenBalance(addr)
		paid.Add(paid, bal)
	}
	if paid.String() != "1000" {
		t.Fatalf("value not conserved, parties hold %s", paid)
	}
	if got := balanceOf(t, node, node.Custody()); got != "0" {
		t.Fatalf("custody should be empty, holds %s", got)
	}
}

func TestNodeGenesisAppliesOnce(t *testing.T) {
	node := newTestNode(t)
	allocs := []genesis.Allocation{{Address: testBuyer, Amount: big.NewInt(42)}}
	if err := node.ApplyGenesis(context.Background(), allocs); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	if err := node.ApplyGenesis(context.Background(), allocs); !errors.Is(err, ErrGenesisApplied) {
		t.Fatalf("expected ErrGenesisApplied, got %v", err)
	}
	if got := balanceOf(t, node, testBuyer); got != "42" {
		t.Fatalf("unexpected balance %s", got)
	}
}

func TestNodeReopenRestoresState(t *testing.T) {
	dir := t.TempDir()
	db, err := storage.NewLevelDB(dir)
	if err != nil {
		t.Fatalf("open leveldb: %v", err)
	}
	node, err := NewNode(db, testConfig())
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	fundBuyer(t, node, 300)
	createPayment(t, node, 1, 100)
	createPayment(t, node, 2, 50)
	root := node.StateRoot()
	db.Close()

	reopenedDB, err := storage.NewLevelDB(dir)
	if err != nil {
		t.Fatalf("reopen leveldb: %v", err)
	}
	defer reopenedDB.Close()
	reopened, err := NewNode(reopenedDB, testConfig())
	if err != nil {
		t.Fatalf("reopen node: %v", err)
	}
	if reopened.StateRoot() != root {
		t.Fatalf("state root mismatch after reopen")
	}
	if reopened.pending != 2 {
		t.Fatalf("expected 2 pending payments after reopen, got %d", reopened.pending)
	}
	if err := reopened.PaymentRelease(context.Background(), testBuyer, uint256.NewInt(2)); err != nil {
		t.Fatalf("release after reopen: %v", err)
	}
	report, err := reopened.Audit()
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if !report.Solvent || !report.EventChainValid || report.Locked.String() != "100" || report.PendingPayments != 1 {
		t.Fatalf("unexpected audit report: %+v", report)
	}
}

func TestNodeSubscribersReceiveCommittedEvents(t *testing.T) {
	node := newTestNode(t)
	fundBuyer(t, node, 100)
	ch, cancel := node.SubscribeEvents(16)
	defer cancel()

	createPayment(t, node, 3, 60)
	var created bool
	timeout := time.After(time.Second)
	for !created {
		select {
		case record := <-ch:
			if record.Event.Type == escrow.EventTypePaymentCreated {
				if record.Event.Attributes["orderId"] != "3" {
					t.Fatalf("unexpected order id %s", record.Event.Attributes["orderId"])
				}
				created = true
			}
		case <-timeout:
			t.Fatalf("timed out waiting for creation event")
		}
	}

	if _, err := node.PaymentCreate(context.Background(), testBuyer, uint256.NewInt(3), testSeller, testBuyer, big.NewInt(1)); !errors.Is(err, escrow.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	select {
	case record := <-ch:
		t.Fatalf("failed operation published %s", record.Event.Type)
	default:
	}
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel after cancel")
	}
}

func TestNodePaymentListFiltersByStatus(t *testing.T) {
	node := newTestNode(t)
	fundBuyer(t, node, 100)
	for id := uint64(1); id <= 4; id++ {
		createPayment(t, node, id, 10)
	}
	if err := node.PaymentRelease(context.Background(), testBuyer, uint256.NewInt(2)); err != nil {
		t.Fatalf("release: %v", err)
	}

	all, total, err := node.PaymentList(0, 10, nil)
	if err != nil || total != 4 || len(all) != 4 {
		t.Fatalf("unexpected list: total=%d len=%d err=%v", total, len(all), err)
	}
	pending := escrow.PaymentPending
	page, total, err := node.PaymentList(1, 1, &pending)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if total != 3 || len(page) != 1 || page[0].OrderID.Uint64() != 3 {
		t.Fatalf("unexpected pending page: total=%d page=%v", total, page)
	}
}

func TestNodeRejectsDirectCustodySpend(t *testing.T) {
	node := newTestNode(t)
	fundBuyer(t, node, 100)
	createPayment(t, node, 1, 100)

	err := node.TokenTransfer(context.Background(), node.Custody(), testSeller, big.NewInt(1))
	if !errors.Is(err, ErrCustodyAccount) {
		t.Fatalf("expected ErrCustodyAccount, got %v", err)
	}
	err = node.TokenApprove(context.Background(), node.Custody(), testSeller, big.NewInt(1))
	if !errors.Is(err, ErrCustodyAccount) {
		t.Fatalf("expected ErrCustodyAccount, got %v", err)
	}
	if got := balanceOf(t, node, node.Custody()); got != "100" {
		t.Fatalf("custody balance changed: %s", got)
	}
}
