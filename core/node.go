package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"podescrow/core/events"
	"podescrow/core/genesis"
	ledgerstate "podescrow/core/state"
	"podescrow/core/types"
	"podescrow/crypto"
	"podescrow/native/escrow"
	"podescrow/native/token"
	"podescrow/observability"
	"podescrow/storage"
	"podescrow/storage/trie"
)

// CustodyLabel derives the address that holds escrowed value.
const CustodyLabel = "podescrow/custody"

// DefaultTransferTimeout bounds a single operation including its currency call.
const DefaultTransferTimeout = 5 * time.Second

var headKey = []byte("podescrow/head")

var tracer = otel.Tracer("podescrow/core")

var (
	// ErrGenesisApplied is returned when genesis allocations were already written.
	ErrGenesisApplied = errors.New("core: genesis already applied")
	// ErrCustodyAccount is returned when a direct token call tries to spend
	// from escrow custody; only the escrow engine moves custody funds.
	ErrCustodyAccount = errors.New("core: custody funds move only through escrow")
)

type storedHead struct {
	Root    common.Hash
	Version uint64
}

// Config tunes a Node. Zero values select defaults.
type Config struct {
	TransferTimeout time.Duration
	Logger          *slog.Logger
	Now             func() time.Time
}

// Node owns the ledger state. Every operation runs under one mutex on a copy
// of the state trie that is committed only when the operation succeeds, so a
// failed guard, transfer or write leaves no trace.
type Node struct {
	db              storage.Database
	stateMu         sync.Mutex
	trie            *trie.Trie
	version         uint64
	pending         int
	custody         [20]byte
	transferTimeout time.Duration
	logger          *slog.Logger
	nowFn           func() time.Time
	wrapCurrency    func(escrow.Currency) escrow.Currency

	subsMu  sync.RWMutex
	subs    map[uint64]chan *types.EventRecord
	nextSub uint64
}

// NewNode opens the ledger stored in db, creating an empty one if needed.
func NewNode(db storage.Database, cfg Config) (*Node, error) {
	if db == nil {
		return nil, fmt.Errorf("core: database required")
	}
	head, err := loadHead(db)
	if err != nil {
		return nil, err
	}
	var root []byte
	if head.Root != (common.Hash{}) {
		root = head.Root.Bytes()
	}
	stateTrie, err := trie.NewTrie(db, root)
	if err != nil {
		return nil, fmt.Errorf("core: open state trie: %w", err)
	}
	if err := ledgerstate.EnsureStateVersion(stateTrie); err != nil {
		return nil, err
	}
	n := &Node{
		db:              db,
		trie:            stateTrie,
		version:         head.Version,
		custody:         crypto.DeriveAddress(CustodyLabel),
		transferTimeout: cfg.TransferTimeout,
		logger:          cfg.Logger,
		nowFn:           cfg.Now,
		subs:            make(map[uint64]chan *types.EventRecord),
	}
	if n.transferTimeout <= 0 {
		n.transferTimeout = DefaultTransferTimeout
	}
	if n.logger == nil {
		n.logger = slog.Default()
	}
	if n.nowFn == nil {
		n.nowFn = time.Now
	}
	manager := ledgerstate.NewManager(stateTrie)
	if _, ok, err := manager.StateVersion(); err != nil {
		return nil, err
	} else if !ok {
		if _, err := n.apply(context.Background(), "init", func(tx *transition) error {
			return tx.manager.SetStateVersion(ledgerstate.StateVersion)
		}); err != nil {
			return nil, fmt.Errorf("core: initialise state: %w", err)
		}
	}
	if err := n.refreshGauges(); err != nil {
		return nil, err
	}
	return n, nil
}

func loadHead(db storage.Database) (storedHead, error) {
	var head storedHead
	raw, err := db.Get(headKey)
	if errors.Is(err, storage.ErrNotFound) {
		return head, nil
	}
	if err != nil {
		return head, fmt.Errorf("core: read head: %w", err)
	}
	if err := rlp.DecodeBytes(raw, &head); err != nil {
		return head, fmt.Errorf("core: decode head: %w", err)
	}
	return head, nil
}

func (n *Node) writeHead(root common.Hash, version uint64) error {
	encoded, err := rlp.EncodeToBytes(storedHead{Root: root, Version: version})
	if err != nil {
		return err
	}
	return n.db.Put(headKey, encoded)
}

// SetCurrencyMiddleware wraps the currency handed to the escrow engine on
// every operation. Passing nil removes the wrapper.
func (n *Node) SetCurrencyMiddleware(wrap func(escrow.Currency) escrow.Currency) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	n.wrapCurrency = wrap
}

// Custody returns the address holding escrowed value.
func (n *Node) Custody() [20]byte { return n.custody }

// StateRoot returns the last committed state root.
func (n *Node) StateRoot() common.Hash {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.trie.Root()
}

type transition struct {
	ctx     context.Context
	manager *ledgerstate.Manager
	ledger  *token.Ledger
	engine  *escrow.Engine
}

// apply runs fn against a speculative copy of the state and commits it when
// fn succeeds. Events buffered during fn are appended to the log as part of
// the same commit and published to subscribers afterwards.
func (n *Node) apply(ctx context.Context, operation string, fn func(*transition) error) ([]*types.EventRecord, error) {
	ctx, span := tracer.Start(ctx, "node."+operation)
	defer span.End()
	start := time.Now()

	n.stateMu.Lock()
	records, err := n.applyLocked(ctx, fn)
	n.stateMu.Unlock()

	observability.Escrow().Observe(operation, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, observability.EscrowOutcome(err))
		return nil, err
	}
	span.SetAttributes(attribute.Int("events", len(records)))
	n.publish(records)
	return records, nil
}

func (n *Node) applyLocked(ctx context.Context, fn func(*transition) error) ([]*types.EventRecord, error) {
	working, err := n.trie.Copy()
	if err != nil {
		return nil, err
	}
	manager := ledgerstate.NewManager(working)
	buffer := &events.Buffer{}

	ledger := token.NewLedger(manager)
	ledger.SetEmitter(buffer)
	var currency escrow.Currency = ledger.Session(n.custody)
	if n.wrapCurrency != nil {
		currency = n.wrapCurrency(currency)
	}
	engine := escrow.NewEngine()
	engine.SetState(manager)
	engine.SetCurrency(currency)
	engine.SetCustody(n.custody)
	engine.SetEmitter(buffer)
	engine.SetNowFunc(func() int64 { return n.nowFn().Unix() })

	opCtx, cancel := context.WithTimeout(ctx, n.transferTimeout)
	defer cancel()
	if err := fn(&transition{ctx: opCtx, manager: manager, ledger: ledger, engine: engine}); err != nil {
		return nil, err
	}

	now := n.nowFn().Unix()
	pendingDelta := 0
	drained := buffer.Drain()
	records := make([]*types.EventRecord, 0, len(drained))
	for _, evt := range drained {
		record, err := manager.AppendEvent(evt, now)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
		switch evt.Type {
		case escrow.EventTypePaymentCreated:
			pendingDelta++
		case escrow.EventTypePaymentCompleted:
			pendingDelta--
		}
	}
	locked, err := manager.EscrowLocked()
	if err != nil {
		return nil, err
	}

	version := n.version + 1
	root, err := working.Commit(version)
	if err != nil {
		return nil, fmt.Errorf("core: commit state: %w", err)
	}
	if err := n.writeHead(root, version); err != nil {
		return nil, fmt.Errorf("core: persist head: %w", err)
	}
	n.trie = working
	n.version = version
	n.pending += pendingDelta

	metrics := observability.Escrow()
	metrics.SetPending(n.pending)
	metrics.SetLocked(locked)
	return records, nil
}

// view runs fn against the committed state.
func (n *Node) view(fn func(*ledgerstate.Manager) error) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return fn(ledgerstate.NewManager(n.trie))
}

func (n *Node) refreshGauges() error {
	return n.view(func(m *ledgerstate.Manager) error {
		pending, err := countPending(m)
		if err != nil {
			return err
		}
		locked, err := m.EscrowLocked()
		if err != nil {
			return err
		}
		n.pending = pending
		observability.Escrow().SetPending(pending)
		observability.Escrow().SetLocked(locked)
		return nil
	})
}

func countPending(m *ledgerstate.Manager) (int, error) {
	count, err := m.PaymentCount()
	if err != nil {
		return 0, err
	}
	payments, err := m.Payments(0, count)
	if err != nil {
		return 0, err
	}
	pending := 0
	for _, p := range payments {
		if p.Status == escrow.PaymentPending {
			pending++
		}
	}
	return pending, nil
}

// PaymentCreate escrows value from buyer for orderID on behalf of caller.
func (n *Node) PaymentCreate(ctx context.Context, caller [20]byte, orderID *uint256.Int, seller, buyer [20]byte, value *big.Int) (*escrow.Payment, error) {
	var created *escrow.Payment
	_, err := n.apply(ctx, "create_payment", func(tx *transition) error {
		p, err := tx.engine.CreatePayment(tx.ctx, caller, orderID, seller, buyer, value)
		created = p
		return err
	})
	n.logOperation("create_payment", caller, orderID, err)
	if err != nil {
		return nil, err
	}
	return created, nil
}

// PaymentApproveRefund records the seller's refund approval.
func (n *Node) PaymentApproveRefund(ctx context.Context, caller [20]byte, orderID *uint256.Int) error {
	_, err := n.apply(ctx, "approve_refund", func(tx *transition) error {
		return tx.engine.ApproveRefund(tx.ctx, caller, orderID)
	})
	n.logOperation("approve_refund", caller, orderID, err)
	return err
}

// PaymentRelease pays a pending payment out to its seller.
func (n *Node) PaymentRelease(ctx context.Context, caller [20]byte, orderID *uint256.Int) error {
	_, err := n.apply(ctx, "release", func(tx *transition) error {
		return tx.engine.Release(tx.ctx, caller, orderID)
	})
	n.logOperation("release", caller, orderID, err)
	return err
}

// PaymentRefund returns a pending, refund-approved payment to its buyer.
func (n *Node) PaymentRefund(ctx context.Context, caller [20]byte, orderID *uint256.Int) error {
	_, err := n.apply(ctx, "refund", func(tx *transition) error {
		return tx.engine.Refund(tx.ctx, caller, orderID)
	})
	n.logOperation("refund", caller, orderID, err)
	return err
}

func (n *Node) logOperation(operation string, caller [20]byte, orderID *uint256.Int, err error) {
	attrs := []any{
		slog.String("operation", operation),
		slog.String("orderId", escrow.FormatOrderID(orderID)),
		slog.String("caller", crypto.FormatAddress(caller)),
	}
	if err != nil {
		n.logger.Warn("escrow operation rejected", append(attrs, slog.String("outcome", observability.EscrowOutcome(err)), slog.Any("error", err))...)
		return
	}
	n.logger.Info("escrow operation applied", attrs...)
}

// PaymentGet returns the payment registered for orderID.
func (n *Node) PaymentGet(orderID *uint256.Int) (*escrow.Payment, error) {
	var payment *escrow.Payment
	err := n.view(func(m *ledgerstate.Manager) error {
		p, ok, err := m.PaymentGet(orderID)
		if err != nil {
			return err
		}
		if !ok {
			return escrow.ErrNotFound
		}
		payment = p
		return nil
	})
	return payment, err
}

// PaymentList returns payments in creation order. When status is non-nil
// only payments in that status are counted and returned. The second result
// is the total number of matching payments.
func (n *Node) PaymentList(offset, limit uint64, status *escrow.PaymentStatus) ([]*escrow.Payment, uint64, error) {
	var (
		page  []*escrow.Payment
		total uint64
	)
	err := n.view(func(m *ledgerstate.Manager) error {
		count, err := m.PaymentCount()
		if err != nil {
			return err
		}
		if status == nil {
			total = count
			page, err = m.Payments(offset, limit)
			return err
		}
		all, err := m.Payments(0, count)
		if err != nil {
			return err
		}
		page = make([]*escrow.Payment, 0)
		for _, p := range all {
			if p.Status != *status {
				continue
			}
			if total >= offset && uint64(len(page)) < limit {
				page = append(page, p)
			}
			total++
		}
		return nil
	})
	return page, total, err
}

// TokenBalance returns the ledger balance of addr.
func (n *Node) TokenBalance(addr [20]byte) (*big.Int, error) {
	var balance *big.Int
	err := n.view(func(m *ledgerstate.Manager) error {
		var err error
		balance, err = m.TokenBalance(addr)
		return err
	})
	return balance, err
}

// TokenAllowance returns the allowance owner granted to spender.
func (n *Node) TokenAllowance(owner, spender [20]byte) (*big.Int, error) {
	var allowance *big.Int
	err := n.view(func(m *ledgerstate.Manager) error {
		var err error
		allowance, err = m.TokenAllowance(owner, spender)
		return err
	})
	return allowance, err
}

// TokenApprove sets the allowance owner grants to spender.
func (n *Node) TokenApprove(ctx context.Context, owner, spender [20]byte, amount *big.Int) error {
	if owner == n.custody {
		return ErrCustodyAccount
	}
	_, err := n.apply(ctx, "token_approve", func(tx *transition) error {
		return tx.ledger.Approve(owner, spender, amount)
	})
	return err
}

// TokenTransfer moves amount between two accounts.
func (n *Node) TokenTransfer(ctx context.Context, from, to [20]byte, amount *big.Int) error {
	if from == n.custody {
		return ErrCustodyAccount
	}
	_, err := n.apply(ctx, "token_transfer", func(tx *transition) error {
		return tx.ledger.Transfer(from, to, amount)
	})
	return err
}

// ApplyGenesis credits the allocations exactly once for the lifetime of the
// ledger. A second call returns ErrGenesisApplied.
func (n *Node) ApplyGenesis(ctx context.Context, allocs []genesis.Allocation) error {
	_, err := n.apply(ctx, "genesis", func(tx *transition) error {
		applied, err := tx.manager.GenesisApplied()
		if err != nil {
			return err
		}
		if applied {
			return ErrGenesisApplied
		}
		for _, alloc := range allocs {
			if err := tx.ledger.Credit(alloc.Address, alloc.Amount); err != nil {
				return fmt.Errorf("genesis allocation %s: %w", crypto.FormatAddress(alloc.Address), err)
			}
		}
		return tx.manager.MarkGenesisApplied()
	})
	if err == nil {
		n.logger.Info("genesis applied", slog.Int("allocations", len(allocs)))
	}
	return err
}

// Events returns up to limit committed events after sequence after.
func (n *Node) Events(after, limit uint64) ([]*types.EventRecord, error) {
	var records []*types.EventRecord
	err := n.view(func(m *ledgerstate.Manager) error {
		var err error
		records, err = m.Events(after, limit)
		return err
	})
	return records, err
}

// SubscribeEvents delivers every event committed after the call. Slow
// subscribers drop events rather than block the ledger; they can fill gaps
// through Events. The returned function cancels the subscription.
func (n *Node) SubscribeEvents(buffer int) (<-chan *types.EventRecord, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan *types.EventRecord, buffer)
	n.subsMu.Lock()
	id := n.nextSub
	n.nextSub++
	n.subs[id] = ch
	n.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.subsMu.Lock()
			delete(n.subs, id)
			n.subsMu.Unlock()
			close(ch)
		})
	}
}

func (n *Node) publish(records []*types.EventRecord) {
	if len(records) == 0 {
		return
	}
	metrics := observability.Events()
	for _, record := range records {
		metrics.Record(record.Event.Type)
	}
	n.subsMu.RLock()
	defer n.subsMu.RUnlock()
	for id, ch := range n.subs {
		for _, record := range records {
			select {
			case ch <- record:
			default:
				metrics.RecordDrop()
				n.logger.Warn("event subscriber lagging", slog.Uint64("subscriber", id), slog.Uint64("sequence", record.Sequence))
			}
		}
	}
}

// AuditReport summarises custody solvency and log integrity.
type AuditReport struct {
	StateRoot       common.Hash
	Version         uint64
	Custody         [20]byte
	CustodyBalance  *big.Int
	Locked          *big.Int
	PendingPayments int
	Solvent         bool
	EventCount      uint64
	EventHead       [32]byte
	EventChainValid bool
	EventChainError string
}

// Audit checks that custody covers the pending total and that the event log
// digest chain is intact.
func (n *Node) Audit() (*AuditReport, error) {
	report := &AuditReport{Custody: n.custody}
	err := n.view(func(m *ledgerstate.Manager) error {
		var err error
		report.StateRoot = n.trie.Root()
		report.Version = n.version
		if report.CustodyBalance, err = m.TokenBalance(n.custody); err != nil {
			return err
		}
		if report.Locked, err = m.EscrowLocked(); err != nil {
			return err
		}
		if report.PendingPayments, err = countPending(m); err != nil {
			return err
		}
		if report.EventCount, err = m.EventCount(); err != nil {
			return err
		}
		if report.EventHead, err = m.EventHead(); err != nil {
			return err
		}
		if chainErr := m.VerifyEventChain(); chainErr != nil {
			report.EventChainError = chainErr.Error()
		} else {
			report.EventChainValid = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	report.Solvent = report.CustodyBalance.Cmp(report.Locked) >= 0
	return report, nil
}
