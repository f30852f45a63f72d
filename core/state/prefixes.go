package state

var (
	paymentPrefix      = []byte("escrow/payment/")
	paymentIndexPrefix = []byte("escrow/payment-index/")
	paymentCountKey    = []byte("escrow/payment-count")
	escrowLockedKey    = []byte("escrow/locked")
	balancePrefix      = []byte("token/balance/")
	allowancePrefix    = []byte("token/allowance/")
	eventPrefix        = []byte("events/")
	eventCountKey      = []byte("events/count")
	eventHeadKey       = []byte("events/head")
	genesisAppliedKey  = []byte("genesis/applied")
	schemaVersionKey   = []byte("ledger/schema-version")
)
