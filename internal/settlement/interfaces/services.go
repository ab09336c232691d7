package interfaces

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Confirmation is the ledger view of a submitted transfer or withdrawal
type Confirmation struct {
	Confirmations int
	TxHash        string
}

// Confirmed reports whether the transfer has at least one confirmation and a
// transaction reference.
func (c Confirmation) Confirmed() bool {
	return c.Confirmations >= 1 && c.TxHash != ""
}

// Asset describes a ledger asset
type Asset struct {
	AssetID string
	Symbol  string
	ChainID string
}

// TransferRequest sends funds to a ledger user. TraceID makes the request
// idempotent on the ledger side.
type TransferRequest struct {
	UserID  string
	AssetID string
	Amount  decimal.Decimal
	Memo    string
	TraceID string
}

// WithdrawalRequest moves funds off the ledger to an external address
type WithdrawalRequest struct {
	AssetID     string
	Amount      decimal.Decimal
	Destination string
	Tag         string
	TraceID     string
}

// LedgerClient is the UTXO ledger the bot is funded through
type LedgerClient interface {
	// FetchSnapshotsSince returns inbound snapshots created at or after cursor, oldest first.
	FetchSnapshotsSince(ctx context.Context, cursor time.Time, limit int) ([]LedgerSnapshot, error)
	Transfer(ctx context.Context, req TransferRequest) (string, error)
	Withdraw(ctx context.Context, req WithdrawalRequest) (string, error)
	FetchConfirmation(ctx context.Context, ref string) (Confirmation, error)
	FetchAsset(ctx context.Context, assetID string) (Asset, error)
}

// DepositAddress is an exchange deposit destination
type DepositAddress struct {
	Address string
	Memo    string
}

// ExchangeGateway resolves exchange-side withdrawal dependencies
type ExchangeGateway interface {
	ResolveCredential(ctx context.Context, exchange string) (string, error)
	GetDepositAddress(ctx context.Context, exchange, symbol, network string) (DepositAddress, error)
}

// FeeDirection selects which transfer the fee applies to
type FeeDirection string

const (
	FeeDirectionDepositToExchange FeeDirection = "deposit_to_exchange"
)

// RequiredFees are the fee thresholds captured once when an order opens
type RequiredFees struct {
	BaseFeeAssetID  string
	QuoteFeeAssetID string
	BaseFeeAmount   decimal.Decimal
	QuoteFeeAmount  decimal.Decimal
}

// FeeCalculator quotes the fees an order must pre-fund
type FeeCalculator interface {
	RequiredFees(ctx context.Context, exchange string, pair PairConfig, direction FeeDirection) (RequiredFees, error)
}

// NetworkMapper resolves the exchange deposit network code for a ledger asset
type NetworkMapper interface {
	ResolveNetwork(ctx context.Context, assetID, symbol string) (string, error)
}

// CampaignJoin is the external rewards participation request
type CampaignJoin struct {
	OrderID  string
	UserID   string
	PairID   string
	Exchange string
}

// CampaignClient attaches orders to an external rewards campaign
type CampaignClient interface {
	Join(ctx context.Context, req CampaignJoin) (string, error)
}

// StrategyDefaults are the decimal-string strategy parameters a pair seeds new orders with
type StrategyDefaults struct {
	BidSpread            string
	AskSpread            string
	OrderAmount          string
	AmountChangePerLayer string
	Layers               int
	RefreshInterval      time.Duration
	PriceSource          string
}

// PairFees configures the inbound fee requirement of a pair. Empty asset ids
// default to the pair's base/quote assets.
type PairFees struct {
	BaseFeeAssetID  string
	QuoteFeeAssetID string
	BaseFeeAmount   decimal.Decimal
	QuoteFeeAmount  decimal.Decimal
}

// PairConfig is a tradable market-making pair
type PairConfig struct {
	ID           string
	Symbol       string
	Exchange     string
	Enabled      bool
	BaseAssetID  string
	BaseSymbol   string
	QuoteAssetID string
	QuoteSymbol  string
	Fees         PairFees
	Strategy     StrategyDefaults
}

// PairRegistry looks up pair configuration by id
type PairRegistry interface {
	Pair(ctx context.Context, id string) (PairConfig, bool, error)
}

// StrategyParams is the numeric form of an order's stored strategy fields
type StrategyParams struct {
	BidSpread            decimal.Decimal
	AskSpread            decimal.Decimal
	OrderAmount          decimal.Decimal
	AmountChangePerLayer decimal.Decimal
	Layers               int
	RefreshInterval      time.Duration
	PriceSource          string
}

// Quoter performs one quoting iteration for a running order
type Quoter interface {
	RunIteration(ctx context.Context, order *Order, params StrategyParams) error
	CancelAll(ctx context.Context, order *Order) error
}

// Repository is the persistence contract of the settlement pipeline
type Repository interface {
	// Snapshots
	GetSnapshot(ctx context.Context, snapshotID string) (*LedgerSnapshot, error)
	RecordSnapshot(ctx context.Context, snap *LedgerSnapshot) (bool, error)
	SetSnapshotDisposition(ctx context.Context, snapshotID string, disposition SnapshotDisposition) error

	// Cursor
	GetCursor(ctx context.Context, name string) (time.Time, bool, error)
	SaveCursor(ctx context.Context, name string, cursor time.Time) error

	// Orders and payment states
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	CreateOrder(ctx context.Context, order *Order, payment *PaymentState) error
	CompareAndSetState(ctx context.Context, orderID string, from, to OrderState, reason string) (bool, error)
	SetWithdrawalRef(ctx context.Context, orderID string, leg Leg, ref string) error
	GetPaymentState(ctx context.Context, orderID string) (*PaymentState, error)
	ApplySnapshot(ctx context.Context, payment *PaymentState, snapshotID string, leg Leg) error
	MarkPaymentComplete(ctx context.Context, orderID string, version int64) error
	ClosePayment(ctx context.Context, orderID string) error
	MarkRefunded(ctx context.Context, orderID string, at time.Time) error

	// Refunds
	ClaimRefund(ctx context.Context, record *RefundRecord) (bool, error)
	CompleteRefund(ctx context.Context, refundKey, transferRef string) error
	FailRefund(ctx context.Context, refundKey, reason string) error
	ListRefunds(ctx context.Context, orderID string) ([]*RefundRecord, error)

	// Campaign participation and audit
	UpsertParticipation(ctx context.Context, p *CampaignParticipation) error
	GetParticipation(ctx context.Context, orderID string) (*CampaignParticipation, error)
	ListTransitions(ctx context.Context, orderID string) ([]*OrderStateTransition, error)
}
