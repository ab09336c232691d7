// Package interfaces provides types and interfaces for the settlement module
package interfaces

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderState is the lifecycle state of a market-making order
type OrderState string

const (
	OrderStateCreated             OrderState = "created"
	OrderStatePaymentPending      OrderState = "payment_pending"
	OrderStatePaymentComplete     OrderState = "payment_complete"
	OrderStateWithdrawing         OrderState = "withdrawing"
	OrderStateWithdrawalConfirmed OrderState = "withdrawal_confirmed"
	OrderStateJoiningCampaign     OrderState = "joining_campaign"
	OrderStateCampaignJoined      OrderState = "campaign_joined"
	OrderStateRunning             OrderState = "running"
	OrderStateStopped             OrderState = "stopped"
	OrderStateFailed              OrderState = "failed"
)

// Terminal reports whether no further automatic transition may leave the state.
func (s OrderState) Terminal() bool {
	return s == OrderStateFailed || s == OrderStateStopped
}

// PaymentStatus is the aggregate funding state of an order
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "payment_pending"
	PaymentComplete PaymentStatus = "payment_complete"
)

// Leg identifies one of the four asset flows tracked per order
type Leg string

const (
	LegBase     Leg = "base"
	LegQuote    Leg = "quote"
	LegBaseFee  Leg = "base_fee"
	LegQuoteFee Leg = "quote_fee"
)

// AllLegs lists legs in resolution order: principals first, then fees.
var AllLegs = []Leg{LegBase, LegQuote, LegBaseFee, LegQuoteFee}

// IsFee reports whether the leg pays exchange deposit fees.
func (l Leg) IsFee() bool {
	return l == LegBaseFee || l == LegQuoteFee
}

// SnapshotDisposition records what the pipeline did with an observed snapshot
type SnapshotDisposition string

const (
	SnapshotReceived SnapshotDisposition = "received"
	SnapshotDropped  SnapshotDisposition = "dropped"
	SnapshotIgnored  SnapshotDisposition = "ignored"
	SnapshotApplied  SnapshotDisposition = "applied"
	SnapshotRefunded SnapshotDisposition = "refunded"
)

// LedgerSnapshot is one observed inbound ledger transfer. The row is written
// once for deduplication; only pipeline bookkeeping columns change afterwards.
type LedgerSnapshot struct {
	SnapshotID    string          `json:"snapshot_id" gorm:"primaryKey;size:64"`
	AssetID       string          `json:"asset_id" gorm:"size:64;index"`
	Amount        decimal.Decimal `json:"amount" gorm:"type:varchar(80)"`
	OpponentID    string          `json:"opponent_id" gorm:"size:64;index"`
	Memo          []byte          `json:"memo"`
	CreatedAt     time.Time       `json:"created_at" gorm:"index"`
	Confirmations int             `json:"confirmations"`

	Disposition SnapshotDisposition `json:"disposition" gorm:"size:20;index"`
	OrderID     string              `json:"order_id,omitempty" gorm:"size:64;index"`
	Leg         Leg                 `json:"leg,omitempty" gorm:"size:20"`
	AppliedAt   *time.Time          `json:"applied_at,omitempty"`
	ObservedAt  time.Time           `json:"observed_at" gorm:"autoCreateTime"`
}

// Order is a funding request for a market-making position. Strategy fields
// are stored as decimal strings and converted when the strategy starts.
type Order struct {
	OrderID  string `json:"order_id" gorm:"primaryKey;size:64"`
	UserID   string `json:"user_id" gorm:"size:64;index"`
	PairID   string `json:"pair_id" gorm:"size:64;index"`
	Pair     string `json:"pair" gorm:"size:32"`
	Exchange string `json:"exchange" gorm:"size:32"`

	BidSpread            string `json:"bid_spread" gorm:"size:40"`
	AskSpread            string `json:"ask_spread" gorm:"size:40"`
	OrderAmount          string `json:"order_amount" gorm:"size:40"`
	AmountChangePerLayer string `json:"amount_change_per_layer" gorm:"size:40"`
	Layers               int    `json:"layers"`
	RefreshIntervalMs    int64  `json:"refresh_interval_ms"`
	PriceSource          string `json:"price_source" gorm:"size:20"`

	State              OrderState `json:"state" gorm:"size:32;index"`
	FailureReason      string     `json:"failure_reason,omitempty" gorm:"type:text"`
	BaseWithdrawalRef  string     `json:"base_withdrawal_ref,omitempty" gorm:"size:100"`
	QuoteWithdrawalRef string     `json:"quote_withdrawal_ref,omitempty" gorm:"size:100"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// TableName keeps market-making orders apart from exchange order tables
func (Order) TableName() string { return "mm_orders" }

// PaymentState accumulates the four funding legs of one order. Leg amounts
// only ever grow; Version guards concurrent read-modify-write.
type PaymentState struct {
	OrderID string `json:"order_id" gorm:"primaryKey;size:64"`
	UserID  string `json:"user_id" gorm:"size:64"`

	BaseAssetID    string          `json:"base_asset_id" gorm:"size:64"`
	BaseAmount     decimal.Decimal `json:"base_amount" gorm:"type:varchar(80)"`
	BaseSnapshotID string          `json:"base_snapshot_id" gorm:"size:64"`

	QuoteAssetID    string          `json:"quote_asset_id" gorm:"size:64"`
	QuoteAmount     decimal.Decimal `json:"quote_amount" gorm:"type:varchar(80)"`
	QuoteSnapshotID string          `json:"quote_snapshot_id" gorm:"size:64"`

	BaseFeeAssetID    string          `json:"base_fee_asset_id" gorm:"size:64"`
	BaseFeeAmount     decimal.Decimal `json:"base_fee_amount" gorm:"type:varchar(80)"`
	BaseFeeSnapshotID string          `json:"base_fee_snapshot_id" gorm:"size:64"`

	QuoteFeeAssetID    string          `json:"quote_fee_asset_id" gorm:"size:64"`
	QuoteFeeAmount     decimal.Decimal `json:"quote_fee_amount" gorm:"type:varchar(80)"`
	QuoteFeeSnapshotID string          `json:"quote_fee_snapshot_id" gorm:"size:64"`

	RequiredBaseFee  decimal.Decimal `json:"required_base_fee" gorm:"type:varchar(80)"`
	RequiredQuoteFee decimal.Decimal `json:"required_quote_fee" gorm:"type:varchar(80)"`

	State   PaymentStatus `json:"state" gorm:"size:32;index"`
	Version int64         `json:"version"`
	// ClosedAt is set once the order completes or fails; no snapshot may be
	// credited afterwards.
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
	RefundedAt *time.Time `json:"refunded_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// LegBalance is a read view of one leg
type LegBalance struct {
	Leg        Leg
	AssetID    string
	Amount     decimal.Decimal
	SnapshotID string
}

// Leg returns the current balance of a leg.
func (p *PaymentState) Leg(leg Leg) LegBalance {
	switch leg {
	case LegBase:
		return LegBalance{Leg: leg, AssetID: p.BaseAssetID, Amount: p.BaseAmount, SnapshotID: p.BaseSnapshotID}
	case LegQuote:
		return LegBalance{Leg: leg, AssetID: p.QuoteAssetID, Amount: p.QuoteAmount, SnapshotID: p.QuoteSnapshotID}
	case LegBaseFee:
		return LegBalance{Leg: leg, AssetID: p.BaseFeeAssetID, Amount: p.BaseFeeAmount, SnapshotID: p.BaseFeeSnapshotID}
	case LegQuoteFee:
		return LegBalance{Leg: leg, AssetID: p.QuoteFeeAssetID, Amount: p.QuoteFeeAmount, SnapshotID: p.QuoteFeeSnapshotID}
	}
	return LegBalance{Leg: leg}
}

// Legs returns all four legs in resolution order.
func (p *PaymentState) Legs() []LegBalance {
	out := make([]LegBalance, 0, len(AllLegs))
	for _, leg := range AllLegs {
		out = append(out, p.Leg(leg))
	}
	return out
}

// Required returns the fee threshold for a fee leg and zero for principals.
func (p *PaymentState) Required(leg Leg) decimal.Decimal {
	switch leg {
	case LegBaseFee:
		return p.RequiredBaseFee
	case LegQuoteFee:
		return p.RequiredQuoteFee
	}
	return decimal.Zero
}

// Credit adds amount to a leg and records the first funding snapshot.
// Non-positive amounts are ignored so legs never decrease.
func (p *PaymentState) Credit(leg Leg, amount decimal.Decimal, snapshotID string) {
	if !amount.IsPositive() {
		return
	}
	switch leg {
	case LegBase:
		p.BaseAmount = p.BaseAmount.Add(amount)
		if p.BaseSnapshotID == "" {
			p.BaseSnapshotID = snapshotID
		}
	case LegQuote:
		p.QuoteAmount = p.QuoteAmount.Add(amount)
		if p.QuoteSnapshotID == "" {
			p.QuoteSnapshotID = snapshotID
		}
	case LegBaseFee:
		p.BaseFeeAmount = p.BaseFeeAmount.Add(amount)
		if p.BaseFeeSnapshotID == "" {
			p.BaseFeeSnapshotID = snapshotID
		}
	case LegQuoteFee:
		p.QuoteFeeAmount = p.QuoteFeeAmount.Add(amount)
		if p.QuoteFeeSnapshotID == "" {
			p.QuoteFeeSnapshotID = snapshotID
		}
	}
}

// RefundStatus tracks a single refund transfer
type RefundStatus string

const (
	RefundPending RefundStatus = "pending"
	RefundSent    RefundStatus = "sent"
	RefundFailed  RefundStatus = "failed"
)

// RefundRecord is the idempotency marker for one refund transfer. RefundKey is
// unique, so a retried compensation pass cannot issue the same transfer twice.
type RefundRecord struct {
	ID          uint            `json:"id" gorm:"primaryKey"`
	RefundKey   string          `json:"refund_key" gorm:"size:200;uniqueIndex"`
	OrderID     string          `json:"order_id,omitempty" gorm:"size:64;index"`
	SnapshotID  string          `json:"snapshot_id,omitempty" gorm:"size:64"`
	UserID      string          `json:"user_id" gorm:"size:64"`
	AssetID     string          `json:"asset_id" gorm:"size:64"`
	Amount      decimal.Decimal `json:"amount" gorm:"type:varchar(80)"`
	TraceID     string          `json:"trace_id" gorm:"size:64"`
	Reason      string          `json:"reason" gorm:"type:text"`
	Status      RefundStatus    `json:"status" gorm:"size:20;index"`
	TransferRef string          `json:"transfer_ref,omitempty" gorm:"size:100"`
	Error       string          `json:"error,omitempty" gorm:"type:text"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// IngestionCursor persists the poller position
type IngestionCursor struct {
	Name      string    `gorm:"primaryKey;size:64"`
	Cursor    time.Time `gorm:"not null"`
	UpdatedAt time.Time
}

// CampaignParticipation is the local record written before an order starts
type CampaignParticipation struct {
	OrderID        string    `json:"order_id" gorm:"primaryKey;size:64"`
	UserID         string    `json:"user_id" gorm:"size:64;index"`
	PairID         string    `json:"pair_id" gorm:"size:64"`
	Exchange       string    `json:"exchange" gorm:"size:32"`
	ExternalJoined bool      `json:"external_joined"`
	ExternalRef    string    `json:"external_ref,omitempty" gorm:"size:100"`
	JoinedAt       time.Time `json:"joined_at"`
}

// OrderStateTransition is the audit trail of order state changes
type OrderStateTransition struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	OrderID   string    `json:"order_id" gorm:"size:64;index"`
	FromState string    `json:"from_state" gorm:"size:32"`
	ToState   string    `json:"to_state" gorm:"size:32"`
	Reason    string    `json:"reason" gorm:"type:text"`
	CreatedAt time.Time `json:"created_at"`
}
