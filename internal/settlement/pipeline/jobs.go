package pipeline

import (
	"fmt"
	"time"
)

// Stage job names. They form the externally observable pipeline protocol.
const (
	JobProcessSnapshot = "process_snapshot"
	JobCheckPayment    = "check_payment_complete"
	JobWithdraw        = "withdraw_to_exchange"
	JobMonitor         = "monitor_withdrawal"
	JobJoinCampaign    = "join_campaign"
	JobStart           = "start"
	JobExecuteCycle    = "execute_cycle"
	JobStop            = "stop"
)

// Settlement policy
const (
	PaymentTimeout     = 10 * time.Minute
	PaymentCheckBudget = 60
	PaymentCheckDelay  = 10 * time.Second

	WithdrawMaxAttempts = 3
	WithdrawBackoffBase = 10 * time.Second

	MonitorDelay   = 30 * time.Second
	MonitorBudget  = 60
	MonitorTimeout = 30 * time.Minute

	SnapshotRelinkBudget = 10
	SnapshotRelinkDelay  = time.Minute

	MinCycleInterval = time.Second
)

// ProcessSnapshotPayload routes one recorded snapshot. Relink counts the
// processing jobs re-created after an exhausted one could not be refunded.
type ProcessSnapshotPayload struct {
	SnapshotID string `json:"snapshotId"`
	Relink     int    `json:"relink,omitempty"`
}

// CheckPaymentPayload drives the completeness check chain. Follow-up checks
// are triggered by later snapshots and never reschedule.
type CheckPaymentPayload struct {
	OrderID    string `json:"orderId"`
	Attempt    int    `json:"attempt"`
	FollowUp   bool   `json:"followUp,omitempty"`
	SnapshotID string `json:"snapshotId,omitempty"`
}

// OrderPayload is the payload of single-shot order stages
type OrderPayload struct {
	OrderID string `json:"orderId"`
}

// MonitorPayload drives the withdrawal confirmation chain
type MonitorPayload struct {
	OrderID         string    `json:"orderId"`
	Attempt         int       `json:"attempt"`
	FirstEnqueuedAt time.Time `json:"firstEnqueuedAt"`
}

// ExecuteCyclePayload drives the quoting loop
type ExecuteCyclePayload struct {
	OrderID   string `json:"orderId"`
	Iteration int64  `json:"iteration"`
}

// StopPayload requests an order stop
type StopPayload struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason,omitempty"`
}

// ProcessSnapshotJobID is the dedup key of a snapshot's processing job
func ProcessSnapshotJobID(snapshotID string) string {
	return JobProcessSnapshot + ":" + snapshotID
}

// RelinkSnapshotJobID keys a processing job re-created after exhaustion
func RelinkSnapshotJobID(snapshotID string, relink int) string {
	return fmt.Sprintf("%s:%s:relink:%d", JobProcessSnapshot, snapshotID, relink)
}

// CheckPaymentJobID keys one link of the check chain
func CheckPaymentJobID(orderID string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", JobCheckPayment, orderID, attempt)
}

// FollowUpCheckJobID keys the check triggered by a later snapshot
func FollowUpCheckJobID(orderID, snapshotID string) string {
	return fmt.Sprintf("%s:%s:snapshot:%s", JobCheckPayment, orderID, snapshotID)
}

// WithdrawJobID is derived from the order id alone, so one order never withdraws twice
func WithdrawJobID(orderID string) string {
	return JobWithdraw + ":" + orderID
}

// MonitorJobID keys one link of the confirmation chain
func MonitorJobID(orderID string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", JobMonitor, orderID, attempt)
}

// JoinCampaignJobID keys the campaign join of an order
func JoinCampaignJobID(orderID string) string {
	return JobJoinCampaign + ":" + orderID
}

// StartJobID keys the strategy start of an order
func StartJobID(orderID string) string {
	return JobStart + ":" + orderID
}

// ExecuteCycleJobID keys one quoting iteration
func ExecuteCycleJobID(orderID string, iteration int64) string {
	return fmt.Sprintf("%s:%s:%d", JobExecuteCycle, orderID, iteration)
}

// StopJobID keys a stop request; every request is distinct
func StopJobID(orderID string, at time.Time) string {
	return fmt.Sprintf("%s:%s:%d", JobStop, orderID, at.UnixNano())
}
