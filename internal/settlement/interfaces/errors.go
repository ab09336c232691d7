package interfaces

import "errors"

// Error taxonomy of the settlement pipeline
var (
	// ErrTransientInfra marks provider or network failures retried by the broker.
	ErrTransientInfra = errors.New("transient infrastructure failure")
	// ErrPaymentIncomplete means principal legs are still unfunded.
	ErrPaymentIncomplete = errors.New("payment incomplete")
	// ErrInsufficientFee means a fee leg was funded below its threshold.
	ErrInsufficientFee = errors.New("insufficient fee")
	// ErrUnknownAsset means a snapshot asset matches none of the order legs.
	ErrUnknownAsset = errors.New("asset matches no payment leg")
	// ErrConfigurationMissing means the pair is absent or disabled.
	ErrConfigurationMissing = errors.New("pair configuration missing")
	// ErrWithdrawalDependency means a credential, network or address could not be resolved.
	ErrWithdrawalDependency = errors.New("withdrawal dependency unavailable")

	ErrInvalidTransition  = errors.New("invalid order state transition")
	ErrConcurrentUpdate   = errors.New("concurrent update detected")
	ErrNotFound           = errors.New("record not found")
	ErrInvalidMemo        = errors.New("invalid memo")
	ErrUnknownTradingType = errors.New("unknown trading type")
)
