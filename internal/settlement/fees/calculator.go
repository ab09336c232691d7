// Package fees quotes the exchange deposit fees an order must pre-fund
package fees

import (
	"context"
	"fmt"

	"github.com/Aidin1998/mmbot/internal/settlement/interfaces"
)

// StaticCalculator reads fee thresholds from pair configuration. Fee assets
// default to the pair's own base and quote assets.
type StaticCalculator struct{}

var _ interfaces.FeeCalculator = StaticCalculator{}

// RequiredFees returns the pair's configured thresholds for deposits into the exchange
func (StaticCalculator) RequiredFees(_ context.Context, exchange string, pair interfaces.PairConfig, direction interfaces.FeeDirection) (interfaces.RequiredFees, error) {
	if direction != interfaces.FeeDirectionDepositToExchange {
		return interfaces.RequiredFees{}, fmt.Errorf("unsupported fee direction %q", direction)
	}
	if exchange != "" && pair.Exchange != "" && exchange != pair.Exchange {
		return interfaces.RequiredFees{}, fmt.Errorf("pair %s trades on %s, not %s", pair.ID, pair.Exchange, exchange)
	}
	if pair.Fees.BaseFeeAmount.IsNegative() || pair.Fees.QuoteFeeAmount.IsNegative() {
		return interfaces.RequiredFees{}, fmt.Errorf("pair %s has negative fee thresholds", pair.ID)
	}

	out := interfaces.RequiredFees{
		BaseFeeAssetID:  pair.Fees.BaseFeeAssetID,
		QuoteFeeAssetID: pair.Fees.QuoteFeeAssetID,
		BaseFeeAmount:   pair.Fees.BaseFeeAmount,
		QuoteFeeAmount:  pair.Fees.QuoteFeeAmount,
	}
	if out.BaseFeeAssetID == "" {
		out.BaseFeeAssetID = pair.BaseAssetID
	}
	if out.QuoteFeeAssetID == "" {
		out.QuoteFeeAssetID = pair.QuoteAssetID
	}
	return out, nil
}
