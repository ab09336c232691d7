package pipeline

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Aidin1998/mmbot/internal/settlement/interfaces"
	"github.com/Aidin1998/mmbot/internal/settlement/network"
	"github.com/Aidin1998/mmbot/internal/settlement/queue"
)

// withdrawNamespace seeds deterministic ledger trace ids for withdrawals
var withdrawNamespace = uuid.MustParse("0b8f2a8e-51c7-4d5e-b2f3-7a9c6e4d1f20")

// WithdrawalTraceID derives the ledger trace id of one leg's withdrawal
func WithdrawalTraceID(orderID string, leg interfaces.Leg) string {
	return uuid.NewSHA1(withdrawNamespace, []byte(fmt.Sprintf("withdraw:%s:%s", orderID, leg))).String()
}

// withdrawalPlan is the resolved destination of one principal leg
type withdrawalPlan struct {
	leg     interfaces.Leg
	assetID string
	symbol  string
	network string
	address interfaces.DepositAddress
	amount  decimal.Decimal
}

// handleWithdraw resolves the exchange credential, networks and deposit
// addresses for both principal legs. In dry-run mode it then refunds; in live
// mode it submits one withdrawal per leg and starts confirmation monitoring.
func (o *Orchestrator) handleWithdraw(ctx context.Context, job queue.Job) error {
	var p OrderPayload
	if err := job.Decode(&p); err != nil {
		return err
	}
	order, err := o.loadOrder(ctx, p.OrderID)
	if err != nil {
		return err
	}
	switch order.State {
	case interfaces.OrderStatePaymentComplete, interfaces.OrderStateWithdrawing:
	default:
		return nil
	}
	if ok, err := o.advance(ctx, order, interfaces.OrderStateWithdrawing, "withdrawal started"); err != nil || !ok {
		return err
	}
	log := o.logger.With(zap.String("order_id", order.OrderID), zap.String("exchange", order.Exchange))

	ps, err := o.repo.GetPaymentState(ctx, order.OrderID)
	if err != nil {
		return err
	}
	keyID, err := o.exchange.ResolveCredential(ctx, order.Exchange)
	if err != nil || keyID == "" {
		return fmt.Errorf("%w: credential for %s: %v", interfaces.ErrWithdrawalDependency, order.Exchange, err)
	}

	plans, err := o.planWithdrawals(ctx, order, ps)
	if err != nil {
		return err
	}
	for _, plan := range plans {
		log.Info("Withdrawal resolved",
			zap.String("leg", string(plan.leg)),
			zap.String("symbol", plan.symbol),
			zap.String("network", plan.network),
			zap.String("address", plan.address.Address),
			zap.String("amount", plan.amount.String()))
	}

	if !o.live {
		log.Info("Dry run: refunding instead of moving funds")
		return o.failAndCompensate(ctx, order.OrderID, "dry run: live withdrawals disabled")
	}

	for _, plan := range plans {
		if existing := withdrawalRef(order, plan.leg); existing != "" {
			continue
		}
		ref, err := o.ledger.Withdraw(ctx, interfaces.WithdrawalRequest{
			AssetID:     plan.assetID,
			Amount:      plan.amount,
			Destination: plan.address.Address,
			Tag:         plan.address.Memo,
			TraceID:     WithdrawalTraceID(order.OrderID, plan.leg),
		})
		if err != nil {
			return fmt.Errorf("%w: withdraw %s: %v", interfaces.ErrTransientInfra, plan.leg, err)
		}
		if err := o.repo.SetWithdrawalRef(ctx, order.OrderID, plan.leg, ref); err != nil {
			return err
		}
		setWithdrawalRef(order, plan.leg, ref)
		log.Info("Withdrawal submitted", zap.String("leg", string(plan.leg)), zap.String("ref", ref))
	}

	_, err = o.enqueue(ctx, JobMonitor, MonitorJobID(order.OrderID, 0),
		MonitorPayload{OrderID: order.OrderID, Attempt: 0, FirstEnqueuedAt: o.now()})
	return err
}

func (o *Orchestrator) planWithdrawals(ctx context.Context, order *interfaces.Order, ps *interfaces.PaymentState) ([]withdrawalPlan, error) {
	pair, _, err := o.pairs.Pair(ctx, order.PairID)
	if err != nil {
		return nil, fmt.Errorf("%w: pair lookup: %v", interfaces.ErrTransientInfra, err)
	}
	legs := []struct {
		leg    interfaces.Leg
		symbol string
	}{
		{interfaces.LegBase, pair.BaseSymbol},
		{interfaces.LegQuote, pair.QuoteSymbol},
	}

	plans := make([]withdrawalPlan, 0, len(legs))
	for _, l := range legs {
		assetID := ps.Leg(l.leg).AssetID
		symbol := l.symbol
		if symbol == "" {
			asset, err := o.ledger.FetchAsset(ctx, assetID)
			if err != nil {
				return nil, fmt.Errorf("%w: asset %s: %v", interfaces.ErrWithdrawalDependency, assetID, err)
			}
			symbol = asset.Symbol
		}
		net, err := o.networks.ResolveNetwork(ctx, assetID, symbol)
		if err != nil {
			return nil, fmt.Errorf("%w: network for %s: %v", interfaces.ErrWithdrawalDependency, symbol, err)
		}
		addr, err := o.exchange.GetDepositAddress(ctx, order.Exchange, symbol, net)
		if err != nil {
			return nil, fmt.Errorf("%w: deposit address for %s on %s: %v", interfaces.ErrWithdrawalDependency, symbol, net, err)
		}
		if addr.Address == "" {
			return nil, fmt.Errorf("%w: empty deposit address for %s on %s", interfaces.ErrWithdrawalDependency, symbol, net)
		}
		if network.IsEVM(net) && !common.IsHexAddress(addr.Address) {
			return nil, fmt.Errorf("%w: deposit address %q is not a valid %s address", interfaces.ErrWithdrawalDependency, addr.Address, net)
		}
		plans = append(plans, withdrawalPlan{
			leg:     l.leg,
			assetID: assetID,
			symbol:  symbol,
			network: net,
			address: addr,
			amount:  assetTotal(ps, assetID),
		})
	}
	return plans, nil
}

// assetTotal sums every leg funded in assetID, so a fee paid in the principal
// asset travels with it.
func assetTotal(ps *interfaces.PaymentState, assetID string) decimal.Decimal {
	total := decimal.Zero
	for _, b := range ps.Legs() {
		if b.AssetID == assetID {
			total = total.Add(b.Amount)
		}
	}
	return total
}

func withdrawalRef(order *interfaces.Order, leg interfaces.Leg) string {
	if leg == interfaces.LegBase {
		return order.BaseWithdrawalRef
	}
	return order.QuoteWithdrawalRef
}

func setWithdrawalRef(order *interfaces.Order, leg interfaces.Leg, ref string) {
	if leg == interfaces.LegBase {
		order.BaseWithdrawalRef = ref
		return
	}
	order.QuoteWithdrawalRef = ref
}
