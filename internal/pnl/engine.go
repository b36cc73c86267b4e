package pnl

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMalformedTransfer marks transfers that cannot enter the ledger at all.
// Data-quality problems (missing prices, unmatched sells, balance drift) are
// never fatal; they degrade per documented policy and surface as warnings.
var ErrMalformedTransfer = errors.New("pnl: malformed transfer")

var hundred = decimal.NewFromInt(100)

// Options tune engine behaviour.
type Options struct {
	// PriceTolerance is the relative tolerance used when reconciling the
	// FIFO-derived remaining quantity against the on-chain balance.
	// Expressed as a fraction of the balance, e.g. 0.01 for 1%.
	PriceTolerance decimal.Decimal
}

// DefaultPriceTolerance is applied when Options leave the tolerance unset.
var DefaultPriceTolerance = decimal.NewFromFloat(0.01)

// Engine reconstructs a FIFO cost-basis ledger for one token at a time.
// Compute is a pure function of its inputs; a single Engine may be shared
// across concurrent token computations.
type Engine struct {
	opts Options
}

// NewEngine constructs an engine, filling in defaulted options.
func NewEngine(opts Options) *Engine {
	if opts.PriceTolerance.Sign() <= 0 {
		opts.PriceTolerance = DefaultPriceTolerance
	}
	return &Engine{opts: opts}
}

// Compute replays the token's transfer history through a FIFO queue and
// produces the PNL record. Transfers are processed in timestamp order with
// ties broken by input order. The returned error is non-nil only for
// structural problems: a transfer with no usable quantity, an unknown
// direction, or an unorderable (zero) timestamp.
func (e *Engine) Compute(snapshot TokenSnapshot, transfers []Transfer) (Result, error) {
	if err := validateTransfers(transfers); err != nil {
		return Result{}, err
	}

	result := Result{
		Ticker:          snapshot.Ticker,
		ContractAddress: snapshot.ContractAddress,
		CurrentBalance:  snapshot.Balance,
		CurrentPrice:    snapshot.CurrentPrice,
		CurrentValue:    currentValue(snapshot),
	}

	if len(transfers) == 0 {
		if snapshot.Balance.IsPositive() {
			// Airdrops or holdings older than the indexed history.
			result.UnrealizedPNL = result.CurrentValue
			result.TotalPNL = result.CurrentValue
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("no transfer history found but balance exists (%s)", snapshot.Balance))
		}
		return result, nil
	}

	ordered := orderTransfers(transfers)

	queue := make([]position, 0, len(ordered))
	realized := decimal.Zero
	invested := decimal.Zero

	for i, t := range ordered {
		switch t.Direction {
		case DirectionIn:
			costPerUnit := decimal.Zero
			usdValue := t.USDValue.Abs()
			if usdValue.IsZero() {
				// Never let a missing price collapse the cost basis to zero:
				// that would inflate every later gain. Fall back to the
				// snapshot's live price and say so.
				costPerUnit = snapshot.CurrentPrice
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("missing price data for transfer #%d at %s, using current price %s",
						i+1, t.Timestamp.UTC().Format(time.RFC3339), snapshot.CurrentPrice))
			} else {
				costPerUnit = usdValue.Add(t.GasUSD).Div(t.Quantity)
			}
			queue = append(queue, position{qty: t.Quantity, costPerUnit: costPerUnit})
			invested = invested.Add(usdValue).Add(t.GasUSD)
			result.PositionsOpened++

		case DirectionOut:
			saleValue := t.USDValue.Abs()
			if saleValue.IsZero() {
				saleValue = t.Quantity.Mul(snapshot.CurrentPrice)
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("no sale price for transfer #%d, using current price", i+1))
			}

			// Gas reduces net proceeds on the sell side; on the buy side it
			// was added to cost. Keep this asymmetry: flipping it changes
			// realized totals.
			proceedsPerUnit := saleValue.Sub(t.GasUSD).Div(t.Quantity)

			remaining := t.Quantity
			for remaining.IsPositive() && len(queue) > 0 {
				head := &queue[0]
				matched := decimal.Min(remaining, head.qty)
				realized = realized.Add(proceedsPerUnit.Sub(head.costPerUnit).Mul(matched))
				remaining = remaining.Sub(matched)
				head.qty = head.qty.Sub(matched)
				if !head.qty.IsPositive() {
					queue = queue[1:]
					result.PositionsClosed++
				}
			}

			if remaining.IsPositive() {
				// Incomplete history: proceeds are observed on-chain, the
				// cost is not. Keep the proceeds at zero cost basis rather
				// than dropping the sale.
				realized = realized.Add(proceedsPerUnit.Mul(remaining))
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("sell without prior buy for transfer #%d: %s unmatched, treated as zero cost basis",
						i+1, remaining))
			}
		}
	}

	remainingQty := decimal.Zero
	remainingCost := decimal.Zero
	for _, p := range queue {
		remainingQty = remainingQty.Add(p.qty)
		remainingCost = remainingCost.Add(p.qty.Mul(p.costPerUnit))
	}

	avgCostBasis := decimal.Zero
	if remainingQty.IsPositive() {
		avgCostBasis = remainingCost.Div(remainingQty)
	}

	// Reconcile the derived ledger against the chain-reported balance. The
	// ledger is a possibly-incomplete model; the balance is ground truth and
	// is always the quantity used for unrealized PNL.
	tolerance := snapshot.Balance.Mul(e.opts.PriceTolerance)
	diff := remainingQty.Sub(snapshot.Balance).Abs()
	if diff.GreaterThan(tolerance) {
		diffPct := decimal.Zero
		if snapshot.Balance.IsPositive() {
			diffPct = diff.Div(snapshot.Balance).Mul(hundred)
		}
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("balance mismatch: ledger=%s actual=%s diff=%s (%s%%)",
				remainingQty, snapshot.Balance, diff, diffPct.StringFixed(2)))
	}

	unrealized := snapshot.CurrentPrice.Sub(avgCostBasis).Mul(snapshot.Balance)

	result.AvgCostBasis = avgCostBasis
	result.Invested = invested
	result.RealizedPNL = realized
	result.UnrealizedPNL = unrealized
	result.TotalPNL = realized.Add(unrealized)
	if invested.IsPositive() {
		roi := result.TotalPNL.Div(invested).Mul(hundred)
		result.ROIPercent = &roi
	}

	return result, nil
}

func validateTransfers(transfers []Transfer) error {
	for i, t := range transfers {
		if t.Direction != DirectionIn && t.Direction != DirectionOut {
			return fmt.Errorf("%w: transfer #%d has unknown direction %q", ErrMalformedTransfer, i+1, t.Direction)
		}
		if !t.Quantity.IsPositive() {
			return fmt.Errorf("%w: transfer #%d quantity must be positive, got %s", ErrMalformedTransfer, i+1, t.Quantity)
		}
		if t.Timestamp.IsZero() {
			return fmt.Errorf("%w: transfer #%d has no timestamp", ErrMalformedTransfer, i+1)
		}
	}
	return nil
}

// orderTransfers returns a chronologically sorted copy. The sort is stable
// so transfers sharing a timestamp keep their original feed order.
func orderTransfers(transfers []Transfer) []Transfer {
	ordered := make([]Transfer, len(transfers))
	copy(ordered, transfers)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})
	return ordered
}

func currentValue(snapshot TokenSnapshot) decimal.Decimal {
	if !snapshot.CurrentValue.IsZero() {
		return snapshot.CurrentValue
	}
	return snapshot.Balance.Mul(snapshot.CurrentPrice)
}
