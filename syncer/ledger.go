// Package syncer contains the copy-trading core: fill ingestion and
// reconciliation, the dual-source detector, the guardrail decision engine,
// the paper execution simulator, and settlement.
package syncer

import (
	"math"

	"github.com/vicente-simoes/polymarket-copybot-sub000/models"
)

// Ledger arithmetic. All functions are pure: they take a position value and
// return the updated value plus any realized-P&L record. Shares are clamped
// at zero and cost basis is zeroed with the last share so rounding drift
// cannot leave a phantom basis on an empty position.

const shareEpsilon = 1e-9

// ApplyLeaderFill advances the leader-side share count. Only BUY and SELL
// move it; SPLIT and MERGE are recorded in the fill registry but do not
// change per-outcome leader shares.
func ApplyLeaderFill(pos models.LeaderPosition, side models.Side, size float64) models.LeaderPosition {
	switch side {
	case models.SideBuy:
		pos.Shares += size
	case models.SideSell:
		pos.Shares -= size
		if pos.Shares < 0 {
			pos.Shares = 0
		}
	}
	return pos
}

// ApplyBuy adds shares at cost to the own-side position.
func ApplyBuy(pos models.PaperPosition, shares, usdc float64) models.PaperPosition {
	pos.Shares += shares
	pos.CostBasisUsdc += usdc
	if pos.Shares > shareEpsilon {
		pos.AvgPrice = pos.CostBasisUsdc / pos.Shares
	}
	pos.Open = pos.Shares > shareEpsilon
	return pos
}

// SellResult is the realized outcome of a sell.
type SellResult struct {
	SoldShares  float64
	Proceeds    float64
	CostRemoved float64
	RealizedPnl float64
}

// ApplySell removes up to the held share count at fillPrice. Cost basis is
// reduced by the fraction of shares removed; realized P&L is proceeds minus
// that slice of basis.
func ApplySell(pos models.PaperPosition, shares, fillPrice float64) (models.PaperPosition, SellResult) {
	var res SellResult
	if pos.Shares <= shareEpsilon || shares <= 0 {
		return pos, res
	}

	sold := math.Min(shares, pos.Shares)
	fraction := sold / pos.Shares
	costRemoved := pos.CostBasisUsdc * fraction
	proceeds := sold * fillPrice

	res = SellResult{
		SoldShares:  sold,
		Proceeds:    proceeds,
		CostRemoved: costRemoved,
		RealizedPnl: proceeds - costRemoved,
	}

	pos.Shares -= sold
	pos.CostBasisUsdc -= costRemoved
	if pos.Shares <= shareEpsilon {
		pos.Shares = 0
		pos.CostBasisUsdc = 0
		pos.AvgPrice = 0
		pos.Open = false
	} else {
		pos.AvgPrice = pos.CostBasisUsdc / pos.Shares
	}
	return pos, res
}

// MergeResult is the realized outcome of redeeming YES/NO pairs at $1 each.
type MergeResult struct {
	Pairs       float64
	Proceeds    float64
	CostRemoved float64
	RealizedPnl float64
}

// ApplyMerge redeems matching share pairs from both legs. Each pair returns
// exactly one dollar; realized P&L is that dollar per pair minus the combined
// basis removed from the two legs.
func ApplyMerge(yes, no models.PaperPosition, pairs float64) (models.PaperPosition, models.PaperPosition, MergeResult) {
	var res MergeResult
	pairs = math.Min(pairs, math.Min(yes.Shares, no.Shares))
	if pairs <= shareEpsilon {
		return yes, no, res
	}

	yesOut, yesSell := ApplySell(yes, pairs, 0)
	noOut, noSell := ApplySell(no, pairs, 0)
	costRemoved := yesSell.CostRemoved + noSell.CostRemoved

	res = MergeResult{
		Pairs:       pairs,
		Proceeds:    pairs, // $1 per pair
		CostRemoved: costRemoved,
		RealizedPnl: pairs - costRemoved,
	}
	return yesOut, noOut, res
}

// ApplyResolution settles a position at the market's terminal price: 1.0 if
// the held outcome won, 0.0 otherwise. The position closes fully.
func ApplyResolution(pos models.PaperPosition, won bool) (models.PaperPosition, models.Resolution) {
	price := 0.0
	if won {
		price = 1.0
	}
	record := models.Resolution{
		ConditionID:     pos.ConditionID,
		Outcome:         pos.Outcome,
		Kind:            models.ResolutionMarket,
		ResolutionPrice: price,
		Shares:          pos.Shares,
		CostBasis:       pos.CostBasisUsdc,
		RealizedPnl:     pos.Shares*price - pos.CostBasisUsdc,
	}

	pos.Shares = 0
	pos.CostBasisUsdc = 0
	pos.AvgPrice = 0
	pos.Open = false
	return pos, record
}
