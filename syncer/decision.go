package syncer

import (
	"math"
	"time"

	"github.com/vicente-simoes/polymarket-copybot-sub000/config"
	"github.com/vicente-simoes/polymarket-copybot-sub000/models"
)

const preSellEpsilon = 1e-9

// EffectiveConfig is the fully materialized guardrail set for one
// (leader, operation) pair: global defaults layered under leader overrides,
// then operation modifiers. Decide never reaches back into raw config.
type EffectiveConfig struct {
	Ratio            float64
	MinTradeUsdc     float64
	MaxTradeUsdc     float64
	MaxDailyUsdc     float64
	MaxEventUsdc     float64
	MaxOpenPositions int
	SkipMakerFills   bool
	SkipAbovePrice   float64

	MaxSpread       float64
	MaxPriceMovePct float64

	AlwaysFollow bool
}

// ResolveConfig layers global guardrails, leader overrides, and the
// operation's modifiers into one flat struct.
func ResolveConfig(global config.GuardrailConfig, overrides models.LeaderOverrides, side models.Side) EffectiveConfig {
	eff := EffectiveConfig{
		Ratio:            global.Ratio,
		MinTradeUsdc:     global.MinTradeUsdc,
		MaxTradeUsdc:     global.MaxTradeUsdc,
		MaxDailyUsdc:     global.MaxDailyUsdc,
		MaxEventUsdc:     global.MaxEventUsdc,
		MaxOpenPositions: global.MaxOpenPositions,
		SkipMakerFills:   global.SkipMakerFills,
		SkipAbovePrice:   global.SkipAbovePrice,
	}

	if overrides.Ratio != nil {
		eff.Ratio = *overrides.Ratio
	}
	if overrides.MaxTradeUsdc != nil {
		eff.MaxTradeUsdc = *overrides.MaxTradeUsdc
	}
	if overrides.MaxDailyUsdc != nil {
		eff.MaxDailyUsdc = *overrides.MaxDailyUsdc
	}
	if overrides.MaxEventUsdc != nil {
		eff.MaxEventUsdc = *overrides.MaxEventUsdc
	}
	if overrides.SkipMakerFills != nil {
		eff.SkipMakerFills = *overrides.SkipMakerFills
	}

	switch side {
	case models.SideSell:
		eff.MaxSpread = global.SellMaxSpread
		eff.MaxPriceMovePct = global.SellMaxPriceMovePct
	case models.SideSplit, models.SideMerge:
		eff.AlwaysFollow = global.AlwaysFollowSplitMerge
		eff.MaxSpread = global.BuyMaxSpread
		eff.MaxPriceMovePct = global.BuyMaxPriceMovePct
	default:
		eff.MaxSpread = global.BuyMaxSpread
		eff.MaxPriceMovePct = global.BuyMaxPriceMovePct
	}
	return eff
}

// Decision is the engine's verdict for one fill.
type Decision struct {
	Action       models.DecisionAction
	Reason       string
	TargetUsdc   float64
	TargetShares float64
	LimitPrice   float64
}

// DecisionInput carries everything Decide needs. Quote is nil when no
// snapshot exists for the instrument.
type DecisionInput struct {
	Fill  models.LeaderFill
	Quote *models.Quote

	// OwnShares is our current position in the fill's outcome.
	OwnShares float64
	// LeaderPreSellShares is the leader's share count before this SELL was
	// applied to the leader ledger. Unused for other operations.
	LeaderPreSellShares float64

	Now time.Time
}

func skip(reason string) Decision {
	return Decision{Action: models.ActionSkip, Reason: reason}
}

// Decide turns a detected fill into a TRADE or SKIP intent. It is a pure
// function of its inputs; the first failing check wins.
func Decide(in DecisionInput, cfg EffectiveConfig, risk models.RiskState) Decision {
	fill := in.Fill

	// SPLIT/MERGE configured to follow unconditionally bypass everything,
	// including quote checks: the leader restructured their position and we
	// mirror the operation as-is.
	if cfg.AlwaysFollow && (fill.Side == models.SideSplit || fill.Side == models.SideMerge) {
		target := clampUsdc(fill.UsdcSize*cfg.Ratio, cfg)
		return Decision{
			Action:       models.ActionTrade,
			Reason:       models.ReasonAlwaysFollow,
			TargetUsdc:   target,
			TargetShares: sharesAt(target, fill.Price),
			LimitPrice:   fill.Price,
		}
	}

	// Risk pre-gates.
	if cfg.SkipMakerFills && fill.Role == models.RoleMaker {
		return skip(models.ReasonMakerSkipped)
	}
	if !risk.QuoteFresh || !risk.ChainFresh {
		return skip(models.ReasonStaleData)
	}
	if fill.Side == models.SideBuy && in.OwnShares <= shareEpsilon &&
		cfg.MaxOpenPositions > 0 && risk.OpenPositions >= cfg.MaxOpenPositions {
		return skip(models.ReasonMaxOpenPositions)
	}

	// Sizing. Sells mirror the fraction of the leader's position that was
	// sold, not the leader's USDC amount.
	var targetUsdc, targetShares float64
	if fill.Side == models.SideSell {
		if in.OwnShares <= shareEpsilon {
			return skip(models.ReasonNoPosition)
		}
		ratioSold := clamp01(fill.Size / math.Max(in.LeaderPreSellShares, preSellEpsilon))
		targetShares = in.OwnShares * ratioSold
		targetUsdc = targetShares * fill.Price
	} else {
		targetUsdc = math.Max(fill.UsdcSize*cfg.Ratio, 0)
		targetShares = sharesAt(targetUsdc, fill.Price)
	}

	if fill.Side == models.SideBuy && cfg.MaxEventUsdc > 0 && fill.EventSlug != "" {
		if risk.EventSpendUsdc[fill.EventSlug]+targetUsdc > cfg.MaxEventUsdc {
			return skip(models.ReasonMaxEventExceeded)
		}
	}

	if in.Quote == nil {
		return skip(models.ReasonNoQuote)
	}

	if targetUsdc < cfg.MinTradeUsdc {
		return skip(models.ReasonBelowMin)
	}
	if cfg.MaxTradeUsdc > 0 && targetUsdc > cfg.MaxTradeUsdc {
		return skip(models.ReasonMaxTradeExceeded)
	}
	if fill.Side == models.SideBuy && cfg.MaxDailyUsdc > 0 &&
		risk.DailySpentUsdc+targetUsdc > cfg.MaxDailyUsdc {
		return skip(models.ReasonMaxDailyExceeded)
	}
	if fill.Side == models.SideBuy && cfg.SkipAbovePrice > 0 && fill.Price >= cfg.SkipAbovePrice {
		return skip(models.ReasonAbovePrice)
	}

	if in.Quote.Spread() > cfg.MaxSpread {
		return skip(models.ReasonSpreadTooWide)
	}

	// Same-price match: only copy when the book still offers the leader's
	// price or better.
	matched := false
	var current float64
	if fill.Side == models.SideSell {
		current = in.Quote.BestBid
		matched = current >= fill.Price
	} else {
		current = in.Quote.BestAsk
		matched = current <= fill.Price
	}
	if !matched {
		move := 0.0
		if fill.Price > 0 {
			move = math.Abs(current-fill.Price) / fill.Price
		}
		if move > cfg.MaxPriceMovePct {
			return skip(models.ReasonPriceMoved)
		}
		return skip(models.ReasonSamePriceUnavailable)
	}

	reason := models.ReasonSamePriceMatch
	return Decision{
		Action:       models.ActionTrade,
		Reason:       reason,
		TargetUsdc:   targetUsdc,
		TargetShares: targetShares,
		LimitPrice:   fill.Price,
	}
}

func clampUsdc(target float64, cfg EffectiveConfig) float64 {
	if cfg.MaxTradeUsdc > 0 && target > cfg.MaxTradeUsdc {
		target = cfg.MaxTradeUsdc
	}
	if target < 0 {
		return 0
	}
	return target
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func sharesAt(usdc, price float64) float64 {
	if price <= 0 {
		return 0
	}
	return usdc / price
}
