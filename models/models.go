package models

import (
	"fmt"
	"strings"
	"time"
)

// Side is the operation a leader performed.
type Side string

const (
	SideBuy   Side = "BUY"
	SideSell  Side = "SELL"
	SideSplit Side = "SPLIT"
	SideMerge Side = "MERGE"
)

// FillSource identifies which detection path produced a fill.
type FillSource string

const (
	SourceAPI           FillSource = "api"
	SourceChain         FillSource = "chain"
	SourceChainFallback FillSource = "chain_fallback"
)

// Role is the leader's liquidity role in a fill.
type Role string

const (
	RoleMaker   Role = "MAKER"
	RoleTaker   Role = "TAKER"
	RoleUnknown Role = "UNKNOWN"
)

// Leader is a wallet whose trades are mirrored.
type Leader struct {
	ID        int64           `json:"id"`
	Wallet    string          `json:"wallet"`
	Name      string          `json:"name"`
	Enabled   bool            `json:"enabled"`
	Overrides LeaderOverrides `json:"overrides"`
	CursorTs  time.Time       `json:"cursor_ts"` // ingestion watermark, never regresses
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// LeaderOverrides are per-leader guardrail overrides. Nil means "use global".
type LeaderOverrides struct {
	Ratio           *float64 `json:"ratio,omitempty"`
	MaxTradeUsdc    *float64 `json:"max_trade_usdc,omitempty"`
	MaxDailyUsdc    *float64 `json:"max_daily_usdc,omitempty"`
	MaxEventUsdc    *float64 `json:"max_event_usdc,omitempty"`
	SkipMakerFills  *bool    `json:"skip_maker_fills,omitempty"`
}

// NormalizedFill is the source-independent shape of one detected leader trade,
// before persistence. Both the API poller and the chain watcher produce it.
type NormalizedFill struct {
	Source       FillSource `json:"source"`
	LeaderWallet string     `json:"leader_wallet"`
	Role         Role       `json:"role"`
	TxHash       string     `json:"tx_hash"`
	TokenID      string     `json:"token_id"`
	ConditionID  string     `json:"condition_id"`
	Outcome      string     `json:"outcome"`
	Title        string     `json:"title"`
	EventSlug    string     `json:"event_slug"`
	Side         Side       `json:"side"`
	Price        float64    `json:"price"`
	Size         float64    `json:"size"`
	UsdcSize     float64    `json:"usdc_size"`
	FillTs       time.Time  `json:"fill_ts"`
	DetectedAt   time.Time  `json:"detected_at"`

	// Chain-only identity fields, used to namespace the dedupe key when the
	// venue API has no equivalent record identity.
	ExchangeAddr string `json:"exchange_addr,omitempty"`
	BlockNumber  uint64 `json:"block_number,omitempty"`
	LogIndex     string `json:"log_index,omitempty"`
}

// DedupeKey builds the deterministic identity of a fill. Raw chain events key
// on their log coordinates, which are unique per matched order even when one
// tx carries several fills. Fallback records deliberately use the API-shape
// key so a late API arrival for the same trade deduplicates against them.
func (f NormalizedFill) DedupeKey() string {
	if f.Source == SourceChain {
		if f.ExchangeAddr != "" && f.LogIndex != "" {
			return fmt.Sprintf("chain|%s|%d|%s", strings.ToLower(f.ExchangeAddr), f.BlockNumber, f.LogIndex)
		}
	}
	return f.SemanticKey()
}

// SemanticKey is the API-shape identity regardless of source. Latency events
// from both sources share it, which is what makes per-source detection times
// comparable for the same underlying trade. Built only from fields both
// sources carry on their own: the chain decodes the token id from the log and
// the API's asset field always has it, whereas conditionId/outcome exist on
// the chain path only after a mapping lookup that can miss.
func (f NormalizedFill) SemanticKey() string {
	return fmt.Sprintf("%s|%s|%s|%s|%.6f|%.6f",
		strings.ToLower(f.LeaderWallet), strings.ToLower(f.TxHash), f.Side,
		f.TokenID, f.Size, f.Price)
}

// MarketKey is the (conditionId, outcome) index key; outcome is upper-cased.
func MarketKey(conditionID, outcome string) string {
	return conditionID + ":" + strings.ToUpper(outcome)
}

// LeaderFill is one stored, deduplicated leader trade.
type LeaderFill struct {
	ID           int64      `json:"id"`
	DedupeKey    string     `json:"dedupe_key"`
	Source       FillSource `json:"source"`
	LeaderWallet string     `json:"leader_wallet"`
	Role         Role       `json:"role"`
	TxHash       string     `json:"tx_hash"`
	TokenID      string     `json:"token_id"`
	ConditionID  string     `json:"condition_id"`
	Outcome      string     `json:"outcome"`
	Title        string     `json:"title"`
	EventSlug    string     `json:"event_slug"`
	Side         Side       `json:"side"`
	Price        float64    `json:"price"`
	Size         float64    `json:"size"`
	UsdcSize     float64    `json:"usdc_size"`
	FillTs       time.Time  `json:"fill_ts"`
	DetectedAt   time.Time  `json:"detected_at"`
	IsBackfill   bool       `json:"is_backfill"`
	InsertedAt   time.Time  `json:"inserted_at"`
}

// LatencyEvent records when each source saw the same underlying fill.
// Observability only; never gates correctness.
type LatencyEvent struct {
	DedupeKey  string     `json:"dedupe_key"`
	Source     FillSource `json:"source"`
	DetectedAt time.Time  `json:"detected_at"`
}

// MarketMapping resolves (conditionId, outcome) to a tradable token id.
type MarketMapping struct {
	ConditionID string    `json:"condition_id"`
	Outcome     string    `json:"outcome"` // stored upper-cased
	TokenID     string    `json:"token_id"`
	Title       string    `json:"title"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Quote is a best-bid/ask snapshot. bestAsk >= bestBid is NOT guaranteed;
// market data may be crossed and consumers must treat it defensively.
type Quote struct {
	MarketKey  string    `json:"market_key"`
	TokenID    string    `json:"token_id"`
	BestBid    float64   `json:"best_bid"`
	BestAsk    float64   `json:"best_ask"`
	CapturedAt time.Time `json:"captured_at"`
}

// Spread returns ask-bid, clamped at zero for crossed books.
func (q Quote) Spread() float64 {
	s := q.BestAsk - q.BestBid
	if s < 0 {
		return 0
	}
	return s
}

// LeaderPosition tracks a leader's running share count per (condition, outcome).
// Updated once per ingested BUY/SELL, never for SPLIT/MERGE.
type LeaderPosition struct {
	LeaderWallet string    `json:"leader_wallet"`
	ConditionID  string    `json:"condition_id"`
	Outcome      string    `json:"outcome"`
	Shares       float64   `json:"shares"` // clamped >= 0
	UpdatedAt    time.Time `json:"updated_at"`
}

// DecisionAction is the outcome of the guardrail engine for one fill.
type DecisionAction string

const (
	ActionTrade DecisionAction = "TRADE"
	ActionSkip  DecisionAction = "SKIP"
)

// Skip/trade reason codes, in guardrail evaluation order.
const (
	ReasonAlwaysFollow         = "OPERATION_ALWAYS_FOLLOW"
	ReasonSamePriceMatch       = "SAME_PRICE_MATCH"
	ReasonMakerSkipped         = "MAKER_SKIPPED"
	ReasonStaleData            = "STALE_DATA"
	ReasonMaxOpenPositions     = "MAX_OPEN_POSITIONS"
	ReasonMaxEventExceeded     = "MAX_EVENT_EXCEEDED"
	ReasonNoQuote              = "NO_QUOTE"
	ReasonBelowMin             = "BELOW_MIN"
	ReasonMaxTradeExceeded     = "MAX_TRADE_EXCEEDED"
	ReasonMaxDailyExceeded     = "MAX_DAILY_EXCEEDED"
	ReasonAbovePrice           = "ABOVE_PRICE"
	ReasonSpreadTooWide        = "SPREAD_TOO_WIDE"
	ReasonPriceMoved           = "PRICE_MOVED"
	ReasonSamePriceUnavailable = "SAME_PRICE_NOT_AVAILABLE"
	ReasonNoPosition           = "NO_POSITION"
)

// PaperIntent is the engine's decision for one fill. At most one per fill.
type PaperIntent struct {
	ID           int64          `json:"id"`
	FillID       int64          `json:"fill_id"`
	DedupeKey    string         `json:"dedupe_key"`
	Decision     DecisionAction `json:"decision"`
	Reason       string         `json:"reason"`
	Side         Side           `json:"side"`
	TargetUsdc   float64        `json:"target_usdc"`
	TargetShares float64        `json:"target_shares"`
	LimitPrice   float64        `json:"limit_price"`
	CreatedAt    time.Time      `json:"created_at"`
}

// PaperPosition is our own running share/cost-basis per (condition, outcome).
// Updated only when an execution fill actually occurs, never from intents.
type PaperPosition struct {
	ConditionID   string    `json:"condition_id"`
	Outcome       string    `json:"outcome"`
	TokenID       string    `json:"token_id"`
	Title         string    `json:"title"`
	Shares        float64   `json:"shares"`
	CostBasisUsdc float64   `json:"cost_basis_usdc"`
	AvgPrice      float64   `json:"avg_price"`
	Open          bool      `json:"open"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// AttemptStatus is the execution attempt state machine.
type AttemptStatus string

const (
	AttemptSubmitted AttemptStatus = "SUBMITTED"
	AttemptPartial   AttemptStatus = "PARTIAL"
	AttemptFilled    AttemptStatus = "FILLED"
	AttemptCanceled  AttemptStatus = "CANCELED"
)

// ExecutionAttempt is one simulated order against live depth.
type ExecutionAttempt struct {
	ID           string        `json:"id"`
	IntentID     int64         `json:"intent_id"`
	TokenID      string        `json:"token_id"`
	ConditionID  string        `json:"condition_id"`
	Outcome      string        `json:"outcome"`
	Side         Side          `json:"side"`
	TargetShares float64       `json:"target_shares"`
	LimitPrice   float64       `json:"limit_price"`
	Status       AttemptStatus `json:"status"`
	FilledShares float64       `json:"filled_shares"`
	AvgFillPrice float64       `json:"avg_fill_price"`
	TTLMs        int64         `json:"ttl_ms"`
	SubmittedAt  time.Time     `json:"submitted_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}

// ExecutionFill is one (partial) fill of an attempt. Sum of fill shares per
// attempt never exceeds the attempt's target size.
type ExecutionFill struct {
	ID        int64     `json:"id"`
	AttemptID string    `json:"attempt_id"`
	Price     float64   `json:"price"`
	Shares    float64   `json:"shares"`
	Usdc      float64   `json:"usdc"`
	FilledAt  time.Time `json:"filled_at"`
}

// ResolutionKind distinguishes how realized P&L was booked.
type ResolutionKind string

const (
	ResolutionSell   ResolutionKind = "sell"
	ResolutionMerge  ResolutionKind = "merge"
	ResolutionMarket ResolutionKind = "resolution"
)

// Resolution is one realized-P&L booking for a position. Append-only; a
// position may accumulate several partial resolutions.
type Resolution struct {
	ID              int64          `json:"id"`
	ConditionID     string         `json:"condition_id"`
	Outcome         string         `json:"outcome"`
	Kind            ResolutionKind `json:"kind"`
	ResolutionPrice float64        `json:"resolution_price"` // 1.0 or 0.0 for market resolutions
	Shares          float64        `json:"shares"`
	CostBasis       float64        `json:"cost_basis"`
	RealizedPnl     float64        `json:"realized_pnl"`
	CreatedAt       time.Time      `json:"created_at"`
}

// RiskState is the explicit, persisted risk counter set threaded through the
// decision engine. Replaces any in-process daily counter so horizontally
// scaled engines cannot drift.
type RiskState struct {
	Day            string             `json:"day"` // YYYY-MM-DD, UTC
	DailySpentUsdc float64            `json:"daily_spent_usdc"`
	OpenPositions  int                `json:"open_positions"`
	EventSpendUsdc map[string]float64 `json:"event_spend_usdc"` // eventSlug -> usdc
	QuoteFresh     bool               `json:"quote_fresh"`
	ChainFresh     bool               `json:"chain_fresh"`
}

// Lease is the single-flight lock row guarding the chain watcher.
type Lease struct {
	Name      string    `json:"name"`
	Owner     string    `json:"owner"`
	RenewedAt time.Time `json:"renewed_at"`
}

// Age returns how long ago the lease was last renewed.
func (l Lease) Age(now time.Time) time.Duration {
	return now.Sub(l.RenewedAt)
}
