package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/vicente-simoes/polymarket-copybot-sub000/api"
	"github.com/vicente-simoes/polymarket-copybot-sub000/config"
	"github.com/vicente-simoes/polymarket-copybot-sub000/models"
	"github.com/vicente-simoes/polymarket-copybot-sub000/storage"
)

type testHarness struct {
	store  *storage.MemStore
	data   *api.MockDataClient
	market *api.MockMarketClient
	engine *Engine
	exec   *PaperExecutor
	cfg    *config.Config
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load defaults failed: %v", err)
	}
	cfg.Execution.LatencyMS = 0

	store := storage.NewMemStore()
	market := api.NewMockMarketClient()
	books := api.NewBookCache(market, time.Second, 16)
	exec := NewPaperExecutor(store, books, 0, time.Minute)
	t.Cleanup(exec.Shutdown)

	cfgFn := func() *config.Config { return cfg }
	engine := NewEngine(store, books, market, exec, NewMetrics(), cfgFn)

	return &testHarness{
		store:  store,
		data:   api.NewMockDataClient(),
		market: market,
		engine: engine,
		exec:   exec,
		cfg:    cfg,
	}
}

func apiBuy(ts int64) models.NormalizedFill {
	return models.NormalizedFill{
		Source:       models.SourceAPI,
		LeaderWallet: "0xleader",
		Role:         models.RoleUnknown,
		TxHash:       "0xtx1",
		TokenID:      "token-yes",
		ConditionID:  "0xc1",
		Outcome:      "YES",
		Title:        "Test market",
		EventSlug:    "election-2026",
		Side:         models.SideBuy,
		Price:        0.60,
		Size:         166.666667,
		UsdcSize:     100.0,
		FillTs:       time.Unix(ts, 0).UTC(),
		DetectedAt:   time.Now(),
	}
}

func TestIngestFillIdempotent(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	first, err := h.engine.IngestFill(ctx, apiBuy(1000), IngestOptions{})
	if err != nil {
		t.Fatalf("First ingest failed: %v", err)
	}
	if first.Status != StatusIngested {
		t.Fatalf("Expected ingested, got %s", first.Status)
	}

	second, err := h.engine.IngestFill(ctx, apiBuy(1000), IngestOptions{})
	if err != nil {
		t.Fatalf("Second ingest failed: %v", err)
	}
	if second.Status != StatusDuplicate {
		t.Fatalf("Expected duplicate, got %s", second.Status)
	}
	if second.FillID != first.FillID {
		t.Errorf("Duplicate must resolve to the original fill id: %d vs %d", second.FillID, first.FillID)
	}

	fills, _ := h.store.ListFills(ctx, "0xleader", 0)
	if len(fills) != 1 {
		t.Errorf("Expected exactly one stored fill, got %d", len(fills))
	}
	intents, _ := h.store.ListIntents(ctx, 0)
	if len(intents) != 1 {
		t.Errorf("Duplicate must not re-decide; expected 1 intent, got %d", len(intents))
	}

	// The leader ledger moved once, not twice.
	pos, _ := h.store.GetLeaderPosition(ctx, "0xleader", "0xc1", "YES")
	if !almostEqual(pos.Shares, 166.666667) {
		t.Errorf("Expected leader shares from one fill, got %f", pos.Shares)
	}
}

func TestIngestCrossSourceConvergence(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	// Chain fallback lands first; the late API record must deduplicate
	// against it, whichever order they arrive in.
	fallback := apiBuy(1000)
	fallback.Source = models.SourceChainFallback
	fallback.Role = models.RoleTaker
	fallback.ExchangeAddr = "0x4bfb41d5b3570defd03c39a9a4d8de6bd8b8982e"
	fallback.BlockNumber = 123456
	fallback.LogIndex = "0x1f"

	first, err := h.engine.IngestFill(ctx, fallback, IngestOptions{})
	if err != nil {
		t.Fatalf("Fallback ingest failed: %v", err)
	}
	if first.Status != StatusIngested {
		t.Fatalf("Expected ingested, got %s", first.Status)
	}

	late := apiBuy(1000)
	second, err := h.engine.IngestFill(ctx, late, IngestOptions{})
	if err != nil {
		t.Fatalf("API ingest failed: %v", err)
	}
	if second.Status != StatusDuplicate {
		t.Fatalf("Late API record must converge on the fallback row, got %s", second.Status)
	}

	fills, _ := h.store.ListFills(ctx, "0xleader", 0)
	if len(fills) != 1 {
		t.Fatalf("Expected one converged fill, got %d", len(fills))
	}
	if fills[0].Source != models.SourceChainFallback {
		t.Errorf("First writer wins; expected chain_fallback source, got %s", fills[0].Source)
	}

	// Both arrivals left a latency event under the shared key.
	events, _ := h.store.ListLatencyEvents(ctx, late.SemanticKey())
	if len(events) != 2 {
		t.Errorf("Expected latency events from both sources, got %d", len(events))
	}
}

func TestIngestFallbackWithoutMappingStillConverges(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	// First-ever fill on a market: the mapping index is empty, so the chain
	// record cannot recover conditionId/outcome and lands with only its token
	// id. The late API record must still converge on it instead of being
	// copied a second time.
	fallback := apiBuy(1000)
	fallback.Source = models.SourceChainFallback
	fallback.Role = models.RoleTaker
	fallback.ConditionID = ""
	fallback.Outcome = ""
	fallback.Title = ""
	fallback.EventSlug = ""
	fallback.ExchangeAddr = "0x4bfb41d5b3570defd03c39a9a4d8de6bd8b8982e"
	fallback.BlockNumber = 123456
	fallback.LogIndex = "0x1f"

	first, err := h.engine.IngestFill(ctx, fallback, IngestOptions{})
	if err != nil {
		t.Fatalf("Fallback ingest failed: %v", err)
	}
	if first.Status != StatusIngested {
		t.Fatalf("Expected ingested, got %s", first.Status)
	}

	late, err := h.engine.IngestFill(ctx, apiBuy(1000), IngestOptions{})
	if err != nil {
		t.Fatalf("API ingest failed: %v", err)
	}
	if late.Status != StatusDuplicate {
		t.Fatalf("Late API record must deduplicate against the unmapped fallback, got %s", late.Status)
	}

	fills, _ := h.store.ListFills(ctx, "0xleader", 0)
	if len(fills) != 1 {
		t.Fatalf("Expected one converged fill, got %d", len(fills))
	}
	intents, _ := h.store.ListIntents(ctx, 0)
	if len(intents) != 1 {
		t.Errorf("One trade, one decision; got %d intents", len(intents))
	}
}

func TestIngestBackfillSkipsDecisioning(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	res, err := h.engine.IngestFill(ctx, apiBuy(1000), IngestOptions{Backfill: true})
	if err != nil {
		t.Fatalf("Backfill ingest failed: %v", err)
	}
	if res.Status != StatusIngested {
		t.Fatalf("Expected ingested, got %s", res.Status)
	}

	intents, _ := h.store.ListIntents(ctx, 0)
	if len(intents) != 0 {
		t.Errorf("Backfill fills must never be decisioned, got %d intents", len(intents))
	}
	attempts, _ := h.store.ListAttempts(ctx, 0)
	if len(attempts) != 0 {
		t.Errorf("Backfill fills must never execute, got %d attempts", len(attempts))
	}

	// The leader ledger still advances so later proportional sells see the
	// leader's real position.
	pos, _ := h.store.GetLeaderPosition(ctx, "0xleader", "0xc1", "YES")
	if !almostEqual(pos.Shares, 166.666667) {
		t.Errorf("Expected leader shares recorded, got %f", pos.Shares)
	}

	fills, _ := h.store.ListFills(ctx, "0xleader", 0)
	if len(fills) != 1 || !fills[0].IsBackfill {
		t.Errorf("Expected one historical fill, got %+v", fills)
	}
}

func TestIngestDuplicateResumesUndecidedFill(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	// A previous run persisted the fill row and then died before decisioning
	// it: no intent, no leader-ledger movement. The overlap window re-fetches
	// the record next cycle; the duplicate path must finish the dropped work.
	nf := apiBuy(1000)
	if _, _, err := h.store.InsertFill(ctx, models.LeaderFill{
		DedupeKey:    nf.DedupeKey(),
		Source:       nf.Source,
		LeaderWallet: nf.LeaderWallet,
		Role:         nf.Role,
		TxHash:       nf.TxHash,
		TokenID:      nf.TokenID,
		ConditionID:  nf.ConditionID,
		Outcome:      nf.Outcome,
		Title:        nf.Title,
		EventSlug:    nf.EventSlug,
		Side:         nf.Side,
		Price:        nf.Price,
		Size:         nf.Size,
		UsdcSize:     nf.UsdcSize,
		FillTs:       nf.FillTs,
		DetectedAt:   nf.DetectedAt,
	}); err != nil {
		t.Fatalf("InsertFill failed: %v", err)
	}

	res, err := h.engine.IngestFill(ctx, nf, IngestOptions{})
	if err != nil {
		t.Fatalf("Re-ingest failed: %v", err)
	}
	if res.Status != StatusDuplicate {
		t.Fatalf("Expected duplicate, got %s", res.Status)
	}

	intents, _ := h.store.ListIntents(ctx, 0)
	if len(intents) != 1 {
		t.Fatalf("Duplicate of an undecided fill must be decisioned, got %d intents", len(intents))
	}
	pos, _ := h.store.GetLeaderPosition(ctx, "0xleader", "0xc1", "YES")
	if !almostEqual(pos.Shares, 166.666667) {
		t.Errorf("Resume must apply the leader ledger once, got %f shares", pos.Shares)
	}

	// A third arrival finds the intent and does nothing.
	if _, err := h.engine.IngestFill(ctx, nf, IngestOptions{}); err != nil {
		t.Fatalf("Third ingest failed: %v", err)
	}
	intents, _ = h.store.ListIntents(ctx, 0)
	if len(intents) != 1 {
		t.Errorf("Resume must be idempotent, got %d intents", len(intents))
	}
	pos, _ = h.store.GetLeaderPosition(ctx, "0xleader", "0xc1", "YES")
	if !almostEqual(pos.Shares, 166.666667) {
		t.Errorf("Ledger must not double-apply, got %f shares", pos.Shares)
	}
}

func TestIngestEndToEndCopy(t *testing.T) {
	// A leader buys $100 at 0.60; ratio 0.01 copies $1.00 with a 0.60
	// limit, which fills from the book's touch.
	h := newTestHarness(t)
	ctx := context.Background()

	h.market.SetBook("token-yes", &api.OrderBook{
		Bids: []api.OrderBookLevel{{Price: "0.58", Size: "500"}},
		Asks: []api.OrderBookLevel{{Price: "0.60", Size: "500"}},
	})

	res, err := h.engine.IngestFill(ctx, apiBuy(1000), IngestOptions{})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if res.Status != StatusIngested {
		t.Fatalf("Expected ingested, got %s", res.Status)
	}

	intents, _ := h.store.ListIntents(ctx, 0)
	if len(intents) != 1 {
		t.Fatalf("Expected one intent, got %d", len(intents))
	}
	intent := intents[0]
	if intent.Decision != models.ActionTrade {
		t.Fatalf("Expected TRADE, got %s (%s)", intent.Decision, intent.Reason)
	}
	if !almostEqual(intent.TargetUsdc, 1.0) {
		t.Errorf("Expected $1.00 target, got %f", intent.TargetUsdc)
	}
	if !almostEqual(intent.LimitPrice, 0.60) {
		t.Errorf("Expected 0.60 limit, got %f", intent.LimitPrice)
	}

	attempts, _ := h.store.ListAttempts(ctx, 0)
	if len(attempts) != 1 {
		t.Fatalf("Expected one execution attempt, got %d", len(attempts))
	}
	if attempts[0].Status != models.AttemptFilled {
		t.Errorf("Expected FILLED, got %s", attempts[0].Status)
	}

	pos, _ := h.store.GetPaperPosition(ctx, "0xc1", "YES")
	if !almostEqual(pos.Shares, 1.0/0.60) {
		t.Errorf("Expected %f shares, got %f", 1.0/0.60, pos.Shares)
	}

	// Actual filled spend lands in the daily risk counters.
	day := time.Now().UTC().Format("2006-01-02")
	risk, _ := h.store.GetRiskState(ctx, day)
	if !almostEqual(risk.DailySpentUsdc, 1.0) {
		t.Errorf("Expected $1.00 daily spend, got %f", risk.DailySpentUsdc)
	}
	if !almostEqual(risk.EventSpendUsdc["election-2026"], 1.0) {
		t.Errorf("Expected $1.00 event spend, got %f", risk.EventSpendUsdc["election-2026"])
	}
}

func TestIngestSkipWithoutQuote(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	// No book configured for the token: the decision must be a SKIP intent,
	// not an error, and the fill still lands in the registry.
	res, err := h.engine.IngestFill(ctx, apiBuy(1000), IngestOptions{})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if res.Status != StatusIngested {
		t.Fatalf("Expected ingested, got %s", res.Status)
	}

	intents, _ := h.store.ListIntents(ctx, 0)
	if len(intents) != 1 {
		t.Fatalf("Expected one intent, got %d", len(intents))
	}
	if intents[0].Decision != models.ActionSkip || intents[0].Reason != models.ReasonNoQuote {
		t.Errorf("Expected SKIP/NO_QUOTE, got %s/%s", intents[0].Decision, intents[0].Reason)
	}
}

func TestIngestEnrichResolvesTokenFromMarket(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	h.market.SetMarket("0xc1", &api.MarketInfo{
		ConditionID: "0xc1",
		Tokens: []api.ClobTokenInfo{
			{TokenID: "token-yes", Outcome: "Yes"},
			{TokenID: "token-no", Outcome: "No"},
		},
	})

	fill := apiBuy(1000)
	fill.TokenID = ""
	if _, err := h.engine.IngestFill(ctx, fill, IngestOptions{}); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	fills, _ := h.store.ListFills(ctx, "0xleader", 0)
	if len(fills) != 1 || fills[0].TokenID != "token-yes" {
		t.Errorf("Expected token resolved via market lookup, got %+v", fills)
	}

	// Both outcome tokens were mapped for future chain-side lookups.
	m, _ := h.store.GetMappingByToken(ctx, "token-no")
	if m == nil || m.Outcome != "NO" {
		t.Errorf("Expected NO mapping saved, got %+v", m)
	}
}
