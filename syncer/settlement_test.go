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

func newTestSettler(t *testing.T) (*Settler, *storage.MemStore, *api.MockMarketClient) {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load defaults failed: %v", err)
	}
	store := storage.NewMemStore()
	market := api.NewMockMarketClient()
	settler := NewSettler(store, market, func() *config.Config { return cfg })
	return settler, store, market
}

func openPosition(t *testing.T, store *storage.MemStore, conditionID, outcome string, shares, basis float64) {
	t.Helper()
	err := store.SavePaperPosition(context.Background(), models.PaperPosition{
		ConditionID:   conditionID,
		Outcome:       outcome,
		TokenID:       "token-" + outcome,
		Shares:        shares,
		CostBasisUsdc: basis,
		AvgPrice:      basis / shares,
		Open:          true,
		UpdatedAt:     time.Now(),
	})
	if err != nil {
		t.Fatalf("SavePaperPosition failed: %v", err)
	}
}

func TestSweepSettlesResolvedMarkets(t *testing.T) {
	settler, store, market := newTestSettler(t)
	ctx := context.Background()

	openPosition(t, store, "0xwon", "YES", 10, 4)
	openPosition(t, store, "0xlost", "YES", 20, 12)
	openPosition(t, store, "0xlive", "YES", 5, 2)

	market.SetMarket("0xwon", &api.MarketInfo{
		ConditionID: "0xwon", Closed: true,
		Tokens: []api.ClobTokenInfo{
			{TokenID: "token-YES", Outcome: "Yes", Winner: true},
			{TokenID: "token-NO", Outcome: "No"},
		},
	})
	market.SetMarket("0xlost", &api.MarketInfo{
		ConditionID: "0xlost", Closed: true,
		Tokens: []api.ClobTokenInfo{
			{TokenID: "token-YES", Outcome: "Yes"},
			{TokenID: "token-NO", Outcome: "No", Winner: true},
		},
	})
	market.SetMarket("0xlive", &api.MarketInfo{
		ConditionID: "0xlive", Closed: false,
		Tokens: []api.ClobTokenInfo{
			{TokenID: "token-YES", Outcome: "Yes"},
			{TokenID: "token-NO", Outcome: "No"},
		},
	})

	settler.Sweep(ctx)

	open, _ := store.ListOpenPaperPositions(ctx)
	if len(open) != 1 || open[0].ConditionID != "0xlive" {
		t.Fatalf("Only the unresolved market should stay open, got %+v", open)
	}

	won, _ := store.ListResolutions(ctx, "0xwon")
	if len(won) != 1 {
		t.Fatalf("Expected one resolution for the winner, got %d", len(won))
	}
	if !almostEqual(won[0].RealizedPnl, 10-4) {
		t.Errorf("Winner pays $1/share: expected $6 realized, got %f", won[0].RealizedPnl)
	}
	if won[0].ResolutionPrice != 1.0 {
		t.Errorf("Expected terminal price 1.0, got %f", won[0].ResolutionPrice)
	}

	lost, _ := store.ListResolutions(ctx, "0xlost")
	if len(lost) != 1 {
		t.Fatalf("Expected one resolution for the loser, got %d", len(lost))
	}
	if !almostEqual(lost[0].RealizedPnl, -12) {
		t.Errorf("Loser forfeits basis: expected -$12, got %f", lost[0].RealizedPnl)
	}
	if lost[0].ResolutionPrice != 0.0 {
		t.Errorf("Expected terminal price 0.0, got %f", lost[0].ResolutionPrice)
	}
}

func TestSweepWaitsForWinnerFlag(t *testing.T) {
	settler, store, market := newTestSettler(t)
	ctx := context.Background()

	openPosition(t, store, "0xdisputed", "YES", 10, 4)
	// Closed, but no token flagged as winner yet.
	market.SetMarket("0xdisputed", &api.MarketInfo{
		ConditionID: "0xdisputed", Closed: true,
		Tokens: []api.ClobTokenInfo{
			{TokenID: "token-YES", Outcome: "Yes"},
			{TokenID: "token-NO", Outcome: "No"},
		},
	})

	settler.Sweep(ctx)

	open, _ := store.ListOpenPaperPositions(ctx)
	if len(open) != 1 {
		t.Errorf("Undetermined market must stay open, got %d open", len(open))
	}
	recs, _ := store.ListResolutions(ctx, "0xdisputed")
	if len(recs) != 0 {
		t.Errorf("No resolution should be written yet, got %d", len(recs))
	}
}

func TestSweepSurvivesMarketLookupErrors(t *testing.T) {
	settler, store, market := newTestSettler(t)
	ctx := context.Background()

	openPosition(t, store, "0xwon", "YES", 10, 4)
	market.SetMarket("0xwon", &api.MarketInfo{
		ConditionID: "0xwon", Closed: true,
		Tokens: []api.ClobTokenInfo{
			{TokenID: "token-YES", Outcome: "Yes", Winner: true},
			{TokenID: "token-NO", Outcome: "No"},
		},
	})
	market.ErrorOnNext["GetMarket"] = context.DeadlineExceeded

	// The failed lookup skips the position without closing it.
	settler.Sweep(ctx)
	open, _ := store.ListOpenPaperPositions(ctx)
	if len(open) != 1 {
		t.Fatalf("Lookup failure must leave the position open, got %d open", len(open))
	}

	// The next sweep settles it.
	settler.Sweep(ctx)
	recs, _ := store.ListResolutions(ctx, "0xwon")
	if len(recs) != 1 {
		t.Errorf("Expected settlement on the retry sweep, got %d records", len(recs))
	}
}
