package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/vicente-simoes/polymarket-copybot-sub000/api"
	"github.com/vicente-simoes/polymarket-copybot-sub000/models"
	"github.com/vicente-simoes/polymarket-copybot-sub000/storage"
)

func newTestExecutor(t *testing.T, ttl time.Duration) (*PaperExecutor, *storage.MemStore, *api.MockMarketClient) {
	t.Helper()
	store := storage.NewMemStore()
	market := api.NewMockMarketClient()
	books := api.NewBookCache(market, time.Second, 16)
	exec := NewPaperExecutor(store, books, 0, ttl)
	t.Cleanup(exec.Shutdown)
	return exec, store, market
}

func buyRequest(shares, limit float64) ExecutionRequest {
	return ExecutionRequest{
		IntentID:     1,
		TokenID:      "token-yes",
		ConditionID:  "0xc1",
		Outcome:      "YES",
		Title:        "Test market",
		Side:         models.SideBuy,
		TargetShares: shares,
		LimitPrice:   limit,
	}
}

func TestSubmitSweepsDepthUpToLimit(t *testing.T) {
	exec, store, market := newTestExecutor(t, time.Minute)
	market.SetBook("token-yes", &api.OrderBook{
		Asks: []api.OrderBookLevel{
			{Price: "0.52", Size: "5"},
			{Price: "0.50", Size: "10"},
			{Price: "0.55", Size: "100"},
		},
	})

	attempt, err := exec.Submit(context.Background(), buyRequest(12, 0.52))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if attempt.Status != models.AttemptFilled {
		t.Fatalf("Expected FILLED, got %s", attempt.Status)
	}
	if !almostEqual(attempt.FilledShares, 12) {
		t.Errorf("Expected 12 shares filled, got %f", attempt.FilledShares)
	}
	// 10 @ 0.50 + 2 @ 0.52 = $6.04 over 12 shares.
	wantAvg := 6.04 / 12
	if !almostEqual(attempt.AvgFillPrice, wantAvg) {
		t.Errorf("Expected avg price %f, got %f", wantAvg, attempt.AvgFillPrice)
	}
	if attempt.CompletedAt == nil {
		t.Error("Filled attempt must carry a completion time")
	}

	fills, err := store.ListExecutionFills(context.Background(), attempt.ID)
	if err != nil {
		t.Fatalf("ListExecutionFills failed: %v", err)
	}
	if len(fills) != 2 {
		t.Fatalf("Expected 2 per-level fills, got %d", len(fills))
	}

	pos, err := store.GetPaperPosition(context.Background(), "0xc1", "YES")
	if err != nil {
		t.Fatalf("GetPaperPosition failed: %v", err)
	}
	if !almostEqual(pos.Shares, 12) || !almostEqual(pos.CostBasisUsdc, 6.04) {
		t.Errorf("Expected 12 shares / $6.04 basis, got %f / %f", pos.Shares, pos.CostBasisUsdc)
	}
}

func TestSubmitPartialFillThenTTLCancel(t *testing.T) {
	exec, store, market := newTestExecutor(t, 50*time.Millisecond)
	market.SetBook("token-yes", &api.OrderBook{
		Asks: []api.OrderBookLevel{
			{Price: "0.50", Size: "5"},
			{Price: "0.60", Size: "100"}, // beyond limit
		},
	})

	attempt, err := exec.Submit(context.Background(), buyRequest(12, 0.52))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if attempt.Status != models.AttemptPartial {
		t.Fatalf("Expected PARTIAL, got %s", attempt.Status)
	}
	if !almostEqual(attempt.FilledShares, 5) {
		t.Errorf("Expected 5 shares filled, got %f", attempt.FilledShares)
	}

	// The remainder auto-cancels when the TTL lapses.
	deadline := time.After(2 * time.Second)
	for {
		stored, err := store.GetAttempt(context.Background(), attempt.ID)
		if err != nil {
			t.Fatalf("GetAttempt failed: %v", err)
		}
		if stored.Status == models.AttemptCanceled {
			if !almostEqual(stored.FilledShares, 5) {
				t.Errorf("Cancel must keep the booked fills, got %f", stored.FilledShares)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("Attempt still %s after TTL", stored.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}

	// Canceled remainder does not undo the partial fill's ledger update.
	pos, _ := store.GetPaperPosition(context.Background(), "0xc1", "YES")
	if !almostEqual(pos.Shares, 5) {
		t.Errorf("Expected 5 shares from the partial fill, got %f", pos.Shares)
	}
}

func TestSubmitNoLiquidityRestsUntilCancel(t *testing.T) {
	exec, store, market := newTestExecutor(t, time.Minute)
	market.SetBook("token-yes", &api.OrderBook{
		Asks: []api.OrderBookLevel{{Price: "0.60", Size: "100"}},
	})

	attempt, err := exec.Submit(context.Background(), buyRequest(10, 0.52))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if attempt.Status != models.AttemptSubmitted {
		t.Fatalf("Expected SUBMITTED, got %s", attempt.Status)
	}

	if err := exec.Cancel(context.Background(), attempt.ID); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	stored, _ := store.GetAttempt(context.Background(), attempt.ID)
	if stored.Status != models.AttemptCanceled {
		t.Errorf("Expected CANCELED, got %s", stored.Status)
	}

	// Canceling again is a no-op, not an error.
	if err := exec.Cancel(context.Background(), attempt.ID); err != nil {
		t.Errorf("Second cancel should be a no-op: %v", err)
	}
}

func TestCancelFilledAttemptIsNoop(t *testing.T) {
	exec, store, market := newTestExecutor(t, time.Minute)
	market.SetBook("token-yes", &api.OrderBook{
		Asks: []api.OrderBookLevel{{Price: "0.50", Size: "100"}},
	})

	attempt, err := exec.Submit(context.Background(), buyRequest(10, 0.52))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if attempt.Status != models.AttemptFilled {
		t.Fatalf("Expected FILLED, got %s", attempt.Status)
	}

	if err := exec.Cancel(context.Background(), attempt.ID); err != nil {
		t.Fatalf("Cancel of a filled attempt errored: %v", err)
	}
	stored, _ := store.GetAttempt(context.Background(), attempt.ID)
	if stored.Status != models.AttemptFilled {
		t.Errorf("Filled attempt must stay FILLED, got %s", stored.Status)
	}
}

func TestSubmitSellBooksRealizedPnl(t *testing.T) {
	exec, store, market := newTestExecutor(t, time.Minute)
	market.SetBook("token-yes", &api.OrderBook{
		Bids: []api.OrderBookLevel{
			{Price: "0.58", Size: "4"},
			{Price: "0.60", Size: "6"},
		},
	})

	// Seed a position bought at 0.40.
	seed := ApplyBuy(models.PaperPosition{ConditionID: "0xc1", Outcome: "YES", TokenID: "token-yes"}, 10, 4.0)
	if err := store.SavePaperPosition(context.Background(), seed); err != nil {
		t.Fatalf("SavePaperPosition failed: %v", err)
	}

	req := buyRequest(10, 0.58)
	req.Side = models.SideSell
	attempt, err := exec.Submit(context.Background(), req)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	if attempt.Status != models.AttemptFilled {
		t.Fatalf("Expected FILLED, got %s", attempt.Status)
	}
	// 6 @ 0.60 + 4 @ 0.58 = $5.92.
	wantAvg := 5.92 / 10
	if !almostEqual(attempt.AvgFillPrice, wantAvg) {
		t.Errorf("Expected avg %f, got %f", wantAvg, attempt.AvgFillPrice)
	}

	pos, _ := store.GetPaperPosition(context.Background(), "0xc1", "YES")
	if pos.Shares != 0 || pos.Open {
		t.Errorf("Position should be closed after full exit, got %+v", pos)
	}

	recs, err := store.ListResolutions(context.Background(), "0xc1")
	if err != nil || len(recs) != 1 {
		t.Fatalf("Expected one realized-P&L record, got %d (err %v)", len(recs), err)
	}
	if recs[0].Kind != models.ResolutionSell {
		t.Errorf("Expected sell record, got %s", recs[0].Kind)
	}
	if !almostEqual(recs[0].RealizedPnl, 5.92-4.0) {
		t.Errorf("Expected $1.92 realized, got %f", recs[0].RealizedPnl)
	}
}

func TestSweepBookRespectsSideOrdering(t *testing.T) {
	book := &api.OrderBook{
		Bids: []api.OrderBookLevel{
			{Price: "0.55", Size: "5"},
			{Price: "0.60", Size: "5"},
		},
		Asks: []api.OrderBookLevel{
			{Price: "0.65", Size: "5"},
			{Price: "0.62", Size: "5"},
		},
	}

	buys := sweepBook(book, models.SideBuy, 8, 0.65)
	if len(buys) != 2 || !almostEqual(buys[0].Price, 0.62) {
		t.Errorf("Buys must sweep cheapest ask first, got %+v", buys)
	}

	sells := sweepBook(book, models.SideSell, 8, 0.55)
	if len(sells) != 2 || !almostEqual(sells[0].Price, 0.60) {
		t.Errorf("Sells must sweep richest bid first, got %+v", sells)
	}
}
