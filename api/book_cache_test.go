package api

import (
	"context"
	"testing"
	"time"
)

func TestRefreshBatchesBooks(t *testing.T) {
	clob := NewMockMarketClient()
	clob.SetBook("tok-a", &OrderBook{
		AssetID: "tok-a",
		Bids:    []OrderBookLevel{{Price: "0.40", Size: "10"}},
	})
	clob.SetBook("tok-b", &OrderBook{
		AssetID: "tok-b",
		Asks:    []OrderBookLevel{{Price: "0.55", Size: "5"}},
	})
	cache := NewBookCache(clob, time.Minute, 8)

	if err := cache.Refresh(context.Background(), []string{"tok-a", "tok-b"}); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if clob.Calls["GetOrderBooks"] != 1 {
		t.Errorf("Expected one batched request, got %d", clob.Calls["GetOrderBooks"])
	}

	// Per-token reads hit the refreshed cache, not the CLOB.
	book, err := cache.GetBook(context.Background(), "tok-a", "")
	if err != nil {
		t.Fatalf("GetBook failed: %v", err)
	}
	bid, ok := book.BestBid()
	if !ok || bid != 0.40 {
		t.Errorf("Expected best bid 0.40 from the batched book, got %f (ok=%v)", bid, ok)
	}
	if clob.Calls["GetOrderBook"] != 0 {
		t.Errorf("Cached book must not refetch, got %d single-book calls", clob.Calls["GetOrderBook"])
	}
}

func TestRefreshWithNoTokensIsNoop(t *testing.T) {
	clob := NewMockMarketClient()
	cache := NewBookCache(clob, time.Minute, 8)

	if err := cache.Refresh(context.Background(), nil); err != nil {
		t.Fatalf("Refresh of empty set failed: %v", err)
	}
	if clob.Calls["GetOrderBooks"] != 0 {
		t.Errorf("Empty refresh must not call the CLOB, got %d calls", clob.Calls["GetOrderBooks"])
	}
}
