package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/vicente-simoes/polymarket-copybot-sub000/api"
	"github.com/vicente-simoes/polymarket-copybot-sub000/config"
	"github.com/vicente-simoes/polymarket-copybot-sub000/models"
)

func newTestDetector(t *testing.T, h *testHarness) *Detector {
	t.Helper()
	return NewDetector(h.store, h.data, h.engine, NewMetrics(), func() *config.Config { return h.cfg })
}

func seedLeader(t *testing.T, h *testHarness, wallet string, cursor time.Time) models.Leader {
	t.Helper()
	leader, err := h.store.CreateLeader(context.Background(), models.Leader{Wallet: wallet, Enabled: true})
	if err != nil {
		t.Fatalf("CreateLeader failed: %v", err)
	}
	if !cursor.IsZero() {
		if err := h.store.UpdateLeaderCursor(context.Background(), wallet, cursor); err != nil {
			t.Fatalf("UpdateLeaderCursor failed: %v", err)
		}
	}
	return *leader
}

func activityAt(ts int64, tx string) api.ActivityRecord {
	return api.ActivityRecord{
		ProxyWallet:     "0xleader",
		Side:            "BUY",
		ConditionID:     "0xc1",
		Outcome:         "YES",
		Asset:           "token-yes",
		Size:            100,
		Price:           0.60,
		UsdcSize:        60,
		Timestamp:       ts,
		TransactionHash: tx,
		Type:            "TRADE",
	}
}

func TestPollAdvancesCursorPastNewestFill(t *testing.T) {
	h := newTestHarness(t)
	d := newTestDetector(t, h)
	ctx := context.Background()

	cursor := time.Unix(1000, 0).UTC()
	leader := seedLeader(t, h, "0xleader", cursor)

	// Newest first, the way the activity feed orders records.
	h.data.SetActivity("0xleader", []api.ActivityRecord{
		activityAt(1300, "0xtx3"),
		activityAt(1100, "0xtx1"),
	})

	if err := d.pollLeader(ctx, leader, false); err != nil {
		t.Fatalf("pollLeader failed: %v", err)
	}

	fills, _ := h.store.ListFills(ctx, "0xleader", 0)
	if len(fills) != 2 {
		t.Fatalf("Expected 2 fills ingested, got %d", len(fills))
	}

	updated, _ := h.store.GetLeader(ctx, "0xleader")
	want := time.Unix(1301, 0).UTC()
	if !updated.CursorTs.Equal(want) {
		t.Errorf("Expected cursor %s (newest fill +1s), got %s", want, updated.CursorTs)
	}
}

func TestPollInitializesCursorForRuntimeLeader(t *testing.T) {
	h := newTestHarness(t)
	d := newTestDetector(t, h)
	ctx := context.Background()

	// Leaders added through the admin API arrive with no watermark at all.
	// The first poll must flat-start them, not replay their trade history.
	leader := seedLeader(t, h, "0xleader", time.Time{})
	old := time.Now().Add(-30 * 24 * time.Hour).Unix()
	h.data.SetActivity("0xleader", []api.ActivityRecord{activityAt(old, "0xold")})

	if err := d.pollLeader(ctx, leader, false); err != nil {
		t.Fatalf("pollLeader failed: %v", err)
	}

	fills, _ := h.store.ListFills(ctx, "0xleader", 0)
	if len(fills) != 0 {
		t.Errorf("Flat start must skip a new leader's history, got %d fills", len(fills))
	}
	intents, _ := h.store.ListIntents(ctx, 0)
	if len(intents) != 0 {
		t.Errorf("Historical trades must never be decisioned, got %d intents", len(intents))
	}

	updated, _ := h.store.GetLeader(ctx, "0xleader")
	if updated.CursorTs.IsZero() || updated.CursorTs.Unix() <= 0 {
		t.Errorf("First poll must initialize the cursor, got %s", updated.CursorTs)
	}
}

func TestPollOverlapWindowDeduplicates(t *testing.T) {
	h := newTestHarness(t)
	d := newTestDetector(t, h)
	ctx := context.Background()

	leader := seedLeader(t, h, "0xleader", time.Unix(1000, 0).UTC())
	h.data.SetActivity("0xleader", []api.ActivityRecord{activityAt(1100, "0xtx1")})

	if err := d.pollLeader(ctx, leader, false); err != nil {
		t.Fatalf("First poll failed: %v", err)
	}
	// The next poll re-fetches the overlap window behind the cursor; the
	// same record comes back and must not duplicate or move the cursor.
	if err := d.pollLeader(ctx, leader, false); err != nil {
		t.Fatalf("Second poll failed: %v", err)
	}

	fills, _ := h.store.ListFills(ctx, "0xleader", 0)
	if len(fills) != 1 {
		t.Errorf("Expected 1 fill after overlapping polls, got %d", len(fills))
	}

	updated, _ := h.store.GetLeader(ctx, "0xleader")
	want := time.Unix(1101, 0).UTC()
	if !updated.CursorTs.Equal(want) {
		t.Errorf("Cursor must stay at %s, got %s", want, updated.CursorTs)
	}
}

func TestPollFailureLeavesCursorUntouched(t *testing.T) {
	h := newTestHarness(t)
	d := newTestDetector(t, h)

	cursor := time.Unix(1000, 0).UTC()
	leader := seedLeader(t, h, "0xleader", cursor)
	h.data.SetActivity("0xleader", []api.ActivityRecord{activityAt(1100, "0xtx1")})

	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	if err := d.pollLeader(canceled, leader, false); err == nil {
		t.Fatal("Expected poll to fail when the fetch cannot run")
	}

	updated, _ := h.store.GetLeader(context.Background(), "0xleader")
	if !updated.CursorTs.Equal(cursor) {
		t.Errorf("Failed cycle must not advance the cursor: got %s", updated.CursorTs)
	}

	fills, _ := h.store.ListFills(context.Background(), "0xleader", 0)
	if len(fills) != 0 {
		t.Errorf("Failed cycle must not ingest, got %d fills", len(fills))
	}
}

func TestPollAbsorbsTransientFetchError(t *testing.T) {
	h := newTestHarness(t)
	d := newTestDetector(t, h)
	ctx := context.Background()

	leader := seedLeader(t, h, "0xleader", time.Unix(1000, 0).UTC())
	h.data.SetActivity("0xleader", []api.ActivityRecord{activityAt(1100, "0xtx1")})
	h.data.ErrorOnNext["GetActivitySince"] = context.DeadlineExceeded

	if err := d.pollLeader(ctx, leader, false); err != nil {
		t.Fatalf("One transient error should be retried away: %v", err)
	}

	fills, _ := h.store.ListFills(ctx, "0xleader", 0)
	if len(fills) != 1 {
		t.Errorf("Expected the fill after retry, got %d", len(fills))
	}
}

func TestHandleChainFillPrefersAPIRecord(t *testing.T) {
	h := newTestHarness(t)
	d := newTestDetector(t, h)
	ctx := context.Background()

	seedLeader(t, h, "0xleader", time.Unix(1000, 0).UTC())
	h.data.SetActivity("0xleader", []api.ActivityRecord{activityAt(1100, "0xtx1")})

	chain := models.NormalizedFill{
		Source:       models.SourceChain,
		LeaderWallet: "0xleader",
		Role:         models.RoleTaker,
		TxHash:       "0xtx1",
		TokenID:      "token-yes",
		ConditionID:  "0xc1",
		Outcome:      "YES",
		Side:         models.SideBuy,
		Price:        0.60,
		Size:         100,
		UsdcSize:     60,
		FillTs:       time.Unix(1100, 0).UTC(),
		DetectedAt:   time.Now(),
		ExchangeAddr: "0x4bfb41d5b3570defd03c39a9a4d8de6bd8b8982e",
		BlockNumber:  42,
		LogIndex:     "0x1",
	}
	d.HandleChainFill(chain)

	fills, _ := h.store.ListFills(ctx, "0xleader", 0)
	if len(fills) != 1 {
		t.Fatalf("Expected one fill, got %d", len(fills))
	}
	if fills[0].Source != models.SourceAPI {
		t.Errorf("Chain-first arrival should resolve to the API record, got %s", fills[0].Source)
	}
}

func TestHandleChainFillFallsBackWhenAPISilent(t *testing.T) {
	h := newTestHarness(t)
	// Keep the wait budget tiny so the test exhausts it quickly.
	h.cfg.Ingestion.ChainAPIWaitMS = 40
	h.cfg.Ingestion.ChainAPIRetries = 2
	d := newTestDetector(t, h)
	ctx := context.Background()

	seedLeader(t, h, "0xleader", time.Unix(1000, 0).UTC())
	// No API activity at all.

	chain := models.NormalizedFill{
		Source:       models.SourceChain,
		LeaderWallet: "0xleader",
		Role:         models.RoleTaker,
		TxHash:       "0xtx9",
		TokenID:      "token-yes",
		ConditionID:  "0xc1",
		Outcome:      "YES",
		Side:         models.SideBuy,
		Price:        0.60,
		Size:         100,
		UsdcSize:     60,
		FillTs:       time.Now().UTC(),
		DetectedAt:   time.Now(),
		ExchangeAddr: "0x4bfb41d5b3570defd03c39a9a4d8de6bd8b8982e",
		BlockNumber:  42,
		LogIndex:     "0x1",
	}
	d.HandleChainFill(chain)

	fills, _ := h.store.ListFills(ctx, "0xleader", 0)
	if len(fills) != 1 {
		t.Fatalf("Expected a fallback fill, got %d", len(fills))
	}
	if fills[0].Source != models.SourceChainFallback {
		t.Errorf("Expected chain_fallback source, got %s", fills[0].Source)
	}

	// A late API arrival for the same trade converges on the fallback row.
	h.data.SetActivity("0xleader", []api.ActivityRecord{activityAt(1100, "0xtx9")})
	leader, _ := h.store.GetLeader(ctx, "0xleader")
	if err := d.pollLeader(ctx, *leader, false); err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	fills, _ = h.store.ListFills(ctx, "0xleader", 0)
	if len(fills) != 1 {
		t.Errorf("Late API record must deduplicate against the fallback, got %d fills", len(fills))
	}
}

func TestHandleChainFillStoresStaleEventsAsHistorical(t *testing.T) {
	h := newTestHarness(t)
	h.cfg.Ingestion.TriggerMode = "chain"
	d := newTestDetector(t, h)
	ctx := context.Background()

	seedLeader(t, h, "0xleader", time.Unix(1000, 0).UTC())

	// A reconnect replays an hour-old log. It must land in the registry as
	// historical, never as a live trade to copy.
	stale := models.NormalizedFill{
		Source:       models.SourceChain,
		LeaderWallet: "0xleader",
		Role:         models.RoleTaker,
		TxHash:       "0xreplayed",
		TokenID:      "token-yes",
		ConditionID:  "0xc1",
		Outcome:      "YES",
		Side:         models.SideBuy,
		Price:        0.60,
		Size:         100,
		UsdcSize:     60,
		FillTs:       time.Now().Add(-time.Hour).UTC(),
		DetectedAt:   time.Now(),
		ExchangeAddr: "0x4bfb41d5b3570defd03c39a9a4d8de6bd8b8982e",
		BlockNumber:  41,
		LogIndex:     "0x1",
	}
	d.HandleChainFill(stale)

	fills, _ := h.store.ListFills(ctx, "0xleader", 0)
	if len(fills) != 1 || !fills[0].IsBackfill {
		t.Fatalf("Expected one historical fill, got %+v", fills)
	}
	intents, _ := h.store.ListIntents(ctx, 0)
	if len(intents) != 0 {
		t.Errorf("Stale chain events must not be decisioned, got %d intents", len(intents))
	}

	// A fresh event on the same market goes through decisioning as usual.
	fresh := stale
	fresh.TxHash = "0xfresh"
	fresh.FillTs = time.Now().UTC()
	fresh.BlockNumber = 42
	d.HandleChainFill(fresh)

	fills, _ = h.store.ListFills(ctx, "0xleader", 0)
	if len(fills) != 2 {
		t.Fatalf("Expected both fills stored, got %d", len(fills))
	}
	intents, _ = h.store.ListIntents(ctx, 0)
	if len(intents) != 1 {
		t.Errorf("Fresh chain events must be decisioned, got %d intents", len(intents))
	}
}

func TestChainHealthTracking(t *testing.T) {
	h := newTestHarness(t)
	d := newTestDetector(t, h)

	if !d.ChainHealthy() {
		t.Error("Chain health should default to healthy when the watcher is disabled")
	}

	d.SetChainEnabled(true)
	if d.ChainHealthy() {
		t.Error("Enabled but not running should read unhealthy")
	}

	d.SetChainRunning(true)
	if !d.ChainHealthy() {
		t.Error("Running watcher should read healthy")
	}
}
