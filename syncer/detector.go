package syncer

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vicente-simoes/polymarket-copybot-sub000/api"
	"github.com/vicente-simoes/polymarket-copybot-sub000/config"
	"github.com/vicente-simoes/polymarket-copybot-sub000/models"
	"github.com/vicente-simoes/polymarket-copybot-sub000/retry"
	"github.com/vicente-simoes/polymarket-copybot-sub000/storage"
)

// Detector drives both detection sources: it polls the data API per leader
// on a jittered interval, and receives chain events pushed by the log
// watcher. Everything funnels into the Engine; dedupe keys are the only
// cross-source ordering mechanism.
type Detector struct {
	store   storage.Store
	data    api.DataAPIInterface
	engine  *Engine
	metrics *Metrics
	cfg     func() *config.Config

	breaker *retry.CircuitBreaker

	chainEnabled atomic.Bool
	chainRunning atomic.Bool

	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewDetector wires the detector over the shared engine.
func NewDetector(store storage.Store, data api.DataAPIInterface, engine *Engine,
	metrics *Metrics, cfg func() *config.Config) *Detector {
	d := &Detector{
		store:   store,
		data:    data,
		engine:  engine,
		metrics: metrics,
		cfg:     cfg,
		breaker: retry.NewCircuitBreaker("data-api", 5, 30*time.Second),
		stopCh:  make(chan struct{}),
	}
	engine.SetChainHealth(d.ChainHealthy)
	return d
}

// SetChainEnabled marks whether a chain watcher should be feeding events.
// The stale-data guardrail reads this through ChainHealthy.
func (d *Detector) SetChainEnabled(enabled bool) { d.chainEnabled.Store(enabled) }

// SetChainRunning is flipped by the process that owns the chain watcher.
func (d *Detector) SetChainRunning(running bool) { d.chainRunning.Store(running) }

// ChainHealthy reports whether the chain feed is live, or irrelevant.
func (d *Detector) ChainHealthy() bool {
	return !d.chainEnabled.Load() || d.chainRunning.Load()
}

// Start initializes cursors, runs the startup backfill where warm start is
// configured, and launches the poll loop.
func (d *Detector) Start(ctx context.Context) error {
	if d.running {
		return fmt.Errorf("detector already running")
	}
	cfg := d.cfg()

	leaders, err := d.store.ListLeaders(ctx, true)
	if err != nil {
		return fmt.Errorf("list leaders: %w", err)
	}
	for _, leader := range leaders {
		if _, err := d.initCursor(ctx, leader, cfg); err != nil {
			return err
		}
	}

	if cfg.Ingestion.WarmStart {
		if err := d.backfill(ctx, leaders, cfg); err != nil {
			log.Printf("[Detector] Backfill incomplete: %v", err)
		}
	}

	d.running = true
	d.wg.Add(1)
	go d.pollLoop(ctx)
	log.Printf("[Detector] Started - polling %d leaders every %dms", len(leaders), cfg.Ingestion.PollIntervalMS)
	return nil
}

// Stop halts the poll loop and waits for in-flight cycles.
func (d *Detector) Stop() {
	if !d.running {
		return
	}
	d.running = false
	close(d.stopCh)
	d.wg.Wait()
	log.Printf("[Detector] Stopped")
}

// initCursor sets a leader's watermark on first contact: "now" for a flat
// start, "now − warmWindow" for a warm start whose history the backfill pass
// will ingest. Returns the effective cursor either way.
func (d *Detector) initCursor(ctx context.Context, leader models.Leader, cfg *config.Config) (time.Time, error) {
	if !leader.CursorTs.IsZero() && leader.CursorTs.Unix() > 0 {
		return leader.CursorTs, nil
	}
	cursor := time.Now().UTC()
	if cfg.Ingestion.WarmStart {
		cursor = cursor.Add(-time.Duration(cfg.Ingestion.WarmWindowHours) * time.Hour)
	}
	if err := d.store.UpdateLeaderCursor(ctx, leader.Wallet, cursor); err != nil {
		return time.Time{}, fmt.Errorf("init cursor for %s: %w", leader.Wallet, err)
	}
	log.Printf("[Detector] Cursor for %s initialized to %s", shortAddr(leader.Wallet), cursor.Format(time.RFC3339))
	return cursor, nil
}

// backfill ingests each leader's warm window in rate-limited batches. Fills
// are flagged historical and never decisioned.
func (d *Detector) backfill(ctx context.Context, leaders []models.Leader, cfg *config.Config) error {
	batchSize := cfg.Ingestion.BackfillBatchSize
	if batchSize <= 0 {
		batchSize = 5
	}

	for start := 0; start < len(leaders); start += batchSize {
		end := min(start+batchSize, len(leaders))

		var wg sync.WaitGroup
		for _, leader := range leaders[start:end] {
			wg.Add(1)
			go func(l models.Leader) {
				defer wg.Done()
				if err := d.pollLeader(ctx, l, true); err != nil {
					log.Printf("[Detector] Backfill failed for %s: %v", shortAddr(l.Wallet), err)
				}
			}(leader)
		}
		wg.Wait()

		// Breathe between batches; the client's limiter bounds rps inside
		// a batch but bursts still add up across many leaders.
		if end < len(leaders) && cfg.Ingestion.BackfillRPS > 0 {
			pause := time.Duration(float64(batchSize)/cfg.Ingestion.BackfillRPS*1000) * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pause):
			}
		}
	}
	log.Printf("[Detector] Backfill pass complete for %d leaders", len(leaders))
	return nil
}

func (d *Detector) pollLoop(ctx context.Context) {
	defer d.wg.Done()

	for {
		cfg := d.cfg()
		interval := time.Duration(cfg.Ingestion.PollIntervalMS) * time.Millisecond
		if jitter := cfg.Ingestion.PollJitterMS; jitter > 0 {
			interval += time.Duration(rand.Intn(jitter)) * time.Millisecond
		}

		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-time.After(interval):
		}

		// Chain-only mode leaves the activity feed alone; the chain
		// handler's bounded re-polls are the only API traffic.
		if cfg.Ingestion.TriggerMode == "chain" {
			continue
		}

		d.runCycle(ctx, cfg)
	}
}

// runCycle polls every enabled leader with bounded fan-out and a stagger
// delay between launches. One leader failing never blocks the others.
func (d *Detector) runCycle(ctx context.Context, cfg *config.Config) {
	leaders, err := d.store.ListLeaders(ctx, true)
	if err != nil {
		log.Printf("[Detector] Cannot list leaders: %v", err)
		return
	}

	maxConcurrent := cfg.Ingestion.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	sem := make(chan struct{}, maxConcurrent)
	stagger := time.Duration(cfg.Ingestion.StaggerDelayMS) * time.Millisecond

	var wg sync.WaitGroup
	for i, leader := range leaders {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-d.stopCh:
			wg.Wait()
			return
		default:
		}

		if i > 0 && stagger > 0 {
			time.Sleep(stagger)
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(l models.Leader) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := d.pollLeader(ctx, l, false); err != nil {
				d.metrics.incr(&d.metrics.FailedCycles)
				log.Printf("[Detector] Poll failed for %s: %v", shortAddr(l.Wallet), err)
			}
		}(leader)
	}
	wg.Wait()
	d.metrics.incr(&d.metrics.APIPolls)
}

// pollLeader fetches everything since cursor − overlap, ingests oldest
// first, and advances the cursor only after the whole window processed. A
// failure mid-window leaves the cursor put so the next cycle re-fetches the
// tail.
func (d *Detector) pollLeader(ctx context.Context, leader models.Leader, backfill bool) error {
	cfg := d.cfg()

	current, err := d.store.GetLeader(ctx, leader.Wallet)
	if err != nil {
		return fmt.Errorf("get leader: %w", err)
	}
	if current == nil || !current.Enabled {
		return nil
	}

	// Leaders added at runtime arrive with no watermark; they get the same
	// flat/warm initialization as startup leaders so their history is never
	// replayed as live trades.
	cursor := current.CursorTs
	if cursor.IsZero() || cursor.Unix() <= 0 {
		cursor, err = d.initCursor(ctx, *current, cfg)
		if err != nil {
			return err
		}
	}

	overlap := time.Duration(cfg.Ingestion.OverlapWindowSec) * time.Second
	since := cursor.Add(-overlap).Unix()

	var records []api.ActivityRecord
	err = d.breaker.Call(func() error {
		return retry.Do(ctx, retry.DefaultPolicy(), func(ctx context.Context) error {
			var fetchErr error
			records, fetchErr = d.data.GetActivitySince(ctx, leader.Wallet, since, cfg.Ingestion.PageLimit)
			return fetchErr
		})
	})
	if err != nil {
		return fmt.Errorf("fetch activity: %w", err)
	}
	if len(records) == 0 {
		return nil
	}

	// Oldest first so the leader ledger replays in trade order.
	maxTs := cursor
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		if rec.Type != "" && rec.Type != "TRADE" {
			continue
		}

		nf := rec.ToNormalizedFill(time.Now())
		if _, err := d.engine.IngestFill(ctx, nf, IngestOptions{Backfill: backfill}); err != nil {
			return fmt.Errorf("ingest %s: %w", nf.TxHash, err)
		}
		if nf.FillTs.After(maxTs) {
			maxTs = nf.FillTs
		}
	}

	// +1s past the newest fill; the activity feed's ordering key has
	// one-second granularity.
	if maxTs.After(cursor) {
		if err := d.store.UpdateLeaderCursor(ctx, leader.Wallet, maxTs.Add(time.Second)); err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
	}
	return nil
}

// HandleChainFill is the chain watcher's callback. The chain sees a fill
// first most of the time but carries no market semantics, so the richer API
// record is preferred: re-poll the leader with a bounded wait, and only
// write the chain-derived record if the API never produces one.
func (d *Detector) HandleChainFill(fill models.NormalizedFill) {
	d.metrics.incr(&d.metrics.ChainEvents)
	cfg := d.cfg()

	ctx, cancel := context.WithTimeout(context.Background(),
		2*time.Duration(cfg.Ingestion.ChainAPIWaitMS)*time.Millisecond+30*time.Second)
	defer cancel()

	// Resolve what we can from the mapping index before anything else so
	// the latency event and any fallback record carry market fields.
	d.engine.enrich(ctx, &fill)

	if err := d.store.InsertLatencyEvent(ctx, models.LatencyEvent{
		DedupeKey:  fill.SemanticKey(),
		Source:     models.SourceChain,
		DetectedAt: fill.DetectedAt,
	}); err != nil {
		log.Printf("[Detector] Chain latency event failed: %v", err)
	}

	// Reconnects replay old logs. A fill already older than the chain
	// staleness window is recorded as historical, never copied at today's
	// prices.
	staleAfter := time.Duration(cfg.Ingestion.ChainStaleSec) * time.Second
	stale := staleAfter > 0 && time.Since(fill.FillTs) > staleAfter

	if cfg.Ingestion.TriggerMode == "chain" {
		// API polling is off; the chain record is all there is.
		if _, err := d.engine.IngestFill(ctx, fill, IngestOptions{Backfill: stale}); err != nil {
			log.Printf("[Detector] Chain ingest failed: %v", err)
		}
		return
	}

	leader, err := d.store.GetLeader(ctx, fill.LeaderWallet)
	if err != nil || leader == nil {
		return
	}

	retries := cfg.Ingestion.ChainAPIRetries
	if retries <= 0 {
		retries = 5
	}
	waitBudget := time.Duration(cfg.Ingestion.ChainAPIWaitMS) * time.Millisecond
	policy := retry.Policy{
		MaxAttempts: retries,
		BaseDelay:   waitBudget / time.Duration(retries*2),
		MaxDelay:    waitBudget / 2,
		Jitter:      true,
	}

	err = retry.Do(ctx, policy, func(ctx context.Context) error {
		if pollErr := d.pollLeader(ctx, *leader, false); pollErr != nil {
			return pollErr
		}
		seen, checkErr := d.store.HasAPIFillForTx(ctx, fill.LeaderWallet, fill.TxHash)
		if checkErr != nil {
			return checkErr
		}
		if !seen {
			return fmt.Errorf("api record for %s not yet visible", fill.TxHash)
		}
		return nil
	})
	if err == nil {
		log.Printf("[Detector] Chain-first fill %s reconciled via API", shortAddr(fill.TxHash))
		return
	}

	// API never surfaced it within the budget; keep the chain-derived
	// record. Its API-shape dedupe key still absorbs a late API arrival.
	fill.Source = models.SourceChainFallback
	if _, err := d.engine.IngestFill(ctx, fill, IngestOptions{Backfill: stale}); err != nil {
		log.Printf("[Detector] Chain fallback ingest failed: %v", err)
		return
	}
	log.Printf("[Detector] Chain fallback recorded for %s (api wait exhausted)", shortAddr(fill.TxHash))
}
