package syncer

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/vicente-simoes/polymarket-copybot-sub000/api"
	"github.com/vicente-simoes/polymarket-copybot-sub000/config"
	"github.com/vicente-simoes/polymarket-copybot-sub000/models"
	"github.com/vicente-simoes/polymarket-copybot-sub000/storage"
)

// IngestStatus reports what happened to a submitted fill.
type IngestStatus string

const (
	StatusIngested  IngestStatus = "ingested"
	StatusDuplicate IngestStatus = "duplicate"
)

// IngestResult is the outcome of one IngestFill call.
type IngestResult struct {
	Status IngestStatus
	FillID int64
}

// IngestOptions modifies ingestion behavior per call.
type IngestOptions struct {
	// Backfill marks the fill historical: stored and reflected in the
	// leader ledger, but never decisioned.
	Backfill bool
}

// Engine is the single entry point both detection sources write through. It
// normalizes, deduplicates, and persists fills; for fresh fills it then runs
// the decision pipeline and hands TRADE intents to the execution adapter.
//
// Fills for one leader are serialized so the proportional-sell read of the
// leader's pre-sell position can never interleave with a second trade for
// the same wallet.
type Engine struct {
	store   storage.Store
	books   *api.BookCache
	market  api.MarketDataInterface
	exec    ExecutionAdapter
	metrics *Metrics
	cfg     func() *config.Config

	chainHealthy func() bool

	leaderMu map[string]*sync.Mutex
	muGuard  sync.Mutex
}

// NewEngine wires the ingestion engine. cfg returns the current hot-reloaded
// configuration.
func NewEngine(store storage.Store, books *api.BookCache, market api.MarketDataInterface,
	exec ExecutionAdapter, metrics *Metrics, cfg func() *config.Config) *Engine {
	return &Engine{
		store:        store,
		books:        books,
		market:       market,
		exec:         exec,
		metrics:      metrics,
		cfg:          cfg,
		chainHealthy: func() bool { return true },
		leaderMu:     make(map[string]*sync.Mutex),
	}
}

// SetChainHealth installs the chain-feed freshness probe used by the
// stale-data guardrail.
func (e *Engine) SetChainHealth(fn func() bool) {
	if fn != nil {
		e.chainHealthy = fn
	}
}

func (e *Engine) lockLeader(wallet string) func() {
	key := strings.ToLower(wallet)
	e.muGuard.Lock()
	mu, ok := e.leaderMu[key]
	if !ok {
		mu = &sync.Mutex{}
		e.leaderMu[key] = mu
	}
	e.muGuard.Unlock()
	mu.Lock()
	return mu.Unlock
}

// IngestFill is the ingestion contract. A duplicate dedupe key is a success
// no-op. Fresh non-backfill fills continue into decisioning and execution
// within the same call.
func (e *Engine) IngestFill(ctx context.Context, nf models.NormalizedFill, opts IngestOptions) (IngestResult, error) {
	unlock := e.lockLeader(nf.LeaderWallet)
	defer unlock()

	e.enrich(ctx, &nf)

	fill := models.LeaderFill{
		DedupeKey:    nf.DedupeKey(),
		Source:       nf.Source,
		LeaderWallet: strings.ToLower(nf.LeaderWallet),
		Role:         nf.Role,
		TxHash:       strings.ToLower(nf.TxHash),
		TokenID:      nf.TokenID,
		ConditionID:  nf.ConditionID,
		Outcome:      strings.ToUpper(nf.Outcome),
		Title:        nf.Title,
		EventSlug:    nf.EventSlug,
		Side:         nf.Side,
		Price:        nf.Price,
		Size:         nf.Size,
		UsdcSize:     nf.UsdcSize,
		FillTs:       nf.FillTs,
		DetectedAt:   nf.DetectedAt,
		IsBackfill:   opts.Backfill,
	}

	id, inserted, err := e.store.InsertFill(ctx, fill)
	if err != nil {
		return IngestResult{}, fmt.Errorf("ingest fill: %w", err)
	}
	fill.ID = id

	// Latency events use the cross-source semantic key so both sources'
	// detection times line up for the same trade. Recorded on duplicates
	// too: the second arrival is the comparison point.
	if err := e.store.InsertLatencyEvent(ctx, models.LatencyEvent{
		DedupeKey:  nf.SemanticKey(),
		Source:     nf.Source,
		DetectedAt: nf.DetectedAt,
	}); err != nil {
		log.Printf("[Ingest] Latency event write failed: %v", err)
	}

	if !inserted {
		e.metrics.incr(&e.metrics.Duplicates)
		if !opts.Backfill {
			if err := e.resumeIfUndecided(ctx, fill.DedupeKey); err != nil {
				return IngestResult{Status: StatusDuplicate, FillID: id}, err
			}
		}
		return IngestResult{Status: StatusDuplicate, FillID: id}, nil
	}

	e.metrics.recordDetection(nf.DetectedAt.Sub(nf.FillTs))
	if nf.Source == models.SourceChainFallback {
		e.metrics.incr(&e.metrics.ChainFallbacks)
	}

	if opts.Backfill {
		e.metrics.incr(&e.metrics.BackfillFills)
		// Historical fills still move the leader ledger so proportional
		// sells computed later see the leader's real position.
		if err := e.applyLeaderLedger(ctx, fill); err != nil {
			return IngestResult{}, err
		}
		return IngestResult{Status: StatusIngested, FillID: id}, nil
	}

	if err := e.decideAndExecute(ctx, fill); err != nil {
		// The fill is persisted; decision failures surface but do not
		// undo ingestion. The next overlap-window re-fetch resumes the
		// dropped work through the duplicate path.
		return IngestResult{Status: StatusIngested, FillID: id}, err
	}

	return IngestResult{Status: StatusIngested, FillID: id}, nil
}

// resumeIfUndecided finishes the pipeline for a persisted fill whose
// decisioning never completed, typically because an error or crash landed
// between the fill insert and the intent insert. The overlap window re-fetches
// such fills every cycle; without this, the duplicate short-circuit would make
// that retry a no-op forever.
func (e *Engine) resumeIfUndecided(ctx context.Context, dedupeKey string) error {
	intent, err := e.store.GetIntentByDedupeKey(ctx, dedupeKey)
	if err != nil {
		return fmt.Errorf("intent lookup: %w", err)
	}
	if intent != nil {
		return nil
	}
	stored, err := e.store.GetFillByDedupeKey(ctx, dedupeKey)
	if err != nil {
		return fmt.Errorf("fill lookup: %w", err)
	}
	if stored == nil || stored.IsBackfill {
		return nil
	}
	return e.decideAndExecute(ctx, *stored)
}

// enrich fills gaps a source could not supply: chain events arrive with only
// a token id, API records lack one only in rare cases. Mapping misses are
// resolved against the CLOB and written through.
func (e *Engine) enrich(ctx context.Context, nf *models.NormalizedFill) {
	if nf.ConditionID == "" && nf.TokenID != "" {
		if m, err := e.store.GetMappingByToken(ctx, nf.TokenID); err == nil && m != nil {
			nf.ConditionID = m.ConditionID
			nf.Outcome = m.Outcome
			if nf.Title == "" {
				nf.Title = m.Title
			}
		}
	}
	if nf.ConditionID == "" {
		return
	}

	existing, err := e.store.GetMarketMapping(ctx, nf.ConditionID, nf.Outcome)
	if err == nil && existing != nil {
		if nf.TokenID == "" {
			nf.TokenID = existing.TokenID
		}
		return
	}

	if e.market == nil {
		return
	}
	info, err := e.market.GetMarket(ctx, nf.ConditionID)
	if err != nil || info == nil {
		return
	}
	for _, tok := range info.Tokens {
		mapping := models.MarketMapping{
			ConditionID: nf.ConditionID,
			Outcome:     strings.ToUpper(tok.Outcome),
			TokenID:     tok.TokenID,
			Title:       nf.Title,
		}
		if err := e.store.SaveMarketMapping(ctx, mapping); err != nil {
			log.Printf("[Ingest] Mapping write failed for %s: %v", nf.ConditionID, err)
		}
		if strings.EqualFold(tok.Outcome, nf.Outcome) && nf.TokenID == "" {
			nf.TokenID = tok.TokenID
		}
	}
}

func (e *Engine) applyLeaderLedger(ctx context.Context, fill models.LeaderFill) error {
	if fill.Side != models.SideBuy && fill.Side != models.SideSell {
		return nil
	}
	if fill.ConditionID == "" {
		return nil
	}
	pos, err := e.store.GetLeaderPosition(ctx, fill.LeaderWallet, fill.ConditionID, fill.Outcome)
	if err != nil {
		return fmt.Errorf("leader position: %w", err)
	}
	pos = ApplyLeaderFill(pos, fill.Side, fill.Size)
	if err := e.store.SaveLeaderPosition(ctx, pos); err != nil {
		return fmt.Errorf("save leader position: %w", err)
	}
	return nil
}

// decideAndExecute runs the guardrail pipeline for one fresh fill. The
// leader ledger is read pre-fill for proportional sizing and advances in the
// same breath as the intent insert, so an execution failure afterwards never
// leaves the ledger behind.
func (e *Engine) decideAndExecute(ctx context.Context, fill models.LeaderFill) error {
	cfg := e.cfg()

	leader, err := e.store.GetLeader(ctx, fill.LeaderWallet)
	if err != nil {
		return fmt.Errorf("get leader: %w", err)
	}
	var overrides models.LeaderOverrides
	if leader != nil {
		overrides = leader.Overrides
	}

	marketKey := models.MarketKey(fill.ConditionID, fill.Outcome)
	quote := e.fetchQuote(ctx, fill.TokenID, marketKey, cfg)

	var preSell, ownShares float64
	if fill.ConditionID != "" {
		leaderPos, err := e.store.GetLeaderPosition(ctx, fill.LeaderWallet, fill.ConditionID, fill.Outcome)
		if err != nil {
			return fmt.Errorf("leader position: %w", err)
		}
		preSell = leaderPos.Shares

		ownPos, err := e.store.GetPaperPosition(ctx, fill.ConditionID, fill.Outcome)
		if err != nil {
			return fmt.Errorf("own position: %w", err)
		}
		ownShares = ownPos.Shares
	}

	risk, err := e.loadRiskState(ctx, quote, cfg)
	if err != nil {
		return err
	}

	eff := ResolveConfig(cfg.Guardrails, overrides, fill.Side)
	dec := Decide(DecisionInput{
		Fill:                fill,
		Quote:               quote,
		OwnShares:           ownShares,
		LeaderPreSellShares: preSell,
		Now:                 time.Now(),
	}, eff, *risk)

	intentID, err := e.store.InsertIntent(ctx, models.PaperIntent{
		FillID:       fill.ID,
		DedupeKey:    fill.DedupeKey,
		Decision:     dec.Action,
		Reason:       dec.Reason,
		Side:         fill.Side,
		TargetUsdc:   dec.TargetUsdc,
		TargetShares: dec.TargetShares,
		LimitPrice:   dec.LimitPrice,
	})
	if err != nil {
		return fmt.Errorf("insert intent: %w", err)
	}
	if intentID == 0 {
		// A racing path already decided this fill and moved the ledger.
		return nil
	}

	if err := e.applyLeaderLedger(ctx, fill); err != nil {
		return err
	}

	if dec.Action == models.ActionSkip {
		e.metrics.incr(&e.metrics.SkipIntents)
		log.Printf("[Ingest] SKIP %s %s %s: %s", shortAddr(fill.LeaderWallet),
			fill.Side, marketKey, dec.Reason)
		return nil
	}
	e.metrics.incr(&e.metrics.TradeIntents)
	log.Printf("[Ingest] TRADE %s %s %s: $%.2f @ %.4f (%s)",
		shortAddr(fill.LeaderWallet), fill.Side, marketKey,
		dec.TargetUsdc, dec.LimitPrice, dec.Reason)

	switch fill.Side {
	case models.SideMerge:
		return e.mirrorMerge(ctx, fill, preSell)
	case models.SideSplit:
		// Splits restructure the leader's collateral; there is nothing to
		// execute on the book and no value change to track.
		return nil
	}

	attempt, err := e.exec.Submit(ctx, ExecutionRequest{
		IntentID:     intentID,
		TokenID:      fill.TokenID,
		ConditionID:  fill.ConditionID,
		Outcome:      fill.Outcome,
		Title:        fill.Title,
		Side:         fill.Side,
		TargetShares: dec.TargetShares,
		LimitPrice:   dec.LimitPrice,
	})
	if err != nil {
		return fmt.Errorf("submit execution: %w", err)
	}

	if fill.Side == models.SideBuy && attempt.FilledShares > 0 {
		if err := e.recordSpend(ctx, fill, attempt.FilledShares*attempt.AvgFillPrice, risk); err != nil {
			return err
		}
	}
	return nil
}

// fetchQuote serves the current best bid/ask, recording the snapshot for
// history and persisting it through the store's cache.
func (e *Engine) fetchQuote(ctx context.Context, tokenID, marketKey string, cfg *config.Config) *models.Quote {
	if tokenID == "" || e.books == nil {
		return nil
	}
	if _, err := e.books.GetBook(ctx, tokenID, marketKey); err != nil {
		log.Printf("[Ingest] Quote fetch failed for %s: %v", marketKey, err)
		return nil
	}
	q, ok := e.books.LatestQuote(marketKey)
	if !ok {
		return nil
	}
	if err := e.store.SaveQuote(ctx, q); err != nil {
		log.Printf("[Ingest] Quote persist failed for %s: %v", marketKey, err)
	}

	staleAfter := time.Duration(cfg.Ingestion.QuoteStaleSec) * time.Second
	if staleAfter > 0 && time.Since(q.CapturedAt) > staleAfter {
		return nil
	}
	return &q
}

func (e *Engine) loadRiskState(ctx context.Context, quote *models.Quote, cfg *config.Config) (*models.RiskState, error) {
	day := time.Now().UTC().Format("2006-01-02")
	risk, err := e.store.GetRiskState(ctx, day)
	if err != nil {
		return nil, fmt.Errorf("risk state: %w", err)
	}

	open, err := e.store.CountOpenPaperPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("open positions: %w", err)
	}
	risk.OpenPositions = open
	risk.QuoteFresh = true
	if quote != nil {
		staleAfter := time.Duration(cfg.Ingestion.QuoteStaleSec) * time.Second
		risk.QuoteFresh = staleAfter <= 0 || time.Since(quote.CapturedAt) <= staleAfter
	}
	risk.ChainFresh = e.chainHealthy()
	return risk, nil
}

// recordSpend books realized spend into the persisted daily risk counters.
func (e *Engine) recordSpend(ctx context.Context, fill models.LeaderFill, usdc float64, risk *models.RiskState) error {
	risk.DailySpentUsdc += usdc
	if fill.EventSlug != "" {
		if risk.EventSpendUsdc == nil {
			risk.EventSpendUsdc = map[string]float64{}
		}
		risk.EventSpendUsdc[fill.EventSlug] += usdc
	}
	open, err := e.store.CountOpenPaperPositions(ctx)
	if err == nil {
		risk.OpenPositions = open
	}
	if err := e.store.SaveRiskState(ctx, *risk); err != nil {
		return fmt.Errorf("save risk state: %w", err)
	}
	return nil
}

// mirrorMerge redeems our own YES/NO pairs in proportion to the fraction of
// the leader's position merged away.
func (e *Engine) mirrorMerge(ctx context.Context, fill models.LeaderFill, leaderPreShares float64) error {
	if fill.ConditionID == "" || e.market == nil {
		return nil
	}
	info, err := e.market.GetMarket(ctx, fill.ConditionID)
	if err != nil || info == nil || len(info.Tokens) != 2 {
		log.Printf("[Ingest] Merge mirror skipped for %s: market not binary or unavailable", fill.ConditionID)
		return nil
	}

	var other string
	for _, tok := range info.Tokens {
		if !strings.EqualFold(tok.Outcome, fill.Outcome) {
			other = strings.ToUpper(tok.Outcome)
		}
	}
	if other == "" {
		return nil
	}

	yes, err := e.store.GetPaperPosition(ctx, fill.ConditionID, fill.Outcome)
	if err != nil {
		return err
	}
	no, err := e.store.GetPaperPosition(ctx, fill.ConditionID, other)
	if err != nil {
		return err
	}

	fraction := clamp01(fill.Size / max(leaderPreShares, preSellEpsilon))
	pairs := min(yes.Shares, no.Shares) * fraction
	yesOut, noOut, res := ApplyMerge(yes, no, pairs)
	if res.Pairs <= shareEpsilon {
		return nil
	}

	if _, err := e.store.InsertResolution(ctx, models.Resolution{
		ConditionID:     fill.ConditionID,
		Outcome:         fill.Outcome,
		Kind:            models.ResolutionMerge,
		ResolutionPrice: 1.0,
		Shares:          res.Pairs,
		CostBasis:       res.CostRemoved,
		RealizedPnl:     res.RealizedPnl,
	}); err != nil {
		return fmt.Errorf("insert merge record: %w", err)
	}
	if err := e.store.SavePaperPosition(ctx, yesOut); err != nil {
		return err
	}
	if err := e.store.SavePaperPosition(ctx, noOut); err != nil {
		return err
	}
	log.Printf("[Ingest] Merged %.4f pairs on %s (pnl $%.2f)", res.Pairs, fill.ConditionID, res.RealizedPnl)
	return nil
}

func shortAddr(addr string) string {
	if len(addr) > 10 {
		return addr[:10]
	}
	return addr
}
