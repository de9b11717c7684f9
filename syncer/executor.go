package syncer

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vicente-simoes/polymarket-copybot-sub000/api"
	"github.com/vicente-simoes/polymarket-copybot-sub000/models"
	"github.com/vicente-simoes/polymarket-copybot-sub000/storage"
)

// ExecutionRequest is what the ingestion pipeline hands to an execution
// adapter after a TRADE decision.
type ExecutionRequest struct {
	IntentID    int64
	TokenID     string
	ConditionID string
	Outcome     string
	Title       string
	Side        models.Side
	TargetShares float64
	LimitPrice   float64
}

// ExecutionAdapter abstracts order execution. The shipped implementation is
// the paper simulator; a live adapter would sit behind the same interface.
type ExecutionAdapter interface {
	Submit(ctx context.Context, req ExecutionRequest) (*models.ExecutionAttempt, error)
	Cancel(ctx context.Context, attemptID string) error
}

// PaperExecutor fills requests against live order-book depth. It sweeps
// price levels on the marketable side up to the limit price, books partial
// fills, and auto-cancels the unfilled remainder when the order's TTL lapses.
type PaperExecutor struct {
	store   storage.Store
	books   *api.BookCache
	latency time.Duration
	ttl     time.Duration

	// Pending TTL timers by attempt id. The handle lives exactly as long
	// as the attempt can still be canceled.
	timers   map[string]*time.Timer
	timersMu sync.Mutex
}

var _ ExecutionAdapter = (*PaperExecutor)(nil)

// NewPaperExecutor creates the simulator. latency models order transit time;
// ttl bounds how long an unfilled remainder rests.
func NewPaperExecutor(store storage.Store, books *api.BookCache, latency, ttl time.Duration) *PaperExecutor {
	return &PaperExecutor{
		store:   store,
		books:   books,
		latency: latency,
		ttl:     ttl,
		timers:  make(map[string]*time.Timer),
	}
}

// Submit runs one attempt through the book and returns it in its
// post-sweep state. Position updates happen before the attempt is stored as
// filled, so a reader never sees a filled order with a stale position.
func (e *PaperExecutor) Submit(ctx context.Context, req ExecutionRequest) (*models.ExecutionAttempt, error) {
	attempt := models.ExecutionAttempt{
		ID:           uuid.NewString(),
		IntentID:     req.IntentID,
		TokenID:      req.TokenID,
		ConditionID:  req.ConditionID,
		Outcome:      req.Outcome,
		Side:         req.Side,
		TargetShares: req.TargetShares,
		LimitPrice:   req.LimitPrice,
		Status:       models.AttemptSubmitted,
		TTLMs:        e.ttl.Milliseconds(),
		SubmittedAt:  time.Now(),
	}
	if err := e.store.InsertAttempt(ctx, attempt); err != nil {
		return nil, fmt.Errorf("insert attempt: %w", err)
	}

	if e.latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.latency):
		}
	}

	marketKey := models.MarketKey(req.ConditionID, req.Outcome)
	book, err := e.books.GetBook(ctx, req.TokenID, marketKey)
	if err != nil {
		// No book, nothing fills; the order rests until its TTL cancels it.
		log.Printf("[Executor] No book for token %s: %v", req.TokenID, err)
		e.scheduleTTL(attempt.ID)
		return &attempt, nil
	}

	sweeps := sweepBook(book, req.Side, req.TargetShares, req.LimitPrice)

	var filled, cost float64
	now := time.Now()
	for _, sw := range sweeps {
		filled += sw.Shares
		cost += sw.Shares * sw.Price
		if err := e.store.InsertExecutionFill(ctx, models.ExecutionFill{
			AttemptID: attempt.ID,
			Price:     sw.Price,
			Shares:    sw.Shares,
			Usdc:      sw.Shares * sw.Price,
			FilledAt:  now,
		}); err != nil {
			return nil, fmt.Errorf("insert execution fill: %w", err)
		}
	}

	attempt.FilledShares = filled
	if filled > 0 {
		attempt.AvgFillPrice = cost / filled
	}

	// Ledger before status: the position must already reflect the fill by
	// the time the attempt reads as filled.
	if filled > 0 {
		if err := e.applyFill(ctx, req, filled, attempt.AvgFillPrice); err != nil {
			return nil, err
		}
	}

	switch {
	case filled >= req.TargetShares-shareEpsilon:
		attempt.Status = models.AttemptFilled
		attempt.CompletedAt = &now
	case filled > 0:
		attempt.Status = models.AttemptPartial
		e.scheduleTTL(attempt.ID)
	default:
		attempt.Status = models.AttemptSubmitted
		e.scheduleTTL(attempt.ID)
	}

	if err := e.store.UpdateAttempt(ctx, attempt); err != nil {
		return nil, fmt.Errorf("update attempt: %w", err)
	}

	log.Printf("[Executor] Attempt %s %s %s: filled %.4f/%.4f @ %.4f (%s)",
		attempt.ID[:8], attempt.Side, marketKey, filled, req.TargetShares,
		attempt.AvgFillPrice, attempt.Status)
	return &attempt, nil
}

// applyFill moves the own-side ledger for the filled quantity. Sells book a
// realized-P&L record.
func (e *PaperExecutor) applyFill(ctx context.Context, req ExecutionRequest, shares, avgPrice float64) error {
	pos, err := e.store.GetPaperPosition(ctx, req.ConditionID, req.Outcome)
	if err != nil {
		return fmt.Errorf("get position: %w", err)
	}
	if pos.TokenID == "" {
		pos.TokenID = req.TokenID
	}
	if pos.Title == "" {
		pos.Title = req.Title
	}

	if req.Side == models.SideSell {
		updated, res := ApplySell(pos, shares, avgPrice)
		if res.SoldShares > 0 {
			if _, err := e.store.InsertResolution(ctx, models.Resolution{
				ConditionID:     req.ConditionID,
				Outcome:         req.Outcome,
				Kind:            models.ResolutionSell,
				ResolutionPrice: avgPrice,
				Shares:          res.SoldShares,
				CostBasis:       res.CostRemoved,
				RealizedPnl:     res.RealizedPnl,
			}); err != nil {
				return fmt.Errorf("insert sell record: %w", err)
			}
		}
		pos = updated
	} else {
		pos = ApplyBuy(pos, shares, shares*avgPrice)
	}

	if err := e.store.SavePaperPosition(ctx, pos); err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	return nil
}

// scheduleTTL arms the auto-cancel timer for an attempt's unfilled
// remainder.
func (e *PaperExecutor) scheduleTTL(attemptID string) {
	if e.ttl <= 0 {
		return
	}
	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	e.timers[attemptID] = time.AfterFunc(e.ttl, func() {
		if err := e.cancel(context.Background(), attemptID); err != nil {
			log.Printf("[Executor] TTL cancel of %s failed: %v", attemptID[:8], err)
		}
	})
}

// Cancel cancels an attempt's pending remainder before its TTL fires.
func (e *PaperExecutor) Cancel(ctx context.Context, attemptID string) error {
	return e.cancel(ctx, attemptID)
}

func (e *PaperExecutor) cancel(ctx context.Context, attemptID string) error {
	e.timersMu.Lock()
	if timer, ok := e.timers[attemptID]; ok {
		timer.Stop()
		delete(e.timers, attemptID)
	}
	e.timersMu.Unlock()

	attempt, err := e.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return fmt.Errorf("get attempt: %w", err)
	}
	if attempt == nil {
		return fmt.Errorf("attempt %s not found", attemptID)
	}
	if attempt.Status == models.AttemptFilled || attempt.Status == models.AttemptCanceled {
		return nil
	}

	now := time.Now()
	attempt.Status = models.AttemptCanceled
	attempt.CompletedAt = &now
	if err := e.store.UpdateAttempt(ctx, *attempt); err != nil {
		return fmt.Errorf("update attempt: %w", err)
	}
	log.Printf("[Executor] Canceled attempt %s with %.4f/%.4f filled",
		attemptID[:8], attempt.FilledShares, attempt.TargetShares)
	return nil
}

// Shutdown stops all pending TTL timers without canceling the attempts.
func (e *PaperExecutor) Shutdown() {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	for id, timer := range e.timers {
		timer.Stop()
		delete(e.timers, id)
	}
}

// sweep is one slice taken from a book level.
type sweep struct {
	Price  float64
	Shares float64
}

// sweepBook consumes levels in price priority on the marketable side,
// stopping at the limit price. BUY sweeps asks from cheapest; SELL sweeps
// bids from richest.
func sweepBook(book *api.OrderBook, side models.Side, target, limit float64) []sweep {
	var levels []api.ParsedLevel
	if side == models.SideSell {
		levels = book.SortedBids()
	} else {
		levels = book.SortedAsks()
	}

	var out []sweep
	remaining := target
	for _, level := range levels {
		if remaining <= shareEpsilon {
			break
		}
		if side == models.SideSell {
			if level.Price < limit {
				break
			}
		} else {
			if level.Price > limit {
				break
			}
		}
		take := level.Size
		if take > remaining {
			take = remaining
		}
		if take <= 0 {
			continue
		}
		out = append(out, sweep{Price: level.Price, Shares: take})
		remaining -= take
	}
	return out
}
