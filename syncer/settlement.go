package syncer

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/vicente-simoes/polymarket-copybot-sub000/api"
	"github.com/vicente-simoes/polymarket-copybot-sub000/config"
	"github.com/vicente-simoes/polymarket-copybot-sub000/models"
	"github.com/vicente-simoes/polymarket-copybot-sub000/storage"
)

// Settler sweeps open paper positions and settles the ones whose market has
// resolved: winners pay out $1 a share, losers go to zero, and either way the
// position closes with a resolution row for the P&L trail.
type Settler struct {
	store   storage.Store
	market  api.MarketDataInterface
	cfg     func() *config.Config
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewSettler(store storage.Store, market api.MarketDataInterface, cfg func() *config.Config) *Settler {
	return &Settler{
		store:  store,
		market: market,
		cfg:    cfg,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start launches the settlement loop.
func (s *Settler) Start(ctx context.Context) {
	if s.running {
		return
	}
	s.running = true
	go s.loop(ctx)
	log.Printf("[Settler] Started - checking resolutions every %ds", s.cfg().Settlement.IntervalSec)
}

// Stop halts the loop and waits for the current sweep.
func (s *Settler) Stop() {
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
	<-s.doneCh
	log.Printf("[Settler] Stopped")
}

func (s *Settler) loop(ctx context.Context) {
	defer close(s.doneCh)
	for {
		interval := time.Duration(s.cfg().Settlement.IntervalSec) * time.Second
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-time.After(interval):
		}
		s.Sweep(ctx)
	}
}

// Sweep runs one settlement pass. One market lookup covers every outcome held
// in the same condition.
func (s *Settler) Sweep(ctx context.Context) {
	positions, err := s.store.ListOpenPaperPositions(ctx)
	if err != nil {
		log.Printf("[Settler] Cannot list positions: %v", err)
		return
	}
	if len(positions) == 0 {
		return
	}

	markets := make(map[string]*api.MarketInfo)
	settled := 0

	for _, pos := range positions {
		info, fetched := markets[pos.ConditionID]
		if !fetched {
			info, err = s.market.GetMarket(ctx, pos.ConditionID)
			if err != nil {
				log.Printf("[Settler] Market lookup failed for %s: %v", pos.ConditionID, err)
				continue
			}
			markets[pos.ConditionID] = info
		}
		if info == nil || !info.Closed {
			continue
		}

		won, known := outcomeWon(info, pos.Outcome)
		if !known {
			// Closed but no winner flagged yet (e.g. pending UMA dispute);
			// try again next sweep.
			continue
		}

		if err := s.settle(ctx, pos, won); err != nil {
			log.Printf("[Settler] Settlement failed for %s %s: %v", pos.ConditionID, pos.Outcome, err)
			continue
		}
		settled++
	}

	if settled > 0 {
		log.Printf("[Settler] Settled %d position(s)", settled)
	}
}

func (s *Settler) settle(ctx context.Context, pos models.PaperPosition, won bool) error {
	closed, res := ApplyResolution(pos, won)
	if _, err := s.store.InsertResolution(ctx, res); err != nil {
		return err
	}
	if err := s.store.SavePaperPosition(ctx, closed); err != nil {
		return err
	}
	log.Printf("[Settler] %s %s resolved %s: %.2f shares, realized $%.2f",
		pos.ConditionID, pos.Outcome, resolvedWord(won), res.Shares, res.RealizedPnl)
	return nil
}

// outcomeWon reports whether the held outcome token won, and whether the
// market has flagged any winner at all.
func outcomeWon(info *api.MarketInfo, outcome string) (won, known bool) {
	for _, tok := range info.Tokens {
		if tok.Winner {
			known = true
			if strings.EqualFold(tok.Outcome, outcome) {
				won = true
			}
		}
	}
	return won, known
}

func resolvedWord(won bool) string {
	if won {
		return "WON"
	}
	return "LOST"
}
