package api

import (
	"context"
	"sync"
	"time"

	"github.com/vicente-simoes/polymarket-copybot-sub000/models"
)

// quoteRing is a fixed-size ring of quote snapshots, oldest overwritten
// first.
type quoteRing struct {
	data   []models.Quote
	size   int
	cursor int
	count  int
}

func newQuoteRing(size int) *quoteRing {
	return &quoteRing{data: make([]models.Quote, size), size: size}
}

func (r *quoteRing) add(q models.Quote) {
	if r.count < r.size {
		r.count++
	}
	r.data[r.cursor] = q
	r.cursor = (r.cursor + 1) % r.size
}

func (r *quoteRing) latest() (models.Quote, bool) {
	if r.count == 0 {
		return models.Quote{}, false
	}
	return r.data[(r.cursor-1+r.size)%r.size], true
}

// all returns snapshots from oldest to newest.
func (r *quoteRing) all() []models.Quote {
	if r.count == r.size {
		out := make([]models.Quote, 0, r.size)
		out = append(out, r.data[r.cursor:]...)
		out = append(out, r.data[:r.cursor]...)
		return out
	}
	return append([]models.Quote(nil), r.data[:r.count]...)
}

// BookCache serves order books with a short TTL so a burst of decisions on
// the same market costs one CLOB request, and keeps a ring of quote history
// per market for price-move checks.
type BookCache struct {
	clob MarketDataInterface
	ttl  time.Duration

	mu     sync.RWMutex
	books  map[string]cachedBook // tokenID -> book
	rings  map[string]*quoteRing // marketKey -> history
	ringSz int
}

type cachedBook struct {
	book      *OrderBook
	fetchedAt time.Time
}

// NewBookCache creates a cache over the CLOB client. ttl bounds staleness of
// served books; ringSize bounds per-market quote history.
func NewBookCache(clob MarketDataInterface, ttl time.Duration, ringSize int) *BookCache {
	if ttl <= 0 {
		ttl = time.Second
	}
	if ringSize <= 0 {
		ringSize = 256
	}
	return &BookCache{
		clob:   clob,
		ttl:    ttl,
		books:  make(map[string]cachedBook),
		rings:  make(map[string]*quoteRing),
		ringSz: ringSize,
	}
}

// GetBook returns the cached book if fresh, fetching otherwise. marketKey may
// be empty when the caller does not want quote history recorded.
func (c *BookCache) GetBook(ctx context.Context, tokenID, marketKey string) (*OrderBook, error) {
	c.mu.RLock()
	entry, ok := c.books[tokenID]
	c.mu.RUnlock()
	if ok && time.Since(entry.fetchedAt) < c.ttl {
		return entry.book, nil
	}

	book, err := c.clob.GetOrderBook(ctx, tokenID)
	if err != nil {
		// Serve a stale book rather than nothing; the decision layer
		// applies its own staleness policy on the recorded timestamp.
		if ok {
			return entry.book, nil
		}
		return nil, err
	}

	now := time.Now()
	c.mu.Lock()
	c.books[tokenID] = cachedBook{book: book, fetchedAt: now}
	if marketKey != "" {
		c.record(marketKey, tokenID, book, now)
	}
	c.mu.Unlock()
	return book, nil
}

// Refresh bulk-fetches books for the given tokens in one CLOB round trip and
// replaces any cached entries. Quote history is untouched; the per-token GetBook
// path owns the rings.
func (c *BookCache) Refresh(ctx context.Context, tokenIDs []string) error {
	if len(tokenIDs) == 0 {
		return nil
	}
	books, err := c.clob.GetOrderBooks(ctx, tokenIDs)
	if err != nil {
		return err
	}
	now := time.Now()
	c.mu.Lock()
	for i := range books {
		book := books[i]
		c.books[book.AssetID] = cachedBook{book: &book, fetchedAt: now}
	}
	c.mu.Unlock()
	return nil
}

// record appends a best bid/ask snapshot. Caller holds c.mu.
func (c *BookCache) record(marketKey, tokenID string, book *OrderBook, now time.Time) {
	bid, hasBid := book.BestBid()
	ask, hasAsk := book.BestAsk()
	if !hasBid && !hasAsk {
		return
	}
	ring, ok := c.rings[marketKey]
	if !ok {
		ring = newQuoteRing(c.ringSz)
		c.rings[marketKey] = ring
	}
	ring.add(models.Quote{
		MarketKey:  marketKey,
		TokenID:    tokenID,
		BestBid:    bid,
		BestAsk:    ask,
		CapturedAt: now,
	})
}

// LatestQuote returns the most recent snapshot for a market, if any.
func (c *BookCache) LatestQuote(marketKey string) (models.Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ring, ok := c.rings[marketKey]
	if !ok {
		return models.Quote{}, false
	}
	return ring.latest()
}

// QuoteHistory returns snapshots oldest first.
func (c *BookCache) QuoteHistory(marketKey string) []models.Quote {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ring, ok := c.rings[marketKey]
	if !ok {
		return nil
	}
	return ring.all()
}

// FetchedAt reports when the cached book for a token was last refreshed.
func (c *BookCache) FetchedAt(tokenID string) (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.books[tokenID]
	if !ok {
		return time.Time{}, false
	}
	return entry.fetchedAt, true
}
