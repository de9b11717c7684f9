package api

import (
	"context"
	"sync"
)

// DataAPIInterface is the slice of the data API client the detector uses.
// It exists so tests can inject canned activity feeds.
type DataAPIInterface interface {
	GetActivity(ctx context.Context, q ActivityQuery) ([]ActivityRecord, error)
	GetActivitySince(ctx context.Context, user string, after int64, pageLimit int) ([]ActivityRecord, error)
}

// MarketDataInterface is the slice of the CLOB client used for quotes,
// mappings, and resolution checks.
type MarketDataInterface interface {
	GetOrderBook(ctx context.Context, tokenID string) (*OrderBook, error)
	GetOrderBooks(ctx context.Context, tokenIDs []string) ([]OrderBook, error)
	GetMarket(ctx context.Context, conditionID string) (*MarketInfo, error)
}

var _ DataAPIInterface = (*Client)(nil)
var _ MarketDataInterface = (*ClobClient)(nil)
var _ DataAPIInterface = (*MockDataClient)(nil)
var _ MarketDataInterface = (*MockMarketClient)(nil)

// MockDataClient serves canned activity pages keyed by wallet.
type MockDataClient struct {
	mu sync.RWMutex

	// Activity holds records per wallet, newest first, the way the live
	// feed orders them.
	Activity map[string][]ActivityRecord

	Calls       map[string]int
	ErrorOnNext map[string]error
}

// NewMockDataClient creates an empty mock data API client.
func NewMockDataClient() *MockDataClient {
	return &MockDataClient{
		Activity:    make(map[string][]ActivityRecord),
		Calls:       make(map[string]int),
		ErrorOnNext: make(map[string]error),
	}
}

func (m *MockDataClient) trackCall(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls[name]++
	if err, ok := m.ErrorOnNext[name]; ok {
		delete(m.ErrorOnNext, name)
		return err
	}
	return nil
}

// SetActivity replaces the canned feed for a wallet.
func (m *MockDataClient) SetActivity(wallet string, records []ActivityRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Activity[wallet] = records
}

func (m *MockDataClient) GetActivity(_ context.Context, q ActivityQuery) ([]ActivityRecord, error) {
	if err := m.trackCall("GetActivity"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ActivityRecord
	for _, rec := range m.Activity[q.User] {
		if q.After > 0 && rec.Timestamp <= q.After {
			continue
		}
		out = append(out, rec)
	}
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MockDataClient) GetActivitySince(ctx context.Context, user string, after int64, pageLimit int) ([]ActivityRecord, error) {
	if err := m.trackCall("GetActivitySince"); err != nil {
		return nil, err
	}
	return m.GetActivity(ctx, ActivityQuery{User: user, After: after})
}

// MockMarketClient serves canned books and market metadata.
type MockMarketClient struct {
	mu sync.RWMutex

	Books   map[string]*OrderBook  // tokenID -> book
	Markets map[string]*MarketInfo // conditionID -> info

	Calls       map[string]int
	ErrorOnNext map[string]error
}

// NewMockMarketClient creates an empty mock market-data client.
func NewMockMarketClient() *MockMarketClient {
	return &MockMarketClient{
		Books:       make(map[string]*OrderBook),
		Markets:     make(map[string]*MarketInfo),
		Calls:       make(map[string]int),
		ErrorOnNext: make(map[string]error),
	}
}

func (m *MockMarketClient) trackCall(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls[name]++
	if err, ok := m.ErrorOnNext[name]; ok {
		delete(m.ErrorOnNext, name)
		return err
	}
	return nil
}

// SetBook installs a canned book for a token.
func (m *MockMarketClient) SetBook(tokenID string, book *OrderBook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Books[tokenID] = book
}

// SetMarket installs canned market metadata.
func (m *MockMarketClient) SetMarket(conditionID string, info *MarketInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Markets[conditionID] = info
}

func (m *MockMarketClient) GetOrderBook(_ context.Context, tokenID string) (*OrderBook, error) {
	if err := m.trackCall("GetOrderBook"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if book, ok := m.Books[tokenID]; ok {
		return book, nil
	}
	return &OrderBook{AssetID: tokenID}, nil
}

func (m *MockMarketClient) GetOrderBooks(ctx context.Context, tokenIDs []string) ([]OrderBook, error) {
	if err := m.trackCall("GetOrderBooks"); err != nil {
		return nil, err
	}
	out := make([]OrderBook, 0, len(tokenIDs))
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range tokenIDs {
		if book, ok := m.Books[id]; ok {
			out = append(out, *book)
		}
	}
	return out, nil
}

func (m *MockMarketClient) GetMarket(_ context.Context, conditionID string) (*MarketInfo, error) {
	if err := m.trackCall("GetMarket"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if info, ok := m.Markets[conditionID]; ok {
		return info, nil
	}
	return nil, nil
}
