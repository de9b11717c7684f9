package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ClobClient reads market data from the CLOB API: order books, market
// metadata, and resolution status.
type ClobClient struct {
	baseURL    string
	httpClient *http.Client
}

// OrderBook is the book for one outcome token.
type OrderBook struct {
	Market    string           `json:"market"`
	AssetID   string           `json:"asset_id"`
	Hash      string           `json:"hash"`
	Timestamp string           `json:"timestamp"`
	Bids      []OrderBookLevel `json:"bids"`
	Asks      []OrderBookLevel `json:"asks"`
}

// OrderBookLevel is a single price level. The API returns decimal strings.
type OrderBookLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// MarketInfo is market metadata from the CLOB.
type MarketInfo struct {
	ConditionID      string          `json:"condition_id"`
	QuestionID       string          `json:"question_id"`
	Tokens           []ClobTokenInfo `json:"tokens"`
	MinimumOrderSize string          `json:"minimum_order_size"`
	MinimumTickSize  string          `json:"minimum_tick_size"`
	Description      string          `json:"description"`
	EndDateISO       string          `json:"end_date_iso"`
	Active           bool            `json:"active"`
	Closed           bool            `json:"closed"`
	MarketSlug       string          `json:"market_slug"`
	NegRisk          bool            `json:"neg_risk"`
}

// ClobTokenInfo holds one outcome token of a market.
type ClobTokenInfo struct {
	TokenID string `json:"token_id"`
	Outcome string `json:"outcome"`
	Price   string `json:"price"`
	Winner  bool   `json:"winner"`
}

// NewClobClient creates a CLOB market-data client.
func NewClobClient(baseURL string) *ClobClient {
	if baseURL == "" {
		baseURL = defaultClobAPIURL
	}
	return &ClobClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// GetOrderBook fetches the book for one token.
func (c *ClobClient) GetOrderBook(ctx context.Context, tokenID string) (*OrderBook, error) {
	values := url.Values{}
	values.Set("token_id", tokenID)

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/book?"+values.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("get order book failed: %d %s", resp.StatusCode, string(body))
	}

	var book OrderBook
	if err := json.NewDecoder(resp.Body).Decode(&book); err != nil {
		return nil, fmt.Errorf("failed to decode order book: %w", err)
	}
	return &book, nil
}

// GetOrderBooks fetches books for several tokens in one request.
func (c *ClobClient) GetOrderBooks(ctx context.Context, tokenIDs []string) ([]OrderBook, error) {
	if len(tokenIDs) == 0 {
		return nil, nil
	}

	type bookParam struct {
		TokenID string `json:"token_id"`
	}
	params := make([]bookParam, len(tokenIDs))
	for i, id := range tokenIDs {
		params[i] = bookParam{TokenID: id}
	}
	payload, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/books", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("get order books failed: %d %s", resp.StatusCode, string(body))
	}

	var books []OrderBook
	if err := json.NewDecoder(resp.Body).Decode(&books); err != nil {
		return nil, fmt.Errorf("failed to decode order books: %w", err)
	}
	return books, nil
}

// GetMarket fetches market metadata, including outcome tokens and resolution
// status.
func (c *ClobClient) GetMarket(ctx context.Context, conditionID string) (*MarketInfo, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/markets/"+conditionID, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("get market failed: %d %s", resp.StatusCode, string(body))
	}

	var market MarketInfo
	if err := json.NewDecoder(resp.Body).Decode(&market); err != nil {
		return nil, fmt.Errorf("failed to decode market: %w", err)
	}
	return &market, nil
}

// TokenForOutcome finds the token for an outcome name, case-insensitive.
func (m *MarketInfo) TokenForOutcome(outcome string) (ClobTokenInfo, bool) {
	for _, tok := range m.Tokens {
		if strings.EqualFold(tok.Outcome, outcome) {
			return tok, true
		}
	}
	return ClobTokenInfo{}, false
}

// BestBid returns the highest bid. Books arrive sorted but the contract is
// loose, so scan.
func (b *OrderBook) BestBid() (float64, bool) {
	best := 0.0
	found := false
	for _, level := range b.Bids {
		price, err := strconv.ParseFloat(level.Price, 64)
		if err != nil {
			continue
		}
		if !found || price > best {
			best = price
			found = true
		}
	}
	return best, found
}

// BestAsk returns the lowest ask.
func (b *OrderBook) BestAsk() (float64, bool) {
	best := 0.0
	found := false
	for _, level := range b.Asks {
		price, err := strconv.ParseFloat(level.Price, 64)
		if err != nil {
			continue
		}
		if !found || price < best {
			best = price
			found = true
		}
	}
	return best, found
}

// SortedAsks returns ask levels as parsed floats ordered from best (lowest)
// price. Levels that fail to parse are dropped.
func (b *OrderBook) SortedAsks() []ParsedLevel {
	return parseLevels(b.Asks, func(a, b float64) bool { return a < b })
}

// SortedBids returns bid levels ordered from best (highest) price.
func (b *OrderBook) SortedBids() []ParsedLevel {
	return parseLevels(b.Bids, func(a, b float64) bool { return a > b })
}

// ParsedLevel is an order book level with numeric fields.
type ParsedLevel struct {
	Price float64
	Size  float64
}

func parseLevels(levels []OrderBookLevel, better func(a, b float64) bool) []ParsedLevel {
	out := make([]ParsedLevel, 0, len(levels))
	for _, level := range levels {
		price, err := strconv.ParseFloat(level.Price, 64)
		if err != nil {
			continue
		}
		size, err := strconv.ParseFloat(level.Size, 64)
		if err != nil {
			continue
		}
		out = append(out, ParsedLevel{Price: price, Size: size})
	}
	// Insertion sort; books are small and usually already ordered.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && better(out[j].Price, out[j-1].Price); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}
