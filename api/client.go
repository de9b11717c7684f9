// Package api contains clients for the venue's public data API, the CLOB
// order book endpoints, and the chain log subscription.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/vicente-simoes/polymarket-copybot-sub000/models"
)

const (
	defaultDataAPIURL = "https://data-api.polymarket.com"
	defaultClobAPIURL = "https://clob.polymarket.com"
)

// ActivityRecord is one trade row from the data API's activity feed.
type ActivityRecord struct {
	ProxyWallet     string  `json:"proxyWallet"`
	Side            string  `json:"side"`
	ConditionID     string  `json:"conditionId"`
	Outcome         string  `json:"outcome"`
	Asset           string  `json:"asset"` // outcome token id
	Size            float64 `json:"size"`
	Price           float64 `json:"price"`
	UsdcSize        float64 `json:"usdcSize"`
	Timestamp       int64   `json:"timestamp"` // unix seconds
	TransactionHash string  `json:"transactionHash"`
	Type            string  `json:"type"`
	Title           string  `json:"title"`
	EventSlug       string  `json:"eventSlug"`
}

// ActivityQuery selects a leader's trades newer than After.
type ActivityQuery struct {
	User   string
	After  int64 // unix seconds, exclusive lower bound
	Limit  int
	Offset int
}

// Client talks to the venue's public data API. A shared rate limiter keeps
// backfill bursts under the venue's documented limits.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a data API client. rps bounds outbound request rate;
// zero means a conservative default.
func NewClient(baseURL string, rps float64) *Client {
	if baseURL == "" {
		baseURL = defaultDataAPIURL
	}
	if rps <= 0 {
		rps = 4
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Limit(rps), int(rps)+1),
	}
}

// GetActivity fetches one page of TRADE activity for a user, newest first.
// Filtering by q.After happens server side; callers still re-check timestamps
// because the feed's ordering key has one-second granularity.
func (c *Client) GetActivity(ctx context.Context, q ActivityQuery) ([]ActivityRecord, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	values := url.Values{}
	values.Set("user", q.User)
	values.Set("type", "TRADE")
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		values.Set("offset", strconv.Itoa(q.Offset))
	}
	if q.After > 0 {
		values.Set("start", strconv.FormatInt(q.After, 10))
	}

	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/activity?"+values.Encode(), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("get activity: rate limited (429)")
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("get activity failed: %d %s", resp.StatusCode, string(body))
	}

	var records []ActivityRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("failed to decode activity: %w", err)
	}
	return records, nil
}

// GetActivitySince pages through the activity feed until it reaches records
// at or before the after timestamp, or runs out of pages.
func (c *Client) GetActivitySince(ctx context.Context, user string, after int64, pageLimit int) ([]ActivityRecord, error) {
	if pageLimit <= 0 {
		pageLimit = 100
	}

	var all []ActivityRecord
	offset := 0
	for {
		page, err := c.GetActivity(ctx, ActivityQuery{
			User:   user,
			After:  after,
			Limit:  pageLimit,
			Offset: offset,
		})
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}

		done := false
		for _, rec := range page {
			if rec.Timestamp <= after {
				done = true
				break
			}
			all = append(all, rec)
		}
		if done || len(page) < pageLimit {
			break
		}
		offset += pageLimit
	}
	return all, nil
}

// ToNormalizedFill converts an activity record into the ingestion contract's
// normalized form. The role is unknown on this path; the chain source carries
// maker/taker attribution.
func (r ActivityRecord) ToNormalizedFill(detectedAt time.Time) models.NormalizedFill {
	return models.NormalizedFill{
		Source:       models.SourceAPI,
		LeaderWallet: r.ProxyWallet,
		Role:         models.RoleUnknown,
		TxHash:       r.TransactionHash,
		TokenID:      r.Asset,
		ConditionID:  r.ConditionID,
		Outcome:      r.Outcome,
		Title:        r.Title,
		EventSlug:    r.EventSlug,
		Side:         models.Side(r.Side),
		Price:        r.Price,
		Size:         r.Size,
		UsdcSize:     r.UsdcSize,
		FillTs:       time.Unix(r.Timestamp, 0).UTC(),
		DetectedAt:   detectedAt,
	}
}
