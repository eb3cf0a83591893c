package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"attendance-sync-backend/config"
)

const (
	authPath         = "/jwt-api-token-auth/"
	transactionsPath = "/iclock/api/transactions/"
)

// Client talks to the terminal API. All methods return plain errors on
// timeouts and non-2xx responses; the caller decides whether a failure ends a
// tick or propagates.
type Client struct {
	cfg      *config.UpstreamConfig
	client   *http.Client
	location *time.Location
}

// NewClient creates an upstream API client for the configured terminal server.
func NewClient(cfg *config.UpstreamConfig) (*Client, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", cfg.Timezone, err)
	}
	return &Client{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.FetchTimeout},
		location: loc,
	}, nil
}

// Location returns the system timezone punch timestamps are interpreted in.
func (c *Client) Location() *time.Location {
	return c.location
}

// Authenticate exchanges the service credential for a short-lived bearer token.
func (c *Client) Authenticate(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.AuthTimeout)
	defer cancel()

	body, err := json.Marshal(map[string]string{
		"username": c.cfg.Username,
		"password": c.cfg.Password,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal auth payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+authPath, bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("failed to create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("auth request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("auth returned status %d", resp.StatusCode)
	}

	var auth authResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return "", fmt.Errorf("failed to decode auth response: %w", err)
	}
	if auth.Token == "" {
		return "", fmt.Errorf("auth response contained no token")
	}
	return auth.Token, nil
}

// FetchByDateRange pulls every transaction whose punch time falls on the given
// calendar day, paginating until a page comes back shorter than the page size.
func (c *Client) FetchByDateRange(ctx context.Context, token string, day time.Time) ([]Transaction, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, c.location)
	dayEnd := dayStart.Add(24*time.Hour - time.Second)

	var all []Transaction
	pageSize := c.cfg.PageSize
	for page := 1; ; page++ {
		params := url.Values{}
		params.Set("punch_time__gte", dayStart.Format("2006-01-02 15:04:05"))
		params.Set("punch_time__lte", dayEnd.Format("2006-01-02 15:04:05"))
		params.Set("page", strconv.Itoa(page))
		params.Set("page_size", strconv.Itoa(pageSize))

		resp, err := c.fetchPage(ctx, token, params)
		if err != nil {
			return nil, fmt.Errorf("fetching page %d for %s: %w", page, dayStart.Format("2006-01-02"), err)
		}
		all = append(all, resp.Data...)
		if len(resp.Data) < pageSize {
			break
		}
	}
	return all, nil
}

// FetchNewestDescending pulls transactions ordered by descending id, keeping
// only ids above afterID. Pagination stops as soon as a page yields no
// qualifying transaction or the cap is reached. This sidesteps the upstream's
// unreliable date filtering for live polling.
func (c *Client) FetchNewestDescending(ctx context.Context, token string, afterID int64, limit int) ([]Transaction, error) {
	var all []Transaction
	pageSize := c.cfg.PageSize
	for page := 1; ; page++ {
		params := url.Values{}
		params.Set("ordering", "-id")
		params.Set("page", strconv.Itoa(page))
		params.Set("page_size", strconv.Itoa(pageSize))

		resp, err := c.fetchPage(ctx, token, params)
		if err != nil {
			return nil, fmt.Errorf("fetching descending page %d: %w", page, err)
		}

		qualifying := 0
		for _, tx := range resp.Data {
			if tx.ID > afterID {
				all = append(all, tx)
				qualifying++
			}
		}
		if qualifying == 0 || len(resp.Data) < pageSize {
			break
		}
		if len(all) >= limit {
			all = all[:limit]
			break
		}
	}
	return all, nil
}

// fetchPage performs a single GET against the transactions-list endpoint.
func (c *Client) fetchPage(ctx context.Context, token string, params url.Values) (*transactionPage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+transactionsPath+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "JWT "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("received non-200 status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var page transactionPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transactions page: %w", err)
	}
	return &page, nil
}
