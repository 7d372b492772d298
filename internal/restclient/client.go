// Package restclient implements the REST Client (spec §4.4): authenticated
// calls to the broker's historical running-trade endpoint and to the short
// auxiliary endpoint that returns a per-session trading key. The client
// itself never retries -- callers (the scheduler, the streaming session)
// own the retry policy, per spec.
package restclient

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cloudmanic/stockbit-ingest/internal/errs"
)

// CredentialSource is the read-side the client needs from the Credential
// Store: the current bearer token and cookie string.
type CredentialSource interface {
	GetToken() string
	GetCookies() string
}

// Client wraps authenticated HTTP calls to the broker.
type Client struct {
	baseURL    string
	cred       CredentialSource
	httpClient *http.Client
}

// New creates a Client. timeout <= 0 falls back to 30s (spec §5: "HTTP
// requests have a finite timeout (default 30 s)").
func New(baseURL string, cred CredentialSource, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		cred:    cred,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Trade is one row of the running-trade historical endpoint.
type Trade struct {
	ID           string `json:"id"`
	Date         string `json:"date"`
	Time         string `json:"time"`
	Action       string `json:"action"`
	Code         string `json:"code"`
	Price        string `json:"price"`
	Change       string `json:"change"`
	Lot          string `json:"lot"`
	Buyer        string `json:"buyer"`
	Seller       string `json:"seller"`
	TradeNumber  string `json:"trade_number"`
	BuyerType    string `json:"buyer_type"`
	SellerType   string `json:"seller_type"`
	MarketBoard  string `json:"market_board"`
}

type tradesResponse struct {
	Rows       []Trade `json:"rows"`
	NextCursor string  `json:"next_cursor"`
}

// FetchTrades retrieves one page of historical running trades for ticker on
// date. cursor == "" means "most recent page"; pass the returned
// NextCursor on subsequent calls to walk backwards in time. A returned
// nextCursor of "" means there are no more pages.
func (c *Client) FetchTrades(ticker, date, cursor string) (rows []Trade, nextCursor string, err error) {
	u, err := url.Parse(c.baseURL + "/order-trade/running-trade")
	if err != nil {
		return nil, "", fmt.Errorf("restclient: invalid base URL: %w", err)
	}

	q := u.Query()
	q.Set("ticker", ticker)
	q.Set("date", date)
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	u.RawQuery = q.Encode()

	var resp tradesResponse
	if err := c.get(u.String(), &resp); err != nil {
		return nil, "", err
	}

	return resp.Rows, resp.NextCursor, nil
}

type tradingKeyResponse struct {
	Key string `json:"key"`
}

// FetchTradingKey retrieves the short opaque trading key required as field
// 3 of the streaming subscription frame. Returns errs.AuthExpired if the
// current bearer token is rejected.
func (c *Client) FetchTradingKey() (string, error) {
	var resp tradingKeyResponse
	if err := c.get(c.baseURL+"/auth/websocket/key", &resp); err != nil {
		return "", err
	}
	return resp.Key, nil
}

// get performs an authenticated GET and unmarshals the JSON body into out.
// Status codes are mapped to the §7 error taxonomy; the client issues the
// request exactly once regardless of outcome.
func (c *Client) get(rawURL string, out interface{}) error {
	req, err := http.NewRequest(http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("restclient: build request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cred.GetToken())
	if cookies := c.cred.GetCookies(); cookies != "" {
		req.Header.Set("Cookie", cookies)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errs.NewRetryable(fmt.Errorf("restclient: request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.NewRetryable(fmt.Errorf("restclient: read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errs.NewAuthExpired(fmt.Errorf("restclient: status %d: %s", resp.StatusCode, body))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return errs.NewRetryable(fmt.Errorf("restclient: status %d: %s", resp.StatusCode, body))
	case resp.StatusCode != http.StatusOK:
		return errs.NewMalformed(fmt.Errorf("restclient: unexpected status %d: %s", resp.StatusCode, body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return errs.NewMalformed(fmt.Errorf("restclient: parse response: %w", err))
	}

	return nil
}
