// Package exchange is the HTTP client for the RISE testnet trading API.
// One client is shared by every component that talks to the exchange so
// the rate limiter covers their combined request load.
package exchange

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

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const requestTimeout = 30 * time.Second

// APIError is returned when the exchange answered with an error, or when
// the request could not be made at all (Status 0).
type APIError struct {
	Message string
	Status  int
}

func (e *APIError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("exchange: %s (status %d)", e.Message, e.Status)
	}
	return fmt.Sprintf("exchange: %s", e.Message)
}

// num tolerates the exchange's habit of sending numerics either as JSON
// numbers or as decimal strings, depending on the endpoint.
type num float64

func (n *num) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*n = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse number %s: %w", data, err)
	}
	*n = num(f)
	return nil
}

// Market is one tradable instrument as listed by /v1/markets. Change24h is
// the absolute price move over 24h, not a fraction.
type Market struct {
	ID          int    `json:"market_id"`
	Symbol      string `json:"symbol"`
	BaseAsset   string `json:"base_asset_symbol"`
	LastPrice   num    `json:"last_price"`
	IndexPrice  num    `json:"index_price"`
	Change24h   num    `json:"change_24h"`
	High24h     num    `json:"high_24h"`
	Low24h      num    `json:"low_24h"`
	DailyVolume num    `json:"daily_volume"`
	FundingRate num    `json:"funding_rate"`
	Available   bool   `json:"available"`
}

// BaseSymbol reduces "BTC/USDC" to "BTC".
func (m Market) BaseSymbol() string {
	if i := strings.IndexByte(m.BaseAsset, '/'); i >= 0 {
		return m.BaseAsset[:i]
	}
	if m.BaseAsset != "" {
		return m.BaseAsset
	}
	return m.Symbol
}

// Price returns the last traded price.
func (m Market) Price() float64 { return float64(m.LastPrice) }

// ChangeFraction converts the absolute 24h change into a fraction of the
// price 24h ago.
func (m Market) ChangeFraction() float64 {
	price := float64(m.LastPrice)
	change := float64(m.Change24h)
	ago := price - change
	if ago <= 0 {
		return 0
	}
	return change / ago
}

// Candle is one trading-view bar.
type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// Account is the cross-margin account snapshot.
type Account struct {
	Address    string  `json:"address"`
	Equity     float64 `json:"equity"`
	Balance    float64 `json:"balance"`
	FreeMargin float64 `json:"free_margin"`
}

// Position is one open position. Size is signed: negative means short.
type Position struct {
	MarketID   int     `json:"market_id"`
	Size       float64 `json:"size"`
	EntryPrice float64 `json:"entry_price"`
}

// OrderRequest submits a market-style order. The testnet executes these as
// IOC limit orders with price 0.
type OrderRequest struct {
	Account    string  `json:"account"`
	MarketID   int     `json:"market_id"`
	Side       string  `json:"side"`
	Size       float64 `json:"size"`
	Price      float64 `json:"price"`
	OrderType  string  `json:"order_type"`
	TIF        int     `json:"tif"`
	ReduceOnly bool    `json:"reduce_only"`
	ClientID   string  `json:"client_id,omitempty"`
}

// Order is the exchange's answer to an order submission.
type Order struct {
	OrderID   string  `json:"order_id"`
	Status    string  `json:"status"`
	FillPrice float64 `json:"fill_price"`
}

type Client struct {
	baseURL string
	httpc   *http.Client
	limiter *rate.Limiter
	log     *logrus.Logger
}

// NewClient builds a client that makes at most rps requests per second
// with a small burst allowance.
func NewClient(baseURL string, rps float64, log *logrus.Logger) *Client {
	if rps <= 0 {
		rps = 5
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpc:   &http.Client{Timeout: requestTimeout},
		limiter: rate.NewLimiter(rate.Limit(rps), 10),
		log:     log,
	}
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit: %w", err)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &APIError{Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{Message: fmt.Sprintf("read response: %v", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("HTTP %d", resp.StatusCode)
		var parsed struct {
			Message string `json:"message"`
			Error   string `json:"error"`
		}
		if json.Unmarshal(data, &parsed) == nil {
			if parsed.Message != "" {
				msg = parsed.Message
			}
			if parsed.Error != "" {
				msg += ": " + parsed.Error
			}
		}
		return &APIError{Message: msg, Status: resp.StatusCode}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return &APIError{Message: fmt.Sprintf("decode response: %v", err)}
		}
	}
	return nil
}

// Markets lists the tradable instruments.
func (c *Client) Markets(ctx context.Context) ([]Market, error) {
	var resp struct {
		Data struct {
			Markets []Market `json:"markets"`
		} `json:"data"`
	}
	if err := c.request(ctx, http.MethodGet, "/v1/markets", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data.Markets, nil
}

// Candles fetches trading-view bars for a market, oldest first.
func (c *Client) Candles(ctx context.Context, marketID int, resolution string, limit int) ([]Candle, error) {
	q := url.Values{}
	q.Set("resolution", resolution)
	q.Set("limit", strconv.Itoa(limit))
	var resp struct {
		Data []Candle `json:"data"`
	}
	path := fmt.Sprintf("/v1/markets/id/%d/trading-view-data", marketID)
	if err := c.request(ctx, http.MethodGet, path, q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// LatestPrice returns the most recent close for a market, or 0 when the
// exchange has no bars for it.
func (c *Client) LatestPrice(ctx context.Context, marketID int) (float64, error) {
	candles, err := c.Candles(ctx, marketID, "1H", 1)
	if err != nil {
		return 0, err
	}
	if len(candles) == 0 {
		return 0, nil
	}
	return candles[len(candles)-1].Close, nil
}

// AccountInfo fetches the cross-margin account snapshot for an address.
func (c *Client) AccountInfo(ctx context.Context, address string) (Account, error) {
	var resp struct {
		Data Account `json:"data"`
	}
	if err := c.request(ctx, http.MethodGet, "/v1/accounts/"+address, nil, nil, &resp); err != nil {
		return Account{}, err
	}
	if resp.Data.Address == "" {
		resp.Data.Address = address
	}
	return resp.Data, nil
}

// Positions lists all open positions for an address.
func (c *Client) Positions(ctx context.Context, address string) ([]Position, error) {
	q := url.Values{}
	q.Set("account", address)
	var resp struct {
		Positions []Position `json:"positions"`
	}
	if err := c.request(ctx, http.MethodGet, "/v1/positions", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Positions, nil
}

// PlaceOrder submits req. Market-style behavior comes from order_type
// "limit" with price 0 and an IOC time-in-force.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (Order, error) {
	if req.OrderType == "" {
		req.OrderType = "limit"
	}
	if req.TIF == 0 {
		req.TIF = 3
	}
	var resp struct {
		Data Order `json:"data"`
	}
	if err := c.request(ctx, http.MethodPost, "/v1/orders", nil, req, &resp); err != nil {
		return Order{}, err
	}
	c.log.WithFields(logrus.Fields{
		"market_id": req.MarketID,
		"side":      req.Side,
		"size":      req.Size,
		"order_id":  resp.Data.OrderID,
	}).Info("order submitted")
	return resp.Data, nil
}
