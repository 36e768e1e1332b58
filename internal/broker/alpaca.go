package broker

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

	"golang.org/x/time/rate"
)

const (
	liveTradingURL  = "https://api.alpaca.markets"
	paperTradingURL = "https://paper-api.alpaca.markets"
	marketDataURL   = "https://data.alpaca.markets"

	defaultHTTPTimeout = 30 * time.Second

	// Alpaca allows 200 requests/min on the free tier; stay under it.
	tradingRatePerMin    = 180
	marketDataRatePerMin = 180
)

// APIError represents a gateway error with status code and response body.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// Retryable reports whether the HTTP status indicates a transient condition.
func (e *APIError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// AlpacaClient is the REST gateway to the Alpaca trading and market data APIs.
type AlpacaClient struct {
	client      *http.Client
	apiKey      string
	apiSecret   string
	tradingURL  string
	dataURL     string
	tradeLimit  *rate.Limiter
	dataLimit   *rate.Limiter
}

// Ensure AlpacaClient implements Broker at compile time.
var _ Broker = (*AlpacaClient)(nil)

// NewAlpacaClient creates a gateway client. paper selects the paper-trading
// endpoint; endpoint, when non-empty, overrides the trading base URL.
func NewAlpacaClient(apiKey, apiSecret string, paper bool, endpoint string) *AlpacaClient {
	tradingURL := liveTradingURL
	if paper {
		tradingURL = paperTradingURL
	}
	if endpoint != "" {
		tradingURL = endpoint
	}

	return &AlpacaClient{
		client:     &http.Client{Timeout: defaultHTTPTimeout},
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		tradingURL: tradingURL,
		dataURL:    marketDataURL,
		tradeLimit: rate.NewLimiter(rate.Limit(float64(tradingRatePerMin)/60.0), 10),
		dataLimit:  rate.NewLimiter(rate.Limit(float64(marketDataRatePerMin)/60.0), 10),
	}
}

// WithDataURL overrides the market data base URL (tests).
func (a *AlpacaClient) WithDataURL(u string) *AlpacaClient {
	a.dataURL = u
	return a
}

func (a *AlpacaClient) makeRequest(
	ctx context.Context, limiter *rate.Limiter, method, endpoint string, body, out interface{},
) error {
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("APCA-API-KEY-ID", a.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", a.apiSecret)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Body: string(data)}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
	}
	return nil
}

// ============ wire types ============

type accountResponse struct {
	BuyingPower          string `json:"buying_power"`
	NonMarginBuyingPower string `json:"non_marginable_buying_power"`
	PortfolioValue       string `json:"portfolio_value"`
	Equity               string `json:"equity"`
}

type positionResponse struct {
	Symbol        string `json:"symbol"`
	AssetClass    string `json:"asset_class"`
	Qty           string `json:"qty"`
	AvgEntryPrice string `json:"avg_entry_price"`
	Side          string `json:"side"`
}

type orderResponse struct {
	ID             string `json:"id"`
	ClientOrderID  string `json:"client_order_id"`
	Symbol         string `json:"symbol"`
	Status         string `json:"status"`
	Side           string `json:"side"`
	Type           string `json:"type"`
	Qty            string `json:"qty"`
	FilledQty      string `json:"filled_qty"`
	FilledAvgPrice string `json:"filled_avg_price"`
	LimitPrice     string `json:"limit_price"`
	SubmittedAt    string `json:"submitted_at"`
}

type clockResponse struct {
	Timestamp string `json:"timestamp"`
	IsOpen    bool   `json:"is_open"`
	NextOpen  string `json:"next_open"`
	NextClose string `json:"next_close"`
}

type optionContractsResponse struct {
	OptionContracts []struct {
		Symbol         string `json:"symbol"`
		UnderlyingSym  string `json:"underlying_symbol"`
		Type           string `json:"type"`
		StrikePrice    string `json:"strike_price"`
		ExpirationDate string `json:"expiration_date"`
		OpenInterest   string `json:"open_interest"`
	} `json:"option_contracts"`
	NextPageToken *string `json:"next_page_token"`
}

type optionSnapshotsResponse struct {
	Snapshots map[string]struct {
		LatestQuote *struct {
			BidPrice float64 `json:"bp"`
			AskPrice float64 `json:"ap"`
		} `json:"latestQuote"`
		Greeks *struct {
			Delta float64 `json:"delta"`
		} `json:"greeks"`
	} `json:"snapshots"`
}

type latestTradesResponse struct {
	Trades map[string]struct {
		Price float64 `json:"p"`
	} `json:"trades"`
}

type latestQuotesResponse struct {
	Quotes map[string]struct {
		BidPrice float64 `json:"bp"`
		AskPrice float64 `json:"ap"`
	} `json:"quotes"`
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func (o *orderResponse) toOrder() *Order {
	submitted, _ := time.Parse(time.RFC3339, o.SubmittedAt)
	return &Order{
		ID:             o.ID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         o.Symbol,
		Status:         o.Status,
		Side:           o.Side,
		Type:           o.Type,
		Qty:            parseFloat(o.Qty),
		FilledQty:      parseFloat(o.FilledQty),
		FilledAvgPrice: parseFloat(o.FilledAvgPrice),
		LimitPrice:     parseFloat(o.LimitPrice),
		SubmittedAt:    submitted,
	}
}

// ============ API methods ============

// GetAccount retrieves the account buying-power snapshot.
func (a *AlpacaClient) GetAccount(ctx context.Context) (*Account, error) {
	var resp accountResponse
	if err := a.makeRequest(ctx, a.tradeLimit, http.MethodGet, a.tradingURL+"/v2/account", nil, &resp); err != nil {
		return nil, err
	}
	return &Account{
		BuyingPower:          parseFloat(resp.BuyingPower),
		NonMarginBuyingPower: parseFloat(resp.NonMarginBuyingPower),
		PortfolioValue:       parseFloat(resp.PortfolioValue),
		Equity:               parseFloat(resp.Equity),
	}, nil
}

// GetPositions retrieves all open positions.
func (a *AlpacaClient) GetPositions(ctx context.Context) ([]Position, error) {
	var resp []positionResponse
	if err := a.makeRequest(ctx, a.tradeLimit, http.MethodGet, a.tradingURL+"/v2/positions", nil, &resp); err != nil {
		return nil, err
	}
	positions := make([]Position, 0, len(resp))
	for _, p := range resp {
		positions = append(positions, Position{
			Symbol:        p.Symbol,
			AssetClass:    p.AssetClass,
			Qty:           parseFloat(p.Qty),
			AvgEntryPrice: parseFloat(p.AvgEntryPrice),
			Side:          p.Side,
		})
	}
	return positions, nil
}

// GetQuote retrieves the latest quote and trade for an equity symbol.
func (a *AlpacaClient) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	params := url.Values{}
	params.Set("symbols", symbol)

	var trades latestTradesResponse
	endpoint := a.dataURL + "/v2/stocks/trades/latest?" + params.Encode()
	if err := a.makeRequest(ctx, a.dataLimit, http.MethodGet, endpoint, nil, &trades); err != nil {
		return nil, err
	}
	trade, ok := trades.Trades[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: no trade for symbol %s", ErrMalformedResponse, symbol)
	}

	var quotes latestQuotesResponse
	endpoint = a.dataURL + "/v2/stocks/quotes/latest?" + params.Encode()
	if err := a.makeRequest(ctx, a.dataLimit, http.MethodGet, endpoint, nil, &quotes); err != nil {
		return nil, err
	}
	q := quotes.Quotes[symbol]

	return &Quote{Symbol: symbol, Bid: q.BidPrice, Ask: q.AskPrice, Last: trade.Price}, nil
}

// GetOptionChain retrieves option contracts for an underlying within a DTE
// window and merges in quote/greeks snapshots. optionType is "put" or "call".
func (a *AlpacaClient) GetOptionChain(
	ctx context.Context, underlying, optionType string, minDTE, maxDTE int,
) ([]Contract, error) {
	now := time.Now().UTC()
	params := url.Values{}
	params.Set("underlying_symbols", underlying)
	params.Set("type", optionType)
	params.Set("expiration_date_gte", now.AddDate(0, 0, minDTE).Format("2006-01-02"))
	params.Set("expiration_date_lte", now.AddDate(0, 0, maxDTE).Format("2006-01-02"))
	params.Set("limit", "500")

	var contractsResp optionContractsResponse
	endpoint := a.tradingURL + "/v2/options/contracts?" + params.Encode()
	if err := a.makeRequest(ctx, a.tradeLimit, http.MethodGet, endpoint, nil, &contractsResp); err != nil {
		return nil, err
	}
	if len(contractsResp.OptionContracts) == 0 {
		return nil, nil
	}

	snapParams := url.Values{}
	snapParams.Set("feed", "indicative")
	snapEndpoint := a.dataURL + "/v1beta1/options/snapshots/" + url.PathEscape(underlying) + "?" + snapParams.Encode()
	var snapResp optionSnapshotsResponse
	if err := a.makeRequest(ctx, a.dataLimit, http.MethodGet, snapEndpoint, nil, &snapResp); err != nil {
		return nil, err
	}

	contracts := make([]Contract, 0, len(contractsResp.OptionContracts))
	for _, c := range contractsResp.OptionContracts {
		snap, ok := snapResp.Snapshots[c.Symbol]
		if !ok || snap.LatestQuote == nil || snap.Greeks == nil {
			continue // no market data, not a candidate
		}
		expiration, err := time.Parse("2006-01-02", c.ExpirationDate)
		if err != nil {
			continue
		}
		oi, _ := strconv.ParseInt(c.OpenInterest, 10, 64)
		contracts = append(contracts, Contract{
			Symbol:       c.Symbol,
			Underlying:   c.UnderlyingSym,
			OptionType:   c.Type,
			Strike:       parseFloat(c.StrikePrice),
			Expiration:   expiration.UTC(),
			Bid:          snap.LatestQuote.BidPrice,
			Ask:          snap.LatestQuote.AskPrice,
			Delta:        snap.Greeks.Delta,
			OpenInterest: oi,
		})
	}
	return contracts, nil
}

// GetMarketClock retrieves the market session clock.
func (a *AlpacaClient) GetMarketClock(ctx context.Context) (*Clock, error) {
	var resp clockResponse
	if err := a.makeRequest(ctx, a.tradeLimit, http.MethodGet, a.tradingURL+"/v2/clock", nil, &resp); err != nil {
		return nil, err
	}
	ts, _ := time.Parse(time.RFC3339, resp.Timestamp)
	nextOpen, _ := time.Parse(time.RFC3339, resp.NextOpen)
	nextClose, _ := time.Parse(time.RFC3339, resp.NextClose)
	return &Clock{IsOpen: resp.IsOpen, Timestamp: ts, NextOpen: nextOpen, NextClose: nextClose}, nil
}

// SubmitOrder submits an order and returns the gateway's acknowledgment.
func (a *AlpacaClient) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	payload := map[string]interface{}{
		"symbol":        req.Symbol,
		"qty":           strconv.Itoa(req.Qty),
		"side":          req.Side,
		"type":          req.Type,
		"time_in_force": req.TimeInForce,
	}
	if req.Type == "limit" {
		payload["limit_price"] = strconv.FormatFloat(req.LimitPrice, 'f', 2, 64)
	}
	if req.ClientOrderID != "" {
		payload["client_order_id"] = req.ClientOrderID
	}

	var resp orderResponse
	if err := a.makeRequest(ctx, a.tradeLimit, http.MethodPost, a.tradingURL+"/v2/orders", payload, &resp); err != nil {
		return nil, err
	}
	return resp.toOrder(), nil
}

// GetOrderStatus retrieves the current state of an order.
func (a *AlpacaClient) GetOrderStatus(ctx context.Context, orderID string) (*Order, error) {
	var resp orderResponse
	endpoint := a.tradingURL + "/v2/orders/" + url.PathEscape(orderID)
	if err := a.makeRequest(ctx, a.tradeLimit, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	return resp.toOrder(), nil
}

// CancelOrder cancels a single open order.
func (a *AlpacaClient) CancelOrder(ctx context.Context, orderID string) error {
	endpoint := a.tradingURL + "/v2/orders/" + url.PathEscape(orderID)
	return a.makeRequest(ctx, a.tradeLimit, http.MethodDelete, endpoint, nil, nil)
}

// CancelAllOrders cancels every open order on the account.
func (a *AlpacaClient) CancelAllOrders(ctx context.Context) error {
	return a.makeRequest(ctx, a.tradeLimit, http.MethodDelete, a.tradingURL+"/v2/orders", nil, nil)
}

// LiquidateAllPositions closes all positions at market. Used by fresh start.
func (a *AlpacaClient) LiquidateAllPositions(ctx context.Context) error {
	return a.makeRequest(ctx, a.tradeLimit, http.MethodDelete, a.tradingURL+"/v2/positions?cancel_orders=true", nil, nil)
}

// ReplaceOrder updates the limit price of an open order, used by the
// limit-order repricing loop.
func (a *AlpacaClient) ReplaceOrder(ctx context.Context, orderID string, qty int, limitPrice float64) (*Order, error) {
	payload := map[string]interface{}{
		"qty":         strconv.Itoa(qty),
		"limit_price": strconv.FormatFloat(limitPrice, 'f', 2, 64),
	}
	var resp orderResponse
	endpoint := a.tradingURL + "/v2/orders/" + url.PathEscape(orderID)
	if err := a.makeRequest(ctx, a.tradeLimit, http.MethodPatch, endpoint, payload, &resp); err != nil {
		return nil, err
	}
	return resp.toOrder(), nil
}
