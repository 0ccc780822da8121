package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"trading-engine/internal/errs"
	"trading-engine/internal/models"
	"trading-engine/internal/retry"
)

// Client is the net/http-backed Gateway implementation, following the
// teacher's LiveExchange.doRequest shape: one helper builds the
// canonical query string, signs it when needed, and classifies the
// exchange's {code,msg} error envelope.
type Client struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger

	mu         sync.Mutex
	timeOffset atomic.Int64

	stopSync chan struct{}
}

const timeSyncInterval = 60 * time.Second

// New builds a Client and performs an initial time sync so the first
// signed call already carries a correct timestamp.
func New(ctx context.Context, apiKey, secretKey, baseURL string, logger *zap.Logger) (*Client, error) {
	c := &Client{
		apiKey:     apiKey,
		secretKey:  secretKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
		stopSync:   make(chan struct{}),
	}

	if err := c.syncTime(ctx); err != nil {
		return nil, fmt.Errorf("initial time sync failed: %w", err)
	}
	go c.periodicSync()
	return c, nil
}

// Close stops the background time-sync loop.
func (c *Client) Close() {
	close(c.stopSync)
}

func (c *Client) periodicSync() {
	ticker := time.NewTicker(timeSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := c.syncTime(ctx); err != nil {
				c.logger.Warn("periodic time sync failed", zap.Error(err))
			}
			cancel()
		case <-c.stopSync:
			return
		}
	}
}

// syncTime follows the rtt-compensated formula from the pack's
// TimeSyncService: offset = serverTime - (afterLocal - rtt/2).
func (c *Client) syncTime(ctx context.Context) error {
	beforeLocal := time.Now().UnixMilli()
	serverTime, err := c.GetServerTime(ctx)
	if err != nil {
		return err
	}
	afterLocal := time.Now().UnixMilli()
	roundTrip := afterLocal - beforeLocal

	offset := serverTime - (afterLocal - roundTrip/2)
	c.timeOffset.Store(offset)
	c.logger.Info("synced exchange time", zap.Int64("timeOffsetMs", offset), zap.Int64("rttMs", roundTrip))
	return nil
}

// TimeOffset returns the last-synced offset in milliseconds.
func (c *Client) TimeOffset() int64 {
	return c.timeOffset.Load()
}

func (c *Client) sign(payload string) string {
	h := hmac.New(sha256.New, []byte(c.secretKey))
	h.Write([]byte(payload))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// doRequest issues one HTTP call, retried under retry.Default when
// the failure classifies as errs.Transient (network error, 5xx, rate
// limit) — signed requests re-sign with a fresh timestamp on every
// attempt, since a stale one would itself be rejected.
func (c *Client) doRequest(ctx context.Context, method, endpoint string, params url.Values, signed bool) ([]byte, error) {
	var body []byte
	var httpStatus int

	err := retry.Default.Do(ctx, func(err error) bool {
		return errs.Classify(err, httpStatus) == errs.Transient
	}, func() error {
		b, status, err := c.doRequestOnce(ctx, method, endpoint, params, signed)
		body, httpStatus = b, status
		return err
	})
	return body, err
}

func (c *Client) doRequestOnce(ctx context.Context, method, endpoint string, params url.Values, signed bool) ([]byte, int, error) {
	query := url.Values{}
	for k, v := range params {
		query[k] = v
	}

	var encoded string
	if signed {
		timestamp := time.Now().UnixMilli() + c.timeOffset.Load()
		query.Set("timestamp", strconv.FormatInt(timestamp, 10))
		payload := query.Encode()
		encoded = payload + "&signature=" + c.sign(payload)
	} else {
		encoded = query.Encode()
	}

	var req *http.Request
	var err error
	fullURL := c.baseURL + endpoint

	if method == http.MethodGet || method == http.MethodDelete {
		if encoded != "" {
			fullURL = fullURL + "?" + encoded
		}
		req, err = http.NewRequestWithContext(ctx, method, fullURL, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, fullURL, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("X-MBX-APIKEY", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	var apiErr errs.APIError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != 0 {
		return body, resp.StatusCode, fmt.Errorf("%s %s: %w", method, endpoint, &apiErr)
	}

	if resp.StatusCode != http.StatusOK {
		return body, resp.StatusCode, fmt.Errorf("%s %s: unexpected status %d: %s", method, endpoint, resp.StatusCode, string(body))
	}

	return body, resp.StatusCode, nil
}

func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/v3/time", nil, false)
	if err != nil {
		return 0, err
	}
	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return 0, fmt.Errorf("decode server time: %w", err)
	}
	return out.ServerTime, nil
}

func (c *Client) GetPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{"symbol": {symbol}}
	data, err := c.doRequest(ctx, http.MethodGet, "/api/v3/ticker/price", params, false)
	if err != nil {
		return 0, err
	}
	var out struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return 0, fmt.Errorf("decode price: %w", err)
	}
	return strconv.ParseFloat(out.Price, 64)
}

// Klines decodes the exchange's array-of-arrays kline wire format:
// [openTime, open, high, low, close, volume, closeTime, ...].
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]models.OHLC, error) {
	params := url.Values{
		"symbol":   {symbol},
		"interval": {interval},
		"limit":    {strconv.Itoa(limit)},
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/api/v3/klines", params, false)
	if err != nil {
		return nil, err
	}

	var rows [][]interface{}
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decode klines: %w", err)
	}

	out := make([]models.OHLC, 0, len(rows))
	for _, row := range rows {
		if len(row) < 7 {
			continue
		}
		candle := models.OHLC{
			OpenTime:  toInt64(row[0]),
			Open:      toFloat(row[1]),
			High:      toFloat(row[2]),
			Low:       toFloat(row[3]),
			Close:     toFloat(row[4]),
			Volume:    toFloat(row[5]),
			CloseTime: toInt64(row[6]),
		}
		out = append(out, candle)
	}
	return out, nil
}

func toFloat(v interface{}) float64 {
	switch t := v.(type) {
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	case float64:
		return t
	default:
		return 0
	}
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case string:
		i, _ := strconv.ParseInt(t, 10, 64)
		return i
	default:
		return 0
	}
}

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Filters []struct {
			FilterType string `json:"filterType"`
			TickSize   string `json:"tickSize"`
			StepSize   string `json:"stepSize"`
		} `json:"filters"`
	} `json:"symbols"`
}

func (c *Client) SymbolFilters(ctx context.Context, symbol string) (*models.SymbolFilters, error) {
	params := url.Values{"symbol": {symbol}}
	data, err := c.doRequest(ctx, http.MethodGet, "/api/v3/exchangeInfo", params, false)
	if err != nil {
		return nil, err
	}

	var out exchangeInfoResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode exchangeInfo: %w", err)
	}

	for _, s := range out.Symbols {
		if s.Symbol != symbol {
			continue
		}
		filters := &models.SymbolFilters{Symbol: symbol}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				filters.TickSize = f.TickSize
			case "LOT_SIZE":
				filters.StepSize = f.StepSize
			}
		}
		return filters, nil
	}
	return nil, fmt.Errorf("symbol %s not found in exchangeInfo", symbol)
}

func (c *Client) NewOrder(ctx context.Context, p models.OrderParams) (*models.OrderView, error) {
	params := url.Values{}
	params.Set("symbol", p.Symbol)
	params.Set("side", string(p.Side))
	params.Set("type", p.Type)
	params.Set("quantity", strconv.FormatFloat(p.Quantity, 'f', -1, 64))
	if p.Type == "LIMIT_MAKER" {
		params.Set("price", strconv.FormatFloat(p.Price, 'f', -1, 64))
	}
	if p.ClientOrderID != "" {
		params.Set("newClientOrderId", p.ClientOrderID)
	}

	data, err := c.doRequest(ctx, http.MethodPost, "/api/v3/order", params, true)
	if err != nil {
		return nil, err
	}
	return decodeOrderView(data)
}

func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	params := url.Values{
		"symbol":  {symbol},
		"orderId": {strconv.FormatInt(orderID, 10)},
	}
	_, err := c.doRequest(ctx, http.MethodDelete, "/api/v3/order", params, true)
	return err
}

func (c *Client) CancelAllOrders(ctx context.Context, symbol string) error {
	params := url.Values{"symbol": {symbol}}
	_, err := c.doRequest(ctx, http.MethodDelete, "/api/v3/openOrders", params, true)
	return err
}

func (c *Client) GetOrder(ctx context.Context, symbol string, orderID int64) (*models.OrderView, error) {
	params := url.Values{
		"symbol":  {symbol},
		"orderId": {strconv.FormatInt(orderID, 10)},
	}
	data, err := c.doRequest(ctx, http.MethodGet, "/api/v3/order", params, true)
	if err != nil {
		return nil, err
	}
	return decodeOrderView(data)
}

func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]models.OrderView, error) {
	params := url.Values{"symbol": {symbol}}
	data, err := c.doRequest(ctx, http.MethodGet, "/api/v3/openOrders", params, true)
	if err != nil {
		return nil, err
	}

	var raw []orderWire
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode openOrders: %w", err)
	}
	out := make([]models.OrderView, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.toView())
	}
	return out, nil
}

// GetAllOrders returns every order for symbol (open, filled, or
// canceled), optionally narrowed by opts. Resume does not use it: the
// runners rebuild their order records from GetOpenOrders.
func (c *Client) GetAllOrders(ctx context.Context, symbol string, opts models.AllOrdersOpts) ([]models.OrderView, error) {
	params := url.Values{"symbol": {symbol}}
	if opts.OrderID != 0 {
		params.Set("orderId", strconv.FormatInt(opts.OrderID, 10))
	}
	if opts.StartTime != 0 {
		params.Set("startTime", strconv.FormatInt(opts.StartTime, 10))
	}
	if opts.EndTime != 0 {
		params.Set("endTime", strconv.FormatInt(opts.EndTime, 10))
	}
	if opts.Limit != 0 {
		params.Set("limit", strconv.Itoa(opts.Limit))
	}

	data, err := c.doRequest(ctx, http.MethodGet, "/api/v3/allOrders", params, true)
	if err != nil {
		return nil, err
	}

	var raw []orderWire
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode allOrders: %w", err)
	}
	out := make([]models.OrderView, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.toView())
	}
	return out, nil
}

type orderWire struct {
	Symbol            string `json:"symbol"`
	OrderID           int64  `json:"orderId"`
	ClientOrderID     string `json:"clientOrderId"`
	Side              string `json:"side"`
	Price             string `json:"price"`
	OrigQty           string `json:"origQty"`
	ExecutedQty       string `json:"executedQty"`
	Status            string `json:"status"`
	Time              int64  `json:"time"`
	UpdateTime        int64  `json:"updateTime"`
}

func (r orderWire) toView() models.OrderView {
	return models.OrderView{
		Symbol:        r.Symbol,
		OrderID:       r.OrderID,
		ClientOrderID: r.ClientOrderID,
		Side:          models.Side(r.Side),
		Price:         toFloat(r.Price),
		OrigQty:       toFloat(r.OrigQty),
		ExecutedQty:   toFloat(r.ExecutedQty),
		Status:        models.ExchangeOrderState(r.Status),
		Time:          r.Time,
		UpdateTime:    r.UpdateTime,
	}
}

func decodeOrderView(data []byte) (*models.OrderView, error) {
	var raw orderWire
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	v := raw.toView()
	return &v, nil
}

func (c *Client) AccountInfo(ctx context.Context) (*models.AccountInfo, error) {
	data, err := c.doRequest(ctx, http.MethodGet, "/api/v3/account", nil, true)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode account: %w", err)
	}

	balances := make(map[string]models.AssetBalance, len(raw.Balances))
	for _, b := range raw.Balances {
		balances[b.Asset] = models.AssetBalance{Free: toFloat(b.Free), Locked: toFloat(b.Locked)}
	}
	return &models.AccountInfo{Balances: balances}, nil
}

func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	data, err := c.doRequest(ctx, http.MethodPost, "/api/v3/userDataStream", nil, false)
	if err != nil {
		return "", fmt.Errorf("create listen key: %w", err)
	}
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode listen key: %w", err)
	}
	return out.ListenKey, nil
}

func (c *Client) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{"listenKey": {listenKey}}
	_, err := c.doRequest(ctx, http.MethodPut, "/api/v3/userDataStream", params, false)
	if err != nil {
		return fmt.Errorf("keepalive listen key: %w", err)
	}
	return nil
}
