package exchange

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
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"binance-grid-engine-go/internal/errs"
	"binance-grid-engine-go/internal/models"
)

const (
	recvWindowMs    = 5000
	restTimeout     = 10 * time.Second
	clockSyncEvery  = 5 * time.Minute
	filtersCacheTTL = 30 * time.Minute
	// cached market ticks older than this trigger a REST read
	tickMaxAge = 10 * time.Second
)

// restBackoffs 重试退避间隔；每次重试轮换到下一个镜像端点。
var restBackoffs = []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}

// Client 实现了 Exchange 接口，用于与真实的币安现货API交互。
// 一个 Client 绑定一个用户的API凭证。
type Client struct {
	apiKey     string
	secretKey  string
	endpoints  []string // REST base URLs, first is primary, rest are mirrors
	wsBaseURL  string
	httpClient *http.Client
	log        *zap.SugaredLogger
	market     *MarketStream

	clockMu    sync.Mutex
	timeOffset int64 // serverTime - localTime, milliseconds
	lastSync   time.Time

	filtersMu sync.RWMutex
	filters   map[string]filtersEntry

	streamMu   sync.Mutex
	userStream *userStream
}

type filtersEntry struct {
	f  *models.SymbolFilters
	at time.Time
}

// NewClient 创建一个新的 Client 实例，并与服务器同步时间。
func NewClient(apiKey, secretKey string, endpoints []string, wsBaseURL string, market *MarketStream, log *zap.SugaredLogger) (*Client, error) {
	if len(endpoints) == 0 {
		return nil, errs.E(errs.InvalidConfig, "exchange.new", "at least one REST endpoint is required")
	}
	c := &Client{
		apiKey:     apiKey,
		secretKey:  secretKey,
		endpoints:  endpoints,
		wsBaseURL:  wsBaseURL,
		httpClient: &http.Client{Timeout: restTimeout},
		log:        log,
		market:     market,
		filters:    make(map[string]filtersEntry),
	}
	if err := c.syncClock(context.Background()); err != nil {
		return nil, fmt.Errorf("initial clock sync: %w", err)
	}
	return c, nil
}

// syncClock 与服务器同步时间，计算本地时钟偏移。
func (c *Client) syncClock(ctx context.Context) error {
	var lastErr error
	for _, base := range c.endpoints {
		body, err := c.doOnce(ctx, http.MethodGet, base, "/api/v3/time", nil, false)
		if err != nil {
			lastErr = err
			continue
		}
		var resp struct {
			ServerTime int64 `json:"serverTime"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			lastErr = errs.Wrap(errs.ExchangeTransient, "exchange.syncClock", err)
			continue
		}
		c.clockMu.Lock()
		c.timeOffset = resp.ServerTime - time.Now().UnixMilli()
		c.lastSync = time.Now()
		offset := c.timeOffset
		c.clockMu.Unlock()
		c.log.Infow("clock synced", "offset_ms", offset)
		return nil
	}
	return lastErr
}

func (c *Client) clockOffset(ctx context.Context) int64 {
	c.clockMu.Lock()
	stale := time.Since(c.lastSync) > clockSyncEvery
	offset := c.timeOffset
	c.clockMu.Unlock()
	if stale {
		if err := c.syncClock(ctx); err != nil {
			c.log.Warnw("periodic clock resync failed", "err", err)
		}
		c.clockMu.Lock()
		offset = c.timeOffset
		c.clockMu.Unlock()
	}
	return offset
}

// sign 对请求参数进行 HMAC-SHA256 签名。
func (c *Client) sign(payload string) string {
	h := hmac.New(sha256.New, []byte(c.secretKey))
	h.Write([]byte(payload))
	return fmt.Sprintf("%x", h.Sum(nil))
}

// doRequest sends one API call with the retry policy: transient failures and
// rate limits back off 0.5s/1s/2s while rotating mirror endpoints; timestamp
// drift forces a clock resync and up to two immediate retries; terminal
// errors return at once.
func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, signed bool) ([]byte, error) {
	driftRetries := 0
	for attempt := 0; ; attempt++ {
		base := c.endpoints[attempt%len(c.endpoints)]
		body, err := c.doOnce(ctx, method, base, path, params, signed)
		if err == nil {
			return body, nil
		}

		switch errs.KindOf(err) {
		case errs.TimestampDrift:
			if driftRetries >= 2 {
				return nil, err
			}
			driftRetries++
			c.log.Warnw("timestamp outside recvWindow, resyncing clock", "path", path)
			if syncErr := c.syncClock(ctx); syncErr != nil {
				return nil, syncErr
			}
			continue
		case errs.RateLimited, errs.ExchangeTransient:
			if attempt >= len(restBackoffs) {
				return nil, err
			}
			select {
			case <-time.After(restBackoffs[attempt]):
			case <-ctx.Done():
				return nil, errs.Wrap(errs.ExchangeTransient, "exchange.request", ctx.Err())
			}
			continue
		default:
			return nil, err
		}
	}
}

// doOnce 发送单次请求，不做重试。
func (c *Client) doOnce(ctx context.Context, method, base, path string, params url.Values, signed bool) ([]byte, error) {
	const op = "exchange.request"

	query := url.Values{}
	for k, v := range params {
		query[k] = v
	}

	var encoded string
	if signed {
		timestamp := time.Now().UnixMilli() + c.clockOffset(ctx)
		query.Set("timestamp", strconv.FormatInt(timestamp, 10))
		query.Set("recvWindow", strconv.Itoa(recvWindowMs))
		payload := query.Encode()
		encoded = payload + "&signature=" + c.sign(payload)
	} else {
		encoded = query.Encode()
	}

	var req *http.Request
	var err error
	if method == http.MethodGet || method == http.MethodDelete {
		full := base + path
		if encoded != "" {
			full += "?" + encoded
		}
		req, err = http.NewRequestWithContext(ctx, method, full, nil)
	} else {
		req, err = http.NewRequestWithContext(ctx, method, base+path, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, errs.Wrap(errs.ExchangeTerminal, op, err)
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.ExchangeTransient, op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.Wrap(errs.ExchangeTransient, op, err)
	}

	var apiErr models.APIError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Code != 0 {
		return body, classifyAPIError(resp.StatusCode, &apiErr)
	}
	if resp.StatusCode != http.StatusOK {
		return body, classifyStatus(resp.StatusCode, string(body))
	}
	return body, nil
}

// classifyAPIError maps a Binance error payload onto the error taxonomy.
func classifyAPIError(status int, apiErr *models.APIError) error {
	const op = "exchange.api"
	msg := strings.ToLower(apiErr.Msg)
	switch {
	case apiErr.Code == -1021 || strings.Contains(msg, "recvwindow"):
		return errs.Wrap(errs.TimestampDrift, op, apiErr)
	case apiErr.Code == -2010 && strings.Contains(msg, "insufficient"):
		return errs.Wrap(errs.InsufficientBalance, op, apiErr)
	case apiErr.Code == -2011, apiErr.Code == -2013:
		// unknown order / order does not exist
		return errs.Wrap(errs.NotFound, op, apiErr)
	case apiErr.Code == -1121:
		// invalid symbol
		return errs.Wrap(errs.NotFound, op, apiErr)
	case apiErr.Code == -1013,
		strings.Contains(msg, "notional"),
		strings.Contains(msg, "lot_size"),
		strings.Contains(msg, "price_filter"):
		return errs.Wrap(errs.InvalidConfig, op, apiErr)
	case status == http.StatusTeapot, status == http.StatusTooManyRequests:
		return errs.Wrap(errs.RateLimited, op, apiErr)
	case status >= 500:
		return errs.Wrap(errs.ExchangeTransient, op, apiErr)
	default:
		return errs.Wrap(errs.ExchangeTerminal, op, apiErr)
	}
}

func classifyStatus(status int, body string) error {
	const op = "exchange.api"
	switch {
	case status == http.StatusTeapot, status == http.StatusTooManyRequests, status == http.StatusServiceUnavailable:
		return errs.Ef(errs.RateLimited, op, "status %d: %s", status, body)
	case status >= 500:
		return errs.Ef(errs.ExchangeTransient, op, "status %d: %s", status, body)
	default:
		return errs.Ef(errs.ExchangeTerminal, op, "status %d: %s", status, body)
	}
}

// --- Exchange 接口实现 ---

// SymbolInfo 获取交易对的交易规则，带TTL缓存。
func (c *Client) SymbolInfo(ctx context.Context, symbol string) (*models.SymbolFilters, error) {
	c.filtersMu.RLock()
	if e, ok := c.filters[symbol]; ok && time.Since(e.at) < filtersCacheTTL {
		c.filtersMu.RUnlock()
		return e.f, nil
	}
	c.filtersMu.RUnlock()

	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/exchangeInfo", params, false)
	if err != nil {
		return nil, err
	}

	var info struct {
		Symbols []struct {
			Symbol     string `json:"symbol"`
			BaseAsset  string `json:"baseAsset"`
			QuoteAsset string `json:"quoteAsset"`
			Filters    []struct {
				FilterType  string `json:"filterType"`
				TickSize    string `json:"tickSize,omitempty"`
				StepSize    string `json:"stepSize,omitempty"`
				MinQty      string `json:"minQty,omitempty"`
				MinNotional string `json:"minNotional,omitempty"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, errs.Wrap(errs.ExchangeTransient, "exchange.symbolInfo", err)
	}

	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		f := &models.SymbolFilters{
			Symbol:     s.Symbol,
			BaseAsset:  s.BaseAsset,
			QuoteAsset: s.QuoteAsset,
		}
		for _, fl := range s.Filters {
			switch fl.FilterType {
			case "PRICE_FILTER":
				f.TickSize = parseDec(fl.TickSize)
			case "LOT_SIZE":
				f.StepSize = parseDec(fl.StepSize)
				f.MinQty = parseDec(fl.MinQty)
			case "MIN_NOTIONAL", "NOTIONAL":
				f.MinNotional = parseDec(fl.MinNotional)
			}
		}
		f.PricePrecision = decimalsOf(f.TickSize)
		f.QuantityPrecision = decimalsOf(f.StepSize)

		c.filtersMu.Lock()
		c.filters[symbol] = filtersEntry{f: f, at: time.Now()}
		c.filtersMu.Unlock()
		return f, nil
	}
	return nil, errs.Ef(errs.NotFound, "exchange.symbolInfo", "symbol %s unknown", symbol)
}

// LastPrice 优先使用共享行情流的最新报价（10秒内），否则走REST。
func (c *Client) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if c.market != nil {
		if tick, ok := c.market.LastTick(symbol); ok && time.Since(tick.Time) <= tickMaxAge {
			return tick.Price, nil
		}
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/ticker/price", params, false)
	if err != nil {
		return decimal.Zero, err
	}
	var ticker struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &ticker); err != nil {
		return decimal.Zero, errs.Wrap(errs.ExchangeTransient, "exchange.lastPrice", err)
	}
	return parseDec(ticker.Price), nil
}

// AccountBalances 获取账户全部非零余额。
func (c *Client) AccountBalances(ctx context.Context) (map[string]models.Balance, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/account", nil, true)
	if err != nil {
		return nil, err
	}
	var acc struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &acc); err != nil {
		return nil, errs.Wrap(errs.ExchangeTransient, "exchange.balances", err)
	}
	out := make(map[string]models.Balance, len(acc.Balances))
	for _, b := range acc.Balances {
		free, locked := parseDec(b.Free), parseDec(b.Locked)
		if free.IsZero() && locked.IsZero() {
			continue
		}
		out[b.Asset] = models.Balance{Asset: b.Asset, Free: free, Locked: locked}
	}
	return out, nil
}

// AssetBalance 获取单一资产的余额；资产不存在时返回零余额。
func (c *Client) AssetBalance(ctx context.Context, asset string) (models.Balance, error) {
	all, err := c.AccountBalances(ctx)
	if err != nil {
		return models.Balance{}, err
	}
	if b, ok := all[asset]; ok {
		return b, nil
	}
	return models.Balance{Asset: asset}, nil
}

// PlaceLimit 挂限价单（GTC）。
func (c *Client) PlaceLimit(ctx context.Context, symbol string, side models.Side, qty, price decimal.Decimal, clientID string) (*models.Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "LIMIT")
	params.Set("timeInForce", "GTC")
	params.Set("quantity", qty.String())
	params.Set("price", price.String())
	params.Set("newOrderRespType", "FULL")
	if clientID != "" {
		params.Set("newClientOrderId", clientID)
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/api/v3/order", params, true)
	if err != nil {
		return nil, err
	}
	return c.parseOrder(body)
}

// PlaceMarket 下市价单，返回逐笔成交。
func (c *Client) PlaceMarket(ctx context.Context, symbol string, side models.Side, qty decimal.Decimal, clientID string) (*models.Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "MARKET")
	params.Set("quantity", qty.String())
	params.Set("newOrderRespType", "FULL")
	if clientID != "" {
		params.Set("newClientOrderId", clientID)
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/api/v3/order", params, true)
	if err != nil {
		return nil, err
	}
	return c.parseOrder(body)
}

// Cancel 取消订单。订单已终结或不存在时按成功处理（幂等）。
func (c *Client) Cancel(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	_, err := c.doRequest(ctx, http.MethodDelete, "/api/v3/order", params, true)
	if err != nil && errs.KindOf(err) == errs.NotFound {
		return nil
	}
	return err
}

// OrderStatus 查询订单状态；成交均价按累计成交额/累计成交量加权。
func (c *Client) OrderStatus(ctx context.Context, symbol, orderID string) (*models.Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/order", params, true)
	if err != nil {
		return nil, err
	}
	return c.parseOrder(body)
}

// OpenOrders 获取当前全部挂单。
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]models.Order, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v3/openOrders", params, true)
	if err != nil {
		return nil, err
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, errs.Wrap(errs.ExchangeTransient, "exchange.openOrders", err)
	}
	orders := make([]models.Order, 0, len(raws))
	for _, raw := range raws {
		o, err := c.parseOrder(raw)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, nil
}

// SubscribePrice 从共享行情流订阅报价。
func (c *Client) SubscribePrice(symbol string) (<-chan models.Tick, func(), error) {
	if c.market == nil {
		return nil, nil, errs.E(errs.InvalidConfig, "exchange.subscribe", "no market stream configured")
	}
	ch, cancel := c.market.Subscribe(symbol)
	return ch, cancel, nil
}

// --- listen key 管理（用户数据流在 userstream.go） ---

func (c *Client) createListenKey(ctx context.Context) (string, error) {
	body, err := c.doRequest(ctx, http.MethodPost, "/api/v3/userDataStream", nil, false)
	if err != nil {
		return "", err
	}
	var resp struct {
		ListenKey string `json:"listenKey"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", errs.Wrap(errs.ExchangeTransient, "exchange.listenKey", err)
	}
	return resp.ListenKey, nil
}

func (c *Client) keepAliveListenKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	_, err := c.doRequest(ctx, http.MethodPut, "/api/v3/userDataStream", params, false)
	return err
}

// parseOrder normalizes a Binance order payload. A FILLED order always ends
// up with ExecutedQty > 0 and a positive ExecutedPrice: when no usable fill
// data is present the requested price is used.
func (c *Client) parseOrder(body []byte) (*models.Order, error) {
	var raw struct {
		OrderID       int64  `json:"orderId"`
		ClientOrderID string `json:"clientOrderId"`
		Price         string `json:"price"`
		OrigQty       string `json:"origQty"`
		ExecutedQty   string `json:"executedQty"`
		CumQuoteQty   string `json:"cummulativeQuoteQty"`
		Status        string `json:"status"`
		Side          string `json:"side"`
		Time          int64  `json:"time"`
		TransactTime  int64  `json:"transactTime"`
		UpdateTime    int64  `json:"updateTime"`
		Fills         []struct {
			Price           string `json:"price"`
			Qty             string `json:"qty"`
			Commission      string `json:"commission"`
			CommissionAsset string `json:"commissionAsset"`
		} `json:"fills"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errs.Wrap(errs.ExchangeTransient, "exchange.parseOrder", err)
	}

	o := &models.Order{
		OrderID:       strconv.FormatInt(raw.OrderID, 10),
		ClientOrderID: raw.ClientOrderID,
		Side:          models.Side(raw.Side),
		Price:         parseDec(raw.Price),
		Quantity:      parseDec(raw.OrigQty),
		Status:        models.OrderStatus(raw.Status),
		ExecutedQty:   parseDec(raw.ExecutedQty),
	}

	created := raw.Time
	if created == 0 {
		created = raw.TransactTime
	}
	if created != 0 {
		o.CreatedAt = time.UnixMilli(created)
	}
	if raw.UpdateTime != 0 {
		o.UpdatedAt = time.UnixMilli(raw.UpdateTime)
	} else {
		o.UpdatedAt = o.CreatedAt
	}

	// Weighted executed price: prefer per-fill data, then the cumulative
	// quote volume, then the requested price.
	if len(raw.Fills) > 0 {
		quote, qty := decimal.Zero, decimal.Zero
		for _, f := range raw.Fills {
			p, q := parseDec(f.Price), parseDec(f.Qty)
			quote = quote.Add(p.Mul(q))
			qty = qty.Add(q)
			if f.CommissionAsset != "" {
				if o.CommissionAsset == "" || o.CommissionAsset == f.CommissionAsset {
					o.CommissionAsset = f.CommissionAsset
					o.Commission = o.Commission.Add(parseDec(f.Commission))
				}
			}
		}
		if qty.IsPositive() {
			o.ExecutedPrice = quote.Div(qty)
		}
		if o.ExecutedQty.IsZero() {
			o.ExecutedQty = qty
		}
	}
	if o.ExecutedPrice.IsZero() {
		if cum := parseDec(raw.CumQuoteQty); cum.IsPositive() && o.ExecutedQty.IsPositive() {
			o.ExecutedPrice = cum.Div(o.ExecutedQty)
		}
	}
	if o.Status == models.OrderFilled {
		if o.ExecutedQty.IsZero() {
			o.ExecutedQty = o.Quantity
		}
		if !o.ExecutedPrice.IsPositive() {
			o.ExecutedPrice = o.Price
		}
	}
	return o, nil
}

func parseDec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// decimalsOf 从tick/step推导小数位数，例如 0.01 -> 2。
func decimalsOf(d decimal.Decimal) int32 {
	if d.Exponent() < 0 {
		return -d.Exponent()
	}
	return 0
}
