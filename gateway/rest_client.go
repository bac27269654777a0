package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
)

// 交易所业务错误码
const (
	codeUnknownOrder = -2011
	codeNoSuchOrder  = -2013
)

// BookSource 深度缓存，例如 DepthFeed
type BookSource interface {
	Book(symbol string, maxAge time.Duration) (OrderBook, bool)
}

// RESTConfig REST客户端配置
type RESTConfig struct {
	BaseURL      string
	APIKey       string
	APISecret    string
	RecvWindowMs int
	Timeout      time.Duration
	BookMaxAge   time.Duration // 深度缓存可接受的最大延迟
}

// RESTClient 现货REST客户端
type RESTClient struct {
	cfg   RESTConfig
	http  *resty.Client
	books BookSource
	now   func() time.Time
}

var (
	_ Exchange       = (*RESTClient)(nil)
	_ FilterProvider = (*RESTClient)(nil)
)

// NewRESTClient 创建客户端，重试交给 RetryPolicy 处理
func NewRESTClient(cfg RESTConfig) *RESTClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RecvWindowMs <= 0 {
		cfg.RecvWindowMs = 5000
	}
	if cfg.BookMaxAge <= 0 {
		cfg.BookMaxAge = 2 * time.Second
	}
	cli := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		cli.SetHeader("X-MBX-APIKEY", cfg.APIKey)
	}
	return &RESTClient{cfg: cfg, http: cli, now: time.Now}
}

// SetBookSource 设置深度缓存，GetOrderBook优先读取缓存
func (c *RESTClient) SetBookSource(src BookSource) {
	c.books = src
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (c *RESTClient) do(ctx context.Context, op, symbol, method, path string, params url.Values, signed bool, out interface{}) error {
	if params == nil {
		params = url.Values{}
	}
	query := params.Encode()
	if signed {
		params.Set("timestamp", strconv.FormatInt(c.now().UnixMilli(), 10))
		params.Set("recvWindow", strconv.Itoa(c.cfg.RecvWindowMs))
		query = SignQuery(params, c.cfg.APISecret)
	}

	var apiErr apiError
	// 查询串原样拼接，保持签名时的参数顺序
	req := c.http.R().SetContext(ctx).SetError(&apiErr)
	if out != nil {
		req.SetResult(out)
	}
	if query != "" {
		path += "?" + query
	}
	resp, err := req.Execute(method, path)
	if err != nil {
		return &ExternalAPIError{Op: op, Symbol: symbol, Err: err}
	}
	if resp.IsError() {
		e := &ExternalAPIError{Op: op, Symbol: symbol, Status: resp.StatusCode(), Code: apiErr.Code}
		switch apiErr.Code {
		case codeUnknownOrder, codeNoSuchOrder:
			e.Err = ErrOrderNotFound
		default:
			if apiErr.Msg != "" {
				e.Err = errors.New(apiErr.Msg)
			} else {
				e.Err = fmt.Errorf("http %d", resp.StatusCode())
			}
		}
		return e
	}
	return nil
}

func parseFloat(op, symbol, raw string) (float64, error) {
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &ExternalAPIError{Op: op, Symbol: symbol, Status: http.StatusOK, Err: fmt.Errorf("malformed number %q", raw)}
	}
	return v, nil
}

// GetPrice GET /api/v3/ticker/price
func (c *RESTClient) GetPrice(ctx context.Context, symbol string) (float64, error) {
	var out struct {
		Price string `json:"price"`
	}
	if err := c.do(ctx, "get_price", symbol, http.MethodGet, "/api/v3/ticker/price", url.Values{"symbol": {symbol}}, false, &out); err != nil {
		return 0, err
	}
	return parseFloat("get_price", symbol, out.Price)
}

// GetOrderBook 缓存足够新时直接返回，否则 GET /api/v3/depth
func (c *RESTClient) GetOrderBook(ctx context.Context, symbol string) (OrderBook, error) {
	if c.books != nil {
		if book, ok := c.books.Book(symbol, c.cfg.BookMaxAge); ok {
			return book, nil
		}
	}
	var out depthPayload
	params := url.Values{"symbol": {symbol}, "limit": {"20"}}
	if err := c.do(ctx, "get_order_book", symbol, http.MethodGet, "/api/v3/depth", params, false, &out); err != nil {
		return OrderBook{}, err
	}
	book, err := out.toBook(symbol, c.now())
	if err != nil {
		return OrderBook{}, &ExternalAPIError{Op: "get_order_book", Symbol: symbol, Status: http.StatusOK, Err: err}
	}
	return book, nil
}

// GetKlines GET /api/v3/klines，返回数组的数组
func (c *RESTClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	var rows [][]interface{}
	params := url.Values{"symbol": {symbol}, "interval": {interval}, "limit": {strconv.Itoa(limit)}}
	if err := c.do(ctx, "get_klines", symbol, http.MethodGet, "/api/v3/klines", params, false, &rows); err != nil {
		return nil, err
	}
	klines := make([]Kline, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		openMs, _ := row[0].(float64)
		k := Kline{OpenTime: time.UnixMilli(int64(openMs))}
		fields := []*float64{&k.Open, &k.High, &k.Low, &k.Close, &k.Volume}
		ok := true
		for i, dst := range fields {
			s, isStr := row[i+1].(string)
			if !isStr {
				ok = false
				break
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				ok = false
				break
			}
			*dst = v
		}
		if ok {
			klines = append(klines, k)
		}
	}
	return klines, nil
}

type openOrderPayload struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	Side          string `json:"side"`
}

// GetOpenOrders GET /api/v3/openOrders（签名）
func (c *RESTClient) GetOpenOrders(ctx context.Context, symbol string) ([]OpenOrder, error) {
	var rows []openOrderPayload
	if err := c.do(ctx, "get_open_orders", symbol, http.MethodGet, "/api/v3/openOrders", url.Values{"symbol": {symbol}}, true, &rows); err != nil {
		return nil, err
	}
	out := make([]OpenOrder, 0, len(rows))
	for _, r := range rows {
		price, _ := strconv.ParseFloat(r.Price, 64)
		qty, _ := strconv.ParseFloat(r.OrigQty, 64)
		filled, _ := strconv.ParseFloat(r.ExecutedQty, 64)
		out = append(out, OpenOrder{
			Symbol:   r.Symbol,
			OrderID:  strconv.FormatInt(r.OrderID, 10),
			ClientID: r.ClientOrderID,
			Side:     Side(r.Side),
			Price:    price,
			Qty:      qty,
			Filled:   filled,
		})
	}
	return out, nil
}

// CancelOrder DELETE /api/v3/order（签名）
func (c *RESTClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{"symbol": {symbol}, "orderId": {orderID}}
	return c.do(ctx, "cancel_order", symbol, http.MethodDelete, "/api/v3/order", params, true, nil)
}

// PlaceOrder POST /api/v3/order（签名），post-only 使用 LIMIT_MAKER
func (c *RESTClient) PlaceOrder(ctx context.Context, req PlaceRequest) (string, error) {
	params := url.Values{
		"symbol":   {req.Symbol},
		"side":     {string(req.Side)},
		"quantity": {strconv.FormatFloat(req.Qty, 'f', -1, 64)},
		"price":    {strconv.FormatFloat(req.Price, 'f', -1, 64)},
	}
	if req.TimeInForce == TIFPostOnly {
		params.Set("type", "LIMIT_MAKER")
	} else {
		params.Set("type", "LIMIT")
		params.Set("timeInForce", string(TIFGoodTillCancel))
	}
	if req.ClientID != "" {
		params.Set("newClientOrderId", req.ClientID)
	}

	var out struct {
		OrderID int64 `json:"orderId"`
	}
	if err := c.do(ctx, "place_order", req.Symbol, http.MethodPost, "/api/v3/order", params, true, &out); err != nil {
		return "", err
	}
	if out.OrderID == 0 {
		return "", &ExternalAPIError{Op: "place_order", Symbol: req.Symbol, Status: http.StatusOK, Err: fmt.Errorf("empty orderId")}
	}
	return strconv.FormatInt(out.OrderID, 10), nil
}

// GetAccountBalance GET /api/v3/account（签名）
func (c *RESTClient) GetAccountBalance(ctx context.Context) (map[string]Balance, error) {
	var out struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := c.do(ctx, "get_account_balance", "", http.MethodGet, "/api/v3/account", nil, true, &out); err != nil {
		return nil, err
	}
	balances := make(map[string]Balance, len(out.Balances))
	for _, b := range out.Balances {
		free, _ := strconv.ParseFloat(b.Free, 64)
		locked, _ := strconv.ParseFloat(b.Locked, 64)
		if free == 0 && locked == 0 {
			continue
		}
		balances[b.Asset] = Balance{Asset: b.Asset, Free: free, Locked: locked}
	}
	return balances, nil
}

// GetSymbolFilters GET /api/v3/exchangeInfo
func (c *RESTClient) GetSymbolFilters(ctx context.Context, symbol string) (SymbolFilters, error) {
	var out struct {
		Symbols []struct {
			Symbol  string            `json:"symbol"`
			Filters []json.RawMessage `json:"filters"`
		} `json:"symbols"`
	}
	if err := c.do(ctx, "get_symbol_filters", symbol, http.MethodGet, "/api/v3/exchangeInfo", url.Values{"symbol": {symbol}}, false, &out); err != nil {
		return SymbolFilters{}, err
	}
	for _, s := range out.Symbols {
		if s.Symbol != symbol {
			continue
		}
		var f SymbolFilters
		for _, raw := range s.Filters {
			var flt struct {
				FilterType  string `json:"filterType"`
				TickSize    string `json:"tickSize"`
				StepSize    string `json:"stepSize"`
				MinQty      string `json:"minQty"`
				MinNotional string `json:"minNotional"`
			}
			if err := json.Unmarshal(raw, &flt); err != nil {
				continue
			}
			switch flt.FilterType {
			case "PRICE_FILTER":
				f.TickSize, _ = strconv.ParseFloat(flt.TickSize, 64)
			case "LOT_SIZE":
				f.StepSize, _ = strconv.ParseFloat(flt.StepSize, 64)
				f.MinQty, _ = strconv.ParseFloat(flt.MinQty, 64)
			case "NOTIONAL", "MIN_NOTIONAL":
				f.MinNotional, _ = strconv.ParseFloat(flt.MinNotional, 64)
			}
		}
		return f, nil
	}
	return SymbolFilters{}, &ExternalAPIError{Op: "get_symbol_filters", Symbol: symbol, Status: http.StatusNotFound, Err: fmt.Errorf("symbol not listed")}
}

// depthPayload REST depth 与 WS partial depth 共用
type depthPayload struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

func (p depthPayload) toBook(symbol string, ts time.Time) (OrderBook, error) {
	bids, err := parseLevels(p.Bids)
	if err != nil {
		return OrderBook{}, err
	}
	asks, err := parseLevels(p.Asks)
	if err != nil {
		return OrderBook{}, err
	}
	return OrderBook{Symbol: symbol, Bids: bids, Asks: asks, Time: ts}, nil
}

func parseLevels(raw [][2]string) ([]PriceLevel, error) {
	out := make([]PriceLevel, 0, len(raw))
	for _, lv := range raw {
		price, err := strconv.ParseFloat(lv[0], 64)
		if err != nil {
			return nil, fmt.Errorf("malformed price %q", lv[0])
		}
		qty, err := strconv.ParseFloat(lv[1], 64)
		if err != nil {
			return nil, fmt.Errorf("malformed qty %q", lv[1])
		}
		out = append(out, PriceLevel{Price: price, Qty: qty})
	}
	return out, nil
}
