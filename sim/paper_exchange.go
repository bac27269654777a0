package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strconv"
	"sync"
	"time"

	"adaptive-market-maker/gateway"
)

// 模拟盘拒单错误码，与币安保持一致
const (
	codeRejected  = -2010
	codeUnknown   = -2011
	codePostOnly  = -5022
	codeBadSymbol = -1121
)

const (
	defaultFeeRate  = 0.0002
	defaultHalfBook = 0.0002
	bookLevels      = 5
	maxKlines       = 1000
)

// Market 模拟盘上的一个交易对
type Market struct {
	Symbol  string
	Base    string
	Quote   string
	Price   float64
	Filters gateway.SymbolFilters
}

// PaperConfig 模拟盘参数
type PaperConfig struct {
	Markets     []Market
	Balances    map[string]float64 // 初始可用余额
	FeeRate     float64            // maker手续费率
	HalfSpread  float64            // 合成盘口的半价差（比例）
	Volatility  float64            // 随机游走每步的对数收益标准差
	Seed        uint64
	KlineWindow time.Duration // 每次 Advance 对应的K线周期
}

type paperOrder struct {
	gateway.OpenOrder
	seq int
}

type paperMarket struct {
	Market
	klines []gateway.Kline
	path   []float64
	orders map[string]*paperOrder
}

// PaperFill 模拟盘成交记录
type PaperFill struct {
	Symbol   string
	OrderID  string
	ClientID string
	Side     gateway.Side
	Price    float64
	Qty      float64
	Fee      float64
	Time     time.Time
}

// PaperExchange 内存撮合的交易所，实现 gateway.Exchange 和 gateway.FilterProvider。
// 挂单在价格穿过挂单价时按挂单价全部成交
type PaperExchange struct {
	mu       sync.Mutex
	cfg      PaperConfig
	markets  map[string]*paperMarket
	balances map[string]gateway.Balance
	fills    []PaperFill
	rng      *rand.Rand
	seq      int
	now      func() time.Time
	failures map[string][]error
}

// NewPaperExchange 每个交易对预生成一段平稳的K线历史
func NewPaperExchange(cfg PaperConfig) (*PaperExchange, error) {
	if len(cfg.Markets) == 0 {
		return nil, errors.New("paper exchange needs at least one market")
	}
	if cfg.FeeRate < 0 {
		return nil, errors.New("fee rate must be >= 0")
	}
	if cfg.FeeRate == 0 {
		cfg.FeeRate = defaultFeeRate
	}
	if cfg.HalfSpread <= 0 {
		cfg.HalfSpread = defaultHalfBook
	}
	if cfg.Volatility <= 0 {
		cfg.Volatility = 0.001
	}
	if cfg.KlineWindow <= 0 {
		cfg.KlineWindow = time.Minute
	}
	p := &PaperExchange{
		cfg:      cfg,
		markets:  make(map[string]*paperMarket, len(cfg.Markets)),
		balances: make(map[string]gateway.Balance),
		rng:      rand.New(rand.NewPCG(cfg.Seed, cfg.Seed+1)),
		now:      time.Now,
		failures: make(map[string][]error),
	}
	for asset, amt := range cfg.Balances {
		p.balances[asset] = gateway.Balance{Asset: asset, Free: amt}
	}
	start := p.now().Add(-maxKlines * cfg.KlineWindow)
	for _, m := range cfg.Markets {
		if m.Symbol == "" || m.Base == "" || m.Quote == "" || m.Price <= 0 {
			return nil, fmt.Errorf("invalid paper market %+v", m)
		}
		pm := &paperMarket{Market: m, orders: make(map[string]*paperOrder)}
		for i := 0; i < 60; i++ {
			pm.klines = append(pm.klines, gateway.Kline{
				OpenTime: start.Add(time.Duration(i) * cfg.KlineWindow),
				Open:     m.Price, High: m.Price, Low: m.Price, Close: m.Price, Volume: 1,
			})
		}
		p.markets[m.Symbol] = pm
	}
	return p, nil
}

// FailNext 让下一次 op 调用返回 err，用于故障注入。op 取 place/cancel/list/book/price/klines/balance
func (p *PaperExchange) FailNext(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures[op] = append(p.failures[op], err)
}

func (p *PaperExchange) injected(op string) error {
	q := p.failures[op]
	if len(q) == 0 {
		return nil
	}
	p.failures[op] = q[1:]
	return q[0]
}

func (p *PaperExchange) market(op, symbol string) (*paperMarket, error) {
	m, ok := p.markets[symbol]
	if !ok {
		return nil, &gateway.ExternalAPIError{Op: op, Symbol: symbol, Status: 400, Code: codeBadSymbol,
			Err: fmt.Errorf("unknown symbol %s", symbol)}
	}
	return m, nil
}

func (p *PaperExchange) begin(ctx context.Context, op, symbol string) (*paperMarket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.injected(op); err != nil {
		return nil, err
	}
	if symbol == "" {
		return nil, nil
	}
	return p.market(op, symbol)
}

// SetPath 设置后续 Advance 使用的价格序列，用完后回到随机游走
func (p *PaperExchange) SetPath(symbol string, prices []float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, err := p.market("set_path", symbol)
	if err != nil {
		return err
	}
	m.path = append([]float64(nil), prices...)
	return nil
}

// Advance 每个交易对前进一步并撮合
func (p *PaperExchange) Advance() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sym := range p.symbolsLocked() {
		m := p.markets[sym]
		next := m.Price
		if len(m.path) > 0 {
			next, m.path = m.path[0], m.path[1:]
		} else {
			next *= math.Exp(p.rng.NormFloat64() * p.cfg.Volatility)
		}
		p.moveLocked(m, next)
	}
}

// SetPrice 直接设置价格并撮合
func (p *PaperExchange) SetPrice(symbol string, price float64) error {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return fmt.Errorf("invalid price %v", price)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	m, err := p.market("set_price", symbol)
	if err != nil {
		return err
	}
	p.moveLocked(m, price)
	return nil
}

// Run 按间隔推进价格，直到ctx取消
func (p *PaperExchange) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Advance()
		}
	}
}

func (p *PaperExchange) symbolsLocked() []string {
	out := make([]string, 0, len(p.markets))
	for s := range p.markets {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (p *PaperExchange) moveLocked(m *paperMarket, next float64) {
	prev := m.Price
	last := m.klines[len(m.klines)-1]
	m.klines = append(m.klines, gateway.Kline{
		OpenTime: last.OpenTime.Add(p.cfg.KlineWindow),
		Open:     prev,
		High:     math.Max(prev, next),
		Low:      math.Min(prev, next),
		Close:    next,
		Volume:   1 + math.Abs(next-prev)/prev*1000,
	})
	if len(m.klines) > maxKlines {
		m.klines = m.klines[len(m.klines)-maxKlines:]
	}
	m.Price = next

	for _, o := range m.sortedOrders() {
		if crosses(o.Side, o.Price, next) {
			p.fillLocked(m, o)
		}
	}
}

func crosses(side gateway.Side, orderPrice, marketPrice float64) bool {
	if side == gateway.SideBuy {
		return marketPrice <= orderPrice
	}
	return marketPrice >= orderPrice
}

func (m *paperMarket) sortedOrders() []*paperOrder {
	out := make([]*paperOrder, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// fillLocked 全部成交，解冻并结算余额
func (p *PaperExchange) fillLocked(m *paperMarket, o *paperOrder) {
	qty := o.Qty - o.Filled
	notional := qty * o.Price
	fee := notional * p.cfg.FeeRate
	base, quote := p.balances[m.Base], p.balances[m.Quote]
	base.Asset, quote.Asset = m.Base, m.Quote
	if o.Side == gateway.SideBuy {
		quote.Locked -= notional
		quote.Free -= fee
		base.Free += qty
	} else {
		base.Locked -= qty
		quote.Free += notional - fee
	}
	p.balances[m.Base], p.balances[m.Quote] = base, quote
	delete(m.orders, o.OrderID)
	p.fills = append(p.fills, PaperFill{
		Symbol: m.Symbol, OrderID: o.OrderID, ClientID: o.ClientID,
		Side: o.Side, Price: o.Price, Qty: qty, Fee: fee, Time: p.now(),
	})
}

func (p *PaperExchange) GetPrice(ctx context.Context, symbol string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, err := p.begin(ctx, "price", symbol)
	if err != nil {
		return 0, err
	}
	return m.Price, nil
}

// GetOrderBook 以当前价为中心合成五档深度
func (p *PaperExchange) GetOrderBook(ctx context.Context, symbol string) (gateway.OrderBook, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, err := p.begin(ctx, "book", symbol)
	if err != nil {
		return gateway.OrderBook{}, err
	}
	book := gateway.OrderBook{Symbol: symbol, Time: p.now()}
	for i := 0; i < bookLevels; i++ {
		off := p.cfg.HalfSpread * float64(i+1)
		qty := 1 + float64(i)
		book.Bids = append(book.Bids, gateway.PriceLevel{Price: m.Price * (1 - off), Qty: qty})
		book.Asks = append(book.Asks, gateway.PriceLevel{Price: m.Price * (1 + off), Qty: qty})
	}
	return book, nil
}

func (p *PaperExchange) GetKlines(ctx context.Context, symbol, _ string, limit int) ([]gateway.Kline, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, err := p.begin(ctx, "klines", symbol)
	if err != nil {
		return nil, err
	}
	n := len(m.klines)
	if limit > 0 && limit < n {
		n = limit
	}
	return append([]gateway.Kline(nil), m.klines[len(m.klines)-n:]...), nil
}

func (p *PaperExchange) GetOpenOrders(ctx context.Context, symbol string) ([]gateway.OpenOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, err := p.begin(ctx, "list", symbol)
	if err != nil {
		return nil, err
	}
	out := make([]gateway.OpenOrder, 0, len(m.orders))
	for _, o := range m.sortedOrders() {
		out = append(out, o.OpenOrder)
	}
	return out, nil
}

func (p *PaperExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, err := p.begin(ctx, "cancel", symbol)
	if err != nil {
		return err
	}
	o, ok := m.orders[orderID]
	if !ok {
		return &gateway.ExternalAPIError{Op: "cancel_order", Symbol: symbol, Status: 400, Code: codeUnknown, Err: gateway.ErrOrderNotFound}
	}
	p.unlockLocked(m, o)
	delete(m.orders, orderID)
	return nil
}

func (p *PaperExchange) unlockLocked(m *paperMarket, o *paperOrder) {
	rest := o.Qty - o.Filled
	if o.Side == gateway.SideBuy {
		b := p.balances[m.Quote]
		b.Asset = m.Quote
		b.Locked -= rest * o.Price
		b.Free += rest * o.Price
		p.balances[m.Quote] = b
		return
	}
	b := p.balances[m.Base]
	b.Asset = m.Base
	b.Locked -= rest
	b.Free += rest
	p.balances[m.Base] = b
}

// PlaceOrder 同一ClientID的挂单重复提交时返回原订单ID。
// post-only 会立即成交时拒单，GTC 穿价时立即按挂单价成交
func (p *PaperExchange) PlaceOrder(ctx context.Context, req gateway.PlaceRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, err := p.begin(ctx, "place", req.Symbol)
	if err != nil {
		return "", err
	}
	reject := func(code int, format string, args ...interface{}) error {
		return &gateway.ExternalAPIError{Op: "place_order", Symbol: req.Symbol, Status: 400, Code: code,
			Err: fmt.Errorf(format, args...)}
	}
	if req.Qty <= 0 || req.Price <= 0 {
		return "", reject(codeRejected, "invalid qty %v or price %v", req.Qty, req.Price)
	}
	if req.ClientID != "" {
		for _, o := range m.orders {
			if o.ClientID == req.ClientID {
				return o.OrderID, nil
			}
		}
	}
	if req.TimeInForce == gateway.TIFPostOnly && crosses(req.Side, req.Price, m.Price) {
		return "", reject(codePostOnly, "post-only order would take liquidity")
	}

	notional := req.Qty * req.Price
	if req.Side == gateway.SideBuy {
		b := p.balances[m.Quote]
		if b.Free < notional {
			return "", reject(codeRejected, "insufficient %s balance", m.Quote)
		}
		b.Asset = m.Quote
		b.Free -= notional
		b.Locked += notional
		p.balances[m.Quote] = b
	} else {
		b := p.balances[m.Base]
		if b.Free < req.Qty {
			return "", reject(codeRejected, "insufficient %s balance", m.Base)
		}
		b.Asset = m.Base
		b.Free -= req.Qty
		b.Locked += req.Qty
		p.balances[m.Base] = b
	}

	p.seq++
	o := &paperOrder{
		OpenOrder: gateway.OpenOrder{
			Symbol: req.Symbol, OrderID: strconv.Itoa(p.seq), ClientID: req.ClientID,
			Side: req.Side, Price: req.Price, Qty: req.Qty,
		},
		seq: p.seq,
	}
	m.orders[o.OrderID] = o
	if crosses(o.Side, o.Price, m.Price) {
		p.fillLocked(m, o)
	}
	return o.OrderID, nil
}

func (p *PaperExchange) GetAccountBalance(ctx context.Context) (map[string]gateway.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.begin(ctx, "balance", ""); err != nil {
		return nil, err
	}
	out := make(map[string]gateway.Balance, len(p.balances))
	for k, v := range p.balances {
		out[k] = v
	}
	return out, nil
}

func (p *PaperExchange) GetSymbolFilters(ctx context.Context, symbol string) (gateway.SymbolFilters, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, err := p.begin(ctx, "filters", symbol)
	if err != nil {
		return gateway.SymbolFilters{}, err
	}
	if m.Filters == (gateway.SymbolFilters{}) {
		return gateway.SymbolFilters{}, &gateway.ExternalAPIError{Op: "exchange_info", Symbol: symbol, Status: 404,
			Err: errors.New("no filters configured")}
	}
	return m.Filters, nil
}

// Fills 至今的成交记录
func (p *PaperExchange) Fills() []PaperFill {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PaperFill(nil), p.fills...)
}

// OpenOrderCount 所有交易对的挂单数
func (p *PaperExchange) OpenOrderCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range p.markets {
		n += len(m.orders)
	}
	return n
}

var (
	_ gateway.Exchange       = (*PaperExchange)(nil)
	_ gateway.FilterProvider = (*PaperExchange)(nil)
)
