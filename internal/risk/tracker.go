package risk

import (
	"math"
	"sync"
	"time"
)

// maxBalanceHistory 用于计算Sharpe的余额样本上限
const maxBalanceHistory = 10000

// Config 风险跟踪配置
type Config struct {
	InitialBalance   float64
	PeriodsPerYear   float64
	MaxDrawdownAlert float64 // 0 表示不告警
}

// Snapshot 风险状态快照
type Snapshot struct {
	InitialBalance float64 `json:"initial_balance"`
	CurrentBalance float64 `json:"current_balance"`
	PeakBalance    float64 `json:"peak_balance"`
	Drawdown       float64 `json:"drawdown"`
	MaxDrawdown    float64 `json:"max_drawdown"`
	DailyPnL       float64 `json:"daily_pnl"`
	SharpeRatio    float64 `json:"sharpe_ratio"`
	LedgerStats
}

// Tracker 维护余额、峰值、回撤和交易记录。
// 派生指标总是从记录重新计算
type Tracker struct {
	cfg Config

	mu          sync.RWMutex
	current     float64
	peak        float64
	drawdown    float64
	maxDrawdown float64
	balances    []float64
	ledger      []Trade
	dayStart    float64
	lastReset   time.Time

	now func() time.Time
}

// NewTracker 以初始余额作为峰值基线
func NewTracker(cfg Config) *Tracker {
	t := &Tracker{cfg: cfg, now: time.Now}
	t.Reset(cfg.InitialBalance)
	return t
}

// Reset 重新开始一个会话
func (t *Tracker) Reset(initial float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfg.InitialBalance = initial
	t.current = initial
	t.peak = initial
	t.drawdown = 0
	t.maxDrawdown = 0
	t.balances = []float64{initial}
	t.ledger = nil
	t.dayStart = initial
	t.lastReset = t.now()
}

// ObserveBalance 更新当前余额、峰值和回撤
func (t *Tracker) ObserveBalance(balance float64) {
	if math.IsNaN(balance) || math.IsInf(balance, 0) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollDay()
	t.current = balance
	if balance > t.peak {
		t.peak = balance
	}
	t.drawdown = Drawdown(t.peak, balance)
	if t.drawdown > t.maxDrawdown {
		t.maxDrawdown = t.drawdown
	}
	t.balances = append(t.balances, balance)
	if len(t.balances) > maxBalanceHistory {
		t.balances = append([]float64(nil), t.balances[len(t.balances)-maxBalanceHistory:]...)
	}
}

// rollDay 跨天（UTC）时重置日内基准，需要持有锁
func (t *Tracker) rollDay() {
	now := t.now().UTC()
	last := t.lastReset.UTC()
	if now.YearDay() != last.YearDay() || now.Year() != last.Year() {
		t.dayStart = t.current
		t.lastReset = now
	}
}

// RecordTrade 追加到交易记录
func (t *Tracker) RecordTrade(tr Trade) {
	if tr.Time.IsZero() {
		tr.Time = t.now()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ledger = append(t.ledger, tr)
}

// Ledger 交易记录拷贝
func (t *Tracker) Ledger() []Trade {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]Trade(nil), t.ledger...)
}

// BalanceHistory 余额样本拷贝
func (t *Tracker) BalanceHistory() []float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]float64(nil), t.balances...)
}

// Drawdown 当前回撤
func (t *Tracker) Drawdown() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.drawdown
}

// DrawdownBreached 当前回撤超过告警阈值
func (t *Tracker) DrawdownBreached() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cfg.MaxDrawdownAlert > 0 && t.drawdown > t.cfg.MaxDrawdownAlert
}

// Snapshot 获取当前指标
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return Snapshot{
		InitialBalance: t.cfg.InitialBalance,
		CurrentBalance: t.current,
		PeakBalance:    t.peak,
		Drawdown:       t.drawdown,
		MaxDrawdown:    t.maxDrawdown,
		DailyPnL:       t.current - t.dayStart,
		SharpeRatio:    SharpeRatio(PeriodReturns(t.balances), t.cfg.PeriodsPerYear),
		LedgerStats:    ComputeLedgerStats(t.ledger),
	}
}
