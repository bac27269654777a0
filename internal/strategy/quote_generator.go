package strategy

import (
	"fmt"
	"math"

	"adaptive-market-maker/gateway"
	"adaptive-market-maker/internal/rl"
)

// Quote 报价
type Quote struct {
	Side        gateway.Side
	Level       int // 从1开始，越大离中间价越远
	Price       float64
	Size        float64
	TimeInForce gateway.TimeInForce
}

// Context 单次报价的输入
type Context struct {
	Symbol         string
	Mid            float64 // 中间价
	Volatility     float64 // 年化波动率，动态价差使用
	InventoryRatio float64 // -1 (满仓空头) 到 +1 (满仓多头)
	Capital        float64 // 分配给该交易对的资金（计价货币）
	Action         rl.Action
}

// Config 报价器配置，价差单位为百分比
type Config struct {
	Spread          SpreadModelConfig
	Levels          int
	InventorySkew   bool
	SkewStrength    float64
	TargetInventory float64
	TakerAggression float64 // aggression >= 该值时用GTC，否则post-only
}

// 库存倾斜因子范围
const (
	minSkewFactor = 0.5
	maxSkewFactor = 1.5
)

// QuoteGenerator 把动作和中间价转成多层买卖报价
type QuoteGenerator struct {
	config Config
	spread *SpreadModel
}

// NewQuoteGenerator 创建报价器
func NewQuoteGenerator(config Config) *QuoteGenerator {
	if config.Levels < 1 {
		config.Levels = 1
	}
	if config.TakerAggression <= 0 {
		config.TakerAggression = 1
	}
	return &QuoteGenerator{
		config: config,
		spread: NewSpreadModel(config.Spread),
	}
}

// GenerateQuotes 生成买卖报价
//
// 第L层: buy = mid*(1 - adj/100*L), sell = mid*(1 + adj/100*L)，
// adj = spread*(1 + spread_adjustment)。每层数量 capital/levels/mid*size_multiplier，
// 买单再乘(1+risk_adjustment)和库存倾斜因子，卖单乘(1-risk_adjustment)和(2-因子)。
func (g *QuoteGenerator) GenerateQuotes(ctx Context) ([]Quote, error) {
	if ctx.Mid <= 0 || math.IsNaN(ctx.Mid) || math.IsInf(ctx.Mid, 0) {
		return nil, fmt.Errorf("invalid mid price: %f", ctx.Mid)
	}
	if ctx.Capital <= 0 {
		return nil, fmt.Errorf("invalid capital: %f", ctx.Capital)
	}
	action := ctx.Action.Clamp()

	adjusted := g.AdjustedSpread(ctx.Volatility, action)
	if adjusted <= 0 {
		return nil, fmt.Errorf("invalid spread: %f", adjusted)
	}

	baseSize := ctx.Capital / float64(g.config.Levels) / ctx.Mid * action.SizeMultiplier
	skew := g.SkewFactor(ctx.InventoryRatio)
	buySize := math.Max(0, baseSize*(1+action.RiskAdjustment)*skew)
	sellSize := math.Max(0, baseSize*(1-action.RiskAdjustment)*(2-skew))

	tif := gateway.TIFPostOnly
	if action.AggressionLevel >= g.config.TakerAggression {
		tif = gateway.TIFGoodTillCancel
	}

	quotes := make([]Quote, 0, 2*g.config.Levels)
	for level := 1; level <= g.config.Levels; level++ {
		offset := adjusted / 100 * float64(level)
		buyPrice := ctx.Mid * (1 - offset)
		sellPrice := ctx.Mid * (1 + offset)
		if buyPrice <= 0 {
			// 更外层只会更低
			break
		}
		quotes = append(quotes,
			Quote{Side: gateway.SideBuy, Level: level, Price: buyPrice, Size: buySize, TimeInForce: tif},
			Quote{Side: gateway.SideSell, Level: level, Price: sellPrice, Size: sellSize, TimeInForce: tif},
		)
	}
	if len(quotes) == 0 {
		return nil, fmt.Errorf("spread %.4f%% leaves no valid level", adjusted)
	}
	return quotes, nil
}

// AdjustedSpread 动作调整后的价差百分比
func (g *QuoteGenerator) AdjustedSpread(volatility float64, action rl.Action) float64 {
	return g.spread.Calculate(volatility) * (1 + action.SpreadAdjustment)
}

// SkewFactor 买单数量乘数，卖单用 2-factor。
// 库存低于目标（偏空）时大于1，高于目标（偏多）时小于1
func (g *QuoteGenerator) SkewFactor(inventoryRatio float64) float64 {
	if !g.config.InventorySkew || math.IsNaN(inventoryRatio) {
		return 1
	}
	ratio := math.Max(-1, math.Min(1, inventoryRatio))
	factor := 1 + (g.config.TargetInventory-ratio)*g.config.SkewStrength
	return math.Max(minSkewFactor, math.Min(maxSkewFactor, factor))
}

// GetConfig 获取当前配置
func (g *QuoteGenerator) GetConfig() Config {
	return g.config
}
