package market

import (
	"math"
	"time"

	"adaptive-market-maker/gateway"
)

// TimeFeatures 一天内小时和一周内星期的正余弦编码
func TimeFeatures(t time.Time) [TimeFeatureSize]float64 {
	t = t.UTC()
	hour := float64(t.Hour()) + float64(t.Minute())/60
	day := float64(t.Weekday())
	return [TimeFeatureSize]float64{
		math.Sin(2 * math.Pi * hour / 24),
		math.Cos(2 * math.Pi * hour / 24),
		math.Sin(2 * math.Pi * day / 7),
		math.Cos(2 * math.Pi * day / 7),
	}
}

// Momentum 最新收盘相对窗口均价的偏离，tanh压缩
func Momentum(klines []gateway.Kline) float64 {
	if len(klines) < 2 {
		return 0
	}
	sum := 0.0
	for _, k := range klines {
		sum += k.Close
	}
	sma := sum / float64(len(klines))
	if sma <= 0 {
		return 0
	}
	last := klines[len(klines)-1].Close
	return math.Tanh((last/sma - 1) * 100)
}

// VolumeRatio 最新成交量相对窗口均量，log后tanh压缩
func VolumeRatio(klines []gateway.Kline) float64 {
	if len(klines) < 2 {
		return 0
	}
	sum := 0.0
	for _, k := range klines {
		sum += k.Volume
	}
	mean := sum / float64(len(klines))
	last := klines[len(klines)-1].Volume
	if mean <= 0 || last <= 0 {
		return 0
	}
	return math.Tanh(math.Log(last / mean))
}

// ATR 平均真实波幅
func ATR(klines []gateway.Kline) float64 {
	if len(klines) < 2 {
		return 0
	}
	total := 0.0
	for i := 1; i < len(klines); i++ {
		k, prevClose := klines[i], klines[i-1].Close
		tr := math.Max(k.High-k.Low, math.Max(math.Abs(k.High-prevClose), math.Abs(k.Low-prevClose)))
		total += tr
	}
	return total / float64(len(klines)-1)
}

// RelativeATR ATR/价格，tanh压缩到[0,1)
func RelativeATR(klines []gateway.Kline, price float64) float64 {
	if price <= 0 {
		return 0
	}
	return math.Tanh(ATR(klines) / price * 100)
}
