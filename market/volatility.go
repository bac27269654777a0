package market

import (
	"math"
	"strconv"
	"strings"
)

// RealizedVolatility 对数收益率标准差按采样频率年化。
// 有效收益率少于2个时返回 ok=false，由调用方回退到默认值
func RealizedVolatility(closes []float64, periodsPerYear float64) (vol float64, ok bool) {
	logReturns := make([]float64, 0, len(closes))
	for i := 1; i < len(closes); i++ {
		prev, cur := closes[i-1], closes[i]
		if prev <= 0 || cur <= 0 || math.IsNaN(prev) || math.IsNaN(cur) {
			continue
		}
		logReturns = append(logReturns, math.Log(cur/prev))
	}
	if len(logReturns) < 2 {
		return 0, false
	}

	sum := 0.0
	for _, r := range logReturns {
		sum += r
	}
	mean := sum / float64(len(logReturns))

	sumSquaredDiff := 0.0
	for _, r := range logReturns {
		diff := r - mean
		sumSquaredDiff += diff * diff
	}
	variance := sumSquaredDiff / float64(len(logReturns))

	if periodsPerYear <= 0 {
		periodsPerYear = 1
	}
	vol = math.Sqrt(variance) * math.Sqrt(periodsPerYear)
	if math.IsNaN(vol) || math.IsInf(vol, 0) {
		return 0, false
	}
	return vol, true
}

// PeriodsPerYear 把K线周期（1m、15m、1h、4h、1d、1w）换算成每年的采样次数，无法识别时返回0
func PeriodsPerYear(interval string) float64 {
	interval = strings.TrimSpace(interval)
	if len(interval) < 2 {
		return 0
	}
	n, err := strconv.Atoi(interval[:len(interval)-1])
	if err != nil || n <= 0 {
		return 0
	}
	const minutesPerYear = 365 * 24 * 60
	var minutes float64
	switch interval[len(interval)-1] {
	case 'm':
		minutes = float64(n)
	case 'h':
		minutes = float64(n) * 60
	case 'd':
		minutes = float64(n) * 24 * 60
	case 'w':
		minutes = float64(n) * 7 * 24 * 60
	default:
		return 0
	}
	return minutesPerYear / minutes
}
