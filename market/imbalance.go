package market

import "adaptive-market-maker/gateway"

// CalculateImbalance calculates the imbalance between bid and ask volumes
// Imbalance = (BidVol - AskVol) / (BidVol + AskVol)
func CalculateImbalance(bidVolumeTop float64, askVolumeTop float64) float64 {
	totalVolume := bidVolumeTop + askVolumeTop
	if totalVolume <= 0 {
		return 0
	}
	return (bidVolumeTop - askVolumeTop) / totalVolume
}

// BookImbalance 取前levels档计算买卖量失衡，结果在[-1,1]
func BookImbalance(book gateway.OrderBook, levels int) float64 {
	if levels <= 0 {
		return 0
	}
	bidVolume, askVolume := 0.0, 0.0
	for i, lv := range book.Bids {
		if i >= levels {
			break
		}
		bidVolume += lv.Qty
	}
	for i, lv := range book.Asks {
		if i >= levels {
			break
		}
		askVolume += lv.Qty
	}
	return CalculateImbalance(bidVolume, askVolume)
}
