package indicator

// SimpleRSI averages raw gains and losses over the last period changes.
// Returns 50 when fewer than period+1 prices are available.
func SimpleRSI(prices []float64, period int) float64 {
	if period <= 0 || len(prices) < period+1 {
		return 50
	}
	window := prices[len(prices)-period-1:]
	var gain, loss float64
	for i := 1; i < len(window); i++ {
		change := window[i] - window[i-1]
		if change > 0 {
			gain += change
		} else {
			loss += -change
		}
	}
	return rsiFrom(gain/float64(period), loss/float64(period))
}

func rsiFrom(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}
