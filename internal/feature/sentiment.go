package feature

const (
	extremeBullRatio = 0.85
	extremeBearRatio = 0.15
)

func sentimentFeatures(s Sentiment) Features {
	f := Features{
		"sentiment_score":  s.Score,
		"sentiment_volume": s.MessageCount,
		"bull_ratio":       0.5,
		"bear_ratio":       0.5,
	}
	if total := s.BullCount + s.BearCount + s.NeutralCount; total > 0 {
		f["bull_ratio"] = s.BullCount / total
		f["bear_ratio"] = s.BearCount / total
	}
	bull := f["bull_ratio"]
	f["extreme_bullish"] = flag(bull > extremeBullRatio)
	f["extreme_bearish"] = flag(bull < extremeBearRatio)
	f["extreme_sentiment_flag"] = flag(bull > extremeBullRatio || bull < extremeBearRatio)
	f["sentiment_divergence"] = flag(s.PriceTrend*s.Score < 0)
	return f
}
