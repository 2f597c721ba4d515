package pattern

import "github.com/amirphl/adaptive-allocator/internal/candle"

// IsHammer: long lower wick, short upper wick, non-zero body.
func IsHammer(c candle.Candle, th Thresholds) bool {
	body := c.Body()
	if c.Range() == 0 || body == 0 {
		return false
	}
	return c.LowerWick() > th.WickBodyMultiple*body && c.UpperWick() < body*th.ShortWickBodyRatio
}

// IsShootingStar mirrors the hammer on the upper wick.
func IsShootingStar(c candle.Candle, th Thresholds) bool {
	body := c.Body()
	if c.Range() == 0 || body == 0 {
		return false
	}
	return c.UpperWick() > th.WickBodyMultiple*body && c.LowerWick() < body*th.ShortWickBodyRatio
}

// IsInvertedHammer has the shooting star shape; direction comes from context.
func IsInvertedHammer(c candle.Candle, th Thresholds) bool {
	return IsShootingStar(c, th)
}

// IsHangingMan is a small-bodied long-lower-wick candle closing above the prior close.
func IsHangingMan(prev, c candle.Candle, th Thresholds) bool {
	if c.Range() == 0 {
		return false
	}
	return c.Close > prev.Close &&
		c.LowerWick() > th.WickBodyMultiple*c.Body() &&
		c.Body() < c.Range()*th.SpinningTopBodyRatio
}

func IsDoji(c candle.Candle, th Thresholds) bool {
	if c.Range() == 0 {
		return false
	}
	return c.Body() < c.Range()*th.DojiBodyRatio
}

func IsMarubozu(c candle.Candle, th Thresholds) bool {
	if c.Range() == 0 {
		return false
	}
	return c.Body() > c.Range()*th.MarubozuBodyRatio
}

func IsSpinningTop(c candle.Candle, th Thresholds) bool {
	if c.Range() == 0 {
		return false
	}
	body := c.Body()
	return body < c.Range()*th.SpinningTopBodyRatio && c.UpperWick() > body && c.LowerWick() > body
}

// PinBar classifies a rejection candle: small body and one dominant wick.
// Returns bullish for a dominant lower wick, bearish for a dominant upper wick.
func PinBar(c candle.Candle, th Thresholds) (PatternType, bool) {
	rng := c.Range()
	if rng == 0 || c.Body()/rng >= th.PinBarBodyRatio {
		return PatternTypeNeutral, false
	}
	lower, upper := c.LowerWick(), c.UpperWick()
	switch {
	case lower > upper*th.WickBodyMultiple && lower > rng*th.PinBarWickRangeRatio:
		return PatternTypeBullish, true
	case upper > lower*th.WickBodyMultiple && upper > rng*th.PinBarWickRangeRatio:
		return PatternTypeBearish, true
	}
	return PatternTypeNeutral, false
}
