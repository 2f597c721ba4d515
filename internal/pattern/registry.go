package pattern

import "github.com/amirphl/adaptive-allocator/internal/candle"

// Names of the detectors returned by All. The feature map exposes each as is_<name>.
const (
	Hammer            = "hammer"
	ShootingStar      = "shooting_star"
	InvertedHammer    = "inverted_hammer"
	HangingMan        = "hanging_man"
	Doji              = "doji"
	Marubozu          = "marubozu"
	SpinningTop       = "spinning_top"
	EngulfingBull     = "engulfing_bull"
	EngulfingBear     = "engulfing_bear"
	ThreeWhiteSoldier = "three_white_soldiers"
	ThreeBlackCrows   = "three_black_crows"
)

func single(name string, dir PatternType, fn func(candle.Candle) bool) Pattern {
	return detector{name: name, bars: 1, direction: dir,
		match: func(w []candle.Candle) bool { return fn(w[0]) }}
}

func pair(name string, dir PatternType, fn func(prev, c candle.Candle) bool) Pattern {
	return detector{name: name, bars: 2, direction: dir,
		match: func(w []candle.Candle) bool { return fn(w[0], w[1]) }}
}

// All returns every detector configured with th, keyed by name.
func All(th Thresholds) map[string]Pattern {
	list := []Pattern{
		single(Hammer, PatternTypeBullish, func(c candle.Candle) bool { return IsHammer(c, th) }),
		single(ShootingStar, PatternTypeBearish, func(c candle.Candle) bool { return IsShootingStar(c, th) }),
		single(InvertedHammer, PatternTypeBullish, func(c candle.Candle) bool { return IsInvertedHammer(c, th) }),
		pair(HangingMan, PatternTypeBearish, func(prev, c candle.Candle) bool { return IsHangingMan(prev, c, th) }),
		single(Doji, PatternTypeNeutral, func(c candle.Candle) bool { return IsDoji(c, th) }),
		single(Marubozu, PatternTypeNeutral, func(c candle.Candle) bool { return IsMarubozu(c, th) }),
		single(SpinningTop, PatternTypeNeutral, func(c candle.Candle) bool { return IsSpinningTop(c, th) }),
		pair(EngulfingBull, PatternTypeBullish, IsBullishEngulfing),
		pair(EngulfingBear, PatternTypeBearish, IsBearishEngulfing),
		detector{name: ThreeWhiteSoldier, bars: 3, direction: PatternTypeBullish, match: IsThreeWhiteSoldiers},
		detector{name: ThreeBlackCrows, bars: 3, direction: PatternTypeBearish, match: IsThreeBlackCrows},
	}
	out := make(map[string]Pattern, len(list))
	for _, p := range list {
		out[p.Name()] = p
	}
	return out
}
