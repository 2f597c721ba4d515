package candle

import "time"

// Session is a contiguous run of candles belonging to one trading day.
type Session struct {
	Day   time.Time
	Start int // index into the original series
	Bars  []Candle
}

// SplitSessions groups an ordered series by UTC calendar day.
func SplitSessions(candles []Candle) []Session {
	var sessions []Session
	for i, c := range candles {
		day := c.Timestamp.UTC().Truncate(24 * time.Hour)
		if len(sessions) == 0 || !sessions[len(sessions)-1].Day.Equal(day) {
			sessions = append(sessions, Session{Day: day, Start: i})
		}
		s := &sessions[len(sessions)-1]
		s.Bars = candles[s.Start : i+1]
	}
	return sessions
}
