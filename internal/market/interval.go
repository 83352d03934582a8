package market

// Interval is the candle granularity in upstream notation: minutes as a
// number, "D" for daily.
type Interval string

const (
	IntervalHourly Interval = "60"
	Interval4Hour  Interval = "240"
	IntervalDaily  Interval = "D"
)

// IntervalForWindow picks the granularity for a requested history window.
// Short windows get finer candles so the window still carries enough points.
func IntervalForWindow(days int) Interval {
	switch {
	case days <= 7:
		return IntervalHourly
	case days <= 30:
		return Interval4Hour
	default:
		return IntervalDaily
	}
}

// PointsPerDay returns how many candles one day yields at this granularity.
func (i Interval) PointsPerDay() int {
	switch i {
	case IntervalHourly:
		return 24
	case Interval4Hour:
		return 6
	default:
		return 1
	}
}

// ExpectedPoints is the theoretical candle count for a window of the given
// length; request limits and cache completeness checks both derive from it.
func (i Interval) ExpectedPoints(days int) int {
	if days <= 0 {
		return 0
	}
	return days * i.PointsPerDay()
}
