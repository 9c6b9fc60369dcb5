package engine

import (
	"math"

	"github.com/fieldpoll/fieldpoll/config"
	"github.com/fieldpoll/fieldpoll/model"
)

// assessQuality applies the channel validation rules in order; the first
// matching rule wins. raw is the pre-scaling reading (counter value or
// weight), rawCounter the integer counter for the overflow check.
func assessQuality(ch config.ChannelConfig, raw float64, rawCounter uint64, rate *float64) model.Quality {
	if !(ch.MinValue == 0 && ch.MaxValue == 0) && (raw < ch.MinValue || raw > ch.MaxValue) {
		return model.QualityBad
	}
	if ch.Capacity > 0 && raw > ch.Capacity {
		return model.QualityBad
	}
	if rate != nil && math.Abs(*rate) > ch.MaxRateOfChange {
		return model.QualityUncertain
	}
	if ch.OverflowThreshold > 0 && rawCounter >= ch.OverflowThreshold {
		return model.QualityOverflow
	}
	return model.QualityGood
}
