package engine

import (
	"fmt"
	"math"

	"github.com/fieldpoll/fieldpoll/config"
	"github.com/fieldpoll/fieldpoll/model"
)

// decodeCounter combines register words into the raw counter value and
// applies the channel's scaling. Word order is little-endian: the first
// register carries the least significant word.
func decodeCounter(words []uint16, ch config.ChannelConfig) (raw uint64, value float64, err error) {
	if len(words) != ch.RegisterCount {
		return 0, 0, fmt.Errorf("%w: channel %d expects %d registers, got %d",
			model.ErrDecodeFailed, ch.ChannelNumber, ch.RegisterCount, len(words))
	}
	for i, w := range words {
		raw |= uint64(w) << (16 * i)
	}
	value = roundTo(float64(raw)*ch.ScaleFactor+ch.Offset, ch.DecimalPlaces)
	return raw, value, nil
}

func roundTo(v float64, places int) float64 {
	if places <= 0 {
		return math.Round(v)
	}
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
