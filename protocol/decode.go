package protocol

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/fieldpoll/fieldpoll/model"
)

// WeightReading is one decoded scale frame.
type WeightReading struct {
	Value  decimal.Decimal
	Unit   string
	Stable bool
}

// DecodeWeight applies the template's weight pattern to a raw frame and
// returns the reading rounded to decimalPlaces.
func DecodeWeight(tpl model.ProtocolTemplate, frame string, decimalPlaces int) (WeightReading, error) {
	if tpl.WeightPattern == nil {
		return WeightReading{}, fmt.Errorf("%w: template %s has no weight pattern", model.ErrDecodeFailed, tpl.ID)
	}
	m := tpl.WeightPattern.FindStringSubmatch(frame)
	if m == nil || len(m) < 2 {
		return WeightReading{}, fmt.Errorf("%w: frame %q", model.ErrPatternNoMatch, strings.TrimSpace(frame))
	}

	numeric := strings.ReplaceAll(m[1], " ", "")
	numeric = strings.TrimPrefix(numeric, "+")
	value, err := decimal.NewFromString(numeric)
	if err != nil {
		return WeightReading{}, fmt.Errorf("%w: parse %q: %v", model.ErrDecodeFailed, numeric, err)
	}
	value = value.Round(int32(decimalPlaces))

	unit := tpl.Unit
	for i, name := range tpl.WeightPattern.SubexpNames() {
		if name == "unit" && i < len(m) && m[i] != "" {
			unit = strings.ToLower(m[i])
		}
	}

	return WeightReading{
		Value:  value,
		Unit:   unit,
		Stable: frameStable(tpl, frame),
	}, nil
}

// frameStable derives stability from the template markers: an explicit
// stable marker wins, any motion marker flags motion, and a frame with
// neither counts as stable.
func frameStable(tpl model.ProtocolTemplate, frame string) bool {
	if tpl.StableMarker != "" && strings.Contains(frame, tpl.StableMarker) {
		return true
	}
	for _, m := range tpl.MotionMarkers {
		if m != "" && strings.Contains(frame, m) {
			return false
		}
	}
	return true
}
