package model

import "regexp"

// ProtocolTemplate describes one scale dialect: the commands that solicit a
// reading, the shapes a response may take, and how to pull the weight out.
type ProtocolTemplate struct {
	ID string

	// Commands are tried in order during discovery and polling. CRLF is
	// appended on the wire.
	Commands [][]byte

	// ResponsePatterns validate a response frame; any match counts.
	ResponsePatterns []*regexp.Regexp

	// WeightPattern must contain one numeric capture group. An optional
	// named group "unit" overrides Unit.
	WeightPattern *regexp.Regexp

	// Unit is the default weight unit when the frame carries none.
	Unit string

	// StableMarker, when present in a frame, flags the reading stable.
	// MotionMarkers flag it in motion; with neither marker class present the
	// reading counts as stable.
	StableMarker  string
	MotionMarkers []string
}
