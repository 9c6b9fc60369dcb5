// Package protocol holds the scale dialect catalog, template discovery, and
// weight frame decoding.
package protocol

import (
	"regexp"
	"sync"

	"github.com/fieldpoll/fieldpoll/model"
)

// weightNumber matches a signed decimal with optional unit suffix.
const weightNumber = `([+-]?\s*\d+(?:\.\d+)?)\s*(?P<unit>kg|g|t|lb|oz)?`

// Builtin returns the built-in template catalog in discovery order.
func Builtin() []model.ProtocolTemplate {
	return []model.ProtocolTemplate{
		{
			ID:       "mettler_toledo_sics",
			Commands: [][]byte{[]byte("SI"), []byte("S")},
			ResponsePatterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)^S\s+[SD]\s+`),
			},
			WeightPattern: regexp.MustCompile(`(?i)` + weightNumber),
			Unit:          "kg",
			StableMarker:  "S S",
			MotionMarkers: []string{"S D"},
		},
		{
			ID:       "sartorius_sbi",
			Commands: [][]byte{{0x1B, 'P'}},
			ResponsePatterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)^[NGT]?\s*[+-]\s*\d+(?:\.\d+)?\s*(kg|g)`),
			},
			WeightPattern: regexp.MustCompile(`(?i)` + weightNumber),
			Unit:          "g",
			MotionMarkers: []string{"?"},
		},
		{
			ID:       "and_fx",
			Commands: [][]byte{[]byte("Q")},
			ResponsePatterns: []*regexp.Regexp{
				regexp.MustCompile(`(?i)^(ST|US|OL),`),
			},
			WeightPattern: regexp.MustCompile(`(?i)` + weightNumber),
			Unit:          "g",
			StableMarker:  "ST,",
			MotionMarkers: []string{"US,"},
		},
		{
			ID:       "generic_ascii",
			Commands: [][]byte{[]byte("P"), []byte("W")},
			ResponsePatterns: []*regexp.Regexp{
				regexp.MustCompile(`\d`),
			},
			WeightPattern: regexp.MustCompile(`(?i)` + weightNumber),
			Unit:          "kg",
		},
	}
}

// Catalog is an ordered, concurrency-safe template registry: built-ins first,
// user additions after, discovery walks it in order.
type Catalog struct {
	mu        sync.RWMutex
	templates []model.ProtocolTemplate
}

// NewCatalog creates a catalog seeded with the built-in templates.
func NewCatalog() *Catalog {
	return &Catalog{templates: Builtin()}
}

// Add appends a user template. A template with a duplicate ID replaces the
// existing entry in place, keeping its position.
func (c *Catalog) Add(t model.ProtocolTemplate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.templates {
		if existing.ID == t.ID {
			c.templates[i] = t
			return
		}
	}
	c.templates = append(c.templates, t)
}

// Get returns the template with the given ID.
func (c *Catalog) Get(id string) (model.ProtocolTemplate, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.templates {
		if t.ID == id {
			return t, true
		}
	}
	return model.ProtocolTemplate{}, false
}

// All returns the templates in catalog order.
func (c *Catalog) All() []model.ProtocolTemplate {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.ProtocolTemplate, len(c.templates))
	copy(out, c.templates)
	return out
}
