package protocol

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/fieldpoll/fieldpoll/model"
	"github.com/fieldpoll/fieldpoll/transport"
)

const (
	// Weight sanity range for discovery: a parsed number outside this range
	// is not a plausible scale reading.
	discoveryWeightMin = -1000
	discoveryWeightMax = 100000

	defaultValidationReadings = 5
	defaultTemplateTimeout    = 5 * time.Second
	acceptRatio               = 0.6
)

// Discoverer walks the template catalog against a live scale and returns
// the first dialect that answers convincingly.
type Discoverer struct {
	Catalog *Catalog
	Log     *zap.Logger

	// ValidationReadings is the number of probe attempts per template
	// (default 5); TemplateTimeout is the total response budget per
	// template, split across attempts.
	ValidationReadings int
	TemplateTimeout    time.Duration
}

// NewDiscoverer creates a discoverer over the given catalog.
func NewDiscoverer(catalog *Catalog, log *zap.Logger) *Discoverer {
	return &Discoverer{
		Catalog:            catalog,
		Log:                log,
		ValidationReadings: defaultValidationReadings,
		TemplateTimeout:    defaultTemplateTimeout,
	}
}

// Discover probes host:port with each catalog template in order and returns
// the first template whose responses validate at the acceptance ratio. A nil
// template with a pattern_no_match error means no dialect matched.
func (d *Discoverer) Discover(ctx context.Context, host string, port int) (*model.ProtocolTemplate, error) {
	for _, tpl := range d.Catalog.All() {
		if ctx.Err() != nil {
			return nil, model.ErrCancelled
		}
		if d.tryTemplate(ctx, tpl, host, port) {
			d.Log.Info("protocol discovered",
				zap.String("template", tpl.ID),
				zap.String("addr", host+":"+strconv.Itoa(port)))
			t := tpl
			return &t, nil
		}
	}
	return nil, model.ErrPatternNoMatch
}

// DiscoverConn probes over an already-connected client. Serial device
// servers commonly admit a single TCP client, so a worker that owns the
// connection must discover in-band rather than dial a second one.
func (d *Discoverer) DiscoverConn(ctx context.Context, client *transport.TCPClient) (*model.ProtocolTemplate, error) {
	for _, tpl := range d.Catalog.All() {
		if ctx.Err() != nil {
			return nil, model.ErrCancelled
		}
		if d.validateTemplate(ctx, client, tpl) {
			d.Log.Info("protocol discovered in-band", zap.String("template", tpl.ID))
			t := tpl
			return &t, nil
		}
	}
	return nil, model.ErrPatternNoMatch
}

// tryTemplate opens a fresh connection and runs the validation readings.
func (d *Discoverer) tryTemplate(ctx context.Context, tpl model.ProtocolTemplate, host string, port int) bool {
	perAttempt := d.TemplateTimeout / time.Duration(d.attempts())

	client := transport.NewTCPClient(transport.TCPConfig{
		Host:           host,
		Port:           port,
		ConnectTimeout: perAttempt,
		ReadTimeout:    perAttempt,
		Cooldown:       time.Millisecond, // fresh scan, no cooldown caching
	}, d.Log)
	defer client.Close()

	if err := client.Connect(ctx); err != nil {
		d.Log.Debug("discovery connect failed",
			zap.String("template", tpl.ID), zap.Error(err))
		return false
	}
	return d.validateTemplate(ctx, client, tpl)
}

// validateTemplate runs the validation readings over a connected client.
func (d *Discoverer) validateTemplate(ctx context.Context, client *transport.TCPClient, tpl model.ProtocolTemplate) bool {
	attempts := d.attempts()
	perAttempt := d.TemplateTimeout / time.Duration(attempts)

	valid := 0
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return false
		}
		if d.attemptOnce(ctx, client, tpl, perAttempt) {
			valid++
		}
	}
	return float64(valid)/float64(attempts) >= acceptRatio
}

func (d *Discoverer) attempts() int {
	if d.ValidationReadings < 1 {
		return defaultValidationReadings
	}
	return d.ValidationReadings
}

// attemptOnce walks the template's commands and succeeds at the first
// response that validates. Per-attempt errors are swallowed.
func (d *Discoverer) attemptOnce(ctx context.Context, client *transport.TCPClient, tpl model.ProtocolTemplate, timeout time.Duration) bool {
	for _, cmd := range tpl.Commands {
		wire := append(append([]byte{}, cmd...), '\r', '\n')
		resp, err := client.SendReceive(ctx, wire, timeout)
		if err != nil {
			d.Log.Debug("discovery attempt failed",
				zap.String("template", tpl.ID),
				zap.ByteString("command", cmd),
				zap.Error(err))
			continue
		}
		if responseValid(tpl, string(resp)) {
			return true
		}
	}
	return false
}

// responseValid tests a frame against the template's response patterns, or
// failing that, against the weight pattern with the sanity range.
func responseValid(tpl model.ProtocolTemplate, frame string) bool {
	for _, p := range tpl.ResponsePatterns {
		if p.MatchString(frame) {
			return true
		}
	}
	if tpl.WeightPattern == nil {
		return false
	}
	r, err := DecodeWeight(tpl, frame, 3)
	if err != nil {
		return false
	}
	w, _ := r.Value.Float64()
	return w >= discoveryWeightMin && w <= discoveryWeightMax
}
