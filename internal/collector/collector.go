// Package collector turns raw notifications into stored records.
package collector

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/chaz8081/enose-collector/internal/packet"
	"github.com/chaz8081/enose-collector/internal/schema"
	"github.com/chaz8081/enose-collector/internal/sink"
)

// DropMessage is logged once per rejected packet.
const DropMessage = "[COLLECT] dropping packet"

// Metrics receives collector events. All methods must be safe for
// concurrent use.
type Metrics interface {
	PacketDropped(reason string)
	RecordWritten()
	SinkFailed()
}

// Options configures a Collector.
type Options struct {
	Logger  *slog.Logger // defaults to slog.Default()
	Metrics Metrics      // optional
}

// Stats counts packets seen by a Collector.
type Stats struct {
	Written uint64
	Dropped uint64
	Failed  uint64
}

// Collector decodes each packet, appends it to the sink and reports the
// outcome. A bad packet or a failed write is logged and counted, never
// returned: the next notification is handled as if nothing happened.
type Collector struct {
	schema  *schema.Schema
	logger  *slog.Logger
	metrics Metrics
	summary int // index of the field shown in the per-record log line

	// mu serializes packet handling so records reach the sink in arrival
	// order, including a late callback from a previous connection.
	mu   sync.Mutex
	sink sink.Sink

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// New creates a Collector for s writing to snk.
func New(s *schema.Schema, snk sink.Sink, opts Options) *Collector {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		schema:  s,
		sink:    snk,
		logger:  logger,
		metrics: opts.Metrics,
		summary: summaryField(s),
	}
}

// summaryField picks the first ADC reading after the commercial block, or the
// first field when the schema has no such block.
func summaryField(s *schema.Schema) int {
	if s.Len() > len(schema.CommercialFields) {
		return len(schema.CommercialFields)
	}
	return 0
}

// Prepare ensures the sink header for the collector's schema. It must succeed
// before the first packet arrives.
func (c *Collector) Prepare() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sink.EnsureHeader(c.schema)
}

// HandlePacket implements ble.PacketHandler.
func (c *Collector) HandlePacket(raw packet.RawPacket) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := packet.Decode(raw, c.schema)
	if err != nil {
		c.drop(raw, err)
		return
	}

	if err := c.sink.Append(rec); err != nil {
		c.failed.Add(1)
		if c.metrics != nil {
			c.metrics.SinkFailed()
		}
		c.logger.Error("[SINK] append failed, record lost", "captured_at", rec.CapturedAt.Format(packet.TimeLayout), "error", err)
		return
	}

	c.written.Add(1)
	if c.metrics != nil {
		c.metrics.RecordWritten()
	}
	f := c.schema.Field(c.summary)
	c.logger.Info("[COLLECT] record",
		"captured_at", rec.CapturedAt.Format(packet.TimeLayout),
		"fields", len(rec.Values),
		f.Name, packet.FormatValue(f.Type, rec.Values[c.summary]),
	)
}

func (c *Collector) drop(raw packet.RawPacket, err error) {
	c.dropped.Add(1)

	reason := "unknown"
	got, want := len(raw.Data), c.schema.Size()
	var mp *packet.MalformedPacketError
	if errors.As(err, &mp) {
		reason = mp.Reason.String()
		got, want = mp.Got, mp.Want
	}
	if c.metrics != nil {
		c.metrics.PacketDropped(reason)
	}
	c.logger.Warn(DropMessage, "got", got, "want", want, "reason", reason, "error", err)
}

// Stats returns a snapshot of the counters.
func (c *Collector) Stats() Stats {
	return Stats{
		Written: c.written.Load(),
		Dropped: c.dropped.Load(),
		Failed:  c.failed.Load(),
	}
}
