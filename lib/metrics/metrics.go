// Package metrics holds the engine-scoped counters of a dNet server.
//
// Every engine instance owns its own EngineMetrics, nothing is registered globally.
// Monotonic counters and gauges live in a VictoriaMetrics set so they can be exported
// in the Prometheus text format. Byte throughput is additionally tracked with
// exponentially weighted meters from go-metrics, and the sizes of individual
// transfers are kept in a ChunkHistogram.
package metrics

import (
	"fmt"
	"io"

	vm "github.com/VictoriaMetrics/metrics"
	gometrics "github.com/rcrowley/go-metrics"
)

// EngineMetrics groups all diagnostic counters of one engine
type EngineMetrics struct {
	set      *vm.Set
	registry gometrics.Registry
	prefix   string

	// connection lifecycle
	ConnCreated  *vm.Counter
	ConnReleased *vm.Counter
	ConnClosed   *vm.Counter
	ReadReleased *vm.Counter
	SendReleased *vm.Counter

	// listener and connector
	Accepted        *vm.Counter
	AcceptFailures  *vm.Counter
	Connected       *vm.Counter
	ConnectFailures *vm.Counter

	// pipelines
	EventsDispatched *vm.Counter
	PipelinePanics   *vm.Counter
	SendRejected     *vm.Counter
	HeartbeatsSent   *vm.Counter

	// traffic
	ReadBytes *vm.Counter
	SentBytes *vm.Counter

	readMeter gometrics.Meter
	sendMeter gometrics.Meter
	readSizes *ChunkHistogram
	sendSizes *ChunkHistogram
}

// Snapshot is a point-in-time copy of the engine counters
type Snapshot struct {
	Created          uint64
	Released         uint64
	Closed           uint64
	ReadReleased     uint64
	SendReleased     uint64
	Accepted         uint64
	AcceptFailures   uint64
	Connected        uint64
	ConnectFailures  uint64
	EventsDispatched uint64
	PipelinePanics   uint64
	SendRejected     uint64
	HeartbeatsSent   uint64
	ReadBytes        uint64
	SentBytes        uint64
	ReadRate1        float64 // bytes per second, one minute EWMA
	SendRate1        float64
	AvgReadSize      int
	AvgSendSize      int
	P99ReadSize      int
}

// New creates the metrics of one engine. All metric names start with prefix.
func New(prefix string) *EngineMetrics {
	if prefix == "" {
		prefix = "dnet"
	}
	set := vm.NewSet()
	registry := gometrics.NewRegistry()
	name := func(s string) string { return prefix + "_" + s }

	return &EngineMetrics{
		set:      set,
		registry: registry,
		prefix:   prefix,

		ConnCreated:  set.NewCounter(name("connections_created_total")),
		ConnReleased: set.NewCounter(name("connections_released_total")),
		ConnClosed:   set.NewCounter(name("connections_closed_total")),
		ReadReleased: set.NewCounter(name("receive_released_total")),
		SendReleased: set.NewCounter(name("send_released_total")),

		Accepted:        set.NewCounter(name("accepts_total")),
		AcceptFailures:  set.NewCounter(name("accept_failures_total")),
		Connected:       set.NewCounter(name("connects_total")),
		ConnectFailures: set.NewCounter(name("connect_failures_total")),

		EventsDispatched: set.NewCounter(name("events_dispatched_total")),
		PipelinePanics:   set.NewCounter(name("pipeline_panics_total")),
		SendRejected:     set.NewCounter(name("send_rejected_total")),
		HeartbeatsSent:   set.NewCounter(name("heartbeats_sent_total")),

		ReadBytes: set.NewCounter(name("read_bytes_total")),
		SentBytes: set.NewCounter(name("sent_bytes_total")),

		readMeter: gometrics.NewRegisteredMeter(name("read_bytes"), registry),
		sendMeter: gometrics.NewRegisteredMeter(name("sent_bytes"), registry),
		readSizes: NewChunkHistogram(),
		sendSizes: NewChunkHistogram(),
	}
}

// RegisterGauge exposes a value computed on demand, e.g. the registry size.
// The name is prefixed like all other metrics. Registering a name twice panics.
func (m *EngineMetrics) RegisterGauge(name string, f func() float64) {
	m.set.NewGauge(m.prefix+"_"+name, f)
}

// MarkRead records a completed receive of n bytes
func (m *EngineMetrics) MarkRead(n int) {
	m.ReadBytes.Add(n)
	m.readMeter.Mark(int64(n))
	m.readSizes.AddSample(n)
}

// MarkSent records a completed transmit of n bytes
func (m *EngineMetrics) MarkSent(n int) {
	m.SentBytes.Add(n)
	m.sendMeter.Mark(int64(n))
	m.sendSizes.AddSample(n)
}

// ReadSizes returns the histogram of receive sizes
func (m *EngineMetrics) ReadSizes() *ChunkHistogram { return m.readSizes }

// SendSizes returns the histogram of transmit sizes
func (m *EngineMetrics) SendSizes() *ChunkHistogram { return m.sendSizes }

// Snapshot copies the current counter values
func (m *EngineMetrics) Snapshot() Snapshot {
	return Snapshot{
		Created:          m.ConnCreated.Get(),
		Released:         m.ConnReleased.Get(),
		Closed:           m.ConnClosed.Get(),
		ReadReleased:     m.ReadReleased.Get(),
		SendReleased:     m.SendReleased.Get(),
		Accepted:         m.Accepted.Get(),
		AcceptFailures:   m.AcceptFailures.Get(),
		Connected:        m.Connected.Get(),
		ConnectFailures:  m.ConnectFailures.Get(),
		EventsDispatched: m.EventsDispatched.Get(),
		PipelinePanics:   m.PipelinePanics.Get(),
		SendRejected:     m.SendRejected.Get(),
		HeartbeatsSent:   m.HeartbeatsSent.Get(),
		ReadBytes:        m.ReadBytes.Get(),
		SentBytes:        m.SentBytes.Get(),
		ReadRate1:        m.readMeter.Rate1(),
		SendRate1:        m.sendMeter.Rate1(),
		AvgReadSize:      m.readSizes.Average(),
		AvgSendSize:      m.sendSizes.Average(),
		P99ReadSize:      m.readSizes.Percentile(99),
	}
}

// WritePrometheus writes all counters and gauges in the Prometheus text format,
// followed by the one minute byte rates.
func (m *EngineMetrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
	m.registry.Each(func(name string, i interface{}) {
		if meter, ok := i.(gometrics.Meter); ok {
			fmt.Fprintf(w, "%s_rate1 %g\n", name, meter.Rate1())
		}
	})
}

// Stop releases the meters. The counters stay readable.
func (m *EngineMetrics) Stop() {
	m.readMeter.Stop()
	m.sendMeter.Stop()
	m.registry.UnregisterAll()
}

// String returns a short human readable summary
func (s Snapshot) String() string {
	return fmt.Sprintf("created=%d released=%d closed=%d read=%dB (%.0f B/s) sent=%dB (%.0f B/s) accepts=%d/%d failed connects=%d",
		s.Created, s.Released, s.Closed, s.ReadBytes, s.ReadRate1, s.SentBytes, s.SendRate1,
		s.Accepted, s.AcceptFailures, s.ConnectFailures)
}
