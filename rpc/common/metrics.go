package common

import (
	vm "github.com/VictoriaMetrics/metrics"
	gometrics "github.com/rcrowley/go-metrics"
)

// process wide counters, exported in the prometheus text format by the cli
var (
	vmFramesSent       = vm.GetOrCreateCounter("rocket_frames_sent_total")
	vmFramesReceived   = vm.GetOrCreateCounter("rocket_frames_received_total")
	vmBytesSent        = vm.GetOrCreateCounter("rocket_bytes_sent_total")
	vmBytesReceived    = vm.GetOrCreateCounter("rocket_bytes_received_total")
	vmChecksumFailures = vm.GetOrCreateCounter("rocket_checksum_failures_total")
	vmResyncs          = vm.GetOrCreateCounter("rocket_header_resyncs_total")
	vmOversized        = vm.GetOrCreateCounter("rocket_oversized_frames_total")
	vmDecodeErrors     = vm.GetOrCreateCounter("rocket_decode_errors_total")
	vmConnsOpened      = vm.GetOrCreateCounter("rocket_connections_opened_total")
	vmConnsClosed      = vm.GetOrCreateCounter("rocket_connections_closed_total")
)

// Stats collects the counters of a single client or server.
// All methods are safe for concurrent use.
type Stats struct {
	registry gometrics.Registry

	framesSent       gometrics.Counter
	framesReceived   gometrics.Counter
	bytesSent        gometrics.Counter
	bytesReceived    gometrics.Counter
	checksumFailures gometrics.Counter
	resyncs          gometrics.Counter
	oversized        gometrics.Counter
	decodeErrors     gometrics.Counter
	connsOpened      gometrics.Counter
	connsClosed      gometrics.Counter
	bodySizes        gometrics.Histogram
}

// StatsSnapshot is a point in time copy of Stats
type StatsSnapshot struct {
	FramesSent        int64   `json:"frames_sent"`
	FramesReceived    int64   `json:"frames_received"`
	BytesSent         int64   `json:"bytes_sent"`
	BytesReceived     int64   `json:"bytes_received"`
	ChecksumFailures  int64   `json:"checksum_failures"`
	HeaderResyncs     int64   `json:"header_resyncs"`
	OversizedFrames   int64   `json:"oversized_frames"`
	DecodeErrors      int64   `json:"decode_errors"`
	ConnectionsOpened int64   `json:"connections_opened"`
	ConnectionsClosed int64   `json:"connections_closed"`
	MeanBodySize      float64 `json:"mean_body_size"`
	MedianBodySize    float64 `json:"median_body_size"`
	MaxBodySize       int64   `json:"max_body_size"`
}

// NewStats creates a new set of counters in a private registry
func NewStats() *Stats {
	s := &Stats{
		registry:  gometrics.NewRegistry(),
		bodySizes: gometrics.NewHistogram(gometrics.NewUniformSample(1028)),
	}

	counter := func(name string) gometrics.Counter {
		c := gometrics.NewCounter()
		_ = s.registry.Register(name, c)
		return c
	}

	s.framesSent = counter("frames.sent")
	s.framesReceived = counter("frames.received")
	s.bytesSent = counter("bytes.sent")
	s.bytesReceived = counter("bytes.received")
	s.checksumFailures = counter("frames.checksum_failures")
	s.resyncs = counter("frames.resyncs")
	s.oversized = counter("frames.oversized")
	s.decodeErrors = counter("frames.decode_errors")
	s.connsOpened = counter("connections.opened")
	s.connsClosed = counter("connections.closed")
	_ = s.registry.Register("frames.body_size", s.bodySizes)

	return s
}

// Registry exposes the underlying go-metrics registry (e.g. for periodic log reporters)
func (s *Stats) Registry() gometrics.Registry {
	return s.registry
}

// FrameSent records a written frame of n bytes (header included)
func (s *Stats) FrameSent(n int) {
	s.framesSent.Inc(1)
	s.bytesSent.Inc(int64(n))
	vmFramesSent.Inc()
	vmBytesSent.Add(n)
}

// FrameReceived records a valid frame with a body of n bytes
func (s *Stats) FrameReceived(n int) {
	s.framesReceived.Inc(1)
	s.bytesReceived.Inc(int64(n))
	s.bodySizes.Update(int64(n))
	vmFramesReceived.Inc()
	vmBytesReceived.Add(n)
}

func (s *Stats) ChecksumFailure() {
	s.checksumFailures.Inc(1)
	vmChecksumFailures.Inc()
}

func (s *Stats) HeaderResync() {
	s.resyncs.Inc(1)
	vmResyncs.Inc()
}

func (s *Stats) OversizedFrame() {
	s.oversized.Inc(1)
	vmOversized.Inc()
}

func (s *Stats) DecodeError() {
	s.decodeErrors.Inc(1)
	vmDecodeErrors.Inc()
}

func (s *Stats) ConnectionOpened() {
	s.connsOpened.Inc(1)
	vmConnsOpened.Inc()
}

func (s *Stats) ConnectionClosed() {
	s.connsClosed.Inc(1)
	vmConnsClosed.Inc()
}

// Snapshot returns the current values
func (s *Stats) Snapshot() StatsSnapshot {
	sizes := s.bodySizes.Snapshot()
	return StatsSnapshot{
		FramesSent:        s.framesSent.Count(),
		FramesReceived:    s.framesReceived.Count(),
		BytesSent:         s.bytesSent.Count(),
		BytesReceived:     s.bytesReceived.Count(),
		ChecksumFailures:  s.checksumFailures.Count(),
		HeaderResyncs:     s.resyncs.Count(),
		OversizedFrames:   s.oversized.Count(),
		DecodeErrors:      s.decodeErrors.Count(),
		ConnectionsOpened: s.connsOpened.Count(),
		ConnectionsClosed: s.connsClosed.Count(),
		MeanBodySize:      sizes.Mean(),
		MedianBodySize:    sizes.Percentile(0.5),
		MaxBodySize:       sizes.Max(),
	}
}
