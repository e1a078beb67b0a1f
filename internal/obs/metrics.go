// Package obs collects lightweight in-process counters. Drop counters
// exist so that queue overflow is never a silent stall.
package obs

import (
	"sync/atomic"
	"time"
)

// Metrics collects per-tier counters and routing latency stats.
type Metrics struct {
	messagesRouted     uint64
	messagesDropped    uint64
	malformedPayloads  uint64
	barsEmitted        uint64
	lateTradesDropped  uint64
	upstreamReconnects uint64
	peersConnected     int64

	routeLatency LatencyStats
}

// Snapshot is a point-in-time view of the metrics.
type Snapshot struct {
	MessagesRouted     uint64          `json:"messages_routed"`
	MessagesDropped    uint64          `json:"messages_dropped"`
	MalformedPayloads  uint64          `json:"malformed_payloads"`
	BarsEmitted        uint64          `json:"bars_emitted"`
	LateTradesDropped  uint64          `json:"late_trades_dropped"`
	UpstreamReconnects uint64          `json:"upstream_reconnects"`
	PeersConnected     int64           `json:"peers_connected"`
	RouteLatency       LatencySnapshot `json:"route_latency"`
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// IncRouted records one delivered message.
func (m *Metrics) IncRouted() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.messagesRouted, 1)
}

// AddDropped records messages dropped by queue overflow.
func (m *Metrics) AddDropped(n uint64) {
	if m == nil || n == 0 {
		return
	}
	atomic.AddUint64(&m.messagesDropped, n)
}

// IncMalformed records a discarded unparseable payload.
func (m *Metrics) IncMalformed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.malformedPayloads, 1)
}

// IncBarEmitted records one synthesized bar.
func (m *Metrics) IncBarEmitted() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.barsEmitted, 1)
}

// IncLateTrade records a trade dropped for arriving after its window
// was emitted.
func (m *Metrics) IncLateTrade() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.lateTradesDropped, 1)
}

// IncReconnect records an upstream reconnect cycle.
func (m *Metrics) IncReconnect() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.upstreamReconnects, 1)
}

// PeerConnected adjusts the connected-peer gauge.
func (m *Metrics) PeerConnected(delta int64) {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.peersConnected, delta)
}

// ObserveRoute measures one fan-out pass.
func (m *Metrics) ObserveRoute(d time.Duration) {
	if m == nil {
		return
	}
	m.routeLatency.Observe(d)
}

// Snapshot returns a copy of the current values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	return Snapshot{
		MessagesRouted:     atomic.LoadUint64(&m.messagesRouted),
		MessagesDropped:    atomic.LoadUint64(&m.messagesDropped),
		MalformedPayloads:  atomic.LoadUint64(&m.malformedPayloads),
		BarsEmitted:        atomic.LoadUint64(&m.barsEmitted),
		LateTradesDropped:  atomic.LoadUint64(&m.lateTradesDropped),
		UpstreamReconnects: atomic.LoadUint64(&m.upstreamReconnects),
		PeersConnected:     atomic.LoadInt64(&m.peersConnected),
		RouteLatency:       m.routeLatency.Snapshot(),
	}
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Avg   time.Duration `json:"avg"`
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
