package ble

import "sync/atomic"

// Metrics is a point-in-time snapshot of per-device counters. Counters are
// mutated only by the owning Device; snapshots tolerate slight staleness.
type Metrics struct {
	OpsSucceeded      uint64
	OpsFailed         uint64
	ReconnectAttempts uint64
	LastRSSI          int16
}

type metrics struct {
	opsSucceeded      atomic.Uint64
	opsFailed         atomic.Uint64
	reconnectAttempts atomic.Uint64
	lastRSSI          atomic.Int32
}

func (m *metrics) recordSuccess() { m.opsSucceeded.Add(1) }

func (m *metrics) recordFailure() { m.opsFailed.Add(1) }

func (m *metrics) recordReconnectAttempt() { m.reconnectAttempts.Add(1) }

func (m *metrics) recordRSSI(rssi int16) { m.lastRSSI.Store(int32(rssi)) }

func (m *metrics) snapshot() Metrics {
	return Metrics{
		OpsSucceeded:      m.opsSucceeded.Load(),
		OpsFailed:         m.opsFailed.Load(),
		ReconnectAttempts: m.reconnectAttempts.Load(),
		LastRSSI:          int16(m.lastRSSI.Load()),
	}
}

// SignalQuality buckets RSSI into coarse link-quality grades used to pace
// history reads.
type SignalQuality int

const (
	SignalExcellent SignalQuality = iota
	SignalGood
	SignalFair
	SignalPoor
)

// SignalQualityFromRSSI grades a received signal strength.
func SignalQualityFromRSSI(rssi int16) SignalQuality {
	switch {
	case rssi >= -60:
		return SignalExcellent
	case rssi >= -70:
		return SignalGood
	case rssi >= -80:
		return SignalFair
	default:
		return SignalPoor
	}
}

func (q SignalQuality) String() string {
	switch q {
	case SignalExcellent:
		return "excellent"
	case SignalGood:
		return "good"
	case SignalFair:
		return "fair"
	default:
		return "poor"
	}
}
