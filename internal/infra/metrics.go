package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety. Owned by the application
// bootstrap and passed down explicitly.
type Metrics struct {
	// Counters
	tradesRecorded     atomic.Uint64
	snapshotsPublished atomic.Uint64
	transfersSettled   atomic.Uint64
	transfersBlocked   atomic.Uint64
	transfersRejected  atomic.Uint64
	replicationSent    atomic.Uint64
	replicationDropped atomic.Uint64
	phaseTransitions   atomic.Uint64
	errorsTotal        atomic.Uint64

	// Latency tracking for the compute cycle
	cycleSumNs atomic.Int64
	cycleCount atomic.Uint64

	// Gauges
	replicationConnected atomic.Int32 // 1 = connected, 0 = disconnected
}

// RecordTrade records one accepted trade event.
func (m *Metrics) RecordTrade() {
	m.tradesRecorded.Add(1)
}

// RecordSnapshot records one published price snapshot with cycle latency.
func (m *Metrics) RecordSnapshot(latencyNs int64) {
	m.snapshotsPublished.Add(1)
	m.cycleSumNs.Add(latencyNs)
	m.cycleCount.Add(1)
}

// RecordSettlement records a settled transfer.
func (m *Metrics) RecordSettlement() {
	m.transfersSettled.Add(1)
}

// RecordBlocked records a transfer blocked by the audit.
func (m *Metrics) RecordBlocked() {
	m.transfersBlocked.Add(1)
}

// RecordRejected records a transfer shed due to a full audit queue.
func (m *Metrics) RecordRejected() {
	m.transfersRejected.Add(1)
}

// RecordReplicationSent records one event delivered to the relay.
func (m *Metrics) RecordReplicationSent() {
	m.replicationSent.Add(1)
}

// RecordReplicationDropped records one event lost to backlog overflow.
func (m *Metrics) RecordReplicationDropped() {
	m.replicationDropped.Add(1)
}

// RecordPhaseTransition records one market phase change.
func (m *Metrics) RecordPhaseTransition() {
	m.phaseTransitions.Add(1)
}

// RecordError records an error occurrence.
func (m *Metrics) RecordError() {
	m.errorsTotal.Add(1)
}

// SetReplicationConnected sets the relay connection gauge.
func (m *Metrics) SetReplicationConnected(connected bool) {
	if connected {
		m.replicationConnected.Store(1)
	} else {
		m.replicationConnected.Store(0)
	}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	TradesRecorded       uint64
	SnapshotsPublished   uint64
	TransfersSettled     uint64
	TransfersBlocked     uint64
	TransfersRejected    uint64
	ReplicationSent      uint64
	ReplicationDropped   uint64
	PhaseTransitions     uint64
	ErrorsTotal          uint64
	AvgCycleNs           int64
	ReplicationConnected bool
	Timestamp            time.Time
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgCycle int64
	count := m.cycleCount.Load()
	if count > 0 {
		avgCycle = m.cycleSumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		TradesRecorded:       m.tradesRecorded.Load(),
		SnapshotsPublished:   m.snapshotsPublished.Load(),
		TransfersSettled:     m.transfersSettled.Load(),
		TransfersBlocked:     m.transfersBlocked.Load(),
		TransfersRejected:    m.transfersRejected.Load(),
		ReplicationSent:      m.replicationSent.Load(),
		ReplicationDropped:   m.replicationDropped.Load(),
		PhaseTransitions:     m.phaseTransitions.Load(),
		ErrorsTotal:          m.errorsTotal.Load(),
		AvgCycleNs:           avgCycle,
		ReplicationConnected: m.replicationConnected.Load() == 1,
		Timestamp:            time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.tradesRecorded.Store(0)
	m.snapshotsPublished.Store(0)
	m.transfersSettled.Store(0)
	m.transfersBlocked.Store(0)
	m.transfersRejected.Store(0)
	m.replicationSent.Store(0)
	m.replicationDropped.Store(0)
	m.phaseTransitions.Store(0)
	m.errorsTotal.Store(0)
	m.cycleSumNs.Store(0)
	m.cycleCount.Store(0)
	m.replicationConnected.Store(0)
}
