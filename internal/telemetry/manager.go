package telemetry

import (
	"context"
	"time"

	"github.com/dougchansan/sha3xd/internal/mining"
	"github.com/dougchansan/sha3xd/pkg/log"
)

// snapshotTTL keeps cached rig snapshots alive a little past the publish
// cadence so a missed publish does not blank the dashboard.
const snapshotTTL = 30 * time.Second

// Manager fans mining events out to whichever sinks are configured. Any sink
// may be nil, and every method tolerates that, so the engine publishes
// unconditionally and the wiring decides what actually happens.
type Manager struct {
	influx *InfluxSink
	events *EventPublisher
	cache  *SnapshotCache
	rigID  string
	logger *log.Logger
}

// NewManager creates a telemetry manager over optional sinks
func NewManager(influx *InfluxSink, events *EventPublisher, cache *SnapshotCache, rigID string, logger *log.Logger) *Manager {
	return &Manager{
		influx: influx,
		events: events,
		cache:  cache,
		rigID:  rigID,
		logger: logger.WithComponent("telemetry"),
	}
}

// RecordShare publishes one share submission outcome
func (m *Manager) RecordShare(ctx context.Context, candidate *mining.ShareCandidate, result *mining.ShareResult) {
	if m == nil {
		return
	}

	if m.influx != nil {
		m.influx.WriteShareMetric(candidate.DeviceID, candidate.JobID, candidate.Difficulty, result.Accepted)
	}

	if m.events != nil {
		err := m.events.Publish(ctx, EventShareResult, map[string]any{
			"share_id":  result.ShareID,
			"job_id":    candidate.JobID,
			"device_id": candidate.DeviceID,
			"accepted":  result.Accepted,
			"reason":    result.Reason,
		})
		if err != nil {
			m.logger.Debug("share event dropped", "error", err.Error())
		}
	}
}

// RecordSample publishes one device hashrate sample
func (m *Manager) RecordSample(sample mining.HashrateSample) {
	if m == nil || m.influx == nil {
		return
	}
	m.influx.WriteHashrateMetric(sample)
}

// RecordStateChange publishes an engine state transition
func (m *Manager) RecordStateChange(ctx context.Context, from, to mining.State) {
	if m == nil || m.events == nil {
		return
	}

	err := m.events.Publish(ctx, EventStateChange, map[string]any{
		"from": from.String(),
		"to":   to.String(),
	})
	if err != nil {
		m.logger.Debug("state event dropped", "error", err.Error())
	}
}

// PublishSnapshot pushes a full stats snapshot to the time-series and cache
// sinks
func (m *Manager) PublishSnapshot(ctx context.Context, snap mining.Snapshot) {
	if m == nil {
		return
	}

	if m.influx != nil {
		m.influx.WriteRigMetric(snap)
	}

	if m.cache != nil {
		if err := m.cache.SetSnapshot(ctx, m.rigID, snap, snapshotTTL); err != nil {
			m.logger.Debug("snapshot cache write failed", "error", err.Error())
		}
	}
}

// Close shuts every sink down, flushing where the sink supports it
func (m *Manager) Close() {
	if m == nil {
		return
	}

	if m.influx != nil {
		m.influx.Close()
	}
	if m.events != nil {
		if err := m.events.Close(); err != nil {
			m.logger.WithError(err).Warn("kafka close failed")
		}
	}
	if m.cache != nil {
		if err := m.cache.Close(); err != nil {
			m.logger.WithError(err).Warn("redis close failed")
		}
	}
}
