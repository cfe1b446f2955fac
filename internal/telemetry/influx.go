// Package telemetry provides optional, best-effort sinks for mining metrics
// and events: InfluxDB time series, a Kafka fleet event stream, and a Redis
// snapshot cache. Every sink is optional; a disabled or failing sink never
// slows the mining hot path.
package telemetry

import (
	"context"
	"fmt"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/dougchansan/sha3xd/internal/mining"
)

// InfluxConfig holds InfluxDB connection configuration
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// InfluxSink writes mining time-series metrics. The underlying write API is
// asynchronous and batching, so writes never block the caller.
type InfluxSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	rigID    string
}

// NewInfluxSink creates an InfluxDB sink and verifies connectivity
func NewInfluxSink(cfg InfluxConfig, rigID string) (*InfluxSink, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to check InfluxDB health: %w", err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		client.Close()
		return nil, fmt.Errorf("InfluxDB health check failed: %s", msg)
	}

	return &InfluxSink{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
		rigID:    rigID,
	}, nil
}

// Close flushes pending points and shuts the client down
func (s *InfluxSink) Close() {
	s.writeAPI.Flush()
	s.client.Close()
}

// Health checks InfluxDB connectivity
func (s *InfluxSink) Health(ctx context.Context) error {
	health, err := s.client.Health(ctx)
	if err != nil {
		return fmt.Errorf("failed to check health: %w", err)
	}
	if health.Status != "pass" {
		return fmt.Errorf("health check did not pass")
	}
	return nil
}

// WriteShareMetric writes one share submission outcome
func (s *InfluxSink) WriteShareMetric(deviceID int, jobID string, difficulty float64, accepted bool) {
	tags := map[string]string{
		"rig_id":    s.rigID,
		"device_id": fmt.Sprintf("%d", deviceID),
		"accepted":  fmt.Sprintf("%t", accepted),
	}

	fields := map[string]interface{}{
		"difficulty": difficulty,
		"count":      1,
	}

	point := write.NewPoint("shares", tags, fields, time.Now())
	s.writeAPI.WritePoint(point)
}

// WriteHashrateMetric writes one device hashrate sample
func (s *InfluxSink) WriteHashrateMetric(sample mining.HashrateSample) {
	tags := map[string]string{
		"rig_id":    s.rigID,
		"device_id": fmt.Sprintf("%d", sample.DeviceID),
	}

	fields := map[string]interface{}{
		"hashrate": sample.HashesPerSec,
	}

	point := write.NewPoint("hashrate", tags, fields, sample.At)
	s.writeAPI.WritePoint(point)
}

// WriteRigMetric writes a rig-level stats rollup
func (s *InfluxSink) WriteRigMetric(snap mining.Snapshot) {
	tags := map[string]string{
		"rig_id": s.rigID,
		"state":  snap.State,
	}

	fields := map[string]interface{}{
		"current_hashrate": snap.CurrentHashrate,
		"average_hashrate": snap.AverageHashrate,
		"total_shares":     snap.TotalShares,
		"accepted_shares":  snap.AcceptedShares,
		"rejected_shares":  snap.RejectedShares,
		"uptime_seconds":   snap.UptimeSeconds,
	}

	point := write.NewPoint("rig_stats", tags, fields, snap.TakenAt)
	s.writeAPI.WritePoint(point)

	for _, dev := range snap.Devices {
		devTags := map[string]string{
			"rig_id":    s.rigID,
			"device_id": fmt.Sprintf("%d", dev.DeviceID),
			"paused":    fmt.Sprintf("%t", dev.Paused),
		}
		devFields := map[string]interface{}{
			"hashrate":    dev.Hashrate,
			"temperature": dev.TemperatureC,
		}
		s.writeAPI.WritePoint(write.NewPoint("device_stats", devTags, devFields, snap.TakenAt))
	}
}

// Flush forces a write of all pending points
func (s *InfluxSink) Flush() {
	s.writeAPI.Flush()
}
