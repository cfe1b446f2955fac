package mining

import "time"

// DeviceStatus is one worker's slice of a stats snapshot
type DeviceStatus struct {
	DeviceID     int     `json:"device_id"`
	Hashrate     float64 `json:"hashrate"`
	TemperatureC float64 `json:"temperature"`
	Paused       bool    `json:"paused"`
}

// Snapshot is an immutable stats value recomputed on every read
type Snapshot struct {
	State           string         `json:"state"`
	CurrentHashrate float64        `json:"current_hashrate"`
	AverageHashrate float64        `json:"average_hashrate"`
	TotalShares     int64          `json:"total_shares"`
	AcceptedShares  int64          `json:"accepted_shares"`
	RejectedShares  int64          `json:"rejected_shares"`
	AcceptanceRate  *float64       `json:"acceptance_rate,omitempty"`
	Devices         []DeviceStatus `json:"devices"`
	PoolConnected   bool           `json:"pool_connected"`
	IsMining        bool           `json:"is_mining"`
	UptimeSeconds   float64        `json:"uptime_seconds"`
	LastError       string         `json:"last_error,omitempty"`
	TakenAt         time.Time      `json:"taken_at"`
}

// Reporter produces read-only snapshots of controller and accountant state.
// It holds no state of its own and never caches.
type Reporter struct {
	controller *Controller
	accountant *Accountant
}

// NewReporter creates a reporter over the given controller and accountant
func NewReporter(controller *Controller, accountant *Accountant) *Reporter {
	return &Reporter{controller: controller, accountant: accountant}
}

// Snapshot assembles a fresh stats value. The acceptance rate is absent, not
// zero, until at least one share has completed.
func (r *Reporter) Snapshot() Snapshot {
	counts := r.accountant.Snapshot()
	state := r.controller.State()

	snap := Snapshot{
		State:           state.String(),
		CurrentHashrate: r.controller.CurrentHashrate(),
		AverageHashrate: r.controller.AverageHashrate(),
		TotalShares:     counts.Total,
		AcceptedShares:  counts.Accepted,
		RejectedShares:  counts.Rejected,
		PoolConnected:   r.controller.Connected(),
		IsMining:        state == StateMining,
		TakenAt:         time.Now(),
	}

	if rate, ok := r.accountant.Rate(); ok {
		snap.AcceptanceRate = &rate
	}

	if err := r.controller.LastError(); err != nil {
		snap.LastError = err.Error()
	}

	if startedAt := r.controller.StartedAt(); !startedAt.IsZero() {
		snap.UptimeSeconds = time.Since(startedAt).Seconds()
	}

	for _, w := range r.controller.Workers() {
		snap.Devices = append(snap.Devices, DeviceStatus{
			DeviceID:     w.ID(),
			Hashrate:     w.Hashrate(),
			TemperatureC: w.Temperature(),
			Paused:       w.Paused(),
		})
	}

	return snap
}
