package mining

import "sync/atomic"

// Accountant tracks share submission outcomes. Record is the only mutator and
// is safe to call from multiple goroutines; counters are atomics so snapshots
// never block the submit path.
//
// Invariant: accepted + rejected <= total at all times, and total only
// increases. Total is incremented before the outcome counter so a concurrent
// snapshot can observe a submission in flight but never an outcome without
// its submission.
type Accountant struct {
	total    atomic.Int64
	accepted atomic.Int64
	rejected atomic.Int64
}

// NewAccountant creates a zeroed accountant
func NewAccountant() *Accountant {
	return &Accountant{}
}

// Record counts one completed submission round trip
func (a *Accountant) Record(result *ShareResult) {
	a.total.Add(1)
	if result.Accepted {
		a.accepted.Add(1)
	} else {
		a.rejected.Add(1)
	}
}

// ShareCounts is a point-in-time view of the accountant
type ShareCounts struct {
	Total    int64
	Accepted int64
	Rejected int64
}

// Snapshot returns the current counters. Outcomes are read before total:
// every outcome's total increment happened first, so the total can only read
// equal or higher and the view never shows more outcomes than submissions.
func (a *Accountant) Snapshot() ShareCounts {
	accepted := a.accepted.Load()
	rejected := a.rejected.Load()
	return ShareCounts{
		Total:    a.total.Load(),
		Accepted: accepted,
		Rejected: rejected,
	}
}

// Rate returns the acceptance rate in percent. ok is false when no share has
// completed yet, distinguishing "no data" from a 0% rate.
func (a *Accountant) Rate() (rate float64, ok bool) {
	total := a.total.Load()
	if total == 0 {
		return 0, false
	}
	return float64(a.accepted.Load()) * 100.0 / float64(total), true
}
