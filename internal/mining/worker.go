package mining

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dougchansan/sha3xd/pkg/log"
)

// ThermalSensor reads one device's temperature in degrees Celsius
type ThermalSensor interface {
	Read() float64
}

// SimulatedSensor models a device temperature that drifts toward a load
// temperature while hashing. It stands in for real device telemetry, which is
// out of scope for the engine.
type SimulatedSensor struct {
	mu      sync.Mutex
	current float64
	target  float64
	rng     *rand.Rand
}

// NewSimulatedSensor creates a sensor starting at idle and drifting to load
func NewSimulatedSensor(idle, load float64) *SimulatedSensor {
	return &SimulatedSensor{
		current: idle,
		target:  load,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Read returns the next temperature reading
func (s *SimulatedSensor) Read() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.current += (s.target-s.current)*0.1 + (s.rng.Float64()-0.5)
	return s.current
}

// WorkerConfig holds per-worker hashing and thermal parameters
type WorkerConfig struct {
	BatchSize      uint64
	SampleInterval time.Duration
	HashrateWindow time.Duration
	PauseAboveC    float64
	ResumeBelowC   float64
}

// Worker is one compute unit's hashing loop. It consumes the current job,
// emits share candidates and hashrate samples, and pauses itself on thermal
// fault. All blocking happens at hash-batch boundaries.
type Worker struct {
	id     int
	cfg    WorkerConfig
	sensor ThermalSensor
	logger *log.Logger

	// jobs carries at most one pending job; Deliver replaces a stale
	// pending job so the worker never starts outdated work
	jobs chan *Job

	paused   atomic.Bool
	tempBits atomic.Uint64
	rateBits atomic.Uint64

	// sliding window of completed batches, owned by the run loop
	window []batchRecord
}

type batchRecord struct {
	at     time.Time
	hashes uint64
}

// NewWorker creates a worker for the given device id
func NewWorker(id int, cfg WorkerConfig, sensor ThermalSensor, logger *log.Logger) *Worker {
	return &Worker{
		id:     id,
		cfg:    cfg,
		sensor: sensor,
		logger: logger.WithDevice(id),
		jobs:   make(chan *Job, 1),
	}
}

// ID returns the device id
func (w *Worker) ID() int {
	return w.id
}

// Deliver hands the worker a new job without blocking. A pending job that was
// never picked up is dropped in favor of the newer one.
func (w *Worker) Deliver(job *Job) {
	for {
		select {
		case w.jobs <- job:
			return
		default:
			select {
			case <-w.jobs:
			default:
			}
		}
	}
}

// Paused reports whether the worker is thermally paused
func (w *Worker) Paused() bool {
	return w.paused.Load()
}

// Temperature returns the last sensor reading
func (w *Worker) Temperature() float64 {
	return math.Float64frombits(w.tempBits.Load())
}

// Hashrate returns the last emitted sample in hashes per second
func (w *Worker) Hashrate() float64 {
	return math.Float64frombits(w.rateBits.Load())
}

// Run executes the hashing loop until the context is cancelled. Candidates
// are delivered on the candidates channel; hashrate samples are emitted on a
// fixed cadence and dropped rather than blocking when the channel is full.
func (w *Worker) Run(ctx context.Context, candidates chan<- *ShareCandidate, samples chan<- HashrateSample) error {
	var job *Job
	var nonce uint64
	lastSample := time.Now()

	for {
		if job == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case job = <-w.jobs:
				nonce = w.startNonce()
				w.logger.LogJobReceived(job.ID, job.Difficulty, job.CleanJobs)
			}
			continue
		}

		// Batch boundary: the only points where new jobs or cancellation
		// are observed
		select {
		case <-ctx.Done():
			return ctx.Err()
		case next := <-w.jobs:
			job = next
			nonce = w.startNonce()
			w.logger.LogJobReceived(job.ID, job.Difficulty, job.CleanJobs)
			continue
		default:
		}

		temp := w.sensor.Read()
		w.tempBits.Store(math.Float64bits(temp))

		if w.paused.Load() {
			if temp <= w.cfg.ResumeBelowC {
				w.paused.Store(false)
				w.logger.LogWorkerThermal(w.id, "resumed", temp)
			} else {
				// Stay responsive to jobs and cancellation while cooling
				select {
				case <-ctx.Done():
					return ctx.Err()
				case next := <-w.jobs:
					job = next
					nonce = w.startNonce()
				case <-time.After(w.cfg.SampleInterval):
				}
				lastSample = w.maybeSample(samples, lastSample)
				continue
			}
		} else if temp >= w.cfg.PauseAboveC {
			w.paused.Store(true)
			w.logger.LogWorkerThermal(w.id, "paused", temp)
			continue
		}

		for i := uint64(0); i < w.cfg.BatchSize; i++ {
			digest := job.HashNonce(nonce)
			if job.MeetsTarget(digest) {
				cand := NewShareCandidate(job, nonce, digest, w.id)
				select {
				case candidates <- cand:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			nonce++
		}

		w.recordBatch(time.Now(), w.cfg.BatchSize)
		lastSample = w.maybeSample(samples, lastSample)
	}
}

// startNonce partitions the nonce space by device so workers never duplicate
// each other's search
func (w *Worker) startNonce() uint64 {
	return uint64(w.id) << 40
}

func (w *Worker) recordBatch(at time.Time, hashes uint64) {
	w.window = append(w.window, batchRecord{at: at, hashes: hashes})
	w.pruneWindow(at)
}

func (w *Worker) pruneWindow(now time.Time) {
	cutoff := now.Add(-w.cfg.HashrateWindow)
	i := 0
	for i < len(w.window) && w.window[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.window = append(w.window[:0], w.window[i:]...)
	}
}

// windowRate computes hashes per second over the sliding window, never a
// cumulative average since start
func (w *Worker) windowRate(now time.Time) float64 {
	w.pruneWindow(now)
	if len(w.window) == 0 {
		return 0
	}

	var total uint64
	for _, rec := range w.window {
		total += rec.hashes
	}

	elapsed := now.Sub(w.window[0].at)
	if elapsed < w.cfg.SampleInterval {
		elapsed = w.cfg.SampleInterval
	}
	return float64(total) / elapsed.Seconds()
}

func (w *Worker) maybeSample(samples chan<- HashrateSample, lastSample time.Time) time.Time {
	now := time.Now()
	if now.Sub(lastSample) < w.cfg.SampleInterval {
		return lastSample
	}

	rate := w.windowRate(now)
	w.rateBits.Store(math.Float64bits(rate))

	// Samples are advisory; never stall hashing on a slow consumer
	select {
	case samples <- HashrateSample{DeviceID: w.id, HashesPerSec: rate, At: now}:
	default:
	}
	return now
}
