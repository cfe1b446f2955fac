package mining

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dougchansan/sha3xd/pkg/errors"
	"github.com/dougchansan/sha3xd/pkg/log"
)

// State is the controller lifecycle state
type State int32

const (
	// StateIdle - not started, or returned after a failed connect
	StateIdle State = iota
	// StateConnecting - pool handshake in progress
	StateConnecting
	// StateMining - workers hashing against the current job
	StateMining
	// StatePaused - pool disconnected or all workers thermally paused
	StatePaused
	// StateStopping - cooperative shutdown in progress
	StateStopping
	// StateStopped - workers exited and session disconnected
	StateStopped
)

// String returns string representation of the state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateMining:
		return "mining"
	case StatePaused:
		return "paused"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Hooks are optional subscriber callbacks for push-style consumers
// (telemetry, console output). All fields may be nil. Callbacks must not
// block; they run on engine goroutines.
type Hooks struct {
	OnStateChange func(from, to State)
	OnShareResult func(candidate *ShareCandidate, result *ShareResult)
	OnSample      func(sample HashrateSample)
}

// ControllerConfig holds controller and per-worker parameters
type ControllerConfig struct {
	Workers      int
	Worker       WorkerConfig
	StopDeadline time.Duration

	// SensorFactory supplies a thermal sensor per device; nil uses the
	// simulated sensor
	SensorFactory func(deviceID int) ThermalSensor
}

// Controller orchestrates one pool session and N device workers. All
// cross-task communication is message passing; the accountant is the only
// state mutated from multiple goroutines.
type Controller struct {
	cfg        ControllerConfig
	session    Session
	accountant *Accountant
	logger     *log.Logger
	hooks      Hooks

	state     atomic.Int32
	intensity atomic.Int32

	workers    []*Worker
	candidates chan *ShareCandidate
	samples    chan HashrateSample

	mu            sync.Mutex
	cancelRun     context.CancelFunc
	runDone       chan struct{}
	currentJob    *Job
	startedAt     time.Time
	lastErr       error        // terminal fault that ended the run, nil otherwise
	stopRequested atomic.Int64 // unix nanos of stop signal, 0 while running

	// running average of the rig-wide hashrate, fed by the sample loop
	avgMu    sync.Mutex
	avgSum   float64
	avgCount int64
}

// NewController creates a controller with cfg.Workers device workers
func NewController(cfg ControllerConfig, session Session, accountant *Accountant, logger *log.Logger, hooks Hooks) *Controller {
	sensorFor := cfg.SensorFactory
	if sensorFor == nil {
		sensorFor = func(int) ThermalSensor {
			return NewSimulatedSensor(68, 80)
		}
	}

	c := &Controller{
		cfg:        cfg,
		session:    session,
		accountant: accountant,
		logger:     logger.WithComponent("controller"),
		hooks:      hooks,
		candidates: make(chan *ShareCandidate, 64),
		samples:    make(chan HashrateSample, 64),
	}

	for i := 0; i < cfg.Workers; i++ {
		c.workers = append(c.workers, NewWorker(i, cfg.Worker, sensorFor(i), logger))
	}
	c.intensity.Store(int32(cfg.Workers))
	c.state.Store(int32(StateIdle))
	return c
}

// State returns the current lifecycle state
func (c *Controller) State() State {
	return State(c.state.Load())
}

// Connected reports whether the pool session transport is up
func (c *Controller) Connected() bool {
	return c.session.Connected()
}

// StartedAt returns when mining began, zero before Start
func (c *Controller) StartedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startedAt
}

// Workers exposes the worker set for read-only status reporting
func (c *Controller) Workers() []*Worker {
	return c.workers
}

// Intensity returns the number of active device workers
func (c *Controller) Intensity() int {
	return int(c.intensity.Load())
}

// SetIntensity adjusts the number of active workers. The change takes effect
// when the next job is issued; a worker is never interrupted mid-batch.
func (c *Controller) SetIntensity(level int) {
	if level < 1 {
		level = 1
	}
	if level > len(c.workers) {
		level = len(c.workers)
	}
	old := c.intensity.Swap(int32(level))
	if int(old) != level {
		c.logger.Info("intensity changed", "old", old, "new", level)
	}
}

// CurrentHashrate sums the latest sample of each active worker
func (c *Controller) CurrentHashrate() float64 {
	active := int(c.intensity.Load())
	var total float64
	for i, w := range c.workers {
		if i >= active {
			break
		}
		total += w.Hashrate()
	}
	return total
}

// AverageHashrate returns the mean rig-wide hashrate over the run
func (c *Controller) AverageHashrate() float64 {
	c.avgMu.Lock()
	defer c.avgMu.Unlock()
	if c.avgCount == 0 {
		return 0
	}
	return c.avgSum / float64(c.avgCount)
}

// Start connects the pool session and launches the worker and coordination
// loops. An auth failure is terminal: the controller returns to Idle and the
// error propagates; transport-level retry is the session's internal policy.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State() {
	case StateIdle, StateStopped:
	default:
		return errors.New(errors.ErrorTypeInternal, "start",
			"controller is not idle").WithContext("state", c.State().String())
	}

	c.setState(StateConnecting)

	if err := c.session.Connect(ctx); err != nil {
		c.setState(StateIdle)
		// Keep the session's classification: an auth rejection must stay
		// terminal and distinguishable from a transport failure
		errType := errors.TypeOf(err)
		if errType == "" {
			errType = errors.ErrorTypeNetwork
		}
		return errors.Wrap(err, errType, "start", "pool connect failed")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancelRun = cancel
	c.runDone = make(chan struct{})
	c.startedAt = time.Now()
	c.lastErr = nil
	c.stopRequested.Store(0)

	c.avgMu.Lock()
	c.avgSum, c.avgCount = 0, 0
	c.avgMu.Unlock()

	g, gctx := errgroup.WithContext(runCtx)

	for _, w := range c.workers {
		w := w
		g.Go(func() error {
			err := w.Run(gctx, c.candidates, c.samples)
			if err == context.Canceled {
				return nil
			}
			return err
		})
	}

	g.Go(func() error { return c.jobLoop(gctx) })
	g.Go(func() error { return c.submitLoop(gctx) })
	g.Go(func() error { return c.sampleLoop(gctx) })
	g.Go(func() error { return c.eventLoop(gctx) })
	g.Go(func() error { return c.pauseMonitor(gctx) })

	done := c.runDone
	go func() {
		if err := g.Wait(); err != nil && err != context.Canceled {
			c.logger.WithError(err).Error("engine loop exited")
		}
		close(done)
	}()

	c.setState(StateMining)
	return nil
}

// Stop signals cooperative shutdown, waits up to the stop deadline for all
// loops to exit, then force-abandons stragglers and reports ShutdownTimeout.
func (c *Controller) Stop() error {
	c.mu.Lock()
	switch c.State() {
	case StateMining, StatePaused:
	default:
		state := c.State()
		c.mu.Unlock()
		return errors.New(errors.ErrorTypeInternal, "stop",
			"controller is not running").WithContext("state", state.String())
	}

	c.setState(StateStopping)
	c.stopRequested.Store(time.Now().UnixNano())
	cancel, runDone := c.cancelRun, c.runDone
	// The wait happens outside the lock; the engine loops briefly take c.mu
	// on their way out and must not deadlock against the stop deadline.
	c.mu.Unlock()

	cancel()

	var timeoutErr error
	select {
	case <-runDone:
	case <-time.After(c.cfg.StopDeadline):
		timeoutErr = errors.New(errors.ErrorTypeShutdown, "stop",
			"workers did not exit before the shutdown deadline").
			WithContext("deadline", c.cfg.StopDeadline.String())
		c.logger.WithError(timeoutErr).Error("forcing shutdown")
	}

	if err := c.session.Disconnect(); err != nil {
		c.logger.WithError(err).Warn("session disconnect failed")
	}

	c.setState(StateStopped)
	return timeoutErr
}

// jobLoop fans pool jobs out to the active workers. Intensity changes apply
// here, on job issue, never mid-batch.
func (c *Controller) jobLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job, ok := <-c.session.Jobs():
			if !ok {
				return nil
			}
			c.mu.Lock()
			c.currentJob = job
			c.mu.Unlock()

			active := int(c.intensity.Load())
			for i, w := range c.workers {
				if i >= active {
					break
				}
				w.Deliver(job)
			}
		}
	}
}

// submitLoop consumes candidates and performs submission round trips. A
// failed submission counts as one rejected share and never halts mining.
func (c *Controller) submitLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cand := <-c.candidates:
			if c.stopRequested.Load() != 0 {
				continue
			}
			if !c.session.Connected() {
				// Abandoned: the pool never saw it, nothing to count
				c.logger.Debug("dropping candidate while disconnected",
					"share_id", cand.ID, "job_id", cand.JobID)
				continue
			}

			result, err := c.session.SubmitShare(ctx, cand)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				result = &ShareResult{
					ShareID:  cand.ID,
					Accepted: false,
					Reason:   err.Error(),
				}
			}

			c.accountant.Record(result)
			c.logger.LogShareResult(result.ShareID, cand.JobID, cand.DeviceID, result.Accepted, result.Reason)
			if c.hooks.OnShareResult != nil {
				c.hooks.OnShareResult(cand, result)
			}
		}
	}
}

// sampleLoop folds worker samples into the run average
func (c *Controller) sampleLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-c.samples:
			c.avgMu.Lock()
			c.avgSum += c.CurrentHashrate()
			c.avgCount++
			c.avgMu.Unlock()

			if c.hooks.OnSample != nil {
				c.hooks.OnSample(s)
			}
		}
	}
}

// eventLoop reacts to session connectivity transitions
func (c *Controller) eventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-c.session.Events():
			if !ok {
				return nil
			}
			c.logger.Info("session event", "event", ev.String())
			if ev == SessionAuthFailed {
				c.failRun(errors.New(errors.ErrorTypeAuth, "session",
					"pool authorization lost during reconnect"))
				return nil
			}
			c.recomputePauseState()
		}
	}
}

// failRun aborts the run on a terminal session fault. The error stays
// readable through LastError so the stats surface reports why mining ended.
func (c *Controller) failRun(err error) {
	c.logger.WithError(err).Error("terminal session fault, stopping")

	c.mu.Lock()
	c.lastErr = err
	cancel := c.cancelRun
	c.mu.Unlock()

	c.stopRequested.Store(time.Now().UnixNano())
	cancel()

	if derr := c.session.Disconnect(); derr != nil {
		c.logger.WithError(derr).Warn("session disconnect failed")
	}
	c.setState(StateStopped)
}

// LastError returns the terminal fault that ended the run, nil after a clean
// stop
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// pauseMonitor periodically re-evaluates the Mining/Paused split for thermal
// transitions the event loop cannot see
func (c *Controller) pauseMonitor(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.recomputePauseState()
		}
	}
}

// recomputePauseState moves Mining->Paused when the pool is gone or every
// active worker is thermally paused, and back once either recovers
func (c *Controller) recomputePauseState() {
	state := c.State()
	if state != StateMining && state != StatePaused {
		return
	}

	paused := !c.session.Connected() || c.allWorkersPaused()
	if paused && state == StateMining {
		c.setState(StatePaused)
	} else if !paused && state == StatePaused {
		c.setState(StateMining)
	}
}

func (c *Controller) allWorkersPaused() bool {
	active := int(c.intensity.Load())
	for i, w := range c.workers {
		if i >= active {
			break
		}
		if !w.Paused() {
			return false
		}
	}
	return len(c.workers) > 0
}

func (c *Controller) setState(to State) {
	from := State(c.state.Swap(int32(to)))
	if from == to {
		return
	}
	c.logger.LogStateTransition(from.String(), to.String())
	if c.hooks.OnStateChange != nil {
		c.hooks.OnStateChange(from, to)
	}
}
