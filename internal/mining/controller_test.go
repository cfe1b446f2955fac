package mining

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dougchansan/sha3xd/pkg/errors"
)

// fakeSession is an in-memory Session for controller tests
type fakeSession struct {
	jobs       chan *Job
	events     chan SessionEvent
	connected  atomic.Bool
	connectErr error

	mu       sync.Mutex
	submits  []*ShareCandidate
	submitFn func(*ShareCandidate) (*ShareResult, error)
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		jobs:   make(chan *Job, 1),
		events: make(chan SessionEvent, 8),
		submitFn: func(c *ShareCandidate) (*ShareResult, error) {
			return &ShareResult{ShareID: c.ID, Accepted: true}, nil
		},
	}
}

func (s *fakeSession) Connect(context.Context) error {
	if s.connectErr != nil {
		return s.connectErr
	}
	s.connected.Store(true)
	return nil
}

func (s *fakeSession) Jobs() <-chan *Job           { return s.jobs }
func (s *fakeSession) Events() <-chan SessionEvent { return s.events }
func (s *fakeSession) Connected() bool             { return s.connected.Load() }

func (s *fakeSession) Disconnect() error {
	s.connected.Store(false)
	return nil
}

func (s *fakeSession) SubmitShare(_ context.Context, c *ShareCandidate) (*ShareResult, error) {
	s.mu.Lock()
	s.submits = append(s.submits, c)
	fn := s.submitFn
	s.mu.Unlock()
	return fn(c)
}

func (s *fakeSession) submitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submits)
}

func testControllerConfig(workers int) ControllerConfig {
	return ControllerConfig{
		Workers:      workers,
		Worker:       testWorkerConfig(),
		StopDeadline: 5 * time.Second,
		SensorFactory: func(int) ThermalSensor {
			return &scriptedSensor{readings: []float64{60}}
		},
	}
}

func TestControllerLifecycle(t *testing.T) {
	session := newFakeSession()
	accountant := NewAccountant()
	c := NewController(testControllerConfig(1), session, accountant, testLogger(), Hooks{})

	if c.State() != StateIdle {
		t.Fatalf("initial state = %v, want idle", c.State())
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if c.State() != StateMining {
		t.Errorf("state after Start = %v, want mining", c.State())
	}

	// A second start while running must be refused
	if err := c.Start(context.Background()); err == nil {
		t.Error("Start() while mining succeeded, want error")
	}

	if err := c.Stop(); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if c.State() != StateStopped {
		t.Errorf("state after Stop = %v, want stopped", c.State())
	}
	if session.Connected() {
		t.Error("session still connected after Stop")
	}

	// Stopping again must be refused
	if err := c.Stop(); err == nil {
		t.Error("Stop() while stopped succeeded, want error")
	}
}

func TestControllerConnectFailureReturnsToIdle(t *testing.T) {
	session := newFakeSession()
	session.connectErr = errors.New(errors.ErrorTypeNetwork, "connect", "connection refused")

	c := NewController(testControllerConfig(1), session, NewAccountant(), testLogger(), Hooks{})

	err := c.Start(context.Background())
	if err == nil {
		t.Fatal("Start() succeeded with failing connect")
	}
	if c.State() != StateIdle {
		t.Errorf("state = %v after failed connect, want idle", c.State())
	}
}

// Job notifications racing the shutdown must not stall it: the engine loops
// briefly take the controller mutex on their way out, so the deadline wait
// cannot hold it against them.
func TestControllerStopWhileJobsArrive(t *testing.T) {
	session := newFakeSession()
	cfg := testControllerConfig(1)
	cfg.StopDeadline = 300 * time.Millisecond

	c := NewController(cfg, session, NewAccountant(), testLogger(), Hooks{})

	for cycle := 0; cycle < 10; cycle++ {
		if err := c.Start(context.Background()); err != nil {
			t.Fatalf("cycle %d: Start() error = %v", cycle, err)
		}

		stopPump := make(chan struct{})
		pumpDone := make(chan struct{})
		go func() {
			defer close(pumpDone)
			for i := 0; ; i++ {
				select {
				case <-stopPump:
					return
				case session.jobs <- NewJob(fmt.Sprintf("j%d", i), []byte{0x01}, 1, false):
				}
			}
		}()

		start := time.Now()
		err := c.Stop()
		elapsed := time.Since(start)
		close(stopPump)
		<-pumpDone

		if err != nil {
			t.Fatalf("cycle %d: Stop() error = %v after %v", cycle, err, elapsed)
		}
		if elapsed >= cfg.StopDeadline {
			t.Fatalf("cycle %d: Stop() took %v, want well under the %v deadline",
				cycle, elapsed, cfg.StopDeadline)
		}
	}
}

func TestControllerStartPreservesAuthErrorType(t *testing.T) {
	session := newFakeSession()
	session.connectErr = errors.New(errors.ErrorTypeAuth, "authorize", "unauthorized worker")

	c := NewController(testControllerConfig(1), session, NewAccountant(), testLogger(), Hooks{})

	err := c.Start(context.Background())
	if err == nil {
		t.Fatal("Start() succeeded with rejected credentials")
	}
	if !errors.IsType(err, errors.ErrorTypeAuth) {
		t.Errorf("IsType(err, auth) = false, err = %v", err)
	}
	if errors.IsRetryable(err) {
		t.Errorf("auth failure reported as retryable: %v", err)
	}
	if c.State() != StateIdle {
		t.Errorf("state = %v after failed connect, want idle", c.State())
	}
}

// A session that loses authorization mid-run is terminal: the controller must
// leave Paused, stop, and surface the fault through the stats snapshot.
func TestControllerAuthFailureDuringRunStops(t *testing.T) {
	session := newFakeSession()
	accountant := NewAccountant()
	c := NewController(testControllerConfig(1), session, accountant, testLogger(), Hooks{})
	reporter := NewReporter(c, accountant)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	session.connected.Store(false)
	session.events <- SessionDisconnected
	session.events <- SessionAuthFailed

	waitFor(t, 2*time.Second, func() bool {
		return c.State() == StateStopped
	}, "controller never stopped after terminal auth failure")

	if err := c.LastError(); err == nil || !errors.IsType(err, errors.ErrorTypeAuth) {
		t.Errorf("LastError() = %v, want auth error", err)
	}
	if snap := reporter.Snapshot(); snap.LastError == "" {
		t.Error("snapshot does not surface the terminal error")
	}
}

func TestControllerMinesAndAccounts(t *testing.T) {
	session := newFakeSession()
	accountant := NewAccountant()

	var shareHook atomic.Int64
	hooks := Hooks{
		OnShareResult: func(_ *ShareCandidate, _ *ShareResult) { shareHook.Add(1) },
	}

	c := NewController(testControllerConfig(1), session, accountant, testLogger(), hooks)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Stop()

	session.jobs <- NewJob("j1", []byte{0x01}, 1, false)

	waitFor(t, 5*time.Second, func() bool {
		return accountant.Snapshot().Total >= 1
	}, "no shares accounted for a difficulty-1 job")

	counts := accountant.Snapshot()
	if counts.Accepted != counts.Total {
		t.Errorf("accepted %d != total %d with an always-accepting pool", counts.Accepted, counts.Total)
	}

	rate, ok := accountant.Rate()
	if !ok || rate != 100 {
		t.Errorf("Rate() = %v, %v; want 100, true", rate, ok)
	}

	if shareHook.Load() == 0 {
		t.Error("OnShareResult hook never fired")
	}
}

func TestControllerSubmitFailureCountsRejected(t *testing.T) {
	session := newFakeSession()
	session.submitFn = func(c *ShareCandidate) (*ShareResult, error) {
		return nil, errors.New(errors.ErrorTypeTimeout, "submit_share", "response timed out")
	}

	accountant := NewAccountant()
	c := NewController(testControllerConfig(1), session, accountant, testLogger(), Hooks{})
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Stop()

	session.jobs <- NewJob("j1", []byte{0x01}, 1, false)

	waitFor(t, 5*time.Second, func() bool {
		return accountant.Snapshot().Rejected >= 1
	}, "failed submissions were not counted as rejected")

	counts := accountant.Snapshot()
	if counts.Accepted != 0 {
		t.Errorf("Accepted = %d with an always-failing pool, want 0", counts.Accepted)
	}
}

func TestControllerNoSubmissionsAfterStop(t *testing.T) {
	session := newFakeSession()
	accountant := NewAccountant()
	c := NewController(testControllerConfig(1), session, accountant, testLogger(), Hooks{})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	session.jobs <- NewJob("j1", []byte{0x01}, 1, false)

	waitFor(t, 5*time.Second, func() bool {
		return accountant.Snapshot().Total >= 1
	}, "no shares before stop")

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	after := session.submitCount()
	time.Sleep(50 * time.Millisecond)
	if got := session.submitCount(); got != after {
		t.Errorf("submissions continued after Stop: %d -> %d", after, got)
	}
}

func TestControllerSetIntensityClamps(t *testing.T) {
	c := NewController(testControllerConfig(4), newFakeSession(), NewAccountant(), testLogger(), Hooks{})

	tests := []struct {
		level int
		want  int
	}{
		{level: 0, want: 1},
		{level: -3, want: 1},
		{level: 2, want: 2},
		{level: 99, want: 4},
	}

	for _, tt := range tests {
		c.SetIntensity(tt.level)
		if got := c.Intensity(); got != tt.want {
			t.Errorf("SetIntensity(%d): Intensity() = %d, want %d", tt.level, got, tt.want)
		}
	}
}

func TestControllerPausesOnDisconnect(t *testing.T) {
	session := newFakeSession()
	c := NewController(testControllerConfig(1), session, NewAccountant(), testLogger(), Hooks{})

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer c.Stop()

	session.connected.Store(false)
	session.events <- SessionDisconnected

	waitFor(t, 2*time.Second, func() bool {
		return c.State() == StatePaused
	}, "controller never paused on disconnect")

	session.connected.Store(true)
	session.events <- SessionReconnected

	waitFor(t, 2*time.Second, func() bool {
		return c.State() == StateMining
	}, "controller never resumed after reconnect")
}

func TestControllerStateChangeHook(t *testing.T) {
	var transitions sync.Map
	hooks := Hooks{
		OnStateChange: func(from, to State) {
			transitions.Store(from.String()+"->"+to.String(), true)
		},
	}

	session := newFakeSession()
	c := NewController(testControllerConfig(1), session, NewAccountant(), testLogger(), hooks)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	for _, want := range []string{"idle->connecting", "connecting->mining", "mining->stopping", "stopping->stopped"} {
		if _, ok := transitions.Load(want); !ok {
			t.Errorf("transition %s never observed", want)
		}
	}
}
