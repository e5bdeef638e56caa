// Package scheduler implements the cooperative, single-threaded task
// dispatcher of §4.1: a small array of interval-gated tasks, a monotonic
// clock read once per tick, and a watchdog fed after every dispatch.
package scheduler

import (
	"log/slog"
	"time"
)

// TaskType names the four fixed task slots of §4.1.
type TaskType string

const (
	ReadRegisters TaskType = "ReadRegisters"
	UploadData    TaskType = "UploadData"
	WriteRegister TaskType = "WriteRegister"
	CommandResult TaskType = "CommandResult"

	// HealthCheck is the §4.11 maintenance task: re-verify network
	// association and reset stale error counters. It runs on its own
	// HEALTH_CHECK_INTERVAL_MS cadence, independent of the four I/O tasks.
	HealthCheck TaskType = "HealthCheck"
)

// Watchdog is fed after each dispatched task, per §4.1 and the
// Milestone_5 scheduler's hardware-watchdog heartbeat; a Tick that runs
// no task does not feed it.
type Watchdog interface {
	Feed()
}

// NopWatchdog satisfies Watchdog for configurations with no hardware
// watchdog to feed.
type NopWatchdog struct{}

func (NopWatchdog) Feed() {}

// PowerManager is the optional idle-slack light-sleep collaborator of
// §4.1 — a narrow external interface the scheduler depends on but does
// not implement.
type PowerManager interface {
	// Sleep blocks for at most d if no task is due sooner, and reports
	// whether it actually slept (in which case the caller must
	// re-establish transport-level state on wake).
	Sleep(d time.Duration) (slept bool)
	Reassociate() error
}

// task is one entry of the fixed task table.
type task struct {
	Type     TaskType
	Interval time.Duration
	LastRun  time.Time
	Enabled  bool
	Run      func(now time.Time)
}

// Scheduler drives the fixed ReadRegisters/UploadData/WriteRegister/
// CommandResult task table.
type Scheduler struct {
	tasks    []*task
	watchdog Watchdog
	power    PowerManager
	now      func() time.Time
	log      *slog.Logger
}

// New constructs a Scheduler. Its clock defaults to time.Now; tests inject
// a controllable clock with SetClock.
func New(watchdog Watchdog, power PowerManager, log *slog.Logger) *Scheduler {
	return &Scheduler{
		watchdog: watchdog,
		power:    power,
		now:      time.Now,
		log:      log.With("component", "scheduler"),
	}
}

// SetClock overrides the monotonic clock source, for deterministic tests.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Register adds a task to the fixed table. interval and enabled may be
// changed later via SetInterval/SetEnabled; run must be non-blocking
// relative to the other tasks' periods — long work is fine, since no
// other task is dispatched concurrently (§4.1).
func (s *Scheduler) Register(taskType TaskType, interval time.Duration, enabled bool, run func(now time.Time)) {
	s.tasks = append(s.tasks, &task{
		Type:     taskType,
		Interval: interval,
		Enabled:  enabled,
		Run:      run,
	})
}

// SetInterval updates a task's dispatch interval. Per §4.1's invariant
// ("a task never observes an interval change mid-execution"), this takes
// effect starting at the next Tick.
func (s *Scheduler) SetInterval(taskType TaskType, interval time.Duration) {
	if t := s.find(taskType); t != nil {
		t.Interval = interval
	}
}

// Interval returns a task's current dispatch interval, for diagnostics and
// tests that assert a promoted config change took effect.
func (s *Scheduler) Interval(taskType TaskType) time.Duration {
	if t := s.find(taskType); t != nil {
		return t.Interval
	}
	return 0
}

// SetEnabled toggles a task, e.g. WriteRegister/CommandResult's
// "disabled unless a result/command is pending" rule (§4.1).
func (s *Scheduler) SetEnabled(taskType TaskType, enabled bool) {
	if t := s.find(taskType); t != nil {
		t.Enabled = enabled
	}
}

func (s *Scheduler) find(taskType TaskType) *task {
	for _, t := range s.tasks {
		if t.Type == taskType {
			return t
		}
	}
	return nil
}

// Tick reads the clock once and dispatches every enabled task whose
// interval has elapsed, in table order. last_run_ms is updated before
// dispatch to prevent re-entry catch-up storms (§4.1). Due tasks run one
// after another within the same Tick; Tick never dispatches two tasks
// concurrently.
func (s *Scheduler) Tick() {
	now := s.now()
	for _, t := range s.tasks {
		if !t.Enabled {
			continue
		}
		if now.Sub(t.LastRun) < t.Interval {
			continue
		}
		t.LastRun = now
		t.Run(now)
		s.watchdog.Feed()
	}
}

// Run loops Tick at the given poll period until stop is closed. If a
// PowerManager is configured, idle slack between ticks is spent asleep
// instead of busy-polling, and transport state is re-established on wake.
func (s *Scheduler) Run(pollPeriod time.Duration, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		s.Tick()

		if s.power != nil {
			slept, err := s.idleSleep(pollPeriod)
			if slept && err != nil {
				s.log.Error("transport re-association after wake failed", "err", err)
			}
			continue
		}

		select {
		case <-stop:
			return
		case <-time.After(pollPeriod):
		}
	}
}

func (s *Scheduler) idleSleep(pollPeriod time.Duration) (slept bool, err error) {
	slept = s.power.Sleep(pollPeriod)
	if slept {
		err = s.power.Reassociate()
	}
	return slept, err
}
