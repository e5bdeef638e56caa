package scheduler

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTickDispatchesDueTaskAndUpdatesLastRun(t *testing.T) {
	s := New(NopWatchdog{}, nil, discardLogger())
	clock := time.Unix(1000, 0)
	s.SetClock(func() time.Time { return clock })

	var runs int
	s.Register(ReadRegisters, 10*time.Second, true, func(now time.Time) { runs++ })

	s.Tick()
	if runs != 1 {
		t.Fatalf("runs = %d, want 1 on first tick", runs)
	}

	clock = clock.Add(5 * time.Second)
	s.Tick()
	if runs != 1 {
		t.Fatalf("runs = %d, want 1 before interval elapses", runs)
	}

	clock = clock.Add(6 * time.Second)
	s.Tick()
	if runs != 2 {
		t.Fatalf("runs = %d, want 2 after interval elapses", runs)
	}
}

func TestDisabledTaskNeverDispatches(t *testing.T) {
	s := New(NopWatchdog{}, nil, discardLogger())
	clock := time.Unix(0, 0)
	s.SetClock(func() time.Time { return clock })

	var runs int
	s.Register(WriteRegister, time.Millisecond, false, func(now time.Time) { runs++ })

	clock = clock.Add(time.Hour)
	s.Tick()
	if runs != 0 {
		t.Fatalf("runs = %d, want 0 for disabled task", runs)
	}

	s.SetEnabled(WriteRegister, true)
	s.Tick()
	if runs != 1 {
		t.Fatalf("runs = %d, want 1 once enabled", runs)
	}
}

func TestLastRunSetBeforeDispatchPreventsCatchupStorm(t *testing.T) {
	s := New(NopWatchdog{}, nil, discardLogger())
	clock := time.Unix(0, 0)
	s.SetClock(func() time.Time { return clock })

	var runs int
	s.Register(UploadData, time.Second, true, func(now time.Time) {
		runs++
		// a slow task that itself calls Tick would, if last_run_ms were
		// updated after dispatch, re-enter immediately; verify it doesn't.
		s.Tick()
	})

	clock = clock.Add(5 * time.Second)
	s.Tick()
	if runs != 1 {
		t.Fatalf("runs = %d, want exactly 1 (no catch-up storm)", runs)
	}
}

func TestSetIntervalTakesEffectNextTick(t *testing.T) {
	s := New(NopWatchdog{}, nil, discardLogger())
	clock := time.Unix(0, 0)
	s.SetClock(func() time.Time { return clock })

	var runs int
	s.Register(ReadRegisters, time.Minute, true, func(now time.Time) { runs++ })
	s.Tick()
	runs = 0

	s.SetInterval(ReadRegisters, time.Second)
	clock = clock.Add(2 * time.Second)
	s.Tick()
	if runs != 1 {
		t.Fatalf("runs = %d, want 1 after shortening the interval", runs)
	}
}

type countingWatchdog struct{ fed int }

func (w *countingWatchdog) Feed() { w.fed++ }

func TestWatchdogFedAfterEachDispatchedTask(t *testing.T) {
	wd := &countingWatchdog{}
	s := New(wd, nil, discardLogger())
	clock := time.Unix(0, 0)
	s.SetClock(func() time.Time { return clock })

	s.Register(ReadRegisters, time.Millisecond, true, func(now time.Time) {})
	s.Register(UploadData, time.Millisecond, true, func(now time.Time) {})

	clock = clock.Add(time.Second)
	s.Tick()
	if wd.fed != 2 {
		t.Fatalf("watchdog fed %d times, want 2", wd.fed)
	}
}
