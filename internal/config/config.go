// Package config implements the runtime configuration manager of §4.8:
// an active configuration with an optional pending staging copy, field
// validation limits, and persistence through internal/store.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ecowatt/gateway/internal/store"
)

// Validation limits, per §4.8.
const (
	MinSamplingIntervalMS = 1_000
	MaxSamplingIntervalMS = 3_600_000
	MinUploadIntervalMS   = 5_000
	MaxUploadIntervalMS   = 86_400_000
	MinSlaveAddress       = 1
	MaxSlaveAddress       = 247
	MaxRegisters          = 16

	lockTimeout = 1 * time.Second
)

// RuntimeConfig is the in-memory form of §3's RuntimeConfig entity.
type RuntimeConfig struct {
	SamplingIntervalMS uint32
	UploadIntervalMS   uint32
	SlaveAddress       uint8
	ActiveRegisters    []string
}

// RegisterCount returns len(ActiveRegisters), matching §3's register_count
// field (kept derived rather than duplicated).
func (c RuntimeConfig) RegisterCount() int { return len(c.ActiveRegisters) }

// DefaultConfig is used when no persisted configuration is found, or when
// persisted load fails (§4.8: "Defaults are supplied if load fails").
func DefaultConfig() RuntimeConfig {
	return RuntimeConfig{
		SamplingIntervalMS: 3_000,
		UploadIntervalMS:   15_000,
		SlaveAddress:       0x11,
		ActiveRegisters: []string{
			"voltage", "current", "power", "frequency", "temperature",
			"state_of_charge", "grid_status", "fault_code",
			"export_power_limit", "energy_today",
		},
	}
}

// Classification is the three-way per-field result of config_update
// processing, per §4.6/§4.8.
type Classification struct {
	Accepted  []string
	Rejected  []string
	Unchanged []string
}

// ErrLockTimeout is returned when the 1-second mutex acquisition times out
// (§4.8: "timeout is logged and the operation aborts rather than blocking
// the scheduler").
var ErrLockTimeout = fmt.Errorf("config: lock acquisition timed out")

// Manager owns the active and pending RuntimeConfig, guarded by a
// timeout-bounded mutex so a stuck backend write can never block the
// scheduler's single execution thread.
type Manager struct {
	mu    timeoutMutex
	store store.Store
	table map[string]uint16
	log   *slog.Logger

	active     RuntimeConfig
	pending    *RuntimeConfig
	hasPending bool
}

// New constructs a Manager, loading the persisted configuration if present
// (§4.8: "on boot, presence of a sentinel key gates load-vs-defaults").
func New(st store.Store, table map[string]uint16, log *slog.Logger) *Manager {
	m := &Manager{
		store: st,
		table: table,
		log:   log.With("component", "config"),
	}
	m.active = m.load()
	return m
}

func (m *Manager) load() RuntimeConfig {
	persisted, err := m.store.LoadConfig()
	if err != nil {
		m.log.Info("no persisted config, using defaults", "err", err)
		return DefaultConfig()
	}
	return RuntimeConfig{
		SamplingIntervalMS: persisted.SamplingIntervalMS,
		UploadIntervalMS:   persisted.UploadIntervalMS,
		SlaveAddress:       persisted.SlaveAddress,
		ActiveRegisters:    persisted.Registers,
	}
}

// Active returns a snapshot of the active configuration, safe to read into
// locals before I/O per §5 ("the configuration is snapshot-read into
// locals before use to avoid holding the lock across I/O").
func (m *Manager) Active(ctx context.Context) (RuntimeConfig, error) {
	if !m.mu.TryLock(ctx, lockTimeout) {
		m.log.Error("active config lock timeout")
		return RuntimeConfig{}, ErrLockTimeout
	}
	defer m.mu.Unlock()
	return m.active, nil
}

// ProcessUpdate classifies each present field of a config_update payload as
// accepted, rejected, or unchanged against the validation limits and the
// active config, staging accepted fields into pending (§4.6/§4.8). It does
// not mutate active.
func (m *Manager) ProcessUpdate(ctx context.Context, update Update) (Classification, error) {
	if !m.mu.TryLock(ctx, lockTimeout) {
		m.log.Error("config update lock timeout")
		return Classification{}, ErrLockTimeout
	}
	defer m.mu.Unlock()

	var c Classification
	next := m.active
	if m.pending != nil {
		next = *m.pending
	}
	changed := false

	if update.SamplingIntervalMS != nil {
		v := *update.SamplingIntervalMS
		switch {
		case v < MinSamplingIntervalMS || v > MaxSamplingIntervalMS:
			c.Rejected = append(c.Rejected, "sampling_interval")
		case v == m.active.SamplingIntervalMS:
			c.Unchanged = append(c.Unchanged, "sampling_interval")
		default:
			next.SamplingIntervalMS = v
			c.Accepted = append(c.Accepted, "sampling_interval")
			changed = true
		}
	}

	if update.UploadIntervalMS != nil {
		v := *update.UploadIntervalMS
		switch {
		case v < MinUploadIntervalMS || v > MaxUploadIntervalMS:
			c.Rejected = append(c.Rejected, "upload_interval")
		case v == m.active.UploadIntervalMS:
			c.Unchanged = append(c.Unchanged, "upload_interval")
		default:
			next.UploadIntervalMS = v
			c.Accepted = append(c.Accepted, "upload_interval")
			changed = true
		}
	}

	if update.SlaveAddress != nil {
		v := *update.SlaveAddress
		switch {
		case v < MinSlaveAddress || v > MaxSlaveAddress:
			c.Rejected = append(c.Rejected, "slave_address")
		case v == m.active.SlaveAddress:
			c.Unchanged = append(c.Unchanged, "slave_address")
		default:
			next.SlaveAddress = v
			c.Accepted = append(c.Accepted, "slave_address")
			changed = true
		}
	}

	if update.Registers != nil {
		names := update.Registers
		valid := len(names) > 0 && len(names) <= MaxRegisters
		if valid {
			for _, n := range names {
				if _, ok := m.table[n]; !ok {
					valid = false
					break
				}
			}
		}
		switch {
		case !valid:
			c.Rejected = append(c.Rejected, "registers")
		case sameRegisters(names, m.active.ActiveRegisters):
			c.Unchanged = append(c.Unchanged, "registers")
		default:
			next.ActiveRegisters = names
			c.Accepted = append(c.Accepted, "registers")
			changed = true
		}
	}

	if changed {
		m.pending = &next
		m.hasPending = true
	}

	return c, nil
}

func sameRegisters(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// HasPending reports whether an accepted field is staged for promotion.
func (m *Manager) HasPending() bool {
	return m.hasPending
}

// Promote copies pending into active and persists it, per §4.8: "Promotion
// copies pending into active and persists; it is idempotent and may only
// occur from the upload-task context, immediately after a successful ACK
// and config-ack POST."
func (m *Manager) Promote(ctx context.Context) error {
	if !m.mu.TryLock(ctx, lockTimeout) {
		m.log.Error("config promote lock timeout")
		return ErrLockTimeout
	}
	defer m.mu.Unlock()

	if !m.hasPending || m.pending == nil {
		return nil // idempotent: nothing staged.
	}
	m.active = *m.pending
	m.pending = nil
	m.hasPending = false
	return m.saveUnlocked()
}

// saveUnlocked persists the active config without acquiring the mutex,
// for use from within an already-locked critical section (§4.8:
// "save_unlocked exists to avoid re-entrant lock acquisition").
func (m *Manager) saveUnlocked() error {
	return m.store.SaveConfig(&store.DeviceConfig{
		SamplingIntervalMS: m.active.SamplingIntervalMS,
		UploadIntervalMS:   m.active.UploadIntervalMS,
		SlaveAddress:       m.active.SlaveAddress,
		Registers:          m.active.ActiveRegisters,
	})
}

// Update carries the optional fields of a config_update payload (§4.6).
type Update struct {
	SamplingIntervalMS *uint32
	UploadIntervalMS   *uint32
	SlaveAddress       *uint8
	Registers          []string
}
