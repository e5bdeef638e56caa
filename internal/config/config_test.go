package config

import (
	"context"
	"log/slog"
	"testing"

	"github.com/ecowatt/gateway/internal/store"
)

func newTestManager(t *testing.T) (*Manager, store.Store) {
	t.Helper()
	st, err := store.NewBoltStore(t.TempDir() + "/cfg.db")
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	log := slog.New(slog.NewTextHandler(discardWriter{}, nil))
	return New(st, DefaultRegisterTable, log), st
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestDefaultsLoadedWhenNoPersistedConfig(t *testing.T) {
	m, _ := newTestManager(t)
	active, err := m.Active(context.Background())
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	want := DefaultConfig()
	if active.SamplingIntervalMS != want.SamplingIntervalMS || active.SlaveAddress != want.SlaveAddress {
		t.Fatalf("active = %+v, want defaults %+v", active, want)
	}
}

func TestProcessUpdateAcceptsInRangeValue(t *testing.T) {
	m, _ := newTestManager(t)
	v := uint32(10_000)
	c, err := m.ProcessUpdate(context.Background(), Update{SamplingIntervalMS: &v})
	if err != nil {
		t.Fatalf("ProcessUpdate: %v", err)
	}
	if len(c.Accepted) != 1 || c.Accepted[0] != "sampling_interval" {
		t.Fatalf("classification = %+v, want sampling_interval accepted", c)
	}
	if !m.HasPending() {
		t.Fatal("expected pending after accepted field")
	}
}

func TestProcessUpdateRejectsOutOfRange(t *testing.T) {
	m, _ := newTestManager(t)
	v := uint32(MaxSamplingIntervalMS + 1)
	c, err := m.ProcessUpdate(context.Background(), Update{SamplingIntervalMS: &v})
	if err != nil {
		t.Fatalf("ProcessUpdate: %v", err)
	}
	if len(c.Rejected) != 1 || c.Rejected[0] != "sampling_interval" {
		t.Fatalf("classification = %+v, want sampling_interval rejected", c)
	}
	if m.HasPending() {
		t.Fatal("rejected field must not stage a pending update")
	}
}

func TestProcessUpdateUnchangedWhenEqualToActive(t *testing.T) {
	m, _ := newTestManager(t)
	active, _ := m.Active(context.Background())
	v := active.SamplingIntervalMS
	c, err := m.ProcessUpdate(context.Background(), Update{SamplingIntervalMS: &v})
	if err != nil {
		t.Fatalf("ProcessUpdate: %v", err)
	}
	if len(c.Unchanged) != 1 || c.Unchanged[0] != "sampling_interval" {
		t.Fatalf("classification = %+v, want sampling_interval unchanged", c)
	}
}

func TestProcessUpdateRejectsUnknownRegister(t *testing.T) {
	m, _ := newTestManager(t)
	c, err := m.ProcessUpdate(context.Background(), Update{Registers: []string{"not_a_register"}})
	if err != nil {
		t.Fatalf("ProcessUpdate: %v", err)
	}
	if len(c.Rejected) != 1 || c.Rejected[0] != "registers" {
		t.Fatalf("classification = %+v, want registers rejected", c)
	}
}

func TestPromoteAppliesPendingAndPersists(t *testing.T) {
	m, st := newTestManager(t)
	v := uint32(20_000)
	if _, err := m.ProcessUpdate(context.Background(), Update{UploadIntervalMS: &v}); err != nil {
		t.Fatalf("ProcessUpdate: %v", err)
	}
	if err := m.Promote(context.Background()); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	active, _ := m.Active(context.Background())
	if active.UploadIntervalMS != v {
		t.Fatalf("active.UploadIntervalMS = %d, want %d", active.UploadIntervalMS, v)
	}
	if m.HasPending() {
		t.Fatal("pending should be cleared after promotion")
	}

	persisted, err := st.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if persisted.UploadIntervalMS != v {
		t.Fatalf("persisted.UploadIntervalMS = %d, want %d", persisted.UploadIntervalMS, v)
	}
}

func TestPromoteIsIdempotentWithNoPending(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.Promote(context.Background()); err != nil {
		t.Fatalf("Promote with no pending should be a no-op, got: %v", err)
	}
}
