package store

import (
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLoadConfig(t *testing.T) {
	s := newTestStore(t)

	cfg := &DeviceConfig{
		SamplingIntervalMS: 3000,
		UploadIntervalMS:   15000,
		SlaveAddress:       0x11,
		Registers:          []string{"voltage", "current", "power"},
	}

	if err := s.SaveConfig(cfg); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if got.SamplingIntervalMS != cfg.SamplingIntervalMS {
		t.Errorf("sampling = %d, want %d", got.SamplingIntervalMS, cfg.SamplingIntervalMS)
	}
	if got.SlaveAddress != cfg.SlaveAddress {
		t.Errorf("slave = 0x%02X, want 0x%02X", got.SlaveAddress, cfg.SlaveAddress)
	}
	if len(got.Registers) != 3 {
		t.Fatalf("registers = %v, want 3 entries", got.Registers)
	}
}

func TestLoadConfigMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.LoadConfig()
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSaveAndLoadFotaState(t *testing.T) {
	s := newTestStore(t)

	st := &FotaState{JobID: 7, Offset: 102400}
	if err := s.SaveFotaState(st); err != nil {
		t.Fatal(err)
	}

	got, err := s.LoadFotaState()
	if err != nil {
		t.Fatal(err)
	}
	if got.JobID != 7 || got.Offset != 102400 {
		t.Errorf("fota state = %+v, want %+v", got, st)
	}
}

func TestNonceRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.LoadNonce(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("initial load err = %v, want ErrNotFound", err)
	}

	if err := s.SaveNonce(42); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadNonce()
	if err != nil {
		t.Fatal(err)
	}
	if got != 42 {
		t.Errorf("nonce = %d, want 42", got)
	}
}
