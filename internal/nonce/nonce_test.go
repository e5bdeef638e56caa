package nonce

import (
	"testing"

	"github.com/ecowatt/gateway/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewBoltStore(t.TempDir() + "/nonce.db")
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestNewDefaultsToZero(t *testing.T) {
	m, err := New(newTestStore(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m.Current() != 0 {
		t.Fatalf("Current() = %d, want 0", m.Current())
	}
}

func TestNextReturnsPreIncrementValue(t *testing.T) {
	m, err := New(newTestStore(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for want := uint32(0); want < 5; want++ {
		got, err := m.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if got != want {
			t.Fatalf("Next() = %d, want %d", got, want)
		}
	}
	if m.Current() != 5 {
		t.Fatalf("Current() = %d, want 5", m.Current())
	}
}

func TestNextPersistsAcrossManagers(t *testing.T) {
	st := newTestStore(t)
	m1, err := New(st)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := m1.Next(); err != nil {
			t.Fatalf("Next: %v", err)
		}
	}

	m2, err := New(st)
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}
	if m2.Current() != 3 {
		t.Fatalf("reloaded Current() = %d, want 3", m2.Current())
	}
}

func TestNextRejectsWraparound(t *testing.T) {
	st := newTestStore(t)
	if err := st.SaveNonce(^uint32(0)); err != nil {
		t.Fatalf("SaveNonce: %v", err)
	}
	m, err := New(st)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := m.Next(); err != ErrWraparound {
		t.Fatalf("Next() at max value: err = %v, want ErrWraparound", err)
	}
}
