// Package nonce implements the monotonic nonce counter of §4.5/§4.9: a
// persisted uint32 that increments on every telemetry upload so the cloud
// can detect replayed payloads.
package nonce

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ecowatt/gateway/internal/store"
)

// ErrWraparound is returned when the counter would wrap past its maximum
// value, per §4.9 ("wraparound is treated as a critical, non-retriable
// condition rather than silently restarting at zero").
var ErrWraparound = fmt.Errorf("nonce: counter exhausted")

// Manager owns the current nonce value and its persistence.
type Manager struct {
	mu    sync.Mutex
	store store.Store
	value uint32
}

// New constructs a Manager, loading the persisted nonce if present and
// defaulting to zero otherwise (§4.9).
func New(st store.Store) (*Manager, error) {
	m := &Manager{store: st}
	v, err := st.LoadNonce()
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.value = 0
			return m, nil
		}
		return nil, fmt.Errorf("load nonce: %w", err)
	}
	m.value = v
	return m, nil
}

// Next returns the nonce to embed in the upcoming upload and persists the
// incremented counter for the following one (§4.9: "the value used in the
// request is the pre-increment value; persistence happens before the
// request is sent, so a crash mid-request never reuses a nonce").
func (m *Manager) Next() (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.value == ^uint32(0) {
		return 0, ErrWraparound
	}
	current := m.value
	next := m.value + 1
	if err := m.store.SaveNonce(next); err != nil {
		return 0, fmt.Errorf("persist nonce: %w", err)
	}
	m.value = next
	return current, nil
}

// Current returns the value the next call to Next will issue, without
// advancing it.
func (m *Manager) Current() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.value
}
