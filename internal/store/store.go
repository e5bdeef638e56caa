// Package store persists the gateway's runtime state: the device
// configuration (the active copy only), the FOTA resume point, and the upload
// nonce. It is the only place the core touches non-volatile storage.
package store

import "errors"

// ErrNotFound is returned when a requested key does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface used by the config manager,
// the nonce manager, and the FOTA engine.
type Store interface {
	SaveConfig(cfg *DeviceConfig) error
	LoadConfig() (*DeviceConfig, error)

	SaveFotaState(st *FotaState) error
	LoadFotaState() (*FotaState, error)

	SaveNonce(n uint32) error
	LoadNonce() (uint32, error)

	Close() error
}
