package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketConfig = []byte("device_config")
	bucketFota   = []byte("fota")
	bucketNonce  = []byte("nonce")

	keyConfig = []byte("active")
	keyFota   = []byte("state")
	keyNonce  = []byte("value")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database at path, creating the
// device_config, fota, and nonce buckets if they do not already exist.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketConfig, bucketFota, bucketNonce} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) SaveConfig(cfg *DeviceConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfig)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketConfig)
		}
		data, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return b.Put(keyConfig, data)
	})
}

func (s *BoltStore) LoadConfig() (*DeviceConfig, error) {
	var cfg DeviceConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketConfig)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketConfig)
		}
		data := b.Get(keyConfig)
		if data == nil {
			return fmt.Errorf("device config: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &cfg)
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *BoltStore) SaveFotaState(st *FotaState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFota)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketFota)
		}
		data, err := json.Marshal(st)
		if err != nil {
			return err
		}
		return b.Put(keyFota, data)
	})
}

func (s *BoltStore) LoadFotaState() (*FotaState, error) {
	var st FotaState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketFota)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketFota)
		}
		data := b.Get(keyFota)
		if data == nil {
			return fmt.Errorf("fota state: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &st)
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func (s *BoltStore) SaveNonce(n uint32) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNonce)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketNonce)
		}
		data, err := json.Marshal(n)
		if err != nil {
			return err
		}
		return b.Put(keyNonce, data)
	})
}

func (s *BoltStore) LoadNonce() (uint32, error) {
	var n uint32
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNonce)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketNonce)
		}
		data := b.Get(keyNonce)
		if data == nil {
			return fmt.Errorf("nonce: %w", ErrNotFound)
		}
		return json.Unmarshal(data, &n)
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
