// Package identity persists the local device identity and the last-known
// peer roster. Both live in one bbolt file; both are advisory caches, not
// sources of truth (the roster is rebuilt from live announces).
package identity

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/soren/packsync/internal/model"
)

var (
	bucketIdentity = []byte("identity")
	bucketPeers    = []byte("peers")

	keySelf = []byte("self")
)

// Store wraps the bbolt database holding identity and roster records.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if needed) the identity database at path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open identity db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketIdentity, bucketPeers} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create identity buckets: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ensure returns the persisted identity, creating one with a fresh uuid on
// first call. Name and address are refreshed from the current configuration
// on every start; the id survives for the lifetime of the installation.
func (s *Store) Ensure(name, address string, capabilities []string) (model.DeviceIdentity, error) {
	var id model.DeviceIdentity
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdentity)
		if raw := b.Get(keySelf); raw != nil {
			if err := json.Unmarshal(raw, &id); err != nil {
				return fmt.Errorf("decode stored identity: %w", err)
			}
		} else {
			id.ID = uuid.NewString()
		}
		if name != "" {
			id.Name = name
		}
		id.Address = address
		id.Capabilities = capabilities

		raw, err := json.Marshal(id)
		if err != nil {
			return fmt.Errorf("encode identity: %w", err)
		}
		return b.Put(keySelf, raw)
	})
	if err != nil {
		return model.DeviceIdentity{}, fmt.Errorf("ensure identity: %w", err)
	}
	return id, nil
}

// SetName updates the display name, the only mutable identity field.
func (s *Store) SetName(name string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketIdentity)
		raw := b.Get(keySelf)
		if raw == nil {
			return fmt.Errorf("no identity stored")
		}
		var id model.DeviceIdentity
		if err := json.Unmarshal(raw, &id); err != nil {
			return fmt.Errorf("decode stored identity: %w", err)
		}
		id.Name = name
		out, err := json.Marshal(id)
		if err != nil {
			return err
		}
		return b.Put(keySelf, out)
	})
	if err != nil {
		return fmt.Errorf("set identity name: %w", err)
	}
	return nil
}

// SavePeers replaces the cached roster snapshot.
func (s *Store) SavePeers(peers []model.PeerRecord) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketPeers); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketPeers)
		if err != nil {
			return err
		}
		for _, p := range peers {
			raw, err := json.Marshal(p)
			if err != nil {
				return fmt.Errorf("encode peer %s: %w", p.Identity.ID, err)
			}
			if err := b.Put([]byte(p.Identity.ID), raw); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save peer cache: %w", err)
	}
	return nil
}

// LoadPeers returns the cached roster from the previous run. Entries decode
// failures are skipped rather than failing the whole load.
func (s *Store) LoadPeers() ([]model.PeerRecord, error) {
	var peers []model.PeerRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPeers).ForEach(func(_, raw []byte) error {
			var p model.PeerRecord
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil
			}
			peers = append(peers, p)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("load peer cache: %w", err)
	}
	return peers, nil
}
