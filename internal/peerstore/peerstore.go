// Package peerstore persists the known-peer address book in a bbolt
// database so a restarted node can rejoin without a bootstrap peer.
package peerstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/postalsys/onionmesh/internal/protocol"
)

const (
	metadataBucket = "metadata"
	peersBucket    = "peers"
	versionKey     = "version"
	schemaVersion  = 1

	// FileName is the database file created in the data directory.
	FileName = "peers.db"
)

// ErrNotFound is returned by Get for unknown keys.
var ErrNotFound = errors.New("peer not found")

// Record is a stored peer plus bookkeeping.
type Record struct {
	Peer     protocol.PeerInfo `json:"peer"`
	LastSeen time.Time         `json:"last_seen"`
}

// Store is a bbolt backed peer address book.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the store at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("peerstore: create directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("peerstore: open %s: %w", path, err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(peersBucket)); err != nil {
			return err
		}

		if b := meta.Get([]byte(versionKey)); b != nil {
			if len(b) != 1 || b[0] != schemaVersion {
				return fmt.Errorf("peerstore: incompatible version %v", b)
			}
			return nil
		}
		return meta.Put([]byte(versionKey), []byte{schemaVersion})
	}); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Put inserts or refreshes a peer.
func (s *Store) Put(p protocol.PeerInfo) error {
	if err := p.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(Record{Peer: p, LastSeen: time.Now().UTC()})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(peersBucket)).Put([]byte(p.PublicKey), raw)
	})
}

// Get returns the record stored for publicKey.
func (s *Store) Get(publicKey string) (Record, error) {
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(peersBucket)).Get([]byte(publicKey))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &rec)
	})
	return rec, err
}

// Delete removes a peer. Deleting an unknown key is not an error.
func (s *Store) Delete(publicKey string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(peersBucket)).Delete([]byte(publicKey))
	})
}

// All returns every stored record. Corrupt entries are skipped.
func (s *Store) All() ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(peersBucket)).ForEach(func(k, v []byte) error {
			var rec Record
			if json.Unmarshal(v, &rec) == nil && rec.Peer.PublicKey == string(k) {
				out = append(out, rec)
			}
			return nil
		})
	})
	return out, err
}

// Peers returns the stored PeerInfos.
func (s *Store) Peers() ([]protocol.PeerInfo, error) {
	recs, err := s.All()
	if err != nil {
		return nil, err
	}
	peers := make([]protocol.PeerInfo, 0, len(recs))
	for _, r := range recs {
		peers = append(peers, r.Peer)
	}
	return peers, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	s.db.Sync()
	return s.db.Close()
}
