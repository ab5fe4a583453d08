package banstore

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/burrow/pkg/types"
)

var bucketBans = []byte("bans")

// DefaultOpenTimeout bounds the wait for the database file lock, held by
// the running ban-store worker.
const DefaultOpenTimeout = time.Second

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens or creates the ban database at path
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: DefaultOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open ban database %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketBans); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketBans, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) Add(b *types.Ban) error {
	key, err := NormalizeMask(b.Mask)
	if err != nil {
		return err
	}
	stored := *b
	stored.Mask = key
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(&stored)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketBans).Put([]byte(key), data)
	})
}

func (s *BoltStore) Get(mask string) (*types.Ban, error) {
	key, err := NormalizeMask(mask)
	if err != nil {
		return nil, err
	}
	var ban types.Ban
	err = s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBans).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return json.Unmarshal(data, &ban)
	})
	if err != nil {
		return nil, err
	}
	return &ban, nil
}

func (s *BoltStore) Delete(mask string) error {
	key, err := NormalizeMask(mask)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBans)
		if b.Get([]byte(key)) == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return b.Delete([]byte(key))
	})
}

func (s *BoltStore) List(now time.Time) ([]*types.Ban, error) {
	var bans []*types.Ban
	err := s.forEach(func(ban *types.Ban) error {
		if !ban.Expired(now) {
			bans = append(bans, ban)
		}
		return nil
	})
	return bans, err
}

func (s *BoltStore) Match(targets []string, now time.Time) (*types.Ban, error) {
	var found *types.Ban
	err := s.forEach(func(ban *types.Ban) error {
		if found != nil || ban.Expired(now) {
			return nil
		}
		m, err := parseMask(ban.Mask)
		if err != nil {
			return nil
		}
		for _, t := range targets {
			if m.matches(t) {
				found = ban
				return nil
			}
		}
		return nil
	})
	return found, err
}

func (s *BoltStore) Purge(now time.Time) (int, error) {
	n := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBans)
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var ban types.Ban
			if err := json.Unmarshal(v, &ban); err != nil {
				return err
			}
			if ban.Expired(now) {
				expired = append(expired, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		n = len(expired)
		return nil
	})
	return n, err
}

// forEach visits every stored ban in key order
func (s *BoltStore) forEach(fn func(*types.Ban) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBans).ForEach(func(k, v []byte) error {
			var ban types.Ban
			if err := json.Unmarshal(v, &ban); err != nil {
				return fmt.Errorf("decoding ban %s: %w", k, err)
			}
			return fn(&ban)
		})
	})
}
