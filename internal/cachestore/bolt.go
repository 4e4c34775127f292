package cachestore

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// BoltStorage keeps each named store in its own bucket.
type BoltStorage struct {
	db *bolt.DB
}

func OpenBolt(path string) (*BoltStorage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open cache db")
	}
	return &BoltStorage{db: db}, nil
}

func (s *BoltStorage) Close() error {
	return s.db.Close()
}

func (s *BoltStorage) Open(name string) (Cache, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open cache %s", name)
	}
	return &boltCache{db: s.db, name: name}, nil
}

func (s *BoltStorage) Has(name string) (bool, error) {
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket([]byte(name)) != nil
		return nil
	})
	return found, err
}

func (s *BoltStorage) Names() ([]string, error) {
	var names []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	sort.Strings(names)
	return names, err
}

func (s *BoltStorage) Delete(name string) (bool, error) {
	deleted := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		err := tx.DeleteBucket([]byte(name))
		if errors.Is(err, bolt.ErrBucketNotFound) {
			return nil
		}
		deleted = err == nil
		return err
	})
	return deleted, err
}

func (s *BoltStorage) Match(method, url string) (*Entry, error) {
	var entry *Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		key := Key(method, url)
		return tx.ForEach(func(_ []byte, bkt *bolt.Bucket) error {
			if entry != nil {
				return nil
			}
			raw := bkt.Get(key)
			if raw == nil {
				return nil
			}
			e, err := decodeEntry(raw)
			if err != nil {
				return err
			}
			entry = e
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ErrMiss
	}
	return entry, nil
}

type boltCache struct {
	db   *bolt.DB
	name string
}

func (c *boltCache) Name() string {
	return c.name
}

func (c *boltCache) bucket(tx *bolt.Tx) (*bolt.Bucket, error) {
	bkt := tx.Bucket([]byte(c.name))
	if bkt == nil {
		return nil, errors.Errorf("cache %s was deleted", c.name)
	}
	return bkt, nil
}

func (c *boltCache) Match(method, url string) (*Entry, error) {
	var entry *Entry
	err := c.db.View(func(tx *bolt.Tx) error {
		bkt, err := c.bucket(tx)
		if err != nil {
			return err
		}
		raw := bkt.Get(Key(method, url))
		if raw == nil {
			return ErrMiss
		}
		entry, err = decodeEntry(raw)
		return err
	})
	return entry, err
}

func (c *boltCache) Put(e *Entry) error {
	if err := validate(e); err != nil {
		return err
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "encode cache entry")
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		bkt, err := c.bucket(tx)
		if err != nil {
			return err
		}
		return bkt.Put(Key(e.Method, e.URL), raw)
	})
}

func (c *boltCache) Delete(method, url string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		bkt, err := c.bucket(tx)
		if err != nil {
			return err
		}
		return bkt.Delete(Key(method, url))
	})
}

func (c *boltCache) Entries() ([]Entry, error) {
	var entries []Entry
	err := c.db.View(func(tx *bolt.Tx) error {
		bkt, err := c.bucket(tx)
		if err != nil {
			return err
		}
		return bkt.ForEach(func(_, raw []byte) error {
			e, err := decodeEntry(raw)
			if err != nil {
				return err
			}
			entries = append(entries, *e)
			return nil
		})
	})
	return entries, err
}

func decodeEntry(raw []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, errors.Wrap(err, "decode cache entry")
	}
	return &e, nil
}
