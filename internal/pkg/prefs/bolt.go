package prefs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

var prefsBucket = []byte("prefs")

// BoltStore persists preferences in a single bbolt file. Every Apply is one
// read-write transaction, so a crash mid-commit leaves either the old or the
// new values on disk.
type BoltStore struct {
	db *bbolt.DB
}

var _ Store = (*BoltStore)(nil)

// OpenBolt opens (creating if needed) the store at path. timeout bounds the
// wait for the file lock held by another process.
func OpenBolt(path string, timeout time.Duration) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("could not create store directory: %w", err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(prefsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("could not create prefs bucket: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) get(key string) (value, bool, error) {
	var (
		v     value
		found bool
	)

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(prefsBucket)
		if bucket == nil {
			return nil
		}

		raw := bucket.Get([]byte(key))
		if raw == nil {
			return nil
		}

		decoded, err := decodeValue(raw)
		if err != nil {
			return fmt.Errorf("key %s: %w", key, err)
		}
		v, found = decoded, true
		return nil
	})
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return value{}, false, ErrClosed
	}

	return v, found, err
}

func (s *BoltStore) String(key string) (string, bool, error) {
	v, found, err := s.get(key)
	if err != nil || !found {
		return "", false, err
	}

	str, err := v.asString()
	if err != nil {
		return "", false, fmt.Errorf("key %s: %w", key, err)
	}
	return str, true, nil
}

func (s *BoltStore) Bool(key string, def bool) (bool, error) {
	v, found, err := s.get(key)
	if err != nil {
		return def, err
	}
	if !found {
		return def, nil
	}

	b, err := v.asBool()
	if err != nil {
		return def, fmt.Errorf("key %s: %w", key, err)
	}
	return b, nil
}

func (s *BoltStore) Edit() Editor {
	return newBatch(s.commit)
}

func (s *BoltStore) commit(ops []op) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(prefsBucket)
		if err != nil {
			return err
		}

		for _, o := range ops {
			switch o.kind {
			case opPut:
				raw, err := o.value.encode()
				if err != nil {
					return fmt.Errorf("key %s: %w", o.key, err)
				}
				if err := bucket.Put([]byte(o.key), raw); err != nil {
					return fmt.Errorf("key %s: %w", o.key, err)
				}
			case opRemove:
				if err := bucket.Delete([]byte(o.key)); err != nil {
					return fmt.Errorf("key %s: %w", o.key, err)
				}
			}
		}

		return nil
	})
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}

// Close releases the file lock.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
