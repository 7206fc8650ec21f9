package kv

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var boltBucket = []byte("kv")

// Bolt keeps blobs in a single bucket of a BoltDB file.
type Bolt struct {
	db *bolt.DB
}

var _ Store = &Bolt{}

func NewBolt(path string) (*Bolt, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("kv bolt: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "kv bolt: create directory")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "kv bolt: open")
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) Load(_ context.Context, key string) ([]byte, bool, error) {
	if err := checkKey(key); err != nil {
		return nil, false, err
	}
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(boltBucket)
		if bk == nil {
			return nil
		}
		// Values are only valid inside the transaction.
		if v := bk.Get([]byte(key)); v != nil {
			out = append([]byte{}, v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, errors.Wrapf(err, "kv bolt: load %s", key)
	}
	return out, out != nil, nil
}

func (b *Bolt) Save(_ context.Context, key string, blob []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk, err := tx.CreateBucketIfNotExists(boltBucket)
		if err != nil {
			return err
		}
		if blob == nil {
			blob = []byte{}
		}
		return bk.Put([]byte(key), blob)
	})
	return errors.Wrapf(err, "kv bolt: save %s", key)
}

func (b *Bolt) Delete(_ context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(boltBucket)
		if bk == nil {
			return nil
		}
		return bk.Delete([]byte(key))
	})
	return errors.Wrapf(err, "kv bolt: delete %s", key)
}

func (b *Bolt) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}
