// Package kv is the host persistence substrate: opaque blobs stored under
// string keys.
//
// The history store writes one blob under one stable key; any backend that
// can load, save and delete a blob by key can host it.
package kv

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// Store loads and saves opaque blobs by key. Load reports ok=false for a
// missing key without error.
type Store interface {
	Load(ctx context.Context, key string) (blob []byte, ok bool, err error)
	Save(ctx context.Context, key string, blob []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendBolt   = "bolt"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

var (
	ErrUnknownBackend = errors.New("kv: unknown backend")
	ErrEmptyKey       = errors.New("kv: empty key")
)

// Settings selects and configures a backend.
type Settings struct {
	Backend string `yaml:"backend" env:"BACKEND"`
	// Path is a directory for the file backend and a database file for
	// bolt and sqlite.
	Path string `yaml:"path" env:"PATH"`

	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"REDIS_DB"`
	RedisPrefix   string `yaml:"redis_prefix" env:"REDIS_PREFIX"`
}

// Open builds the backend named by s.Backend.
func Open(s Settings) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(s.Backend)) {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendFile:
		return NewFile(s.Path)
	case BackendBolt:
		return NewBolt(s.Path)
	case BackendSQLite:
		dsn, err := SQLiteDSNForFile(s.Path)
		if err != nil {
			return nil, err
		}
		return NewSQLite(dsn)
	case BackendRedis:
		return NewRedis(RedisOptions{
			Addr:     s.RedisAddr,
			Password: s.RedisPassword,
			DB:       s.RedisDB,
			Prefix:   s.RedisPrefix,
		})
	default:
		return nil, errors.Wrapf(ErrUnknownBackend, "%q", s.Backend)
	}
}

func checkKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrEmptyKey
	}
	return nil
}
