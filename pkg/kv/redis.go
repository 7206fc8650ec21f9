package kv

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces keys, e.g. "n8nchat:".
	Prefix string
}

// Redis keeps blobs as plain string values.
type Redis struct {
	client *redis.Client
	prefix string
}

var _ Store = &Redis{}

func NewRedis(opts RedisOptions) (*Redis, error) {
	if strings.TrimSpace(opts.Addr) == "" {
		return nil, errors.New("kv redis: empty address")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &Redis{client: client, prefix: opts.Prefix}, nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

func (r *Redis) Load(ctx context.Context, key string) ([]byte, bool, error) {
	if err := checkKey(key); err != nil {
		return nil, false, err
	}
	b, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "kv redis: load %s", key)
	}
	return b, true, nil
}

func (r *Redis) Save(ctx context.Context, key string, blob []byte) error {
	if err := checkKey(key); err != nil {
		return err
	}
	err := r.client.Set(ctx, r.prefix+key, blob, 0).Err()
	return errors.Wrapf(err, "kv redis: save %s", key)
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := checkKey(key); err != nil {
		return err
	}
	err := r.client.Del(ctx, r.prefix+key).Err()
	return errors.Wrapf(err, "kv redis: delete %s", key)
}

func (r *Redis) Close() error {
	return r.client.Close()
}
