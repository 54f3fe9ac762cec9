package cache

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	valkey "github.com/valkey-io/valkey-go"
)

type RedisTLSConfig struct {
	Enabled bool
	CAFile  string
}

type RedisConfig struct {
	Address   string
	Username  string
	Password  string
	DB        int
	Namespace string
	TLS       RedisTLSConfig
}

// redisStorage keeps one hash of store name → generation. Every store's
// entries and insertion order live under keys that embed the generation, so a
// store that is deleted and reopened never shares keys with its predecessor.
//
//	<ns>:stores                      HASH  name -> generation
//	<ns>:generation                  INCR  generation allocator
//	<ns>:seq                         INCR  insertion sequence
//	<ns>:store:<name>:<gen>:entries  HASH  key -> JSON response
//	<ns>:store:<name>:<gen>:order    ZSET  key scored by sequence
type redisStorage struct {
	client    valkey.Client
	namespace string
}

type redisStore struct {
	storage    *redisStorage
	name       string
	generation string
}

func NewRedis(cfg RedisConfig) (Storage, error) {
	if cfg.Address == "" {
		return nil, errors.New("cache: redis address required")
	}
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "cachectrl"
	}

	option := valkey.ClientOption{
		InitAddress:       []string{cfg.Address},
		Username:          cfg.Username,
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		AlwaysRESP2:       true,
		ForceSingleClient: true,
		DisableCache:      true,
	}

	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			caData, err := os.ReadFile(cfg.TLS.CAFile)
			if err != nil {
				return nil, fmt.Errorf("cache: read redis ca file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(caData) {
				return nil, errors.New("cache: redis ca file contains no certificates")
			}
			tlsConfig.RootCAs = pool
		}
		option.TLSConfig = tlsConfig
	}

	client, err := valkey.NewClient(option)
	if err != nil {
		return nil, fmt.Errorf("cache: redis client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}

	return &redisStorage{client: client, namespace: namespace}, nil
}

func (r *redisStorage) storesKey() string     { return r.namespace + ":stores" }
func (r *redisStorage) generationKey() string { return r.namespace + ":generation" }
func (r *redisStorage) seqKey() string        { return r.namespace + ":seq" }

func (r *redisStorage) dataKeys(name, generation string) (entries, order string) {
	base := r.namespace + ":store:" + name + ":" + generation
	return base + ":entries", base + ":order"
}

func (r *redisStorage) generation(ctx context.Context, name string) (string, bool, error) {
	gen, err := r.client.Do(ctx, r.client.B().Hget().Key(r.storesKey()).Field(name).Build()).ToString()
	if err != nil {
		if errors.Is(err, valkey.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("cache: redis store generation: %w", err)
	}
	return gen, true, nil
}

func (r *redisStorage) Open(ctx context.Context, name string) (Store, error) {
	gen, ok, err := r.generation(ctx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		next, err := r.client.Do(ctx, r.client.B().Incr().Key(r.generationKey()).Build()).AsInt64()
		if err != nil {
			return nil, fmt.Errorf("cache: redis allocate generation: %w", err)
		}
		cmd := r.client.B().Hsetnx().Key(r.storesKey()).Field(name).Value(strconv.FormatInt(next, 10)).Build()
		if err := r.client.Do(ctx, cmd).Error(); err != nil {
			return nil, fmt.Errorf("cache: redis create store: %w", err)
		}
		// A concurrent Open may have won the HSETNX; adopt whichever generation stuck.
		gen, ok, err = r.generation(ctx, name)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrStoreGone
		}
	}
	return &redisStore{storage: r, name: name, generation: gen}, nil
}

func (r *redisStorage) Delete(ctx context.Context, name string) (bool, error) {
	gen, ok, err := r.generation(ctx, name)
	if err != nil || !ok {
		return false, err
	}
	entries, order := r.dataKeys(name, gen)
	results := r.client.DoMulti(ctx,
		r.client.B().Hdel().Key(r.storesKey()).Field(name).Build(),
		r.client.B().Del().Key(entries, order).Build(),
	)
	for _, res := range results {
		if err := res.Error(); err != nil {
			return false, fmt.Errorf("cache: redis delete store: %w", err)
		}
	}
	return true, nil
}

func (r *redisStorage) Names(ctx context.Context) ([]string, error) {
	names, err := r.client.Do(ctx, r.client.B().Hkeys().Key(r.storesKey()).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("cache: redis list stores: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (r *redisStorage) Close(context.Context) error {
	r.client.Close()
	return nil
}

func (s *redisStore) Name() string { return s.name }

func (s *redisStore) Get(ctx context.Context, key string) (*Response, bool, error) {
	entries, _ := s.storage.dataKeys(s.name, s.generation)
	payload, err := s.storage.client.Do(ctx, s.storage.client.B().Hget().Key(entries).Field(key).Build()).AsBytes()
	if err != nil {
		if errors.Is(err, valkey.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("cache: redis get: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, false, fmt.Errorf("cache: redis unmarshal: %w", err)
	}
	return &resp, true, nil
}

func (s *redisStore) Put(ctx context.Context, key string, resp *Response) error {
	gen, ok, err := s.storage.generation(ctx, s.name)
	if err != nil {
		return err
	}
	if !ok || gen != s.generation {
		return ErrStoreGone
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("cache: redis marshal: %w", err)
	}
	client := s.storage.client
	seq, err := client.Do(ctx, client.B().Incr().Key(s.storage.seqKey()).Build()).AsInt64()
	if err != nil {
		return fmt.Errorf("cache: redis sequence: %w", err)
	}
	entries, order := s.storage.dataKeys(s.name, s.generation)
	results := client.DoMulti(ctx,
		client.B().Hset().Key(entries).FieldValue().FieldValue(key, string(payload)).Build(),
		client.B().Zadd().Key(order).ScoreMember().ScoreMember(float64(seq), key).Build(),
	)
	for _, res := range results {
		if err := res.Error(); err != nil {
			return fmt.Errorf("cache: redis put: %w", err)
		}
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, key string) (bool, error) {
	client := s.storage.client
	entries, order := s.storage.dataKeys(s.name, s.generation)
	results := client.DoMulti(ctx,
		client.B().Hdel().Key(entries).Field(key).Build(),
		client.B().Zrem().Key(order).Member(key).Build(),
	)
	removed, err := results[0].AsInt64()
	if err != nil {
		return false, fmt.Errorf("cache: redis delete: %w", err)
	}
	if err := results[1].Error(); err != nil {
		return false, fmt.Errorf("cache: redis delete order: %w", err)
	}
	return removed > 0, nil
}

func (s *redisStore) Keys(ctx context.Context) ([]string, error) {
	_, order := s.storage.dataKeys(s.name, s.generation)
	keys, err := s.storage.client.Do(ctx, s.storage.client.B().Zrange().Key(order).Min("0").Max("-1").Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("cache: redis keys: %w", err)
	}
	return keys, nil
}
