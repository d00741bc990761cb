package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	goredis "github.com/redis/go-redis/v9"

	"github.com/blueberrycongee/credmux/internal/credential"
)

// RedisConfig holds connection settings for the Redis-backed store.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Namespace    string        `yaml:"namespace"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Namespace:    "credmux",
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	}
}

// RedisStore implements Store on Redis. Records are JSON values under
// namespaced keys; the credential id set enables listing without SCAN.
type RedisStore struct {
	client    goredis.UniversalClient
	namespace string
}

// NewRedisStore creates a Redis-backed store and verifies connectivity.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if cfg.Namespace == "" {
		cfg.Namespace = "credmux"
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis store: ping: %w", err)
	}
	return &RedisStore{client: client, namespace: cfg.Namespace}, nil
}

// NewRedisStoreFromClient wraps an existing client; used by tests.
func NewRedisStoreFromClient(client goredis.UniversalClient, namespace string) *RedisStore {
	if namespace == "" {
		namespace = "credmux"
	}
	return &RedisStore{client: client, namespace: namespace}
}

func (s *RedisStore) credKey(id string) string {
	return fmt.Sprintf("%s:cred:%s", s.namespace, id)
}

func (s *RedisStore) credIndexKey() string {
	return fmt.Sprintf("%s:creds", s.namespace)
}

func (s *RedisStore) banKey(borrowerID string) string {
	return fmt.Sprintf("%s:ban:%s", s.namespace, borrowerID)
}

func (s *RedisStore) blacklistKey(credID string) string {
	return fmt.Sprintf("%s:blacklist:%s", s.namespace, credID)
}

func (s *RedisStore) samplesKey(borrowerID string) string {
	return fmt.Sprintf("%s:samples:%s", s.namespace, borrowerID)
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) GetCredential(ctx context.Context, id string) (*credential.Credential, error) {
	data, err := s.client.Get(ctx, s.credKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis store: get credential: %w", err)
	}
	var cred credential.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("redis store: decode credential: %w", err)
	}
	return &cred, nil
}

func (s *RedisStore) ListCredentials(ctx context.Context) ([]*credential.Credential, error) {
	ids, err := s.client.SMembers(ctx, s.credIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: list credential ids: %w", err)
	}
	result := make([]*credential.Credential, 0, len(ids))
	for _, id := range ids {
		cred, err := s.GetCredential(ctx, id)
		if err != nil {
			return nil, err
		}
		if cred == nil {
			// Dangling index entry; self-heal.
			_ = s.client.SRem(ctx, s.credIndexKey(), id).Err()
			continue
		}
		result = append(result, cred)
	}
	return result, nil
}

func (s *RedisStore) UpsertCredential(ctx context.Context, cred *credential.Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("redis store: encode credential: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.credKey(cred.ID), data, 0)
	pipe.SAdd(ctx, s.credIndexKey(), cred.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis store: upsert credential: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteCredential(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.credKey(id))
	pipe.SRem(ctx, s.credIndexKey(), id)
	pipe.Del(ctx, s.blacklistKey(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis store: delete credential: %w", err)
	}
	return nil
}

func (s *RedisStore) GetBan(ctx context.Context, borrowerID string) (*BanRecord, error) {
	data, err := s.client.Get(ctx, s.banKey(borrowerID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis store: get ban: %w", err)
	}
	var ban BanRecord
	if err := json.Unmarshal(data, &ban); err != nil {
		return nil, fmt.Errorf("redis store: decode ban: %w", err)
	}
	return &ban, nil
}

func (s *RedisStore) UpsertBan(ctx context.Context, ban *BanRecord) error {
	data, err := json.Marshal(ban)
	if err != nil {
		return fmt.Errorf("redis store: encode ban: %w", err)
	}
	if err := s.client.Set(ctx, s.banKey(ban.BorrowerID), data, 0).Err(); err != nil {
		return fmt.Errorf("redis store: upsert ban: %w", err)
	}
	return nil
}

func (s *RedisStore) DeleteBan(ctx context.Context, borrowerID string) error {
	if err := s.client.Del(ctx, s.banKey(borrowerID)).Err(); err != nil {
		return fmt.Errorf("redis store: delete ban: %w", err)
	}
	return nil
}

func (s *RedisStore) ListBlacklist(ctx context.Context, credID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.blacklistKey(credID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis store: list blacklist: %w", err)
	}
	return members, nil
}

func (s *RedisStore) IsBlacklisted(ctx context.Context, credID, borrowerID string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.blacklistKey(credID), borrowerID).Result()
	if err != nil {
		return false, fmt.Errorf("redis store: blacklist membership: %w", err)
	}
	return ok, nil
}

func (s *RedisStore) AddBlacklist(ctx context.Context, credID, borrowerID string) error {
	if err := s.client.SAdd(ctx, s.blacklistKey(credID), borrowerID).Err(); err != nil {
		return fmt.Errorf("redis store: add blacklist: %w", err)
	}
	return nil
}

func (s *RedisStore) RemoveBlacklist(ctx context.Context, credID, borrowerID string) error {
	if err := s.client.SRem(ctx, s.blacklistKey(credID), borrowerID).Err(); err != nil {
		return fmt.Errorf("redis store: remove blacklist: %w", err)
	}
	return nil
}

func (s *RedisStore) ListSamples(ctx context.Context, borrowerID string) ([]Sample, error) {
	data, err := s.client.Get(ctx, s.samplesKey(borrowerID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis store: get samples: %w", err)
	}
	var samples []Sample
	if err := json.Unmarshal(data, &samples); err != nil {
		return nil, fmt.Errorf("redis store: decode samples: %w", err)
	}
	return samples, nil
}

func (s *RedisStore) PutSamples(ctx context.Context, borrowerID string, samples []Sample) error {
	if len(samples) == 0 {
		if err := s.client.Del(ctx, s.samplesKey(borrowerID)).Err(); err != nil {
			return fmt.Errorf("redis store: clear samples: %w", err)
		}
		return nil
	}
	data, err := json.Marshal(samples)
	if err != nil {
		return fmt.Errorf("redis store: encode samples: %w", err)
	}
	if err := s.client.Set(ctx, s.samplesKey(borrowerID), data, 0).Err(); err != nil {
		return fmt.Errorf("redis store: put samples: %w", err)
	}
	return nil
}
