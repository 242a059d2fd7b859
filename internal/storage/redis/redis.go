package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/config"
	"github.com/zoulfiq4r/FamilyGuardMobile/internal/storage"
)

const keyPrefix = "familyguard:"

// Store implements the storage.Store interface using Redis
type Store struct {
	client     *redis.Client
	documents  *documentStore
	usageStore *usageStore
}

// Open creates a new Redis-backed storage instance
func Open(cfg config.RedisConfig, logger zerolog.Logger) (*Store, error) {
	dialTimeout, err := time.ParseDuration(cfg.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid dial_timeout: %w", err)
	}

	readTimeout, err := time.ParseDuration(cfg.ReadTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid read_timeout: %w", err)
	}

	writeTimeout, err := time.ParseDuration(cfg.WriteTimeout)
	if err != nil {
		return nil, fmt.Errorf("invalid write_timeout: %w", err)
	}

	// Host may already carry the port
	addr := cfg.Host
	if cfg.Port > 0 {
		addr = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  dialTimeout,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return newStore(client, logger), nil
}

func newStore(client *redis.Client, logger zerolog.Logger) *Store {
	logger = logger.With().Str("component", "redis-store").Logger()
	docs := &documentStore{client: client, logger: logger}
	return &Store{
		client:     client,
		documents:  docs,
		usageStore: &usageStore{client: client, documents: docs},
	}
}

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Documents returns the DocumentStore implementation
func (s *Store) Documents() storage.DocumentStore {
	return s.documents
}

// Usage returns the UsageStore implementation
func (s *Store) Usage() storage.UsageStore {
	return s.usageStore
}

// Events returns the event feed of a device
func (s *Store) Events(deviceID string) storage.EventStore {
	return &eventStore{client: s.client, deviceID: deviceID}
}

func docKey(collection, id string) string {
	return keyPrefix + "doc:" + collection + "/" + id
}

func collectionKey(collection string) string {
	return keyPrefix + "col:" + collection
}

func changesChannel(collection string) string {
	return keyPrefix + "changes:" + collection
}

var _ storage.Store = (*Store)(nil)
