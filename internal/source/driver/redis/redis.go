// Package redis loads proxy records from a Redis hash shared with the proxy
// cache tier. Each field is a proxy ID and each value a JSON source.Record.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/songzhibin97/proxyrotator/internal/source"
)

// Config represents the Redis source configuration
type Config struct {
	Address   string        `yaml:"address"`
	Password  string        `yaml:"password"`
	Database  int           `yaml:"database"`
	Timeout   time.Duration `yaml:"timeout"`
	KeyPrefix string        `yaml:"key_prefix"`
	// Pool names the hash, stored at <KeyPrefix>:pool:<Pool>.
	Pool string `yaml:"pool"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Address:   "localhost:6379",
		Timeout:   5 * time.Second,
		KeyPrefix: "proxyrotator",
		Pool:      "default",
	}
}

// Source implements source.Source on top of a Redis hash.
type Source struct {
	client *redis.Client
	key    string
	config *Config
}

// New connects to Redis and verifies the connection.
func New(config *Config) (*Source, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Address == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	opts := &redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.Database,
	}
	if config.Timeout > 0 {
		opts.DialTimeout = config.Timeout
		opts.ReadTimeout = config.Timeout
		opts.WriteTimeout = config.Timeout
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewWithClient(client, config), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, config *Config) *Source {
	if config == nil {
		config = DefaultConfig()
	}
	pool := config.Pool
	if pool == "" {
		pool = "default"
	}
	key := "pool:" + pool
	if config.KeyPrefix != "" {
		key = config.KeyPrefix + ":" + key
	}
	return &Source{client: client, key: key, config: config}
}

// Name implements source.Source.
func (s *Source) Name() string {
	return "redis:" + s.key
}

// Key returns the hash key the source reads.
func (s *Source) Key() string {
	return s.key
}

// Load implements source.Source. Undecodable entries are skipped and
// reported together with the records that did decode.
func (s *Source) Load(ctx context.Context) ([]source.Record, error) {
	entries, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.key, err)
	}

	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	records := make([]source.Record, 0, len(entries))
	var errs []error
	for _, id := range ids {
		var rec source.Record
		if err := json.Unmarshal([]byte(entries[id]), &rec); err != nil {
			errs = append(errs, fmt.Errorf("proxy %s: %w", id, err))
			continue
		}
		if rec.ID == "" {
			rec.ID = id
		}
		records = append(records, rec)
	}
	if len(errs) > 0 {
		// partial loads must not cause removals
		return records, fmt.Errorf("failed to decode %d record(s): %w", len(errs), errors.Join(errs...))
	}
	return records, nil
}

// Put stores rec, keyed by its ID.
func (s *Source) Put(ctx context.Context, rec source.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("record id is required")
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode proxy %s: %w", rec.ID, err)
	}
	if err := s.client.HSet(ctx, s.key, rec.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to store proxy %s: %w", rec.ID, err)
	}
	return nil
}

// Delete removes the record with id.
func (s *Source) Delete(ctx context.Context, id string) error {
	if err := s.client.HDel(ctx, s.key, id).Err(); err != nil {
		return fmt.Errorf("failed to delete proxy %s: %w", id, err)
	}
	return nil
}

// Ping checks the connection.
func (s *Source) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close implements source.Source.
func (s *Source) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
