// Package casstore is a content-addressable blob store backed by Redis,
// used for large node outputs and resolved configs referenced from
// NodeTask/RunEvent payloads rather than inlining them. Grounded on
// cmd/workflow-runner/main.go's redisCASClient in the teacher.
package casstore

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lyzr/flowengine/internal/logger"
)

// Store is a content-addressable Redis blob store.
type Store struct {
	client *redis.Client
	logger *logger.Logger
	ttl    time.Duration
}

// New creates a CAS store with the given blob TTL.
func New(client *redis.Client, log *logger.Logger, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Store{client: client, logger: log, ttl: ttl}
}

// Put stores raw bytes and returns a SHA256-keyed content address.
func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	hash := fmt.Sprintf("sha256:%x", sha256.Sum256(data))
	key := "cas:" + hash
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return "", fmt.Errorf("failed to store CAS blob: %w", err)
	}
	s.logger.Debug("stored in CAS", "cas_id", hash, "size", len(data))
	return hash, nil
}

// PutJSON marshals value and stores it.
func (s *Store) PutJSON(ctx context.Context, value any) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("failed to marshal CAS value: %w", err)
	}
	return s.Put(ctx, data)
}

// Get retrieves raw bytes by content address.
func (s *Store) Get(ctx context.Context, casID string) ([]byte, error) {
	data, err := s.client.Get(ctx, "cas:"+casID).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("CAS entry not found: %s", casID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get CAS blob: %w", err)
	}
	return data, nil
}

// GetJSON retrieves and unmarshals a CAS-stored value into out.
func (s *Store) GetJSON(ctx context.Context, casID string, out any) error {
	data, err := s.Get(ctx, casID)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to unmarshal CAS value: %w", err)
	}
	return nil
}
