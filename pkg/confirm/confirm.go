package confirm

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is the contract's staging window: a proposal not executed within
// it behaves as if it never existed.
const DefaultTTL = 300 * time.Second

var ErrNotFound = errors.New("confirmation not found")

// Pending is one staged mutation awaiting human approval. It lives only in
// the Store; nothing is written to the entity's table until execution.
type Pending struct {
	ConfirmationID string            `json:"confirmationId"`
	Action         string            `json:"action"`
	TargetServer   string            `json:"targetServer"`
	IssuedBy       string            `json:"issuedBy"`
	IssuedAt       time.Time         `json:"issuedAt"`
	TargetEntityID string            `json:"targetEntityId"`
	CapturedStatus string            `json:"capturedStatus"`
	UserFields     map[string]string `json:"userFields,omitempty"`
}

// Store is the durable, time-bounded staging area shared between the
// proposing and the executing service instance.
type Store interface {
	Put(ctx context.Context, p Pending, ttl time.Duration) error
	Get(ctx context.Context, id string) (Pending, error)
}

// TTLFromEnv reads CONFIRMATION_TTL_SEC, falling back to DefaultTTL.
func TTLFromEnv() time.Duration {
	raw := strings.TrimSpace(os.Getenv("CONFIRMATION_TTL_SEC"))
	if raw == "" {
		return DefaultTTL
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs <= 0 {
		return DefaultTTL
	}
	return time.Duration(secs) * time.Second
}

const redisKeyPrefix = "confirm:"

// RedisStore keeps confirmations in Redis so proposer and executor may be
// different processes. Expiry is Redis-native.
type RedisStore struct{ client *redis.Client }

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Put(ctx context.Context, p Pending, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, redisKeyPrefix+p.ConfirmationID, raw, ttl).Err()
}

func (s *RedisStore) Get(ctx context.Context, id string) (Pending, error) {
	raw, err := s.client.Get(ctx, redisKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return Pending{}, ErrNotFound
	}
	if err != nil {
		return Pending{}, err
	}
	var p Pending
	if err := json.Unmarshal(raw, &p); err != nil {
		return Pending{}, err
	}
	return p, nil
}

// MemoryStore is a single-process fallback with lazy expiry, for development
// and tests only.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memItem
	now   func() time.Time
}

type memItem struct {
	pending   Pending
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string]memItem{}, now: time.Now}
}

func (s *MemoryStore) Put(ctx context.Context, p Pending, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupLocked()
	s.items[p.ConfirmationID] = memItem{pending: p, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupLocked()
	item, ok := s.items[id]
	if !ok {
		return Pending{}, ErrNotFound
	}
	return item.pending, nil
}

func (s *MemoryStore) cleanupLocked() {
	now := s.now()
	for k, v := range s.items {
		if now.After(v.expiresAt) {
			delete(s.items, k)
		}
	}
}

// NewStore prefers Redis and falls back to process-local memory when no
// reachable client is available.
func NewStore(ctx context.Context, client *redis.Client) Store {
	if client != nil {
		if err := client.Ping(ctx).Err(); err == nil {
			return NewRedisStore(client)
		}
	}
	return NewMemoryStore()
}
