package confirm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func samplePending(id string) Pending {
	return Pending{
		ConfirmationID: id,
		Action:         "approve_expense_report",
		TargetServer:   "finance",
		IssuedBy:       "u-101",
		IssuedAt:       time.Now().UTC().Truncate(time.Second),
		TargetEntityID: "exp-001",
		CapturedStatus: "PENDING",
		UserFields:     map[string]string{"notes": "ok"},
	}
}

func TestRedisStoreRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client)
	ctx := context.Background()

	want := samplePending("conf-1")
	if err := store.Put(ctx, want, time.Minute); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.Get(ctx, "conf-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Action != want.Action || got.TargetEntityID != want.TargetEntityID ||
		got.CapturedStatus != want.CapturedStatus || got.UserFields["notes"] != "ok" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestRedisStoreExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client)
	ctx := context.Background()

	if err := store.Put(ctx, samplePending("conf-1"), time.Second); err != nil {
		t.Fatalf("put: %v", err)
	}
	mr.FastForward(2 * time.Second)
	if _, err := store.Get(ctx, "conf-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
}

func TestRedisStoreMissIsNotFound(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(client)
	if _, err := store.Get(context.Background(), "never-issued"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	store := NewMemoryStore()
	current := time.Unix(1000, 0)
	store.now = func() time.Time { return current }
	ctx := context.Background()

	if err := store.Put(ctx, samplePending("conf-1"), 30*time.Second); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.Get(ctx, "conf-1"); err != nil {
		t.Fatalf("get before expiry: %v", err)
	}
	current = current.Add(31 * time.Second)
	if _, err := store.Get(ctx, "conf-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
	// Expired entries are collected, not just hidden.
	store.mu.Lock()
	n := len(store.items)
	store.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected expired entry to be dropped, have %d", n)
	}
}

func TestTTLFromEnv(t *testing.T) {
	t.Setenv("CONFIRMATION_TTL_SEC", "")
	if got := TTLFromEnv(); got != DefaultTTL {
		t.Fatalf("default TTL = %v", got)
	}
	t.Setenv("CONFIRMATION_TTL_SEC", "45")
	if got := TTLFromEnv(); got != 45*time.Second {
		t.Fatalf("TTL = %v", got)
	}
	t.Setenv("CONFIRMATION_TTL_SEC", "-3")
	if got := TTLFromEnv(); got != DefaultTTL {
		t.Fatalf("negative TTL should fall back, got %v", got)
	}
}

func TestNewStorePrefersReachableRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	if _, ok := NewStore(context.Background(), client).(*RedisStore); !ok {
		t.Fatal("expected a RedisStore for a reachable client")
	}

	mr.Close()
	if _, ok := NewStore(context.Background(), client).(*MemoryStore); !ok {
		t.Fatal("expected memory fallback when Redis is unreachable")
	}
	if _, ok := NewStore(context.Background(), nil).(*MemoryStore); !ok {
		t.Fatal("expected memory fallback for a nil client")
	}
}
