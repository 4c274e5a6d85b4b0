package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestMemoryLocker(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	release, ok, err := locker.TryLock(ctx, "account:alice", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first lock: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := locker.TryLock(ctx, "account:alice", time.Minute); ok {
		t.Fatalf("second lock on the same key should fail")
	}
	if _, ok, _ := locker.TryLock(ctx, "account:bob", time.Minute); !ok {
		t.Fatalf("other accounts must not be blocked")
	}
	release()
	release()
	if _, ok, _ := locker.TryLock(ctx, "account:alice", time.Minute); !ok {
		t.Fatalf("lock should be free after release")
	}
}

func TestRedisLocker(t *testing.T) {
	s := miniredis.RunT(t)
	locker, err := NewRedisLocker("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewRedisLocker failed: %v", err)
	}
	defer locker.Close()
	ctx := context.Background()

	release, ok, err := locker.TryLock(ctx, "account:alice", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first lock: ok=%v err=%v", ok, err)
	}
	if !s.Exists("subsync:lock:account:alice") {
		t.Fatalf("expected lock key in redis")
	}
	if _, ok, err := locker.TryLock(ctx, "account:alice", time.Minute); err != nil || ok {
		t.Fatalf("second lock should fail: ok=%v err=%v", ok, err)
	}
	release()
	if s.Exists("subsync:lock:account:alice") {
		t.Fatalf("release should delete the key")
	}
}

func TestRedisLockerExpiredLockNotStolen(t *testing.T) {
	s := miniredis.RunT(t)
	locker, err := NewRedisLocker("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewRedisLocker failed: %v", err)
	}
	defer locker.Close()
	ctx := context.Background()

	staleRelease, ok, err := locker.TryLock(ctx, "account:alice", time.Second)
	if err != nil || !ok {
		t.Fatalf("first lock: ok=%v err=%v", ok, err)
	}
	s.FastForward(2 * time.Second)

	_, ok, err = locker.TryLock(ctx, "account:alice", time.Minute)
	if err != nil || !ok {
		t.Fatalf("lock should be free after ttl: ok=%v err=%v", ok, err)
	}
	staleRelease()
	if !s.Exists("subsync:lock:account:alice") {
		t.Fatalf("a stale release must not delete the new holder's lock")
	}
}

func TestNewRedisLockerBadURL(t *testing.T) {
	if _, err := NewRedisLocker("not a url"); err == nil {
		t.Fatalf("expected parse error")
	}
}
