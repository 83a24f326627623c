package locks

import (
	"context"
	"testing"
)

func TestMemoryLockerMutualExclusion(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	release, ok := l.TryAcquire(ctx, "trip-1")
	if !ok {
		t.Fatal("first acquire failed")
	}
	if _, ok := l.TryAcquire(ctx, "trip-1"); ok {
		t.Fatal("second acquire should fail while held")
	}
	if _, ok := l.TryAcquire(ctx, "trip-2"); !ok {
		t.Fatal("different key should be independent")
	}

	release()
	if _, ok := l.TryAcquire(ctx, "trip-1"); !ok {
		t.Fatal("acquire after release failed")
	}
}
