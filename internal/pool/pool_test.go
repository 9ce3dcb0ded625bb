package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/forgecore/workerd/internal/containerx"
)

func TestAcquireCreatesUpToCap(t *testing.T) {
	f := containerx.NewFake()
	p := New(f, 2, 0)
	key := Key{ImageTag: "worker:latest"}

	h1, err := p.Acquire(context.Background(), key, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	h2, err := p.Acquire(context.Background(), key, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if h1.ContainerID == h2.ContainerID {
		t.Fatal("expected distinct containers")
	}
}

func TestAcquireBlocksAtCapacityUntilRelease(t *testing.T) {
	f := containerx.NewFake()
	p := New(f, 1, 0)
	key := Key{ImageTag: "worker:latest"}

	h1, err := p.Acquire(context.Background(), key, nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	var h2 Handle
	var acquireErr error
	go func() {
		defer wg.Done()
		h2, acquireErr = p.Acquire(context.Background(), key, nil, nil)
	}()

	time.Sleep(20 * time.Millisecond) // give the goroutine a chance to block
	if err := p.Release(context.Background(), h1, Destroy); err != nil {
		t.Fatal(err)
	}
	wg.Wait()

	if acquireErr != nil {
		t.Fatalf("second acquire failed: %v", acquireErr)
	}
	if h2.ContainerID == "" {
		t.Fatal("expected a handle after release unblocked the waiter")
	}
}

func TestAcquireTimesOutAtCapacity(t *testing.T) {
	f := containerx.NewFake()
	p := New(f, 1, 0)
	key := Key{ImageTag: "worker:latest"}

	if _, err := p.Acquire(context.Background(), key, nil, nil); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx, key, nil, nil); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestReuseSkipsEnsureImageOnRevive(t *testing.T) {
	f := containerx.NewFake()
	p := New(f, 1, time.Hour)
	key := Key{ImageTag: "worker:latest"}

	h1, err := p.Acquire(context.Background(), key, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Release(context.Background(), h1, Reuse); err != nil {
		t.Fatal(err)
	}

	h2, err := p.Acquire(context.Background(), key, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if h2.ContainerID == "" {
		t.Fatal("expected a handle on revive")
	}
}

func TestReapIdleDestroysPastTTL(t *testing.T) {
	f := containerx.NewFake()
	p := New(f, 1, time.Millisecond)
	key := Key{ImageTag: "worker:latest"}

	h1, err := p.Acquire(context.Background(), key, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Release(context.Background(), h1, Reuse); err != nil {
		t.Fatal(err)
	}

	time.Sleep(5 * time.Millisecond)
	p.ReapIdle(context.Background())

	p.mu.Lock()
	remaining := len(p.slots[key])
	p.mu.Unlock()
	if remaining != 0 {
		t.Errorf("expected idle slot reaped, got %d remaining", remaining)
	}
}

func TestShutdownDestroysEverything(t *testing.T) {
	f := containerx.NewFake()
	p := New(f, 2, 0)
	key := Key{ImageTag: "worker:latest"}

	if _, err := p.Acquire(context.Background(), key, nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Acquire(context.Background(), key, nil, nil); err != nil {
		t.Fatal(err)
	}

	p.Shutdown(context.Background())

	p.mu.Lock()
	n := len(p.slots[key])
	p.mu.Unlock()
	if n != 0 {
		t.Errorf("expected no slots after shutdown, got %d", n)
	}
}
