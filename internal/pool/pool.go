// Package pool maintains a bounded set of warm containers per (image,
// resource profile) key, handing them out on acquire and reclaiming them on
// release.
//
// Docker bind mounts are fixed at container creation, so "warm" here means
// the image is already pulled and a spare container exists to skip the pull
// round-trip on the next acquire — not that the exact same container is
// handed back with a different workspace bound into it. Reuse recreates the
// container against the new mount but never re-pays EnsureImage.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/forgecore/workerd/internal/containerx"
	"github.com/forgecore/workerd/internal/errs"
	"github.com/forgecore/workerd/internal/ids"
)

// Profile is the resource half of a pool key; it must stay comparable so
// Key can be a map key.
type Profile struct {
	MemoryMB int
	CPUs     float64
}

// Key identifies one warm pool: an image tag plus a resource profile.
type Key struct {
	ImageTag string
	Profile  Profile
}

// Disposition tells Release what to do with a handle once a session is done
// with it.
type Disposition int

const (
	// Reuse returns the container's pool slot for reuse by a future acquire
	// of the same key; the concrete container is still recreated against a
	// fresh mount set (see package doc), but the image-warm slot is kept.
	Reuse Disposition = iota
	// Destroy tears the container down and frees its slot entirely.
	Destroy
)

// Handle is what Acquire hands back: a running, mounted, labeled container
// ready for a session.
type Handle struct {
	ContainerID ids.ContainerID
	Key         Key
}

type slot struct {
	idle      bool
	idleSince time.Time
	handle    Handle
}

// Pool maintains, per Key, up to MaxPerKey containers and a FIFO of waiters
// once that cap is hit.
type Pool struct {
	Adapter   containerx.Adapter
	MaxPerKey int
	IdleTTL   time.Duration

	mu      sync.Mutex
	slots   map[Key][]*slot   // live containers, idle or assigned, for this key
	waiters map[Key][]chan struct{}

	// pulls dedupes EnsureImage by image tag: two keys that share an image
	// tag but differ only in resource profile would otherwise each pay for
	// the same pull if their first Acquire lands concurrently.
	pulls singleflight.Group
}

// New builds a Pool. maxPerKey <= 0 is treated as 1; idleTTL <= 0 disables
// idle reclamation.
func New(adapter containerx.Adapter, maxPerKey int, idleTTL time.Duration) *Pool {
	if maxPerKey <= 0 {
		maxPerKey = 1
	}
	return &Pool{
		Adapter:   adapter,
		MaxPerKey: maxPerKey,
		IdleTTL:   idleTTL,
		slots:     make(map[Key][]*slot),
		waiters:   make(map[Key][]chan struct{}),
	}
}

// Acquire hands back a running container for key. If an idle one exists it
// is health-checked and handed back (or destroyed and replaced on failure);
// if none exists and the pool isn't at MaxPerKey, a fresh one is created;
// otherwise the call waits FIFO until a slot frees or ctx is done. A ctx
// with no remaining deadline and no free slot returns resource-exhausted
// immediately rather than waiting forever.
func (p *Pool) Acquire(ctx context.Context, key Key, mounts []containerx.Mount, labels map[string]string) (Handle, error) {
	for {
		h, ok, err := p.tryAcquire(ctx, key, mounts, labels)
		if err != nil {
			return Handle{}, err
		}
		if ok {
			return h, nil
		}

		ch := make(chan struct{}, 1)
		p.mu.Lock()
		p.waiters[key] = append(p.waiters[key], ch)
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return Handle{}, errs.Wrap(errs.ResourceExhausted, "pool acquire timed out", ctx.Err())
		case <-ch:
			// A slot freed; loop back and try again.
		}
	}
}

// tryAcquire attempts a non-blocking acquisition. ok=false with a nil error
// means the caller should wait.
func (p *Pool) tryAcquire(ctx context.Context, key Key, mounts []containerx.Mount, labels map[string]string) (Handle, bool, error) {
	p.mu.Lock()
	slots := p.slots[key]

	for i, s := range slots {
		if !s.idle {
			continue
		}
		// Found an idle slot: pull it out of the idle list under the lock,
		// then do the (potentially slow) health check and recreate outside
		// the lock so no adapter call blocks other keys.
		slots[i] = slots[len(slots)-1]
		p.slots[key] = slots[:len(slots)-1]
		p.mu.Unlock()

		h, err := p.reviveIdle(ctx, key, s.handle, mounts, labels)
		return h, err == nil, err
	}

	if len(slots) >= p.MaxPerKey {
		p.mu.Unlock()
		if ctx.Err() != nil {
			return Handle{}, false, errs.Wrap(errs.ResourceExhausted, "pool at capacity", ctx.Err())
		}
		deadline, hasDeadline := ctx.Deadline()
		if hasDeadline && !time.Now().Before(deadline) {
			return Handle{}, false, errs.New(errs.ResourceExhausted, "pool at capacity, no time left to wait")
		}
		return Handle{}, false, nil // caller waits
	}

	// Room to grow: reserve the slot under the lock, then create outside it.
	placeholder := &slot{idle: false}
	p.slots[key] = append(p.slots[key], placeholder)
	p.mu.Unlock()

	h, err := p.createFresh(ctx, key, mounts, labels)
	if err != nil {
		p.removeSlot(key, placeholder)
		p.wakeOneWaiter(key)
		return Handle{}, false, err
	}
	placeholder.handle = h
	return h, true, nil
}

// maxTransientRetries bounds the local retries pool gives a container
// runtime call classified errs.TransientInfra before it gives up and
// surfaces the error to its caller, per the "transient-infra is recovered
// locally" policy.
const maxTransientRetries = 3

// transientRetryBackoff is the delay between those retries.
const transientRetryBackoff = 200 * time.Millisecond

// withTransientRetry runs fn up to maxTransientRetries times, retrying only
// while the error is a retriable errs.Error; any other error, or ctx
// cancellation between attempts, returns immediately.
func withTransientRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxTransientRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		var coreErr *errs.Error
		if !errors.As(err, &coreErr) || !coreErr.Retriable() || attempt == maxTransientRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(transientRetryBackoff):
		}
	}
	return err
}

// reviveIdle health-checks an idle container with a single ping (Inspect);
// on failure it destroys and replaces it, otherwise it recreates it bound to
// the new mounts (see package doc for why recreation is unavoidable).
func (p *Pool) reviveIdle(ctx context.Context, key Key, prev Handle, mounts []containerx.Mount, labels map[string]string) (Handle, error) {
	info, err := p.Adapter.Inspect(ctx, string(prev.ContainerID))
	healthy := err == nil && info.Status != "dead" && info.Status != "exited"
	if !healthy {
		_ = p.Adapter.Stop(ctx, string(prev.ContainerID), 0)
	} else {
		_ = p.Adapter.Stop(ctx, string(prev.ContainerID), 5*time.Second)
	}

	profile := containerx.Limits{MemoryMB: key.Profile.MemoryMB, CPUs: key.Profile.CPUs}
	var id string
	err = withTransientRetry(ctx, func() error {
		var err error
		id, err = p.Adapter.Create(ctx, key.ImageTag, mounts, profile, labels)
		return err
	})
	if err != nil {
		p.wakeOneWaiter(key)
		return Handle{}, fmt.Errorf("recreate container for reuse: %w", err)
	}
	if err := withTransientRetry(ctx, func() error { return p.Adapter.Start(ctx, id) }); err != nil {
		p.wakeOneWaiter(key)
		return Handle{}, fmt.Errorf("start recreated container: %w", err)
	}

	h := Handle{ContainerID: ids.ContainerID(id), Key: key}
	p.mu.Lock()
	p.slots[key] = append(p.slots[key], &slot{idle: false, handle: h})
	p.mu.Unlock()
	return h, nil
}

func (p *Pool) createFresh(ctx context.Context, key Key, mounts []containerx.Mount, labels map[string]string) (Handle, error) {
	err := withTransientRetry(ctx, func() error {
		_, err, _ := p.pulls.Do(key.ImageTag, func() (any, error) {
			return nil, p.Adapter.EnsureImage(ctx, key.ImageTag)
		})
		return err
	})
	if err != nil {
		return Handle{}, fmt.Errorf("ensure image %s: %w", key.ImageTag, err)
	}
	profile := containerx.Limits{MemoryMB: key.Profile.MemoryMB, CPUs: key.Profile.CPUs}
	var id string
	err = withTransientRetry(ctx, func() error {
		var err error
		id, err = p.Adapter.Create(ctx, key.ImageTag, mounts, profile, labels)
		return err
	})
	if err != nil {
		return Handle{}, fmt.Errorf("create container: %w", err)
	}
	if err := withTransientRetry(ctx, func() error { return p.Adapter.Start(ctx, id) }); err != nil {
		return Handle{}, fmt.Errorf("start container: %w", err)
	}
	return Handle{ContainerID: ids.ContainerID(id), Key: key}, nil
}

// Release returns a handle to the pool. On Reuse the slot stays reserved
// (idle) for the key, so a future Acquire can skip EnsureImage; on Destroy
// the container is stopped and the slot freed entirely.
func (p *Pool) Release(ctx context.Context, h Handle, disposition Disposition) error {
	if disposition == Destroy {
		_ = p.Adapter.Stop(ctx, string(h.ContainerID), 10*time.Second)
		p.removeHandle(h)
		p.wakeOneWaiter(h.Key)
		return nil
	}

	p.mu.Lock()
	for _, s := range p.slots[h.Key] {
		if s.handle.ContainerID == h.ContainerID {
			s.idle = true
			s.idleSince = time.Now()
			p.mu.Unlock()
			return nil
		}
	}
	p.mu.Unlock()
	return nil
}

// ReapIdle destroys idle slots past IdleTTL. Intended to run on a ticker
// from the owning process, not from within Acquire/Release.
func (p *Pool) ReapIdle(ctx context.Context) {
	if p.IdleTTL <= 0 {
		return
	}
	cutoff := time.Now().Add(-p.IdleTTL)

	p.mu.Lock()
	var stale []Handle
	for key, slots := range p.slots {
		kept := slots[:0]
		for _, s := range slots {
			if s.idle && s.idleSince.Before(cutoff) {
				stale = append(stale, s.handle)
				continue
			}
			kept = append(kept, s)
		}
		p.slots[key] = kept
	}
	p.mu.Unlock()

	for _, h := range stale {
		_ = p.Adapter.Stop(ctx, string(h.ContainerID), 10*time.Second)
		p.wakeOneWaiter(h.Key)
	}
}

// Shutdown destroys every container the pool currently knows about.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	var all []Handle
	for _, slots := range p.slots {
		for _, s := range slots {
			all = append(all, s.handle)
		}
	}
	p.slots = make(map[Key][]*slot)
	p.mu.Unlock()

	for _, h := range all {
		_ = p.Adapter.Stop(ctx, string(h.ContainerID), 10*time.Second)
	}
}

func (p *Pool) removeSlot(key Key, target *slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slots := p.slots[key]
	for i, s := range slots {
		if s == target {
			p.slots[key] = append(slots[:i], slots[i+1:]...)
			return
		}
	}
}

func (p *Pool) removeHandle(h Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	slots := p.slots[h.Key]
	for i, s := range slots {
		if s.handle.ContainerID == h.ContainerID {
			p.slots[h.Key] = append(slots[:i], slots[i+1:]...)
			return
		}
	}
}

func (p *Pool) wakeOneWaiter(key Key) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q := p.waiters[key]
	if len(q) == 0 {
		return
	}
	ch := q[0]
	p.waiters[key] = q[1:]
	select {
	case ch <- struct{}{}:
	default:
	}
}
