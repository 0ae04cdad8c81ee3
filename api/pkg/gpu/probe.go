package gpu

import (
	"context"
	"sync"
	"time"

	"github.com/fleetml/fleet/api/pkg/types"
)

// Probe enumerates GPUs and returns per-device live telemetry. Pure query
// interface; implementations must return consistent DeviceID values across
// calls for the lifetime of the process.
type Probe interface {
	ListGPUs(ctx context.Context) ([]types.GPUInfo, error)
}

// CachedProbe throttles vendor-tool invocations by serving a short-lived
// snapshot. nvidia-smi can take seconds on busy hosts, so hot paths must not
// hit it directly.
type CachedProbe struct {
	inner Probe
	ttl   time.Duration

	mu       sync.Mutex
	snapshot []types.GPUInfo
	taken    time.Time
}

func NewCachedProbe(inner Probe, ttl time.Duration) *CachedProbe {
	return &CachedProbe{inner: inner, ttl: ttl}
}

func (c *CachedProbe) ListGPUs(ctx context.Context) ([]types.GPUInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.snapshot != nil && time.Since(c.taken) < c.ttl {
		return cloneInfos(c.snapshot), nil
	}

	infos, err := c.inner.ListGPUs(ctx)
	if err != nil {
		// A stale snapshot is worse than no snapshot here: callers treat a
		// probe failure as "no GPUs visible" and refuse new placements.
		return nil, err
	}
	c.snapshot = infos
	c.taken = time.Now()
	return cloneInfos(infos), nil
}

// Invalidate drops the cached snapshot so the next call hits the vendor tool.
func (c *CachedProbe) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = nil
}

func cloneInfos(in []types.GPUInfo) []types.GPUInfo {
	out := make([]types.GPUInfo, len(in))
	copy(out, in)
	return out
}
