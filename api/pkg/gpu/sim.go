package gpu

import (
	"context"
	"sync"

	"github.com/fleetml/fleet/api/pkg/types"
)

// SimulatedProbe serves a fixed inventory. Used on dev machines without GPUs
// and throughout the test suite.
type SimulatedProbe struct {
	mu      sync.Mutex
	devices []types.GPUInfo
}

// NewSimulatedProbe builds one simulated device per entry, each entry being
// the device's total memory in MiB, all of it initially free.
func NewSimulatedProbe(totalsMB []uint64) *SimulatedProbe {
	devices := make([]types.GPUInfo, 0, len(totalsMB))
	for i, total := range totalsMB {
		devices = append(devices, types.GPUInfo{
			DeviceID:      i,
			Vendor:        "simulated",
			ModelName:     "simulated",
			MemoryTotalMB: total,
			MemoryFreeMB:  total,
		})
	}
	return &SimulatedProbe{devices: devices}
}

func (p *SimulatedProbe) ListGPUs(_ context.Context) ([]types.GPUInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.devices) == 0 {
		return nil, types.NewError(types.ErrorKindProbe, types.CodeProbeUnavailable,
			"simulated probe has no devices")
	}
	return cloneInfos(p.devices), nil
}

// SetUsed overrides the used memory of one simulated device, for tests that
// model external memory pressure.
func (p *SimulatedProbe) SetUsed(deviceID int, usedMB uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.devices {
		if p.devices[i].DeviceID == deviceID {
			p.devices[i].MemoryUsedMB = usedMB
			if p.devices[i].MemoryTotalMB > usedMB {
				p.devices[i].MemoryFreeMB = p.devices[i].MemoryTotalMB - usedMB
			} else {
				p.devices[i].MemoryFreeMB = 0
			}
		}
	}
}

var _ Probe = (*SimulatedProbe)(nil)
var _ Probe = (*SMIProbe)(nil)
var _ Probe = (*CachedProbe)(nil)

// FailingProbe always returns ProbeUnavailable. Test helper.
type FailingProbe struct{}

func (FailingProbe) ListGPUs(_ context.Context) ([]types.GPUInfo, error) {
	return nil, types.NewError(types.ErrorKindProbe, types.CodeProbeUnavailable, "probe unavailable")
}
