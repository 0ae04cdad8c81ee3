package resources

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fleetml/fleet/api/pkg/types"
)

// Framework overheads in MiB, on top of weights and KV cache.
const (
	processOverheadMB   = 512
	containerOverheadMB = 1024
)

// safetyMargin is applied to the whole estimate.
const safetyMargin = 1.2

const (
	defaultContextLength = 2048
	defaultBatchSize     = 1
)

// modelShape approximates transformer dimensions from the size of the weights
// on disk. Used only for the KV-cache term of the estimate.
type modelShape struct {
	maxSizeGB float64
	hidden    int64
	layers    int64
}

var modelShapes = []modelShape{
	{maxSizeGB: 2, hidden: 2048, layers: 22},  // ~1B class
	{maxSizeGB: 8, hidden: 4096, layers: 32},  // ~7B class
	{maxSizeGB: 16, hidden: 5120, layers: 40}, // ~13B class
	{maxSizeGB: 40, hidden: 7168, layers: 48}, // ~34B class
	{maxSizeGB: 80, hidden: 8192, layers: 80}, // ~70B class
	{maxSizeGB: 1 << 20, hidden: 12288, layers: 96},
}

func shapeForSize(sizeGB float64) modelShape {
	for _, s := range modelShapes {
		if sizeGB < s.maxSizeGB {
			return s
		}
	}
	return modelShapes[len(modelShapes)-1]
}

func precisionBytes(q types.Quantization) float64 {
	switch q {
	case types.QuantizationFP32:
		return 4
	case types.QuantizationINT8:
		return 1
	case types.QuantizationINT4:
		return 0.5
	default:
		// fp16 is the de facto default for served models
		return 2
	}
}

// Estimate translates a ModelConfig into a ResourceRequirement. Declared
// requirements win when complete; otherwise a parameter-driven heuristic
// derives GPU memory from the weights size, the KV cache and a framework
// overhead, with a 20% safety margin.
func Estimate(config *types.ModelConfig) types.ResourceRequirement {
	if config.Resources.Complete() {
		req := *config.Resources
		if len(req.GPUDevices) == 0 {
			req.GPUDevices = append([]int(nil), config.GPUDevices...)
		}
		return req
	}

	var (
		sizeGB   float64
		quant    types.Quantization
		ctxLen   int64
		batch    int
		overhead uint64
	)
	switch config.Framework {
	case types.FrameworkContainer:
		overhead = containerOverheadMB
		if p := config.Container; p != nil {
			sizeGB, quant, ctxLen, batch = p.ModelSizeGB, p.Quantization, p.ContextLength, p.BatchSize
		}
	default:
		overhead = processOverheadMB
		if p := config.Process; p != nil {
			sizeGB, quant, ctxLen, batch = p.ModelSizeGB, p.Quantization, p.ContextLength, p.BatchSize
		}
	}
	if ctxLen <= 0 {
		ctxLen = defaultContextLength
	}
	if batch <= 0 {
		batch = defaultBatchSize
	}
	if sizeGB <= 0 {
		// Nothing declared at all: assume a 7B-class model rather than zero,
		// so the scheduler never places a model with no reservation.
		sizeGB = 8
	}

	bytesPerParam := precisionBytes(quant)

	// Weights: declared size scaled by the serving precision in bytes per
	// parameter.
	weightsMB := sizeGB * bytesPerParam * 1024

	// KV cache: context × batch × hidden × layers × 2 (K and V) × precision.
	shape := shapeForSize(sizeGB)
	kvBytes := float64(ctxLen) * float64(batch) * float64(shape.hidden) * float64(shape.layers) * 2 * bytesPerParam
	kvMB := kvBytes / (1024 * 1024)

	totalMB := uint64((weightsMB + kvMB + float64(overhead)) * safetyMargin)

	log.Debug().
		Str("model_id", config.ID).
		Float64("model_size_gb", sizeGB).
		Int64("context_length", ctxLen).
		Int("batch_size", batch).
		Uint64("estimated_gpu_memory_mb", totalMB).
		Msg("estimated model memory requirement")

	return types.ResourceRequirement{
		GPUMemoryMB: totalMB,
		GPUDevices:  append([]int(nil), config.GPUDevices...),
	}
}

// Plan validates a requirement against a GPU inventory and returns a
// candidate allocation. Plan is a pure reservation intent: it never mutates
// the inventory, so callers must account for outstanding allocations in the
// inventory they pass in.
func Plan(req types.ResourceRequirement, inventory []types.GPUInfo) (*types.ResourceAllocation, error) {
	if len(inventory) == 0 {
		return nil, types.NewError(types.ErrorKindResource, types.CodeNoGpusVisible,
			"no GPUs visible in inventory")
	}

	if len(req.GPUDevices) > 0 {
		return planPinned(req, inventory)
	}
	return planUnpinned(req, inventory)
}

func planPinned(req types.ResourceRequirement, inventory []types.GPUInfo) (*types.ResourceAllocation, error) {
	byID := make(map[int]types.GPUInfo, len(inventory))
	for _, g := range inventory {
		byID[g.DeviceID] = g
	}

	pinned := make([]types.GPUInfo, 0, len(req.GPUDevices))
	for _, id := range req.GPUDevices {
		g, ok := byID[id]
		if !ok {
			return nil, types.NewError(types.ErrorKindResource, types.CodeGpuPinnedDeviceMissing,
				"pinned GPU device %d does not exist", id)
		}
		pinned = append(pinned, g)
	}

	// Prefer a single pinned device that can host the whole requirement.
	best := -1
	for i, g := range pinned {
		if g.MemoryFreeMB >= req.GPUMemoryMB {
			if best == -1 || g.MemoryFreeMB > pinned[best].MemoryFreeMB {
				best = i
			}
		}
	}
	if best >= 0 {
		return newAllocation([]int{pinned[best].DeviceID}, req.GPUMemoryMB), nil
	}

	// Otherwise split across the pinned set, but only the pinned set.
	var totalFree uint64
	for _, g := range pinned {
		totalFree += g.MemoryFreeMB
	}
	if totalFree >= req.GPUMemoryMB {
		devices := make([]int, 0, len(pinned))
		for _, g := range pinned {
			devices = append(devices, g.DeviceID)
		}
		return newAllocation(devices, req.GPUMemoryMB), nil
	}

	return nil, types.NewError(types.ErrorKindResource, types.CodeInsufficientMemory,
		"pinned GPUs cannot satisfy %d MiB: %s", req.GPUMemoryMB, deficitReport(req.GPUMemoryMB, pinned))
}

func planUnpinned(req types.ResourceRequirement, inventory []types.GPUInfo) (*types.ResourceAllocation, error) {
	sorted := append([]types.GPUInfo(nil), inventory...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].MemoryFreeMB > sorted[j].MemoryFreeMB
	})

	// Single GPU with the most free memory that alone satisfies the request.
	if sorted[0].MemoryFreeMB >= req.GPUMemoryMB {
		return newAllocation([]int{sorted[0].DeviceID}, req.GPUMemoryMB), nil
	}

	// Fill GPUs in descending-free order until cumulative free covers it.
	var cumulative uint64
	devices := make([]int, 0, len(sorted))
	for _, g := range sorted {
		if g.MemoryFreeMB == 0 {
			continue
		}
		cumulative += g.MemoryFreeMB
		devices = append(devices, g.DeviceID)
		if cumulative >= req.GPUMemoryMB {
			return newAllocation(devices, req.GPUMemoryMB), nil
		}
	}

	return nil, types.NewError(types.ErrorKindResource, types.CodeInsufficientMemory,
		"no GPU placement for %d MiB: %s", req.GPUMemoryMB, deficitReport(req.GPUMemoryMB, inventory))
}

// deficitReport names how far short each device falls, so operators can see
// at a glance why a placement failed.
func deficitReport(neededMB uint64, gpus []types.GPUInfo) string {
	parts := make([]string, 0, len(gpus))
	for _, g := range gpus {
		deficit := int64(neededMB) - int64(g.MemoryFreeMB)
		parts = append(parts, fmt.Sprintf("gpu%d free=%dMiB short=%dMiB", g.DeviceID, g.MemoryFreeMB, deficit))
	}
	return strings.Join(parts, ", ")
}

func newAllocation(devices []int, memoryMB uint64) *types.ResourceAllocation {
	return &types.ResourceAllocation{
		GPUDevices:        devices,
		MemoryAllocatedMB: memoryMB,
		AllocatedAt:       time.Now(),
	}
}
