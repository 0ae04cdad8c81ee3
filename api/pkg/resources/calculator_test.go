package resources

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetml/fleet/api/pkg/types"
)

func gpuInfo(id int, totalMB, freeMB uint64) types.GPUInfo {
	return types.GPUInfo{
		DeviceID:      id,
		Vendor:        "simulated",
		MemoryTotalMB: totalMB,
		MemoryUsedMB:  totalMB - freeMB,
		MemoryFreeMB:  freeMB,
	}
}

func TestEstimate_DeclaredRequirementsWin(t *testing.T) {
	config := &types.ModelConfig{
		ID:         "m1",
		Framework:  types.FrameworkProcess,
		GPUDevices: []int{1},
		Resources:  &types.ResourceRequirement{GPUMemoryMB: 8192},
	}
	req := Estimate(config)
	require.Equal(t, uint64(8192), req.GPUMemoryMB)
	// pinning flows through from the config when the declaration omits it
	require.Equal(t, []int{1}, req.GPUDevices)
}

func TestEstimate_HeuristicScalesWithPrecision(t *testing.T) {
	base := &types.ModelConfig{
		ID:        "m1",
		Framework: types.FrameworkProcess,
		Process: &types.ProcessEngineParams{
			ModelSizeGB:   14, // 7B class at fp16
			ContextLength: 4096,
			Quantization:  types.QuantizationFP16,
		},
	}
	fp16 := Estimate(base)

	int4 := *base
	int4.Process = &types.ProcessEngineParams{
		ModelSizeGB:   14,
		ContextLength: 4096,
		Quantization:  types.QuantizationINT4,
	}
	quantized := Estimate(&int4)

	require.Greater(t, fp16.GPUMemoryMB, quantized.GPUMemoryMB)
	require.Greater(t, fp16.GPUMemoryMB, uint64(14*1024), "must exceed raw weights size")
}

func TestEstimate_WeightsTermUsesFullPrecisionBytes(t *testing.T) {
	req := Estimate(&types.ModelConfig{
		ID:        "m1",
		Framework: types.FrameworkProcess,
		Process: &types.ProcessEngineParams{
			ModelSizeGB:  8,
			Quantization: types.QuantizationFP32,
		},
	})
	// The weights term alone is size × 4 bytes per parameter: 32768 MiB.
	// KV cache, overhead and the safety margin only add to that.
	require.GreaterOrEqual(t, req.GPUMemoryMB, uint64(8*4*1024))
}

func TestEstimate_ContainerOverheadExceedsProcess(t *testing.T) {
	proc := Estimate(&types.ModelConfig{
		ID:        "p",
		Framework: types.FrameworkProcess,
		Process:   &types.ProcessEngineParams{ModelSizeGB: 8},
	})
	cont := Estimate(&types.ModelConfig{
		ID:        "c",
		Framework: types.FrameworkContainer,
		Container: &types.ContainerEngineParams{ModelSizeGB: 8},
	})
	require.Greater(t, cont.GPUMemoryMB, proc.GPUMemoryMB)
}

func TestPlan_DirectSingleGPU(t *testing.T) {
	inventory := []types.GPUInfo{gpuInfo(0, 24576, 24576)}
	alloc, err := Plan(types.ResourceRequirement{GPUMemoryMB: 8192}, inventory)
	require.NoError(t, err)
	require.Equal(t, []int{0}, alloc.GPUDevices)
	require.Equal(t, uint64(8192), alloc.MemoryAllocatedMB)
}

func TestPlan_PrefersLargestFreeGPU(t *testing.T) {
	inventory := []types.GPUInfo{
		gpuInfo(0, 24576, 10000),
		gpuInfo(1, 24576, 20000),
	}
	alloc, err := Plan(types.ResourceRequirement{GPUMemoryMB: 8192}, inventory)
	require.NoError(t, err)
	require.Equal(t, []int{1}, alloc.GPUDevices)
}

func TestPlan_MultiGPUFill(t *testing.T) {
	inventory := []types.GPUInfo{
		gpuInfo(0, 24576, 20000),
		gpuInfo(1, 24576, 15000),
		gpuInfo(2, 24576, 10000),
	}
	alloc, err := Plan(types.ResourceRequirement{GPUMemoryMB: 30000}, inventory)
	require.NoError(t, err)
	require.Equal(t, []int{0, 1}, alloc.GPUDevices)
	require.Equal(t, uint64(30000), alloc.MemoryAllocatedMB)
}

func TestPlan_PinnedMultiGPUSplit(t *testing.T) {
	inventory := []types.GPUInfo{
		gpuInfo(0, 24576, 24576),
		gpuInfo(1, 24576, 24576),
	}
	alloc, err := Plan(types.ResourceRequirement{GPUMemoryMB: 40000, GPUDevices: []int{0, 1}}, inventory)
	require.NoError(t, err)
	require.Equal(t, []int{0, 1}, alloc.GPUDevices)
	require.Equal(t, uint64(40000), alloc.MemoryAllocatedMB)
}

func TestPlan_PinnedSingleFitsStaysSingle(t *testing.T) {
	inventory := []types.GPUInfo{
		gpuInfo(0, 24576, 24576),
		gpuInfo(1, 24576, 24576),
	}
	alloc, err := Plan(types.ResourceRequirement{GPUMemoryMB: 8192, GPUDevices: []int{0, 1}}, inventory)
	require.NoError(t, err)
	require.Len(t, alloc.GPUDevices, 1)
}

func TestPlan_PinnedMissingDevice(t *testing.T) {
	inventory := []types.GPUInfo{gpuInfo(0, 24576, 24576)}
	_, err := Plan(types.ResourceRequirement{GPUMemoryMB: 8192, GPUDevices: []int{3}}, inventory)
	require.True(t, types.IsCode(err, types.CodeGpuPinnedDeviceMissing))
}

func TestPlan_PinnedNeverSpillsOutsidePinnedSet(t *testing.T) {
	inventory := []types.GPUInfo{
		gpuInfo(0, 24576, 1000),
		gpuInfo(1, 24576, 24576), // plenty free, but not pinned
	}
	_, err := Plan(types.ResourceRequirement{GPUMemoryMB: 8192, GPUDevices: []int{0}}, inventory)
	require.True(t, types.IsCode(err, types.CodeInsufficientMemory))
}

func TestPlan_InsufficientMemoryReportsDeficits(t *testing.T) {
	inventory := []types.GPUInfo{
		gpuInfo(0, 24576, 1000),
		gpuInfo(1, 24576, 2000),
	}
	_, err := Plan(types.ResourceRequirement{GPUMemoryMB: 50000}, inventory)
	require.True(t, types.IsCode(err, types.CodeInsufficientMemory))
	require.Contains(t, err.Error(), "gpu0")
	require.Contains(t, err.Error(), "gpu1")
}

func TestPlan_EmptyInventory(t *testing.T) {
	_, err := Plan(types.ResourceRequirement{GPUMemoryMB: 1}, nil)
	require.True(t, types.IsCode(err, types.CodeNoGpusVisible))
}
