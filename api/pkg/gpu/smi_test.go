package gpu

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fleetml/fleet/api/pkg/types"
)

type fakeCommander struct {
	paths   map[string]bool
	outputs map[string]string
	err     error
	calls   int
}

func (f *fakeCommander) LookPath(file string) (string, error) {
	if f.paths[file] {
		return "/usr/bin/" + file, nil
	}
	return "", errors.New("not found")
}

func (f *fakeCommander) Output(_ context.Context, name string, _ ...string) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []byte(f.outputs[name]), nil
}

func TestSMIProbe_ParsesNVIDIAOutput(t *testing.T) {
	commander := &fakeCommander{
		paths: map[string]bool{"nvidia-smi": true},
		outputs: map[string]string{
			"nvidia-smi": "0, NVIDIA H100 PCIe, 81559, 2048, 79511, 17, 41, 68.50\n" +
				"1, NVIDIA H100 PCIe, 81559, 0, 81559, 0, 35, [N/A]\n",
		},
	}
	probe := NewSMIProbe(commander)
	require.Equal(t, VendorNVIDIA, probe.Vendor())

	infos, err := probe.ListGPUs(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 2)

	require.Equal(t, 0, infos[0].DeviceID)
	require.Equal(t, "NVIDIA H100 PCIe", infos[0].ModelName)
	require.Equal(t, uint64(81559), infos[0].MemoryTotalMB)
	require.Equal(t, uint64(2048), infos[0].MemoryUsedMB)
	require.Equal(t, uint64(79511), infos[0].MemoryFreeMB)
	require.Equal(t, 17.0, infos[0].UtilizationPct)
	require.Equal(t, 68.5, infos[0].PowerW)

	// [N/A] power must parse to zero rather than erroring the whole line
	require.Equal(t, 1, infos[1].DeviceID)
	require.Equal(t, 0.0, infos[1].PowerW)
}

func TestSMIProbe_ParsesROCmOutput(t *testing.T) {
	commander := &fakeCommander{
		paths: map[string]bool{"rocm-smi": true},
		outputs: map[string]string{
			"rocm-smi": "device,vram_total,vram_used\ncard0,16384,8192\ncard1,16384,0\n",
		},
	}
	probe := NewSMIProbe(commander)
	require.Equal(t, VendorAMD, probe.Vendor())

	infos, err := probe.ListGPUs(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 2)
	require.Equal(t, uint64(16384), infos[0].MemoryTotalMB)
	require.Equal(t, uint64(8192), infos[0].MemoryUsedMB)
	require.Equal(t, uint64(8192), infos[0].MemoryFreeMB)
	require.Equal(t, 1, infos[1].DeviceID)
}

func TestSMIProbe_NoVendorTool(t *testing.T) {
	probe := NewSMIProbe(&fakeCommander{paths: map[string]bool{}})
	_, err := probe.ListGPUs(context.Background())
	require.Error(t, err)
	require.True(t, types.IsCode(err, types.CodeProbeUnavailable))
}

func TestSMIProbe_ToolFailureIsProbeError(t *testing.T) {
	commander := &fakeCommander{
		paths: map[string]bool{"nvidia-smi": true},
		err:   errors.New("exit status 9"),
	}
	probe := NewSMIProbe(commander)
	_, err := probe.ListGPUs(context.Background())
	require.True(t, types.IsKind(err, types.ErrorKindProbe))
}

func TestCachedProbe_ServesSnapshotWithinTTL(t *testing.T) {
	commander := &fakeCommander{
		paths:   map[string]bool{"nvidia-smi": true},
		outputs: map[string]string{"nvidia-smi": "0, A100, 40960, 0, 40960, 0, 30, 50\n"},
	}
	probe := NewCachedProbe(NewSMIProbe(commander), 5*time.Second)

	_, err := probe.ListGPUs(context.Background())
	require.NoError(t, err)
	_, err = probe.ListGPUs(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, commander.calls)

	probe.Invalidate()
	_, err = probe.ListGPUs(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, commander.calls)
}

func TestCachedProbe_DoesNotServeStaleOnError(t *testing.T) {
	inner := &SimulatedProbe{}
	probe := NewCachedProbe(inner, time.Minute)
	_, err := probe.ListGPUs(context.Background())
	require.True(t, types.IsCode(err, types.CodeProbeUnavailable))
}
