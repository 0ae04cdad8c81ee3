//go:build !windows
// +build !windows

package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fleetml/fleet/api/pkg/types"
)

type fakeLookupCommander struct {
	RealCommander
	known map[string]bool
}

func (f *fakeLookupCommander) LookPath(file string) (string, error) {
	if f.known[file] {
		return "/usr/local/bin/" + file, nil
	}
	return "", errors.New("executable file not found in $PATH")
}

func processConfig(id string, port int) *types.ModelConfig {
	return &types.ModelConfig{
		ID:        id,
		Framework: types.FrameworkProcess,
		ModelPath: "/models/llama-7b.safetensors",
		Priority:  5,
		Process: &types.ProcessEngineParams{
			BinaryPath:    "vllm-server",
			Port:          port,
			ContextLength: 4096,
		},
	}
}

func TestProcessAdapter_ValidateRejectsMissingBinary(t *testing.T) {
	a := NewProcessAdapter(ProcessAdapterParams{
		Commander: &fakeLookupCommander{known: map[string]bool{}},
	})
	err := a.Validate(processConfig("m1", 9000))
	require.True(t, types.IsCode(err, types.CodeBinaryMissing))
}

func TestProcessAdapter_ValidateRejectsBadPort(t *testing.T) {
	a := NewProcessAdapter(ProcessAdapterParams{
		Commander: &fakeLookupCommander{known: map[string]bool{"vllm-server": true}},
	})
	for _, port := range []int{0, 80, 1023, 70000} {
		err := a.Validate(processConfig("m1", port))
		require.Error(t, err, "port %d must be rejected", port)
		require.True(t, types.IsKind(err, types.ErrorKindValidation))
	}
	require.NoError(t, a.Validate(processConfig("m1", 1024)))
	require.NoError(t, a.Validate(processConfig("m1", 65535)))
}

func TestProcessAdapter_ValidateRejectsBadGPUMemoryUtilization(t *testing.T) {
	a := NewProcessAdapter(ProcessAdapterParams{
		Commander: &fakeLookupCommander{known: map[string]bool{"vllm-server": true}},
	})
	config := processConfig("m1", 9000)
	config.Process.GPUMemoryUtilization = 1.5
	err := a.Validate(config)
	require.True(t, types.IsKind(err, types.ErrorKindValidation))

	config.Process.GPUMemoryUtilization = 0.9
	require.NoError(t, a.Validate(config))
}

func TestBuildProcessArgs_Defaults(t *testing.T) {
	config := processConfig("m1", 9000)
	config.Process.TensorParallelSize = 2
	args := buildProcessArgs(config)
	require.Contains(t, args, "--port")
	require.Contains(t, args, "9000")
	require.Contains(t, args, "--model")
	require.Contains(t, args, "/models/llama-7b.safetensors")
	require.Contains(t, args, "--max-model-len")
	require.Contains(t, args, "--tensor-parallel-size")
}

func TestBuildProcessArgs_ExtraArgsOverrideDefaults(t *testing.T) {
	config := processConfig("m1", 9000)
	config.Process.ExtraArgs = `--port 9999 --enable-prefix-caching`
	args := buildProcessArgs(config)

	// the default --port pair must be suppressed, the override kept
	count := 0
	for _, a := range args {
		if a == "--port" {
			count++
		}
	}
	require.Equal(t, 1, count)
	require.Contains(t, args, "9999")
	require.NotContains(t, args, "9000")
	require.Contains(t, args, "--enable-prefix-caching")
}

func TestTokenizeExtraArgs_QuotedTokens(t *testing.T) {
	tokens := tokenizeExtraArgs(`--chat-template "a b c" --seed 42`)
	require.Equal(t, []string{"--chat-template", "a b c", "--seed", "42"}, tokens)
}

func TestTokenizeExtraArgs_FallsBackToWhitespaceOnBadQuoting(t *testing.T) {
	tokens := tokenizeExtraArgs(`--flag "unterminated`)
	require.Equal(t, []string{"--flag", `"unterminated`}, tokens)
}

func TestTokenizeExtraArgs_Empty(t *testing.T) {
	require.Nil(t, tokenizeExtraArgs(""))
	require.Nil(t, tokenizeExtraArgs("   "))
}

func TestProcessAdapter_StopIsIdempotent(t *testing.T) {
	a := NewProcessAdapter(ProcessAdapterParams{
		Commander: &fakeLookupCommander{known: map[string]bool{"vllm-server": true}},
	})
	require.NoError(t, a.Stop(context.Background(), "never-started"))
}

func TestProcessAdapter_ProbeFalseWhenNotRunning(t *testing.T) {
	a := NewProcessAdapter(ProcessAdapterParams{
		Commander: &fakeLookupCommander{known: map[string]bool{"vllm-server": true}},
	})
	require.False(t, a.Probe(context.Background(), "missing"))
	require.Equal(t, "", a.Endpoint("missing"))
}
