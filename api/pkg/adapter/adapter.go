package adapter

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fleetml/fleet/api/pkg/types"
)

// EngineAdapter drives one family of inference engines. Each managed model
// has at most one live engine instance per adapter; the adapter owns the
// handle and the registry only holds the model ID.
type EngineAdapter interface {
	// Validate performs framework-specific checks on the config. Never
	// touches the host.
	Validate(config *types.ModelConfig) error
	// Start launches the engine and blocks until its /health endpoint
	// answers 200 or the variant's ready timeout elapses. On failure the
	// adapter cleans up fully before returning.
	Start(ctx context.Context, config *types.ModelConfig, allocation *types.ResourceAllocation) (string, error)
	// Stop terminates the engine: graceful first, escalating after the stop
	// timeout. Idempotent if the engine is already gone.
	Stop(ctx context.Context, modelID string) error
	// Probe checks OS/container liveness only. It deliberately does not
	// touch the engine's HTTP surface: a hung engine still probes alive.
	Probe(ctx context.Context, modelID string) bool
	// Endpoint returns the engine's base URL, or "" if not running.
	Endpoint(modelID string) string
}

// Set routes lifecycle calls to the adapter matching the model's framework.
type Set struct {
	adapters map[types.Framework]EngineAdapter
}

func NewSet() *Set {
	return &Set{adapters: make(map[types.Framework]EngineAdapter)}
}

func (s *Set) Register(framework types.Framework, a EngineAdapter) {
	s.adapters[framework] = a
}

func (s *Set) For(framework types.Framework) (EngineAdapter, error) {
	a, ok := s.adapters[framework]
	if !ok {
		return nil, types.NewValidationError("no adapter registered for framework %q", framework)
	}
	return a, nil
}

// validatePort enforces the non-privileged port range engines may bind to.
func validatePort(port int) error {
	if port < 1024 || port > 65535 {
		return types.NewValidationError("port %d outside allowed range [1024, 65535]", port)
	}
	return nil
}

func validateCommonParams(contextLength int64, gpuMemUtil float64) error {
	if contextLength < 0 {
		return types.NewValidationError("context length must be > 0, got %d", contextLength)
	}
	if gpuMemUtil != 0 && (gpuMemUtil <= 0 || gpuMemUtil > 1) {
		return types.NewValidationError("gpu_memory_utilization must be in (0, 1], got %v", gpuMemUtil)
	}
	return nil
}

// waitForReady polls the engine's health endpoint until it answers 200 or the
// timeout elapses.
func waitForReady(ctx context.Context, client *http.Client, url string, timeout time.Duration) error {
	readyCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-readyCtx.Done():
			return types.WrapError(types.ErrorKindAdapter, types.CodeStartTimeout, readyCtx.Err(),
				"engine did not become ready at %s within %s", url, timeout)
		case <-ticker.C:
			req, err := http.NewRequestWithContext(readyCtx, http.MethodGet, url, nil)
			if err != nil {
				return fmt.Errorf("building readiness request: %w", err)
			}
			resp, err := client.Do(req)
			if err != nil {
				continue
			}
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
	}
}
