//go:build !windows
// +build !windows

package adapter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/google/shlex"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/process"

	"github.com/fleetml/fleet/api/pkg/system"
	"github.com/fleetml/fleet/api/pkg/types"
)

// ProcessAdapter runs engines as host subprocesses. Each engine is started in
// its own process group so termination signals reach all children.
type ProcessAdapter struct {
	commander    Commander
	gpuVendor    string
	startTimeout time.Duration
	stopTimeout  time.Duration
	httpClient   *http.Client
	instances    *xsync.MapOf[string, *processInstance]
}

type processInstance struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	port   int
	stderr *system.LimitedBuffer
}

type ProcessAdapterParams struct {
	Commander    Commander
	GPUVendor    string // "nvidia" or "amd", drives visibility env vars
	StartTimeout time.Duration
	StopTimeout  time.Duration
}

func NewProcessAdapter(params ProcessAdapterParams) *ProcessAdapter {
	if params.Commander == nil {
		params.Commander = &RealCommander{}
	}
	if params.StartTimeout == 0 {
		params.StartTimeout = 30 * time.Second
	}
	if params.StopTimeout == 0 {
		params.StopTimeout = 10 * time.Second
	}
	return &ProcessAdapter{
		commander:    params.Commander,
		gpuVendor:    params.GPUVendor,
		startTimeout: params.StartTimeout,
		stopTimeout:  params.StopTimeout,
		httpClient:   &http.Client{Timeout: 5 * time.Second},
		instances:    xsync.NewMapOf[string, *processInstance](),
	}
}

func (a *ProcessAdapter) Validate(config *types.ModelConfig) error {
	params := config.Process
	if params == nil {
		return types.NewValidationError("process engine parameters missing for model %s", config.ID)
	}
	if params.BinaryPath == "" {
		return types.NewError(types.ErrorKindAdapter, types.CodeBinaryMissing,
			"engine binary path not set for model %s", config.ID)
	}
	if _, err := a.commander.LookPath(params.BinaryPath); err != nil {
		return types.WrapError(types.ErrorKindAdapter, types.CodeBinaryMissing, err,
			"engine binary %q not found or not executable", params.BinaryPath)
	}
	if err := validatePort(params.Port); err != nil {
		return err
	}
	return validateCommonParams(params.ContextLength, params.GPUMemoryUtilization)
}

func (a *ProcessAdapter) Start(ctx context.Context, config *types.ModelConfig, allocation *types.ResourceAllocation) (string, error) {
	if err := a.Validate(config); err != nil {
		return "", err
	}
	params := config.Process

	if _, exists := a.instances.Load(config.ID); exists {
		return a.Endpoint(config.ID), nil
	}
	if system.IsPortInUse(params.Port) {
		return "", types.NewError(types.ErrorKindAdapter, types.CodeStartFailed,
			"port %d is already in use", params.Port)
	}

	binaryPath, err := a.commander.LookPath(params.BinaryPath)
	if err != nil {
		return "", types.WrapError(types.ErrorKindAdapter, types.CodeBinaryMissing, err,
			"engine binary %q not found", params.BinaryPath)
	}

	args := buildProcessArgs(config)

	cmdCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := a.commander.CommandContext(cmdCtx, binaryPath, args...)

	// New process group so SIGTERM hits the engine and all its children.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = a.buildEnv(allocation)

	// Keep the stderr tail for error reports; engines are chatty.
	stderrBuf := system.NewLimitedBuffer(1024 * 10)
	cmd.Stdout = os.Stdout
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return "", types.WrapError(types.ErrorKindAdapter, types.CodeStartFailed, err, "preparing stderr pipe")
	}
	go func() {
		if _, err := io.Copy(io.MultiWriter(os.Stderr, stderrBuf), stderrPipe); err != nil {
			log.Debug().Err(err).Msg("stderr copy ended")
		}
	}()

	log.Info().
		Str("model_id", config.ID).
		Str("binary", binaryPath).
		Strs("args", args).
		Ints("gpu_devices", allocation.GPUDevices).
		Msg("starting engine process")

	if err := cmd.Start(); err != nil {
		cancel()
		return "", types.WrapError(types.ErrorKindAdapter, types.CodeStartFailed, err,
			"starting engine process for model %s", config.ID)
	}

	instance := &processInstance{cmd: cmd, cancel: cancel, port: params.Port, stderr: stderrBuf}
	a.instances.Store(config.ID, instance)

	go func() {
		if err := cmd.Wait(); err != nil {
			log.Warn().
				Err(err).
				Str("model_id", config.ID).
				Int("exit_code", cmd.ProcessState.ExitCode()).
				Str("stderr", stderrBuf.String()).
				Msg("engine process exited with error")
		}
	}()

	endpoint := fmt.Sprintf("http://127.0.0.1:%d", params.Port)
	healthURL := endpoint + healthPath(config)
	if err := waitForReady(ctx, a.httpClient, healthURL, a.startTimeout); err != nil {
		// Full cleanup before returning: the caller must never see a
		// half-started engine.
		stopErr := a.Stop(context.WithoutCancel(ctx), config.ID)
		if stopErr != nil {
			log.Error().Err(stopErr).Str("model_id", config.ID).Msg("cleanup after failed start also failed")
		}
		return "", types.WrapError(types.ErrorKindAdapter, types.CodeStartTimeout, err,
			"engine for model %s not ready (stderr tail: %s)", config.ID, stderrBuf.String())
	}

	log.Info().Str("model_id", config.ID).Str("endpoint", endpoint).Msg("engine process ready")
	return endpoint, nil
}

func (a *ProcessAdapter) Stop(_ context.Context, modelID string) error {
	instance, ok := a.instances.Load(modelID)
	if !ok {
		// Idempotent: already stopped.
		return nil
	}
	defer instance.cancel()
	defer a.instances.Delete(modelID)

	if instance.cmd.Process == nil {
		return nil
	}
	pid := instance.cmd.Process.Pid
	log.Info().Str("model_id", modelID).Int("pid", pid).Msg("stopping engine process")

	// Graceful first: signal the whole process group.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		log.Warn().Err(err).Int("pgid", pid).Msg("failed to SIGTERM process group")
	}

	deadline := time.After(a.stopTimeout)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			log.Warn().Str("model_id", modelID).Int("pid", pid).Msg("stop timeout reached, escalating to SIGKILL")
			if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil && err != syscall.ESRCH {
				return types.WrapError(types.ErrorKindAdapter, types.CodeStopFailed, err,
					"SIGKILL of process group %d failed", pid)
			}
			return nil
		case <-ticker.C:
			if !pidAlive(pid) {
				log.Info().Str("model_id", modelID).Int("pid", pid).Msg("engine process stopped")
				return nil
			}
		}
	}
}

// Probe checks OS state only: PID alive and not a zombie. An engine that is
// alive but hung will still probe true; the health loop catches that case.
func (a *ProcessAdapter) Probe(_ context.Context, modelID string) bool {
	instance, ok := a.instances.Load(modelID)
	if !ok || instance.cmd.Process == nil {
		return false
	}
	pid := instance.cmd.Process.Pid
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	status, err := proc.Status()
	if err != nil {
		// Fall back to a plain signal-0 liveness check.
		return pidAlive(pid)
	}
	return status != "Z"
}

func (a *ProcessAdapter) Endpoint(modelID string) string {
	instance, ok := a.instances.Load(modelID)
	if !ok {
		return ""
	}
	return fmt.Sprintf("http://127.0.0.1:%d", instance.port)
}

func pidAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// buildEnv restricts the engine environment to what it needs, plus the
// vendor-appropriate GPU visibility variables derived from the allocation.
func (a *ProcessAdapter) buildEnv(allocation *types.ResourceAllocation) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
		"HTTP_PROXY=" + os.Getenv("HTTP_PROXY"),
		"HTTPS_PROXY=" + os.Getenv("HTTPS_PROXY"),
		"NO_PROXY=" + os.Getenv("NO_PROXY"),
	}
	devices := make([]string, 0, len(allocation.GPUDevices))
	for _, d := range allocation.GPUDevices {
		devices = append(devices, fmt.Sprintf("%d", d))
	}
	visible := strings.Join(devices, ",")
	switch a.gpuVendor {
	case "amd":
		env = append(env,
			"ROCR_VISIBLE_DEVICES="+visible,
			"HIP_VISIBLE_DEVICES="+visible,
		)
	default:
		env = append(env, "CUDA_VISIBLE_DEVICES="+visible)
	}
	return env
}

// buildProcessArgs assembles the engine command line: a base argument vector
// plus the operator's extra args, which win over any default flag.
func buildProcessArgs(config *types.ModelConfig) []string {
	params := config.Process

	extra := tokenizeExtraArgs(params.ExtraArgs)
	overridden := make(map[string]bool, len(extra))
	for i, arg := range extra {
		if i < len(extra)-1 && strings.HasPrefix(arg, "--") {
			overridden[arg] = true
		}
	}

	var args []string
	if !overridden["--host"] {
		args = append(args, "--host", "127.0.0.1")
	}
	if !overridden["--port"] {
		args = append(args, "--port", fmt.Sprintf("%d", params.Port))
	}
	if !overridden["--model"] && config.ModelPath != "" {
		args = append(args, "--model", config.ModelPath)
	}
	if !overridden["--max-model-len"] && params.ContextLength > 0 {
		args = append(args, "--max-model-len", fmt.Sprintf("%d", params.ContextLength))
	}
	if !overridden["--tensor-parallel-size"] && params.TensorParallelSize > 0 {
		args = append(args, "--tensor-parallel-size", fmt.Sprintf("%d", params.TensorParallelSize))
	}
	if !overridden["--gpu-memory-utilization"] && params.GPUMemoryUtilization > 0 {
		args = append(args, "--gpu-memory-utilization", fmt.Sprintf("%g", params.GPUMemoryUtilization))
	}
	if !overridden["--quantization"] && params.Quantization != "" && params.Quantization != types.QuantizationFP16 {
		args = append(args, "--quantization", string(params.Quantization))
	}
	return append(args, extra...)
}

// tokenizeExtraArgs splits the operator's extra-args string shell-style.
// Tokenization errors are reported but fall back to whitespace splitting so a
// stray quote does not strand a model.
func tokenizeExtraArgs(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	tokens, err := shlex.Split(raw)
	if err != nil {
		log.Warn().Err(err).Str("extra_args", raw).Msg("shell tokenization failed, falling back to whitespace split")
		return strings.Fields(raw)
	}
	return tokens
}

// healthPath returns the health-check path for a config, defaulting to /health.
func healthPath(config *types.ModelConfig) string {
	if config.HealthCheck.EndpointPath != "" {
		return config.HealthCheck.EndpointPath
	}
	return "/health"
}

var _ EngineAdapter = (*ProcessAdapter)(nil)
