package adapter

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/go-connections/nat"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"

	"github.com/fleetml/fleet/api/pkg/types"
)

// ContainerAdapter runs engines in containers. Container names are
// deterministic (<framework>-<model_id>) so stale containers from a previous
// control-plane run can be reclaimed.
type ContainerAdapter struct {
	docker       DockerClient
	gpuVendor    string
	cacheDir     string
	startTimeout time.Duration
	stopTimeout  time.Duration
	httpClient   *http.Client
	instances    *xsync.MapOf[string, *containerInstance]
}

type containerInstance struct {
	containerID string
	name        string
	port        int
}

type ContainerAdapterParams struct {
	Docker       DockerClient
	GPUVendor    string
	CacheDir     string
	StartTimeout time.Duration
	StopTimeout  time.Duration
}

func NewContainerAdapter(params ContainerAdapterParams) *ContainerAdapter {
	if params.StartTimeout == 0 {
		params.StartTimeout = 120 * time.Second
	}
	if params.StopTimeout == 0 {
		params.StopTimeout = 10 * time.Second
	}
	if params.CacheDir == "" {
		params.CacheDir = "/var/cache/fleet"
	}
	return &ContainerAdapter{
		docker:       params.Docker,
		gpuVendor:    params.GPUVendor,
		cacheDir:     params.CacheDir,
		startTimeout: params.StartTimeout,
		stopTimeout:  params.StopTimeout,
		httpClient:   &http.Client{Timeout: 5 * time.Second},
		instances:    xsync.NewMapOf[string, *containerInstance](),
	}
}

// ContainerName is the reserved name for a model's engine container.
func ContainerName(modelID string) string {
	return fmt.Sprintf("%s-%s", types.FrameworkContainer, modelID)
}

func (a *ContainerAdapter) Validate(config *types.ModelConfig) error {
	params := config.Container
	if params == nil {
		return types.NewValidationError("container engine parameters missing for model %s", config.ID)
	}
	if params.Image == "" {
		return types.NewValidationError("container image not set for model %s", config.ID)
	}
	if err := validatePort(params.Port); err != nil {
		return err
	}
	return validateCommonParams(params.ContextLength, params.GPUMemoryUtilization)
}

func (a *ContainerAdapter) Start(ctx context.Context, config *types.ModelConfig, allocation *types.ResourceAllocation) (string, error) {
	if err := a.Validate(config); err != nil {
		return "", err
	}
	params := config.Container

	if _, exists := a.instances.Load(config.ID); exists {
		return a.Endpoint(config.ID), nil
	}

	name := ContainerName(config.ID)
	if err := a.reclaimStale(ctx, name); err != nil {
		return "", err
	}

	if err := a.ensureImage(ctx, params.Image); err != nil {
		return "", err
	}

	containerID, err := a.createContainer(ctx, name, config, allocation)
	if err != nil {
		return "", types.WrapError(types.ErrorKindAdapter, types.CodeStartFailed, err,
			"creating container %s", name)
	}

	if err := a.docker.ContainerStart(ctx, containerID); err != nil {
		_ = a.docker.ContainerRemove(context.WithoutCancel(ctx), containerID)
		return "", types.WrapError(types.ErrorKindAdapter, types.CodeStartFailed, err,
			"starting container %s", name)
	}

	instance := &containerInstance{containerID: containerID, name: name, port: params.Port}
	a.instances.Store(config.ID, instance)

	endpoint := fmt.Sprintf("http://127.0.0.1:%d", params.Port)
	healthURL := endpoint + healthPath(config)
	if err := waitForReady(ctx, a.httpClient, healthURL, a.startTimeout); err != nil {
		stopErr := a.Stop(context.WithoutCancel(ctx), config.ID)
		if stopErr != nil {
			log.Error().Err(stopErr).Str("container", name).Msg("cleanup after failed container start also failed")
		}
		return "", types.WrapError(types.ErrorKindAdapter, types.CodeStartTimeout, err,
			"container engine for model %s not ready", config.ID)
	}

	log.Info().
		Str("model_id", config.ID).
		Str("container", name).
		Str("endpoint", endpoint).
		Msg("container engine ready")
	return endpoint, nil
}

// reclaimStale removes a leftover container holding our reserved name. A
// running collision is a fatal start error: something else owns the name.
func (a *ContainerAdapter) reclaimStale(ctx context.Context, name string) error {
	exists, running, err := a.docker.ContainerInspect(ctx, name)
	if err != nil {
		return types.WrapError(types.ErrorKindAdapter, types.CodeStartFailed, err,
			"inspecting container name %s", name)
	}
	if !exists {
		return nil
	}
	if running {
		return types.NewError(types.ErrorKindAdapter, types.CodeContainerNameTaken,
			"container name %s is already in use by a running container", name)
	}
	log.Info().Str("container", name).Msg("reclaiming stale engine container")
	if err := a.docker.ContainerRemove(ctx, name); err != nil {
		return types.WrapError(types.ErrorKindAdapter, types.CodeStartFailed, err,
			"removing stale container %s", name)
	}
	return nil
}

// ensureImage pulls the image on first use. The pull runs on its own
// goroutine so a slow registry cannot wedge the caller past its context.
func (a *ContainerAdapter) ensureImage(ctx context.Context, ref string) error {
	exists, err := a.docker.ImageExists(ctx, ref)
	if err != nil {
		return types.WrapError(types.ErrorKindAdapter, types.CodeImagePullFailed, err,
			"checking image %s", ref)
	}
	if exists {
		return nil
	}

	log.Info().Str("image", ref).Msg("pulling engine image")
	done := make(chan error, 1)
	go func() {
		done <- a.docker.ImagePull(ctx, ref)
	}()
	select {
	case err := <-done:
		if err != nil {
			return types.WrapError(types.ErrorKindAdapter, types.CodeImagePullFailed, err,
				"pulling image %s", ref)
		}
		return nil
	case <-ctx.Done():
		return types.WrapError(types.ErrorKindAdapter, types.CodeImagePullFailed, ctx.Err(),
			"image pull of %s interrupted", ref)
	}
}

func (a *ContainerAdapter) createContainer(ctx context.Context, name string, config *types.ModelConfig, allocation *types.ResourceAllocation) (string, error) {
	params := config.Container

	portStr := fmt.Sprintf("%d/tcp", params.Port)
	exposed := nat.PortSet{nat.Port(portStr): struct{}{}}
	// Published 1:1, the declared port is the host port.
	bindings := nat.PortMap{
		nat.Port(portStr): []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", params.Port)}},
	}

	mounts := []mount.Mount{
		{
			Type:     mount.TypeBind,
			Source:   filepath.Dir(config.ModelPath),
			Target:   "/models",
			ReadOnly: true,
		},
		{
			Type:   mount.TypeBind,
			Source: a.effectiveCacheDir(params),
			Target: "/cache",
		},
	}

	hostConfig := &container.HostConfig{
		PortBindings: bindings,
		Mounts:       mounts,
	}
	a.configureGPU(hostConfig, allocation)

	env := []string{
		fmt.Sprintf("MODEL_PATH=/models/%s", filepath.Base(config.ModelPath)),
		fmt.Sprintf("PORT=%d", params.Port),
	}
	if a.gpuVendor == "amd" && len(allocation.GPUDevices) > 0 {
		ids := make([]string, 0, len(allocation.GPUDevices))
		for _, d := range allocation.GPUDevices {
			ids = append(ids, fmt.Sprintf("%d", d))
		}
		visible := strings.Join(ids, ",")
		env = append(env, "ROCR_VISIBLE_DEVICES="+visible, "HIP_VISIBLE_DEVICES="+visible)
	}
	if params.ContextLength > 0 {
		env = append(env, fmt.Sprintf("CONTEXT_LENGTH=%d", params.ContextLength))
	}
	if params.GPUMemoryUtilization > 0 {
		env = append(env, fmt.Sprintf("GPU_MEMORY_UTILIZATION=%g", params.GPUMemoryUtilization))
	}

	containerConfig := &container.Config{
		Image:        params.Image,
		Env:          env,
		Cmd:          params.ExtraArgs,
		ExposedPorts: exposed,
		Labels: map[string]string{
			"fleet.model_id": config.ID,
		},
	}

	return a.docker.ContainerCreate(ctx, containerConfig, hostConfig, name)
}

// configureGPU requests the allocated device IDs through the container
// runtime's device-request mechanism.
func (a *ContainerAdapter) configureGPU(hostConfig *container.HostConfig, allocation *types.ResourceAllocation) {
	if len(allocation.GPUDevices) == 0 {
		return
	}
	deviceIDs := make([]string, 0, len(allocation.GPUDevices))
	for _, d := range allocation.GPUDevices {
		deviceIDs = append(deviceIDs, fmt.Sprintf("%d", d))
	}
	switch a.gpuVendor {
	case "amd":
		// AMD containers get the kfd/dri devices; visibility is narrowed via env.
		hostConfig.Devices = append(hostConfig.Devices,
			container.DeviceMapping{PathOnHost: "/dev/kfd", PathInContainer: "/dev/kfd", CgroupPermissions: "rwm"},
			container.DeviceMapping{PathOnHost: "/dev/dri", PathInContainer: "/dev/dri", CgroupPermissions: "rwm"},
		)
	default:
		hostConfig.DeviceRequests = []container.DeviceRequest{
			{
				Driver:       "nvidia",
				DeviceIDs:    deviceIDs,
				Capabilities: [][]string{{"gpu"}},
			},
		}
	}
}

func (a *ContainerAdapter) Stop(ctx context.Context, modelID string) error {
	instance, ok := a.instances.Load(modelID)
	if !ok {
		return nil
	}
	defer a.instances.Delete(modelID)

	log.Info().Str("model_id", modelID).Str("container", instance.name).Msg("stopping engine container")
	timeoutSeconds := int(a.stopTimeout / time.Second)
	if err := a.docker.ContainerStop(ctx, instance.containerID, timeoutSeconds); err != nil {
		log.Warn().Err(err).Str("container", instance.name).Msg("graceful stop failed, escalating to kill")
		if err := a.docker.ContainerKill(ctx, instance.containerID); err != nil {
			return types.WrapError(types.ErrorKindAdapter, types.CodeStopFailed, err,
				"killing container %s", instance.name)
		}
	}
	if err := a.docker.ContainerRemove(ctx, instance.containerID); err != nil {
		log.Warn().Err(err).Str("container", instance.name).Msg("container remove failed")
	}
	return nil
}

func (a *ContainerAdapter) Probe(ctx context.Context, modelID string) bool {
	instance, ok := a.instances.Load(modelID)
	if !ok {
		return false
	}
	_, running, err := a.docker.ContainerInspect(ctx, instance.containerID)
	if err != nil {
		return false
	}
	return running
}

func (a *ContainerAdapter) Endpoint(modelID string) string {
	instance, ok := a.instances.Load(modelID)
	if !ok {
		return ""
	}
	return fmt.Sprintf("http://127.0.0.1:%d", instance.port)
}

func (a *ContainerAdapter) effectiveCacheDir(params *types.ContainerEngineParams) string {
	if params.CacheDir != "" {
		return params.CacheDir
	}
	return a.cacheDir
}

var _ EngineAdapter = (*ContainerAdapter)(nil)
