package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

// ServerConfig is the whole control plane configuration, loaded from the
// environment.
type ServerConfig struct {
	Server    Server
	GPU       GPU
	Scheduler Scheduler
	Adapters  Adapters
	Router    Router
	Store     Store
	Metrics   Metrics
}

func LoadServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	err := envconfig.Process("", &cfg)
	if err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

type Server struct {
	Host string `envconfig:"SERVER_HOST" default:"0.0.0.0"`
	Port int    `envconfig:"SERVER_PORT" default:"8080"`
	// ShutdownModelStopTimeout bounds each model stop during shutdown.
	ShutdownModelStopTimeout time.Duration `envconfig:"SHUTDOWN_MODEL_STOP_TIMEOUT" default:"15s"`
}

type GPU struct {
	// ProbeCacheTTL throttles vendor-tool invocations.
	ProbeCacheTTL time.Duration `envconfig:"GPU_PROBE_CACHE_TTL" default:"5s"`
	// SimulatedDevices lets dev machines without GPUs run the control plane.
	// Format: comma-separated total memory per device, e.g. "24GB,24GB".
	SimulatedDevices []string `envconfig:"GPU_SIMULATED_DEVICES" default:""`
}

type Scheduler struct {
	MinPriorityGap          int           `envconfig:"SCHEDULER_MIN_PRIORITY_GAP" default:"1"`
	MaxPreemptionsPerHour   int           `envconfig:"SCHEDULER_MAX_PREEMPTIONS_PER_HOUR" default:"10"`
	RecoveryCheckInterval   time.Duration `envconfig:"SCHEDULER_RECOVERY_CHECK_INTERVAL" default:"60s"`
	MaxRecoveryAttempts     int           `envconfig:"SCHEDULER_MAX_RECOVERY_ATTEMPTS" default:"3"`
	MinRecoveryInterval     time.Duration `envconfig:"SCHEDULER_MIN_RECOVERY_INTERVAL" default:"30s"`
	MaxRecoveryInterval     time.Duration `envconfig:"SCHEDULER_MAX_RECOVERY_INTERVAL" default:"300s"`
	RecoveryBackoffFactor   float64       `envconfig:"SCHEDULER_RECOVERY_BACKOFF_FACTOR" default:"2.0"`
	FailureDetectionTimeout time.Duration `envconfig:"SCHEDULER_FAILURE_DETECTION_TIMEOUT" default:"120s"`
	DecisionHistorySize     int           `envconfig:"SCHEDULER_DECISION_HISTORY_SIZE" default:"1000"`
	RecoveryHistorySize     int           `envconfig:"SCHEDULER_RECOVERY_HISTORY_SIZE" default:"500"`
	// StateFile is where the scheduler persists its recovery queue and
	// recent decisions across restarts.
	StateFile string `envconfig:"SCHEDULER_STATE_FILE" default:"/var/lib/fleet/scheduler_state.json"`
}

type Adapters struct {
	Process   ProcessAdapter
	Container ContainerAdapter
}

type ProcessAdapter struct {
	StartTimeout time.Duration `envconfig:"PROCESS_START_TIMEOUT" default:"30s"`
	StopTimeout  time.Duration `envconfig:"PROCESS_STOP_TIMEOUT" default:"10s"`
}

type ContainerAdapter struct {
	StartTimeout time.Duration `envconfig:"CONTAINER_START_TIMEOUT" default:"120s"`
	StopTimeout  time.Duration `envconfig:"CONTAINER_STOP_TIMEOUT" default:"10s"`
	DockerSocket string        `envconfig:"CONTAINER_DOCKER_SOCKET" default:""`
	CacheDir     string        `envconfig:"CONTAINER_CACHE_DIR" default:"/var/cache/fleet"`
}

type Router struct {
	Policy string `envconfig:"ROUTER_POLICY" default:"round-robin"`
	// RequestHistorySize bounds the per-target diagnostic ring.
	RequestHistorySize int `envconfig:"ROUTER_REQUEST_HISTORY_SIZE" default:"1000"`
	// FailoverThreshold marks a target inactive after this many consecutive
	// failures.
	FailoverThreshold int `envconfig:"ROUTER_FAILOVER_THRESHOLD" default:"3"`
}

type Store struct {
	// DSN selects the gorm backend. A bare path opens sqlite.
	DSN string `envconfig:"STORE_DSN" default:"/var/lib/fleet/fleet.db"`
	// WatchDir, when set, is scanned and watched for model config JSON files
	// which are upserted into the store (hot reload).
	WatchDir string `envconfig:"STORE_WATCH_DIR" default:""`
}

type Metrics struct {
	Enabled bool `envconfig:"METRICS_ENABLED" default:"true"`
}
