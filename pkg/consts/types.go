package consts

import "time"

// Mode defines the run strategy selected from the configuration.
type Mode string

const (
	ModeSingle Mode = "single" // Application served by the supervising process
	ModePool   Mode = "pool"   // Preforked workers sharing one listener
	ModeReload Mode = "reload" // Development hot-swap, one connection batch per child
)

// Role defines what a process was spawned to do. It is decided by the
// launcher and passed to the child explicitly, never sniffed at runtime.
type Role string

const (
	RoleSupervisor  Role = "supervisor"
	RolePoolWorker  Role = "pool-worker"
	RoleReloadChild Role = "reload-child"
)

// WorkerState is the lifecycle of a single spawned worker process.
type WorkerState string

const (
	WorkerSpawning WorkerState = "SPAWNING"
	WorkerReady    WorkerState = "READY"
	WorkerDraining WorkerState = "DRAINING"
	WorkerExited   WorkerState = "EXITED"
)

// LifecycleState is the state of the front-door controller.
type LifecycleState string

const (
	StatePending   LifecycleState = "PENDING"
	StateStarting  LifecycleState = "STARTING"
	StateRunning   LifecycleState = "RUNNING"
	StateReloading LifecycleState = "RELOADING"
	StateStopping  LifecycleState = "STOPPING"
	StateStopped   LifecycleState = "STOPPED"
	StateFailed    LifecycleState = "FAILED"
)

// Environment handed from a supervisor to the processes it spawns.
const (
	EnvInheritedFDs = "PROTON_INHERITED_FDS" // Count of listener FDs passed, starting at fd 3
	EnvChannelFD    = "PROTON_CHANNEL_FD"    // FD number of the parent channel
	EnvConfig       = "PROTON_CONFIG"        // YAML encoded, already validated config
	EnvWorkerIndex  = "PROTON_WORKER_INDEX"
)

// Supervision timings.
const (
	EarlyExitThreshold  = 2 * time.Second // Workers dying sooner are respawned with back-off
	RespawnBackoff      = 1 * time.Second
	ChildIdleWindow     = 2 * time.Second // Reload child retired after this long without a connection
	ChildMaxConnections = 6
	ChildExitDelay      = 2 * time.Second // Reload child exits after this long with no open connection
	DefaultDrainTimeout = 30 * time.Second
	ChannelDrainTimeout = 1 * time.Second
)

// Defaults.
const (
	DefaultBindTo  = "0.0.0.0"
	DefaultPort    = 80
	DefaultCLIPort = 8000
	DefaultWebapp  = "default"
)

// Personal.AI order the ending
