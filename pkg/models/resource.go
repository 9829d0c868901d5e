package models

import "time"

// ResourceLimits is a ceiling vector. Zero means "not set" on requests and
// "unlimited" on tier definitions.
type ResourceLimits struct {
	MemoryMB           int64 `json:"memory_mb"           yaml:"memory_mb"           validate:"min=0"`
	CPUTimeMs          int64 `json:"cpu_time_ms"         yaml:"cpu_time_ms"         validate:"min=0"`
	WallClockMs        int64 `json:"wall_clock_ms"       yaml:"wall_clock_ms"       validate:"min=0"`
	FileDescriptors    int64 `json:"file_descriptors"    yaml:"file_descriptors"    validate:"min=0"`
	NetworkConnections int64 `json:"network_connections" yaml:"network_connections" validate:"min=0"`
	DiskMB             int64 `json:"disk_mb"             yaml:"disk_mb"             validate:"min=0"`
}

// Resource names a single dimension of the limit vector.
type Resource string

const (
	ResourceMemory      Resource = "memory_mb"
	ResourceCPUTime     Resource = "cpu_time_ms"
	ResourceWallClock   Resource = "wall_clock_ms"
	ResourceFileDesc    Resource = "file_descriptors"
	ResourceConnections Resource = "network_connections"
	ResourceDisk        Resource = "disk_mb"
)

// Resources lists every dimension in a stable order.
var Resources = []Resource{
	ResourceMemory, ResourceCPUTime, ResourceWallClock, ResourceFileDesc, ResourceConnections, ResourceDisk,
}

// Get returns the value of one dimension.
func (l ResourceLimits) Get(r Resource) int64 {
	switch r {
	case ResourceMemory:
		return l.MemoryMB
	case ResourceCPUTime:
		return l.CPUTimeMs
	case ResourceWallClock:
		return l.WallClockMs
	case ResourceFileDesc:
		return l.FileDescriptors
	case ResourceConnections:
		return l.NetworkConnections
	case ResourceDisk:
		return l.DiskMB
	default:
		return 0
	}
}

// Set updates one dimension.
func (l *ResourceLimits) Set(r Resource, v int64) {
	switch r {
	case ResourceMemory:
		l.MemoryMB = v
	case ResourceCPUTime:
		l.CPUTimeMs = v
	case ResourceWallClock:
		l.WallClockMs = v
	case ResourceFileDesc:
		l.FileDescriptors = v
	case ResourceConnections:
		l.NetworkConnections = v
	case ResourceDisk:
		l.DiskMB = v
	}
}

// ResourceUsage is a sampled usage vector.
type ResourceUsage = ResourceLimits

// EnforcementAction is what the governor does about a violation.
type EnforcementAction string

const (
	ActionAlert     EnforcementAction = "alert"
	ActionThrottle  EnforcementAction = "throttle"
	ActionTerminate EnforcementAction = "terminate"
)

// Rank orders actions by severity.
func (a EnforcementAction) Rank() int {
	switch a {
	case ActionTerminate:
		return 3
	case ActionThrottle:
		return 2
	case ActionAlert:
		return 1
	default:
		return 0
	}
}

// ViolationSeverity separates soft warnings from hard-limit breaches.
type ViolationSeverity string

const (
	SeverityWarning  ViolationSeverity = "warning"
	SeverityCritical ViolationSeverity = "critical"
)

// ResourceAllocation is a granted lease on a tenant's resources.
type ResourceAllocation struct {
	ID          string            `json:"id"`
	Tenant      string            `json:"tenant"`
	Tier        string            `json:"tier"`
	ExecutionID string            `json:"execution_id,omitempty"`
	Limits      ResourceLimits    `json:"limits"`
	OnHardLimit EnforcementAction `json:"on_hard_limit"`
	GrantedAt   time.Time         `json:"granted_at"`
	ReleasedAt  *time.Time        `json:"released_at,omitempty"`
}

// ResourceViolation records one dimension crossing a threshold.
type ResourceViolation struct {
	AllocationID string            `json:"allocation_id"`
	ExecutionID  string            `json:"execution_id,omitempty"`
	Tenant       string            `json:"tenant"`
	Resource     Resource          `json:"resource"`
	Limit        int64             `json:"limit"`
	Actual       int64             `json:"actual"`
	Utilization  float64           `json:"utilization"`
	Severity     ViolationSeverity `json:"severity"`
	Action       EnforcementAction `json:"action"`
	DetectedAt   time.Time         `json:"detected_at"`
}

// UsageRecord is the billing record produced when an allocation is released.
type UsageRecord struct {
	AllocationID string        `json:"allocation_id"`
	Tenant       string        `json:"tenant"`
	ExecutionID  string        `json:"execution_id,omitempty"`
	Usage        ResourceUsage `json:"usage"`
	CostUnits    float64       `json:"cost_units"`
	StartedAt    time.Time     `json:"started_at"`
	EndedAt      time.Time     `json:"ended_at"`
}
