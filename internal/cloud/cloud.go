// Package cloud defines the abstraction for the cloud provider that hosts
// ephemeral runner instances. The Aliyun ECS implementation lives in the
// aliyun subpackage; tests substitute mocks so the selection and lifecycle
// logic stays provider-agnostic.
package cloud

import "context"

// Arch identifies a CPU architecture for instance type filtering.
type Arch string

const (
	ArchAMD64 Arch = "amd64"
	ArchARM64 Arch = "arm64"
)

// InstanceType describes one instance shape offered by the provider.
type InstanceType struct {
	// ID is the provider's instance type identifier (e.g. "ecs.c7.2xlarge").
	ID string

	// Family is the instance type family (e.g. "ecs.c7").
	Family string

	// CPU is the number of vCPU cores.
	CPU int

	// MemoryGiB is the memory size in GiB.
	MemoryGiB float64

	// Arch is the CPU architecture.
	Arch Arch
}

// TypeFilter narrows an InstanceTypes query.
type TypeFilter struct {
	Arch         Arch
	MinCPU       int
	MaxCPU       int
	MinMemoryGiB float64
	MaxMemoryGiB float64

	// ID, when set, looks up exactly one instance type and ignores the
	// other fields.
	ID string
}

// RunRequest describes a single spot instance creation call.
type RunRequest struct {
	InstanceType    string
	ZoneID          string
	VSwitchID       string
	SecurityGroupID string
	ImageID         string
	InstanceName    string
	KeyPairName     string

	// RAMRole, when set, binds the self-destruct identity to the instance
	// so node-local code can obtain temporary credentials from the
	// metadata endpoint.
	RAMRole string

	// SpotPriceLimit caps the hourly price. Zero means "pay as you go"
	// spot strategy with no explicit cap.
	SpotPriceLimit float64

	// DiskCategory is the system disk category (e.g. "cloud_essd").
	DiskCategory string

	// UserData is the first-boot program, base64-encoded.
	UserData string

	Tags map[string]string
}

// Instance is a created instance.
type Instance struct {
	ID     string
	ZoneID string
}

// InstanceState is the coarse lifecycle state of an instance.
type InstanceState string

const (
	StateRunning InstanceState = "Running"
	StateStopped InstanceState = "Stopped"
	StateGone    InstanceState = "Gone" // released or never existed
	StateOther   InstanceState = "Other"
)

// API is the contract the control side and the node-side teardown code
// need from the cloud provider.
//
// DeleteInstance must be idempotent: deleting an instance that is already
// gone, absent, or stopped is success, not an error. The node-side
// self-destruct path and the control-side cleanup sweep may both call it
// for the same instance and neither caller may fail because the other
// got there first.
type API interface {
	// InstanceTypes returns the instance types matching the filter.
	InstanceTypes(ctx context.Context, filter TypeFilter) ([]InstanceType, error)

	// CapacityAvailable reports whether the provider currently has spot
	// stock for the given instance type in the given zone.
	CapacityAvailable(ctx context.Context, zoneID, instanceType string) (bool, error)

	// SpotPrice returns the latest spot price per hour for the given
	// instance type in the given zone.
	SpotPrice(ctx context.Context, zoneID, instanceType string) (float64, error)

	// ResolveImage resolves an image family to its latest image ID.
	ResolveImage(ctx context.Context, family string) (string, error)

	// RunInstance creates one spot instance. A non-success response is an
	// error; in that case no instance exists and there is nothing to
	// clean up.
	RunInstance(ctx context.Context, req RunRequest) (Instance, error)

	// InstanceStatus returns the current state of an instance. A missing
	// instance reports StateGone, not an error.
	InstanceStatus(ctx context.Context, instanceID string) (InstanceState, error)

	// DeleteInstance force-deletes an instance. Idempotent (see above).
	DeleteInstance(ctx context.Context, instanceID string) error
}
