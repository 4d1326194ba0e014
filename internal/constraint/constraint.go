// Package constraint turns high-level resource requirements (architecture,
// CPU and memory bounds, or an exact instance type pin) into the concrete
// set of (zone, instance type) candidates the spot advisor can price.
package constraint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/dianplus/cloud-instance-github-runner/internal/cloud"
)

// ErrInvalidConstraint is returned when the caller's requirements are
// internally inconsistent (e.g. MinCPU > MaxCPU). Nothing has been
// created when this is returned.
var ErrInvalidConstraint = errors.New("invalid resource constraint")

// Architecture defaults. AMD64 shapes are provisioned at a 1:1 CPU to
// memory ratio, ARM64 at 1:2; ARM64 selection is further restricted to
// the Yitian general-purpose and compute-optimized families. The minimum
// memory derives from MinCPU by the ratio; the memory ceiling is a fixed
// per-arch value so higher-ratio shapes (8c/16g amd64 and the like) stay
// eligible when only CPU bounds are given.
var (
	archRatio = map[cloud.Arch]float64{
		cloud.ArchAMD64: 1,
		cloud.ArchARM64: 2,
	}

	archMaxMemory = map[cloud.Arch]float64{
		cloud.ArchAMD64: 64,
		cloud.ArchARM64: 128,
	}

	archFamilies = map[cloud.Arch][]string{
		cloud.ArchARM64: {"ecs.g8y", "ecs.c8y"},
	}

	defaultMaxCPU = 64
)

// Constraint is the desired node shape.
type Constraint struct {
	Arch   cloud.Arch
	MinCPU int
	MaxCPU int

	// MinMemoryGiB defaults from MinCPU by the architecture ratio when
	// zero; MaxMemoryGiB defaults to the fixed per-arch ceiling.
	MinMemoryGiB float64
	MaxMemoryGiB float64

	// InstanceType pins an exact type. When set, every other field is
	// ignored: the candidate set is that single type across all zones.
	InstanceType string
}

// Resolver resolves constraints into candidates using the cloud API's
// instance type catalog.
type Resolver struct {
	api    cloud.API
	zones  []string
	logger *slog.Logger
}

// NewResolver creates a Resolver over the given target zones.
func NewResolver(api cloud.API, zones []string, logger *slog.Logger) *Resolver {
	sorted := make([]string, len(zones))
	copy(sorted, zones)
	sort.Strings(sorted)
	return &Resolver{api: api, zones: sorted, logger: logger}
}

// Normalize validates the constraint and fills in derived defaults. It
// returns the normalized copy so the original stays untouched.
func (c Constraint) Normalize() (Constraint, error) {
	if c.InstanceType != "" {
		// Exact pin: bounds and architecture filtering do not apply.
		return c, nil
	}

	ratio, ok := archRatio[c.Arch]
	if !ok {
		return c, fmt.Errorf("%w: unknown architecture %q", ErrInvalidConstraint, c.Arch)
	}

	if c.MinCPU <= 0 {
		c.MinCPU = 8
	}
	if c.MaxCPU <= 0 {
		c.MaxCPU = defaultMaxCPU
	}
	if c.MinCPU > c.MaxCPU {
		return c, fmt.Errorf("%w: min cpu %d > max cpu %d", ErrInvalidConstraint, c.MinCPU, c.MaxCPU)
	}

	if c.MinMemoryGiB == 0 {
		c.MinMemoryGiB = float64(c.MinCPU) * ratio
	}
	if c.MaxMemoryGiB == 0 {
		c.MaxMemoryGiB = archMaxMemory[c.Arch]
	}
	if c.MinMemoryGiB > c.MaxMemoryGiB {
		return c, fmt.Errorf("%w: min memory %.0f GiB > max memory %.0f GiB", ErrInvalidConstraint, c.MinMemoryGiB, c.MaxMemoryGiB)
	}

	return c, nil
}

// Resolve produces the candidate set for the constraint: every matching
// instance type crossed with every target zone. Candidates are ordered by
// zone id then type id so downstream tie-breaking is deterministic.
func (r *Resolver) Resolve(ctx context.Context, c Constraint) ([]cloud.InstanceType, []string, error) {
	c, err := c.Normalize()
	if err != nil {
		return nil, nil, err
	}

	if c.InstanceType != "" {
		if c.MinCPU != 0 || c.MaxCPU != 0 || c.MinMemoryGiB != 0 || c.MaxMemoryGiB != 0 {
			// Documented precedence: the pin wins, the bounds are ignored.
			r.logger.Warn("instance type pinned, cpu/memory bounds ignored",
				slog.String("instance_type", c.InstanceType),
			)
		}
		types, err := r.api.InstanceTypes(ctx, cloud.TypeFilter{ID: c.InstanceType})
		if err != nil {
			return nil, nil, fmt.Errorf("look up pinned type %s: %w", c.InstanceType, err)
		}
		if len(types) == 0 {
			return nil, nil, fmt.Errorf("%w: pinned instance type %q does not exist", ErrInvalidConstraint, c.InstanceType)
		}
		return types[:1], r.zones, nil
	}

	types, err := r.api.InstanceTypes(ctx, cloud.TypeFilter{
		Arch:         c.Arch,
		MinCPU:       c.MinCPU,
		MaxCPU:       c.MaxCPU,
		MinMemoryGiB: c.MinMemoryGiB,
		MaxMemoryGiB: c.MaxMemoryGiB,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("list instance types: %w", err)
	}

	allowed := archFamilies[c.Arch]
	var matched []cloud.InstanceType
	for _, t := range types {
		// The catalog filter is provider-side; re-check bounds locally so a
		// permissive provider response cannot widen the candidate set.
		if t.Arch != c.Arch || t.CPU < c.MinCPU || t.CPU > c.MaxCPU {
			continue
		}
		if t.MemoryGiB < c.MinMemoryGiB || t.MemoryGiB > c.MaxMemoryGiB {
			continue
		}
		if len(allowed) > 0 && !familyAllowed(t.Family, allowed) {
			continue
		}
		matched = append(matched, t)
	}

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })

	r.logger.Debug("resolved constraint",
		slog.String("arch", string(c.Arch)),
		slog.Int("min_cpu", c.MinCPU),
		slog.Int("max_cpu", c.MaxCPU),
		slog.Int("instance_types", len(matched)),
		slog.Int("zones", len(r.zones)),
	)

	return matched, r.zones, nil
}

func familyAllowed(family string, allowed []string) bool {
	for _, f := range allowed {
		if f == family {
			return true
		}
	}
	return false
}
