package constraint

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/dianplus/cloud-instance-github-runner/internal/cloud"
)

// ---------------------------------------------------------------------------
// Mock cloud API
// ---------------------------------------------------------------------------

type mockAPI struct {
	cloud.API

	types   []cloud.InstanceType
	typeErr error

	// filters records every InstanceTypes call.
	filters []cloud.TypeFilter
}

func (m *mockAPI) InstanceTypes(_ context.Context, filter cloud.TypeFilter) ([]cloud.InstanceType, error) {
	m.filters = append(m.filters, filter)
	if m.typeErr != nil {
		return nil, m.typeErr
	}
	if filter.ID != "" {
		for _, t := range m.types {
			if t.ID == filter.ID {
				return []cloud.InstanceType{t}, nil
			}
		}
		return nil, nil
	}
	return m.types, nil
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type ResolverSuite struct {
	suite.Suite
	ctx    context.Context
	api    *mockAPI
	logger *slog.Logger
}

func (s *ResolverSuite) SetupTest() {
	s.ctx = context.Background()
	s.api = &mockAPI{}
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *ResolverSuite) newResolver(zones ...string) *Resolver {
	return NewResolver(s.api, zones, s.logger)
}

func TestResolverSuite(t *testing.T) {
	suite.Run(t, new(ResolverSuite))
}

// ---------------------------------------------------------------------------
// Normalize
// ---------------------------------------------------------------------------

func (s *ResolverSuite) TestNormalize_DefaultsAMD64() {
	c, err := Constraint{Arch: cloud.ArchAMD64}.Normalize()
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 8, c.MinCPU)
	assert.Equal(s.T(), 64, c.MaxCPU)
	assert.Equal(s.T(), 8.0, c.MinMemoryGiB)
	assert.Equal(s.T(), 64.0, c.MaxMemoryGiB)
}

func (s *ResolverSuite) TestNormalize_ARM64MemoryRatio() {
	c, err := Constraint{Arch: cloud.ArchARM64, MinCPU: 8, MaxCPU: 16}.Normalize()
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 16.0, c.MinMemoryGiB)
	assert.Equal(s.T(), 128.0, c.MaxMemoryGiB)
}

func (s *ResolverSuite) TestNormalize_MemoryCeilingIndependentOfMaxCPU() {
	// The ceiling is per-arch, not MaxCPU*ratio: tightening the CPU bound
	// must not shrink the memory window below common shapes.
	c, err := Constraint{Arch: cloud.ArchAMD64, MinCPU: 8, MaxCPU: 8}.Normalize()
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 8.0, c.MinMemoryGiB)
	assert.Equal(s.T(), 64.0, c.MaxMemoryGiB)
}

func (s *ResolverSuite) TestNormalize_ExplicitMemoryKept() {
	c, err := Constraint{Arch: cloud.ArchAMD64, MinCPU: 8, MaxCPU: 16, MinMemoryGiB: 32, MaxMemoryGiB: 64}.Normalize()
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 32.0, c.MinMemoryGiB)
	assert.Equal(s.T(), 64.0, c.MaxMemoryGiB)
}

func (s *ResolverSuite) TestNormalize_UnknownArch() {
	_, err := Constraint{Arch: "riscv64"}.Normalize()
	assert.ErrorIs(s.T(), err, ErrInvalidConstraint)
}

func (s *ResolverSuite) TestNormalize_MinAboveMax() {
	_, err := Constraint{Arch: cloud.ArchAMD64, MinCPU: 32, MaxCPU: 8}.Normalize()
	assert.ErrorIs(s.T(), err, ErrInvalidConstraint)
}

func (s *ResolverSuite) TestNormalize_MinMemoryAboveMax() {
	_, err := Constraint{Arch: cloud.ArchAMD64, MinMemoryGiB: 128, MaxMemoryGiB: 64}.Normalize()
	assert.ErrorIs(s.T(), err, ErrInvalidConstraint)
}

func (s *ResolverSuite) TestNormalize_PinSkipsValidation() {
	// Contradictory bounds are ignored when a type is pinned.
	c, err := Constraint{InstanceType: "ecs.g7.2xlarge", MinCPU: 64, MaxCPU: 8}.Normalize()
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "ecs.g7.2xlarge", c.InstanceType)
	assert.Equal(s.T(), 64, c.MinCPU)
}

// ---------------------------------------------------------------------------
// Resolve
// ---------------------------------------------------------------------------

func (s *ResolverSuite) TestResolve_FiltersByBounds() {
	s.api.types = []cloud.InstanceType{
		{ID: "ecs.c7.large", Family: "ecs.c7", CPU: 2, MemoryGiB: 4, Arch: cloud.ArchAMD64},
		{ID: "ecs.c7.2xlarge", Family: "ecs.c7", CPU: 8, MemoryGiB: 16, Arch: cloud.ArchAMD64},
		{ID: "ecs.g7.4xlarge", Family: "ecs.g7", CPU: 16, MemoryGiB: 64, Arch: cloud.ArchAMD64},
		{ID: "ecs.g7.16xlarge", Family: "ecs.g7", CPU: 64, MemoryGiB: 256, Arch: cloud.ArchAMD64},
	}
	r := s.newResolver("cn-hangzhou-h")

	types, zones, err := r.Resolve(s.ctx, Constraint{
		Arch: cloud.ArchAMD64, MinCPU: 8, MaxCPU: 16, MinMemoryGiB: 8, MaxMemoryGiB: 64,
	})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), []string{"cn-hangzhou-h"}, zones)

	ids := typeIDs(types)
	assert.Equal(s.T(), []string{"ecs.c7.2xlarge", "ecs.g7.4xlarge"}, ids)
}

func (s *ResolverSuite) TestResolve_CPUBoundsKeepHigherRatioShapes() {
	// A CPU-only constraint must not exclude types whose memory ratio
	// exceeds the architecture default (8c/16g is the common amd64 case).
	s.api.types = []cloud.InstanceType{
		{ID: "ecs.c7.2xlarge", Family: "ecs.c7", CPU: 8, MemoryGiB: 16, Arch: cloud.ArchAMD64},
	}
	r := s.newResolver("cn-hangzhou-h")

	types, _, err := r.Resolve(s.ctx, Constraint{Arch: cloud.ArchAMD64, MinCPU: 8, MaxCPU: 8})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), []string{"ecs.c7.2xlarge"}, typeIDs(types))
}

func (s *ResolverSuite) TestResolve_LocalRefilterDistrustsProvider() {
	// The provider returns a type outside the requested bounds; the local
	// re-check must drop it.
	s.api.types = []cloud.InstanceType{
		{ID: "ecs.c7.8xlarge", Family: "ecs.c7", CPU: 32, MemoryGiB: 64, Arch: cloud.ArchAMD64},
	}
	r := s.newResolver("cn-hangzhou-h")

	types, _, err := r.Resolve(s.ctx, Constraint{Arch: cloud.ArchAMD64, MinCPU: 8, MaxCPU: 16})
	require.NoError(s.T(), err)
	assert.Empty(s.T(), types)
}

func (s *ResolverSuite) TestResolve_ARM64FamilyAllowList() {
	s.api.types = []cloud.InstanceType{
		{ID: "ecs.g8y.2xlarge", Family: "ecs.g8y", CPU: 8, MemoryGiB: 16, Arch: cloud.ArchARM64},
		{ID: "ecs.c8y.2xlarge", Family: "ecs.c8y", CPU: 8, MemoryGiB: 16, Arch: cloud.ArchARM64},
		{ID: "ecs.r8y.2xlarge", Family: "ecs.r8y", CPU: 8, MemoryGiB: 16, Arch: cloud.ArchARM64},
	}
	r := s.newResolver("cn-hangzhou-h")

	types, _, err := r.Resolve(s.ctx, Constraint{Arch: cloud.ArchARM64, MinCPU: 8, MaxCPU: 8, MinMemoryGiB: 16, MaxMemoryGiB: 16})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), []string{"ecs.c8y.2xlarge", "ecs.g8y.2xlarge"}, typeIDs(types))
}

func (s *ResolverSuite) TestResolve_SortedByTypeID() {
	s.api.types = []cloud.InstanceType{
		{ID: "ecs.g7.2xlarge", Family: "ecs.g7", CPU: 8, MemoryGiB: 32, Arch: cloud.ArchAMD64},
		{ID: "ecs.c7.2xlarge", Family: "ecs.c7", CPU: 8, MemoryGiB: 16, Arch: cloud.ArchAMD64},
	}
	r := s.newResolver("cn-hangzhou-h")

	types, _, err := r.Resolve(s.ctx, Constraint{Arch: cloud.ArchAMD64, MinCPU: 8, MaxCPU: 8})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), []string{"ecs.c7.2xlarge", "ecs.g7.2xlarge"}, typeIDs(types))
}

func (s *ResolverSuite) TestResolve_ZonesSorted() {
	s.api.types = []cloud.InstanceType{
		{ID: "ecs.c7.2xlarge", Family: "ecs.c7", CPU: 8, MemoryGiB: 16, Arch: cloud.ArchAMD64},
	}
	r := s.newResolver("cn-hangzhou-k", "cn-hangzhou-h", "cn-hangzhou-i")

	_, zones, err := r.Resolve(s.ctx, Constraint{Arch: cloud.ArchAMD64})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), []string{"cn-hangzhou-h", "cn-hangzhou-i", "cn-hangzhou-k"}, zones)
}

func (s *ResolverSuite) TestResolve_PinnedType() {
	s.api.types = []cloud.InstanceType{
		{ID: "ecs.g7.2xlarge", Family: "ecs.g7", CPU: 8, MemoryGiB: 32, Arch: cloud.ArchAMD64},
	}
	r := s.newResolver("cn-hangzhou-h", "cn-hangzhou-i")

	types, zones, err := r.Resolve(s.ctx, Constraint{InstanceType: "ecs.g7.2xlarge"})
	require.NoError(s.T(), err)
	require.Len(s.T(), types, 1)
	assert.Equal(s.T(), "ecs.g7.2xlarge", types[0].ID)
	assert.Len(s.T(), zones, 2)

	// The lookup must query by ID, not by bounds.
	require.Len(s.T(), s.api.filters, 1)
	assert.Equal(s.T(), "ecs.g7.2xlarge", s.api.filters[0].ID)
}

func (s *ResolverSuite) TestResolve_PinnedIgnoresBounds() {
	s.api.types = []cloud.InstanceType{
		{ID: "ecs.g7.2xlarge", Family: "ecs.g7", CPU: 8, MemoryGiB: 32, Arch: cloud.ArchAMD64},
	}
	r := s.newResolver("cn-hangzhou-h")

	// Bounds that would exclude the pinned type are ignored.
	types, _, err := r.Resolve(s.ctx, Constraint{InstanceType: "ecs.g7.2xlarge", MinCPU: 32, MaxCPU: 64})
	require.NoError(s.T(), err)
	require.Len(s.T(), types, 1)
	assert.Equal(s.T(), "ecs.g7.2xlarge", types[0].ID)
}

func (s *ResolverSuite) TestResolve_PinnedTypeUnknown() {
	r := s.newResolver("cn-hangzhou-h")

	_, _, err := r.Resolve(s.ctx, Constraint{InstanceType: "ecs.bogus.2xlarge"})
	assert.ErrorIs(s.T(), err, ErrInvalidConstraint)
}

func (s *ResolverSuite) TestResolve_CatalogError() {
	s.api.typeErr = errors.New("throttled")
	r := s.newResolver("cn-hangzhou-h")

	_, _, err := r.Resolve(s.ctx, Constraint{Arch: cloud.ArchAMD64})
	assert.ErrorContains(s.T(), err, "throttled")
}

func typeIDs(types []cloud.InstanceType) []string {
	ids := make([]string, len(types))
	for i, t := range types {
		ids[i] = t.ID
	}
	return ids
}
