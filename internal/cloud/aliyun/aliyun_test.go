package aliyun

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	sdkerrors "github.com/aliyun/alibaba-cloud-sdk-go/sdk/errors"
	"github.com/aliyun/alibaba-cloud-sdk-go/services/ecs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/dianplus/cloud-instance-github-runner/internal/cloud"
)

// ---------------------------------------------------------------------------
// Mock ECS API
// ---------------------------------------------------------------------------

// mockECS answers each SDK call from a canned JSON body, which keeps the
// fixtures independent of the SDK's generated nested struct names.
type mockECS struct {
	instanceTypesJSON     string
	availableResourceJSON string
	spotPriceJSON         string
	imageFamilyJSON       string
	runInstancesJSON      string
	describeInstancesJSON string

	instanceTypesErr     error
	availableResourceErr error
	spotPriceErr         error
	imageFamilyErr       error
	runInstancesErr      error
	describeInstancesErr error
	deleteErr            error

	deleteCalls   int
	lastRun       *ecs.RunInstancesRequest
	lastTypeQuery *ecs.DescribeInstanceTypesRequest
}

func decode[T any](t string) *T {
	v := new(T)
	if t != "" {
		_ = json.Unmarshal([]byte(t), v)
	}
	return v
}

func (m *mockECS) DescribeInstanceTypes(req *ecs.DescribeInstanceTypesRequest) (*ecs.DescribeInstanceTypesResponse, error) {
	m.lastTypeQuery = req
	if m.instanceTypesErr != nil {
		return nil, m.instanceTypesErr
	}
	return decode[ecs.DescribeInstanceTypesResponse](m.instanceTypesJSON), nil
}

func (m *mockECS) DescribeAvailableResource(*ecs.DescribeAvailableResourceRequest) (*ecs.DescribeAvailableResourceResponse, error) {
	if m.availableResourceErr != nil {
		return nil, m.availableResourceErr
	}
	return decode[ecs.DescribeAvailableResourceResponse](m.availableResourceJSON), nil
}

func (m *mockECS) DescribeSpotPriceHistory(*ecs.DescribeSpotPriceHistoryRequest) (*ecs.DescribeSpotPriceHistoryResponse, error) {
	if m.spotPriceErr != nil {
		return nil, m.spotPriceErr
	}
	return decode[ecs.DescribeSpotPriceHistoryResponse](m.spotPriceJSON), nil
}

func (m *mockECS) DescribeImageFromFamily(*ecs.DescribeImageFromFamilyRequest) (*ecs.DescribeImageFromFamilyResponse, error) {
	if m.imageFamilyErr != nil {
		return nil, m.imageFamilyErr
	}
	return decode[ecs.DescribeImageFromFamilyResponse](m.imageFamilyJSON), nil
}

func (m *mockECS) RunInstances(req *ecs.RunInstancesRequest) (*ecs.RunInstancesResponse, error) {
	m.lastRun = req
	if m.runInstancesErr != nil {
		return nil, m.runInstancesErr
	}
	return decode[ecs.RunInstancesResponse](m.runInstancesJSON), nil
}

func (m *mockECS) DescribeInstances(*ecs.DescribeInstancesRequest) (*ecs.DescribeInstancesResponse, error) {
	if m.describeInstancesErr != nil {
		return nil, m.describeInstancesErr
	}
	return decode[ecs.DescribeInstancesResponse](m.describeInstancesJSON), nil
}

func (m *mockECS) DeleteInstance(*ecs.DeleteInstanceRequest) (*ecs.DeleteInstanceResponse, error) {
	m.deleteCalls++
	if m.deleteErr != nil {
		return nil, m.deleteErr
	}
	return &ecs.DeleteInstanceResponse{}, nil
}

func notFoundErr(code string) error {
	return sdkerrors.NewServerError(404, `{"Code":"`+code+`","Message":"The specified InstanceId does not exist."}`, "")
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type AliyunSuite struct {
	suite.Suite
	ctx    context.Context
	ecs    *mockECS
	client *Client
}

func (s *AliyunSuite) SetupTest() {
	s.ctx = context.Background()
	s.ecs = &mockECS{}
	s.client = newClient(s.ecs, "cn-hangzhou", slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAliyunSuite(t *testing.T) {
	suite.Run(t, new(AliyunSuite))
}

// ---------------------------------------------------------------------------
// InstanceTypes
// ---------------------------------------------------------------------------

func (s *AliyunSuite) TestInstanceTypes_MapsFields() {
	s.ecs.instanceTypesJSON = `{"InstanceTypes":{"InstanceType":[
		{"InstanceTypeId":"ecs.c7.2xlarge","InstanceTypeFamily":"ecs.c7","CpuCoreCount":8,"MemorySize":16,"CpuArchitecture":"X86"},
		{"InstanceTypeId":"ecs.g8y.2xlarge","InstanceTypeFamily":"ecs.g8y","CpuCoreCount":8,"MemorySize":32,"CpuArchitecture":"ARM"}
	]}}`

	types, err := s.client.InstanceTypes(s.ctx, cloud.TypeFilter{Arch: cloud.ArchAMD64, MinCPU: 8, MaxCPU: 16})
	require.NoError(s.T(), err)
	require.Len(s.T(), types, 2)

	assert.Equal(s.T(), "ecs.c7.2xlarge", types[0].ID)
	assert.Equal(s.T(), "ecs.c7", types[0].Family)
	assert.Equal(s.T(), 8, types[0].CPU)
	assert.Equal(s.T(), 16.0, types[0].MemoryGiB)
	assert.Equal(s.T(), cloud.ArchAMD64, types[0].Arch)
	assert.Equal(s.T(), cloud.ArchARM64, types[1].Arch)

	assert.Equal(s.T(), "X86", s.ecs.lastTypeQuery.CpuArchitecture)
}

func (s *AliyunSuite) TestInstanceTypes_PinnedLookup() {
	s.ecs.instanceTypesJSON = `{"InstanceTypes":{"InstanceType":[
		{"InstanceTypeId":"ecs.g7.2xlarge","InstanceTypeFamily":"ecs.g7","CpuCoreCount":8,"MemorySize":32,"CpuArchitecture":"X86"}
	]}}`

	types, err := s.client.InstanceTypes(s.ctx, cloud.TypeFilter{ID: "ecs.g7.2xlarge"})
	require.NoError(s.T(), err)
	require.Len(s.T(), types, 1)

	require.NotNil(s.T(), s.ecs.lastTypeQuery.InstanceTypes)
	assert.Equal(s.T(), []string{"ecs.g7.2xlarge"}, *s.ecs.lastTypeQuery.InstanceTypes)
	// Bounds are not sent on a pinned lookup.
	assert.Empty(s.T(), s.ecs.lastTypeQuery.CpuArchitecture)
}

// ---------------------------------------------------------------------------
// CapacityAvailable
// ---------------------------------------------------------------------------

const withStockJSON = `{"AvailableZones":{"AvailableZone":[
	{"ZoneId":"cn-hangzhou-h","StatusCategory":"WithStock","AvailableResources":{"AvailableResource":[
		{"Type":"InstanceType","SupportedResources":{"SupportedResource":[
			{"Value":"ecs.c7.2xlarge","Status":"Available"}
		]}}
	]}}
]}}`

func (s *AliyunSuite) TestCapacityAvailable_WithStock() {
	s.ecs.availableResourceJSON = withStockJSON

	ok, err := s.client.CapacityAvailable(s.ctx, "cn-hangzhou-h", "ecs.c7.2xlarge")
	require.NoError(s.T(), err)
	assert.True(s.T(), ok)
}

func (s *AliyunSuite) TestCapacityAvailable_WithoutStock() {
	s.ecs.availableResourceJSON = `{"AvailableZones":{"AvailableZone":[
		{"ZoneId":"cn-hangzhou-h","StatusCategory":"WithoutStock"}
	]}}`

	ok, err := s.client.CapacityAvailable(s.ctx, "cn-hangzhou-h", "ecs.c7.2xlarge")
	require.NoError(s.T(), err)
	assert.False(s.T(), ok)
}

func (s *AliyunSuite) TestCapacityAvailable_ZoneAbsent() {
	s.ecs.availableResourceJSON = `{"AvailableZones":{"AvailableZone":[]}}`

	ok, err := s.client.CapacityAvailable(s.ctx, "cn-hangzhou-h", "ecs.c7.2xlarge")
	require.NoError(s.T(), err)
	assert.False(s.T(), ok)
}

// ---------------------------------------------------------------------------
// SpotPrice
// ---------------------------------------------------------------------------

func (s *AliyunSuite) TestSpotPrice_LatestEntry() {
	s.ecs.spotPriceJSON = `{"SpotPrices":{"SpotPriceType":[
		{"SpotPrice":0.9,"Timestamp":"2026-08-29T00:00:00Z"},
		{"SpotPrice":0.5,"Timestamp":"2026-08-30T00:00:00Z"}
	]}}`

	price, err := s.client.SpotPrice(s.ctx, "cn-hangzhou-h", "ecs.c7.2xlarge")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 0.5, price)
}

func (s *AliyunSuite) TestSpotPrice_NoHistory() {
	s.ecs.spotPriceJSON = `{"SpotPrices":{"SpotPriceType":[]}}`

	_, err := s.client.SpotPrice(s.ctx, "cn-hangzhou-h", "ecs.c7.2xlarge")
	assert.ErrorContains(s.T(), err, "no spot price history")
}

// ---------------------------------------------------------------------------
// ResolveImage
// ---------------------------------------------------------------------------

func (s *AliyunSuite) TestResolveImage() {
	s.ecs.imageFamilyJSON = `{"Image":{"ImageId":"m-abc123"}}`

	id, err := s.client.ResolveImage(s.ctx, "acs:ubuntu_22_04_x64")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "m-abc123", id)
}

func (s *AliyunSuite) TestResolveImage_EmptyFamily() {
	s.ecs.imageFamilyJSON = `{"Image":{"ImageId":""}}`

	_, err := s.client.ResolveImage(s.ctx, "acs:empty")
	assert.ErrorContains(s.T(), err, "no images")
}

// ---------------------------------------------------------------------------
// RunInstance
// ---------------------------------------------------------------------------

func (s *AliyunSuite) TestRunInstance_BuildsSpotRequest() {
	s.ecs.runInstancesJSON = `{"InstanceIdSets":{"InstanceIdSet":["i-abc123"]}}`

	inst, err := s.client.RunInstance(s.ctx, cloud.RunRequest{
		InstanceType:    "ecs.c7.2xlarge",
		ZoneID:          "cn-hangzhou-h",
		VSwitchID:       "vsw-h",
		SecurityGroupID: "sg-1",
		ImageID:         "m-abc123",
		InstanceName:    "gh-runner-test",
		KeyPairName:     "ops",
		RAMRole:         "runner-self-destruct",
		SpotPriceLimit:  0.60,
		DiskCategory:    "cloud_essd",
		UserData:        "IyEvYmluL2Jhc2g=",
		Tags:            map[string]string{"GITHUB_RUNNER_TYPE": "aliyun-ecs-spot"},
	})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "i-abc123", inst.ID)
	assert.Equal(s.T(), "cn-hangzhou-h", inst.ZoneID)

	r := s.ecs.lastRun
	require.NotNil(s.T(), r)
	assert.Equal(s.T(), "PostPaid", r.InstanceChargeType)
	assert.Equal(s.T(), "Deactive", r.SecurityEnhancementStrategy)
	assert.Equal(s.T(), "SpotWithPriceLimit", r.SpotStrategy)
	assert.Equal(s.T(), "cloud_essd", r.SystemDiskCategory)
	assert.Equal(s.T(), "runner-self-destruct", r.RamRoleName)
	assert.Equal(s.T(), "IyEvYmluL2Jhc2g=", r.UserData)
	require.NotNil(s.T(), r.Tag)
	require.Len(s.T(), *r.Tag, 1)
	assert.Equal(s.T(), "GITHUB_RUNNER_TYPE", (*r.Tag)[0].Key)
}

func (s *AliyunSuite) TestRunInstance_NoPriceLimitMeansAsPriceGo() {
	s.ecs.runInstancesJSON = `{"InstanceIdSets":{"InstanceIdSet":["i-abc123"]}}`

	_, err := s.client.RunInstance(s.ctx, cloud.RunRequest{InstanceName: "n", ZoneID: "z"})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "SpotAsPriceGo", s.ecs.lastRun.SpotStrategy)
}

func (s *AliyunSuite) TestRunInstance_EmptyResponse() {
	s.ecs.runInstancesJSON = `{"InstanceIdSets":{"InstanceIdSet":[]}}`

	_, err := s.client.RunInstance(s.ctx, cloud.RunRequest{InstanceName: "n"})
	assert.ErrorContains(s.T(), err, "no instance id")
}

func (s *AliyunSuite) TestRunInstance_SDKError() {
	s.ecs.runInstancesErr = errors.New("InvalidSystemDiskCategory.ValueNotSupported")

	_, err := s.client.RunInstance(s.ctx, cloud.RunRequest{InstanceName: "n"})
	assert.ErrorContains(s.T(), err, "InvalidSystemDiskCategory")
}

// ---------------------------------------------------------------------------
// InstanceStatus
// ---------------------------------------------------------------------------

func (s *AliyunSuite) TestInstanceStatus_Running() {
	s.ecs.describeInstancesJSON = `{"Instances":{"Instance":[{"InstanceId":"i-abc","Status":"Running"}]}}`

	state, err := s.client.InstanceStatus(s.ctx, "i-abc")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), cloud.StateRunning, state)
}

func (s *AliyunSuite) TestInstanceStatus_MissingIsGone() {
	s.ecs.describeInstancesJSON = `{"Instances":{"Instance":[]}}`

	state, err := s.client.InstanceStatus(s.ctx, "i-abc")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), cloud.StateGone, state)
}

func (s *AliyunSuite) TestInstanceStatus_NotFoundErrorIsGone() {
	s.ecs.describeInstancesErr = notFoundErr("InvalidInstanceId.NotFound")

	state, err := s.client.InstanceStatus(s.ctx, "i-abc")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), cloud.StateGone, state)
}

// ---------------------------------------------------------------------------
// DeleteInstance
// ---------------------------------------------------------------------------

func (s *AliyunSuite) TestDeleteInstance_Success() {
	err := s.client.DeleteInstance(s.ctx, "i-abc")
	require.NoError(s.T(), err)
	assert.Equal(s.T(), 1, s.ecs.deleteCalls)
}

func (s *AliyunSuite) TestDeleteInstance_AlreadyGoneIsSuccess() {
	s.ecs.deleteErr = notFoundErr("InvalidInstanceId.NotFound")

	err := s.client.DeleteInstance(s.ctx, "i-abc")
	assert.NoError(s.T(), err)
}

func (s *AliyunSuite) TestDeleteInstance_PluralNotFoundCode() {
	s.ecs.deleteErr = notFoundErr("InvalidInstanceIds.NotFound")

	err := s.client.DeleteInstance(s.ctx, "i-abc")
	assert.NoError(s.T(), err)
}

func (s *AliyunSuite) TestDeleteInstance_OtherErrorSurfaces() {
	s.ecs.deleteErr = errors.New("RequestThrottled")

	err := s.client.DeleteInstance(s.ctx, "i-abc")
	assert.ErrorContains(s.T(), err, "RequestThrottled")
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func TestInstanceIDsJSON(t *testing.T) {
	assert.Equal(t, `["i-a"]`, instanceIDsJSON("i-a"))
	assert.Equal(t, `["i-a","i-b"]`, instanceIDsJSON("i-a", "i-b"))
}
