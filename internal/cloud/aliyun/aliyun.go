// Package aliyun implements the cloud.API interface against Alibaba Cloud
// ECS. The control side authenticates with an access key pair; node-side
// teardown authenticates with temporary STS credentials obtained from the
// instance metadata endpoint (see NewWithSTSToken).
package aliyun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	sdkerrors "github.com/aliyun/alibaba-cloud-sdk-go/sdk/errors"
	"github.com/aliyun/alibaba-cloud-sdk-go/sdk/requests"
	"github.com/aliyun/alibaba-cloud-sdk-go/services/ecs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dianplus/cloud-instance-github-runner/internal/cloud"
)

// ecsAPI is the slice of the ECS SDK client this package uses. The real
// *ecs.Client satisfies it; tests inject a mock.
type ecsAPI interface {
	DescribeInstanceTypes(request *ecs.DescribeInstanceTypesRequest) (*ecs.DescribeInstanceTypesResponse, error)
	DescribeAvailableResource(request *ecs.DescribeAvailableResourceRequest) (*ecs.DescribeAvailableResourceResponse, error)
	DescribeSpotPriceHistory(request *ecs.DescribeSpotPriceHistoryRequest) (*ecs.DescribeSpotPriceHistoryResponse, error)
	DescribeImageFromFamily(request *ecs.DescribeImageFromFamilyRequest) (*ecs.DescribeImageFromFamilyResponse, error)
	RunInstances(request *ecs.RunInstancesRequest) (*ecs.RunInstancesResponse, error)
	DescribeInstances(request *ecs.DescribeInstancesRequest) (*ecs.DescribeInstancesResponse, error)
	DeleteInstance(request *ecs.DeleteInstanceRequest) (*ecs.DeleteInstanceResponse, error)
}

// Client implements cloud.API on top of the Alibaba Cloud ECS SDK.
type Client struct {
	api    ecsAPI
	region string
	logger *slog.Logger

	tracer trace.Tracer
}

// Compile-time check that Client satisfies the cloud.API interface.
var _ cloud.API = (*Client)(nil)

// New creates an ECS-backed client using a long-lived access key pair.
func New(region, accessKeyID, accessKeySecret string, logger *slog.Logger) (*Client, error) {
	api, err := ecs.NewClientWithAccessKey(region, accessKeyID, accessKeySecret)
	if err != nil {
		return nil, fmt.Errorf("ecs client: %w", err)
	}
	return newClient(api, region, logger), nil
}

// NewWithSTSToken creates an ECS-backed client from temporary security
// credentials. This is the node-side path: the credentials come from the
// instance metadata endpoint and never leave the node.
func NewWithSTSToken(region, accessKeyID, accessKeySecret, securityToken string, logger *slog.Logger) (*Client, error) {
	api, err := ecs.NewClientWithStsToken(region, accessKeyID, accessKeySecret, securityToken)
	if err != nil {
		return nil, fmt.Errorf("ecs sts client: %w", err)
	}
	return newClient(api, region, logger), nil
}

func newClient(api ecsAPI, region string, logger *slog.Logger) *Client {
	return &Client{
		api:    api,
		region: region,
		logger: logger,
		tracer: otel.Tracer("runner/cloud/aliyun"),
	}
}

// InstanceTypes queries instance types matching the filter. When filter.ID
// is set only that exact type is looked up.
func (c *Client) InstanceTypes(ctx context.Context, filter cloud.TypeFilter) ([]cloud.InstanceType, error) {
	_, span := c.tracer.Start(ctx, "cloud.aliyun.InstanceTypes")
	defer span.End()

	req := ecs.CreateDescribeInstanceTypesRequest()
	if filter.ID != "" {
		req.InstanceTypes = &[]string{filter.ID}
	} else {
		req.CpuArchitecture = cpuArchitecture(filter.Arch)
		if filter.MinCPU > 0 {
			req.MinimumCpuCoreCount = requests.NewInteger(filter.MinCPU)
		}
		if filter.MaxCPU > 0 {
			req.MaximumCpuCoreCount = requests.NewInteger(filter.MaxCPU)
		}
		if filter.MinMemoryGiB > 0 {
			req.MinimumMemorySize = requests.NewFloat(filter.MinMemoryGiB)
		}
		if filter.MaxMemoryGiB > 0 {
			req.MaximumMemorySize = requests.NewFloat(filter.MaxMemoryGiB)
		}
	}

	resp, err := c.api.DescribeInstanceTypes(req)
	if err != nil {
		return nil, fmt.Errorf("describe instance types: %w", err)
	}

	var types []cloud.InstanceType
	for _, t := range resp.InstanceTypes.InstanceType {
		types = append(types, cloud.InstanceType{
			ID:        t.InstanceTypeId,
			Family:    t.InstanceTypeFamily,
			CPU:       t.CpuCoreCount,
			MemoryGiB: t.MemorySize,
			Arch:      archFromCPUArchitecture(t.CpuArchitecture),
		})
	}

	span.SetAttributes(attribute.Int("aliyun.instance_types", len(types)))
	return types, nil
}

// CapacityAvailable reports whether spot stock exists for the type in the
// zone right now.
func (c *Client) CapacityAvailable(ctx context.Context, zoneID, instanceType string) (bool, error) {
	_, span := c.tracer.Start(ctx, "cloud.aliyun.CapacityAvailable")
	defer span.End()

	span.SetAttributes(
		attribute.String("aliyun.zone", zoneID),
		attribute.String("aliyun.instance_type", instanceType),
	)

	req := ecs.CreateDescribeAvailableResourceRequest()
	req.RegionId = c.region
	req.ZoneId = zoneID
	req.InstanceType = instanceType
	req.DestinationResource = "InstanceType"
	req.InstanceChargeType = "PostPaid"
	req.SpotStrategy = "SpotAsPriceGo"

	resp, err := c.api.DescribeAvailableResource(req)
	if err != nil {
		return false, fmt.Errorf("describe available resource %s/%s: %w", zoneID, instanceType, err)
	}

	for _, zone := range resp.AvailableZones.AvailableZone {
		if zone.ZoneId != zoneID {
			continue
		}
		if zone.StatusCategory != "WithStock" {
			return false, nil
		}
		for _, res := range zone.AvailableResources.AvailableResource {
			for _, sup := range res.SupportedResources.SupportedResource {
				if sup.Value == instanceType && sup.Status == "Available" {
					return true, nil
				}
			}
		}
	}
	return false, nil
}

// SpotPrice returns the most recent spot price per hour for the type in
// the zone.
func (c *Client) SpotPrice(ctx context.Context, zoneID, instanceType string) (float64, error) {
	_, span := c.tracer.Start(ctx, "cloud.aliyun.SpotPrice")
	defer span.End()

	req := ecs.CreateDescribeSpotPriceHistoryRequest()
	req.RegionId = c.region
	req.ZoneId = zoneID
	req.InstanceType = instanceType
	req.NetworkType = "vpc"
	req.OSType = "linux"

	resp, err := c.api.DescribeSpotPriceHistory(req)
	if err != nil {
		return 0, fmt.Errorf("describe spot price %s/%s: %w", zoneID, instanceType, err)
	}

	prices := resp.SpotPrices.SpotPriceType
	if len(prices) == 0 {
		return 0, fmt.Errorf("no spot price history for %s in %s", instanceType, zoneID)
	}

	// Entries are ordered oldest first; the last one is current.
	latest := prices[len(prices)-1]
	span.SetAttributes(attribute.Float64("aliyun.spot_price", float64(latest.SpotPrice)))
	return float64(latest.SpotPrice), nil
}

// ResolveImage resolves an image family name to the latest image ID in
// that family.
func (c *Client) ResolveImage(ctx context.Context, family string) (string, error) {
	_, span := c.tracer.Start(ctx, "cloud.aliyun.ResolveImage")
	defer span.End()

	req := ecs.CreateDescribeImageFromFamilyRequest()
	req.RegionId = c.region
	req.ImageFamily = family

	resp, err := c.api.DescribeImageFromFamily(req)
	if err != nil {
		return "", fmt.Errorf("describe image from family %s: %w", family, err)
	}
	if resp.Image.ImageId == "" {
		return "", fmt.Errorf("image family %s has no images", family)
	}

	c.logger.Info("resolved image family",
		slog.String("family", family),
		slog.String("image", resp.Image.ImageId),
	)
	return resp.Image.ImageId, nil
}

// RunInstance creates one spot instance per the request. The instance
// charge type is always PostPaid and the security enhancement strategy is
// deactivated to keep first boot fast.
func (c *Client) RunInstance(ctx context.Context, req cloud.RunRequest) (cloud.Instance, error) {
	_, span := c.tracer.Start(ctx, "cloud.aliyun.RunInstance")
	defer span.End()

	span.SetAttributes(
		attribute.String("aliyun.instance_type", req.InstanceType),
		attribute.String("aliyun.zone", req.ZoneID),
		attribute.String("aliyun.instance_name", req.InstanceName),
	)

	r := ecs.CreateRunInstancesRequest()
	r.RegionId = c.region
	r.ImageId = req.ImageID
	r.InstanceType = req.InstanceType
	r.SecurityGroupId = req.SecurityGroupID
	r.VSwitchId = req.VSwitchID
	r.InstanceName = req.InstanceName
	r.InstanceChargeType = "PostPaid"
	r.SecurityEnhancementStrategy = "Deactive"
	r.SystemDiskCategory = req.DiskCategory
	if req.KeyPairName != "" {
		r.KeyPairName = req.KeyPairName
	}
	if req.RAMRole != "" {
		r.RamRoleName = req.RAMRole
	}
	if req.SpotPriceLimit > 0 {
		r.SpotStrategy = "SpotWithPriceLimit"
		r.SpotPriceLimit = requests.NewFloat(req.SpotPriceLimit)
	} else {
		r.SpotStrategy = "SpotAsPriceGo"
	}
	if req.UserData != "" {
		r.UserData = req.UserData
	}

	var tags []ecs.RunInstancesTag
	for k, v := range req.Tags {
		tags = append(tags, ecs.RunInstancesTag{Key: k, Value: v})
	}
	if len(tags) > 0 {
		r.Tag = &tags
	}

	c.logger.Info("creating spot instance",
		slog.String("name", req.InstanceName),
		slog.String("type", req.InstanceType),
		slog.String("zone", req.ZoneID),
		slog.String("disk_category", req.DiskCategory),
	)

	resp, err := c.api.RunInstances(r)
	if err != nil {
		return cloud.Instance{}, fmt.Errorf("run instances %s: %w", req.InstanceName, err)
	}

	ids := resp.InstanceIdSets.InstanceIdSet
	if len(ids) == 0 || ids[0] == "" {
		return cloud.Instance{}, fmt.Errorf("run instances %s: response contained no instance id", req.InstanceName)
	}

	span.SetAttributes(attribute.String("aliyun.instance_id", ids[0]))

	c.logger.Info("spot instance created",
		slog.String("name", req.InstanceName),
		slog.String("instance_id", ids[0]),
		slog.String("zone", req.ZoneID),
	)

	return cloud.Instance{ID: ids[0], ZoneID: req.ZoneID}, nil
}

// InstanceStatus returns the coarse state of the instance. A missing
// instance is StateGone, not an error.
func (c *Client) InstanceStatus(ctx context.Context, instanceID string) (cloud.InstanceState, error) {
	_, span := c.tracer.Start(ctx, "cloud.aliyun.InstanceStatus")
	defer span.End()

	req := ecs.CreateDescribeInstancesRequest()
	req.RegionId = c.region
	req.InstanceIds = instanceIDsJSON(instanceID)

	resp, err := c.api.DescribeInstances(req)
	if err != nil {
		if isNotFound(err) {
			return cloud.StateGone, nil
		}
		return cloud.StateOther, fmt.Errorf("describe instance %s: %w", instanceID, err)
	}

	if len(resp.Instances.Instance) == 0 {
		return cloud.StateGone, nil
	}

	switch resp.Instances.Instance[0].Status {
	case "Running":
		return cloud.StateRunning, nil
	case "Stopped":
		return cloud.StateStopped, nil
	default:
		return cloud.StateOther, nil
	}
}

// DeleteInstance force-deletes the instance. It is idempotent -- deleting
// an already-released instance is not an error.
func (c *Client) DeleteInstance(ctx context.Context, instanceID string) error {
	_, span := c.tracer.Start(ctx, "cloud.aliyun.DeleteInstance")
	defer span.End()

	span.SetAttributes(attribute.String("aliyun.instance_id", instanceID))

	c.logger.Info("deleting instance", slog.String("instance_id", instanceID))

	req := ecs.CreateDeleteInstanceRequest()
	req.InstanceId = instanceID
	req.Force = requests.NewBoolean(true)

	if _, err := c.api.DeleteInstance(req); err != nil {
		// Treat "not found" as success -- the instance is already gone.
		// Both the node-side self-destruct and the control-side cleanup
		// sweep may race to this call.
		if isNotFound(err) {
			span.AddEvent("instance already deleted (idempotent)")
			c.logger.Info("instance already deleted", slog.String("instance_id", instanceID))
			return nil
		}
		return fmt.Errorf("delete instance %s: %w", instanceID, err)
	}

	c.logger.Info("instance deleted", slog.String("instance_id", instanceID))
	return nil
}

// instanceIDsJSON renders the JSON-array form DescribeInstances expects.
func instanceIDsJSON(ids ...string) string {
	quoted := make([]string, len(ids))
	for i, id := range ids {
		quoted[i] = strconv.Quote(id)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}

func cpuArchitecture(arch cloud.Arch) string {
	switch arch {
	case cloud.ArchARM64:
		return "ARM"
	default:
		return "X86"
	}
}

func archFromCPUArchitecture(s string) cloud.Arch {
	if strings.EqualFold(s, "ARM") {
		return cloud.ArchARM64
	}
	return cloud.ArchAMD64
}

// isNotFound reports whether err is a "not found" style error from the
// ECS API.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var serverErr *sdkerrors.ServerError
	if errors.As(err, &serverErr) {
		switch serverErr.ErrorCode() {
		case "InvalidInstanceId.NotFound", "InvalidInstanceIds.NotFound", "Forbidden.InstanceNotFound":
			return true
		}
	}
	// The SDK does not always surface typed errors; fall back to the code
	// string appearing in the message.
	msg := err.Error()
	return strings.Contains(msg, "InvalidInstanceId.NotFound") ||
		strings.Contains(msg, "InvalidInstanceIds.NotFound")
}
