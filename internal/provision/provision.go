// Package provision turns a selected spot offer into a running instance
// carrying the bootstrap payload. Creation happens at most once per run;
// on success the caller owns the returned Node and must guarantee its
// eventual deletion through exactly one of the teardown paths.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dianplus/cloud-instance-github-runner/internal/advisor"
	"github.com/dianplus/cloud-instance-github-runner/internal/cloud"
)

// ErrProvisionFailed is returned when every creation attempt was rejected
// by the provider. No instance exists when this is returned: the run is
// terminal and there is nothing to clean up.
var ErrProvisionFailed = errors.New("instance provisioning failed")

// defaultDiskCategories is tried in order until the provider accepts one.
var defaultDiskCategories = []string{"cloud_essd", "cloud_ssd", "cloud_efficiency"}

// tagRunnerType marks instances created by this system so stray nodes can
// be found by an operator.
const tagRunnerType = "GITHUB_RUNNER_TYPE"

// Config holds the static creation parameters that do not depend on the
// selected offer.
type Config struct {
	SecurityGroupID string
	ImageID         string
	KeyPairName     string
	NamePrefix      string

	// SelfDestructRole is the RAM role bound to the instance so the
	// node-side teardown can authenticate without embedded secrets.
	// Optional; when empty, only the control-side cleanup can delete.
	SelfDestructRole string

	// DiskCategories is the system disk fallback ladder, tried in order.
	// Defaults to cloud_essd, cloud_ssd, cloud_efficiency.
	DiskCategories []string
}

// Node is a created instance handle.
type Node struct {
	InstanceID   string
	RunnerName   string
	CPU          int
	ZoneID       string
	InstanceType string
}

// Controller creates instances from offers.
type Controller struct {
	api    cloud.API
	cfg    Config
	logger *slog.Logger
	tracer trace.Tracer

	newSuffix func() string
}

// New creates a Controller.
func New(api cloud.API, cfg Config, logger *slog.Logger) *Controller {
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = "gh-runner"
	}
	if len(cfg.DiskCategories) == 0 {
		cfg.DiskCategories = defaultDiskCategories
	}
	return &Controller{
		api:    api,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer("runner/provision"),
		newSuffix: func() string {
			return strings.Split(uuid.NewString(), "-")[0]
		},
	}
}

// RunnerName generates a collision-resistant runner and instance name:
// prefix, creation timestamp, random suffix.
func (c *Controller) RunnerName() string {
	return fmt.Sprintf("%s-%s-%s", c.cfg.NamePrefix, time.Now().UTC().Format("20060102-150405"), c.newSuffix())
}

// Provision creates one instance from the best offer that the provider
// accepts. Offers are tried best-first; within each offer, disk
// categories fall back from cloud_essd to cloud_ssd to cloud_efficiency
// when the provider rejects the category. When every combination fails,
// ErrProvisionFailed wraps the last rejection.
func (c *Controller) Provision(ctx context.Context, offers []advisor.Offer, runnerName string, payload Payload) (Node, error) {
	ctx, span := c.tracer.Start(ctx, "provision.Provision")
	defer span.End()

	span.SetAttributes(
		attribute.String("runner.name", runnerName),
		attribute.Int("provision.offers", len(offers)),
	)

	payload.RunnerName = runnerName
	userData, err := EncodeUserData(payload)
	if err != nil {
		return Node{}, err
	}

	var lastErr error
	for i, offer := range offers {
		for _, disk := range c.cfg.DiskCategories {
			instance, err := c.api.RunInstance(ctx, cloud.RunRequest{
				InstanceType:    offer.Type.ID,
				ZoneID:          offer.ZoneID,
				VSwitchID:       offer.VSwitchID,
				SecurityGroupID: c.cfg.SecurityGroupID,
				ImageID:         c.cfg.ImageID,
				InstanceName:    runnerName,
				KeyPairName:     c.cfg.KeyPairName,
				RAMRole:         c.cfg.SelfDestructRole,
				SpotPriceLimit:  offer.PriceLimit,
				DiskCategory:    disk,
				UserData:        userData,
				Tags:            map[string]string{tagRunnerType: "aliyun-ecs-spot"},
			})
			if err == nil {
				span.SetAttributes(
					attribute.String("aliyun.instance_id", instance.ID),
					attribute.String("aliyun.instance_type", offer.Type.ID),
				)
				c.logger.Info("instance provisioned",
					slog.String("instance_id", instance.ID),
					slog.String("runner", runnerName),
					slog.String("type", offer.Type.ID),
					slog.String("zone", offer.ZoneID),
					slog.Int("offer_attempt", i+1),
				)
				return Node{
					InstanceID:   instance.ID,
					RunnerName:   runnerName,
					CPU:          offer.Type.CPU,
					ZoneID:       offer.ZoneID,
					InstanceType: offer.Type.ID,
				}, nil
			}

			lastErr = err
			if isDiskCategoryError(err) {
				c.logger.Warn("disk category rejected, trying next",
					slog.String("type", offer.Type.ID),
					slog.String("zone", offer.ZoneID),
					slog.String("disk_category", disk),
				)
				continue
			}

			// Any other rejection: the offer itself is bad (capacity moved,
			// price spiked); move on to the next offer.
			c.logger.Warn("offer rejected by provider",
				slog.String("type", offer.Type.ID),
				slog.String("zone", offer.ZoneID),
				slog.String("error", err.Error()),
			)
			break
		}
	}

	span.AddEvent("all offers exhausted")
	return Node{}, fmt.Errorf("%w: %d offers exhausted: %v", ErrProvisionFailed, len(offers), lastErr)
}

// isDiskCategoryError reports whether the provider rejected the request
// because of the system disk category.
func isDiskCategoryError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "InvalidSystemDiskCategory") ||
		strings.Contains(strings.ToLower(msg), "not support")
}
