// Package controller orchestrates one control-side provisioning run:
// resolve constraints, select the cheapest eligible spot offer, create
// the instance, and wait for the runner to come online. Stages run
// sequentially, each blocking on its own network I/O; the only shared
// mutable resource is the instance itself, and the controller guarantees
// exactly one of the two deleters eventually removes it.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/dianplus/cloud-instance-github-runner/internal/advisor"
	"github.com/dianplus/cloud-instance-github-runner/internal/ci"
	"github.com/dianplus/cloud-instance-github-runner/internal/cleanup"
	"github.com/dianplus/cloud-instance-github-runner/internal/constraint"
	"github.com/dianplus/cloud-instance-github-runner/internal/provision"
	"github.com/dianplus/cloud-instance-github-runner/internal/waiter"
)

// Config holds the run parameters that are not owned by a single stage.
type Config struct {
	Constraint   constraint.Constraint
	Payload      provision.Payload
	WaitDeadline time.Duration
	WaitInterval time.Duration
}

// Result is what the invoking workflow sees.
type Result struct {
	InstanceID string
	RunnerName string
	Online     bool
	CPU        int
}

// Controller wires the stages together.
type Controller struct {
	resolver    *constraint.Resolver
	advisor     *advisor.Advisor
	provisioner *provision.Controller
	platform    ci.Platform
	waiter      *waiter.Waiter
	guard       *cleanup.Guard
	outputs     *Outputs
	logger      *slog.Logger

	tracer trace.Tracer
	meter  metric.Meter

	instancesCreated  metric.Int64Counter
	instancesCleaned  metric.Int64Counter
	provisionDuration metric.Float64Histogram
}

// New creates a Controller.
func New(
	resolver *constraint.Resolver,
	adv *advisor.Advisor,
	provisioner *provision.Controller,
	platform ci.Platform,
	w *waiter.Waiter,
	guard *cleanup.Guard,
	outputs *Outputs,
	logger *slog.Logger,
) *Controller {
	c := &Controller{
		resolver:    resolver,
		advisor:     adv,
		provisioner: provisioner,
		platform:    platform,
		waiter:      w,
		guard:       guard,
		outputs:     outputs,
		logger:      logger,
		tracer:      otel.Tracer("runner/controller"),
		meter:       otel.Meter("runner/controller"),
	}

	// Metric creation errors are logged but not fatal.
	var err error
	c.instancesCreated, err = c.meter.Int64Counter(
		"runner.instances.created",
		metric.WithDescription("Total number of spot instances created"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create instancesCreated counter", slog.String("error", err.Error()))
	}

	c.instancesCleaned, err = c.meter.Int64Counter(
		"runner.instances.cleaned",
		metric.WithDescription("Total number of instances removed by the cleanup sweep"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Warn("failed to create instancesCleaned counter", slog.String("error", err.Error()))
	}

	c.provisionDuration, err = c.meter.Float64Histogram(
		"runner.provision.duration",
		metric.WithDescription("Time from selection start to runner online (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(10, 30, 60, 120, 300, 600),
	)
	if err != nil {
		logger.Warn("failed to create provisionDuration histogram", slog.String("error", err.Error()))
	}

	return c
}

// Up runs the full pipeline. Before instance creation every failure is
// terminal with nothing to clean up; after creation the instance id has
// already been emitted as an output and any failure triggers the cleanup
// sweep before the error is returned.
func (c *Controller) Up(ctx context.Context, cfg Config) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "controller.Up")
	defer span.End()

	start := time.Now()

	types, zones, err := c.resolver.Resolve(ctx, cfg.Constraint)
	if err != nil {
		return Result{}, err
	}

	offers, err := c.advisor.Pick(ctx, types, zones)
	if err != nil {
		return Result{}, err
	}

	token, err := c.platform.CreateRegistrationToken(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("registration token: %w", err)
	}
	cfg.Payload.RegistrationToken = token

	runnerName := c.provisioner.RunnerName()
	node, err := c.provisioner.Provision(ctx, offers, runnerName, cfg.Payload)
	if err != nil {
		// No instance exists on a provisioning failure.
		return Result{}, err
	}

	if c.instancesCreated != nil {
		c.instancesCreated.Add(ctx, 1, metric.WithAttributes(
			attribute.String("instance_type", node.InstanceType),
			attribute.String("zone", node.ZoneID),
		))
	}
	span.SetAttributes(
		attribute.String("runner.instance_id", node.InstanceID),
		attribute.String("runner.name", node.RunnerName),
	)

	// Emit the identifying outputs the moment they exist: losing the
	// instance id on a later failure is the one unrecoverable outcome.
	result := Result{InstanceID: node.InstanceID, RunnerName: node.RunnerName, CPU: node.CPU}
	c.emit("instance_id", node.InstanceID)
	c.emit("runner_name", node.RunnerName)
	c.emit("cpu_cores", strconv.Itoa(node.CPU))

	outcome, err := c.waiter.Wait(ctx, node.RunnerName, cfg.WaitDeadline, cfg.WaitInterval)
	result.Online = outcome.Online
	c.emit("online", strconv.FormatBool(outcome.Online))

	if c.provisionDuration != nil {
		c.provisionDuration.Record(ctx, time.Since(start).Seconds())
	}

	if err != nil {
		// A node exists; sweep it before surfacing the failure. Cleanup
		// runs on a detached context so cancellation of the run cannot
		// strand the instance.
		c.logger.Error("registration wait failed, sweeping instance",
			slog.String("instance_id", node.InstanceID),
			slog.String("error", err.Error()),
		)
		sweepCtx := context.WithoutCancel(ctx)
		if sweepErr := c.guard.Sweep(sweepCtx, node.InstanceID); sweepErr != nil {
			c.logger.Error("cleanup sweep failed, manual intervention required",
				slog.String("instance_id", node.InstanceID),
				slog.String("runner", node.RunnerName),
				slog.String("error", sweepErr.Error()),
			)
		} else if c.instancesCleaned != nil {
			c.instancesCleaned.Add(sweepCtx, 1)
		}
		return result, err
	}

	c.logger.Info("runner provisioned and online",
		slog.String("instance_id", node.InstanceID),
		slog.String("runner", node.RunnerName),
		slog.Int("cpu", node.CPU),
		slog.Duration("elapsed", outcome.Elapsed),
	)
	return result, nil
}

func (c *Controller) emit(key, value string) {
	if err := c.outputs.Set(key, value); err != nil {
		c.logger.Warn("failed to emit output",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}
