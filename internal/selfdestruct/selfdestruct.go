// Package selfdestruct deletes the instance it runs on. Two independent
// triggers converge here: the post-job hook fired by the runner runtime,
// and the supervisory watch loop that notices the runner service has
// stopped. Both may race; teardown is idempotent so the second caller
// succeeds trivially.
package selfdestruct

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dianplus/cloud-instance-github-runner/internal/bootstrap"
	"github.com/dianplus/cloud-instance-github-runner/internal/cloud"
	"github.com/dianplus/cloud-instance-github-runner/internal/cloud/aliyun"
	"github.com/dianplus/cloud-instance-github-runner/internal/metadata"
)

// defaultGrace is the pause before deletion, giving the runner time to
// flush job logs and report its result.
const defaultGrace = 10 * time.Second

// Agent tears down the instance it runs on.
type Agent struct {
	meta   *metadata.Client
	logger *slog.Logger

	// Role is the self-destruct RAM role. When empty, the role bound to
	// the instance is discovered from the metadata endpoint.
	Role string

	// Grace is the pause before deletion. Defaults to defaultGrace.
	Grace time.Duration

	// newCloud builds the STS-authenticated provider client; a test seam.
	newCloud func(region string, creds metadata.Credentials) (cloud.API, error)

	sleep func(context.Context, time.Duration) error
}

// New creates an Agent reading the default metadata endpoint.
func New(meta *metadata.Client, role string, logger *slog.Logger) *Agent {
	return &Agent{
		meta:   meta,
		logger: logger,
		Role:   role,
		Grace:  defaultGrace,
		newCloud: func(region string, creds metadata.Credentials) (cloud.API, error) {
			return aliyun.NewWithSTSToken(region, creds.AccessKeyID, creds.AccessKeySecret, creds.SecurityToken, logger)
		},
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}
}

// Teardown deletes this instance: identity and temporary credentials come
// from the node-local metadata endpoint, never from outside the node. An
// instance that is already gone is success. Errors are returned for
// logging by the caller but must not block job result reporting -- the
// control-side cleanup sweep backs this path up.
func (a *Agent) Teardown(ctx context.Context) error {
	instanceID, err := a.meta.InstanceID(ctx)
	if err != nil {
		return fmt.Errorf("discover instance id: %w", err)
	}
	region, err := a.meta.RegionID(ctx)
	if err != nil {
		return fmt.Errorf("discover region: %w", err)
	}

	role := a.Role
	if role == "" {
		if role, err = a.meta.RAMRole(ctx); err != nil {
			return fmt.Errorf("discover ram role: %w", err)
		}
	}

	// Credentials are fetched fresh at teardown time and never persisted.
	creds, err := a.meta.RoleCredentials(ctx, role)
	if err != nil {
		return fmt.Errorf("fetch credentials for role %s: %w", role, err)
	}

	api, err := a.newCloud(region, creds)
	if err != nil {
		return fmt.Errorf("cloud client: %w", err)
	}

	a.logger.Info("self-destruct armed, waiting grace period",
		slog.String("instance_id", instanceID),
		slog.Duration("grace", a.Grace),
	)
	if err := a.sleep(ctx, a.Grace); err != nil {
		return err
	}

	if err := api.DeleteInstance(ctx, instanceID); err != nil {
		return fmt.Errorf("self-destruct delete: %w", err)
	}

	a.logger.Info("self-destruct complete", slog.String("instance_id", instanceID))
	return nil
}

// Watch is the backup trigger: it polls the runner's systemd service at
// interval and invokes Teardown once the service is observed stopped. It
// first waits for the service to become active so an early poll does not
// tear down a node that is still bootstrapping; if activation never
// happens within startupPatience, the node is considered wedged and is
// torn down anyway.
func (a *Agent) Watch(ctx context.Context, host bootstrap.Host, service string, interval, startupPatience time.Duration, onState func(string)) error {
	observe := func(state string) {
		if onState != nil {
			onState(state)
		}
	}

	active := false
	deadline := time.Now().Add(startupPatience)
	for !active {
		if err := a.sleep(ctx, interval); err != nil {
			return err
		}
		if serviceActive(ctx, host, service) {
			active = true
			observe("active")
			a.logger.Info("runner service active, supervising", slog.String("service", service))
		} else if time.Now().After(deadline) {
			observe("never-started")
			a.logger.Warn("runner service never became active, tearing down",
				slog.String("service", service),
				slog.Duration("patience", startupPatience),
			)
			return a.Teardown(ctx)
		}
	}

	for {
		if err := a.sleep(ctx, interval); err != nil {
			return err
		}
		if !serviceActive(ctx, host, service) {
			observe("stopped")
			a.logger.Info("runner service stopped, tearing down", slog.String("service", service))
			return a.Teardown(ctx)
		}
	}
}

func serviceActive(ctx context.Context, host bootstrap.Host, service string) bool {
	err := host.Run(ctx, bootstrap.Command{
		Name: "systemctl",
		Args: []string{"is-active", "--quiet", service},
	})
	return err == nil
}
