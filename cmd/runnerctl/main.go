package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dianplus/cloud-instance-github-runner/internal/advisor"
	"github.com/dianplus/cloud-instance-github-runner/internal/cleanup"
	"github.com/dianplus/cloud-instance-github-runner/internal/config"
	"github.com/dianplus/cloud-instance-github-runner/internal/constraint"
	"github.com/dianplus/cloud-instance-github-runner/internal/controller"
	"github.com/dianplus/cloud-instance-github-runner/internal/otel"
	"github.com/dianplus/cloud-instance-github-runner/internal/provision"
	"github.com/dianplus/cloud-instance-github-runner/internal/waiter"
)

var (
	cfgPath       string
	flagOverrides config.Config
	flagLabels    string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "runnerctl",
	Short: "Ephemeral spot-instance GitHub Actions runners on Aliyun ECS",
	Long: `runnerctl provisions a price-optimized ECS spot instance, registers an
ephemeral GitHub Actions runner on it, and guarantees the instance is
deleted after its single job.

Configuration is read from a YAML file (--config) with optional CLI
flag overrides for the most common settings.`,
	SilenceUsage: true,
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Provision a spot instance and wait until its runner is online",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return runUp(ctx)
	},
}

var selectCmd = &cobra.Command{
	Use:   "select",
	Short: "Print the cheapest eligible spot offers without creating anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return runSelect(ctx)
	},
}

var flagInstanceID string

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete an instance, succeeding if it is already gone",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return runCleanup(ctx, flagInstanceID)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()

	// Config file
	pf.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// GitHub overrides
	pf.StringVar(&flagOverrides.GitHub.URL, "url", "", "Repository URL the runner registers with (e.g. https://github.com/org/repo)")
	pf.StringVar(&flagOverrides.GitHub.Token, "token", "", "Personal access token (defaults to $GITHUB_TOKEN)")

	// Aliyun overrides
	pf.StringVar(&flagOverrides.Aliyun.Region, "region", "", "Aliyun region id")
	pf.StringVar(&flagOverrides.Aliyun.SecurityGroupID, "security-group", "", "Security group for created instances")
	pf.StringVar(&flagOverrides.Aliyun.ImageID, "image", "", "Image id to boot (overrides image family)")

	// Constraint overrides
	pf.StringVar(&flagOverrides.Constraint.Arch, "arch", "", "CPU architecture (amd64, arm64)")
	pf.IntVar(&flagOverrides.Constraint.MinCPU, "min-cpu", 0, "Minimum CPU cores")
	pf.IntVar(&flagOverrides.Constraint.MaxCPU, "max-cpu", 0, "Maximum CPU cores")
	pf.StringVar(&flagOverrides.Constraint.InstanceType, "instance-type", "", "Pin an exact instance type (ignores cpu/memory bounds)")

	// Runner overrides
	pf.StringVar(&flagOverrides.Runner.NamePrefix, "name-prefix", "", "Runner name prefix")
	pf.StringVar(&flagLabels, "labels", "", "Comma-separated runner labels")

	// Wait overrides
	pf.DurationVar(&flagOverrides.Wait.Deadline, "wait-deadline", 0, "How long to wait for the runner to come online")
	pf.DurationVar(&flagOverrides.Wait.Interval, "wait-interval", 0, "Poll interval while waiting")

	// Logging overrides
	pf.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")

	cleanupCmd.Flags().StringVar(&flagInstanceID, "instance-id", "", "Instance id to delete")
	_ = cleanupCmd.MarkFlagRequired("instance-id")

	rootCmd.AddCommand(upCmd, selectCmd, cleanupCmd)
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.GitHub.URL != "" {
		cfg.GitHub.URL = flagOverrides.GitHub.URL
	}
	if flagOverrides.GitHub.Token != "" {
		cfg.GitHub.Token = flagOverrides.GitHub.Token
	}
	if flagOverrides.Aliyun.Region != "" {
		cfg.Aliyun.Region = flagOverrides.Aliyun.Region
	}
	if flagOverrides.Aliyun.SecurityGroupID != "" {
		cfg.Aliyun.SecurityGroupID = flagOverrides.Aliyun.SecurityGroupID
	}
	if flagOverrides.Aliyun.ImageID != "" {
		cfg.Aliyun.ImageID = flagOverrides.Aliyun.ImageID
		cfg.Aliyun.ImageFamily = ""
	}
	if flagOverrides.Constraint.Arch != "" {
		cfg.Constraint.Arch = flagOverrides.Constraint.Arch
	}
	if flagOverrides.Constraint.MinCPU != 0 {
		cfg.Constraint.MinCPU = flagOverrides.Constraint.MinCPU
	}
	if flagOverrides.Constraint.MaxCPU != 0 {
		cfg.Constraint.MaxCPU = flagOverrides.Constraint.MaxCPU
	}
	if flagOverrides.Constraint.InstanceType != "" {
		cfg.Constraint.InstanceType = flagOverrides.Constraint.InstanceType
	}
	if flagOverrides.Runner.NamePrefix != "" {
		cfg.Runner.NamePrefix = flagOverrides.Runner.NamePrefix
	}
	if flagLabels != "" {
		cfg.Runner.Labels = strings.Split(flagLabels, ",")
	}
	if flagOverrides.Wait.Deadline != 0 {
		cfg.Wait.Deadline = flagOverrides.Wait.Deadline
	}
	if flagOverrides.Wait.Interval != 0 {
		cfg.Wait.Interval = flagOverrides.Wait.Interval
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

// setup loads and validates configuration and initializes logging and
// the OpenTelemetry SDK. The returned shutdown func flushes telemetry.
func setup(ctx context.Context) (*config.Config, *slog.Logger, func(context.Context) error, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := cfg.NewLogger()

	shutdown, err := otel.SetupOTelSDK(ctx, "runnerctl", otel.Config{
		Enabled:  cfg.OTel.Enabled,
		Endpoint: cfg.OTel.Endpoint,
		Insecure: cfg.OTel.Insecure,
		StdOut:   cfg.OTel.StdOut,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	return cfg, logger, shutdown, nil
}

func runUp(ctx context.Context) error {
	cfg, logger, otelShutdown, err := setup(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("repo", cfg.GitHub.URL),
		slog.String("region", cfg.Aliyun.Region),
		slog.String("arch", cfg.Constraint.Arch),
	)

	api, err := cfg.NewCloudClient(logger)
	if err != nil {
		return fmt.Errorf("creating cloud client: %w", err)
	}

	platform, err := cfg.NewPlatform(ctx)
	if err != nil {
		return fmt.Errorf("creating platform client: %w", err)
	}

	imageID, err := cfg.ResolveImage(ctx, api, logger)
	if err != nil {
		return fmt.Errorf("resolving image: %w", err)
	}

	ctl := controller.New(
		constraint.NewResolver(api, cfg.Zones(), logger.WithGroup("constraint")),
		advisor.New(api, cfg.Aliyun.VSwitches, logger.WithGroup("advisor")),
		provision.New(api, cfg.BuildProvisionConfig(imageID), logger.WithGroup("provision")),
		platform,
		waiter.New(platform, logger.WithGroup("waiter")),
		cleanup.New(api, logger.WithGroup("cleanup")),
		controller.NewOutputs(os.Stdout),
		logger.WithGroup("controller"),
	)

	result, err := ctl.Up(ctx, controller.Config{
		Constraint:   cfg.BuildConstraint(),
		Payload:      cfg.BuildPayload(),
		WaitDeadline: cfg.Wait.Deadline,
		WaitInterval: cfg.Wait.Interval,
	})
	if err != nil {
		if errors.Is(err, advisor.ErrNoEligibleCandidate) {
			return fmt.Errorf("no spot capacity matched the constraint: %w", err)
		}
		return err
	}

	logger.Info("runner ready",
		slog.String("instanceID", result.InstanceID),
		slog.String("runnerName", result.RunnerName),
		slog.Int("cpuCores", result.CPU),
	)
	return nil
}

func runSelect(ctx context.Context) error {
	cfg, logger, otelShutdown, err := setup(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	api, err := cfg.NewCloudClient(logger)
	if err != nil {
		return fmt.Errorf("creating cloud client: %w", err)
	}

	resolver := constraint.NewResolver(api, cfg.Zones(), logger.WithGroup("constraint"))
	types, zones, err := resolver.Resolve(ctx, cfg.BuildConstraint())
	if err != nil {
		return fmt.Errorf("resolving constraint: %w", err)
	}

	adv := advisor.New(api, cfg.Aliyun.VSwitches, logger.WithGroup("advisor"))
	offers, err := adv.Pick(ctx, types, zones)
	if err != nil {
		return fmt.Errorf("selecting offers: %w", err)
	}

	for _, o := range offers {
		fmt.Printf("%s\t%s\tcpu=%d\tmem=%.1f\tprice=%.4f\tlimit=%.4f\n",
			o.Type.ID, o.ZoneID, o.Type.CPU, o.Type.MemoryGiB, o.PricePerHour, o.PriceLimit)
	}
	return nil
}

func runCleanup(ctx context.Context, instanceID string) error {
	cfg, logger, otelShutdown, err := setup(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	api, err := cfg.NewCloudClient(logger)
	if err != nil {
		return fmt.Errorf("creating cloud client: %w", err)
	}

	guard := cleanup.New(api, logger.WithGroup("cleanup"))
	if err := guard.Sweep(ctx, instanceID); err != nil {
		return fmt.Errorf("cleaning up %s: %w", instanceID, err)
	}

	logger.Info("instance removed", slog.String("instanceID", instanceID))
	return nil
}
