// Package config handles loading, validating, and applying configuration
// for the runner provisioner. Configuration is read from a YAML file and
// can be overridden by CLI flags.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dianplus/cloud-instance-github-runner/internal/ci"
	"github.com/dianplus/cloud-instance-github-runner/internal/cloud"
	"github.com/dianplus/cloud-instance-github-runner/internal/cloud/aliyun"
	"github.com/dianplus/cloud-instance-github-runner/internal/constraint"
	"github.com/dianplus/cloud-instance-github-runner/internal/provision"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	GitHub     GitHubConfig     `yaml:"github"`
	Aliyun     AliyunConfig     `yaml:"aliyun"`
	Runner     RunnerConfig     `yaml:"runner"`
	Constraint ConstraintConfig `yaml:"constraint"`
	Wait       WaitConfig       `yaml:"wait"`
	Logging    LoggingConfig    `yaml:"logging"`
	OTel       OTelConfig       `yaml:"otel"`
}

// ---------------------------------------------------------------------------
// GitHub
// ---------------------------------------------------------------------------

// GitHubConfig identifies the repository the runner registers with and
// the credentials used to mint registration tokens.
type GitHubConfig struct {
	// URL is the full repository URL (e.g. https://github.com/org/repo).
	URL string `yaml:"url"`

	// Token is a personal access token with repo administration scope.
	Token string `yaml:"token"`

	// TokenEnv names an environment variable to read the token from when
	// Token is unset. Default: GITHUB_TOKEN.
	TokenEnv string `yaml:"token_env"`
}

// ---------------------------------------------------------------------------
// Aliyun
// ---------------------------------------------------------------------------

// AliyunConfig holds the cloud-side settings.
type AliyunConfig struct {
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	AccessKeySecret string `yaml:"access_key_secret"`

	SecurityGroupID string `yaml:"security_group_id"`

	// VSwitches maps zone id to the VSwitch configured in that zone.
	// Only zones listed here are eligible for placement.
	VSwitches map[string]string `yaml:"vswitches"`

	// ImageFamily resolves to the latest image in the family at run
	// time. ImageID is used directly when ImageFamily is empty, or as a
	// fallback when family resolution fails.
	ImageFamily string `yaml:"image_family"`
	ImageID     string `yaml:"image_id"`

	KeyPairName string `yaml:"key_pair_name"`

	// SelfDestructRole is the RAM role bound to created instances so the
	// node can delete itself without embedded secrets. Optional: when
	// empty only the control-side cleanup can delete the instance.
	SelfDestructRole string `yaml:"self_destruct_role"`

	// DiskCategories is the system disk fallback ladder, tried in order.
	// Default: cloud_essd, cloud_ssd, cloud_efficiency.
	DiskCategories []string `yaml:"disk_categories"`
}

// ---------------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------------

// RunnerConfig describes the runner registered on the node.
type RunnerConfig struct {
	// NamePrefix prefixes generated runner names. Default: "gh-runner".
	NamePrefix string `yaml:"name_prefix"`

	Labels []string `yaml:"labels"`

	// Version is the actions runner release to install. Default: "2.321.0".
	Version string `yaml:"version"`

	// AgentURL is where nodes download the runner-agent binary from.
	AgentURL string `yaml:"agent_url"`

	Proxy ProxyConfig `yaml:"proxy"`
}

// ProxyConfig configures egress for the node; required in regions where
// direct egress to the CI platform is unreachable.
type ProxyConfig struct {
	HTTP    string `yaml:"http"`
	HTTPS   string `yaml:"https"`
	NoProxy string `yaml:"no_proxy"`
}

// ---------------------------------------------------------------------------
// Constraint
// ---------------------------------------------------------------------------

// ConstraintConfig is the desired node shape.
type ConstraintConfig struct {
	// Arch is "amd64" or "arm64". Default: amd64.
	Arch string `yaml:"arch"`

	MinCPU int `yaml:"min_cpu"`
	MaxCPU int `yaml:"max_cpu"`

	// Memory bounds in GiB; defaulted from the CPU bounds by the
	// architecture ratio when zero.
	MinMemoryGiB float64 `yaml:"min_memory_gib"`
	MaxMemoryGiB float64 `yaml:"max_memory_gib"`

	// InstanceType pins an exact type; the bounds above are then ignored.
	InstanceType string `yaml:"instance_type"`
}

// ---------------------------------------------------------------------------
// Wait
// ---------------------------------------------------------------------------

// WaitConfig bounds the registration wait.
type WaitConfig struct {
	// Deadline is the hard wall-clock limit. Default: 10m.
	Deadline time.Duration `yaml:"deadline"`

	// Interval is the poll interval. Default: 10s.
	Interval time.Duration `yaml:"interval"`
}

// UnmarshalYAML parses the wait section, accepting Go duration strings
// ("10m", "30s") for both fields.
func (w *WaitConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw struct {
		Deadline string `yaml:"deadline"`
		Interval string `yaml:"interval"`
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	if raw.Deadline != "" {
		d, err := time.ParseDuration(raw.Deadline)
		if err != nil {
			return fmt.Errorf("wait.deadline: %w", err)
		}
		w.Deadline = d
	}
	if raw.Interval != "" {
		d, err := time.ParseDuration(raw.Interval)
		if err != nil {
			return fmt.Errorf("wait.interval: %w", err)
		}
		w.Interval = d
	}
	return nil
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error. Default: info.
	Level string `yaml:"level"`
	// Format: text, json. Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP push is active. Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export. Default: true.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout. Default: false.
	StdOut bool `yaml:"stdout"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// A missing file is not an error: flags can supply everything, and
// Validate catches whatever is still absent.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.GitHub.TokenEnv == "" {
		c.GitHub.TokenEnv = "GITHUB_TOKEN"
	}
	if c.GitHub.Token == "" {
		c.GitHub.Token = os.Getenv(c.GitHub.TokenEnv)
	}
	if c.Runner.NamePrefix == "" {
		c.Runner.NamePrefix = "gh-runner"
	}
	if c.Runner.Version == "" {
		c.Runner.Version = "2.321.0"
	}
	if c.Constraint.Arch == "" {
		c.Constraint.Arch = "amd64"
	}
	if c.Wait.Deadline == 0 {
		c.Wait.Deadline = 10 * time.Minute
	}
	if c.Wait.Interval == 0 {
		c.Wait.Interval = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if _, err := url.ParseRequestURI(c.GitHub.URL); err != nil {
		return fmt.Errorf("github.url: invalid URL %q: %w", c.GitHub.URL, err)
	}
	if c.GitHub.Token == "" {
		return fmt.Errorf("no credentials: set github.token or the %s environment variable", c.GitHub.TokenEnv)
	}

	if c.Aliyun.Region == "" {
		return fmt.Errorf("aliyun.region is required")
	}
	if c.Aliyun.AccessKeyID == "" || c.Aliyun.AccessKeySecret == "" {
		return fmt.Errorf("aliyun.access_key_id and aliyun.access_key_secret are required")
	}
	if c.Aliyun.SecurityGroupID == "" {
		return fmt.Errorf("aliyun.security_group_id is required")
	}
	if len(c.Aliyun.VSwitches) == 0 {
		return fmt.Errorf("aliyun.vswitches must configure at least one zone")
	}
	for zone, vswitch := range c.Aliyun.VSwitches {
		if vswitch == "" {
			return fmt.Errorf("aliyun.vswitches[%s] is empty", zone)
		}
	}
	if c.Aliyun.ImageFamily == "" && c.Aliyun.ImageID == "" {
		return fmt.Errorf("one of aliyun.image_family or aliyun.image_id is required")
	}

	if c.Runner.AgentURL == "" {
		return fmt.Errorf("runner.agent_url is required")
	}
	for i, l := range c.Runner.Labels {
		if strings.TrimSpace(l) == "" {
			return fmt.Errorf("runner.labels[%d] is empty", i)
		}
	}

	switch c.Constraint.Arch {
	case "amd64", "arm64":
		// OK
	default:
		return fmt.Errorf("constraint.arch %q is not supported (supported: amd64, arm64)", c.Constraint.Arch)
	}
	if c.Constraint.InstanceType == "" && c.Constraint.MinCPU > 0 && c.Constraint.MaxCPU > 0 &&
		c.Constraint.MinCPU > c.Constraint.MaxCPU {
		return fmt.Errorf("constraint.min_cpu (%d) > constraint.max_cpu (%d)", c.Constraint.MinCPU, c.Constraint.MaxCPU)
	}

	if c.Wait.Interval > c.Wait.Deadline {
		return fmt.Errorf("wait.interval (%s) > wait.deadline (%s)", c.Wait.Interval, c.Wait.Deadline)
	}

	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewCloudClient creates the ECS-backed cloud client.
func (c *Config) NewCloudClient(logger *slog.Logger) (cloud.API, error) {
	return aliyun.New(c.Aliyun.Region, c.Aliyun.AccessKeyID, c.Aliyun.AccessKeySecret, logger.WithGroup("cloud"))
}

// NewPlatform creates the GitHub-backed CI platform client.
func (c *Config) NewPlatform(ctx context.Context) (ci.Platform, error) {
	return ci.NewGitHub(ctx, c.GitHub.URL, c.GitHub.Token)
}

// Zones returns the configured zone ids in lexicographic order.
func (c *Config) Zones() []string {
	zones := make([]string, 0, len(c.Aliyun.VSwitches))
	for zone := range c.Aliyun.VSwitches {
		zones = append(zones, zone)
	}
	sort.Strings(zones)
	return zones
}

// BuildConstraint converts the constraint section to the resolver's type.
func (c *Config) BuildConstraint() constraint.Constraint {
	return constraint.Constraint{
		Arch:         cloud.Arch(c.Constraint.Arch),
		MinCPU:       c.Constraint.MinCPU,
		MaxCPU:       c.Constraint.MaxCPU,
		MinMemoryGiB: c.Constraint.MinMemoryGiB,
		MaxMemoryGiB: c.Constraint.MaxMemoryGiB,
		InstanceType: c.Constraint.InstanceType,
	}
}

// BuildPayload assembles the bootstrap payload minus the per-run values
// (registration token, runner name) that the pipeline fills in.
func (c *Config) BuildPayload() provision.Payload {
	return provision.Payload{
		RepoURL:          c.GitHub.URL,
		Labels:           c.Runner.Labels,
		RunnerVersion:    c.Runner.Version,
		AgentURL:         c.Runner.AgentURL,
		ProxyHTTP:        c.Runner.Proxy.HTTP,
		ProxyHTTPS:       c.Runner.Proxy.HTTPS,
		ProxyNoProxy:     c.Runner.Proxy.NoProxy,
		SelfDestructRole: c.Aliyun.SelfDestructRole,
	}
}

// ResolveImage returns the image id to boot, resolving the image family
// to its latest member when configured.
func (c *Config) ResolveImage(ctx context.Context, api cloud.API, logger *slog.Logger) (string, error) {
	if c.Aliyun.ImageFamily != "" {
		id, err := api.ResolveImage(ctx, c.Aliyun.ImageFamily)
		if err == nil {
			return id, nil
		}
		if c.Aliyun.ImageID == "" {
			return "", err
		}
		logger.Warn("image family resolution failed, falling back to image id",
			slog.String("family", c.Aliyun.ImageFamily),
			slog.String("image_id", c.Aliyun.ImageID),
			slog.String("error", err.Error()),
		)
	}
	return c.Aliyun.ImageID, nil
}

// BuildProvisionConfig converts the cloud section to the provisioner's
// static settings. imageID must already be resolved.
func (c *Config) BuildProvisionConfig(imageID string) provision.Config {
	return provision.Config{
		SecurityGroupID:  c.Aliyun.SecurityGroupID,
		ImageID:          imageID,
		KeyPairName:      c.Aliyun.KeyPairName,
		NamePrefix:       c.Runner.NamePrefix,
		SelfDestructRole: c.Aliyun.SelfDestructRole,
		DiskCategories:   c.Aliyun.DiskCategories,
	}
}
