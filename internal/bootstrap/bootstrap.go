// Package bootstrap runs once on the node at first boot: it configures
// network egress, installs the runner software, registers it with the CI
// platform in ephemeral mode, and arms the self-destruct paths before the
// runner service starts. The sequence is a linear state machine; every
// state is fatal on error.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"github.com/dianplus/cloud-instance-github-runner/internal/retry"
)

// State names one position in the bootstrap sequence. Transitions are
// one-way; there is no recovery path inside a run.
type State string

const (
	StateInit                  State = "Init"
	StateProxyConfigured       State = "ProxyConfigured"
	StatePackagesUpdated       State = "PackagesUpdated"
	StateCliToolInstalled      State = "CliToolInstalled"
	StateAgentDownloaded       State = "AgentDownloaded"
	StateDependenciesInstalled State = "DependenciesInstalled"
	StateAgentRegistered       State = "AgentRegistered"
	StateServiceInstalled      State = "ServiceInstalled"
	StateSelfDestructInstalled State = "SelfDestructInstalled"
	StateServiceStarted        State = "ServiceStarted"
)

// ProxyConfig is the egress proxy configuration threaded into every
// network-dependent step. All fields optional.
type ProxyConfig struct {
	HTTP    string
	HTTPS   string
	NoProxy string
}

// Empty reports whether no proxy is configured.
func (p ProxyConfig) Empty() bool {
	return p.HTTP == "" && p.HTTPS == "" && p.NoProxy == ""
}

// Env returns the environment variables the proxy configuration implies.
func (p ProxyConfig) Env() map[string]string {
	env := map[string]string{}
	if p.HTTP != "" {
		env["http_proxy"] = p.HTTP
		env["HTTP_PROXY"] = p.HTTP
	}
	if p.HTTPS != "" {
		env["https_proxy"] = p.HTTPS
		env["HTTPS_PROXY"] = p.HTTPS
	}
	if p.NoProxy != "" {
		env["no_proxy"] = p.NoProxy
		env["NO_PROXY"] = p.NoProxy
	}
	return env
}

// Config parameterizes one bootstrap run.
type Config struct {
	// RegistrationToken is single use: by the time registration runs it
	// has been consumed, so a registration failure is fatal for the whole
	// bootstrap, never retried.
	RegistrationToken string

	RepoURL       string
	RunnerName    string
	Labels        []string
	RunnerVersion string
	Proxy         ProxyConfig

	// SelfDestructRole is the RAM role whose credentials the teardown
	// paths will fetch from the metadata endpoint. Optional; when empty
	// the self-destruct steps still arm, and teardown will discover the
	// role from metadata.
	SelfDestructRole string

	// RunnerDir is where the runner software is installed.
	// Default: /opt/actions-runner.
	RunnerDir string

	// RunnerUser is the unprivileged user the runner runs as.
	// Default: runner.
	RunnerUser string

	// AgentPath is the installed runner-agent binary.
	// Default: /usr/local/bin/runner-agent.
	AgentPath string

	// DownloadAttempts bounds each download retry loop. Default: 3.
	// The hard overall ceiling comes from the caller's context deadline.
	DownloadAttempts int
}

func (c *Config) applyDefaults() {
	if c.RunnerDir == "" {
		c.RunnerDir = "/opt/actions-runner"
	}
	if c.RunnerUser == "" {
		c.RunnerUser = "runner"
	}
	if c.AgentPath == "" {
		c.AgentPath = "/usr/local/bin/runner-agent"
	}
	if c.DownloadAttempts == 0 {
		c.DownloadAttempts = 3
	}
}

// Agent executes the bootstrap sequence on a Host.
type Agent struct {
	host   Host
	cfg    Config
	logger *slog.Logger

	state State
}

// New creates an Agent in StateInit.
func New(host Host, cfg Config, logger *slog.Logger) *Agent {
	cfg.applyDefaults()
	return &Agent{host: host, cfg: cfg, logger: logger, state: StateInit}
}

// State returns the last state the agent reached.
func (a *Agent) State() State {
	return a.state
}

// Run executes the sequence. The first failing step aborts the run with
// the state it failed to reach; a completed run ends in ServiceStarted.
func (a *Agent) Run(ctx context.Context) error {
	steps := []struct {
		state State
		fn    func(context.Context) error
	}{
		{StateProxyConfigured, a.configureProxy},
		{StatePackagesUpdated, a.updatePackages},
		{StateCliToolInstalled, a.installCliTool},
		{StateAgentDownloaded, a.downloadRunner},
		{StateDependenciesInstalled, a.installDependencies},
		{StateAgentRegistered, a.registerRunner},
		{StateServiceInstalled, a.installService},
		{StateSelfDestructInstalled, a.installSelfDestruct},
		{StateServiceStarted, a.startService},
	}

	for _, step := range steps {
		if err := step.fn(ctx); err != nil {
			return fmt.Errorf("bootstrap %s -> %s: %w", a.state, step.state, err)
		}
		a.state = step.state
		a.logger.Info("bootstrap state reached", slog.String("state", string(a.state)))
	}
	return nil
}

// configureProxy persists the proxy settings process-wide before any
// network-dependent step runs; without it, egress to the CI platform may
// be unreachable from mainland regions.
func (a *Agent) configureProxy(_ context.Context) error {
	if a.cfg.Proxy.Empty() {
		return nil
	}

	var b strings.Builder
	for k, v := range a.cfg.Proxy.Env() {
		fmt.Fprintf(&b, "%s=%q\n", k, v)
	}
	return a.host.AppendFile("/etc/environment", []byte(b.String()), 0o644)
}

func (a *Agent) updatePackages(ctx context.Context) error {
	env := a.cfg.Proxy.Env()
	if err := retry.Do(ctx, a.cfg.DownloadAttempts, func() error {
		return a.host.Run(ctx, Command{Name: "apt-get", Args: []string{"update"}, Env: env})
	}); err != nil {
		return err
	}
	return a.host.Run(ctx, Command{
		Name: "apt-get",
		Args: []string{"install", "-y", "curl", "tar", "jq", "sudo"},
		Env:  env,
	})
}

// installCliTool installs the Aliyun CLI so an operator on the node has a
// manual escape hatch if every automated teardown path fails.
func (a *Agent) installCliTool(ctx context.Context) error {
	url := fmt.Sprintf(
		"https://aliyuncli.alicdn.com/aliyun-cli-linux-latest-%s.tgz",
		cliArch(),
	)
	if err := retry.Do(ctx, a.cfg.DownloadAttempts, func() error {
		return a.host.Run(ctx, Command{
			Name: "curl",
			Args: []string{"--fail", "--silent", "--show-error", "--location", "--output", "/tmp/aliyun-cli.tgz", url},
			Env:  a.cfg.Proxy.Env(),
		})
	}); err != nil {
		return err
	}
	return a.host.Run(ctx, Command{
		Name: "tar",
		Args: []string{"-xzf", "/tmp/aliyun-cli.tgz", "-C", "/usr/local/bin"},
	})
}

func (a *Agent) downloadRunner(ctx context.Context) error {
	if err := a.host.MkdirAll(a.cfg.RunnerDir, 0o755); err != nil {
		return err
	}
	if err := a.host.Run(ctx, Command{
		Name: "useradd",
		Args: []string{"--create-home", "--shell", "/bin/bash", a.cfg.RunnerUser},
	}); err != nil {
		return err
	}

	url := fmt.Sprintf(
		"https://github.com/actions/runner/releases/download/v%s/actions-runner-linux-%s-%s.tar.gz",
		a.cfg.RunnerVersion, runnerArch(), a.cfg.RunnerVersion,
	)
	if err := retry.Do(ctx, a.cfg.DownloadAttempts, func() error {
		return a.host.Run(ctx, Command{
			Name: "curl",
			Args: []string{"--fail", "--silent", "--show-error", "--location", "--output", "/tmp/actions-runner.tar.gz", url},
			Env:  a.cfg.Proxy.Env(),
		})
	}); err != nil {
		return err
	}

	if err := a.host.Run(ctx, Command{
		Name: "tar",
		Args: []string{"-xzf", "/tmp/actions-runner.tar.gz", "-C", a.cfg.RunnerDir},
	}); err != nil {
		return err
	}
	return a.host.Run(ctx, Command{
		Name: "chown",
		Args: []string{"-R", a.cfg.RunnerUser + ":" + a.cfg.RunnerUser, a.cfg.RunnerDir},
	})
}

func (a *Agent) installDependencies(ctx context.Context) error {
	return a.host.Run(ctx, Command{
		Name: "./bin/installdependencies.sh",
		Dir:  a.cfg.RunnerDir,
		Env:  a.cfg.Proxy.Env(),
	})
}

// registerRunner performs the one-shot registration handshake. The
// --ephemeral flag makes the platform unregister the runner after exactly
// one job; that contract is relied on, not re-implemented here.
func (a *Agent) registerRunner(ctx context.Context) error {
	return a.host.Run(ctx, Command{
		Name: "./config.sh",
		Args: []string{
			"--unattended",
			"--ephemeral",
			"--url", a.cfg.RepoURL,
			"--token", a.cfg.RegistrationToken,
			"--name", a.cfg.RunnerName,
			"--labels", strings.Join(a.cfg.Labels, ","),
		},
		Dir:  a.cfg.RunnerDir,
		Env:  a.cfg.Proxy.Env(),
		User: a.cfg.RunnerUser,
	})
}

func (a *Agent) installService(ctx context.Context) error {
	return a.host.Run(ctx, Command{
		Name: "./svc.sh",
		Args: []string{"install", a.cfg.RunnerUser},
		Dir:  a.cfg.RunnerDir,
	})
}

// installSelfDestruct arms both teardown triggers: the post-job hook and
// the supervisory watch service. Both must be in place before the runner
// service starts; otherwise a fast job could complete with no teardown
// path armed.
func (a *Agent) installSelfDestruct(ctx context.Context) error {
	hookPath := a.cfg.RunnerDir + "/job-completed-hook.sh"
	hook := fmt.Sprintf("#!/bin/bash\nexec %s self-destruct%s\n", a.cfg.AgentPath, roleFlag(a.cfg.SelfDestructRole))
	if err := a.host.WriteFile(hookPath, []byte(hook), 0o755); err != nil {
		return err
	}
	if err := a.host.AppendFile(
		a.cfg.RunnerDir+"/.env",
		[]byte("ACTIONS_RUNNER_HOOK_JOB_COMPLETED="+hookPath+"\n"),
		0o644,
	); err != nil {
		return err
	}

	unit := fmt.Sprintf(`[Unit]
Description=Runner self-destruct watchdog
After=network-online.target

[Service]
ExecStart=%s watch --service %s --runner-name %s%s
Restart=on-failure

[Install]
WantedBy=multi-user.target
`, a.cfg.AgentPath, a.RunnerServiceName(), a.cfg.RunnerName, roleFlag(a.cfg.SelfDestructRole))

	if err := a.host.WriteFile("/etc/systemd/system/runner-watchdog.service", []byte(unit), 0o644); err != nil {
		return err
	}
	if err := a.host.Run(ctx, Command{Name: "systemctl", Args: []string{"daemon-reload"}}); err != nil {
		return err
	}
	return a.host.Run(ctx, Command{Name: "systemctl", Args: []string{"enable", "--now", "runner-watchdog.service"}})
}

func (a *Agent) startService(ctx context.Context) error {
	return a.host.Run(ctx, Command{
		Name: "./svc.sh",
		Args: []string{"start"},
		Dir:  a.cfg.RunnerDir,
	})
}

// RunnerServiceName derives the systemd unit name the runner's svc.sh
// installer generates for this repository and runner name.
func (a *Agent) RunnerServiceName() string {
	repo := strings.TrimPrefix(a.cfg.RepoURL, "https://github.com/")
	repo = strings.ReplaceAll(strings.Trim(repo, "/"), "/", "-")
	return fmt.Sprintf("actions.runner.%s.%s.service", repo, a.cfg.RunnerName)
}

func roleFlag(role string) string {
	if role == "" {
		return ""
	}
	return " --role " + role
}

func runnerArch() string {
	if runtime.GOARCH == "arm64" {
		return "arm64"
	}
	return "x64"
}

func cliArch() string {
	if runtime.GOARCH == "arm64" {
		return "arm64"
	}
	return "amd64"
}
