package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/dianplus/cloud-instance-github-runner/internal/bootstrap"
	"github.com/dianplus/cloud-instance-github-runner/internal/health"
	"github.com/dianplus/cloud-instance-github-runner/internal/metadata"
	"github.com/dianplus/cloud-instance-github-runner/internal/otel"
	"github.com/dianplus/cloud-instance-github-runner/internal/selfdestruct"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "runner-agent",
	Short: "Node-side agent for ephemeral GitHub Actions runner instances",
	Long: `runner-agent runs on the provisioned instance itself. The bootstrap
command turns a fresh instance into a registered ephemeral runner; the
self-destruct and watch commands guarantee the instance deletes itself
once its single job is done.`,
	SilenceUsage: true,
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		AddSource: true,
		Level:     slog.LevelInfo,
	}))
}

// ---------------------------------------------------------------------------
// bootstrap
// ---------------------------------------------------------------------------

var bootstrapFlags struct {
	token         string
	repoURL       string
	name          string
	labels        string
	runnerVersion string
	proxyHTTP     string
	proxyHTTPS    string
	proxyNoProxy  string
	role          string
	runnerDir     string
	runnerUser    string
	timeout       time.Duration
}

var bootstrapCmd = &cobra.Command{
	Use:   "bootstrap",
	Short: "Turn this instance into a registered ephemeral runner",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		ctx, timeoutCancel := context.WithTimeout(ctx, bootstrapFlags.timeout)
		defer timeoutCancel()
		return runBootstrap(ctx)
	},
}

func runBootstrap(ctx context.Context) error {
	logger := newLogger()

	var labels []string
	if bootstrapFlags.labels != "" {
		labels = strings.Split(bootstrapFlags.labels, ",")
	}

	agent := bootstrap.New(bootstrap.LocalHost{}, bootstrap.Config{
		RegistrationToken: bootstrapFlags.token,
		RepoURL:           bootstrapFlags.repoURL,
		RunnerName:        bootstrapFlags.name,
		Labels:            labels,
		RunnerVersion:     bootstrapFlags.runnerVersion,
		Proxy: bootstrap.ProxyConfig{
			HTTP:    bootstrapFlags.proxyHTTP,
			HTTPS:   bootstrapFlags.proxyHTTPS,
			NoProxy: bootstrapFlags.proxyNoProxy,
		},
		SelfDestructRole: bootstrapFlags.role,
		RunnerDir:        bootstrapFlags.runnerDir,
		RunnerUser:       bootstrapFlags.runnerUser,
	}, logger.WithGroup("bootstrap"))

	if err := agent.Run(ctx); err != nil {
		// A failed bootstrap leaves an instance that will never take a
		// job. Tear it down from here; the control-side sweep backs
		// this up if we cannot.
		logger.Error("bootstrap failed, tearing down",
			slog.String("state", string(agent.State())),
			slog.String("error", err.Error()),
		)
		sd := selfdestruct.New(metadata.New(), bootstrapFlags.role, logger.WithGroup("selfdestruct"))
		if tdErr := sd.Teardown(context.WithoutCancel(ctx)); tdErr != nil {
			logger.Error("teardown after failed bootstrap", slog.String("error", tdErr.Error()))
		}
		return err
	}

	logger.Info("bootstrap complete",
		slog.String("runnerName", bootstrapFlags.name),
		slog.String("service", agent.RunnerServiceName()),
	)
	return nil
}

// ---------------------------------------------------------------------------
// self-destruct
// ---------------------------------------------------------------------------

var selfDestructFlags struct {
	role  string
	grace time.Duration
}

var selfDestructCmd = &cobra.Command{
	Use:   "self-destruct",
	Short: "Delete this instance (post-job hook trigger)",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Deliberately no signal cancellation: once the job is done the
		// teardown must run to completion even while the host shuts down.
		return runSelfDestruct(cmd.Context())
	},
}

func runSelfDestruct(ctx context.Context) error {
	logger := newLogger()

	sd := selfdestruct.New(metadata.New(), selfDestructFlags.role, logger.WithGroup("selfdestruct"))
	if selfDestructFlags.grace > 0 {
		sd.Grace = selfDestructFlags.grace
	}

	if err := sd.Teardown(ctx); err != nil {
		// Log and fail the hook without blocking job result reporting;
		// the watch loop and the control-side sweep remain as backups.
		logger.Error("self-destruct failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// ---------------------------------------------------------------------------
// watch
// ---------------------------------------------------------------------------

var watchFlags struct {
	service         string
	runnerName      string
	role            string
	interval        time.Duration
	startupPatience time.Duration
	statusAddr      string
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Supervise the runner service and self-destruct when it stops",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer cancel()
		return runWatch(ctx)
	},
}

func runWatch(ctx context.Context) error {
	logger := newLogger()

	otelShutdown, err := otel.SetupOTelSDK(ctx, "runner-agent", otel.Config{
		PrometheusPort: promPortFromAddr(watchFlags.statusAddr),
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown", slog.String("error", err.Error()))
		}
	}()

	status := health.NewStatus()

	if watchFlags.statusAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", health.Handler(watchFlags.runnerName, status))
		mux.Handle("/metrics", promhttp.Handler())

		srv := &http.Server{Addr: watchFlags.statusAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				logger.Error("status server", slog.String("error", err.Error()))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		logger.Info("status endpoint listening", slog.String("addr", watchFlags.statusAddr))
	}

	sd := selfdestruct.New(metadata.New(), watchFlags.role, logger.WithGroup("selfdestruct"))
	host := bootstrap.LocalHost{}

	err = sd.Watch(ctx, host, watchFlags.service, watchFlags.interval, watchFlags.startupPatience, status.Observe)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// promPortFromAddr extracts the port of the status address so the
// Prometheus metric reader is only registered when the server will run.
func promPortFromAddr(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}

// ---------------------------------------------------------------------------
// flags
// ---------------------------------------------------------------------------

func init() {
	bf := bootstrapCmd.Flags()
	bf.StringVar(&bootstrapFlags.token, "token", "", "Single-use runner registration token")
	bf.StringVar(&bootstrapFlags.repoURL, "repo-url", "", "Repository URL the runner registers with")
	bf.StringVar(&bootstrapFlags.name, "name", "", "Runner name")
	bf.StringVar(&bootstrapFlags.labels, "labels", "", "Comma-separated runner labels")
	bf.StringVar(&bootstrapFlags.runnerVersion, "runner-version", "", "Actions runner release to install")
	bf.StringVar(&bootstrapFlags.proxyHTTP, "proxy-http", "", "HTTP proxy URL")
	bf.StringVar(&bootstrapFlags.proxyHTTPS, "proxy-https", "", "HTTPS proxy URL")
	bf.StringVar(&bootstrapFlags.proxyNoProxy, "proxy-no-proxy", "", "Comma-separated no-proxy list")
	bf.StringVar(&bootstrapFlags.role, "self-destruct-role", "", "RAM role for node-side teardown credentials")
	bf.StringVar(&bootstrapFlags.runnerDir, "runner-dir", "", "Runner install directory (default /opt/actions-runner)")
	bf.StringVar(&bootstrapFlags.runnerUser, "runner-user", "", "Unprivileged user the runner runs as (default runner)")
	bf.DurationVar(&bootstrapFlags.timeout, "timeout", 15*time.Minute, "Hard ceiling for the whole bootstrap")
	for _, required := range []string{"token", "repo-url", "name", "runner-version"} {
		_ = bootstrapCmd.MarkFlagRequired(required)
	}

	sf := selfDestructCmd.Flags()
	sf.StringVar(&selfDestructFlags.role, "role", "", "RAM role for teardown credentials (discovered from metadata when empty)")
	sf.DurationVar(&selfDestructFlags.grace, "grace", 0, "Pause before deletion (default 10s)")

	wf := watchCmd.Flags()
	wf.StringVar(&watchFlags.service, "service", "", "systemd unit of the runner service to supervise")
	wf.StringVar(&watchFlags.runnerName, "runner-name", "", "Runner name reported by the status endpoint")
	wf.StringVar(&watchFlags.role, "role", "", "RAM role for teardown credentials (discovered from metadata when empty)")
	wf.DurationVar(&watchFlags.interval, "interval", 30*time.Second, "Poll interval")
	wf.DurationVar(&watchFlags.startupPatience, "startup-patience", 10*time.Minute, "How long to wait for the service to first become active")
	wf.StringVar(&watchFlags.statusAddr, "status-addr", "127.0.0.1:8321", "Address for the /healthz and /metrics endpoint (empty disables)")
	_ = watchCmd.MarkFlagRequired("service")

	rootCmd.AddCommand(bootstrapCmd, selfDestructCmd, watchCmd)
}
