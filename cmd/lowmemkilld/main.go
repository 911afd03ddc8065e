// Command lowmemkilld is the §10.5 CLI/daemon entrypoint: a cobra root
// command that runs the reactor when invoked with no flags, and otherwise
// dials an already-running daemon's control socket to ask it to reinit its
// configuration or record boot-completion, per §6's CLI table.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/lowmemkilld/lowmemkilld/internal/config"
	"github.com/lowmemkilld/lowmemkilld/internal/control"
	"github.com/lowmemkilld/lowmemkilld/internal/logging"
	"github.com/lowmemkilld/lowmemkilld/internal/reactor"
)

const (
	defaultSocketPath = "/dev/socket/lmkd"
	defaultConfigPath = "/data/local/tmp/lowmemkilld.properties"
	defaultCgroupName = "lowmemkilld"
)

type rootFlags struct {
	socketPath    string
	configPath    string
	logFile       string
	debug         bool
	gpuMapPath    string
	legacyLMKPath string
	cgroupName    string

	reinit        bool
	bootCompleted bool
}

func main() {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "lowmemkilld",
		Short: "User-space low-memory killer daemon",
		Long: "lowmemkilld observes kernel memory-pressure signals and proactively kills\n" +
			"selected processes before the kernel OOM killer runs. Invoked with no\n" +
			"flags it runs as the daemon; --reinit and --boot_completed instead talk\n" +
			"to an already-running instance over its control socket and exit.",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case flags.reinit:
				return runClientCommand(flags.socketPath, control.CmdUpdateProps, "UPDATE_PROPS")
			case flags.bootCompleted:
				return runClientCommand(flags.socketPath, control.CmdBootCompleted, "BOOT_COMPLETED")
			default:
				return runDaemon(cmd.Context(), flags)
			}
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&flags.socketPath, "socket", defaultSocketPath, "control socket path")
	fs.StringVar(&flags.configPath, "config", defaultConfigPath, "property-file configuration path")
	fs.StringVar(&flags.logFile, "log-file", "", "log file path (rotated); stderr if empty")
	fs.BoolVar(&flags.debug, "debug", false, "enable debug logging")
	fs.StringVar(&flags.gpuMapPath, "gpu-map", "", "override the pinned GPU-memory BPF map path")
	fs.StringVar(&flags.legacyLMKPath, "legacy-lmk-path", "", "override the legacy /proc/lowmemorykiller path")
	fs.StringVar(&flags.cgroupName, "cgroup-name", defaultCgroupName, "legacy memcg cgroup name to resolve pressure/usage paths under")
	fs.BoolVar(&flags.reinit, "reinit", false, "connect to the running daemon, send UPDATE_PROPS, and exit")
	fs.BoolVar(&flags.bootCompleted, "boot_completed", false, "connect to the running daemon, send BOOT_COMPLETED, and exit")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "lowmemkilld:", err)
		os.Exit(1)
	}
}

// runClientCommand implements the short-lived CLI modes of §6: dial,
// send, report the reply code, exit. A BOOT_COMPLETED reply of 1 ("already
// completed") is surfaced as a non-fatal message; any other nonzero reply,
// such as -1 for a rejected UPDATE_PROPS, is returned as an error so scripts
// can detect it.
func runClientCommand(socketPath string, code control.CommandCode, name string) error {
	result, err := sendCommand(socketPath, code)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	switch {
	case code == control.CmdBootCompleted && result == 1:
		fmt.Println("lowmemkilld: boot already marked completed")
		return nil
	case result != 0:
		return fmt.Errorf("%s: daemon returned failure code %d", name, result)
	default:
		fmt.Printf("lowmemkilld: %s accepted\n", name)
		return nil
	}
}

// runDaemon builds and runs the reactor until the process receives
// SIGINT/SIGTERM, per §10.5's "no-args invocation runs the daemon."
func runDaemon(ctx context.Context, flags *rootFlags) error {
	logger := logging.New(logging.Options{Debug: flags.debug, LogFile: flags.logFile})
	log := logging.For(logger, "main")

	cfg, err := config.Load(flags.configPath)
	if err != nil {
		log.WithError(err).Error("daemon: fatal: initial configuration invalid")
		return err
	}

	d, err := reactor.NewDaemon(log, cfg, reactor.Options{
		SocketPath:    flags.socketPath,
		ConfigPath:    flags.configPath,
		GPUMapPath:    flags.gpuMapPath,
		LegacyLMKPath: flags.legacyLMKPath,
		CgroupName:    flags.cgroupName,
	})
	if err != nil {
		log.WithError(err).Error("daemon: fatal: failed to construct daemon")
		return err
	}

	r := reactor.New(log, d)
	if err := r.Init(); err != nil {
		log.WithError(err).Error("daemon: fatal: reactor initialization failed")
		return err
	}
	defer r.Close()

	stopMetrics := maybeServeMetrics(log, cfg.MetricsListenAddr, d)
	defer stopMetrics()

	log.Info("daemon: reactor running")
	if err := r.Run(ctx); err != nil {
		log.WithError(err).Error("daemon: reactor exited with error")
		return err
	}
	log.Info("daemon: shutdown complete")
	return nil
}

// maybeServeMetrics starts the §11.5 prometheus scrape listener when
// configured, returning a stop func that is always safe to call.
func maybeServeMetrics(log interface{ Warnf(string, ...interface{}) }, addr string, d *reactor.Daemon) func() {
	if addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(d.Metrics().Registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warnf("daemon: metrics listener on %s failed: %v", addr, err)
		}
	}()
	return func() { _ = srv.Close() }
}
