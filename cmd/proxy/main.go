// Command auth-mitm is the root orchestrator for the intercepting MITM
// proxy. It loads or generates the local certificate
// authority, wires the engine's collaborators together, and exposes the
// daemon lifecycle (start/restart/stop/log/ps) alongside the foreground
// `run` subcommand, the way caddy's root command layers daemonization on
// top of a single `run` entry point.
package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"auth-mitm/internal/ca"
	"auth-mitm/internal/cagen"
	"auth-mitm/internal/config"
	"auth-mitm/internal/daemon"
	"auth-mitm/internal/engine"
	"auth-mitm/internal/hook"
	"auth-mitm/internal/logger"
	"auth-mitm/internal/management"
	"auth-mitm/internal/metrics"
	"auth-mitm/internal/server"
	"auth-mitm/internal/upstream"
)

// flags carried by the run/start/restart subcommands, plus the management
// API's own port and token.
type flags struct {
	bind            string
	upstreamProxy   string
	cert            string
	key             string
	debug           bool
	managementPort  int
	managementToken string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	fl := &flags{}

	root := &cobra.Command{
		Use:   "auth",
		Short: "MITM forwarding proxy with on-the-fly TLS termination",
	}

	addProxyFlags := func(cmd *cobra.Command) {
		cmd.Flags().StringVar(&fl.bind, "bind", "0.0.0.0:8000", "address to bind the intercepting proxy")
		cmd.Flags().StringVar(&fl.upstreamProxy, "proxy", "", "optional upstream proxy URL")
		cmd.Flags().StringVar(&fl.cert, "cert", "ca/cert.crt", "path to the CA certificate")
		cmd.Flags().StringVar(&fl.key, "key", "ca/key.pem", "path to the CA private key")
		cmd.Flags().BoolVar(&fl.debug, "debug", false, "enable verbose logs")
		cmd.Flags().IntVar(&fl.managementPort, "management-port", 8001, "port for the management API, independent of --bind")
		cmd.Flags().StringVar(&fl.managementToken, "management-token", "", "bearer token required by the management API; empty disables auth")
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run the proxy in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForeground(fl)
		},
	}
	addProxyFlags(runCmd)

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "start the proxy as a background daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := daemon.Start(daemonArgs(fl))
			if err != nil {
				return err
			}
			fmt.Printf("started, pid %d\n", pid)
			return nil
		},
	}
	addProxyFlags(startCmd)

	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "restart the background daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := daemon.Restart(daemonArgs(fl))
			if err != nil {
				return err
			}
			fmt.Printf("restarted, pid %d\n", pid)
			return nil
		},
	}
	addProxyFlags(restartCmd)

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "stop the background daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return daemon.Stop()
		},
	}

	logCmd := &cobra.Command{
		Use:   "log",
		Short: "print the daemon's captured log output",
		RunE: func(cmd *cobra.Command, args []string) error {
			return daemon.Log(os.Stdout)
		},
	}

	psCmd := &cobra.Command{
		Use:   "ps",
		Short: "report whether the daemon is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			running, pid := daemon.Status()
			if !running {
				fmt.Println("not running")
				return nil
			}
			fmt.Printf("running, pid %d\n", pid)
			return nil
		},
	}

	root.AddCommand(runCmd, startCmd, restartCmd, stopCmd, logCmd, psCmd)
	return root
}

// daemonArgs reconstructs the argument list the daemonized child should
// re-exec with: always `run`, plus every flag this invocation carried.
func daemonArgs(fl *flags) []string {
	args := []string{"run",
		"--bind", fl.bind,
		"--cert", fl.cert,
		"--key", fl.key,
		"--management-port", strconv.Itoa(fl.managementPort),
	}
	if fl.upstreamProxy != "" {
		args = append(args, "--proxy", fl.upstreamProxy)
	}
	if fl.managementToken != "" {
		args = append(args, "--management-token", fl.managementToken)
	}
	if fl.debug {
		args = append(args, "--debug")
	}
	return args
}

// applyFlags overlays the CLI flag values onto the layered config
// (defaults → proxy-config.json → env vars); flags take final precedence.
// Every non-empty (non-zero) flag value is applied, including a flag's
// default, so --bind, --cert, --key and --management-port always win over
// the file and env layers.
// --bind carries a full "host:port"; config keeps the two halves separate
// for its own env/JSON layering, so it is split here.
func applyFlags(cfg *config.Config, fl *flags) {
	if host, port, err := net.SplitHostPort(fl.bind); err == nil {
		cfg.BindAddress = host
		if n, convErr := strconv.Atoi(port); convErr == nil {
			cfg.Port = n
		}
	}
	if fl.upstreamProxy != "" {
		cfg.UpstreamProxy = fl.upstreamProxy
	}
	if fl.cert != "" {
		cfg.CACertFile = fl.cert
	}
	if fl.key != "" {
		cfg.CAKeyFile = fl.key
	}
	if fl.managementPort != 0 {
		cfg.ManagementPort = fl.managementPort
	}
	if fl.managementToken != "" {
		cfg.ManagementToken = fl.managementToken
	}
}

// runForeground generates or loads the CA, constructs the upstream client
// and hook collaborators, builds the engine and management API, and runs
// both servers until a shutdown signal arrives. It takes only flags and
// derives everything else, so it can be invoked identically whether it is
// the `run` subcommand or the daemonized re-exec of `start`.
func runForeground(fl *flags) error {
	cfg := config.Load()
	applyFlags(cfg, fl)

	logLevel := cfg.LogLevel
	if fl.debug {
		logLevel = "debug"
	}
	rootLog := logger.New("MITM", logLevel)

	if !cagen.Exists(cfg.CACertFile, cfg.CAKeyFile) {
		rootLog.Infof("ca_generate", "generating CA material at %s / %s", cfg.CACertFile, cfg.CAKeyFile)
		if err := cagen.Generate(cfg.CACertFile, cfg.CAKeyFile); err != nil {
			return fmt.Errorf("generate CA: %w", err)
		}
		// Echo the fresh material to stdout so a first run leaves the
		// operator with everything they need in one place.
		for _, path := range []string{cfg.CACertFile, cfg.CAKeyFile} {
			if data, readErr := os.ReadFile(path); readErr == nil {
				os.Stdout.Write(data) //nolint:errcheck
			}
		}
		printCAInstructions(cfg.CACertFile)
	}

	m := metrics.New()

	root, err := ca.Load(cfg.CACertFile, cfg.CAKeyFile, cfg.CacheCapacity)
	if err != nil {
		return fmt.Errorf("load CA: %w", err)
	}
	root = root.WithMetrics(m)

	up, err := upstream.New(cfg.UpstreamProxy)
	if err != nil {
		return fmt.Errorf("build upstream client: %w", err)
	}

	proxyAddr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	managementAddr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.ManagementPort)

	e := engine.New(root, up, hook.Passthrough{}, logger.New("ENGINE", logLevel), m)

	proxySrv, err := server.New(proxyAddr, e)
	if err != nil {
		return fmt.Errorf("bind proxy listener: %w", err)
	}

	mgmt := management.New(proxyAddr, root, m, cfg.ManagementToken, logger.New("MANAGEMENT", logLevel))

	if daemon.IsChild() {
		if err := daemon.DropPrivileges(); err != nil {
			return fmt.Errorf("drop privileges: %w", err)
		}
	}

	rootLog.Infof("listen", "proxy listening on %s, management on %s", proxyAddr, managementAddr)

	shutdown := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		rootLog.Info("shutdown", "ctrl-c received")
		close(shutdown)
	}()

	errCh := make(chan error, 2)
	go func() { errCh <- proxySrv.Serve(shutdown) }()
	go func() { errCh <- mgmt.ListenAndServe(managementAddr, shutdown) }()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && err != http.ErrServerClosed && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func printCAInstructions(certFile string) {
	fmt.Println("Generated a new CA root certificate and key.")
	fmt.Printf("Trust %s to enable TLS interception:\n", certFile)
	fmt.Printf("  macOS:   security add-trusted-cert -d -r trustRoot -k ~/Library/Keychains/login.keychain %s\n", certFile)
	fmt.Printf("  Linux:   sudo cp %s /usr/local/share/ca-certificates/auth-mitm.crt && sudo update-ca-certificates\n", certFile)
	fmt.Printf("  Windows: certutil -addstore Root %s\n", certFile)
}
