// Command neatxd is the NX 3.x-compatible session broker: the
// login front-end, the per-user session broker, and the per-session node
// daemon are all the same binary, dispatched by subcommand the way the
// original nxserver/nxnode scripts were separate wrappers around one
// Python library.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/neatx/neatxd/internal/audit"
	"github.com/neatx/neatxd/internal/authenticator"
	"github.com/neatx/neatxd/internal/broker"
	"github.com/neatx/neatxd/internal/config"
	"github.com/neatx/neatxd/internal/frontend"
	"github.com/neatx/neatxd/internal/logging"
	"github.com/neatx/neatxd/internal/metrics"
	"github.com/neatx/neatxd/internal/nodedaemon"
	"github.com/neatx/neatxd/internal/nxerrors"
	"github.com/neatx/neatxd/internal/nxversion"
	"github.com/neatx/neatxd/internal/protocol"
	"github.com/neatx/neatxd/internal/session"
)

var (
	version = "0.1.0"

	cfgFile     string
	protoFlag   string
	debugFlag   bool
	logToStderr bool
	dumpOptions bool
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "neatxd",
	Short: "NX 3.x session broker",
}

var frontEndCmd = &cobra.Command{
	Use:   "front-end",
	Short: "Run the login front-end over the current stdin/stdout",
	Run: func(cmd *cobra.Command, args []string) {
		runFrontEnd()
	},
}

var brokerCmd = &cobra.Command{
	Use:   "broker <username>",
	Short: "Run the session broker for an already-authenticated user",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runBroker(args[0])
	},
}

var nodeCmd = &cobra.Command{
	Use:   "node <username> <session-id>",
	Short: "Run the per-session node daemon (started by the broker, not by hand)",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		runNode(args[0], args[1])
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("neatxd version %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/neatx/neatxd.yaml)")
	rootCmd.PersistentFlags().StringVar(&protoFlag, "proto", "", "protocol version to assume (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "enable debug-level logging")
	rootCmd.PersistentFlags().BoolVar(&logToStderr, "logtostderr", false, "log to stderr instead of the configured log file")

	nodeCmd.Flags().BoolVar(&dumpOptions, "dump-options", false, "print the session's nxagent bring-up plan as YAML instead of starting it")

	rootCmd.AddCommand(frontEndCmd, brokerCmd, nodeCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads configuration and applies --debug/--logtostderr on top
// of it, then initializes the component's logger. When logging to a file,
// it also arms a SIGHUP handler that reopens the log file in place so an
// operator can rotate logs without restarting a broker or node daemon
// mid-session.
func loadConfig(component string) *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if debugFlag {
		cfg.LogLevel = "debug"
	}

	var output io.Writer = os.Stderr
	if !logToStderr && cfg.LogFile != "" {
		rw, rerr := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if rerr != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file %s: %v (logging to stderr)\n", cfg.LogFile, rerr)
		} else {
			output = rw
			armRotationSignal(rw)
		}
	}

	logging.Init(cfg.LogFormat, cfg.LogLevel, output)
	log = logging.L(component)
	return cfg
}

// armRotationSignal reopens rw's underlying file on every SIGHUP for the
// life of the process.
func armRotationSignal(rw *logging.RotatingWriter) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGHUP)
	go func() {
		for range sigChan {
			if err := rw.Reopen(); err != nil {
				fmt.Fprintf(os.Stderr, "failed to reopen log file %s: %v\n", rw.Path(), err)
				continue
			}
			log.Info("log file reopened on SIGHUP", "path", rw.Path())
		}
	}()
}

func protocolDigits() []int { return nxversion.DefaultDigits }

func protocolVersion(cfg *config.Config) int64 {
	versionStr := cfg.ProtocolVersion
	if protoFlag != "" {
		versionStr = protoFlag
	}
	ver, err := nxversion.Parse(versionStr, ".", protocolDigits())
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid protocol version %q: %v\n", versionStr, err)
		os.Exit(1)
	}
	return ver
}

func newAuditLogger(cfg *config.Config) *audit.Logger {
	if !cfg.AuditEnabled {
		return nil
	}
	logger, err := audit.NewLogger(cfg)
	if err != nil {
		log.Error("failed to open audit log, continuing without it", "error", err)
		return nil
	}
	return logger
}

// runFrontEnd drives the login front-end's command loop over stdin/stdout,
// the transport a freshly accepted NX client connection is handed off as.
func runFrontEnd() {
	cfg := loadConfig("frontend")

	selfPath, err := os.Executable()
	if err != nil {
		log.Error("cannot resolve own executable path", "error", err)
		os.Exit(1)
	}

	fcfg := frontend.Config{
		ProtocolVersion: protocolVersion(cfg),
		VersionDigits:   protocolDigits(),
		VersionSep:      ".",
		BrokerPath:      selfPath,
		Auth: authenticator.Config{
			Method:  cfg.AuthMethod,
			SUPath:  cfg.SuPath,
			SSHPath: cfg.SSHPath,
			SSHHost: cfg.SSHHost,
			SSHPort: cfg.SSHPort,
		},
	}

	codec := protocol.New(os.Stdin, os.Stdout)
	handler := frontend.NewHandler(codec, fcfg)

	if err := handler.Banner(); err != nil {
		log.Error("failed to write banner", "error", err)
		os.Exit(1)
	}

	runLoop(context.Background(), codec, handler.Dispatch)
}

// runBroker drives the per-user session broker's command loop. It is the
// exec-replacement target of a successful front-end authentication, so
// username arrives positionally and stdio is already the client's.
func runBroker(username string) {
	cfg := loadConfig("broker")

	store := session.NewStore(cfg.SessionsDir())
	store.SetSocketName(cfg.SessionSocket)
	auditLog := newAuditLogger(cfg)
	if auditLog != nil {
		defer auditLog.Close()
	}

	selfPath, err := os.Executable()
	if err != nil {
		log.Error("cannot resolve own executable path", "error", err)
		os.Exit(1)
	}
	launcher := nodedaemon.NewLauncher(store, selfPath, "--config="+cfgFile)

	bctx := &broker.Context{Username: username}
	codec := protocol.New(os.Stdin, os.Stdout)
	handler := broker.NewHandler(codec, store, launcher, bctx, auditLog)

	if cfg.MetricsEnabled {
		reg := prometheus.NewRegistry()
		mreg := metrics.NewRegistry(reg)
		handler.SetMetrics(mreg)
		go serveMetrics(cfg, reg)
	}

	auditLog.Log(audit.EventBrokerStart, "", map[string]any{"username": username})
	defer auditLog.Log(audit.EventBrokerStop, "", map[string]any{"username": username})

	if err := handler.Banner(); err != nil {
		log.Error("failed to write banner", "error", err)
		os.Exit(1)
	}

	runLoop(context.Background(), codec, handler.Dispatch)
}

// runNode brings a session's node daemon up: it double-forked here
// already (the launcher calls daemonize.Start before re-exec'ing into
// this subcommand), so this just builds the Daemon and serves its RPC
// socket until the session ends or is terminated.
func runNode(username, sessionID string) {
	cfg := loadConfig("nodedaemon")

	store := session.NewStore(cfg.SessionsDir())
	store.SetSocketName(cfg.SessionSocket)

	if dumpOptions {
		dumpSessionOptions(store, username, sessionID)
		return
	}

	auditLog := newAuditLogger(cfg)
	if auditLog != nil {
		defer auditLog.Close()
	}

	ncfg := nodedaemon.Config{
		Xauth:             cfg.XauthPath,
		XRdb:              cfg.XRdbPath,
		NxAgent:           cfg.NxAgentPath,
		NxDialog:          cfg.NxDialogPath,
		StartKdeCommand:   cfg.StartKDECommand,
		StartGnomeCommand: cfg.StartGnomeCommand,
		StartConsoleCmd:   cfg.StartConsoleCommand,
	}

	daemon := nodedaemon.New(ncfg, store, username, auditLog)

	socketPath := store.NodeSocketPath(sessionID)
	allowUID, err := currentUID()
	if err != nil {
		log.Error("failed to resolve uid", "error", err)
		os.Exit(1)
	}

	log.Info("node daemon starting", "username", username, "sessionId", sessionID, "socket", socketPath)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigChan
		log.Info("node daemon received shutdown signal", "sessionId", sessionID)
		os.Exit(0)
	}()

	if err := daemon.ListenAndServe(socketPath, allowUID); err != nil {
		log.Error("node daemon exited", "sessionId", sessionID, "error", err)
		os.Exit(1)
	}
}

// dumpSessionOptions loads a session's record and prints the nxagent
// bring-up plan computed for it as YAML, for diagnosing a session that
// failed to start without replaying the whole bring-up pipeline.
func dumpSessionOptions(store *session.Store, username, sessionID string) {
	rec, err := store.LoadSessionForUser(sessionID, username)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load session %s: %v\n", sessionID, err)
		os.Exit(1)
	}
	if rec == nil {
		fmt.Fprintf(os.Stderr, "no session %s for user %s\n", sessionID, username)
		os.Exit(1)
	}

	out, err := yaml.Marshal(nodedaemon.DumpOptions(store, rec))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal options dump: %v\n", err)
		os.Exit(1)
	}
	os.Stdout.Write(out)
}

func currentUID() (uint32, error) {
	uid := os.Getuid()
	if uid < 0 {
		return 0, fmt.Errorf("negative uid %d", uid)
	}
	return uint32(uid), nil
}

func serveMetrics(cfg *config.Config, reg *prometheus.Registry) {
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler(reg)}
	log.Info("metrics endpoint starting", "addr", cfg.MetricsAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error("metrics endpoint stopped", "error", err)
	}
}

// runLoop reads command lines off codec and dispatches them through
// dispatch until a quit/quiet-quit error or fatal protocol error ends the
// session; non-fatal errors are logged and the loop continues.
func runLoop(ctx context.Context, codec *protocol.Codec, dispatch func(context.Context, string) error) {
	for {
		line, err := codec.ReadLine()
		if err != nil {
			if _, ok := err.(*nxerrors.QuitError); !ok {
				log.Error("error reading command", "error", err)
			}
			return
		}

		derr := dispatch(ctx, line)
		if derr == nil {
			continue
		}

		switch e := derr.(type) {
		case *nxerrors.QuitError, *nxerrors.QuietQuitError:
			return
		case *nxerrors.ProtocolError:
			if werr := codec.Write(e.Code, e.Message); werr != nil {
				log.Error("failed to write protocol error", "error", werr)
				return
			}
			if e.Fatal {
				return
			}
		default:
			log.Error("command dispatch failed", "error", derr)
		}
	}
}
