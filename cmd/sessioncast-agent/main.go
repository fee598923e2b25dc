package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/breeze-rmm/agent/internal/capture"
	"github.com/breeze-rmm/agent/internal/config"
	"github.com/breeze-rmm/agent/internal/eventbus"
	"github.com/breeze-rmm/agent/internal/framecompress"
	"github.com/breeze-rmm/agent/internal/logging"
	"github.com/breeze-rmm/agent/internal/relay"
	"github.com/breeze-rmm/agent/internal/sessioncontroller"
	"github.com/breeze-rmm/agent/internal/tmuxadapter"
)

var (
	version   = "0.1.0"
	cfgFile   string
	relayURL  string
	relayTok  string
	hostLabel string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "sessioncast-agent",
	Short: "SessionCast Agent",
	Long:  `SessionCast Agent bridges local tmux sessions to a remote relay over a persistent WebSocket connection.`,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the agent",
	Run: func(cmd *cobra.Command, args []string) {
		runAgent()
	},
}

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Write a local config pointing this host at a relay",
	Run: func(cmd *cobra.Command, args []string) {
		enrollHost()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("SessionCast Agent v%s\n", version)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check agent configuration status",
	Run: func(cmd *cobra.Command, args []string) {
		checkStatus()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/sessioncast/agent.yaml)")
	enrollCmd.Flags().StringVar(&relayURL, "relay-url", "", "relay WebSocket URL (wss://...)")
	enrollCmd.Flags().StringVar(&relayTok, "token", "", "relay auth token")
	enrollCmd.Flags().StringVar(&hostLabel, "label", "", "human-readable label for this host")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(enrollCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initLogging sets up structured logging from config. Call after config.Load().
func initLogging(cfg *config.Config) {
	var output io.Writer = os.Stdout
	logFileFallback := false

	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v (logging to stdout)\n", cfg.LogFile, err)
			logFileFallback = true
		} else {
			output = logging.TeeWriter(os.Stdout, rw)
		}
	}

	logging.Init(cfg.LogFormat, cfg.LogLevel, output)
	log = logging.L("main")

	if logFileFallback {
		log.Warn("log file fallback active, logging to stdout only", "requestedFile", cfg.LogFile)
	}
}

// agentComponents holds the running components created by runAgent so a
// signal handler can shut them down in the right order.
type agentComponents struct {
	bus        *eventbus.Bus
	transport  *relay.Transport
	engine     *capture.Engine
	controller *sessioncontroller.Controller
}

// shutdownAgent tears components down in dependency order: stop
// streaming first, then the capture engine, then the transport, then
// drain the event bus.
func shutdownAgent(comps *agentComponents) {
	if comps == nil {
		return
	}
	comps.controller.Close()
	comps.transport.Close()

	comps.bus.StopAccepting()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	comps.bus.Drain(ctx)
}

func runAgent() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	initLogging(cfg)

	log.Info("starting agent",
		"version", version,
		"relay", cfg.Relay.URL,
		"machineId", cfg.Agent.MachineID,
	)

	bus := eventbus.NewAsync(cfg.EventBusWorkers, cfg.EventBusQueueSize)
	adapter := tmuxadapter.New()
	compressor := framecompress.New()
	engine := capture.New(adapter, compressor, capture.Config{
		Workers:   cfg.CaptureWorkers,
		QueueSize: cfg.CaptureQueueSize,
	})

	relayCfg := relay.Config{
		URL:                    cfg.Relay.URL,
		Token:                  cfg.Relay.Token,
		MachineID:              cfg.Agent.MachineID,
		Label:                  cfg.Agent.Label,
		ReconnectEnabled:       cfg.Reconnect.Enabled,
		InitialDelay:           time.Duration(cfg.Reconnect.InitialDelayMs) * time.Millisecond,
		MaxDelay:               time.Duration(cfg.Reconnect.MaxDelayMs) * time.Millisecond,
		MaxAttempts:            cfg.Reconnect.MaxAttempts,
		CircuitBreakerDuration: time.Duration(cfg.Reconnect.CircuitBreakerDurationS) * time.Second,
	}

	var controller *sessioncontroller.Controller
	transport := relay.New(relayCfg, bus, func(sessionName, workDir string) {
		controller.CreateSessionHook(sessionName, workDir)
	})
	controller = sessioncontroller.New(adapter, engine, transport, bus, cfg.Agent.AutoStreamOnCreate)

	comps := &agentComponents{bus: bus, transport: transport, engine: engine, controller: controller}

	if cfg.Agent.AutoConnect {
		completion, err := transport.Connect()
		if err != nil {
			log.Error("initial connect rejected", "error", err)
		} else {
			go func() {
				if err := completion.Wait(); err != nil {
					log.Warn("initial connect did not succeed", "error", err)
				}
			}()
		}
	}

	log.Info("agent is running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Info("shutting down agent")
	shutdownAgent(comps)
	log.Info("agent stopped")
}

// enrollHost writes (or updates) the local config with relay connection
// details, generating a machineId if one is not already set.
func enrollHost() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		cfg = config.Default()
	}

	if relayURL != "" {
		cfg.Relay.URL = relayURL
	}
	if relayTok != "" {
		cfg.Relay.Token = relayTok
	}
	if hostLabel != "" {
		cfg.Agent.Label = hostLabel
	}
	if cfg.Agent.MachineID == "" {
		cfg.Agent.MachineID = uuid.NewString()
	}

	if cfg.Relay.Token == "" {
		fmt.Fprintln(os.Stderr, "Relay token required. Use --token or set relay.token in config.")
		os.Exit(1)
	}

	result := cfg.ValidateTiered()
	for _, werr := range result.Warnings {
		fmt.Fprintf(os.Stderr, "warning: %v\n", werr)
	}
	if result.HasFatals() {
		for _, ferr := range result.Fatals {
			fmt.Fprintf(os.Stderr, "error: %v\n", ferr)
		}
		os.Exit(1)
	}

	if err := config.SaveTo(cfg, cfgFile); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to save config: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Enrollment successful!")
	fmt.Printf("Machine ID: %s\n", cfg.Agent.MachineID)
	fmt.Printf("Relay: %s\n", cfg.Relay.URL)
	fmt.Println("Run 'sessioncast-agent run' to start the agent.")
}

func checkStatus() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Println("Status: Not configured")
		return
	}

	if cfg.Agent.MachineID == "" || cfg.Relay.Token == "" {
		fmt.Println("Status: Not enrolled")
		return
	}

	fmt.Println("Status: Enrolled")
	fmt.Printf("Machine ID: %s\n", cfg.Agent.MachineID)
	fmt.Printf("Relay: %s\n", cfg.Relay.URL)
	fmt.Printf("Auto-connect: %v\n", cfg.Agent.AutoConnect)
	fmt.Printf("Auto-stream on create: %v\n", cfg.Agent.AutoStreamOnCreate)
}
