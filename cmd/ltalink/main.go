// Ltalink - Logotronic databus gateway
//
// Bridges the Industrial Edge databus (MQTT) to the Logotronic production
// server's framed XML protocol over TCP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ltalink/config"
	"ltalink/gateway"
	"ltalink/logging"
)

// Version is set at build time via -ldflags
var Version = "dev"

// exitDelay lets pending publishes drain before the process exits.
const exitDelay = time.Second

// preprocessLogDebugFlag handles --log-debug without a value by injecting "all" as the default.
func preprocessLogDebugFlag() {
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--log-debug" || arg == "-log-debug" {
			if i+1 >= len(args) || (len(args[i+1]) > 0 && args[i+1][0] == '-') {
				os.Args = append(os.Args[:i+2], append([]string{"all"}, os.Args[i+2:]...)...)
			}
			return
		}
		if len(arg) > 11 && (arg[:12] == "--log-debug=" || arg[:11] == "-log-debug=") {
			return
		}
	}
}

// Command line flags
var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	httpPort    = flag.Int("p", 0, "HTTP listen port (overrides config)")
	httpHost    = flag.String("host", "", "HTTP bind address (overrides config)")
	logFile     = flag.String("log", "", "Path to log file (overrides config)")
	logDebug    = flag.String("log-debug", "", "Enable debug logging to debug.log")
)

func main() {
	preprocessLogDebugFlag()
	flag.Parse()

	if *showVersion {
		fmt.Printf("ltalink %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Flag overrides are in memory only.
	if *httpPort != 0 {
		cfg.Web.Port = *httpPort
	}
	if *httpHost != "" {
		cfg.Web.Host = *httpHost
	}
	if *logFile != "" {
		cfg.Log.File = *logFile
	}
	if *logDebug != "" {
		cfg.Log.Debug = *logDebug
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	os.Exit(run(cfg))
}

// run starts the gateway and blocks until a signal or a restart request.
// It returns the process exit code.
func run(cfg *config.Config) int {
	logger := logging.NewConsoleLogger(os.Stdout)
	if cfg.Log.File != "" {
		fl, err := logging.NewFileLogger(cfg.Log.File)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open log file: %v\n", err)
		} else {
			logger = fl.Tee(os.Stdout)
		}
	}
	defer logger.Close()

	var debugLogger *logging.DebugLogger
	if cfg.Log.Debug != "" {
		var err error
		debugLogger, err = logging.NewDebugLogger("debug.log")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open debug log: %v\n", err)
		} else {
			filter := cfg.Log.Debug
			if filter == "all" || filter == "true" || filter == "1" {
				filter = ""
			}
			debugLogger.SetFilter(filter)
			logging.SetGlobalDebugLogger(debugLogger)
			if filter == "" {
				logger.Log("Debug logging enabled (all protocols) - writing to debug.log")
			} else {
				logger.Log("Debug logging enabled (filter: %s) - writing to debug.log", filter)
			}
		}
	}
	defer func() {
		if debugLogger != nil {
			debugLogger.Close()
		}
	}()

	gw, err := gateway.New(gateway.Config{
		AppConfig: cfg,
		Version:   Version,
		LogFunc:   logger.Log,
	})
	if err != nil {
		logger.Log("startup failed: %v", err)
		return 1
	}
	if srv := gw.Web(); srv != nil {
		logger.Log("ltalink %s, web at %s", Version, srv.Address())
	} else {
		logger.Log("ltalink %s", Version)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = gw.Run(ctx)
	switch {
	case err == nil:
		logger.Log("shutting down")
	case errors.Is(err, gateway.ErrRestartRequested):
		// The process supervisor starts a fresh instance.
		logger.Log("exiting for restart")
	default:
		logger.Log("stopped: %v", err)
		return 1
	}

	time.Sleep(exitDelay)
	logger.Log("Stopped")
	return 0
}
