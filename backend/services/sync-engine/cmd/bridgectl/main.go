// Command bridgectl runs one bridge command against one device and prints
// the JSON result. The stream command prints one line per pushed reading.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"fleetsync/backend/libs/logging"
	"fleetsync/backend/services/sync-engine/internal/bridge"
	"fleetsync/backend/services/sync-engine/internal/token"
)

type options struct {
	bridgePath  string
	bridgeArgs  []string
	gatewayURL  string
	tokenSecret string
	serial      string
	accessURL   string
	timeout     time.Duration
	verbose     bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "bridgectl: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	flagSet := pflag.NewFlagSet("bridgectl", pflag.ContinueOnError)
	flagSet.StringVar(&opts.bridgePath, "bridge", "", "path to the bridge executable")
	flagSet.StringArrayVar(&opts.bridgeArgs, "bridge-arg", nil, "argument passed to the bridge executable (repeatable)")
	flagSet.StringVar(&opts.gatewayURL, "gateway", "", "websocket gateway URL; used instead of --bridge when set")
	flagSet.StringVar(&opts.tokenSecret, "token-secret", os.Getenv("SYNC_BRIDGE_TOKEN_SECRET"), "HS256 secret for the gateway bearer token")
	flagSet.StringVar(&opts.serial, "serial", "", "device serial")
	flagSet.StringVar(&opts.accessURL, "url", "", "device access URL, required for device commands")
	flagSet.DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall deadline")
	flagSet.BoolVarP(&opts.verbose, "verbose", "v", false, "log bridge traffic to stderr")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: bridgectl [flags] <command> [args...]\n\n")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	args := flagSet.Args()
	if len(args) == 0 {
		flagSet.Usage()
		return errors.New("missing command")
	}
	command, commandArgs := args[0], args[1:]
	if _, ok := operations[command]; !ok {
		return fmt.Errorf("unknown command %q (known: %v)", command, commandNames())
	}

	logger := zap.NewNop()
	if opts.verbose {
		verbose, err := logging.New(logging.Options{
			Service:  "bridgectl",
			Level:    "debug",
			Encoding: "console",
			Output:   "stderr",
		})
		if err != nil {
			return err
		}
		logger = verbose
	}
	defer logger.Sync() // best-effort flush

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()

	transport, err := newTransport(opts)
	if err != nil {
		return err
	}
	hooks, monitor := monitorHooks(64)
	client := bridge.NewClient(opts.serial, transport, bridge.Options{Hooks: hooks, Logger: logger})
	if err := client.Start(ctx); err != nil {
		return err
	}
	defer client.Stop()

	result, err := execute(ctx, command, request{
		client:    client,
		args:      commandArgs,
		accessURL: opts.accessURL,
		monitor:   monitor,
		out:       os.Stdout,
	})
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, result)
}

func newTransport(opts options) (bridge.Transport, error) {
	if opts.gatewayURL != "" {
		if opts.serial == "" {
			return nil, errors.New("--serial is required with --gateway")
		}
		t := &bridge.WebSocketTransport{GatewayURL: opts.gatewayURL, DeviceSerial: opts.serial}
		if opts.tokenSecret != "" {
			t.Tokens = token.NewService(opts.tokenSecret, time.Minute)
		}
		return t, nil
	}
	if opts.bridgePath == "" {
		return nil, errors.New("one of --bridge or --gateway is required")
	}
	return bridge.NewExecTransport(opts.bridgePath, opts.bridgeArgs...), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
