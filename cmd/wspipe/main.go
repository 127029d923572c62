// Command wspipe connects stdin and stdout to a WebSocket or framed TCP
// endpoint: every input line is sent as one frame and everything received is
// written to stdout. It keeps the connection alive with the session
// package's keepalive and reconnect timers.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/risa-org/wspipe/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "wspipe",
		Short: "Pipe stdin and stdout through a self-healing socket connection",
		Long: `wspipe keeps one connection to a ws://, wss:// or tcp:// endpoint open,
sending every line read from stdin as one frame and printing every frame
received. Settings come from flags, WSPIPE_* environment variables and an
optional wspipe.yaml file, in that order of precedence.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringP("config", "c", "", "config file (default ./wspipe.yaml or $WSPIPE_CONFIG)")
	pf.String("url", "", "endpoint to connect to")
	pf.String("message-type", "", "frame type for outbound data: text or binary")
	pf.Duration("grace", 0, "how long an outbound flush may take after the peer closed")
	pf.Duration("keepalive", 0, "keepalive interval, 0 disables")
	pf.String("keepalive-payload", "", "keepalive frame, empty sends a ping")
	pf.Duration("reconnect", 0, "reconnect interval, 0 disables")
	pf.Duration("reconnect-max", 0, "upper bound for exponential reconnect backoff")
	pf.String("log-level", "", "debug, info, warn or error")
	pf.String("log-format", "", "console or json")

	root.AddCommand(newConnectCmd(), newConfigCmd())
	return root
}

// loadConfig resolves the effective configuration for cmd. A positional
// argument, if any, is the URL.
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	flags := cmd.Flags()
	if len(args) > 0 {
		if err := flags.Set("url", args[0]); err != nil {
			return nil, err
		}
	}

	path, err := flags.GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path, flags)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}
