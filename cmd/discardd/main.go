// Command discardd is Discard's connection-core daemon: it owns the
// rendezvous overlay, the SDP/signal exchanges, the SQLite store, the
// Connection Supervisor, and the command transport that front-end clients
// talk to.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

var (
	globalConfigPath string
	globalVerbose    bool
	globalLogger     *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "discardd",
	Short: "Discard connection-core daemon",
	Long: `discardd runs the Discard connection core: peer discovery over a
libp2p rendezvous overlay, WebRTC peer connections negotiated via an SDP
exchange stream, and a local TCP command transport that front-end clients
use to add users, send messages, and manage connections.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		globalLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: logLevel(),
		}))
	},
}

func logLevel() slog.Level {
	if globalVerbose {
		return slog.LevelDebug
	}
	filter := os.Getenv("DISCARD_LOG")
	switch filter {
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

func init() {
	rootCmd.PersistentFlags().StringVar(&globalConfigPath, "config", "", "path to config file (default: /etc/discard/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&globalVerbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the discardd version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func resolvedConfigPath() string {
	if globalConfigPath != "" {
		return globalConfigPath
	}
	return defaultConfigPath()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
