// Boardlink-server relays commands, telemetry and firmware between embedded
// boards and their admin clients.
//
// Boards and web clients speak a tagged binary protocol over WebSocket;
// scripts and home-automation hooks can reach the same command path through
// a GET endpoint. State the server owns (IP blacklist, config) lives in
// JSON files next to the binary.
//
// Usage:
//
//	boardlink-server server [flags]
//
// See 'boardlink-server server --help' for available options.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ferrule/boardlink/internal/config"
	"github.com/ferrule/boardlink/internal/server"
	"github.com/ferrule/boardlink/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "boardlink-server",
	Short: "Boardlink relay server",
	Long: `The relay server boards and admin clients connect to.

It brokers discovery, command execution, log delivery and over-the-air
firmware updates between embedded boards and the web clients that manage
them, over a single WebSocket port shared with an HTTP command bridge.`,
	Version: version.Version,
}

func init() {
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(versionCmd)
}

// Server command and flags
var (
	host          string
	port          int
	configPath    string
	blacklistPath string
	logLevel      string
	noMDNS        bool
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the relay server",
	Long: `Start the relay server and block until interrupted.

Configuration comes from a JSON file (created with defaults when missing
or damaged). Flags override the file where they overlap.`,
	Example: `  # Start with the default config file (globalConfig.json)
  boardlink-server server

  # Start on a custom port with debug logging
  boardlink-server server --port 8080 --log-level debug

  # Use a specific config file and skip mDNS advertisement
  boardlink-server server --config /etc/boardlink/config.json --no-mdns`,
	RunE: runServer,
}

func init() {
	serverCmd.Flags().StringVar(&host, "host", "", "Listen hostname (empty = all interfaces)")
	serverCmd.Flags().IntVar(&port, "port", 0, "Listen port (0 = use config file value)")
	serverCmd.Flags().StringVar(&configPath, "config", config.DefaultFile, "Path to the JSON config file")
	serverCmd.Flags().StringVar(&blacklistPath, "blacklist", "blacklist.json", "Path to the persisted IP blacklist")
	serverCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	serverCmd.Flags().BoolVar(&noMDNS, "no-mdns", false, "Disable mDNS advertisement")
}

func runServer(cmd *cobra.Command, args []string) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("port out of range: %d", port)
	}

	srv, err := server.New(server.Options{
		Host:          host,
		Port:          port,
		ConfigPath:    configPath,
		BlacklistPath: blacklistPath,
		LogLevel:      logLevel,
		DisableMDN:    noMDNS,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.Start()
}

// Version command
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("boardlink-server %s (commit: %s)\n", version.Version, version.Commit)
	},
}
