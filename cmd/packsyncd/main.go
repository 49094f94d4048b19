// Command packsyncd runs the peer-to-peer sync core of the packsync
// inventory application: LAN peer discovery, direct peer channels and
// conflict-resolved exchange of inventory changes, with no central server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/soren/packsync/internal/config"
	"github.com/soren/packsync/internal/identity"
	"github.com/soren/packsync/internal/node"
)

// Version may be set at build time via -ldflags "-X main.Version=...".
var Version = "dev"

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "packsyncd",
		Short: "Peer-to-peer inventory sync daemon",
		Long: `packsyncd keeps inventory data in sync across devices on a local
network. Peers find each other by broadcast (or mDNS), connect directly and
exchange ownership-scoped changes with timestamp-based conflict resolution.`,
		SilenceUsage: true,
	}
	addConfigFlag(root.PersistentFlags())

	root.AddCommand(runCmd(), identityCmd(), statusCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func addConfigFlag(fs *pflag.FlagSet) {
	fs.StringVarP(&configPath, "config", "c", "packsync.yaml", "path to the YAML config file")
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)
			slog.SetDefault(logger)

			n, err := node.New(cfg, logger, node.Options{})
			if err != nil {
				logger.Error("start sync core", "err", err)
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return n.Run(ctx)
		},
	}
}

func identityCmd() *cobra.Command {
	var rename string
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Show (or rename) this device's identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ids, err := identity.Open(filepath.Join(cfg.DataDir, "identity.db"))
			if err != nil {
				return err
			}
			defer ids.Close()

			name := cfg.DeviceName
			if name == "" {
				name, _ = os.Hostname()
			}
			if rename != "" {
				name = rename
			}
			id, err := ids.Ensure(name, cfg.ListenAddr, nil)
			if err != nil {
				return err
			}
			fmt.Printf("id:    %s\nname:  %s\naddr:  %s\ncaps:  %s\n",
				id.ID, id.Name, id.Address, strings.Join(id.Capabilities, ","))
			return nil
		},
	}
	cmd.Flags().StringVar(&rename, "rename", "", "set a new display name")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the packsyncd version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(Version)
		},
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.LogFormat) == "text" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}
