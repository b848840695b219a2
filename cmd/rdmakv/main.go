package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yuuki/rdmakv/internal/config"
	"github.com/yuuki/rdmakv/internal/node"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "rdmakv [server-address]",
		Short: "rdmakv - key-value store over RDMA reliable connections",
		Long: `rdmakv exchanges queue pair information over TCP and then serves a
key-value store over an RDMA reliable connection.

Without an address it runs as server and waits for one client:
  rdmakv -d mlx5_0

With an address it connects to that server and opens a shell:
  rdmakv -d mlx5_0 10.0.0.1

Configuration is read from rdmakv.yaml, RDMAKV_* environment variables
and flags, in increasing precedence.`,
		Version:      fmt.Sprintf("%s (commit: %s)", Version, Commit),
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, args)
			if err != nil {
				return err
			}
			mode := node.ModeServer
			if cfg.Peer != "" {
				mode = node.ModeClient
			}
			return run(cfg, mode)
		},
	}
	config.SetupFlags(rootCmd.PersistentFlags())

	rootCmd.AddCommand(newHTTPCmd())
	rootCmd.AddCommand(newDemoCmd())
	rootCmd.AddCommand(newConfigCmd())
	return rootCmd
}

func newHTTPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "http [server-address]",
		Short: "Serve the HTTP API; connect with POST /login or the given address",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, args)
			if err != nil {
				return err
			}
			return run(cfg, node.ModeHTTP)
		},
	}
}

func newDemoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run a server and a shell client in one process over the simulated fabric",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, nil)
			if err != nil {
				return err
			}
			cfg.Provider = config.ProviderSim
			cfg.Device = ""
			return run(cfg, node.ModeDemo)
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	var output string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Write the default configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteDefaultConfig(output); err != nil {
				return fmt.Errorf("error creating default config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created default configuration at %s\n", output)
			return nil
		},
	}
	createCmd.Flags().StringVarP(&output, "output", "o", "rdmakv.yaml", "Path where to write the default configuration")

	cmd.AddCommand(createCmd)
	return cmd
}

func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("error loading configuration: %w", err)
	}
	if len(args) > 0 {
		cfg.Peer = args[0]
	}
	return cfg, nil
}

func run(cfg *config.Config, mode node.Mode) error {
	n, err := node.New(cfg, Version)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create node")
	}
	if err := n.Run(mode, os.Stdin, os.Stdout); err != nil {
		log.Fatal().Err(err).Stringer("mode", mode).Msg("Node failed")
	}
	return nil
}
