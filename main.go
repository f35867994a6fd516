package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"peershare/commands"
	"peershare/config"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configFile string
	logLevel   string
)

func setLogLevel(level string) error {
	l, err := log.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	log.SetLevel(l)
	return nil
}

func checkConfig() error {
	if configFile == "" {
		return fmt.Errorf("config file not specified")
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	if err := checkConfig(); err != nil {
		return nil, err
	}
	cfg, err := config.NewConfigFromFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func initCmd() *cobra.Command {
	var identity string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkConfig(); err != nil {
				return err
			}
			cfg := config.NewEmptyConfig(configFile)
			cfg.Peer.Identity = identity
			return commands.RunInit(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&identity, "identity", "", "peer identity to store in the config")
	return cmd
}

func registryCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Run the peer registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Registry.ListenAddress = listen
			}
			return commands.RunRegistry(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "override the registry listen address")
	return cmd
}

func peerCmd() *cobra.Command {
	var (
		identity string
		registry string
		share    string
	)

	cmd := &cobra.Command{
		Use:   "peer",
		Short: "Run a peer with an interactive shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if identity != "" {
				cfg.Peer.Identity = identity
			}
			if registry != "" {
				cfg.Peer.RegistryAddress = registry
			}
			if share != "" {
				cfg.Peer.SharePath = share
			}
			if cfg.Peer.Identity == "" {
				return fmt.Errorf("peer identity not set")
			}
			return commands.RunPeer(cmd.Context(), cfg, os.Stdin, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&identity, "identity", "", "override the peer identity")
	cmd.Flags().StringVar(&registry, "registry", "", "override the registry address")
	cmd.Flags().StringVar(&share, "share", "", "override the share directory")
	return cmd
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the registered peers and their files",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return commands.RunList(cmd.Context(), cfg, os.Stdout)
		},
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rootCmd := &cobra.Command{
		Use:           "peershare",
		Short:         "Peer registry and file sharing",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setLogLevel(logLevel)
		},
	}
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "loglevel", "info", "log level")

	rootCmd.AddCommand(
		initCmd(),
		registryCmd(),
		peerCmd(),
		listCmd(),
	)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Fatal(err)
	}
}
