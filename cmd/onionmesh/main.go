// Package main provides the CLI entry point for the onionmesh node.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/postalsys/onionmesh/internal/config"
	"github.com/postalsys/onionmesh/internal/console"
	"github.com/postalsys/onionmesh/internal/control"
	"github.com/postalsys/onionmesh/internal/identity"
	"github.com/postalsys/onionmesh/internal/node"
	"github.com/postalsys/onionmesh/internal/sysinfo"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "onionmesh",
		Short: "onionmesh - onion-routed peer-to-peer overlay node",
		Long: `onionmesh joins a peer-to-peer overlay, discovers other nodes and
builds telescoping onion circuits through them. Data sent into a
circuit is wrapped in one encryption layer per hop, so each relay
only learns its neighbours.`,
		Version:       sysinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(peersCmd())
	rootCmd.AddCommand(circuitCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, console.FormatError(err))
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var (
		dataDir    string
		configPath string
		listen     string
		bootstrap  []string
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new node",
		Long:  "Create the data directory, generate the node identity and write a default configuration file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, created, err := identity.LoadOrCreate(dataDir)
			if err != nil {
				return fmt.Errorf("failed to initialize node: %w", err)
			}
			if created {
				fmt.Printf("Node initialized in %s\n", dataDir)
			} else {
				fmt.Printf("Node already initialized in %s\n", dataDir)
			}
			fmt.Printf("Public key: %s\n", id.PublicKey())

			if _, err := os.Stat(configPath); err == nil && !force {
				fmt.Printf("Config %s exists, leaving it unchanged\n", configPath)
				return nil
			}

			cfg := config.Default()
			cfg.Node.DataDir = dataDir
			cfg.Control.SocketPath = filepath.Join(dataDir, "control.sock")
			if listen != "" {
				cfg.Listen.Address = listen
			}
			cfg.Bootstrap.Peers = bootstrap
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := os.WriteFile(configPath, []byte(cfg.String()), 0600); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}
			fmt.Printf("Config written to %s\n", configPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&dataDir, "data-dir", "d", "./data", "Directory for persistent state")
	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path of the configuration file to write")
	cmd.Flags().StringVarP(&listen, "listen", "l", "", "Listen address (host:port)")
	cmd.Flags().StringSliceVarP(&bootstrap, "bootstrap", "b", nil, "Bootstrap peer (host:port), repeatable")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing configuration file")

	return cmd
}

func runCmd() *cobra.Command {
	var (
		configPath string
		noConsole  bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the overlay node",
		Long:  "Start the node with the specified configuration. On a terminal an interactive console is attached.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			n, err := node.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to create node: %w", err)
			}

			fmt.Printf("Starting onionmesh node...\n")
			if err := n.Start(); err != nil {
				n.Stop()
				return fmt.Errorf("failed to start node: %w", err)
			}

			self := n.Self()
			fmt.Printf("Public key: %s\n", self.PublicKey)
			fmt.Printf("Listening: %s (%s)\n", self.Address(), cfg.Listen.Transport)
			if cfg.Control.Enabled {
				fmt.Printf("Control socket: %s\n", cfg.Control.SocketPath)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if !noConsole && console.IsInteractive(os.Stdin) {
				c := console.New(n, console.Config{Interactive: true})
				if err := c.Run(ctx); err != nil {
					fmt.Fprintln(os.Stderr, console.FormatError(err))
				}
			} else {
				<-ctx.Done()
			}
			fmt.Println("\nShutting down...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := n.StopWithContext(shutdownCtx); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Node stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().BoolVar(&noConsole, "no-console", false, "Do not attach the interactive console")

	return cmd
}

// clientFlags resolves the control socket from --socket or the config file.
type clientFlags struct {
	configPath string
	socket     string
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().StringVarP(&f.socket, "socket", "s", "", "Control socket path (overrides the config file)")
}

func (f *clientFlags) client() (*control.Client, error) {
	path := f.socket
	if path == "" {
		cfg, err := config.Load(f.configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		if !cfg.Control.Enabled {
			return nil, errors.New("control socket is disabled in the configuration")
		}
		path = cfg.Control.SocketPath
	}
	return control.NewClient(path), nil
}

func statusCmd() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show node status",
		Long:  "Display the current status of the running node.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			defer c.Close()

			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("Public key:     %s\n", st.PublicKey)
			fmt.Printf("Address:        %s\n", st.Address)
			fmt.Printf("Running:        %t\n", st.Running)
			fmt.Printf("Peers:          %d connected, %d known\n", st.PeerCount, st.KnownPeers)
			fmt.Printf("Relay circuits: %d\n", st.RelayCircuits)
			if st.Circuit != nil {
				fmt.Print(console.FormatCircuit(*st.Circuit))
			}
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func peersCmd() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List peers",
		Long:  "Display the peers connected to this node and its address book.",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.Peers(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Print(console.FormatPeers(resp.Connected, resp.Known))
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func circuitCmd() *cobra.Command {
	var flags clientFlags

	cmd := &cobra.Command{
		Use:   "circuit",
		Short: "Inspect and drive the node's circuit",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.Circuit(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Print(console.FormatCircuit(resp.Circuit))
			return nil
		},
	}
	flags.register(cmd)

	build := &cobra.Command{
		Use:   "build",
		Short: "Build a new circuit",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.BuildCircuit(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Print(console.FormatCircuit(resp.Circuit))
			return nil
		},
	}
	flags.register(build)

	send := &cobra.Command{
		Use:   "send <data>",
		Short: "Send data through the circuit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.Send(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Printf("Sent %d bytes\n", resp.Bytes)
			return nil
		},
	}
	flags.register(send)

	closeCmd := &cobra.Command{
		Use:   "close",
		Short: "Tear the circuit down",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flags.client()
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.CloseCircuit(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Print(console.FormatCircuit(resp.Circuit))
			return nil
		},
	}
	flags.register(closeCmd)

	cmd.AddCommand(build, send, closeCmd)
	return cmd
}
