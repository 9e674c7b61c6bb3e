package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	// API connection
	APIUrl     string
	APITimeout time.Duration
	Token      string
	CACert     string
	Insecure   bool
}

// buildRoot creates the root command with all subcommands attached.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	cmd := command{flags: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createConfigCommand(cmd),
		createBackupCommand(cmd),
		createEngineCommand(cmd),
		createTemplateCommand(cmd),
	)
	return root
}

// createRootCommand creates the root command with persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "proxyvisor",
		Short: "Configuration store and supervisor for the mihomo proxy engine",
		Long: `Proxyvisor keeps the mihomo configuration safe on disk, with backups,
and keeps the engine running by restarting it when its health check fails.

Examples:
  proxyvisor serve                      # Start the daemon
  proxyvisor config get --yaml          # Print the engine configuration
  proxyvisor config set mode=global     # Change a top-level key
  proxyvisor backup list
  proxyvisor engine status
  proxyvisor template systemd           # Print a starter proxyvisor.toml`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to proxyvisor.toml (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon URL (default derived from [server] in the config)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	root.PersistentFlags().StringVar(&flags.Token, "token", "", "API token (default [server].token)")
	root.PersistentFlags().StringVar(&flags.CACert, "ca-cert", "", "CA certificate for an https daemon (default [server.tls] dir/tls_ca.crt)")
	root.PersistentFlags().BoolVar(&flags.Insecure, "insecure", false, "skip TLS certificate verification")
	return root
}

// createConfigCommand creates the config command group
func createConfigCommand(c command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read and change the engine configuration",
	}

	getFlags := &ConfigGetFlags{}
	get := &cobra.Command{
		Use:   "get [key]",
		Short: "Print the configuration or a single top-level key",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				getFlags.Key = args[0]
			}
			return c.ConfigGet(cmd.Context(), *getFlags)
		},
	}
	get.Flags().BoolVar(&getFlags.YAML, "yaml", false, "print YAML instead of JSON")

	setFlags := &ConfigSetFlags{}
	set := &cobra.Command{
		Use:   "set [key=value ...]",
		Short: "Change top-level keys or replace the whole configuration",
		Long: `Change top-level keys of the engine configuration. Values are parsed as
YAML, so numbers, booleans and lists keep their types. With --file the whole
configuration is replaced by the content of a YAML file.

Examples:
  proxyvisor config set mode=global allow-lan=true
  proxyvisor config set --file=./config.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			setFlags.Pairs = args
			return c.ConfigSet(cmd.Context(), *setFlags)
		},
	}
	set.Flags().StringVar(&setFlags.File, "file", "", "replace the configuration with this YAML file")

	unset := &cobra.Command{
		Use:   "unset <key> [key ...]",
		Short: "Remove top-level keys",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ConfigUnset(cmd.Context(), args)
		},
	}

	path := &cobra.Command{
		Use:   "path",
		Short: "Show where the configuration and backups are kept",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ConfigPath(cmd.Context())
		},
	}

	cmd.AddCommand(get, set, unset, path)
	return cmd
}

// createBackupCommand creates the backup command group
func createBackupCommand(c command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Manage configuration backups",
		Long: `Backups are taken automatically before every configuration change and
before every restore. Only the most recent ones are kept.

Examples:
  proxyvisor backup list
  proxyvisor backup create --label=before-upgrade
  proxyvisor backup restore <id>`,
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List backups, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.BackupList(cmd.Context())
		},
	}

	var label string
	create := &cobra.Command{
		Use:   "create",
		Short: "Back up the current configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.BackupCreate(cmd.Context(), label)
		},
	}
	create.Flags().StringVar(&label, "label", "", "optional label")

	restore := &cobra.Command{
		Use:   "restore <id>",
		Short: "Make a backup the live configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.BackupRestore(cmd.Context(), args[0])
		},
	}

	rename := &cobra.Command{
		Use:   "rename <id> <label>",
		Short: "Relabel a backup",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.BackupRename(cmd.Context(), args[0], args[1])
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.BackupDelete(cmd.Context(), args[0])
		},
	}

	cmd.AddCommand(list, create, restore, rename, del)
	return cmd
}

// createEngineCommand creates the engine command group
func createEngineCommand(c command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "engine",
		Short: "Control the proxy engine",
	}

	status := &cobra.Command{
		Use:   "status",
		Short: "Show engine and supervisor status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.EngineStatus(cmd.Context())
		},
	}
	start := &cobra.Command{
		Use:   "start",
		Short: "Start the engine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.EngineStart(cmd.Context())
		},
	}
	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop the engine; it stays stopped until started again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.EngineStop(cmd.Context())
		},
	}
	check := &cobra.Command{
		Use:   "check",
		Short: "Run a health check now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.EngineCheck(cmd.Context())
		},
	}
	version := &cobra.Command{
		Use:   "version",
		Short: "Ask the running engine for its version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.EngineVersion(cmd.Context())
		},
	}
	resources := &cobra.Command{
		Use:   "resources",
		Short: "Show engine CPU and memory usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.EngineResources(cmd.Context())
		},
	}
	autoRestart := &cobra.Command{
		Use:       "auto-restart <on|off>",
		Short:     "Enable or disable automatic restarts",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.EngineAutoRestart(cmd.Context(), args[0])
		},
	}

	cmd.AddCommand(status, start, stop, check, version, resources, autoRestart)
	return cmd
}
