package app

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Hara602/deviceNotifier/internal/actions"
	"github.com/Hara602/deviceNotifier/internal/config"
	linux_monitor "github.com/Hara602/deviceNotifier/internal/monitor/linux"
	"github.com/Hara602/deviceNotifier/internal/space"
	"github.com/Hara602/deviceNotifier/pkg/logging"
)

// DefaultConfigPath 返回 $XDG_CONFIG_HOME/devicenotifier/config.yaml
func DefaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "devicenotifier.yaml"
	}
	return filepath.Join(dir, "devicenotifier", "config.yaml")
}

type cli struct {
	configPath string
	cfg        *config.Config
}

// NewRootCommand 构造 devicenotifier 命令树
func NewRootCommand() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:           "devicenotifier",
		Short:         "Track removable storage devices and their operations",
		Long:          "devicenotifier watches block devices, tracks mount/unmount/check/repair state and warns when free space runs low",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.configPath)
			if err != nil {
				return err
			}
			c.cfg = cfg
			return logging.InitLogger(cfg.Logging.Mode, cfg.Logging.Level)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logging.CloseLogger()
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&c.configPath, "config", DefaultConfigPath(), "path to the YAML config file")

	root.AddCommand(
		c.newRunCommand(),
		c.newDevicesCommand(),
		c.newConfigCommand(),
		c.newActionCommand("mount", actions.NameMount, "Mount a storage volume"),
		c.newActionCommand("unmount", actions.NameUnmount, "Unmount a volume or eject an optical disc"),
		c.newActionCommand("check", actions.NameCheck, "Check an unmounted filesystem for errors"),
		c.newActionCommand("repair", actions.NameRepair, "Repair a filesystem after a failed check"),
		c.newActionCommand("open", actions.NameOpenWith, "Open a mounted volume in the file manager"),
	)
	return root
}

func (c *cli) newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Watch devices until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Fprintln(cmd.OutOrStdout(), "============================================")
			fmt.Fprintln(cmd.OutOrStdout(), "Device Notifier Started")
			fmt.Fprintf(cmd.OutOrStdout(), "Watching Mount Points: %v\n", MediaRoots(c.cfg))
			fmt.Fprintln(cmd.OutOrStdout(), "============================================")

			return New(c.cfg).Run(ctx)
		},
	}
}

func (c *cli) newDevicesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List block devices with their tracked state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.listDevices(cmd, New(c.cfg))
		},
	}
}

func (c *cli) listDevices(cmd *cobra.Command, a *App) error {
	if err := a.RegisterPresent(); err != nil {
		return err
	}

	sizes := space.NewMonitor(a.Tracker, a.Probe, c.cfg.SpaceRefresh())
	defer sizes.Close()

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tMODEL\tSTATE\tREMOVABLE\tMOUNTED\tSIZE\tFREE\tACTIONS")
	for _, udi := range a.Tracker.Devices() {
		rec, _ := a.Tracker.Snapshot(udi)
		sizes.Add(udi)
		name, _ := linux_monitor.NameFromUDI(udi)
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\t%s\t%s\t%v\n",
			name,
			a.Probe.Describe(udi),
			rec.State,
			rec.IsRemovable,
			rec.IsMounted,
			formatSize(sizes.FullSize(udi)),
			formatSize(sizes.FreeSize(udi)),
			actions.ForDevice(udi, a.Tracker, a.Probe).Valid())
	}
	return w.Flush()
}

func (c *cli) newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or initialize the config file",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "init",
			Short: "Write the effective config to the config path",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := c.cfg.Save(c.configPath); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Config written to %s\n", c.configPath)
				return nil
			},
		},
		&cobra.Command{
			Use:   "path",
			Short: "Print the config path",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintln(cmd.OutOrStdout(), c.configPath)
			},
		},
	)
	return cmd
}

func (c *cli) newActionCommand(use, action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [udi-or-device]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a := New(c.cfg)
			if err := a.Trigger(cmd.Context(), args[0], action); err != nil {
				return err
			}
			udi, _ := a.Resolve(args[0])
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s (%s)\n", args[0], a.Tracker.State(udi), a.Tracker.LastOperationResult(udi))
			return nil
		},
	}
}

func formatSize(bytes int64) string {
	if bytes == space.Unknown {
		return "-"
	}
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%dB", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
