/**
 * Copyright (c) 2024 Peking University and Peking University
 * Changsha Institute for Computing and Digital Economy
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package nvtune

import (
	"os"

	"github.com/spf13/cobra"

	"nvtune/internal/config"
	"nvtune/internal/util"
)

var (
	FlagConfigFilePath string
	FlagEnvFile        string
	FlagDebugLevel     string
	FlagGPU            int
	FlagFan            int
	FlagDisplay        string
	FlagNoXorgCheck    bool
	FlagSampleInterval string

	// caps
	FlagJson bool
	FlagYaml bool

	// log
	FlagFollow bool
	FlagLines  int
	FlagRaw    bool

	cfg *config.Config

	RootCmd = &cobra.Command{
		Use:   "nvtune [flags]",
		Short: "Live GPU telemetry and overclocking console",
		Long: "nvtune samples clocks, power, temperature, fan speed, utilization and voltage\n" +
			"of one GPU and adjusts its overclocking settings from the keyboard.\n\n" +
			"Keys: G/g graphics clock offset, M/m memory clock offset, V/v voltage offset,\n" +
			"P/p power limit, T/t fan target, F fan control, W/w PowerMizer mode,\n" +
			"R reset statistics, L toggle sample logging, Ctrl-C quit.",
		Version:           util.Version(),
		Args:              cobra.NoArgs,
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
		RunE: func(cmd *cobra.Command, args []string) error {
			return sessionExecute(cfg)
		},
	}

	ListCmd = &cobra.Command{
		Use:   "list",
		Short: "List the GPUs known to the driver",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listExecute(cfg, os.Stdout)
		},
	}

	CapsCmd = &cobra.Command{
		Use:   "caps [flags]",
		Short: "Show the overclocking controls the GPU exposes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return capsExecute(cfg, os.Stdout, FlagJson, FlagYaml)
		},
	}

	LogCmd = &cobra.Command{
		Use:   "log [flags]",
		Short: "Print the samples recorded while logging was on",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if FlagLines < 0 {
				return util.NewCraneErr(util.ErrorCmdArg, "--lines must not be negative")
			}
			return logExecute(cfg, os.Stdout, FlagFollow, FlagLines, FlagRaw)
		},
	}
)

func loadConfig(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.LoadConfig(FlagConfigFilePath, FlagEnvFile, cmd.Flags())
	if err != nil {
		return util.WrapCraneErr(util.ErrorCmdArg, "%v", err)
	}
	if err := util.InitLogger(cfg.Log.Level, cfg.Log.File); err != nil {
		return util.WrapCraneErr(util.ErrorGeneric, "Failed to initialize logger: %v", err)
	}
	config.PrintConfig(cfg)

	display, err := util.ResolveDisplay(cfg.Display)
	if err != nil {
		if cfg.Display != "" {
			return util.WrapCraneErr(util.ErrorCmdArg, "%v", err)
		}
		log.Warnf("Ignoring $DISPLAY: %v", err)
	}
	cfg.Display = display
	return nil
}

func ParseCmdArgs() {
	util.RunEWrapperForLeafCommand(RootCmd)
	util.RunAndHandleExit(RootCmd)
}

func init() {
	RootCmd.SetVersionTemplate(util.VersionTemplate())

	RootCmd.PersistentFlags().StringVarP(&FlagConfigFilePath, "config", "C", "",
		"Path to configuration file (default "+util.DefaultConfigPath+")")
	RootCmd.PersistentFlags().StringVar(&FlagEnvFile, "env-file", "",
		"Load NVTUNE_* variables from a dotenv file")
	RootCmd.PersistentFlags().StringVar(&FlagDebugLevel, "debug-level", "info",
		"Available debug level: trace, debug, info, warn, error")
	RootCmd.PersistentFlags().IntVarP(&FlagGPU, "gpu", "g", 0, "Index of the GPU to use")
	RootCmd.PersistentFlags().StringVarP(&FlagDisplay, "display", "d", "",
		"X display for the settings tool, e.g. :0")

	RootCmd.Flags().IntVarP(&FlagFan, "fan", "f", 0, "Index of the fan to monitor and control")
	RootCmd.Flags().BoolVar(&FlagNoXorgCheck, "no-xorg-check", false,
		"Skip the Coolbits check of the X server configuration")
	RootCmd.Flags().StringVar(&FlagSampleInterval, "sample-interval", "",
		"Pause between polling rounds, e.g. 500ms (default: poll continuously)")

	CapsCmd.Flags().BoolVar(&FlagJson, "json", false, "Output in JSON format")
	CapsCmd.Flags().BoolVar(&FlagYaml, "yaml", false, "Output in YAML format")
	CapsCmd.MarkFlagsMutuallyExclusive("json", "yaml")

	LogCmd.Flags().BoolVarP(&FlagFollow, "follow", "F", false, "Follow the sample log as it grows")
	LogCmd.Flags().IntVarP(&FlagLines, "lines", "n", 20, "Number of trailing records to print, 0 for all")
	LogCmd.Flags().BoolVar(&FlagRaw, "raw", false, "Print records as JSON lines")

	RootCmd.AddCommand(ListCmd)
	RootCmd.AddCommand(CapsCmd)
	RootCmd.AddCommand(LogCmd)
}
