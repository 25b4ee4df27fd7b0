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
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/xlab/treeprint"
	"gopkg.in/yaml.v3"

	"nvtune/internal/capability"
	"nvtune/internal/config"
	"nvtune/internal/device"
	"nvtune/internal/sink"
	"nvtune/internal/util"
)

func listExecute(cfg *config.Config, out io.Writer) error {
	backend := newBackend(cfg, device.ExecRunner{})
	devices, err := backend.ListDevices(context.Background())
	if err != nil {
		return util.WrapCraneErr(util.ErrorDevice, "Failed to list GPUs: %v", err)
	}
	printDevices(out, devices)
	return nil
}

func printDevices(out io.Writer, devices []device.DeviceID) {
	table := tablewriter.NewWriter(out)
	util.SetBorderlessTable(table)
	table.SetHeader([]string{"INDEX", "NAME", "UUID"})
	for _, d := range devices {
		table.Append([]string{strconv.Itoa(d.Index), d.Name, d.UUID})
	}
	table.Render()
}

// capsView is the printable form of a Profile.
type capsView struct {
	GPU                 int              `json:"gpu" yaml:"gpu"`
	Generation          string           `json:"generation" yaml:"generation"`
	GPUClockOffsetAttr  string           `json:"gpu_clock_offset_attribute" yaml:"gpu_clock_offset_attribute"`
	GPUClockOffsetRange capability.Range `json:"gpu_clock_offset_range" yaml:"gpu_clock_offset_range"`
	MemClockOffsetAttr  string           `json:"mem_clock_offset_attribute" yaml:"mem_clock_offset_attribute"`
	MemClockOffsetRange capability.Range `json:"mem_clock_offset_range" yaml:"mem_clock_offset_range"`
	VoltageAvailable    bool             `json:"voltage_available" yaml:"voltage_available"`
	VoltageOffsetRange  capability.Range `json:"voltage_offset_range" yaml:"voltage_offset_range"`
	PowerLimitRange     capability.Range `json:"power_limit_range" yaml:"power_limit_range"`
}

func newCapsView(p *capability.Profile) capsView {
	return capsView{
		GPU:                 p.GPU,
		Generation:          p.Generation.String(),
		GPUClockOffsetAttr:  p.GPUClockOffsetAttr.String(),
		GPUClockOffsetRange: p.GPUClockOffsetRange,
		MemClockOffsetAttr:  p.MemClockOffsetAttr.String(),
		MemClockOffsetRange: p.MemClockOffsetRange,
		VoltageAvailable:    p.VoltageAvailable,
		VoltageOffsetRange:  p.VoltageOffsetRange,
		PowerLimitRange:     p.PowerLimitRange,
	}
}

func capsTree(p *capability.Profile) treeprint.Tree {
	tree := treeprint.NewWithRoot(fmt.Sprintf("GPU %d (%s)", p.GPU, p.Generation))

	clocks := tree.AddBranch("Clock offsets")
	gpu := clocks.AddBranch("Graphics")
	gpu.AddNode("attribute: " + p.GPUClockOffsetAttr.String())
	gpu.AddNode("range: " + p.GPUClockOffsetRange.String())
	mem := clocks.AddBranch("Memory")
	mem.AddNode("attribute: " + p.MemClockOffsetAttr.String())
	mem.AddNode("range: " + p.MemClockOffsetRange.String())

	voltage := tree.AddBranch("Voltage offset")
	if p.VoltageAvailable {
		voltage.AddNode("attribute: " + p.VoltageOffsetAttr.String())
	}
	voltage.AddNode("range: " + p.VoltageOffsetText())

	tree.AddBranch("Power limit").AddNode("range: " + p.PowerLimitRange.String())
	return tree
}

func printCaps(out io.Writer, p *capability.Profile, asJSON, asYAML bool) error {
	switch {
	case asJSON:
		data, err := json.MarshalIndent(newCapsView(p), "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	case asYAML:
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(newCapsView(p)); err != nil {
			return err
		}
		return enc.Close()
	default:
		_, err := fmt.Fprint(out, capsTree(p).String())
		return err
	}
}

func capsExecute(cfg *config.Config, out io.Writer, asJSON, asYAML bool) error {
	if asJSON && asYAML {
		return util.NewCraneErr(util.ErrorCmdArg, "--json and --yaml are mutually exclusive")
	}
	ctx := context.Background()
	backend := newBackend(cfg, device.ExecRunner{})
	id, err := lookupDevice(ctx, backend, cfg.GPU)
	if err != nil {
		return err
	}
	// the read-only report never rewrites the X configuration
	profile, err := bootstrapProfile(ctx, capability.NewBootstrapper(backend, id.Index, nil))
	if err != nil {
		return err
	}
	return printCaps(out, profile, asJSON, asYAML)
}

func logExecute(cfg *config.Config, out io.Writer, follow bool, lines int, raw bool) error {
	if cfg.Samples.Sink != "file" {
		return util.WrapCraneErr(util.ErrorCmdArg, "sample sink is %s, only the file sink can be read back", cfg.Samples.Sink)
	}
	path := cfg.Samples.File

	format := sink.FormatRecord
	if raw {
		format = func(s string) string { return s }
	}

	existing, err := sink.ReadLastLines(path, lines)
	if err != nil && !(follow && os.IsNotExist(err)) {
		return util.WrapCraneErr(util.ErrorSink, "Failed to read sample log: %v", err)
	}
	for _, line := range existing {
		fmt.Fprintln(out, format(line))
	}
	if !follow {
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	err = sink.Follow(ctx, path, err == nil, func(line string) {
		fmt.Fprintln(out, format(line))
	})
	if err != nil {
		return util.WrapCraneErr(util.ErrorSink, "%v", err)
	}
	return nil
}
