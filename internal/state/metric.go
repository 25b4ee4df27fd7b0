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

package state

import "nvtune/internal/device"

type Metric int

const (
	GpuClock Metric = iota
	MemClock
	Power
	Temperature
	FanRpm
	GpuUtil
	MemUtil
	CoreVoltage
	metricCount
)

// Metrics lists every dynamic metric in frame order.
var Metrics = []Metric{GpuClock, MemClock, Power, Temperature, FanRpm, GpuUtil, MemUtil, CoreVoltage}

type metricInfo struct {
	name   string
	label  string
	unit   string
	target device.Target
	attr   string
	div    float64
}

var metricTable = [metricCount]metricInfo{
	GpuClock:    {"gpu_clock", "GPU Clock", "MHz", device.TargetGPU, "clocks.gr", 1},
	MemClock:    {"mem_clock", "Memory Clock", "MHz", device.TargetGPU, "clocks.mem", 1},
	Power:       {"power", "Power Draw", "W", device.TargetGPU, "power.draw", 1},
	Temperature: {"temperature", "Temperature", "C", device.TargetGPU, "GPUCoreTemp", 1},
	FanRpm:      {"fan_rpm", "Fan Speed", "RPM", device.TargetFan, "GPUCurrentFanSpeedRPM", 1},
	GpuUtil:     {"gpu_util", "GPU Utilization", "%", device.TargetGPU, "utilization.gpu", 1},
	MemUtil:     {"mem_util", "Memory Utilization", "%", device.TargetGPU, "utilization.memory", 1},
	// reported in microvolts
	CoreVoltage: {"core_voltage", "Core Voltage", "mV", device.TargetGPU, "GPUCurrentCoreVoltage", 1000},
}

// Name is the identifier used in sample records.
func (m Metric) Name() string { return metricTable[m].name }

func (m Metric) String() string { return metricTable[m].label }

func (m Metric) Unit() string { return metricTable[m].unit }

// Source is the attribute polled for m on the given GPU and fan.
func (m Metric) Source(gpu, fan int) device.Attribute {
	info := metricTable[m]
	if info.target == device.TargetFan {
		return device.Fan(fan, info.attr)
	}
	return device.GPU(gpu, info.attr)
}

// FromRaw converts a device reading into display units.
func (m Metric) FromRaw(v float64) float64 {
	return v / metricTable[m].div
}

// Knob is an operator-adjustable device setting.
type Knob int

const (
	GpuClockOffset Knob = iota
	MemClockOffset
	VoltageOffset
	PowerLimit
	FanControl
	FanTarget
	PowerMizer
	knobCount
)

var Knobs = []Knob{GpuClockOffset, MemClockOffset, VoltageOffset, PowerLimit, FanControl, FanTarget, PowerMizer}

var knobTable = [knobCount]struct {
	name, label, unit string
}{
	GpuClockOffset: {"gpu_clock_offset", "GPU Clock Offset", "MHz"},
	MemClockOffset: {"mem_clock_offset", "Memory Clock Offset", "MHz"},
	VoltageOffset:  {"voltage_offset", "Voltage Offset", "uV"},
	PowerLimit:     {"power_limit", "Power Limit", "W"},
	FanControl:     {"fan_control", "Fan Control", ""},
	FanTarget:      {"fan_target", "Fan Target", "%"},
	PowerMizer:     {"powermizer", "PowerMizer Mode", ""},
}

func (k Knob) Name() string { return knobTable[k].name }

func (k Knob) String() string { return knobTable[k].label }

func (k Knob) Unit() string { return knobTable[k].unit }
