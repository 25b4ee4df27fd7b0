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

// Package control turns operator commands into read-modify-write cycles
// against the device. The current value is always read back from the
// device before a new one is computed; cached values are never used.
package control

import (
	"context"
	"fmt"
	"math"

	logrus "github.com/sirupsen/logrus"

	"nvtune/internal/capability"
	"nvtune/internal/device"
	"nvtune/internal/state"
)

var log = logrus.WithField("component", "Control")

const (
	attrVoltageOffset = "GPUOverVoltageOffset"
	attrFanControl    = "GPUFanControlState"
	attrFanTarget     = "GPUTargetFanSpeed"
	attrPowerMizer    = "GPUPowerMizerMode"
	fieldPowerLimit   = "power.limit"
)

var (
	fanTargetRange  = capability.Range{Min: 0, Max: 100, Valid: true}
	powerMizerRange = capability.Range{Min: 0, Max: 3, Valid: true}
)

// Steps is the size of one key press per knob.
type Steps struct {
	GPUClock   int
	MemClock   int
	Voltage    int
	Power      int
	Fan        int
	PowerMizer int
}

func DefaultSteps() Steps {
	return Steps{GPUClock: 10, MemClock: 50, Voltage: 5000, Power: 5, Fan: 1, PowerMizer: 1}
}

func (s Steps) of(k state.Knob) int {
	switch k {
	case state.GpuClockOffset:
		return s.GPUClock
	case state.MemClockOffset:
		return s.MemClock
	case state.VoltageOffset:
		return s.Voltage
	case state.PowerLimit:
		return s.Power
	case state.FanTarget:
		return s.Fan
	case state.PowerMizer:
		return s.PowerMizer
	}
	return 0
}

// Result describes what an adjustment did. Value is the knob's device value
// after the command: the new value when applied, the unchanged one when the
// command was dropped. Known is false when the knob has no value at all.
type Result struct {
	Knob     state.Knob
	Previous int
	Value    int
	Known    bool
	Applied  bool
	Reason   string
}

func (r Result) String() string {
	unit := r.Knob.Unit()
	if unit != "" {
		unit = " " + unit
	}
	switch {
	case r.Applied:
		return fmt.Sprintf("%s %d -> %d%s", r.Knob, r.Previous, r.Value, unit)
	case r.Known:
		return fmt.Sprintf("%s unchanged at %d%s (%s)", r.Knob, r.Value, unit, r.Reason)
	default:
		return fmt.Sprintf("%s unchanged (%s)", r.Knob, r.Reason)
	}
}

type Controller struct {
	backend device.Backend
	profile capability.Profile
	gpu     int
	fan     int
	steps   Steps
}

func NewController(backend device.Backend, profile *capability.Profile, fan int, steps Steps) *Controller {
	return &Controller{backend: backend, profile: *profile, gpu: profile.GPU, fan: fan, steps: steps}
}

// Attribute returns the device attribute behind a knob. ok is false for
// knobs the chip does not expose.
func (c *Controller) Attribute(k state.Knob) (attr device.Attribute, ok bool) {
	switch k {
	case state.GpuClockOffset:
		attr = c.profile.GPUClockOffsetAttr
	case state.MemClockOffset:
		attr = c.profile.MemClockOffsetAttr
	case state.VoltageOffset:
		if c.profile.VoltageAvailable {
			attr = c.profile.VoltageOffsetAttr
		}
	case state.PowerLimit:
		attr = device.GPU(c.gpu, fieldPowerLimit)
	case state.FanControl:
		attr = device.GPU(c.gpu, attrFanControl)
	case state.FanTarget:
		attr = device.Fan(c.fan, attrFanTarget)
	case state.PowerMizer:
		attr = device.GPU(c.gpu, attrPowerMizer)
	}
	return attr, !attr.IsZero()
}

func (c *Controller) bounds(k state.Knob) capability.Range {
	switch k {
	case state.GpuClockOffset:
		return c.profile.GPUClockOffsetRange
	case state.MemClockOffset:
		return c.profile.MemClockOffsetRange
	case state.VoltageOffset:
		return c.profile.VoltageOffsetRange
	case state.PowerLimit:
		return c.profile.PowerLimitRange
	case state.FanTarget:
		return fanTargetRange
	case state.PowerMizer:
		return powerMizerRange
	}
	return capability.Range{}
}

// Read returns the current device value of a knob.
func (c *Controller) Read(ctx context.Context, k state.Knob) (int, error) {
	attr, ok := c.Attribute(k)
	if !ok {
		return 0, &device.DeviceError{Code: device.ErrorUnsupported, Message: k.String() + " is not available"}
	}
	v, err := device.QueryFloat(ctx, c.backend, attr)
	if err != nil {
		return 0, err
	}
	return int(math.Round(v)), nil
}

// ReadAll reads every knob the chip exposes and records it in st. Knobs the
// chip does not have are marked unknown; any other failure is returned.
func (c *Controller) ReadAll(ctx context.Context, st *state.SessionState) error {
	for _, k := range state.Knobs {
		v, err := c.Read(ctx, k)
		if device.IsAbsent(err) {
			log.Debugf("%s not available: %v", k, err)
			st.ForgetKnob(k)
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", k, err)
		}
		st.SetKnob(k, v)
	}
	return nil
}

// Adjust moves a knob by direction steps, direction being +1 or -1.
// Candidates outside the knob's legal range are dropped without touching the
// device; a dropped command is not an error.
func (c *Controller) Adjust(ctx context.Context, k state.Knob, direction int) (Result, error) {
	res := Result{Knob: k}

	attr, ok := c.Attribute(k)
	if !ok {
		res.Reason = "N/A"
		return res, nil
	}

	if k == state.FanTarget {
		enabled, err := c.fanControlEnabled(ctx)
		if err != nil {
			return res, err
		}
		if !enabled {
			res.Reason = "fan control disabled"
			return res, nil
		}
	}

	cur, err := c.Read(ctx, k)
	if err != nil {
		return res, err
	}
	res.Previous, res.Value, res.Known = cur, cur, true

	candidate := cur + direction*c.steps.of(k)
	bounds := c.bounds(k)
	if !bounds.Contains(candidate) && (bounds.Valid || k == state.PowerLimit) {
		res.Reason = fmt.Sprintf("%d outside %s", candidate, bounds)
		log.Debugf("dropping %s adjustment: %s", k, res.Reason)
		return res, nil
	}

	if err := device.SetInt(ctx, c.backend, attr, candidate); err != nil {
		return res, err
	}
	log.Infof("%s set %d -> %d", attr, cur, candidate)
	res.Value = candidate
	res.Applied = true
	return res, nil
}

// ToggleFanControl switches between driver-managed and manual fan speed.
func (c *Controller) ToggleFanControl(ctx context.Context) (Result, error) {
	res := Result{Knob: state.FanControl}
	attr, _ := c.Attribute(state.FanControl)

	cur, err := c.Read(ctx, state.FanControl)
	if err != nil {
		return res, err
	}
	res.Previous, res.Value, res.Known = cur, cur, true

	next := 1
	if cur != 0 {
		next = 0
	}
	if err := device.SetInt(ctx, c.backend, attr, next); err != nil {
		return res, err
	}
	log.Infof("%s set %d -> %d", attr, cur, next)
	res.Value = next
	res.Applied = true
	return res, nil
}

func (c *Controller) fanControlEnabled(ctx context.Context) (bool, error) {
	v, err := c.Read(ctx, state.FanControl)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}
