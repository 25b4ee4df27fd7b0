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
	"fmt"

	"nvtune/internal/control"
	"nvtune/internal/state"
)

type action int

const (
	actionAdjust action = iota
	actionToggleFan
	actionReset
	actionToggleLogging
)

type binding struct {
	action    action
	knob      state.Knob
	direction int
}

// Upper case raises, lower case lowers.
var keyBindings = map[byte]binding{
	'G': {action: actionAdjust, knob: state.GpuClockOffset, direction: +1},
	'g': {action: actionAdjust, knob: state.GpuClockOffset, direction: -1},
	'M': {action: actionAdjust, knob: state.MemClockOffset, direction: +1},
	'm': {action: actionAdjust, knob: state.MemClockOffset, direction: -1},
	'V': {action: actionAdjust, knob: state.VoltageOffset, direction: +1},
	'v': {action: actionAdjust, knob: state.VoltageOffset, direction: -1},
	'P': {action: actionAdjust, knob: state.PowerLimit, direction: +1},
	'p': {action: actionAdjust, knob: state.PowerLimit, direction: -1},
	'T': {action: actionAdjust, knob: state.FanTarget, direction: +1},
	't': {action: actionAdjust, knob: state.FanTarget, direction: -1},
	'W': {action: actionAdjust, knob: state.PowerMizer, direction: +1},
	'w': {action: actionAdjust, knob: state.PowerMizer, direction: -1},
	'F': {action: actionToggleFan},
	'f': {action: actionToggleFan},
	'R': {action: actionReset},
	'r': {action: actionReset},
	'L': {action: actionToggleLogging},
	'l': {action: actionToggleLogging},
}

// Dispatcher maps keystrokes to commands. Device failures of a single
// command are reported in the status line and never end the session.
type Dispatcher struct {
	controller *control.Controller
	state      *state.SessionState
}

func NewDispatcher(controller *control.Controller, st *state.SessionState) *Dispatcher {
	return &Dispatcher{controller: controller, state: st}
}

// Handle executes the command bound to key. It reports whether the key was
// bound to anything.
func (d *Dispatcher) Handle(ctx context.Context, key byte) bool {
	b, ok := keyBindings[key]
	if !ok {
		return false
	}

	switch b.action {
	case actionAdjust:
		res, err := d.controller.Adjust(ctx, b.knob, b.direction)
		d.finish(ctx, res, err)
	case actionToggleFan:
		res, err := d.controller.ToggleFanControl(ctx)
		d.finish(ctx, res, err)
	case actionReset:
		d.state.RequestReset()
		d.state.SetStatus("statistics reset")
		log.Info("Statistics reset requested")
	case actionToggleLogging:
		if d.state.ToggleLogging() {
			d.state.SetStatus("sample logging on")
		} else {
			d.state.SetStatus("sample logging off")
		}
	}
	return true
}

func (d *Dispatcher) finish(ctx context.Context, res control.Result, err error) {
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warnf("%s command failed: %v", res.Knob, err)
		d.state.SetStatus(fmt.Sprintf("%s: %v", res.Knob, err))
		return
	}
	if res.Known {
		d.state.SetKnob(res.Knob, res.Value)
	}
	d.state.SetStatus(res.String())
}

// Run handles keys until ctx is done or keys is closed.
func (d *Dispatcher) Run(ctx context.Context, keys <-chan byte) {
	for {
		select {
		case key, ok := <-keys:
			if !ok {
				return
			}
			if !d.Handle(ctx, key) {
				log.Tracef("Ignored key %q", key)
			}
		case <-ctx.Done():
			return
		}
	}
}
