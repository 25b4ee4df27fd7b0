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

package capability

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"nvtune/internal/device"
)

const (
	// CoolbitsClockOffsets is the Coolbits bit unlocking clock offsets.
	CoolbitsClockOffsets = 8
	DefaultCoolbits      = 28
	DefaultXConfigPath   = "nvidia-xconfig"
)

var DefaultXorgPaths = []string{
	"/etc/X11/xorg.conf",
	"/etc/X11/xorg.conf.d/20-nvidia.conf",
	"/usr/share/X11/xorg.conf.d/20-nvidia.conf",
}

// ErrDeclined ends the session cleanly: the operator chose not to enable
// overclocking in the X server configuration.
var ErrDeclined = errors.New("overclocking is disabled and enabling it was declined")

// Prompter asks the operator a yes/no question.
type Prompter interface {
	Confirm(question string) (bool, error)
}

type CoolbitsState int

const (
	CoolbitsSkipped CoolbitsState = iota
	CoolbitsEnabled
	CoolbitsApplied
)

type XorgOptions struct {
	Paths       []string
	Coolbits    int
	XConfigPath string
	Runner      device.Runner
	Prompter    Prompter
}

// CheckCoolbits makes sure the X server allows clock offsets. When it does
// not, the operator is asked whether the configuration should be rewritten;
// a refusal yields ErrDeclined.
func CheckCoolbits(ctx context.Context, opts XorgOptions) (CoolbitsState, error) {
	paths := opts.Paths
	if len(paths) == 0 {
		paths = DefaultXorgPaths
	}
	value, found, err := ReadCoolbits(paths)
	if err != nil {
		return CoolbitsSkipped, err
	}
	if found && value&CoolbitsClockOffsets != 0 {
		log.Debugf("Coolbits=%d enables clock offsets", value)
		return CoolbitsEnabled, nil
	}

	want := opts.Coolbits
	if want == 0 {
		want = DefaultCoolbits
	}
	if opts.Prompter == nil {
		return CoolbitsSkipped, ErrDeclined
	}
	question := fmt.Sprintf("Overclocking is disabled in the X server configuration. "+
		"Set Coolbits to %d now?", want)
	ok, err := opts.Prompter.Confirm(question)
	if err != nil {
		return CoolbitsSkipped, fmt.Errorf("failed to read answer: %w", err)
	}
	if !ok {
		return CoolbitsSkipped, ErrDeclined
	}

	xconfig := opts.XConfigPath
	if xconfig == "" {
		xconfig = DefaultXConfigPath
	}
	runner := opts.Runner
	if runner == nil {
		runner = device.ExecRunner{}
	}
	out, status, err := runner.Run(ctx, xconfig, "--cool-bits="+strconv.Itoa(want))
	if err != nil {
		return CoolbitsSkipped, fmt.Errorf("cannot run %s: %w", xconfig, err)
	}
	if status != 0 {
		return CoolbitsSkipped, &device.DeviceError{
			Code:    device.ClassifyExitCode(status),
			Message: fmt.Sprintf("%s exited with %d: %s", xconfig, status, out),
		}
	}
	log.Warnf("Coolbits set to %d, the X server must be restarted to take effect", want)
	return CoolbitsApplied, nil
}
