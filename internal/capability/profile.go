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

// Package capability negotiates, once per session, which overclocking
// controls the attached chip exposes and their legal ranges.
package capability

import (
	"fmt"
	"regexp"
	"strconv"

	"nvtune/internal/device"
)

type Generation int

const (
	// GenerationLegacy chips only accept an offset on their highest
	// performance level.
	GenerationLegacy Generation = iota
	// GenerationCurrent chips accept one offset for all performance levels.
	GenerationCurrent
)

func (g Generation) String() string {
	if g == GenerationCurrent {
		return "all-performance-levels"
	}
	return "highest-level-only"
}

// Range is an inclusive legal interval. Valid is false when the device
// reported no usable range.
type Range struct {
	Min   int  `json:"min" yaml:"min"`
	Max   int  `json:"max" yaml:"max"`
	Valid bool `json:"valid" yaml:"valid"`
}

func (r Range) Contains(v int) bool {
	return r.Valid && v >= r.Min && v <= r.Max
}

func (r Range) String() string {
	if !r.Valid {
		return "N/A"
	}
	return fmt.Sprintf("%d..%d", r.Min, r.Max)
}

var rangePattern = regexp.MustCompile(`in the range (-?\d+) - (-?\d+)`)

// ParseRange extracts the "in the range MIN - MAX" clause the settings tool
// prints for ranged attributes. Anything else yields an invalid Range.
func ParseRange(detail string) Range {
	m := rangePattern.FindStringSubmatch(detail)
	if m == nil {
		return Range{}
	}
	lo, err1 := strconv.Atoi(m[1])
	hi, err2 := strconv.Atoi(m[2])
	if err1 != nil || err2 != nil || lo > hi {
		return Range{}
	}
	return Range{Min: lo, Max: hi, Valid: true}
}

// Profile is immutable once built.
type Profile struct {
	GPU        int
	Generation Generation

	GPUClockOffsetAttr  device.Attribute
	MemClockOffsetAttr  device.Attribute
	GPUClockOffsetRange Range
	MemClockOffsetRange Range

	VoltageAvailable   bool
	VoltageOffsetAttr  device.Attribute
	VoltageOffsetRange Range

	PowerLimitRange Range
}

// VoltageOffsetText renders the voltage offset capability; unavailable
// voltage control reads as N/A instead of an error.
func (p *Profile) VoltageOffsetText() string {
	if !p.VoltageAvailable {
		return "N/A"
	}
	return p.VoltageOffsetRange.String()
}
