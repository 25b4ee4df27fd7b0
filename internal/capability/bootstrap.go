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
	"fmt"
	"math"
	"strings"
	"sync"

	logrus "github.com/sirupsen/logrus"

	"nvtune/internal/device"
)

var log = logrus.WithField("component", "Capability")

const (
	attrClockOffsetAll  = "GPUGraphicsClockOffsetAllPerformanceLevels"
	attrMemOffsetAll    = "GPUMemoryTransferRateOffsetAllPerformanceLevels"
	attrClockOffset     = "GPUGraphicsClockOffset"
	attrMemOffset       = "GPUMemoryTransferRateOffset"
	attrPerfModes       = "GPUPerfModes"
	attrVoltageOffset   = "GPUOverVoltageOffset"
	fieldPowerMinLimit  = "power.min_limit"
	fieldPowerMaxLimit  = "power.max_limit"
	defaultHighestLevel = 3
)

// Bootstrapper builds the Profile of one GPU on first use and hands out the
// same result, or the same error, to every later caller.
type Bootstrapper struct {
	backend device.Backend
	gpu     int
	xorg    *XorgOptions

	once    sync.Once
	profile *Profile
	err     error
}

// NewBootstrapper prepares a lazy bootstrap. xorg is nil outside of X
// server environments, which skips the Coolbits step.
func NewBootstrapper(backend device.Backend, gpu int, xorg *XorgOptions) *Bootstrapper {
	return &Bootstrapper{backend: backend, gpu: gpu, xorg: xorg}
}

func (b *Bootstrapper) Profile(ctx context.Context) (*Profile, error) {
	b.once.Do(func() {
		b.profile, b.err = b.run(ctx)
	})
	return b.profile, b.err
}

func (b *Bootstrapper) run(ctx context.Context) (*Profile, error) {
	if b.xorg != nil {
		if _, err := CheckCoolbits(ctx, *b.xorg); err != nil {
			return nil, err
		}
	}

	p := &Profile{GPU: b.gpu}

	clockReply, err := b.detectOffsetAttributes(ctx, p)
	if err != nil {
		return nil, err
	}
	if err := b.detectOffsetRanges(ctx, p, clockReply); err != nil {
		return nil, err
	}
	if err := b.detectVoltage(ctx, p); err != nil {
		return nil, err
	}
	if err := b.detectPowerRange(ctx, p); err != nil {
		return nil, err
	}

	log.Infof("GPU %d: %s offsets, clock %s, memory %s, voltage %s, power %s",
		b.gpu, p.Generation, p.GPUClockOffsetRange, p.MemClockOffsetRange,
		p.VoltageOffsetText(), p.PowerLimitRange)
	return p, nil
}

// detectOffsetAttributes picks the offset addressing scheme. Any failure to
// read the all-levels attribute selects the legacy scheme; there is no
// "unsupported chip" outcome here.
func (b *Bootstrapper) detectOffsetAttributes(ctx context.Context, p *Profile) (*device.Reply, error) {
	reply, err := b.backend.Query(ctx, device.GPU(b.gpu, attrClockOffsetAll))
	if err == nil {
		p.Generation = GenerationCurrent
		p.GPUClockOffsetAttr = device.GPU(b.gpu, attrClockOffsetAll)
		p.MemClockOffsetAttr = device.GPU(b.gpu, attrMemOffsetAll)
		return &reply, nil
	}
	log.Debugf("all-levels offset probe failed, using highest-level offsets: %v", err)

	level := b.highestPerfLevel(ctx)
	p.Generation = GenerationLegacy
	p.GPUClockOffsetAttr = device.GPU(b.gpu, attrClockOffset).At(level)
	p.MemClockOffsetAttr = device.GPU(b.gpu, attrMemOffset).At(level)
	return nil, nil
}

// highestPerfLevel counts the perf= entries of GPUPerfModes. It falls back
// to level 3, the top level of the chips that need this scheme.
func (b *Bootstrapper) highestPerfLevel(ctx context.Context) int {
	reply, err := b.backend.Query(ctx, device.GPU(b.gpu, attrPerfModes))
	if err != nil {
		return defaultHighestLevel
	}
	n := strings.Count(reply.Value+"\n"+reply.Detail, "perf=")
	if n == 0 {
		return defaultHighestLevel
	}
	return n - 1
}

func (b *Bootstrapper) detectOffsetRanges(ctx context.Context, p *Profile, clockReply *device.Reply) error {
	var err error
	if clockReply != nil {
		p.GPUClockOffsetRange = ParseRange(clockReply.Detail)
	} else if p.GPUClockOffsetRange, err = b.queryRange(ctx, p.GPUClockOffsetAttr); err != nil {
		return err
	}
	p.MemClockOffsetRange, err = b.queryRange(ctx, p.MemClockOffsetAttr)
	return err
}

func (b *Bootstrapper) detectVoltage(ctx context.Context, p *Profile) error {
	attr := device.GPU(b.gpu, attrVoltageOffset)
	reply, err := b.backend.Query(ctx, attr)
	if device.IsAbsent(err) {
		log.Debugf("voltage control unavailable: %v", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to probe voltage control: %w", err)
	}
	p.VoltageAvailable = true
	p.VoltageOffsetAttr = attr
	p.VoltageOffsetRange = ParseRange(reply.Detail)
	return nil
}

func (b *Bootstrapper) detectPowerRange(ctx context.Context, p *Profile) error {
	lo, err := device.QueryFloat(ctx, b.backend, device.GPU(b.gpu, fieldPowerMinLimit))
	if device.IsAbsent(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read power limit range: %w", err)
	}
	hi, err := device.QueryFloat(ctx, b.backend, device.GPU(b.gpu, fieldPowerMaxLimit))
	if device.IsAbsent(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read power limit range: %w", err)
	}
	if lo > hi {
		return nil
	}
	p.PowerLimitRange = Range{Min: int(math.Ceil(lo)), Max: int(math.Floor(hi)), Valid: true}
	return nil
}

// queryRange reads an attribute only for its range. A missing attribute
// means the range is unavailable, not that the session must stop.
func (b *Bootstrapper) queryRange(ctx context.Context, attr device.Attribute) (Range, error) {
	reply, err := b.backend.Query(ctx, attr)
	if device.IsAbsent(err) {
		return Range{}, nil
	}
	if err != nil {
		return Range{}, fmt.Errorf("failed to read range of %s: %w", attr, err)
	}
	return ParseRange(reply.Detail), nil
}
