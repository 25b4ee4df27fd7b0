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

// Package stats keeps cumulative running statistics over an unbounded
// sample stream.
package stats

// Accumulator tracks min, max and the cumulative mean of every value
// observed since the last reset. It is not a moving average: all samples
// weigh the same no matter how old they are.
//
// The zero value is unseeded; the first Observe seeds it. Accumulator is not
// safe for concurrent use, its owner serializes access.
type Accumulator struct {
	count  uint64
	min    float64
	max    float64
	avg    float64
	seeded bool
}

// Reset discards all history and seeds the accumulator with one sample.
func (a *Accumulator) Reset(seed float64) {
	a.count = 1
	a.min = seed
	a.max = seed
	a.avg = seed
	a.seeded = true
}

// Clear returns the accumulator to its unseeded state so that the next
// Observe reseeds it.
func (a *Accumulator) Clear() {
	*a = Accumulator{}
}

func (a *Accumulator) Observe(x float64) {
	if !a.seeded {
		a.Reset(x)
		return
	}
	if x < a.min {
		a.min = x
	}
	if x > a.max {
		a.max = x
	}
	a.avg = (a.avg*float64(a.count) + x) / float64(a.count+1)
	a.count++
}

func (a *Accumulator) Seeded() bool  { return a.seeded }
func (a *Accumulator) Count() uint64 { return a.count }
func (a *Accumulator) Min() float64  { return a.min }
func (a *Accumulator) Max() float64  { return a.max }
func (a *Accumulator) Avg() float64  { return a.avg }

// Summary is an immutable copy of an accumulator.
type Summary struct {
	Count uint64
	Min   float64
	Max   float64
	Avg   float64
}

func (a *Accumulator) Summary() Summary {
	return Summary{Count: a.count, Min: a.min, Max: a.max, Avg: a.avg}
}
