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

// Package state holds the session's shared record. The sampler and the
// command dispatcher only ever touch it through SessionState methods.
package state

import (
	"sync"
	"time"

	"nvtune/internal/capability"
	"nvtune/internal/stats"
)

// Identity is the static part of the frame.
type Identity struct {
	SessionID string
	Host      string
	GPU       int
	Fan       int
	Name      string
	UUID      string
	Driver    string
}

// Observation is one polling round. A metric either has a value or an
// error; metrics missing from both maps were not polled.
type Observation struct {
	Values map[Metric]float64
	Errors map[Metric]error
}

type KnobValue struct {
	Value int
	Known bool
}

type MetricView struct {
	Metric Metric
	Value  float64
	Valid  bool
	Err    string
	Stats  stats.Summary
}

// Snapshot is a point-in-time copy of SessionState. It shares nothing
// mutable with the state it was taken from.
type Snapshot struct {
	Identity Identity
	Profile  capability.Profile
	Metrics  []MetricView
	Knobs    map[Knob]KnobValue
	Samples  uint64

	Logging       bool
	ResetPending  bool
	DisplayActive bool

	Status   string
	StatusAt time.Time
	TakenAt  time.Time
}

type SessionState struct {
	mu sync.Mutex

	identity Identity
	profile  capability.Profile

	latest [metricCount]float64
	valid  [metricCount]bool
	errs   [metricCount]string
	stats  [metricCount]stats.Accumulator
	knobs  [knobCount]KnobValue

	samples uint64

	displayActive bool
	logging       bool
	resetPending  bool

	status   string
	statusAt time.Time
}

func New(identity Identity, profile *capability.Profile) *SessionState {
	s := &SessionState{identity: identity, displayActive: true}
	if profile != nil {
		s.profile = *profile
	}
	return s
}

// ApplyObservations folds one polling round into the latest values and the
// accumulators under a single lock. A pending reset is consumed here: every
// accumulator is cleared and reseeds from this round's values.
func (s *SessionState) ApplyObservations(obs Observation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.resetPending {
		for i := range s.stats {
			s.stats[i].Clear()
		}
		s.samples = 0
		s.resetPending = false
	}

	for m, v := range obs.Values {
		s.latest[m] = v
		s.valid[m] = true
		s.errs[m] = ""
		s.stats[m].Observe(v)
	}
	for m, err := range obs.Errors {
		if err != nil {
			s.errs[m] = err.Error()
		}
	}
	s.samples++
}

func (s *SessionState) RequestReset() {
	s.mu.Lock()
	s.resetPending = true
	s.mu.Unlock()
}

// ToggleLogging flips the logging flag and returns the new value.
func (s *SessionState) ToggleLogging() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logging = !s.logging
	return s.logging
}

func (s *SessionState) SetLogging(on bool) {
	s.mu.Lock()
	s.logging = on
	s.mu.Unlock()
}

func (s *SessionState) Logging() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logging
}

// SetKnob records the device value of a knob as last read or written.
func (s *SessionState) SetKnob(k Knob, value int) {
	s.mu.Lock()
	s.knobs[k] = KnobValue{Value: value, Known: true}
	s.mu.Unlock()
}

// ForgetKnob marks a knob as unreadable.
func (s *SessionState) ForgetKnob(k Knob) {
	s.mu.Lock()
	s.knobs[k] = KnobValue{}
	s.mu.Unlock()
}

func (s *SessionState) SetStatus(msg string) {
	s.mu.Lock()
	s.status = msg
	s.statusAt = time.Now()
	s.mu.Unlock()
}

// Stop ends the display. It is safe to call more than once.
func (s *SessionState) Stop() {
	s.mu.Lock()
	s.displayActive = false
	s.mu.Unlock()
}

func (s *SessionState) DisplayActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayActive
}

func (s *SessionState) Profile() capability.Profile {
	return s.profile
}

func (s *SessionState) Identity() Identity {
	return s.identity
}

func (s *SessionState) SnapshotForRender() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Identity:      s.identity,
		Profile:       s.profile,
		Metrics:       make([]MetricView, 0, len(Metrics)),
		Knobs:         make(map[Knob]KnobValue, len(Knobs)),
		Samples:       s.samples,
		Logging:       s.logging,
		ResetPending:  s.resetPending,
		DisplayActive: s.displayActive,
		Status:        s.status,
		StatusAt:      s.statusAt,
		TakenAt:       time.Now(),
	}
	for _, m := range Metrics {
		snap.Metrics = append(snap.Metrics, MetricView{
			Metric: m,
			Value:  s.latest[m],
			Valid:  s.valid[m],
			Err:    s.errs[m],
			Stats:  s.stats[m].Summary(),
		})
	}
	for _, k := range Knobs {
		snap.Knobs[k] = s.knobs[k]
	}
	return snap
}

// Metric returns the view of one metric from the snapshot.
func (snap Snapshot) Metric(m Metric) MetricView {
	for _, v := range snap.Metrics {
		if v.Metric == m {
			return v
		}
	}
	return MetricView{Metric: m}
}
