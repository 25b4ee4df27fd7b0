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
	"time"

	"nvtune/internal/device"
	"nvtune/internal/sink"
	"nvtune/internal/state"
)

// Sampler polls every metric, folds the round into the session state and
// redraws the frame. It runs back to back: the round trip of the vendor
// tools is the only pacing unless an interval is configured.
type Sampler struct {
	backend  device.Backend
	state    *state.SessionState
	renderer *Renderer
	gpu      int
	fan      int
	interval time.Duration

	openSink func() (sink.Sink, error)
	sink     sink.Sink

	lastErr map[state.Metric]string
}

func NewSampler(backend device.Backend, st *state.SessionState, renderer *Renderer,
	interval time.Duration, openSink func() (sink.Sink, error)) *Sampler {
	id := st.Identity()
	return &Sampler{
		backend:  backend,
		state:    st,
		renderer: renderer,
		gpu:      id.GPU,
		fan:      id.Fan,
		interval: interval,
		openSink: openSink,
		lastErr:  make(map[state.Metric]string),
	}
}

// Poll queries each metric once. A failing metric does not affect the
// others.
func (s *Sampler) Poll(ctx context.Context) state.Observation {
	obs := state.Observation{
		Values: make(map[state.Metric]float64, len(state.Metrics)),
		Errors: make(map[state.Metric]error),
	}
	for _, m := range state.Metrics {
		v, err := device.QueryFloat(ctx, s.backend, m.Source(s.gpu, s.fan))
		if err != nil {
			obs.Errors[m] = err
			if s.lastErr[m] != err.Error() {
				log.Warnf("Failed to poll %s: %v", m, err)
				s.lastErr[m] = err.Error()
			}
			continue
		}
		delete(s.lastErr, m)
		obs.Values[m] = m.FromRaw(v)
	}
	return obs
}

// Step runs one polling round. Only a failure to draw the frame is
// returned; everything else is contained here.
func (s *Sampler) Step(ctx context.Context) error {
	obs := s.Poll(ctx)
	if ctx.Err() != nil {
		// results of cancelled tool runs are not samples
		return nil
	}
	s.state.ApplyObservations(obs)

	snap := s.state.SnapshotForRender()
	if snap.Logging {
		s.record(&snap)
	}
	if err := s.renderer.Render(&snap); err != nil {
		return fmt.Errorf("failed to draw frame: %w", err)
	}
	return nil
}

func (s *Sampler) record(snap *state.Snapshot) {
	if s.sink == nil {
		if s.openSink == nil {
			return
		}
		out, err := s.openSink()
		if err != nil {
			log.Errorf("Failed to open sample sink: %v", err)
			s.state.SetLogging(false)
			s.state.SetStatus(fmt.Sprintf("logging disabled: %v", err))
			return
		}
		s.sink = out
	}
	if err := s.sink.Write(snap); err != nil {
		log.Warnf("Failed to log sample: %v", err)
		s.state.SetStatus(fmt.Sprintf("sample not logged: %v", err))
	}
}

// Run loops until ctx is cancelled or the display is stopped.
func (s *Sampler) Run(ctx context.Context) error {
	for ctx.Err() == nil && s.state.DisplayActive() {
		if err := s.Step(ctx); err != nil {
			return err
		}
		if s.interval > 0 {
			select {
			case <-time.After(s.interval):
			case <-ctx.Done():
			}
		}
	}
	return nil
}

func (s *Sampler) Close() error {
	if s.sink == nil {
		return nil
	}
	err := s.sink.Close()
	s.sink = nil
	return err
}
