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
	"errors"
	"sync"

	"nvtune/internal/state"
)

// Session runs the sampler and the dispatcher against one SessionState and
// owns their shutdown. The console is restored on every return path.
type Session struct {
	state      *state.SessionState
	console    Console
	sampler    *Sampler
	dispatcher *Dispatcher
}

func NewSession(st *state.SessionState, console Console, sampler *Sampler, dispatcher *Dispatcher) *Session {
	return &Session{state: st, console: console, sampler: sampler, dispatcher: dispatcher}
}

// Run blocks until ctx is cancelled, typically by SIGINT, or until the
// sampler fails to draw.
func (s *Session) Run(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Restore is a no-op on a console that was never entered.
	defer func() {
		if rerr := s.console.Restore(); rerr != nil {
			log.Errorf("Failed to restore terminal: %v", rerr)
			if err == nil {
				err = rerr
			}
		}
	}()
	if err := s.console.Enter(); err != nil {
		return err
	}
	defer func() {
		if cerr := s.sampler.Close(); cerr != nil {
			log.Warnf("Failed to close sample sink: %v", cerr)
		}
	}()

	keys := make(chan byte, 16)
	var wg sync.WaitGroup
	var samplerErr, readerErr error

	wg.Add(3)
	go func() {
		defer wg.Done()
		defer cancel()
		readerErr = s.console.ReadKeys(ctx, keys)
		log.Trace("Key reader exited")
	}()
	go func() {
		defer wg.Done()
		s.dispatcher.Run(ctx, keys)
		log.Trace("Dispatcher exited")
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		samplerErr = s.sampler.Run(ctx)
		log.Trace("Sampler exited")
	}()

	<-ctx.Done()
	s.state.Stop()
	wg.Wait()

	return errors.Join(samplerErr, readerErr)
}
