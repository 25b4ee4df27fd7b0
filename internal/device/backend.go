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

package device

import (
	"context"
	"strconv"
	"strings"
	"sync"
)

// Reply is the payload of a successful query. Value is the bare attribute
// value; Detail keeps any descriptive text the tool printed along with it,
// such as the valid range of the attribute.
type Reply struct {
	Value  string
	Detail string
}

type DeviceID struct {
	Index int
	Name  string
	UUID  string
}

// Backend turns attribute-path addressed queries and mutations into
// vendor tool invocations. Every error it returns is a *DeviceError.
type Backend interface {
	Query(ctx context.Context, attr Attribute) (Reply, error)
	Set(ctx context.Context, attr Attribute, value string) error
	ListDevices(ctx context.Context) ([]DeviceID, error)
}

func QueryFloat(ctx context.Context, b Backend, attr Attribute) (float64, error) {
	reply, err := b.Query(ctx, attr)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(reply.Value), 64)
	if err != nil {
		return 0, newError(ErrorInternal, attr, "unexpected value %q", reply.Value)
	}
	return v, nil
}

func QueryInt(ctx context.Context, b Backend, attr Attribute) (int, error) {
	v, err := QueryFloat(ctx, b, attr)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

func SetInt(ctx context.Context, b Backend, attr Attribute, value int) error {
	return b.Set(ctx, attr, strconv.Itoa(value))
}

// serialBackend guarantees that at most one vendor tool invocation is in
// flight at a time. Sampler and dispatcher both call into the same device.
type serialBackend struct {
	mu    sync.Mutex
	inner Backend
}

func Serialize(b Backend) Backend {
	if s, ok := b.(*serialBackend); ok {
		return s
	}
	return &serialBackend{inner: b}
}

func (s *serialBackend) Query(ctx context.Context, attr Attribute) (Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Query(ctx, attr)
}

func (s *serialBackend) Set(ctx context.Context, attr Attribute, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.Set(ctx, attr, value)
}

func (s *serialBackend) ListDevices(ctx context.Context) ([]DeviceID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.ListDevices(ctx)
}
