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

package sink

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/nxadm/tail"
	"gopkg.in/natefinch/lumberjack.v2"

	"nvtune/internal/state"
)

// FileSink appends JSON records to a size-rotated file.
type FileSink struct {
	mu     sync.Mutex
	writer *lumberjack.Logger
}

func NewFileSink(config *FileConfig) *FileSink {
	return &FileSink{
		writer: &lumberjack.Logger{
			Filename:   config.Path,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
		},
	}
}

func (s *FileSink) Write(snap *state.Snapshot) error {
	record, err := EncodeRecord(snap)
	if err != nil {
		return fmt.Errorf("failed to encode sample: %w", err)
	}
	record = append(record, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.writer.Write(record); err != nil {
		return fmt.Errorf("failed to write sample: %w", err)
	}
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer.Close()
}

// Follow calls fn for every line appended to path until ctx is done. When
// fromEnd is set only new lines are reported.
func Follow(ctx context.Context, path string, fromEnd bool, fn func(string)) error {
	config := tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Logger:    tail.DiscardingLogger,
	}
	if fromEnd {
		config.Location = &tail.SeekInfo{Whence: io.SeekEnd}
	} else {
		config.Location = &tail.SeekInfo{Whence: io.SeekStart}
	}

	t, err := tail.TailFile(path, config)
	if err != nil {
		return fmt.Errorf("failed to tail %s: %w", path, err)
	}
	defer t.Cleanup()

	for {
		select {
		case line, ok := <-t.Lines:
			if !ok || line == nil {
				return nil
			}
			if line.Err != nil {
				return fmt.Errorf("tail error: %w", line.Err)
			}
			fn(line.Text)
		case <-ctx.Done():
			return t.Stop()
		}
	}
}
