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

// Package sink writes the samples shown while logging is toggled on.
package sink

import (
	"fmt"

	logrus "github.com/sirupsen/logrus"

	"nvtune/internal/state"
)

var log = logrus.WithField("component", "Sink")

// Sink receives one record per rendered sample while logging is on.
type Sink interface {
	Write(snap *state.Snapshot) error
	Close() error
}

type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
}

type InfluxDBConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

type Config struct {
	Type     string
	File     *FileConfig
	InfluxDB *InfluxDBConfig
}

func NewSink(config Config) (Sink, error) {
	switch config.Type {
	case "file", "":
		if config.File == nil {
			return nil, fmt.Errorf("file sink config is nil")
		}
		return NewFileSink(config.File), nil

	case "influxdb":
		if config.InfluxDB == nil {
			return nil, fmt.Errorf("influxdb sink config is nil")
		}
		return NewInfluxDBSink(config.InfluxDB)

	default:
		return nil, fmt.Errorf("unsupported sink type: %s", config.Type)
	}
}
