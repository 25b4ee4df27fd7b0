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
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"nvtune/internal/state"
)

const (
	influxMeasurement  = "gpu_sample"
	influxWriteTimeout = 5 * time.Second
)

type InfluxDBSink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	org      string
	bucket   string
}

func NewInfluxDBSink(config *InfluxDBConfig) (*InfluxDBSink, error) {
	client := influxdb2.NewClient(config.URL, config.Token)
	ctx, cancel := context.WithTimeout(context.Background(), influxWriteTimeout)
	defer cancel()
	if _, err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping InfluxDB: %v", err)
	}

	s := &InfluxDBSink{
		client: client,
		org:    config.Org,
		bucket: config.Bucket,
	}
	if err := s.createBucketIfNotExists(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create bucket: %v", err)
	}
	s.writeAPI = client.WriteAPIBlocking(s.org, s.bucket)
	return s, nil
}

func (s *InfluxDBSink) Write(snap *state.Snapshot) error {
	p := samplePoint(snap)
	if p == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), influxWriteTimeout)
	defer cancel()
	if err := s.writeAPI.WritePoint(ctx, p); err != nil {
		return fmt.Errorf("failed to write sample: %v", err)
	}
	return nil
}

// samplePoint returns nil when the snapshot carries no value at all.
func samplePoint(snap *state.Snapshot) *write.Point {
	tags := map[string]string{
		"session": snap.Identity.SessionID,
		"gpu":     strconv.Itoa(snap.Identity.GPU),
	}
	if snap.Identity.Host != "" {
		tags["host"] = snap.Identity.Host
	}
	if snap.Identity.UUID != "" {
		tags["gpu_uuid"] = snap.Identity.UUID
	}

	fields := map[string]interface{}{}
	for _, m := range snap.Metrics {
		if m.Valid {
			fields[m.Metric.Name()] = m.Value
		}
	}
	for _, k := range state.Knobs {
		if v := snap.Knobs[k]; v.Known {
			fields[k.Name()] = v.Value
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return influxdb2.NewPoint(influxMeasurement, tags, fields, snap.TakenAt)
}

func (s *InfluxDBSink) Close() error {
	s.client.Close()
	return nil
}

func (s *InfluxDBSink) createBucketIfNotExists(ctx context.Context) error {
	bucketsAPI := s.client.BucketsAPI()
	bucket, _ := bucketsAPI.FindBucketByName(ctx, s.bucket)
	if bucket != nil {
		log.Debugf("Bucket already exists: %s", s.bucket)
		return nil
	}

	log.Infof("Creating bucket: %s", s.bucket)
	org, err := s.client.OrganizationsAPI().FindOrganizationByName(ctx, s.org)
	if err != nil {
		return fmt.Errorf("failed to find organization: %v", err)
	}
	if _, err := bucketsAPI.CreateBucketWithName(ctx, org, s.bucket); err != nil {
		return err
	}
	return nil
}
