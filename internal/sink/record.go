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
	"bufio"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"nvtune/internal/state"
)

// EncodeRecord renders one sample as a single JSON object:
//
//	{"session":"..","time":"..","gpu":0,"samples":12,
//	 "metrics":{"gpu_clock":1500,..},"errors":{..},"knobs":{"power_limit":150,..}}
//
// Metrics without a value and knobs that are unknown are omitted.
func EncodeRecord(snap *state.Snapshot) ([]byte, error) {
	record := []byte(`{}`)
	set := func(path string, value any) (err error) {
		record, err = sjson.SetBytes(record, path, value)
		return err
	}

	if err := set("session", snap.Identity.SessionID); err != nil {
		return nil, err
	}
	if err := set("time", snap.TakenAt.Format(time.RFC3339Nano)); err != nil {
		return nil, err
	}
	if err := set("gpu", snap.Identity.GPU); err != nil {
		return nil, err
	}
	if err := set("samples", snap.Samples); err != nil {
		return nil, err
	}

	for _, m := range snap.Metrics {
		if m.Valid {
			if err := set("metrics."+m.Metric.Name(), m.Value); err != nil {
				return nil, err
			}
		}
		if m.Err != "" {
			if err := set("errors."+m.Metric.Name(), m.Err); err != nil {
				return nil, err
			}
		}
	}
	for _, k := range state.Knobs {
		if v := snap.Knobs[k]; v.Known {
			if err := set("knobs."+k.Name(), v.Value); err != nil {
				return nil, err
			}
		}
	}
	return record, nil
}

// FormatRecord turns a JSON record line into one human readable line.
// Lines that are not valid records are returned unchanged.
func FormatRecord(line string) string {
	if !gjson.Valid(line) {
		return line
	}
	parsed := gjson.Parse(line)

	var b strings.Builder
	ts := parsed.Get("time").String()
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		ts = t.Local().Format("2006-01-02 15:04:05.000")
	}
	fmt.Fprintf(&b, "%s gpu%d #%d", ts, parsed.Get("gpu").Int(), parsed.Get("samples").Int())

	for _, section := range []string{"metrics", "knobs"} {
		var fields []string
		parsed.Get(section).ForEach(func(key, value gjson.Result) bool {
			fields = append(fields, fmt.Sprintf("%s=%s", key.String(), value.Raw))
			return true
		})
		sort.Strings(fields)
		if len(fields) > 0 {
			b.WriteString(" ")
			b.WriteString(strings.Join(fields, " "))
		}
	}
	if errs := parsed.Get("errors"); errs.Exists() {
		errs.ForEach(func(key, value gjson.Result) bool {
			fmt.Fprintf(&b, " %s=ERR", key.String())
			return true
		})
	}
	return b.String()
}

// ReadLastLines returns at most n trailing lines of path, all lines when n
// is not positive.
func ReadLastLines(path string, n int) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if n > 0 && len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}
