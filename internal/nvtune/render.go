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
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"

	"nvtune/internal/capability"
	"nvtune/internal/state"
	"nvtune/internal/util"
)

var powerMizerModes = map[int]string{
	0: "Adaptive",
	1: "Prefer Maximum Performance",
	2: "Auto",
	3: "Prefer Consistent Performance",
}

var knobKeys = map[state.Knob]string{
	state.GpuClockOffset: "G/g",
	state.MemClockOffset: "M/m",
	state.VoltageOffset:  "V/v",
	state.PowerLimit:     "P/p",
	state.FanControl:     "F",
	state.FanTarget:      "T/t",
	state.PowerMizer:     "W/w",
}

// Renderer redraws the frame in place: the cursor goes back to the top-left
// corner and every line overwrites the previous frame's line.
type Renderer struct {
	out   io.Writer
	width func() int
}

func NewRenderer(out io.Writer, width func() int) *Renderer {
	if width == nil {
		width = func() int { return 0 }
	}
	return &Renderer{out: out, width: width}
}

func (r *Renderer) Render(snap *state.Snapshot) error {
	var b strings.Builder
	b.WriteString(escHome)
	width := r.width()
	for _, line := range strings.Split(strings.TrimRight(Frame(snap), "\n"), "\n") {
		if width > 0 {
			line = util.FitLine(line, width)
		}
		b.WriteString(line)
		b.WriteString(escEraseLine)
		b.WriteString("\r\n")
	}
	b.WriteString(escEraseBelow)
	_, err := io.WriteString(r.out, b.String())
	return err
}

// Frame lays out one snapshot as plain text.
func Frame(snap *state.Snapshot) string {
	var b bytes.Buffer
	id := snap.Identity

	fmt.Fprintf(&b, "nvtune  session %s  host %s  %s\n",
		shortID(id.SessionID), orNA(id.Host), snap.TakenAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "GPU %d: %s  UUID %s  driver %s\n", id.GPU, orNA(id.Name), orNA(id.UUID), orNA(id.Driver))
	fmt.Fprintf(&b, "Clock offsets: %s\n\n", snap.Profile.Generation)

	metrics := tablewriter.NewWriter(&b)
	util.SetBorderlessTable(metrics)
	metrics.SetHeader([]string{"PARAMETER", "CURRENT", "MIN", "MAX", "AVG"})
	for _, m := range snap.Metrics {
		metrics.Append(metricRow(m))
	}
	metrics.Render()
	b.WriteString("\n")

	knobs := tablewriter.NewWriter(&b)
	util.SetBorderlessTable(knobs)
	knobs.SetHeader([]string{"SETTING", "VALUE", "RANGE", "KEYS"})
	for _, k := range state.Knobs {
		knobs.Append([]string{k.String(), knobText(snap, k), knobRange(&snap.Profile, k), knobKeys[k]})
	}
	knobs.Render()
	b.WriteString("\n")

	logging := "off"
	if snap.Logging {
		logging = "on"
	}
	reset := ""
	if snap.ResetPending {
		reset = "  (reset pending)"
	}
	fmt.Fprintf(&b, "Samples: %d  Logging: %s%s\n", snap.Samples, logging, reset)
	b.WriteString("[R] reset statistics  [L] toggle logging  [Ctrl-C] quit\n")
	if snap.Status != "" {
		fmt.Fprintf(&b, "%s  %s\n", snap.StatusAt.Format("15:04:05"), snap.Status)
	}
	return b.String()
}

func metricRow(m state.MetricView) []string {
	unit := m.Metric.Unit()
	if !m.Valid {
		cur := "N/A"
		if m.Err != "" {
			cur = "ERR"
		}
		return []string{m.Metric.String(), cur, "-", "-", "-"}
	}

	cur := formatValue(m.Value) + " " + unit
	if m.Err != "" {
		// last known value, the latest poll failed
		cur += " !"
	}
	if m.Stats.Count == 0 {
		return []string{m.Metric.String(), cur, "-", "-", "-"}
	}
	return []string{
		m.Metric.String(),
		cur,
		formatValue(m.Stats.Min),
		formatValue(m.Stats.Max),
		strconv.FormatFloat(m.Stats.Avg, 'f', 1, 64),
	}
}

func knobText(snap *state.Snapshot, k state.Knob) string {
	if k == state.VoltageOffset && !snap.Profile.VoltageAvailable {
		return "N/A"
	}
	v, ok := snap.Knobs[k]
	if !ok || !v.Known {
		return "N/A"
	}
	switch k {
	case state.FanControl:
		if v.Value != 0 {
			return "manual"
		}
		return "auto"
	case state.PowerMizer:
		if name, ok := powerMizerModes[v.Value]; ok {
			return fmt.Sprintf("%d (%s)", v.Value, name)
		}
	case state.GpuClockOffset, state.MemClockOffset, state.VoltageOffset:
		return fmt.Sprintf("%+d %s", v.Value, k.Unit())
	}
	if k.Unit() == "" {
		return strconv.Itoa(v.Value)
	}
	return fmt.Sprintf("%d %s", v.Value, k.Unit())
}

func knobRange(p *capability.Profile, k state.Knob) string {
	switch k {
	case state.GpuClockOffset:
		return p.GPUClockOffsetRange.String()
	case state.MemClockOffset:
		return p.MemClockOffsetRange.String()
	case state.VoltageOffset:
		return p.VoltageOffsetText()
	case state.PowerLimit:
		return p.PowerLimitRange.String()
	case state.FanTarget:
		return "0..100"
	case state.PowerMizer:
		return "0..3"
	}
	return ""
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return orNA(id)
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}
