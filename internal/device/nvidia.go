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
	"fmt"
	"regexp"
	"strconv"
	"strings"

	logrus "github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "Device")

const (
	DefaultSMIPath      = "nvidia-smi"
	DefaultSettingsPath = "nvidia-settings"

	powerLimitField = "power.limit"
)

type NvidiaConfig struct {
	SMIPath      string
	SettingsPath string
	// Display is passed to the settings tool as its control display when
	// not empty, e.g. ":0".
	Display string
}

// NvidiaBackend drives the two vendor command line tools: the management
// tool for query fields and the power limit, the settings tool for every
// CamelCase attribute.
type NvidiaBackend struct {
	smi      string
	settings string
	display  string
	runner   Runner
}

func NewNvidiaBackend(config NvidiaConfig, runner Runner) *NvidiaBackend {
	if runner == nil {
		runner = ExecRunner{}
	}
	b := &NvidiaBackend{
		smi:      config.SMIPath,
		settings: config.SettingsPath,
		display:  config.Display,
		runner:   runner,
	}
	if b.smi == "" {
		b.smi = DefaultSMIPath
	}
	if b.settings == "" {
		b.settings = DefaultSettingsPath
	}
	return b
}

var (
	settingsValuePattern = regexp.MustCompile(`Attribute '[^']+' \([^)]*\)[^:]*: (.*)\.\s*$`)
	deviceListPattern    = regexp.MustCompile(`^GPU (\d+): (.+?) \(UUID: ([^)]+)\)`)
)

func (b *NvidiaBackend) Query(ctx context.Context, attr Attribute) (Reply, error) {
	if attr.QueryField() {
		return b.queryField(ctx, attr)
	}
	return b.querySettings(ctx, attr)
}

func (b *NvidiaBackend) queryField(ctx context.Context, attr Attribute) (Reply, error) {
	if attr.Target != TargetGPU {
		return Reply{}, newError(ErrorInvalidArgument, attr, "query fields address GPUs only")
	}
	output, err := b.run(ctx, attr, b.smi,
		"--query-gpu="+attr.Name,
		"--format=csv,noheader,nounits",
		"-i", strconv.Itoa(attr.Index))
	if err != nil {
		return Reply{}, err
	}

	value := strings.TrimSpace(firstLine(output))
	switch value {
	case "", "N/A", "[N/A]", "[Not Supported]":
		return Reply{}, newError(ErrorUnsupported, attr, "no value reported")
	}
	return Reply{Value: value}, nil
}

func (b *NvidiaBackend) querySettings(ctx context.Context, attr Attribute) (Reply, error) {
	args := append(b.displayArgs(), "-q", attr.String())
	output, err := b.run(ctx, attr, b.settings, args...)
	if err != nil {
		return Reply{}, err
	}
	if code, failed := ClassifyOutput(output); failed {
		return Reply{}, newError(code, attr, "%s", errorLine(output))
	}

	var reply Reply
	var detail []string
	found := false
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if !found {
			if m := settingsValuePattern.FindStringSubmatch(line); m != nil {
				reply.Value = strings.TrimSpace(m[1])
				found = true
				continue
			}
		}
		detail = append(detail, line)
	}
	if !found {
		return Reply{}, newError(ErrorInternal, attr, "unexpected reply %q", firstLine(output))
	}
	reply.Detail = strings.Join(detail, "\n")
	return reply, nil
}

func (b *NvidiaBackend) Set(ctx context.Context, attr Attribute, value string) error {
	if attr.QueryField() {
		if attr.Name != powerLimitField || attr.Target != TargetGPU {
			return newError(ErrorUnsupported, attr, "query field is read-only")
		}
		_, err := b.run(ctx, attr, b.smi, "-i", strconv.Itoa(attr.Index), "-pl", value)
		return err
	}

	args := append(b.displayArgs(), "-a", fmt.Sprintf("%s=%s", attr, value))
	output, err := b.run(ctx, attr, b.settings, args...)
	if err != nil {
		return err
	}
	if code, failed := ClassifyOutput(output); failed {
		return newError(code, attr, "%s", errorLine(output))
	}
	log.Debugf("%s set to %s", attr, value)
	return nil
}

func (b *NvidiaBackend) ListDevices(ctx context.Context) ([]DeviceID, error) {
	output, err := b.run(ctx, Attribute{}, b.smi, "-L")
	if err != nil {
		return nil, err
	}

	var devices []DeviceID
	for _, line := range strings.Split(output, "\n") {
		m := deviceListPattern.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			continue
		}
		index, _ := strconv.Atoi(m[1])
		devices = append(devices, DeviceID{Index: index, Name: m[2], UUID: m[3]})
	}
	if len(devices) == 0 {
		return nil, &DeviceError{Code: ErrorNotFound, Message: "no GPU listed by " + b.smi}
	}
	return devices, nil
}

func (b *NvidiaBackend) displayArgs() []string {
	if b.display == "" {
		return nil
	}
	return []string{"-c", b.display}
}

// run executes one tool invocation and classifies a failing exit status.
func (b *NvidiaBackend) run(ctx context.Context, attr Attribute, name string, args ...string) (string, error) {
	out, status, err := b.runner.Run(ctx, name, args...)
	output := string(out)
	if err != nil {
		if ctx.Err() != nil {
			return "", newError(ErrorInternal, attr, "%s interrupted: %v", name, ctx.Err())
		}
		return "", newError(ErrorInternal, attr, "cannot run %s: %v", name, err)
	}
	if status != 0 {
		code := ClassifyExitCode(status)
		if name == b.settings {
			// the settings tool only ever exits with 1
			if c, ok := ClassifyOutput(output); ok {
				code = c
			}
		}
		return "", newError(code, attr, "%s exited with %d: %s", name, status, errorLine(output))
	}
	return output, nil
}

func firstLine(s string) string {
	s = strings.TrimLeft(s, "\r\n")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func errorLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if strings.Contains(strings.ToUpper(line), "ERROR") {
			return strings.TrimSpace(line)
		}
	}
	return strings.TrimSpace(firstLine(s))
}
