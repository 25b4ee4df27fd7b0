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
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/host"
	logrus "github.com/sirupsen/logrus"

	"nvtune/internal/capability"
	"nvtune/internal/config"
	"nvtune/internal/control"
	"nvtune/internal/device"
	"nvtune/internal/sink"
	"nvtune/internal/state"
	"nvtune/internal/util"
)

var log = logrus.WithField("component", "Session")

func newBackend(cfg *config.Config, runner device.Runner) device.Backend {
	return device.Serialize(device.NewNvidiaBackend(device.NvidiaConfig{
		SMIPath:      cfg.Tools.NvidiaSMI,
		SettingsPath: cfg.Tools.NvidiaSettings,
		Display:      cfg.Display,
	}, runner))
}

func controlSteps(cfg *config.Config) control.Steps {
	return control.Steps{
		GPUClock:   cfg.Steps.GPUClock,
		MemClock:   cfg.Steps.MemClock,
		Voltage:    cfg.Steps.Voltage,
		Power:      cfg.Steps.Power,
		Fan:        cfg.Steps.Fan,
		PowerMizer: cfg.Steps.PowerMizer,
	}
}

func sinkConfig(cfg *config.Config) sink.Config {
	sc := sink.Config{
		Type: cfg.Samples.Sink,
		File: &sink.FileConfig{
			Path:       cfg.Samples.File,
			MaxSizeMB:  cfg.Samples.MaxSizeMB,
			MaxBackups: cfg.Samples.MaxBackups,
		},
	}
	if cfg.InfluxDB != nil {
		sc.InfluxDB = &sink.InfluxDBConfig{
			URL:    cfg.InfluxDB.URL,
			Token:  cfg.InfluxDB.Token,
			Org:    cfg.InfluxDB.Org,
			Bucket: cfg.InfluxDB.Bucket,
		}
	}
	return sc
}

// xorgOptions returns nil when no X server is involved, which skips the
// Coolbits step of the bootstrap.
func xorgOptions(cfg *config.Config, prompter capability.Prompter) *capability.XorgOptions {
	if !cfg.Xorg.Check || cfg.Display == "" {
		return nil
	}
	return &capability.XorgOptions{
		Paths:       cfg.Xorg.Paths,
		Coolbits:    cfg.Xorg.Coolbits,
		XConfigPath: cfg.Tools.NvidiaXConfig,
		Runner:      device.ExecRunner{},
		Prompter:    prompter,
	}
}

// lookupDevice fails the session start when the configured GPU is not
// listed by the driver.
func lookupDevice(ctx context.Context, backend device.Backend, gpu int) (device.DeviceID, error) {
	devices, err := backend.ListDevices(ctx)
	if err != nil {
		return device.DeviceID{}, util.WrapCraneErr(util.ErrorDevice, "Failed to list GPUs: %v", err)
	}
	for _, d := range devices {
		if d.Index == gpu {
			return d, nil
		}
	}
	return device.DeviceID{}, util.WrapCraneErr(util.ErrorDevice,
		"GPU %d not found, %d GPU(s) available", gpu, len(devices))
}

func bootstrapProfile(ctx context.Context, boot *capability.Bootstrapper) (*capability.Profile, error) {
	profile, err := boot.Profile(ctx)
	if err == nil {
		return profile, nil
	}
	if errors.Is(err, capability.ErrDeclined) {
		return nil, err
	}
	return nil, util.WrapCraneErr(util.ErrorCapability, "Failed to detect overclocking capabilities: %v", err)
}

func buildIdentity(ctx context.Context, backend device.Backend, id device.DeviceID, fan int) (state.Identity, error) {
	identity := state.Identity{
		SessionID: uuid.NewString(),
		GPU:       id.Index,
		Fan:       fan,
		Name:      id.Name,
		UUID:      id.UUID,
	}
	reply, err := backend.Query(ctx, device.GPU(id.Index, "driver_version"))
	switch {
	case err == nil:
		identity.Driver = strings.TrimSpace(reply.Value)
	case device.IsAbsent(err):
		log.Debugf("Driver version unavailable: %v", err)
	default:
		return state.Identity{}, util.WrapCraneErr(util.ErrorDevice, "Failed to read driver version of GPU %d: %v", id.Index, err)
	}
	if info, err := host.InfoWithContext(ctx); err == nil {
		identity.Host = fmt.Sprintf("%s (%s %s)", info.Hostname, info.Platform, info.KernelVersion)
	} else {
		log.Debugf("Host info unavailable: %v", err)
	}
	return identity, nil
}

// acquireSessionLock keeps a second session from adjusting the same GPU.
func acquireSessionLock(dir string, identity state.Identity) (*util.SessionLock, error) {
	lock, err := util.NewSessionLock(dir, identity.GPU)
	if err != nil {
		return nil, util.WrapCraneErr(util.ErrorGeneric, "%v", err)
	}
	err = lock.Acquire(util.LockHolder{
		SessionID: identity.SessionID,
		PID:       os.Getpid(),
		Started:   time.Now(),
	})
	if errors.Is(err, util.ErrSessionLocked) {
		return nil, util.WrapCraneErr(util.ErrorBusy, "GPU %d is busy: %v", identity.GPU, err)
	}
	if err != nil {
		return nil, util.WrapCraneErr(util.ErrorGeneric, "Failed to lock GPU %d: %v", identity.GPU, err)
	}
	return lock, nil
}

func sessionExecute(cfg *config.Config) error {
	if err := device.CheckVendor(device.DefaultDRMRoot); err != nil {
		return util.WrapCraneErr(util.ErrorUnsupportedVendor, "%v", err)
	}
	if !util.IsInteractive() {
		return util.NewCraneErr(util.ErrorTerminal, "nvtune needs an interactive terminal")
	}
	if !util.IsForeground() {
		return util.NewCraneErr(util.ErrorTerminal, "nvtune must run in the foreground")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	backend := newBackend(cfg, device.ExecRunner{})
	id, err := lookupDevice(ctx, backend, cfg.GPU)
	if err != nil {
		return err
	}

	identity, err := buildIdentity(ctx, backend, id, cfg.Fan)
	if err != nil {
		return err
	}
	lock, err := acquireSessionLock(cfg.LockDir, identity)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warnf("Failed to release session lock: %v", err)
		}
	}()

	prompter := newLinePrompter(os.Stdin, os.Stdout)
	boot := capability.NewBootstrapper(backend, id.Index, xorgOptions(cfg, prompter))
	profile, err := bootstrapProfile(ctx, boot)
	if errors.Is(err, capability.ErrDeclined) {
		fmt.Println("Overclocking stays disabled, exiting.")
		return nil
	}
	if err != nil {
		return err
	}

	st := state.New(identity, profile)
	controller := control.NewController(backend, profile, cfg.Fan, controlSteps(cfg))
	if err := controller.ReadAll(ctx, st); err != nil {
		return util.WrapCraneErr(util.ErrorDevice, "Failed to read GPU %d settings: %v", id.Index, err)
	}

	console := NewTerminal(os.Stdin, os.Stdout)
	sampler := NewSampler(backend, st, NewRenderer(console, util.TerminalWidth), cfg.Sample.Interval,
		func() (sink.Sink, error) { return sink.NewSink(sinkConfig(cfg)) })
	session := NewSession(st, console, sampler, NewDispatcher(controller, st))

	log.Infof("Session %s started on GPU %d (%s)", st.Identity().SessionID, id.Index, id.Name)
	if err := session.Run(ctx); err != nil {
		return util.WrapCraneErr(util.ErrorTerminal, "Session aborted: %v", err)
	}
	log.Infof("Session %s ended", st.Identity().SessionID)
	return nil
}
