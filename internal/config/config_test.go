package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.yaml", "gpu: 0\n")
	cfg, err := LoadConfig(path, "", nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	wantSteps := StepsConfig{GPUClock: 10, MemClock: 50, Voltage: 5000, Power: 5, Fan: 1, PowerMizer: 1}
	if cfg.Steps != wantSteps {
		t.Fatalf("Steps = %+v, want %+v", cfg.Steps, wantSteps)
	}
	if cfg.Sample.Interval != 0 {
		t.Fatalf("Sample.Interval = %v, want 0", cfg.Sample.Interval)
	}
	if !cfg.Xorg.Check || cfg.Xorg.Coolbits != 28 || len(cfg.Xorg.Paths) != 3 {
		t.Fatalf("Xorg = %+v", cfg.Xorg)
	}
	if cfg.Tools.NvidiaSMI != "nvidia-smi" || cfg.Tools.NvidiaSettings != "nvidia-settings" {
		t.Fatalf("Tools = %+v", cfg.Tools)
	}
	if cfg.LockDir == "" {
		t.Fatalf("LockDir has no default")
	}
	if cfg.Samples.Sink != "file" || cfg.Log.Level != "info" {
		t.Fatalf("Samples = %+v, Log = %+v", cfg.Samples, cfg.Log)
	}
}

func TestLoadConfigFileAndFlags(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "config.yaml", strings.Join([]string{
		"gpu: 1",
		"fan: 2",
		"display: ':0'",
		"steps:",
		"  power: 10",
		"sample:",
		"  interval: 250ms",
		"xorg:",
		"  paths: [/tmp/xorg.conf]",
	}, "\n"))

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.IntP("gpu", "g", 0, "")
	flags.String("display", "", "")
	flags.Bool("no-xorg-check", false, "")
	if err := flags.Parse([]string{"--gpu", "3", "--no-xorg-check"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path, "", flags)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.GPU != 3 {
		t.Fatalf("GPU = %d, flag should win over file", cfg.GPU)
	}
	if cfg.Fan != 2 || cfg.Display != ":0" {
		t.Fatalf("Fan = %d, Display = %q", cfg.Fan, cfg.Display)
	}
	if cfg.Steps.Power != 10 || cfg.Steps.GPUClock != 10 {
		t.Fatalf("Steps = %+v", cfg.Steps)
	}
	if cfg.Sample.Interval != 250*time.Millisecond {
		t.Fatalf("Sample.Interval = %v", cfg.Sample.Interval)
	}
	if cfg.Xorg.Check {
		t.Fatalf("--no-xorg-check did not disable the check")
	}
	if !reflect.DeepEqual(cfg.Xorg.Paths, []string{"/tmp/xorg.conf"}) {
		t.Fatalf("Xorg.Paths = %v", cfg.Xorg.Paths)
	}
}

func TestLoadConfigEnvFile(t *testing.T) {
	t.Cleanup(func() { os.Unsetenv("NVTUNE_SAMPLES_MAX_BACKUPS") })

	path := writeFile(t, "config.yaml", "samples:\n  max_backups: 3\n")
	envFile := writeFile(t, ".env", "NVTUNE_SAMPLES_MAX_BACKUPS=7\n")

	cfg, err := LoadConfig(path, envFile, nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Samples.MaxBackups != 7 {
		t.Fatalf("MaxBackups = %d, env should override file", cfg.Samples.MaxBackups)
	}

	if _, err := LoadConfig(path, filepath.Join(t.TempDir(), "missing.env"), nil); err == nil {
		t.Fatalf("expected error for missing env file")
	}
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"negative gpu", "gpu: -1", "gpu index"},
		{"zero step", "steps:\n  mem_clock: 0", "step mem_clock"},
		{"negative interval", "sample:\n  interval: -1s", "sample interval"},
		{"bad coolbits", "xorg:\n  coolbits: 64", "coolbits"},
		{"bad level", "log:\n  level: loud", "log level"},
		{"unknown sink", "samples:\n  sink: kafka", "unsupported sample sink"},
		{"incomplete influxdb", "samples:\n  sink: influxdb\ninfluxdb:\n  url: http://localhost:8086", "incomplete influxdb"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := LoadConfig(writeFile(t, "config.yaml", tt.content), "", nil)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfigRejectsMissingExplicitFile(t *testing.T) {
	t.Parallel()

	if _, err := LoadConfig(filepath.Join(t.TempDir(), "none.yaml"), "", nil); err == nil {
		t.Fatalf("expected error for a missing --config file")
	}
}
