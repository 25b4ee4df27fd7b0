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

// Package config loads the session configuration from file, environment
// and command line, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"nvtune/internal/util"
)

const EnvPrefix = "NVTUNE"

type Config struct {
	GPU     int    `mapstructure:"gpu"`
	Fan     int    `mapstructure:"fan"`
	Display string `mapstructure:"display"`
	LockDir string `mapstructure:"lock_dir"`

	Tools   ToolsConfig   `mapstructure:"tools"`
	Steps   StepsConfig   `mapstructure:"steps"`
	Sample  SampleConfig  `mapstructure:"sample"`
	Xorg    XorgConfig    `mapstructure:"xorg"`
	Samples SamplesConfig `mapstructure:"samples"`
	Log     LogConfig     `mapstructure:"log"`

	InfluxDB *InfluxDBConfig `mapstructure:"influxdb"`
}

type ToolsConfig struct {
	NvidiaSMI      string `mapstructure:"nvidia_smi"`
	NvidiaSettings string `mapstructure:"nvidia_settings"`
	NvidiaXConfig  string `mapstructure:"nvidia_xconfig"`
}

type StepsConfig struct {
	GPUClock   int `mapstructure:"gpu_clock"`
	MemClock   int `mapstructure:"mem_clock"`
	Voltage    int `mapstructure:"voltage"`
	Power      int `mapstructure:"power"`
	Fan        int `mapstructure:"fan"`
	PowerMizer int `mapstructure:"powermizer"`
}

type SampleConfig struct {
	// Interval is a pause between polling rounds. Zero polls back to back.
	Interval time.Duration `mapstructure:"interval"`
}

type XorgConfig struct {
	Check    bool     `mapstructure:"check"`
	Paths    []string `mapstructure:"paths"`
	Coolbits int      `mapstructure:"coolbits"`
}

type SamplesConfig struct {
	Sink       string `mapstructure:"sink"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

type InfluxDBConfig struct {
	URL    string `mapstructure:"url"`
	Token  string `mapstructure:"token"`
	Org    string `mapstructure:"org"`
	Bucket string `mapstructure:"bucket"`
}

// FlagKeys maps command line flags to configuration keys.
var FlagKeys = map[string]string{
	"gpu":             "gpu",
	"fan":             "fan",
	"display":         "display",
	"debug-level":     "log.level",
	"no-xorg-check":   "xorg.check",
	"sample-interval": "sample.interval",
}

// LoadConfig reads path, or the first default location that exists when
// path is empty. A missing default file is not an error. envFile, when
// set, is loaded into the process environment before NVTUNE_* variables
// are consulted. Flags that were set on the command line win over both.
func LoadConfig(path, envFile string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaultConfig(v)

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("error loading env file: %w", err)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = findDefaultConfig()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := bindFlags(v, flags); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func findDefaultConfig() string {
	for _, p := range []string{util.DefaultConfigPath, util.DefaultUserConfigPath} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	if flags == nil {
		return nil
	}
	var errs []error
	flags.Visit(func(f *pflag.Flag) {
		key, ok := FlagKeys[f.Name]
		if !ok {
			return
		}
		if f.Name == "no-xorg-check" {
			// inverted flag
			v.Set(key, f.Value.String() != "true")
			return
		}
		if err := v.BindPFlag(key, f); err != nil {
			errs = append(errs, err)
		}
	})
	return errors.Join(errs...)
}

func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("gpu", 0)
	v.SetDefault("fan", 0)
	v.SetDefault("display", "")
	v.SetDefault("lock_dir", util.DefaultLockDir)

	v.SetDefault("tools.nvidia_smi", "nvidia-smi")
	v.SetDefault("tools.nvidia_settings", "nvidia-settings")
	v.SetDefault("tools.nvidia_xconfig", "nvidia-xconfig")

	// Step defaults
	v.SetDefault("steps.gpu_clock", 10)
	v.SetDefault("steps.mem_clock", 50)
	v.SetDefault("steps.voltage", 5000)
	v.SetDefault("steps.power", 5)
	v.SetDefault("steps.fan", 1)
	v.SetDefault("steps.powermizer", 1)

	v.SetDefault("sample.interval", "0s")

	v.SetDefault("xorg.check", true)
	v.SetDefault("xorg.paths", []string{
		"/etc/X11/xorg.conf",
		"/etc/X11/xorg.conf.d/20-nvidia.conf",
		"/usr/share/X11/xorg.conf.d/20-nvidia.conf",
	})
	v.SetDefault("xorg.coolbits", 28)

	// Sample log defaults
	v.SetDefault("samples.sink", "file")
	v.SetDefault("samples.file", util.DefaultSampleLogPath)
	v.SetDefault("samples.max_size_mb", 50)
	v.SetDefault("samples.max_backups", 3)

	// keys must be known for NVTUNE_INFLUXDB_* to apply
	v.SetDefault("influxdb.url", "")
	v.SetDefault("influxdb.token", "")
	v.SetDefault("influxdb.org", "")
	v.SetDefault("influxdb.bucket", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", util.DefaultLogFilePath)
}

func validateConfig(cfg *Config) error {
	if cfg.GPU < 0 {
		return fmt.Errorf("gpu index must not be negative")
	}
	if cfg.Fan < 0 {
		return fmt.Errorf("fan index must not be negative")
	}
	if cfg.LockDir == "" {
		return fmt.Errorf("lock_dir must not be empty")
	}
	if cfg.Sample.Interval < 0 {
		return fmt.Errorf("sample interval must not be negative")
	}

	steps := map[string]int{
		"gpu_clock":  cfg.Steps.GPUClock,
		"mem_clock":  cfg.Steps.MemClock,
		"voltage":    cfg.Steps.Voltage,
		"power":      cfg.Steps.Power,
		"fan":        cfg.Steps.Fan,
		"powermizer": cfg.Steps.PowerMizer,
	}
	for name, step := range steps {
		if step <= 0 {
			return fmt.Errorf("step %s must be greater than 0", name)
		}
	}

	if cfg.Xorg.Coolbits < 0 || cfg.Xorg.Coolbits > 31 {
		return fmt.Errorf("coolbits must be within 0..31")
	}

	if err := util.CheckLogLevel(cfg.Log.Level); err != nil {
		return err
	}

	switch cfg.Samples.Sink {
	case "file":
		if cfg.Samples.File == "" {
			return fmt.Errorf("samples.file is required when sink is file")
		}
		cfg.Samples.File = filepath.Clean(cfg.Samples.File)
	case "influxdb":
		if cfg.InfluxDB == nil {
			return fmt.Errorf("influxdb configuration is required when sink is influxdb")
		}
		if cfg.InfluxDB.URL == "" || cfg.InfluxDB.Token == "" ||
			cfg.InfluxDB.Org == "" || cfg.InfluxDB.Bucket == "" {
			return fmt.Errorf("incomplete influxdb configuration")
		}
	default:
		return fmt.Errorf("unsupported sample sink: %s", cfg.Samples.Sink)
	}

	return nil
}

func PrintConfig(cfg *Config) {
	log.Debugf("=== Current Configuration Start ===")

	log.Debugf("Device: gpu %d, fan %d, display %q", cfg.GPU, cfg.Fan, cfg.Display)
	log.Debugf("Lock directory: %s", cfg.LockDir)
	log.Debugf("Tools: %s, %s, %s", cfg.Tools.NvidiaSMI, cfg.Tools.NvidiaSettings, cfg.Tools.NvidiaXConfig)
	log.Debugf("Steps: gpu clock %d, memory clock %d, voltage %d, power %d, fan %d, powermizer %d",
		cfg.Steps.GPUClock, cfg.Steps.MemClock, cfg.Steps.Voltage,
		cfg.Steps.Power, cfg.Steps.Fan, cfg.Steps.PowerMizer)
	log.Debugf("Sample interval: %v", cfg.Sample.Interval)
	log.Debugf("Xorg: check %v, coolbits %d, paths %v", cfg.Xorg.Check, cfg.Xorg.Coolbits, cfg.Xorg.Paths)

	log.Debugf("Samples: sink %s", cfg.Samples.Sink)
	switch cfg.Samples.Sink {
	case "file":
		log.Debugf("  File: %s (max %d MB, %d backups)", cfg.Samples.File, cfg.Samples.MaxSizeMB, cfg.Samples.MaxBackups)
	case "influxdb":
		if cfg.InfluxDB != nil {
			log.Debugf("  URL: %s", cfg.InfluxDB.URL)
			log.Debugf("  Organization: %s", cfg.InfluxDB.Org)
			log.Debugf("  Bucket: %s", cfg.InfluxDB.Bucket)
			if len(cfg.InfluxDB.Token) > 10 {
				log.Debugf("  Token: %s...", cfg.InfluxDB.Token[:10])
			}
		}
	}

	log.Debugf("=== Current Configuration End ===")
}
