package capability

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"nvtune/internal/device"
)

type fakeBackend struct {
	mu      sync.Mutex
	replies map[string]device.Reply
	errs    map[string]error
	queries int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{replies: map[string]device.Reply{}, errs: map[string]error{}}
}

func (f *fakeBackend) Query(_ context.Context, attr device.Attribute) (device.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	key := attr.String()
	if err, ok := f.errs[key]; ok {
		return device.Reply{}, err
	}
	if r, ok := f.replies[key]; ok {
		return r, nil
	}
	return device.Reply{}, &device.DeviceError{Code: device.ErrorNotFound, Attribute: key, Message: "not found"}
}

func (f *fakeBackend) Set(context.Context, device.Attribute, string) error { return nil }

func (f *fakeBackend) ListDevices(context.Context) ([]device.DeviceID, error) { return nil, nil }

func (f *fakeBackend) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

func rangeDetail(lo, hi string) string {
	return "The valid values for 'X' are in the range " + lo + " - " + hi + " (inclusive)."
}

func TestParseRange(t *testing.T) {
	t.Parallel()

	tests := []struct {
		detail string
		want   Range
	}{
		{rangeDetail("-1000", "1000"), Range{Min: -1000, Max: 1000, Valid: true}},
		{rangeDetail("0", "200000"), Range{Min: 0, Max: 200000, Valid: true}},
		{rangeDetail("10", "5"), Range{}},
		{"'GPUCoreTemp' is an integer attribute.", Range{}},
		{"", Range{}},
	}
	for _, tt := range tests {
		if got := ParseRange(tt.detail); got != tt.want {
			t.Fatalf("ParseRange(%q) = %+v, want %+v", tt.detail, got, tt.want)
		}
	}
	if (Range{}).String() != "N/A" {
		t.Fatalf("invalid range should render as N/A")
	}
	if !(Range{Min: 100, Max: 200, Valid: true}).Contains(200) {
		t.Fatalf("range should be inclusive")
	}
}

const sampleXorg = `# nvidia-xconfig: X configuration file generated by nvidia-xconfig
Section "ServerLayout"
    Identifier     "Layout0"
    Screen      0  "Screen0" 0 0
EndSection

Section "Device"
    Identifier     "Device0"
    Driver         "nvidia"
    VendorName     "NVIDIA Corporation"
    BoardName      "NVIDIA GeForce RTX 3080"
EndSection

Section "Screen"
    Identifier     "Screen0"
    Device         "Device0"
    Option         "Coolbits" "28"
    DefaultDepth    24
    SubSection     "Display"
        Depth       24
    EndSubSection
EndSection
`

func TestXorgCoolbits(t *testing.T) {
	t.Parallel()

	config, err := ParseXorgConfig(sampleXorg)
	if err != nil {
		t.Fatalf("ParseXorgConfig: %v", err)
	}
	v, ok := config.Coolbits()
	if !ok || v != 28 {
		t.Fatalf("Coolbits() = %d, %v, want 28, true", v, ok)
	}

	noBits := strings.Replace(sampleXorg, `    Option         "Coolbits" "28"`+"\n", "", 1)
	config, err = ParseXorgConfig(noBits)
	if err != nil {
		t.Fatalf("ParseXorgConfig: %v", err)
	}
	if _, ok := config.Coolbits(); ok {
		t.Fatalf("Coolbits() found a value in a config without one")
	}
}

func TestReadCoolbitsSkipsMissingFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "xorg.conf")
	if err := os.WriteFile(path, []byte(sampleXorg), 0o644); err != nil {
		t.Fatal(err)
	}
	v, ok, err := ReadCoolbits([]string{filepath.Join(dir, "missing.conf"), path})
	if err != nil || !ok || v != 28 {
		t.Fatalf("ReadCoolbits() = %d, %v, %v", v, ok, err)
	}
}

type fakePrompter struct {
	answer bool
	asked  int
}

func (p *fakePrompter) Confirm(string) (bool, error) {
	p.asked++
	return p.answer, nil
}

type recordingRunner struct {
	calls []string
}

func (r *recordingRunner) Run(_ context.Context, name string, args ...string) ([]byte, int, error) {
	r.calls = append(r.calls, name+" "+strings.Join(args, " "))
	return nil, 0, nil
}

func TestCheckCoolbits(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	enabled := filepath.Join(dir, "enabled.conf")
	disabled := filepath.Join(dir, "disabled.conf")
	if err := os.WriteFile(enabled, []byte(sampleXorg), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(disabled, []byte(strings.Replace(sampleXorg, `"28"`, `"4"`, 1)), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Run("already enabled", func(t *testing.T) {
		prompter := &fakePrompter{}
		state, err := CheckCoolbits(context.Background(), XorgOptions{Paths: []string{enabled}, Prompter: prompter})
		if err != nil || state != CoolbitsEnabled {
			t.Fatalf("CheckCoolbits() = %v, %v", state, err)
		}
		if prompter.asked != 0 {
			t.Fatalf("operator was asked although Coolbits is set")
		}
	})

	t.Run("declined", func(t *testing.T) {
		runner := &recordingRunner{}
		_, err := CheckCoolbits(context.Background(), XorgOptions{
			Paths: []string{disabled}, Prompter: &fakePrompter{answer: false}, Runner: runner,
		})
		if !errors.Is(err, ErrDeclined) {
			t.Fatalf("err = %v, want ErrDeclined", err)
		}
		if len(runner.calls) != 0 {
			t.Fatalf("configuration tool ran after a refusal: %v", runner.calls)
		}
	})

	t.Run("accepted", func(t *testing.T) {
		runner := &recordingRunner{}
		state, err := CheckCoolbits(context.Background(), XorgOptions{
			Paths: []string{disabled}, Prompter: &fakePrompter{answer: true}, Runner: runner,
		})
		if err != nil || state != CoolbitsApplied {
			t.Fatalf("CheckCoolbits() = %v, %v", state, err)
		}
		if len(runner.calls) != 1 || runner.calls[0] != "nvidia-xconfig --cool-bits=28" {
			t.Fatalf("calls = %v", runner.calls)
		}
	})
}

func TestBootstrapCurrentGeneration(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.replies["[gpu:0]/GPUGraphicsClockOffsetAllPerformanceLevels"] = device.Reply{Value: "0", Detail: rangeDetail("-1000", "1000")}
	b.replies["[gpu:0]/GPUMemoryTransferRateOffsetAllPerformanceLevels"] = device.Reply{Value: "0", Detail: rangeDetail("-2000", "6000")}
	b.replies["[gpu:0]/GPUOverVoltageOffset"] = device.Reply{Value: "0", Detail: rangeDetail("0", "100000")}
	b.replies["[gpu:0]/power.min_limit"] = device.Reply{Value: "100.00"}
	b.replies["[gpu:0]/power.max_limit"] = device.Reply{Value: "200.00"}

	boot := NewBootstrapper(b, 0, nil)
	p, err := boot.Profile(context.Background())
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if p.Generation != GenerationCurrent {
		t.Fatalf("Generation = %v", p.Generation)
	}
	if got := p.GPUClockOffsetAttr.String(); got != "[gpu:0]/GPUGraphicsClockOffsetAllPerformanceLevels" {
		t.Fatalf("GPUClockOffsetAttr = %s", got)
	}
	if p.GPUClockOffsetRange != (Range{Min: -1000, Max: 1000, Valid: true}) {
		t.Fatalf("GPUClockOffsetRange = %+v", p.GPUClockOffsetRange)
	}
	if p.MemClockOffsetRange != (Range{Min: -2000, Max: 6000, Valid: true}) {
		t.Fatalf("MemClockOffsetRange = %+v", p.MemClockOffsetRange)
	}
	if !p.VoltageAvailable || p.VoltageOffsetText() != "0..100000" {
		t.Fatalf("voltage = %v %s", p.VoltageAvailable, p.VoltageOffsetText())
	}
	if p.PowerLimitRange != (Range{Min: 100, Max: 200, Valid: true}) {
		t.Fatalf("PowerLimitRange = %+v", p.PowerLimitRange)
	}

	before := b.queryCount()
	again, err := boot.Profile(context.Background())
	if err != nil || again != p {
		t.Fatalf("second Profile() = %p, %v, want %p", again, err, p)
	}
	if b.queryCount() != before {
		t.Fatalf("second Profile() queried the device %d more times", b.queryCount()-before)
	}
}

func TestBootstrapLegacyGeneration(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.errs["[gpu:0]/GPUGraphicsClockOffsetAllPerformanceLevels"] = &device.DeviceError{Code: device.ErrorInternal, Message: "invalid attribute"}
	b.replies["[gpu:0]/GPUPerfModes"] = device.Reply{
		Value: "perf=0, nvclock=139, nvclockmax=405 ; perf=1, nvclock=139, nvclockmax=1189 ; perf=2, nvclock=139, nvclockmax=2100",
	}
	b.replies["[gpu:0]/GPUGraphicsClockOffset[2]"] = device.Reply{Value: "0", Detail: rangeDetail("-200", "1200")}
	b.replies["[gpu:0]/GPUMemoryTransferRateOffset[2]"] = device.Reply{Value: "0", Detail: rangeDetail("-2000", "2000")}

	p, err := NewBootstrapper(b, 0, nil).Profile(context.Background())
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if p.Generation != GenerationLegacy {
		t.Fatalf("Generation = %v", p.Generation)
	}
	if got := p.MemClockOffsetAttr.String(); got != "[gpu:0]/GPUMemoryTransferRateOffset[2]" {
		t.Fatalf("MemClockOffsetAttr = %s", got)
	}
	if p.GPUClockOffsetRange != (Range{Min: -200, Max: 1200, Valid: true}) {
		t.Fatalf("GPUClockOffsetRange = %+v", p.GPUClockOffsetRange)
	}
	if p.VoltageAvailable || p.VoltageOffsetText() != "N/A" {
		t.Fatalf("voltage should be unavailable")
	}
	if p.PowerLimitRange.Valid {
		t.Fatalf("PowerLimitRange = %+v, want invalid", p.PowerLimitRange)
	}
}

func TestBootstrapLegacyDefaultsToLevelThree(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.errs["[gpu:0]/GPUGraphicsClockOffsetAllPerformanceLevels"] = &device.DeviceError{Code: device.ErrorNotFound}

	p, err := NewBootstrapper(b, 0, nil).Profile(context.Background())
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if got := p.GPUClockOffsetAttr.String(); got != "[gpu:0]/GPUGraphicsClockOffset[3]" {
		t.Fatalf("GPUClockOffsetAttr = %s", got)
	}
	if p.GPUClockOffsetRange.Valid || p.MemClockOffsetRange.Valid {
		t.Fatalf("ranges should be unavailable")
	}
}

func TestBootstrapFatalVoltageError(t *testing.T) {
	t.Parallel()

	b := newFakeBackend()
	b.replies["[gpu:0]/GPUGraphicsClockOffsetAllPerformanceLevels"] = device.Reply{Value: "0"}
	b.errs["[gpu:0]/GPUOverVoltageOffset"] = &device.DeviceError{Code: device.ErrorPermissionDenied}

	boot := NewBootstrapper(b, 0, nil)
	if _, err := boot.Profile(context.Background()); err == nil {
		t.Fatalf("expected permission error")
	}
	if _, err := boot.Profile(context.Background()); device.CodeOf(err) != device.ErrorPermissionDenied {
		t.Fatalf("second call err = %v", err)
	}
}
