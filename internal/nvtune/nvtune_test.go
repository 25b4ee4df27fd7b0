package nvtune

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"nvtune/internal/capability"
	"nvtune/internal/control"
	"nvtune/internal/device"
	"nvtune/internal/state"
	"nvtune/internal/util"
)

// fakeBackend replays a sequence of values per attribute; the last value
// sticks once the sequence is exhausted.
type fakeBackend struct {
	mu      sync.Mutex
	values  map[string][]string
	sets    []string
	devices []device.DeviceID
	errs    map[string]error
	onSet   func(attr string)
}

func newFakeBackend(values map[string][]string) *fakeBackend {
	return &fakeBackend{values: values}
}

func (f *fakeBackend) Query(_ context.Context, attr device.Attribute) (device.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[attr.String()]; ok {
		return device.Reply{}, err
	}
	seq, ok := f.values[attr.String()]
	if !ok || len(seq) == 0 {
		return device.Reply{}, &device.DeviceError{Code: device.ErrorNotFound, Attribute: attr.String()}
	}
	v := seq[0]
	if len(seq) > 1 {
		f.values[attr.String()] = seq[1:]
	}
	return device.Reply{Value: v}, nil
}

func (f *fakeBackend) Set(_ context.Context, attr device.Attribute, value string) error {
	f.mu.Lock()
	f.sets = append(f.sets, attr.String()+"="+value)
	f.values[attr.String()] = []string{value}
	onSet := f.onSet
	f.mu.Unlock()
	if onSet != nil {
		onSet(attr.String())
	}
	return nil
}

func (f *fakeBackend) ListDevices(context.Context) ([]device.DeviceID, error) {
	return f.devices, nil
}

func (f *fakeBackend) Sets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sets...)
}

type fakeConsole struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	writeErr error
	enterErr error
	keys     string
	quit     chan struct{}
	entered  int
	restored int
}

func (c *fakeConsole) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	return c.buf.Write(p)
}

func (c *fakeConsole) Enter() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entered++
	return c.enterErr
}

func (c *fakeConsole) Restore() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restored++
	return nil
}

func (c *fakeConsole) ReadKeys(ctx context.Context, keys chan<- byte) error {
	for i := 0; i < len(c.keys); i++ {
		select {
		case keys <- c.keys[i]:
		case <-ctx.Done():
			return nil
		}
	}
	select {
	case <-c.quit:
	case <-ctx.Done():
	}
	return nil
}

func testProfile() *capability.Profile {
	return &capability.Profile{
		GPU:                 0,
		Generation:          capability.GenerationCurrent,
		GPUClockOffsetAttr:  device.GPU(0, "GPUGraphicsClockOffsetAllPerformanceLevels"),
		MemClockOffsetAttr:  device.GPU(0, "GPUMemoryTransferRateOffsetAllPerformanceLevels"),
		GPUClockOffsetRange: capability.Range{Min: -200, Max: 200, Valid: true},
		MemClockOffsetRange: capability.Range{Min: -1000, Max: 1000, Valid: true},
		PowerLimitRange:     capability.Range{Min: 100, Max: 200, Valid: true},
	}
}

func testState() *state.SessionState {
	return state.New(state.Identity{
		SessionID: "0f8fad5b-d9cb-469f-a165-70867728950e",
		GPU:       0,
		Fan:       0,
		Name:      "NVIDIA GeForce RTX 3080",
	}, testProfile())
}

func lineWith(frame, label string) string {
	for _, line := range strings.Split(frame, "\n") {
		if strings.Contains(line, label) {
			return line
		}
	}
	return ""
}

func TestSamplerClockStatistics(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(map[string][]string{
		"[gpu:0]/clocks.gr":  {"1500", "1550", "1480"},
		"[gpu:0]/clocks.mem": {"9501"},
		"[gpu:0]/power.draw": {"215.37"},
	})
	st := testState()
	out := &fakeConsole{}
	s := NewSampler(b, st, NewRenderer(out, nil), 0, nil)

	for i := 0; i < 3; i++ {
		if err := s.Step(context.Background()); err != nil {
			t.Fatalf("Step %d: %v", i, err)
		}
	}

	snap := st.SnapshotForRender()
	gpu := snap.Metric(state.GpuClock)
	if gpu.Value != 1480 || gpu.Stats.Count != 3 || gpu.Stats.Min != 1480 || gpu.Stats.Max != 1550 {
		t.Fatalf("gpu clock view = %+v", gpu)
	}

	row := lineWith(Frame(&snap), "GPU Clock")
	for _, want := range []string{"1480 MHz", "1550", "1510.0"} {
		if !strings.Contains(row, want) {
			t.Fatalf("row %q does not contain %q", row, want)
		}
	}
	if row := lineWith(Frame(&snap), "Core Voltage"); !strings.Contains(row, "ERR") {
		t.Fatalf("failing metric row = %q", row)
	}
	if !strings.HasPrefix(out.buf.String(), escHome) {
		t.Fatalf("frame does not start at the home position")
	}
}

func TestSamplerKeepsValueOnPollError(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(map[string][]string{"[gpu:0]/clocks.gr": {"1500"}})
	st := testState()
	s := NewSampler(b, st, NewRenderer(&fakeConsole{}, nil), 0, nil)
	if err := s.Step(context.Background()); err != nil {
		t.Fatal(err)
	}

	b.mu.Lock()
	delete(b.values, "[gpu:0]/clocks.gr")
	b.mu.Unlock()
	if err := s.Step(context.Background()); err != nil {
		t.Fatal(err)
	}

	snap := st.SnapshotForRender()
	view := snap.Metric(state.GpuClock)
	if !view.Valid || view.Value != 1500 || view.Err == "" {
		t.Fatalf("view after failed poll = %+v", view)
	}
	if row := lineWith(Frame(&snap), "GPU Clock"); !strings.Contains(row, "1500 MHz !") {
		t.Fatalf("row = %q", row)
	}
}

func TestSamplerStepAfterCancel(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(map[string][]string{"[gpu:0]/clocks.gr": {"1500"}})
	st := testState()
	out := &fakeConsole{}
	s := NewSampler(b, st, NewRenderer(out, nil), 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Step(ctx); err != nil {
		t.Fatal(err)
	}
	if snap := st.SnapshotForRender(); snap.Samples != 0 || out.buf.Len() != 0 {
		t.Fatalf("cancelled round was applied: samples=%d output=%d", snap.Samples, out.buf.Len())
	}
}

func TestDispatcherPowerLimit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		current  string
		key      byte
		wantSets []string
		want     int
	}{
		{"raise", "150.00", 'P', []string{"[gpu:0]/power.limit=155"}, 155},
		{"lower", "150.00", 'p', []string{"[gpu:0]/power.limit=145"}, 145},
		{"beyond max", "198.00", 'P', nil, 198},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			b := newFakeBackend(map[string][]string{"[gpu:0]/power.limit": {tt.current}})
			st := testState()
			d := NewDispatcher(control.NewController(b, testProfile(), 0, control.DefaultSteps()), st)
			if !d.Handle(context.Background(), tt.key) {
				t.Fatalf("key %q not handled", tt.key)
			}
			if sets := b.Sets(); len(sets) != len(tt.wantSets) || (len(sets) > 0 && sets[0] != tt.wantSets[0]) {
				t.Fatalf("sets = %v, want %v", sets, tt.wantSets)
			}
			snap := st.SnapshotForRender()
			if kv := snap.Knobs[state.PowerLimit]; !kv.Known || kv.Value != tt.want {
				t.Fatalf("power limit knob = %+v, want %d", kv, tt.want)
			}
			if snap.Status == "" {
				t.Fatalf("no status after command")
			}
		})
	}
}

func TestDispatcherSessionKeys(t *testing.T) {
	t.Parallel()

	st := testState()
	d := NewDispatcher(control.NewController(newFakeBackend(map[string][]string{}), testProfile(), 0, control.DefaultSteps()), st)

	if d.Handle(context.Background(), 'x') {
		t.Fatalf("unbound key handled")
	}
	if !d.Handle(context.Background(), 'R') || !st.SnapshotForRender().ResetPending {
		t.Fatalf("R did not request a reset")
	}
	if !d.Handle(context.Background(), 'l') || !st.Logging() {
		t.Fatalf("l did not enable logging")
	}
	if !d.Handle(context.Background(), 'L') || st.Logging() {
		t.Fatalf("L did not disable logging")
	}
}

func TestDispatcherReportsDeviceFailure(t *testing.T) {
	t.Parallel()

	st := testState()
	// the fan control state is unknown to the device
	d := NewDispatcher(control.NewController(newFakeBackend(map[string][]string{}), testProfile(), 0, control.DefaultSteps()), st)
	if !d.Handle(context.Background(), 'F') {
		t.Fatalf("F not handled")
	}
	snap := st.SnapshotForRender()
	if !strings.HasPrefix(snap.Status, state.FanControl.String()) {
		t.Fatalf("status = %q", snap.Status)
	}
	if !snap.DisplayActive {
		t.Fatalf("device failure stopped the session")
	}
}

func TestFrameKnobs(t *testing.T) {
	t.Parallel()

	st := testState()
	st.SetKnob(state.GpuClockOffset, 50)
	st.SetKnob(state.PowerLimit, 220)
	st.SetKnob(state.FanControl, 1)
	st.SetKnob(state.PowerMizer, 1)
	snap := st.SnapshotForRender()
	frame := Frame(&snap)

	tests := []struct {
		label string
		want  []string
	}{
		{"GPU Clock Offset", []string{"+50 MHz", "-200..200", "G/g"}},
		{"Voltage Offset", []string{"N/A", "V/v"}},
		{"Power Limit", []string{"220 W", "100..200"}},
		{"Fan Control", []string{"manual"}},
		{"PowerMizer Mode", []string{"1 (Prefer Maximum Performance)", "0..3"}},
	}
	for _, tt := range tests {
		row := lineWith(frame, tt.label)
		for _, want := range tt.want {
			if !strings.Contains(row, want) {
				t.Errorf("row %q does not contain %q", row, want)
			}
		}
	}
	if !strings.Contains(frame, "Clock offsets: all-performance-levels") {
		t.Fatalf("frame lacks the clock offset generation:\n%s", frame)
	}
}

func TestRenderFitsWidth(t *testing.T) {
	t.Parallel()

	st := testState()
	snap := st.SnapshotForRender()
	out := &fakeConsole{}
	if err := NewRenderer(out, func() int { return 40 }).Render(&snap); err != nil {
		t.Fatal(err)
	}
	body := strings.TrimPrefix(out.buf.String(), escHome)
	body = strings.TrimSuffix(body, escEraseBelow)
	for _, line := range strings.Split(strings.TrimSuffix(body, "\r\n"), "\r\n") {
		line = strings.TrimSuffix(line, escEraseLine)
		if len(line) != 40 {
			t.Fatalf("line %q has width %d", line, len(line))
		}
	}
}

func TestSessionRunRestoresConsole(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(map[string][]string{
		"[gpu:0]/clocks.gr":   {"1500"},
		"[gpu:0]/power.limit": {"150.00"},
	})
	console := &fakeConsole{keys: "xP", quit: make(chan struct{})}
	var once sync.Once
	b.onSet = func(string) { once.Do(func() { close(console.quit) }) }

	st := testState()
	controller := control.NewController(b, testProfile(), 0, control.DefaultSteps())
	sampler := NewSampler(b, st, NewRenderer(console, nil), time.Millisecond, nil)
	session := NewSession(st, console, sampler, NewDispatcher(controller, st))

	done := make(chan error, 1)
	go func() { done <- session.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("session did not stop")
	}

	if console.entered != 1 || console.restored != 1 {
		t.Fatalf("entered=%d restored=%d", console.entered, console.restored)
	}
	if sets := b.Sets(); len(sets) != 1 || sets[0] != "[gpu:0]/power.limit=155" {
		t.Fatalf("sets = %v", sets)
	}
	if st.DisplayActive() {
		t.Fatalf("display still active after Run")
	}
}

func TestSessionRunRestoresConsoleOnDrawFailure(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(map[string][]string{"[gpu:0]/clocks.gr": {"1500"}})
	console := &fakeConsole{writeErr: errors.New("broken pipe"), quit: make(chan struct{})}
	st := testState()
	controller := control.NewController(b, testProfile(), 0, control.DefaultSteps())
	session := NewSession(st, console, NewSampler(b, st, NewRenderer(console, nil), 0, nil),
		NewDispatcher(controller, st))

	err := session.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "broken pipe") {
		t.Fatalf("Run error = %v", err)
	}
	if console.restored != 1 {
		t.Fatalf("console restored %d times", console.restored)
	}
}

func TestSessionRunRestoresConsoleOnEnterFailure(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(map[string][]string{"[gpu:0]/clocks.gr": {"1500"}})
	console := &fakeConsole{enterErr: errors.New("hide cursor: broken pipe"), quit: make(chan struct{})}
	st := testState()
	controller := control.NewController(b, testProfile(), 0, control.DefaultSteps())
	session := NewSession(st, console, NewSampler(b, st, NewRenderer(console, nil), 0, nil),
		NewDispatcher(controller, st))

	err := session.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "broken pipe") {
		t.Fatalf("Run error = %v", err)
	}
	if console.restored != 1 {
		t.Fatalf("console restored %d times", console.restored)
	}
	if b.Sets() != nil {
		t.Fatalf("sets = %v, want none", b.Sets())
	}
}

func TestTerminalRestoreAfterFailedEnter(t *testing.T) {
	t.Parallel()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	term := NewTerminal(r, w)
	if err := term.Enter(); err == nil {
		t.Fatalf("Enter on a pipe succeeded")
	}
	if err := term.Restore(); err != nil {
		t.Fatalf("Restore after failed Enter = %v", err)
	}
	if err := term.Restore(); err != nil {
		t.Fatalf("second Restore = %v", err)
	}
}

func TestLookupDevice(t *testing.T) {
	t.Parallel()

	b := newFakeBackend(nil)
	b.devices = []device.DeviceID{{Index: 0, Name: "NVIDIA GeForce RTX 3080", UUID: "GPU-1"}}

	id, err := lookupDevice(context.Background(), b, 0)
	if err != nil || id.UUID != "GPU-1" {
		t.Fatalf("lookupDevice(0) = %+v, %v", id, err)
	}

	_, err = lookupDevice(context.Background(), b, 3)
	if util.ExitCodeOf(err) != util.ErrorDevice {
		t.Fatalf("lookupDevice(3) error = %v", err)
	}
}

func TestBuildIdentity(t *testing.T) {
	t.Parallel()

	id := device.DeviceID{Index: 0, Name: "NVIDIA GeForce RTX 3080", UUID: "GPU-1"}

	b := newFakeBackend(map[string][]string{"[gpu:0]/driver_version": {"550.54.14 "}})
	identity, err := buildIdentity(context.Background(), b, id, 0)
	if err != nil {
		t.Fatalf("buildIdentity() = %v", err)
	}
	if identity.Driver != "550.54.14" || identity.UUID != "GPU-1" || identity.SessionID == "" {
		t.Fatalf("identity = %+v", identity)
	}

	identity, err = buildIdentity(context.Background(), newFakeBackend(nil), id, 0)
	if err != nil || identity.Driver != "" {
		t.Fatalf("absent driver version: identity = %+v, err = %v", identity, err)
	}

	b = newFakeBackend(nil)
	b.errs = map[string]error{
		"[gpu:0]/driver_version": &device.DeviceError{Code: device.ErrorGPUUnreachable},
	}
	if _, err := buildIdentity(context.Background(), b, id, 0); util.ExitCodeOf(err) != util.ErrorDevice {
		t.Fatalf("unreachable GPU: err = %v, want ErrorDevice", err)
	}
}

func TestPrintCaps(t *testing.T) {
	t.Parallel()

	p := testProfile()

	var out bytes.Buffer
	if err := printCaps(&out, p, true, false); err != nil {
		t.Fatal(err)
	}
	var view capsView
	if err := json.Unmarshal(out.Bytes(), &view); err != nil {
		t.Fatalf("invalid JSON: %v\n%s", err, out.String())
	}
	if view.Generation != "all-performance-levels" || view.PowerLimitRange.Max != 200 || view.VoltageAvailable {
		t.Fatalf("view = %+v", view)
	}

	out.Reset()
	if err := printCaps(&out, p, false, true); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "generation: all-performance-levels") {
		t.Fatalf("yaml output:\n%s", out.String())
	}

	out.Reset()
	if err := printCaps(&out, p, false, false); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"GPU 0 (all-performance-levels)", "Voltage offset", "range: -1000..1000"} {
		if !strings.Contains(out.String(), want) {
			t.Fatalf("tree lacks %q:\n%s", want, out.String())
		}
	}
}

func TestPrintDevices(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	printDevices(&out, []device.DeviceID{
		{Index: 0, Name: "NVIDIA GeForce RTX 3080", UUID: "GPU-1"},
		{Index: 1, Name: "NVIDIA GeForce GTX 1080", UUID: "GPU-2"},
	})
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 3 || !strings.Contains(lines[2], "GTX 1080") {
		t.Fatalf("table:\n%s", out.String())
	}
}

func TestLinePrompter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"\n", false},
		{"maybe\nn\n", false},
		{"maybe\ny\n", true},
		{"", false},
	}
	for _, tt := range tests {
		var out bytes.Buffer
		got, err := newLinePrompter(strings.NewReader(tt.input), &out).Confirm("Enable Coolbits?")
		if err != nil {
			t.Fatalf("Confirm(%q): %v", tt.input, err)
		}
		if got != tt.want {
			t.Fatalf("Confirm(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestAcquireSessionLockBusy(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first, err := acquireSessionLock(dir, state.Identity{SessionID: "a", GPU: 0})
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	defer first.Release()

	_, err = acquireSessionLock(dir, state.Identity{SessionID: "b", GPU: 0})
	if util.ExitCodeOf(err) != util.ErrorBusy {
		t.Fatalf("second lock error = %v", err)
	}
}
