package renderer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"go2tv.app/loopcast/internal/domain"
)

type fakeDialect struct {
	mu sync.Mutex

	calls      []string
	uris       []string
	seeks      []string
	transports []TransportInfo
	positions  []PositionInfo
	playErrs   []error
	setURIErr  error
	stopErr    error
	pollCount  int
	posCount   int
	playCount  int
}

func (f *fakeDialect) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeDialect) SetURI(_ context.Context, mediaURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("set_uri")
	f.uris = append(f.uris, mediaURL)
	return f.setURIErr
}

func (f *fakeDialect) Play(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("play")
	idx := f.playCount
	f.playCount++
	if idx < len(f.playErrs) {
		return f.playErrs[idx]
	}
	return nil
}

func (f *fakeDialect) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop")
	return f.stopErr
}

func (f *fakeDialect) Pause(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("pause")
	return nil
}

func (f *fakeDialect) Seek(_ context.Context, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("seek")
	f.seeks = append(f.seeks, target)
	return nil
}

func (f *fakeDialect) TransportInfo(context.Context) (TransportInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.pollCount
	f.pollCount++
	if len(f.transports) == 0 {
		return TransportInfo{State: "playing"}, nil
	}
	if idx >= len(f.transports) {
		idx = len(f.transports) - 1
	}
	return f.transports[idx], nil
}

func (f *fakeDialect) PositionInfo(context.Context) (PositionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.posCount
	f.posCount++
	if len(f.positions) == 0 {
		return PositionInfo{}, nil
	}
	if idx >= len(f.positions) {
		idx = len(f.positions) - 1
	}
	return f.positions[idx], nil
}

func (f *fakeDialect) setTransports(states ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transports = f.transports[:0]
	for _, s := range states {
		f.transports = append(f.transports, TransportInfo{State: s})
	}
	f.pollCount = 0
}

func (f *fakeDialect) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeDialect) count(call string) int {
	n := 0
	for _, c := range f.snapshot() {
		if c == call {
			n++
		}
	}
	return n
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type progressSink struct {
	mu   sync.Mutex
	last domain.PlaybackProgress
	n    int
}

func (p *progressSink) report(pr domain.PlaybackProgress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = pr
	p.n++
}

func (p *progressSink) get() (domain.PlaybackProgress, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last, p.n
}

func newTestClient(d Dialect, variant string, clock *manualClock, onProgress func(domain.PlaybackProgress)) *Client {
	opts := Options{
		DeviceName: "D1",
		Dialect:    d,
		Monitor: MonitorConfig{
			Variant:           variant,
			PollInterval:      5 * time.Millisecond,
			InactivityTimeout: 30 * time.Second,
			EndMargin:         3 * time.Second,
			StopWait:          time.Second,
		},
		Retry:      RetryConfig{Attempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
		OnProgress: onProgress,
	}
	if clock != nil {
		opts.Now = clock.Now
	}
	return NewClient(opts)
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestPlayWithoutLoopIssuesSetURIThenPlay(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	d := &fakeDialect{}
	c := newTestClient(d, VariantV1, nil, nil)

	if err := c.Play(context.Background(), "http://10.0.0.2:9000/a.mp4", false); err != nil {
		t.Fatalf("play: %v", err)
	}
	got := d.snapshot()
	if len(got) != 2 || got[0] != "set_uri" || got[1] != "play" {
		t.Fatalf("unexpected calls %v", got)
	}
	if c.State() != StatePlaying || c.Looping() {
		t.Fatalf("unexpected state=%s looping=%v", c.State(), c.Looping())
	}
	if c.MediaURL() != "http://10.0.0.2:9000/a.mp4" {
		t.Fatalf("unexpected url %q", c.MediaURL())
	}
}

func TestPlayRetriesTransientFailures(t *testing.T) {
	d := &fakeDialect{playErrs: []error{errors.New("dial tcp: connection refused")}}
	c := newTestClient(d, VariantV1, nil, nil)

	if err := c.Play(context.Background(), "http://x/a.mp4", false); err != nil {
		t.Fatalf("play: %v", err)
	}
	if got := d.count("play"); got != 2 {
		t.Fatalf("expected 2 play attempts, got %d", got)
	}
}

func TestPlayDoesNotRetryProtocolFailures(t *testing.T) {
	fault := &SOAPError{Action: "Play", StatusCode: 500, Code: "701", Message: "Transition not available"}
	d := &fakeDialect{playErrs: []error{fault, fault, fault}}
	c := newTestClient(d, VariantV1, nil, nil)

	err := c.Play(context.Background(), "http://x/a.mp4", true)
	if err == nil {
		t.Fatal("expected play error")
	}
	var soapErr *SOAPError
	if !errors.As(err, &soapErr) || soapErr.Code != "701" {
		t.Fatalf("expected wrapped SOAP fault, got %v", err)
	}
	if got := d.count("play"); got != 1 {
		t.Fatalf("expected a single play attempt, got %d", got)
	}
	if c.State() != StateIdle || c.Looping() {
		t.Fatalf("failed play must leave the client idle, got %s looping=%v", c.State(), c.Looping())
	}
}

func TestMonitorRestartsWhenDeviceStops(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	d := &fakeDialect{}
	d.setTransports("playing", "stopped", "playing")
	c := newTestClient(d, VariantV1, nil, nil)

	if err := c.Play(context.Background(), "http://x/a.mp4", true); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitUntil(t, "restart after STOPPED", func() bool { return c.Restarts() >= 1 })

	if got := d.count("set_uri"); got < 2 {
		t.Fatalf("expected set_uri to be re-issued, got %d", got)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestMonitorV1RestartsAfterInactivity(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	clock := &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	d := &fakeDialect{}
	d.setTransports("paused")
	c := newTestClient(d, VariantV1, clock, nil)

	if err := c.Play(context.Background(), "http://x/a.mp4", true); err != nil {
		t.Fatalf("play: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if c.Restarts() != 0 {
		t.Fatalf("restart before inactivity timeout")
	}

	clock.Advance(31 * time.Second)
	waitUntil(t, "inactivity restart", func() bool { return c.Restarts() == 1 })

	time.Sleep(20 * time.Millisecond)
	if got := c.Restarts(); got != 1 {
		t.Fatalf("expected a single restart while the clock is frozen, got %d", got)
	}
	_ = c.Stop(context.Background())
}

func TestMonitorV2RestartsNearEndAndReportsProgress(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	sink := &progressSink{}
	d := &fakeDialect{positions: []PositionInfo{
		{Position: 9*time.Minute + 58*time.Second, Duration: 10 * time.Minute},
	}}
	d.setTransports("playing")
	c := newTestClient(d, VariantV2, nil, sink.report)

	if err := c.Play(context.Background(), "http://x/a.mp4", true); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitUntil(t, "near-end restart", func() bool { return c.Restarts() >= 1 })
	_ = c.Stop(context.Background())

	last, n := sink.get()
	if n == 0 {
		t.Fatal("expected progress reports")
	}
	if !last.Playing || last.Duration != 10*time.Minute {
		t.Fatalf("unexpected progress %+v", last)
	}
	if last.Percent < 99 || last.Percent > 100 {
		t.Fatalf("unexpected percent %.2f", last.Percent)
	}
}

func TestMonitorV2RestartsFrozenPosition(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	clock := &manualClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	d := &fakeDialect{positions: []PositionInfo{{Position: 42 * time.Second, Duration: 10 * time.Minute}}}
	d.setTransports("playing")
	c := newTestClient(d, VariantV2, clock, nil)

	if err := c.Play(context.Background(), "http://x/a.mp4", true); err != nil {
		t.Fatalf("play: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	clock.Advance(45 * time.Second)
	waitUntil(t, "frozen position restart", func() bool { return c.Restarts() >= 1 })
	_ = c.Stop(context.Background())
}

func TestStopJoinsMonitorBeforeStopCommand(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	d := &fakeDialect{}
	d.setTransports("stopped")
	c := newTestClient(d, VariantV1, nil, nil)

	if err := c.Play(context.Background(), "http://x/a.mp4", true); err != nil {
		t.Fatalf("play: %v", err)
	}
	waitUntil(t, "some restarts", func() bool { return c.Restarts() >= 2 })

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	before := d.snapshot()
	if before[len(before)-1] != "stop" {
		t.Fatalf("expected stop as the last command, got %v", before[len(before)-3:])
	}

	time.Sleep(30 * time.Millisecond)
	after := d.snapshot()
	if len(after) != len(before) {
		t.Fatalf("monitor issued commands after stop: %v", after[len(before):])
	}
	if c.State() != StateIdle || c.Looping() {
		t.Fatalf("unexpected state=%s looping=%v", c.State(), c.Looping())
	}
}

func TestStopWithoutPlaybackSendsNothing(t *testing.T) {
	d := &fakeDialect{}
	c := newTestClient(d, VariantV1, nil, nil)
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if len(d.snapshot()) != 0 {
		t.Fatalf("unexpected calls %v", d.snapshot())
	}
}

func TestPauseSuppressesRestartsUntilResume(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	d := &fakeDialect{}
	d.setTransports("playing")
	c := newTestClient(d, VariantV1, nil, nil)

	if err := c.Play(context.Background(), "http://x/a.mp4", true); err != nil {
		t.Fatalf("play: %v", err)
	}
	if err := c.Pause(context.Background()); err != nil {
		t.Fatalf("pause: %v", err)
	}
	d.setTransports("stopped")
	time.Sleep(30 * time.Millisecond)
	if c.Restarts() != 0 || c.State() != StatePaused {
		t.Fatalf("paused client restarted: restarts=%d state=%s", c.Restarts(), c.State())
	}

	d.setTransports("playing")
	if err := c.Resume(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if c.State() != StatePlaying {
		t.Fatalf("expected PLAYING after resume, got %s", c.State())
	}
	_ = c.Stop(context.Background())
}

func TestSeekUsesRelTimeClock(t *testing.T) {
	d := &fakeDialect{}
	c := newTestClient(d, VariantV1, nil, nil)

	if err := c.Seek(context.Background(), time.Hour+2*time.Minute+3*time.Second); err != nil {
		t.Fatalf("seek: %v", err)
	}
	if len(d.seeks) != 1 || d.seeks[0] != "1:02:03" {
		t.Fatalf("unexpected seek targets %v", d.seeks)
	}
	if err := c.Seek(context.Background(), -time.Second); !errors.Is(err, &domain.Error{Code: domain.CodeInvalidArgument}) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
		ok   bool
	}{
		{"0:00:05", 5 * time.Second, true},
		{"01:02:03", time.Hour + 2*time.Minute + 3*time.Second, true},
		{"0:00:01.500", 1500 * time.Millisecond, true},
		{"+10:00:00", 10 * time.Hour, true},
		{"NOT_IMPLEMENTED", 0, false},
		{"", 0, false},
		{"1:99:00", 0, false},
		{"garbage", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseClock(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Fatalf("parseClock(%q) = (%v,%v), want (%v,%v)", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestFormatClock(t *testing.T) {
	for in, want := range map[time.Duration]string{
		0:                                    "0:00:00",
		59 * time.Second:                     "0:00:59",
		61 * time.Minute:                     "1:01:00",
		25*time.Hour + 1500*time.Millisecond: "25:00:01",
		-time.Second:                         "0:00:00",
	} {
		if got := formatClock(in); got != want {
			t.Fatalf("formatClock(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizeDLNAState(t *testing.T) {
	for in, want := range map[string]string{
		"PLAYING":          "playing",
		"PAUSED_PLAYBACK":  "paused",
		"NO_MEDIA_PRESENT": "stopped",
		"TRANSITIONING":    "buffering",
		" Custom State ":   "custom_state",
	} {
		if got := normalizeDLNAState(in); got != want {
			t.Fatalf("normalizeDLNAState(%q) = %q, want %q", in, got, want)
		}
	}
}
