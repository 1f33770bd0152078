package manager

import (
	"context"
	"errors"
	"testing"
	"time"

	"go2tv.app/loopcast/internal/domain"
)

func discovered(name, hostname string) domain.DeviceInfo {
	return domain.DeviceInfo{
		Name:           name,
		Hostname:       hostname,
		Type:           domain.TypeDLNA,
		ActionEndpoint: "http://" + hostname + ":49152/desc.xml",
	}
}

func TestDiscoveryReconcilesRegistry(t *testing.T) {
	h := newHarness(t)
	h.m.SetConfiguredVideo("Living Room", "/videos/a.mp4", 50)
	h.discoverer.results = [][]domain.DeviceInfo{
		{discovered("Living Room", "10.0.0.5")},
		{discovered("Living Room", "10.0.0.5")},
		{},
		{discovered("Living Room", "10.0.0.7")},
	}
	ctx := context.Background()

	h.m.RunDiscoveryOnce(ctx)
	dev, ok := h.m.GetDevice("Living Room")
	if !ok {
		t.Fatal("expected discovered device to be registered")
	}
	if dev.Source != domain.SourceDiscovery || !dev.IsPlaying || dev.CurrentVideoPath != "/videos/a.mp4" {
		t.Fatalf("unexpected device after first tick %+v", dev)
	}
	firstID := dev.InstanceID

	h.m.RunDiscoveryOnce(ctx)
	if got := h.bank.latest("Living Room").playCount(); got != 1 {
		t.Fatalf("unchanged device must not be replayed, got %d plays", got)
	}

	h.m.RunDiscoveryOnce(ctx)
	dev, ok = h.m.GetDevice("Living Room")
	if !ok || dev.Status != domain.StatusDisconnected {
		t.Fatalf("vanished device must stay registered as disconnected, got %+v ok=%v", dev, ok)
	}

	h.m.RunDiscoveryOnce(ctx)
	dev, _ = h.m.GetDevice("Living Room")
	if dev.InstanceID == firstID || dev.Hostname != "10.0.0.7" || dev.Status != domain.StatusConnected {
		t.Fatalf("changed device must be replaced, got %+v", dev)
	}
	if !dev.IsPlaying {
		t.Fatal("changed device must be reassigned its configured video")
	}
	if h.bank.created("Living Room") != 2 {
		t.Fatalf("expected a controller per instance, got %d", h.bank.created("Living Room"))
	}
}

func TestDiscoverySkipsMissingConfiguredVideo(t *testing.T) {
	h := newHarness(t)
	h.m.SetConfiguredVideo("D1", "/videos/missing.mp4", 50)
	h.discoverer.results = [][]domain.DeviceInfo{
		{discovered("D1", "10.0.0.5")},
		{discovered("D1", "10.0.0.5")},
		{discovered("D1", "10.0.0.5")},
	}

	for i := 0; i < 3; i++ {
		h.m.RunDiscoveryOnce(context.Background())
	}
	if h.publisher.startCount() != 0 {
		t.Fatalf("a missing video must not be published, got %d starts", h.publisher.startCount())
	}
	stats, ok := h.m.GetDevicePlaybackStats("D1")
	if !ok {
		t.Fatal("expected discovered device to be registered")
	}
	if stats.Attempts != 0 || stats.RetryCount != 0 || stats.AssignedVideoPath != "" {
		t.Fatalf("a missing video must leave no assignment or history, got %+v", stats)
	}
}

func TestDiscoveryLeavesManualDevicesConnected(t *testing.T) {
	h := newHarness(t)
	h.register(t, "Manual", "10.0.0.9")
	h.discoverer.results = [][]domain.DeviceInfo{{}}

	h.m.RunDiscoveryOnce(context.Background())
	dev, _ := h.m.GetDevice("Manual")
	if dev.Status != domain.StatusConnected {
		t.Fatalf("api devices are not owned by discovery, got %s", dev.Status)
	}
}

func TestDiscoveryErrorKeepsRegistry(t *testing.T) {
	h := newHarness(t)
	h.discoverer.results = [][]domain.DeviceInfo{{discovered("D1", "10.0.0.5")}}
	h.m.RunDiscoveryOnce(context.Background())

	h.discoverer.mu.Lock()
	h.discoverer.err = errors.New("ssdp timeout")
	h.discoverer.mu.Unlock()
	h.m.RunDiscoveryOnce(context.Background())

	dev, ok := h.m.GetDevice("D1")
	if !ok || dev.Status != domain.StatusConnected {
		t.Fatalf("failed tick must not touch the registry, got %+v ok=%v", dev, ok)
	}
}

func TestDiscoveryRespectsSuspendedAssignment(t *testing.T) {
	h := newHarness(t)
	h.m.SetConfiguredVideo("D1", "/videos/a.mp4", 50)
	h.discoverer.results = [][]domain.DeviceInfo{{discovered("D1", "10.0.0.5")}}

	h.m.RunDiscoveryOnce(context.Background())
	if _, err := h.m.StopVideo(context.Background(), "D1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	h.m.RunDiscoveryOnce(context.Background())

	if got := h.bank.latest("D1").playCount(); got != 1 {
		t.Fatalf("suspended device must not be reassigned, got %d plays", got)
	}
}

func TestDiscoveryLoopStateMachine(t *testing.T) {
	h := newHarness(t)

	if h.m.PauseDiscovery() || h.m.ResumeDiscovery() {
		t.Fatal("pause and resume need a running loop")
	}
	if !h.m.StartDiscovery() {
		t.Fatal("expected start")
	}
	if h.m.StartDiscovery() {
		t.Fatal("second start must be rejected")
	}
	waitFor(t, func() bool { return h.discoverer.callCount() > 1 })

	if !h.m.PauseDiscovery() || h.m.DiscoveryState() != DiscoveryPaused {
		t.Fatalf("expected paused, got %s", h.m.DiscoveryState())
	}
	// Let a tick already past the pause check finish.
	time.Sleep(20 * time.Millisecond)
	paused := h.discoverer.callCount()
	time.Sleep(30 * time.Millisecond)
	if got := h.discoverer.callCount(); got != paused {
		t.Fatalf("paused loop kept ticking: %d -> %d", paused, got)
	}

	if !h.m.ResumeDiscovery() || h.m.DiscoveryState() != DiscoveryRunning {
		t.Fatalf("expected running, got %s", h.m.DiscoveryState())
	}
	waitFor(t, func() bool { return h.discoverer.callCount() > paused })

	h.m.StopDiscovery()
	if h.m.DiscoveryState() != DiscoveryStopped {
		t.Fatalf("expected stopped, got %s", h.m.DiscoveryState())
	}
	stopped := h.discoverer.callCount()
	time.Sleep(20 * time.Millisecond)
	if got := h.discoverer.callCount(); got != stopped {
		t.Fatalf("stopped loop kept ticking: %d -> %d", stopped, got)
	}
	if !h.m.StartDiscovery() {
		t.Fatal("expected restart after stop")
	}
}

func TestStartDiscoveryWithoutBackend(t *testing.T) {
	m := New(Options{SweepInterval: time.Hour})
	defer m.Close(context.Background())
	if m.StartDiscovery() {
		t.Fatal("no discoverer, no loop")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestChangedDeviceClearsSuspension(t *testing.T) {
	h := newHarness(t)
	h.m.SetConfiguredVideo("D1", "/videos/a.mp4", 50)
	h.discoverer.results = [][]domain.DeviceInfo{
		{discovered("D1", "10.0.0.5")},
		{discovered("D1", "10.0.0.8")},
	}

	h.m.RunDiscoveryOnce(context.Background())
	if _, err := h.m.StopVideo(context.Background(), "D1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	h.m.RunDiscoveryOnce(context.Background())

	stats, _ := h.m.GetDevicePlaybackStats("D1")
	if stats.Suspended || !stats.MonitorRunning {
		t.Fatalf("changed device must resume its assignment, got %+v", stats)
	}
}
