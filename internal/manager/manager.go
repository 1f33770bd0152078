// Package manager orchestrates renderer devices: the device registry, the
// discovery loop and the assignment scheduler that decides what every device
// plays.
//
// Shared state is split across three locks, always acquired in this order
// when more than one is needed: stateMu (devices), assignMu (assignments,
// scheduled and configured videos) and monitorMu (health monitors and
// playback history). No lock is held across a network call; per-device
// operations are serialized by a separate device lock taken before any of
// the three.
package manager

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"go2tv.app/loopcast/internal/domain"
	"go2tv.app/loopcast/internal/metrics"
	"go2tv.app/loopcast/internal/streaming"
)

const (
	defaultDiscoveryInterval = 10 * time.Second
	defaultSweepInterval     = time.Second
	defaultMonitorInterval   = 15 * time.Second
	healthMonitorStopWait    = 500 * time.Millisecond
)

// Publisher makes local files reachable by a renderer over HTTP.
type Publisher interface {
	StartServer(req streaming.StartRequest) (map[string]string, *streaming.Handle, error)
	StopServer(h *streaming.Handle) error
	RecoverSession(sessionID string) bool
}

// Controller drives the transport of one renderer.
type Controller interface {
	Play(ctx context.Context, mediaURL string, loop bool) error
	Stop(ctx context.Context) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Seek(ctx context.Context, position time.Duration) error
}

// ControllerFactory builds the controller for a device. onProgress may be
// called from a background goroutine for as long as the controller loops.
type ControllerFactory func(info domain.DeviceInfo, onProgress func(domain.PlaybackProgress)) (Controller, error)

// VideoStore answers whether a video path can be served.
type VideoStore interface {
	Exists(path string) bool
}

type Discoverer interface {
	Discover(ctx context.Context) ([]domain.DeviceInfo, error)
}

type Options struct {
	Publisher   Publisher
	Controllers ControllerFactory
	Videos      VideoStore
	Discoverer  Discoverer

	// ServeIP is the address media is published on. When empty,
	// ResolveServeIP picks one per device.
	ServeIP        string
	ResolveServeIP func(info domain.DeviceInfo) (string, error)
	PortMin        int
	PortMax        int

	DiscoveryInterval time.Duration
	SweepInterval     time.Duration
	MonitorInterval   time.Duration

	Logger *zerolog.Logger
	Now    func() time.Time
}

type deviceEntry struct {
	device     domain.Device
	controller Controller
	server     *streaming.Handle
}

type assignment struct {
	videoPath  string
	priority   int
	retryCount int
	suspended  bool
	paused     bool
}

type configuredVideo struct {
	videoPath string
	priority  int
}

type playbackHistory struct {
	attempts      int
	successes     int
	lastAttemptAt time.Time
	videos        map[string]*domain.VideoStats
}

type Manager struct {
	publisher      Publisher
	controllers    ControllerFactory
	videos         VideoStore
	discoverer     Discoverer
	serveIP        string
	resolveServeIP func(info domain.DeviceInfo) (string, error)
	portMin        int
	portMax        int

	discoveryInterval time.Duration
	monitorInterval   time.Duration
	logger            zerolog.Logger
	now               func() time.Time

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
	closeOnce   sync.Once
	closeErr    error

	locksMu     sync.Mutex
	deviceLocks map[string]*deviceLock

	stateMu sync.Mutex
	devices map[string]*deviceEntry
	closed  bool

	assignMu    sync.Mutex
	assignments map[string]*assignment
	scheduled   map[string]domain.ScheduledAssignment
	configured  map[string]configuredVideo

	monitorMu sync.Mutex
	monitors  map[string]*healthMonitor
	history   map[string]*playbackHistory

	discoveryMu sync.Mutex
	discovery   discoveryLoop
}

func New(opts Options) *Manager {
	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	m := &Manager{
		publisher:         opts.Publisher,
		controllers:       opts.Controllers,
		videos:            opts.Videos,
		discoverer:        opts.Discoverer,
		serveIP:           strings.TrimSpace(opts.ServeIP),
		resolveServeIP:    opts.ResolveServeIP,
		portMin:           opts.PortMin,
		portMax:           opts.PortMax,
		discoveryInterval: opts.DiscoveryInterval,
		monitorInterval:   opts.MonitorInterval,
		now:               opts.Now,
		sweepCancel:       sweepCancel,
		sweepDone:         make(chan struct{}),
		deviceLocks:       map[string]*deviceLock{},
		devices:           map[string]*deviceEntry{},
		assignments:       map[string]*assignment{},
		scheduled:         map[string]domain.ScheduledAssignment{},
		configured:        map[string]configuredVideo{},
		monitors:          map[string]*healthMonitor{},
		history:           map[string]*playbackHistory{},
		discovery:         discoveryLoop{state: DiscoveryStopped},
	}
	if m.discoveryInterval <= 0 {
		m.discoveryInterval = defaultDiscoveryInterval
	}
	if m.monitorInterval <= 0 {
		m.monitorInterval = defaultMonitorInterval
	}
	if m.now == nil {
		m.now = time.Now
	}
	if opts.Logger != nil {
		m.logger = *opts.Logger
	} else {
		m.logger = zerolog.Nop()
	}

	sweepEvery := opts.SweepInterval
	if sweepEvery <= 0 {
		sweepEvery = defaultSweepInterval
	}
	go m.runSweepLoop(sweepCtx, sweepEvery)
	return m
}

type registerOutcome int

const (
	registeredUnchanged registerOutcome = iota
	registeredNew
	registeredReplaced
)

// RegisterDevice adds info to the registry. Re-registering identical
// connection parameters returns the existing device untouched; differing
// parameters replace it after its playback has been stopped and joined.
func (m *Manager) RegisterDevice(ctx context.Context, info domain.DeviceInfo) (domain.Device, error) {
	dev, _, err := m.register(ctx, info)
	return dev, err
}

func (m *Manager) register(ctx context.Context, info domain.DeviceInfo) (domain.Device, registerOutcome, error) {
	info.Name = strings.TrimSpace(info.Name)
	if info.Name == "" {
		return domain.Device{}, registeredUnchanged, domain.NewError(domain.CodeInvalidArgument, "device name is required")
	}
	info.Type = strings.ToLower(strings.TrimSpace(info.Type))
	if info.Type == "" {
		info.Type = domain.TypeDLNA
	}
	if info.Source == "" {
		info.Source = domain.SourceAPI
	}
	if info.FriendlyName == "" {
		info.FriendlyName = info.Name
	}

	if dev, ok := m.touchIfUnchanged(info); ok {
		return dev, registeredUnchanged, nil
	}
	if m.isClosed() {
		return domain.Device{}, registeredUnchanged, domain.ErrShuttingDown
	}

	unlock := m.lockDevice(info.Name)
	defer unlock()

	// Another registration may have won while we waited for the device lock.
	if dev, ok := m.touchIfUnchanged(info); ok {
		return dev, registeredUnchanged, nil
	}

	m.stateMu.Lock()
	old := m.devices[info.Name]
	m.stateMu.Unlock()

	outcome := registeredNew
	if old != nil {
		outcome = registeredReplaced
		m.stopHealthMonitor(info.Name)
		if err := m.releasePlayback(ctx, info.Name); err != nil {
			m.logger.Warn().Err(err).Str("device", info.Name).Msg("device_replace_stop_failed")
		}
	}

	now := m.now()
	entry := &deviceEntry{device: domain.Device{
		DeviceInfo:   info,
		InstanceID:   uuid.NewString(),
		Status:       domain.StatusConnected,
		RegisteredAt: now,
		LastSeenAt:   now,
	}}

	m.stateMu.Lock()
	m.devices[info.Name] = entry
	total := len(m.devices)
	snapshot := m.snapshotLocked(entry)
	m.stateMu.Unlock()
	metrics.RegisteredDevices.Set(float64(total))

	event := "device_registered"
	if outcome == registeredReplaced {
		event = "device_replaced"
	}
	m.logger.Info().
		Str("device", info.Name).
		Str("type", info.Type).
		Str("hostname", info.Hostname).
		Str("source", info.Source).
		Str("instance_id", entry.device.InstanceID).
		Msg(event)
	return snapshot, outcome, nil
}

func (m *Manager) touchIfUnchanged(info domain.DeviceInfo) (domain.Device, bool) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	entry, ok := m.devices[info.Name]
	if !ok || !entry.device.SameConnection(info) {
		return domain.Device{}, false
	}
	entry.device.LastSeenAt = m.now()
	if entry.device.Status == domain.StatusDisconnected {
		entry.device.Status = domain.StatusConnected
	}
	return m.snapshotLocked(entry), true
}

// UnregisterDevice stops the device's health monitor and playback, then
// removes it together with its assignment state and history.
func (m *Manager) UnregisterDevice(ctx context.Context, name string) bool {
	unlock := m.lockDevice(name)
	defer unlock()

	m.stateMu.Lock()
	_, ok := m.devices[name]
	m.stateMu.Unlock()
	if !ok {
		return false
	}

	m.stopHealthMonitor(name)
	if err := m.releasePlayback(ctx, name); err != nil {
		m.logger.Warn().Err(err).Str("device", name).Msg("device_unregister_stop_failed")
	}

	m.stateMu.Lock()
	delete(m.devices, name)
	total := len(m.devices)
	m.stateMu.Unlock()

	m.assignMu.Lock()
	delete(m.assignments, name)
	delete(m.scheduled, name)
	m.assignMu.Unlock()

	m.monitorMu.Lock()
	delete(m.history, name)
	m.monitorMu.Unlock()

	metrics.RegisteredDevices.Set(float64(total))
	m.logger.Info().Str("device", name).Msg("device_unregistered")
	return true
}

// GetDevices returns a snapshot of every registered device, sorted by name.
func (m *Manager) GetDevices() []domain.Device {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	out := make([]domain.Device, 0, len(m.devices))
	for _, entry := range m.devices {
		out = append(out, m.snapshotLocked(entry))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) GetDevice(name string) (domain.Device, bool) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	entry, ok := m.devices[name]
	if !ok {
		return domain.Device{}, false
	}
	return m.snapshotLocked(entry), true
}

// snapshotLocked copies a device and fills in its assigned video. Callers
// hold stateMu; assignMu is taken here, which respects the lock order.
func (m *Manager) snapshotLocked(entry *deviceEntry) domain.Device {
	dev := entry.device
	m.assignMu.Lock()
	if a, ok := m.assignments[dev.Name]; ok {
		dev.AssignedVideoPath = a.videoPath
	}
	m.assignMu.Unlock()
	return dev
}

// SetConfiguredVideo records the static assignment the discovery loop keeps
// enforcing for a device.
func (m *Manager) SetConfiguredVideo(device, videoPath string, priority int) {
	m.assignMu.Lock()
	defer m.assignMu.Unlock()
	if strings.TrimSpace(videoPath) == "" {
		delete(m.configured, device)
		return
	}
	m.configured[device] = configuredVideo{videoPath: videoPath, priority: priority}
}

type deviceLock struct {
	mu   sync.Mutex
	refs int
}

// lockDevice serializes lifecycle operations on one device name. Entries are
// reference counted and dropped once no caller holds or waits on them.
func (m *Manager) lockDevice(name string) func() {
	m.locksMu.Lock()
	l, ok := m.deviceLocks[name]
	if !ok {
		l = &deviceLock{}
		m.deviceLocks[name] = l
	}
	l.refs++
	m.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.deviceLocks, name)
		}
		m.locksMu.Unlock()
	}
}

func (m *Manager) runSweepLoop(ctx context.Context, every time.Duration) {
	defer close(m.sweepDone)

	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckScheduledAssignments(ctx)
		}
	}
}

// Close stops the discovery and sweep loops, then every health monitor and
// every device's playback.
func (m *Manager) Close(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	m.closeOnce.Do(func() {
		m.stateMu.Lock()
		m.closed = true
		m.stateMu.Unlock()

		m.StopDiscovery()

		var errs []error
		m.sweepCancel()
		select {
		case <-m.sweepDone:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}

		for _, dev := range m.GetDevices() {
			unlock := m.lockDevice(dev.Name)
			m.stopHealthMonitor(dev.Name)
			if err := m.releasePlayback(ctx, dev.Name); err != nil {
				errs = append(errs, err)
			}
			unlock()
		}
		m.closeErr = errors.Join(errs...)
	})

	return m.closeErr
}

func (m *Manager) isClosed() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.closed
}
