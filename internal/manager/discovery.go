package manager

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"go2tv.app/loopcast/internal/domain"
	"go2tv.app/loopcast/internal/metrics"
)

type DiscoveryState string

const (
	DiscoveryStopped DiscoveryState = "STOPPED"
	DiscoveryRunning DiscoveryState = "RUNNING"
	DiscoveryPaused  DiscoveryState = "PAUSED"
)

const discoveryStopWait = 5 * time.Second

type discoveryLoop struct {
	state  DiscoveryState
	cancel context.CancelFunc
	done   chan struct{}
}

// StartDiscovery starts the discovery loop. It reports false when the loop
// is already running or paused.
func (m *Manager) StartDiscovery() bool {
	if m.discoverer == nil || m.isClosed() {
		return false
	}

	m.discoveryMu.Lock()
	defer m.discoveryMu.Unlock()
	if m.discovery.state != DiscoveryStopped {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.discovery = discoveryLoop{state: DiscoveryRunning, cancel: cancel, done: done}
	go m.runDiscoveryLoop(ctx, done)

	m.logger.Info().Dur("interval", m.discoveryInterval).Msg("discovery_started")
	return true
}

// StopDiscovery cancels the loop and waits for the tick in progress, if any,
// to finish.
func (m *Manager) StopDiscovery() {
	m.discoveryMu.Lock()
	loop := m.discovery
	m.discovery = discoveryLoop{state: DiscoveryStopped}
	m.discoveryMu.Unlock()

	if loop.cancel == nil {
		return
	}
	loop.cancel()
	select {
	case <-loop.done:
	case <-time.After(discoveryStopWait):
		m.logger.Warn().Msg("discovery_stop_timeout")
	}
	m.logger.Info().Msg("discovery_stopped")
}

// PauseDiscovery suspends ticking without ending the loop. Assignment state
// is untouched.
func (m *Manager) PauseDiscovery() bool {
	m.discoveryMu.Lock()
	defer m.discoveryMu.Unlock()
	if m.discovery.state != DiscoveryRunning {
		return false
	}
	m.discovery.state = DiscoveryPaused
	m.logger.Info().Msg("discovery_paused")
	return true
}

func (m *Manager) ResumeDiscovery() bool {
	m.discoveryMu.Lock()
	defer m.discoveryMu.Unlock()
	if m.discovery.state != DiscoveryPaused {
		return false
	}
	m.discovery.state = DiscoveryRunning
	m.logger.Info().Msg("discovery_resumed")
	return true
}

func (m *Manager) DiscoveryState() DiscoveryState {
	m.discoveryMu.Lock()
	defer m.discoveryMu.Unlock()
	return m.discovery.state
}

func (m *Manager) discoveryPaused() bool {
	m.discoveryMu.Lock()
	defer m.discoveryMu.Unlock()
	return m.discovery.state == DiscoveryPaused
}

func (m *Manager) runDiscoveryLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.discoveryInterval)
	defer ticker.Stop()

	for {
		if !m.discoveryPaused() {
			m.RunDiscoveryOnce(ctx)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunDiscoveryOnce performs one discovery tick: query the backend, reconcile
// the registry and reassign configured videos where needed.
func (m *Manager) RunDiscoveryOnce(ctx context.Context) {
	if m.discoverer == nil {
		return
	}
	found, err := m.discoverer.Discover(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		metrics.IncDiscoveryTick("error")
		m.logger.Warn().Err(err).Msg("discovery_failed")
		return
	}
	metrics.IncDiscoveryTick("ok")

	isNew := map[string]bool{}
	isChanged := map[string]bool{}
	seen := map[string]bool{}
	for _, info := range found {
		info.Source = domain.SourceDiscovery
		dev, outcome, err := m.register(ctx, info)
		if err != nil {
			m.logger.Warn().Err(err).Str("device", info.Name).Msg("discovery_register_failed")
			continue
		}
		seen[dev.Name] = true
		switch outcome {
		case registeredNew:
			isNew[dev.Name] = true
		case registeredReplaced:
			isChanged[dev.Name] = true
		}
	}
	m.markVanished(seen)

	m.assignMu.Lock()
	names := make([]string, 0, len(m.configured))
	targets := make(map[string]configuredVideo, len(m.configured))
	for name, cv := range m.configured {
		names = append(names, name)
		targets[name] = cv
	}
	m.assignMu.Unlock()
	sort.Strings(names)

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		dev, ok := m.GetDevice(name)
		if !ok || dev.Status == domain.StatusDisconnected {
			continue
		}
		target := targets[name]
		if !m.ShouldAssign(name, target.videoPath, isNew[name], isChanged[name]) {
			continue
		}
		g.Go(func() error {
			if _, err := m.assignNow(gctx, name, target.videoPath, target.priority, false); err != nil {
				m.logger.Warn().Err(err).Str("device", name).Str("video", target.videoPath).Msg("discovery_assign_failed")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// markVanished flags discovery-sourced devices missing from the latest
// result as disconnected. They stay registered.
func (m *Manager) markVanished(seen map[string]bool) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	for name, entry := range m.devices {
		if seen[name] || entry.device.Source != domain.SourceDiscovery {
			continue
		}
		if entry.device.Status != domain.StatusDisconnected {
			entry.device.Status = domain.StatusDisconnected
			m.logger.Info().Str("device", name).Msg("device_disconnected")
		}
	}
}
