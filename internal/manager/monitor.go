package manager

import (
	"context"
	"time"
)

// healthMonitor is the per-device bookkeeping loop started after a
// successful assignment. Transport polling lives in the renderer client;
// this loop only tracks that the assignment it was started for is current.
type healthMonitor struct {
	video  string
	cancel context.CancelFunc
	done   chan struct{}
}

func (h *healthMonitor) running() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// startHealthMonitor replaces any monitor running for the device. The caller
// holds the device lock, so starts for one device never interleave.
func (m *Manager) startHealthMonitor(name, videoPath string) {
	m.stopHealthMonitor(name)

	ctx, cancel := context.WithCancel(context.Background())
	hm := &healthMonitor{video: videoPath, cancel: cancel, done: make(chan struct{})}

	m.monitorMu.Lock()
	m.monitors[name] = hm
	m.monitorMu.Unlock()

	go m.runHealthMonitor(ctx, name, hm)
}

// stopHealthMonitor cancels and joins the device's monitor. Safe to call
// when none is running.
func (m *Manager) stopHealthMonitor(name string) {
	m.monitorMu.Lock()
	hm, ok := m.monitors[name]
	delete(m.monitors, name)
	m.monitorMu.Unlock()
	if !ok {
		return
	}

	hm.cancel()
	select {
	case <-hm.done:
	case <-time.After(healthMonitorStopWait):
		m.logger.Warn().Str("device", name).Msg("health_monitor_stop_timeout")
	}
}

func (m *Manager) runHealthMonitor(ctx context.Context, name string, hm *healthMonitor) {
	defer close(hm.done)

	ticker := time.NewTicker(m.monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.monitorStillCurrent(name, hm.video) {
				m.logger.Debug().Str("device", name).Str("video", hm.video).Msg("health_monitor_superseded")
				return
			}
		}
	}
}

func (m *Manager) monitorStillCurrent(name, videoPath string) bool {
	m.stateMu.Lock()
	entry, ok := m.devices[name]
	playing := ok && entry.device.IsPlaying
	m.stateMu.Unlock()
	if !ok {
		return false
	}

	m.assignMu.Lock()
	a, ok := m.assignments[name]
	current := ok && a.videoPath == videoPath && !a.suspended
	m.assignMu.Unlock()

	if current && !playing {
		m.logger.Debug().Str("device", name).Str("video", videoPath).Msg("health_monitor_not_playing")
	}
	return current
}
