package manager

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"go2tv.app/loopcast/internal/domain"
	"go2tv.app/loopcast/internal/metrics"
	"go2tv.app/loopcast/internal/streaming"
)

// ShouldAssign reports whether videoPath needs to be (re)assigned to the
// device. New or changed devices always qualify unless they already play it.
func (m *Manager) ShouldAssign(name, videoPath string, isNewDevice, isChangedDevice bool) bool {
	m.stateMu.Lock()
	entry, ok := m.devices[name]
	if !ok {
		m.stateMu.Unlock()
		return false
	}
	playing := entry.device.IsPlaying
	current := entry.device.CurrentVideoPath
	m.stateMu.Unlock()

	if playing && current == videoPath {
		return false
	}
	if isNewDevice || isChangedDevice {
		return true
	}

	m.assignMu.Lock()
	defer m.assignMu.Unlock()
	a, ok := m.assignments[name]
	if !ok || a.videoPath == "" {
		return true
	}
	if a.suspended || a.paused {
		return false
	}
	if a.videoPath != videoPath {
		return true
	}
	return !playing
}

// Assign plays req.VideoPath on req.Device in a loop, subject to priority.
// With ScheduleAt set the request is parked until the sweep fires it and
// Assign reports true immediately.
//
// Unknown devices and videos return false with a not-found error. A lower
// priority, or a request for what the device already plays, returns false
// with no error. Device failures return false and are recorded in the retry
// counter and playback history; only port exhaustion is also returned.
func (m *Manager) Assign(ctx context.Context, req domain.AssignRequest) (bool, error) {
	if m.isClosed() {
		return false, domain.ErrShuttingDown
	}
	if req.Priority < 0 {
		return false, domain.NewError(domain.CodeInvalidArgument, "priority must not be negative")
	}
	if _, ok := m.GetDevice(req.Device); !ok {
		return false, domain.NewError(domain.CodeDeviceNotFound, "device %q is not registered", req.Device)
	}
	if err := m.checkVideo(req.VideoPath); err != nil {
		return false, err
	}

	if req.ScheduleAt != nil {
		pending := domain.ScheduledAssignment{
			Device:    req.Device,
			VideoPath: req.VideoPath,
			Priority:  req.Priority,
			FireAt:    *req.ScheduleAt,
		}
		m.assignMu.Lock()
		m.scheduled[req.Device] = pending
		m.assignMu.Unlock()

		metrics.IncAssignment("scheduled")
		m.logger.Info().
			Str("device", req.Device).
			Str("video", req.VideoPath).
			Time("fire_at", pending.FireAt).
			Msg("assignment_scheduled")
		return true, nil
	}

	return m.assignNow(ctx, req.Device, req.VideoPath, req.Priority, true)
}

func (m *Manager) checkVideo(videoPath string) error {
	if strings.TrimSpace(videoPath) == "" || (m.videos != nil && !m.videos.Exists(videoPath)) {
		return domain.NewError(domain.CodeVideoNotFound, "video %q does not exist", videoPath)
	}
	return nil
}

// assignNow is shared by Assign, the discovery tick and the schedule sweep.
// A missing video fails before any assignment state or history is touched.
func (m *Manager) assignNow(ctx context.Context, name, videoPath string, priority int, explicit bool) (bool, error) {
	if err := m.checkVideo(videoPath); err != nil {
		return false, err
	}

	unlock := m.lockDevice(name)
	defer unlock()

	m.stateMu.Lock()
	entry, ok := m.devices[name]
	if !ok {
		m.stateMu.Unlock()
		return false, domain.NewError(domain.CodeDeviceNotFound, "device %q is not registered", name)
	}
	playing := entry.device.IsPlaying
	current := entry.device.CurrentVideoPath

	m.assignMu.Lock()
	a := m.assignmentLocked(name)
	if priority < a.priority {
		recorded := a.priority
		m.assignMu.Unlock()
		m.stateMu.Unlock()

		metrics.IncAssignment("rejected")
		m.logger.Info().
			Str("device", name).
			Str("video", videoPath).
			Int("priority", priority).
			Int("recorded_priority", recorded).
			Msg("assignment_rejected_priority")
		return false, nil
	}
	if playing && current == videoPath && a.videoPath == videoPath {
		raised := priority > a.priority
		a.priority = priority
		if explicit {
			a.suspended = false
		}
		m.assignMu.Unlock()
		m.stateMu.Unlock()

		if raised {
			m.logger.Info().Str("device", name).Int("priority", priority).Msg("assignment_priority_raised")
			return true, nil
		}
		metrics.IncAssignment("noop")
		return false, nil
	}

	previous := a.videoPath
	a.priority = priority
	a.videoPath = videoPath
	a.retryCount = 0
	if explicit {
		a.suspended = false
		a.paused = false
	}
	m.assignMu.Unlock()
	m.stateMu.Unlock()

	if playing && previous != "" && previous != videoPath {
		m.stopHealthMonitor(name)
		if err := m.releasePlayback(ctx, name); err != nil {
			m.logger.Warn().Err(err).Str("device", name).Str("video", previous).Msg("assignment_stop_previous_failed")
		}
	}

	err := m.startPlayback(ctx, name, videoPath)
	m.recordAttempt(name, videoPath, err == nil)

	if err != nil {
		m.assignMu.Lock()
		if cur, ok := m.assignments[name]; ok && cur.videoPath == videoPath {
			cur.retryCount = 1
		}
		m.assignMu.Unlock()

		metrics.IncAssignment("failure")
		m.logger.Warn().Err(err).Str("device", name).Str("video", videoPath).Msg("assignment_failed")
		if errors.Is(err, domain.ErrPortExhausted) {
			return false, err
		}
		return false, nil
	}

	// New or changed devices may play over a suspended assignment.
	m.assignMu.Lock()
	if cur, ok := m.assignments[name]; ok && cur.videoPath == videoPath {
		cur.suspended = false
		cur.paused = false
	}
	m.assignMu.Unlock()

	m.startHealthMonitor(name, videoPath)
	metrics.IncAssignment("success")
	m.logger.Info().
		Str("device", name).
		Str("video", videoPath).
		Int("priority", priority).
		Bool("explicit", explicit).
		Msg("assignment_playing")
	return true, nil
}

func (m *Manager) assignmentLocked(name string) *assignment {
	a, ok := m.assignments[name]
	if !ok {
		a = &assignment{}
		m.assignments[name] = a
	}
	return a
}

// startPlayback publishes videoPath and asks the device to loop it. The
// caller holds the device lock.
func (m *Manager) startPlayback(ctx context.Context, name, videoPath string) error {
	ctrl, info, err := m.controllerFor(name)
	if err != nil {
		return err
	}
	serveIP, err := m.serveIPFor(info)
	if err != nil {
		return err
	}

	key := filepath.Base(videoPath)
	urls, handle, err := m.publisher.StartServer(streaming.StartRequest{
		Files:      map[string]string{key: videoPath},
		ServeIP:    serveIP,
		PortMin:    m.portMin,
		PortMax:    m.portMax,
		DeviceName: name,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", videoPath, err)
	}

	m.stateMu.Lock()
	var previous *streaming.Handle
	if entry, ok := m.devices[name]; ok {
		previous = entry.server
		entry.server = nil
	}
	m.stateMu.Unlock()

	playErr := ctrl.Play(ctx, urls[key], true)
	if previous != nil {
		_ = m.publisher.StopServer(previous)
	}
	if playErr != nil {
		_ = m.publisher.StopServer(handle)
		m.stateMu.Lock()
		if entry, ok := m.devices[name]; ok {
			entry.device.IsPlaying = false
			entry.device.CurrentVideoPath = ""
			entry.device.Status = domain.StatusError
		}
		m.stateMu.Unlock()
		return playErr
	}

	m.stateMu.Lock()
	entry, ok := m.devices[name]
	if ok {
		entry.server = handle
		entry.device.IsPlaying = true
		entry.device.CurrentVideoPath = videoPath
		entry.device.Status = domain.StatusConnected
		entry.device.PlaybackPosition = 0
		entry.device.PlaybackDuration = 0
		entry.device.PlaybackProgressPct = 0
	}
	m.stateMu.Unlock()
	if !ok {
		_ = ctrl.Stop(ctx)
		_ = m.publisher.StopServer(handle)
		return domain.NewError(domain.CodeDeviceNotFound, "device %q was removed during playback start", name)
	}
	return nil
}

// releasePlayback stops the device's controller loop and media listener and
// clears its playing state. The caller holds the device lock.
func (m *Manager) releasePlayback(ctx context.Context, name string) error {
	m.stateMu.Lock()
	entry, ok := m.devices[name]
	if !ok {
		m.stateMu.Unlock()
		return nil
	}
	ctrl := entry.controller
	server := entry.server
	entry.server = nil
	entry.device.IsPlaying = false
	entry.device.CurrentVideoPath = ""
	m.stateMu.Unlock()

	var errs []error
	if ctrl != nil {
		if err := ctrl.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if server != nil {
		if err := m.publisher.StopServer(server); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) controllerFor(name string) (Controller, domain.DeviceInfo, error) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	entry, ok := m.devices[name]
	if !ok {
		return nil, domain.DeviceInfo{}, domain.NewError(domain.CodeDeviceNotFound, "device %q is not registered", name)
	}
	if entry.controller != nil {
		return entry.controller, entry.device.DeviceInfo, nil
	}
	if m.controllers == nil {
		return nil, entry.device.DeviceInfo, domain.NewError(domain.CodeProtocolError, "no renderer controller configured")
	}
	ctrl, err := m.controllers(entry.device.DeviceInfo, m.progressReporter(name, entry.device.InstanceID))
	if err != nil {
		return nil, entry.device.DeviceInfo, err
	}
	entry.controller = ctrl
	return ctrl, entry.device.DeviceInfo, nil
}

// progressReporter writes renderer progress into the device entry that
// created the controller; reports for a replaced instance are dropped.
func (m *Manager) progressReporter(name, instanceID string) func(domain.PlaybackProgress) {
	return func(p domain.PlaybackProgress) {
		m.stateMu.Lock()
		defer m.stateMu.Unlock()
		entry, ok := m.devices[name]
		if !ok || entry.device.InstanceID != instanceID || entry.device.CurrentVideoPath == "" {
			return
		}
		entry.device.PlaybackPosition = p.Position.Seconds()
		entry.device.PlaybackDuration = p.Duration.Seconds()
		entry.device.PlaybackProgressPct = p.Percent
		if p.Playing {
			entry.device.IsPlaying = true
		}
		entry.device.LastSeenAt = m.now()
	}
}

func (m *Manager) serveIPFor(info domain.DeviceInfo) (string, error) {
	if m.serveIP != "" {
		return m.serveIP, nil
	}
	if m.resolveServeIP == nil {
		return "", domain.NewError(domain.CodeInvalidArgument, "no serve ip configured")
	}
	ip, err := m.resolveServeIP(info)
	if err != nil {
		return "", fmt.Errorf("resolve serve ip for %s: %w", info.Name, err)
	}
	return ip, nil
}

func (m *Manager) recordAttempt(name, videoPath string, success bool) {
	m.monitorMu.Lock()
	defer m.monitorMu.Unlock()

	h, ok := m.history[name]
	if !ok {
		h = &playbackHistory{videos: map[string]*domain.VideoStats{}}
		m.history[name] = h
	}
	v, ok := h.videos[videoPath]
	if !ok {
		v = &domain.VideoStats{}
		h.videos[videoPath] = v
	}
	h.attempts++
	v.Attempts++
	if success {
		h.successes++
		v.Successes++
	}
	h.lastAttemptAt = m.now()
}

// CheckScheduledAssignments fires every pending assignment whose time has
// come. Each entry is removed under the same lock that selects it, so it
// fires exactly once.
func (m *Manager) CheckScheduledAssignments(ctx context.Context) []domain.ScheduledAssignment {
	now := m.now()

	m.assignMu.Lock()
	var due []domain.ScheduledAssignment
	for name, pending := range m.scheduled {
		if now.Before(pending.FireAt) {
			continue
		}
		due = append(due, pending)
		delete(m.scheduled, name)
	}
	m.assignMu.Unlock()

	if len(due) == 0 {
		return nil
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].FireAt.Equal(due[j].FireAt) {
			return due[i].FireAt.Before(due[j].FireAt)
		}
		return due[i].Device < due[j].Device
	})

	g, gctx := errgroup.WithContext(ctx)
	for _, pending := range due {
		g.Go(func() error {
			m.logger.Info().Str("device", pending.Device).Str("video", pending.VideoPath).Msg("assignment_schedule_fired")
			if _, err := m.assignNow(gctx, pending.Device, pending.VideoPath, pending.Priority, true); err != nil {
				m.logger.Warn().Err(err).Str("device", pending.Device).Msg("assignment_schedule_failed")
			}
			return nil
		})
	}
	_ = g.Wait()
	return due
}

// StopVideo stops playback and suspends the assignment so the discovery loop
// leaves the device alone until the next explicit Assign.
func (m *Manager) StopVideo(ctx context.Context, name string) (bool, error) {
	unlock := m.lockDevice(name)
	defer unlock()

	if _, ok := m.GetDevice(name); !ok {
		return false, domain.NewError(domain.CodeDeviceNotFound, "device %q is not registered", name)
	}

	m.assignMu.Lock()
	if a, ok := m.assignments[name]; ok {
		a.suspended = true
		a.paused = false
	}
	m.assignMu.Unlock()

	m.stopHealthMonitor(name)
	err := m.releasePlayback(ctx, name)
	m.logger.Info().Err(err).Str("device", name).Msg("video_stopped")
	return true, err
}

// PauseVideo pauses the device. The loop stops restarting it and discovery
// does not reassign it until ResumeVideo or an explicit Assign.
func (m *Manager) PauseVideo(ctx context.Context, name string) error {
	unlock := m.lockDevice(name)
	defer unlock()

	ctrl, err := m.activeController(name)
	if err != nil {
		return err
	}
	if err := ctrl.Pause(ctx); err != nil {
		return err
	}

	m.stateMu.Lock()
	if entry, ok := m.devices[name]; ok {
		entry.device.IsPlaying = false
	}
	m.assignMu.Lock()
	if a, ok := m.assignments[name]; ok {
		a.paused = true
	}
	m.assignMu.Unlock()
	m.stateMu.Unlock()
	return nil
}

func (m *Manager) ResumeVideo(ctx context.Context, name string) error {
	unlock := m.lockDevice(name)
	defer unlock()

	ctrl, err := m.activeController(name)
	if err != nil {
		return err
	}
	if err := ctrl.Resume(ctx); err != nil {
		return err
	}

	m.stateMu.Lock()
	if entry, ok := m.devices[name]; ok {
		entry.device.IsPlaying = true
	}
	m.assignMu.Lock()
	if a, ok := m.assignments[name]; ok {
		a.paused = false
	}
	m.assignMu.Unlock()
	m.stateMu.Unlock()
	return nil
}

// SeekVideo moves the device's playback to position from the start.
func (m *Manager) SeekVideo(ctx context.Context, name string, position time.Duration) error {
	unlock := m.lockDevice(name)
	defer unlock()

	ctrl, err := m.activeController(name)
	if err != nil {
		return err
	}
	return ctrl.Seek(ctx, position)
}

func (m *Manager) activeController(name string) (Controller, error) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	entry, ok := m.devices[name]
	if !ok {
		return nil, domain.NewError(domain.CodeDeviceNotFound, "device %q is not registered", name)
	}
	if entry.controller == nil || entry.device.CurrentVideoPath == "" {
		return nil, domain.NewError(domain.CodeInvalidArgument, "device %q has nothing playing", name)
	}
	return entry.controller, nil
}

// GetDevicePlaybackStats returns assignment state and playback history for a
// device.
func (m *Manager) GetDevicePlaybackStats(name string) (domain.PlaybackStats, bool) {
	if _, ok := m.GetDevice(name); !ok {
		return domain.PlaybackStats{}, false
	}
	stats := domain.PlaybackStats{Device: name, Videos: map[string]domain.VideoStats{}}

	m.assignMu.Lock()
	if a, ok := m.assignments[name]; ok {
		stats.AssignedVideoPath = a.videoPath
		stats.Priority = a.priority
		stats.RetryCount = a.retryCount
		stats.Suspended = a.suspended
	}
	if pending, ok := m.scheduled[name]; ok {
		stats.Scheduled = &pending
	}

	m.monitorMu.Lock()
	if h, ok := m.history[name]; ok {
		stats.Attempts = h.attempts
		stats.Successes = h.successes
		stats.LastAttemptAt = h.lastAttemptAt
		for video, v := range h.videos {
			stats.Videos[video] = *v
		}
	}
	if hm, ok := m.monitors[name]; ok && hm.running() {
		stats.MonitorRunning = true
		stats.MonitoredVideo = hm.video
	}
	m.monitorMu.Unlock()
	m.assignMu.Unlock()

	stats.SuccessRate = domain.SuccessRate(stats.Attempts, stats.Successes)
	return stats, true
}

// HandleStalledSession is the stall callback of the session registry. It
// tries in-place recovery on the streaming server first and replays the
// assigned video on the device when the server is gone.
func (m *Manager) HandleStalledSession(ctx context.Context, sess domain.StreamingSession) {
	if m.publisher.RecoverSession(sess.ID) {
		metrics.IncStall("recovered")
		m.logger.Info().Str("device", sess.DeviceName).Str("session_id", sess.ID).Msg("session_recovered")
		return
	}
	metrics.IncStall("escalated")
	m.logger.Warn().Str("device", sess.DeviceName).Str("session_id", sess.ID).Msg("session_recovery_escalated")
	m.replay(ctx, sess.DeviceName, sess.VideoPath)
}

// replay restarts videoPath on the device if it is still the active,
// unsuspended assignment.
func (m *Manager) replay(ctx context.Context, name, videoPath string) bool {
	unlock := m.lockDevice(name)
	defer unlock()

	m.assignMu.Lock()
	a, ok := m.assignments[name]
	eligible := ok && a.videoPath == videoPath && !a.suspended && !a.paused
	m.assignMu.Unlock()
	if !eligible {
		return false
	}

	err := m.startPlayback(ctx, name, videoPath)
	m.recordAttempt(name, videoPath, err == nil)

	m.assignMu.Lock()
	if cur, ok := m.assignments[name]; ok && cur.videoPath == videoPath {
		if err != nil {
			cur.retryCount = 1
		} else {
			cur.retryCount = 0
		}
	}
	m.assignMu.Unlock()

	if err != nil {
		m.logger.Warn().Err(err).Str("device", name).Str("video", videoPath).Msg("device_replay_failed")
		return false
	}
	m.startHealthMonitor(name, videoPath)
	return true
}
