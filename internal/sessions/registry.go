// Package sessions keeps the bookkeeping for files being served to renderer
// devices: byte counters, connection history and stall detection.
package sessions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"go2tv.app/loopcast/internal/domain"
	"go2tv.app/loopcast/internal/metrics"
)

const (
	defaultStallAfter    = 45 * time.Second
	defaultCheckInterval = 10 * time.Second
	maxHistory           = 100
)

// StallHandler is invoked outside the registry lock for each session that
// transitions to stalled.
type StallHandler func(ctx context.Context, s domain.StreamingSession)

type Options struct {
	StallAfter    time.Duration
	CheckInterval time.Duration
	Logger        *zerolog.Logger
	Now           func() time.Time
}

type Registry struct {
	stallAfter    time.Duration
	checkInterval time.Duration
	logger        zerolog.Logger
	now           func() time.Time

	mu       sync.Mutex
	sessions map[string]*domain.StreamingSession
	onStall  StallHandler
}

func NewRegistry(opts Options) *Registry {
	r := &Registry{
		stallAfter:    opts.StallAfter,
		checkInterval: opts.CheckInterval,
		now:           opts.Now,
		sessions:      map[string]*domain.StreamingSession{},
	}
	if r.stallAfter <= 0 {
		r.stallAfter = defaultStallAfter
	}
	if r.checkInterval <= 0 {
		r.checkInterval = defaultCheckInterval
	}
	if r.now == nil {
		r.now = time.Now
	}
	if opts.Logger != nil {
		r.logger = *opts.Logger
	} else {
		r.logger = zerolog.Nop()
	}
	return r
}

// SetStallHandler installs the callback used by the health check.
func (r *Registry) SetStallHandler(h StallHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStall = h
}

// Register creates an active session for a file served to deviceName.
func (r *Registry) Register(deviceName, videoPath, serverIP string, serverPort int) domain.StreamingSession {
	now := r.now()
	s := &domain.StreamingSession{
		ID:                uuid.NewString(),
		DeviceName:        deviceName,
		VideoPath:         videoPath,
		ServerIP:          serverIP,
		ServerPort:        serverPort,
		Status:            domain.SessionActive,
		ConnectionHistory: []domain.ConnectionEvent{},
		StartTime:         now,
		LastActivityTime:  now,
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	count := len(r.sessions)
	r.mu.Unlock()

	metrics.ActiveSessions.Set(float64(count))
	r.logger.Debug().
		Str("session_id", s.ID).
		Str("device", deviceName).
		Str("video", videoPath).
		Int("port", serverPort).
		Msg("stream_session_registered")
	return cloneSession(s)
}

// Unregister removes a session and reports whether it existed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	_, ok := r.sessions[id]
	delete(r.sessions, id)
	count := len(r.sessions)
	r.mu.Unlock()

	if ok {
		metrics.ActiveSessions.Set(float64(count))
	}
	return ok
}

// UnregisterServer removes every session served by ip:port and returns how many were removed.
func (r *Registry) UnregisterServer(ip string, port int) int {
	r.mu.Lock()
	removed := 0
	for id, s := range r.sessions {
		if s.ServerIP == ip && s.ServerPort == port {
			delete(r.sessions, id)
			removed++
		}
	}
	count := len(r.sessions)
	r.mu.Unlock()

	metrics.ActiveSessions.Set(float64(count))
	return removed
}

// Complete marks a session completed. Completed sessions are ignored by the health check.
func (r *Registry) Complete(id string) bool {
	return r.update(id, func(s *domain.StreamingSession, now time.Time) {
		s.Status = domain.SessionCompleted
		appendEvent(s, domain.ConnectionEvent{Kind: domain.EventComplete, Success: true, At: now})
	})
}

func (r *Registry) Get(id string) (domain.StreamingSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return domain.StreamingSession{}, false
	}
	return cloneSession(s), true
}

// List returns all sessions ordered by start time.
func (r *Registry) List() []domain.StreamingSession {
	r.mu.Lock()
	out := make([]domain.StreamingSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, cloneSession(s))
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ForDevice returns the sessions serving deviceName.
func (r *Registry) ForDevice(deviceName string) []domain.StreamingSession {
	all := r.List()
	out := all[:0]
	for _, s := range all {
		if s.DeviceName == deviceName {
			out = append(out, s)
		}
	}
	return out
}

// AddBytes adds n transferred bytes and refreshes the activity timestamp.
func (r *Registry) AddBytes(id string, n int64) bool {
	if n <= 0 {
		return false
	}
	metrics.StreamBytesTotal.Add(float64(n))
	return r.update(id, func(s *domain.StreamingSession, now time.Time) {
		s.BytesTransferred += n
		s.LastActivityTime = now
		if s.Status == domain.SessionStalled {
			s.Status = domain.SessionActive
		}
	})
}

// RecordConnection appends a connect/disconnect event. Unsuccessful events
// increment the connection error counter.
func (r *Registry) RecordConnection(id, kind string, success bool, detail string) bool {
	return r.update(id, func(s *domain.StreamingSession, now time.Time) {
		appendEvent(s, domain.ConnectionEvent{Kind: kind, Success: success, Detail: detail, At: now})
		if !success {
			s.ConnectionErrors++
		}
		s.LastActivityTime = now
	})
}

// MarkRecovered resets a session to active and records a successful reconnection.
func (r *Registry) MarkRecovered(id string) bool {
	return r.update(id, func(s *domain.StreamingSession, now time.Time) {
		s.Status = domain.SessionActive
		s.LastActivityTime = now
		appendEvent(s, domain.ConnectionEvent{Kind: domain.EventReconnected, Success: true, At: now})
	})
}

func (r *Registry) update(id string, fn func(s *domain.StreamingSession, now time.Time)) bool {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	fn(s, now)
	return true
}

// CheckHealth marks active sessions with no activity for longer than the stall
// threshold as stalled and hands them to the stall handler. Sessions that have
// never seen a connection are left alone.
func (r *Registry) CheckHealth(ctx context.Context) []domain.StreamingSession {
	now := r.now()

	r.mu.Lock()
	var stalled []domain.StreamingSession
	for _, s := range r.sessions {
		if s.Status != domain.SessionActive || len(s.ConnectionHistory) == 0 {
			continue
		}
		if now.Sub(s.LastActivityTime) < r.stallAfter {
			continue
		}
		s.Status = domain.SessionStalled
		appendEvent(s, domain.ConnectionEvent{Kind: domain.EventStalled, Success: false, At: now})
		stalled = append(stalled, cloneSession(s))
	}
	handler := r.onStall
	r.mu.Unlock()

	for _, s := range stalled {
		r.logger.Warn().
			Str("session_id", s.ID).
			Str("device", s.DeviceName).
			Time("last_activity", s.LastActivityTime).
			Msg("stream_session_stalled")
		if handler != nil {
			handler(ctx, s)
		}
	}
	return stalled
}

// Run performs health checks every check interval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.CheckHealth(ctx)
		}
	}
}

func appendEvent(s *domain.StreamingSession, ev domain.ConnectionEvent) {
	s.ConnectionHistory = append(s.ConnectionHistory, ev)
	if over := len(s.ConnectionHistory) - maxHistory; over > 0 {
		s.ConnectionHistory = append([]domain.ConnectionEvent{}, s.ConnectionHistory[over:]...)
	}
}

func cloneSession(s *domain.StreamingSession) domain.StreamingSession {
	out := *s
	out.ConnectionHistory = append([]domain.ConnectionEvent{}, s.ConnectionHistory...)
	return out
}
