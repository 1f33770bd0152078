// Package streaming serves media files to renderer devices over HTTP with the
// headers and request patterns DLNA renderers expect.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"go2tv.app/loopcast/internal/domain"
	"go2tv.app/loopcast/internal/media"
	"go2tv.app/loopcast/internal/metrics"
	"go2tv.app/loopcast/internal/sessions"
)

const (
	DefaultPortMin = 9000
	DefaultPortMax = 9100

	stagingPattern         = "loopcast-stage-*"
	defaultShutdownTimeout = 3 * time.Second
	readHeaderTimeout      = 10 * time.Second
)

type Options struct {
	Registry        *sessions.Registry
	StagingRoot     string
	PortMin         int
	PortMax         int
	ShutdownTimeout time.Duration
	Logger          *zerolog.Logger
	Now             func() time.Time
}

// StartRequest describes one publish: the files to serve and where to bind.
// Port wins over PortMin/PortMax; with neither, the server defaults apply.
type StartRequest struct {
	Files      map[string]string
	ServeIP    string
	Port       int
	PortMin    int
	PortMax    int
	DeviceName string
}

// Server owns every media listener started by this process.
type Server struct {
	registry        *sessions.Registry
	stagingRoot     string
	portMin         int
	portMax         int
	shutdownTimeout time.Duration
	logger          zerolog.Logger
	now             func() time.Time
	listen          func(network, address string) (net.Listener, error)

	mu      sync.Mutex
	servers map[string]*Handle
}

// Handle is the opaque reference to one running media listener.
type Handle struct {
	ID   string
	IP   string
	Port int

	stagingDir string
	names      map[string]string
	sessionIDs []string
	httpServer *http.Server
	done       chan struct{}

	stopOnce sync.Once
	stopErr  error
}

func (h *Handle) Addr() string {
	if h == nil {
		return ""
	}
	return net.JoinHostPort(h.IP, strconv.Itoa(h.Port))
}

func (h *Handle) StagingDir() string {
	if h == nil {
		return ""
	}
	return h.stagingDir
}

func (h *Handle) SessionIDs() []string {
	if h == nil {
		return nil
	}
	return append([]string{}, h.sessionIDs...)
}

func NewServer(opts Options) *Server {
	s := &Server{
		registry:        opts.Registry,
		stagingRoot:     opts.StagingRoot,
		portMin:         opts.PortMin,
		portMax:         opts.PortMax,
		shutdownTimeout: opts.ShutdownTimeout,
		now:             opts.Now,
		listen:          net.Listen,
		servers:         map[string]*Handle{},
	}
	if s.portMin <= 0 || s.portMax <= 0 || s.portMin > s.portMax {
		s.portMin, s.portMax = DefaultPortMin, DefaultPortMax
	}
	if s.shutdownTimeout <= 0 {
		s.shutdownTimeout = defaultShutdownTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	if opts.Logger != nil {
		s.logger = *opts.Logger
	} else {
		s.logger = zerolog.Nop()
	}
	return s
}

// StartServer stages files, binds the first free port in range and starts
// serving in the background. It returns the public URL for every file key.
func (s *Server) StartServer(req StartRequest) (map[string]string, *Handle, error) {
	if len(req.Files) == 0 {
		return nil, nil, domain.NewError(domain.CodeInvalidArgument, "no files to serve")
	}
	ip := strings.Trim(strings.TrimSpace(req.ServeIP), "[]")
	if ip == "" {
		return nil, nil, domain.NewError(domain.CodeInvalidArgument, "serve ip is empty")
	}
	portMin, portMax := s.portRange(req)

	stagingDir, err := os.MkdirTemp(s.stagingRoot, stagingPattern)
	if err != nil {
		return nil, nil, &domain.Error{Code: domain.CodeStagingFailed, Message: "create staging directory", Err: err}
	}

	var (
		ln         net.Listener
		sessionIDs []string
		committed  bool
	)
	defer func() {
		if committed {
			return
		}
		if s.registry != nil {
			for _, id := range sessionIDs {
				s.registry.Unregister(id)
			}
		}
		if ln != nil {
			_ = ln.Close()
		}
		_ = os.RemoveAll(stagingDir)
	}()

	names, table, err := s.stageFiles(stagingDir, req.Files)
	if err != nil {
		return nil, nil, err
	}

	port := 0
	tried := 0
	for candidate := portMin; candidate <= portMax; candidate++ {
		tried++
		l, listenErr := s.listen("tcp", net.JoinHostPort(ip, strconv.Itoa(candidate)))
		if listenErr == nil {
			ln = l
			port = candidate
			break
		}
		if isAddrInUse(listenErr) {
			continue
		}
		return nil, nil, (&domain.Error{
			Code:    domain.CodeBindFailed,
			Message: fmt.Sprintf("bind %s:%d", ip, candidate),
			Err:     listenErr,
		}).WithDetail("port", candidate)
	}
	if ln == nil {
		s.logger.Error().
			Str("ip", ip).
			Int("port_min", portMin).
			Int("port_max", portMax).
			Int("tried", tried).
			Msg("stream_port_range_exhausted")
		return nil, nil, domain.NewError(domain.CodePortExhausted, "no free port in %d-%d on %s", portMin, portMax, ip).
			WithDetail("tried", tried)
	}

	handle := &Handle{
		ID:         uuid.NewString(),
		IP:         ip,
		Port:       port,
		stagingDir: stagingDir,
		names:      names,
		done:       make(chan struct{}),
	}

	sessionsByName := map[string]string{}
	if req.DeviceName != "" && s.registry != nil {
		for _, key := range sortedKeys(req.Files) {
			sess := s.registry.Register(req.DeviceName, req.Files[key], ip, port)
			sessionIDs = append(sessionIDs, sess.ID)
			sessionsByName[names[key]] = sess.ID
		}
	}
	handle.sessionIDs = sessionIDs

	handler := newFileHandler(fileHandlerConfig{
		stagingDir: stagingDir,
		files:      table,
		sessions:   sessionsByName,
		registry:   s.registry,
		logger:     s.logger.With().Str("addr", handle.Addr()).Logger(),
		now:        s.now,
	})
	router := chi.NewRouter()
	router.Get("/*", handler.ServeHTTP)
	router.Head("/*", handler.ServeHTTP)

	handle.httpServer = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	s.mu.Lock()
	s.servers[handle.Addr()] = handle
	active := len(s.servers)
	s.mu.Unlock()
	metrics.ActiveServers.Set(float64(active))

	committed = true
	go s.serve(handle, ln)

	urls := make(map[string]string, len(names))
	for key, name := range names {
		urls[key] = "http://" + handle.Addr() + "/" + name
	}

	s.logger.Info().
		Str("addr", handle.Addr()).
		Str("device", req.DeviceName).
		Int("files", len(urls)).
		Msg("stream_server_started")
	return urls, handle, nil
}

func (s *Server) serve(h *Handle, ln net.Listener) {
	defer close(h.done)
	if err := h.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error().Err(err).Str("addr", h.Addr()).Msg("stream_server_failed")
	}
}

// StopServer unregisters the handle's sessions, shuts its listener down and
// removes its staging directory. It is safe to call more than once.
func (s *Server) StopServer(h *Handle) error {
	if h == nil {
		return nil
	}
	h.stopOnce.Do(func() {
		s.mu.Lock()
		if current, ok := s.servers[h.Addr()]; ok && current == h {
			delete(s.servers, h.Addr())
		}
		active := len(s.servers)
		s.mu.Unlock()
		metrics.ActiveServers.Set(float64(active))

		if s.registry != nil {
			s.registry.UnregisterServer(h.IP, h.Port)
		}

		var errs []error
		if h.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
			if err := h.httpServer.Shutdown(ctx); err != nil {
				// Renderers hold media connections open; force them closed.
				_ = h.httpServer.Close()
			}
			cancel()
			if h.done != nil {
				<-h.done
			}
		}
		if err := os.RemoveAll(h.stagingDir); err != nil {
			errs = append(errs, fmt.Errorf("remove staging dir: %w", err))
		}
		h.stopErr = errors.Join(errs...)

		s.logger.Info().Str("addr", h.Addr()).Msg("stream_server_stopped")
	})
	return h.stopErr
}

// StopAllServers stops every active listener. Used at process shutdown.
func (s *Server) StopAllServers(ctx context.Context) error {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.servers))
	for _, h := range s.servers {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for _, h := range handles {
		g.Go(func() error {
			return s.StopServer(h)
		})
	}
	return g.Wait()
}

// RecoverSession performs soft recovery of a stalled session: if the listener
// serving it is still active the session is reset to active in place.
func (s *Server) RecoverSession(sessionID string) bool {
	if s.registry == nil {
		return false
	}
	sess, ok := s.registry.Get(sessionID)
	if !ok {
		return false
	}
	addr := net.JoinHostPort(sess.ServerIP, strconv.Itoa(sess.ServerPort))

	s.mu.Lock()
	_, active := s.servers[addr]
	s.mu.Unlock()
	if !active {
		s.logger.Warn().Str("session_id", sessionID).Str("addr", addr).Msg("stream_recovery_server_gone")
		return false
	}
	return s.registry.MarkRecovered(sessionID)
}

// Active returns the addresses of all bound listeners.
func (s *Server) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.servers))
	for addr := range s.servers {
		out = append(out, addr)
	}
	sort.Strings(out)
	return out
}

func (s *Server) portRange(req StartRequest) (int, int) {
	switch {
	case req.Port > 0:
		return req.Port, req.Port
	case req.PortMin > 0 && req.PortMax >= req.PortMin:
		return req.PortMin, req.PortMax
	default:
		return s.portMin, s.portMax
	}
}

// stageFiles links every file into dir under its normalized name. It returns
// key→served name and served name→real path. The table is authoritative when
// the platform refuses symlinks.
func (s *Server) stageFiles(dir string, files map[string]string) (map[string]string, map[string]string, error) {
	names := make(map[string]string, len(files))
	table := make(map[string]string, len(files))

	for _, key := range sortedKeys(files) {
		real, err := filepath.Abs(files[key])
		if err != nil {
			return nil, nil, &domain.Error{Code: domain.CodeStagingFailed, Message: "resolve " + files[key], Err: err}
		}
		info, err := os.Stat(real)
		if err != nil || info.IsDir() {
			return nil, nil, domain.NewError(domain.CodeVideoNotFound, "file not found: %s", real)
		}

		name := media.NormalizeFilename(filepath.Base(real))
		for i := 2; ; i++ {
			existing, taken := table[name]
			if !taken || existing == real {
				break
			}
			name = strconv.Itoa(i) + media.NormalizeFilename(filepath.Base(real))
		}
		names[key] = name
		if _, done := table[name]; done {
			continue
		}
		table[name] = real

		if err := os.Symlink(real, filepath.Join(dir, name)); err != nil {
			s.logger.Debug().Err(err).Str("name", name).Msg("stream_symlink_unavailable")
		}
	}
	return names, table, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func isAddrInUse(err error) bool {
	if errors.Is(err, syscall.EADDRINUSE) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "address already in use") ||
		strings.Contains(msg, "only one usage of each socket address")
}
