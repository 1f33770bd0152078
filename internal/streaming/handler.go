package streaming

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"go2tv.app/loopcast/internal/domain"
	"go2tv.app/loopcast/internal/media"
	"go2tv.app/loopcast/internal/metrics"
	"go2tv.app/loopcast/internal/sessions"
)

const (
	// Renderers often probe a URL for format detection and then re-request it
	// to stream, sometimes with a slightly different path.
	repeatWindow = 5 * time.Second
	recentTTL    = 60 * time.Second

	chunkSize   = 64 * 1024
	reportEvery = 1 << 20
)

type recentEntry struct {
	at       time.Time
	resolved string
}

type fileHandlerConfig struct {
	stagingDir string
	files      map[string]string
	sessions   map[string]string
	registry   *sessions.Registry
	logger     zerolog.Logger
	now        func() time.Time
}

type fileHandler struct {
	stagingDir string
	files      map[string]string
	sessions   map[string]string
	registry   *sessions.Registry
	logger     zerolog.Logger
	now        func() time.Time

	resolve  func(name string) (string, bool)
	fallback http.Handler

	mu     sync.Mutex
	recent map[string]recentEntry
}

func newFileHandler(cfg fileHandlerConfig) *fileHandler {
	h := &fileHandler{
		stagingDir: cfg.stagingDir,
		files:      cfg.files,
		sessions:   cfg.sessions,
		registry:   cfg.registry,
		logger:     cfg.logger,
		now:        cfg.now,
		fallback:   http.FileServer(http.Dir(cfg.stagingDir)),
		recent:     map[string]recentEntry{},
	}
	if h.now == nil {
		h.now = time.Now
	}
	h.resolve = h.resolveFromDisk
	return h
}

func (h *fileHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := requestName(r.URL.Path)
	if name == "" {
		http.NotFound(w, r)
		return
	}

	now := h.now()
	if servedAs, resolved, ok := h.lookupRecent(name, now, !h.staged(name)); ok {
		metrics.IncStreamRequest("cache")
		h.logger.Debug().Str("name", name).Str("served_as", servedAs).Msg("stream_repeat_request")
		h.serveFile(w, r, servedAs, resolved)
		return
	}

	if resolved, ok := h.resolve(name); ok {
		h.remember(name, resolved, now)
		metrics.IncStreamRequest("disk")
		h.serveFile(w, r, name, resolved)
		return
	}

	metrics.IncStreamRequest("fallback")
	h.fallback.ServeHTTP(w, r)
}

// lookupRecent finds a file served within the repeat window whose name matches
// exactly or, when fuzzy is set, as a suffix or substring. Entries past
// recentTTL are evicted.
func (h *fileHandler) lookupRecent(name string, now time.Time, fuzzy bool) (string, string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for served, entry := range h.recent {
		if now.Sub(entry.at) > recentTTL {
			delete(h.recent, served)
		}
	}

	if entry, ok := h.recent[name]; ok && now.Sub(entry.at) <= repeatWindow {
		return name, entry.resolved, true
	}
	if !fuzzy {
		return "", "", false
	}
	for served, entry := range h.recent {
		if now.Sub(entry.at) > repeatWindow {
			continue
		}
		if strings.HasSuffix(name, served) || strings.HasSuffix(served, name) ||
			strings.Contains(name, served) || strings.Contains(served, name) {
			return served, entry.resolved, true
		}
	}
	return "", "", false
}

// staged reports whether name is one of this server's own files, which must
// never be answered with another file's bytes.
func (h *fileHandler) staged(name string) bool {
	if _, ok := h.files[name]; ok {
		return true
	}
	_, err := os.Lstat(filepath.Join(h.stagingDir, name))
	return err == nil
}

func (h *fileHandler) remember(name, resolved string, now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recent[name] = recentEntry{at: now, resolved: resolved}
}

func (h *fileHandler) resolveFromDisk(name string) (string, bool) {
	staged := filepath.Join(h.stagingDir, name)
	if info, err := os.Stat(staged); err == nil && info.Mode().IsRegular() {
		return staged, true
	}
	if real, ok := h.files[name]; ok {
		if info, err := os.Stat(real); err == nil && info.Mode().IsRegular() {
			return real, true
		}
	}
	return "", false
}

func (h *fileHandler) serveFile(w http.ResponseWriter, r *http.Request, servedName, filePath string) {
	f, err := os.Open(filePath)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.NotFound(w, r)
		return
	}
	size := info.Size()

	start, end, partial, ok := parseRange(r.Header.Get("Range"), size)
	if !ok {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, http.StatusText(http.StatusRequestedRangeNotSatisfiable), http.StatusRequestedRangeNotSatisfiable)
		return
	}
	length := end - start + 1

	header := w.Header()
	header.Set("Content-Type", media.ContentType(servedName))
	header.Set("Content-Length", strconv.FormatInt(length, 10))
	header.Set("Accept-Ranges", "bytes")
	if features := media.ContentFeatures(servedName); features != "" {
		header.Set("contentFeatures.dlna.org", features)
		header.Set("transferMode.dlna.org", "Streaming")
	}

	status := http.StatusOK
	if partial {
		header.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)
	if r.Method == http.MethodHead || length <= 0 {
		return
	}

	sessionID := h.sessions[servedName]
	h.recordConnection(sessionID, domain.EventConnect, true, r.RemoteAddr)

	if start > 0 {
		if _, err := f.Seek(start, io.SeekStart); err != nil {
			h.logger.Warn().Err(err).Str("name", servedName).Msg("stream_seek_failed")
			return
		}
	}
	h.copyBody(w, f, length, servedName, sessionID)
}

func (h *fileHandler) copyBody(w io.Writer, f io.Reader, length int64, servedName, sessionID string) {
	buf := make([]byte, chunkSize)
	var unreported int64
	remaining := length

	for remaining > 0 {
		want := len(buf)
		if int64(want) > remaining {
			want = int(remaining)
		}
		n, readErr := f.Read(buf[:want])
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				h.reportBytes(sessionID, unreported)
				if isClientDisconnect(writeErr) {
					metrics.StreamDisconnectsTotal.Inc()
					h.logger.Debug().Str("name", servedName).Str("session_id", sessionID).Msg("stream_client_disconnected")
				} else {
					h.logger.Warn().Err(writeErr).Str("name", servedName).Msg("stream_write_failed")
				}
				h.recordConnection(sessionID, domain.EventDisconnect, false, writeErr.Error())
				return
			}
			remaining -= int64(n)
			unreported += int64(n)
			if unreported >= reportEvery {
				h.reportBytes(sessionID, unreported)
				unreported = 0
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				h.logger.Warn().Err(readErr).Str("name", servedName).Msg("stream_read_failed")
			}
			break
		}
	}

	h.reportBytes(sessionID, unreported)
	if remaining == 0 {
		h.recordConnection(sessionID, domain.EventComplete, true, "")
	}
}

func (h *fileHandler) reportBytes(sessionID string, n int64) {
	if h.registry == nil || sessionID == "" || n <= 0 {
		return
	}
	h.registry.AddBytes(sessionID, n)
}

func (h *fileHandler) recordConnection(sessionID, kind string, success bool, detail string) {
	if h.registry == nil || sessionID == "" {
		return
	}
	h.registry.RecordConnection(sessionID, kind, success, detail)
}

func requestName(urlPath string) string {
	cleaned := path.Clean("/" + urlPath)
	base := path.Base(cleaned)
	if base == "/" || base == "." || base == "" {
		return ""
	}
	return media.NormalizeFilename(base)
}

// parseRange handles a single "bytes=" range. Multi-range requests are served
// in full. ok is false when the range cannot be satisfied.
func parseRange(header string, size int64) (start, end int64, partial, ok bool) {
	header = strings.TrimSpace(header)
	if header == "" || !strings.HasPrefix(header, "bytes=") || strings.Contains(header, ",") {
		return 0, size - 1, false, true
	}
	byteRange := strings.TrimSpace(strings.TrimPrefix(header, "bytes="))
	first, last, found := strings.Cut(byteRange, "-")
	if !found {
		return 0, size - 1, false, true
	}
	first, last = strings.TrimSpace(first), strings.TrimSpace(last)

	switch {
	case first == "" && last == "":
		return 0, size - 1, false, true
	case first == "":
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false, false
		}
		if n > size {
			n = size
		}
		return size - n, size - 1, true, size > 0
	default:
		s, err := strconv.ParseInt(first, 10, 64)
		if err != nil || s < 0 || s >= size {
			return 0, 0, false, false
		}
		e := size - 1
		if last != "" {
			parsed, err := strconv.ParseInt(last, 10, 64)
			if err != nil || parsed < s {
				return 0, 0, false, false
			}
			if parsed < e {
				e = parsed
			}
		}
		return s, e, true, true
	}
}

func isClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"broken pipe", "connection reset", "forcibly closed", "connection aborted"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
