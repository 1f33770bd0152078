package streaming

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"go2tv.app/loopcast/internal/domain"
	"go2tv.app/loopcast/internal/sessions"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return port
}

func writeMedia(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, content, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func dirEntries(t *testing.T, dir string) []os.DirEntry {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	return entries
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartServerServesStagedFileWithRendererHeaders(t *testing.T) {
	mediaDir := t.TempDir()
	stagingRoot := t.TempDir()
	content := []byte(strings.Repeat("0123456789", 1000))
	src := writeMedia(t, mediaDir, "Café Clip.MP4", content)

	registry := sessions.NewRegistry(sessions.Options{})
	srv := NewServer(Options{Registry: registry, StagingRoot: stagingRoot})

	urls, handle, err := srv.StartServer(StartRequest{
		Files:      map[string]string{"main": src},
		ServeIP:    "127.0.0.1",
		Port:       freePort(t),
		DeviceName: "D1",
	})
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { _ = srv.StopServer(handle) })

	want := "http://" + handle.Addr() + "/cafeclip.mp4"
	if urls["main"] != want {
		t.Fatalf("expected url %q, got %q", want, urls["main"])
	}

	staged, err := os.Lstat(filepath.Join(handle.StagingDir(), "cafeclip.mp4"))
	if err != nil {
		t.Fatalf("expected staged entry: %v", err)
	}
	if staged.Mode()&os.ModeSymlink == 0 {
		t.Fatalf("expected staged entry to be a symlink, mode=%v", staged.Mode())
	}

	resp, err := http.Get(urls["main"])
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if string(body) != string(content) {
		t.Fatal("served body does not match source")
	}

	headers := map[string]string{
		"Content-Type":             "video/mp4",
		"Content-Length":           "10000",
		"Accept-Ranges":            "bytes",
		"transferMode.dlna.org":    "Streaming",
		"contentFeatures.dlna.org": "DLNA.ORG_PN=AVC_MP4_HP_HD_AAC;DLNA.ORG_OP=01;DLNA.ORG_CI=0;DLNA.ORG_FLAGS=01700000000000000000000000000000",
	}
	for k, v := range headers {
		if got := resp.Header.Get(k); got != v {
			t.Fatalf("header %s = %q, want %q", k, got, v)
		}
	}

	ids := handle.SessionIDs()
	if len(ids) != 1 {
		t.Fatalf("expected one session, got %d", len(ids))
	}
	waitFor(t, "bytes to be reported", func() bool {
		s, ok := registry.Get(ids[0])
		return ok && s.BytesTransferred == int64(len(content))
	})
	s, _ := registry.Get(ids[0])
	if s.DeviceName != "D1" || s.ServerPort != handle.Port || s.VideoPath != src {
		t.Fatalf("unexpected session %+v", s)
	}

	if err := srv.StopServer(handle); err != nil {
		t.Fatalf("stop server: %v", err)
	}
	if _, ok := registry.Get(ids[0]); ok {
		t.Fatal("expected session to be unregistered on stop")
	}
	if entries := dirEntries(t, stagingRoot); len(entries) != 0 {
		t.Fatalf("expected staging root to be empty, got %d entries", len(entries))
	}
	if len(srv.Active()) != 0 {
		t.Fatalf("expected no active servers, got %v", srv.Active())
	}
	if _, err := http.Get(urls["main"]); err == nil {
		t.Fatal("expected listener to be closed")
	}
}

func TestStartServerFailsAfterTryingWholeSaturatedRange(t *testing.T) {
	mediaDir := t.TempDir()
	stagingRoot := t.TempDir()
	src := writeMedia(t, mediaDir, "a.mp4", []byte("x"))

	registry := sessions.NewRegistry(sessions.Options{})
	srv := NewServer(Options{Registry: registry, StagingRoot: stagingRoot})

	var tried []string
	srv.listen = func(network, address string) (net.Listener, error) {
		tried = append(tried, address)
		return nil, &net.OpError{Op: "listen", Net: network, Err: os.NewSyscallError("bind", syscall.EADDRINUSE)}
	}

	_, handle, err := srv.StartServer(StartRequest{
		Files:      map[string]string{"a.mp4": src},
		ServeIP:    "10.0.0.2",
		PortMin:    9100,
		PortMax:    9104,
		DeviceName: "D1",
	})
	if !errors.Is(err, domain.ErrPortExhausted) {
		t.Fatalf("expected port exhaustion, got %v", err)
	}
	if handle != nil {
		t.Fatal("expected no handle")
	}
	if len(tried) != 5 || tried[0] != "10.0.0.2:9100" || tried[4] != "10.0.0.2:9104" {
		t.Fatalf("unexpected bind attempts %v", tried)
	}
	if entries := dirEntries(t, stagingRoot); len(entries) != 0 {
		t.Fatalf("expected staging dir cleaned up, found %d entries", len(entries))
	}
	if n := len(registry.List()); n != 0 {
		t.Fatalf("expected no sessions, got %d", n)
	}
}

func TestStartServerSkipsOccupiedPort(t *testing.T) {
	mediaDir := t.TempDir()
	src := writeMedia(t, mediaDir, "a.mp4", []byte("x"))

	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer occupied.Close()
	port := occupied.Addr().(*net.TCPAddr).Port

	srv := NewServer(Options{StagingRoot: t.TempDir()})
	_, _, err = srv.StartServer(StartRequest{
		Files:   map[string]string{"a.mp4": src},
		ServeIP: "127.0.0.1",
		Port:    port,
	})
	if !errors.Is(err, domain.ErrPortExhausted) {
		t.Fatalf("expected port exhaustion on occupied port, got %v", err)
	}
}

func TestStartServerPropagatesNonAddrInUseBindError(t *testing.T) {
	src := writeMedia(t, t.TempDir(), "a.mp4", []byte("x"))
	stagingRoot := t.TempDir()
	srv := NewServer(Options{StagingRoot: stagingRoot})

	calls := 0
	srv.listen = func(network, address string) (net.Listener, error) {
		calls++
		return nil, &net.OpError{Op: "listen", Net: network, Err: os.NewSyscallError("bind", syscall.EACCES)}
	}

	_, _, err := srv.StartServer(StartRequest{
		Files:   map[string]string{"a.mp4": src},
		ServeIP: "10.0.0.2",
		PortMin: 80,
		PortMax: 90,
	})
	var derr *domain.Error
	if !errors.As(err, &derr) || derr.Code != domain.CodeBindFailed {
		t.Fatalf("expected bind failure, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected search to stop at first hard error, got %d attempts", calls)
	}
	if entries := dirEntries(t, stagingRoot); len(entries) != 0 {
		t.Fatalf("expected staging dir cleaned up, found %d entries", len(entries))
	}
}

func TestStartServerRejectsMissingFile(t *testing.T) {
	stagingRoot := t.TempDir()
	srv := NewServer(Options{StagingRoot: stagingRoot})
	_, _, err := srv.StartServer(StartRequest{
		Files:   map[string]string{"a.mp4": filepath.Join(t.TempDir(), "missing.mp4")},
		ServeIP: "127.0.0.1",
		Port:    freePort(t),
	})
	if !errors.Is(err, domain.ErrVideoNotFound) {
		t.Fatalf("expected video not found, got %v", err)
	}
	if entries := dirEntries(t, stagingRoot); len(entries) != 0 {
		t.Fatalf("expected staging dir cleaned up, found %d entries", len(entries))
	}
}

func TestRecoverSession(t *testing.T) {
	src := writeMedia(t, t.TempDir(), "a.mp4", []byte("x"))
	registry := sessions.NewRegistry(sessions.Options{})
	srv := NewServer(Options{Registry: registry, StagingRoot: t.TempDir()})

	_, handle, err := srv.StartServer(StartRequest{
		Files:      map[string]string{"a.mp4": src},
		ServeIP:    "127.0.0.1",
		Port:       freePort(t),
		DeviceName: "D1",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer srv.StopServer(handle)

	live := handle.SessionIDs()[0]
	if !srv.RecoverSession(live) {
		t.Fatal("expected soft recovery while server is active")
	}
	s, _ := registry.Get(live)
	if s.Status != domain.SessionActive {
		t.Fatalf("expected active session, got %q", s.Status)
	}

	orphan := registry.Register("D2", src, "127.0.0.1", 1)
	if srv.RecoverSession(orphan.ID) {
		t.Fatal("expected recovery to fail when the owning server is gone")
	}
	if srv.RecoverSession("missing") {
		t.Fatal("expected recovery to fail for unknown session")
	}
}

func TestStopAllServers(t *testing.T) {
	src := writeMedia(t, t.TempDir(), "a.mp4", []byte("x"))
	stagingRoot := t.TempDir()
	srv := NewServer(Options{StagingRoot: stagingRoot})

	for i := 0; i < 3; i++ {
		if _, _, err := srv.StartServer(StartRequest{
			Files:   map[string]string{"a.mp4": src},
			ServeIP: "127.0.0.1",
			Port:    freePort(t),
		}); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}
	if got := len(srv.Active()); got != 3 {
		t.Fatalf("expected 3 active servers, got %d", got)
	}
	if err := srv.StopAllServers(context.Background()); err != nil {
		t.Fatalf("stop all: %v", err)
	}
	if got := len(srv.Active()); got != 0 {
		t.Fatalf("expected no active servers, got %d", got)
	}
	if entries := dirEntries(t, stagingRoot); len(entries) != 0 {
		t.Fatalf("expected staging root empty, got %d", len(entries))
	}
}

func TestStageFilesDisambiguatesCollidingNames(t *testing.T) {
	dirA, dirB := t.TempDir(), t.TempDir()
	a := writeMedia(t, dirA, "clip.mp4", []byte("a"))
	b := writeMedia(t, dirB, "Clip.mp4", []byte("b"))

	srv := NewServer(Options{})
	names, table, err := srv.stageFiles(t.TempDir(), map[string]string{"a": a, "b": b})
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if names["a"] != "clip.mp4" || names["b"] != "2clip.mp4" {
		t.Fatalf("unexpected names %v", names)
	}
	if table["clip.mp4"] != a || table["2clip.mp4"] != b {
		t.Fatalf("unexpected table %v", table)
	}
}
