package pty

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// recorder is a Viewer that keeps everything it is sent.
type recorder struct {
	mu     sync.Mutex
	output strings.Builder
	closed bool
}

func (r *recorder) Send(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch ev.Type {
	case EventOutput:
		r.output.WriteString(ev.Data)
	case EventClosed:
		r.closed = true
	}
	return nil
}

func (r *recorder) text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.output.String()
}

func (r *recorder) sawClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func newTestSession(t *testing.T, opts Options) *Session {
	t.Helper()
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}
	if opts.StopGrace == 0 {
		opts.StopGrace = 500 * time.Millisecond
	}
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewSession(opts)
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func startTestSession(t *testing.T, opts Options) *Session {
	t.Helper()
	s := newTestSession(t, opts)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return s
}

func TestSessionEchoEndToEnd(t *testing.T) {
	s := startTestSession(t, Options{})

	rec := &recorder{}
	if _, err := s.Attach(rec); err != nil {
		t.Fatalf("Attach: %v", err)
	}

	// The arithmetic keeps the terminal's echo of the command line from matching.
	if err := s.Write("echo hi-$((40+2))\n"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	waitFor(t, 5*time.Second, "echo output", func() bool {
		return strings.Contains(rec.text(), "hi-42")
	})

	if err := s.WaitForStable(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("WaitForStable: %v", err)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := s.Write("echo again\n"); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("Write after Stop error = %v, want ErrNotRunning", err)
	}
	if s.State() != StateStopped {
		t.Fatalf("State() = %v, want stopped", s.State())
	}
	if !rec.sawClosed() {
		t.Error("viewer did not receive the closed notice on Stop")
	}

	stats := s.Stats()
	if stats.InputBytes == 0 || stats.OutputChunks == 0 {
		t.Errorf("stats not updated: %+v", stats)
	}
	if s.LastOutput().IsZero() {
		t.Error("LastOutput() is zero after output")
	}
}

func TestSessionStopIsIdempotent(t *testing.T) {
	s := newTestSession(t, Options{})

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}
	if s.State() != StateNotStarted {
		t.Fatalf("State() after early Stop = %v, want not_started", s.State())
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("first Stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if err := s.Start(); !errors.Is(err, ErrStopped) {
		t.Fatalf("Start after Stop error = %v, want ErrStopped", err)
	}
}

func TestSessionStartTwice(t *testing.T) {
	s := startTestSession(t, Options{})
	pid := s.Pid()
	if pid <= 0 {
		t.Fatalf("Pid() = %d, want a running process", pid)
	}
	if err := s.Start(); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start error = %v, want ErrAlreadyStarted", err)
	}
	if s.Pid() != pid {
		t.Fatalf("Pid() changed after failed Start: %d -> %d", pid, s.Pid())
	}
}

func TestSessionSpawnFailure(t *testing.T) {
	s := newTestSession(t, Options{Shell: "/nonexistent/termbridge-shell"})

	err := s.Start()
	var spawnErr *SpawnError
	if !errors.As(err, &spawnErr) {
		t.Fatalf("Start error = %v, want *SpawnError", err)
	}
	if spawnErr.Shell != "/nonexistent/termbridge-shell" {
		t.Errorf("SpawnError.Shell = %q", spawnErr.Shell)
	}
	if s.State() != StateNotStarted {
		t.Fatalf("State() = %v, want not_started", s.State())
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop after failed Start: %v", err)
	}
}

func TestSessionOperationsBeforeStart(t *testing.T) {
	s := newTestSession(t, Options{})

	if err := s.Write("ls\n"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Write error = %v, want ErrNotRunning", err)
	}
	if _, err := s.Attach(&recorder{}); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Attach error = %v, want ErrNotRunning", err)
	}
	if err := s.WaitForStable(context.Background(), time.Second); !errors.Is(err, ErrNotRunning) {
		t.Errorf("WaitForStable error = %v, want ErrNotRunning", err)
	}
	if err := s.Resize(100, 30); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Resize error = %v, want ErrNotRunning", err)
	}
	if got := s.Dimensions(); got != DefaultSize {
		t.Errorf("Dimensions() = %v, want %v", got, DefaultSize)
	}
	if s.Pid() != 0 {
		t.Errorf("Pid() = %d before Start, want 0", s.Pid())
	}
	s.Detach(42)
}

func TestSessionResize(t *testing.T) {
	s := startTestSession(t, Options{})

	if err := s.Resize(120, 40); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	if got := s.Dimensions(); got != (Size{Cols: 120, Rows: 40}) {
		t.Fatalf("Dimensions() = %v, want 120x40", got)
	}

	for _, bad := range []Size{{0, 40}, {120, 0}, {-1, -1}} {
		if err := s.Resize(bad.Cols, bad.Rows); !errors.Is(err, ErrInvalidSize) {
			t.Errorf("Resize(%d, %d) error = %v, want ErrInvalidSize", bad.Cols, bad.Rows, err)
		}
	}
	if got := s.Dimensions(); got != (Size{Cols: 120, Rows: 40}) {
		t.Fatalf("Dimensions() after invalid resize = %v, want 120x40", got)
	}

	rec := &recorder{}
	if _, err := s.Attach(rec); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := s.Write("stty size\n"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	waitFor(t, 5*time.Second, "stty size output", func() bool {
		return strings.Contains(rec.text(), "40 120")
	})
}

func TestSessionInitialSize(t *testing.T) {
	s := startTestSession(t, Options{Size: Size{Cols: 132, Rows: 50}})

	rec := &recorder{}
	if _, err := s.Attach(rec); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := s.Write("stty size\n"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	waitFor(t, 5*time.Second, "stty size output", func() bool {
		return strings.Contains(rec.text(), "50 132")
	})
}

func TestSessionLateViewerGetsClosedNotice(t *testing.T) {
	s := startTestSession(t, Options{})

	if err := s.Write("exit\n"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("reader loop did not exit after the shell exited")
	}

	late := &recorder{}
	id, err := s.Attach(late)
	if err != nil {
		t.Fatalf("Attach after exit: %v", err)
	}
	if !late.sawClosed() {
		t.Fatal("viewer attached after exit did not receive the closed notice")
	}
	if s.ViewerCount() != 1 {
		t.Fatalf("ViewerCount() = %d, want 1", s.ViewerCount())
	}

	failing := &memViewer{fail: ErrViewerGone}
	if _, err := s.Attach(failing); err != nil {
		t.Fatalf("Attach failing viewer: %v", err)
	}
	if s.ViewerCount() != 1 {
		t.Fatalf("failing late viewer not evicted: ViewerCount() = %d", s.ViewerCount())
	}
	if got := s.Stats().ViewersEvicted; got != 1 {
		t.Fatalf("ViewersEvicted = %d, want 1", got)
	}
	s.Detach(id)
}

func TestSessionBroadcastsClosedWhenShellExits(t *testing.T) {
	s := startTestSession(t, Options{})

	rec := &recorder{}
	if _, err := s.Attach(rec); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := s.Write("exit\n"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("reader loop did not exit after the shell exited")
	}
	if !rec.sawClosed() {
		t.Fatal("viewer did not receive the closed notice")
	}
	waitFor(t, 2*time.Second, "child reaped", func() bool { return s.Info().Exited })

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop after exit: %v", err)
	}
}

func TestSessionViewerFailureIsIsolated(t *testing.T) {
	s := startTestSession(t, Options{})

	good := &recorder{}
	bad := &memViewer{fail: ErrViewerGone}
	if _, err := s.Attach(bad); err != nil {
		t.Fatalf("Attach bad: %v", err)
	}
	if _, err := s.Attach(good); err != nil {
		t.Fatalf("Attach good: %v", err)
	}

	if err := s.Write("echo isolated-$((1+1))\n"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	waitFor(t, 5*time.Second, "output on the healthy viewer", func() bool {
		return strings.Contains(good.text(), "isolated-2")
	})

	if got := s.ViewerCount(); got != 1 {
		t.Fatalf("ViewerCount() = %d, want 1", got)
	}
	if got := s.Stats().ViewersEvicted; got != 1 {
		t.Fatalf("ViewersEvicted = %d, want 1", got)
	}
}

func TestSessionDetachStopsDelivery(t *testing.T) {
	s := startTestSession(t, Options{})

	kept := &recorder{}
	dropped := &recorder{}
	if _, err := s.Attach(kept); err != nil {
		t.Fatalf("Attach: %v", err)
	}
	id, err := s.Attach(dropped)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := s.WaitForStable(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("WaitForStable: %v", err)
	}

	s.Detach(id)
	before := dropped.text()

	if err := s.Write("echo after-$((2+3))\n"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	waitFor(t, 5*time.Second, "output on the attached viewer", func() bool {
		return strings.Contains(kept.text(), "after-5")
	})
	if got := dropped.text(); got != before {
		t.Fatalf("detached viewer received %q", strings.TrimPrefix(got, before))
	}
}

func TestSessionWaitForStableTimesOutWhileOutputFlows(t *testing.T) {
	s := startTestSession(t, Options{Debounce: 300 * time.Millisecond})

	if err := s.Write("while :; do echo tick; sleep 0.05; done\n"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	err := s.WaitForStable(context.Background(), time.Second)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("WaitForStable error = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Fatalf("timed out after %v, before the budget", elapsed)
	}

	// A failed wait does not poison the session.
	if err := s.SendKey("C-c"); err != nil {
		t.Fatalf("SendKey: %v", err)
	}
	if err := s.WaitForStable(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("WaitForStable after interrupt: %v", err)
	}
}

func TestSessionStopKillsUnresponsiveShell(t *testing.T) {
	s := startTestSession(t, Options{
		Args:      []string{"-c", "trap '' HUP TERM; while :; do sleep 1; done"},
		StopGrace: 200 * time.Millisecond,
	})
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Fatalf("Stop took %v", elapsed)
	}
	if !s.Info().Exited {
		t.Fatal("shell still running after Stop")
	}
}
