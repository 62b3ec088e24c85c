package pty

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const (
	// DefaultStopGrace bounds each phase of the two-phase shutdown.
	DefaultStopGrace = 2 * time.Second
	// DefaultPollInterval bounds how long one read waits for output, and
	// so how quickly the reader loop notices cancellation.
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultWriteTimeout bounds a single write to the child's input.
	DefaultWriteTimeout = 5 * time.Second

	closedNotice = "PTY closed\r\n"
)

// Options configures a Session. Zero values fall back to defaults.
type Options struct {
	Shell        string
	Args         []string
	Dir          string
	Env          []string
	Size         Size
	Debounce     time.Duration
	StopGrace    time.Duration
	PollInterval time.Duration
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Shell == "" {
		o.Shell = os.Getenv("SHELL")
	}
	if o.Shell == "" {
		o.Shell = "/bin/bash"
	}
	if o.Size == (Size{}) {
		o.Size = DefaultSize
	}
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.StopGrace <= 0 {
		o.StopGrace = DefaultStopGrace
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Session is a single shell running inside a PTY, its output fan-out and
// its quiescence detector. A Session goes NotStarted -> Running -> Stopped
// and cannot be restarted once stopped.
type Session struct {
	opts Options
	log  *slog.Logger

	mu        sync.Mutex
	state     State
	ch        *channel
	cmd       *exec.Cmd
	cancel    context.CancelFunc
	done      chan struct{}
	exited    chan struct{}
	startedAt time.Time

	// lastOutput is nanoseconds since startedAt, written only by the reader loop.
	lastOutput atomic.Int64

	// closedMu orders the closed notice against Attach so every viewer
	// gets it exactly once.
	closedMu   sync.Mutex
	closedSent bool

	registry *registry
	detector *detector
	metrics  *sessionMetrics
}

// NewSession returns a Session that has not been started.
func NewSession(opts Options) *Session {
	opts = opts.withDefaults()
	s := &Session{
		opts:     opts,
		log:      opts.Logger.With("component", "pty"),
		done:     make(chan struct{}),
		detector: newDetector(opts.Debounce),
		metrics:  newSessionMetrics(),
	}
	s.registry = newRegistry(s.evicted)
	return s
}

// Start spawns the shell and launches the reader loop. On failure the
// session stays NotStarted and no child is left running.
func (s *Session) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateRunning:
		return ErrAlreadyStarted
	case StateStopped:
		return ErrStopped
	}

	if !s.opts.Size.Valid() {
		return errors.Wrapf(ErrInvalidSize, "initial size %s", s.opts.Size)
	}

	env := append([]string{"TERM=xterm-256color"}, s.opts.Env...)
	master, cmd, err := spawn(s.opts.Shell, s.opts.Args, s.opts.Dir, env, s.opts.Size)
	if err != nil {
		s.log.Error("spawn failed", "shell", s.opts.Shell, "error", err)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.ch = newChannel(master, s.opts.Size, s.opts.WriteTimeout)
	s.cmd = cmd
	s.cancel = cancel
	s.exited = make(chan struct{})
	s.startedAt = time.Now()
	s.state = StateRunning

	go s.waitExit(cmd, s.exited)
	go s.readLoop(ctx, s.ch)

	s.log.Info("pty started", "pid", cmd.Process.Pid, "shell", s.opts.Shell, "size", s.opts.Size.String())
	return nil
}

// waitExit reaps the child so it never lingers as a zombie.
func (s *Session) waitExit(cmd *exec.Cmd, exited chan struct{}) {
	err := cmd.Wait()
	close(exited)
	s.log.Info("shell exited", "pid", cmd.Process.Pid, "status", exitStatus(err))
}

// readLoop drains the master until the child goes away or ctx is cancelled.
func (s *Session) readLoop(ctx context.Context, ch *channel) {
	defer close(s.done)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("reader loop panic", "panic", r)
		}
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		text, err := ch.readChunk(s.opts.PollInterval)
		if errors.Is(err, errWouldBlock) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !errors.Is(err, io.EOF) {
				s.log.Warn("pty read failed", "error", err)
			}
			s.broadcastClosed()
			return
		}

		now := time.Now()
		delivered := s.registry.broadcast(Event{Type: EventOutput, Data: text, At: now})
		s.lastOutput.Store(int64(now.Sub(s.startedAt)))
		s.metrics.outputChunks.Mark(1)
		s.metrics.outputBytes.Inc(int64(len(text)))
		s.detector.notify()
		s.log.Debug("broadcast", "bytes", len(text), "viewers", delivered)
	}
}

// broadcastClosed sends the closed notice once. Callers must be the only
// producer at the time: the reader loop, or Stop after the loop has exited.
func (s *Session) broadcastClosed() {
	s.closedMu.Lock()
	defer s.closedMu.Unlock()
	if s.closedSent {
		return
	}
	s.closedSent = true
	s.registry.broadcast(Event{Type: EventClosed, Data: closedNotice, At: time.Now()})
}

func (s *Session) evicted(id ViewerID, err error) {
	s.metrics.viewersEvicted.Inc(1)
	s.log.Info("viewer evicted", "viewer", id.String(), "error", err)
}

// Stop cancels the reader loop, terminates the child's process group and
// releases the master. It is a no-op unless the session is running, and
// completes in bounded time even if the child ignores signals.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopped
	cancel, ch, cmd, exited := s.cancel, s.ch, s.cmd, s.exited
	s.mu.Unlock()

	cancel()
	readerExited := s.awaitReader(s.opts.PollInterval + s.opts.StopGrace)

	s.terminate(cmd.Process.Pid, exited)

	if !readerExited {
		readerExited = s.awaitReader(s.opts.StopGrace)
	}
	if readerExited {
		s.broadcastClosed()
	} else {
		s.log.Warn("reader loop did not exit, closing master anyway")
	}

	err := ch.close()
	s.metrics.stop()
	s.log.Info("pty stopped", "pid", cmd.Process.Pid)
	return err
}

func (s *Session) awaitReader(limit time.Duration) bool {
	timer := time.NewTimer(limit)
	defer timer.Stop()
	select {
	case <-s.done:
		return true
	case <-timer.C:
		return false
	}
}

// terminate hangs up and terminates the process group, then escalates to
// SIGKILL if the shell has not exited within the stop grace period.
// Interactive shells ignore SIGTERM, hence the SIGHUP.
func (s *Session) terminate(pid int, exited <-chan struct{}) {
	for _, sig := range []unix.Signal{unix.SIGHUP, unix.SIGTERM} {
		if err := signalGroup(pid, sig); err != nil {
			s.log.Warn("signal failed", "pid", pid, "error", err)
		}
	}

	timer := time.NewTimer(s.opts.StopGrace)
	defer timer.Stop()
	select {
	case <-exited:
		return
	case <-timer.C:
	}

	s.log.Warn("shell did not exit, sending SIGKILL", "pid", pid)
	if err := signalGroup(pid, unix.SIGKILL); err != nil {
		s.log.Warn("signal failed", "pid", pid, "error", err)
	}

	timer.Reset(s.opts.StopGrace)
	select {
	case <-exited:
	case <-timer.C:
		s.log.Error("shell still running after SIGKILL", "pid", pid)
	}
}

// running returns the channel if the session is running.
func (s *Session) running() (*channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return nil, ErrNotRunning
	}
	return s.ch, nil
}

// Write forwards text verbatim to the shell's input.
func (s *Session) Write(text string) error {
	ch, err := s.running()
	if err != nil {
		return err
	}
	n, err := ch.write([]byte(text))
	s.metrics.inputBytes.Inc(int64(n))
	return err
}

// SendKey writes the byte sequence for a named key such as "Enter" or "C-c".
func (s *Session) SendKey(name string) error {
	return s.Write(KeySequence(name))
}

// Resize applies a new terminal size. Invalid sizes are rejected and the
// previous size is kept.
func (s *Session) Resize(cols, rows int) error {
	size := Size{Cols: cols, Rows: rows}
	if !size.Valid() {
		return errors.Wrapf(ErrInvalidSize, "%s", size)
	}
	ch, err := s.running()
	if err != nil {
		return err
	}
	if err := ch.resize(size); err != nil {
		return err
	}
	s.log.Debug("pty resized", "size", size.String())
	return nil
}

// Dimensions returns the last applied terminal size.
func (s *Session) Dimensions() Size {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	if ch == nil {
		return s.opts.Size
	}
	return ch.dimensions()
}

// Attach registers v to receive every event broadcast from now on. If the
// shell has already gone away, v is sent the closed notice straight away.
func (s *Session) Attach(v Viewer) (ViewerID, error) {
	if _, err := s.running(); err != nil {
		return 0, err
	}
	s.closedMu.Lock()
	id := s.registry.attach(v)
	closed := s.closedSent
	s.closedMu.Unlock()
	s.log.Info("viewer attached", "viewer", id.String(), "total", s.registry.count())

	if closed {
		if err := v.Send(Event{Type: EventClosed, Data: closedNotice, At: time.Now()}); err != nil {
			if s.registry.detach(id) {
				s.evicted(id, err)
			}
		}
	}
	return id, nil
}

// Detach removes a viewer. Unknown or already-removed ids are ignored.
func (s *Session) Detach(id ViewerID) {
	if s.registry.detach(id) {
		s.log.Info("viewer detached", "viewer", id.String(), "total", s.registry.count())
	}
}

// WaitForStable blocks until output has been quiet for one debounce
// window. It returns ErrTimeout if output is still flowing when timeout
// elapses; that is an expected outcome, not a session failure.
func (s *Session) WaitForStable(ctx context.Context, timeout time.Duration) error {
	if _, err := s.running(); err != nil {
		return err
	}
	return s.detector.wait(ctx, timeout)
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the reader loop exits, either because the shell
// went away or because the session was stopped.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// LastOutput returns when output was last broadcast, or the zero time.
func (s *Session) LastOutput() time.Time {
	s.mu.Lock()
	started := s.startedAt
	s.mu.Unlock()
	d := s.lastOutput.Load()
	if d == 0 || started.IsZero() {
		return time.Time{}
	}
	return started.Add(time.Duration(d))
}

// Pid returns the shell's process id, or 0 before Start.
func (s *Session) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// ViewerCount returns the number of attached viewers.
func (s *Session) ViewerCount() int {
	return s.registry.count()
}

// Stats returns a snapshot of the session's traffic counters.
func (s *Session) Stats() Stats {
	return s.metrics.snapshot()
}

// Info returns a snapshot of session metadata.
func (s *Session) Info() Info {
	s.mu.Lock()
	info := Info{State: s.state, StartedAt: s.startedAt}
	if s.cmd != nil && s.cmd.Process != nil {
		info.Pid = s.cmd.Process.Pid
	}
	exited := s.exited
	s.mu.Unlock()

	if exited != nil {
		select {
		case <-exited:
			info.Exited = true
		default:
		}
	}
	info.Size = s.Dimensions()
	info.Viewers = s.registry.count()
	info.LastOutput = s.LastOutput()
	return info
}

func exitStatus(err error) string {
	if err == nil {
		return "exit 0"
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.String()
	}
	return err.Error()
}
