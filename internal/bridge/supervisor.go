package bridge

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/ashstack/ash/internal/common/errors"
	"github.com/ashstack/ash/internal/common/logger"
	"github.com/ashstack/ash/internal/common/stringutil"
)

const (
	defaultReadyTimeout  = 10 * time.Second
	defaultShutdownGrace = 2 * time.Second

	// readyByte is written to stdout by the bridge once its socket is bound
	// and the accept loop is running.
	readyByte = 'R'

	// stderrBufferSize is the number of recent stderr lines kept for error context
	stderrBufferSize = 50

	// maxStderrLineLen caps each captured stderr line so a runtime spewing
	// one huge line cannot bloat crash messages.
	maxStderrLineLen = 512

	// oomExitCode is the conventional exit code of a SIGKILL death (128+9).
	// On a memory-limited sandbox that almost always means the kernel OOM
	// killer.
	oomExitCode = 137
)

// Options configures one bridge process.
type Options struct {
	Command      string
	Args         []string
	SandboxID    string
	SessionID    string
	AgentDir     string
	WorkspaceDir string
	SocketPath   string

	ReadyTimeout  time.Duration
	ShutdownGrace time.Duration
}

// errorWrapper wraps an error so it can be stored in atomic.Value (which cannot store nil)
type errorWrapper struct {
	err error
}

// Supervisor owns one bridge child process: it spawns the child with a
// restricted environment, waits for the readiness byte, dials the control
// socket, and turns wire frames into Events.
type Supervisor struct {
	opts Options
	log  *logger.Logger

	cmd  *exec.Cmd
	conn net.Conn

	writeMu sync.Mutex
	enc     *Encoder

	events chan Event

	// Stderr buffering for error context
	stderrBuffer []string
	stderrMu     sync.RWMutex

	exitCode   atomic.Int32
	oomKilled  atomic.Bool
	exitErr    atomic.Value // errorWrapper
	killedByUs atomic.Bool
	shutdownRq atomic.Bool

	doneCh     chan struct{} // closed once the process is reaped
	stderrDone chan struct{} // closed once the stderr reader drains
	stopCh     chan struct{} // closed when the supervisor abandons the bridge
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// Start spawns a bridge process and blocks until it is ready: child started,
// readiness byte read from stdout, socket dialed, first frame is `ready`.
// Any failure along the way kills the child and returns a BridgeStartup
// error carrying the captured stderr tail and exit code.
func Start(opts Options, log *logger.Logger) (*Supervisor, error) {
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = defaultReadyTimeout
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = defaultShutdownGrace
	}

	s := &Supervisor{
		opts: opts,
		log: log.WithFields(
			zap.String("component", "bridge"),
			zap.String("sandbox_id", opts.SandboxID)),
		// Unbuffered so bridge-side backpressure propagates to the socket.
		events:     make(chan Event),
		doneCh:     make(chan struct{}),
		stderrDone: make(chan struct{}),
		stopCh:     make(chan struct{}),
	}
	s.exitCode.Store(-1)
	s.exitErr.Store(errorWrapper{})

	if err := os.MkdirAll(filepath.Dir(opts.SocketPath), 0o755); err != nil {
		return nil, apperrors.InternalError("failed to create bridge socket directory", err)
	}
	// A stale socket file from a previous process makes the child's bind fail.
	_ = os.Remove(opts.SocketPath)

	// NOTE: exec.Command, not CommandContext. Request contexts must not kill
	// the bridge when the HTTP request that created the sandbox completes.
	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.WorkspaceDir
	cmd.Env = BuildEnv(os.Environ(), EnvSpec{
		SocketPath:   opts.SocketPath,
		AgentDir:     opts.AgentDir,
		WorkspaceDir: opts.WorkspaceDir,
		SandboxID:    opts.SandboxID,
		SessionID:    opts.SessionID,
	})
	// New process group so the whole bridge tree dies together.
	setProcGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperrors.InternalError("failed to create stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, apperrors.InternalError("failed to create stderr pipe", err)
	}

	s.log.Info("starting bridge process",
		zap.String("command", opts.Command),
		zap.Strings("args", opts.Args),
		zap.String("socket", opts.SocketPath))
	if err := cmd.Start(); err != nil {
		return nil, apperrors.BridgeStartup("failed to start bridge process", err.Error(), -1)
	}
	s.cmd = cmd

	s.wg.Add(2)
	go s.readStderr(stderr)
	go s.waitForExit()

	if err := s.awaitReadyByte(stdout); err != nil {
		s.abortStartup()
		return nil, err
	}

	// The readiness byte is the only stdout the bridge should produce; drain
	// the rest so a chatty child never blocks on a full pipe.
	go func() { _, _ = io.Copy(io.Discard, stdout) }()

	conn, err := net.Dial("unix", opts.SocketPath)
	if err != nil {
		s.abortStartup()
		return nil, apperrors.BridgeStartup("failed to dial bridge socket", s.stderrTail(), s.exitCodeNow())
	}
	s.conn = conn
	s.enc = NewEncoder(conn)

	// The decoder buffers; it must be shared between the ready-frame read and
	// the event loop or buffered bytes are lost.
	dec := NewDecoder(conn)
	if err := s.awaitReadyFrame(conn, dec); err != nil {
		s.abortStartup()
		return nil, err
	}

	s.wg.Add(1)
	go s.readLoop(dec)

	s.log.Info("bridge ready", zap.Int("pid", cmd.Process.Pid))
	return s, nil
}

// awaitReadyByte reads exactly one byte from the child's stdout, expecting
// the readiness marker. No polling: the child signals, the supervisor waits.
func (s *Supervisor) awaitReadyByte(stdout io.Reader) error {
	type readResult struct {
		b   byte
		err error
	}
	readCh := make(chan readResult, 1)
	go func() {
		var buf [1]byte
		_, err := io.ReadFull(stdout, buf[:])
		readCh <- readResult{b: buf[0], err: err}
	}()

	select {
	case res := <-readCh:
		if res.err != nil {
			// Pipe closed: the child died before writing the byte. Wait
			// briefly for the reaper so the error carries the exit code.
			select {
			case <-s.doneCh:
			case <-time.After(time.Second):
			}
			s.awaitStderrDrain(500 * time.Millisecond)
			return apperrors.BridgeStartup("bridge exited before signaling readiness", s.stderrTail(), s.exitCodeNow())
		}
		if res.b != readyByte {
			return apperrors.BridgeStartup(
				fmt.Sprintf("unexpected readiness byte %q", res.b), s.stderrTail(), s.exitCodeNow())
		}
		return nil
	case <-s.doneCh:
		s.awaitStderrDrain(500 * time.Millisecond)
		return apperrors.BridgeStartup("bridge exited before signaling readiness", s.stderrTail(), s.exitCodeNow())
	case <-time.After(s.opts.ReadyTimeout):
		return apperrors.BridgeStartup("timed out waiting for bridge readiness", s.stderrTail(), s.exitCodeNow())
	}
}

// awaitStderrDrain gives the stderr reader a moment to catch up after the
// process died, so startup errors carry the child's final output.
func (s *Supervisor) awaitStderrDrain(d time.Duration) {
	select {
	case <-s.stderrDone:
	case <-time.After(d):
	}
}

// awaitReadyFrame expects the first socket frame to be the ready event.
func (s *Supervisor) awaitReadyFrame(conn net.Conn, dec *Decoder) error {
	_ = conn.SetReadDeadline(time.Now().Add(s.opts.ReadyTimeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	ev, err := dec.DecodeEvent()
	if err != nil {
		return apperrors.BridgeStartup("failed to read bridge ready frame", s.stderrTail(), s.exitCodeNow())
	}
	if ev.Ev != EvReady {
		return apperrors.BridgeStartup(
			fmt.Sprintf("expected ready frame, got %q", ev.Ev), s.stderrTail(), s.exitCodeNow())
	}
	return nil
}

// Send writes one command frame to the bridge. Writes are serialized; a full
// socket buffer blocks the caller, which is the backpressure contract.
func (s *Supervisor) Send(ctx context.Context, cmd *Command) error {
	if !s.Alive() {
		code, _ := s.ExitState()
		return apperrors.BadState(fmt.Sprintf("bridge process has exited (code %d)", code))
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
		defer func() { _ = s.conn.SetWriteDeadline(time.Time{}) }()
	}
	if err := s.enc.EncodeCommand(cmd); err != nil {
		return apperrors.Wrap(err, "failed to send bridge command")
	}
	return nil
}

// Events returns the bridge event stream. The channel is unbuffered and is
// closed when the connection ends.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// Alive reports whether the bridge process is still running.
func (s *Supervisor) Alive() bool {
	select {
	case <-s.doneCh:
		return false
	default:
		return true
	}
}

// PID returns the bridge process id, or 0 before the process started.
func (s *Supervisor) PID() int {
	if s.cmd != nil && s.cmd.Process != nil {
		return s.cmd.Process.Pid
	}
	return 0
}

// ExitState reports the exit code and whether the death is classified as an
// OOM kill: exit 137 or SIGKILL that ash did not send itself.
func (s *Supervisor) ExitState() (code int, oom bool) {
	return s.exitCodeNow(), s.oomKilled.Load()
}

func (s *Supervisor) exitCodeNow() int {
	return int(s.exitCode.Load())
}

// Shutdown asks the bridge to exit cleanly: shutdown frame, write side
// closed, then escalation to SIGTERM and finally SIGKILL.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.shutdownRq.Store(true)

	if s.Alive() {
		_ = s.Send(ctx, &Command{Cmd: CmdShutdown})
		if uc, ok := s.conn.(*net.UnixConn); ok {
			_ = uc.CloseWrite()
		}

		select {
		case <-s.doneCh:
		case <-ctx.Done():
			s.killNow()
		case <-time.After(s.opts.ShutdownGrace):
			s.log.Warn("bridge ignored shutdown frame, sending SIGTERM")
			if pid := s.PID(); pid > 0 {
				_ = terminateProcessGroup(pid)
			}
			select {
			case <-s.doneCh:
			case <-time.After(2 * time.Second):
				s.log.Warn("bridge ignored SIGTERM, killing process group")
				s.killNow()
			}
		}
	}

	s.teardown()
	return nil
}

// Kill forcibly terminates the bridge process group. Used by eviction; the
// resulting SIGKILL death is never classified as an OOM.
func (s *Supervisor) Kill() {
	s.killedByUs.Store(true)
	s.killNow()
	s.teardown()
}

func (s *Supervisor) killNow() {
	pid := s.PID()
	if pid <= 0 {
		return
	}
	if err := killProcessGroup(pid); err != nil {
		// Fallback to killing just the process
		_ = s.cmd.Process.Kill()
	}
}

// abortStartup cleans up a child that never became ready.
func (s *Supervisor) abortStartup() {
	s.killedByUs.Store(true)
	s.killNow()
	select {
	case <-s.doneCh:
	case <-time.After(2 * time.Second):
	}
	s.teardown()
}

func (s *Supervisor) teardown() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	if s.conn != nil {
		_ = s.conn.Close()
	}
	_ = os.Remove(s.opts.SocketPath)
}

// readLoop decodes event frames and forwards them to the events channel.
func (s *Supervisor) readLoop(dec *Decoder) {
	defer s.wg.Done()
	defer close(s.events)

	for {
		ev, err := dec.DecodeEvent()
		if err != nil {
			s.handleStreamEnd(err)
			return
		}
		select {
		case s.events <- *ev:
		case <-s.stopCh:
			return
		}
	}
}

// handleStreamEnd classifies a lost connection. Shutdowns and kills we
// initiated are expected; anything else becomes a synthetic crash event
// delivered to the in-flight turn, if one is listening. An idle crash is
// discovered through Alive() on the sandbox's next use.
func (s *Supervisor) handleStreamEnd(readErr error) {
	// Wait for the reaper so classification sees the real exit status.
	select {
	case <-s.doneCh:
	case <-time.After(5 * time.Second):
	case <-s.stopCh:
		return
	}

	if s.killedByUs.Load() || s.shutdownRq.Load() {
		return
	}
	s.awaitStderrDrain(time.Second)

	code, oom := s.ExitState()
	s.log.Warn("bridge connection lost",
		zap.Error(readErr),
		zap.Int("exit_code", code),
		zap.Bool("oom", oom),
		zap.String("stderr", s.stderrTail()))

	crash := Event{Ev: EvCrash, Error: s.crashMessage(code), ExitCode: code, OOM: oom}
	select {
	case s.events <- crash:
	case <-s.stopCh:
	case <-time.After(time.Second):
	}
}

func (s *Supervisor) crashMessage(code int) string {
	msg := fmt.Sprintf("bridge process exited with code %d", code)
	if tail := s.stderrTail(); tail != "" {
		msg = msg + ": " + tail
	}
	return msg
}

// readStderr reads and buffers stderr from the bridge
func (s *Supervisor) readStderr(stderr io.Reader) {
	defer s.wg.Done()
	defer close(s.stderrDone)

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		s.log.Debug("bridge stderr", zap.String("line", line))
		s.appendStderr(line)
	}
}

// ansiEscapeRegex matches ANSI escape sequences
var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// stripANSI removes ANSI escape codes from a string
func stripANSI(s string) string {
	return ansiEscapeRegex.ReplaceAllString(s, "")
}

// appendStderr adds a line to the stderr ring buffer
func (s *Supervisor) appendStderr(line string) {
	s.stderrMu.Lock()
	defer s.stderrMu.Unlock()

	clean := stringutil.TruncateWithEllipsis(stripANSI(line), maxStderrLineLen)
	if len(s.stderrBuffer) >= stderrBufferSize {
		// Ring buffer: drop oldest line
		s.stderrBuffer = s.stderrBuffer[1:]
	}
	s.stderrBuffer = append(s.stderrBuffer, clean)
}

func (s *Supervisor) stderrTail() string {
	s.stderrMu.RLock()
	defer s.stderrMu.RUnlock()
	return strings.Join(s.stderrBuffer, "; ")
}

// ExitError returns the raw error from the process reaper, if any.
func (s *Supervisor) ExitError() error {
	if v := s.exitErr.Load(); v != nil {
		if w, ok := v.(errorWrapper); ok {
			return w.err
		}
	}
	return nil
}

// waitForExit reaps the process and records its exit classification.
func (s *Supervisor) waitForExit() {
	defer s.wg.Done()
	defer close(s.doneCh)

	err := s.cmd.Wait()
	if err == nil {
		s.exitCode.Store(0)
		s.log.Info("bridge process exited cleanly")
		return
	}

	s.exitErr.Store(errorWrapper{err: err})
	if exitErr, ok := err.(*exec.ExitError); ok {
		code, sigkilled := classifyExit(exitErr)
		s.exitCode.Store(int32(code))
		if !s.killedByUs.Load() && (sigkilled || code == oomExitCode) {
			s.oomKilled.Store(true)
		}
	}
	s.log.Warn("bridge process exited",
		zap.Error(err),
		zap.Int("exit_code", s.exitCodeNow()),
		zap.Bool("oom", s.oomKilled.Load()))
}
