// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package process owns the stdio MCP server subprocess: it launches the
// command, serialises framed writes to its stdin and continuously decodes its
// stdout, handing every message to a Sink.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-core-stack/mcp-stdio-bridge/pkg/config"
	"github.com/go-core-stack/mcp-stdio-bridge/pkg/frame"
)

const (
	defaultRetryDelay = 100 * time.Millisecond
	defaultMaxRetries = 50
	previewLength     = 100
	// pipeDrainDelay bounds how long Wait lingers on output pipes held open by
	// descendants after the subprocess itself has exited.
	pipeDrainDelay = 2 * time.Second
)

var (
	// ErrNotRunning is returned by Write when no subprocess is attached.
	ErrNotRunning = errors.New("process not running")
	// ErrAlreadyStarted is returned by Start on a supervisor that was started before.
	ErrAlreadyStarted = errors.New("process already started")
)

// LaunchError reports a subprocess that could not be started.
type LaunchError struct {
	Command string // Command is the executable that failed to launch.
	Err     error  // Err retains the exec failure.
}

// Error implements the error interface for LaunchError.
func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Command, e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As checks.
func (e *LaunchError) Unwrap() error {
	return e.Err
}

// Sink receives every message decoded from the subprocess output.
type Sink interface {
	Broadcast(msg frame.Message)
}

// Supervisor bridges a subprocess' pipes to the rest of the bridge.
type Supervisor struct {
	sink         Sink
	logger       zerolog.Logger
	stderr       io.Writer
	retryDelay   time.Duration
	maxRetries   int
	maxFrameSize int

	// mu guards the lifecycle fields below.
	mu      sync.Mutex
	started bool
	running bool
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	cancel  context.CancelFunc
	done    chan struct{}

	// writeMu keeps header and body of concurrent writes contiguous.
	writeMu sync.Mutex
}

// Option customises a Supervisor.
type Option func(*Supervisor)

// WithLogger overrides the component logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// WithStderr redirects the subprocess error stream, os.Stderr by default.
func WithStderr(w io.Writer) Option {
	return func(s *Supervisor) {
		s.stderr = w
	}
}

// WithReadRetry configures the pause between retries after a read error and
// the number of consecutive failures tolerated before the read loop gives up.
func WithReadRetry(delay time.Duration, maxRetries int) Option {
	return func(s *Supervisor) {
		if delay > 0 {
			s.retryDelay = delay
		}
		if maxRetries > 0 {
			s.maxRetries = maxRetries
		}
	}
}

// WithMaxFrameSize bounds the body length accepted from the subprocess.
func WithMaxFrameSize(n int) Option {
	return func(s *Supervisor) {
		s.maxFrameSize = n
	}
}

// New constructs a Supervisor delivering decoded output to sink.
func New(sink Sink, opts ...Option) *Supervisor {
	s := &Supervisor{
		sink:       sink,
		logger:     log.With().Str("component", "process").Logger(),
		stderr:     os.Stderr,
		retryDelay: defaultRetryDelay,
		maxRetries: defaultMaxRetries,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the server's command with the host environment overlaid by
// server.Env and begins reading its output. A supervisor can be started once.
func (s *Supervisor) Start(ctx context.Context, server config.Server) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	//nolint:gosec // G204: the command comes from the operator's server configuration
	cmd := exec.Command(server.Command, server.Args...)
	cmd.Env = mergeEnv(os.Environ(), server.Env)
	cmd.Stderr = s.stderr
	cmd.WaitDelay = pipeDrainDelay
	// A group of its own lets Stop reach every descendant of wrapper commands.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &LaunchError{Command: server.Command, Err: fmt.Errorf("stdin pipe: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &LaunchError{Command: server.Command, Err: fmt.Errorf("stdout pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		return &LaunchError{Command: server.Command, Err: err}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.started = true
	s.running = true
	s.cmd = cmd
	s.stdin = stdin
	s.stdout = stdout
	s.cancel = cancel
	s.logger = s.logger.With().Str("server", server.Name).Int("pid", cmd.Process.Pid).Logger()

	s.logger.Info().
		Str("command", server.Command).
		Strs("args", server.Args).
		Msg("process started")

	go s.readLoop(loopCtx, stdout)

	return nil
}

// Write frames msg and writes it to the subprocess input in a single call.
func (s *Supervisor) Write(msg frame.Message) error {
	data, err := frame.Encode(msg)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	running, stdin := s.running, s.stdin
	s.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	if _, err := stdin.Write(data); err != nil {
		if errors.Is(err, os.ErrClosed) || errors.Is(err, syscall.EPIPE) {
			return fmt.Errorf("%w: %v", ErrNotRunning, err)
		}
		return fmt.Errorf("write to process: %w", err)
	}

	s.logger.Debug().Str("payload", frame.Preview(msg, previewLength)).Msg("->")
	return nil
}

// Running reports whether a subprocess is attached and accepting writes.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Done is closed once the read loop has ended and the subprocess was reaped.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Stop asks the subprocess group to terminate and waits for the read loop until
// ctx expires. The group is then killed and the output pipe closed so the read
// loop ends even while a descendant still holds the pipe. Termination errors
// are ignored.
func (s *Supervisor) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.running = false
	cmd, stdin, stdout, cancel := s.cmd, s.stdin, s.stdout, s.cancel
	s.mu.Unlock()

	if err := signalGroup(cmd.Process, syscall.SIGTERM); err != nil {
		s.logger.Debug().Err(err).Msg("terminate signal failed")
	}
	_ = stdin.Close()
	cancel()

	select {
	case <-s.done:
	case <-ctx.Done():
		s.logger.Warn().Msg("process did not exit in time; killing")
		if err := signalGroup(cmd.Process, syscall.SIGKILL); err != nil {
			s.logger.Debug().Err(err).Msg("kill signal failed")
		}
		_ = stdout.Close()
		<-s.done
	}
}

// signalGroup delivers sig to the process group led by p, falling back to p
// alone when the group cannot be signalled.
func signalGroup(p *os.Process, sig syscall.Signal) error {
	err := syscall.Kill(-p.Pid, sig)
	if err == nil {
		return nil
	}
	if err := p.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (s *Supervisor) readLoop(ctx context.Context, stdout io.Reader) {
	defer s.reap()
	s.pump(ctx, stdout)
}

// pump decodes stdout into the sink until the stream ends, ctx is cancelled or
// too many consecutive read errors occur. Undecodable frames are skipped.
func (s *Supervisor) pump(ctx context.Context, stdout io.Reader) {
	var opts []frame.DecoderOption
	if s.maxFrameSize > 0 {
		opts = append(opts, frame.WithMaxFrameSize(s.maxFrameSize))
	}
	dec := frame.NewDecoder(stdout, opts...)

	failures := 0
	for {
		if ctx.Err() != nil {
			return
		}

		msg, err := dec.Decode()
		if err == nil {
			failures = 0
			s.logger.Debug().Str("payload", frame.Preview(msg, previewLength)).Msg("<-")
			s.sink.Broadcast(msg)
			continue
		}

		var decErr *frame.DecodeError
		switch {
		case isEndOfStream(err):
			s.logger.Debug().Err(err).Msg("process output closed")
			return
		case errors.As(err, &decErr):
			s.logger.Warn().Err(err).Msg("skipping undecodable frame")
			continue
		}

		failures++
		if failures > s.maxRetries {
			s.logger.Error().Err(err).Int("failures", failures).Msg("giving up on process output")
			return
		}
		s.logger.Error().Err(err).Int("failures", failures).Msg("error in read loop")

		select {
		case <-ctx.Done():
			return
		case <-time.After(s.retryDelay):
		}
	}
}

// reap waits for the subprocess once its output is finished and marks the
// supervisor as no longer running.
func (s *Supervisor) reap() {
	s.mu.Lock()
	s.running = false
	cmd := s.cmd
	s.mu.Unlock()

	// Unblock any writer stuck on a full pipe before waiting.
	_ = s.stdin.Close()

	err := cmd.Wait()
	event := s.logger.Info()
	if err != nil {
		event = s.logger.Warn().Err(err)
	}
	if cmd.ProcessState != nil {
		event = event.Int("exit_code", cmd.ProcessState.ExitCode())
	}
	event.Msg("process exited")

	close(s.done)
}

func isEndOfStream(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, os.ErrClosed) ||
		errors.Is(err, fs.ErrClosed)
}

// mergeEnv overlays overrides on base. Later entries win when exec
// de-duplicates the environment, so overrides are appended in a stable order.
func mergeEnv(base []string, overrides map[string]string) []string {
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(base)+len(keys))
	env = append(env, base...)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}
