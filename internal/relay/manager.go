// Package relay owns the single server-wide ffmpeg process that restreams a
// channel to HLS.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"hls-restreamer/internal/channel"
	"hls-restreamer/internal/platform/config"
	"hls-restreamer/internal/platform/logger"
	"hls-restreamer/internal/platform/metrics"
)

// ErrStart is returned when the relay process cannot be spawned.
var ErrStart = errors.New("relay start failed")

type process struct {
	cmd       *exec.Cmd
	channelID string
	done      chan struct{}
	err       error
	stdout    *logger.LineWriter
	stderr    *logger.LineWriter
}

// Manager owns the one relay slot. Starting a channel while another is
// running stops the old process first, so at most one process is alive.
// A process that exits on its own returns the slot to Idle; it is not
// restarted.
type Manager struct {
	cfg     config.Relay
	log     *slog.Logger
	metrics *metrics.Metrics
	command func(name string, args ...string) *exec.Cmd
	now     func() time.Time

	ops sync.Mutex // serializes Start and Stop

	mu    sync.Mutex
	state State
	proc  *process
}

// NewManager returns an idle manager. Metrics may be nil.
func NewManager(cfg config.Relay, log *slog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		cfg:     cfg,
		log:     log.With(slog.String("component", "relay")),
		metrics: m,
		command: exec.Command,
		now:     time.Now,
		state:   Idle{},
	}
}

// Start relays ch to HLS. The input is the channel's session URL when one has
// been resolved, otherwise its configured URL. Any running relay is stopped
// first.
func (m *Manager) Start(ctx context.Context, ch channel.Channel) error {
	m.ops.Lock()
	defer m.ops.Unlock()

	if err := m.stop(ctx); err != nil {
		return fmt.Errorf("stop previous relay: %w", err)
	}

	m.mu.Lock()
	idle, ok := m.state.(Idle)
	if !ok {
		state := m.state.Name()
		m.mu.Unlock()
		return fmt.Errorf("%w: relay is %s", ErrStart, state)
	}
	starting := idle.start(ch.ID)
	m.state = starting
	m.mu.Unlock()

	log := m.log.With(slog.String("channel_id", ch.ID))

	playlist := PlaylistPath(m.cfg.StorageRoot, ch.ID)
	if err := os.MkdirAll(filepath.Dir(playlist), 0o755); err != nil {
		m.setState(starting.fail())
		return fmt.Errorf("%w: create output dir: %v", ErrStart, err)
	}

	args := BuildArgs(m.cfg, ch.PlaybackURL(), ch.Headers, ch.ID, m.now())
	log.Info("starting relay",
		slog.Bool("force_transcode", m.cfg.ForceTranscode),
		slog.Bool("gpu", m.cfg.GPU),
		slog.String("playlist", playlist))
	log.Debug("relay args", slog.Any("args", args))

	cmd := m.command(m.cfg.Binary, args...)
	stdout := logger.NewLineWriter(log, slog.LevelDebug, "relay stdout")
	stderr := logger.NewLineWriter(log, slog.LevelDebug, "relay stderr")
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		m.setState(starting.fail())
		return fmt.Errorf("%w: %v", ErrStart, err)
	}

	p := &process{
		cmd:       cmd,
		channelID: ch.ID,
		done:      make(chan struct{}),
		stdout:    stdout,
		stderr:    stderr,
	}
	m.mu.Lock()
	m.state = starting.run(cmd.Process.Pid)
	m.proc = p
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RelayStarted()
	}
	log.Info("relay running", slog.Int("pid", cmd.Process.Pid))

	go m.wait(p)
	return nil
}

// Stop terminates the running relay and waits for it to exit. With no relay
// running it returns immediately. If the process ignores SIGTERM for longer
// than the configured kill timeout it is killed. Cancelling ctx abandons the
// wait; the process is still reaped in the background.
func (m *Manager) Stop(ctx context.Context) error {
	m.ops.Lock()
	defer m.ops.Unlock()
	return m.stop(ctx)
}

func (m *Manager) stop(ctx context.Context) error {
	m.mu.Lock()
	p := m.proc
	if p == nil {
		m.mu.Unlock()
		m.log.Debug("no relay running")
		return nil
	}
	if running, ok := m.state.(Running); ok {
		m.state = running.stop()
	}
	m.mu.Unlock()

	log := m.log.With(slog.String("channel_id", p.channelID), slog.Int("pid", p.cmd.Process.Pid))
	log.Info("terminating relay")
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Warn("terminate signal failed, killing", slog.String("error", err.Error()))
		_ = p.cmd.Process.Kill()
	}

	var kill <-chan time.Time
	if m.cfg.KillTimeout > 0 {
		t := time.NewTimer(m.cfg.KillTimeout)
		defer t.Stop()
		kill = t.C
	}
	for {
		select {
		case <-p.done:
			return nil
		case <-kill:
			log.Warn("relay ignored SIGTERM, killing", slog.Duration("after", m.cfg.KillTimeout))
			_ = p.cmd.Process.Kill()
			kill = nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Manager) wait(p *process) {
	err := p.cmd.Wait()
	p.stdout.Close()
	p.stderr.Close()

	reason := metrics.ExitStopped
	m.mu.Lock()
	if m.proc == p {
		switch s := m.state.(type) {
		case Running:
			m.state = s.exit()
			reason = metrics.ExitUnexpected
		case Stopping:
			m.state = s.exit()
		}
		m.proc = nil
	}
	p.err = err
	close(p.done)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RelayExited(reason)
	}
	attrs := []any{
		slog.String("channel_id", p.channelID),
		slog.Int("exit_code", p.cmd.ProcessState.ExitCode()),
		slog.String("reason", reason),
	}
	if reason == metrics.ExitUnexpected {
		m.log.Warn("relay exited unexpectedly", attrs...)
	} else {
		m.log.Info("relay terminated", attrs...)
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsRunning reports whether a relay process is running.
func (m *Manager) IsRunning() bool {
	_, ok := m.State().(Running)
	return ok
}

// ChannelID returns the channel the relay slot is serving, or "" when idle.
func (m *Manager) ChannelID() string {
	switch s := m.State().(type) {
	case Starting:
		return s.ChannelID
	case Running:
		return s.ChannelID
	case Stopping:
		return s.ChannelID
	}
	return ""
}

// Status describes the relay slot for clients.
type Status struct {
	State     string        `json:"state"`
	ChannelID string        `json:"channelId,omitempty"`
	PID       int           `json:"pid,omitempty"`
	Playlist  *PlaylistInfo `json:"playlist,omitempty"`
}

// Status reports the current state and, while running, what the output
// playlist currently holds.
func (m *Manager) Status() Status {
	st := Status{State: "idle"}
	switch s := m.State().(type) {
	case Starting:
		st = Status{State: s.Name(), ChannelID: s.ChannelID}
	case Running:
		st = Status{State: s.Name(), ChannelID: s.ChannelID, PID: s.PID}
		if info, err := Probe(m.cfg.StorageRoot, s.ChannelID); err == nil {
			st.Playlist = &info
		}
	case Stopping:
		st = Status{State: s.Name(), ChannelID: s.ChannelID, PID: s.PID}
	}
	return st
}
