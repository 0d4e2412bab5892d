// ABOUTME: Supervises the external messaging daemon or binds to one already running
// ABOUTME: Spawns signal-cli on a free local port and health-probes it until ready

package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/2389/coven-signal/internal/rpc"
)

const (
	DefaultBinary         = "signal-cli"
	DefaultHost           = "127.0.0.1"
	DefaultStartupTimeout = 30 * time.Second
	DefaultProbeInterval  = 500 * time.Millisecond
	DefaultShutdownGrace  = 5 * time.Second
	probeCallTimeout      = 2 * time.Second
)

// ErrDaemonUnavailable means no daemon can be reached: none is configured,
// auto-start is off, or a spawned daemon never became healthy.
var ErrDaemonUnavailable = errors.New("messaging daemon unavailable")

// Config controls how the daemon is located or started.
type Config struct {
	// URL of an externally managed daemon. When set nothing is spawned.
	URL string

	Binary    string
	AutoStart bool
	ConfigDir string
	Account   string
	Host      string
	// Port to bind; 0 picks a free one.
	Port int

	StartupTimeout time.Duration
	ProbeInterval  time.Duration
	ShutdownGrace  time.Duration
}

func (c *Config) applyDefaults() {
	if c.Binary == "" {
		c.Binary = DefaultBinary
	}
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
}

// Prober checks whether the daemon at baseURL answers.
type Prober func(ctx context.Context, baseURL string) error

// VersionProber calls the daemon's version method.
func VersionProber(ctx context.Context, baseURL string) error {
	_, err := rpc.NewClient(baseURL).Version(ctx)
	return err
}

// Handle is one spawned daemon process.
type Handle struct {
	BaseURL string
	cmd     *exec.Cmd
	done    chan struct{}
	exitErr error
}

// Exited is closed when the process terminates.
func (h *Handle) Exited() <-chan struct{} {
	return h.done
}

// Err returns the exit error once Exited is closed.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.exitErr
	default:
		return nil
	}
}

// Pid of the spawned process.
func (h *Handle) Pid() int {
	if h.cmd == nil || h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// Supervisor owns at most one running daemon.
type Supervisor struct {
	cfg    Config
	probe  Prober
	logger *slog.Logger

	startMu sync.Mutex // serializes EnsureReady
	mu      sync.Mutex
	current *Handle
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithProber replaces the health probe.
func WithProber(p Prober) Option {
	return func(s *Supervisor) { s.probe = p }
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = logger }
}

// NewSupervisor creates a supervisor. Nothing is started until EnsureReady.
func NewSupervisor(cfg Config, opts ...Option) *Supervisor {
	cfg.applyDefaults()
	s := &Supervisor{
		cfg:    cfg,
		probe:  VersionProber,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "daemon")
	return s
}

// External reports whether the daemon is managed outside this process.
func (s *Supervisor) External() bool {
	return s.cfg.URL != ""
}

// EnsureReady returns the base URL of a healthy daemon, starting one if needed.
func (s *Supervisor) EnsureReady(ctx context.Context) (string, error) {
	if s.External() {
		return s.cfg.URL, nil
	}
	if !s.cfg.AutoStart {
		return "", fmt.Errorf("%w: no daemon url configured and auto-start disabled", ErrDaemonUnavailable)
	}

	s.startMu.Lock()
	defer s.startMu.Unlock()

	if h := s.handle(); h != nil {
		return h.BaseURL, nil
	}

	h, err := s.Start()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDaemonUnavailable, err)
	}
	if err := s.waitHealthy(ctx, h); err != nil {
		s.Stop(h)
		return "", fmt.Errorf("%w: %w", ErrDaemonUnavailable, err)
	}

	s.mu.Lock()
	s.current = h
	s.mu.Unlock()

	s.logger.Info("daemon ready", "url", h.BaseURL, "pid", h.Pid())
	return h.BaseURL, nil
}

// Start spawns the daemon process without waiting for it to become healthy.
func (s *Supervisor) Start() (*Handle, error) {
	port := s.cfg.Port
	if port == 0 {
		var err error
		if port, err = freePort(s.cfg.Host); err != nil {
			return nil, fmt.Errorf("choosing port: %w", err)
		}
	}
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(port))

	// #nosec G204 -- binary and arguments come from configuration
	cmd := exec.Command(s.cfg.Binary, s.args(addr)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", s.cfg.Binary, err)
	}

	h := &Handle{
		BaseURL: "http://" + addr,
		cmd:     cmd,
		done:    make(chan struct{}),
	}
	s.logger.Info("daemon started", "binary", s.cfg.Binary, "addr", addr, "pid", h.Pid())

	var output sync.WaitGroup
	output.Add(2)
	go s.drain(&output, stdout, slog.LevelDebug)
	go s.drain(&output, stderr, slog.LevelWarn)
	go s.wait(h, &output)

	return h, nil
}

// Healthy probes h once.
func (s *Supervisor) Healthy(ctx context.Context, h *Handle) bool {
	select {
	case <-h.done:
		return false
	default:
	}
	ctx, cancel := context.WithTimeout(ctx, probeCallTimeout)
	defer cancel()
	return s.probe(ctx, h.BaseURL) == nil
}

func (s *Supervisor) waitHealthy(ctx context.Context, h *Handle) error {
	deadline := time.NewTimer(s.cfg.StartupTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		if s.Healthy(ctx, h) {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.done:
			return fmt.Errorf("daemon exited during startup: %v", h.exitErr)
		case <-deadline.C:
			return fmt.Errorf("daemon not healthy within %v", s.cfg.StartupTimeout)
		case <-ticker.C:
		}
	}
}

// Stop terminates h, giving it the shutdown grace period before killing it.
// A process that still does not exit is abandoned.
func (s *Supervisor) Stop(h *Handle) {
	if h == nil || h.cmd == nil || h.cmd.Process == nil {
		return
	}
	select {
	case <-h.done:
		return
	default:
	}

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		s.logger.Debug("signal daemon", "error", err)
	}
	select {
	case <-h.done:
		return
	case <-time.After(s.cfg.ShutdownGrace):
	}

	s.logger.Warn("daemon ignored SIGTERM, killing", "pid", h.Pid())
	_ = h.cmd.Process.Kill()
	select {
	case <-h.done:
	case <-time.After(s.cfg.ShutdownGrace):
		s.logger.Error("abandoning daemon process", "pid", h.Pid())
	}
}

// Shutdown stops the supervised daemon, if any. External daemons are left alone.
func (s *Supervisor) Shutdown() {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	s.Stop(s.handle())
}

// Running reports whether a spawned daemon is alive. External daemons are
// assumed running.
func (s *Supervisor) Running() bool {
	return s.External() || s.handle() != nil
}

// Exited returns a channel closed when the current daemon exits. It is nil
// when nothing is supervised, so receiving from it blocks.
func (s *Supervisor) Exited() <-chan struct{} {
	if h := s.handle(); h != nil {
		return h.done
	}
	return nil
}

func (s *Supervisor) handle() *Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Supervisor) wait(h *Handle, output *sync.WaitGroup) {
	output.Wait()
	h.exitErr = h.cmd.Wait()

	s.mu.Lock()
	if s.current == h {
		s.current = nil
	}
	s.mu.Unlock()
	close(h.done)

	if h.exitErr != nil {
		s.logger.Warn("daemon exited", "pid", h.Pid(), "error", h.exitErr)
	} else {
		s.logger.Info("daemon exited", "pid", h.Pid())
	}
}

func (s *Supervisor) drain(wg *sync.WaitGroup, r io.Reader, level slog.Level) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		s.logger.Log(context.Background(), level, "daemon output", "line", scanner.Text())
	}
}

func (s *Supervisor) args(addr string) []string {
	args := make([]string, 0, 7)
	if s.cfg.ConfigDir != "" {
		args = append(args, "--config", s.cfg.ConfigDir)
	}
	if s.cfg.Account != "" {
		args = append(args, "-a", s.cfg.Account)
	}
	return append(args, "daemon", "--http", addr)
}

func freePort(host string) (int, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
