package projsys

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/go-projsys/internal/procgroup"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
)

// PluginConfig identifies one plugin executable and the settings it is initialized
// with.
type PluginConfig struct {
	Name        string
	Description string
	Executable  string
	Args        []string
	// Env holds extra KEY=VALUE entries appended to the host environment.
	Env      []string
	Settings json.RawMessage
}

// EnvelopeSubscriber receives every envelope a Container's plugin prints.
type EnvelopeSubscriber func(ctx context.Context, env Envelope, source *Container)

// Container owns one plugin process. It spawns the process with the host's process
// id, speaks the envelope protocol over the process's standard input and output, and
// republishes everything the plugin prints to its subscribers. A Container is itself
// an Emitter writing to the plugin's standard input.
//
// Close terminates the process if it is still running; there is no shutdown
// handshake.
type Container struct {
	config    PluginConfig
	hostPID   int
	logger    *slog.Logger
	metrics   *Metrics
	waitDelay time.Duration

	waiters cmap.ConcurrentMap[uuid.UUID, chan Envelope]

	subsLock    sync.RWMutex
	subscribers []EnvelopeSubscriber

	lock  sync.Mutex
	cmd   *exec.Cmd
	stdin io.WriteCloser
	stdio *StdIO
	done  chan struct{}
}

// ContainerOption configures a Container.
type ContainerOption func(*Container)

var (
	// ErrPluginNotRunning is returned when talking to a plugin whose process is not
	// running.
	ErrPluginNotRunning = errors.New("plugin is not running")

	defaultWaitDelay = 5 * time.Second
)

// HostPIDFlag is the flag a plugin receives with the host's process id.
const HostPIDFlag = "--host-pid"

// NewContainer creates a Container for the plugin. The process is not started until
// Start is called.
func NewContainer(config PluginConfig, options ...ContainerOption) *Container {
	c := &Container{
		config:    config,
		hostPID:   os.Getpid(),
		logger:    slog.Default(),
		waitDelay: defaultWaitDelay,
		waiters:   cmap.NewStringer[uuid.UUID, chan Envelope](),
	}
	for _, opt := range options {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("plugin", config.Name))
	return c
}

// WithContainerLogger sets the logger of the Container.
func WithContainerLogger(logger *slog.Logger) ContainerOption {
	return func(c *Container) {
		c.logger = logger
	}
}

// WithContainerMetrics records plugin liveness and envelopes in the metrics.
func WithContainerMetrics(metrics *Metrics) ContainerOption {
	return func(c *Container) {
		c.metrics = metrics
	}
}

// WithContainerHostPID overrides the process id passed to the plugin.
func WithContainerHostPID(pid int) ContainerOption {
	return func(c *Container) {
		c.hostPID = pid
	}
}

// WithContainerWaitDelay bounds how long the plugin's output is drained after the
// process exited. Output still held open by processes the plugin left behind is then
// closed and those processes are killed.
func WithContainerWaitDelay(delay time.Duration) ContainerOption {
	return func(c *Container) {
		c.waitDelay = delay
	}
}

// Name returns the configured plugin name.
func (c *Container) Name() string {
	return c.config.Name
}

// Config returns the plugin configuration.
func (c *Container) Config() PluginConfig {
	return c.config
}

// OnEnvelope adds a subscriber. Subscribers must be added before Start.
func (c *Container) OnEnvelope(subscriber EnvelopeSubscriber) {
	c.subsLock.Lock()
	defer c.subsLock.Unlock()

	c.subscribers = append(c.subscribers, subscriber)
}

// Start launches the plugin process and sends it the initialize envelope carrying root
// and the configured settings.
func (c *Container) Start(ctx context.Context, root string) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.cmd != nil {
		return fmt.Errorf("plugin %s already started", c.config.Name)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	args := append([]string{}, c.config.Args...)
	args = append(args, HostPIDFlag, strconv.Itoa(c.hostPID))

	// The process outlives ctx; it is bound to the Container and ended by Close. It
	// leads its own process group so that Close also ends whatever it started.
	cmd := exec.Command(c.config.Executable, args...)
	cmd.Env = append(os.Environ(), c.config.Env...)
	procgroup.Set(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	// Output pipes are owned here rather than by exec, so that reaping the process
	// never waits for readers.
	stdout, stdoutW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdout, stdoutW)
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}
	cmd.Stdout, cmd.Stderr = stdoutW, stderrW

	if err := cmd.Start(); err != nil {
		closeAll(stdout, stdoutW, stderr, stderrW)
		return fmt.Errorf("failed to start plugin %s: %w", c.config.Name, err)
	}
	closeAll(stdoutW, stderrW)
	c.metrics.pluginStarted()
	c.logger.Info("plugin started", slog.Int("pid", cmd.Process.Pid))

	c.cmd = cmd
	c.stdin = stdin
	c.stdio = NewStdIO(stdin, WithStdIOLogger(c.logger))
	c.done = make(chan struct{})

	listener := NewListener(stdout, c,
		WithListenerLogger(c.logger),
		WithListenerMetrics(c.metrics),
		WithUndecodedHandler(func(line string) {
			c.logger.Info("plugin output", slog.String("line", line))
		}),
		WithErrorHandler(func(env Envelope, err error) {
			c.logger.Error("failed to process plugin envelope", slog.String("kind", env.Kind), "err", err)
		}),
	)
	listener.HandleDefault(c.deliver)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		if err := listener.Run(context.Background()); err != nil && !errors.Is(err, os.ErrClosed) {
			c.logger.Error("plugin listener stopped", "err", err)
		}
	}()
	go func() {
		defer readers.Done()
		c.logStderr(stderr)
	}()
	go c.wait(cmd, &readers, c.done, stdout, stderr)

	params := InitializeParams{
		Root:     root,
		Settings: c.config.Settings,
	}
	if _, err := c.stdio.Emit(KindInitialize, params); err != nil {
		return fmt.Errorf("failed to initialize plugin %s: %w", c.config.Name, err)
	}

	return nil
}

// Emit implements Emitter by writing to the plugin's standard input.
func (c *Container) Emit(kind string, payload any) (uuid.UUID, error) {
	session := uuid.New()
	return session, c.EmitSession(session, kind, payload)
}

// EmitSession implements Emitter by writing to the plugin's standard input.
func (c *Container) EmitSession(session uuid.UUID, kind string, payload any) error {
	c.lock.Lock()
	stdio, done := c.stdio, c.done
	c.lock.Unlock()

	if stdio == nil || isClosed(done) {
		return fmt.Errorf("%w: %s", ErrPluginNotRunning, c.config.Name)
	}
	return stdio.EmitSession(session, kind, payload)
}

// WorkspaceInformation asks the plugin for its workspace information model and waits
// for the reply carrying the same session.
func (c *Container) WorkspaceInformation(ctx context.Context, request any) (json.RawMessage, error) {
	c.lock.Lock()
	done := c.done
	c.lock.Unlock()

	if done == nil {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotRunning, c.config.Name)
	}

	session := uuid.New()
	replies := make(chan Envelope, 1)
	c.waiters.Set(session, replies)
	defer c.waiters.Remove(session)

	if err := c.EmitSession(session, KindWorkspaceInformation, request); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to wait for information from %s: %w", c.config.Name, ctx.Err())
	case <-done:
		return nil, fmt.Errorf("%w: %s exited", ErrPluginNotRunning, c.config.Name)
	case env := <-replies:
		return env.Payload, nil
	}
}

// Alive reports whether the plugin process is running.
func (c *Container) Alive() bool {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.done != nil && !isClosed(c.done)
}

// Check returns an error when the plugin process is not running.
func (c *Container) Check() error {
	if !c.Alive() {
		return fmt.Errorf("%w: %s", ErrPluginNotRunning, c.config.Name)
	}
	return nil
}

// Done returns a channel closed when the plugin process has exited, or nil before
// Start.
func (c *Container) Done() <-chan struct{} {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.done
}

// Close kills the plugin process if it is still running and waits for it to exit.
func (c *Container) Close() error {
	c.lock.Lock()
	cmd, done, stdin := c.cmd, c.done, c.stdin
	c.lock.Unlock()

	if cmd == nil {
		return nil
	}

	var err error
	if !isClosed(done) {
		if kErr := procgroup.Kill(cmd); kErr != nil && !errors.Is(kErr, os.ErrProcessDone) {
			err = fmt.Errorf("failed to kill plugin %s: %w", c.config.Name, kErr)
		}
	}
	_ = stdin.Close()
	<-done

	return err
}

func (c *Container) deliver(ctx context.Context, env Envelope, _ Emitter) error {
	if env.Kind == KindWorkspaceInformation {
		if replies, ok := c.waiters.Pop(env.Session); ok {
			replies <- env
		}
	}

	c.subsLock.RLock()
	subscribers := c.subscribers
	c.subsLock.RUnlock()

	for _, sub := range subscribers {
		sub(ctx, env, c)
	}
	return nil
}

func (c *Container) logStderr(stderr io.Reader) {
	reader := bufio.NewReader(stderr)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			c.logger.Warn("plugin stderr", slog.String("line", strings.TrimRight(line, "\r\n")))
		}
		if err != nil {
			return
		}
	}
}

// wait reaps the process, then gives the readers waitDelay to drain the pipes. Pipes
// still open after that are held by processes the plugin left behind; those are
// killed and the pipes closed.
func (c *Container) wait(cmd *exec.Cmd, readers *sync.WaitGroup, done chan struct{}, pipes ...*os.File) {
	err := cmd.Wait()

	drained := make(chan struct{})
	go func() {
		readers.Wait()
		close(drained)
	}()

	timer := time.NewTimer(c.waitDelay)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		c.logger.Warn("plugin output left open after exit", slog.Duration("waitDelay", c.waitDelay))
		_ = procgroup.Kill(cmd)
		closeAll(pipes...)
		<-drained
	}
	closeAll(pipes...)

	c.metrics.pluginExited()
	c.logger.Info("plugin exited", slog.Int("exitCode", cmd.ProcessState.ExitCode()), "err", err)
	close(done)
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
