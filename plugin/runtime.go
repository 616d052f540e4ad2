// Package plugin runs a project system inside a plugin process. The Runtime speaks the
// envelope protocol with the host over the process's standard input and output, builds
// the project system when the host initializes it, and answers the host's information
// requests.
package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/MegaGrindStone/go-projsys"
	"github.com/panjf2000/ants/v2"
)

// ProjectSystem is the plugin's model of the workspace.
type ProjectSystem interface {
	// Run discovers and tracks projects until ctx is done.
	Run(ctx context.Context) error
	// Information returns the project system's information model for a host request.
	Information(ctx context.Context, request json.RawMessage) (any, error)
}

// Environment is what a project system is built with.
type Environment struct {
	Root      string
	Settings  json.RawMessage
	Workspace projsys.Workspace
	Emitter   projsys.Emitter
	Logger    *slog.Logger
}

// Factory builds the project system once the host sent the workspace root.
type Factory func(env Environment) (ProjectSystem, error)

// Runtime hosts one project system in the plugin process.
type Runtime struct {
	factory Factory
	logger  *slog.Logger

	hostPID       int
	watchInterval time.Duration
	callTimeout   time.Duration
	poolSize      int

	lock        sync.Mutex
	initialized bool
	system      ProjectSystem
	ready       chan struct{}
}

// Option configures a Runtime.
type Option func(*Runtime)

var (
	defaultWatchInterval = time.Second
	defaultCallTimeout   = 5 * time.Second
	defaultPoolSize      = 16

	// ErrAlreadyInitialized is returned for a second initialize envelope.
	ErrAlreadyInitialized = errors.New("project system already initialized")
)

// NewRuntime creates a Runtime building its project system with factory.
func NewRuntime(factory Factory, options ...Option) *Runtime {
	r := &Runtime{
		factory:       factory,
		logger:        slog.Default(),
		watchInterval: defaultWatchInterval,
		callTimeout:   defaultCallTimeout,
		poolSize:      defaultPoolSize,
		ready:         make(chan struct{}),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// WithLogger sets the logger of the Runtime and of the project system it builds.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runtime) {
		r.logger = logger
	}
}

// WithHostPID makes Run end with ErrHostExited once the host process is gone. The
// host is polled every interval.
func WithHostPID(pid int, interval time.Duration) Option {
	return func(r *Runtime) {
		r.hostPID = pid
		if interval > 0 {
			r.watchInterval = interval
		}
	}
}

// WithCallTimeout sets the timeout of value-returning workspace calls.
func WithCallTimeout(timeout time.Duration) Option {
	return func(r *Runtime) {
		r.callTimeout = timeout
	}
}

// WithPoolSize bounds the goroutines running offloaded work.
func WithPoolSize(size int) Option {
	return func(r *Runtime) {
		r.poolSize = size
	}
}

// Run serves the host on in and out until in is exhausted, ctx is done, or the host
// exits. Work that would block the listener, building and running the project system
// and answering information requests, runs on a goroutine pool.
func (r *Runtime) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	pool, err := ants.NewPool(r.poolSize, ants.WithPanicHandler(func(p any) {
		r.logger.Error("plugin task panicked", slog.Any("panic", p))
	}))
	if err != nil {
		return fmt.Errorf("failed to create plugin pool: %w", err)
	}
	defer pool.Release()

	stdio := projsys.NewStdIO(out, projsys.WithStdIOLogger(r.logger))
	remote := projsys.NewRemoteWorkspace(stdio,
		projsys.WithRemoteCallTimeout(r.callTimeout),
		projsys.WithRemoteWorkspaceLogger(r.logger))

	listener := projsys.NewListener(in, stdio, projsys.WithListenerLogger(r.logger))
	listener.Handle(projsys.KindInitialize, func(_ context.Context, env projsys.Envelope, emitter projsys.Emitter) error {
		return r.initialize(ctx, pool, env, remote, emitter)
	})
	listener.Handle(projsys.KindWorkspaceCall, remote.HandleReply)
	listener.Handle(projsys.KindWorkspaceInformation, func(_ context.Context, env projsys.Envelope, emitter projsys.Emitter) error {
		return pool.Submit(func() {
			r.information(ctx, env, emitter)
		})
	})

	if r.hostPID > 0 {
		go func() {
			if err := WatchHost(ctx, r.hostPID, r.watchInterval); errors.Is(err, ErrHostExited) {
				r.logger.Warn("host process exited", slog.Int("pid", r.hostPID))
				cancel(err)
			}
		}()
	}

	err = listener.Run(ctx)
	if cause := context.Cause(ctx); errors.Is(cause, ErrHostExited) {
		return cause
	}
	return err
}

func (r *Runtime) initialize(
	ctx context.Context,
	pool *ants.Pool,
	env projsys.Envelope,
	workspace projsys.Workspace,
	emitter projsys.Emitter,
) error {
	var params projsys.InitializeParams
	if err := json.Unmarshal(env.Payload, &params); err != nil {
		return fmt.Errorf("failed to unmarshal initialize params: %w", err)
	}

	r.lock.Lock()
	if r.initialized {
		r.lock.Unlock()
		return ErrAlreadyInitialized
	}
	r.initialized = true
	r.lock.Unlock()

	if _, err := emitter.Emit(projsys.KindTrace, projsys.TraceParams{Message: "initialize at " + params.Root}); err != nil {
		r.logger.Error("failed to emit trace", "err", err)
	}

	return pool.Submit(func() {
		system, err := r.factory(Environment{
			Root:      params.Root,
			Settings:  params.Settings,
			Workspace: workspace,
			Emitter:   emitter,
			Logger:    r.logger,
		})
		if err != nil {
			system = nil
		}

		r.lock.Lock()
		r.system = system
		close(r.ready)
		r.lock.Unlock()

		if err != nil {
			r.reportError(emitter, fmt.Errorf("failed to create project system: %w", err))
			return
		}

		if err := system.Run(ctx); err != nil && ctx.Err() == nil {
			r.reportError(emitter, fmt.Errorf("project system stopped: %w", err))
		}
	})
}

// information replies on the request's session. Failures are reported as an empty
// reply so the host does not wait for its timeout.
func (r *Runtime) information(ctx context.Context, env projsys.Envelope, emitter projsys.Emitter) {
	var model any

	select {
	case <-ctx.Done():
		return
	case <-r.ready:
		r.lock.Lock()
		system := r.system
		r.lock.Unlock()

		if system == nil {
			break
		}
		m, err := system.Information(ctx, env.Payload)
		if err != nil {
			r.reportError(emitter, fmt.Errorf("failed to build information model: %w", err))
		} else {
			model = m
		}
	}

	if err := emitter.EmitSession(env.Session, projsys.KindWorkspaceInformation, model); err != nil {
		r.logger.Error("failed to reply to information request", "err", err)
	}
}

func (r *Runtime) reportError(emitter projsys.Emitter, err error) {
	r.logger.Error("project system failure", "err", err)
	if _, eErr := emitter.Emit(projsys.KindTrace, projsys.TraceParams{Message: err.Error()}); eErr != nil {
		r.logger.Error("failed to emit trace", "err", eErr)
	}
}
