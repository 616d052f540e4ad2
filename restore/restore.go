// Package restore runs dependency restores for project directories. Restores of one
// path never overlap, the number of concurrently running restore processes is
// bounded, and a restore process that stays silent for too long is killed.
package restore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MegaGrindStone/go-projsys"
	"github.com/MegaGrindStone/go-projsys/internal/procgroup"
	"github.com/panjf2000/ants/v2"
	"golang.org/x/sync/semaphore"
)

// Runner runs one restore in dir. It calls activity whenever the restore shows signs of
// life, and must stop when ctx is canceled. The exit code decides success; err reports
// failures to launch.
type Runner interface {
	Run(ctx context.Context, dir string, activity func()) (exitCode int, err error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, dir string, activity func()) (int, error)

// CommandRunner runs an external command in the project directory. Everything the
// command prints counts as activity.
type CommandRunner struct {
	Name   string
	Args   []string
	Logger *slog.Logger
	// WaitDelay bounds how long output is drained after the command exits or is
	// killed. Zero means five seconds.
	WaitDelay time.Duration
}

// Result is the outcome of one restore.
type Result struct {
	Path      string
	Succeeded bool
	ExitCode  int
	Err       error
	Duration  time.Duration

	// onFailure is the callback of the original request, carried over to retries.
	onFailure func()
}

// Tool schedules restores. Restore returns immediately; the work runs on a goroutine
// pool and every outcome is reported as package-restore-* events, through the failure
// callback, and on Results.
type Tool struct {
	emitter projsys.Emitter
	runner  Runner
	logger  *slog.Logger
	metrics *projsys.Metrics

	concurrency   int64
	idleTimeout   time.Duration
	watchInterval time.Duration
	poolSize      int
	resultBuffer  int

	locks   *pathLocks
	sem     *semaphore.Weighted
	pool    *ants.Pool
	results chan Result

	lock   sync.Mutex
	closed bool
	jobs   sync.WaitGroup
}

// Option configures a Tool.
type Option func(*Tool)

var (
	defaultIdleTimeout   = 60 * time.Second
	defaultWatchInterval = 10 * time.Second
	defaultPoolSize      = 256
	defaultResultBuffer  = 64
	defaultWaitDelay     = 5 * time.Second
	maxOutputLine        = 1024 * 1024

	// DefaultRunner runs "dotnet restore" in the project directory.
	DefaultRunner = CommandRunner{Name: "dotnet", Args: []string{"restore"}}

	// ErrClosed is returned by Restore after Close.
	ErrClosed = errors.New("restore tool closed")
)

// New creates a Tool reporting on emitter.
func New(emitter projsys.Emitter, options ...Option) (*Tool, error) {
	t := &Tool{
		emitter:       emitter,
		runner:        DefaultRunner,
		logger:        slog.Default(),
		concurrency:   DefaultConcurrency(),
		idleTimeout:   defaultIdleTimeout,
		watchInterval: defaultWatchInterval,
		poolSize:      defaultPoolSize,
		resultBuffer:  defaultResultBuffer,
		locks:         newPathLocks(),
	}
	for _, opt := range options {
		opt(t)
	}

	pool, err := ants.NewPool(t.poolSize, ants.WithPanicHandler(func(r any) {
		t.logger.Error("restore job panicked", slog.Any("panic", r))
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to create restore pool: %w", err)
	}

	t.pool = pool
	t.sem = semaphore.NewWeighted(t.concurrency)
	t.results = make(chan Result, t.resultBuffer)

	return t, nil
}

// DefaultConcurrency is half the processor count, and at least one.
func DefaultConcurrency() int64 {
	return int64(max(1, runtime.NumCPU()/2))
}

// WithRunner sets the Runner executing restores.
func WithRunner(runner Runner) Option {
	return func(t *Tool) {
		t.runner = runner
	}
}

// WithConcurrency bounds the number of restores running at the same time.
func WithConcurrency(n int64) Option {
	return func(t *Tool) {
		if n > 0 {
			t.concurrency = n
		}
	}
}

// WithIdleTimeout sets how long a restore may stay silent before it is killed, and how
// often that is checked.
func WithIdleTimeout(timeout, interval time.Duration) Option {
	return func(t *Tool) {
		t.idleTimeout = timeout
		t.watchInterval = interval
	}
}

// WithResultBuffer sets how many results queue on Results before new ones are dropped.
func WithResultBuffer(n int) Option {
	return func(t *Tool) {
		t.resultBuffer = n
	}
}

// WithLogger sets the logger of the Tool.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tool) {
		t.logger = logger
	}
}

// WithMetrics records restore metrics.
func WithMetrics(metrics *projsys.Metrics) Option {
	return func(t *Tool) {
		t.metrics = metrics
	}
}

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, dir string, activity func()) (int, error) {
	return f(ctx, dir, activity)
}

// Run implements Runner. The command runs in its own process group and a cancelled ctx
// kills the whole group, so helpers left behind by the command cannot keep the run
// alive. A command killed through ctx reports exit code -1.
func (c CommandRunner) Run(ctx context.Context, dir string, activity func()) (int, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}
	waitDelay := c.WaitDelay
	if waitDelay <= 0 {
		waitDelay = defaultWaitDelay
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = dir
	cmd.Stdout = &outputWriter{dir: dir, activity: activity, logger: logger}
	cmd.Stderr = &outputWriter{dir: dir, activity: activity, logger: logger}
	procgroup.Set(cmd)
	cmd.Cancel = func() error {
		return procgroup.Kill(cmd)
	}
	// Output still held open by an orphaned helper is abandoned after waitDelay.
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("failed to start %s: %w", c.Name, err)
	}

	// A non-zero exit is reported through the exit code, not as an error.
	if err := cmd.Wait(); errors.Is(err, exec.ErrWaitDelay) {
		logger.Warn("restore output left open after exit", slog.String("dir", dir))
	}
	return cmd.ProcessState.ExitCode(), nil
}

// outputWriter logs the output of a restore command line by line. Every write counts as
// activity for the watchdog.
type outputWriter struct {
	dir      string
	activity func()
	logger   *slog.Logger
	partial  []byte
}

func (w *outputWriter) Write(p []byte) (int, error) {
	w.activity()

	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		w.log(w.partial[:i])
		w.partial = w.partial[i+1:]
	}
	if len(w.partial) > maxOutputLine {
		w.log(w.partial)
		w.partial = nil
	}
	return len(p), nil
}

func (w *outputWriter) log(line []byte) {
	w.logger.Debug("restore output", slog.String("dir", w.dir), slog.String("line", string(bytes.TrimRight(line, "\r"))))
}

// Restore schedules a restore of path and returns without waiting for it. onFailure,
// when not nil, runs after an unsuccessful restore.
func (t *Tool) Restore(path string, onFailure func()) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.closed {
		return ErrClosed
	}

	t.jobs.Add(1)
	err := t.pool.Submit(func() {
		defer t.jobs.Done()
		t.restore(path, onFailure)
	})
	if err != nil {
		t.jobs.Done()
		return fmt.Errorf("failed to schedule restore of %s: %w", path, err)
	}
	return nil
}

// Results returns the channel receiving every restore outcome. It is closed by Close.
func (t *Tool) Results() <-chan Result {
	return t.results
}

// Close waits for scheduled restores to finish and releases the pool.
func (t *Tool) Close() {
	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return
	}
	t.closed = true
	t.lock.Unlock()

	t.jobs.Wait()
	t.pool.Release()
	close(t.results)
}

func (t *Tool) restore(path string, onFailure func()) {
	started := time.Now()
	result := Result{Path: path, ExitCode: -1, onFailure: onFailure}
	running := false

	// Deferred calls run in reverse order: the semaphore slot and the path lock are
	// released before the outcome is reported.
	defer func() {
		result.Duration = time.Since(started)
		t.finish(result, running, onFailure)
	}()

	unlock := t.locks.lock(path)
	defer unlock()

	if err := t.sem.Acquire(context.Background(), 1); err != nil {
		result.Err = err
		return
	}
	defer t.sem.Release(1)

	running = true
	t.metrics.RestoreStarted()
	t.emit(projsys.KindPackageRestoreStarted, projsys.PackageRestoreParams{FileName: path})
	t.logger.Info("restoring packages", slog.String("path", path))

	result.ExitCode, result.Err = t.run(path)
	result.Succeeded = result.Err == nil && result.ExitCode == 0
}

// run executes the runner under a watchdog that cancels it after idleTimeout without
// activity.
func (t *Tool) run(path string) (int, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var lastSignal atomic.Int64
	lastSignal.Store(time.Now().UnixNano())
	activity := func() {
		lastSignal.Store(time.Now().UnixNano())
	}

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(t.watchInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if time.Since(time.Unix(0, lastSignal.Load())) > t.idleTimeout {
					t.logger.Warn("killing silent restore", slog.String("path", path),
						slog.Duration("idle", t.idleTimeout))
					cancel()
					return
				}
			}
		}
	}()

	return t.runner.Run(ctx, path, activity)
}

func (t *Tool) finish(result Result, running bool, onFailure func()) {
	if running {
		t.metrics.RestoreFinished(result.Succeeded)
	}
	t.emit(projsys.KindPackageRestoreFinished, projsys.PackageRestoreParams{
		FileName:  result.Path,
		Succeeded: result.Succeeded,
	})
	t.logger.Info("finished restoring packages", slog.String("path", result.Path),
		slog.Int("exitCode", result.ExitCode), slog.Bool("succeeded", result.Succeeded), "err", result.Err)

	if !result.Succeeded && onFailure != nil {
		onFailure()
	}

	select {
	case t.results <- result:
	default:
		t.logger.Warn("dropping restore result", slog.String("path", result.Path))
	}
}

func (t *Tool) emit(kind string, payload projsys.PackageRestoreParams) {
	if _, err := t.emitter.Emit(kind, payload); err != nil {
		t.logger.Error("failed to emit restore event", slog.String("kind", kind), "err", err)
	}
}
