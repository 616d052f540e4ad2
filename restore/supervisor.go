package restore

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Supervisor consumes the results of a Tool and schedules retries of failed restores
// following a backoff policy per path. A retry keeps the failure callback of the
// original request, which therefore runs once per failed attempt.
type Supervisor struct {
	tool       *Tool
	logger     *slog.Logger
	newBackOff func() backoff.BackOff

	attempts map[string]backoff.BackOff
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

var (
	defaultRetryInterval = 5 * time.Second
	defaultMaxRetries    = uint64(3)
)

// NewSupervisor creates a Supervisor for the tool.
func NewSupervisor(tool *Tool, options ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		tool:       tool,
		logger:     slog.Default(),
		newBackOff: defaultBackOff,
		attempts:   make(map[string]backoff.BackOff),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithBackOff sets the factory of the retry policy. Each failing path gets its own
// policy, discarded after a success or when the policy stops.
func WithBackOff(newBackOff func() backoff.BackOff) SupervisorOption {
	return func(s *Supervisor) {
		s.newBackOff = newBackOff
	}
}

// WithSupervisorLogger sets the logger of the Supervisor.
func WithSupervisorLogger(logger *slog.Logger) SupervisorOption {
	return func(s *Supervisor) {
		s.logger = logger
	}
}

// Run processes results until ctx is done or the tool is closed.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case result, ok := <-s.tool.Results():
			if !ok {
				return nil
			}
			s.handle(ctx, result)
		}
	}
}

func (s *Supervisor) handle(ctx context.Context, result Result) {
	key := lockKey(result.Path)

	if result.Succeeded {
		delete(s.attempts, key)
		return
	}

	policy, ok := s.attempts[key]
	if !ok {
		policy = s.newBackOff()
		s.attempts[key] = policy
	}

	delay := policy.NextBackOff()
	if delay == backoff.Stop {
		delete(s.attempts, key)
		s.logger.Error("giving up restoring packages", slog.String("path", result.Path),
			slog.Int("exitCode", result.ExitCode), "err", result.Err)
		return
	}

	s.logger.Warn("retrying restore", slog.String("path", result.Path), slog.Duration("delay", delay))
	time.AfterFunc(delay, func() {
		if ctx.Err() != nil {
			return
		}
		if err := s.tool.Restore(result.Path, result.onFailure); err != nil {
			s.logger.Error("failed to schedule restore retry", slog.String("path", result.Path), "err", err)
		}
	})
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultRetryInterval
	return backoff.WithMaxRetries(b, defaultMaxRetries)
}
