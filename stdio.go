package projsys

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// StdIO is an Emitter that writes envelope lines to an io.Writer, typically the
// standard output of a plugin or the standard input of a plugin process. Writes from
// concurrent goroutines are serialized so lines never interleave.
type StdIO struct {
	writer io.Writer
	logger *slog.Logger

	lock sync.Mutex
}

// StdIOOption configures a StdIO.
type StdIOOption func(*StdIO)

// Listener reads envelope lines from one transport and dispatches them by kind. Each
// Listener handles its lines strictly in arrival order on the goroutine that calls
// Run; handlers that need real work must hand it off to other goroutines.
type Listener struct {
	reader  io.Reader
	emitter Emitter
	logger  *slog.Logger
	metrics *Metrics

	onUndecoded func(line string)
	onError     func(env Envelope, err error)

	lock           sync.RWMutex
	handlers       map[string]Handler
	defaultHandler Handler
}

// ListenerOption configures a Listener.
type ListenerOption func(*Listener)

type lineWithErr struct {
	line string
	err  error
}

// NewStdIO creates an Emitter over the writer.
func NewStdIO(writer io.Writer, options ...StdIOOption) *StdIO {
	s := &StdIO{
		writer: writer,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithStdIOLogger sets the logger of the StdIO.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(s *StdIO) {
		s.logger = logger
	}
}

// NewListener creates a Listener reading from reader. Replies and error traces produced
// while handling envelopes are written to emitter.
func NewListener(reader io.Reader, emitter Emitter, options ...ListenerOption) *Listener {
	l := &Listener{
		reader:   reader,
		emitter:  emitter,
		logger:   slog.Default(),
		handlers: make(map[string]Handler),
	}
	for _, opt := range options {
		opt(l)
	}
	if l.onUndecoded == nil {
		l.onUndecoded = func(line string) {
			l.logger.Warn("failed to decode line", slog.String("line", line))
		}
	}
	if l.onError == nil {
		l.onError = l.traceError
	}
	return l
}

// WithListenerLogger sets the logger of the Listener.
func WithListenerLogger(logger *slog.Logger) ListenerOption {
	return func(l *Listener) {
		l.logger = logger
	}
}

// WithListenerMetrics records decoded and malformed lines in the metrics.
func WithListenerMetrics(metrics *Metrics) ListenerOption {
	return func(l *Listener) {
		l.metrics = metrics
	}
}

// WithUndecodedHandler sets the function that receives lines which are not envelopes.
// By default they are logged as warnings.
func WithUndecodedHandler(handler func(line string)) ListenerOption {
	return func(l *Listener) {
		l.onUndecoded = handler
	}
}

// WithErrorHandler sets the function that receives handler errors and recovered
// panics. By default they are reported back as trace envelopes on the emitter.
func WithErrorHandler(handler func(env Envelope, err error)) ListenerOption {
	return func(l *Listener) {
		l.onError = handler
	}
}

// Emit implements Emitter.
func (s *StdIO) Emit(kind string, payload any) (uuid.UUID, error) {
	session := uuid.New()
	return session, s.EmitSession(session, kind, payload)
}

// EmitSession implements Emitter.
func (s *StdIO) EmitSession(session uuid.UUID, kind string, payload any) error {
	line, err := Encode(session, kind, payload)
	if err != nil {
		return err
	}

	s.lock.Lock()
	defer s.lock.Unlock()

	if _, err := io.WriteString(s.writer, line+"\n"); err != nil {
		s.logger.Error("failed to write envelope", slog.String("kind", kind), "err", err)
		return fmt.Errorf("failed to write envelope: %w", err)
	}
	return nil
}

// Handle registers the handler for one kind, replacing any previous one.
func (l *Listener) Handle(kind string, handler Handler) {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.handlers[kind] = handler
}

// HandleDefault registers the handler for kinds without a dedicated handler.
func (l *Listener) HandleDefault(handler Handler) {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.defaultHandler = handler
}

// Run reads and dispatches lines until the reader is exhausted, a read fails, or ctx
// is done. Reaching the end of the reader is not an error.
func (l *Listener) Run(ctx context.Context) error {
	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(l.reader)
	lines := make(chan lineWithErr)

	// Reading happens on its own goroutine so a blocked read never keeps Run from
	// observing ctx.
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if line != "" {
				select {
				case lines <- lineWithErr{line: line}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				select {
				case lines <- lineWithErr{err: err}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()

	for {
		var lwe lineWithErr
		select {
		case <-ctx.Done():
			return ctx.Err()
		case lwe = <-lines:
		}

		if lwe.err != nil {
			if errors.Is(lwe.err, io.EOF) {
				return nil
			}
			l.logger.Error("failed to read message", "err", lwe.err)
			return fmt.Errorf("failed to read message: %w", lwe.err)
		}

		l.process(ctx, lwe.line)
	}
}

func (l *Listener) process(ctx context.Context, line string) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return
	}

	env, err := Decode(line)
	if err != nil {
		l.metrics.envelopeReceived("", false)
		l.onUndecoded(line)
		return
	}
	l.metrics.envelopeReceived(env.Kind, true)

	l.lock.RLock()
	handler, ok := l.handlers[env.Kind]
	if !ok {
		handler = l.defaultHandler
	}
	l.lock.RUnlock()

	if handler == nil {
		l.logger.Warn("no handler for envelope", slog.String("kind", env.Kind),
			slog.String("session", env.Session.String()))
		return
	}

	if err := l.invoke(ctx, handler, env); err != nil {
		l.onError(env, err)
	}
}

func (l *Listener) invoke(ctx context.Context, handler Handler, env Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &handlerPanic{value: r, stack: string(debug.Stack())}
		}
	}()
	return handler(ctx, env, l.emitter)
}

func (l *Listener) traceError(env Envelope, err error) {
	l.logger.Error("failed to handle envelope", slog.String("kind", env.Kind), "err", err)

	params := TraceParams{Message: err.Error()}
	var hp *handlerPanic
	if errors.As(err, &hp) {
		params.Stack = hp.stack
	}
	if _, tErr := l.emitter.Emit(KindTrace, params); tErr != nil {
		l.logger.Error("failed to emit trace", "err", tErr)
	}
}

type handlerPanic struct {
	value any
	stack string
}

func (h *handlerPanic) Error() string {
	return fmt.Sprintf("handler panicked: %v", h.value)
}
