package projsys

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// EventStream is an EventPublisher that forwards host events to Server-Sent Events
// subscribers. Each published Event becomes one SSE event whose type is the envelope
// kind and whose data is the JSON encoded Event. Slow subscribers lose events rather
// than block publishers.
//
// Instances should be created with NewEventStream and closed with Close.
type EventStream struct {
	logger     *slog.Logger
	bufferSize int

	lock        sync.Mutex
	subscribers map[string]chan *sse.Message

	done      chan struct{}
	closeOnce sync.Once
}

// EventStreamOption configures an EventStream.
type EventStreamOption func(*EventStream)

var defaultEventStreamBufferSize = 64

// NewEventStream creates an EventStream without subscribers.
func NewEventStream(options ...EventStreamOption) *EventStream {
	s := &EventStream{
		logger:      slog.Default(),
		bufferSize:  defaultEventStreamBufferSize,
		subscribers: make(map[string]chan *sse.Message),
		done:        make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// WithEventStreamLogger sets the logger of the EventStream.
func WithEventStreamLogger(logger *slog.Logger) EventStreamOption {
	return func(s *EventStream) {
		s.logger = logger
	}
}

// WithEventStreamBufferSize sets how many events may queue for one subscriber before
// new events are dropped for it.
func WithEventStreamBufferSize(size int) EventStreamOption {
	return func(s *EventStream) {
		s.bufferSize = size
	}
}

// Publish implements EventPublisher.
func (s *EventStream) Publish(event Event) {
	eventBs, err := json.Marshal(event)
	if err != nil {
		s.logger.Error("failed to marshal event", slog.String("kind", event.Kind), "err", err)
		return
	}

	msg := &sse.Message{
		Type: sse.Type(event.Kind),
	}
	msg.AppendData(string(eventBs))

	s.lock.Lock()
	defer s.lock.Unlock()

	for id, msgs := range s.subscribers {
		select {
		case msgs <- msg:
		default:
			s.logger.Warn("dropping event for slow subscriber", slog.String("subscriber", id),
				slog.String("kind", event.Kind))
		}
	}
}

// Subscribers returns the number of connected subscribers.
func (s *EventStream) Subscribers() int {
	s.lock.Lock()
	defer s.lock.Unlock()

	return len(s.subscribers)
}

// ServeHTTP upgrades the request to an SSE stream and forwards events until the client
// disconnects or the stream is closed.
func (s *EventStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		nErr := fmt.Errorf("failed to upgrade session: %w", err)
		s.logger.Error("failed to upgrade session", "err", nErr)
		http.Error(w, nErr.Error(), http.StatusInternalServerError)
		return
	}

	// Flush once so the client sees the response headers before the first event.
	if err := sess.Flush(); err != nil {
		s.logger.Error("failed to flush SSE", "err", err)
		return
	}

	id := uuid.New().String()
	msgs := make(chan *sse.Message, s.bufferSize)

	s.lock.Lock()
	s.subscribers[id] = msgs
	s.lock.Unlock()

	defer func() {
		s.lock.Lock()
		delete(s.subscribers, id)
		s.lock.Unlock()
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case msg := <-msgs:
			if err := sess.Send(msg); err != nil {
				s.logger.Warn("failed to send event", slog.String("subscriber", id), "err", err)
				return
			}
			if err := sess.Flush(); err != nil {
				s.logger.Warn("failed to flush event", slog.String("subscriber", id), "err", err)
				return
			}
		}
	}
}

// Close disconnects every subscriber.
func (s *EventStream) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}
