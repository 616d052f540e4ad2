package projsys

import (
	"context"
	"log/slog"

	"github.com/tidwall/gjson"
)

// Router is the single point that processes plugin output on the host. It is the only
// place where protocol kinds cross into the host's public event surface.
type Router struct {
	dispatcher *Dispatcher
	publisher  EventPublisher
	logger     *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// NewRouter creates a Router executing workspace calls with dispatcher and
// republishing lifecycle envelopes to publisher.
func NewRouter(dispatcher *Dispatcher, publisher EventPublisher, options ...RouterOption) *Router {
	r := &Router{
		dispatcher: dispatcher,
		publisher:  publisher,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// WithRouterLogger sets the logger of the Router.
func WithRouterLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// Route processes one envelope printed by the named plugin. Workspace calls are
// answered on source, the emitter writing back to that plugin.
func (r *Router) Route(ctx context.Context, env Envelope, plugin string, source Emitter) {
	switch env.Kind {
	case KindTrace:
		payload := gjson.ParseBytes(env.Payload)
		r.logger.Info(payload.Get("message").String(), slog.String("plugin", plugin))
		if stack := payload.Get("stack"); stack.Exists() {
			r.logger.Debug("plugin trace stack", slog.String("plugin", plugin), slog.String("stack", stack.String()))
		}
	case KindWorkspaceCall:
		if err := r.dispatcher.Invoke(ctx, env, source); err != nil {
			r.logger.Error("failed to dispatch workspace call",
				slog.String("plugin", plugin),
				slog.String("session", env.Session.String()),
				"err", err)
		}
	case KindWorkspaceInformation:
		// Owned by the waiter registered in Container.WorkspaceInformation.
	default:
		r.publisher.Publish(Event{
			Plugin:  plugin,
			Kind:    env.Kind,
			Payload: env.Payload,
		})
	}
}
