package projsys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/heptiolabs/healthcheck"
	"golang.org/x/sync/errgroup"
)

// Manager owns the plugin Containers of a host. All plugin output is processed by one
// shared Router. The container set is built once by Start and is not safe for
// concurrent structural mutation.
type Manager struct {
	router  *Router
	logger  *slog.Logger
	metrics *Metrics

	informationTimeout time.Duration
	containerOptions   []ContainerOption

	lock       sync.Mutex
	containers []*Container
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

var defaultInformationTimeout = 10 * time.Second

// NewManager creates a Manager whose router executes workspace calls with dispatcher
// and republishes plugin events to publisher.
func NewManager(dispatcher *Dispatcher, publisher EventPublisher, options ...ManagerOption) *Manager {
	m := &Manager{
		logger:             slog.Default(),
		informationTimeout: defaultInformationTimeout,
	}
	for _, opt := range options {
		opt(m)
	}
	m.router = NewRouter(dispatcher, publisher, WithRouterLogger(m.logger))
	return m
}

// WithManagerLogger sets the logger of the Manager and everything it creates.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithManagerMetrics records plugin metrics.
func WithManagerMetrics(metrics *Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithInformationTimeout bounds how long InformationModels waits for each plugin.
func WithInformationTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		m.informationTimeout = timeout
	}
}

// WithContainerOptions adds options applied to every Container the Manager builds.
func WithContainerOptions(options ...ContainerOption) ManagerOption {
	return func(m *Manager) {
		m.containerOptions = append(m.containerOptions, options...)
	}
}

// Start builds one Container per plugin, wires all of them to the router, and only then
// starts them on root. A plugin that fails to start does not stop the others; all
// start failures are returned joined.
func (m *Manager) Start(ctx context.Context, plugins []PluginConfig, root string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if len(m.containers) > 0 {
		return errors.New("manager already started")
	}

	containers := make([]*Container, 0, len(plugins))
	for _, plugin := range plugins {
		options := append([]ContainerOption{
			WithContainerLogger(m.logger),
			WithContainerMetrics(m.metrics),
		}, m.containerOptions...)

		c := NewContainer(plugin, options...)
		c.OnEnvelope(func(ctx context.Context, env Envelope, source *Container) {
			m.router.Route(ctx, env, source.Name(), source)
		})
		containers = append(containers, c)
	}
	m.containers = containers

	var errs []error
	for _, c := range containers {
		if err := c.Start(ctx, root); err != nil {
			m.logger.Error("failed to start plugin", slog.String("plugin", c.Name()), "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Containers returns the containers built by Start.
func (m *Manager) Containers() []*Container {
	m.lock.Lock()
	defer m.lock.Unlock()

	return append([]*Container(nil), m.containers...)
}

// InformationModels sends request to every running plugin and returns each plugin's
// reply by plugin name. It waits for all plugins; the ones that fail or time out are
// left out of the map and reported in the joined error. Without plugins it returns an
// empty map immediately.
func (m *Manager) InformationModels(ctx context.Context, request any) (map[string]json.RawMessage, error) {
	containers := m.Containers()
	models := make(map[string]json.RawMessage, len(containers))
	if len(containers) == 0 {
		return models, nil
	}

	var (
		lock sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, c := range containers {
		g.Go(func() error {
			cCtx, cancel := context.WithTimeout(ctx, m.informationTimeout)
			defer cancel()

			model, err := c.WorkspaceInformation(cCtx, request)

			lock.Lock()
			defer lock.Unlock()

			if err != nil {
				m.logger.Warn("failed to get workspace information", slog.String("plugin", c.Name()), "err", err)
				errs = append(errs, fmt.Errorf("plugin %s: %w", c.Name(), err))
				return nil
			}
			models[c.Name()] = model
			return nil
		})
	}
	_ = g.Wait()

	return models, errors.Join(errs...)
}

// HealthHandler returns a health handler with one liveness check per plugin.
func (m *Manager) HealthHandler() healthcheck.Handler {
	handler := healthcheck.NewHandler()
	for _, c := range m.Containers() {
		handler.AddLivenessCheck("plugin-"+c.Name(), c.Check)
	}
	return handler
}

// Close terminates every plugin process.
func (m *Manager) Close() error {
	var errs []error
	for _, c := range m.Containers() {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
