// Package jsonproject is a project system for directories described by a project.json
// manifest. It registers one workspace project per declared framework, keeps the
// registrations in sync with the file system, and restores dependencies of projects
// that have no lock file.
package jsonproject

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/MegaGrindStone/go-projsys"
	"github.com/MegaGrindStone/go-projsys/plugin"
	"github.com/MegaGrindStone/go-projsys/projects"
	"github.com/MegaGrindStone/go-projsys/restore"
	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
)

// Restorer schedules dependency restores. *restore.Tool satisfies it.
type Restorer interface {
	Restore(path string, onFailure func()) error
}

// Settings are read from the settings the host initializes the plugin with.
type Settings struct {
	Watch   *bool           `json:"watch"`
	Restore RestoreSettings `json:"restore"`
}

// RestoreSettings configure the restore tool.
type RestoreSettings struct {
	Command     []string `json:"command"`
	Concurrency int64    `json:"concurrency"`
	IdleTimeout string   `json:"idleTimeout"`
	Retries     uint64   `json:"retries"`
}

// System is the project system. All project state is owned by the goroutine running
// Run; Information reaches it through a channel.
type System struct {
	root      string
	workspace projsys.Workspace
	emitter   projsys.Emitter
	logger    *slog.Logger
	settings  Settings

	restorer Restorer
	watch    bool
	debounce time.Duration

	cache     *projects.Cache
	manifests map[string]*Manifest
	// restored holds the fingerprint of the manifest each restore was requested for.
	restored map[string]uint64

	requests chan chan Model
}

// Option configures a System.
type Option func(*System)

// Model is the information model of the project system.
type Model struct {
	Projects []ProjectModel `json:"projects"`
}

// ProjectModel describes one project directory.
type ProjectModel struct {
	projsys.ProjectInformation
	Name         string   `json:"name"`
	Dependencies []string `json:"dependencies,omitempty"`
	Restored     bool     `json:"restored"`
}

var (
	defaultDebounce = 200 * time.Millisecond

	errNoWorkspace = errors.New("workspace is required")
)

// Factory returns a plugin.Factory building a System on the initialized root.
func Factory(options ...Option) plugin.Factory {
	return func(env plugin.Environment) (plugin.ProjectSystem, error) {
		return New(env, options...)
	}
}

// New creates a System for env.
func New(env plugin.Environment, options ...Option) (*System, error) {
	if env.Workspace == nil {
		return nil, errNoWorkspace
	}

	s := &System{
		root:      filepath.Clean(env.Root),
		workspace: env.Workspace,
		emitter:   env.Emitter,
		logger:    env.Logger,
		watch:     true,
		debounce:  defaultDebounce,
		manifests: make(map[string]*Manifest),
		restored:  make(map[string]uint64),
		requests:  make(chan chan Model),
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	if len(env.Settings) > 0 {
		if err := json.Unmarshal(env.Settings, &s.settings); err != nil {
			return nil, fmt.Errorf("failed to parse settings: %w", err)
		}
	}
	if s.settings.Watch != nil {
		s.watch = *s.settings.Watch
	}

	for _, opt := range options {
		opt(s)
	}

	s.cache = projects.New(s.emitter, s.workspace, projects.WithLogger(s.logger))
	return s, nil
}

// WithRestorer replaces the restore tool built from the settings.
func WithRestorer(restorer Restorer) Option {
	return func(s *System) {
		s.restorer = restorer
	}
}

// WithWatch enables or disables watching the root for changes.
func WithWatch(watch bool) Option {
	return func(s *System) {
		s.watch = watch
	}
}

// WithDebounce sets how long file system changes settle before a resync.
func WithDebounce(debounce time.Duration) Option {
	return func(s *System) {
		s.debounce = debounce
	}
}

// Run syncs the root, then keeps it in sync until ctx is done.
func (s *System) Run(ctx context.Context) error {
	if s.restorer == nil {
		tool, supervisor, err := s.newRestoreTool()
		if err != nil {
			return err
		}
		defer tool.Close()
		go func() {
			_ = supervisor.Run(ctx)
		}()
		s.restorer = tool
	}

	var (
		events  <-chan fsnotify.Event
		errs    <-chan error
		watcher *fsnotify.Watcher
	)
	if s.watch {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("failed to create watcher: %w", err)
		}
		defer w.Close()
		watcher, events, errs = w, w.Events, w.Errors
		s.watchTree(watcher, s.root)
	}

	if err := s.sync(ctx); err != nil {
		s.logger.Error("failed to sync projects", "err", err)
	}

	resync := time.NewTimer(s.debounce)
	resync.Stop()
	defer resync.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case reply := <-s.requests:
			reply <- s.model()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					s.watchTree(watcher, ev.Name)
				}
			}
			resync.Reset(s.debounce)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.logger.Warn("file watcher error", "err", err)
		case <-resync.C:
			if err := s.sync(ctx); err != nil {
				s.logger.Error("failed to sync projects", "err", err)
			}
		}
	}
}

// Information returns the current Model. It waits for the Run loop.
func (s *System) Information(ctx context.Context, _ json.RawMessage) (any, error) {
	reply := make(chan Model, 1)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case s.requests <- reply:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case model := <-reply:
		return model, nil
	}
}

// sync reconciles the workspace with the manifests under the root.
func (s *System) sync(ctx context.Context) error {
	dirs, err := Discover(s.root)
	if err != nil {
		return err
	}

	var errs []error
	preserved := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		preserved = append(preserved, dir)
		if err := s.syncProject(ctx, dir); err != nil {
			s.emitError(dir, err)
			errs = append(errs, err)
		}
	}

	s.cache.RemoveExcept(preserved, func(e projects.Entry) {
		for _, state := range e.States {
			if err := s.workspace.RemoveProject(ctx, state.ID); err != nil {
				s.logger.Error("failed to remove project", slog.String("path", e.Path), "err", err)
			}
		}
		delete(s.manifests, e.Path)
		delete(s.restored, e.Path)
	})

	return errors.Join(errs...)
}

// syncProject updates the projects of one directory. A manifest that fails to parse
// keeps the previous registration.
func (s *System) syncProject(ctx context.Context, dir string) error {
	manifest, err := ReadManifest(dir)
	if err != nil {
		return err
	}
	s.manifests[dir] = manifest

	manifestPath := filepath.Join(dir, ManifestName)
	contexts := make([]projects.Context, 0, len(manifest.Frameworks))
	for _, fw := range manifest.FrameworkNames() {
		contexts = append(contexts, frameworkContext{name: manifest.Name, framework: fw})
	}

	created := make(map[uuid.UUID]struct{})
	err = s.cache.Update(ctx, dir, contexts,
		func(id uuid.UUID, pc projects.Context) {
			created[id] = struct{}{}
			s.createProject(ctx, id, dir, manifestPath, manifest, pc)
		},
		func(id uuid.UUID) {
			if err := s.workspace.RemoveProject(ctx, id); err != nil {
				s.logger.Error("failed to remove project", slog.String("id", id.String()), "err", err)
			}
		})
	if err != nil {
		return err
	}

	for _, state := range s.cache.Find(dir) {
		if _, ok := created[state.ID]; ok {
			continue
		}
		s.applyOptions(ctx, state.ID, dir, manifest)
		s.syncDocuments(ctx, state.ID, dir)
	}

	s.checkDependencies(dir, manifestPath, manifest)
	return nil
}

func (s *System) createProject(
	ctx context.Context,
	id uuid.UUID,
	dir, manifestPath string,
	manifest *Manifest,
	pc projects.Context,
) {
	name := pc.(frameworkContext).Name()
	if err := s.workspace.AddProject(ctx, id, name, manifest.Name, defaultLanguage, manifestPath); err != nil {
		s.logger.Error("failed to add project", slog.String("path", dir), "err", err)
		return
	}
	s.applyOptions(ctx, id, dir, manifest)
	s.syncDocuments(ctx, id, dir)
}

// syncDocuments adds the sources of dir missing from the project and removes the
// documents whose file is gone.
func (s *System) syncDocuments(ctx context.Context, id uuid.UUID, dir string) {
	sources, err := Sources(dir)
	if err != nil {
		s.logger.Warn("failed to list sources", slog.String("path", dir), "err", err)
		return
	}

	documents, err := s.workspace.GetDocuments(ctx, id)
	if err != nil {
		s.logger.Error("failed to get documents", slog.String("path", dir), "err", err)
		return
	}

	for _, source := range sources {
		if _, ok := documents[source]; ok {
			delete(documents, source)
			continue
		}
		if _, err := s.workspace.AddDocument(ctx, id, source); err != nil {
			s.logger.Error("failed to add document", slog.String("path", source), "err", err)
		}
	}
	for path, documentID := range documents {
		if err := s.workspace.RemoveDocument(ctx, id, documentID); err != nil {
			s.logger.Error("failed to remove document", slog.String("path", path), "err", err)
		}
	}
}

func (s *System) applyOptions(ctx context.Context, id uuid.UUID, dir string, manifest *Manifest) {
	if err := s.workspace.SetCompilationOptionsForPath(ctx, id, dir, manifest.CompilationOptions); err != nil {
		s.logger.Error("failed to set compilation options", slog.String("path", dir), "err", err)
	}
	parsing := projsys.ParsingOptions{
		LanguageVersion: manifest.LanguageVersion,
		Defines:         manifest.Defines,
	}
	if err := s.workspace.SetParsingOptions(ctx, id, parsing); err != nil {
		s.logger.Error("failed to set parsing options", slog.String("path", dir), "err", err)
	}
}

// checkDependencies reports and restores a project whose dependencies were never
// restored. A restore is requested once per manifest content.
func (s *System) checkDependencies(dir, manifestPath string, manifest *Manifest) {
	if len(manifest.Dependencies) == 0 || hasLockFile(dir) {
		return
	}

	fingerprint := xxhash.Sum64(manifest.raw)
	if last, ok := s.restored[dir]; ok && last == fingerprint {
		return
	}
	s.restored[dir] = fingerprint

	if _, err := s.emitter.Emit(projsys.KindUnresolvedDependencies, projsys.UnresolvedDependenciesParams{
		FileName:               manifestPath,
		UnresolvedDependencies: manifest.DependencyNames(),
	}); err != nil {
		s.logger.Error("failed to emit unresolved dependencies", "err", err)
	}

	err := s.restorer.Restore(dir, func() {
		s.logger.Warn("dependency restore failed", slog.String("path", dir))
	})
	if err != nil {
		s.emitError(dir, err)
	}
}

func (s *System) model() Model {
	entries := s.cache.Entries()
	model := Model{Projects: make([]ProjectModel, 0, len(entries))}
	for _, e := range entries {
		pm := ProjectModel{
			ProjectInformation: projects.Information(e),
			Restored:           hasLockFile(e.Path),
		}
		if m, ok := s.manifests[e.Path]; ok {
			pm.Name = m.Name
			pm.Dependencies = m.DependencyNames()
		}
		model.Projects = append(model.Projects, pm)
	}
	return model
}

func (s *System) watchTree(watcher *fsnotify.Watcher, root string) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != root && skipDir(d.Name()) {
			return filepath.SkipDir
		}
		if err := watcher.Add(path); err != nil {
			s.logger.Warn("failed to watch directory", slog.String("path", path), "err", err)
		}
		return nil
	})
}

func (s *System) emitError(dir string, err error) {
	s.logger.Error("project error", slog.String("path", dir), "err", err)
	if _, eErr := s.emitter.Emit(projsys.KindError, projsys.ErrorParams{
		FileName: filepath.Join(dir, ManifestName),
		Message:  err.Error(),
	}); eErr != nil {
		s.logger.Error("failed to emit error", "err", eErr)
	}
}

func (s *System) newRestoreTool() (*restore.Tool, *restore.Supervisor, error) {
	rs := s.settings.Restore
	options := []restore.Option{restore.WithLogger(s.logger)}
	if len(rs.Command) > 0 {
		options = append(options, restore.WithRunner(restore.CommandRunner{
			Name:   rs.Command[0],
			Args:   rs.Command[1:],
			Logger: s.logger,
		}))
	}
	if rs.Concurrency > 0 {
		options = append(options, restore.WithConcurrency(rs.Concurrency))
	}
	if rs.IdleTimeout != "" {
		idle, err := time.ParseDuration(rs.IdleTimeout)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse restore idle timeout: %w", err)
		}
		options = append(options, restore.WithIdleTimeout(idle, max(idle/6, time.Second)))
	}

	tool, err := restore.New(s.emitter, options...)
	if err != nil {
		return nil, nil, err
	}

	supervisorOptions := []restore.SupervisorOption{restore.WithSupervisorLogger(s.logger)}
	if rs.Retries > 0 {
		retries := rs.Retries
		supervisorOptions = append(supervisorOptions, restore.WithBackOff(func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retries)
		}))
	}
	return tool, restore.NewSupervisor(tool, supervisorOptions...), nil
}
