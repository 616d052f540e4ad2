// Package projects tracks, per project directory and target framework, the project
// identifiers a plugin has registered with the host workspace.
package projects

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/MegaGrindStone/go-projsys"
	"github.com/google/uuid"
	"golang.org/x/text/cases"
)

// Context is the build context of a project for one target framework.
type Context interface {
	TargetFramework() string
}

// IDAllocator issues new project identifiers. projsys.Workspace satisfies it.
type IDAllocator interface {
	CreateNewProjectID(ctx context.Context) (uuid.UUID, error)
}

// State is the registered project of one directory and framework.
type State struct {
	ID      uuid.UUID
	Context Context
}

// Entry holds the states of one project directory.
type Entry struct {
	Path   string
	States []State
}

// Cache maps project directories to their per framework states. Directory and
// framework keys are case-insensitive.
//
// Cache is not safe for concurrent use; callers serialize access.
type Cache struct {
	emitter   projsys.Emitter
	allocator IDAllocator
	logger    *slog.Logger

	entries map[string]*entry
}

// Option configures a Cache.
type Option func(*Cache)

type entry struct {
	path       string
	frameworks map[string]*State
	// order keeps frameworks in first-seen order for stable events.
	order []string
}

// New creates a Cache that allocates identifiers with allocator and reports project
// events on emitter.
func New(emitter projsys.Emitter, allocator IDAllocator, options ...Option) *Cache {
	c := &Cache{
		emitter:   emitter,
		allocator: allocator,
		logger:    slog.Default(),
		entries:   make(map[string]*entry),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithLogger sets the logger of the Cache.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// Update reconciles the states of dir against contexts. Frameworks no longer observed
// are passed to onRemove and dropped; existing frameworks get their context replaced
// with the identifier kept; new frameworks get a fresh identifier and are passed to
// onCreate. Exactly one project-added (new directory) or project-changed event is
// emitted per call.
//
// When an identifier cannot be allocated, the frameworks handled so far stay
// registered and the event describing them is still emitted before the error is
// returned. Only a new directory left without any framework is forgotten silently.
func (c *Cache) Update(
	ctx context.Context,
	dir string,
	contexts []Context,
	onCreate func(id uuid.UUID, context Context),
	onRemove func(id uuid.UUID),
) error {
	key := dirKey(dir)
	e, ok := c.entries[key]
	added := !ok
	if added {
		e = &entry{
			path:       dir,
			frameworks: make(map[string]*State),
		}
		c.entries[key] = e
	}

	observed := make(map[string]struct{}, len(contexts))
	for _, pc := range contexts {
		observed[frameworkKey(pc.TargetFramework())] = struct{}{}
	}

	kept := e.order[:0]
	for _, fw := range e.order {
		if _, ok := observed[fw]; ok {
			kept = append(kept, fw)
			continue
		}
		state := e.frameworks[fw]
		onRemove(state.ID)
		delete(e.frameworks, fw)
	}
	e.order = kept

	for _, pc := range contexts {
		fw := frameworkKey(pc.TargetFramework())
		if state, ok := e.frameworks[fw]; ok {
			state.Context = pc
			continue
		}

		id, err := c.allocator.CreateNewProjectID(ctx)
		if err != nil {
			if added && len(e.order) == 0 {
				delete(c.entries, key)
			} else {
				c.emitUpdate(added, e)
			}
			return fmt.Errorf("failed to allocate project id for %s (%s): %w", dir, pc.TargetFramework(), err)
		}
		e.frameworks[fw] = &State{ID: id, Context: pc}
		e.order = append(e.order, fw)
		onCreate(id, pc)
	}

	c.emitUpdate(added, e)
	return nil
}

func (c *Cache) emitUpdate(added bool, e *entry) {
	kind := projsys.KindProjectChanged
	if added {
		kind = projsys.KindProjectAdded
	}
	c.emit(kind, e)
}

// RemoveExcept drops every tracked directory not in preserved. For each one a
// project-removed event is emitted and onRemove receives the entry before it is
// dropped.
func (c *Cache) RemoveExcept(preserved []string, onRemove func(Entry)) {
	keep := make(map[string]struct{}, len(preserved))
	for _, dir := range preserved {
		keep[dirKey(dir)] = struct{}{}
	}

	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		if _, ok := keep[key]; !ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		e := c.entries[key]
		c.emit(projsys.KindProjectRemoved, e)
		onRemove(e.snapshot())
		delete(c.entries, key)
	}
}

// Find returns the states of dir, or nil when dir is not tracked.
func (c *Cache) Find(dir string) []State {
	e, ok := c.entries[dirKey(dir)]
	if !ok {
		return nil
	}
	return e.snapshot().States
}

// FindFramework returns the state of dir for one framework.
func (c *Cache) FindFramework(dir, framework string) (State, bool) {
	e, ok := c.entries[dirKey(dir)]
	if !ok {
		return State{}, false
	}
	state, ok := e.frameworks[frameworkKey(framework)]
	if !ok {
		return State{}, false
	}
	return *state, true
}

// Values returns the states of every tracked directory.
func (c *Cache) Values() []State {
	var states []State
	for _, e := range c.Entries() {
		states = append(states, e.States...)
	}
	return states
}

// Entries returns every tracked directory ordered by path.
func (c *Cache) Entries() []Entry {
	entries := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e.snapshot())
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Path < entries[j].Path
	})
	return entries
}

// Information describes one entry in the form used by project events.
func Information(e Entry) projsys.ProjectInformation {
	info := projsys.ProjectInformation{
		Path:       e.Path,
		Frameworks: make([]projsys.FrameworkInformation, 0, len(e.States)),
	}
	for _, state := range e.States {
		fi := projsys.FrameworkInformation{
			Framework: state.Context.TargetFramework(),
			ProjectID: state.ID,
		}
		if named, ok := state.Context.(interface{ Name() string }); ok {
			fi.Name = named.Name()
		}
		info.Frameworks = append(info.Frameworks, fi)
	}
	return info
}

func (c *Cache) emit(kind string, e *entry) {
	if _, err := c.emitter.Emit(kind, Information(e.snapshot())); err != nil {
		c.logger.Error("failed to emit project event", slog.String("kind", kind),
			slog.String("path", e.path), "err", err)
	}
}

func (e *entry) snapshot() Entry {
	states := make([]State, 0, len(e.order))
	for _, fw := range e.order {
		states = append(states, *e.frameworks[fw])
	}
	return Entry{Path: e.path, States: states}
}

func dirKey(dir string) string {
	return cases.Fold().String(filepath.Clean(dir))
}

func frameworkKey(framework string) string {
	return cases.Fold().String(framework)
}
