// Package workspace provides an in-memory projsys.Workspace for hosts that keep their
// project model in process.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/MegaGrindStone/go-projsys"
	"github.com/google/uuid"
)

// Memory is a thread-safe in-memory workspace.
type Memory struct {
	logger *slog.Logger

	lock     sync.RWMutex
	projects map[uuid.UUID]*project
	// reserved holds identifiers handed out by CreateNewProjectID and not yet used.
	reserved map[uuid.UUID]struct{}
}

// Option configures a Memory workspace.
type Option func(*Memory)

// Project is a snapshot of one project in the workspace.
type Project struct {
	ID                 uuid.UUID                  `json:"id"`
	Name               string                     `json:"name"`
	AssemblyName       string                     `json:"assemblyName"`
	Language           string                     `json:"language"`
	FilePath           string                     `json:"filePath"`
	Documents          map[string]uuid.UUID       `json:"documents"`
	ProjectReferences  []uuid.UUID                `json:"projectReferences"`
	FileReferences     []string                   `json:"fileReferences"`
	AnalyzerReferences []string                   `json:"analyzerReferences"`
	CompilationOptions projsys.CompilationOptions `json:"compilationOptions"`
	OptionsPath        string                     `json:"optionsPath,omitempty"`
	ParsingOptions     projsys.ParsingOptions     `json:"parsingOptions"`
}

type project struct {
	Project

	projectRefs  map[uuid.UUID]struct{}
	fileRefs     map[string]struct{}
	analyzerRefs map[string]struct{}
}

var (
	// ErrProjectNotFound is returned for operations on unknown projects.
	ErrProjectNotFound = errors.New("project not found")
	// ErrProjectExists is returned when adding a project whose identifier is taken.
	ErrProjectExists = errors.New("project already exists")
	// ErrDocumentNotFound is returned when removing an unknown document.
	ErrDocumentNotFound = errors.New("document not found")
)

// NewMemory creates an empty workspace.
func NewMemory(options ...Option) *Memory {
	m := &Memory{
		logger:   slog.Default(),
		projects: make(map[uuid.UUID]*project),
		reserved: make(map[uuid.UUID]struct{}),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// WithLogger sets the logger of the workspace.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Memory) {
		m.logger = logger
	}
}

// CreateNewProjectID implements projsys.Workspace.
func (m *Memory) CreateNewProjectID(context.Context) (uuid.UUID, error) {
	m.lock.Lock()
	defer m.lock.Unlock()

	id := uuid.New()
	m.reserved[id] = struct{}{}
	return id, nil
}

// AddProject implements projsys.Workspace.
func (m *Memory) AddProject(_ context.Context, id uuid.UUID, name, assemblyName, language, filePath string) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.projects[id]; ok {
		return fmt.Errorf("%w: %s", ErrProjectExists, id)
	}
	delete(m.reserved, id)

	m.projects[id] = &project{
		Project: Project{
			ID:           id,
			Name:         name,
			AssemblyName: assemblyName,
			Language:     language,
			FilePath:     filePath,
			Documents:    make(map[string]uuid.UUID),
		},
		projectRefs:  make(map[uuid.UUID]struct{}),
		fileRefs:     make(map[string]struct{}),
		analyzerRefs: make(map[string]struct{}),
	}
	m.logger.Debug("project added", slog.String("id", id.String()), slog.String("name", name))
	return nil
}

// RemoveProject implements projsys.Workspace. References to the project from other
// projects are dropped as well.
func (m *Memory) RemoveProject(_ context.Context, id uuid.UUID) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	if _, ok := m.projects[id]; !ok {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, id)
	}
	delete(m.projects, id)
	for _, p := range m.projects {
		delete(p.projectRefs, id)
	}
	m.logger.Debug("project removed", slog.String("id", id.String()))
	return nil
}

// AddProjectReference implements projsys.Workspace.
func (m *Memory) AddProjectReference(_ context.Context, projectID, referencedID uuid.UUID) error {
	return m.update(projectID, func(p *project) error {
		if _, ok := m.projects[referencedID]; !ok {
			return fmt.Errorf("%w: %s", ErrProjectNotFound, referencedID)
		}
		p.projectRefs[referencedID] = struct{}{}
		return nil
	})
}

// RemoveProjectReference implements projsys.Workspace.
func (m *Memory) RemoveProjectReference(_ context.Context, projectID, referencedID uuid.UUID) error {
	return m.update(projectID, func(p *project) error {
		delete(p.projectRefs, referencedID)
		return nil
	})
}

// GetProjectReferences implements projsys.Workspace.
func (m *Memory) GetProjectReferences(_ context.Context, projectID uuid.UUID) ([]uuid.UUID, error) {
	var refs []uuid.UUID
	err := m.read(projectID, func(p *project) {
		refs = sortedIDs(p.projectRefs)
	})
	return refs, err
}

// AddDocument implements projsys.Workspace. Adding a path twice returns the existing
// document.
func (m *Memory) AddDocument(_ context.Context, projectID uuid.UUID, filePath string) (uuid.UUID, error) {
	var id uuid.UUID
	err := m.update(projectID, func(p *project) error {
		if existing, ok := p.Documents[filePath]; ok {
			id = existing
			return nil
		}
		id = uuid.New()
		p.Documents[filePath] = id
		return nil
	})
	return id, err
}

// RemoveDocument implements projsys.Workspace.
func (m *Memory) RemoveDocument(_ context.Context, projectID, documentID uuid.UUID) error {
	return m.update(projectID, func(p *project) error {
		for path, id := range p.Documents {
			if id == documentID {
				delete(p.Documents, path)
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrDocumentNotFound, documentID)
	})
}

// GetDocuments implements projsys.Workspace.
func (m *Memory) GetDocuments(_ context.Context, projectID uuid.UUID) (map[string]uuid.UUID, error) {
	var docs map[string]uuid.UUID
	err := m.read(projectID, func(p *project) {
		docs = make(map[string]uuid.UUID, len(p.Documents))
		for path, id := range p.Documents {
			docs[path] = id
		}
	})
	return docs, err
}

// GetProjectPathFromDocumentPath implements projsys.Workspace. Paths compare
// case-insensitively; an unknown document yields an empty path.
func (m *Memory) GetProjectPathFromDocumentPath(_ context.Context, documentPath string) (string, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	want := filepath.Clean(documentPath)
	for _, p := range m.sortedProjects() {
		for path := range p.Documents {
			if strings.EqualFold(filepath.Clean(path), want) {
				return p.FilePath, nil
			}
		}
	}
	return "", nil
}

// AddFileReference implements projsys.Workspace.
func (m *Memory) AddFileReference(_ context.Context, projectID uuid.UUID, filePath string) error {
	return m.update(projectID, func(p *project) error {
		p.fileRefs[filePath] = struct{}{}
		return nil
	})
}

// RemoveFileReference implements projsys.Workspace.
func (m *Memory) RemoveFileReference(_ context.Context, projectID uuid.UUID, filePath string) error {
	return m.update(projectID, func(p *project) error {
		delete(p.fileRefs, filePath)
		return nil
	})
}

// AddAnalyzerReference implements projsys.Workspace.
func (m *Memory) AddAnalyzerReference(_ context.Context, projectID uuid.UUID, analyzerPath string) error {
	return m.update(projectID, func(p *project) error {
		p.analyzerRefs[analyzerPath] = struct{}{}
		return nil
	})
}

// RemoveAnalyzerReference implements projsys.Workspace.
func (m *Memory) RemoveAnalyzerReference(_ context.Context, projectID uuid.UUID, analyzerPath string) error {
	return m.update(projectID, func(p *project) error {
		delete(p.analyzerRefs, analyzerPath)
		return nil
	})
}

// GetAnalyzersInPaths implements projsys.Workspace.
func (m *Memory) GetAnalyzersInPaths(_ context.Context, projectID uuid.UUID) ([]string, error) {
	var paths []string
	err := m.read(projectID, func(p *project) {
		paths = sortedStrings(p.analyzerRefs)
	})
	return paths, err
}

// SetCompilationOptions implements projsys.Workspace.
func (m *Memory) SetCompilationOptions(_ context.Context, projectID uuid.UUID, options projsys.CompilationOptions) error {
	return m.update(projectID, func(p *project) error {
		p.CompilationOptions = options
		return nil
	})
}

// SetCompilationOptionsForPath implements projsys.Workspace. The path is recorded as
// the base for relative option values such as the key file.
func (m *Memory) SetCompilationOptionsForPath(
	_ context.Context,
	projectID uuid.UUID,
	projectPath string,
	options projsys.CompilationOptions,
) error {
	return m.update(projectID, func(p *project) error {
		p.CompilationOptions = options
		p.OptionsPath = projectPath
		return nil
	})
}

// SetParsingOptions implements projsys.Workspace.
func (m *Memory) SetParsingOptions(_ context.Context, projectID uuid.UUID, options projsys.ParsingOptions) error {
	return m.update(projectID, func(p *project) error {
		p.ParsingOptions = options
		return nil
	})
}

// Snapshot returns a copy of every project ordered by file path.
func (m *Memory) Snapshot() []Project {
	m.lock.RLock()
	defer m.lock.RUnlock()

	projects := make([]Project, 0, len(m.projects))
	for _, p := range m.sortedProjects() {
		snap := p.Project
		snap.Documents = make(map[string]uuid.UUID, len(p.Documents))
		for path, id := range p.Documents {
			snap.Documents[path] = id
		}
		snap.ProjectReferences = sortedIDs(p.projectRefs)
		snap.FileReferences = sortedStrings(p.fileRefs)
		snap.AnalyzerReferences = sortedStrings(p.analyzerRefs)
		projects = append(projects, snap)
	}
	return projects
}

func (m *Memory) update(projectID uuid.UUID, fn func(p *project) error) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	p, ok := m.projects[projectID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
	}
	return fn(p)
}

func (m *Memory) read(projectID uuid.UUID, fn func(p *project)) error {
	m.lock.RLock()
	defer m.lock.RUnlock()

	p, ok := m.projects[projectID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrProjectNotFound, projectID)
	}
	fn(p)
	return nil
}

func (m *Memory) sortedProjects() []*project {
	projects := make([]*project, 0, len(m.projects))
	for _, p := range m.projects {
		projects = append(projects, p)
	}
	sort.Slice(projects, func(i, j int) bool {
		if projects[i].FilePath != projects[j].FilePath {
			return projects[i].FilePath < projects[j].FilePath
		}
		return projects[i].ID.String() < projects[j].ID.String()
	})
	return projects
}

func sortedIDs(set map[uuid.UUID]struct{}) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

func sortedStrings(set map[string]struct{}) []string {
	values := make([]string, 0, len(set))
	for v := range set {
		values = append(values, v)
	}
	sort.Strings(values)
	return values
}
