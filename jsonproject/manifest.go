package jsonproject

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/MegaGrindStone/go-projsys"
)

const (
	// ManifestName is the file that marks a project directory.
	ManifestName = "project.json"
	// LockFileName is written by a successful restore next to the manifest.
	LockFileName = "project.lock.json"

	sourceExtension = ".cs"
	defaultLanguage = "C#"
)

// Manifest is the content of a project.json file.
type Manifest struct {
	Name               string                     `json:"name"`
	Frameworks         map[string]json.RawMessage `json:"frameworks"`
	Dependencies       map[string]json.RawMessage `json:"dependencies"`
	CompilationOptions projsys.CompilationOptions `json:"compilationOptions"`
	LanguageVersion    string                     `json:"languageVersion"`
	Defines            []string                   `json:"defines"`

	// raw holds the file content, fingerprinted to notice edits.
	raw []byte
}

// frameworkContext is the build context of one framework of a manifest.
type frameworkContext struct {
	name      string
	framework string
}

var ignoredDirs = map[string]struct{}{
	"bin":          {},
	"obj":          {},
	"node_modules": {},
}

// ReadManifest reads and parses the manifest of dir. A manifest without a name is
// named after its directory.
func ReadManifest(dir string) (*Manifest, error) {
	bs, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(bs, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", filepath.Join(dir, ManifestName), err)
	}
	if m.Name == "" {
		m.Name = filepath.Base(dir)
	}
	m.raw = bs
	return &m, nil
}

// FrameworkNames returns the declared frameworks in sorted order. A manifest that
// declares none targets a single unnamed framework.
func (m *Manifest) FrameworkNames() []string {
	if len(m.Frameworks) == 0 {
		return []string{""}
	}
	names := make([]string, 0, len(m.Frameworks))
	for name := range m.Frameworks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DependencyNames returns the declared dependencies in sorted order.
func (m *Manifest) DependencyNames() []string {
	names := make([]string, 0, len(m.Dependencies))
	for name := range m.Dependencies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c frameworkContext) TargetFramework() string {
	return c.framework
}

func (c frameworkContext) Name() string {
	if c.framework == "" {
		return c.name
	}
	return c.name + "(" + c.framework + ")"
}

// Discover returns every directory under root holding a manifest, in lexical order.
func Discover(root string) ([]string, error) {
	var dirs []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are skipped, a missing root is not.
			if path == root {
				return err
			}
			return nil
		}
		if d.IsDir() {
			if path != root && skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() == ManifestName {
			dirs = append(dirs, filepath.Dir(path))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to discover projects under %s: %w", root, err)
	}
	return dirs, nil
}

// Sources returns the source files of the project in dir. Nested project directories
// belong to their own project.
func Sources(dir string) ([]string, error) {
	var sources []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path == dir {
				return nil
			}
			if skipDir(d.Name()) {
				return filepath.SkipDir
			}
			if _, err := os.Stat(filepath.Join(path, ManifestName)); err == nil {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.EqualFold(filepath.Ext(path), sourceExtension) {
			sources = append(sources, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sources of %s: %w", dir, err)
	}
	return sources, nil
}

func hasLockFile(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, LockFileName))
	return err == nil
}

func skipDir(name string) bool {
	if strings.HasPrefix(name, ".") {
		return true
	}
	_, ok := ignoredDirs[strings.ToLower(name)]
	return ok
}
