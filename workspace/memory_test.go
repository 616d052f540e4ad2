package workspace_test

import (
	"context"
	"sync"
	"testing"

	"github.com/MegaGrindStone/go-projsys"
	"github.com/MegaGrindStone/go-projsys/workspace"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ projsys.Workspace = (*workspace.Memory)(nil)

func addProject(t *testing.T, ws *workspace.Memory, name, path string) uuid.UUID {
	t.Helper()

	ctx := context.Background()
	id, err := ws.CreateNewProjectID(ctx)
	require.NoError(t, err)
	require.NoError(t, ws.AddProject(ctx, id, name, name, "C#", path))
	return id
}

func TestMemoryProjectLifecycle(t *testing.T) {
	ctx := context.Background()
	ws := workspace.NewMemory()

	app := addProject(t, ws, "app", "/src/app/project.json")
	lib := addProject(t, ws, "lib", "/src/lib/project.json")

	err := ws.AddProject(ctx, app, "dup", "dup", "C#", "/dup")
	assert.ErrorIs(t, err, workspace.ErrProjectExists)

	require.NoError(t, ws.AddProjectReference(ctx, app, lib))
	refs, err := ws.GetProjectReferences(ctx, app)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{lib}, refs)

	assert.ErrorIs(t, ws.AddProjectReference(ctx, app, uuid.New()), workspace.ErrProjectNotFound)

	require.NoError(t, ws.RemoveProject(ctx, lib))
	refs, err = ws.GetProjectReferences(ctx, app)
	require.NoError(t, err)
	assert.Empty(t, refs)

	assert.ErrorIs(t, ws.RemoveProject(ctx, lib), workspace.ErrProjectNotFound)
}

func TestMemoryDocuments(t *testing.T) {
	ctx := context.Background()
	ws := workspace.NewMemory()
	app := addProject(t, ws, "app", "/src/app/project.json")

	doc, err := ws.AddDocument(ctx, app, "/src/app/Program.cs")
	require.NoError(t, err)

	again, err := ws.AddDocument(ctx, app, "/src/app/Program.cs")
	require.NoError(t, err)
	assert.Equal(t, doc, again)

	docs, err := ws.GetDocuments(ctx, app)
	require.NoError(t, err)
	assert.Equal(t, map[string]uuid.UUID{"/src/app/Program.cs": doc}, docs)

	path, err := ws.GetProjectPathFromDocumentPath(ctx, "/SRC/APP/program.cs")
	require.NoError(t, err)
	assert.Equal(t, "/src/app/project.json", path)

	path, err = ws.GetProjectPathFromDocumentPath(ctx, "/elsewhere.cs")
	require.NoError(t, err)
	assert.Empty(t, path)

	require.NoError(t, ws.RemoveDocument(ctx, app, doc))
	assert.ErrorIs(t, ws.RemoveDocument(ctx, app, doc), workspace.ErrDocumentNotFound)

	_, err = ws.GetDocuments(ctx, uuid.New())
	assert.ErrorIs(t, err, workspace.ErrProjectNotFound)
}

func TestMemoryReferencesAndOptions(t *testing.T) {
	ctx := context.Background()
	ws := workspace.NewMemory()
	app := addProject(t, ws, "app", "/src/app/project.json")

	require.NoError(t, ws.AddFileReference(ctx, app, "/refs/b.dll"))
	require.NoError(t, ws.AddFileReference(ctx, app, "/refs/a.dll"))
	require.NoError(t, ws.RemoveFileReference(ctx, app, "/refs/b.dll"))

	require.NoError(t, ws.AddAnalyzerReference(ctx, app, "/analyzers/z.dll"))
	require.NoError(t, ws.AddAnalyzerReference(ctx, app, "/analyzers/y.dll"))
	analyzers, err := ws.GetAnalyzersInPaths(ctx, app)
	require.NoError(t, err)
	assert.Equal(t, []string{"/analyzers/y.dll", "/analyzers/z.dll"}, analyzers)
	require.NoError(t, ws.RemoveAnalyzerReference(ctx, app, "/analyzers/z.dll"))

	options := projsys.CompilationOptions{OutputKind: "Exe", AllowUnsafe: true}
	require.NoError(t, ws.SetCompilationOptionsForPath(ctx, app, "/src/app", options))
	require.NoError(t, ws.SetParsingOptions(ctx, app, projsys.ParsingOptions{Defines: []string{"DEBUG"}}))

	snapshot := ws.Snapshot()
	require.Len(t, snapshot, 1)
	p := snapshot[0]
	assert.Equal(t, "app", p.Name)
	assert.Equal(t, []string{"/refs/a.dll"}, p.FileReferences)
	assert.Equal(t, []string{"/analyzers/y.dll"}, p.AnalyzerReferences)
	assert.Equal(t, options, p.CompilationOptions)
	assert.Equal(t, "/src/app", p.OptionsPath)
	assert.Equal(t, []string{"DEBUG"}, p.ParsingOptions.Defines)

	require.NoError(t, ws.SetCompilationOptions(ctx, app, projsys.CompilationOptions{OutputKind: "Library"}))
	assert.Equal(t, "Library", ws.Snapshot()[0].CompilationOptions.OutputKind)
}

func TestMemorySnapshotIsACopy(t *testing.T) {
	ctx := context.Background()
	ws := workspace.NewMemory()
	app := addProject(t, ws, "app", "/src/app/project.json")
	_, err := ws.AddDocument(ctx, app, "/src/app/a.cs")
	require.NoError(t, err)

	snapshot := ws.Snapshot()
	snapshot[0].Documents["/injected.cs"] = uuid.New()

	docs, err := ws.GetDocuments(ctx, app)
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestMemoryConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	ws := workspace.NewMemory()
	app := addProject(t, ws, "app", "/src/app/project.json")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			doc, err := ws.AddDocument(ctx, app, uuid.NewString()+".cs")
			assert.NoError(t, err)
			_, err = ws.GetDocuments(ctx, app)
			assert.NoError(t, err)
			assert.NoError(t, ws.RemoveDocument(ctx, app, doc))
			_ = ws.Snapshot()
		}()
	}
	wg.Wait()

	docs, err := ws.GetDocuments(ctx, app)
	require.NoError(t, err)
	assert.Empty(t, docs)
}
