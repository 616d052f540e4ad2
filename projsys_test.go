package projsys_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/MegaGrindStone/go-projsys"
	"github.com/google/uuid"
)

type mockWorkspace struct {
	err error

	lock  sync.Mutex
	calls []mockCall

	projectID uuid.UUID
	documents map[string]uuid.UUID
}

type mockCall struct {
	name string
	args []any
}

type emitted struct {
	session uuid.UUID
	kind    string
	payload json.RawMessage
}

type recordingEmitter struct {
	err error

	lock sync.Mutex
	sent []emitted
	// notify receives every emitted envelope when not nil.
	notify chan emitted
}

// loopbackEmitter hands every envelope to deliver on its own goroutine, the way a
// peer on the other side of a pipe would see it.
type loopbackEmitter struct {
	deliver func(env projsys.Envelope)
}

type publishedEvents struct {
	lock   sync.Mutex
	events []projsys.Event
}

var errWorkspace = errors.New("workspace failure")

func (m *mockWorkspace) record(name string, args ...any) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.calls = append(m.calls, mockCall{name: name, args: args})
	return m.err
}

func (m *mockWorkspace) recorded() []mockCall {
	m.lock.Lock()
	defer m.lock.Unlock()

	return append([]mockCall(nil), m.calls...)
}

func (m *mockWorkspace) CreateNewProjectID(context.Context) (uuid.UUID, error) {
	return m.projectID, m.record(projsys.OpCreateNewProjectID)
}

func (m *mockWorkspace) AddProject(_ context.Context, id uuid.UUID, name, assemblyName, language, filePath string) error {
	return m.record(projsys.OpAddProject, id, name, assemblyName, language, filePath)
}

func (m *mockWorkspace) RemoveProject(_ context.Context, id uuid.UUID) error {
	return m.record(projsys.OpRemoveProject, id)
}

func (m *mockWorkspace) AddProjectReference(_ context.Context, projectID, referencedID uuid.UUID) error {
	return m.record(projsys.OpAddProjectReference, projectID, referencedID)
}

func (m *mockWorkspace) RemoveProjectReference(_ context.Context, projectID, referencedID uuid.UUID) error {
	return m.record(projsys.OpRemoveProjectReference, projectID, referencedID)
}

func (m *mockWorkspace) GetProjectReferences(_ context.Context, projectID uuid.UUID) ([]uuid.UUID, error) {
	return []uuid.UUID{m.projectID}, m.record(projsys.OpGetProjectReferences, projectID)
}

func (m *mockWorkspace) AddDocument(_ context.Context, projectID uuid.UUID, filePath string) (uuid.UUID, error) {
	return m.documents[filePath], m.record(projsys.OpAddDocument, projectID, filePath)
}

func (m *mockWorkspace) RemoveDocument(_ context.Context, projectID, documentID uuid.UUID) error {
	return m.record(projsys.OpRemoveDocument, projectID, documentID)
}

func (m *mockWorkspace) GetDocuments(_ context.Context, projectID uuid.UUID) (map[string]uuid.UUID, error) {
	return m.documents, m.record(projsys.OpGetDocuments, projectID)
}

func (m *mockWorkspace) GetProjectPathFromDocumentPath(_ context.Context, documentPath string) (string, error) {
	return "/src/app/project.json", m.record(projsys.OpGetProjectPathFromDocumentPath, documentPath)
}

func (m *mockWorkspace) AddFileReference(_ context.Context, projectID uuid.UUID, filePath string) error {
	return m.record(projsys.OpAddFileReference, projectID, filePath)
}

func (m *mockWorkspace) RemoveFileReference(_ context.Context, projectID uuid.UUID, filePath string) error {
	return m.record(projsys.OpRemoveFileReference, projectID, filePath)
}

func (m *mockWorkspace) AddAnalyzerReference(_ context.Context, projectID uuid.UUID, analyzerPath string) error {
	return m.record(projsys.OpAddAnalyzerReference, projectID, analyzerPath)
}

func (m *mockWorkspace) RemoveAnalyzerReference(_ context.Context, projectID uuid.UUID, analyzerPath string) error {
	return m.record(projsys.OpRemoveAnalyzerReference, projectID, analyzerPath)
}

func (m *mockWorkspace) GetAnalyzersInPaths(_ context.Context, projectID uuid.UUID) ([]string, error) {
	return []string{"/analyzers/a.dll"}, m.record(projsys.OpGetAnalyzersInPaths, projectID)
}

func (m *mockWorkspace) SetCompilationOptions(
	_ context.Context,
	projectID uuid.UUID,
	options projsys.CompilationOptions,
) error {
	return m.record(projsys.OpSetCompilationOptions, projectID, options)
}

func (m *mockWorkspace) SetCompilationOptionsForPath(
	_ context.Context,
	projectID uuid.UUID,
	projectPath string,
	options projsys.CompilationOptions,
) error {
	return m.record(projsys.OpSetCompilationOptionsForPath, projectID, projectPath, options)
}

func (m *mockWorkspace) SetParsingOptions(_ context.Context, projectID uuid.UUID, options projsys.ParsingOptions) error {
	return m.record(projsys.OpSetParsingOptions, projectID, options)
}

func (r *recordingEmitter) Emit(kind string, payload any) (uuid.UUID, error) {
	session := uuid.New()
	return session, r.EmitSession(session, kind, payload)
}

func (r *recordingEmitter) EmitSession(session uuid.UUID, kind string, payload any) error {
	if r.err != nil {
		return r.err
	}

	payloadBs, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	e := emitted{session: session, kind: kind, payload: payloadBs}

	r.lock.Lock()
	r.sent = append(r.sent, e)
	r.lock.Unlock()

	if r.notify != nil {
		r.notify <- e
	}
	return nil
}

func (r *recordingEmitter) all() []emitted {
	r.lock.Lock()
	defer r.lock.Unlock()

	return append([]emitted(nil), r.sent...)
}

func (l loopbackEmitter) Emit(kind string, payload any) (uuid.UUID, error) {
	session := uuid.New()
	return session, l.EmitSession(session, kind, payload)
}

func (l loopbackEmitter) EmitSession(session uuid.UUID, kind string, payload any) error {
	line, err := projsys.Encode(session, kind, payload)
	if err != nil {
		return err
	}
	env, err := projsys.Decode(line)
	if err != nil {
		return err
	}
	go l.deliver(env)
	return nil
}

func (p *publishedEvents) Publish(event projsys.Event) {
	p.lock.Lock()
	defer p.lock.Unlock()

	p.events = append(p.events, event)
}

func (p *publishedEvents) all() []projsys.Event {
	p.lock.Lock()
	defer p.lock.Unlock()

	return append([]projsys.Event(nil), p.events...)
}

func mustJSON(v any) json.RawMessage {
	bs, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return bs
}

func callEnvelope(name string, args ...any) projsys.Envelope {
	req := projsys.CallRequest{Name: name}
	for _, arg := range args {
		req.Arguments = append(req.Arguments, mustJSON(arg))
	}
	return projsys.Envelope{
		Session: uuid.New(),
		Kind:    projsys.KindWorkspaceCall,
		Payload: mustJSON(req),
	}
}

func waitFor(cond func() bool, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return fmt.Errorf("condition not met within %s", timeout)
}

func helperPlugin(name, mode string) projsys.PluginConfig {
	return projsys.PluginConfig{
		Name:       name,
		Executable: os.Args[0],
		Args:       []string{"-test.run=TestHelperProcess", "--"},
		Env:        []string{"GO_WANT_HELPER_PROCESS=1", "HELPER_MODE=" + mode},
		Settings:   json.RawMessage(`{"verbose":true}`),
	}
}
