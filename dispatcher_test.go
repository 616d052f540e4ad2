package projsys_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/MegaGrindStone/go-projsys"
	"github.com/google/uuid"
)

func TestDispatcherValueOperations(t *testing.T) {
	projectID := uuid.New()
	documentID := uuid.New()

	type testCase struct {
		name       string
		env        projsys.Envelope
		wantResult string
	}

	testCases := []testCase{
		{
			name:       "create project id",
			env:        callEnvelope(projsys.OpCreateNewProjectID),
			wantResult: string(mustJSON(projectID)),
		},
		{
			name:       "add document",
			env:        callEnvelope(projsys.OpAddDocument, projectID, "/src/app/a.cs"),
			wantResult: string(mustJSON(documentID)),
		},
		{
			name:       "get documents",
			env:        callEnvelope(projsys.OpGetDocuments, projectID),
			wantResult: string(mustJSON(map[string]uuid.UUID{"/src/app/a.cs": documentID})),
		},
		{
			name:       "project path from document",
			env:        callEnvelope(projsys.OpGetProjectPathFromDocumentPath, "/src/app/a.cs"),
			wantResult: `"/src/app/project.json"`,
		},
		{
			name:       "analyzers",
			env:        callEnvelope(projsys.OpGetAnalyzersInPaths, projectID),
			wantResult: `["/analyzers/a.dll"]`,
		},
		{
			name:       "project references",
			env:        callEnvelope(projsys.OpGetProjectReferences, projectID),
			wantResult: string(mustJSON([]uuid.UUID{projectID})),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ws := &mockWorkspace{
				projectID: projectID,
				documents: map[string]uuid.UUID{"/src/app/a.cs": documentID},
			}
			emitter := &recordingEmitter{}

			if err := projsys.NewDispatcher(ws).Invoke(context.Background(), tc.env, emitter); err != nil {
				t.Fatalf("failed to invoke: %v", err)
			}

			sent := emitter.all()
			if len(sent) != 1 {
				t.Fatalf("expected one reply, got %d", len(sent))
			}
			if sent[0].session != tc.env.Session {
				t.Errorf("expected reply session %s, got %s", tc.env.Session, sent[0].session)
			}
			if sent[0].kind != projsys.KindWorkspaceCall {
				t.Errorf("expected reply kind %s, got %s", projsys.KindWorkspaceCall, sent[0].kind)
			}

			var reply projsys.CallReply
			if err := json.Unmarshal(sent[0].payload, &reply); err != nil {
				t.Fatalf("failed to unmarshal reply: %v", err)
			}
			if string(reply.Result) != tc.wantResult {
				t.Errorf("expected result %s, got %s", tc.wantResult, reply.Result)
			}
			if len(ws.recorded()) != 1 {
				t.Errorf("expected exactly one workspace call, got %d", len(ws.recorded()))
			}
		})
	}
}

func TestDispatcherVoidOperations(t *testing.T) {
	projectID := uuid.New()
	otherID := uuid.New()
	options := projsys.CompilationOptions{OutputKind: "Exe", Optimize: true}

	type testCase struct {
		name     string
		env      projsys.Envelope
		wantArgs []any
	}

	testCases := []testCase{
		{
			name:     "add project",
			env:      callEnvelope(projsys.OpAddProject, projectID, "app", "App", "C#", "/src/app/project.json"),
			wantArgs: []any{projectID, "app", "App", "C#", "/src/app/project.json"},
		},
		{
			name:     "remove project",
			env:      callEnvelope(projsys.OpRemoveProject, projectID),
			wantArgs: []any{projectID},
		},
		{
			name:     "add project reference",
			env:      callEnvelope(projsys.OpAddProjectReference, projectID, otherID),
			wantArgs: []any{projectID, otherID},
		},
		{
			name:     "remove file reference",
			env:      callEnvelope(projsys.OpRemoveFileReference, projectID, "/refs/a.dll"),
			wantArgs: []any{projectID, "/refs/a.dll"},
		},
		{
			name:     "compilation options",
			env:      callEnvelope(projsys.OpSetCompilationOptions, projectID, options),
			wantArgs: []any{projectID, options},
		},
		{
			name:     "compilation options for path",
			env:      callEnvelope(projsys.OpSetCompilationOptionsForPath, projectID, "/src/app", options),
			wantArgs: []any{projectID, "/src/app", options},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ws := &mockWorkspace{}
			emitter := &recordingEmitter{}

			if err := projsys.NewDispatcher(ws).Invoke(context.Background(), tc.env, emitter); err != nil {
				t.Fatalf("failed to invoke: %v", err)
			}
			if len(emitter.all()) != 0 {
				t.Errorf("void operation replied: %+v", emitter.all())
			}

			calls := ws.recorded()
			if len(calls) != 1 {
				t.Fatalf("expected one call, got %d", len(calls))
			}
			if string(mustJSON(calls[0].args)) != string(mustJSON(tc.wantArgs)) {
				t.Errorf("expected args %v, got %v", tc.wantArgs, calls[0].args)
			}
		})
	}
}

func TestDispatcherMalformedCalls(t *testing.T) {
	type testCase struct {
		name    string
		env     projsys.Envelope
		wantErr error
	}

	testCases := []testCase{
		{
			name:    "unknown operation",
			env:     callEnvelope("FormatDisk"),
			wantErr: projsys.ErrUnknownOperation,
		},
		{
			name:    "too few arguments",
			env:     callEnvelope(projsys.OpAddDocument, uuid.New()),
			wantErr: projsys.ErrArgumentCount,
		},
		{
			name:    "too many arguments",
			env:     callEnvelope(projsys.OpCreateNewProjectID, "extra"),
			wantErr: projsys.ErrArgumentCount,
		},
		{
			name:    "argument of the wrong type",
			env:     callEnvelope(projsys.OpRemoveProject, 42),
			wantErr: projsys.ErrInvalidArgument,
		},
		{
			name:    "argument that is not an identifier",
			env:     callEnvelope(projsys.OpGetDocuments, "not-a-uuid"),
			wantErr: projsys.ErrInvalidArgument,
		},
		{
			name: "payload that is not a call",
			env: projsys.Envelope{
				Session: uuid.New(),
				Kind:    projsys.KindWorkspaceCall,
				Payload: json.RawMessage(`[1,2]`),
			},
			wantErr: projsys.ErrInvalidArgument,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ws := &mockWorkspace{}
			emitter := &recordingEmitter{}

			err := projsys.NewDispatcher(ws).Invoke(context.Background(), tc.env, emitter)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if len(ws.recorded()) != 0 {
				t.Errorf("workspace was called: %+v", ws.recorded())
			}
			if len(emitter.all()) != 0 {
				t.Errorf("malformed call was answered: %+v", emitter.all())
			}
		})
	}
}

func TestDispatcherWorkspaceErrors(t *testing.T) {
	ws := &mockWorkspace{err: errWorkspace}
	emitter := &recordingEmitter{}
	dispatcher := projsys.NewDispatcher(ws)

	// Value operations report the failure to the caller.
	env := callEnvelope(projsys.OpGetDocuments, uuid.New())
	if err := dispatcher.Invoke(context.Background(), env, emitter); err != nil {
		t.Fatalf("failed to invoke: %v", err)
	}
	sent := emitter.all()
	if len(sent) != 1 {
		t.Fatalf("expected one reply, got %d", len(sent))
	}
	var reply projsys.CallReply
	if err := json.Unmarshal(sent[0].payload, &reply); err != nil {
		t.Fatalf("failed to unmarshal reply: %v", err)
	}
	if reply.Error != errWorkspace.Error() || len(reply.Result) != 0 {
		t.Errorf("expected error reply, got %+v", reply)
	}

	// Void operations have nobody to report to.
	err := dispatcher.Invoke(context.Background(), callEnvelope(projsys.OpRemoveProject, uuid.New()), emitter)
	if !errors.Is(err, errWorkspace) {
		t.Errorf("expected %v, got %v", errWorkspace, err)
	}
	if len(emitter.all()) != 1 {
		t.Errorf("void operation replied")
	}
}
