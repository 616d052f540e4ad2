package projsys

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// Envelope kinds exchanged between the host and its plugins.
const (
	KindInitialize           = "initialize-project-system"
	KindWorkspaceCall        = "workspace-call"
	KindWorkspaceInformation = "workspace-information"
	KindTrace                = "trace"

	KindProjectAdded           = "project-added"
	KindProjectChanged         = "project-changed"
	KindProjectRemoved         = "project-removed"
	KindPackageRestoreStarted  = "package-restore-started"
	KindPackageRestoreFinished = "package-restore-finished"
	KindUnresolvedDependencies = "unresolved-dependencies"
	KindBuildDiagnostics       = "build-diagnostics"
	KindError                  = "error"
)

// Emitter writes envelopes to one transport.
type Emitter interface {
	// Emit encodes the payload under a freshly allocated session and writes it. The
	// session is returned so the caller can correlate a reply with it.
	Emit(kind string, payload any) (uuid.UUID, error)

	// EmitSession writes the payload under the given session. Replies use this to
	// carry the session of the request they answer.
	EmitSession(session uuid.UUID, kind string, payload any) error
}

// Handler processes one decoded envelope. The emitter is the transport the envelope
// arrived on, so replies written to it reach the sender.
type Handler func(ctx context.Context, env Envelope, emitter Emitter) error

// EventPublisher receives the plugin envelopes that cross into the host's public
// event surface.
type EventPublisher interface {
	Publish(event Event)
}

// EventPublisherFunc adapts a function to the EventPublisher interface.
type EventPublisherFunc func(Event)

// Event is a plugin envelope republished as a host-level event.
type Event struct {
	Plugin  string          `json:"plugin"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Workspace is the project and document model that plugins mutate. The host owns the
// real implementation; plugins hold a RemoteWorkspace that forwards every call to it.
type Workspace interface {
	CreateNewProjectID(ctx context.Context) (uuid.UUID, error)
	AddProject(ctx context.Context, id uuid.UUID, name, assemblyName, language, filePath string) error
	RemoveProject(ctx context.Context, id uuid.UUID) error

	AddProjectReference(ctx context.Context, projectID, referencedID uuid.UUID) error
	RemoveProjectReference(ctx context.Context, projectID, referencedID uuid.UUID) error
	GetProjectReferences(ctx context.Context, projectID uuid.UUID) ([]uuid.UUID, error)

	AddDocument(ctx context.Context, projectID uuid.UUID, filePath string) (uuid.UUID, error)
	RemoveDocument(ctx context.Context, projectID, documentID uuid.UUID) error
	GetDocuments(ctx context.Context, projectID uuid.UUID) (map[string]uuid.UUID, error)
	GetProjectPathFromDocumentPath(ctx context.Context, documentPath string) (string, error)

	AddFileReference(ctx context.Context, projectID uuid.UUID, filePath string) error
	RemoveFileReference(ctx context.Context, projectID uuid.UUID, filePath string) error

	AddAnalyzerReference(ctx context.Context, projectID uuid.UUID, analyzerPath string) error
	RemoveAnalyzerReference(ctx context.Context, projectID uuid.UUID, analyzerPath string) error
	GetAnalyzersInPaths(ctx context.Context, projectID uuid.UUID) ([]string, error)

	SetCompilationOptions(ctx context.Context, projectID uuid.UUID, options CompilationOptions) error
	SetCompilationOptionsForPath(
		ctx context.Context,
		projectID uuid.UUID,
		projectPath string,
		options CompilationOptions,
	) error
	SetParsingOptions(ctx context.Context, projectID uuid.UUID, options ParsingOptions) error
}

// Publish implements EventPublisher.
func (f EventPublisherFunc) Publish(event Event) {
	f(event)
}
