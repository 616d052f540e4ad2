package projsys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
)

// RemoteWorkspace is the plugin side Workspace. Every call is encoded as a
// workspace-call envelope on the emitter; value-returning calls block until the host's
// reply is handed to HandleReply, the call timeout elapses, or the context ends.
//
// Each in-flight call owns its own reply channel keyed by session, so replies may
// arrive in any order. A timed out call does not retract its side effects on the host.
type RemoteWorkspace struct {
	emitter Emitter
	logger  *slog.Logger
	metrics *Metrics
	timeout time.Duration

	pending cmap.ConcurrentMap[uuid.UUID, chan CallReply]
}

// RemoteWorkspaceOption configures a RemoteWorkspace.
type RemoteWorkspaceOption func(*RemoteWorkspace)

// RemoteError is the failure the host reported for a remote workspace call.
type RemoteError struct {
	Operation string
	Message   string
}

var (
	defaultRemoteCallTimeout = 5 * time.Second

	// ErrCallTimeout is returned when no reply arrives within the call timeout.
	ErrCallTimeout = errors.New("remote call timed out")
)

// NewRemoteWorkspace creates a RemoteWorkspace that sends its calls through emitter.
func NewRemoteWorkspace(emitter Emitter, options ...RemoteWorkspaceOption) *RemoteWorkspace {
	r := &RemoteWorkspace{
		emitter: emitter,
		logger:  slog.Default(),
		timeout: defaultRemoteCallTimeout,
		pending: cmap.NewStringer[uuid.UUID, chan CallReply](),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// WithRemoteCallTimeout sets how long value-returning calls wait for their reply.
func WithRemoteCallTimeout(timeout time.Duration) RemoteWorkspaceOption {
	return func(r *RemoteWorkspace) {
		r.timeout = timeout
	}
}

// WithRemoteWorkspaceLogger sets the logger of the RemoteWorkspace.
func WithRemoteWorkspaceLogger(logger *slog.Logger) RemoteWorkspaceOption {
	return func(r *RemoteWorkspace) {
		r.logger = logger
	}
}

// WithRemoteWorkspaceMetrics records call durations in the metrics.
func WithRemoteWorkspaceMetrics(metrics *Metrics) RemoteWorkspaceOption {
	return func(r *RemoteWorkspace) {
		r.metrics = metrics
	}
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote execution of %s failed: %s", e.Operation, e.Message)
}

// HandleReply delivers a workspace-call reply to the call waiting on its session. It
// has the Handler signature so it can be registered on a Listener directly.
func (r *RemoteWorkspace) HandleReply(_ context.Context, env Envelope, _ Emitter) error {
	results, ok := r.pending.Pop(env.Session)
	if !ok {
		r.logger.Warn("received reply without waiter", slog.String("session", env.Session.String()))
		return nil
	}

	var reply CallReply
	if err := json.Unmarshal(env.Payload, &reply); err != nil {
		reply = CallReply{Error: fmt.Sprintf("failed to unmarshal reply: %v", err)}
	}

	// The channel is buffered and popped exactly once, so this never blocks.
	results <- reply
	return nil
}

// Pending returns the number of calls waiting for a reply.
func (r *RemoteWorkspace) Pending() int {
	return r.pending.Count()
}

// CreateNewProjectID implements Workspace.
func (r *RemoteWorkspace) CreateNewProjectID(ctx context.Context) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.call(ctx, OpCreateNewProjectID, &id)
	return id, err
}

// AddProject implements Workspace.
func (r *RemoteWorkspace) AddProject(
	_ context.Context,
	id uuid.UUID,
	name, assemblyName, language, filePath string,
) error {
	return r.send(OpAddProject, id, name, assemblyName, language, filePath)
}

// RemoveProject implements Workspace.
func (r *RemoteWorkspace) RemoveProject(_ context.Context, id uuid.UUID) error {
	return r.send(OpRemoveProject, id)
}

// AddProjectReference implements Workspace.
func (r *RemoteWorkspace) AddProjectReference(_ context.Context, projectID, referencedID uuid.UUID) error {
	return r.send(OpAddProjectReference, projectID, referencedID)
}

// RemoveProjectReference implements Workspace.
func (r *RemoteWorkspace) RemoveProjectReference(_ context.Context, projectID, referencedID uuid.UUID) error {
	return r.send(OpRemoveProjectReference, projectID, referencedID)
}

// GetProjectReferences implements Workspace.
func (r *RemoteWorkspace) GetProjectReferences(ctx context.Context, projectID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := r.call(ctx, OpGetProjectReferences, &ids, projectID)
	return ids, err
}

// AddDocument implements Workspace.
func (r *RemoteWorkspace) AddDocument(ctx context.Context, projectID uuid.UUID, filePath string) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.call(ctx, OpAddDocument, &id, projectID, filePath)
	return id, err
}

// RemoveDocument implements Workspace.
func (r *RemoteWorkspace) RemoveDocument(_ context.Context, projectID, documentID uuid.UUID) error {
	return r.send(OpRemoveDocument, projectID, documentID)
}

// GetDocuments implements Workspace.
func (r *RemoteWorkspace) GetDocuments(ctx context.Context, projectID uuid.UUID) (map[string]uuid.UUID, error) {
	var docs map[string]uuid.UUID
	err := r.call(ctx, OpGetDocuments, &docs, projectID)
	return docs, err
}

// GetProjectPathFromDocumentPath implements Workspace.
func (r *RemoteWorkspace) GetProjectPathFromDocumentPath(ctx context.Context, documentPath string) (string, error) {
	var path string
	err := r.call(ctx, OpGetProjectPathFromDocumentPath, &path, documentPath)
	return path, err
}

// AddFileReference implements Workspace.
func (r *RemoteWorkspace) AddFileReference(_ context.Context, projectID uuid.UUID, filePath string) error {
	return r.send(OpAddFileReference, projectID, filePath)
}

// RemoveFileReference implements Workspace.
func (r *RemoteWorkspace) RemoveFileReference(_ context.Context, projectID uuid.UUID, filePath string) error {
	return r.send(OpRemoveFileReference, projectID, filePath)
}

// AddAnalyzerReference implements Workspace.
func (r *RemoteWorkspace) AddAnalyzerReference(_ context.Context, projectID uuid.UUID, analyzerPath string) error {
	return r.send(OpAddAnalyzerReference, projectID, analyzerPath)
}

// RemoveAnalyzerReference implements Workspace.
func (r *RemoteWorkspace) RemoveAnalyzerReference(_ context.Context, projectID uuid.UUID, analyzerPath string) error {
	return r.send(OpRemoveAnalyzerReference, projectID, analyzerPath)
}

// GetAnalyzersInPaths implements Workspace.
func (r *RemoteWorkspace) GetAnalyzersInPaths(ctx context.Context, projectID uuid.UUID) ([]string, error) {
	var paths []string
	err := r.call(ctx, OpGetAnalyzersInPaths, &paths, projectID)
	return paths, err
}

// SetCompilationOptions implements Workspace.
func (r *RemoteWorkspace) SetCompilationOptions(
	_ context.Context,
	projectID uuid.UUID,
	options CompilationOptions,
) error {
	return r.send(OpSetCompilationOptions, projectID, options)
}

// SetCompilationOptionsForPath implements Workspace.
func (r *RemoteWorkspace) SetCompilationOptionsForPath(
	_ context.Context,
	projectID uuid.UUID,
	projectPath string,
	options CompilationOptions,
) error {
	return r.send(OpSetCompilationOptionsForPath, projectID, projectPath, options)
}

// SetParsingOptions implements Workspace.
func (r *RemoteWorkspace) SetParsingOptions(_ context.Context, projectID uuid.UUID, options ParsingOptions) error {
	return r.send(OpSetParsingOptions, projectID, options)
}

func (r *RemoteWorkspace) send(name string, args ...any) error {
	req, err := newCallRequest(name, args)
	if err != nil {
		return err
	}
	if _, err := r.emitter.Emit(KindWorkspaceCall, req); err != nil {
		return fmt.Errorf("failed to send %s: %w", name, err)
	}
	return nil
}

func (r *RemoteWorkspace) call(ctx context.Context, name string, result any, args ...any) (err error) {
	started := time.Now()
	defer func() { r.metrics.remoteCall(name, started, err) }()

	req, err := newCallRequest(name, args)
	if err != nil {
		return err
	}

	// Register before emitting, the reply may be read before EmitSession returns.
	session := uuid.New()
	results := make(chan CallReply, 1)
	r.pending.Set(session, results)
	defer r.pending.Remove(session)

	if err := r.emitter.EmitSession(session, KindWorkspaceCall, req); err != nil {
		return fmt.Errorf("failed to send %s: %w", name, err)
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	var reply CallReply
	select {
	case <-timer.C:
		return fmt.Errorf("remote execution of %s failed: %w", name, ErrCallTimeout)
	case <-ctx.Done():
		return fmt.Errorf("remote execution of %s failed: %w", name, ctx.Err())
	case reply = <-results:
	}

	if reply.Error != "" {
		return &RemoteError{Operation: name, Message: reply.Error}
	}
	if len(reply.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(reply.Result, result); err != nil {
		return fmt.Errorf("failed to unmarshal result of %s: %w", name, err)
	}
	return nil
}

func newCallRequest(name string, args []any) (CallRequest, error) {
	req := CallRequest{
		Name:      name,
		Arguments: make([]json.RawMessage, 0, len(args)),
	}
	for i, arg := range args {
		argBs, err := json.Marshal(arg)
		if err != nil {
			return CallRequest{}, fmt.Errorf("failed to marshal argument %d of %s: %w", i, name, err)
		}
		req.Arguments = append(req.Arguments, argBs)
	}
	return req, nil
}
