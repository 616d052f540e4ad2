package projsys

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Workspace operation names carried in workspace-call payloads.
const (
	OpCreateNewProjectID             = "CreateNewProjectID"
	OpAddProject                     = "AddProject"
	OpRemoveProject                  = "RemoveProject"
	OpAddProjectReference            = "AddProjectReference"
	OpRemoveProjectReference         = "RemoveProjectReference"
	OpGetProjectReferences           = "GetProjectReferences"
	OpAddDocument                    = "AddDocument"
	OpRemoveDocument                 = "RemoveDocument"
	OpGetDocuments                   = "GetDocuments"
	OpGetProjectPathFromDocumentPath = "GetProjectPathFromDocumentPath"
	OpAddFileReference               = "AddFileReference"
	OpRemoveFileReference            = "RemoveFileReference"
	OpAddAnalyzerReference           = "AddAnalyzerReference"
	OpRemoveAnalyzerReference        = "RemoveAnalyzerReference"
	OpGetAnalyzersInPaths            = "GetAnalyzersInPaths"
	OpSetCompilationOptions          = "SetCompilationOptions"
	OpSetCompilationOptionsForPath   = "SetCompilationOptionsForPath"
	OpSetParsingOptions              = "SetParsingOptions"
)

// operation binds one operation name to a typed workspace method. Operations with
// returnsValue set are answered with a reply; the others are fire and forget.
type operation struct {
	arity        int
	returnsValue bool
	invoke       func(ctx context.Context, ws Workspace, args []json.RawMessage) (any, error)
}

var operations = map[string]operation{
	OpCreateNewProjectID: query0(Workspace.CreateNewProjectID),
	OpAddProject: {
		arity: 5,
		invoke: func(ctx context.Context, ws Workspace, args []json.RawMessage) (any, error) {
			var (
				id                                     uuid.UUID
				name, assemblyName, language, filePath string
			)
			if err := decodeArguments(args, &id, &name, &assemblyName, &language, &filePath); err != nil {
				return nil, err
			}
			return nil, ws.AddProject(ctx, id, name, assemblyName, language, filePath)
		},
	},
	OpRemoveProject:                  command1(Workspace.RemoveProject),
	OpAddProjectReference:            command2(Workspace.AddProjectReference),
	OpRemoveProjectReference:         command2(Workspace.RemoveProjectReference),
	OpGetProjectReferences:           query1(Workspace.GetProjectReferences),
	OpAddDocument:                    query2(Workspace.AddDocument),
	OpRemoveDocument:                 command2(Workspace.RemoveDocument),
	OpGetDocuments:                   query1(Workspace.GetDocuments),
	OpGetProjectPathFromDocumentPath: query1(Workspace.GetProjectPathFromDocumentPath),
	OpAddFileReference:               command2(Workspace.AddFileReference),
	OpRemoveFileReference:            command2(Workspace.RemoveFileReference),
	OpAddAnalyzerReference:           command2(Workspace.AddAnalyzerReference),
	OpRemoveAnalyzerReference:        command2(Workspace.RemoveAnalyzerReference),
	OpGetAnalyzersInPaths:            query1(Workspace.GetAnalyzersInPaths),
	OpSetCompilationOptions:          command2(Workspace.SetCompilationOptions),
	OpSetCompilationOptionsForPath:   command3(Workspace.SetCompilationOptionsForPath),
	OpSetParsingOptions:              command2(Workspace.SetParsingOptions),
}

func command1[A any](call func(Workspace, context.Context, A) error) operation {
	return operation{
		arity: 1,
		invoke: func(ctx context.Context, ws Workspace, args []json.RawMessage) (any, error) {
			var a A
			if err := decodeArguments(args, &a); err != nil {
				return nil, err
			}
			return nil, call(ws, ctx, a)
		},
	}
}

func command2[A, B any](call func(Workspace, context.Context, A, B) error) operation {
	return operation{
		arity: 2,
		invoke: func(ctx context.Context, ws Workspace, args []json.RawMessage) (any, error) {
			var (
				a A
				b B
			)
			if err := decodeArguments(args, &a, &b); err != nil {
				return nil, err
			}
			return nil, call(ws, ctx, a, b)
		},
	}
}

func command3[A, B, C any](call func(Workspace, context.Context, A, B, C) error) operation {
	return operation{
		arity: 3,
		invoke: func(ctx context.Context, ws Workspace, args []json.RawMessage) (any, error) {
			var (
				a A
				b B
				c C
			)
			if err := decodeArguments(args, &a, &b, &c); err != nil {
				return nil, err
			}
			return nil, call(ws, ctx, a, b, c)
		},
	}
}

func query0[R any](call func(Workspace, context.Context) (R, error)) operation {
	return operation{
		arity:        0,
		returnsValue: true,
		invoke: func(ctx context.Context, ws Workspace, _ []json.RawMessage) (any, error) {
			return call(ws, ctx)
		},
	}
}

func query1[A, R any](call func(Workspace, context.Context, A) (R, error)) operation {
	return operation{
		arity:        1,
		returnsValue: true,
		invoke: func(ctx context.Context, ws Workspace, args []json.RawMessage) (any, error) {
			var a A
			if err := decodeArguments(args, &a); err != nil {
				return nil, err
			}
			return call(ws, ctx, a)
		},
	}
}

func query2[A, B, R any](call func(Workspace, context.Context, A, B) (R, error)) operation {
	return operation{
		arity:        2,
		returnsValue: true,
		invoke: func(ctx context.Context, ws Workspace, args []json.RawMessage) (any, error) {
			var (
				a A
				b B
			)
			if err := decodeArguments(args, &a, &b); err != nil {
				return nil, err
			}
			return call(ws, ctx, a, b)
		},
	}
}

func decodeArguments(args []json.RawMessage, targets ...any) error {
	for i, target := range targets {
		if err := json.Unmarshal(args[i], target); err != nil {
			return fmt.Errorf("%w: argument %d: %w", ErrInvalidArgument, i, err)
		}
	}
	return nil
}
