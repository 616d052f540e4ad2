package projsys

import (
	"encoding/json"

	"github.com/google/uuid"
)

// InitializeParams is the payload of initialize-project-system.
type InitializeParams struct {
	Root     string          `json:"root"`
	Settings json.RawMessage `json:"settings,omitempty"`
}

// TraceParams is the payload of trace envelopes.
type TraceParams struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// CallRequest is the payload of a workspace-call sent by a plugin.
type CallRequest struct {
	Name      string            `json:"name"`
	Arguments []json.RawMessage `json:"arguments"`
}

// CallReply is the payload the host sends back for value-returning operations.
type CallReply struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// PackageRestoreParams is the payload of the package-restore-* events.
type PackageRestoreParams struct {
	FileName  string `json:"fileName"`
	Succeeded bool   `json:"succeeded"`
}

// UnresolvedDependenciesParams is the payload of unresolved-dependencies.
type UnresolvedDependenciesParams struct {
	FileName               string   `json:"fileName"`
	UnresolvedDependencies []string `json:"unresolvedDependencies"`
}

// ErrorParams is the payload of error events.
type ErrorParams struct {
	FileName string `json:"fileName,omitempty"`
	Message  string `json:"message"`
}

// ProjectInformation is the payload of the project-added, project-changed and
// project-removed events.
type ProjectInformation struct {
	Path       string                `json:"path"`
	Frameworks []FrameworkInformation `json:"frameworks"`
}

// FrameworkInformation describes one target framework of a project directory.
type FrameworkInformation struct {
	Framework string    `json:"framework"`
	ProjectID uuid.UUID `json:"projectId"`
	Name      string    `json:"name,omitempty"`
}

// CompilationOptions are the general compiler settings of a project.
type CompilationOptions struct {
	OutputKind                string            `json:"outputKind,omitempty"`
	Platform                  string            `json:"platform,omitempty"`
	Optimize                  bool              `json:"optimize,omitempty"`
	AllowUnsafe               bool              `json:"allowUnsafe,omitempty"`
	WarningsAsErrors          bool              `json:"warningsAsErrors,omitempty"`
	DelaySign                 bool              `json:"delaySign,omitempty"`
	KeyFile                   string            `json:"keyFile,omitempty"`
	SpecificDiagnosticOptions map[string]string `json:"specificDiagnosticOptions,omitempty"`
}

// ParsingOptions are the parser settings of a project.
type ParsingOptions struct {
	LanguageVersion          string   `json:"languageVersion,omitempty"`
	Defines                  []string `json:"defines,omitempty"`
	GenerateXMLDocumentation bool     `json:"generateXmlDocumentation,omitempty"`
}
