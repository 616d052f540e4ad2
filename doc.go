// Package projsys implements the out-of-process project system protocol used by a
// language-tooling host to delegate project discovery to plugin processes. Host and
// plugin exchange line-framed envelopes over the plugin's standard input and output:
//
//	MSG|<32 hex digit session>|<kind>|<json payload or empty>
//
// The host side runs a Manager that spawns one Container per configured plugin and
// routes everything the plugins print through a Router: workspace calls are executed
// against the host Workspace by a Dispatcher, traces are logged, and lifecycle events
// are republished to an EventPublisher such as the SSE based EventStream.
//
// The plugin side runs a Listener over its standard input and talks back to the host
// through a RemoteWorkspace, a Workspace implementation whose calls are encoded as
// workspace-call envelopes and correlated with their replies by session.
package projsys
