package projsys_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/MegaGrindStone/go-projsys"
	"github.com/google/uuid"
)

func TestRouter(t *testing.T) {
	type testCase struct {
		name          string
		env           projsys.Envelope
		wantPublished []projsys.Event
		wantReplies   int
		wantCalls     int
		wantLog       string
	}

	projectPayload := mustJSON(projsys.ProjectInformation{Path: "/src/app"})

	testCases := []testCase{
		{
			name: "trace is logged",
			env: projsys.Envelope{
				Session: uuid.New(),
				Kind:    projsys.KindTrace,
				Payload: mustJSON(projsys.TraceParams{Message: "initialize at root /src"}),
			},
			wantLog: "initialize at root /src",
		},
		{
			name:        "workspace call is dispatched",
			env:         callEnvelope(projsys.OpCreateNewProjectID),
			wantReplies: 1,
			wantCalls:   1,
		},
		{
			name: "workspace information is left to its waiter",
			env: projsys.Envelope{
				Session: uuid.New(),
				Kind:    projsys.KindWorkspaceInformation,
				Payload: json.RawMessage(`{}`),
			},
		},
		{
			name: "lifecycle events are republished",
			env: projsys.Envelope{
				Session: uuid.New(),
				Kind:    projsys.KindProjectAdded,
				Payload: projectPayload,
			},
			wantPublished: []projsys.Event{{Plugin: "json", Kind: projsys.KindProjectAdded, Payload: projectPayload}},
		},
		{
			name: "unknown kinds are republished",
			env: projsys.Envelope{
				Session: uuid.New(),
				Kind:    "custom-event",
			},
			wantPublished: []projsys.Event{{Plugin: "json", Kind: "custom-event"}},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var logs bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

			ws := &mockWorkspace{}
			publisher := &publishedEvents{}
			source := &recordingEmitter{}

			router := projsys.NewRouter(projsys.NewDispatcher(ws), publisher, projsys.WithRouterLogger(logger))
			router.Route(context.Background(), tc.env, "json", source)

			published := publisher.all()
			if len(published) != len(tc.wantPublished) {
				t.Fatalf("expected %d published events, got %d", len(tc.wantPublished), len(published))
			}
			for i, want := range tc.wantPublished {
				got := published[i]
				if got.Plugin != want.Plugin || got.Kind != want.Kind || string(got.Payload) != string(want.Payload) {
					t.Errorf("expected event %+v, got %+v", want, got)
				}
			}
			if len(source.all()) != tc.wantReplies {
				t.Errorf("expected %d replies, got %d", tc.wantReplies, len(source.all()))
			}
			if len(ws.recorded()) != tc.wantCalls {
				t.Errorf("expected %d workspace calls, got %d", tc.wantCalls, len(ws.recorded()))
			}
			if tc.wantLog != "" && !strings.Contains(logs.String(), tc.wantLog) {
				t.Errorf("expected log to contain %q, got %q", tc.wantLog, logs.String())
			}
		})
	}
}
