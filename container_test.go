package projsys_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-projsys"
)

// TestHelperProcess is not a real test. It is the plugin process spawned by the
// container and manager tests.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	os.Exit(runHelperPlugin(os.Getenv("HELPER_MODE"), os.Args))
}

func runHelperPlugin(mode string, args []string) int {
	hostPID := -1
	for i, arg := range args {
		if arg == projsys.HostPIDFlag && i+1 < len(args) {
			hostPID, _ = strconv.Atoi(args[i+1])
		}
	}
	if hostPID <= 0 {
		fmt.Fprintln(os.Stderr, "missing host pid")
		return 2
	}
	if mode == "exit" {
		return 0
	}
	if mode == "orphan" || mode == "orphan-exit" {
		// A leftover process sharing the plugin's output, like a build server.
		leftover := exec.Command("sleep", "30")
		leftover.Stdout = os.Stdout
		leftover.Stderr = os.Stderr
		if err := leftover.Start(); err != nil {
			return 3
		}
		if mode == "orphan-exit" {
			return 0
		}
	}

	out := projsys.NewStdIO(os.Stdout)
	remote := projsys.NewRemoteWorkspace(out)
	listener := projsys.NewListener(os.Stdin, out)

	var root string
	listener.Handle(projsys.KindInitialize, func(_ context.Context, env projsys.Envelope, emitter projsys.Emitter) error {
		var params projsys.InitializeParams
		if err := json.Unmarshal(env.Payload, &params); err != nil {
			return err
		}
		root = params.Root

		fmt.Println("not an envelope")
		fmt.Fprintln(os.Stderr, "diagnostics on stderr")

		if _, err := emitter.Emit(projsys.KindTrace, projsys.TraceParams{Message: "initialize at root " + root}); err != nil {
			return err
		}
		if _, err := emitter.Emit(projsys.KindProjectAdded, projsys.ProjectInformation{Path: root}); err != nil {
			return err
		}

		// The listener goroutine must stay free to read the reply.
		go func() {
			id, err := remote.CreateNewProjectID(context.Background())
			if err != nil {
				_, _ = emitter.Emit(projsys.KindError, projsys.ErrorParams{Message: err.Error()})
				return
			}
			_, _ = emitter.Emit("project-id-created", map[string]string{"id": id.String()})
		}()
		return nil
	})
	listener.Handle(projsys.KindWorkspaceCall, remote.HandleReply)
	listener.Handle(projsys.KindWorkspaceInformation, func(_ context.Context, env projsys.Envelope, emitter projsys.Emitter) error {
		if mode == "silent" {
			return nil
		}
		return emitter.EmitSession(env.Session, projsys.KindWorkspaceInformation, map[string]any{
			"root":    root,
			"request": env.Payload,
		})
	})

	if err := listener.Run(context.Background()); err != nil {
		return 1
	}
	return 0
}

type envelopeLog struct {
	lock sync.Mutex
	envs []projsys.Envelope
}

func (l *envelopeLog) add(_ context.Context, env projsys.Envelope, _ *projsys.Container) {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.envs = append(l.envs, env)
}

func (l *envelopeLog) kinds() []string {
	l.lock.Lock()
	defer l.lock.Unlock()

	kinds := make([]string, 0, len(l.envs))
	for _, env := range l.envs {
		kinds = append(kinds, env.Kind)
	}
	return kinds
}

func (l *envelopeLog) find(kind string) (projsys.Envelope, bool) {
	l.lock.Lock()
	defer l.lock.Unlock()

	for _, env := range l.envs {
		if env.Kind == kind {
			return env, true
		}
	}
	return projsys.Envelope{}, false
}

func TestContainerLifecycle(t *testing.T) {
	container := projsys.NewContainer(helperPlugin("echo", "echo"))
	log := &envelopeLog{}
	container.OnEnvelope(log.add)

	if container.Alive() {
		t.Fatal("container alive before start")
	}
	if _, err := container.Emit(projsys.KindTrace, nil); !errors.Is(err, projsys.ErrPluginNotRunning) {
		t.Errorf("expected ErrPluginNotRunning before start, got %v", err)
	}

	if err := container.Start(context.Background(), "/workspace/root"); err != nil {
		t.Fatalf("failed to start container: %v", err)
	}
	defer container.Close()

	if err := container.Start(context.Background(), "/workspace/root"); err == nil {
		t.Error("expected second start to fail")
	}

	err := waitFor(func() bool {
		_, ok := log.find(projsys.KindProjectAdded)
		return ok
	}, 5*time.Second)
	if err != nil {
		t.Fatalf("plugin did not report its project: %v (got %v)", err, log.kinds())
	}

	trace, _ := log.find(projsys.KindTrace)
	var params projsys.TraceParams
	if err := json.Unmarshal(trace.Payload, &params); err != nil {
		t.Fatalf("failed to unmarshal trace: %v", err)
	}
	if params.Message != "initialize at root /workspace/root" {
		t.Errorf("unexpected trace %q", params.Message)
	}

	// The plugin's workspace call reaches the subscribers like any other envelope.
	if err := waitFor(func() bool { _, ok := log.find(projsys.KindWorkspaceCall); return ok }, 5*time.Second); err != nil {
		t.Errorf("plugin workspace call not delivered: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	model, err := container.WorkspaceInformation(ctx, map[string]string{"detail": "full"})
	if err != nil {
		t.Fatalf("failed to get workspace information: %v", err)
	}
	var info struct {
		Root    string            `json:"root"`
		Request map[string]string `json:"request"`
	}
	if err := json.Unmarshal(model, &info); err != nil {
		t.Fatalf("failed to unmarshal model: %v", err)
	}
	if info.Root != "/workspace/root" || info.Request["detail"] != "full" {
		t.Errorf("unexpected model %s", model)
	}

	if !container.Alive() || container.Check() != nil {
		t.Error("expected running container to be alive")
	}

	if err := container.Close(); err != nil {
		t.Fatalf("failed to close container: %v", err)
	}
	if container.Alive() {
		t.Error("container alive after close")
	}
	if !errors.Is(container.Check(), projsys.ErrPluginNotRunning) {
		t.Errorf("expected ErrPluginNotRunning, got %v", container.Check())
	}
	if err := container.EmitSession(trace.Session, projsys.KindTrace, nil); !errors.Is(err, projsys.ErrPluginNotRunning) {
		t.Errorf("expected ErrPluginNotRunning after close, got %v", err)
	}
}

func TestContainerPluginExit(t *testing.T) {
	container := projsys.NewContainer(helperPlugin("short-lived", "exit"))
	// The plugin may exit before it reads the initialize envelope.
	_ = container.Start(context.Background(), "/root")
	defer container.Close()

	select {
	case <-container.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("container did not notice the plugin exit")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := container.WorkspaceInformation(ctx, nil); !errors.Is(err, projsys.ErrPluginNotRunning) {
		t.Errorf("expected ErrPluginNotRunning, got %v", err)
	}
}

func TestContainerInformationTimeout(t *testing.T) {
	container := projsys.NewContainer(helperPlugin("silent", "silent"))
	if err := container.Start(context.Background(), "/root"); err != nil {
		t.Fatalf("failed to start container: %v", err)
	}
	defer container.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := container.WorkspaceInformation(ctx, nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestContainerStartFailure(t *testing.T) {
	container := projsys.NewContainer(projsys.PluginConfig{
		Name:       "missing",
		Executable: "/definitely/not/a/plugin",
	})
	if err := container.Start(context.Background(), "/root"); err == nil {
		t.Fatal("expected start failure")
	}
	if container.Alive() {
		t.Error("failed container reported alive")
	}
	if err := container.Close(); err != nil {
		t.Errorf("expected close of unstarted container to succeed, got %v", err)
	}
}

func TestContainerCloseEndsLeftoverProcesses(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sleep and process groups")
	}

	container := projsys.NewContainer(helperPlugin("orphan", "orphan"))
	if err := container.Start(context.Background(), "/root"); err != nil {
		t.Fatalf("failed to start container: %v", err)
	}

	closed := make(chan error, 1)
	go func() {
		closed <- container.Close()
	}()

	select {
	case err := <-closed:
		if err != nil {
			t.Errorf("expected close to succeed, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("close waited for the plugin's leftover process")
	}
	if container.Alive() {
		t.Error("closed container reported alive")
	}
}

func TestContainerExitWithLeftoverOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires sleep and process groups")
	}

	container := projsys.NewContainer(helperPlugin("orphan-exit", "orphan-exit"),
		projsys.WithContainerWaitDelay(200*time.Millisecond))
	_ = container.Start(context.Background(), "/root")
	defer container.Close()

	select {
	case <-container.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("container did not notice the plugin exit while its output was held open")
	}
	if err := container.Check(); !errors.Is(err, projsys.ErrPluginNotRunning) {
		t.Errorf("expected ErrPluginNotRunning, got %v", err)
	}
}
