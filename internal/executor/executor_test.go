package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/phaserun/phaserun/internal/classify"
)

type stubExecutor struct{ id string }

func (s *stubExecutor) Execute(ctx context.Context, task Task) (Result, error) {
	return Result{TaskID: task.ID, Output: s.id}, nil
}

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry()
	cmdEx := &stubExecutor{id: "cmd"}
	genEx := &stubExecutor{id: "generic"}
	reg.Register(classify.KindCommand, cmdEx)
	reg.SetGeneric(genEx)

	got, err := reg.Lookup(classify.KindCommand)
	if err != nil || got != Executor(cmdEx) {
		t.Errorf("Lookup(command) = %v, %v", got, err)
	}

	got, err = reg.Lookup(classify.KindUnclassified)
	if err != nil || got != Executor(genEx) {
		t.Errorf("Lookup(unclassified) should fall back to generic, got %v, %v", got, err)
	}
}

func TestRegistryLookupNoBinding(t *testing.T) {
	reg := NewRegistry()
	if _, err := reg.Lookup(classify.KindInteractive); err == nil {
		t.Error("expected error for unbound kind with no generic executor")
	}
}

func TestExtractCommand(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
		ok   bool
	}{
		{"fenced sh block", "Do it:\n```sh\necho hi\n```\n", "echo hi", true},
		{"bare fence", "```\nmake all\n```\n", "make all", true},
		{"inline command", "Run `ls -la` now.", "ls -la", true},
		{"no command", "just prose", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractCommand(tt.body)
			if ok != tt.ok || got != tt.want {
				t.Errorf("ExtractCommand() = %q, %v; want %q, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestCommandExecutorRunsAndParsesArtifacts(t *testing.T) {
	ex := NewCommandExecutor(t.TempDir())
	task := Task{
		ID:   "1.1",
		Kind: classify.KindCommand,
		Body: "```sh\necho hello\necho 'ARTIFACT build_id=abc123'\n```\n",
	}
	res, err := ex.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if !strings.Contains(res.Output, "hello") {
		t.Errorf("output missing command stdout: %q", res.Output)
	}
	if len(res.Artifacts) != 1 || res.Artifacts[0].Name != "build_id" || res.Artifacts[0].Value != "abc123" {
		t.Errorf("artifacts = %+v", res.Artifacts)
	}
}

func TestCommandExecutorNoCommandIsPermanent(t *testing.T) {
	ex := NewCommandExecutor(t.TempDir())
	_, err := ex.Execute(context.Background(), Task{ID: "1.1", Body: "prose only"})
	if err == nil {
		t.Fatal("expected error for body without command")
	}
	if !IsPermanent(err) {
		t.Errorf("error should be permanent: %v", err)
	}
}

func TestCommandExecutorTimeout(t *testing.T) {
	ex := NewCommandExecutor(t.TempDir())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := ex.Execute(ctx, Task{ID: "1.1", Body: "```sh\nsleep 5\n```"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
	if IsPermanent(err) {
		t.Error("timeout must not be permanent (it is retryable)")
	}
}

func TestConfirmationGate(t *testing.T) {
	gate := NewConfirmationGate(2, func(ctx context.Context, taskID, prompt string) (bool, string, error) {
		return taskID == "approve-me", "checked", nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	gate.Start(ctx)

	approved, note, err := gate.Confirm(ctx, "approve-me", "ok?")
	if err != nil || !approved || note != "checked" {
		t.Errorf("Confirm() = %v, %q, %v", approved, note, err)
	}
	approved, _, err = gate.Confirm(ctx, "deny-me", "ok?")
	if err != nil || approved {
		t.Errorf("Confirm(deny) = %v, %v", approved, err)
	}

	cancel()
	gate.Stop()
}

func TestConfirmationGateCancellation(t *testing.T) {
	blocker := make(chan struct{})
	gate := NewConfirmationGate(1, func(ctx context.Context, taskID, prompt string) (bool, string, error) {
		select {
		case <-blocker:
		case <-ctx.Done():
		}
		return false, "", ctx.Err()
	})
	ctx, cancel := context.WithCancel(context.Background())
	gate.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		_, _, err := gate.Confirm(ctx, "1.1", "waiting")
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Confirm did not unblock on cancellation")
	}
	close(blocker)
	gate.Stop()
}
