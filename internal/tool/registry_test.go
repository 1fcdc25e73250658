package tool

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"tinker/internal/logging"
)

// stubTool returns a registrable tool that records whether it ran.
func stubTool(kind Kind, ran *bool) *Tool {
	return &Tool{
		Kind:        kind,
		Description: "stub",
		Schema: Schema{
			Required: []string{"path"},
			Properties: map[string]Property{
				"path":  {Type: "string"},
				"count": {Type: "integer"},
			},
		},
		Execute: func(ctx context.Context, args Args) (string, error) {
			*ran = true
			return "done", nil
		},
	}
}

func TestRegisterRejectsUnknownKind(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&Tool{Kind: Kind("teleport"), Execute: func(ctx context.Context, args Args) (string, error) { return "", nil }})
	if !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("Register error = %v, want ErrUnknownKind", err)
	}
}

func TestRegisterRejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	var ran bool
	if err := r.Register(stubTool(KindReadFile, &ran)); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	err := r.Register(stubTool(KindReadFile, &ran))
	if !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("second Register error = %v, want ErrAlreadyRegistered", err)
	}
}

func TestExecuteUnknownKindFailsValidation(t *testing.T) {
	r := NewRegistry()
	res, err := r.Execute(context.Background(), Call{Kind: Kind("nonsense")})
	if err == nil {
		t.Fatal("expected error for unknown kind")
	}
	if res.Failure != FailureValidation {
		t.Errorf("failure = %q, want %q", res.Failure, FailureValidation)
	}
	if !errors.Is(err, ErrUnknownKind) {
		t.Errorf("error chain missing ErrUnknownKind: %v", err)
	}
}

func TestValidationFailsBeforeExecution(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing required", map[string]any{}, "missing required"},
		{"unknown argument", map[string]any{"path": "a.go", "bogus": 1}, "unknown argument"},
		{"wrong type", map[string]any{"path": 42}, "must be string"},
		{"fractional integer", map[string]any{"path": "a.go", "count": 1.5}, "must be integer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			var ran bool
			r.MustRegister(stubTool(KindReadFile, &ran))

			res, err := r.Execute(context.Background(), Call{Kind: KindReadFile, Args: tt.args})
			if err == nil {
				t.Fatal("expected validation error")
			}
			if ran {
				t.Error("handler ran despite validation failure")
			}
			if res.Failure != FailureValidation {
				t.Errorf("failure = %q, want %q", res.Failure, FailureValidation)
			}
			if FailureOf(err) != FailureValidation {
				t.Errorf("FailureOf = %q, want %q", FailureOf(err), FailureValidation)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q missing %q", err, tt.want)
			}
		})
	}
}

func TestIntegerArgsAcceptJSONNumbers(t *testing.T) {
	r := NewRegistry()
	var ran bool
	r.MustRegister(stubTool(KindReadFile, &ran))

	// JSON decoding yields float64 for all numbers.
	_, err := r.Execute(context.Background(), Call{
		Kind: KindReadFile,
		Args: map[string]any{"path": "a.go", "count": float64(3)},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !ran {
		t.Error("handler did not run")
	}
}

func TestObserverSeesEveryResult(t *testing.T) {
	r := NewRegistry()
	var ran bool
	r.MustRegister(stubTool(KindReadFile, &ran))

	var seen []*Result
	r.OnResult(func(res *Result) { seen = append(seen, res) })

	r.Execute(context.Background(), Call{Kind: KindReadFile, Args: map[string]any{"path": "a.go"}})
	r.Execute(context.Background(), Call{Kind: KindReadFile, Args: map[string]any{}})

	if len(seen) != 2 {
		t.Fatalf("observer saw %d results, want 2", len(seen))
	}
	if !seen[0].IsSuccess() {
		t.Errorf("first result failed: %v", seen[0].Err)
	}
	if seen[0].Output != "done" {
		t.Errorf("first output = %q", seen[0].Output)
	}
	if seen[1].IsSuccess() {
		t.Error("second result should have failed validation")
	}
}

func TestAuditTrailCarriesTaskCorrelation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	audit, err := logging.NewAuditLog(path)
	if err != nil {
		t.Fatal(err)
	}

	r := NewRegistry()
	r.SetAudit(audit)
	var ran bool
	r.MustRegister(stubTool(KindReadFile, &ran))

	ctx := WithTask(context.Background(), "task-42", "explore")
	if _, err := r.Execute(ctx, Call{Kind: KindReadFile, Args: map[string]any{"path": "a.go"}}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	events, err := logging.ReadAuditEvents(path)
	if err != nil {
		t.Fatalf("ReadAuditEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d audit events, want 1", len(events))
	}
	ev := events[0]
	if ev.TaskID != "task-42" || ev.Phase != "explore" {
		t.Errorf("correlation = %s/%s, want task-42/explore", ev.TaskID, ev.Phase)
	}
	if ev.Kind != "read_file" || ev.Outcome != "ok" {
		t.Errorf("event = %+v", ev)
	}
}

func TestKindsClosedSet(t *testing.T) {
	kinds := Kinds()
	if len(kinds) != 6 {
		t.Fatalf("got %d kinds, want 6", len(kinds))
	}
	for _, k := range kinds {
		if !k.Valid() {
			t.Errorf("kind %q reported invalid", k)
		}
	}
	if Kind("make_coffee").Valid() {
		t.Error("arbitrary kind reported valid")
	}
	if KindReadFile.Mutates() || KindSearchCode.Mutates() {
		t.Error("read-only kinds report as mutating")
	}
	if !KindApplyPatch.Mutates() || !KindRunCommand.Mutates() {
		t.Error("mutating kinds report as read-only")
	}
}
