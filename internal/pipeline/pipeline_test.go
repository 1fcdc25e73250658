package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tinker/internal/cache"
	"tinker/internal/config"
	"tinker/internal/intent"
	"tinker/internal/llm"
	"tinker/internal/manifest"
	"tinker/internal/patch"
	"tinker/internal/repolock"
	"tinker/internal/tool"
)

const greeterSeed = `package greeter

// Greet returns the standard greeting.
func Greet() string {
	return "hello"
}
`

const farewellSeed = `package greeter

func Farewell() string {
	return "bye"
}
`

const greeterUpdated = `package greeter

// Greet returns the standard greeting.
func Greet() string {
	return "hello there"
}
`

const greeterDone = `package greeter

// DONE
func Greet() string {
	return "hello there"
}
`

const reviewPass = `{"pass": true, "reason": "change matches the request"}`

type testEnv struct {
	ws   string
	cfg  *config.Config
	mock *llm.Mock
	pipe *Pipeline
}

func newTestEnv(t *testing.T, verifyCommand string, responses ...string) *testEnv {
	t.Helper()
	ws := t.TempDir()

	seed := map[string]string{
		"greeter/greeter.go":  greeterSeed,
		"greeter/farewell.go": farewellSeed,
		"README.md":           "# sample\n",
	}
	for rel, content := range seed {
		path := filepath.Join(ws, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	err := manifest.Save(ws, &manifest.Manifest{
		Project:       "sample",
		Type:          "go",
		VerifyCommand: verifyCommand,
	})
	if err != nil {
		t.Fatalf("saving manifest: %v", err)
	}

	cfg := config.Default()
	cfg.Workspace = ws
	cfg.Tools.AuditPath = ""
	cfg.Pipeline.LockTimeout = "200ms"

	mgr, err := manifest.NewManager(ws)
	if err != nil {
		t.Fatalf("manifest manager: %v", err)
	}
	ts, err := tool.NewToolset(cfg, mgr)
	if err != nil {
		t.Fatalf("toolset: %v", err)
	}

	env := &testEnv{ws: ws, cfg: cfg, mock: llm.NewMock(responses...)}
	env.pipe = New(cfg, env.mock, ts, mgr, nil, repolock.NewRegistry())
	return env
}

// withStore attaches an experience cache backed by a real database file.
func (env *testEnv) withStore(t *testing.T) *cache.Store {
	t.Helper()
	store, err := cache.Open(filepath.Join(env.ws, ".tinker", "experience.db"), time.Hour)
	if err != nil {
		t.Fatalf("opening cache: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	env.pipe.store = store
	return store
}

func (env *testEnv) read(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(env.ws, rel))
	if err != nil {
		t.Fatalf("reading %s: %v", rel, err)
	}
	return string(data)
}

func planJSON(files ...string) string {
	quoted := make([]string, len(files))
	for i, f := range files {
		quoted[i] = fmt.Sprintf("%q", f)
	}
	return fmt.Sprintf(`{"summary": "update the greeting", "steps": [{"id": 1, "description": "change the greeting text", "files": [%s]}]}`,
		strings.Join(quoted, ", "))
}

func applyJSON(pairs ...[2]string) string {
	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = fmt.Sprintf(`{"path": %q, "content": %q}`, p[0], p[1])
	}
	return fmt.Sprintf(`{"files": [%s]}`, strings.Join(parts, ", "))
}

func phasesOf(task *Task) []Phase {
	out := make([]Phase, len(task.Records))
	for i, r := range task.Records {
		out[i] = r.Phase
	}
	return out
}

func samePhases(got []Phase, want ...Phase) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestCodeTaskEndToEnd(t *testing.T) {
	env := newTestEnv(t, "true",
		planJSON("greeter/greeter.go"),
		applyJSON([2]string{"greeter/greeter.go", greeterUpdated}),
		reviewPass,
	)

	task, err := env.pipe.Run(context.Background(), "update the greeting in greeter.go")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if task.Phase != PhaseCompleted {
		t.Fatalf("phase = %s, want %s", task.Phase, PhaseCompleted)
	}
	if task.Intent != intent.IntentCodeTask {
		t.Errorf("intent = %s, want %s", task.Intent, intent.IntentCodeTask)
	}
	if task.Complexity <= 0 || task.Complexity > 1 {
		t.Errorf("complexity = %v, want within (0, 1]", task.Complexity)
	}
	if got := env.read(t, "greeter/greeter.go"); got != greeterUpdated {
		t.Errorf("file not updated:\n%s", got)
	}
	if len(task.Rollback) != 1 {
		t.Fatalf("rollback log has %d patches, want 1", len(task.Rollback))
	}
	if !task.Rollback[0].Applied {
		t.Error("rollback patch not marked applied")
	}
	if got := phasesOf(task); !samePhases(got, PhaseExplore, PhasePlan, PhaseApply, PhaseVerify) {
		t.Errorf("phases = %v", got)
	}
	if env.mock.CallCount() != 3 {
		t.Errorf("llm calls = %d, want 3 (plan, apply, review)", env.mock.CallCount())
	}
	reviewPrompt := env.mock.Calls[2]
	if !strings.Contains(reviewPrompt, "+\treturn \"hello there\"") {
		t.Errorf("review prompt carries no diff of the change:\n%s", reviewPrompt)
	}

	verifyRec := task.Records[len(task.Records)-1]
	if len(verifyRec.Calls) == 0 || verifyRec.Calls[0].Kind != tool.KindRunCommand {
		t.Error("verify record is missing its run_command call")
	}
}

func TestRevertedApplyRestoresOriginal(t *testing.T) {
	env := newTestEnv(t, "true",
		planJSON("greeter/greeter.go"),
		applyJSON([2]string{"greeter/greeter.go", greeterUpdated}),
		reviewPass,
	)

	task, err := env.pipe.Run(context.Background(), "update the greeting in greeter.go")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for i := len(task.Rollback) - 1; i >= 0; i-- {
		if err := env.pipe.tools.Engine().Revert(task.Rollback[i]); err != nil {
			t.Fatalf("revert: %v", err)
		}
	}
	if got := env.read(t, "greeter/greeter.go"); got != greeterSeed {
		t.Errorf("revert did not restore the original:\n%s", got)
	}
}

func TestVagueRequestEndsWithClarifyingQuestion(t *testing.T) {
	env := newTestEnv(t, "true")

	task, err := env.pipe.Run(context.Background(), "fix it")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if task.Intent != intent.IntentClarify {
		t.Errorf("intent = %s, want %s", task.Intent, intent.IntentClarify)
	}
	if task.Question == "" {
		t.Error("clarify task has no question")
	}
	if task.Phase != PhaseCompleted {
		t.Errorf("phase = %s, want %s", task.Phase, PhaseCompleted)
	}
	if env.mock.CallCount() != 0 {
		t.Errorf("clarify consulted the model %d times", env.mock.CallCount())
	}
	if len(task.Records) != 0 {
		t.Errorf("clarify produced %d phase records", len(task.Records))
	}
}

func TestNoRelevantFilesAsksInsteadOfGuessing(t *testing.T) {
	env := newTestEnv(t, "true")

	task, err := env.pipe.Run(context.Background(), "refactor the zorblat frobnicator module")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if task.Phase != PhaseCompleted {
		t.Fatalf("phase = %s, want %s", task.Phase, PhaseCompleted)
	}
	if !strings.Contains(task.Question, "zorblat") {
		t.Errorf("question does not echo the request: %q", task.Question)
	}
	if env.mock.CallCount() != 0 {
		t.Errorf("llm calls = %d, want 0", env.mock.CallCount())
	}
	if got := phasesOf(task); !samePhases(got, PhaseExplore) {
		t.Errorf("phases = %v", got)
	}
}

func TestVerifyFailureRetriesWithFeedback(t *testing.T) {
	env := newTestEnv(t, "grep -q DONE greeter/greeter.go",
		planJSON("greeter/greeter.go"),
		applyJSON([2]string{"greeter/greeter.go", greeterUpdated}),
		planJSON("greeter/greeter.go"),
		applyJSON([2]string{"greeter/greeter.go", greeterDone}),
		reviewPass,
	)

	task, err := env.pipe.Run(context.Background(), "update the greeting in greeter.go")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if task.Phase != PhaseCompleted {
		t.Fatalf("phase = %s, want %s", task.Phase, PhaseCompleted)
	}
	if task.Retries != 1 {
		t.Errorf("retries = %d, want 1", task.Retries)
	}
	if got := env.read(t, "greeter/greeter.go"); got != greeterDone {
		t.Errorf("final content wrong:\n%s", got)
	}
	if env.mock.CallCount() != 5 {
		t.Fatalf("llm calls = %d, want 5", env.mock.CallCount())
	}
	secondPlanPrompt := env.mock.Calls[2]
	if !strings.Contains(secondPlanPrompt, "Previous Attempt Failed") {
		t.Error("second plan prompt carries no failure feedback")
	}
	if !strings.Contains(secondPlanPrompt, "exited 1") {
		t.Error("second plan prompt does not name the verification exit code")
	}
	if got := phasesOf(task); !samePhases(got,
		PhaseExplore, PhasePlan, PhaseApply, PhaseVerify,
		PhasePlan, PhaseApply, PhaseVerify) {
		t.Errorf("phases = %v", got)
	}
}

func TestRetryBudgetExhaustedLeavesPatchesApplied(t *testing.T) {
	env := newTestEnv(t, "false",
		planJSON("greeter/greeter.go"),
		applyJSON([2]string{"greeter/greeter.go", greeterUpdated}),
		planJSON("greeter/greeter.go"),
		applyJSON([2]string{"greeter/greeter.go", greeterUpdated}),
	)
	env.cfg.Pipeline.RetryBudget = 1

	task, err := env.pipe.Run(context.Background(), "update the greeting in greeter.go")
	if !errors.Is(err, ErrRetryBudgetExhausted) {
		t.Fatalf("error = %v, want ErrRetryBudgetExhausted", err)
	}
	var te *TaskError
	if !errors.As(err, &te) {
		t.Fatalf("error is not a TaskError: %v", err)
	}
	if te.Phase != PhaseVerify {
		t.Errorf("failing phase = %s, want %s", te.Phase, PhaseVerify)
	}
	if te.Next == "" {
		t.Error("TaskError suggests no next action")
	}
	if task.Phase != PhaseFailed {
		t.Errorf("phase = %s, want %s", task.Phase, PhaseFailed)
	}
	// Exhaustion must not undo the work; the patches stay for review.
	if got := env.read(t, "greeter/greeter.go"); got != greeterUpdated {
		t.Errorf("applied content was reverted:\n%s", got)
	}
	if len(task.Rollback) != 1 {
		t.Errorf("rollback log has %d patches, want 1", len(task.Rollback))
	}
}

func TestPlanRejectionLoopsToExploreWithFeedback(t *testing.T) {
	env := newTestEnv(t, "true",
		planJSON("greeter/greeter.go"),
		planJSON("greeter/greeter.go"),
		applyJSON([2]string{"greeter/greeter.go", greeterUpdated}),
		reviewPass,
	)
	env.cfg.Pipeline.ApproveMode = "interactive"

	rejected := false
	env.pipe.SetApproval(func(ctx context.Context, task *Task, pl *Plan) (bool, string, error) {
		if !rejected {
			rejected = true
			return false, "touch only the greeter file", nil
		}
		return true, "", nil
	})

	task, err := env.pipe.Run(context.Background(), "update the greeting in greeter.go")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if task.Phase != PhaseCompleted {
		t.Fatalf("phase = %s, want %s", task.Phase, PhaseCompleted)
	}
	if task.Retries != 1 {
		t.Errorf("retries = %d, want 1", task.Retries)
	}
	if !strings.Contains(env.mock.Calls[1], "touch only the greeter file") {
		t.Error("rejection feedback never reached the second plan prompt")
	}
	if got := phasesOf(task); !samePhases(got,
		PhaseExplore, PhasePlan,
		PhaseExplore, PhasePlan, PhaseApply, PhaseVerify) {
		t.Errorf("phases = %v", got)
	}
}

func TestPlanScopedToExploredFiles(t *testing.T) {
	bundle := &ContextBundle{Hashes: map[string]string{
		"greeter/greeter.go": "h1",
		"cmd/main.go":        "h2",
	}}

	cases := []struct {
		name  string
		files []string
		ok    bool
	}{
		{"explored file", []string{"greeter/greeter.go"}, true},
		{"new file in explored dir", []string{"greeter/extra.go"}, true},
		{"outside explored dirs", []string{"internal/secret.go"}, false},
		{"escapes workspace", []string{"../evil.go"}, false},
		{"absolute path", []string{"/etc/passwd"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pl := &Plan{Steps: []Step{{ID: 1, Description: "edit", Files: tc.files}}}
			err := validatePlan(pl, bundle)
			if tc.ok && err != nil {
				t.Fatalf("validatePlan: %v", err)
			}
			if !tc.ok {
				if err == nil {
					t.Fatal("expected rejection")
				}
				if !errors.Is(err, ErrPlanRejected) {
					t.Errorf("error = %v, want ErrPlanRejected", err)
				}
			}
		})
	}
}

func TestConflictWhenFileDriftsAfterExplore(t *testing.T) {
	drifted := strings.Replace(greeterSeed, "hello", "mutated", 1)
	env := newTestEnv(t, "true",
		planJSON("greeter/greeter.go"),
		applyJSON([2]string{"greeter/greeter.go", greeterUpdated}),
	)
	env.cfg.Pipeline.ApproveMode = "interactive"
	env.pipe.SetApproval(func(ctx context.Context, task *Task, pl *Plan) (bool, string, error) {
		// The file changes between Explore and Apply.
		path := filepath.Join(env.ws, "greeter", "greeter.go")
		if err := os.WriteFile(path, []byte(drifted), 0o644); err != nil {
			return false, "", err
		}
		return true, "", nil
	})

	task, err := env.pipe.Run(context.Background(), "update the greeting in greeter.go")
	if !errors.Is(err, patch.ErrConflict) {
		t.Fatalf("error = %v, want wrapped patch.ErrConflict", err)
	}
	var te *TaskError
	if !errors.As(err, &te) {
		t.Fatalf("error is not a TaskError: %v", err)
	}
	if te.Phase != PhaseApply {
		t.Errorf("failing phase = %s, want %s", te.Phase, PhaseApply)
	}
	if task.Phase != PhaseFailed {
		t.Errorf("phase = %s, want %s", task.Phase, PhaseFailed)
	}
	// The conflicting write must not have happened.
	if got := env.read(t, "greeter/greeter.go"); got != drifted {
		t.Errorf("file was written despite the conflict:\n%s", got)
	}
	if len(task.Rollback) != 0 {
		t.Errorf("rollback log has %d patches, want 0", len(task.Rollback))
	}
}

func TestFailedStepRollsBackItsEarlierEdits(t *testing.T) {
	driftedFarewell := strings.Replace(farewellSeed, "bye", "later", 1)
	newFarewell := strings.Replace(farewellSeed, "bye", "so long", 1)
	env := newTestEnv(t, "true",
		planJSON("greeter/greeter.go", "greeter/farewell.go"),
		applyJSON(
			[2]string{"greeter/greeter.go", greeterUpdated},
			[2]string{"greeter/farewell.go", newFarewell},
		),
	)
	env.cfg.Pipeline.ApproveMode = "interactive"
	env.pipe.SetApproval(func(ctx context.Context, task *Task, pl *Plan) (bool, string, error) {
		path := filepath.Join(env.ws, "greeter", "farewell.go")
		if err := os.WriteFile(path, []byte(driftedFarewell), 0o644); err != nil {
			return false, "", err
		}
		return true, "", nil
	})

	task, err := env.pipe.Run(context.Background(), "update the greeting in greeter.go and farewell.go")
	if !errors.Is(err, patch.ErrConflict) {
		t.Fatalf("error = %v, want wrapped patch.ErrConflict", err)
	}
	// The first edit of the step landed, then the second conflicted; the
	// step must come back out as a unit.
	if got := env.read(t, "greeter/greeter.go"); got != greeterSeed {
		t.Errorf("greeter.go not rolled back:\n%s", got)
	}
	if got := env.read(t, "greeter/farewell.go"); got != driftedFarewell {
		t.Errorf("farewell.go was touched despite the conflict:\n%s", got)
	}
	if len(task.Rollback) != 0 {
		t.Errorf("rollback log has %d patches, want 0", len(task.Rollback))
	}
}

func TestCachedPlanSkipsExploreAndPlan(t *testing.T) {
	env := newTestEnv(t, "true",
		planJSON("greeter/greeter.go"),
		// The model returns the file unchanged, so the tree state stays
		// identical across runs and the fingerprint matches again.
		applyJSON([2]string{"greeter/greeter.go", greeterSeed}),
	)
	store := env.withStore(t)

	first, err := env.pipe.Run(context.Background(), "update the greeting in greeter.go")
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if first.Plan == nil || first.Plan.CacheHit {
		t.Fatal("first run should have planned fresh")
	}
	if n, _ := store.Len(); n != 1 {
		t.Fatalf("cache entries = %d, want 1", n)
	}
	callsAfterFirst := env.mock.CallCount()
	if callsAfterFirst != 2 {
		t.Fatalf("first run llm calls = %d, want 2 (plan, apply)", callsAfterFirst)
	}

	second, err := env.pipe.Run(context.Background(), "update the greeting in greeter.go")
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if second.Plan == nil || !second.Plan.CacheHit {
		t.Fatal("second run did not use the cached plan")
	}
	if got := env.mock.CallCount() - callsAfterFirst; got != 1 {
		t.Errorf("second run llm calls = %d, want 1 (apply only)", got)
	}
	if got := phasesOf(second); !samePhases(got, PhaseExplore, PhasePlan, PhaseApply, PhaseVerify) {
		t.Errorf("phases = %v", got)
	}
	if !strings.Contains(second.Records[0].Output, "cache hit") {
		t.Errorf("explore output = %q, want a cache hit marker", second.Records[0].Output)
	}
}

func TestInspectionStepSkipsTheEditCall(t *testing.T) {
	planTwoStep := `{"summary": "check the farewell, then update the greeting", "steps": [
		{"id": 1, "description": "inspect the farewell wording", "files": ["greeter/farewell.go"], "tools": ["read_file"]},
		{"id": 2, "description": "change the greeting text", "files": ["greeter/greeter.go"], "tools": ["apply_patch"]}
	]}`
	env := newTestEnv(t, "true",
		planTwoStep,
		applyJSON([2]string{"greeter/greeter.go", greeterUpdated}),
		reviewPass,
	)

	task, err := env.pipe.Run(context.Background(), "update the greeting in greeter.go")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if task.Phase != PhaseCompleted {
		t.Fatalf("phase = %s, want %s", task.Phase, PhaseCompleted)
	}
	// The inspection step asks the model for nothing; only step 2 edits.
	if env.mock.CallCount() != 3 {
		t.Errorf("llm calls = %d, want 3 (plan, apply, review)", env.mock.CallCount())
	}
	if got := env.read(t, "greeter/farewell.go"); got != farewellSeed {
		t.Errorf("inspection step changed its file:\n%s", got)
	}
	if len(task.Rollback) != 1 {
		t.Errorf("rollback log has %d patches, want 1", len(task.Rollback))
	}
}

func TestPlanDeclaringForeignToolIsRejected(t *testing.T) {
	badPlan := `{"summary": "run the formatter", "steps": [{"id": 1, "description": "gofmt the tree", "files": ["greeter/greeter.go"], "tools": ["run_command"]}]}`
	env := newTestEnv(t, "true",
		badPlan,
		planJSON("greeter/greeter.go"),
		applyJSON([2]string{"greeter/greeter.go", greeterUpdated}),
		reviewPass,
	)

	task, err := env.pipe.Run(context.Background(), "update the greeting in greeter.go")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if task.Phase != PhaseCompleted {
		t.Fatalf("phase = %s, want %s", task.Phase, PhaseCompleted)
	}
	if task.Retries != 1 {
		t.Errorf("retries = %d, want 1", task.Retries)
	}
	secondPlanPrompt := env.mock.Calls[1]
	if !strings.Contains(secondPlanPrompt, "read_file and apply_patch only") {
		t.Error("rejection feedback does not name the allowed tools")
	}
}

func TestEditedTreeMissesTheCache(t *testing.T) {
	env := newTestEnv(t, "true",
		planJSON("greeter/greeter.go"),
		applyJSON([2]string{"greeter/greeter.go", greeterUpdated}),
		reviewPass,
		planJSON("greeter/greeter.go"),
		applyJSON([2]string{"greeter/greeter.go", greeterUpdated}),
	)
	env.withStore(t)

	if _, err := env.pipe.Run(context.Background(), "update the greeting in greeter.go"); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	// The first run changed greeter.go, so the same request now
	// fingerprints differently and must plan fresh.
	second, err := env.pipe.Run(context.Background(), "update the greeting in greeter.go")
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if second.Plan == nil || second.Plan.CacheHit {
		t.Error("second run reused a cached plan despite the tree change")
	}
}

func TestBusyWhenRepositoryLocked(t *testing.T) {
	env := newTestEnv(t, "true")
	env.cfg.Pipeline.LockTimeout = "50ms"

	lease, err := env.pipe.locks.Acquire(context.Background(), env.ws, "other-task", time.Second)
	if err != nil {
		t.Fatalf("pre-acquiring lock: %v", err)
	}
	defer lease.Release()

	task, err := env.pipe.Run(context.Background(), "update the greeting in greeter.go")
	if !errors.Is(err, repolock.ErrBusy) {
		t.Fatalf("error = %v, want ErrBusy", err)
	}
	if task.Phase != PhaseFailed {
		t.Errorf("phase = %s, want %s", task.Phase, PhaseFailed)
	}
	if env.mock.CallCount() != 0 {
		t.Errorf("llm calls = %d, want 0", env.mock.CallCount())
	}
}

func TestDirectBrowseShowsFile(t *testing.T) {
	env := newTestEnv(t, "true")

	task, err := env.pipe.Run(context.Background(), "show me greeter/greeter.go")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if task.Intent != intent.IntentBrowse {
		t.Errorf("intent = %s, want %s", task.Intent, intent.IntentBrowse)
	}
	if !strings.Contains(task.Answer, "--- greeter/greeter.go ---") {
		t.Errorf("answer missing header: %q", task.Answer)
	}
	if !strings.Contains(task.Answer, "package greeter") {
		t.Errorf("answer missing file content: %q", task.Answer)
	}
	if env.mock.CallCount() != 0 {
		t.Errorf("llm calls = %d, want 0", env.mock.CallCount())
	}
}

func TestDirectBrowseMissingFileAsks(t *testing.T) {
	env := newTestEnv(t, "true")

	task, err := env.pipe.Run(context.Background(), "show me greeter/missing.go")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if task.Question == "" {
		t.Error("missing file produced no clarifying question")
	}
	if task.Phase != PhaseCompleted {
		t.Errorf("phase = %s, want %s", task.Phase, PhaseCompleted)
	}
}

func TestDirectExecuteRunsVerifyCommand(t *testing.T) {
	env := newTestEnv(t, "echo verification-ok")

	task, err := env.pipe.Run(context.Background(), "run the tests")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if task.Intent != intent.IntentExecute {
		t.Errorf("intent = %s, want %s", task.Intent, intent.IntentExecute)
	}
	if !strings.Contains(task.Answer, "verification-ok") {
		t.Errorf("answer missing command output: %q", task.Answer)
	}
	if !strings.Contains(task.Answer, "(exit 0") {
		t.Errorf("answer missing exit code: %q", task.Answer)
	}
}

func TestDirectLocateListsMatches(t *testing.T) {
	env := newTestEnv(t, "true")

	task, err := env.pipe.Run(context.Background(), "find the greeter helpers")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if task.Intent != intent.IntentLocate {
		t.Errorf("intent = %s, want %s", task.Intent, intent.IntentLocate)
	}
	if !strings.Contains(task.Answer, "greeter/greeter.go") {
		t.Errorf("answer missing match: %q", task.Answer)
	}
	if !strings.Contains(task.Answer, "greeter/farewell.go") {
		t.Errorf("answer missing sibling match: %q", task.Answer)
	}
}

func TestDirectChatAnswers(t *testing.T) {
	env := newTestEnv(t, "true", "The greeter package renders greetings.")

	task, err := env.pipe.Run(context.Background(), "what does the greeter package do?")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if task.Intent != intent.IntentChat {
		t.Errorf("intent = %s, want %s", task.Intent, intent.IntentChat)
	}
	if task.Answer != "The greeter package renders greetings." {
		t.Errorf("answer = %q", task.Answer)
	}
	if env.mock.CallCount() != 1 {
		t.Errorf("llm calls = %d, want 1", env.mock.CallCount())
	}
}

func TestCancelledContextStopsTheTask(t *testing.T) {
	env := newTestEnv(t, "true")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	env.mock.Err = context.Canceled
	_, err := env.pipe.Run(ctx, "what does the greeter package do?")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from, to Phase
		ok       bool
	}{
		{PhasePending, PhaseExplore, true},
		{PhasePending, PhaseCompleted, true},
		{PhaseExplore, PhasePlan, true},
		{PhasePlan, PhaseApply, true},
		{PhasePlan, PhaseExplore, true},
		{PhaseApply, PhaseVerify, true},
		{PhaseVerify, PhasePlan, true},
		{PhaseVerify, PhaseCompleted, true},
		{PhaseApply, PhaseExplore, false},
		{PhaseVerify, PhaseExplore, false},
		{PhaseCompleted, PhaseExplore, false},
		{PhaseFailed, PhasePlan, false},
		{PhasePending, PhaseApply, false},
	}
	for _, tc := range cases {
		if got := IsValidTransition(tc.from, tc.to); got != tc.ok {
			t.Errorf("IsValidTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestTaskErrorNamesPhaseCallAndNextAction(t *testing.T) {
	te := &TaskError{
		TaskID: "0123456789abcdef",
		Phase:  PhaseApply,
		Call:   &tool.Result{Kind: tool.KindApplyPatch, Detail: "file drifted"},
		Next:   "re-run the task",
		Err:    errors.New("boom"),
	}
	msg := te.Error()
	for _, want := range []string{"01234567", "apply", "boom", "apply_patch", "file drifted", "re-run the task"} {
		if !strings.Contains(msg, want) {
			t.Errorf("error message %q missing %q", msg, want)
		}
	}
}

func TestSearchTerms(t *testing.T) {
	terms := searchTerms("Update the greeting in greeter.go, please")
	joined := strings.Join(terms, " ")
	for _, want := range []string{"update", "greeting", "greeter.go", "greeter"} {
		if !strings.Contains(joined, want) {
			t.Errorf("terms %v missing %q", terms, want)
		}
	}
	for _, banned := range []string{"the", "in", "please"} {
		for _, got := range terms {
			if got == banned {
				t.Errorf("terms %v should not contain %q", terms, banned)
			}
		}
	}
}

func TestCommandFromRequest(t *testing.T) {
	cases := []struct {
		request string
		verify  string
		want    string
	}{
		{"run the tests", "go test ./...", "go test ./..."},
		{"run make test", "go test ./...", "make test"},
		{"please run ./script.sh", "go test ./...", "./script.sh"},
		{"build the project", "go test ./...", "go test ./..."},
		{"run go vet ./...", "go test ./...", "go vet ./..."},
	}
	for _, tc := range cases {
		if got := commandFromRequest(tc.request, tc.verify); got != tc.want {
			t.Errorf("commandFromRequest(%q) = %q, want %q", tc.request, got, tc.want)
		}
	}
}

func TestPathToken(t *testing.T) {
	cases := []struct {
		request string
		want    string
	}{
		{"show me greeter/greeter.go", "greeter/greeter.go"},
		{"open main.go.", "main.go"},
		{"show the readme", ""},
	}
	for _, tc := range cases {
		if got := pathToken(tc.request); got != tc.want {
			t.Errorf("pathToken(%q) = %q, want %q", tc.request, got, tc.want)
		}
	}
}
