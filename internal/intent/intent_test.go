package intent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"tinker/internal/llm"
)

func TestVagueRequestRequiresClarification(t *testing.T) {
	c := NewClassifier(nil, 0.6)

	cases := []string{
		"fix it",
		"fix it please",
		"refactor everything",
		"update the code",
		"delete that",
		"",
		"   ",
	}
	for _, request := range cases {
		cls, err := c.Classify(context.Background(), request, "")
		if err != nil {
			t.Fatalf("Classify(%q): %v", request, err)
		}
		if cls.Intent != IntentClarify {
			t.Errorf("Classify(%q) = %s, want clarify", request, cls.Intent)
		}
		if cls.ClarifyingQuestion == "" {
			t.Errorf("Classify(%q) returned clarify with an empty question", request)
		}
	}
}

func TestBareNounRequiresClarification(t *testing.T) {
	c := NewClassifier(nil, 0.6)
	cls, err := c.Classify(context.Background(), "tests", "")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if cls.Intent != IntentClarify || cls.ClarifyingQuestion == "" {
		t.Fatalf("bare noun should clarify with a question, got %+v", cls)
	}
	if !strings.Contains(cls.ClarifyingQuestion, "tests") {
		t.Fatalf("question should echo the token, got %q", cls.ClarifyingQuestion)
	}
}

func TestVerbWithoutObjectNamesTheVerb(t *testing.T) {
	c := NewClassifier(nil, 0.6)
	cls, err := c.Classify(context.Background(), "refactor everything", "")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if cls.Intent != IntentClarify {
		t.Fatalf("intent = %s, want clarify", cls.Intent)
	}
	if !strings.Contains(cls.ClarifyingQuestion, "refactor") {
		t.Fatalf("question should name the verb, got %q", cls.ClarifyingQuestion)
	}
}

func TestKeywordFastPath(t *testing.T) {
	mock := llm.NewMock()
	c := NewClassifier(mock, 0.6)

	cases := []struct {
		request string
		want    Intent
	}{
		{"fix the login bug", IntentCodeTask},
		{"add logging to the manifest scanner", IntentCodeTask},
		{"refactor the retry loop in client.go", IntentCodeTask},
		{"find all callers of ParseConfig", IntentLocate},
		{"where is the config loaded", IntentLocate},
		{"run the tests", IntentExecute},
		{"build the project", IntentExecute},
		{"show me main.go", IntentBrowse},
		{"open internal/config/config.go", IntentBrowse},
		{"what does the manifest scanner do?", IntentChat},
		{"how does the retry budget work?", IntentChat},
		{"explain the patch engine", IntentChat},
	}
	for _, tc := range cases {
		cls, err := c.Classify(context.Background(), tc.request, "")
		if err != nil {
			t.Fatalf("Classify(%q): %v", tc.request, err)
		}
		if cls.Intent != tc.want {
			t.Errorf("Classify(%q) = %s, want %s", tc.request, cls.Intent, tc.want)
		}
		if cls.Source != "rules" {
			t.Errorf("Classify(%q) decided by %q, want the rule layer", tc.request, cls.Source)
		}
	}
	if mock.CallCount() != 0 {
		t.Fatalf("fast path made %d completion calls, want 0", mock.CallCount())
	}
}

func TestFastPathConfidenceAboveThreshold(t *testing.T) {
	c := NewClassifier(nil, 0.6)
	cls, err := c.Classify(context.Background(), "fix the login bug", "")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if cls.Confidence < 0.6 {
		t.Fatalf("confidence = %v, want >= threshold", cls.Confidence)
	}
}

func TestUncertainRequestFallsBackToLLM(t *testing.T) {
	mock := llm.NewMock(`{"intent": "code-task", "confidence": 0.9}`)
	c := NewClassifier(mock, 0.6)

	cls, err := c.Classify(context.Background(), "the parser chokes on nested arrays", "")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if cls.Intent != IntentCodeTask {
		t.Fatalf("intent = %s, want code-task", cls.Intent)
	}
	if cls.Source != "llm" {
		t.Fatalf("source = %q, want llm", cls.Source)
	}
	if mock.CallCount() != 1 {
		t.Fatalf("completion calls = %d, want 1", mock.CallCount())
	}
}

func TestFencedJSONAccepted(t *testing.T) {
	mock := llm.NewMock("```json\n{\"intent\": \"locate\", \"confidence\": 0.8}\n```")
	c := NewClassifier(mock, 0.6)

	cls, err := c.Classify(context.Background(), "the thing that resolves symbols", "")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if cls.Intent != IntentLocate {
		t.Fatalf("intent = %s, want locate", cls.Intent)
	}
}

func TestLowConfidenceLLMDemotedToClarify(t *testing.T) {
	mock := llm.NewMock(`{"intent": "code-task", "confidence": 0.3, "clarifying_question": "Which parser do you mean?"}`)
	c := NewClassifier(mock, 0.6)

	cls, err := c.Classify(context.Background(), "the parser chokes sometimes", "")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if cls.Intent != IntentClarify {
		t.Fatalf("intent = %s, want clarify", cls.Intent)
	}
	if cls.ClarifyingQuestion != "Which parser do you mean?" {
		t.Fatalf("question = %q, want the model's question", cls.ClarifyingQuestion)
	}
}

func TestGarbageLLMResponseClarifies(t *testing.T) {
	for _, resp := range []string{
		"definitely a code task!",
		`{"intent": "dance", "confidence": 0.9}`,
		`{"intent": "", "confidence": 0.9}`,
	} {
		mock := llm.NewMock(resp)
		c := NewClassifier(mock, 0.6)

		cls, err := c.Classify(context.Background(), "the parser chokes sometimes", "")
		if err != nil {
			t.Fatalf("Classify with response %q: %v", resp, err)
		}
		if cls.Intent != IntentClarify || cls.ClarifyingQuestion == "" {
			t.Fatalf("response %q should demote to clarify with a question, got %+v", resp, cls)
		}
	}
}

func TestLLMTransportErrorClarifies(t *testing.T) {
	mock := llm.NewMock()
	mock.Err = errors.New("connection refused")
	c := NewClassifier(mock, 0.6)

	cls, err := c.Classify(context.Background(), "the parser chokes sometimes", "")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if cls.Intent != IntentClarify || cls.ClarifyingQuestion == "" {
		t.Fatalf("transport failure should clarify, got %+v", cls)
	}
}

func TestClarifyFromLLMAlwaysHasQuestion(t *testing.T) {
	mock := llm.NewMock(`{"intent": "clarify", "confidence": 0.9, "clarifying_question": ""}`)
	c := NewClassifier(mock, 0.6)

	cls, err := c.Classify(context.Background(), "the parser chokes sometimes", "")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if cls.Intent != IntentClarify || cls.ClarifyingQuestion == "" {
		t.Fatalf("clarify must carry a question, got %+v", cls)
	}
}

func TestRecentContextReachesThePrompt(t *testing.T) {
	mock := llm.NewMock(`{"intent": "chat", "confidence": 0.9}`)
	c := NewClassifier(mock, 0.6)

	_, err := c.Classify(context.Background(), "and the second one", "user asked about retry budgets")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if mock.CallCount() != 1 {
		t.Fatalf("completion calls = %d, want 1", mock.CallCount())
	}
	if !strings.Contains(mock.Calls[0], "retry budgets") {
		t.Fatalf("prompt should carry the recent context, got %q", mock.Calls[0])
	}
}

func TestCancelledContextPropagates(t *testing.T) {
	mock := llm.NewMock()
	mock.Err = context.Canceled
	c := NewClassifier(mock, 0.6)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Classify(ctx, "the parser chokes sometimes", "")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestIntentValidation(t *testing.T) {
	for _, i := range Intents() {
		if !i.Valid() {
			t.Errorf("%s should be valid", i)
		}
	}
	if Intent("dance").Valid() {
		t.Error("unknown category accepted")
	}
	if len(Intents()) != 6 {
		t.Errorf("closed set size = %d, want 6", len(Intents()))
	}
}

func TestEstimateComplexity(t *testing.T) {
	if got := EstimateComplexity(""); got != 0 {
		t.Errorf("empty request = %v, want 0", got)
	}

	simple := EstimateComplexity("fix it")
	scoped := EstimateComplexity("update the greeting in greeter.go")
	broad := EstimateComplexity("refactor the session store and migrate every cache entry to sqlite")

	if simple <= 0 || simple >= scoped {
		t.Errorf("simple = %v, scoped = %v, want 0 < simple < scoped", simple, scoped)
	}
	if scoped >= broad {
		t.Errorf("scoped = %v, broad = %v, want scoped < broad", scoped, broad)
	}

	long := EstimateComplexity(strings.Repeat("rework pkg/a.go and pkg/b.go then pkg/c.go across every module ", 10))
	if long < 0.8 || long > 1 {
		t.Errorf("long request = %v, want near the cap", long)
	}
}
