package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const classifySystem = `You classify requests given to an autonomous coding agent into exactly one category:

- chat:      a question or conversation, no repository action wanted
- locate:    find where something lives in the codebase
- execute:   run a command, build, or test suite
- browse:    display a file or directory the user already named
- code-task: modify code (fix, refactor, implement, remove)
- clarify:   the request is too vague to act on; a follow-up question is needed

Prefer clarify over guessing. Respond with JSON only, no prose.`

// classifyLLM is layer (b): a completion call constrained to a JSON object.
// Anything that is not a usable classification comes back as ErrAmbiguous.
func (c *Classifier) classifyLLM(ctx context.Context, request, recentContext string) (Classification, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Request:\n%s\n", request)
	if strings.TrimSpace(recentContext) != "" {
		fmt.Fprintf(&sb, "\nRecent conversation:\n%s\n", recentContext)
	}
	sb.WriteString(`
Return JSON only: {"intent": "chat|locate|execute|browse|code-task|clarify", "confidence": 0.0-1.0, "clarifying_question": "required when intent is clarify"}`)

	resp, err := c.client.CompleteWithSystem(ctx, classifySystem, sb.String())
	if err != nil {
		return Classification{}, fmt.Errorf("classification completion: %w", err)
	}

	var cls Classification
	if err := json.Unmarshal([]byte(cleanJSONResponse(resp)), &cls); err != nil {
		return Classification{}, fmt.Errorf("%w: unparseable response: %v", ErrAmbiguous, err)
	}
	if !cls.Intent.Valid() {
		return Classification{}, fmt.Errorf("%w: unknown category %q", ErrAmbiguous, cls.Intent)
	}

	cls.Source = "llm"
	if cls.Intent == IntentClarify {
		return clarify(cls.ClarifyingQuestion, "llm"), nil
	}
	if cls.Confidence < c.threshold {
		return clarify(cls.ClarifyingQuestion, "llm"), nil
	}
	cls.ClarifyingQuestion = ""
	return cls, nil
}

// cleanJSONResponse removes markdown code fences from a JSON response.
func cleanJSONResponse(resp string) string {
	resp = strings.TrimSpace(resp)
	resp = strings.TrimPrefix(resp, "```json")
	resp = strings.TrimPrefix(resp, "```")
	resp = strings.TrimSuffix(resp, "```")
	return strings.TrimSpace(resp)
}
