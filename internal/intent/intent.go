// Package intent classifies user requests into the closed action set the
// pipeline understands. Classification is two-layered: a curated keyword
// table answers the common cases deterministically, and an LLM call with a
// constrained JSON schema handles the rest. A request that neither layer
// can place above the confidence threshold is answered with a clarifying
// question, never a guess.
package intent

import (
	"context"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"tinker/internal/llm"
	"tinker/internal/logging"
)

// Intent is one of the closed set of request categories.
type Intent string

const (
	IntentChat     Intent = "chat"
	IntentLocate   Intent = "locate"
	IntentExecute  Intent = "execute"
	IntentBrowse   Intent = "browse"
	IntentCodeTask Intent = "code-task"
	IntentClarify  Intent = "clarify"
)

// Intents returns the closed category set in declaration order.
func Intents() []Intent {
	return []Intent{IntentChat, IntentLocate, IntentExecute, IntentBrowse, IntentCodeTask, IntentClarify}
}

// Valid reports whether i is a member of the closed set.
func (i Intent) Valid() bool {
	switch i {
	case IntentChat, IntentLocate, IntentExecute, IntentBrowse, IntentCodeTask, IntentClarify:
		return true
	}
	return false
}

// Classification is the outcome of classifying one request.
type Classification struct {
	Intent             Intent  `json:"intent"`
	Confidence         float64 `json:"confidence"`
	ClarifyingQuestion string  `json:"clarifying_question,omitempty"`
	// Source records which layer decided: "rules" or "llm".
	Source string `json:"source,omitempty"`
}

// Classifier maps requests to intents. It holds no mutable state; the only
// side effect of Classify is the completion call on the fallback path.
type Classifier struct {
	client    llm.Client
	threshold float64
	log       *zap.Logger
}

// NewClassifier builds a classifier. client may be nil, in which case the
// fallback layer is skipped and uncertain requests go straight to clarify.
func NewClassifier(client llm.Client, threshold float64) *Classifier {
	if threshold <= 0 || threshold >= 1 {
		threshold = 0.6
	}
	return &Classifier{
		client:    client,
		threshold: threshold,
		log:       logging.Named("intent"),
	}
}

// Classify places request into the closed intent set. recentContext is
// prior conversation carried into the fallback prompt; the rule layer
// ignores it. The returned classification always has a non-empty
// ClarifyingQuestion when the intent is clarify.
func (c *Classifier) Classify(ctx context.Context, request, recentContext string) (Classification, error) {
	norm := normalize(request)
	tokens := tokenize(norm)
	scores := scoreRules(norm, tokens)

	if cls, ok := clarifyGate(request, tokens, scores); ok {
		c.log.Debug("clarify gate tripped", zap.String("request", request))
		return cls, nil
	}

	if conf := confidenceFrom(scores); conf >= c.threshold {
		c.log.Debug("rule layer decided",
			zap.String("intent", string(scores[0].Intent)),
			zap.Float64("confidence", conf))
		return Classification{Intent: scores[0].Intent, Confidence: conf, Source: "rules"}, nil
	}

	if c.client == nil {
		return clarify(genericQuestion, "rules"), nil
	}

	cls, err := c.classifyLLM(ctx, request, recentContext)
	if err != nil {
		if ctx.Err() != nil {
			return Classification{}, ctx.Err()
		}
		c.log.Warn("fallback classification failed, asking to clarify", zap.Error(err))
		return clarify(genericQuestion, "llm"), nil
	}
	return cls, nil
}

// clarify builds a clarify classification. The intent decision itself is
// certain even though the request is not.
func clarify(question, source string) Classification {
	if strings.TrimSpace(question) == "" {
		question = genericQuestion
	}
	return Classification{
		Intent:             IntentClarify,
		Confidence:         0.9,
		ClarifyingQuestion: question,
		Source:             source,
	}
}

// EstimateComplexity scores how much work a request implies on a scale
// of 0 to 1, from observable features: length, file and identifier
// references, sequencing words, and breadth words. The pipeline carries
// the score on the task and uses it to size the explore context.
func EstimateComplexity(request string) float64 {
	fields := strings.Fields(request)
	score := float64(len(fields)) / 40
	if score > 0.3 {
		score = 0.3
	}
	refs, spread := 0, 0.0
	for _, f := range fields {
		tok := strings.Trim(f, "\"'`?!.,:;()[]{}<>")
		if tok == "" {
			continue
		}
		if strings.ContainsAny(tok, "./_") || interiorUpper(tok) {
			if refs < 3 {
				refs++
			}
			continue
		}
		switch strings.ToLower(tok) {
		case "and", "then", "also", "after":
			spread += 0.1
		case "all", "every", "across", "everywhere", "refactor", "rewrite", "migrate":
			spread += 0.15
		}
	}
	if spread > 0.3 {
		spread = 0.3
	}
	score += float64(refs)*0.1 + spread
	if score > 1 {
		return 1
	}
	return score
}

// interiorUpper reports camelCase-looking tokens, upper case anywhere
// past the first rune.
func interiorUpper(tok string) bool {
	for i, r := range tok {
		if i > 0 && unicode.IsUpper(r) {
			return true
		}
	}
	return false
}

// normalize lowercases and collapses whitespace. Punctuation survives so
// patterns can still see question marks and file paths.
func normalize(request string) string {
	return strings.Join(strings.Fields(strings.ToLower(request)), " ")
}

// tokenize splits the normalized request into words, trimming surrounding
// punctuation but keeping interior dots, slashes, and underscores so path
// and identifier tokens stay recognizable.
func tokenize(norm string) []string {
	fields := strings.Fields(norm)
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, "\"'`?!.,:;()[]{}<>")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
