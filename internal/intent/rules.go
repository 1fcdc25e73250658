package intent

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
)

// ruleDef declares the signal vocabulary for one intent. Keywords match
// whole tokens, phrases match as substrings of the normalized request,
// patterns are compiled once at startup.
type ruleDef struct {
	Intent   Intent
	Priority int
	Keywords []string
	Phrases  []string
	Patterns []string
}

// ruleTable is the curated fast-path corpus. Defined in Go structures to
// avoid parsing fragility.
var ruleTable = []ruleDef{
	{
		Intent: IntentCodeTask, Priority: 100,
		Keywords: []string{"fix", "repair", "refactor", "implement", "add", "create", "update", "rename", "rewrite", "change", "patch", "resolve", "optimize", "migrate", "remove", "delete", "upgrade"},
		Phrases:  []string{"clean up", "bug fix"},
		Patterns: []string{`fix\s+.*\b(bug|issue|error|crash|leak|typo)\b`, `add\s+\w+\s+to\b`, `support\s+for\b`},
	},
	{
		Intent: IntentLocate, Priority: 90,
		Keywords: []string{"find", "search", "locate", "grep", "where"},
		Phrases:  []string{"look for"},
		Patterns: []string{`where\s+(is|are|does|do)\b`, `which\s+file`, `find\s+all\b`, `list\s+(all\s+)?(usages|references|callers)`},
	},
	{
		Intent: IntentExecute, Priority: 85,
		Keywords: []string{"run", "execute", "build", "compile", "install", "launch", "rerun"},
		Patterns: []string{`run\s+(the\s+)?(tests?|suite|benchmarks?|linter)\b`, `^make(\s|$)`, `go\s+(test|build|vet)\b`},
	},
	{
		Intent: IntentBrowse, Priority: 80,
		Keywords: []string{"show", "open", "read", "display", "view", "print", "cat"},
		Phrases:  []string{"show me", "take a look"},
		Patterns: []string{`list\s+(the\s+)?(files|directory|directories)`, `what'?s\s+in\b`},
	},
	{
		Intent: IntentChat, Priority: 70,
		Keywords: []string{"explain", "describe", "summarize", "hello", "hi", "hey", "thanks", "help"},
		Phrases:  []string{"tell me about", "what is", "what does", "what are", "how does", "how do", "why does", "why is"},
		Patterns: []string{`^(what|why|how|when|who|can|could|should|does|is|are)\b`, `\?$`},
	},
}

const (
	wordWeight    = 1.0
	phraseWeight  = 1.5
	patternWeight = 2.0
	// leadBonus rewards a keyword in first position; the opening word of a
	// request carries most of its intent.
	leadBonus = 0.5
)

type ruleMatcher struct {
	def      ruleDef
	words    map[string]bool
	patterns []*regexp.Regexp
}

var matchers = compileRules()

// actionVerbs is the union of keywords whose intents need a concrete
// object; a match with nothing else in the request demands clarification.
var actionVerbs = collectActionVerbs()

func compileRules() []ruleMatcher {
	compiled := make([]ruleMatcher, 0, len(ruleTable))
	for _, def := range ruleTable {
		m := ruleMatcher{def: def, words: make(map[string]bool, len(def.Keywords))}
		for _, kw := range def.Keywords {
			m.words[kw] = true
		}
		for _, p := range def.Patterns {
			m.patterns = append(m.patterns, regexp.MustCompile(p))
		}
		compiled = append(compiled, m)
	}
	return compiled
}

func collectActionVerbs() map[string]bool {
	verbs := make(map[string]bool)
	for _, def := range ruleTable {
		if def.Intent == IntentChat {
			continue
		}
		for _, kw := range def.Keywords {
			verbs[kw] = true
		}
	}
	return verbs
}

// vagueWords are tokens that cannot anchor a task by themselves.
var vagueWords = map[string]bool{
	"it": true, "this": true, "that": true, "them": true, "these": true,
	"those": true, "the": true, "a": true, "an": true, "my": true,
	"me": true, "your": true, "our": true, "his": true, "her": true,
	"their": true, "please": true, "thing": true, "things": true,
	"stuff": true, "everything": true, "something": true, "anything": true,
	"all": true, "some": true, "now": true, "asap": true, "quickly": true,
	"just": true, "again": true, "here": true, "there": true, "and": true,
	"or": true, "then": true, "to": true, "for": true, "of": true,
	"in": true, "on": true, "with": true, "up": true, "about": true,
	"does": true, "do": true, "is": true, "are": true, "code": true,
	"everywhere": true, "properly": true, "better": true,
}

type ruleScore struct {
	Intent Intent
	Score  float64
}

// scoreRules runs every matcher over the request and returns scores in a
// deterministic order: score descending, then table priority, then name.
func scoreRules(norm string, tokens []string) []ruleScore {
	tokenSet := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		tokenSet[t] = true
	}

	scores := make([]ruleScore, 0, len(matchers))
	for _, m := range matchers {
		var score float64
		for word := range m.words {
			if tokenSet[word] {
				score += wordWeight
			}
		}
		if len(tokens) > 0 && m.words[tokens[0]] {
			score += leadBonus
		}
		for _, phrase := range m.def.Phrases {
			if strings.Contains(norm, phrase) {
				score += phraseWeight
			}
		}
		for _, p := range m.patterns {
			if p.MatchString(norm) {
				score += patternWeight
			}
		}
		scores = append(scores, ruleScore{Intent: m.def.Intent, Score: score})
	}

	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		pi, pj := priorityOf(scores[i].Intent), priorityOf(scores[j].Intent)
		if pi != pj {
			return pi > pj
		}
		return scores[i].Intent < scores[j].Intent
	})
	return scores
}

func priorityOf(intent Intent) int {
	for _, def := range ruleTable {
		if def.Intent == intent {
			return def.Priority
		}
	}
	return 0
}

// confidenceFrom maps the best rule score to a confidence, discounted when
// a second category also matched.
func confidenceFrom(scores []ruleScore) float64 {
	if len(scores) == 0 || scores[0].Score == 0 {
		return 0
	}
	conf := 0.5 + 0.15*scores[0].Score
	if len(scores) > 1 && scores[1].Score > 0 {
		conf -= 0.1 * math.Min(scores[1].Score/scores[0].Score, 1)
	}
	return math.Min(conf, 0.95)
}

const genericQuestion = "Could you describe what you need in more detail, ideally naming the files or behavior involved?"

// clarifyGate applies the hard rules that demand a clarifying question
// before either layer is allowed to guess: an empty request, a lone token
// no rule recognizes, and an action verb with no concrete object.
func clarifyGate(raw string, tokens []string, scores []ruleScore) (Classification, bool) {
	if len(tokens) == 0 {
		return clarify("What would you like me to do?", "rules"), true
	}

	var total float64
	for _, s := range scores {
		total += s.Score
	}
	if len(tokens) == 1 && total == 0 && !fileReference(tokens[0]) {
		return clarify(fmt.Sprintf("What would you like me to do with %q?", strings.TrimSpace(raw)), "rules"), true
	}

	verb := matchedActionVerb(tokens)
	if verb != "" && !hasReferent(tokens) {
		q := fmt.Sprintf("What should I %s? Naming the file, function, or behavior involved will let me start.", verb)
		return clarify(q, "rules"), true
	}

	return Classification{}, false
}

// matchedActionVerb returns the first request token that is an action verb
// from the rule table, or empty.
func matchedActionVerb(tokens []string) string {
	for _, t := range tokens {
		if actionVerbs[t] {
			return t
		}
	}
	return ""
}

// hasReferent reports whether any token names something concrete: not a
// vague word, not a bare verb, or shaped like a path or identifier.
func hasReferent(tokens []string) bool {
	for _, t := range tokens {
		if fileReference(t) {
			return true
		}
		if vagueWords[t] || actionVerbs[t] || chatWord(t) {
			continue
		}
		return true
	}
	return false
}

func fileReference(token string) bool {
	return strings.ContainsAny(token, "/_") || strings.Contains(token, ".")
}

func chatWord(token string) bool {
	for _, m := range matchers {
		if m.def.Intent == IntentChat && m.words[token] {
			return true
		}
	}
	switch token {
	case "what", "why", "how", "when", "who":
		return true
	}
	return false
}
