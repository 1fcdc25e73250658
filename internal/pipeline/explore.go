package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"tinker/internal/manifest"
	"tinker/internal/patch"
	"tinker/internal/tool"
)

// stopwords never rank files. Substring matching makes short common
// words dangerous on their own: "in" would hit every "main".
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "into": true, "all": true, "any": true,
	"are": true, "was": true, "has": true, "have": true, "does": true,
	"how": true, "why": true, "what": true, "when": true, "where": true,
	"which": true, "who": true, "its": true, "our": true, "your": true,
	"you": true, "can": true, "could": true, "should": true, "will": true,
	"not": true, "now": true, "new": true, "old": true, "use": true,
	"using": true, "make": true, "just": true, "please": true,
	"file": true, "files": true, "code": true,
}

// searchTerms extracts ranking terms from a request: lowercased tokens
// with surrounding punctuation removed, minus stopwords and anything
// shorter than three characters. File-looking tokens also contribute
// their stem, so "config.go" ranks files named config.
func searchTerms(request string) []string {
	seen := make(map[string]bool)
	var terms []string
	add := func(t string) {
		if len(t) < 3 || stopwords[t] || seen[t] {
			return
		}
		seen[t] = true
		terms = append(terms, t)
	}
	for _, field := range strings.Fields(strings.ToLower(request)) {
		tok := strings.Trim(field, "\"'`?!.,:;()[]{}<>")
		add(tok)
		if strings.ContainsAny(tok, "./") {
			base := tok
			if i := strings.LastIndexByte(base, '/'); i >= 0 {
				base = base[i+1:]
			}
			if i := strings.LastIndexByte(base, '.'); i > 0 {
				base = base[:i]
			}
			add(base)
		}
	}
	return terms
}

// explore reads the ranked files through the read_file tool and builds
// the context bundle Plan and Apply work from. When nothing ranked, it
// returns a clarifying question instead of guessing at files.
func (p *Pipeline) explore(ctx context.Context, task *Task, ranked []manifest.FileEntry, baseline map[string]string) (*ContextBundle, string, error) {
	rec, err := task.beginPhase(PhaseExplore)
	if err != nil {
		return nil, "", err
	}
	rec.Input = task.Request

	if len(ranked) == 0 {
		rec.Output = "no files matched the request terms"
		rec.end(nil)
		question := fmt.Sprintf("I could not find any files related to %q. Which files or packages should this change touch?", task.Request)
		return nil, question, nil
	}

	bundle := &ContextBundle{Hashes: make(map[string]string, len(ranked))}
	for _, f := range ranked {
		res, callErr := p.call(ctx, task, rec, tool.Call{
			Kind: tool.KindReadFile,
			Args: tool.Args{"path": f.Path},
		})
		if callErr != nil {
			// The index can outrun the tree; a vanished file is dropped.
			if errors.Is(callErr, fs.ErrNotExist) {
				continue
			}
			rec.end(callErr)
			return nil, "", &TaskError{
				TaskID: task.ID,
				Phase:  PhaseExplore,
				Call:   res,
				Next:   "check workspace permissions and re-run",
				Err:    callErr,
			}
		}

		hash, ok := baseline[f.Path]
		if !ok {
			hash, err = patch.HashFile(filepath.Join(p.tools.Workspace(), f.Path))
			if err != nil {
				rec.end(err)
				return nil, "", err
			}
		}
		bundle.Files = append(bundle.Files, BundleFile{Path: f.Path, Content: res.Output})
		bundle.Hashes[f.Path] = hash
	}

	if len(bundle.Files) == 0 {
		rec.Output = "ranked files disappeared before they could be read"
		rec.end(nil)
		question := fmt.Sprintf("The files matching %q vanished while I was reading them. What should I look at instead?", task.Request)
		return nil, question, nil
	}

	// One targeted search when the request names an identifier, so the
	// plan sees callers outside the bundled files.
	if term := identifierIn(task.Request); term != "" {
		res, callErr := p.call(ctx, task, rec, tool.Call{
			Kind: tool.KindSearchCode,
			Args: tool.Args{"pattern": regexp.QuoteMeta(term), "max_results": 20},
		})
		if callErr == nil && res.Output != "no matches" {
			bundle.Notes = append(bundle.Notes, fmt.Sprintf("references to %s:\n%s", term, res.Output))
		}
	}

	rec.Output = fmt.Sprintf("bundled %d files: %s", len(bundle.Files), strings.Join(bundle.Paths(), " "))
	rec.end(nil)
	return bundle, "", nil
}

// identifierIn returns the first request token that looks like a code
// identifier: interior upper case or a snake_case underscore. Path-like
// tokens are left to the ranking instead.
func identifierIn(request string) string {
	for _, field := range strings.Fields(request) {
		tok := strings.Trim(field, "\"'`?!.,:;()[]{}<>")
		if len(tok) < 4 || strings.Contains(tok, "/") {
			continue
		}
		if strings.Contains(tok, "_") {
			return tok
		}
		for i, r := range tok {
			if i > 0 && unicode.IsUpper(r) {
				return tok
			}
		}
	}
	return ""
}
