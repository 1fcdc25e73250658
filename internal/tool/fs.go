package tool

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// maxSearchFileSize skips files too large to grep line by line.
const maxSearchFileSize = 1 << 20

// defaultSearchResults caps search output when the caller does not.
const defaultSearchResults = 50

// readFile implements the read_file tool.
func (ts *Toolset) readFile(ctx context.Context, args Args) (string, error) {
	rel := args.String("path")
	abs, err := ts.resolve(KindReadFile, rel)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", rel, err)
	}

	content := string(data)
	start, end := args.Int("start_line"), args.Int("end_line")
	if start > 0 || end > 0 {
		content = sliceLines(content, start, end)
	}
	if len(content) > ts.maxOutput {
		content = content[:ts.maxOutput] + "\n... (truncated)"
	}
	return content, nil
}

// sliceLines keeps lines start through end, 1-based inclusive. Zero
// bounds mean "from the beginning" and "to the end" respectively.
func sliceLines(content string, start, end int) string {
	lines := strings.Split(content, "\n")
	if start < 1 {
		start = 1
	}
	if end < 1 || end > len(lines) {
		end = len(lines)
	}
	if start > len(lines) || start > end {
		return ""
	}
	return strings.Join(lines[start-1:end], "\n")
}

// searchCode implements the search_code tool. It greps the manifest
// index rather than walking the tree, so ignored and binary artifacts
// never show up.
func (ts *Toolset) searchCode(ctx context.Context, args Args) (string, error) {
	pattern := args.String("pattern")
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", failf(KindSearchCode, FailureValidation, "bad pattern %q: %v", pattern, err)
	}

	glob := args.String("glob")
	if glob != "" {
		if !doublestar.ValidatePattern(glob) {
			return "", failf(KindSearchCode, FailureValidation, "bad glob %q", glob)
		}
	}
	maxResults := args.Int("max_results")
	if maxResults <= 0 {
		maxResults = defaultSearchResults
	}

	ix, err := ts.manifest.Index()
	if err != nil {
		return "", fmt.Errorf("indexing workspace: %w", err)
	}

	var b strings.Builder
	matches := 0
	for _, f := range ix.Files {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if matches >= maxResults {
			break
		}
		if glob != "" {
			if ok, _ := doublestar.Match(glob, f.Path); !ok {
				continue
			}
		}
		if f.Size > maxSearchFileSize {
			continue
		}
		abs, rerr := ts.resolve(KindSearchCode, f.Path)
		if rerr != nil {
			continue
		}
		data, rerr := os.ReadFile(abs)
		if rerr != nil {
			continue
		}
		if bytes.IndexByte(data, 0) != -1 {
			continue
		}
		for i, line := range strings.Split(string(data), "\n") {
			if !re.MatchString(line) {
				continue
			}
			if len(line) > 200 {
				line = line[:200] + "..."
			}
			fmt.Fprintf(&b, "%s:%d: %s\n", f.Path, i+1, line)
			matches++
			if matches >= maxResults {
				break
			}
		}
	}

	if matches == 0 {
		return "no matches", nil
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
