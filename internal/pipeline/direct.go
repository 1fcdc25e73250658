package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"regexp"
	"strings"

	"tinker/internal/manifest"
	"tinker/internal/tool"
)

// directPhase labels audit events from handlers that bypass the phase
// machine.
const directPhase = "direct"

const chatSystem = `You are a concise assistant embedded in a coding agent. Answer from the provided project context; when the answer would need code changes, say so instead of inventing them.`

// directCall executes a tool call under the task's identity for
// handlers that have no phase record.
func (p *Pipeline) directCall(ctx context.Context, task *Task, c tool.Call) (*tool.Result, error) {
	return p.tools.Registry().Execute(tool.WithTask(ctx, task.ID, directPhase), c)
}

// runChat answers conversational requests with light project context.
func (p *Pipeline) runChat(ctx context.Context, task *Task) error {
	if p.client == nil {
		task.Answer = "No completion service is configured; set TINKER_API_KEY to enable chat."
		return nil
	}
	m := p.mgr.Declared()
	prompt := fmt.Sprintf("Project: %s (%s)\n\nQuestion: %s", m.Project, m.Type, task.Request)
	answer, err := p.client.CompleteWithSystem(ctx, chatSystem, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("chat completion: %w", err)
	}
	task.Answer = strings.TrimSpace(answer)
	return nil
}

// runLocate ranks index entries against the request and reports the
// matches, with line-level references when the request names an
// identifier.
func (p *Pipeline) runLocate(ctx context.Context, task *Task) error {
	ix, err := p.mgr.Index()
	if err != nil {
		return fmt.Errorf("indexing workspace: %w", err)
	}
	ranked := manifest.Rank(ix, searchTerms(task.Request), p.maxContextFiles())

	var b strings.Builder
	if len(ranked) > 0 {
		fmt.Fprintf(&b, "%d files match:\n", len(ranked))
		for _, f := range ranked {
			fmt.Fprintf(&b, "  %s\n", f.Path)
		}
	}
	if term := identifierIn(task.Request); term != "" {
		res, callErr := p.directCall(ctx, task, tool.Call{
			Kind: tool.KindSearchCode,
			Args: tool.Args{"pattern": regexp.QuoteMeta(term), "max_results": 20},
		})
		if callErr == nil && res.Output != "no matches" {
			fmt.Fprintf(&b, "\nReferences to %s:\n%s\n", term, res.Output)
		}
	}
	if b.Len() == 0 {
		task.Answer = fmt.Sprintf("Nothing in the index matches %q.", task.Request)
		return nil
	}
	task.Answer = strings.TrimRight(b.String(), "\n")
	return nil
}

// runBrowse shows the file the request names, falling back to the top
// ranked match when no explicit path is given.
func (p *Pipeline) runBrowse(ctx context.Context, task *Task) error {
	rel := pathToken(task.Request)
	if rel == "" {
		ix, err := p.mgr.Index()
		if err != nil {
			return fmt.Errorf("indexing workspace: %w", err)
		}
		if ranked := manifest.Rank(ix, searchTerms(task.Request), 1); len(ranked) > 0 {
			rel = ranked[0].Path
		}
	}
	if rel == "" {
		task.Question = "Which file should I show? A path or a distinctive name works."
		return nil
	}

	res, callErr := p.directCall(ctx, task, tool.Call{
		Kind: tool.KindReadFile,
		Args: tool.Args{"path": rel},
	})
	if callErr != nil {
		if errors.Is(callErr, fs.ErrNotExist) {
			task.Question = fmt.Sprintf("%s does not exist. Which file did you mean?", rel)
			return nil
		}
		return &TaskError{
			TaskID: task.ID,
			Phase:  task.Phase,
			Call:   res,
			Next:   "name the file by its repository path",
			Err:    callErr,
		}
	}
	task.Answer = fmt.Sprintf("--- %s ---\n%s", rel, res.Output)
	return nil
}

// executeVerbs are leading words stripped to recover a command line.
var executeVerbs = map[string]bool{
	"run": true, "execute": true, "launch": true, "start": true,
	"rerun": true, "invoke": true,
}

// runExecute runs the command the request asks for. Test-like wording
// maps to the declared verification command.
func (p *Pipeline) runExecute(ctx context.Context, task *Task) error {
	cmd := commandFromRequest(task.Request, p.mgr.Declared().VerifyCommand)
	if cmd == "" {
		task.Question = "Which command should I run?"
		return nil
	}
	res, callErr := p.directCall(ctx, task, tool.Call{
		Kind: tool.KindRunCommand,
		Args: tool.Args{"command": cmd},
	})
	if callErr != nil {
		return &TaskError{
			TaskID: task.ID,
			Phase:  task.Phase,
			Call:   res,
			Next:   "adjust the command or run it outside the agent",
			Err:    callErr,
		}
	}
	cr, perr := tool.ParseCommandResult(res.Output)
	if perr != nil {
		return perr
	}
	output := strings.TrimSpace(cr.Output)
	if output == "" {
		output = "(no output)"
	}
	task.Answer = fmt.Sprintf("$ %s\n%s\n(exit %d in %dms)", cmd, output, cr.ExitCode, cr.DurationMs)
	return nil
}

// pathToken pulls the first explicit file path out of a request.
func pathToken(request string) string {
	for _, field := range strings.Fields(request) {
		tok := strings.Trim(field, "\"'`?!.,:;()[]{}<>")
		if strings.Contains(tok, "/") {
			return tok
		}
		if i := strings.LastIndexByte(tok, '.'); i > 0 && i < len(tok)-1 {
			return tok
		}
	}
	return ""
}

// commandFromRequest recovers a shell command from the request text. A
// literal command survives as written; test-like wording becomes the
// verification command.
func commandFromRequest(request, verifyCommand string) string {
	fields := strings.Fields(request)
	for len(fields) > 0 {
		head := strings.ToLower(strings.Trim(fields[0], ".,!"))
		if executeVerbs[head] || head == "the" || head == "please" {
			fields = fields[1:]
			continue
		}
		break
	}
	rest := strings.Join(fields, " ")
	if rest != "" && literalCommand(fields[0]) {
		return rest
	}
	norm := strings.ToLower(request)
	if verifyCommand != "" &&
		(strings.Contains(norm, "test") || strings.Contains(norm, "suite") ||
			strings.Contains(norm, "verif") || strings.Contains(norm, "build")) {
		return verifyCommand
	}
	return rest
}

// literalCommand reports whether a token names something a shell can
// run directly.
var literalRunners = map[string]bool{
	"make": true, "go": true, "npm": true, "npx": true, "cargo": true,
	"python": true, "python3": true, "pytest": true, "sh": true,
	"bash": true, "mvn": true, "bundle": true, "git": true,
}

func literalCommand(tok string) bool {
	return literalRunners[strings.ToLower(tok)] || strings.HasPrefix(tok, "./")
}
