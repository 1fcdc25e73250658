package policy

import (
	"path"
	"strings"
)

// commandFact is one fact derived from a command line, ready for the engine.
type commandFact struct {
	predicate string
	args      []interface{}
}

// wrapperCmds hand their tail to another executable, so the tail is analyzed
// as its own invocation. sudo and doas appear here and in the policy's
// elevation table: the wrapped command is still inspected.
var wrapperCmds = map[string]bool{
	"sudo": true, "doas": true, "env": true, "xargs": true,
	"nohup": true, "nice": true, "time": true, "timeout": true,
	"setsid": true, "stdbuf": true, "command": true,
}

// shellCmds run a quoted script when given -c; the payload is re-analyzed.
var shellCmds = map[string]bool{
	"sh": true, "bash": true, "zsh": true, "dash": true, "ksh": true,
}

// harmlessDevices may be written without destroying anything.
var harmlessDevices = map[string]bool{
	"null": true, "zero": true, "full": true, "tty": true,
	"stdin": true, "stdout": true, "stderr": true,
	"random": true, "urandom": true,
}

// analyzer turns a raw command line into facts for the safety policy.
type analyzer struct {
	facts []commandFact
	next  int
}

func analyzeCommand(line string) []commandFact {
	a := &analyzer{}
	a.line(line)
	return a.facts
}

func (a *analyzer) emit(predicate string, args ...interface{}) {
	a.facts = append(a.facts, commandFact{predicate: predicate, args: args})
}

// line splits a command line on shell separators and analyzes each segment.
func (a *analyzer) line(line string) {
	tokens := tokenize(line)
	start := 0
	for i := 0; i <= len(tokens); i++ {
		if i == len(tokens) || tokens[i] == ";" {
			if i > start {
				a.chain(tokens[start:i])
			}
			start = i + 1
		}
	}
}

// chain analyzes one pipeline-free segment: a command, its flags and args,
// recursing into wrapper tails and shell -c payloads.
func (a *analyzer) chain(tokens []string) {
	i := 0
	for i < len(tokens) && isAssignment(tokens[i]) {
		i++
	}
	if i >= len(tokens) {
		return
	}

	cmd := canonCommand(tokens[i])
	idx := a.next
	a.next++
	a.emit("invokes", idx, cmd)
	i++

	flagsDone := false
	wantsScript := false
	skippedDuration := false
	for i < len(tokens) {
		tok := tokens[i]

		if tok == "--" && !flagsDone {
			flagsDone = true
			i++
			continue
		}
		if !flagsDone && isFlag(tok) {
			for _, f := range flagNames(tok) {
				a.emit("flag", idx, f)
			}
			if shellCmds[cmd] && hasShortFlag(tok, 'c') {
				wantsScript = true
			}
			i++
			continue
		}

		// First plain token after a wrapper starts a nested invocation.
		if wrapperCmds[cmd] {
			if cmd == "timeout" && !skippedDuration {
				skippedDuration = true
				i++
				continue
			}
			a.chain(tokens[i:])
			return
		}
		if wantsScript {
			a.line(tok)
			wantsScript = false
			i++
			continue
		}

		a.argChecks(idx, tok)
		i++
	}
}

// argChecks emits facts for dangerous argument shapes.
func (a *analyzer) argChecks(idx int, tok string) {
	target := strings.TrimPrefix(tok, "of=")
	if !strings.HasPrefix(target, "/dev/") {
		return
	}
	name := strings.TrimPrefix(target, "/dev/")
	if slash := strings.IndexByte(name, '/'); slash >= 0 {
		if name[:slash] == "fd" {
			return
		}
		name = name[:slash]
	}
	if !harmlessDevices[name] {
		a.emit("writes_device", idx)
	}
}

// canonCommand reduces an executable token to the name the policy tables
// use: basename, alias-bypass backslash stripped, mkfs.* collapsed to mkfs.
func canonCommand(tok string) string {
	name := path.Base(strings.TrimPrefix(tok, `\`))
	if strings.HasPrefix(name, "mkfs") {
		return "mkfs"
	}
	return name
}

func isAssignment(tok string) bool {
	eq := strings.IndexByte(tok, '=')
	if eq <= 0 {
		return false
	}
	for i := 0; i < eq; i++ {
		c := tok[i]
		ok := c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (i > 0 && c >= '0' && c <= '9')
		if !ok {
			return false
		}
	}
	return true
}

func isFlag(tok string) bool {
	return len(tok) > 1 && tok[0] == '-'
}

// flagNames normalizes one flag token to lowercase names: the whole name,
// plus each letter of a short cluster so "-rf" matches the "r" table entry.
// Single-dash long options like find's -delete emit the whole word too.
func flagNames(tok string) []string {
	var names []string
	seen := make(map[string]bool)
	add := func(n string) {
		if n != "" && !seen[n] {
			seen[n] = true
			names = append(names, n)
		}
	}

	if strings.HasPrefix(tok, "--") {
		name := strings.ToLower(strings.TrimPrefix(tok, "--"))
		if eq := strings.IndexByte(name, '='); eq >= 0 {
			name = name[:eq]
		}
		add(name)
		return names
	}

	body := strings.ToLower(strings.TrimPrefix(tok, "-"))
	if eq := strings.IndexByte(body, '='); eq >= 0 {
		body = body[:eq]
	}
	add(body)
	for _, r := range body {
		add(string(r))
	}
	return names
}

func hasShortFlag(tok string, want byte) bool {
	if strings.HasPrefix(tok, "--") {
		return false
	}
	return strings.IndexByte(tok, want) > 0
}

// tokenize splits a command line respecting single and double quotes.
// Pipeline and logical separators all normalize to ";".
func tokenize(line string) []string {
	var tokens []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			tokens = append(tokens, cur.String())
			cur.Reset()
		}
	}
	sep := func() {
		flush()
		if len(tokens) == 0 || tokens[len(tokens)-1] != ";" {
			tokens = append(tokens, ";")
		}
	}

	inSingle, inDouble := false, false
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case inSingle:
			if c == '\'' {
				inSingle = false
			} else {
				cur.WriteByte(c)
			}
		case inDouble:
			if c == '"' {
				inDouble = false
			} else if c == '\\' && i+1 < len(line) {
				i++
				cur.WriteByte(line[i])
			} else {
				cur.WriteByte(c)
			}
		case c == '\'':
			inSingle = true
		case c == '"':
			inDouble = true
		case c == '\\' && i+1 < len(line):
			i++
			cur.WriteByte(line[i])
		case c == ';' || c == '\n':
			sep()
		case c == '|' || c == '&':
			if i+1 < len(line) && line[i+1] == c {
				i++
			}
			sep()
		case c == ' ' || c == '\t':
			flush()
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	return tokens
}
