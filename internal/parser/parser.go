// Package parser implements the structured stream parser: a stateful,
// single-producer/single-consumer tokenizer that turns a raw LLM text
// stream carrying edward_* tags into a typed sequence of stream.Event
// values. See the top-level state table in the design doc for the
// TEXT/SANDBOX/FILE/INSTALL state machine this implements.
package parser

import (
	"strconv"
	"strings"

	"github.com/HyphaGroup/edward/internal/stream"
)

// state is the parser's top-level state.
type state int

const (
	stateText state = iota
	stateSandbox
	stateFile
	stateInstall
)

const (
	tagSandboxOpenPrefix = "<edward_sandbox"
	tagSandboxClose      = "</edward_sandbox>"
	tagFileOpenPrefix    = "<file "
	tagFileClose         = "</file>"
	tagInstallOpen       = "<edward_install>"
	tagInstallClose      = "</edward_install>"
	tagCommandPrefix     = "<edward_command"
	tagWebSearchPrefix   = "<edward_web_search"
	tagDone              = "<edward_done/>"

	// fenceHeuristicThreshold bounds how many bytes of an unterminated
	// leading fence candidate the parser will buffer before giving up
	// and treating it as plain content (property 9).
	fenceHeuristicThreshold = 256
)

// tagCandidates lists every opener recognized while scanning TEXT, in
// order of prefix-disambiguation (edward_{s,i,c,w,d}...).
var tagCandidates = []string{
	tagSandboxOpenPrefix,
	tagInstallOpen,
	tagCommandPrefix,
	tagWebSearchPrefix,
	tagDone,
}

// Parser is a stateful tokenizer. It is not safe for concurrent use and
// not reentrant: a single goroutine must own Process/Flush calls for a
// given stream.
type Parser struct {
	st  state
	buf strings.Builder // unconsumed bytes, possibly spanning a tag boundary

	currentFilePath  string
	firstFileChunk   bool
	fenceBuf         strings.Builder
	fenceResolved    bool

	installBuf strings.Builder
}

// New returns a fresh Parser in the TEXT state.
func New() *Parser {
	return &Parser{st: stateText}
}

// Process consumes chunk and returns the StreamEvents it produces. It
// never blocks and never panics; malformed input yields an ERROR event
// for the offending tag and the parser recovers at the next boundary.
func (p *Parser) Process(chunk string) []stream.Event {
	p.buf.WriteString(chunk)
	return p.drain(false)
}

// Flush signals end of input. Any state left open (a file or sandbox
// block, a partially buffered fence) is closed with synthetic events so
// downstream consumers are never left waiting on a FILE_END/SANDBOX_END
// that will never arrive.
func (p *Parser) Flush() []stream.Event {
	events := p.drain(true)

	switch p.st {
	case stateFile:
		events = append(events, p.flushFenceBuf()...)
		events = append(events, stream.Event{Version: stream.SchemaVersion, Type: stream.EventFileEnd, Path: p.currentFilePath})
		events = append(events, stream.Event{Version: stream.SchemaVersion, Type: stream.EventSandboxEnd})
		p.st = stateText
	case stateSandbox:
		events = append(events, stream.Event{Version: stream.SchemaVersion, Type: stream.EventSandboxEnd})
		p.st = stateText
	case stateInstall:
		events = append(events, p.emitInstallContent()...)
		p.st = stateText
	}

	// Any leftover buffered bytes at end of stream that never resolved
	// into a tag are emitted as trailing TEXT.
	if p.buf.Len() > 0 {
		events = append(events, stream.NewText(p.buf.String()))
		p.buf.Reset()
	}
	return events
}

// drain repeatedly scans whatever is buffered, emitting events until no
// further progress can be made without more input (or, if final, until
// the buffer is exhausted of complete tags).
func (p *Parser) drain(final bool) []stream.Event {
	var events []stream.Event
	for {
		progressed, more := p.step(final)
		events = append(events, more...)
		if !progressed {
			return events
		}
	}
}

// step performs one scanning pass appropriate to the current state.
// It returns whether it made progress (so drain can loop) and any
// events produced.
func (p *Parser) step(final bool) (bool, []stream.Event) {
	switch p.st {
	case stateText:
		return p.stepText()
	case stateSandbox:
		return p.stepSandbox()
	case stateFile:
		return p.stepFile()
	case stateInstall:
		return p.stepInstall()
	}
	return false, nil
}

func (p *Parser) stepText() (bool, []stream.Event) {
	b := p.buf.String()
	if b == "" {
		return false, nil
	}

	idx := strings.IndexByte(b, '<')
	if idx < 0 {
		// No tag start anywhere in the buffer: emit it all as text.
		p.buf.Reset()
		return true, []stream.Event{stream.NewText(b)}
	}

	var events []stream.Event
	if idx > 0 {
		events = append(events, stream.NewText(b[:idx]))
	}
	rest := b[idx:]

	match, ambiguous := matchCandidate(rest)
	if ambiguous {
		// Could still become a known tag with more bytes: hold the '<'
		// onward back in the buffer and stop without progress on the tag
		// itself (but we did emit leading text, so the caller should still
		// consider this a completed pass over the resolved portion).
		p.buf.Reset()
		p.buf.WriteString(rest)
		if idx > 0 {
			return true, events
		}
		return false, nil
	}
	if match == "" {
		// '<' does not begin any recognized tag: treat it as a literal
		// character and keep scanning.
		p.buf.Reset()
		p.buf.WriteString(rest[1:])
		events = append(events, stream.NewText("<"))
		return true, events
	}

	switch {
	case strings.HasPrefix(match, tagSandboxOpenPrefix):
		p.buf.Reset()
		p.buf.WriteString(rest[len(match):])
		p.st = stateSandbox
		events = append(events, stream.Event{Version: stream.SchemaVersion, Type: stream.EventSandboxStart})
		return true, events
	case match == tagInstallOpen:
		p.buf.Reset()
		p.buf.WriteString(rest[len(match):])
		p.st = stateInstall
		p.installBuf.Reset()
		events = append(events, stream.Event{Version: stream.SchemaVersion, Type: stream.EventInstallStart})
		return true, events
	case strings.HasPrefix(match, tagCommandPrefix):
		p.buf.Reset()
		p.buf.WriteString(rest[len(match):])
		events = append(events, commandEvent(match))
		return true, events
	case strings.HasPrefix(match, tagWebSearchPrefix):
		p.buf.Reset()
		p.buf.WriteString(rest[len(match):])
		events = append(events, webSearchEvent(match))
		return true, events
	case match == tagDone:
		p.buf.Reset()
		p.buf.WriteString(rest[len(match):])
		events = append(events, stream.NewMeta(stream.PhaseSessionEnd))
		return true, events
	}
	// unreachable
	return true, events
}

// matchCandidate looks at rest (which starts with '<') and returns the
// matched literal tag text if a complete match was found, or
// ambiguous=true if rest is too short to disambiguate yet.
func matchCandidate(rest string) (match string, ambiguous bool) {
	for _, c := range tagCandidates {
		switch c {
		case tagInstallOpen, tagDone:
			// fixed literal tags
			if len(rest) < len(c) {
				if strings.HasPrefix(c, rest) {
					ambiguous = true
				}
				continue
			}
			if strings.HasPrefix(rest, c) {
				return c, false
			}
		default:
			// variable tags terminated by '>' (sandbox) or '/>' (command,
			// web_search)
			if len(rest) < len(c) {
				if strings.HasPrefix(c, rest) {
					ambiguous = true
				}
				continue
			}
			if !strings.HasPrefix(rest, c) {
				continue
			}
			closer := ">"
			tail := rest[len(c):]
			end := strings.Index(tail, closer)
			if end < 0 {
				ambiguous = true
				continue
			}
			return rest[:len(c)+end+1], false
		}
	}
	return "", ambiguous
}

// attr accepts both quote styles a tag attribute might use. The wire
// protocol is double-quoted by convention, but edward_command/
// edward_web_search's own args examples use single quotes around a
// JSON array (args='[...]'), so single-quoted is accepted too rather
// than rejecting a form the protocol's own examples produce.
func attr(tag, name string) (string, bool) {
	// double-quoted form: name="value"
	if v, ok := extractQuoted(tag, name, '"'); ok {
		return v, true
	}
	// single-quoted form, used by command/web_search args in the wire
	// examples (e.g. args='[...]').
	if v, ok := extractQuoted(tag, name, '\''); ok {
		return v, true
	}
	return "", false
}

func extractQuoted(tag, name string, quote byte) (string, bool) {
	needle := name + "=" + string(quote)
	idx := strings.Index(tag, needle)
	if idx < 0 {
		return "", false
	}
	start := idx + len(needle)
	end := strings.IndexByte(tag[start:], quote)
	if end < 0 {
		return "", false
	}
	return tag[start : start+end], true
}

func commandEvent(tag string) stream.Event {
	name, ok := attr(tag, "command")
	if !ok {
		return stream.NewError("edward_command missing command attribute", stream.CodeMalformedTag)
	}
	var args []string
	if raw, ok := attr(tag, "args"); ok {
		args = splitJSONArray(raw)
	}
	return stream.Event{Version: stream.SchemaVersion, Type: stream.EventCommand, CommandName: name, CommandArgs: args}
}

func webSearchEvent(tag string) stream.Event {
	query, ok := attr(tag, "query")
	if !ok {
		return stream.NewError("edward_web_search missing query attribute", stream.CodeMalformedTag)
	}
	maxResults := 5
	if raw, ok := attr(tag, "max_results"); ok {
		if n, err := strconv.Atoi(raw); err == nil {
			maxResults = n
		}
	}
	return stream.Event{Version: stream.SchemaVersion, Type: stream.EventWebSearch, Query: query, MaxResults: maxResults}
}

// splitJSONArray does a minimal best-effort split of a `["a","b"]`-style
// literal into its string elements without pulling in a JSON decoder for
// what is, on the wire, always a flat array of strings.
func splitJSONArray(raw string) []string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "[")
	raw = strings.TrimSuffix(raw, "]")
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		part = strings.Trim(part, `"'`)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (p *Parser) stepSandbox() (bool, []stream.Event) {
	b := p.buf.String()
	if b == "" {
		return false, nil
	}

	// Closing tag for the sandbox block.
	if idx := strings.Index(b, tagSandboxClose); idx == 0 {
		p.buf.Reset()
		p.buf.WriteString(b[len(tagSandboxClose):])
		p.st = stateText
		return true, []stream.Event{{Version: stream.SchemaVersion, Type: stream.EventSandboxEnd}}
	}

	// A new file block.
	if strings.HasPrefix(b, tagFileOpenPrefix) {
		end := strings.Index(b, ">")
		if end < 0 {
			if couldCompleteWithMore(b, ">") {
				return false, nil
			}
			// Malformed: never closes. Treat as plain text to avoid
			// stalling forever; emit as-is.
			p.buf.Reset()
			return true, []stream.Event{stream.NewText(b)}
		}
		tag := b[:end+1]
		rest := b[end+1:]
		path, ok := attr(tag, "path")
		if !ok || !validPath(path) {
			p.buf.Reset()
			p.buf.WriteString(rest)
			return true, []stream.Event{stream.NewError("file tag missing or invalid path attribute", stream.CodeInvalidPath)}
		}
		p.buf.Reset()
		p.buf.WriteString(rest)
		p.st = stateFile
		p.currentFilePath = path
		p.firstFileChunk = true
		p.fenceBuf.Reset()
		p.fenceResolved = false
		return true, []stream.Event{{Version: stream.SchemaVersion, Type: stream.EventFileStart, Path: path}}
	}

	// Neither tag matched at position 0. Look for the earliest occurrence
	// of either marker to emit intervening bytes as TEXT, same as the
	// top-level TEXT state.
	sandboxIdx := strings.Index(b, tagSandboxClose)
	fileIdx := strings.Index(b, tagFileOpenPrefix)
	next := firstPositiveIndex(sandboxIdx, fileIdx)
	if next < 0 {
		// No marker visible yet. Hold back a tail that could be the start
		// of either marker; emit the rest as text.
		holdback := maxPrefixOverlap(b, tagSandboxClose, tagFileOpenPrefix)
		if holdback >= len(b) {
			return false, nil
		}
		text := b[:len(b)-holdback]
		p.buf.Reset()
		p.buf.WriteString(b[len(b)-holdback:])
		if text == "" {
			return false, nil
		}
		return true, []stream.Event{stream.NewText(text)}
	}
	text := b[:next]
	p.buf.Reset()
	p.buf.WriteString(b[next:])
	if text == "" {
		return true, nil
	}
	return true, []stream.Event{stream.NewText(text)}
}

func (p *Parser) stepFile() (bool, []stream.Event) {
	b := p.buf.String()
	if b == "" {
		return false, nil
	}

	idx := strings.Index(b, tagFileClose)
	if idx < 0 {
		holdback := maxSuffixPrefixOverlap(b, tagFileClose)
		if holdback >= len(b) {
			return false, nil
		}
		content := b[:len(b)-holdback]
		p.buf.Reset()
		p.buf.WriteString(b[len(b)-holdback:])
		if content == "" {
			return false, nil
		}
		return true, p.emitFileContent(content)
	}

	content := b[:idx]
	p.buf.Reset()
	p.buf.WriteString(b[idx+len(tagFileClose):])

	var events []stream.Event
	if content != "" {
		events = append(events, p.emitFileContent(content)...)
	}
	events = append(events, p.flushFenceBuf()...)
	events = append(events, stream.Event{Version: stream.SchemaVersion, Type: stream.EventFileEnd, Path: p.currentFilePath})
	p.currentFilePath = ""
	p.st = stateSandbox
	return true, events
}

// emitFileContent applies the first-chunk fence-stripping heuristic
// (property 9) and otherwise passes bytes through verbatim.
func (p *Parser) emitFileContent(content string) []stream.Event {
	if p.fenceResolved {
		return []stream.Event{{Version: stream.SchemaVersion, Type: stream.EventFileContent, Delta: content}}
	}

	p.fenceBuf.WriteString(content)
	buffered := p.fenceBuf.String()
	trimmed := strings.TrimLeft(buffered, " \t")

	if !strings.HasPrefix(trimmed, "```") {
		p.fenceResolved = true
		p.fenceBuf.Reset()
		return []stream.Event{{Version: stream.SchemaVersion, Type: stream.EventFileContent, Delta: buffered}}
	}

	nl := strings.IndexByte(trimmed, '\n')
	if nl >= 0 {
		rest := trimmed[nl+1:]
		p.fenceResolved = true
		p.fenceBuf.Reset()
		if rest == "" {
			return nil
		}
		return []stream.Event{{Version: stream.SchemaVersion, Type: stream.EventFileContent, Delta: rest}}
	}

	if len(buffered) > fenceHeuristicThreshold {
		// Looked like a fence but never terminated within the heuristic
		// window: pass through unchanged.
		p.fenceResolved = true
		p.fenceBuf.Reset()
		return []stream.Event{{Version: stream.SchemaVersion, Type: stream.EventFileContent, Delta: buffered}}
	}

	// Still ambiguous; keep buffering.
	return nil
}

// flushFenceBuf emits whatever is left in the fence-detection buffer
// when a file ends before the heuristic resolved one way or the other.
func (p *Parser) flushFenceBuf() []stream.Event {
	if p.fenceResolved || p.fenceBuf.Len() == 0 {
		p.fenceBuf.Reset()
		p.fenceResolved = false
		return nil
	}
	buffered := p.fenceBuf.String()
	p.fenceBuf.Reset()
	p.fenceResolved = false
	return []stream.Event{{Version: stream.SchemaVersion, Type: stream.EventFileContent, Delta: buffered}}
}

func (p *Parser) stepInstall() (bool, []stream.Event) {
	b := p.buf.String()
	if b == "" {
		return false, nil
	}

	idx := strings.Index(b, tagInstallClose)
	if idx < 0 {
		holdback := maxSuffixPrefixOverlap(b, tagInstallClose)
		if holdback >= len(b) {
			return false, nil
		}
		p.installBuf.WriteString(b[:len(b)-holdback])
		p.buf.Reset()
		p.buf.WriteString(b[len(b)-holdback:])
		return true, nil
	}

	p.installBuf.WriteString(b[:idx])
	p.buf.Reset()
	p.buf.WriteString(b[idx+len(tagInstallClose):])
	p.st = stateText
	return true, p.emitInstallContent()
}

func (p *Parser) emitInstallContent() []stream.Event {
	raw := p.installBuf.String()
	p.installBuf.Reset()

	var framework string
	var deps []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "framework:"):
			framework = strings.TrimSpace(strings.TrimPrefix(line, "framework:"))
		case strings.HasPrefix(line, "packages:"):
			rest := strings.TrimSpace(strings.TrimPrefix(line, "packages:"))
			for _, dep := range strings.Split(rest, ",") {
				dep = strings.TrimSpace(dep)
				if dep != "" {
					deps = append(deps, dep)
				}
			}
		}
	}

	return []stream.Event{
		{Version: stream.SchemaVersion, Type: stream.EventInstallContent, Dependencies: deps, Framework: framework},
		{Version: stream.SchemaVersion, Type: stream.EventInstallEnd},
	}
}

// couldCompleteWithMore reports whether b might still grow into
// containing sep (i.e. b doesn't yet contain sep but isn't definitively
// incapable of producing it either — used only to decide whether to
// wait rather than give up on a malformed tag).
func couldCompleteWithMore(b, sep string) bool {
	return len(b) < 4096
}

func firstPositiveIndex(a, b int) int {
	if a < 0 {
		return b
	}
	if b < 0 {
		return a
	}
	if a < b {
		return a
	}
	return b
}

// maxPrefixOverlap returns the length of the longest suffix of b that is
// a proper prefix of either marker, so the scanner knows how many
// trailing bytes to hold back pending more input.
func maxPrefixOverlap(b, m1, m2 string) int {
	o1 := maxSuffixPrefixOverlap(b, m1)
	o2 := maxSuffixPrefixOverlap(b, m2)
	if o1 > o2 {
		return o1
	}
	return o2
}

// maxSuffixPrefixOverlap returns the length of the longest suffix of b
// that equals a prefix of marker (0 if none, capped at len(marker)-1).
func maxSuffixPrefixOverlap(b, marker string) int {
	max := len(marker) - 1
	if max > len(b) {
		max = len(b)
	}
	for l := max; l > 0; l-- {
		if strings.HasSuffix(b, marker[:l]) {
			return l
		}
	}
	return 0
}

// validPath rejects absolute paths, parent-directory traversal, and NUL
// bytes, per the workspace-root escape rule shared with the sandbox
// manager's own normalization.
func validPath(path string) bool {
	if path == "" {
		return false
	}
	if strings.ContainsRune(path, 0) {
		return false
	}
	if strings.HasPrefix(path, "/") {
		return false
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == ".." {
			return false
		}
	}
	return true
}
