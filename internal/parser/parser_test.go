package parser

import (
	"strings"
	"testing"

	"github.com/HyphaGroup/edward/internal/stream"
)

func collect(p *Parser, chunks ...string) []stream.Event {
	var events []stream.Event
	for _, c := range chunks {
		events = append(events, p.Process(c)...)
	}
	events = append(events, p.Flush()...)
	return events
}

func typesOf(events []stream.Event) []stream.EventType {
	out := make([]stream.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestTextPassthrough(t *testing.T) {
	p := New()
	events := collect(p, "hello world")
	if len(events) != 1 || events[0].Type != stream.EventText || events[0].Delta != "hello world" {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestSandboxFileSequence(t *testing.T) {
	p := New()
	input := `before <edward_sandbox><file path="src/app/page.tsx">export default Page;</file></edward_sandbox> after`
	events := collect(p, input)

	got := typesOf(events)
	want := []stream.EventType{
		stream.EventText,
		stream.EventSandboxStart,
		stream.EventFileStart,
		stream.EventFileContent,
		stream.EventFileEnd,
		stream.EventSandboxEnd,
		stream.EventText,
	}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: got %s want %s (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestChunkBoundaryIndependence(t *testing.T) {
	input := `<edward_sandbox><file path="a.txt">hello world</file></edward_sandbox>`

	p1 := New()
	whole := collect(p1, input)

	for split := 1; split < len(input); split++ {
		p2 := New()
		parts := collect(p2, input[:split], input[split:])
		if len(parts) != len(whole) {
			t.Fatalf("split %d: event count mismatch: got %d want %d", split, len(parts), len(whole))
		}
		for i := range whole {
			if whole[i].Type != parts[i].Type {
				t.Fatalf("split %d: event %d type mismatch: got %s want %s", split, i, parts[i].Type, whole[i].Type)
			}
		}
	}
}

func TestFileContentConcatenation(t *testing.T) {
	p := New()
	chunks := []string{
		`<edward_sandbox><file path="a.txt">`,
		"line one\n",
		"line two\n",
		"line three",
		`</file></edward_sandbox>`,
	}
	events := collect(p, chunks...)

	var concatenated strings.Builder
	for _, e := range events {
		if e.Type == stream.EventFileContent {
			concatenated.WriteString(e.Delta)
		}
	}
	want := "line one\nline two\nline three"
	if concatenated.String() != want {
		t.Fatalf("got %q want %q", concatenated.String(), want)
	}
}

func TestMalformedPathEmitsError(t *testing.T) {
	p := New()
	events := collect(p, `<edward_sandbox><file path="../../etc/passwd">data</file></edward_sandbox>`)

	foundError := false
	for _, e := range events {
		if e.Type == stream.EventFileStart {
			t.Fatalf("FILE_START should not have been emitted for malicious path")
		}
		if e.Type == stream.EventError && e.Code == stream.CodeInvalidPath {
			foundError = true
		}
	}
	if !foundError {
		t.Fatalf("expected an invalid_path ERROR event, got %+v", events)
	}
}

func TestInstallContent(t *testing.T) {
	p := New()
	events := collect(p, "<edward_install>\nframework: nextjs\npackages: lucide-react, clsx, tailwind-merge\n</edward_install>")

	var install *stream.Event
	for i := range events {
		if events[i].Type == stream.EventInstallContent {
			install = &events[i]
		}
	}
	if install == nil {
		t.Fatalf("expected INSTALL_CONTENT event, got %+v", events)
	}
	if install.Framework != "nextjs" {
		t.Fatalf("framework = %q, want nextjs", install.Framework)
	}
	want := []string{"lucide-react", "clsx", "tailwind-merge"}
	if len(install.Dependencies) != len(want) {
		t.Fatalf("dependencies = %v, want %v", install.Dependencies, want)
	}
	for i := range want {
		if install.Dependencies[i] != want[i] {
			t.Fatalf("dependencies[%d] = %q, want %q", i, install.Dependencies[i], want[i])
		}
	}
}

func TestFenceStrippingFirstChunk(t *testing.T) {
	p := New()
	events := collect(p, `<edward_sandbox><file path="a.tsx">`+"```tsx\nexport default function Page() {}\n"+`</file></edward_sandbox>`)

	var content strings.Builder
	for _, e := range events {
		if e.Type == stream.EventFileContent {
			content.WriteString(e.Delta)
		}
	}
	if strings.Contains(content.String(), "```") {
		t.Fatalf("fence not stripped: %q", content.String())
	}
	if !strings.Contains(content.String(), "export default function Page") {
		t.Fatalf("file content lost: %q", content.String())
	}
}

func TestCommandEvent(t *testing.T) {
	p := New()
	events := collect(p, `<edward_command command="ls" args='["-la", "src"]'/>`)

	var cmd *stream.Event
	for i := range events {
		if events[i].Type == stream.EventCommand {
			cmd = &events[i]
		}
	}
	if cmd == nil {
		t.Fatalf("expected COMMAND event, got %+v", events)
	}
	if cmd.CommandName != "ls" {
		t.Fatalf("command name = %q", cmd.CommandName)
	}
	if len(cmd.CommandArgs) != 2 || cmd.CommandArgs[0] != "-la" || cmd.CommandArgs[1] != "src" {
		t.Fatalf("command args = %v", cmd.CommandArgs)
	}
}

func TestWebSearchEvent(t *testing.T) {
	p := New()
	events := collect(p, `<edward_web_search query="react hooks" max_results="3"/>`)

	var ws *stream.Event
	for i := range events {
		if events[i].Type == stream.EventWebSearch {
			ws = &events[i]
		}
	}
	if ws == nil {
		t.Fatalf("expected WEB_SEARCH event, got %+v", events)
	}
	if ws.Query != "react hooks" || ws.MaxResults != 3 {
		t.Fatalf("unexpected web search event: %+v", ws)
	}
}

func TestFlushClosesUnterminatedFile(t *testing.T) {
	p := New()
	events := p.Process(`<edward_sandbox><file path="a.txt">partial content`)
	events = append(events, p.Flush()...)

	got := typesOf(events)
	last := got[len(got)-1]
	if last != stream.EventSandboxEnd {
		t.Fatalf("expected trailing SANDBOX_END from flush, got %v", got)
	}
	foundFileEnd := false
	for _, ty := range got {
		if ty == stream.EventFileEnd {
			foundFileEnd = true
		}
	}
	if !foundFileEnd {
		t.Fatalf("expected synthetic FILE_END from flush, got %v", got)
	}
}

func TestDoneTag(t *testing.T) {
	p := New()
	events := collect(p, "all done <edward_done/>")

	foundEnd := false
	for _, e := range events {
		if e.Type == stream.EventMeta && e.Phase == stream.PhaseSessionEnd {
			foundEnd = true
		}
	}
	if !foundEnd {
		t.Fatalf("expected META session-end event, got %+v", events)
	}
}
