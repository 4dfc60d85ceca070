package tagstream

import (
	"strings"
	"testing"
)

func feedAll(chunks ...string) (*Scanner, []Event) {
	s := NewScanner()
	var events []Event
	for _, c := range chunks {
		events = append(events, s.Feed(c)...)
	}
	return s, events
}

func TestScanner_SplitAtEveryOffset(t *testing.T) {
	inputs := []struct {
		block   string
		content string
	}{
		{`<file path="p">X</file>`, "X"},
		{"<file path=\"p\">\nX</file>", "X"},
		{"<file path=\"p\">\n\nX\n</file>", "\nX\n"},
	}

	for _, in := range inputs {
		for i := 0; i <= len(in.block); i++ {
			s, _ := feedAll(in.block[:i], in.block[i:])
			res := s.Finish()
			if len(res.Intents) != 1 {
				t.Fatalf("split %d of %q: got %d intents, expected 1", i, in.block, len(res.Intents))
			}
			got := res.Intents[0]
			if got.Path != "p" {
				t.Errorf("split %d: Path = %q, expected %q", i, got.Path, "p")
			}
			if got.Content != in.content {
				t.Errorf("split %d: Content = %q, expected %q", i, got.Content, in.content)
			}
		}
	}
}

func TestScanner_ByteByByte(t *testing.T) {
	stream := "Sure!\n<message>\nAdded a title.\n</message>\n" +
		"<file path=\"index.html\">\n<h1>Hi</h1>\n</file>\n" +
		"<file path=\"style.css\">\nh1 { color: red; }\n</file>\nDone."

	s := NewScanner()
	var files []Intent
	for i := 0; i < len(stream); i++ {
		for _, ev := range s.Feed(stream[i : i+1]) {
			if ev.Kind == EventFile {
				files = append(files, ev.Intent)
			}
		}
	}
	res := s.Finish()

	if !res.Found || res.Summary != "Added a title." {
		t.Errorf("Summary = %q (found %v), expected %q", res.Summary, res.Found, "Added a title.")
	}
	if len(files) != 2 || len(res.Intents) != 2 {
		t.Fatalf("got %d events / %d intents, expected 2", len(files), len(res.Intents))
	}
	if files[0].Path != "index.html" || files[0].Content != "<h1>Hi</h1>\n" {
		t.Errorf("first intent = %+v", files[0])
	}
	if files[1].Path != "style.css" || files[1].Content != "h1 { color: red; }\n" {
		t.Errorf("second intent = %+v", files[1])
	}
	if res.Truncated {
		t.Error("Truncated = true for a complete stream")
	}
	if s.BytesRead() != len(stream) {
		t.Errorf("BytesRead() = %d, expected %d", s.BytesRead(), len(stream))
	}
}

func TestScanner_UnterminatedFileDiscarded(t *testing.T) {
	s, _ := feedAll(
		`<file path="a.js">one</file>`,
		`<message>ok</message>`,
		`<file path="b.js">`,
		"partial content that never clo",
	)
	res := s.Finish()

	if len(res.Intents) != 1 {
		t.Fatalf("got %d intents, expected 1", len(res.Intents))
	}
	if res.Intents[0].Path != "a.js" || res.Intents[0].Content != "one" {
		t.Errorf("intent = %+v, expected a.js/one", res.Intents[0])
	}
	if !res.Truncated {
		t.Error("Truncated = false, expected true")
	}
	if res.Summary != "ok" {
		t.Errorf("Summary = %q, expected %q", res.Summary, "ok")
	}
}

func TestScanner_PartialSummaryUpdates(t *testing.T) {
	s := NewScanner()

	ev := s.Feed("<message>\nWorking on")
	if len(ev) != 1 || !ev[0].Partial || ev[0].Summary != "Working on" {
		t.Fatalf("first events = %+v", ev)
	}
	ev = s.Feed(" it\n</mess")
	if len(ev) != 1 || !ev[0].Partial || ev[0].Summary != "Working on it" {
		t.Fatalf("second events = %+v", ev)
	}
	if got, done := s.Summary(); done || got != "Working on it" {
		t.Errorf("Summary() = %q, %v", got, done)
	}
	ev = s.Feed("age>")
	if len(ev) != 1 || ev[0].Partial || ev[0].Summary != "Working on it" {
		t.Fatalf("final events = %+v", ev)
	}
}

func TestScanner_MessageTrimsExactlyOneNewline(t *testing.T) {
	s, _ := feedAll("<message>\n\nhello\n\n</message>")
	res := s.Finish()
	if res.Summary != "\nhello\n" {
		t.Errorf("Summary = %q, expected %q", res.Summary, "\nhello\n")
	}
}

func TestScanner_FirstMessageWins(t *testing.T) {
	s, _ := feedAll("<message>first</message><message>second</message>")
	if res := s.Finish(); res.Summary != "first" {
		t.Errorf("Summary = %q, expected %q", res.Summary, "first")
	}
}

func TestScanner_NoBlocks(t *testing.T) {
	s, events := feedAll("I can't help with that.")
	res := s.Finish()

	if len(events) != 0 {
		t.Errorf("got %d events, expected none", len(events))
	}
	if res.Found {
		t.Error("Found = true without a message block")
	}
	if res.SummaryOrDefault() != DefaultSummary {
		t.Errorf("SummaryOrDefault() = %q, expected %q", res.SummaryOrDefault(), DefaultSummary)
	}
	if len(res.Intents) != 0 {
		t.Errorf("got %d intents, expected none", len(res.Intents))
	}
}

func TestScanner_UnterminatedMessageNotFound(t *testing.T) {
	s, _ := feedAll("<message>half a sum")
	res := s.Finish()
	if res.Found {
		t.Error("Found = true for an unterminated message block")
	}
	if res.SummaryOrDefault() != DefaultSummary {
		t.Errorf("SummaryOrDefault() = %q", res.SummaryOrDefault())
	}
}

func TestScanner_EmptyPathSkipped(t *testing.T) {
	s, _ := feedAll(`<file path="  ">x</file><file path="ok.txt">y</file>`)
	res := s.Finish()
	if len(res.Intents) != 1 || res.Intents[0].Path != "ok.txt" {
		t.Errorf("intents = %+v, expected only ok.txt", res.Intents)
	}
}

func TestScanner_LookalikeTextIgnored(t *testing.T) {
	s, _ := feedAll("use <file> and <messages> tags; ", `<file path="x">1</file>`, " trailing <")
	res := s.Finish()
	if len(res.Intents) != 1 || res.Intents[0].Content != "1" {
		t.Errorf("intents = %+v", res.Intents)
	}
	if res.Truncated {
		t.Error("Truncated = true for text outside blocks")
	}
}

func TestParse(t *testing.T) {
	body := strings.Repeat("noise ", 2000) +
		"<message>done</message><file path=\"main.py\">\nprint('hi')\n</file>"

	res, err := Parse(strings.NewReader(body))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if res.Summary != "done" {
		t.Errorf("Summary = %q, expected %q", res.Summary, "done")
	}
	if len(res.Intents) != 1 || res.Intents[0].Content != "print('hi')\n" {
		t.Errorf("intents = %+v", res.Intents)
	}
}

func TestPartialSuffix(t *testing.T) {
	tests := []struct {
		buf  string
		want int
	}{
		{"abc", 0},
		{"abc<", 1},
		{"abc<fi", 3},
		{"abc<me", 3},
		{"<file path=", 11},
		{"<file path=\"", 0},
	}
	for _, tt := range tests {
		if got := partialSuffix(tt.buf, messageOpen, fileOpen); got != tt.want {
			t.Errorf("partialSuffix(%q) = %d, expected %d", tt.buf, got, tt.want)
		}
	}
}

func TestScanner_FileInsideMessageIsIntent(t *testing.T) {
	stream := `<message>Added util.<file path="u.py">x = 1</file></message><file path="a.py">a</file>`

	for i := 0; i <= len(stream); i++ {
		s, _ := feedAll(stream[:i], stream[i:])
		res := s.Finish()
		if !res.Found || res.Summary != "Added util." {
			t.Errorf("split %d: Summary = %q Found = %v, expected %q", i, res.Summary, res.Found, "Added util.")
		}
		if len(res.Intents) != 2 || res.Intents[0].Path != "u.py" || res.Intents[0].Content != "x = 1" || res.Intents[1].Path != "a.py" {
			t.Errorf("split %d: intents = %+v", i, res.Intents)
		}
	}
}

func TestScanner_FileInsideMessageKeepsPartialSummary(t *testing.T) {
	s, _ := feedAll(`<message>Working<file path="u.py">x</file> on it`)
	if got, done := s.Summary(); got != "Working on it" || done {
		t.Errorf("Summary() = %q, %v, expected partial %q", got, done, "Working on it")
	}
}

func TestScanner_EmptyMessageIsKept(t *testing.T) {
	s, _ := feedAll("<message></message><file path=\"a\">b</file>")
	res := s.Finish()
	if !res.Found {
		t.Fatal("Found = false for an empty message block")
	}
	if got := res.SummaryOrDefault(); got != "" {
		t.Errorf("SummaryOrDefault() = %q, expected the empty summary", got)
	}
}
