// Package tagstream decodes the tag-delimited output of a code generation
// model incrementally, as chunks arrive.
//
// The protocol has one summary block and any number of file blocks:
//
//	<message>
//	what changed
//	</message>
//	<file path="index.html">
//	...
//	</file>
//
// Text outside recognized blocks is ignored. A file block is only reported
// once its closing tag has been seen. A file block inside the message block
// is still a file intent and its text is not part of the summary.
package tagstream

import (
	"io"
	"strings"
)

const (
	messageOpen  = "<message>"
	messageClose = "</message>"
	fileOpen     = `<file path="`
	pathClose    = `">`
	fileClose    = "</file>"
)

// DefaultSummary is used when the stream never produced a complete message block.
const DefaultSummary = "Code updated."

type state int

const (
	stateOutside state = iota
	stateMessage
	stateFilePath
	stateFileBody
)

// Intent is a complete, not yet committed file write.
type Intent struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type EventKind int

const (
	// EventSummary carries the best known summary; Partial is set while the
	// message block is still open.
	EventSummary EventKind = iota
	// EventFile carries a completed file intent.
	EventFile
)

type Event struct {
	Kind    EventKind
	Summary string
	Partial bool
	Intent  Intent
}

// Result is the outcome of a finished stream.
type Result struct {
	Summary string

	// Found reports whether a complete message block was seen.
	Found bool

	Intents []Intent

	// Truncated is set when the stream ended inside a file block.
	Truncated bool
}

// SummaryOrDefault returns the parsed summary, even an empty one, or
// DefaultSummary when no message block was completed.
func (r Result) SummaryOrDefault() string {
	if !r.Found {
		return DefaultSummary
	}
	return r.Summary
}

// Scanner is an incremental state machine over the stream. Bytes are examined
// once; only a possible partial marker at the end of a chunk is carried over.
// A Scanner is not safe for concurrent use.
type Scanner struct {
	state   state
	resume  state
	carry   string
	msg     strings.Builder
	body    strings.Builder
	path    string
	summary string
	found   bool
	intents []Intent
	total   int
}

func NewScanner() *Scanner {
	return &Scanner{}
}

// Feed consumes the next chunk and returns the events it completed.
func (s *Scanner) Feed(chunk string) []Event {
	s.total += len(chunk)
	buf := s.carry + chunk
	s.carry = ""

	var events []Event
	for {
		switch s.state {
		case stateOutside:
			mi := strings.Index(buf, messageOpen)
			fi := strings.Index(buf, fileOpen)
			switch {
			case mi >= 0 && (fi < 0 || mi < fi):
				buf = buf[mi+len(messageOpen):]
				s.state = stateMessage
				s.msg.Reset()
			case fi >= 0:
				buf = buf[fi+len(fileOpen):]
				s.state = stateFilePath
				s.path = ""
			default:
				s.carry = buf[len(buf)-partialSuffix(buf, messageOpen, fileOpen):]
				return events
			}

		case stateMessage:
			i := strings.Index(buf, messageClose)
			if fi := strings.Index(buf, fileOpen); fi >= 0 && (i < 0 || fi < i) {
				s.msg.WriteString(buf[:fi])
				buf = buf[fi+len(fileOpen):]
				s.resume = stateMessage
				s.state = stateFilePath
				s.path = ""
				continue
			}
			if i < 0 {
				keep := partialSuffix(buf, messageClose, fileOpen)
				s.msg.WriteString(buf[:len(buf)-keep])
				s.carry = buf[len(buf)-keep:]
				if !s.found && s.msg.Len() > 0 {
					events = append(events, Event{Kind: EventSummary, Summary: trimMessage(s.msg.String()), Partial: true})
				}
				return events
			}
			s.msg.WriteString(buf[:i])
			buf = buf[i+len(messageClose):]
			s.state = stateOutside
			if !s.found {
				s.found = true
				s.summary = trimMessage(s.msg.String())
				events = append(events, Event{Kind: EventSummary, Summary: s.summary})
			}
			s.msg.Reset()

		case stateFilePath:
			i := strings.Index(buf, pathClose)
			if i < 0 {
				keep := partialSuffix(buf, pathClose)
				s.path += buf[:len(buf)-keep]
				s.carry = buf[len(buf)-keep:]
				return events
			}
			s.path += buf[:i]
			buf = buf[i+len(pathClose):]
			s.state = stateFileBody
			s.body.Reset()

		case stateFileBody:
			i := strings.Index(buf, fileClose)
			if i < 0 {
				keep := partialSuffix(buf, fileClose)
				s.body.WriteString(buf[:len(buf)-keep])
				s.carry = buf[len(buf)-keep:]
				return events
			}
			s.body.WriteString(buf[:i])
			buf = buf[i+len(fileClose):]
			s.state = s.resume
			s.resume = stateOutside
			path := strings.TrimSpace(s.path)
			content := strings.TrimPrefix(s.body.String(), "\n")
			s.body.Reset()
			s.path = ""
			if path == "" {
				continue
			}
			intent := Intent{Path: path, Content: content}
			s.intents = append(s.intents, intent)
			events = append(events, Event{Kind: EventFile, Intent: intent})
		}
	}
}

// Summary returns the best known summary so far, complete or partial.
func (s *Scanner) Summary() (string, bool) {
	if s.found {
		return s.summary, true
	}
	if s.state == stateMessage || s.resume == stateMessage {
		return trimMessage(s.msg.String()), false
	}
	return "", false
}

// Intents returns the completed intents in stream order.
func (s *Scanner) Intents() []Intent {
	out := make([]Intent, len(s.intents))
	copy(out, s.intents)
	return out
}

// BytesRead is the total number of bytes fed so far.
func (s *Scanner) BytesRead() int {
	return s.total
}

// Finish ends the stream. An open file block is discarded; an open message
// block does not count as found.
func (s *Scanner) Finish() Result {
	res := Result{
		Summary:   s.summary,
		Found:     s.found,
		Intents:   s.Intents(),
		Truncated: s.state == stateFilePath || s.state == stateFileBody,
	}
	s.state = stateOutside
	s.resume = stateOutside
	s.carry = ""
	s.msg.Reset()
	s.body.Reset()
	s.path = ""
	return res
}

// Parse reads r to the end and returns the finished result.
func Parse(r io.Reader) (Result, error) {
	s := NewScanner()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.Feed(string(buf[:n]))
		}
		if err == io.EOF {
			return s.Finish(), nil
		}
		if err != nil {
			return Result{}, err
		}
	}
}

// trimMessage removes exactly one leading and one trailing newline.
func trimMessage(s string) string {
	s = strings.TrimPrefix(s, "\n")
	s = strings.TrimSuffix(s, "\n")
	return s
}

// partialSuffix returns the length of the longest suffix of buf that is a
// proper prefix of one of the markers.
func partialSuffix(buf string, markers ...string) int {
	best := 0
	for _, m := range markers {
		limit := len(m) - 1
		if limit > len(buf) {
			limit = len(buf)
		}
		for n := limit; n > best; n-- {
			if strings.HasSuffix(buf, m[:n]) {
				best = n
				break
			}
		}
	}
	return best
}
