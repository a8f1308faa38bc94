package llm

import (
	"bufio"
	"bytes"
	"io"
	"unicode/utf8"
)

// sseEvent is one server-sent event: the event name (may be empty, as in
// OpenAI streams) and the joined data payload.
type sseEvent struct {
	name string
	data []byte
}

// sseReader incrementally parses a text/event-stream body. Field lines
// can arrive split across arbitrary read boundaries; bufio reassembles
// them, and multi-line data fields are joined with newlines per the SSE
// format.
type sseReader struct {
	r *bufio.Reader
}

func newSSEReader(body io.Reader) *sseReader {
	return &sseReader{r: bufio.NewReaderSize(body, 16*1024)}
}

// next returns the next complete event. io.EOF when the body ends.
func (s *sseReader) next() (sseEvent, error) {
	var ev sseEvent
	var data [][]byte
	for {
		line, err := s.r.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(data) > 0 {
				// Body ended without the trailing blank line.
				ev.data = bytes.Join(data, []byte("\n"))
				return ev, nil
			}
			return sseEvent{}, err
		}
		line = bytes.TrimRight(line, "\r\n")

		switch {
		case len(line) == 0:
			if len(data) == 0 && ev.name == "" {
				continue // leading blank lines between events
			}
			ev.data = bytes.Join(data, []byte("\n"))
			return ev, nil
		case bytes.HasPrefix(line, []byte(":")):
			continue // comment / keep-alive
		case bytes.HasPrefix(line, []byte("event:")):
			ev.name = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			data = append(data, bytes.TrimSpace(line[len("data:"):]))
		}
	}
}

// utf8Buffer passes through complete UTF-8 text and withholds an
// incomplete trailing codepoint until its continuation bytes arrive.
// Providers may cut a delta mid-codepoint; forwarding such a fragment
// would corrupt the client stream.
type utf8Buffer struct {
	pending []byte
}

// feed returns the longest valid prefix of pending+p, keeping the rest.
func (b *utf8Buffer) feed(p string) string {
	data := append(b.pending, p...)
	b.pending = nil

	// Scan back at most utf8.UTFMax-1 bytes for an incomplete rune start.
	cut := len(data)
	for back := 1; back < utf8.UTFMax && back <= len(data); back++ {
		c := data[len(data)-back]
		if c < utf8.RuneSelf {
			break // ASCII tail, nothing pending
		}
		if utf8.RuneStart(c) {
			if !utf8.FullRune(data[len(data)-back:]) {
				cut = len(data) - back
			}
			break
		}
	}

	if cut < len(data) {
		b.pending = append(b.pending, data[cut:]...)
	}
	return string(data[:cut])
}

// flush returns whatever is still held, valid or not. Called at stream
// end so no bytes are silently dropped.
func (b *utf8Buffer) flush() string {
	out := string(b.pending)
	b.pending = nil
	return out
}
