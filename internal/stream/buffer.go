// Package stream decodes the chunked event stream returned by the chat
// completion endpoint into ordered content deltas.
package stream

import (
	"bytes"
	"encoding/json"
	"strings"
)

const (
	dataPrefix = "data:"
	doneMarker = "[DONE]"
)

// Buffer is the transient state of one streaming response: the text decoded
// so far and the partial line carried over from the previous chunk. It is
// owned by a single request and discarded once the stream ends.
type Buffer struct {
	text      strings.Builder
	remainder []byte
	done      bool
}

// NewBuffer returns an empty stream buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Feed consumes one raw chunk and returns the tokens completed by it, in
// order. Tokens are also appended to the accumulated text. A chunk may end
// mid-line; the tail is held until the next chunk or Finish.
func (b *Buffer) Feed(chunk []byte) []string {
	if len(chunk) == 0 {
		return nil
	}

	data := append(b.remainder, chunk...)
	var tokens []string
	for {
		idx := bytes.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		if tok, ok := b.parseLine(data[:idx]); ok {
			tokens = append(tokens, tok)
		}
		data = data[idx+1:]
	}

	b.remainder = append(b.remainder[:0:0], data...)
	return tokens
}

// Finish processes a final unterminated line, if any. It is called once the
// transport reports end-of-stream.
func (b *Buffer) Finish() []string {
	if len(b.remainder) == 0 {
		return nil
	}
	line := b.remainder
	b.remainder = nil
	if tok, ok := b.parseLine(line); ok {
		return []string{tok}
	}
	return nil
}

// Append records a delta that was decoded by another transport.
func (b *Buffer) Append(delta string) {
	b.text.WriteString(delta)
}

// Text returns everything decoded so far.
func (b *Buffer) Text() string {
	return b.text.String()
}

// pending reports the number of bytes held in the partial-line remainder.
func (b *Buffer) pending() int {
	return len(b.remainder)
}

// Done reports whether the terminator record has been seen. Records after
// it are ignored.
func (b *Buffer) Done() bool {
	return b.done
}

func (b *Buffer) parseLine(raw []byte) (string, bool) {
	if b.done {
		return "", false
	}
	line := strings.TrimRight(string(raw), "\r")
	if !strings.HasPrefix(line, dataPrefix) {
		return "", false
	}

	payload := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
	if payload == "" {
		return "", false
	}
	if payload == doneMarker {
		b.done = true
		return "", false
	}

	tok, ok := extractToken(payload)
	if !ok || tok == "" {
		return "", false
	}
	b.text.WriteString(tok)
	return tok, true
}

type completionChunk struct {
	Choices []struct {
		Delta *struct {
			Content *string `json:"content"`
		} `json:"delta"`
		Message *struct {
			Content *string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// extractToken prefers the incremental delta field and falls back to the
// full-message field; malformed payloads are treated as keep-alives.
func extractToken(payload string) (string, bool) {
	var chunk completionChunk
	if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
		return "", false
	}
	if len(chunk.Choices) == 0 {
		return "", false
	}

	choice := chunk.Choices[0]
	if choice.Delta != nil && choice.Delta.Content != nil {
		return *choice.Delta.Content, true
	}
	if choice.Message != nil && choice.Message.Content != nil {
		return *choice.Message.Content, true
	}
	return "", false
}
