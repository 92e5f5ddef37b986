package stream

import (
	"context"
	"errors"
	"io"
	"iter"
)

const readChunkSize = 4096

// Decode returns a lazy sequence of content deltas read from body. Every call
// yields a fresh sequence with its own Buffer. The body is closed when the
// sequence ends for any reason, including an early break or a panic in the
// consumer. A read error or context cancellation is yielded once as the final
// element; the [DONE] record or a clean end-of-stream simply ends the sequence.
func Decode(ctx context.Context, body io.ReadCloser) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		defer body.Close()

		buf := NewBuffer()
		chunk := make([]byte, readChunkSize)
		for {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}

			n, err := body.Read(chunk)
			if n > 0 {
				for _, tok := range buf.Feed(chunk[:n]) {
					if !yield(tok, nil) {
						return
					}
				}
				if buf.Done() {
					return
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					for _, tok := range buf.Finish() {
						if !yield(tok, nil) {
							return
						}
					}
					return
				}
				yield("", err)
				return
			}
		}
	}
}
