package stream

import "bytes"

// LineBuffer splits an incrementally received byte stream into complete
// lines. A partial trailing line is retained and prefixed onto the next
// feed; it is never surfaced early.
type LineBuffer struct {
	rest []byte
}

// Feed appends p to the buffer and returns every complete line accumulated
// so far, without trailing newlines. Empty lines are dropped.
func (b *LineBuffer) Feed(p []byte) [][]byte {
	b.rest = append(b.rest, p...)

	var lines [][]byte
	for {
		idx := bytes.IndexByte(b.rest, '\n')
		if idx < 0 {
			return lines
		}
		line := bytes.TrimRight(b.rest[:idx], "\r")
		b.rest = b.rest[idx+1:]
		if len(line) == 0 {
			continue
		}
		// Copy: the backing array is reused across feeds.
		out := make([]byte, len(line))
		copy(out, line)
		lines = append(lines, out)
	}
}

// Pending returns the retained partial line, if any.
func (b *LineBuffer) Pending() []byte {
	return b.rest
}

// Reset discards any retained partial line.
func (b *LineBuffer) Reset() {
	b.rest = nil
}
