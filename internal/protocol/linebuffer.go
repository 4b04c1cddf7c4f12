package protocol

import (
	"bytes"
	"strings"
)

// LineBuffer reassembles newline-delimited lines from a byte stream read in
// arbitrary chunks. The trailing partial line is retained until its
// terminator arrives.
type LineBuffer struct {
	buf []byte
}

// Push appends a chunk and returns every line completed by it, CR stripped,
// in arrival order. Empty lines are dropped.
func (b *LineBuffer) Push(chunk []byte) []string {
	b.buf = append(b.buf, chunk...)

	var lines []string
	for {
		i := bytes.IndexByte(b.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(b.buf[:i]), "\r")
		b.buf = b.buf[i+1:]
		if line != "" {
			lines = append(lines, line)
		}
	}

	return lines
}

// Pending returns the size of the buffered partial line.
func (b *LineBuffer) Pending() int {
	return len(b.buf)
}

// Reset discards any buffered partial line. Called when the underlying
// connection is re-established, since the remainder belongs to the old
// stream.
func (b *LineBuffer) Reset() {
	b.buf = b.buf[:0]
}
