// Package sse decodes the line-oriented event-stream framing used by the
// research engine into discrete frames.
package sse

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

const (
	// DataMarker prefixes every line that carries an event payload.
	DataMarker = "data:"
	// EventMarker prefixes the optional line naming the next payload's kind.
	EventMarker = "event:"

	initialBufferSize = 64 * 1024
	// Completed events carry the whole markdown report in one line.
	maxFrameSize = 8 * 1024 * 1024
)

// Frame is one data line with its marker stripped.
type Frame struct {
	// Event is the value of the most recent "event:" line in the same block, if any.
	Event string
	// Data is the payload text following the data marker.
	Data string
	// Line is the 1-based line number of the frame within the stream.
	Line int
}

// Decoder yields frames from a byte stream. Bytes are buffered until a line
// terminator arrives, so frames are identical however the source is chunked.
type Decoder struct {
	scanner *bufio.Scanner
	line    int
	event   string
	frame   Frame
}

// NewDecoder creates a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, initialBufferSize), maxFrameSize)
	scanner.Split(scanTerminatedLines)
	return &Decoder{scanner: scanner}
}

// Next advances to the next frame. It returns false at end of stream or on a
// read error; Err distinguishes the two.
func (d *Decoder) Next() bool {
	for d.scanner.Scan() {
		d.line++
		line := d.scanner.Text()

		switch {
		case strings.HasPrefix(line, DataMarker):
			d.frame = Frame{
				Event: d.event,
				Data:  trimField(line[len(DataMarker):]),
				Line:  d.line,
			}
			d.event = ""
			return true
		case strings.HasPrefix(line, EventMarker):
			d.event = trimField(line[len(EventMarker):])
		case line == "":
			// Block separator
			d.event = ""
		}
		// Comments, keep-alives, id: and retry: lines are framing noise.
	}
	return false
}

// Frame returns the frame produced by the last successful call to Next.
func (d *Decoder) Frame() Frame {
	return d.frame
}

// Err returns the first non-EOF read error.
func (d *Decoder) Err() error {
	return d.scanner.Err()
}

// trimField removes the single optional space after a field marker.
func trimField(s string) string {
	return strings.TrimPrefix(s, " ")
}

// scanTerminatedLines is a bufio.SplitFunc that yields only lines closed by
// "\n" (with an optional preceding "\r"). A trailing remainder without a
// terminator is incomplete and is discarded at EOF.
func scanTerminatedLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if i := bytes.IndexByte(data, '\n'); i >= 0 {
		return i + 1, bytes.TrimSuffix(data[:i], []byte{'\r'}), nil
	}
	if atEOF {
		return len(data), nil, nil
	}
	return 0, nil, nil
}
