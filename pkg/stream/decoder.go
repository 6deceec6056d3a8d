package stream

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// frameMarker prefixes every payload line of the wire format.
const frameMarker = "data: "

// Decoder turns an arbitrarily-chunked byte stream into a sequence of
// events. Frames are single "data: {json}" lines separated by a blank line.
// A frame that fails to decode is skipped; decoding continues with the next
// frame. Bytes are buffered only up to the current unterminated line, so
// multi-byte characters split across network chunks reassemble naturally.
type Decoder struct {
	scanner *bufio.Scanner
}

// NewDecoder wraps a live byte source.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Decoder{scanner: scanner}
}

// Next returns the next decoded event. It returns io.EOF when the source is
// exhausted, or the read error that ended the stream.
func (d *Decoder) Next() (Event, error) {
	for d.scanner.Scan() {
		line := strings.TrimRight(d.scanner.Text(), "\r")
		if line == "" {
			// Blank line: frame boundary.
			continue
		}
		if !strings.HasPrefix(line, frameMarker) {
			continue
		}

		var event Event
		if err := json.Unmarshal([]byte(line[len(frameMarker):]), &event); err != nil {
			continue
		}
		if event.Type == "" {
			continue
		}
		return event, nil
	}

	if err := d.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}
