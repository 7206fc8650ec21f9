// Package stream reassembles a chunked response body into framing-stripped
// records.
//
// Chunks may split a record anywhere, including inside a multi-byte rune;
// the decoder only ever cuts at '\n', so the emitted records do not depend on
// how the bytes were chunked.
package stream

import (
	"bytes"
	"io"
	"iter"
	"strings"

	"github.com/pkg/errors"
)

const (
	// DefaultChunkSize is the read size used by Records when none is given.
	DefaultChunkSize = 4096

	commentMarker = ':'
	framingMarker = "data:"
)

// Decoder keeps the trailing partial line between chunks.
// It is not safe for concurrent use; one response is consumed by one reader.
type Decoder struct {
	buf []byte
}

// NewDecoder returns an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed appends chunk to the pending buffer and returns every record
// completed by it.
func (d *Decoder) Feed(chunk []byte) []string {
	if len(chunk) == 0 {
		return nil
	}
	d.buf = append(d.buf, chunk...)

	var out []string
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := string(bytes.TrimSuffix(d.buf[:i], []byte{'\r'}))
		d.buf = d.buf[i+1:]
		if rec, ok := Record(line); ok {
			out = append(out, rec)
		}
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return out
}

// Flush returns the remaining partial line as a final record, if any, and
// resets the decoder.
func (d *Decoder) Flush() []string {
	rest := string(d.buf)
	d.buf = nil
	if rec, ok := Record(rest); ok {
		return []string{rec}
	}
	return nil
}

// Pending reports how many bytes are buffered waiting for a terminator.
func (d *Decoder) Pending() int {
	return len(d.buf)
}

// Record filters and unframes one raw line. Blank lines and lines starting
// with the comment marker are dropped; a leading "data:" marker and the
// whitespace after it are stripped, and a marker with no payload is dropped.
func Record(line string) (string, bool) {
	if strings.TrimSpace(line) == "" {
		return "", false
	}
	if line[0] == commentMarker {
		return "", false
	}
	if strings.HasPrefix(line, framingMarker) {
		line = strings.TrimLeft(line[len(framingMarker):], " \t\r\n\f\v")
		if line == "" {
			return "", false
		}
	}
	return line, true
}

// Records reads r in chunks of chunkSize and yields records lazily. The
// sequence is single-pass. A read error other than io.EOF flushes the
// partial line, is then yielded once and ends the sequence.
func Records(r io.Reader, chunkSize int) iter.Seq2[string, error] {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return func(yield func(string, error) bool) {
		dec := NewDecoder()
		chunk := make([]byte, chunkSize)
		for {
			n, err := r.Read(chunk)
			if n > 0 {
				for _, rec := range dec.Feed(chunk[:n]) {
					if !yield(rec, nil) {
						return
					}
				}
			}
			if err == nil {
				continue
			}
			for _, rec := range dec.Flush() {
				if !yield(rec, nil) {
					return
				}
			}
			if !errors.Is(err, io.EOF) {
				yield("", errors.Wrap(err, "stream: read"))
			}
			return
		}
	}
}
