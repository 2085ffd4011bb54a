package stream

import (
	"bytes"
	"io"
)

const defaultReadSize = 4096

// Decoder splits a byte stream into lines and decodes each complete line into
// an Event. Partial lines are buffered across reads.
//
// It can be driven two ways: push chunks with Feed and Flush, or wrap a reader
// and pull events with Next, Event and Err:
//
//	dec := stream.NewDecoder(resp.Body)
//	for dec.Next() {
//	    ev := dec.Event()
//	    ...
//	}
//	if err := dec.Err(); err != nil { ... }
//
// A Decoder is single pass and not safe for concurrent use.
type Decoder struct {
	r     io.Reader
	buf   []byte
	chunk []byte

	pending []Event
	cur     Event
	err     error
	eof     bool
}

// NewDecoder returns a decoder reading from r. r may be nil when only Feed is used.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// Feed appends a chunk and returns the events for every line it completes.
// The trailing partial line stays buffered.
func (d *Decoder) Feed(chunk []byte) []Event {
	d.buf = append(d.buf, chunk...)

	var events []Event
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			break
		}
		line := string(d.buf[:i])
		d.buf = d.buf[i+1:]
		if ev, ok := ParseLine(line); ok {
			events = append(events, ev)
		}
	}
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return events
}

// Flush decodes whatever is left in the buffer as a final line. Streams that
// do not end with a newline would otherwise lose their last event.
func (d *Decoder) Flush() []Event {
	if len(d.buf) == 0 {
		return nil
	}
	line := string(d.buf)
	d.buf = nil
	if ev, ok := ParseLine(line); ok {
		return []Event{ev}
	}
	return nil
}

// Buffered returns the number of bytes waiting for a newline.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next advances to the next event, reading from the underlying reader as
// needed. It returns false at end of stream or on a read error; Err tells
// the two apart.
func (d *Decoder) Next() bool {
	for {
		if len(d.pending) > 0 {
			d.cur = d.pending[0]
			d.pending = d.pending[1:]
			return true
		}
		if d.eof || d.err != nil || d.r == nil {
			return false
		}
		if d.chunk == nil {
			d.chunk = make([]byte, defaultReadSize)
		}

		n, err := d.r.Read(d.chunk)
		if n > 0 && (err == nil || err == io.EOF) {
			d.pending = append(d.pending, d.Feed(d.chunk[:n])...)
		}
		switch {
		case err == io.EOF:
			d.eof = true
			d.pending = append(d.pending, d.Flush()...)
		case err != nil:
			d.err = err
			d.pending = nil
		}
	}
}

// Event returns the event produced by the last successful Next.
func (d *Decoder) Event() Event {
	return d.cur
}

// Err returns the first read error other than io.EOF.
func (d *Decoder) Err() error {
	return d.err
}

// DecodeAll decodes a complete payload, including a trailing line without a
// newline.
func DecodeAll(payload []byte) []Event {
	d := NewDecoder(nil)
	events := d.Feed(payload)
	return append(events, d.Flush()...)
}
