// Package stream decodes the line-oriented "data: {json}" event stream
// returned by the chat API. Write and Flush do no I/O; Decoder.Decode is a
// thin read loop for callers that have an io.Reader.
package stream

import (
	"bytes"
	"errors"
	"io"
	"strings"

	"github.com/apex/log"
)

const (
	dataPrefix   = "data: "
	doneSentinel = "[DONE]"

	// MaxLineSize bounds a single pending line. Longer lines are dropped.
	MaxLineSize = 1 << 20

	readBufferSize = 32 * 1024
)

// ErrNotData is returned by ParseLine for lines that carry no event.
var ErrNotData = errors.New("stream: not a data line")

// Decoder turns byte chunks split at arbitrary offsets into events. Bytes
// after the last newline are held until a later chunk completes the line, so
// a chunk may end mid-line, mid-codepoint or mid-JSON.
//
// A Decoder is scoped to one response and is not safe for concurrent use.
type Decoder struct {
	pending    []byte
	discarding bool
	done       bool

	Logger log.Interface
}

func NewDecoder() *Decoder {
	return &Decoder{Logger: log.Log}
}

// Done reports whether the "[DONE]" sentinel has been seen. Everything after
// the sentinel is discarded.
func (d *Decoder) Done() bool {
	return d.done
}

// Write consumes one chunk and returns the events whose lines it completed,
// in the order the lines appeared.
func (d *Decoder) Write(chunk []byte) []Event {
	if d.done {
		return nil
	}
	d.pending = append(d.pending, chunk...)

	var events []Event
	start := 0
	for {
		i := bytes.IndexByte(d.pending[start:], '\n')
		if i < 0 {
			break
		}
		line := d.pending[start : start+i]
		start += i + 1

		if d.discarding {
			d.discarding = false
			continue
		}
		events = d.appendLine(events, line)
		if d.done {
			d.pending = d.pending[:0]
			return events
		}
	}

	n := copy(d.pending, d.pending[start:])
	d.pending = d.pending[:n]

	if len(d.pending) > MaxLineSize {
		d.Logger.WithField("size", len(d.pending)).Warn("dropping oversized stream line")
		d.pending = d.pending[:0]
		d.discarding = true
	}

	return events
}

// Flush decodes a final line that was never newline-terminated. Call it once
// the body has been read to the end.
func (d *Decoder) Flush() []Event {
	line := d.pending
	d.pending = nil
	if d.done || d.discarding || len(line) == 0 {
		d.discarding = false
		return nil
	}
	return d.appendLine(nil, line)
}

func (d *Decoder) appendLine(events []Event, line []byte) []Event {
	if len(line) > MaxLineSize {
		d.Logger.WithField("size", len(line)).Warn("dropping oversized stream line")
		return events
	}
	ev, err := ParseLine(string(line))
	switch {
	case err == nil:
		return append(events, ev)
	case errors.Is(err, ErrNotData):
		if isDone(line) {
			d.done = true
		}
		return events
	default:
		d.Logger.WithError(err).WithField("line", sample(line)).Warn("skipping malformed stream line")
		return events
	}
}

// ParseLine decodes a single complete line. Lines without the "data: " prefix
// and the "[DONE]" sentinel yield ErrNotData; any other error means the
// payload was not a valid event.
func ParseLine(line string) (Event, error) {
	line = strings.TrimSuffix(line, "\r")
	payload, ok := strings.CutPrefix(line, dataPrefix)
	if !ok || payload == doneSentinel {
		return Event{}, ErrNotData
	}
	return decodeEvent([]byte(strings.ToValidUTF8(payload, "\uFFFD")))
}

func isDone(line []byte) bool {
	line = bytes.TrimSuffix(line, []byte("\r"))
	return string(line) == dataPrefix+doneSentinel
}

func sample(line []byte) string {
	const sampleSize = 120
	if len(line) > sampleSize {
		return strings.ToValidUTF8(string(line[:sampleSize]), "") + "..."
	}
	return strings.ToValidUTF8(string(line), "")
}

// Decode reads r until EOF or the "[DONE]" sentinel, feeding every chunk
// through d and calling fn for each event. It stops early without error when
// fn returns false. io.EOF is not reported; any other read error is.
func (d *Decoder) Decode(r io.Reader, fn func(Event) bool) error {
	buf := make([]byte, readBufferSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, ev := range d.Write(buf[:n]) {
				if !fn(ev) {
					return nil
				}
			}
			if d.done {
				return nil
			}
		}
		if errors.Is(err, io.EOF) {
			for _, ev := range d.Flush() {
				if !fn(ev) {
					return nil
				}
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}
