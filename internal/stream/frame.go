package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strconv"
)

// Channel ids used by the data stream wire format. Any non-zero channel carries reasoning text.
const (
	ChannelAnswer    = 0
	ChannelReasoning = 1
)

// readChunkSize is the buffer size used by Read for each transport read.
const readChunkSize = 4096

// textFields lists, in priority order, the object fields that may carry the text of a frame.
var textFields = []string{"content", "text", "reasoning"}

// Frame is one decoded `<channel>:<json-payload>` record of the data stream.
type Frame struct {
	Channel int
	Payload json.RawMessage
}

// Text normalizes the payload of the frame. A JSON string is returned verbatim; a JSON object
// yields the first non-empty string among its recognized text fields. Anything else yields "".
func (f Frame) Text() string {
	var s string
	if err := json.Unmarshal(f.Payload, &s); err == nil {
		return s
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(f.Payload, &obj); err != nil {
		return ""
	}
	for _, field := range textFields {
		raw, ok := obj[field]
		if !ok {
			continue
		}
		var v string
		if err := json.Unmarshal(raw, &v); err != nil || v == "" {
			continue
		}
		return v
	}
	return ""
}

// Decoder turns an arbitrarily chunked byte stream into frames. A record split across two
// Write calls is held back until its terminating newline arrives.
type Decoder struct {
	pending []byte

	// Dropped counts lines discarded because they did not match the record grammar or carried
	// a payload that is not valid JSON.
	Dropped int
}

// Write consumes the next chunk of the stream and returns the frames completed by it.
func (d *Decoder) Write(chunk []byte) []Frame {
	d.pending = append(d.pending, chunk...)

	var frames []Frame
	for {
		idx := bytes.IndexByte(d.pending, '\n')
		if idx < 0 {
			break
		}
		line := d.pending[:idx]
		if f, ok := d.decodeLine(line); ok {
			frames = append(frames, f)
		}
		d.pending = d.pending[idx+1:]
	}

	// Reclaim the consumed prefix so a long stream doesn't keep growing the backing array.
	if len(d.pending) == 0 {
		d.pending = nil
	} else {
		d.pending = append([]byte(nil), d.pending...)
	}

	return frames
}

// Flush decodes whatever is left after the last newline. It is called once the transport
// has closed, since the stream carries no explicit end marker.
func (d *Decoder) Flush() []Frame {
	line := d.pending
	d.pending = nil
	if f, ok := d.decodeLine(line); ok {
		return []Frame{f}
	}
	return nil
}

func (d *Decoder) decodeLine(line []byte) (Frame, bool) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if len(line) == 0 {
		return Frame{}, false
	}
	f, ok := parseLine(line)
	if !ok {
		d.Dropped++
	}
	return f, ok
}

// parseLine matches `1*DIGIT ":" payload` and validates the payload as JSON.
func parseLine(line []byte) (Frame, bool) {
	digits := 0
	for digits < len(line) && line[digits] >= '0' && line[digits] <= '9' {
		digits++
	}
	if digits == 0 || digits == len(line) || line[digits] != ':' {
		return Frame{}, false
	}

	channel, err := strconv.Atoi(string(line[:digits]))
	if err != nil {
		return Frame{}, false
	}

	payload := line[digits+1:]
	if !json.Valid(payload) {
		return Frame{}, false
	}

	return Frame{
		Channel: channel,
		Payload: append(json.RawMessage(nil), payload...),
	}, true
}

// Read decodes frames from r until EOF, a transport error or cancellation of ctx. Transport
// errors are yielded once and end the sequence; cancellation ends it silently.
func Read(ctx context.Context, r io.Reader) iter.Seq2[Frame, error] {
	return func(yield func(Frame, error) bool) {
		var dec Decoder
		buf := make([]byte, readChunkSize)
		for {
			if ctx.Err() != nil {
				return
			}

			n, err := r.Read(buf)
			if n > 0 {
				for _, f := range dec.Write(buf[:n]) {
					if !yield(f, nil) {
						return
					}
				}
			}
			if err != nil {
				if errors.Is(err, io.EOF) {
					for _, f := range dec.Flush() {
						if !yield(f, nil) {
							return
						}
					}
					return
				}
				if ctx.Err() != nil {
					return
				}
				yield(Frame{}, fmt.Errorf("error reading stream: %w", err))
				return
			}
		}
	}
}

// Encoder writes frames in the data stream wire format.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an Encoder writing to w. If w is an http.Flusher, every frame is flushed
// as soon as it is written.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes text as a JSON string payload on the given channel.
func (e *Encoder) Encode(channel int, text string) error {
	payload, err := json.Marshal(text)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	line := make([]byte, 0, len(payload)+8)
	line = strconv.AppendInt(line, int64(channel), 10)
	line = append(line, ':')
	line = append(line, payload...)
	line = append(line, '\n')

	if _, err := e.w.Write(line); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	if f, ok := e.w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
