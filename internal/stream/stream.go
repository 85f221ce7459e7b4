// Package stream defines the outbound record framing of a chat response.
//
// A response is a sequence of newline-terminated records:
//
//	0:"<json string>"              text delta
//	d:{"finishReason":"<reason>"}  final record, exactly once
package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// FinishReason tells the client why a response ended.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool-calls"
	FinishContentFilter FinishReason = "content-filter"
	FinishError         FinishReason = "error"
	FinishUnknown       FinishReason = "unknown"
)

// Kind distinguishes records.
type Kind int

const (
	KindDelta Kind = iota
	KindFinish
)

// Record is one frame of the response stream.
type Record struct {
	Kind         Kind
	Text         string
	FinishReason FinishReason
}

// Delta returns a text delta record.
func Delta(text string) Record { return Record{Kind: KindDelta, Text: text} }

// Finish returns the final record.
func Finish(reason FinishReason) Record { return Record{Kind: KindFinish, FinishReason: reason} }

const (
	deltaPrefix  = "0:"
	finishPrefix = "d:"
)

type finishPayload struct {
	FinishReason FinishReason `json:"finishReason"`
}

// Encode returns the wire form of r, including the trailing newline.
func (r Record) Encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	switch r.Kind {
	case KindDelta:
		buf.WriteString(deltaPrefix)
		if err := enc.Encode(r.Text); err != nil {
			return nil, fmt.Errorf("encoding delta: %w", err)
		}
	case KindFinish:
		buf.WriteString(finishPrefix)
		if err := enc.Encode(finishPayload{FinishReason: r.FinishReason}); err != nil {
			return nil, fmt.Errorf("encoding finish: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown record kind %d", r.Kind)
	}
	// json.Encoder terminates each value with '\n'.
	return buf.Bytes(), nil
}

// Writer writes framed records, flushing after each one when the underlying
// writer supports it.
type Writer struct {
	w     io.Writer
	flush func()
}

// NewWriter wraps w. If w has a Flush() method it is called after each record.
func NewWriter(w io.Writer) *Writer {
	sw := &Writer{w: w}
	if f, ok := w.(interface{ Flush() }); ok {
		sw.flush = f.Flush
	}
	return sw
}

// Write encodes and writes one record.
func (sw *Writer) Write(r Record) error {
	b, err := r.Encode()
	if err != nil {
		return err
	}
	if _, err := sw.w.Write(b); err != nil {
		return err
	}
	if sw.flush != nil {
		sw.flush()
	}
	return nil
}

// ErrMalformed is returned for lines that are not valid records.
var ErrMalformed = errors.New("malformed stream record")

// Parse decodes one record line, with or without its trailing newline.
func Parse(line []byte) (Record, error) {
	line = bytes.TrimRight(line, "\r\n")
	switch {
	case bytes.HasPrefix(line, []byte(deltaPrefix)):
		var text string
		if err := json.Unmarshal(line[len(deltaPrefix):], &text); err != nil {
			return Record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Delta(text), nil
	case bytes.HasPrefix(line, []byte(finishPrefix)):
		var p finishPayload
		if err := json.Unmarshal(line[len(finishPrefix):], &p); err != nil {
			return Record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Finish(p.FinishReason), nil
	default:
		return Record{}, fmt.Errorf("%w: %q", ErrMalformed, line)
	}
}

// Decoder reads records from a stream.
type Decoder struct {
	sc *bufio.Scanner
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 8<<20)
	return &Decoder{sc: sc}
}

// Next returns the next record, or io.EOF at the end of the stream.
func (d *Decoder) Next() (Record, error) {
	for d.sc.Scan() {
		line := d.sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return Parse(line)
	}
	if err := d.sc.Err(); err != nil {
		return Record{}, err
	}
	return Record{}, io.EOF
}
