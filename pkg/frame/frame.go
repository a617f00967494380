// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

// Package frame implements the wire framing spoken by stdio MCP servers:
// Content-Length prefixed JSON bodies, with a fallback for peers that emit one
// JSON object per line.
package frame

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	headerPrefix = "content-length:"
	// DefaultMaxFrameSize caps the body length a peer may announce.
	DefaultMaxFrameSize = 64 << 20
	// lineSlack lets header and separator lines through under small limits.
	lineSlack = 256
)

var (
	// ErrMalformedHeader reports a Content-Length header that could not be parsed.
	ErrMalformedHeader = errors.New("malformed content-length header")
	// ErrInvalidJSON reports a frame body that is not valid JSON.
	ErrInvalidJSON = errors.New("invalid json payload")
	// ErrFrameTooLarge reports a header announcing more bytes than allowed.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
)

// Message is an opaque JSON value in compact form.
type Message = json.RawMessage

// DecodeError describes a single frame that was skipped. The decoder remains
// usable after returning one.
type DecodeError struct {
	Line string // Line is the header or raw line that started the frame.
	Err  error  // Err is one of the package sentinels, possibly wrapping the cause.
}

// Error implements the error interface for DecodeError.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame %q: %v", truncate(e.Line, 64), e.Err)
}

// Unwrap exposes the underlying error for errors.Is / errors.As checks.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Encode compacts msg and prefixes it with a Content-Length header.
func Encode(msg Message) ([]byte, error) {
	var body bytes.Buffer
	if err := json.Compact(&body, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	var buf bytes.Buffer
	buf.Grow(body.Len() + 32)
	fmt.Fprintf(&buf, "Content-Length: %d\r\n\r\n", body.Len())
	buf.Write(body.Bytes())
	return buf.Bytes(), nil
}

// Compact validates data as JSON and returns its compact form.
func Compact(data []byte) (Message, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	return Message(buf.Bytes()), nil
}

// Decoder reads messages from a stream in either framing mode.
type Decoder struct {
	reader       *bufio.Reader
	maxFrameSize int
}

// DecoderOption customises a Decoder.
type DecoderOption func(*Decoder)

// WithMaxFrameSize bounds the body length accepted from a Content-Length header.
func WithMaxFrameSize(n int) DecoderOption {
	return func(d *Decoder) {
		if n > 0 {
			d.maxFrameSize = n
		}
	}
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		reader:       bufio.NewReaderSize(r, 64*1024),
		maxFrameSize: DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode returns the next message on the stream. It returns io.EOF once the
// stream is exhausted and a *DecodeError for a frame or line that had to be
// skipped; any other error comes from the underlying reader.
func (d *Decoder) Decode() (Message, error) {
	for {
		line, err := d.readLine()
		if line == "" && err != nil {
			return nil, err
		}

		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			// blank separators between frames
		case strings.HasPrefix(strings.ToLower(trimmed), headerPrefix):
			return d.readFramed(trimmed)
		case strings.HasPrefix(trimmed, "{"):
			msg, cerr := Compact([]byte(trimmed))
			if cerr != nil {
				return nil, &DecodeError{Line: trimmed, Err: cerr}
			}
			return msg, nil
		}

		// A final unterminated line has been handled; surface the read error now.
		if err != nil {
			return nil, err
		}
	}
}

// readFramed reads the body announced by header. A length above the frame
// limit is rejected without consuming anything, so line scanning resumes
// right after the header.
func (d *Decoder) readFramed(header string) (Message, error) {
	raw := strings.TrimSpace(header[len(headerPrefix):])
	length, err := strconv.Atoi(raw)
	if err != nil || length < 0 {
		return nil, &DecodeError{Line: header, Err: ErrMalformedHeader}
	}
	if length > d.maxFrameSize {
		return nil, &DecodeError{Line: header, Err: fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, d.maxFrameSize)}
	}

	// The separator line after the header carries nothing.
	if _, err := d.readLine(); err != nil {
		return nil, unexpected(err)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(d.reader, body); err != nil {
		return nil, unexpected(err)
	}

	msg, err := Compact(body)
	if err != nil {
		return nil, &DecodeError{Line: header, Err: err}
	}
	return msg, nil
}

// readLine returns the next line including its newline. A line longer than
// the frame limit is consumed through its newline and reported as a
// *DecodeError, keeping memory bounded for peers that never emit one.
func (d *Decoder) readLine() (string, error) {
	var (
		buf       []byte
		head      string
		oversized bool
	)
	limit := d.maxFrameSize + lineSlack
	for {
		chunk, err := d.reader.ReadSlice('\n')
		switch {
		case oversized:
		case len(buf)+len(chunk) > limit:
			oversized = true
			head = truncate(string(buf)+string(chunk), 64)
			buf = nil
		default:
			buf = append(buf, chunk...)
		}

		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if oversized && (err == nil || errors.Is(err, io.EOF)) {
			return "", &DecodeError{Line: head, Err: fmt.Errorf("%w: line longer than %d bytes", ErrFrameTooLarge, d.maxFrameSize)}
		}
		return string(buf), err
	}
}

// unexpected maps a clean EOF inside a frame to io.ErrUnexpectedEOF.
func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Preview shortens a message for log output.
func Preview(msg Message, n int) string {
	return truncate(string(msg), n)
}
