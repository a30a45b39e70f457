// Package framer decodes a byte stream into inbound SMTP frames: CRLF
// terminated lines in the common case, or an exact byte count for BDAT
// chunks. It never interprets frame content — a body line that happens to
// start with "BDAT" is still just a Line frame; only the session decides
// what a frame means.
package framer

import (
	"bufio"
	"errors"
	"io"
)

// MaxLineLen bounds a Line frame's length (RFC 5321 §4.5.3.1.6 specifies
// 1000 octets for command lines; this engine uses a looser cap, closer to
// chasquid's own 8 KiB scratch buffer, to tolerate long AUTH/MAIL
// parameter lines without rejecting otherwise-valid traffic).
const MaxLineLen = 8192

// ErrLineTooLong is returned when a line exceeds MaxLineLen before a CRLF
// is found. The caller (session) is expected to reply 500 and close.
var ErrLineTooLong = errors.New("framer: line too long")

// Kind discriminates an inbound Frame.
type Kind int

const (
	// KindLine is a CRLF-terminated line, content with the CRLF stripped.
	KindLine Kind = iota
	// KindBytes is an exact byte-count chunk, used for BDAT.
	KindBytes
)

// Frame is the framer's sum-type output: a Line or a Bytes chunk depending
// on Kind.
type Frame struct {
	Kind  Kind
	Line  string
	Bytes []byte
}

// Framer reads frames off a buffered byte stream. Mode is controlled
// entirely by the caller: ReadLine and ReadBytes are separate methods
// rather than an internal mode flag, since the session always knows which
// one it wants next (it just parsed a command, or it's in the middle of a
// BDAT chunk).
type Framer struct {
	r *bufio.Reader
}

// New wraps r (already buffered, or buffered with the given size) as a
// Framer.
func New(r *bufio.Reader) *Framer {
	return &Framer{r: r}
}

// NewSize buffers r to size bytes and wraps it as a Framer.
func NewSize(r io.Reader, size int) *Framer {
	return &Framer{r: bufio.NewReaderSize(r, size)}
}

// ReadLine reads bytes up to CRLF (or bare LF) and returns them as a Line
// frame with the line terminator stripped. It enforces MaxLineLen: a
// caller that keeps receiving a line longer than that gets ErrLineTooLong
// after the framer has drained the rest of that (oversized) line, so the
// underlying connection stays in a consistent state for a subsequent
// close.
func (f *Framer) ReadLine() (Frame, error) {
	raw, isPrefix, err := f.r.ReadLine()
	if err != nil {
		return Frame{}, err
	}

	line := append([]byte(nil), raw...)
	for isPrefix && len(line) <= MaxLineLen {
		raw, isPrefix, err = f.r.ReadLine()
		if err != nil {
			return Frame{}, err
		}
		line = append(line, raw...)
	}

	if len(line) > MaxLineLen {
		for isPrefix && err == nil {
			_, isPrefix, err = f.r.ReadLine()
		}
		return Frame{}, ErrLineTooLong
	}

	return Frame{Kind: KindLine, Line: string(line)}, nil
}

// ReadBytes reads exactly n bytes and returns them as a Bytes frame, used
// to satisfy a BDAT chunk once the session has parsed its declared size.
func (f *Framer) ReadBytes(n int) (Frame, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(f.r, buf); err != nil {
		return Frame{}, err
	}
	return Frame{Kind: KindBytes, Bytes: buf}, nil
}

// Peek returns the next n bytes without consuming them, used to detect a
// pipelined command arriving before a STARTTLS handshake, or a
// cross-protocol probe (HTTP verbs) on the first line.
func (f *Framer) Peek(n int) ([]byte, error) {
	return f.r.Peek(n)
}

// Buffered reports how many bytes are already sitting in the read buffer,
// i.e. bytes the client sent before the server could have reacted to
// something (used for the STARTTLS-pipelining check).
func (f *Framer) Buffered() int {
	return f.r.Buffered()
}
