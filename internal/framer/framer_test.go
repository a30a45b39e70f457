package framer

import (
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestReadLine(t *testing.T) {
	f := NewSize(strings.NewReader("EHLO example.com\r\nQUIT\r\n"), 128)

	fr, err := f.ReadLine()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fr.Kind != KindLine || fr.Line != "EHLO example.com" {
		t.Errorf("got %+v, want Line %q", fr, "EHLO example.com")
	}

	fr, err = f.ReadLine()
	if err != nil || fr.Line != "QUIT" {
		t.Errorf("got %+v, %v; want QUIT, nil", fr, err)
	}
}

func TestReadLineTooLong(t *testing.T) {
	long := strings.Repeat("a", MaxLineLen+100)
	f := NewSize(strings.NewReader(long+"\r\nQUIT\r\n"), 64)

	_, err := f.ReadLine()
	if err != ErrLineTooLong {
		t.Fatalf("got %v, want ErrLineTooLong", err)
	}

	// The framer should have drained the oversized line so the next read
	// lands on the following command.
	fr, err := f.ReadLine()
	if err != nil || fr.Line != "QUIT" {
		t.Errorf("got %+v, %v; want QUIT, nil", fr, err)
	}
}

func TestReadBytes(t *testing.T) {
	f := NewSize(strings.NewReader("ABCD\r\nrest"), 64)

	fr, err := f.ReadBytes(4)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fr.Kind != KindBytes || !bytes.Equal(fr.Bytes, []byte("ABCD")) {
		t.Errorf("got %+v, want Bytes \"ABCD\"", fr)
	}

	fr, err = f.ReadLine()
	if err != nil || fr.Line != "" {
		t.Errorf("got %+v, %v", fr, err)
	}
}

func TestReadBytesShort(t *testing.T) {
	f := NewSize(strings.NewReader("AB"), 64)
	_, err := f.ReadBytes(4)
	if err != io.ErrUnexpectedEOF {
		t.Errorf("got %v, want io.ErrUnexpectedEOF", err)
	}
}

func TestPeekAndBuffered(t *testing.T) {
	f := NewSize(strings.NewReader("GET / HTTP/1.1\r\n"), 64)
	peeked, err := f.Peek(3)
	if err != nil || string(peeked) != "GET" {
		t.Errorf("Peek = %q, %v; want \"GET\", nil", peeked, err)
	}
	if f.Buffered() == 0 {
		t.Errorf("expected buffered bytes after Peek")
	}
}
