package kfmt

import (
	"bytes"
	"io"
	"testing"
)

func TestRingBuffer(t *testing.T) {
	var (
		buf      bytes.Buffer
		expStr   = "the big brown fox jumped over the lazy dog"
		rb       ringBuffer
		readBuf  = make([]byte, 8)
		received []byte
	)

	t.Run("read/write", func(t *testing.T) {
		rb.wIndex, rb.rIndex = 0, 0
		_, _ = rb.Write([]byte(expStr))

		received = received[:0]
		for {
			n, err := rb.Read(readBuf)
			received = append(received, readBuf[:n]...)
			if err == io.EOF {
				break
			}
		}

		if got := string(received); got != expStr {
			t.Fatalf("expected to read %q; got %q", expStr, got)
		}
	})

	t.Run("write moves read pointer", func(t *testing.T) {
		rb.wIndex, rb.rIndex = ringBufferSize-1, ringBufferSize-1
		_, _ = rb.Write([]byte{'!'})

		if exp := 0; rb.wIndex != exp {
			t.Fatalf("expected write index to wrap to %d; got %d", exp, rb.wIndex)
		}
	})

	t.Run("wrapped read", func(t *testing.T) {
		rb.wIndex, rb.rIndex = ringBufferSize-4, ringBufferSize-4
		_, _ = rb.Write([]byte(expStr))

		buf.Reset()
		if _, err := io.Copy(&buf, &rb); err != nil {
			t.Fatal(err)
		}

		if got := buf.String(); got != expStr {
			t.Fatalf("expected to read %q; got %q", expStr, got)
		}
	})

	t.Run("overflow keeps newest bytes", func(t *testing.T) {
		rb.wIndex, rb.rIndex = 0, 0
		payload := bytes.Repeat([]byte{'a'}, ringBufferSize)
		payload = append(payload, 'z')
		_, _ = rb.Write(payload)

		buf.Reset()
		_, _ = io.Copy(&buf, &rb)

		if exp, got := ringBufferSize-1, buf.Len(); got != exp {
			t.Fatalf("expected %d buffered bytes; got %d", exp, got)
		}
		if last := buf.Bytes()[buf.Len()-1]; last != 'z' {
			t.Fatalf("expected last buffered byte to be 'z'; got %q", last)
		}
	})
}
