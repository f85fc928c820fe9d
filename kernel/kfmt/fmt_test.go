package kfmt

import (
	"bytes"
	"testing"
)

func TestPrintfToSink(t *testing.T) {
	defer SetOutputSink(nil)

	var buf bytes.Buffer
	SetOutputSink(&buf)

	Printf("frame %d at 0x%x", 3, 0x3000)

	if exp, got := "frame 3 at 0x3000", buf.String(); got != exp {
		t.Fatalf("expected to get %q; got %q", exp, got)
	}
}

func TestPrintfBuffersUntilSinkIsSet(t *testing.T) {
	defer SetOutputSink(nil)

	SetOutputSink(nil)
	earlyPrintBuffer = ringBuffer{}

	Printf("early ")
	Printf("output")

	var buf bytes.Buffer
	SetOutputSink(&buf)

	if exp, got := "early output", buf.String(); got != exp {
		t.Fatalf("expected buffered output %q to be flushed; got %q", exp, got)
	}
}

func TestLogger(t *testing.T) {
	defer SetOutputSink(nil)

	specs := []struct {
		format string
		args   []interface{}
		exp    string
	}{
		{"double free of frame %d", []interface{}{42}, "[pmm] double free of frame 42\n"},
		{"first\nsecond\n", nil, "[pmm] first\n[pmm] second\n"},
	}

	var buf bytes.Buffer
	SetOutputSink(&buf)
	logger := NewLogger("pmm")

	for specIndex, spec := range specs {
		buf.Reset()
		logger.Printf(spec.format, spec.args...)

		if got := buf.String(); got != spec.exp {
			t.Errorf("[spec %d] expected to get %q; got %q", specIndex, spec.exp, got)
		}
	}
}
