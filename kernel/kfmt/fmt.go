// Package kfmt provides the kernel's formatted output facilities. Output is
// buffered in a ring buffer until an output sink is registered.
package kfmt

import (
	"fmt"
	"io"

	"gopherkern/kernel/sync"
)

var (
	// earlyPrintBuffer is a ring buffer that stores Printf output before
	// an output sink is registered.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer

	// outputLock serializes writes coming from different cores.
	outputLock sync.Spinlock
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputLock.Acquire()
	defer outputLock.Release()

	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the default target for calls to Printf.
func GetOutputSink() io.Writer {
	return sinkWriter{}
}

// Printf formats according to a format specifier and writes to the active
// output sink. The supported verbs are the ones supported by package fmt.
func Printf(format string, args ...interface{}) {
	Fprintf(sinkWriter{}, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	_, _ = fmt.Fprintf(w, format, args...)
}

// sinkWriter forwards writes to whatever the output sink is at the time of
// the write.
type sinkWriter struct{}

func (sinkWriter) Write(p []byte) (int, error) {
	outputLock.Acquire()
	defer outputLock.Release()

	if outputSink == nil {
		return earlyPrintBuffer.Write(p)
	}
	return outputSink.Write(p)
}
