package kfmt

import "io"

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line.
type PrefixWriter struct {
	// A writer where all writes get sent to.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	bytesAfterPrefix int
}

// Write writes len(p) bytes from p to the underlying data stream and returns
// back the number of bytes written. The injected prefix is not included in
// the number of written bytes returned by this method.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var (
		written              int
		startIndex, curIndex int
	)

	if w.bytesAfterPrefix == 0 && len(p) != 0 {
		_, _ = w.Sink.Write(w.Prefix)
	}

	for ; curIndex < len(p); curIndex++ {
		if p[curIndex] != '\n' {
			continue
		}

		n, err := w.Sink.Write(p[startIndex : curIndex+1])
		written += n
		if err != nil {
			return written, err
		}
		if curIndex+1 != len(p) {
			_, _ = w.Sink.Write(w.Prefix)
		}
		w.bytesAfterPrefix = 0
		startIndex = curIndex + 1
	}

	if startIndex < curIndex {
		n, err := w.Sink.Write(p[startIndex:curIndex])
		written += n
		w.bytesAfterPrefix = n
		if err != nil {
			return written, err
		}
	}

	return written, nil
}

// Logger writes module-tagged diagnostics to the active output sink. Every
// line of a message is prefixed with "[module] ".
type Logger struct {
	prefix []byte
}

// NewLogger returns a Logger for the named kernel module.
func NewLogger(module string) Logger {
	return Logger{prefix: []byte("[" + module + "] ")}
}

// Printf formats a message and writes it to the output sink. A trailing new
// line is appended if the message does not end with one.
func (l Logger) Printf(format string, args ...interface{}) {
	w := PrefixWriter{Sink: sinkWriter{}, Prefix: l.prefix}
	Fprintf(&w, format, args...)
	if w.bytesAfterPrefix != 0 {
		_, _ = w.Sink.Write([]byte{'\n'})
	}
}
