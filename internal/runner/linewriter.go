package runner

import (
	"bytes"
	"sync"
)

// maxLine bounds a single buffered line; longer output is delivered in chunks.
const maxLine = 64 * 1024

// lineWriter splits a byte stream into lines on '\n' and '\r'. Progress bars
// (tqdm and friends) redraw with a bare '\r', so both terminate a line. Empty
// lines are dropped. The mutex is shared between stdout and stderr so the
// callback never runs concurrently.
type lineWriter struct {
	mu     *sync.Mutex
	stream Stream
	emit   LineFunc
	buf    []byte
}

func newLineWriter(mu *sync.Mutex, stream Stream, emit LineFunc) *lineWriter {
	return &lineWriter{mu: mu, stream: stream, emit: emit}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexAny(w.buf, "\r\n")
		if i < 0 {
			break
		}
		w.deliver(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	for len(w.buf) >= maxLine {
		w.deliver(w.buf[:maxLine])
		w.buf = w.buf[maxLine:]
	}
	// compact so the backing array does not grow without bound
	if len(w.buf) == 0 {
		w.buf = nil
	}
	return len(p), nil
}

// Flush delivers a trailing line without terminator.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.deliver(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) deliver(line []byte) {
	if len(line) == 0 {
		return
	}
	w.emit(w.stream, string(line))
}
