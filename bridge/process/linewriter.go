package process

import (
	"bytes"
	"sync"
)

const stderrTailLines = 20

// lineWriter splits process output into lines and hands each to a callback,
// optionally remembering the last few lines.
type lineWriter struct {
	mu      sync.Mutex
	buf     []byte
	onLine  func(string)
	tailCap int
	tail    []string
}

func newLineWriter(tailCap int, onLine func(string)) *lineWriter {
	return &lineWriter{onLine: onLine, tailCap: tailCap}
}

func (w *lineWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf = append(w.buf, b...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	if len(w.buf) == 0 {
		w.buf = nil
	}
	return len(b), nil
}

// Flush emits any trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emit(b []byte) {
	line := string(bytes.TrimRight(b, "\r"))
	if line == "" {
		return
	}
	if w.onLine != nil {
		w.onLine(line)
	}
	if w.tailCap > 0 {
		w.tail = append(w.tail, line)
		if len(w.tail) > w.tailCap {
			w.tail = w.tail[len(w.tail)-w.tailCap:]
		}
	}
}

// Tail returns the remembered lines, oldest first.
func (w *lineWriter) Tail() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.tail...)
}
