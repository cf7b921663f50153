package ipc

import (
	"bytes"
	"fmt"
)

// MaxFrameSize bounds the partial-message buffer. Longer frames are discarded up to their terminating newline.
const MaxFrameSize = 16 * 1024 * 1024

// Framer reassembles newline-delimited frames from arbitrary chunks of a byte stream.
// It is not goroutine-safe; the transport confines each Framer to its read goroutine.
type Framer struct {
	buf []byte
	// discarding is set while skipping the rest of an oversized frame
	discarding bool
	maxSize    int
}

// Feed appends chunk to the buffer and calls emit once per complete frame, in stream order.
// For a frame that fails to decode, emit gets a *FrameError and the zero Message.
// The buffer is reset at every newline regardless of whether the frame before it decodes.
func (f *Framer) Feed(chunk []byte, emit func(Message, error)) {
	maxSize := f.maxSize
	if maxSize <= 0 {
		maxSize = MaxFrameSize
	}
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			f.append(chunk, maxSize, emit)
			return
		}
		f.append(chunk[:i], maxSize, emit)
		chunk = chunk[i+1:]

		line := f.buf
		discarded := f.discarding
		f.buf = f.buf[:0]
		f.discarding = false

		if discarded || len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		emit(DecodeMessage(line))
	}
}

func (f *Framer) append(b []byte, maxSize int, emit func(Message, error)) {
	if f.discarding {
		return
	}
	if len(f.buf)+len(b) > maxSize {
		emit(Message{}, &FrameError{
			Line: append([]byte(nil), f.buf...),
			Err:  fmt.Errorf("%w (%d bytes)", ErrFrameTooLarge, maxSize),
		})
		f.buf = f.buf[:0]
		f.discarding = true
		return
	}
	f.buf = append(f.buf, b...)
}

// Buffered returns the number of bytes of the current unterminated frame.
func (f *Framer) Buffered() int {
	return len(f.buf)
}
