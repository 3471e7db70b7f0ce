package execution

import (
	"bytes"
	"io"
	"reflect"
	"sync"
)

// maxCaptureBytes bounds the output retained per stream of a single command.
const maxCaptureBytes = 4 << 20

// captureBuffer retains up to limit bytes and drops the rest, so a chatty
// command never blocks the stream copying into it. Session warns when a
// stream comes back at the limit.
type captureBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func newCaptureBuffer() *captureBuffer {
	return &captureBuffer{limit: maxCaptureBytes}
}

func (c *captureBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	room := c.limit - c.buf.Len()
	if room <= 0 {
		return len(p), nil
	}
	if len(p) > room {
		c.buf.Write(p[:room])
		return len(p), nil
	}
	return c.buf.Write(p)
}

func (c *captureBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

// multiWriterFiltered drops nil writers and writers already seen by pointer, so
// the same sink passed twice (stdout and stderr echo to one terminal) is written once.
func multiWriterFiltered(writers ...io.Writer) io.Writer {
	filtered := make([]io.Writer, 0, len(writers))
	seenPtrs := map[uintptr]struct{}{}
	for _, w := range writers {
		if w == nil {
			continue
		}
		rv := reflect.ValueOf(w)
		if rv.Kind() == reflect.Pointer || rv.Kind() == reflect.UnsafePointer {
			if rv.IsNil() {
				continue
			}
			ptr := rv.Pointer()
			if _, ok := seenPtrs[ptr]; ok {
				continue
			}
			seenPtrs[ptr] = struct{}{}
		}
		filtered = append(filtered, w)
	}
	switch len(filtered) {
	case 0:
		return io.Discard
	case 1:
		return filtered[0]
	}
	return io.MultiWriter(filtered...)
}
