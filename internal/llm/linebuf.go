package llm

import "bytes"

// lineBuffer splits a byte stream into lines for a callback. The trailing
// partial line stays buffered until Flush.
type lineBuffer struct {
	buf    []byte
	onLine func(string) error
}

func newLineBuffer(onLine func(string) error) *lineBuffer {
	return &lineBuffer{
		buf:    make([]byte, 0, 64*1024),
		onLine: onLine,
	}
}

// Write buffers p and calls onLine for every completed line. A callback
// error stops processing and is returned.
func (lb *lineBuffer) Write(p []byte) (int, error) {
	lb.buf = append(lb.buf, p...)
	for {
		idx := bytes.IndexByte(lb.buf, '\n')
		if idx < 0 {
			return len(p), nil
		}
		line := string(lb.buf[:idx])
		lb.buf = lb.buf[idx+1:]
		if err := lb.onLine(line); err != nil {
			return len(p), err
		}
	}
}

// Flush hands the remaining partial line, if any, to the callback.
func (lb *lineBuffer) Flush() error {
	if len(lb.buf) == 0 {
		return nil
	}
	line := string(lb.buf)
	lb.buf = lb.buf[:0]
	return lb.onLine(line)
}

// Pending returns the number of buffered bytes without a newline yet.
func (lb *lineBuffer) Pending() int {
	return len(lb.buf)
}
