package source

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
)

// DefaultMaxLineBytes bounds a single record line.
const DefaultMaxLineBytes = 16 << 20

// ErrLineTooLong is returned by ReadLine for a line longer than the limit.
// The rest of the stream is not read.
var ErrLineTooLong = errors.New("line too long")

// Lines reads a stream one line at a time.
// Not safe for concurrent use.
type Lines struct {
	r     *bufio.Reader
	max   int
	count atomic.Int64
}

// NewLines wraps r. Lines longer than maxBytes are rejected; maxBytes <= 0
// means DefaultMaxLineBytes.
func NewLines(r io.Reader, maxBytes int) *Lines {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxLineBytes
	}
	return &Lines{r: bufio.NewReaderSize(r, 64*1024), max: maxBytes}
}

// ReadLine returns the next line without its terminator (\n or \r\n).
// It returns io.EOF once the stream is exhausted; a final line without a
// terminator is still returned first.
func (l *Lines) ReadLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := l.r.ReadSlice('\n')
		line = append(line, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			// +2 leaves room for a \r\n still to come
			if len(line) > l.max+2 {
				l.count.Add(1)
				return nil, fmt.Errorf("%w: more than %d bytes", ErrLineTooLong, l.max)
			}
			continue
		}

		if len(line) == 0 {
			return nil, err
		}
		l.count.Add(1)
		line = bytes.TrimSuffix(line, []byte{'\n'})
		line = bytes.TrimSuffix(line, []byte{'\r'})
		if len(line) > l.max {
			return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrLineTooLong, len(line), l.max)
		}
		if err == io.EOF {
			err = nil
		}
		return line, err
	}
}

// Count returns the number of lines read so far.
func (l *Lines) Count() int64 {
	return l.count.Load()
}
