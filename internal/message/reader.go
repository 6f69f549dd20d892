package message

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// ErrFrameTooLarge is returned when a line exceeds the reader's frame limit.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// DefaultMaxFrameSize bounds a single frame when no limit is configured.
const DefaultMaxFrameSize = 4096

// initialBufferSize is the per-connection read buffer. Longer frames are
// assembled in a separate slice that grows up to the frame limit.
const initialBufferSize = 512

// Reader splits a byte stream into delimiter-terminated frames.
type Reader struct {
	br  *bufio.Reader
	buf []byte
	max int
}

// NewReader returns a Reader that rejects frames longer than maxFrame bytes
// (excluding the delimiter). A non-positive maxFrame selects DefaultMaxFrameSize.
func NewReader(r io.Reader, maxFrame int) *Reader {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	// Leave room for a CRLF terminator.
	return &Reader{br: bufio.NewReaderSize(r, min(maxFrame+2, initialBufferSize)), max: maxFrame}
}

// ReadFrame returns the next non-empty line without its delimiter. A final
// unterminated line is returned before io.EOF.
func (r *Reader) ReadFrame() ([]byte, error) {
	for {
		line, err := r.readLine()
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}

		frame := bytes.TrimRight(line, "\r\n")
		if len(frame) > r.max {
			return nil, ErrFrameTooLarge
		}
		if len(bytes.TrimSpace(frame)) == 0 {
			if err != nil {
				return nil, err
			}
			continue
		}
		return append([]byte(nil), frame...), nil
	}
}

// readLine returns the next line including its delimiter. The result aliases
// internal buffers and is only valid until the next call.
func (r *Reader) readLine() ([]byte, error) {
	line, err := r.br.ReadSlice(Delimiter)
	if !errors.Is(err, bufio.ErrBufferFull) {
		return line, err
	}

	r.buf = append(r.buf[:0], line...)
	for {
		if len(r.buf) > r.max+1 {
			return nil, ErrFrameTooLarge
		}
		line, err = r.br.ReadSlice(Delimiter)
		r.buf = append(r.buf, line...)
		if !errors.Is(err, bufio.ErrBufferFull) {
			return r.buf, err
		}
	}
}
