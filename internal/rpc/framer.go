package rpc

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/jaakkos/codeloom/internal/domain"
)

// MaxFrameSize bounds a single frame body.
const MaxFrameSize = 64 << 20

// Framer splits a byte stream into frames and writes frames back. ReadFrame
// must be called from a single goroutine; WriteFrame is safe for concurrent use.
type Framer interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
}

// NewFramer returns the framer used by a worker protocol.
func NewFramer(p domain.Protocol, r io.Reader, w io.Writer) Framer {
	if p == domain.ProtocolLSP {
		return NewHeaderFramer(r, w)
	}
	return NewLineFramer(r, w)
}

type lineFramer struct {
	r  *bufio.Reader
	w  io.Writer
	mu sync.Mutex
}

// NewLineFramer frames one JSON document per line. Blank lines are skipped.
func NewLineFramer(r io.Reader, w io.Writer) Framer {
	f := &lineFramer{w: w}
	if r != nil {
		f.r = bufio.NewReaderSize(r, 64<<10)
	}
	return f
}

func (f *lineFramer) ReadFrame() ([]byte, error) {
	if f.r == nil {
		return nil, fmt.Errorf("no reader configured")
	}
	for {
		line, err := f.readLine()
		line = bytes.TrimRight(line, "\r\n")
		if err != nil {
			// A final unterminated line is still a frame.
			if errors.Is(err, io.EOF) && len(bytes.TrimSpace(line)) > 0 {
				return line, nil
			}
			return nil, err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return line, nil
	}
}

// readLine reads up to and including the next newline, failing as soon as
// the line outgrows MaxFrameSize.
func (f *lineFramer) readLine() ([]byte, error) {
	var line []byte
	for {
		chunk, err := f.r.ReadSlice('\n')
		if len(line)+len(chunk) > MaxFrameSize {
			return nil, domain.NewError(domain.ErrProtocolError, "read", "", fmt.Errorf("frame exceeds %d bytes", MaxFrameSize))
		}
		line = append(line, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return line, err
	}
}

func (f *lineFramer) WriteFrame(frame []byte) error {
	if bytes.IndexByte(frame, '\n') >= 0 {
		return domain.NewError(domain.ErrProtocolError, "write", "", fmt.Errorf("frame contains a newline"))
	}
	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

type headerFramer struct {
	r  *bufio.Reader
	w  io.Writer
	mu sync.Mutex
}

// NewHeaderFramer frames bodies behind a Content-Length header, as LSP does.
// Other headers are ignored.
func NewHeaderFramer(r io.Reader, w io.Writer) Framer {
	f := &headerFramer{w: w}
	if r != nil {
		f.r = bufio.NewReaderSize(r, 64<<10)
	}
	return f
}

func (f *headerFramer) ReadFrame() ([]byte, error) {
	if f.r == nil {
		return nil, fmt.Errorf("no reader configured")
	}
	contentLength := -1
	sawHeader := false
	for {
		line, err := f.r.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) && (sawHeader || strings.TrimSpace(line) != "") {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			if !sawHeader {
				// Tolerate stray blank lines between frames.
				continue
			}
			break
		}
		sawHeader = true
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, domain.NewError(domain.ErrProtocolError, "read", "", fmt.Errorf("malformed header line %q", line))
		}
		if !strings.EqualFold(strings.TrimSpace(name), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n < 0 {
			return nil, domain.NewError(domain.ErrProtocolError, "read", "", fmt.Errorf("invalid Content-Length %q", strings.TrimSpace(value)))
		}
		contentLength = n
	}
	if contentLength < 0 {
		return nil, domain.NewError(domain.ErrProtocolError, "read", "", fmt.Errorf("missing Content-Length header"))
	}
	if contentLength > MaxFrameSize {
		return nil, domain.NewError(domain.ErrProtocolError, "read", "", fmt.Errorf("frame exceeds %d bytes", MaxFrameSize))
	}
	body := make([]byte, contentLength)
	if _, err := io.ReadFull(f.r, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func (f *headerFramer) WriteFrame(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := fmt.Fprintf(f.w, "Content-Length: %d\r\n\r\n", len(frame)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := f.w.Write(frame); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}
