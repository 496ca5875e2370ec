package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

// Framer reassembles frames from an arbitrary chunked byte stream.
//
// It alternates between two fixed-size read modes: first exactly HeaderSize bytes,
// then exactly bodyLength bytes. A frame split across reads is held back until it is
// complete, several frames in one read are emitted one by one in order.
//
// A Framer is not safe for concurrent use, each connection owns one.
type Framer struct {
	buf    []byte
	inBody bool // false: waiting for a header, true: waiting for the body
	need   int  // bytes the current frame needs in total
	max    uint32
}

func NewFramer() *Framer {
	return &Framer{max: MaxBodyLength}
}

// Feed appends p and calls emit for every frame it completes. The emitted slice is
// owned by the callee. An error from emit or ErrFrameTooLarge stops feeding; the
// stream cannot be resynchronized after ErrFrameTooLarge.
func (f *Framer) Feed(p []byte, emit func(frame []byte) error) error {
	f.buf = append(f.buf, p...)
	off := 0
	defer func() {
		n := copy(f.buf, f.buf[off:])
		f.buf = f.buf[:n]
	}()

	for {
		avail := len(f.buf) - off
		if !f.inBody {
			if avail < HeaderSize {
				return nil
			}
			bodyLen := binary.BigEndian.Uint32(f.buf[off+13 : off+HeaderSize])
			if bodyLen > f.max {
				return ErrFrameTooLarge
			}
			f.need = HeaderSize + int(bodyLen)
			f.inBody = true
		}
		if avail < f.need {
			return nil
		}

		frame := make([]byte, f.need)
		copy(frame, f.buf[off:off+f.need])
		off += f.need
		f.inBody = false
		if err := emit(frame); err != nil {
			return err
		}
	}
}

// Buffered reports how many bytes of an incomplete frame are held.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Reset drops any partial frame.
func (f *Framer) Reset() {
	f.buf = f.buf[:0]
	f.inBody = false
	f.need = 0
}

// ReadFrames drives a Framer from r until EOF or an error. A clean EOF between
// frames returns nil, an EOF inside a frame returns io.ErrUnexpectedEOF.
func ReadFrames(r io.Reader, fn func(frame []byte) error) error {
	f := NewFramer()
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			if ferr := f.Feed(chunk[:n], fn); ferr != nil {
				return ferr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if f.Buffered() > 0 {
					return io.ErrUnexpectedEOF
				}
				return nil
			}
			return err
		}
	}
}
