// Package protocol implements the binary frame protocol.
//
// It solves TCP's sticky packet problem by using a fixed-size 17-byte header
// followed by a variable-length body. The receiver reads the header first to
// determine the body length, then reads exactly that many bytes.
//
// Frame format:
//
//	0   1   2   3   4   5            13        17
//	┌───┬───┬───┬───┬───┬────────────┬─────────┬───────────────┐
//	│mg │ver│ser│typ│sts│ requestId  │ bodyLen │    body ...   │
//	│01 │01 │   │   │   │  uint64    │ uint32  │ bodyLen bytes │
//	└───┴───┴───┴───┴───┴────────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"krpc/codec"
	"krpc/message"
)

const (
	Magic      byte = 0x01
	Version    byte = 0x01
	HeaderSize      = 17 // magic + version + serializer + type + status + requestId(8) + bodyLength(4)

	// MaxBodyLength bounds a single frame so a corrupt length cannot exhaust memory.
	MaxBodyLength uint32 = 16 << 20
)

// MessageType distinguishes request, response and heartbeat frames.
type MessageType byte

const (
	TypeRequest   MessageType = 0
	TypeResponse  MessageType = 1
	TypeHeartbeat MessageType = 2
	TypeOthers    MessageType = 3
)

func (t MessageType) Valid() bool {
	return t <= TypeOthers
}

func (t MessageType) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	case TypeHeartbeat:
		return "heartbeat"
	case TypeOthers:
		return "others"
	}
	return fmt.Sprintf("type(%d)", byte(t))
}

// Status is the response status carried in byte 4.
type Status byte

const (
	StatusOK          Status = 20
	StatusBadRequest  Status = 40
	StatusBadResponse Status = 50
)

var (
	ErrShortHeader        = errors.New("protocol: short header")
	ErrBadMagic           = errors.New("protocol: invalid magic number")
	ErrUnknownSerializer  = errors.New("protocol: unknown serializer")
	ErrUnknownMessageType = errors.New("protocol: unknown message type")
	ErrShortBody          = errors.New("protocol: body shorter than bodyLength")
	ErrBadBody            = errors.New("protocol: undecodable body")
	ErrFrameTooLarge      = errors.New("protocol: frame exceeds max body length")
)

// ProtocolError rejects one message. Header is set when the fixed header could be
// read, so the receiver can still answer with the same request id.
type ProtocolError struct {
	Header *Header
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Header == nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%v (requestId=%d)", e.Err, e.Header.RequestID)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Header is the fixed 17-byte frame header.
type Header struct {
	Magic      byte
	Version    byte
	Serializer codec.ID
	Type       MessageType
	Status     Status
	RequestID  uint64 // the key to multiplexing, responses reuse the request's id
	BodyLength uint32
}

// Message is a decoded frame. Body is *message.RpcRequest for requests,
// *message.RpcResponse for responses and raw []byte otherwise.
type Message struct {
	Header Header
	Body   any
}

// NewRequest builds a request frame with the default magic and version.
func NewRequest(serializer codec.ID, requestID uint64, req *message.RpcRequest) *Message {
	return &Message{
		Header: Header{Magic: Magic, Version: Version, Serializer: serializer, Type: TypeRequest, RequestID: requestID},
		Body:   req,
	}
}

// NewResponse builds the reply to h, reusing its serializer and request id.
func NewResponse(h Header, status Status, resp *message.RpcResponse) *Message {
	return &Message{
		Header: Header{Magic: Magic, Version: Version, Serializer: h.Serializer, Type: TypeResponse, Status: status, RequestID: h.RequestID},
		Body:   resp,
	}
}

// NewHeartbeat builds an empty heartbeat frame.
func NewHeartbeat(serializer codec.ID) *Message {
	return &Message{Header: Header{Magic: Magic, Version: Version, Serializer: serializer, Type: TypeHeartbeat}}
}

// Encode serializes msg into a complete frame and updates msg.Header.BodyLength.
func Encode(msg *Message) ([]byte, error) {
	h := &msg.Header
	if !h.Type.Valid() {
		return nil, ErrUnknownMessageType
	}
	// 心跳帧也要带合法的序列化 id
	c, err := codec.Get(h.Serializer)
	if err != nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSerializer, h.Serializer)
	}

	var body []byte
	switch h.Type {
	case TypeRequest, TypeResponse:
		if body, err = c.Encode(msg.Body); err != nil {
			return nil, fmt.Errorf("protocol: encode body: %w", err)
		}
	default:
		if raw, ok := msg.Body.([]byte); ok {
			body = raw
		}
	}
	if uint64(len(body)) > uint64(MaxBodyLength) {
		return nil, ErrFrameTooLarge
	}
	h.BodyLength = uint32(len(body))

	buf := make([]byte, HeaderSize+len(body))
	buf[0] = h.Magic
	buf[1] = h.Version
	buf[2] = byte(h.Serializer)
	buf[3] = byte(h.Type)
	buf[4] = byte(h.Status)
	// network byte order
	binary.BigEndian.PutUint64(buf[5:13], h.RequestID)
	binary.BigEndian.PutUint32(buf[13:17], h.BodyLength)
	copy(buf[HeaderSize:], body)
	return buf, nil
}

// Write encodes msg and writes it to w in a single call.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different requests will interleave and corrupt the stream.
func Write(w io.Writer, msg *Message) error {
	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// ParseHeader reads the fixed header fields without validating them.
func ParseHeader(frame []byte) (*Header, error) {
	if len(frame) < HeaderSize {
		return nil, &ProtocolError{Err: ErrShortHeader}
	}
	return &Header{
		Magic:      frame[0],
		Version:    frame[1],
		Serializer: codec.ID(frame[2]),
		Type:       MessageType(frame[3]),
		Status:     Status(frame[4]),
		RequestID:  binary.BigEndian.Uint64(frame[5:13]),
		BodyLength: binary.BigEndian.Uint32(frame[13:17]),
	}, nil
}

// Decode parses one complete frame. Every failure is a *ProtocolError.
func Decode(frame []byte) (*Message, error) {
	h, err := ParseHeader(frame)
	if err != nil {
		return nil, err
	}
	if h.Magic != Magic {
		return nil, &ProtocolError{Err: fmt.Errorf("%w: %#x", ErrBadMagic, h.Magic)}
	}
	if !h.Type.Valid() {
		return nil, &ProtocolError{Header: h, Err: fmt.Errorf("%w: %d", ErrUnknownMessageType, h.Type)}
	}
	c, err := codec.Get(h.Serializer)
	if err != nil {
		return nil, &ProtocolError{Header: h, Err: fmt.Errorf("%w: %d", ErrUnknownSerializer, h.Serializer)}
	}
	if uint64(len(frame)-HeaderSize) < uint64(h.BodyLength) {
		return nil, &ProtocolError{Header: h, Err: ErrShortBody}
	}
	body := frame[HeaderSize : HeaderSize+int(h.BodyLength)]

	msg := &Message{Header: *h}
	switch h.Type {
	case TypeRequest, TypeResponse:
		if h.Type == TypeRequest {
			req := &message.RpcRequest{}
			if err := c.Decode(body, req); err != nil {
				return nil, &ProtocolError{Header: h, Err: fmt.Errorf("%w: %v", ErrBadBody, err)}
			}
			msg.Body = req
		} else {
			resp := &message.RpcResponse{}
			if err := c.Decode(body, resp); err != nil {
				return nil, &ProtocolError{Header: h, Err: fmt.Errorf("%w: %v", ErrBadBody, err)}
			}
			msg.Body = resp
		}
	default:
		msg.Body = append([]byte(nil), body...)
	}
	return msg, nil
}
