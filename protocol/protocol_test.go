package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"krpc/codec"
	"krpc/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	for _, id := range []codec.ID{codec.JSON, codec.Msgpack} {
		req := message.NewRequest("UserService", "1.0", "getUser", []string{"string"}, []any{"kk"})
		msg := NewRequest(id, 12345, req)

		frame, err := Encode(msg)
		require.NoError(t, err)
		assert.Equal(t, HeaderSize+int(msg.Header.BodyLength), len(frame))

		decoded, err := Decode(frame)
		require.NoError(t, err)
		assert.Equal(t, msg.Header, decoded.Header)

		got, ok := decoded.Body.(*message.RpcRequest)
		require.True(t, ok)
		assert.Equal(t, req.ServiceName, got.ServiceName)
		assert.Equal(t, req.MethodName, got.MethodName)
		assert.Equal(t, req.ParameterTypes, got.ParameterTypes)
		assert.Equal(t, []any{"kk"}, got.Args)

		// 重新编码后字节完全一致
		again, err := Encode(decoded)
		require.NoError(t, err)
		assert.Equal(t, frame, again)
	}
}

func TestHeaderLayout(t *testing.T) {
	msg := NewResponse(Header{Serializer: codec.JSON, RequestID: 0x0102030405060708}, StatusBadResponse,
		&message.RpcResponse{Exception: "boom"})
	frame, err := Encode(msg)
	require.NoError(t, err)

	assert.Equal(t, Magic, frame[0])
	assert.Equal(t, Version, frame[1])
	assert.Equal(t, byte(codec.JSON), frame[2])
	assert.Equal(t, byte(TypeResponse), frame[3])
	assert.Equal(t, byte(StatusBadResponse), frame[4])
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, frame[5:13])
	assert.Equal(t, uint32(len(frame)-HeaderSize), binary.BigEndian.Uint32(frame[13:17]))
}

func TestDecodeInvalidMagic(t *testing.T) {
	frame, err := Encode(NewHeartbeat(codec.JSON))
	require.NoError(t, err)
	frame[0] = 0x7f

	_, err = Decode(frame)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBadMagic))

	var pe *ProtocolError
	require.True(t, errors.As(err, &pe))
}

func TestDecodeEmptyBody(t *testing.T) {
	msg := NewHeartbeat(codec.JSON)
	msg.Header.RequestID = 7
	frame, err := Encode(msg)
	require.NoError(t, err)
	assert.Len(t, frame, HeaderSize)

	decoded, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, TypeHeartbeat, decoded.Header.Type)
	assert.Equal(t, uint32(0), decoded.Header.BodyLength)
	assert.Empty(t, decoded.Body)
}

func TestDecodeRejects(t *testing.T) {
	good, err := Encode(NewRequest(codec.JSON, 99, message.NewRequest("S", "", "m", nil, nil)))
	require.NoError(t, err)

	cases := []struct {
		name   string
		mutate func([]byte) []byte
		want   error
	}{
		{"unknown serializer", func(b []byte) []byte { b[2] = 9; return b }, ErrUnknownSerializer},
		{"unknown message type", func(b []byte) []byte { b[3] = 8; return b }, ErrUnknownMessageType},
		{"short body", func(b []byte) []byte { return b[:len(b)-1] }, ErrShortBody},
		{"short header", func(b []byte) []byte { return b[:HeaderSize-1] }, ErrShortHeader},
		{"garbage body", func(b []byte) []byte { b[HeaderSize] = '}'; return b }, ErrBadBody},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			frame := tc.mutate(append([]byte(nil), good...))
			_, err := Decode(frame)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)

			var pe *ProtocolError
			require.True(t, errors.As(err, &pe))
			if tc.want != ErrShortHeader {
				// 头部可读时携带 requestId, 服务端据此回复 BAD_REQUEST
				require.NotNil(t, pe.Header)
				assert.Equal(t, uint64(99), pe.Header.RequestID)
			}
		})
	}
}

func TestDecodeLargeBody(t *testing.T) {
	// 1MB 的消息体
	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}
	msg := &Message{Header: Header{Magic: Magic, Version: Version, Serializer: codec.Msgpack, Type: TypeOthers, RequestID: 999}, Body: largeBody}

	frame, err := Encode(msg)
	require.NoError(t, err)

	decoded, err := Decode(frame)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(largeBody, decoded.Body.([]byte)))
}

func TestHeartbeatUnknownSerializer(t *testing.T) {
	_, err := Encode(NewHeartbeat(99))
	assert.ErrorIs(t, err, ErrUnknownSerializer)

	frame, err := Encode(NewHeartbeat(codec.JSON))
	require.NoError(t, err)
	frame[2] = 99
	_, err = Decode(frame)
	assert.ErrorIs(t, err, ErrUnknownSerializer)
}
