package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"testing"
	"testing/iotest"

	"krpc/codec"
	"krpc/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodedStream(t *testing.T, n int) ([]byte, [][]byte) {
	t.Helper()
	var stream []byte
	var frames [][]byte
	for i := 0; i < n; i++ {
		var msg *Message
		if i%4 == 3 {
			msg = NewHeartbeat(codec.JSON)
		} else {
			msg = NewRequest(codec.JSON, uint64(i), message.NewRequest("Echo", "", "say",
				[]string{"string"}, []any{fmt.Sprintf("payload-%d-%s", i, bytes.Repeat([]byte("x"), i*7))}))
		}
		frame, err := Encode(msg)
		require.NoError(t, err)
		frames = append(frames, frame)
		stream = append(stream, frame...)
	}
	return stream, frames
}

func TestFramerArbitraryChunks(t *testing.T) {
	stream, frames := encodedStream(t, 20)
	rnd := rand.New(rand.NewPCG(1, 2))

	for round := 0; round < 50; round++ {
		f := NewFramer()
		var got [][]byte
		emit := func(frame []byte) error {
			got = append(got, frame)
			return nil
		}

		// 随机切片，边界可能落在头部或消息体中间
		for rest := stream; len(rest) > 0; {
			n := 1 + rnd.IntN(40)
			if n > len(rest) {
				n = len(rest)
			}
			require.NoError(t, f.Feed(rest[:n], emit))
			rest = rest[n:]
		}

		require.Equal(t, len(frames), len(got))
		for i := range frames {
			assert.Equal(t, frames[i], got[i])
		}
		assert.Equal(t, 0, f.Buffered())
	}
}

func TestFramerMergedFrames(t *testing.T) {
	stream, frames := encodedStream(t, 5)
	f := NewFramer()

	var ids []uint64
	err := f.Feed(stream, func(frame []byte) error {
		msg, err := Decode(frame)
		if err != nil {
			return err
		}
		ids = append(ids, msg.Header.RequestID)
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, ids, len(frames))
	assert.Equal(t, []uint64{0, 1, 2}, ids[:3])
}

func TestFramerTooLarge(t *testing.T) {
	header := make([]byte, HeaderSize)
	header[0] = Magic
	binary.BigEndian.PutUint32(header[13:17], MaxBodyLength+1)

	err := NewFramer().Feed(header, func([]byte) error { return nil })
	assert.True(t, errors.Is(err, ErrFrameTooLarge))
}

func TestReadFramesOneByte(t *testing.T) {
	stream, frames := encodedStream(t, 8)

	count := 0
	err := ReadFrames(iotest.OneByteReader(bytes.NewReader(stream)), func(frame []byte) error {
		assert.Equal(t, frames[count], frame)
		count++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, len(frames), count)
}

func TestReadFramesTruncated(t *testing.T) {
	stream, _ := encodedStream(t, 2)
	err := ReadFrames(bytes.NewReader(stream[:len(stream)-3]), func([]byte) error { return nil })
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
