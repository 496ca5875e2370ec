package codec

import (
	"errors"
	"testing"

	"krpc/message"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type User struct {
	Name string `json:"name"`
	Age  int    `json:"age"`
}

func TestCodecsRoundTripRequest(t *testing.T) {
	for _, c := range []Codec{&JSONCodec{}, &MsgpackCodec{}} {
		t.Run(c.Name(), func(t *testing.T) {
			req := message.NewRequest("UserService", "1.0", "getUser",
				[]string{message.TypeName[User]()}, []any{User{Name: "kk", Age: 18}})

			data, err := c.Encode(req)
			require.NoError(t, err)

			var decoded message.RpcRequest
			require.NoError(t, c.Decode(data, &decoded))

			assert.Equal(t, req.ServiceName, decoded.ServiceName)
			assert.Equal(t, req.MethodName, decoded.MethodName)
			assert.Equal(t, req.ServiceVersion, decoded.ServiceVersion)
			assert.Equal(t, req.ParameterTypes, decoded.ParameterTypes)
			require.Len(t, decoded.Args, 1)

			// 泛型解码后的参数需要借助 Convert 还原为具体类型
			user, err := Convert[User](c, decoded.Args[0])
			require.NoError(t, err)
			assert.Equal(t, User{Name: "kk", Age: 18}, user)
		})
	}
}

func TestConvertScalars(t *testing.T) {
	for _, c := range []Codec{&JSONCodec{}, &MsgpackCodec{}} {
		data, err := c.Encode(&message.RpcResponse{Data: 42, DataType: "int"})
		require.NoError(t, err)

		var resp message.RpcResponse
		require.NoError(t, c.Decode(data, &resp))

		n, err := Convert[int](c, resp.Data)
		require.NoError(t, err, c.Name())
		assert.Equal(t, 42, n, c.Name())
	}
}

func TestConvertPassThroughAndNil(t *testing.T) {
	c := &JSONCodec{}

	s, err := Convert[string](c, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", s)

	u, err := Convert[*User](c, nil)
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestLookup(t *testing.T) {
	c, err := Get(JSON)
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	c, err = ByName("msgpack")
	require.NoError(t, err)
	assert.Equal(t, Msgpack, c.Type())

	_, err = Get(ID(9))
	assert.True(t, errors.Is(err, ErrUnknownCodec))
	_, err = ByName("hessian")
	assert.True(t, errors.Is(err, ErrUnknownCodec))
	assert.False(t, Known(0))
}

func benchCodec(b *testing.B, c Codec) {
	req := message.NewRequest("Arith", "", "add", []string{"int", "int"}, []any{1, 2})
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, err := c.Encode(req)
		if err != nil {
			b.Fatal(err)
		}
		var out message.RpcRequest
		if err := c.Decode(data, &out); err != nil {
			b.Fatal(err)
		}
	}
}

// 纯编解码，不走网络
func BenchmarkCodecJSON(b *testing.B)    { benchCodec(b, &JSONCodec{}) }
func BenchmarkCodecMsgpack(b *testing.B) { benchCodec(b, &MsgpackCodec{}) }
