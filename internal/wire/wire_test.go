package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello vicbf")
	require.NoError(t, WriteFrame(&buf, payload))

	got, err := ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestReadFrameShortReadIsFatal(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0, 0, 0, 10, 'a', 'b'})
	_, err := ReadFrame(buf)
	require.Error(t, err)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	oversized := bytes.NewBuffer([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	_, err := ReadFrame(oversized)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestMessageEncodeDecodeClientHello(t *testing.T) {
	m := Message{Tag: TagClientHello, ClientHello: ClientHello{ClientProto: "1.0"}}
	enc := Encode(m)
	dec, err := Decode(enc)
	require.NoError(t, err)
	require.Equal(t, m, dec)
}

func TestMessageEncodeDecodeStore(t *testing.T) {
	m := Message{Tag: TagStore, Store: Store{Key: "deadbeef", Value: []byte{1, 2, 3}}}
	dec, err := Decode(Encode(m))
	require.NoError(t, err)
	require.Equal(t, m, dec)
}

func TestMessageEncodeDecodeServerHello(t *testing.T) {
	m := Message{Tag: TagServerHello, ServerHello: ServerHello{
		ServerProto: "1.0",
		Opcode:      ClientHelloOK,
		Data:        []byte{0xDE, 0xAD},
	}}
	dec, err := Decode(Encode(m))
	require.NoError(t, err)
	require.Equal(t, m, dec)
}

func TestDecodeRejectsUnknownTag(t *testing.T) {
	_, err := Decode([]byte{0xFE})
	require.ErrorIs(t, err, ErrUnknownTag)
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	m := Message{Tag: TagGet, Get: Get{Key: "abc"}}
	enc := Encode(m)
	enc = append(enc, 0x00)
	_, err := Decode(enc)
	require.Error(t, err)
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	_, err := Decode([]byte{byte(TagGet), 0, 0, 0, 5, 'a'})
	require.Error(t, err)
}
