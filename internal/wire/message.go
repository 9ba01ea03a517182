package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Tag identifies which variant a Message payload carries.
type Tag uint8

const (
	TagClientHello Tag = 1
	TagServerHello Tag = 2
	TagStore       Tag = 3
	TagStoreReply  Tag = 4
	TagDelete      Tag = 5
	TagDeleteReply Tag = 6
	TagGet         Tag = 7
	TagGetReply    Tag = 8
)

var ErrUnknownTag = errors.New("wire: unknown message tag")

// Opcodes, grouped by the reply variant that carries them.
const (
	ClientHelloOK                 = 0
	ClientHelloProtoNotSupported  = 1
	StoreOK                       = 0
	StoreFailKeyFmt               = 1
	StoreFailKeyTaken             = 2
	StoreFailUnknown              = 3
	DeleteOK                      = 0
	DeleteFailKeyFmt              = 1
	DeleteFailNotFound            = 2
	DeleteFailAuth                = 3
	GetOK                         = 0
	GetFailKeyFmt                 = 1
	GetFailUnknownKey             = 2
)

// ClientHello is the handshake request: the client states the protocol
// version it speaks.
type ClientHello struct {
	ClientProto string
}

// ServerHello is the handshake reply, carrying either the compressed VICBF
// image (on a supported protocol) or a one-byte placeholder.
type ServerHello struct {
	ServerProto string
	Opcode      uint8
	Data        []byte
}

type Store struct {
	Key   string
	Value []byte
}

type StoreReply struct {
	Key    string
	Opcode uint8
}

type Delete struct {
	Key  string
	Auth []byte
}

type DeleteReply struct {
	Key    string
	Opcode uint8
}

type Get struct {
	Key string
}

type GetReply struct {
	Key    string
	Opcode uint8
	Value  []byte
}

// Message is a tagged union: exactly one of the typed fields corresponding
// to Tag is meaningful.
type Message struct {
	Tag Tag

	ClientHello ClientHello
	ServerHello ServerHello
	Store       Store
	StoreReply  StoreReply
	Delete      Delete
	DeleteReply DeleteReply
	Get         Get
	GetReply    GetReply
}

// Encode serializes a Message payload (the bytes that go inside a wire
// Frame): one tag byte, then the variant's fields in fixed order, each
// string/bytes field as a uint32 big-endian length prefix followed by raw
// bytes, each opcode as a single byte.
func Encode(m Message) []byte {
	var b []byte
	b = append(b, byte(m.Tag))
	switch m.Tag {
	case TagClientHello:
		b = appendString(b, m.ClientHello.ClientProto)
	case TagServerHello:
		b = appendString(b, m.ServerHello.ServerProto)
		b = append(b, m.ServerHello.Opcode)
		b = appendBytes(b, m.ServerHello.Data)
	case TagStore:
		b = appendString(b, m.Store.Key)
		b = appendBytes(b, m.Store.Value)
	case TagStoreReply:
		b = appendString(b, m.StoreReply.Key)
		b = append(b, m.StoreReply.Opcode)
	case TagDelete:
		b = appendString(b, m.Delete.Key)
		b = appendBytes(b, m.Delete.Auth)
	case TagDeleteReply:
		b = appendString(b, m.DeleteReply.Key)
		b = append(b, m.DeleteReply.Opcode)
	case TagGet:
		b = appendString(b, m.Get.Key)
	case TagGetReply:
		b = appendString(b, m.GetReply.Key)
		b = append(b, m.GetReply.Opcode)
		b = appendBytes(b, m.GetReply.Value)
	}
	return b
}

// Decode parses a Message payload produced by Encode. An unrecognized tag
// returns ErrUnknownTag; the server treats it like any other Decode error
// and drops the connection.
func Decode(payload []byte) (Message, error) {
	if len(payload) < 1 {
		return Message{}, fmt.Errorf("wire: empty payload")
	}
	tag := Tag(payload[0])
	rest := payload[1:]
	var m Message
	m.Tag = tag

	var err error
	switch tag {
	case TagClientHello:
		m.ClientHello.ClientProto, rest, err = takeString(rest)
	case TagServerHello:
		m.ServerHello.ServerProto, rest, err = takeString(rest)
		if err == nil {
			m.ServerHello.Opcode, rest, err = takeByte(rest)
		}
		if err == nil {
			m.ServerHello.Data, rest, err = takeBytes(rest)
		}
	case TagStore:
		m.Store.Key, rest, err = takeString(rest)
		if err == nil {
			m.Store.Value, rest, err = takeBytes(rest)
		}
	case TagStoreReply:
		m.StoreReply.Key, rest, err = takeString(rest)
		if err == nil {
			m.StoreReply.Opcode, rest, err = takeByte(rest)
		}
	case TagDelete:
		m.Delete.Key, rest, err = takeString(rest)
		if err == nil {
			m.Delete.Auth, rest, err = takeBytes(rest)
		}
	case TagDeleteReply:
		m.DeleteReply.Key, rest, err = takeString(rest)
		if err == nil {
			m.DeleteReply.Opcode, rest, err = takeByte(rest)
		}
	case TagGet:
		m.Get.Key, rest, err = takeString(rest)
	case TagGetReply:
		m.GetReply.Key, rest, err = takeString(rest)
		if err == nil {
			m.GetReply.Opcode, rest, err = takeByte(rest)
		}
		if err == nil {
			m.GetReply.Value, rest, err = takeBytes(rest)
		}
	default:
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownTag, tag)
	}
	if err != nil {
		return Message{}, err
	}
	if len(rest) != 0 {
		return Message{}, fmt.Errorf("wire: trailing bytes in payload")
	}
	return m, nil
}

func appendString(b []byte, s string) []byte {
	return appendBytes(b, []byte(s))
}

func appendBytes(b []byte, v []byte) []byte {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(v)))
	b = append(b, lenBuf[:]...)
	return append(b, v...)
}

func takeBytes(b []byte) (v []byte, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("wire: truncated length prefix")
	}
	n := binary.BigEndian.Uint32(b[0:4])
	if uint32(len(b)-4) < n {
		return nil, nil, fmt.Errorf("wire: truncated field")
	}
	v = b[4 : 4+n]
	return v, b[4+n:], nil
}

func takeString(b []byte) (string, []byte, error) {
	v, rest, err := takeBytes(b)
	if err != nil {
		return "", nil, err
	}
	return string(v), rest, nil
}

func takeByte(b []byte) (byte, []byte, error) {
	if len(b) < 1 {
		return 0, nil, fmt.Errorf("wire: truncated opcode")
	}
	return b[0], b[1:], nil
}
