package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
)

// NextFrame returns the payload of the first complete frame buffered in b,
// without consuming it. It returns (nil, nil) when no complete frame has
// arrived yet, and a *ProtocolError when the announced length exceeds
// MaxPayload. The caller consumes HeaderSize+len(payload) bytes once the
// frame has been processed.
func NextFrame(b *Buffer) ([]byte, error) {
	header := b.Peek(HeaderSize)
	if header == nil {
		return nil, nil
	}
	n := binary.LittleEndian.Uint32(header)
	if n > MaxPayload {
		return nil, &ProtocolError{Message: fmt.Sprintf("frame of %d bytes exceeds limit", n)}
	}
	if b.Len() < HeaderSize+int(n) {
		return nil, nil
	}
	return b.Peek(HeaderSize + int(n))[HeaderSize:], nil
}

// ParseRequest decodes a request payload into its argument strings. The
// first argument is the command name. Arguments alias the payload; callers
// that retain them past the frame's lifetime must copy.
func ParseRequest(payload []byte) ([][]byte, error) {
	if len(payload) < 4 {
		return nil, &ProtocolError{Message: "request truncated before argument count"}
	}
	nstr := binary.LittleEndian.Uint32(payload)
	payload = payload[4:]
	if nstr == 0 {
		return nil, &ProtocolError{Message: "empty request"}
	}
	if uint64(nstr)*4 > uint64(len(payload)) {
		return nil, &ProtocolError{Message: fmt.Sprintf("argument count %d exceeds payload", nstr)}
	}
	args := make([][]byte, 0, nstr)
	for i := uint32(0); i < nstr; i++ {
		if len(payload) < 4 {
			return nil, &ProtocolError{Message: "request truncated before argument length"}
		}
		slen := binary.LittleEndian.Uint32(payload)
		payload = payload[4:]
		if uint32(len(payload)) < slen {
			return nil, &ProtocolError{Message: "request truncated inside argument"}
		}
		args = append(args, payload[:slen])
		payload = payload[slen:]
	}
	if len(payload) != 0 {
		return nil, &ProtocolError{Message: "trailing bytes after last argument"}
	}
	return args, nil
}

// DecodeResponse decodes one tagged value from the front of a response
// payload and returns the remaining bytes. Used by the diagnostic client and
// by tests; the server only encodes responses.
func DecodeResponse(payload []byte) (Value, []byte, error) {
	if len(payload) < 1 {
		return Value{}, nil, &ProtocolError{Message: "empty response payload"}
	}
	tag := Tag(payload[0])
	rest := payload[1:]
	switch tag {
	case TagNil:
		return Value{Tag: TagNil}, rest, nil

	case TagErr:
		if len(rest) < 8 {
			return Value{}, nil, &ProtocolError{Message: "error value truncated"}
		}
		code := int32(binary.LittleEndian.Uint32(rest))
		msgLen := binary.LittleEndian.Uint32(rest[4:])
		rest = rest[8:]
		if uint32(len(rest)) < msgLen {
			return Value{}, nil, &ProtocolError{Message: "error message truncated"}
		}
		return Value{Tag: TagErr, Code: code, Str: rest[:msgLen]}, rest[msgLen:], nil

	case TagStr:
		if len(rest) < 4 {
			return Value{}, nil, &ProtocolError{Message: "string value truncated"}
		}
		n := binary.LittleEndian.Uint32(rest)
		rest = rest[4:]
		if uint32(len(rest)) < n {
			return Value{}, nil, &ProtocolError{Message: "string body truncated"}
		}
		return Value{Tag: TagStr, Str: rest[:n]}, rest[n:], nil

	case TagInt:
		if len(rest) < 8 {
			return Value{}, nil, &ProtocolError{Message: "integer value truncated"}
		}
		v := int64(binary.LittleEndian.Uint64(rest))
		return Value{Tag: TagInt, Int: v}, rest[8:], nil

	case TagDbl:
		if len(rest) < 8 {
			return Value{}, nil, &ProtocolError{Message: "double value truncated"}
		}
		v := math.Float64frombits(binary.LittleEndian.Uint64(rest))
		return Value{Tag: TagDbl, Dbl: v}, rest[8:], nil

	case TagArr:
		if len(rest) < 4 {
			return Value{}, nil, &ProtocolError{Message: "array header truncated"}
		}
		n := binary.LittleEndian.Uint32(rest)
		rest = rest[4:]
		arr := make([]Value, 0, n)
		for i := uint32(0); i < n; i++ {
			var elem Value
			var err error
			elem, rest, err = DecodeResponse(rest)
			if err != nil {
				return Value{}, nil, err
			}
			arr = append(arr, elem)
		}
		return Value{Tag: TagArr, Arr: arr}, rest, nil

	default:
		return Value{}, nil, &ProtocolError{Message: fmt.Sprintf("unknown response tag %d", tag)}
	}
}
