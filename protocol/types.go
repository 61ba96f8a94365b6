package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Tag identifies the type of a response value on the wire.
type Tag byte

const (
	TagNil Tag = 0
	TagErr Tag = 1
	TagStr Tag = 2
	TagInt Tag = 3
	TagDbl Tag = 4
	TagArr Tag = 5
)

// Error codes carried by TagErr responses.
const (
	CodeUnknownCommand int32 = 1
	CodeBadArity       int32 = 2
	CodeWrongType      int32 = 3
	CodeBadArgument    int32 = 4
)

// HeaderSize is the length prefix in front of every frame.
const HeaderSize = 4

// MaxPayload is the largest frame payload accepted or produced. Frames
// announcing more than this are a fatal protocol error.
const MaxPayload = 32 << 20

// Value is a decoded response value.
type Value struct {
	Tag  Tag
	Str  []byte
	Int  int64
	Dbl  float64
	Arr  []Value
	Code int32 // error code, TagErr only
}

// String renders the value for human consumption, mirroring how the
// diagnostic client prints responses.
func (v Value) String() string {
	switch v.Tag {
	case TagNil:
		return "(nil)"
	case TagErr:
		return fmt.Sprintf("(error) code=%d %s", v.Code, string(v.Str))
	case TagStr:
		return string(v.Str)
	case TagInt:
		return "(integer) " + strconv.FormatInt(v.Int, 10)
	case TagDbl:
		return "(double) " + strconv.FormatFloat(v.Dbl, 'g', -1, 64)
	case TagArr:
		parts := make([]string, len(v.Arr))
		for i, item := range v.Arr {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprintf("(unknown tag %d)", v.Tag)
	}
}

// IsError reports whether this is an error value.
func (v Value) IsError() bool {
	return v.Tag == TagErr
}

// ProtocolError reports a framing violation. A connection that produces one
// cannot be resynchronized and must be closed.
type ProtocolError struct {
	Message string
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Message
}
