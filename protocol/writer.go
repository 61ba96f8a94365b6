package protocol

// Response encoding appends tagged values directly into a connection's
// outbound Buffer. Frames are built in place: BeginResponse reserves the
// length header, the handler appends its value, EndResponse patches the
// header once the final size is known. Array counts are patched the same
// way, so handlers never have to know a result size up front.

// BeginResponse reserves a frame header at the tail of b and returns its
// logical position for EndResponse.
func BeginResponse(b *Buffer) int {
	pos := b.Len()
	b.AppendU32(0)
	return pos
}

// EndResponse finalizes the frame started at pos. A response that grew past
// MaxPayload is replaced by an error value so the connection stays usable.
func EndResponse(b *Buffer, pos int) {
	size := b.Len() - pos - HeaderSize
	if size > MaxPayload {
		b.truncate(pos + HeaderSize)
		WriteErr(b, CodeBadArgument, "response is too big")
		size = b.Len() - pos - HeaderSize
	}
	b.PatchU32(pos, uint32(size))
}

// WriteNil appends a nil value.
func WriteNil(b *Buffer) {
	b.AppendByte(byte(TagNil))
}

// WriteErr appends an error value with its numeric code.
func WriteErr(b *Buffer, code int32, msg string) {
	b.AppendByte(byte(TagErr))
	b.AppendU32(uint32(code))
	b.AppendU32(uint32(len(msg)))
	b.Append([]byte(msg))
}

// WriteStr appends a string value.
func WriteStr(b *Buffer, s []byte) {
	b.AppendByte(byte(TagStr))
	b.AppendU32(uint32(len(s)))
	b.Append(s)
}

// WriteInt appends an integer value.
func WriteInt(b *Buffer, v int64) {
	b.AppendByte(byte(TagInt))
	b.AppendI64(v)
}

// WriteDbl appends a double value.
func WriteDbl(b *Buffer, v float64) {
	b.AppendByte(byte(TagDbl))
	b.AppendF64(v)
}

// BeginArr appends an array header with a placeholder count and returns the
// position to pass to EndArr.
func BeginArr(b *Buffer) int {
	b.AppendByte(byte(TagArr))
	pos := b.Len()
	b.AppendU32(0)
	return pos
}

// EndArr patches the element count of the array started at pos.
func EndArr(b *Buffer, pos int, n uint32) {
	b.PatchU32(pos, n)
}

// WriteArr appends a complete array of values. Handlers producing results
// incrementally use BeginArr/EndArr instead.
func WriteArr(b *Buffer, values []Value) {
	pos := BeginArr(b)
	for _, v := range values {
		WriteValue(b, v)
	}
	EndArr(b, pos, uint32(len(values)))
}

// WriteValue appends an already-materialized Value.
func WriteValue(b *Buffer, v Value) {
	switch v.Tag {
	case TagNil:
		WriteNil(b)
	case TagErr:
		WriteErr(b, v.Code, string(v.Str))
	case TagStr:
		WriteStr(b, v.Str)
	case TagInt:
		WriteInt(b, v.Int)
	case TagDbl:
		WriteDbl(b, v.Dbl)
	case TagArr:
		WriteArr(b, v.Arr)
	}
}

// AppendRequest encodes a complete request frame for the given argument
// strings. Used by the diagnostic client and by tests.
func AppendRequest(b *Buffer, args ...[]byte) {
	pos := BeginResponse(b)
	b.AppendU32(uint32(len(args)))
	for _, a := range args {
		b.AppendU32(uint32(len(a)))
		b.Append(a)
	}
	EndResponse(b, pos)
}
