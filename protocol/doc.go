// Package protocol implements the framed binary wire format spoken by
// verto servers and clients.
//
// Every message on the wire is a frame: a 4-byte little-endian length
// followed by that many payload bytes. A request payload is an array of
// argument strings (the first being the command name); a response payload is
// a single tagged value, possibly nested.
//
// Basic usage on the read side:
//
//	var in protocol.Buffer
//	in.Append(networkBytes)
//	for {
//		payload, err := protocol.NextFrame(&in)
//		if err != nil || payload == nil {
//			break
//		}
//		args, err := protocol.ParseRequest(payload)
//		// Process args, then:
//		in.Consume(protocol.HeaderSize + len(payload))
//	}
//
// The package supports all response tags:
//   - Nil
//   - Errors (numeric code plus message)
//   - Strings
//   - 64-bit integers
//   - IEEE-754 doubles
//   - Arrays (nested)
package protocol
