package core

import (
	"fmt"
	"strconv"
)

// Message is implemented by user-defined message types. Messages that have to
// cross node boundaries additionally implement encoding.BinaryMarshaler.
type Message interface {
	Name() string
}

// PayloadKind tags the variant stored in a Payload.
type PayloadKind uint8

const (
	PayloadEmpty PayloadKind = iota
	PayloadInt
	PayloadText
	PayloadBytes
	PayloadMessage
)

// String returns the string representation of PayloadKind.
func (k PayloadKind) String() string {
	switch k {
	case PayloadEmpty:
		return "empty"
	case PayloadInt:
		return "int"
	case PayloadText:
		return "text"
	case PayloadBytes:
		return "bytes"
	case PayloadMessage:
		return "message"
	default:
		return "unknown"
	}
}

// InlineSize is the largest byte payload stored inside the Payload value
// itself. Larger byte slices are copied to the heap.
const InlineSize = 48

// Payload is a small tagged union over the closed set of message variants.
// Integers, short texts and byte slices up to InlineSize bytes travel without
// a separate allocation; arbitrary Message values are boxed.
type Payload struct {
	kind   PayloadKind
	n      int64
	inline [InlineSize]byte
	text   string
	heap   []byte
	msg    Message
}

// Int wraps an integer.
func Int(v int64) Payload {
	return Payload{kind: PayloadInt, n: v}
}

// Text wraps a string.
func Text(s string) Payload {
	return Payload{kind: PayloadText, text: s}
}

// Bytes wraps a copy of b.
func Bytes(b []byte) Payload {
	p := Payload{kind: PayloadBytes, n: int64(len(b))}
	if len(b) <= InlineSize {
		copy(p.inline[:], b)
	} else {
		p.heap = append([]byte(nil), b...)
	}
	return p
}

// Msg wraps a user message.
func Msg(m Message) Payload {
	if m == nil {
		return Payload{}
	}
	return Payload{kind: PayloadMessage, msg: m}
}

// Kind returns the stored variant.
func (p Payload) Kind() PayloadKind {
	return p.kind
}

// IsEmpty reports whether the payload carries nothing.
func (p Payload) IsEmpty() bool {
	return p.kind == PayloadEmpty
}

// Inline reports whether the payload data lives inside the value.
func (p Payload) Inline() bool {
	return p.kind != PayloadMessage && p.heap == nil
}

// Int returns the integer variant.
func (p Payload) Int() (int64, bool) {
	return p.n, p.kind == PayloadInt
}

// Text returns the text variant.
func (p Payload) Text() (string, bool) {
	return p.text, p.kind == PayloadText
}

// Bytes returns the byte variant. The returned slice must not be modified.
func (p Payload) Bytes() ([]byte, bool) {
	if p.kind != PayloadBytes {
		return nil, false
	}
	if p.heap != nil {
		return p.heap, true
	}
	return p.inline[:p.n:p.n], true
}

// Message returns the boxed user message.
func (p Payload) Message() (Message, bool) {
	return p.msg, p.kind == PayloadMessage
}

// Name returns the message name used in dumps and telemetry.
func (p Payload) Name() string {
	if p.kind == PayloadMessage {
		return p.msg.Name()
	}
	return p.kind.String()
}

// String returns a short human readable form.
func (p Payload) String() string {
	switch p.kind {
	case PayloadInt:
		return strconv.FormatInt(p.n, 10)
	case PayloadText:
		return strconv.Quote(p.text)
	case PayloadBytes:
		return fmt.Sprintf("bytes[%d]", p.n)
	case PayloadMessage:
		return p.msg.Name()
	default:
		return "<empty>"
	}
}
