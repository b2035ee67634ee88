package core

import (
	"time"

	"go.uber.org/atomic"
)

// MessageKind distinguishes plain messages from request/response pairs.
type MessageKind uint8

const (
	// KindRegular is a fire-and-forget message
	KindRegular MessageKind = iota

	// KindRequest expects a response carrying the same request id
	KindRequest

	// KindResponse answers a request
	KindResponse
)

// String returns the string representation of MessageKind.
func (k MessageKind) String() string {
	switch k {
	case KindRegular:
		return "regular"
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	default:
		return "unknown"
	}
}

// RequestID correlates a request with its response.
type RequestID uint64

// TraceID follows a causal chain of messages across actors and nodes.
type TraceID uint64

// Envelope is a message plus its routing and trace metadata. Envelopes are
// immutable; all fields are read through accessors.
type Envelope struct {
	sender    Addr
	recipient Addr
	payload   Payload
	trace     TraceID
	kind      MessageKind
	request   RequestID
	err       error
	created   time.Time
}

// NewEnvelope builds a regular envelope. Transports use it to rebuild inbound
// envelopes after deserialization.
func NewEnvelope(sender, recipient Addr, payload Payload, trace TraceID) Envelope {
	return Envelope{
		sender:    sender,
		recipient: recipient,
		payload:   payload,
		trace:     trace,
		kind:      KindRegular,
		created:   time.Now(),
	}
}

// NewRequestEnvelope builds a request envelope.
func NewRequestEnvelope(sender, recipient Addr, payload Payload, trace TraceID, id RequestID) Envelope {
	env := NewEnvelope(sender, recipient, payload, trace)
	env.kind = KindRequest
	env.request = id
	return env
}

// NewResponseEnvelope builds a response to request id.
func NewResponseEnvelope(sender, recipient Addr, payload Payload, trace TraceID, id RequestID) Envelope {
	env := NewEnvelope(sender, recipient, payload, trace)
	env.kind = KindResponse
	env.request = id
	return env
}

func failedResponse(to Envelope, from Addr, err error) Envelope {
	resp := NewResponseEnvelope(from, to.sender, Payload{}, to.trace, to.request)
	resp.err = err
	return resp
}

// Sender returns the sending actor, or NullAddr for system messages.
func (e Envelope) Sender() Addr { return e.sender }

// Recipient returns the addressed actor. It is NullAddr for topic sends until
// the router picks a member.
func (e Envelope) Recipient() Addr { return e.recipient }

// Payload returns the carried payload.
func (e Envelope) Payload() Payload { return e.payload }

// TraceID returns the trace identifier.
func (e Envelope) TraceID() TraceID { return e.trace }

// Kind returns the message kind.
func (e Envelope) Kind() MessageKind { return e.kind }

// RequestID returns the correlation id of requests and responses.
func (e Envelope) RequestID() RequestID { return e.request }

// Err returns the failure carried by a synthesized response.
func (e Envelope) Err() error { return e.err }

// CreatedAt returns the construction time.
func (e Envelope) CreatedAt() time.Time { return e.created }

// IsRequest reports whether the envelope expects a response.
func (e Envelope) IsRequest() bool { return e.kind == KindRequest }

func (e Envelope) withRecipient(addr Addr) Envelope {
	e.recipient = addr
	return e
}

// traceGen produces trace ids laid out as seconds(32) | node(16) | counter(16).
type traceGen struct {
	node    NodeNo
	counter atomic.Uint32
}

func (g *traceGen) next() TraceID {
	c := g.counter.Inc()
	id := uint64(time.Now().Unix())<<32 | uint64(g.node)<<16 | uint64(c&0xffff)
	if id == 0 {
		id = 1
	}
	return TraceID(id)
}
