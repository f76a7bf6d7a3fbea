// This package defines the envelope carried across a channel during group key
// agreement, and the summary record produced by introspecting a raw message.
// Both are plain value records: the wire codec and the agreement algorithms
// live outside this module and only fill these shapes in.
package greet

import (
	"fmt"

	"github.com/meow-io/go-palaver/ids"
)

// Agreement is the kind of key agreement a message belongs to: the initial
// agreement establishing a session, or an auxiliary one adjusting it.
type Agreement uint8

const (
	AgreementInitial Agreement = iota
	AgreementAuxiliary
)

func (a Agreement) String() string {
	switch a {
	case AgreementInitial:
		return "initial"
	case AgreementAuxiliary:
		return "auxiliary"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// Flow is the direction of an agreement message: upflow messages travel
// point-to-point through the member sequence, downflow messages are broadcast.
type Flow uint8

const (
	Upflow Flow = iota
	Downflow
)

func (f Flow) String() string {
	switch f {
	case Upflow:
		return "upflow"
	case Downflow:
		return "downflow"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(f))
	}
}

// Origin classifies the sender of a raw message relative to the current
// session membership.
type Origin uint8

const (
	OriginUnknown Origin = iota
	OriginParticipant
	OriginOutsider
)

func (o Origin) String() string {
	switch o {
	case OriginParticipant:
		return "participant"
	case OriginOutsider:
		return "outsider"
	case OriginUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(o))
	}
}

// Negotiation classifications assigned by the message parser.
const (
	NegotiationStart   = "start"
	NegotiationInclude = "include"
	NegotiationExclude = "exclude"
	NegotiationRefresh = "refresh"
	NegotiationQuit    = "quit"
)

// Message is the key-agreement envelope. It is assembled incrementally across
// the agreement flow; SignatureOk distinguishes a fully-validated message from
// a partially-built one. The check happens at decode time, since the underlying
// cipher pads and deferring it is not possible.
type Message struct {
	Source ids.Member
	// Dest empty means broadcast.
	Dest      ids.Member
	Agreement Agreement
	Flow      Flow
	Members   []ids.Member
	// IntKeys, DebugKeys, Nonces and PubKeys are positionally aligned with Members.
	IntKeys          [][]byte
	DebugKeys        []string
	Nonces           [][]byte
	PubKeys          [][]byte
	SessionSignature string
	// SigningKey is populated only on departure, when the ephemeral signing key
	// is disclosed.
	SigningKey  []byte
	Signature   []byte
	SignatureOk bool
	// RawMessage holds the message bytes before the signature was split off.
	RawMessage []byte
	Protocol   uint8
	Data       []byte
}

// NewMessage returns a message with every optional field at its neutral
// default, ready for incremental assembly.
func NewMessage(source ids.Member) *Message {
	return &Message{
		Source:    source,
		Members:   []ids.Member{},
		IntKeys:   [][]byte{},
		DebugKeys: []string{},
		Nonces:    [][]byte{},
		PubKeys:   [][]byte{},
	}
}

// MessageInfo summarizes a raw message without requiring a full decode. It is
// always fully specified by the parser that builds it, never assembled
// incrementally.
type MessageInfo struct {
	// Kind is the message kind tag assigned by the parser.
	Kind     string
	Protocol uint8
	From     ids.Member
	To       ids.Member
	Origin   Origin
	// Greet is set for key-agreement messages only.
	Greet *GreetInfo
}

// GreetInfo is the agreement-specific summary of a raw message.
type GreetInfo struct {
	Agreement Agreement
	Flow      Flow
	// FromInitiator reports whether the flow initiator sent the message.
	FromInitiator bool
	Negotiation   string
	Members       []ids.Member
	NumNonces     int
	NumPubKeys    int
	NumIntKeys    int
}
