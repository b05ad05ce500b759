// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/maibot/lib/codec"
)

// Protocol versions this build speaks. A handshake claiming a version
// below MinProtocolVersion is rejected; anything above
// ProtocolVersion is negotiated down.
const (
	ProtocolVersion    = 1
	MinProtocolVersion = 1
)

// MessageType selects how a frame's payload is decoded. Values are
// protocol constants and must stay below 0x80.
type MessageType byte

const (
	// TypeHandshake is the first frame a plugin sends.
	TypeHandshake MessageType = 0x01
	// TypeHandshakeAck answers a handshake, accepted or not.
	TypeHandshakeAck MessageType = 0x02
	// TypeSubscribe adds event categories to a plugin's subscription.
	TypeSubscribe MessageType = 0x03
	// TypeUnsubscribe removes event categories.
	TypeUnsubscribe MessageType = 0x04
	// TypeSubscriptionAck reports the outcome of a subscribe or
	// unsubscribe request, in request order.
	TypeSubscriptionAck MessageType = 0x05
	// TypeEventDelivery carries one routed platform event to a plugin.
	TypeEventDelivery MessageType = 0x06
	// TypeActionRequest carries one plugin-issued action.
	TypeActionRequest MessageType = 0x07
	// TypeActionResult reports the outcome of an action request.
	TypeActionResult MessageType = 0x08
	// TypeCongested tells a plugin its queue started dropping events.
	TypeCongested MessageType = 0x09
	// TypeRecovered tells a plugin its queue drained after congestion.
	TypeRecovered MessageType = 0x0A
	// TypeDisconnect announces an orderly close and its reason.
	TypeDisconnect MessageType = 0x0B
	// TypePing asks the peer for a Pong with the same nonce.
	TypePing MessageType = 0x0C
	// TypePong answers a Ping.
	TypePong MessageType = 0x0D
)

var typeNames = map[MessageType]string{
	TypeHandshake:       "handshake",
	TypeHandshakeAck:    "handshake_ack",
	TypeSubscribe:       "subscribe",
	TypeUnsubscribe:     "unsubscribe",
	TypeSubscriptionAck: "subscription_ack",
	TypeEventDelivery:   "event_delivery",
	TypeActionRequest:   "action_request",
	TypeActionResult:    "action_result",
	TypeCongested:       "congested",
	TypeRecovered:       "recovered",
	TypeDisconnect:      "disconnect",
	TypePing:            "ping",
	TypePong:            "pong",
}

func (t MessageType) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(0x%02x)", byte(t))
}

// ErrUnknownMessageType is returned when decoding a frame whose type
// tag is not defined by this protocol version.
var ErrUnknownMessageType = errors.New("wire: unknown message type")

// ErrMalformed is wrapped when a frame's payload does not decode as
// the body its type tag announces.
var ErrMalformed = errors.New("wire: malformed message")

// Message is implemented by every message body.
type Message interface {
	MessageType() MessageType
}

// Handshake opens a plugin session.
type Handshake struct {
	Identity        string   `cbor:"identity"`
	Token           string   `cbor:"token"`
	Capabilities    []string `cbor:"capabilities,omitempty"`
	ProtocolVersion int      `cbor:"protocol_version"`
	// Compression lists acceptable payload compressions in preference
	// order ("zstd", "lz4").
	Compression []string `cbor:"compression,omitempty"`
}

// HandshakeAck answers a Handshake. When Accepted is false, Reason
// holds a reject code and the core closes the connection after
// sending it.
type HandshakeAck struct {
	Accepted          bool     `cbor:"accepted"`
	Reason            string   `cbor:"reason,omitempty"`
	NegotiatedVersion int      `cbor:"negotiated_version,omitempty"`
	Capabilities      []string `cbor:"capabilities,omitempty"`
	Compression       string   `cbor:"compression,omitempty"`
	Connection        string   `cbor:"connection,omitempty"`
}

// SubscribeRequest adds event categories.
type SubscribeRequest struct {
	Categories []string `cbor:"categories"`
}

// UnsubscribeRequest removes event categories.
type UnsubscribeRequest struct {
	Categories []string `cbor:"categories"`
}

// SubscriptionAck reports which categories of the preceding request
// took effect. Rejected holds categories that are unknown, not event
// categories, or not granted.
type SubscriptionAck struct {
	Subscribed   []string `cbor:"subscribed,omitempty"`
	Unsubscribed []string `cbor:"unsubscribed,omitempty"`
	Rejected     []string `cbor:"rejected,omitempty"`
}

// EventDelivery carries a routed platform event.
type EventDelivery struct {
	Category string `cbor:"category"`
	Payload  []byte `cbor:"payload"`
	Sequence uint64 `cbor:"sequence"`
	Origin   string `cbor:"origin"`
	// Timestamp is Unix milliseconds at which the core accepted the event.
	Timestamp int64 `cbor:"timestamp"`
}

// ActionRequest is an action issued by a plugin. Sequence must
// increase strictly per session.
type ActionRequest struct {
	Category string `cbor:"category"`
	Payload  []byte `cbor:"payload,omitempty"`
	Sequence uint64 `cbor:"sequence"`
}

// Action outcomes.
const (
	OutcomeOK           = "ok"
	OutcomeForbidden    = "forbidden"
	OutcomeAdapterError = "adapter_error"
	OutcomeDuplicate    = "duplicate"
)

// ActionResult reports an action's outcome. Code is set for
// adapter_error; Reference is the platform's identifier for the
// effect (a message id, for example) when the adapter returned one.
type ActionResult struct {
	Sequence  uint64 `cbor:"sequence"`
	Outcome   string `cbor:"outcome"`
	Code      string `cbor:"code,omitempty"`
	Message   string `cbor:"message,omitempty"`
	Reference string `cbor:"reference,omitempty"`
}

// Congested reports that events were dropped for this plugin.
type Congested struct {
	Dropped uint64 `cbor:"dropped"`
}

// Recovered reports the end of a congestion episode.
type Recovered struct {
	Dropped uint64 `cbor:"dropped"`
}

// Disconnect announces that the sender is closing the connection.
type Disconnect struct {
	Reason string `cbor:"reason"`
}

// Ping requests a Pong echoing Nonce.
type Ping struct {
	Nonce uint64 `cbor:"nonce"`
}

// Pong answers a Ping.
type Pong struct {
	Nonce uint64 `cbor:"nonce"`
}

func (Handshake) MessageType() MessageType          { return TypeHandshake }
func (HandshakeAck) MessageType() MessageType       { return TypeHandshakeAck }
func (SubscribeRequest) MessageType() MessageType   { return TypeSubscribe }
func (UnsubscribeRequest) MessageType() MessageType { return TypeUnsubscribe }
func (SubscriptionAck) MessageType() MessageType    { return TypeSubscriptionAck }
func (EventDelivery) MessageType() MessageType      { return TypeEventDelivery }
func (ActionRequest) MessageType() MessageType      { return TypeActionRequest }
func (ActionResult) MessageType() MessageType       { return TypeActionResult }
func (Congested) MessageType() MessageType          { return TypeCongested }
func (Recovered) MessageType() MessageType          { return TypeRecovered }
func (Disconnect) MessageType() MessageType         { return TypeDisconnect }
func (Ping) MessageType() MessageType               { return TypePing }
func (Pong) MessageType() MessageType               { return TypePong }

// MarshalFrame encodes a message body into an uncompressed frame.
func MarshalFrame(message Message) (Frame, error) {
	payload, err := codec.Marshal(message)
	if err != nil {
		return Frame{}, fmt.Errorf("encoding %s: %w", message.MessageType(), err)
	}
	return Frame{Type: message.MessageType(), Payload: payload}, nil
}

// UnmarshalFrame decodes an uncompressed frame into its message body.
// The returned value is one of the message structs above, by value.
func UnmarshalFrame(frame Frame) (Message, error) {
	if frame.Compressed {
		return nil, fmt.Errorf("%w: %s frame is still compressed", ErrMalformed, frame.Type)
	}
	switch frame.Type {
	case TypeHandshake:
		return decodeBody[Handshake](frame)
	case TypeHandshakeAck:
		return decodeBody[HandshakeAck](frame)
	case TypeSubscribe:
		return decodeBody[SubscribeRequest](frame)
	case TypeUnsubscribe:
		return decodeBody[UnsubscribeRequest](frame)
	case TypeSubscriptionAck:
		return decodeBody[SubscriptionAck](frame)
	case TypeEventDelivery:
		return decodeBody[EventDelivery](frame)
	case TypeActionRequest:
		return decodeBody[ActionRequest](frame)
	case TypeActionResult:
		return decodeBody[ActionResult](frame)
	case TypeCongested:
		return decodeBody[Congested](frame)
	case TypeRecovered:
		return decodeBody[Recovered](frame)
	case TypeDisconnect:
		return decodeBody[Disconnect](frame)
	case TypePing:
		return decodeBody[Ping](frame)
	case TypePong:
		return decodeBody[Pong](frame)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, frame.Type)
	}
}

func decodeBody[T Message](frame Frame) (Message, error) {
	var body T
	if err := codec.Unmarshal(frame.Payload, &body); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %v", ErrMalformed, frame.Type, err)
	}
	return body, nil
}
