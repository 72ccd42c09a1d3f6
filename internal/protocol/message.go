package protocol

import (
	"fmt"
	"sync/atomic"
)

// Message is an operation addressed from source to destination. It cannot be changed once built.
type Message struct {
	destination   Address
	source        Address
	messageID     int64
	operationKind OperationKind
	payload       []byte
}

// NewMessage encodes op as the payload of a new message.
func NewMessage(destination, source Address, messageID int64, op Operation) (*Message, error) {
	payload, err := EncodeOperation(op)
	if err != nil {
		return nil, err
	}
	return &Message{
		destination:   destination,
		source:        source,
		messageID:     messageID,
		operationKind: op.Kind(),
		payload:       payload,
	}, nil
}

// NewRawMessage builds a message around an already encoded payload, which is copied.
func NewRawMessage(destination, source Address, messageID int64, kind OperationKind, payload []byte) *Message {
	return &Message{
		destination:   destination,
		source:        source,
		messageID:     messageID,
		operationKind: kind,
		payload:       append([]byte(nil), payload...),
	}
}

func (m *Message) Destination() Address         { return m.destination }
func (m *Message) Source() Address              { return m.source }
func (m *Message) MessageID() int64             { return m.messageID }
func (m *Message) OperationKind() OperationKind { return m.operationKind }

// Payload returns a copy of the encoded operation.
func (m *Message) Payload() []byte {
	return append([]byte(nil), m.payload...)
}

// Operation decodes the payload.
func (m *Message) Operation() (Operation, error) {
	return DecodeOperation(m.operationKind, m.payload)
}

// Readdress returns a copy of m with a new destination and id. Used when an agent fans a message out to workers.
func (m *Message) Readdress(destination Address, messageID int64) *Message {
	return &Message{
		destination:   destination,
		source:        m.source,
		messageID:     messageID,
		operationKind: m.operationKind,
		payload:       m.payload,
	}
}

func (m *Message) String() string {
	return fmt.Sprintf("Message{id=%d, %s, %s -> %s}", m.messageID, m.operationKind, m.source, m.destination)
}

// MessageIDGenerator hands out increasing message ids, starting at 1.
type MessageIDGenerator struct {
	last atomic.Int64
}

func (g *MessageIDGenerator) Next() int64 {
	return g.last.Add(1)
}
