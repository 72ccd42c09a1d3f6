package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pkg/errors"

	"github.com/G-Research/loadforge/internal/common/forgeerrors"
)

// Frame layout, all integers big-endian:
//
//	[frameLength:int32][magic:int32][body]
//
// frameLength counts the magic and the body. A message body is
//
//	[destination:4×int32][source:4×int32][messageId:int64][operationKind:int32][payload]
//
// and a response body is [messageId:int64] followed by any number of [address:4×int32][resultKind:int32].
const (
	MessageMagic  uint32 = 0x6D736731 // "msg1"
	ResponseMagic uint32 = 0x72737031 // "rsp1"

	DefaultMaxFrameSize = 16 << 20

	lengthFieldSize    = 4
	magicSize          = 4
	addressSize        = 4 * 4
	messageHeaderSize  = 2*addressSize + 8 + 4
	responseHeaderSize = 8
	responsePartSize   = addressSize + 4
)

var byteOrder = binary.BigEndian

func protocolErrorf(format string, args ...interface{}) error {
	return errors.WithStack(&forgeerrors.ErrProtocol{Message: fmt.Sprintf(format, args...)})
}

// IsResponseFrame reports whether frame carries a response. Only the magic is inspected.
func IsResponseFrame(frame []byte) bool {
	return len(frame) >= lengthFieldSize+magicSize && byteOrder.Uint32(frame[lengthFieldSize:]) == ResponseMagic
}

// IsMessageFrame reports whether frame carries a message. Only the magic is inspected.
func IsMessageFrame(frame []byte) bool {
	return len(frame) >= lengthFieldSize+magicSize && byteOrder.Uint32(frame[lengthFieldSize:]) == MessageMagic
}

func EncodeMessage(m *Message) []byte {
	frameLength := magicSize + messageHeaderSize + len(m.payload)
	frame := make([]byte, lengthFieldSize+frameLength)
	byteOrder.PutUint32(frame[0:], uint32(frameLength))
	byteOrder.PutUint32(frame[4:], MessageMagic)
	offset := 8
	offset = putAddress(frame, offset, m.destination)
	offset = putAddress(frame, offset, m.source)
	byteOrder.PutUint64(frame[offset:], uint64(m.messageID))
	offset += 8
	byteOrder.PutUint32(frame[offset:], uint32(m.operationKind))
	offset += 4
	copy(frame[offset:], m.payload)
	return frame
}

func DecodeMessage(frame []byte) (*Message, error) {
	body, err := frameBody(frame, MessageMagic, messageHeaderSize)
	if err != nil {
		return nil, err
	}
	destination, err := readAddress(body[0:])
	if err != nil {
		return nil, err
	}
	source, err := readAddress(body[addressSize:])
	if err != nil {
		return nil, err
	}
	offset := 2 * addressSize
	messageID := int64(byteOrder.Uint64(body[offset:]))
	offset += 8
	kind := OperationKind(byteOrder.Uint32(body[offset:]))
	offset += 4
	return NewRawMessage(destination, source, messageID, kind, body[offset:]), nil
}

func EncodeResponse(r *Response) []byte {
	frameLength := magicSize + responseHeaderSize + len(r.parts)*responsePartSize
	frame := make([]byte, lengthFieldSize+frameLength)
	byteOrder.PutUint32(frame[0:], uint32(frameLength))
	byteOrder.PutUint32(frame[4:], ResponseMagic)
	byteOrder.PutUint64(frame[8:], uint64(r.messageID))
	offset := 16
	for _, address := range r.Addresses() {
		offset = putAddress(frame, offset, address)
		byteOrder.PutUint32(frame[offset:], uint32(r.parts[address]))
		offset += 4
	}
	return frame
}

func DecodeResponse(frame []byte) (*Response, error) {
	body, err := frameBody(frame, ResponseMagic, responseHeaderSize)
	if err != nil {
		return nil, err
	}
	partBytes := len(body) - responseHeaderSize
	if partBytes%responsePartSize != 0 {
		return nil, protocolErrorf("response body of %d bytes is not a whole number of parts", len(body))
	}
	response := NewResponse(int64(byteOrder.Uint64(body)))
	for offset := responseHeaderSize; offset < len(body); offset += responsePartSize {
		address, err := readAddress(body[offset:])
		if err != nil {
			return nil, err
		}
		result := ResultKind(int32(byteOrder.Uint32(body[offset+addressSize:])))
		if !result.valid() {
			return nil, protocolErrorf("unknown result kind %d for %s", int32(result), address)
		}
		response.AddPart(address, result)
	}
	return response, nil
}

// ReadFrame reads one complete frame, including its length prefix. A clean end of stream before the first byte
// of a frame is returned as io.EOF.
func ReadFrame(r io.Reader, maxFrameSize int) ([]byte, error) {
	var lengthField [lengthFieldSize]byte
	if _, err := io.ReadFull(r, lengthField[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrap(err, "reading frame length")
	}
	frameLength := int32(byteOrder.Uint32(lengthField[:]))
	if frameLength < magicSize || int(frameLength) > maxFrameSize {
		return nil, protocolErrorf("frame length %d outside [%d, %d]", frameLength, magicSize, maxFrameSize)
	}
	frame := make([]byte, lengthFieldSize+int(frameLength))
	copy(frame, lengthField[:])
	if _, err := io.ReadFull(r, frame[lengthFieldSize:]); err != nil {
		return nil, errors.Wrapf(err, "reading frame of %d bytes", frameLength)
	}
	return frame, nil
}

// frameBody validates the length and magic of frame and returns what follows the magic.
func frameBody(frame []byte, magic uint32, minBodySize int) ([]byte, error) {
	if len(frame) < lengthFieldSize+magicSize {
		return nil, protocolErrorf("frame of %d bytes is truncated", len(frame))
	}
	if actual := byteOrder.Uint32(frame[lengthFieldSize:]); actual != magic {
		return nil, protocolErrorf("bad magic 0x%08x, expected 0x%08x", actual, magic)
	}
	frameLength := int(int32(byteOrder.Uint32(frame)))
	if frameLength != len(frame)-lengthFieldSize {
		return nil, protocolErrorf("frame length %d does not match %d bytes received", frameLength, len(frame)-lengthFieldSize)
	}
	body := frame[lengthFieldSize+magicSize:]
	if len(body) < minBodySize {
		return nil, protocolErrorf("frame body of %d bytes is shorter than %d", len(body), minBodySize)
	}
	return body, nil
}

func putAddress(buf []byte, offset int, a Address) int {
	byteOrder.PutUint32(buf[offset:], uint32(a.level))
	byteOrder.PutUint32(buf[offset+4:], uint32(a.agentIndex))
	byteOrder.PutUint32(buf[offset+8:], uint32(a.workerIndex))
	byteOrder.PutUint32(buf[offset+12:], uint32(a.testIndex))
	return offset + addressSize
}

func readAddress(buf []byte) (Address, error) {
	address, err := NewAddress(
		AddressLevel(int32(byteOrder.Uint32(buf[0:]))),
		int32(byteOrder.Uint32(buf[4:])),
		int32(byteOrder.Uint32(buf[8:])),
		int32(byteOrder.Uint32(buf[12:])),
	)
	if err != nil {
		return Address{}, protocolErrorf("invalid address: %v", err)
	}
	return address, nil
}
