package protocol

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/loadforge/internal/common/forgeerrors"
)

func allAddresses() []Address {
	addresses := []Address{CoordinatorAddress()}
	for _, a := range []int32{0, 1, 7} {
		addresses = append(addresses, AgentAddress(a))
		for _, w := range []int32{0, 2} {
			addresses = append(addresses, WorkerAddress(a, w))
			for _, t := range []int32{0, 3} {
				addresses = append(addresses, TestAddress(a, w, t))
			}
		}
	}
	return addresses
}

func TestMessage_RoundTrip(t *testing.T) {
	for _, destination := range allAddresses() {
		source := WorkerAddress(1, 2)
		msg := NewRawMessage(destination, source, 1234567890123, KindCreateTest, []byte(`{"TestID":"t1"}`))

		frame := EncodeMessage(msg)
		assert.True(t, IsMessageFrame(frame))
		assert.False(t, IsResponseFrame(frame))

		decoded, err := DecodeMessage(frame)
		require.NoError(t, err, destination.String())
		assert.Equal(t, destination, decoded.Destination())
		assert.Equal(t, source, decoded.Source())
		assert.Equal(t, int64(1234567890123), decoded.MessageID())
		assert.Equal(t, KindCreateTest, decoded.OperationKind())
		assert.Equal(t, []byte(`{"TestID":"t1"}`), decoded.Payload())
	}
}

func TestMessage_OperationRoundTrip(t *testing.T) {
	op := &CreateWorkerOperation{
		Address:    WorkerAddress(1, 3),
		WorkerType: "member",
		Command:    "/bin/worker",
		Args:       []string{"--verbose"},
		Env:        map[string]string{"A": "B"},
	}
	msg, err := NewMessage(AgentAddress(1), CoordinatorAddress(), 5, op)
	require.NoError(t, err)

	decoded, err := DecodeMessage(EncodeMessage(msg))
	require.NoError(t, err)
	decodedOp, err := decoded.Operation()
	require.NoError(t, err)
	assert.Equal(t, op, decodedOp)
}

func TestResponse_RoundTrip(t *testing.T) {
	response := NewResponse(42).
		AddPart(WorkerAddress(1, 1), Success).
		AddPart(WorkerAddress(1, 2), FailureWorkerNotFound).
		AddPart(TestAddress(2, 1, 1), UnblockedByFailure)

	frame := EncodeResponse(response)
	assert.True(t, IsResponseFrame(frame))
	assert.Len(t, frame, 4+4+8+3*20)

	decoded, err := DecodeResponse(frame)
	require.NoError(t, err)
	assert.Equal(t, int64(42), decoded.MessageID())
	assert.Equal(t, response.Parts(), decoded.Parts())
}

func TestResponse_TerminalRoundTrip(t *testing.T) {
	decoded, err := DecodeResponse(EncodeResponse(TerminalResponse()))
	require.NoError(t, err)
	assert.True(t, decoded.IsTerminal())
	assert.Equal(t, 0, decoded.Size())
}

func assertProtocolError(t *testing.T, err error) {
	t.Helper()
	var protocolErr *forgeerrors.ErrProtocol
	assert.True(t, errors.As(err, &protocolErr), "expected protocol error, got %v", err)
}

func TestDecode_BadMagic(t *testing.T) {
	frame := EncodeMessage(NewRawMessage(AgentAddress(1), CoordinatorAddress(), 1, KindPing, nil))
	binary.BigEndian.PutUint32(frame[4:], 0xdeadbeef)

	_, err := DecodeMessage(frame)
	assertProtocolError(t, err)

	// a message frame is not a response
	_, err = DecodeResponse(EncodeMessage(NewRawMessage(AgentAddress(1), CoordinatorAddress(), 1, KindPing, nil)))
	assertProtocolError(t, err)
}

func TestDecode_Truncated(t *testing.T) {
	frame := EncodeMessage(NewRawMessage(AgentAddress(1), CoordinatorAddress(), 1, KindPing, []byte("payload")))
	_, err := DecodeMessage(frame[:len(frame)-3])
	assertProtocolError(t, err)

	_, err = DecodeMessage(frame[:6])
	assertProtocolError(t, err)
}

func TestDecodeResponse_PartialPart(t *testing.T) {
	frame := EncodeResponse(NewResponseWithPart(1, AgentAddress(1), Success))
	frame = append(frame, 0, 0, 0)
	binary.BigEndian.PutUint32(frame, uint32(len(frame)-4))
	_, err := DecodeResponse(frame)
	assertProtocolError(t, err)
}

func TestDecode_InvalidAddress(t *testing.T) {
	frame := EncodeMessage(NewRawMessage(AgentAddress(1), CoordinatorAddress(), 1, KindPing, nil))
	// agent level with a worker index
	binary.BigEndian.PutUint32(frame[16:], 5)
	_, err := DecodeMessage(frame)
	assertProtocolError(t, err)
}

func TestReadFrame(t *testing.T) {
	first := EncodeMessage(NewRawMessage(AgentAddress(1), CoordinatorAddress(), 1, KindPing, nil))
	second := EncodeResponse(NewResponseWithPart(1, AgentAddress(1), Success))
	reader := bytes.NewReader(append(append([]byte{}, first...), second...))

	frame, err := ReadFrame(reader, DefaultMaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, first, frame)

	frame, err = ReadFrame(reader, DefaultMaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, second, frame)

	_, err = ReadFrame(reader, DefaultMaxFrameSize)
	assert.Equal(t, io.EOF, err)
}

func TestReadFrame_Oversize(t *testing.T) {
	var lengthField [4]byte
	binary.BigEndian.PutUint32(lengthField[:], 1024)
	_, err := ReadFrame(bytes.NewReader(lengthField[:]), 512)
	assertProtocolError(t, err)

	binary.BigEndian.PutUint32(lengthField[:], 0xffffffff)
	_, err = ReadFrame(bytes.NewReader(lengthField[:]), 512)
	assertProtocolError(t, err)
}

func TestReadFrame_TruncatedStream(t *testing.T) {
	frame := EncodeMessage(NewRawMessage(AgentAddress(1), CoordinatorAddress(), 1, KindPing, nil))
	_, err := ReadFrame(bytes.NewReader(frame[:10]), DefaultMaxFrameSize)
	assert.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
}

func TestDecodeOperation_UnknownKind(t *testing.T) {
	_, err := DecodeOperation(OperationKind(999), nil)
	var unsupported *forgeerrors.ErrUnsupportedOperation
	assert.True(t, errors.As(err, &unsupported))
}

func TestFailureOperation_JSON(t *testing.T) {
	op := &FailureOperation{Type: WorkerOOME, Worker: WorkerAddress(1, 2), Cause: "heap"}
	payload, err := EncodeOperation(op)
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"Type":"WorkerOOME"`)

	decoded, err := DecodeOperation(KindFailure, payload)
	require.NoError(t, err)
	assert.Equal(t, WorkerOOME, decoded.(*FailureOperation).Type)
	assert.Equal(t, WorkerAddress(1, 2), decoded.(*FailureOperation).Worker)
}

func TestFailureType_Classification(t *testing.T) {
	assert.True(t, WorkerNormalExit.IsTerminal())
	assert.False(t, WorkerNormalExit.IsError())
	assert.True(t, WorkerAbnormalExit.IsTerminal())
	assert.True(t, WorkerAbnormalExit.IsError())
	assert.True(t, WorkerOOME.IsTerminal())
	assert.False(t, WorkerException.IsTerminal())
	assert.False(t, WorkerTimeout.IsTerminal())
}
