package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/loadforge/internal/protocol"
)

func TestTable(t *testing.T) {
	table := NewTable()
	for _, address := range []protocol.Address{
		protocol.WorkerAddress(1, 3),
		protocol.WorkerAddress(1, 1),
		protocol.WorkerAddress(2, 1),
	} {
		require.NoError(t, table.Add(NewWorkerProcess(address, address.String(), "member", "/tmp")))
	}
	assert.Error(t, table.Add(NewWorkerProcess(protocol.WorkerAddress(1, 1), "dup", "member", "/tmp")))
	assert.Equal(t, 3, table.Len())

	var addresses []string
	for _, wp := range table.All() {
		addresses = append(addresses, wp.Address().String())
	}
	assert.Equal(t, []string{"C_A1_W1", "C_A1_W3", "C_A2_W1"}, addresses)

	assert.Len(t, table.Matching(protocol.WorkerAddress(1, 0)), 2)
	assert.Len(t, table.Matching(protocol.WorkerAddress(2, 1)), 1)
	assert.Len(t, table.Matching(protocol.TestAddress(1, 1, 0)), 0)

	assert.True(t, table.Remove(protocol.WorkerAddress(1, 3)))
	assert.False(t, table.Remove(protocol.WorkerAddress(1, 3)))
	_, ok := table.Get(protocol.WorkerAddress(1, 3))
	assert.False(t, ok)
}

func TestWorkerProcess_Flags(t *testing.T) {
	wp := NewWorkerProcess(protocol.WorkerAddress(1, 1), "w", "member", "/tmp")
	assert.Equal(t, Requested, wp.State())

	assert.True(t, wp.SetOOMEDetected())
	assert.False(t, wp.SetOOMEDetected())
	assert.True(t, wp.IsOOMEDetected())

	_, exited := wp.Exited()
	assert.False(t, exited)
	wp.RecordExit(2)
	wp.RecordExit(0)
	code, exited := wp.Exited()
	assert.True(t, exited)
	assert.Equal(t, 2, code)
}
