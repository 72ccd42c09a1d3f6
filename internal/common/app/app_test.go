package app

import (
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCreateContextWithShutdown_CancelledOnSignal(t *testing.T) {
	ctx := CreateContextWithShutdown()
	assert.NoError(t, ctx.Err())

	assert.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGTERM))

	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context was not cancelled by SIGTERM")
	}
}
